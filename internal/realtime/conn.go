package realtime

import (
	"fmt"
	"sync"
)

type ConnID string

// Transport is the write side of a client connection. The Conn that wraps
// it is the only writer and closes it exactly once.
type Transport interface {
	WriteFrame(frame []byte) error
	Close() error
}

// Conn is a registered client connection.
type Conn struct {
	id     ConnID
	userID string
	tr     Transport
	send   chan []byte

	mu       sync.Mutex
	alive    bool
	channels map[ChannelKey]struct{}
}

func newConn(id ConnID, userID string, tr Transport, buf int) *Conn {
	return &Conn{
		id:       id,
		userID:   userID,
		tr:       tr,
		send:     make(chan []byte, buf),
		alive:    true,
		channels: make(map[ChannelKey]struct{}),
	}
}

func (c *Conn) ID() ConnID     { return c.id }
func (c *Conn) UserID() string { return c.userID }

func (c *Conn) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alive
}

// Channels returns a snapshot of the channels c is subscribed to.
func (c *Conn) Channels() []ChannelKey {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ChannelKey, 0, len(c.channels))
	for k := range c.channels {
		out = append(out, k)
	}
	return out
}

// enqueue hands frame to the writer without blocking. A closed connection or
// a full send buffer is a delivery failure.
func (c *Conn) enqueue(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.alive {
		return fmt.Errorf("%w: connection %s closed", ErrDeliveryFailure, c.id)
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return fmt.Errorf("%w: send buffer of %s full", ErrDeliveryFailure, c.id)
	}
}

// addChannel records key on a live connection. It reports false when the
// connection is already shut down.
func (c *Conn) addChannel(key ChannelKey) (added, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.alive {
		return false, false
	}
	if _, exists := c.channels[key]; exists {
		return false, true
	}
	c.channels[key] = struct{}{}
	return true, true
}

func (c *Conn) removeChannel(key ChannelKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.channels[key]; !ok {
		return false
	}
	delete(c.channels, key)
	return true
}

// shutdown marks c dead, stops its writer and returns the channels it held.
func (c *Conn) shutdown() []ChannelKey {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.alive {
		return nil
	}
	c.alive = false
	close(c.send)
	keys := make([]ChannelKey, 0, len(c.channels))
	for k := range c.channels {
		keys = append(keys, k)
	}
	c.channels = make(map[ChannelKey]struct{})
	return keys
}

// writeLoop drains the send buffer into the transport. onFail is called once
// on the first write error.
func (c *Conn) writeLoop(onFail func(error)) {
	defer c.tr.Close()
	failed := false
	for frame := range c.send {
		if failed {
			continue
		}
		if err := c.tr.WriteFrame(frame); err != nil {
			failed = true
			onFail(fmt.Errorf("%w: write to %s: %v", ErrDeliveryFailure, c.id, err))
		}
	}
}
