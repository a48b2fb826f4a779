package realtime

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024

	// CloseTryAgainLater is sent when the registry fills up mid-handshake.
	CloseTryAgainLater = websocket.CloseTryAgainLater
)

// wsTransport adapts a gorilla websocket to Transport. Data frames are only
// written by the connection's writer goroutine; pings go through
// WriteControl, which gorilla allows concurrently with one writer.
type wsTransport struct {
	ws   *websocket.Conn
	once sync.Once
	done chan struct{}
}

func newWSTransport(ws *websocket.Conn) *wsTransport {
	t := &wsTransport{ws: ws, done: make(chan struct{})}
	go t.pingLoop()
	return t
}

func (t *wsTransport) WriteFrame(frame []byte) error {
	_ = t.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return t.ws.WriteMessage(websocket.TextMessage, frame)
}

func (t *wsTransport) Close() error {
	return t.closeWith(websocket.CloseNormalClosure, "")
}

// closeWith sends a close frame with code and tears the socket down. Only
// the first call has any effect.
func (t *wsTransport) closeWith(code int, reason string) error {
	var err error
	t.once.Do(func() {
		close(t.done)
		_ = t.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason),
			time.Now().Add(writeWait))
		err = t.ws.Close()
	})
	return err
}

func (t *wsTransport) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			if err := t.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// readPump feeds inbound frames to the hub until the peer goes away, then
// disconnects c.
func readPump(hub *Hub, c *Conn, ws *websocket.Conn, log *zap.Logger) {
	defer hub.Disconnect(c.ID())

	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				log.Debug("websocket read", zap.String("conn", string(c.ID())), zap.Error(err))
			}
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		if err := hub.HandleMessage(c, data); err != nil && !isClientError(err) {
			log.Warn("handle message", zap.String("conn", string(c.ID())), zap.Error(err))
		}
	}
}

func isClientError(err error) bool {
	return errors.Is(err, ErrInvalidAction) || errors.Is(err, ErrInvalidChannel)
}
