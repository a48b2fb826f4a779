package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

type HubOptions struct {
	MaxConnections int
	SendBuffer     int
	TypingTTL      time.Duration
}

// Hub wires the registry, router, broker bridge and typing tracker together
// and is the only entry point the transport layer talks to.
type Hub struct {
	registry *Registry
	router   *Router
	bridge   *Bridge
	typing   *Tracker
	log      *zap.Logger
	metrics  *Metrics
}

func NewHub(bridge *Bridge, opts HubOptions, log *zap.Logger, metrics *Metrics) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	if metrics == nil {
		metrics = bridge.metrics
	}
	router := NewRouter(bridge, log, metrics)
	registry := NewRegistry(router, RegistryOptions{
		MaxConnections: opts.MaxConnections,
		SendBuffer:     opts.SendBuffer,
	}, log, metrics)
	typing := NewTracker(bridge, opts.TypingTTL, log)
	registry.OnUnregister(func(c *Conn) { typing.ForgetConnection(c.ID()) })

	return &Hub{
		registry: registry,
		router:   router,
		bridge:   bridge,
		typing:   typing,
		log:      log.Named("hub"),
		metrics:  metrics,
	}
}

// Run drives the broker subscriber and typing emitter until ctx is done.
// Live connections are closed on the way out.
func (h *Hub) Run(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.typing.Run(ctx)
	}()
	err := h.bridge.Run(ctx, h.router)
	<-done
	h.Close()
	return err
}

// Close unregisters every connection.
func (h *Hub) Close() {
	for _, id := range h.registry.ids() {
		h.registry.Unregister(id)
	}
}

// Connect registers a transport for userID, queues its welcome frame and
// then subscribes it to the initial channels, typically derived from
// membership records. Invalid keys are skipped.
func (h *Hub) Connect(userID string, tr Transport, channels []ChannelKey) (*Conn, error) {
	keys := make([]ChannelKey, 0, len(channels))
	for _, key := range channels {
		if _, err := ParseChannel(string(key)); err != nil {
			h.log.Warn("skipping initial channel", zap.String("user", userID), zap.String("channel", key.String()), zap.Error(err))
			continue
		}
		keys = append(keys, key)
	}

	c, err := h.registry.Register(userID, tr)
	if err != nil {
		return nil, err
	}
	// Nothing can be broadcast to c before it is subscribed, so the welcome
	// frame is always first.
	if err := h.Send(c, welcomeFrame(c, keys)); err != nil {
		return nil, err
	}
	for _, key := range keys {
		if err := h.router.Subscribe(c, key); err != nil {
			h.log.Warn("initial subscribe failed", zap.String("conn", string(c.id)), zap.String("channel", key.String()), zap.Error(err))
		}
	}
	h.log.Info("client connected",
		zap.String("conn", string(c.id)),
		zap.String("user", userID),
		zap.Int("channels", len(keys)))
	return c, nil
}

func welcomeFrame(c *Conn, channels []ChannelKey) []byte {
	names := make([]string, len(channels))
	for i, k := range channels {
		names[i] = k.String()
	}
	payload, _ := json.Marshal(map[string]any{
		"connection_id": c.ID(),
		"user_id":       c.UserID(),
		"channels":      names,
	})
	return EncodeEvent(Event{Kind: KindWelcome, Payload: payload, Timestamp: time.Now()})
}

// Disconnect is idempotent.
func (h *Hub) Disconnect(id ConnID) {
	if h.registry.Unregister(id) {
		h.log.Info("client disconnected", zap.String("conn", string(id)))
	}
}

func (h *Hub) Subscribe(id ConnID, key ChannelKey) error {
	c, ok := h.registry.Lookup(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConnection, id)
	}
	return h.router.Subscribe(c, key)
}

func (h *Hub) Unsubscribe(id ConnID, key ChannelKey) error {
	c, ok := h.registry.Lookup(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConnection, id)
	}
	h.router.Unsubscribe(c, key)
	return nil
}

// HandleMessage applies one inbound client frame. Invalid input is answered
// with an error envelope on c alone and returned to the caller.
func (h *Hub) HandleMessage(c *Conn, raw []byte) error {
	act, err := DecodeAction(raw)
	if err == nil {
		err = h.apply(c, act)
	}
	if err != nil {
		h.reject(c, err)
	}
	return err
}

func (h *Hub) apply(c *Conn, act Action) error {
	switch a := act.(type) {
	case SubscribeCommunity:
		return h.router.Subscribe(c, CommunityChannel(a.CommunityID))
	case SubscribeThread:
		return h.router.Subscribe(c, ThreadChannel(a.ThreadID))
	case Unsubscribe:
		h.router.Unsubscribe(c, a.Channel)
		return nil
	case Typing:
		h.typing.Typing(a.ThreadID, actor(c, a.UserID), c.id)
		return nil
	case StopTyping:
		h.typing.StopTyping(a.ThreadID, actor(c, a.UserID))
		return nil
	default:
		return fmt.Errorf("%w: unhandled %T", ErrInvalidAction, act)
	}
}

func actor(c *Conn, userID string) string {
	if userID == "" {
		return c.userID
	}
	return userID
}

func (h *Hub) reject(c *Conn, err error) {
	if errors.Is(err, ErrInvalidAction) || errors.Is(err, ErrInvalidChannel) {
		h.metrics.InvalidActions.Inc()
	}
	h.log.Debug("rejecting client action", zap.String("conn", string(c.id)), zap.Error(err))
	if sendErr := h.Send(c, EncodeError(err.Error())); sendErr != nil {
		h.log.Debug("error reply not delivered", zap.String("conn", string(c.id)), zap.Error(sendErr))
	}
}

// Send queues a frame for c alone. A failed send unregisters c.
func (h *Hub) Send(c *Conn, frame []byte) error {
	if err := c.enqueue(frame); err != nil {
		h.metrics.DeliveryFailures.Inc()
		h.registry.Unregister(c.id)
		return err
	}
	return nil
}

// SendToUser delivers ev to every session userID holds on this instance and
// returns how many accepted it. Sessions that cannot take it are dropped.
func (h *Hub) SendToUser(userID string, ev Event) (int, error) {
	if !ev.Kind.Publishable() {
		return 0, fmt.Errorf("%w: unknown event type %q", ErrInvalidAction, ev.Kind)
	}
	if len(ev.Payload) > 0 && !isJSONObject(ev.Payload) {
		return 0, fmt.Errorf("%w: payload of %s is not an object", ErrInvalidAction, ev.Kind)
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	frame := EncodeEvent(ev)

	delivered := 0
	for _, id := range h.registry.ConnectionsOf(userID) {
		c, ok := h.registry.Lookup(id)
		if !ok {
			continue
		}
		if err := h.Send(c, frame); err != nil {
			h.log.Info("personal delivery failed", zap.String("conn", string(id)), zap.Error(err))
			continue
		}
		delivered++
	}
	h.metrics.Delivered.Add(float64(delivered))
	return delivered, nil
}

// Publish fans ev out on key through the broker.
func (h *Hub) Publish(ctx context.Context, key ChannelKey, ev Event) error {
	return h.bridge.Publish(ctx, key, ev)
}

func (h *Hub) SubscribersCount(key ChannelKey) int  { return h.router.SubscribersCount(key) }
func (h *Hub) ConnectionsOf(userID string) []ConnID { return h.registry.ConnectionsOf(userID) }
func (h *Hub) Connections() int                     { return h.registry.Count() }
func (h *Hub) Channels() int                        { return h.router.Channels() }
func (h *Hub) Full() bool                           { return h.registry.Full() }
func (h *Hub) Degraded() bool                       { return h.bridge.Degraded() }
func (h *Hub) BrokerConnected() bool                { return h.bridge.Connected() }
func (h *Hub) Typing(threadID, userID string) bool  { return h.typing.Active(threadID, userID) }
func (h *Hub) Lookup(id ConnID) (*Conn, bool)       { return h.registry.Lookup(id) }
