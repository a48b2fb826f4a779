package realtime

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Deliverer receives events read from the broker.
type Deliverer interface {
	LocalBroadcast(key ChannelKey, ev Event) int
}

type BridgeOptions struct {
	// PublishBuffer bounds publishes held while the broker is unreachable.
	PublishBuffer int
	// ReconnectBase and ReconnectMax shape the exponential reconnect backoff.
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
	// HealthInterval is how long the subscriber may sit idle before it
	// pings the broker.
	HealthInterval time.Duration
}

func (o *BridgeOptions) withDefaults() {
	if o.PublishBuffer <= 0 {
		o.PublishBuffer = 1024
	}
	if o.ReconnectBase <= 0 {
		o.ReconnectBase = 500 * time.Millisecond
	}
	if o.ReconnectMax <= 0 {
		o.ReconnectMax = 30 * time.Second
	}
	if o.HealthInterval <= 0 {
		o.HealthInterval = 15 * time.Second
	}
}

type queuedPublish struct {
	topic ChannelKey
	kind  Kind
	data  []byte
}

// Bridge connects the local router to Redis pub/sub. Channel keys are used
// as Redis channel names verbatim. Publishing never delivers locally; local
// subscribers only see events that come back through the subscription.
type Bridge struct {
	rdb     redis.UniversalClient
	opts    BridgeOptions
	log     *zap.Logger
	metrics *Metrics

	// cmdMu serializes upstream SUBSCRIBE and UNSUBSCRIBE commands. It is
	// taken before mu and held across network calls; mu never is.
	cmdMu sync.Mutex

	// mu guards everything below.
	mu        sync.Mutex
	ctx       context.Context
	topics    map[ChannelKey]struct{}
	ps        *redis.PubSub
	connected bool
	degraded  bool
	warned    bool
	queue     []queuedPublish
}

func NewBridge(rdb redis.UniversalClient, opts BridgeOptions, log *zap.Logger, metrics *Metrics) *Bridge {
	opts.withDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Bridge{
		rdb:     rdb,
		opts:    opts,
		log:     log.Named("broker"),
		metrics: metrics,
		ctx:     context.Background(),
		topics:  make(map[ChannelKey]struct{}),
	}
}

// Publish sends ev to every instance subscribed to key. While the broker is
// unreachable the event is buffered and nil is returned.
func (b *Bridge) Publish(ctx context.Context, key ChannelKey, ev Event) error {
	if _, err := ParseChannel(string(key)); err != nil {
		return err
	}
	if !ev.Kind.Publishable() {
		return fmt.Errorf("publish: unknown event type %q", ev.Kind)
	}
	if len(ev.Payload) > 0 && !isJSONObject(ev.Payload) {
		return fmt.Errorf("publish: payload of %s is not a JSON object", ev.Kind)
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	ev.Channel = key
	item := queuedPublish{topic: key, kind: ev.Kind, data: EncodeEvent(ev)}

	b.mu.Lock()
	if !b.connected {
		b.enqueueLocked(item)
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	if err := b.rdb.Publish(ctx, string(key), item.data).Err(); err != nil {
		if ctx.Err() != nil {
			return err
		}
		b.log.Warn("publish failed, buffering", zap.String("channel", key.String()), zap.Error(err))
		b.mu.Lock()
		b.enqueueLocked(item)
		ps := b.markDisconnectedLocked()
		b.mu.Unlock()
		// Unblocks the receive loop so reconnection starts right away.
		if ps != nil {
			_ = ps.Close()
		}
		return nil
	}
	b.metrics.Published.WithLabelValues(string(ev.Kind)).Inc()
	return nil
}

func (b *Bridge) enqueueLocked(item queuedPublish) {
	if len(b.queue) >= b.opts.PublishBuffer {
		n := len(b.queue) - b.opts.PublishBuffer + 1
		b.queue = append(b.queue[:0], b.queue[n:]...)
		b.metrics.DroppedPublishes.Add(float64(n))
		if !b.warned {
			b.warned = true
			b.log.Warn("publish buffer full, dropping oldest events", zap.Int("capacity", b.opts.PublishBuffer))
		}
	}
	b.queue = append(b.queue, item)
	b.metrics.QueuedPublishes.Set(float64(len(b.queue)))
}

// markDisconnectedLocked flips the bridge into degraded mode and detaches the
// current subscriber, which the caller must close.
func (b *Bridge) markDisconnectedLocked() *redis.PubSub {
	ps := b.ps
	b.ps = nil
	b.connected = false
	if !b.degraded {
		b.degraded = true
		b.metrics.BrokerDegraded.Set(1)
		b.log.Warn("broker degraded, buffering publishes", zap.Int("queued", len(b.queue)))
	}
	return ps
}

// SubscribeTopic records interest in key and subscribes upstream when a
// subscriber connection is up. Topics are restored on every reconnect.
func (b *Bridge) SubscribeTopic(key ChannelKey) error {
	b.cmdMu.Lock()
	defer b.cmdMu.Unlock()

	b.mu.Lock()
	if _, ok := b.topics[key]; ok {
		b.mu.Unlock()
		return nil
	}
	b.topics[key] = struct{}{}
	b.metrics.UpstreamTopics.Set(float64(len(b.topics)))
	ps, ctx := b.ps, b.ctx
	b.mu.Unlock()

	if ps == nil {
		return nil
	}
	if err := ps.Subscribe(ctx, string(key)); err != nil {
		return fmt.Errorf("%w: subscribe %s: %v", ErrBrokerDisconnected, key, err)
	}
	return nil
}

func (b *Bridge) UnsubscribeTopic(key ChannelKey) error {
	b.cmdMu.Lock()
	defer b.cmdMu.Unlock()

	b.mu.Lock()
	if _, ok := b.topics[key]; !ok {
		b.mu.Unlock()
		return nil
	}
	delete(b.topics, key)
	b.metrics.UpstreamTopics.Set(float64(len(b.topics)))
	ps, ctx := b.ps, b.ctx
	b.mu.Unlock()

	if ps == nil {
		return nil
	}
	if err := ps.Unsubscribe(ctx, string(key)); err != nil {
		return fmt.Errorf("%w: unsubscribe %s: %v", ErrBrokerDisconnected, key, err)
	}
	return nil
}

// Topics lists the channel keys with upstream interest.
func (b *Bridge) Topics() []ChannelKey {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.topicsLocked()
}

func (b *Bridge) topicsLocked() []ChannelKey {
	out := make([]ChannelKey, 0, len(b.topics))
	for k := range b.topics {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (b *Bridge) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

// Degraded reports whether publishes are currently being buffered because
// the broker was lost.
func (b *Bridge) Degraded() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.degraded
}

// Run keeps a subscriber connection open until ctx is done, delivering every
// received event to d and reconnecting with backoff when the broker is lost.
func (b *Bridge) Run(ctx context.Context, d Deliverer) error {
	b.mu.Lock()
	b.ctx = ctx
	b.mu.Unlock()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = b.opts.ReconnectBase
	bo.MaxInterval = b.opts.ReconnectMax
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.2
	bo.MaxElapsedTime = 0
	bo.Reset()

	for {
		ps, err := b.connect(ctx, d)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			b.mu.Lock()
			if old := b.markDisconnectedLocked(); old != nil {
				_ = old.Close()
			}
			b.mu.Unlock()
			wait := bo.NextBackOff()
			b.log.Warn("broker unreachable", zap.Error(err), zap.Duration("retry_in", wait))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
			}
			continue
		}
		bo.Reset()
		b.metrics.Reconnects.Inc()

		err = b.receive(ctx, ps, d)
		if ctx.Err() != nil {
			b.shutdown(ps)
			return nil
		}
		b.log.Warn("broker connection lost", zap.Error(err))
		b.mu.Lock()
		b.markDisconnectedLocked()
		b.mu.Unlock()
		_ = ps.Close()
	}
}

// connect opens a subscriber restoring every known topic, then flushes the
// publish backlog in order before accepting direct publishes again.
func (b *Bridge) connect(ctx context.Context, d Deliverer) (*redis.PubSub, error) {
	if err := b.rdb.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	b.cmdMu.Lock()
	b.mu.Lock()
	ps := b.rdb.Subscribe(ctx)
	topics := b.topicsLocked()
	b.mu.Unlock()
	names := make([]string, len(topics))
	for i, k := range topics {
		names[i] = string(k)
	}
	if len(names) > 0 {
		if err := ps.Subscribe(ctx, names...); err != nil {
			b.cmdMu.Unlock()
			_ = ps.Close()
			return nil, fmt.Errorf("restore %d topics: %w", len(names), err)
		}
	}
	b.mu.Lock()
	b.ps = ps
	b.mu.Unlock()
	b.cmdMu.Unlock()

	fail := func(err error) (*redis.PubSub, error) {
		b.mu.Lock()
		if b.ps == ps {
			b.ps = nil
		}
		b.mu.Unlock()
		_ = ps.Close()
		return nil, err
	}
	if err := b.awaitSubscribed(ctx, ps, names, d); err != nil {
		return fail(fmt.Errorf("restore %d topics: %w", len(names), err))
	}
	if err := b.flush(ctx); err != nil {
		return fail(fmt.Errorf("flush backlog: %w", err))
	}
	b.log.Info("broker connected", zap.Int("topics", len(names)))
	return ps, nil
}

// awaitSubscribed blocks until the broker has confirmed every name, so the
// backlog flushed next also reaches this instance's subscribers. Messages
// that arrive in the meantime are delivered as usual.
func (b *Bridge) awaitSubscribed(ctx context.Context, ps *redis.PubSub, names []string, d Deliverer) error {
	pending := make(map[string]struct{}, len(names))
	for _, n := range names {
		pending[n] = struct{}{}
	}
	for len(pending) > 0 {
		msg, err := ps.ReceiveTimeout(ctx, b.opts.HealthInterval)
		if err != nil {
			return err
		}
		switch m := msg.(type) {
		case *redis.Subscription:
			if m.Kind == "subscribe" {
				delete(pending, m.Channel)
			}
		case *redis.Message:
			b.onReceive(d, m.Channel, []byte(m.Payload))
		}
	}
	return nil
}

func (b *Bridge) flush(ctx context.Context) error {
	for {
		b.mu.Lock()
		if len(b.queue) == 0 {
			b.connected = true
			b.degraded = false
			b.warned = false
			b.metrics.BrokerDegraded.Set(0)
			b.metrics.QueuedPublishes.Set(0)
			b.mu.Unlock()
			return nil
		}
		item := b.queue[0]
		b.queue = b.queue[1:]
		b.mu.Unlock()

		if err := b.rdb.Publish(ctx, string(item.topic), item.data).Err(); err != nil {
			b.mu.Lock()
			b.queue = append([]queuedPublish{item}, b.queue...)
			if len(b.queue) > b.opts.PublishBuffer {
				b.queue = b.queue[1:]
				b.metrics.DroppedPublishes.Inc()
			}
			b.metrics.QueuedPublishes.Set(float64(len(b.queue)))
			b.mu.Unlock()
			return err
		}
		b.metrics.Published.WithLabelValues(string(item.kind)).Inc()
	}
}

func (b *Bridge) receive(ctx context.Context, ps *redis.PubSub, d Deliverer) error {
	stop := context.AfterFunc(ctx, func() { _ = ps.Close() })
	defer stop()

	for {
		msg, err := ps.ReceiveTimeout(ctx, b.opts.HealthInterval)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if isTimeout(err) {
				if err := ps.Ping(ctx); err != nil {
					return fmt.Errorf("%w: health check: %v", ErrBrokerDisconnected, err)
				}
				continue
			}
			return fmt.Errorf("%w: %v", ErrBrokerDisconnected, err)
		}
		switch m := msg.(type) {
		case *redis.Subscription:
			b.log.Debug("upstream "+m.Kind, zap.String("channel", m.Channel), zap.Int("count", m.Count))
		case *redis.Message:
			b.onReceive(d, m.Channel, []byte(m.Payload))
		case *redis.Pong:
		}
	}
}

// onReceive validates one broker message and hands it to the router.
// Malformed messages are dropped.
func (b *Bridge) onReceive(d Deliverer, channel string, payload []byte) {
	key, err := ParseChannel(channel)
	if err != nil {
		b.metrics.MalformedMessages.Inc()
		b.log.Warn("dropping message on invalid channel", zap.String("channel", channel), zap.Error(err))
		return
	}
	ev, err := decodeEvent(key, payload)
	if err != nil {
		b.metrics.MalformedMessages.Inc()
		b.log.Warn("dropping malformed message", zap.String("channel", channel), zap.Error(err))
		return
	}
	n := d.LocalBroadcast(key, ev)
	b.log.Debug("fan-out", zap.String("channel", channel), zap.String("type", string(ev.Kind)), zap.Int("delivered", n))
}

func (b *Bridge) shutdown(ps *redis.PubSub) {
	b.mu.Lock()
	if b.ps == ps {
		b.ps = nil
	}
	b.connected = false
	b.mu.Unlock()
	_ = ps.Close()
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
