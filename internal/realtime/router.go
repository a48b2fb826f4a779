package realtime

import (
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
)

const routerShards = 64

// Upstream is told when a channel gains its first or loses its last local
// subscriber. Calls for one channel key are serialized by the router.
type Upstream interface {
	SubscribeTopic(key ChannelKey) error
	UnsubscribeTopic(key ChannelKey) error
}

type shard struct {
	mu   sync.Mutex
	subs map[ChannelKey]map[ConnID]*Conn
}

// Router maps channel keys to the local connections subscribed to them.
// Keys are striped over a fixed set of shards; every mutation of a key's
// subscriber set happens under its shard lock.
type Router struct {
	shards   [routerShards]shard
	upstream Upstream
	log      *zap.Logger
	metrics  *Metrics

	// evict is invoked, outside any shard lock, for subscribers whose
	// delivery failed.
	evict func(*Conn, error)
}

func NewRouter(upstream Upstream, log *zap.Logger, metrics *Metrics) *Router {
	if log == nil {
		log = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	r := &Router{
		upstream: upstream,
		log:      log.Named("router"),
		metrics:  metrics,
		evict:    func(c *Conn, _ error) { c.shutdown() },
	}
	for i := range r.shards {
		r.shards[i].subs = make(map[ChannelKey]map[ConnID]*Conn)
	}
	return r
}

func (r *Router) shard(key ChannelKey) *shard {
	return &r.shards[xxhash.Sum64String(string(key))%routerShards]
}

// Subscribe adds c to key. Subscribing twice is a no-op.
func (r *Router) Subscribe(c *Conn, key ChannelKey) error {
	if _, err := ParseChannel(string(key)); err != nil {
		return err
	}
	s := r.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	added, ok := c.addChannel(key)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConnection, c.id)
	}
	if !added {
		return nil
	}
	set, exists := s.subs[key]
	if !exists {
		set = make(map[ConnID]*Conn)
		s.subs[key] = set
		r.metrics.Channels.Inc()
		if r.upstream != nil {
			if err := r.upstream.SubscribeTopic(key); err != nil {
				r.log.Warn("upstream subscribe failed", zap.String("channel", key.String()), zap.Error(err))
			}
		}
	}
	set[c.id] = c
	return nil
}

// Unsubscribe removes c from key. It is a no-op when c is not subscribed.
func (r *Router) Unsubscribe(c *Conn, key ChannelKey) {
	s := r.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if !c.removeChannel(key) {
		return
	}
	r.removeLocked(s, key, c.id)
}

// dropAll removes c from keys after the connection has been shut down.
func (r *Router) dropAll(c *Conn, keys []ChannelKey) {
	for _, key := range keys {
		s := r.shard(key)
		s.mu.Lock()
		r.removeLocked(s, key, c.id)
		s.mu.Unlock()
	}
}

func (r *Router) removeLocked(s *shard, key ChannelKey, id ConnID) {
	set, ok := s.subs[key]
	if !ok {
		return
	}
	if _, ok := set[id]; !ok {
		return
	}
	delete(set, id)
	if len(set) > 0 {
		return
	}
	delete(s.subs, key)
	r.metrics.Channels.Dec()
	if r.upstream != nil {
		if err := r.upstream.UnsubscribeTopic(key); err != nil {
			r.log.Warn("upstream unsubscribe failed", zap.String("channel", key.String()), zap.Error(err))
		}
	}
}

// LocalBroadcast hands ev to every connection subscribed to key and returns
// how many accepted it. Subscribers that cannot accept it are evicted.
func (r *Router) LocalBroadcast(key ChannelKey, ev Event) int {
	s := r.shard(key)
	var frame []byte
	var failed []*Conn
	var errs []error
	delivered := 0

	s.mu.Lock()
	set := s.subs[key]
	if len(set) > 0 {
		frame = EncodeEvent(ev)
	}
	for _, c := range set {
		if err := c.enqueue(frame); err != nil {
			failed = append(failed, c)
			errs = append(errs, err)
			continue
		}
		delivered++
	}
	s.mu.Unlock()

	r.metrics.Delivered.Add(float64(delivered))
	for i, c := range failed {
		r.metrics.DeliveryFailures.Inc()
		r.log.Info("evicting subscriber",
			zap.String("conn", string(c.id)),
			zap.String("channel", key.String()),
			zap.Error(errs[i]))
		r.evict(c, errs[i])
	}
	return delivered
}

// SubscribersCount is for diagnostics only.
func (r *Router) SubscribersCount(key ChannelKey) int {
	s := r.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs[key])
}

// Channels returns the number of channels with at least one local subscriber.
func (r *Router) Channels() int {
	n := 0
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.Lock()
		n += len(s.subs)
		s.mu.Unlock()
	}
	return n
}
