package realtime

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type RegistryOptions struct {
	// MaxConnections caps live connections; 0 means unlimited.
	MaxConnections int
	// SendBuffer is the per-connection outbound queue length.
	SendBuffer int
}

// Registry owns every live Conn and its transport.
type Registry struct {
	router  *Router
	opts    RegistryOptions
	log     *zap.Logger
	metrics *Metrics

	mu     sync.RWMutex
	conns  map[ConnID]*Conn
	byUser map[string]map[ConnID]struct{}
	hooks  []func(*Conn)
}

func NewRegistry(router *Router, opts RegistryOptions, log *zap.Logger, metrics *Metrics) *Registry {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 256
	}
	if log == nil {
		log = zap.NewNop()
	}
	if metrics == nil {
		metrics = router.metrics
	}
	r := &Registry{
		router:  router,
		opts:    opts,
		log:     log.Named("registry"),
		metrics: metrics,
		conns:   make(map[ConnID]*Conn),
		byUser:  make(map[string]map[ConnID]struct{}),
	}
	router.evict = func(c *Conn, _ error) { r.Unregister(c.id) }
	return r
}

// OnUnregister registers fn to run after a connection has been removed.
func (r *Registry) OnUnregister(fn func(*Conn)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, fn)
}

// Register admits a connection for userID and starts its writer.
func (r *Registry) Register(userID string, tr Transport) (*Conn, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidUser)
	}
	r.mu.Lock()
	if r.opts.MaxConnections > 0 && len(r.conns) >= r.opts.MaxConnections {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: limit %d", ErrCapacityExceeded, r.opts.MaxConnections)
	}
	c := newConn(ConnID(uuid.NewString()), userID, tr, r.opts.SendBuffer)
	r.conns[c.id] = c
	sessions := r.byUser[userID]
	if sessions == nil {
		sessions = make(map[ConnID]struct{})
		r.byUser[userID] = sessions
	}
	sessions[c.id] = struct{}{}
	r.mu.Unlock()

	r.metrics.Connections.Inc()
	go c.writeLoop(func(err error) {
		r.metrics.DeliveryFailures.Inc()
		r.log.Info("write failed, unregistering", zap.String("conn", string(c.id)), zap.Error(err))
		r.Unregister(c.id)
	})
	r.log.Debug("connection registered", zap.String("conn", string(c.id)), zap.String("user", userID))
	return c, nil
}

// Unregister removes the connection and all of its subscriptions. It reports
// whether anything was removed; repeated calls are no-ops.
func (r *Registry) Unregister(id ConnID) bool {
	r.mu.Lock()
	c, ok := r.conns[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.conns, id)
	if sessions := r.byUser[c.userID]; sessions != nil {
		delete(sessions, id)
		if len(sessions) == 0 {
			delete(r.byUser, c.userID)
		}
	}
	hooks := r.hooks
	r.mu.Unlock()

	keys := c.shutdown()
	r.router.dropAll(c, keys)
	for _, fn := range hooks {
		fn(c)
	}
	r.metrics.Connections.Dec()
	r.log.Debug("connection unregistered", zap.String("conn", string(id)), zap.Int("channels", len(keys)))
	return true
}

func (r *Registry) Lookup(id ConnID) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

// ConnectionsOf lists every live session of userID.
func (r *Registry) ConnectionsOf(userID string) []ConnID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ConnID, 0, len(r.byUser[userID]))
	for id := range r.byUser[userID] {
		out = append(out, id)
	}
	return out
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

func (r *Registry) Full() bool {
	if r.opts.MaxConnections <= 0 {
		return false
	}
	return r.Count() >= r.opts.MaxConnections
}

// ids snapshots every registered connection id.
func (r *Registry) ids() []ConnID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ConnID, 0, len(r.conns))
	for id := range r.conns {
		out = append(out, id)
	}
	return out
}
