package realtime

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const DefaultTypingTTL = 5 * time.Second

// Publisher sends an event to a channel across all instances.
type Publisher interface {
	Publish(ctx context.Context, key ChannelKey, ev Event) error
}

type typingKey struct {
	threadID string
	userID   string
}

type typingState struct {
	gen   uint64
	timer *time.Timer
	conn  ConnID
}

// Tracker holds ephemeral "user is typing" state per (thread, user).
//
// A key is Active from its first Typing call until StopTyping, expiry of the
// TTL, or the connection that last refreshed it going away. Exactly one
// typing event is emitted on entering Active and exactly one stop_typing on
// leaving it. Emissions are queued in order and published by Run.
type Tracker struct {
	ttl time.Duration
	pub Publisher
	log *zap.Logger
	out chan Event

	mu     sync.Mutex
	gen    uint64
	states map[typingKey]*typingState
}

func NewTracker(pub Publisher, ttl time.Duration, log *zap.Logger) *Tracker {
	if ttl <= 0 {
		ttl = DefaultTypingTTL
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Tracker{
		ttl:    ttl,
		pub:    pub,
		log:    log.Named("typing"),
		out:    make(chan Event, 1024),
		states: make(map[typingKey]*typingState),
	}
}

// Typing marks userID as typing in threadID on behalf of conn. It reports
// whether this was an idle to active transition.
func (t *Tracker) Typing(threadID, userID string, conn ConnID) bool {
	k := typingKey{threadID: threadID, userID: userID}
	t.mu.Lock()
	defer t.mu.Unlock()

	t.gen++
	if st, ok := t.states[k]; ok {
		st.timer.Stop()
		st.gen = t.gen
		st.conn = conn
		st.timer = t.expireAfterLocked(k, st.gen)
		return false
	}
	st := &typingState{gen: t.gen, conn: conn}
	st.timer = t.expireAfterLocked(k, st.gen)
	t.states[k] = st
	t.emitLocked(KindTyping, k)
	return true
}

// StopTyping ends an active state. It reports false if the key was idle.
func (t *Tracker) StopTyping(threadID, userID string) bool {
	k := typingKey{threadID: threadID, userID: userID}
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.states[k]
	if !ok {
		return false
	}
	t.stopLocked(k, st)
	return true
}

// ForgetConnection stops every state last refreshed by conn.
func (t *Tracker) ForgetConnection(conn ConnID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, st := range t.states {
		if st.conn == conn {
			t.stopLocked(k, st)
		}
	}
}

func (t *Tracker) Active(threadID, userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.states[typingKey{threadID: threadID, userID: userID}]
	return ok
}

func (t *Tracker) expireAfterLocked(k typingKey, gen uint64) *time.Timer {
	return time.AfterFunc(t.ttl, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		st, ok := t.states[k]
		if !ok || st.gen != gen {
			return
		}
		t.stopLocked(k, st)
	})
}

func (t *Tracker) stopLocked(k typingKey, st *typingState) {
	st.timer.Stop()
	delete(t.states, k)
	t.emitLocked(KindStopTyping, k)
}

func (t *Tracker) emitLocked(kind Kind, k typingKey) {
	ev, err := NewEvent(kind, ThreadChannel(k.threadID), map[string]string{
		"thread_id": k.threadID,
		"user_id":   k.userID,
	})
	if err != nil {
		t.log.Error("build typing event", zap.Error(err))
		return
	}
	select {
	case t.out <- ev:
	default:
		t.log.Warn("typing queue full, dropping event",
			zap.String("type", string(kind)), zap.String("thread", k.threadID))
	}
}

// Run publishes queued typing events until ctx is done, then clears all
// pending timers.
func (t *Tracker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			t.mu.Lock()
			for k, st := range t.states {
				st.timer.Stop()
				delete(t.states, k)
			}
			t.mu.Unlock()
			return
		case ev := <-t.out:
			if err := t.pub.Publish(ctx, ev.Channel, ev); err != nil {
				t.log.Warn("publish typing event", zap.String("type", string(ev.Kind)), zap.Error(err))
			}
		}
	}
}
