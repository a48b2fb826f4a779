package realtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (p *recordingPublisher) Publish(_ context.Context, key ChannelKey, ev Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	ev.Channel = key
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) kinds() []Kind {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Kind, len(p.events))
	for i, ev := range p.events {
		out[i] = ev.Kind
	}
	return out
}

func startTracker(t *testing.T, ttl time.Duration) (*Tracker, *recordingPublisher) {
	t.Helper()
	pub := &recordingPublisher{}
	tr := NewTracker(pub, ttl, zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		tr.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return tr, pub
}

func TestTracker_RefreshEmitsOnce(t *testing.T) {
	tr, pub := startTracker(t, 200*time.Millisecond)

	assert.True(t, tr.Typing("42", "u1", "c1"))
	time.Sleep(50 * time.Millisecond)
	assert.False(t, tr.Typing("42", "u1", "c1"), "refresh is not a transition")
	assert.True(t, tr.Active("42", "u1"))

	require.Eventually(t, func() bool {
		return len(pub.kinds()) == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []Kind{KindTyping, KindStopTyping}, pub.kinds())
	assert.False(t, tr.Active("42", "u1"))

	pub.mu.Lock()
	first := pub.events[0]
	pub.mu.Unlock()
	assert.Equal(t, ThreadChannel("42"), first.Channel)
	assert.JSONEq(t, `{"thread_id":"42","user_id":"u1"}`, string(first.Payload))
}

func TestTracker_TypingAgainAfterExpiry(t *testing.T) {
	tr, pub := startTracker(t, 100*time.Millisecond)

	require.True(t, tr.Typing("9", "u", "c"))
	require.Eventually(t, func() bool { return !tr.Active("9", "u") }, 2*time.Second, 5*time.Millisecond)

	assert.True(t, tr.Typing("9", "u", "c"), "expiry returns the key to idle")
	assert.False(t, tr.Typing("9", "u", "c"))

	require.Eventually(t, func() bool { return len(pub.kinds()) >= 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []Kind{KindTyping, KindStopTyping, KindTyping}, pub.kinds()[:3])
}

func TestTracker_RefreshExtendsExpiry(t *testing.T) {
	tr, pub := startTracker(t, 300*time.Millisecond)

	tr.Typing("1", "u", "c")
	for i := 0; i < 4; i++ {
		time.Sleep(100 * time.Millisecond)
		tr.Typing("1", "u", "c")
	}
	assert.True(t, tr.Active("1", "u"), "refreshed within the TTL every time")
	assert.Equal(t, []Kind{KindTyping}, pub.kinds())
}

func TestTracker_ExplicitStop(t *testing.T) {
	tr, pub := startTracker(t, time.Minute)

	assert.False(t, tr.StopTyping("1", "u"), "idle key")
	tr.Typing("1", "u", "c")
	assert.True(t, tr.StopTyping("1", "u"))
	assert.False(t, tr.StopTyping("1", "u"))

	require.Eventually(t, func() bool { return len(pub.kinds()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []Kind{KindTyping, KindStopTyping}, pub.kinds())

	// Restarting after a stop is a new transition.
	assert.True(t, tr.Typing("1", "u", "c"))
	require.Eventually(t, func() bool { return len(pub.kinds()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []Kind{KindTyping, KindStopTyping, KindTyping}, pub.kinds())
}

func TestTracker_IndependentKeys(t *testing.T) {
	tr, pub := startTracker(t, time.Minute)

	assert.True(t, tr.Typing("1", "a", "c1"))
	assert.True(t, tr.Typing("1", "b", "c2"))
	assert.True(t, tr.Typing("2", "a", "c1"))
	tr.StopTyping("1", "a")

	assert.False(t, tr.Active("1", "a"))
	assert.True(t, tr.Active("1", "b"))
	assert.True(t, tr.Active("2", "a"))
	require.Eventually(t, func() bool { return len(pub.kinds()) == 4 }, time.Second, 5*time.Millisecond)
}

func TestTracker_ForgetConnection(t *testing.T) {
	tr, pub := startTracker(t, time.Minute)

	tr.Typing("1", "u", "c1")
	tr.Typing("2", "u", "c1")
	tr.Typing("3", "v", "c2")
	// Last refreshed from another session of the same user.
	tr.Typing("2", "u", "c3")

	tr.ForgetConnection("c1")

	assert.False(t, tr.Active("1", "u"))
	assert.True(t, tr.Active("2", "u"))
	assert.True(t, tr.Active("3", "v"))

	require.Eventually(t, func() bool { return len(pub.kinds()) == 4 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []Kind{KindTyping, KindTyping, KindTyping, KindStopTyping}, pub.kinds())
}

func TestTracker_StaleTimerDoesNotStopRefreshedState(t *testing.T) {
	tr, pub := startTracker(t, 100*time.Millisecond)

	tr.Typing("1", "u", "c")
	tr.StopTyping("1", "u")
	tr.Typing("1", "u", "c")

	// The first timer was stopped; only the second one may fire.
	require.Eventually(t, func() bool { return len(pub.kinds()) == 4 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, []Kind{KindTyping, KindStopTyping, KindTyping, KindStopTyping}, pub.kinds())
}
