package realtime

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_RegisterAndConnectionsOf(t *testing.T) {
	reg, _, _, m := newTestRegistry(t, RegistryOptions{})

	a, err := reg.Register("alice", &fakeTransport{})
	require.NoError(t, err)
	b, err := reg.Register("alice", &fakeTransport{})
	require.NoError(t, err)
	_, err = reg.Register("bob", &fakeTransport{})
	require.NoError(t, err)

	assert.NotEqual(t, a.ID(), b.ID())
	assert.ElementsMatch(t, []ConnID{a.ID(), b.ID()}, reg.ConnectionsOf("alice"))
	assert.Len(t, reg.ConnectionsOf("bob"), 1)
	assert.Empty(t, reg.ConnectionsOf("carol"))
	assert.Equal(t, 3, reg.Count())
	assert.Equal(t, 3.0, testutil.ToFloat64(m.Connections))
}

func TestRegistry_RegisterRejectsEmptyUser(t *testing.T) {
	reg, _, _, _ := newTestRegistry(t, RegistryOptions{})
	_, err := reg.Register("", &fakeTransport{})
	assert.ErrorIs(t, err, ErrInvalidUser)
	assert.Equal(t, 0, reg.Count())
}

func TestRegistry_CapacityExceeded(t *testing.T) {
	reg, _, _, _ := newTestRegistry(t, RegistryOptions{MaxConnections: 2})

	_, err := reg.Register("u1", &fakeTransport{})
	require.NoError(t, err)
	c2, err := reg.Register("u2", &fakeTransport{})
	require.NoError(t, err)
	assert.True(t, reg.Full())

	_, err = reg.Register("u3", &fakeTransport{})
	assert.ErrorIs(t, err, ErrCapacityExceeded)

	reg.Unregister(c2.ID())
	assert.False(t, reg.Full())
	_, err = reg.Register("u3", &fakeTransport{})
	assert.NoError(t, err)
}

func TestRegistry_UnregisterRemovesFromAllChannels(t *testing.T) {
	reg, router, up, m := newTestRegistry(t, RegistryOptions{})
	tr := &fakeTransport{}
	c, _ := reg.Register("u", tr)
	other, _ := reg.Register("v", &fakeTransport{})

	keys := []ChannelKey{GlobalNotifications, CommunityChannel("1"), ThreadChannel("2")}
	for _, k := range keys {
		require.NoError(t, router.Subscribe(c, k))
	}
	require.NoError(t, router.Subscribe(other, CommunityChannel("1")))

	var hooked atomic.Int32
	reg.OnUnregister(func(got *Conn) {
		assert.Equal(t, c.ID(), got.ID())
		hooked.Add(1)
	})

	assert.True(t, reg.Unregister(c.ID()))
	assert.False(t, reg.Unregister(c.ID()), "second unregister is a no-op")

	assert.Equal(t, 0, router.SubscribersCount(GlobalNotifications))
	assert.Equal(t, 0, router.SubscribersCount(ThreadChannel("2")))
	assert.Equal(t, 1, router.SubscribersCount(CommunityChannel("1")))
	assert.Empty(t, c.Channels())
	assert.Equal(t, 1, router.Channels())
	_, unsubs := up.counts(ThreadChannel("2"))
	assert.Equal(t, 1, unsubs)
	_, unsubs = up.counts(CommunityChannel("1"))
	assert.Equal(t, 0, unsubs)

	assert.Equal(t, int32(1), hooked.Load())
	assert.Empty(t, reg.ConnectionsOf("u"))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Connections))
	require.Eventually(t, tr.Closed, time.Second, 5*time.Millisecond, "transport closed exactly by the writer")
}

func TestRegistry_WriteErrorUnregisters(t *testing.T) {
	reg, router, _, m := newTestRegistry(t, RegistryOptions{})
	broken := &fakeTransport{fail: true}
	c, _ := reg.Register("u", broken)
	require.NoError(t, router.Subscribe(c, ThreadChannel("1")))

	router.LocalBroadcast(ThreadChannel("1"), mustEvent(t, KindNewMessage, ThreadChannel("1"), nil))

	require.Eventually(t, func() bool {
		_, ok := reg.Lookup(c.ID())
		return !ok && router.SubscribersCount(ThreadChannel("1")) == 0
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DeliveryFailures))
	require.Eventually(t, broken.Closed, time.Second, 5*time.Millisecond)
}
