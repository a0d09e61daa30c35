package notifications

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_MultiDeviceAndIdempotentRegister(t *testing.T) {
	r := NewRegistry()
	phone, laptop := &fakeConn{}, &fakeConn{}

	s1, err := r.Register("alice", phone)
	require.NoError(t, err)
	again, err := r.Register("alice", phone)
	require.NoError(t, err)
	assert.Equal(t, s1, again)

	s2, err := r.Register("alice", laptop)
	require.NoError(t, err)
	assert.NotEqual(t, s1, s2)

	assert.Len(t, r.SessionsFor("alice"), 2)
	assert.Equal(t, 2, r.Count())
	assert.True(t, r.IsOnline("alice"))

	owner, ok := r.UserFor(s2)
	assert.True(t, ok)
	assert.Equal(t, "alice", owner)

	r.Unregister(s1)
	assert.True(t, r.IsOnline("alice"))
	r.Unregister(s2)
	assert.False(t, r.IsOnline("alice"))
	assert.Empty(t, r.SessionsFor("alice"))
}

func TestRegistry_UnregisterUnknownIsNoop(t *testing.T) {
	r := NewRegistry()
	assert.NotPanics(t, func() { r.Unregister("missing") })

	sid, err := r.Register("bob", &fakeConn{})
	require.NoError(t, err)
	r.Unregister(sid)
	assert.NotPanics(t, func() { r.Unregister(sid) })
	assert.Equal(t, 0, r.Count())
}

func TestRegistry_Limits(t *testing.T) {
	r := NewRegistry()
	r.SetLimits(2, 3)

	_, err := r.Register("a", &fakeConn{})
	require.NoError(t, err)
	_, err = r.Register("a", &fakeConn{})
	require.NoError(t, err)
	_, err = r.Register("a", &fakeConn{})
	assert.ErrorIs(t, err, ErrTooManyConnections)

	_, err = r.Register("b", &fakeConn{})
	require.NoError(t, err)
	_, err = r.Register("c", &fakeConn{})
	assert.ErrorIs(t, err, ErrServerAtCapacity)
}

func TestRegistry_LifecycleHooks(t *testing.T) {
	r := NewRegistry()
	var mu sync.Mutex
	var events []string
	r.SetLifecycleHooks(
		func(userID string) { mu.Lock(); events = append(events, "first:"+userID); mu.Unlock() },
		func(userID string) { mu.Lock(); events = append(events, "last:"+userID); mu.Unlock() },
	)

	s1, _ := r.Register("alice", &fakeConn{})
	s2, _ := r.Register("alice", &fakeConn{})
	r.Unregister(s1)
	r.Unregister(s2)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"first:alice", "last:alice"}, events)
}

func TestRegistry_Viewing(t *testing.T) {
	r := NewRegistry()
	s1, _ := r.Register("alice", &fakeConn{})
	s2, _ := r.Register("alice", &fakeConn{})

	assert.False(t, r.IsViewing("alice", "chat-1"))
	assert.True(t, r.View(s1, "chat-1"))
	assert.False(t, r.View("unknown", "chat-1"))
	assert.True(t, r.IsViewing("alice", "chat-1"))

	r.View(s2, "chat-1")
	r.Unview(s1, "chat-1")
	assert.True(t, r.IsViewing("alice", "chat-1"))

	r.Unregister(s2)
	assert.False(t, r.IsViewing("alice", "chat-1"))
}

func TestRegistry_ConcurrentRegisterUnregister(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sid, err := r.Register("shared", &fakeConn{})
			if err != nil {
				return
			}
			_ = r.SessionsFor("shared")
			r.Unregister(sid)
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, r.Count())
	assert.False(t, r.IsOnline("shared"))
}

func TestRegistry_ShutdownClosesConnections(t *testing.T) {
	r := NewRegistry()
	c1, c2 := &fakeConn{}, &fakeConn{}
	_, _ = r.Register("a", c1)
	_, _ = r.Register("b", c2)

	require.NoError(t, r.Shutdown(context.Background()))
	assert.True(t, c1.isClosed())
	assert.True(t, c2.isClosed())
	assert.Equal(t, 0, r.Count())
	assert.Equal(t, []string{}, r.OnlineUsers())
}
