package sessionlock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLockForIsStableAcrossCalls(t *testing.T) {
	r := New(nil)
	defer r.Shutdown()

	m1 := r.LockFor("s1")
	m2 := r.LockFor("s1")
	require.Same(t, m1, m2)
}

func TestPutGetRoundTrip(t *testing.T) {
	r := New(nil)
	defer r.Shutdown()

	r.Put("s1", "agent-for-s1")
	got, ok := r.Get("s1")
	require.True(t, ok)
	require.Equal(t, "agent-for-s1", got)
}

func TestGetMissReturnsFalse(t *testing.T) {
	r := New(nil)
	defer r.Shutdown()

	_, ok := r.Get("unknown")
	require.False(t, ok)
}

func TestDeleteRemovesLockAndCache(t *testing.T) {
	r := New(nil)
	defer r.Shutdown()

	r.Put("s1", "agent")
	r.LockFor("s1")
	r.Delete("s1")

	_, ok := r.Get("s1")
	require.False(t, ok)
	r.mu.Lock()
	_, hasLock := r.locks["s1"]
	r.mu.Unlock()
	require.False(t, hasLock)
}

func TestEvictIdleRemovesOnlyStaleSessions(t *testing.T) {
	r := New(nil)
	defer r.Shutdown()

	now := time.Now()
	r.clock = func() time.Time { return now }
	r.Put("stale", "agent-stale")
	r.Put("fresh", "agent-fresh")

	r.clock = func() time.Time { return now.Add(SessionInactivityTimeout + time.Second) }
	r.Touch("fresh")
	r.evictIdle()

	_, staleOK := r.Get("stale")
	_, freshOK := r.Get("fresh")
	require.False(t, staleOK)
	require.True(t, freshOK)
}
