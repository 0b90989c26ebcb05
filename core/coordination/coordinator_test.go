package coordination

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/stratum-db/stratum/pkg/bus"
)

// --- Test Helpers ---

func fastConfig() Config {
	return Config{
		HeartbeatInterval: 50 * time.Millisecond,
		AcquireTimeout:    2 * time.Second,
		RetryDelay:        20 * time.Millisecond,
		MaxRetries:        5,
	}
}

// setupPair starts two coordinators on a shared in-memory hub and waits for
// them to discover each other.
func setupPair(t *testing.T) (*Coordinator, *Coordinator) {
	t.Helper()
	hub := bus.NewMemory()
	a := New(hub.Endpoint(), zap.NewNop(), nil, fastConfig())
	b := New(hub.Endpoint(), zap.NewNop(), nil, fastConfig())
	require.NoError(t, a.Start(context.Background()))
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})
	require.Eventually(t, func() bool {
		return a.livePeers() == 1 && b.livePeers() == 1
	}, 2*time.Second, 5*time.Millisecond, "participants must discover each other")
	return a, b
}

// --- Test Cases ---

// TestAcquire_SingleContextFallback verifies that without a transport every
// acquire degrades to an immediate local grant.
func TestAcquire_SingleContextFallback(t *testing.T) {
	c := New(nil, zap.NewNop(), nil, fastConfig())
	require.NoError(t, c.Acquire(context.Background(), "L", 0))
	require.True(t, c.Registry().HeldBy("L", c.ID()))
	c.Release("L")
	_, held := c.Registry().Holder("L")
	require.False(t, held)
}

// TestAcquire_Reentrant verifies that a second acquire of a held lock in
// the same context resolves immediately, and that distinct lock ids never
// block each other.
func TestAcquire_Reentrant(t *testing.T) {
	c := New(nil, zap.NewNop(), nil, fastConfig())

	require.NoError(t, c.Acquire(context.Background(), "L", 0))
	// Still held; the re-entrant acquire must not wait on anything.
	done := make(chan error, 1)
	go func() { done <- c.Acquire(context.Background(), "L", 0) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("re-entrant acquire blocked")
	}

	require.NoError(t, c.Acquire(context.Background(), "M", 0))
	require.True(t, c.Registry().HeldBy("L", c.ID()))
	require.True(t, c.Registry().HeldBy("M", c.ID()))
}

// TestAcquire_DeniedThenSucceeds is the contention scenario: A holds the
// lock, B is denied and backs off, then succeeds once A releases.
func TestAcquire_DeniedThenSucceeds(t *testing.T) {
	a, b := setupPair(t)

	require.NoError(t, a.Acquire(context.Background(), "L", 0))

	go func() {
		time.Sleep(150 * time.Millisecond)
		a.Release("L")
	}()

	require.NoError(t, b.Acquire(context.Background(), "L", 5*time.Second))
	require.True(t, b.Registry().HeldBy("L", b.ID()))
}

// TestAcquire_RetriesExhausted verifies the capped backoff: a lock that is
// never released fails with ErrAcquisitionFailed, not an indefinite block.
func TestAcquire_RetriesExhausted(t *testing.T) {
	hub := bus.NewMemory()
	cfg := fastConfig()
	cfg.MaxRetries = 2
	a := New(hub.Endpoint(), zap.NewNop(), nil, cfg)
	b := New(hub.Endpoint(), zap.NewNop(), nil, cfg)
	require.NoError(t, a.Start(context.Background()))
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})
	require.Eventually(t, func() bool {
		return a.livePeers() == 1 && b.livePeers() == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, a.Acquire(context.Background(), "L", 0))
	err := b.Acquire(context.Background(), "L", 10*time.Second)
	require.ErrorIs(t, err, ErrAcquisitionFailed)
}

// TestAcquire_Timeout verifies that total silence from known peers bounds
// the acquire at its timeout.
func TestAcquire_Timeout(t *testing.T) {
	hub := bus.NewMemory()
	c := New(hub.Endpoint(), zap.NewNop(), nil, fastConfig())
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { _ = c.Close() })

	// A peer that exists in the bookkeeping but never answers.
	c.touch("ghost-participant")

	start := time.Now()
	err := c.Acquire(context.Background(), "L", 200*time.Millisecond)
	require.ErrorIs(t, err, ErrLockTimeout)
	require.Less(t, time.Since(start), 2*time.Second)
}

// TestDeparture_ReleasesLocks verifies that a departing participant's locks
// are released by the survivors.
func TestDeparture_ReleasesLocks(t *testing.T) {
	a, b := setupPair(t)

	require.NoError(t, b.Acquire(context.Background(), "L", 0))
	// A granted the request, so A's registry records B as holder.
	require.Eventually(t, func() bool {
		holder, ok := a.Registry().Holder("L")
		return ok && holder == b.ID()
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, b.Close())
	require.Eventually(t, func() bool {
		_, held := a.Registry().Holder("L")
		return !held
	}, 2*time.Second, 5*time.Millisecond, "departure must release the departed holder's locks")
}

// TestSweep_ReclaimsSilentHolder verifies the dead-participant sweep: a
// holder that stops heartbeating for 3x the interval loses its locks.
func TestSweep_ReclaimsSilentHolder(t *testing.T) {
	c := New(nil, zap.NewNop(), nil, fastConfig())

	c.reg.Grant("L", "silent-peer", c.reg.IssueFence("L"))
	c.mu.Lock()
	c.peers["silent-peer"] = time.Now().Add(-time.Minute)
	c.mu.Unlock()

	c.sweep()

	_, held := c.Registry().Holder("L")
	require.False(t, held, "silent holder's lock must be reclaimed")
	c.mu.Lock()
	_, known := c.peers["silent-peer"]
	c.mu.Unlock()
	require.False(t, known)
}

// TestRegistry_FencingMonotonic verifies grant generations only move
// forward and that stale grants are rejected.
func TestRegistry_FencingMonotonic(t *testing.T) {
	r := NewRegistry()

	f1 := r.IssueFence("L")
	f2 := r.IssueFence("L")
	require.Greater(t, f2, f1)

	require.True(t, r.Grant("L", "p1", f2))
	// A grant carrying an older generation is stale.
	require.False(t, r.Grant("L", "p2", f1))
	holder, ok := r.Holder("L")
	require.True(t, ok)
	require.Equal(t, "p1", holder)
}

// TestWithLock verifies the acquire/release wrapper releases on both paths.
func TestWithLock(t *testing.T) {
	c := New(nil, zap.NewNop(), nil, fastConfig())

	err := c.WithLock(context.Background(), "L", func(ctx context.Context) error {
		require.True(t, c.Registry().HeldBy("L", c.ID()))
		return nil
	})
	require.NoError(t, err)
	_, held := c.Registry().Holder("L")
	require.False(t, held)
}
