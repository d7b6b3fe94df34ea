package identcache_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aussiebroadwan/gatehouse/pkg/identcache"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// countingProvider verifies any credential as an identity with the same ID.
type countingProvider struct {
	calls   atomic.Int32
	release chan struct{} // optional: blocks Verify until closed
	err     error
}

func (p *countingProvider) Verify(ctx context.Context, credential string) (identcache.Identity, error) {
	p.calls.Add(1)
	if p.release != nil {
		<-p.release
	}
	if p.err != nil {
		return identcache.Identity{}, p.err
	}
	return identcache.Identity{ID: "id-" + credential, Email: credential + "@example.com", Role: "user"}, nil
}

func newCache(t *testing.T, p identcache.Provider, roles identcache.RoleStore, clock *fakeClock, maxSize int) *identcache.Cache {
	t.Helper()
	c, err := identcache.New(p, roles, identcache.Options{
		TTL:     time.Minute,
		MaxSize: maxSize,
		Now:     clock.Now,
	})
	require.NoError(t, err)
	return c
}

func TestResolveCoalescesConcurrentCalls(t *testing.T) {
	const n = 25

	p := &countingProvider{release: make(chan struct{})}
	c := newCache(t, p, nil, newFakeClock(), 100)

	var wg sync.WaitGroup
	results := make([]identcache.Identity, n)
	outcomes := make([]identcache.Outcome, n)
	errs := make([]error, n)

	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], outcomes[i], errs[i] = c.Resolve(context.Background(), "tok-1")
		}()
	}

	// Wait until every caller has attached to the single flight.
	require.Eventually(t, func() bool {
		s := c.Stats()
		return s.PendingCount == 1 && s.Coalesced == n-1
	}, 2*time.Second, 5*time.Millisecond)

	close(p.release)
	wg.Wait()

	require.Equal(t, int32(1), p.calls.Load(), "provider must be called exactly once")

	misses := 0
	for i := range n {
		require.NoError(t, errs[i])
		require.Equal(t, "id-tok-1", results[i].ID)
		if outcomes[i] == identcache.OutcomeMiss {
			misses++
		} else {
			require.Equal(t, identcache.OutcomePending, outcomes[i])
		}
	}
	require.Equal(t, 1, misses)

	s := c.Stats()
	require.Equal(t, 0, s.PendingCount)
	require.Equal(t, 1, s.Size)
}

func TestResolveHonoursTTL(t *testing.T) {
	clock := newFakeClock()
	p := &countingProvider{}
	c := newCache(t, p, nil, clock, 100)
	ctx := context.Background()

	_, outcome, err := c.Resolve(ctx, "tok")
	require.NoError(t, err)
	require.Equal(t, identcache.OutcomeMiss, outcome)

	clock.Advance(time.Minute - time.Millisecond)
	id, outcome, err := c.Resolve(ctx, "tok")
	require.NoError(t, err)
	require.Equal(t, identcache.OutcomeHit, outcome)
	require.Equal(t, "id-tok", id.ID)
	require.Equal(t, int32(1), p.calls.Load())

	clock.Advance(2 * time.Millisecond)
	_, outcome, err = c.Resolve(ctx, "tok")
	require.NoError(t, err)
	require.Equal(t, identcache.OutcomeMiss, outcome)
	require.Equal(t, int32(2), p.calls.Load())
}

func TestEvictionIsInsertionOrdered(t *testing.T) {
	p := &countingProvider{}
	c := newCache(t, p, nil, newFakeClock(), 3)
	ctx := context.Background()

	for i := range 3 {
		_, _, err := c.Resolve(ctx, fmt.Sprintf("c%d", i))
		require.NoError(t, err)
	}

	// Reading c0 again must not protect it from eviction.
	_, outcome, err := c.Resolve(ctx, "c0")
	require.NoError(t, err)
	require.Equal(t, identcache.OutcomeHit, outcome)

	_, _, err = c.Resolve(ctx, "c3")
	require.NoError(t, err)

	s := c.Stats()
	require.Equal(t, 3, s.Size)
	require.Equal(t, uint64(1), s.Evictions)

	_, outcome, err = c.Resolve(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, identcache.OutcomeHit, outcome, "c1 is newer than c0 and must survive")

	_, outcome, err = c.Resolve(ctx, "c0")
	require.NoError(t, err)
	require.Equal(t, identcache.OutcomeMiss, outcome, "c0 was inserted first and must be evicted")
}

func TestEvictionNeverExceedsMaxSize(t *testing.T) {
	p := &countingProvider{}
	c := newCache(t, p, nil, newFakeClock(), 10)
	ctx := context.Background()

	for i := range 11 {
		_, _, err := c.Resolve(ctx, fmt.Sprintf("cred-%d", i))
		require.NoError(t, err)
		require.LessOrEqual(t, c.Stats().Size, 10)
	}
	require.Equal(t, 10, c.Stats().Size)
}

func TestFailureIsNotCached(t *testing.T) {
	p := &countingProvider{err: identcache.ErrInvalidCredential}
	c := newCache(t, p, nil, newFakeClock(), 100)
	ctx := context.Background()

	_, _, err := c.Resolve(ctx, "bad")
	require.ErrorIs(t, err, identcache.ErrInvalidCredential)

	s := c.Stats()
	require.Equal(t, 0, s.Size)
	require.Equal(t, 0, s.PendingCount)

	p.err = nil
	id, outcome, err := c.Resolve(ctx, "bad")
	require.NoError(t, err)
	require.Equal(t, identcache.OutcomeMiss, outcome)
	require.Equal(t, "id-bad", id.ID)
	require.Equal(t, int32(2), p.calls.Load())
}

func TestFailureIsSharedByWaiters(t *testing.T) {
	const n = 10

	p := &countingProvider{release: make(chan struct{}), err: errors.New("connection refused")}
	c := newCache(t, p, nil, newFakeClock(), 100)

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, errs[i] = c.Resolve(context.Background(), "tok")
		}()
	}

	require.Eventually(t, func() bool {
		return c.Stats().Coalesced == n-1
	}, 2*time.Second, 5*time.Millisecond)
	close(p.release)
	wg.Wait()

	require.Equal(t, int32(1), p.calls.Load())
	for _, err := range errs {
		require.ErrorIs(t, err, identcache.ErrUpstreamFailure)
	}
	require.Equal(t, 0, c.Stats().PendingCount)
}

func TestExpiredCredentialKeepsItsCode(t *testing.T) {
	p := &countingProvider{err: fmt.Errorf("verify: %w", identcache.ErrExpiredCredential)}
	c := newCache(t, p, nil, newFakeClock(), 100)

	_, _, err := c.Resolve(context.Background(), "old")
	require.ErrorIs(t, err, identcache.ErrExpiredCredential)
	require.NotErrorIs(t, err, identcache.ErrUpstreamFailure)
}

func TestMissingCredential(t *testing.T) {
	p := &countingProvider{}
	c := newCache(t, p, nil, newFakeClock(), 100)

	_, _, err := c.Resolve(context.Background(), "  ")
	require.ErrorIs(t, err, identcache.ErrMissingCredential)
	require.Zero(t, p.calls.Load())
}

func TestWaiterCancellationDoesNotAbortFlight(t *testing.T) {
	p := &countingProvider{release: make(chan struct{})}
	c := newCache(t, p, nil, newFakeClock(), 100)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, _, err := c.Resolve(ctx, "tok")
		done <- err
	}()

	require.Eventually(t, func() bool { return c.Stats().PendingCount == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	close(p.release)
	require.Eventually(t, func() bool { return c.Stats().Size == 1 }, time.Second, 5*time.Millisecond)

	_, outcome, err := c.Resolve(context.Background(), "tok")
	require.NoError(t, err)
	require.Equal(t, identcache.OutcomeHit, outcome)
	require.Equal(t, int32(1), p.calls.Load())
}

func TestRoleTier(t *testing.T) {
	var lookups atomic.Int32
	roles := identcache.RoleStoreFunc(func(ctx context.Context, identityID string) (string, error) {
		lookups.Add(1)
		if identityID == "admin-1" {
			return "admin", nil
		}
		return "user", nil
	})

	p := &countingProvider{}
	c := newCache(t, p, roles, newFakeClock(), 100)
	ctx := context.Background()

	t.Run("miss then hit", func(t *testing.T) {
		role, outcome, err := c.Role(ctx, "admin-1")
		require.NoError(t, err)
		require.Equal(t, "admin", role)
		require.Equal(t, identcache.OutcomeMiss, outcome)

		role, outcome, err = c.Role(ctx, "admin-1")
		require.NoError(t, err)
		require.Equal(t, "admin", role)
		require.Equal(t, identcache.OutcomeHit, outcome)
		require.Equal(t, int32(1), lookups.Load())
	})

	t.Run("credential and identity keys do not collide", func(t *testing.T) {
		_, outcome, err := c.Resolve(ctx, "admin-1")
		require.NoError(t, err)
		require.Equal(t, identcache.OutcomeMiss, outcome)

		_, outcome, err = c.Resolve(ctx, "authz:admin-1")
		require.NoError(t, err)
		require.Equal(t, identcache.OutcomeMiss, outcome)
		require.Equal(t, int32(2), p.calls.Load())
	})

	t.Run("forget role forces a new lookup", func(t *testing.T) {
		c.ForgetRole("admin-1")
		_, outcome, err := c.Role(ctx, "admin-1")
		require.NoError(t, err)
		require.Equal(t, identcache.OutcomeMiss, outcome)
		require.Equal(t, int32(2), lookups.Load())
	})

	t.Run("role store errors surface as upstream failures", func(t *testing.T) {
		failing := identcache.RoleStoreFunc(func(ctx context.Context, identityID string) (string, error) {
			return "", errors.New("db locked")
		})
		fc := newCache(t, p, failing, newFakeClock(), 100)
		_, _, err := fc.Role(ctx, "u1")
		require.ErrorIs(t, err, identcache.ErrUpstreamFailure)
	})

	t.Run("no role store configured", func(t *testing.T) {
		nc := newCache(t, p, nil, newFakeClock(), 100)
		_, _, err := nc.Role(ctx, "u1")
		require.ErrorIs(t, err, identcache.ErrUpstreamFailure)
	})
}

func TestClear(t *testing.T) {
	p := &countingProvider{}
	c := newCache(t, p, nil, newFakeClock(), 100)
	ctx := context.Background()

	_, _, err := c.Resolve(ctx, "a")
	require.NoError(t, err)
	_, _, err = c.Resolve(ctx, "a")
	require.NoError(t, err)

	s := c.Stats()
	require.Equal(t, uint64(1), s.Hits)
	require.Equal(t, uint64(1), s.Misses)
	require.InDelta(t, 0.5, s.HitRate, 0.0001)

	c.Clear()
	require.Equal(t, identcache.Stats{}, c.Stats())

	_, outcome, err := c.Resolve(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, identcache.OutcomeMiss, outcome)
}

func TestClearDuringFlightDoesNotRepopulate(t *testing.T) {
	p := &countingProvider{release: make(chan struct{})}
	c := newCache(t, p, nil, newFakeClock(), 100)

	done := make(chan error, 1)
	go func() {
		_, _, err := c.Resolve(context.Background(), "tok")
		done <- err
	}()
	require.Eventually(t, func() bool { return c.Stats().PendingCount == 1 }, time.Second, 5*time.Millisecond)

	c.Clear()
	require.Equal(t, 0, c.Stats().PendingCount)

	close(p.release)
	require.NoError(t, <-done, "the attached waiter still receives its result")
	require.Equal(t, 0, c.Stats().Size)
}

func TestSweepRemovesStaleEntries(t *testing.T) {
	clock := newFakeClock()
	p := &countingProvider{}
	c := newCache(t, p, nil, clock, 100)
	ctx := context.Background()

	_, _, _ = c.Resolve(ctx, "old-1")
	_, _, _ = c.Resolve(ctx, "old-2")
	clock.Advance(45 * time.Second)
	_, _, _ = c.Resolve(ctx, "new")
	clock.Advance(30 * time.Second)

	require.Equal(t, 2, c.Sweep())
	require.Equal(t, 1, c.Stats().Size)

	_, outcome, err := c.Resolve(ctx, "new")
	require.NoError(t, err)
	require.Equal(t, identcache.OutcomeHit, outcome)
}

func TestForget(t *testing.T) {
	p := &countingProvider{}
	c := newCache(t, p, nil, newFakeClock(), 100)
	ctx := context.Background()

	_, _, _ = c.Resolve(ctx, "tok")
	c.Forget("tok")

	_, outcome, err := c.Resolve(ctx, "tok")
	require.NoError(t, err)
	require.Equal(t, identcache.OutcomeMiss, outcome)
}

func TestNewRequiresProvider(t *testing.T) {
	_, err := identcache.New(nil, nil, identcache.Options{})
	require.Error(t, err)
}
