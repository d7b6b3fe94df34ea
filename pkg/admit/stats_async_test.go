package admit_test

import (
	"context"
	"testing"
	"time"

	"github.com/aussiebroadwan/gatehouse/pkg/admit"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// stallingSink blocks every Record until its context ends.
type stallingSink struct{}

func (stallingSink) Record(ctx context.Context, _ admit.Event) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestAsyncStatsForwards(t *testing.T) {
	inner := admit.NewMemoryStats()
	s := admit.NewAsyncStats(inner)
	s.Start()

	for _, allowed := range []bool{true, true, false} {
		require.NoError(t, s.Record(t.Context(), admit.Event{Limiter: "auth", Allowed: allowed}))
	}
	s.Stop()

	require.Equal(t, admit.Counts{Allowed: 2, Denied: 1}, inner.Total())

	snap, err := s.Snapshot(t.Context())
	require.NoError(t, err)
	require.Equal(t, admit.Counts{Allowed: 2, Denied: 1}, snap.Total)
	require.Zero(t, snap.Dropped)
}

func TestAsyncStatsDropsWhenFull(t *testing.T) {
	s := admit.NewAsyncStats(stallingSink{}, admit.WithQueueSize(2))

	// Worker not started: the queue fills and the rest is dropped.
	for range 5 {
		require.NoError(t, s.Record(t.Context(), admit.Event{Limiter: "general"}))
	}
	require.Equal(t, int64(3), s.Dropped())

	snap, err := s.Snapshot(t.Context())
	require.NoError(t, err)
	require.Equal(t, int64(3), snap.Dropped)

	s.Stop()
}

func TestAsyncStatsBoundsEachRecord(t *testing.T) {
	s := admit.NewAsyncStats(stallingSink{}, admit.WithRecordTimeout(20*time.Millisecond))
	s.Start()
	t.Cleanup(s.Stop)

	require.NoError(t, s.Record(t.Context(), admit.Event{Limiter: "general"}))
	require.Eventually(t, func() bool { return s.Failed() == 1 }, time.Second, 5*time.Millisecond)
}

func TestAsyncStatsUnreachableRedis(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        "10.255.255.1:6379",
		DialTimeout: 5 * time.Second,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { _ = rdb.Close() })

	s := admit.NewAsyncStats(admit.NewRedisStats(rdb),
		admit.WithQueueSize(16),
		admit.WithRecordTimeout(50*time.Millisecond),
	)
	s.Start()

	const events = 100
	start := time.Now()
	for range events {
		require.NoError(t, s.Record(t.Context(), admit.Event{Limiter: "general", Allowed: true}))
	}
	require.Less(t, time.Since(start), 50*time.Millisecond, "recording must not wait on redis")

	s.Stop()
	require.Equal(t, int64(events), s.Failed()+s.Dropped())
}
