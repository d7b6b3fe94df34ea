package admit_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/aussiebroadwan/gatehouse/pkg/admit"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestMemoryStats(t *testing.T) {
	s := admit.NewMemoryStats()
	ctx := t.Context()

	require.NoError(t, s.Record(ctx, admit.Event{Limiter: "auth", Allowed: true, Method: "POST", Path: "/v1/auth/login"}))
	require.NoError(t, s.Record(ctx, admit.Event{Limiter: "auth", Allowed: false, Method: "POST", Path: "/v1/auth/login"}))
	require.NoError(t, s.Record(ctx, admit.Event{Limiter: "upload", Allowed: true, Method: "POST", Path: "/v1/uploads"}))

	require.Equal(t, admit.Counts{Allowed: 2, Denied: 1}, s.Total())
	require.Equal(t, admit.Counts{Allowed: 1, Denied: 1}, s.ByLimiter()["auth"])
	require.Equal(t, admit.Counts{Allowed: 1}, s.ByRoute()["POST /v1/uploads"])

	snap, err := s.Snapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, s.Total(), snap.Total)
	require.Len(t, snap.ByLimiter, 2)
	require.Equal(t, admit.Counts{Allowed: 1, Denied: 1}, snap.ByRoute["POST /v1/auth/login"])
}

func setupRedis(t *testing.T) *redis.Client {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping redis integration test in short mode")
	}
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	rdb := redis.NewClient(&redis.Options{Addr: fmt.Sprintf("%s:%s", host, port.Port())})
	t.Cleanup(func() { _ = rdb.Close() })
	require.NoError(t, rdb.Ping(ctx).Err())
	return rdb
}

func TestRedisStats(t *testing.T) {
	rdb := setupRedis(t)
	ctx := t.Context()

	s := admit.NewRedisStats(rdb, admit.WithRedisPrefix("test:admit:"), admit.WithRedisTTL(time.Hour))
	at := time.Date(2025, 3, 1, 10, 30, 0, 0, time.UTC)

	for _, allowed := range []bool{true, true, false} {
		require.NoError(t, s.Record(ctx, admit.Event{
			Limiter: "auth",
			Key:     "ip:10.0.0.1",
			Allowed: allowed,
			Method:  "POST",
			Path:    "/v1/auth/login",
			At:      at,
		}))
	}

	total, err := s.Total(ctx)
	require.NoError(t, err)
	require.Equal(t, admit.Counts{Allowed: 2, Denied: 1}, total)

	byLimiter, err := rdb.HGetAll(ctx, "test:admit:limiter").Result()
	require.NoError(t, err)
	require.Equal(t, "2", byLimiter["auth:allowed"])
	require.Equal(t, "1", byLimiter["auth:denied"])

	snap, err := s.Snapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, total, snap.Total)
	require.Equal(t, admit.Counts{Allowed: 2, Denied: 1}, snap.ByLimiter["auth"])
	require.Equal(t, admit.Counts{Allowed: 2, Denied: 1}, snap.ByRoute["POST /v1/auth/login"])

	ttl, err := rdb.TTL(ctx, "test:admit:minute:202503011030").Result()
	require.NoError(t, err)
	require.Positive(t, ttl)

	keys, err := rdb.Keys(ctx, "test:admit:key:*").Result()
	require.NoError(t, err)
	require.Empty(t, keys, "admission keys must not be persisted")
}

func TestRedisStatsNilClient(t *testing.T) {
	var s *admit.RedisStats
	require.NoError(t, s.Record(t.Context(), admit.Event{Allowed: true}))
}
