package admit

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStats aggregates admission counters in Redis hashes:
//
//	{prefix}:total                  allowed/denied, never expires
//	{prefix}:limiter                "{limiter}:{allowed|denied}"
//	{prefix}:route                  "{method} {path}:{allowed|denied}"
//	{prefix}:minute:{yyyymmddhhmm}  allowed/denied, expires after TTL
//
// Admission keys are not persisted.
type RedisStats struct {
	rdb    redis.Cmdable
	prefix string
	ttl    time.Duration
}

type RedisStatsOption func(*RedisStats)

func WithRedisPrefix(prefix string) RedisStatsOption {
	return func(s *RedisStats) { s.prefix = strings.Trim(prefix, ":") }
}

// WithRedisTTL bounds the lifetime of the per-minute buckets.
func WithRedisTTL(d time.Duration) RedisStatsOption {
	return func(s *RedisStats) { s.ttl = d }
}

func NewRedisStats(rdb redis.Cmdable, opts ...RedisStatsOption) *RedisStats {
	s := &RedisStats{
		rdb:    rdb,
		prefix: "gatehouse:admit",
		ttl:    24 * time.Hour,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStats) Record(ctx context.Context, ev Event) error {
	if s == nil || s.rdb == nil {
		return nil
	}

	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}

	field := "denied"
	if ev.Allowed {
		field = "allowed"
	}

	pipe := s.rdb.Pipeline()
	pipe.HIncrBy(ctx, s.prefix+":total", field, 1)

	if ev.Limiter != "" {
		pipe.HIncrBy(ctx, s.prefix+":limiter", ev.Limiter+":"+field, 1)
	}

	if route := strings.TrimSpace(ev.Method + " " + ev.Path); route != "" {
		pipe.HIncrBy(ctx, s.prefix+":route", route+":"+field, 1)
	}

	bucket := fmt.Sprintf("%s:minute:%s", s.prefix, at.UTC().Format("200601021504"))
	pipe.HIncrBy(ctx, bucket, field, 1)
	if s.ttl > 0 {
		pipe.Expire(ctx, bucket, s.ttl)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("admit: record stats: %w", err)
	}
	return nil
}

// Total reads the cumulative counters back.
func (s *RedisStats) Total(ctx context.Context) (Counts, error) {
	vals, err := s.rdb.HGetAll(ctx, s.prefix+":total").Result()
	if err != nil {
		return Counts{}, fmt.Errorf("admit: read stats: %w", err)
	}
	var c Counts
	if _, err := fmt.Sscan(orZero(vals["allowed"]), &c.Allowed); err != nil {
		return Counts{}, fmt.Errorf("admit: parse allowed: %w", err)
	}
	if _, err := fmt.Sscan(orZero(vals["denied"]), &c.Denied); err != nil {
		return Counts{}, fmt.Errorf("admit: parse denied: %w", err)
	}
	return c, nil
}

// Snapshot reads the cumulative, per-limiter and per-route counters.
func (s *RedisStats) Snapshot(ctx context.Context) (Snapshot, error) {
	total, err := s.Total(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	byLimiter, err := s.readSplit(ctx, s.prefix+":limiter")
	if err != nil {
		return Snapshot{}, err
	}
	byRoute, err := s.readSplit(ctx, s.prefix+":route")
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Total: total, ByLimiter: byLimiter, ByRoute: byRoute}, nil
}

// readSplit folds "{name}:{allowed|denied}" hash fields into Counts by name.
func (s *RedisStats) readSplit(ctx context.Context, key string) (map[string]Counts, error) {
	vals, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("admit: read stats: %w", err)
	}

	out := make(map[string]Counts, len(vals)/2)
	for field, raw := range vals {
		i := strings.LastIndexByte(field, ':')
		if i < 0 {
			continue
		}
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("admit: parse %s: %w", field, err)
		}

		name := field[:i]
		c := out[name]
		switch field[i+1:] {
		case "allowed":
			c.Allowed = n
		case "denied":
			c.Denied = n
		default:
			continue
		}
		out[name] = c
	}
	return out, nil
}

func orZero(s string) string {
	if s == "" {
		return "0"
	}
	return s
}
