package admit

import (
	"context"
	"sync"
	"time"
)

// Event is one admission decision as seen by a StatsSink.
//
// Key and Path are caller controlled; sinks that persist them should bound
// their cardinality.
type Event struct {
	Limiter string
	Key     string
	Allowed bool
	Method  string
	Path    string
	At      time.Time
}

// StatsSink records admission decisions. Recording is best effort: callers log
// errors and never fail a request because of them.
type StatsSink interface {
	Record(ctx context.Context, ev Event) error
}

// Counts is an allowed/denied pair.
type Counts struct {
	Allowed int64 `json:"allowed"`
	Denied  int64 `json:"denied"`
}

func (c *Counts) add(allowed bool) {
	if allowed {
		c.Allowed++
	} else {
		c.Denied++
	}
}

// MemoryStats keeps admission counters in process. It never expires anything.
type MemoryStats struct {
	mu        sync.Mutex
	total     Counts
	byLimiter map[string]Counts
	byRoute   map[string]Counts
}

func NewMemoryStats() *MemoryStats {
	return &MemoryStats{
		byLimiter: make(map[string]Counts),
		byRoute:   make(map[string]Counts),
	}
}

func (s *MemoryStats) Record(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.total.add(ev.Allowed)

	c := s.byLimiter[ev.Limiter]
	c.add(ev.Allowed)
	s.byLimiter[ev.Limiter] = c

	route := ev.Method + " " + ev.Path
	c = s.byRoute[route]
	c.add(ev.Allowed)
	s.byRoute[route] = c
	return nil
}

func (s *MemoryStats) Total() Counts {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

func (s *MemoryStats) ByLimiter() map[string]Counts {
	s.mu.Lock()
	defer s.mu.Unlock()
	return clone(s.byLimiter)
}

func (s *MemoryStats) ByRoute() map[string]Counts {
	s.mu.Lock()
	defer s.mu.Unlock()
	return clone(s.byRoute)
}

func clone(m map[string]Counts) map[string]Counts {
	out := make(map[string]Counts, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Snapshot is a point-in-time copy of a sink's counters.
type Snapshot struct {
	Total     Counts            `json:"total"`
	ByLimiter map[string]Counts `json:"by_limiter"`
	ByRoute   map[string]Counts `json:"by_route"`
	// Dropped counts events an AsyncStats queue had no room for.
	Dropped int64 `json:"dropped,omitempty"`
}

// StatsReader is implemented by sinks that can report what they recorded.
type StatsReader interface {
	Snapshot(ctx context.Context) (Snapshot, error)
}

func (s *MemoryStats) Snapshot(context.Context) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Total:     s.total,
		ByLimiter: clone(s.byLimiter),
		ByRoute:   clone(s.byRoute),
	}, nil
}
