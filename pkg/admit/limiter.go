// Package admit implements fixed-window request admission.
//
// A Limiter owns an isolated table of window counters keyed by an opaque
// admission key. Each protected concern (login attempts, uploads, profile
// edits, ...) gets its own Limiter; they compose by being chained.
//
// The window is fixed, not sliding: a caller may spend its whole budget just
// before a boundary and again just after it, so up to 2×Max requests can be
// admitted in a short span.
package admit

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultSweepEvery is how many admissions pass between opportunistic sweeps.
const DefaultSweepEvery = 100

// ErrRateExceeded is matched by every *RejectedError.
var ErrRateExceeded = errors.New("admit: rate exceeded")

// Config describes one limiter instance.
type Config struct {
	// Name identifies the instance in logs, stats and env overrides.
	Name string

	Window time.Duration
	Max    int

	// SkipSuccessful and SkipFailed switch the limiter to deferred counting:
	// the admission is only charged once Decision.Complete reports an outcome
	// that is not skipped.
	SkipSuccessful bool
	SkipFailed     bool

	// SweepEvery runs a sweep of elapsed counters once every N admissions.
	SweepEvery int
}

// Deferred reports whether admissions are charged on completion.
func (c Config) Deferred() bool { return c.SkipSuccessful || c.SkipFailed }

// Counter is the state of one admission key inside the current window.
type Counter struct {
	Count   int
	ResetAt time.Time
}

// Option customises a Limiter.
type Option func(*Limiter)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithLogger sets the logger used for sweep diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

// Limiter is a fixed-window admission counter table.
type Limiter struct {
	cfg    Config
	now    func() time.Time
	logger *slog.Logger
	sweep  rate.Sometimes

	mu       sync.Mutex
	counters map[string]*Counter
}

// New validates cfg and returns an empty Limiter.
func New(cfg Config, opts ...Option) (*Limiter, error) {
	if cfg.Name == "" {
		return nil, errors.New("admit: limiter name is required")
	}
	if cfg.Window <= 0 {
		return nil, fmt.Errorf("admit: limiter %q: window must be positive", cfg.Name)
	}
	if cfg.Max <= 0 {
		return nil, fmt.Errorf("admit: limiter %q: max must be positive", cfg.Name)
	}
	if cfg.SweepEvery <= 0 {
		cfg.SweepEvery = DefaultSweepEvery
	}

	l := &Limiter{
		cfg:      cfg,
		now:      time.Now,
		logger:   slog.Default(),
		counters: make(map[string]*Counter),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("limiter", cfg.Name)
	l.sweep = rate.Sometimes{Every: cfg.SweepEvery}
	return l, nil
}

// Config returns the instance configuration.
func (l *Limiter) Config() Config { return l.cfg }

// Admit decides whether one more request for key fits the current window.
//
// A rejection never touches the counter. An acceptance is charged
// immediately, or when the returned Decision is completed if the limiter
// has a skip policy.
func (l *Limiter) Admit(key string) Decision {
	l.sweep.Do(func() {
		if n := l.Sweep(); n > 0 {
			l.logger.Debug("swept elapsed counters", "removed", n)
		}
	})

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	c := l.counterLocked(key, now)

	d := Decision{
		Limiter: l.cfg.Name,
		Limit:   l.cfg.Max,
		ResetAt: c.ResetAt,
	}

	if c.Count >= l.cfg.Max {
		d.RetryAfter = retryAfter(c.ResetAt, now)
		return d
	}

	d.Allowed = true
	if l.cfg.Deferred() {
		d.complete = l.completer(key, c.ResetAt)
	} else {
		c.Count++
	}
	d.Remaining = l.cfg.Max - c.Count
	return d
}

// completer returns the charge-on-completion hook for one accepted request.
// The charge goes to the window the request was admitted in; if that window
// has since been replaced or swept, nothing is charged.
func (l *Limiter) completer(key string, window time.Time) func(bool) {
	var once sync.Once
	return func(success bool) {
		once.Do(func() {
			if success && l.cfg.SkipSuccessful || !success && l.cfg.SkipFailed {
				return
			}
			l.mu.Lock()
			defer l.mu.Unlock()
			if c, ok := l.counters[key]; ok && c.ResetAt.Equal(window) {
				c.Count++
			}
		})
	}
}

// counterLocked returns the live counter for key, replacing an elapsed one.
func (l *Limiter) counterLocked(key string, now time.Time) *Counter {
	c, ok := l.counters[key]
	if !ok || !now.Before(c.ResetAt) {
		c = &Counter{ResetAt: now.Add(l.cfg.Window)}
		l.counters[key] = c
	}
	return c
}

// Sweep drops every counter whose window has elapsed.
func (l *Limiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for k, c := range l.counters {
		if !now.Before(c.ResetAt) {
			delete(l.counters, k)
			removed++
		}
	}
	return removed
}

// Peek returns a copy of the counter for key without creating one.
func (l *Limiter) Peek(key string) (Counter, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.counters[key]
	if !ok {
		return Counter{}, false
	}
	return *c, true
}

// Len reports how many keys are tracked, elapsed ones included.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.counters)
}

// Reset forgets every counter.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.counters = make(map[string]*Counter)
}

func retryAfter(resetAt, now time.Time) int {
	secs := int(math.Ceil(resetAt.Sub(now).Seconds()))
	return max(secs, 1)
}
