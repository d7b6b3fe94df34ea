package identcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aussiebroadwan/gatehouse/pkg/cryptox"
	"github.com/hashicorp/golang-lru/v2/simplelru"
	"golang.org/x/sync/singleflight"
)

const (
	tokenPrefix = "token:"
	authzPrefix = "authz:"
)

// Defaults applied by New when the corresponding option is left zero.
const (
	DefaultTTL             = 5 * time.Minute
	DefaultMaxSize         = 1000
	DefaultUpstreamTimeout = 10 * time.Second
)

// Outcome reports how a lookup was served.
type Outcome int

const (
	// OutcomeMiss means this call started the upstream lookup.
	OutcomeMiss Outcome = iota
	// OutcomeHit means a fresh entry was served from memory.
	OutcomeHit
	// OutcomePending means this call joined a lookup already in flight.
	OutcomePending
)

func (o Outcome) String() string {
	switch o {
	case OutcomeHit:
		return "HIT"
	case OutcomePending:
		return "PENDING"
	default:
		return "MISS"
	}
}

// Options configures a Cache.
type Options struct {
	// TTL is how long an entry stays fresh after insertion.
	TTL time.Duration

	// MaxSize bounds the number of entries across both tiers.
	MaxSize int

	// UpstreamTimeout bounds a single provider or role store call. The call is
	// detached from the caller's cancellation so coalesced waiters never see a
	// failure caused by someone else's disconnect.
	UpstreamTimeout time.Duration

	// Now is the clock; defaults to time.Now.
	Now func() time.Time

	Logger *slog.Logger
}

// Stats is a point-in-time snapshot of the cache counters.
type Stats struct {
	Size         int     `json:"size"`
	Hits         uint64  `json:"hits"`
	Misses       uint64  `json:"misses"`
	HitRate      float64 `json:"hit_rate"`
	PendingCount int     `json:"pending_count"`
	Coalesced    uint64  `json:"coalesced"`
	Evictions    uint64  `json:"evictions"`
}

type entry struct {
	identity   Identity
	role       string
	insertedAt time.Time
}

// Cache resolves credentials to identities and identities to roles, keeping
// results for TTL and collapsing concurrent lookups for the same key into one
// upstream call.
//
// Both tiers share one bounded table. Keys are namespaced ("token:" and
// "authz:") so a credential can never alias an authorization entry, and
// credentials are stored by fingerprint only. Reads use Peek, never Get, so
// eviction always drops the oldest insertion rather than the least recently
// read entry.
type Cache struct {
	provider Provider
	roles    RoleStore

	ttl             time.Duration
	upstreamTimeout time.Duration
	now             func() time.Time
	logger          *slog.Logger

	group singleflight.Group

	mu      sync.Mutex
	entries *simplelru.LRU[string, entry]
	pending map[string]string // cache key -> flight key
	seq     uint64
	epoch   uint64

	hits      uint64
	misses    uint64
	coalesced uint64
	evictions uint64
}

// New builds a Cache. roles may be nil when the authorization tier is unused.
func New(provider Provider, roles RoleStore, opts Options) (*Cache, error) {
	if provider == nil {
		return nil, errors.New("identcache: provider is required")
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.MaxSize <= 0 {
		opts.MaxSize = DefaultMaxSize
	}
	if opts.UpstreamTimeout <= 0 {
		opts.UpstreamTimeout = DefaultUpstreamTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	entries, err := simplelru.NewLRU[string, entry](opts.MaxSize, nil)
	if err != nil {
		return nil, fmt.Errorf("identcache: create table: %w", err)
	}

	return &Cache{
		provider:        provider,
		roles:           roles,
		ttl:             opts.TTL,
		upstreamTimeout: opts.UpstreamTimeout,
		now:             opts.Now,
		logger:          opts.Logger.With("component", "identcache"),
		entries:         entries,
		pending:         make(map[string]string),
	}, nil
}

// Resolve returns the verified identity for credential.
func (c *Cache) Resolve(ctx context.Context, credential string) (Identity, Outcome, error) {
	if strings.TrimSpace(credential) == "" {
		return Identity{}, OutcomeMiss, ErrMissingCredential
	}

	e, outcome, err := c.load(ctx, tokenKey(credential), func(ctx context.Context) (entry, error) {
		id, err := c.provider.Verify(ctx, credential)
		if err != nil {
			return entry{}, err
		}
		return entry{identity: id}, nil
	})
	if err != nil {
		return Identity{}, outcome, err
	}
	return e.identity, outcome, nil
}

// Role returns the authorization role for an identity resolved earlier.
func (c *Cache) Role(ctx context.Context, identityID string) (string, Outcome, error) {
	if c.roles == nil {
		return "", OutcomeMiss, fmt.Errorf("%w: no role store configured", ErrUpstreamFailure)
	}
	if identityID == "" {
		return "", OutcomeMiss, ErrMissingCredential
	}

	e, outcome, err := c.load(ctx, authzPrefix+identityID, func(ctx context.Context) (entry, error) {
		role, err := c.roles.LookupRole(ctx, identityID)
		if err != nil {
			return entry{}, err
		}
		return entry{role: role}, nil
	})
	if err != nil {
		return "", outcome, err
	}
	return e.role, outcome, nil
}

// load serves key from memory, joins an in-flight lookup, or starts one. The
// decision between those three happens under c.mu so two callers can never
// both start a lookup for the same key.
func (c *Cache) load(
	ctx context.Context,
	key string,
	fetch func(context.Context) (entry, error),
) (entry, Outcome, error) {
	c.mu.Lock()

	if e, ok := c.entries.Peek(key); ok && c.fresh(e, c.now()) {
		c.hits++
		c.mu.Unlock()
		return e, OutcomeHit, nil
	}

	c.misses++
	outcome := OutcomePending
	flight, inFlight := c.pending[key]
	if inFlight {
		c.coalesced++
	} else {
		outcome = OutcomeMiss
		c.seq++
		flight = key + "#" + strconv.FormatUint(c.seq, 10)
		c.pending[key] = flight
	}

	// Registering with the group while still holding c.mu keeps the pending
	// table and the group in lockstep. settle runs on its own goroutine, so it
	// simply waits for the lock.
	epoch := c.epoch
	detached := context.WithoutCancel(ctx)
	ch := c.group.DoChan(flight, func() (any, error) {
		return c.settle(detached, key, flight, epoch, fetch)
	})
	c.mu.Unlock()

	select {
	case res := <-ch:
		if res.Err != nil {
			return entry{}, outcome, res.Err
		}
		return res.Val.(entry), outcome, nil
	case <-ctx.Done():
		return entry{}, outcome, ctx.Err()
	}
}

// settle performs the upstream call for one flight and publishes the result.
// The pending entry is dropped before singleflight hands the result to any
// waiter.
func (c *Cache) settle(
	ctx context.Context,
	key, flight string,
	epoch uint64,
	fetch func(context.Context) (entry, error),
) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, c.upstreamTimeout)
	defer cancel()

	start := time.Now()
	e, err := fetch(ctx)
	err = classify(err)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pending[key] == flight {
		delete(c.pending, key)
	}

	tier := tierOf(key)
	if err != nil {
		c.logger.Debug("upstream lookup failed", "tier", tier, "error", err, "duration", time.Since(start))
		return nil, err
	}

	// A Clear while this flight was running invalidates its result for the
	// table, but waiters already attached still receive it.
	if c.epoch == epoch {
		e.insertedAt = c.now()
		if evicted := c.entries.Add(key, e); evicted {
			c.evictions++
		}
	}

	c.logger.Debug("upstream lookup settled", "tier", tier, "duration", time.Since(start))
	return e, nil
}

// Sweep removes every entry older than TTL and reports how many were dropped.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for _, key := range c.entries.Keys() {
		e, ok := c.entries.Peek(key)
		if ok && !c.fresh(e, now) {
			c.entries.Remove(key)
			removed++
		}
	}
	return removed
}

// Forget drops the cached identity for credential, e.g. on sign-out.
func (c *Cache) Forget(credential string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Remove(tokenKey(credential))
}

// ForgetRole drops the cached role for identityID, e.g. after a role change.
func (c *Cache) ForgetRole(identityID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Remove(authzPrefix + identityID)
}

// Clear wipes both tiers, the pending table and every counter in one step.
// Lookups still in flight finish for their waiters but are not stored.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries.Purge()
	c.pending = make(map[string]string)
	c.epoch++
	c.hits, c.misses, c.coalesced, c.evictions = 0, 0, 0, 0
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Size:         c.entries.Len(),
		Hits:         c.hits,
		Misses:       c.misses,
		PendingCount: len(c.pending),
		Coalesced:    c.coalesced,
		Evictions:    c.evictions,
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	return s
}

// TTL reports the configured freshness window.
func (c *Cache) TTL() time.Duration { return c.ttl }

func (c *Cache) fresh(e entry, now time.Time) bool {
	return now.Sub(e.insertedAt) < c.ttl
}

func tokenKey(credential string) string {
	return tokenPrefix + cryptox.FingerprintToken(credential)
}

func tierOf(key string) string {
	if strings.HasPrefix(key, authzPrefix) {
		return "authz"
	}
	return "token"
}
