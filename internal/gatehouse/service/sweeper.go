package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/aussiebroadwan/gatehouse/pkg/admit"
	"github.com/aussiebroadwan/gatehouse/pkg/identcache"
)

// KeyRefresher reloads verification keys from the identity provider.
type KeyRefresher func(ctx context.Context) error

// SweeperService periodically drops stale identity cache entries and elapsed
// admission counters so idle keys do not pin memory. In JWKS mode it also
// refreshes the verification key set.
type SweeperService struct {
	Cache    *identcache.Cache
	Limiters []*admit.Limiter
	Logger   *slog.Logger
	Interval time.Duration

	// Refresh is optional; nil disables key refreshing.
	Refresh         KeyRefresher
	RefreshInterval time.Duration
	RefreshTimeout  time.Duration

	// Internal channels for lifecycle management
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewSweeperService creates a sweeper running every interval.
// If interval is 0 or negative, defaults to 1 minute.
func NewSweeperService(cache *identcache.Cache, limiters []*admit.Limiter, logger *slog.Logger, interval time.Duration) *SweeperService {
	if interval <= 0 {
		interval = time.Minute
	}

	return &SweeperService{
		Cache:    cache,
		Limiters: limiters,
		Logger:   logger,
		Interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// WithKeyRefresh enables periodic key refreshing.
func (s *SweeperService) WithKeyRefresh(refresh KeyRefresher, interval time.Duration) *SweeperService {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	s.Refresh = refresh
	s.RefreshInterval = interval
	return s
}

// Start begins the background worker. Call Stop() to shut it down.
func (s *SweeperService) Start() {
	go s.run()
	s.Logger.Info("sweeper service started",
		"interval", s.Interval,
		"key_refresh", s.Refresh != nil,
	)
}

// Stop gracefully shuts down the background worker.
// Blocks until the worker has finished any in-progress sweep.
func (s *SweeperService) Stop() {
	close(s.stopCh)
	<-s.doneCh
	s.Logger.Info("sweeper service stopped")
}

func (s *SweeperService) run() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	// A nil channel blocks forever, which disables the refresh case.
	var refreshC <-chan time.Time
	if s.Refresh != nil {
		refreshTicker := time.NewTicker(s.RefreshInterval)
		defer refreshTicker.Stop()
		refreshC = refreshTicker.C
	}

	for {
		select {
		case <-ticker.C:
			s.Sweep()
		case <-refreshC:
			s.RefreshKeys()
		case <-s.stopCh:
			return
		}
	}
}

// Sweep runs one pass over the cache and every limiter.
func (s *SweeperService) Sweep() {
	var cacheRemoved int
	if s.Cache != nil {
		cacheRemoved = s.Cache.Sweep()
	}

	var countersRemoved int
	for _, l := range s.Limiters {
		countersRemoved += l.Sweep()
	}

	if cacheRemoved > 0 || countersRemoved > 0 {
		s.Logger.Debug("sweep completed",
			"cache_removed", cacheRemoved,
			"counters_removed", countersRemoved,
		)
	}
}

// RefreshKeys reloads the key set. Failures keep the previous keys.
func (s *SweeperService) RefreshKeys() {
	if s.Refresh == nil {
		return
	}

	timeout := s.RefreshTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := s.Refresh(ctx); err != nil {
		s.Logger.Warn("key refresh failed, keeping previous keys", "error", err)
		return
	}
	s.Logger.Debug("verification keys refreshed")
}
