package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	httpapi "github.com/aussiebroadwan/gatehouse/internal/gatehouse/http"
	"github.com/aussiebroadwan/gatehouse/internal/gatehouse/domain"
	"github.com/aussiebroadwan/gatehouse/internal/gatehouse/service"
	"github.com/aussiebroadwan/gatehouse/internal/gatehouse/store"
	"github.com/aussiebroadwan/gatehouse/internal/gatehouse/store/drivers/sqlite"
	"github.com/aussiebroadwan/gatehouse/pkg/admit"
	"github.com/aussiebroadwan/gatehouse/pkg/httpx"
	"github.com/aussiebroadwan/gatehouse/pkg/identcache"
	"github.com/aussiebroadwan/gatehouse/pkg/slogx"
	"github.com/redis/go-redis/v9"
)

const (
	// BuildVersion should be set at build time via ldflags.
	BuildVersion = "v0.1.0"
)

// Application encapsulates the gateway with all its dependencies
type Application struct {
	cfg    Config
	logger *slog.Logger

	// Core dependencies
	db       store.Store
	identity IdentitySource
	cache    *identcache.Cache
	limiters httpapi.Limiters
	stats    admit.StatsSink
	redis    *redis.Client     // nil when stats are kept in memory
	recorder *admit.AsyncStats // drains stats to redis off the request path

	sweeper *service.SweeperService

	// HTTP server
	server *http.Server
	router *httpapi.Router
}

// New creates a new Application instance with all dependencies initialized
func New(cfg Config) (*Application, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	app := &Application{
		cfg: cfg,
		logger: slogx.New(slogx.Config{
			Service: "gatehouse",
			Version: BuildVersion,
			Env:     cfg.Env,
			Level:   cfg.LogLevel,
			Format:  cfg.LogFormat,
		}),
	}

	if err := app.initDatabase(); err != nil {
		return nil, err
	}

	ctx := context.Background()
	identity, err := InitIdentitySource(ctx, app.cfg, app.logger)
	if err != nil {
		_ = app.db.Close()
		return nil, fmt.Errorf("failed to initialize identity provider: %w", err)
	}
	app.identity = identity

	if err := app.initAdmission(); err != nil {
		_ = app.db.Close()
		return nil, err
	}

	app.initServices()
	if err := app.initHTTP(); err != nil {
		_ = app.db.Close()
		return nil, err
	}

	return app, nil
}

// Handler exposes the fully wired router, mainly for tests.
func (app *Application) Handler() http.Handler { return app.router }

// Run starts the application and blocks until shutdown is requested
func (app *Application) Run() error {
	app.sweeper.Start()
	if app.recorder != nil {
		app.recorder.Start()
	}

	app.logger.Info("gatehouse starting",
		"port", app.cfg.Port,
		"version", BuildVersion,
		"idp_mode", app.cfg.IDPMode,
		"upstream", app.cfg.UpstreamURL,
	)

	// Start server in a goroutine
	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- app.server.ListenAndServe()
	}()

	// Setup signal handling for graceful shutdown
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	// Block until we receive a shutdown signal or server error
	select {
	case err := <-serverErrors:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
	case sig := <-shutdown:
		app.logger.Info("shutdown signal received", "signal", sig)

		if err := app.Shutdown(); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
	}

	return nil
}

// Shutdown gracefully shuts down the application
func (app *Application) Shutdown() error {
	app.logger.Info("shutting down gatehouse...")

	// Give outstanding requests a deadline for completion
	ctx, cancel := context.WithTimeout(context.Background(), app.cfg.ShutdownGracePeriod)
	defer cancel()

	if err := app.server.Shutdown(ctx); err != nil {
		app.logger.Error("graceful server shutdown failed", "error", err)
		if err := app.server.Close(); err != nil {
			app.logger.Error("error closing server", "error", err)
		}
	}

	app.sweeper.Stop()

	if app.recorder != nil {
		app.recorder.Stop()
	}
	if app.redis != nil {
		if err := app.redis.Close(); err != nil {
			app.logger.Error("error closing redis client", "error", err)
		}
	}

	if err := app.db.Close(); err != nil {
		app.logger.Error("error closing database", "error", err)
		return err
	}

	app.logger.Info("gatehouse stopped")
	return nil
}

// initDatabase opens the role database, applies migrations and seeds the
// bootstrap administrator.
func (app *Application) initDatabase() error {
	host := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", app.cfg.DatabaseFile)
	db, err := sqlite.NewStore(host)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	app.db = db

	if err := db.ApplyMigrations(); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to apply database migrations: %w", err)
	}
	app.logger.Info("database migrations applied successfully")

	if app.cfg.BootstrapAdminID != "" {
		err := db.Roles().AssignRole(context.Background(), domain.RoleAssignment{
			IdentityID: app.cfg.BootstrapAdminID,
			Role:       app.cfg.AdminRole,
		})
		if err != nil {
			_ = db.Close()
			return fmt.Errorf("failed to bootstrap admin role: %w", err)
		}
		app.logger.Info("bootstrap admin role assigned", "identity", app.cfg.BootstrapAdminID, "role", app.cfg.AdminRole)
	}

	return nil
}

// initAdmission builds the identity cache, the limiters and the stats sink.
func (app *Application) initAdmission() error {
	cache, err := identcache.New(app.identity.Provider, store.NewRoleLookup(app.db), identcache.Options{
		TTL:             app.cfg.IdentityCacheTTL,
		MaxSize:         app.cfg.IdentityCacheMax,
		UpstreamTimeout: app.cfg.IDPTimeout,
		Logger:          app.logger,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize identity cache: %w", err)
	}
	app.cache = cache

	limits := app.cfg.Limits
	for _, item := range []struct {
		dst **admit.Limiter
		cfg httpx.RateLimitConfig
	}{
		{&app.limiters.Auth, limits.Auth},
		{&app.limiters.PasswordReset, limits.PasswordReset},
		{&app.limiters.Profile, limits.Profile},
		{&app.limiters.Upload, limits.Upload},
		{&app.limiters.BusinessVerification, limits.BusinessVerification},
		{&app.limiters.General, limits.General},
		{&app.limiters.Health, limits.Health},
	} {
		l, err := item.cfg.NewLimiter(admit.WithLogger(app.logger))
		if err != nil {
			return fmt.Errorf("failed to initialize %s limiter: %w", item.cfg.Name, err)
		}
		*item.dst = l
	}

	if app.cfg.StatsRedisAddr != "" {
		app.redis = redis.NewClient(&redis.Options{
			Addr:     app.cfg.StatsRedisAddr,
			Password: app.cfg.StatsRedisPassword,
			DB:       app.cfg.StatsRedisDB,
		})
		app.recorder = admit.NewAsyncStats(admit.NewRedisStats(app.redis),
			admit.WithStatsLogger(app.logger),
		)
		app.stats = app.recorder
		app.logger.Info("admission stats stored in redis", "addr", app.cfg.StatsRedisAddr)
	} else {
		app.stats = admit.NewMemoryStats()
	}

	return nil
}

// initServices initializes background services
func (app *Application) initServices() {
	app.sweeper = service.NewSweeperService(
		app.cache,
		app.limiters.All(),
		app.logger,
		app.cfg.SweepInterval,
	)
	if app.identity.Refresh != nil {
		app.sweeper.WithKeyRefresh(app.identity.Refresh, app.cfg.KeyRefreshInterval)
	}
}

// initHTTP initializes the HTTP router and server
func (app *Application) initHTTP() error {
	upstream, err := url.Parse(app.cfg.UpstreamURL)
	if err != nil {
		return fmt.Errorf("invalid upstream url: %w", err)
	}

	trusted, err := httpx.ParseTrustedProxies(app.cfg.TrustedProxies)
	if err != nil {
		return fmt.Errorf("invalid trusted proxies: %w", err)
	}

	router := httpapi.NewRouter(app.cache, app.db, BuildVersion, app.logger)
	router.Limiters = app.limiters
	router.TrustedProxies = trusted
	router.Stats = app.stats
	router.Proxy = httpapi.NewProxy(upstream)
	router.Ready = app.identity.Ready
	router.AdminRole = app.cfg.AdminRole
	router.Diagnostics = app.cfg.CacheDiagnostics
	router.ApplyRoutes()

	app.router = router

	app.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", app.cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 3 * time.Second,
	}
	return nil
}
