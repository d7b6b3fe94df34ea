package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/aussiebroadwan/gatehouse/internal/gatehouse/store"
	"github.com/aussiebroadwan/gatehouse/pkg/admit"
	"github.com/aussiebroadwan/gatehouse/pkg/httpx"
	"github.com/aussiebroadwan/gatehouse/pkg/identcache"
	"github.com/aussiebroadwan/gatehouse/pkg/slogx"

	_ "github.com/aussiebroadwan/gatehouse/api/gatehouse" // Swagger docs
	httpSwagger "github.com/swaggo/http-swagger"
)

// Limiters holds one admission engine per protected concern.
type Limiters struct {
	Auth                 *admit.Limiter
	PasswordReset        *admit.Limiter
	Profile              *admit.Limiter
	Upload               *admit.Limiter
	BusinessVerification *admit.Limiter
	General              *admit.Limiter
	Health               *admit.Limiter
}

// All returns every configured limiter, for sweeping and reporting.
func (l Limiters) All() []*admit.Limiter {
	all := []*admit.Limiter{
		l.Auth, l.PasswordReset, l.Profile, l.Upload,
		l.BusinessVerification, l.General, l.Health,
	}
	out := all[:0]
	for _, lim := range all {
		if lim != nil {
			out = append(out, lim)
		}
	}
	return out
}

// Router holds shared dependencies for HTTP handlers.
type Router struct {
	Mux         *http.ServeMux
	middlewares []httpx.Middleware

	cache        *identcache.Cache
	store        store.Store
	buildVersion string
	startTime    time.Time
	logger       *slog.Logger

	Limiters       Limiters
	Stats          admit.StatsSink
	Proxy          http.Handler
	Ready          func(ctx context.Context) error
	AdminRole      string
	Diagnostics    bool
	TrustedProxies httpx.TrustedProxies
}

func NewRouter(
	cache *identcache.Cache,
	st store.Store,
	buildVersion string,
	logger *slog.Logger,
) *Router {
	r := &Router{
		Mux:          http.NewServeMux(),
		cache:        cache,
		store:        st,
		buildVersion: buildVersion,
		startTime:    time.Now(),
		logger:       logger,
		AdminRole:    "admin",
	}

	// Set default middleware chain
	r.middlewares = []httpx.Middleware{
		slogx.HTTPMiddleware(r.logger),
	}

	return r
}

func (r *Router) ApplyRoutes() {
	r.registerSystem()
	r.registerAuth()
	r.registerSession()
	r.registerAccount()
	r.registerAdmin()
	r.registerFallback()

	r.Mux.Handle("/swagger/", httpSwagger.Handler())
}

// ServeHTTP implements http.Handler for Router and applies the global middleware chain.
//
//	@title			Gatehouse Request Admission API
//	@version		0.1.0
//	@description	Authenticating, rate limiting gateway. Requests are admitted by fixed-window limiters and identities are resolved through a coalescing cache before being forwarded upstream.
//	@description
//	@description				Every limited response carries X-RateLimit-Limit, X-RateLimit-Remaining and X-RateLimit-Reset; rejections add Retry-After.
//
//	@contact.name				AussieBroadWAN Team
//	@contact.url				https://github.com/aussiebroadwan/gatehouse
//
//	@license.name				MIT
//	@license.url				https://opensource.org/licenses/MIT
//
//	@host						localhost:8080
//	@BasePath					/
//
//	@schemes					http https
//
//	@securityDefinitions.apikey	BearerAuth
//	@in							header
//	@name						Authorization
//	@description				Identity provider access token. Format: "Bearer {token}".
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	httpx.Chain(r.Mux, r.middlewares...).ServeHTTP(w, req)
}

func (r *Router) limitByIP(l *admit.Limiter) httpx.Middleware {
	return httpx.RateLimitByIP(l,
		httpx.WithStats(r.Stats),
		httpx.WithTrustedProxies(r.TrustedProxies),
	)
}

func (r *Router) limitByIdentity(l *admit.Limiter) httpx.Middleware {
	return httpx.RateLimitByIdentity(l, httpx.WithStats(r.Stats))
}

func (r *Router) authn() httpx.Middleware {
	return httpx.AuthnMiddleware(r.cache, r.Diagnostics)
}

func (r *Router) registerSystem() {
	// Health checks - monitoring systems may poll frequently
	r.Mux.Handle("GET /livez",
		httpx.Chain(LivezHandler(r.startTime, r.buildVersion),
			r.limitByIP(r.Limiters.Health),
		),
	)
	r.Mux.Handle("GET /readyz",
		httpx.Chain(ReadyzHandler(r.startTime, r.buildVersion, r.store, r.Ready),
			r.limitByIP(r.Limiters.Health),
		),
	)
}

func (r *Router) registerAuth() {
	// Login and registration - brute force protection by IP. Successful
	// attempts are not charged.
	auth := httpx.Chain(r.Proxy, r.limitByIP(r.Limiters.Auth))
	r.Mux.Handle("POST /v1/auth/login", auth)
	r.Mux.Handle("POST /v1/auth/register", auth)

	r.Mux.Handle("POST /v1/auth/password-reset",
		httpx.Chain(r.Proxy, r.limitByIP(r.Limiters.PasswordReset)),
	)
}

func (r *Router) registerSession() {
	h := &SessionHandler{Cache: r.cache}

	r.Mux.Handle("GET /v1/session",
		httpx.Chain(http.HandlerFunc(h.HandleGet),
			r.limitByIP(r.Limiters.General),
			r.authn(),
		),
	)
	r.Mux.Handle("DELETE /v1/session",
		httpx.Chain(http.HandlerFunc(h.HandleDelete),
			r.limitByIP(r.Limiters.General),
			r.authn(),
		),
	)
}

func (r *Router) registerAccount() {
	// Authenticated writes - limited per identity so callers behind one NAT
	// don't share a budget.
	r.Mux.Handle("PUT /v1/profile",
		httpx.Chain(r.Proxy,
			r.authn(),
			r.limitByIdentity(r.Limiters.Profile),
		),
	)
	r.Mux.Handle("POST /v1/uploads",
		httpx.Chain(r.Proxy,
			r.authn(),
			r.limitByIdentity(r.Limiters.Upload),
		),
	)
	r.Mux.Handle("POST /v1/business/verification",
		httpx.Chain(r.Proxy,
			r.authn(),
			httpx.RateLimitMiddleware(r.Limiters.BusinessVerification,
				httpx.PrefixKeyExtractor("business", httpx.IdentityKeyExtractor),
				httpx.WithStats(r.Stats),
			),
		),
	)
}

func (r *Router) registerAdmin() {
	h := &AdminHandler{
		Cache:    r.cache,
		Store:    r.store,
		Limiters: r.Limiters.All(),
		Stats:    r.Stats,
	}

	admin := func(fn http.HandlerFunc) http.Handler {
		return httpx.Chain(fn,
			r.authn(),
			httpx.RequireRole(r.cache, r.Diagnostics, r.AdminRole),
		)
	}

	r.Mux.Handle("GET /v1/admin/cache/stats", admin(h.HandleCacheStats))
	r.Mux.Handle("POST /v1/admin/cache/clear", admin(h.HandleCacheClear))
	r.Mux.Handle("GET /v1/admin/ratelimit/stats", admin(h.HandleRateStats))
	r.Mux.Handle("POST /v1/admin/ratelimit/reset", admin(h.HandleRateReset))
	r.Mux.Handle("GET /v1/admin/roles", admin(h.HandleListRoles))
	r.Mux.Handle("PUT /v1/admin/roles/{identity}", admin(h.HandleAssignRole))
	r.Mux.Handle("DELETE /v1/admin/roles/{identity}", admin(h.HandleRevokeRole))
}

func (r *Router) registerFallback() {
	// Everything else is forwarded; an identity is attached when the caller
	// presents a valid credential.
	r.Mux.Handle("/",
		httpx.Chain(r.Proxy,
			r.limitByIP(r.Limiters.General),
			httpx.OptionalAuthnMiddleware(r.cache, r.Diagnostics),
		),
	)
}
