package httpx

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/aussiebroadwan/gatehouse/pkg/admit"
	"github.com/aussiebroadwan/gatehouse/pkg/slogx"
	"golang.org/x/time/rate"
)

// RateLimitConfig defines one admission profile.
type RateLimitConfig struct {
	// Name identifies the limiter and selects its RATELIMIT_{NAME}_* overrides.
	Name string
	// RequestsPerWindow is the number of requests allowed in the time window
	RequestsPerWindow int
	// Window is the fixed window length
	Window time.Duration
	// SkipSuccessful only charges requests answered with a status >= 400
	SkipSuccessful bool
	// SkipFailed only charges requests answered with a status < 400
	SkipFailed bool
}

// Admission profiles for the protected concerns.
// These can be overridden via environment variables with ParseRateLimitFromEnv.
var (
	// AuthLimit for login and registration (brute force prevention).
	// Successful attempts are free so a legitimate user is never locked out.
	// Override with: RATELIMIT_AUTH_REQUESTS, RATELIMIT_AUTH_WINDOW_SEC
	AuthLimit = RateLimitConfig{
		Name:              "AUTH",
		RequestsPerWindow: 5,
		Window:            15 * time.Minute,
		SkipSuccessful:    true,
	}

	// PasswordResetLimit for password reset requests
	// Override with: RATELIMIT_PASSWORD_RESET_REQUESTS, RATELIMIT_PASSWORD_RESET_WINDOW_SEC
	PasswordResetLimit = RateLimitConfig{
		Name:              "PASSWORD_RESET",
		RequestsPerWindow: 3,
		Window:            time.Hour,
	}

	// ProfileLimit for profile edits, keyed by identity
	// Override with: RATELIMIT_PROFILE_REQUESTS, RATELIMIT_PROFILE_WINDOW_SEC
	ProfileLimit = RateLimitConfig{
		Name:              "PROFILE",
		RequestsPerWindow: 10,
		Window:            15 * time.Minute,
	}

	// UploadLimit for file uploads, keyed by identity
	// Override with: RATELIMIT_UPLOAD_REQUESTS, RATELIMIT_UPLOAD_WINDOW_SEC
	UploadLimit = RateLimitConfig{
		Name:              "UPLOAD",
		RequestsPerWindow: 20,
		Window:            time.Hour,
	}

	// BusinessVerificationLimit for business verification submissions
	// Override with: RATELIMIT_BUSINESS_VERIFICATION_REQUESTS, RATELIMIT_BUSINESS_VERIFICATION_WINDOW_SEC
	BusinessVerificationLimit = RateLimitConfig{
		Name:              "BUSINESS_VERIFICATION",
		RequestsPerWindow: 3,
		Window:            24 * time.Hour,
	}

	// GeneralLimit for everything else
	// Override with: RATELIMIT_GENERAL_REQUESTS, RATELIMIT_GENERAL_WINDOW_SEC
	GeneralLimit = RateLimitConfig{
		Name:              "GENERAL",
		RequestsPerWindow: 100,
		Window:            15 * time.Minute,
	}

	// HealthLimit for liveness and readiness probes
	// Override with: RATELIMIT_HEALTH_REQUESTS, RATELIMIT_HEALTH_WINDOW_SEC
	HealthLimit = RateLimitConfig{
		Name:              "HEALTH",
		RequestsPerWindow: 600,
		Window:            time.Minute,
	}
)

// ParseRateLimitFromEnv reads rate limit configuration from environment variables.
// Environment variables follow the pattern: RATELIMIT_{NAME}_{field}
// For example: RATELIMIT_AUTH_REQUESTS, RATELIMIT_AUTH_WINDOW_SEC
// Invalid or non-positive values keep the default.
func ParseRateLimitFromEnv(defaultConfig RateLimitConfig) RateLimitConfig {
	config := defaultConfig
	prefix := "RATELIMIT_" + strings.ToUpper(defaultConfig.Name)

	// Parse requests per window
	if val := os.Getenv(prefix + "_REQUESTS"); val != "" {
		if requests, err := strconv.Atoi(val); err == nil && requests > 0 {
			config.RequestsPerWindow = requests
		}
	}

	// Parse window duration in seconds
	if val := os.Getenv(prefix + "_WINDOW_SEC"); val != "" {
		if windowSec, err := strconv.Atoi(val); err == nil && windowSec > 0 {
			config.Window = time.Duration(windowSec) * time.Second
		}
	}

	return config
}

// NewLimiter builds the admission engine instance for config.
func (config RateLimitConfig) NewLimiter(opts ...admit.Option) (*admit.Limiter, error) {
	return admit.New(admit.Config{
		Name:           strings.ToLower(config.Name),
		Window:         config.Window,
		Max:            config.RequestsPerWindow,
		SkipSuccessful: config.SkipSuccessful,
		SkipFailed:     config.SkipFailed,
	}, opts...)
}

// KeyExtractor is a function that extracts a unique key from the request
// for rate limiting purposes (e.g., IP address, identity, etc.)
type KeyExtractor func(*http.Request) string

// Common key extractors

// TrustedProxies lists the networks whose forwarding headers are believed.
// Requests from any other peer are keyed on the socket address alone.
type TrustedProxies []netip.Prefix

// ParseTrustedProxies accepts CIDR prefixes and bare addresses.
func ParseTrustedProxies(entries []string) (TrustedProxies, error) {
	out := make(TrustedProxies, 0, len(entries))
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			prefix, err := netip.ParsePrefix(entry)
			if err != nil {
				return nil, fmt.Errorf("httpx: trusted proxy %q: %w", entry, err)
			}
			out = append(out, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, fmt.Errorf("httpx: trusted proxy %q: %w", entry, err)
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

// Contains reports whether addr belongs to a trusted network.
func (t TrustedProxies) Contains(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, prefix := range t {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// ClientIP returns the network origin of r.
//
// The socket peer is the origin unless it is a trusted proxy. Then the
// X-Forwarded-For chain is walked from the right and the first hop that is
// not itself trusted wins; X-Real-IP is only consulted when the chain is
// absent.
func (t TrustedProxies) ClientIP(r *http.Request) string {
	peer := remoteIP(r)
	addr, err := netip.ParseAddr(peer)
	if err != nil || !t.Contains(addr) {
		return peer
	}

	hops := forwardedHops(r.Header.Values("X-Forwarded-For"))
	if len(hops) == 0 {
		if realIP, err := netip.ParseAddr(strings.TrimSpace(r.Header.Get("X-Real-IP"))); err == nil {
			return realIP.Unmap().String()
		}
		return peer
	}

	origin := addr
	for i := len(hops) - 1; i >= 0; i-- {
		hop, err := netip.ParseAddr(hops[i])
		if err != nil {
			// Garbage left of a trusted hop was written by the client.
			break
		}
		origin = hop.Unmap()
		if !t.Contains(origin) {
			break
		}
	}
	return origin.String()
}

// IPKeyExtractor keys on the socket peer address. Forwarding headers are
// ignored; use TrustedProxies.ClientIP behind a load balancer.
func IPKeyExtractor(r *http.Request) string {
	return remoteIP(r)
}

func remoteIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	if addr, err := netip.ParseAddr(ip); err == nil {
		return addr.Unmap().String()
	}
	return ip
}

func forwardedHops(values []string) []string {
	var hops []string
	for _, v := range values {
		for hop := range strings.SplitSeq(v, ",") {
			if hop = strings.TrimSpace(hop); hop != "" {
				hops = append(hops, hop)
			}
		}
	}
	return hops
}

// IdentityKeyExtractor extracts the authenticated identity ID from the
// request context. Returns empty string if the request is anonymous.
func IdentityKeyExtractor(r *http.Request) string {
	if id, ok := IdentityFromContext(r.Context()); ok {
		return id.ID
	}
	return ""
}

// PrefixKeyExtractor namespaces the key produced by extractor, e.g.
// PrefixKeyExtractor("business", IdentityKeyExtractor) yields "business:42".
// An empty inner key stays empty.
func PrefixKeyExtractor(prefix string, extractor KeyExtractor) KeyExtractor {
	return func(r *http.Request) string {
		key := extractor(r)
		if key == "" {
			return ""
		}
		return prefix + ":" + key
	}
}

// RateLimitOption customises RateLimitMiddleware.
type RateLimitOption func(*rateLimitOptions)

type rateLimitOptions struct {
	stats   admit.StatsSink
	trusted TrustedProxies
}

// WithStats records every admission decision into sink. Record runs on the
// request path, so a sink backed by the network should be an admit.AsyncStats.
func WithStats(sink admit.StatsSink) RateLimitOption {
	return func(o *rateLimitOptions) { o.stats = sink }
}

// WithTrustedProxies lets RateLimitByIP read the client address from
// forwarding headers set by the given proxies.
func WithTrustedProxies(trusted TrustedProxies) RateLimitOption {
	return func(o *rateLimitOptions) { o.trusted = trusted }
}

// RateLimitMiddleware admits requests through limiter, keyed by keyExtractor.
//
// Every decision sets X-RateLimit-Limit, X-RateLimit-Remaining and
// X-RateLimit-Reset; a rejection adds Retry-After and a rate_exceeded body.
// For a limiter with a skip policy the admission is charged after the wrapped
// handler has written its status.
func RateLimitMiddleware(limiter *admit.Limiter, keyExtractor KeyExtractor, opts ...RateLimitOption) Middleware {
	var o rateLimitOptions
	for _, opt := range opts {
		opt(&o)
	}

	name := limiter.Config().Name
	noKeyLog := &rate.Sometimes{First: 3, Interval: time.Minute}
	statsLog := &rate.Sometimes{First: 3, Interval: time.Minute}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			log := slogx.FromContext(ctx)

			// Extract the key for this request
			key := keyExtractor(r)
			if key == "" {
				// If we can't extract a key, allow the request but log it
				noKeyLog.Do(func() {
					log.Warn("rate limit: unable to extract key, allowing request", "limiter", name)
				})
				next.ServeHTTP(w, r)
				return
			}

			d := limiter.Admit(key)

			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))

			if o.stats != nil {
				ev := admit.Event{
					Limiter: name,
					Key:     key,
					Allowed: d.Allowed,
					Method:  r.Method,
					Path:    routeOf(r),
					At:      time.Now(),
				}
				if err := o.stats.Record(ctx, ev); err != nil {
					statsLog.Do(func() {
						log.Warn("rate limit: recording stats failed", "limiter", name, "err", err)
					})
				}
			}

			if !d.Allowed {
				log.Warn("rate limit exceeded",
					"limiter", name,
					"key", key,
					"endpoint", r.URL.Path,
					"retry_after", d.RetryAfter,
				)
				WriteError(w, d.Err())
				return
			}

			if !d.Deferred() {
				next.ServeHTTP(w, r)
				return
			}

			rec := newStatusRecorder(w)
			next.ServeHTTP(rec, r)
			d.Complete(rec.status < http.StatusBadRequest)
		})
	}
}

// routeOf prefers the matched mux pattern over the raw path to keep stats
// cardinality bounded.
func routeOf(r *http.Request) string {
	if r.Pattern != "" {
		return r.Pattern
	}
	return r.URL.Path
}

// Convenience functions for common rate limiting scenarios

// RateLimitByIP limits by network origin. Without WithTrustedProxies that is
// the socket peer address.
func RateLimitByIP(limiter *admit.Limiter, opts ...RateLimitOption) Middleware {
	var o rateLimitOptions
	for _, opt := range opts {
		opt(&o)
	}
	return RateLimitMiddleware(limiter, PrefixKeyExtractor("ip", o.trusted.ClientIP), opts...)
}

// RateLimitByIdentity limits by authenticated identity. It must run after
// AuthnMiddleware; anonymous requests pass unlimited.
func RateLimitByIdentity(limiter *admit.Limiter, opts ...RateLimitOption) Middleware {
	return RateLimitMiddleware(limiter, PrefixKeyExtractor("user", IdentityKeyExtractor), opts...)
}
