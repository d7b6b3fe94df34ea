package app

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/aussiebroadwan/gatehouse/pkg/httpx"
)

// Identity provider modes.
const (
	IDPModeJWKS     = "jwks"     // verify tokens locally against the provider's JWKS
	IDPModeUserInfo = "userinfo" // ask the provider's userinfo endpoint
)

type Config struct {
	Env                 string        // Environment (dev, staging, prod) (default: dev)
	LogLevel            string        // Log level (debug, info, warn, error) (default: info)
	LogFormat           string        // Log format (json, text) (default: json)
	Port                int           // HTTP server port (default: 8080)
	ShutdownGracePeriod time.Duration // Graceful shutdown timeout (default: 10s)

	UpstreamURL    string   // Required: service requests are forwarded to
	TrustedProxies []string // Optional: CIDRs or addresses whose X-Forwarded-For is believed (comma separated)

	IDPMode      string        // Optional: jwks or userinfo (default: jwks)
	IDPBaseURL   string        // Required: identity provider base URL
	IDPIssuer    string        // Optional: expected iss claim in jwks mode
	IDPAudience  []string      // Optional: accepted aud claims in jwks mode (comma separated)
	IDPTimeout   time.Duration // Optional: per request timeout to the provider (default: 5s)
	IDPRateLimit float64       // Optional: outbound requests per second to the provider (default: 0, unlimited)
	IDPBurst     int           // Optional: outbound burst (default: 10)

	IdentityCacheTTL   time.Duration // Optional: identity and role entry lifetime (default: 5m)
	IdentityCacheMax   int           // Optional: maximum cached entries (default: 1000)
	SweepInterval      time.Duration // Optional: cache and counter sweep interval (default: 1m)
	KeyRefreshInterval time.Duration // Optional: JWKS refresh interval (default: 15m)
	CacheDiagnostics   bool          // Optional: emit X-Auth-Cache/X-Authz-Cache (default: true outside prod)

	DatabaseFile     string // Optional: role database file (default: gatehouse.db)
	AdminRole        string // Optional: role allowed on the admin routes (default: admin)
	BootstrapAdminID string // Optional: identity granted AdminRole at startup

	StatsRedisAddr     string // Optional: admission stats go to Redis when set, memory otherwise
	StatsRedisPassword string
	StatsRedisDB       int

	Limits Limits
}

// Limits holds the admission profiles after RATELIMIT_* overrides.
type Limits struct {
	Auth                 httpx.RateLimitConfig
	PasswordReset        httpx.RateLimitConfig
	Profile              httpx.RateLimitConfig
	Upload               httpx.RateLimitConfig
	BusinessVerification httpx.RateLimitConfig
	General              httpx.RateLimitConfig
	Health               httpx.RateLimitConfig
}

func LoadConfig() Config {
	env := getEnvOrDefault("ENV", "dev")

	cfg := Config{
		Env:                 env,
		LogLevel:            getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:           getEnvOrDefault("LOG_FORMAT", "json"),
		Port:                getEnvIntOrDefault("PORT", 8080),
		ShutdownGracePeriod: getEnvDurationOrDefault("SHUTDOWN_GRACE_PERIOD", 10*time.Second),

		UpstreamURL:    os.Getenv("UPSTREAM_URL"),
		TrustedProxies: splitList(getEnvOrDefault("TRUSTED_PROXIES", "")),

		IDPMode:      strings.ToLower(getEnvOrDefault("IDP_MODE", IDPModeJWKS)),
		IDPBaseURL:   os.Getenv("IDP_BASE_URL"),
		IDPIssuer:    os.Getenv("IDP_ISSUER"),
		IDPAudience:  splitList(os.Getenv("IDP_AUDIENCE")),
		IDPTimeout:   getEnvDurationOrDefault("IDP_TIMEOUT", 5*time.Second),
		IDPRateLimit: getEnvFloatOrDefault("IDP_RATE_LIMIT", 0),
		IDPBurst:     getEnvIntOrDefault("IDP_BURST", 10),

		IdentityCacheTTL:   getEnvDurationOrDefault("IDENTITY_CACHE_TTL", 5*time.Minute),
		IdentityCacheMax:   getEnvIntOrDefault("IDENTITY_CACHE_MAX", 1000),
		SweepInterval:      getEnvDurationOrDefault("IDENTITY_CACHE_SWEEP_INTERVAL", time.Minute),
		KeyRefreshInterval: getEnvDurationOrDefault("JWKS_REFRESH_INTERVAL", 15*time.Minute),
		CacheDiagnostics:   getEnvBoolOrDefault("CACHE_DIAGNOSTICS", env != "prod"),

		DatabaseFile:     getEnvOrDefault("ROLE_DATABASE_FILE", "gatehouse.db"),
		AdminRole:        getEnvOrDefault("ADMIN_ROLE", "admin"),
		BootstrapAdminID: os.Getenv("BOOTSTRAP_ADMIN_ID"),

		StatsRedisAddr:     os.Getenv("RATE_STATS_REDIS_ADDR"),
		StatsRedisPassword: os.Getenv("RATE_STATS_REDIS_PASSWORD"),
		StatsRedisDB:       getEnvIntOrDefault("RATE_STATS_REDIS_DB", 0),

		Limits: Limits{
			Auth:                 httpx.ParseRateLimitFromEnv(httpx.AuthLimit),
			PasswordReset:        httpx.ParseRateLimitFromEnv(httpx.PasswordResetLimit),
			Profile:              httpx.ParseRateLimitFromEnv(httpx.ProfileLimit),
			Upload:               httpx.ParseRateLimitFromEnv(httpx.UploadLimit),
			BusinessVerification: httpx.ParseRateLimitFromEnv(httpx.BusinessVerificationLimit),
			General:              httpx.ParseRateLimitFromEnv(httpx.GeneralLimit),
			Health:               httpx.ParseRateLimitFromEnv(httpx.HealthLimit),
		},
	}

	return cfg
}

// Validate reports configuration that would make the gateway unusable.
func (c Config) Validate() error {
	if c.UpstreamURL == "" {
		return errors.New("config: UPSTREAM_URL is required")
	}
	if _, err := url.Parse(c.UpstreamURL); err != nil {
		return fmt.Errorf("config: UPSTREAM_URL: %w", err)
	}
	if _, err := httpx.ParseTrustedProxies(c.TrustedProxies); err != nil {
		return fmt.Errorf("config: TRUSTED_PROXIES: %w", err)
	}
	if c.IDPBaseURL == "" {
		return errors.New("config: IDP_BASE_URL is required")
	}
	switch c.IDPMode {
	case IDPModeJWKS, IDPModeUserInfo:
	default:
		return fmt.Errorf("config: unknown IDP_MODE %q", c.IDPMode)
	}
	if c.IdentityCacheTTL <= 0 {
		return errors.New("config: IDENTITY_CACHE_TTL must be positive")
	}
	if c.IdentityCacheMax <= 0 {
		return errors.New("config: IDENTITY_CACHE_MAX must be positive")
	}
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	if intValue, err := strconv.Atoi(value); err == nil {
		return intValue
	}

	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	if f, err := strconv.ParseFloat(value, 64); err == nil {
		return f
	}

	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	if b, err := strconv.ParseBool(value); err == nil {
		return b
	}

	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	// Try parsing as duration (e.g., "1h", "30m", "90s")
	if duration, err := time.ParseDuration(value); err == nil {
		return duration
	}

	// Plain integers are seconds
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}

	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for part := range strings.SplitSeq(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
