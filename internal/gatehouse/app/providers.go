package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aussiebroadwan/gatehouse/pkg/identcache"
	"github.com/aussiebroadwan/gatehouse/pkg/idpclient"
	"github.com/aussiebroadwan/gatehouse/pkg/jwtx"
)

// IdentitySource is the configured identity provider plus what the rest of
// the application needs to operate it.
type IdentitySource struct {
	Provider identcache.Provider

	// Refresh reloads verification keys; nil in userinfo mode.
	Refresh func(ctx context.Context) error

	// Ready reports whether credentials can currently be verified.
	Ready func(ctx context.Context) error
}

// InitIdentitySource builds the provider for cfg.IDPMode.
//
// Modes:
//   - "jwks": tokens are verified locally with keys fetched from the
//     provider's JWKS endpoint and refreshed by the sweeper. A failed initial
//     fetch is logged and retried later; verification reports an upstream
//     failure until keys are loaded.
//   - "userinfo": every cache miss asks the provider's userinfo endpoint.
func InitIdentitySource(ctx context.Context, cfg Config, logger *slog.Logger) (IdentitySource, error) {
	client := idpclient.New(cfg.IDPBaseURL, idpclient.Options{
		Timeout:   cfg.IDPTimeout,
		RateLimit: cfg.IDPRateLimit,
		Burst:     cfg.IDPBurst,
	})

	switch cfg.IDPMode {
	case IDPModeUserInfo:
		logger.Info("identity provider initialized", "mode", cfg.IDPMode, "base_url", cfg.IDPBaseURL)
		return IdentitySource{
			Provider: client,
			Ready:    client.Ready,
		}, nil

	case IDPModeJWKS:
		keys := jwtx.NewKeySet()
		verifier := jwtx.NewVerifier(keys, jwtx.VerifyOptions{
			Issuer:   cfg.IDPIssuer,
			Audience: cfg.IDPAudience,
		})

		refresh := func(ctx context.Context) error {
			return client.RefreshKeySet(ctx, keys)
		}

		initCtx, cancel := context.WithTimeout(ctx, cfg.IDPTimeout)
		defer cancel()
		if err := refresh(initCtx); err != nil {
			logger.Warn("initial JWKS fetch failed, will retry", "error", err)
		} else {
			logger.Info("identity provider initialized",
				"mode", cfg.IDPMode,
				"base_url", cfg.IDPBaseURL,
				"num_keys", keys.Len(),
			)
		}

		return IdentitySource{
			Provider: jwtx.NewProvider(verifier),
			Refresh:  refresh,
			Ready: func(context.Context) error {
				if !keys.IsReady() {
					return errors.New("no verification keys loaded")
				}
				return nil
			},
		}, nil

	default:
		return IdentitySource{}, fmt.Errorf("unknown identity provider mode %q", cfg.IDPMode)
	}
}
