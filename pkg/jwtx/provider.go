package jwtx

import (
	"context"
	"errors"
	"fmt"

	"github.com/aussiebroadwan/gatehouse/pkg/identcache"
	"github.com/golang-jwt/jwt/v5"
)

// Provider verifies bearer credentials locally as JWTs. It satisfies
// identcache.Provider.
type Provider struct {
	verifier *Verifier
}

func NewProvider(v *Verifier) *Provider {
	return &Provider{verifier: v}
}

// Verify maps JWT validation failures onto the identcache error taxonomy. An
// empty key set means keys were never fetched, which is an upstream problem
// rather than a bad credential.
func (p *Provider) Verify(_ context.Context, credential string) (identcache.Identity, error) {
	if !p.verifier.Keys().IsReady() {
		return identcache.Identity{}, fmt.Errorf("%w: no verification keys loaded", identcache.ErrUpstreamFailure)
	}

	claims, err := p.verifier.Verify(credential)
	switch {
	case err == nil:
		return identcache.Identity{ID: claims.Subject, Email: claims.Email, Role: claims.Role}, nil
	case errors.Is(err, jwt.ErrTokenExpired):
		return identcache.Identity{}, fmt.Errorf("%w: %w", identcache.ErrExpiredCredential, err)
	default:
		return identcache.Identity{}, fmt.Errorf("%w: %w", identcache.ErrInvalidCredential, err)
	}
}
