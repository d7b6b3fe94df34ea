// Package identcache resolves bearer credentials to verified identities and
// identities to authorization roles, caching both in memory for a fixed TTL
// and collapsing concurrent lookups for the same key into a single upstream
// call.
package identcache

import (
	"context"
	"errors"
)

// Identity is the verified caller returned by the identity provider.
type Identity struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Role  string `json:"role,omitempty"`
}

// Provider turns a bearer credential into a verified Identity.
//
// Implementations should return ErrInvalidCredential or ErrExpiredCredential
// (possibly wrapped) when the credential itself is at fault. Any other error is
// treated as an upstream failure.
type Provider interface {
	Verify(ctx context.Context, credential string) (Identity, error)
}

// ProviderFunc adapts a function to the Provider interface.
type ProviderFunc func(ctx context.Context, credential string) (Identity, error)

func (f ProviderFunc) Verify(ctx context.Context, credential string) (Identity, error) {
	return f(ctx, credential)
}

// RoleStore looks up the authorization role for an already resolved identity.
type RoleStore interface {
	LookupRole(ctx context.Context, identityID string) (string, error)
}

// RoleStoreFunc adapts a function to the RoleStore interface.
type RoleStoreFunc func(ctx context.Context, identityID string) (string, error)

func (f RoleStoreFunc) LookupRole(ctx context.Context, identityID string) (string, error) {
	return f(ctx, identityID)
}

var (
	ErrMissingCredential = errors.New("identcache: missing credential")
	ErrInvalidCredential = errors.New("identcache: invalid credential")
	ErrExpiredCredential = errors.New("identcache: expired credential")
	ErrUpstreamFailure   = errors.New("identcache: upstream failure")
)

// classify makes sure every error leaving the cache belongs to the taxonomy.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrInvalidCredential),
		errors.Is(err, ErrExpiredCredential),
		errors.Is(err, ErrUpstreamFailure):
		return err
	default:
		return errors.Join(ErrUpstreamFailure, err)
	}
}
