package httpx

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/aussiebroadwan/gatehouse/pkg/identcache"
	"github.com/aussiebroadwan/gatehouse/pkg/slogx"
)

// HeaderAuthCache reports how the identity lookup was served when cache
// diagnostics are enabled.
const HeaderAuthCache = "X-Auth-Cache"

// IdentityResolver is implemented by *identcache.Cache.
type IdentityResolver interface {
	Resolve(ctx context.Context, credential string) (identcache.Identity, identcache.Outcome, error)
}

// AuthnMiddleware requires a bearer credential, resolves it and stores the
// identity in the request context.
func AuthnMiddleware(resolver IdentityResolver, diagnostics bool) Middleware {
	return authn(resolver, diagnostics, false)
}

// OptionalAuthnMiddleware resolves a bearer credential when one is sent and
// lets anonymous requests through. A credential that is sent but rejected is
// still an error.
func OptionalAuthnMiddleware(resolver IdentityResolver, diagnostics bool) Middleware {
	return authn(resolver, diagnostics, true)
}

func authn(resolver IdentityResolver, diagnostics, optional bool) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			log := slogx.FromContext(ctx)

			raw, ok := BearerToken(r)
			if !ok && optional {
				next.ServeHTTP(w, r)
				return
			}

			id, outcome, err := resolver.Resolve(ctx, raw)
			if diagnostics && raw != "" {
				w.Header().Set(HeaderAuthCache, outcome.String())
			}
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				if errors.Is(err, identcache.ErrUpstreamFailure) || errors.Is(err, context.DeadlineExceeded) {
					log.Error("identity resolution failed", "err", err, "cache", outcome.String())
				} else {
					log.Debug("credential rejected", "err", err)
				}
				WriteError(w, err)
				return
			}

			ctx = ContextWithIdentity(ctx, id)
			ctx = slogx.WithContext(ctx, log.With("identity_id", id.ID))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// BearerToken extracts the credential from an "Authorization: Bearer" header.
// The scheme is matched case-insensitively.
func BearerToken(r *http.Request) (string, bool) {
	authz := r.Header.Get("Authorization")
	scheme, token, found := strings.Cut(authz, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
