package httpx

import (
	"context"
	"errors"
	"net/http"

	"github.com/aussiebroadwan/gatehouse/pkg/identcache"
	"github.com/aussiebroadwan/gatehouse/pkg/slogx"
)

// HeaderAuthzCache reports how the role lookup was served when cache
// diagnostics are enabled.
const HeaderAuthzCache = "X-Authz-Cache"

// RoleResolver is implemented by *identcache.Cache.
type RoleResolver interface {
	Role(ctx context.Context, identityID string) (string, identcache.Outcome, error)
}

// RequireRole lets the request through only if the authenticated caller holds
// one of the allowed roles. It must run after AuthnMiddleware.
func RequireRole(resolver RoleResolver, diagnostics bool, allowed ...string) Middleware {
	want := make(map[string]struct{}, len(allowed))
	for _, role := range allowed {
		want[role] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			log := slogx.FromContext(ctx)

			id, ok := IdentityFromContext(ctx)
			if !ok {
				WriteError(w, identcache.ErrMissingCredential)
				return
			}

			role, outcome, err := resolver.Role(ctx, id.ID)
			if diagnostics {
				w.Header().Set(HeaderAuthzCache, outcome.String())
			}
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				log.Error("role lookup failed", "err", err)
				WriteError(w, err)
				return
			}

			if _, ok := want[role]; !ok {
				log.Warn("insufficient authorization", "role", role, "path", r.URL.Path)
				WriteError(w, ErrInsufficientAuthorization)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
