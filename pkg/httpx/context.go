package httpx

import (
	"context"

	"github.com/aussiebroadwan/gatehouse/pkg/identcache"
)

type ctxKey string

const (
	CtxKeyIdentity ctxKey = "identity"
)

// ContextWithIdentity stores the resolved caller in ctx.
func ContextWithIdentity(ctx context.Context, id identcache.Identity) context.Context {
	return context.WithValue(ctx, CtxKeyIdentity, id)
}

// IdentityFromContext returns the caller stored by the authentication
// middleware, if any.
func IdentityFromContext(ctx context.Context) (identcache.Identity, bool) {
	id, ok := ctx.Value(CtxKeyIdentity).(identcache.Identity)
	return id, ok && id.ID != ""
}
