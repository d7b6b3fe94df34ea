package http

import (
	"context"
	"errors"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/aussiebroadwan/gatehouse/pkg/httpx"
	"github.com/aussiebroadwan/gatehouse/pkg/slogx"
	"github.com/hashicorp/go-cleanhttp"
)

// Headers set on forwarded requests for an authenticated caller. Any
// client-supplied header with the same prefix is removed first.
const (
	identityHeaderPrefix = "X-Identity-"
	HeaderIdentityID     = "X-Identity-Id"
	HeaderIdentityEmail  = "X-Identity-Email"
	HeaderIdentityRole   = "X-Identity-Role"
)

// NewProxy forwards admitted requests to target. The upstream trusts the
// X-Identity-* headers, so they only ever carry what the gateway resolved.
func NewProxy(target *url.URL) *httputil.ReverseProxy {
	return &httputil.ReverseProxy{
		Transport: cleanhttp.DefaultPooledTransport(),
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()

			for name := range pr.Out.Header {
				if strings.HasPrefix(http.CanonicalHeaderKey(name), identityHeaderPrefix) {
					pr.Out.Header.Del(name)
				}
			}

			ctx := pr.In.Context()
			if id, ok := httpx.IdentityFromContext(ctx); ok {
				pr.Out.Header.Set(HeaderIdentityID, id.ID)
				if id.Email != "" {
					pr.Out.Header.Set(HeaderIdentityEmail, id.Email)
				}
				if id.Role != "" {
					pr.Out.Header.Set(HeaderIdentityRole, id.Role)
				}
			}
			if reqID := slogx.RequestID(ctx); reqID != "" {
				pr.Out.Header.Set(slogx.HeaderRequestID, reqID)
			}
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			if errors.Is(err, context.Canceled) {
				return
			}
			slogx.FromContext(r.Context()).Error("upstream request failed", "error", err)
			httpx.WriteClientError(w, http.StatusBadGateway, httpx.CodeBadGateway, "Upstream service is unavailable.")
		},
	}
}
