package http_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	httpapi "github.com/aussiebroadwan/gatehouse/internal/gatehouse/http"
	"github.com/aussiebroadwan/gatehouse/internal/gatehouse/store"
	"github.com/aussiebroadwan/gatehouse/pkg/admit"
	"github.com/aussiebroadwan/gatehouse/pkg/httpx"
	"github.com/aussiebroadwan/gatehouse/pkg/identcache"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	store.Store
	pingErr error
}

func (s fakeStore) Ping(context.Context) error { return s.pingErr }

func TestReadyz(t *testing.T) {
	tests := []struct {
		name     string
		pingErr  error
		idpErr   error
		status   int
		database string
		idp      string
	}{
		{"all ok", nil, nil, http.StatusOK, "ok", "ok"},
		{"database down", errors.New("disk I/O error"), nil, http.StatusServiceUnavailable, "error: disk I/O error", "ok"},
		{"no keys", nil, errors.New("no verification keys loaded"), http.StatusServiceUnavailable, "ok", "error: no verification keys loaded"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := httpapi.ReadyzHandler(time.Now(), "test", fakeStore{pingErr: tt.pingErr},
				func(context.Context) error { return tt.idpErr })

			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
			require.Equal(t, tt.status, rec.Code)

			var body httpapi.HealthResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			require.NotNil(t, body.Checks)
			require.Equal(t, tt.database, body.Checks.Database)
			require.Equal(t, tt.idp, body.Checks.IdentityProvider)
		})
	}
}

func TestLivez(t *testing.T) {
	rec := httptest.NewRecorder()
	httpapi.LivezHandler(time.Now(), "v-test").ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/livez", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body httpapi.HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "ok", body.Status)
	require.Equal(t, "v-test", body.Version)
	require.Nil(t, body.Checks)
}

func TestProxy(t *testing.T) {
	var seen http.Header
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Clone()
		w.WriteHeader(http.StatusAccepted)
	}))
	t.Cleanup(upstream.Close)

	target, err := url.Parse(upstream.URL)
	require.NoError(t, err)
	proxy := httpapi.NewProxy(target)

	t.Run("identity headers come from the context only", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/uploads", nil)
		req.Header.Set("X-Identity-Role", "admin")
		req.Header.Set("x-identity-tenant", "other")
		req = req.WithContext(httpx.ContextWithIdentity(req.Context(),
			identcache.Identity{ID: "u-7", Email: "u7@example.com"}))

		rec := httptest.NewRecorder()
		proxy.ServeHTTP(rec, req)

		require.Equal(t, http.StatusAccepted, rec.Code)
		require.Equal(t, "u-7", seen.Get(httpapi.HeaderIdentityID))
		require.Equal(t, "u7@example.com", seen.Get(httpapi.HeaderIdentityEmail))
		require.Empty(t, seen.Get(httpapi.HeaderIdentityRole))
		require.Empty(t, seen.Get("X-Identity-Tenant"))
		require.NotEmpty(t, seen.Get("X-Forwarded-For"))
	})

	t.Run("unreachable upstream is a bad gateway", func(t *testing.T) {
		down, err := url.Parse("http://127.0.0.1:1")
		require.NoError(t, err)

		rec := httptest.NewRecorder()
		httpapi.NewProxy(down).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

		require.Equal(t, http.StatusBadGateway, rec.Code)
		var body httpx.ErrorResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		require.Equal(t, httpx.CodeBadGateway, body.Code)
	})
}

func TestLimitersAll(t *testing.T) {
	general, err := admit.New(admit.Config{Name: "general", Window: time.Minute, Max: 1})
	require.NoError(t, err)

	all := httpapi.Limiters{General: general}.All()
	require.Len(t, all, 1)
	require.Same(t, general, all[0])
}
