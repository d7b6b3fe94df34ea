package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/aussiebroadwan/gatehouse/internal/gatehouse/domain"
	"github.com/aussiebroadwan/gatehouse/internal/gatehouse/store"
	"github.com/aussiebroadwan/gatehouse/pkg/admit"
	"github.com/aussiebroadwan/gatehouse/pkg/httpx"
	"github.com/aussiebroadwan/gatehouse/pkg/identcache"
	"github.com/aussiebroadwan/gatehouse/pkg/slogx"
)

// CacheStatsResponse reports the identity cache counters.
type CacheStatsResponse struct {
	Success    bool             `json:"success"`
	TTLSeconds int              `json:"ttl_seconds"`
	Cache      identcache.Stats `json:"cache"`
}

// SuccessResponse acknowledges an admin action with no payload.
type SuccessResponse struct {
	Success bool `json:"success"`
}

// RateStatsResponse reports admission counters from the configured sink.
type RateStatsResponse struct {
	Success  bool                    `json:"success"`
	Stats    admit.Snapshot          `json:"stats"`
	Limiters map[string]LimiterState `json:"limiters"`
}

// LimiterState describes one admission limiter.
type LimiterState struct {
	Max            int    `json:"max"`
	WindowSeconds  int    `json:"window_seconds"`
	Keys           int    `json:"keys"`
	SkipSuccessful bool   `json:"skip_successful,omitempty"`
	SkipFailed     bool   `json:"skip_failed,omitempty"`
}

// RateResetResponse names the limiters whose counters were dropped.
type RateResetResponse struct {
	Success  bool     `json:"success"`
	Limiters []string `json:"limiters"`
}

// RoleAssignmentRequest is the body of PUT /v1/admin/roles/{identity}.
type RoleAssignmentRequest struct {
	Role string `json:"role"`
}

// RoleAssignmentResponse describes one stored role assignment.
type RoleAssignmentResponse struct {
	IdentityID string `json:"identity_id"`
	Role       string `json:"role"`
}

// RoleListResponse lists every stored role assignment.
type RoleListResponse struct {
	Success bool                     `json:"success"`
	Roles   []RoleAssignmentResponse `json:"roles"`
}

// AdminHandler serves the operator endpoints. Every route is guarded by
// RequireRole in the router.
type AdminHandler struct {
	Cache    *identcache.Cache
	Store    store.Store
	Limiters []*admit.Limiter
	Stats    admit.StatsSink
}

// HandleCacheStats godoc
//
//	@Summary		Identity cache statistics
//	@Description	Size, hits, misses, hit rate, pending lookups, coalesced waits and evictions of the identity cache.
//	@Tags			Admin
//	@Produce		json
//	@Security		BearerAuth
//	@Success		200	{object}	CacheStatsResponse
//	@Failure		401	{object}	httpx.ErrorResponse
//	@Failure		403	{object}	httpx.ErrorResponse	"insufficient_authorization"
//	@Router			/v1/admin/cache/stats [get].
func (h *AdminHandler) HandleCacheStats(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, CacheStatsResponse{
		Success:    true,
		TTLSeconds: int(h.Cache.TTL().Seconds()),
		Cache:      h.Cache.Stats(),
	})
}

// HandleCacheClear godoc
//
//	@Summary		Clear the identity cache
//	@Description	Drops every cached identity and role and resets the counters. Lookups in flight complete for their callers but are not stored.
//	@Tags			Admin
//	@Produce		json
//	@Security		BearerAuth
//	@Success		200	{object}	SuccessResponse
//	@Failure		401	{object}	httpx.ErrorResponse
//	@Failure		403	{object}	httpx.ErrorResponse	"insufficient_authorization"
//	@Router			/v1/admin/cache/clear [post].
func (h *AdminHandler) HandleCacheClear(w http.ResponseWriter, r *http.Request) {
	h.Cache.Clear()
	slogx.FromContext(r.Context()).Info("identity cache cleared")
	httpx.WriteJSON(w, http.StatusOK, SuccessResponse{Success: true})
}

// HandleRateStats godoc
//
//	@Summary		Admission statistics
//	@Description	Allowed and denied counts per limiter and route, plus the live key count of each limiter.
//	@Tags			Admin
//	@Produce		json
//	@Security		BearerAuth
//	@Success		200	{object}	RateStatsResponse
//	@Failure		401	{object}	httpx.ErrorResponse
//	@Failure		403	{object}	httpx.ErrorResponse	"insufficient_authorization"
//	@Failure		500	{object}	httpx.ErrorResponse
//	@Router			/v1/admin/ratelimit/stats [get].
func (h *AdminHandler) HandleRateStats(w http.ResponseWriter, r *http.Request) {
	resp := RateStatsResponse{
		Success:  true,
		Limiters: make(map[string]LimiterState, len(h.Limiters)),
	}

	if reader, ok := h.Stats.(admit.StatsReader); ok {
		snap, err := reader.Snapshot(r.Context())
		if err != nil {
			slogx.FromContext(r.Context()).Error("reading admission stats failed", "error", err)
			httpx.WriteError(w, err)
			return
		}
		resp.Stats = snap
	}

	for _, l := range h.Limiters {
		cfg := l.Config()
		resp.Limiters[cfg.Name] = LimiterState{
			Max:            cfg.Max,
			WindowSeconds:  int(cfg.Window.Seconds()),
			Keys:           l.Len(),
			SkipSuccessful: cfg.SkipSuccessful,
			SkipFailed:     cfg.SkipFailed,
		}
	}

	httpx.WriteJSON(w, http.StatusOK, resp)
}

// HandleRateReset godoc
//
//	@Summary		Reset admission counters
//	@Description	Forgets every window counter of one limiter, or of all limiters when no name is given. Callers that were rejected are admitted again immediately.
//	@Tags			Admin
//	@Produce		json
//	@Security		BearerAuth
//	@Param			limiter	query		string	false	"Limiter name, e.g. auth"
//	@Success		200		{object}	RateResetResponse
//	@Failure		401		{object}	httpx.ErrorResponse
//	@Failure		403		{object}	httpx.ErrorResponse	"insufficient_authorization"
//	@Failure		404		{object}	httpx.ErrorResponse	"not_found"
//	@Router			/v1/admin/ratelimit/reset [post].
func (h *AdminHandler) HandleRateReset(w http.ResponseWriter, r *http.Request) {
	name := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("limiter")))

	resp := RateResetResponse{Success: true, Limiters: []string{}}
	for _, l := range h.Limiters {
		if name != "" && l.Config().Name != name {
			continue
		}
		l.Reset()
		resp.Limiters = append(resp.Limiters, l.Config().Name)
	}

	if len(resp.Limiters) == 0 && name != "" {
		httpx.WriteClientError(w, http.StatusNotFound, httpx.CodeNotFound, "Unknown limiter.")
		return
	}

	slogx.FromContext(r.Context()).Info("admission counters reset", "limiters", resp.Limiters)
	httpx.WriteJSON(w, http.StatusOK, resp)
}

// HandleListRoles godoc
//
//	@Summary		List role assignments
//	@Tags			Admin
//	@Produce		json
//	@Security		BearerAuth
//	@Success		200	{object}	RoleListResponse
//	@Failure		401	{object}	httpx.ErrorResponse
//	@Failure		403	{object}	httpx.ErrorResponse	"insufficient_authorization"
//	@Router			/v1/admin/roles [get].
func (h *AdminHandler) HandleListRoles(w http.ResponseWriter, r *http.Request) {
	all, err := h.Store.Roles().ListRoles(r.Context())
	if err != nil {
		slogx.FromContext(r.Context()).Error("listing roles failed", "error", err)
		httpx.WriteError(w, err)
		return
	}

	resp := RoleListResponse{Success: true, Roles: make([]RoleAssignmentResponse, len(all))}
	for i, a := range all {
		resp.Roles[i] = RoleAssignmentResponse{IdentityID: a.IdentityID, Role: a.Role}
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

// HandleAssignRole godoc
//
//	@Summary		Assign a role
//	@Description	Creates or replaces the identity's role. The cached role is dropped so the change applies on the next request.
//	@Tags			Admin
//	@Accept			json
//	@Produce		json
//	@Security		BearerAuth
//	@Param			identity	path		string					true	"Identity ID"
//	@Param			body		body		RoleAssignmentRequest	true	"Role"
//	@Success		200			{object}	RoleAssignmentResponse
//	@Failure		400			{object}	httpx.ErrorResponse	"invalid_request"
//	@Failure		401			{object}	httpx.ErrorResponse
//	@Failure		403			{object}	httpx.ErrorResponse	"insufficient_authorization"
//	@Router			/v1/admin/roles/{identity} [put].
func (h *AdminHandler) HandleAssignRole(w http.ResponseWriter, r *http.Request) {
	identityID := r.PathValue("identity")

	var req RoleAssignmentRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<10)).Decode(&req); err != nil {
		httpx.WriteClientError(w, http.StatusBadRequest, httpx.CodeInvalidRequest, "Request body must be JSON with a role.")
		return
	}
	req.Role = strings.TrimSpace(req.Role)
	if identityID == "" || req.Role == "" {
		httpx.WriteClientError(w, http.StatusBadRequest, httpx.CodeInvalidRequest, "Identity and role are required.")
		return
	}

	err := h.Store.Roles().AssignRole(r.Context(), domain.RoleAssignment{IdentityID: identityID, Role: req.Role})
	if err != nil {
		slogx.FromContext(r.Context()).Error("assigning role failed", "identity", identityID, "error", err)
		httpx.WriteError(w, err)
		return
	}
	h.Cache.ForgetRole(identityID)

	slogx.FromContext(r.Context()).Info("role assigned", "identity", identityID, "role", req.Role)
	httpx.WriteJSON(w, http.StatusOK, RoleAssignmentResponse{IdentityID: identityID, Role: req.Role})
}

// HandleRevokeRole godoc
//
//	@Summary		Revoke a role
//	@Tags			Admin
//	@Security		BearerAuth
//	@Param			identity	path	string	true	"Identity ID"
//	@Success		204
//	@Failure		401	{object}	httpx.ErrorResponse
//	@Failure		403	{object}	httpx.ErrorResponse	"insufficient_authorization"
//	@Failure		404	{object}	httpx.ErrorResponse	"not_found"
//	@Router			/v1/admin/roles/{identity} [delete].
func (h *AdminHandler) HandleRevokeRole(w http.ResponseWriter, r *http.Request) {
	identityID := r.PathValue("identity")

	err := h.Store.Roles().RevokeRole(r.Context(), identityID)
	if errors.Is(err, store.ErrNotFound) {
		httpx.WriteClientError(w, http.StatusNotFound, httpx.CodeNotFound, "No role is assigned to this identity.")
		return
	}
	if err != nil {
		slogx.FromContext(r.Context()).Error("revoking role failed", "identity", identityID, "error", err)
		httpx.WriteError(w, err)
		return
	}
	h.Cache.ForgetRole(identityID)

	slogx.FromContext(r.Context()).Info("role revoked", "identity", identityID)
	w.WriteHeader(http.StatusNoContent)
}
