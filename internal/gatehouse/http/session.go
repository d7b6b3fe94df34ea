package http

import (
	"net/http"

	"github.com/aussiebroadwan/gatehouse/pkg/httpx"
	"github.com/aussiebroadwan/gatehouse/pkg/identcache"
)

// SessionResponse describes the caller as the gateway sees it.
type SessionResponse struct {
	Success  bool                `json:"success"`
	Identity identcache.Identity `json:"identity"`
}

// SessionHandler serves the caller's resolved identity and lets them drop
// their cached credential on sign-out.
type SessionHandler struct {
	Cache *identcache.Cache
}

// HandleGet godoc
//
//	@Summary		Current session
//	@Description	Returns the identity resolved from the bearer credential. X-Auth-Cache reports HIT, MISS or PENDING when diagnostics are enabled.
//	@Tags			Session
//	@Produce		json
//	@Security		BearerAuth
//	@Success		200	{object}	SessionResponse
//	@Failure		401	{object}	httpx.ErrorResponse	"missing_credential, invalid_credential, expired_credential"
//	@Failure		429	{object}	httpx.ErrorResponse	"rate_exceeded"
//	@Failure		503	{object}	httpx.ErrorResponse	"upstream_failure"
//	@Router			/v1/session [get].
func (h *SessionHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := httpx.IdentityFromContext(r.Context())
	if !ok {
		httpx.WriteError(w, identcache.ErrMissingCredential)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, SessionResponse{Success: true, Identity: id})
}

// HandleDelete godoc
//
//	@Summary		Sign out
//	@Description	Drops the cached identity for the presented credential so the next request is verified again.
//	@Tags			Session
//	@Security		BearerAuth
//	@Success		204
//	@Failure		401	{object}	httpx.ErrorResponse	"missing_credential, invalid_credential, expired_credential"
//	@Router			/v1/session [delete].
func (h *SessionHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	if token, ok := httpx.BearerToken(r); ok {
		h.Cache.Forget(token)
	}
	w.WriteHeader(http.StatusNoContent)
}
