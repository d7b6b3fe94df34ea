package httpx

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/aussiebroadwan/gatehouse/pkg/admit"
	"github.com/aussiebroadwan/gatehouse/pkg/identcache"
)

// Error codes returned in the "code" field of every rejection body.
const (
	CodeMissingCredential         = "missing_credential"
	CodeInvalidCredential         = "invalid_credential"
	CodeExpiredCredential         = "expired_credential"
	CodeUpstreamFailure           = "upstream_failure"
	CodeRateExceeded              = "rate_exceeded"
	CodeInsufficientAuthorization = "insufficient_authorization"
	CodeInternal                  = "internal_error"
	CodeInvalidRequest            = "invalid_request"
	CodeNotFound                  = "not_found"
	CodeBadGateway                = "bad_gateway"
)

// ErrInsufficientAuthorization is returned when the caller's role is not
// allowed on a route.
var ErrInsufficientAuthorization = errors.New("httpx: insufficient authorization")

// ErrorResponse is the JSON body of every rejection.
type ErrorResponse struct {
	Success    bool   `json:"success"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

// WriteError translates err into a status code and an ErrorResponse. Only the
// taxonomy code and a fixed message reach the client.
func WriteError(w http.ResponseWriter, err error) {
	var rejected *admit.RejectedError

	switch {
	case errors.As(err, &rejected):
		w.Header().Set("Retry-After", strconv.Itoa(rejected.RetryAfter))
		WriteJSON(w, http.StatusTooManyRequests, ErrorResponse{
			Code:       CodeRateExceeded,
			Message:    "Too many requests. Please try again later.",
			RetryAfter: rejected.RetryAfter,
		})

	case errors.Is(err, identcache.ErrMissingCredential):
		w.Header().Set("WWW-Authenticate", `Bearer`)
		WriteJSON(w, http.StatusUnauthorized, ErrorResponse{
			Code:    CodeMissingCredential,
			Message: "Authentication required.",
		})

	case errors.Is(err, identcache.ErrExpiredCredential):
		writeBearerError(w, "token expired")
		WriteJSON(w, http.StatusUnauthorized, ErrorResponse{
			Code:    CodeExpiredCredential,
			Message: "Credential has expired.",
		})

	case errors.Is(err, identcache.ErrInvalidCredential):
		writeBearerError(w, "token verification failed")
		WriteJSON(w, http.StatusUnauthorized, ErrorResponse{
			Code:    CodeInvalidCredential,
			Message: "Credential is not valid.",
		})

	// A lookup that outlived the request deadline is an unavailable provider
	// from the caller's point of view.
	case errors.Is(err, identcache.ErrUpstreamFailure), errors.Is(err, context.DeadlineExceeded):
		WriteJSON(w, http.StatusServiceUnavailable, ErrorResponse{
			Code:    CodeUpstreamFailure,
			Message: "Identity service is unavailable.",
		})

	case errors.Is(err, ErrInsufficientAuthorization):
		WriteJSON(w, http.StatusForbidden, ErrorResponse{
			Code:    CodeInsufficientAuthorization,
			Message: "Insufficient permissions.",
		})

	default:
		WriteJSON(w, http.StatusInternalServerError, ErrorResponse{
			Code:    CodeInternal,
			Message: "Internal server error.",
		})
	}
}

// WriteClientError writes a caller mistake that is outside the admission
// taxonomy, such as a malformed admin request body.
func WriteClientError(w http.ResponseWriter, status int, code, message string) {
	WriteJSON(w, status, ErrorResponse{Code: code, Message: message})
}

// RFC 6750-compliant challenge for bearer auth.
func writeBearerError(w http.ResponseWriter, desc string) {
	w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token", error_description="`+desc+`"`)
}
