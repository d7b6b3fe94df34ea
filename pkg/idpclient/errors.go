package idpclient

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// ErrorResponse is the OAuth2-style error body returned by the provider.
type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// StatusError is a non-200 answer from the provider.
type StatusError struct {
	StatusCode  int
	Code        string
	Description string
}

func (e *StatusError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("idpclient: unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("idpclient: status %d: %s: %s", e.StatusCode, e.Code, e.Description)
}

// Unauthorized reports whether the provider rejected the credential itself.
func (e *StatusError) Unauthorized() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

func newStatusError(resp *http.Response, body []byte) *StatusError {
	se := &StatusError{StatusCode: resp.StatusCode}
	var er ErrorResponse
	if err := json.Unmarshal(body, &er); err == nil {
		se.Code = er.Error
		se.Description = er.ErrorDescription
	}
	return se
}
