package idpclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/aussiebroadwan/gatehouse/pkg/identcache"
)

// UserInfo is the provider's description of the bearer of a credential.
type UserInfo struct {
	Sub   string `json:"sub"`
	Email string `json:"email"`
	Role  string `json:"role,omitempty"`
}

// GetUserInfo asks the provider who owns credential.
func (c *Client) GetUserInfo(ctx context.Context, credential string) (*UserInfo, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, PathUserInfo, map[string]string{
		"Authorization": "Bearer " + credential,
	})
	if err != nil {
		return nil, err
	}

	var info UserInfo
	if err := decodeJSON(resp, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Verify implements identcache.Provider on top of the userinfo endpoint.
func (c *Client) Verify(ctx context.Context, credential string) (identcache.Identity, error) {
	info, err := c.GetUserInfo(ctx, credential)
	if err != nil {
		return identcache.Identity{}, classify(err)
	}
	if info.Sub == "" {
		return identcache.Identity{}, fmt.Errorf("%w: userinfo without subject", identcache.ErrUpstreamFailure)
	}
	return identcache.Identity{ID: info.Sub, Email: info.Email, Role: info.Role}, nil
}

// classify maps provider answers onto the identcache taxonomy. Only an
// explicit 401/403 blames the credential; everything else is upstream.
func classify(err error) error {
	var se *StatusError
	if errors.As(err, &se) && se.Unauthorized() {
		if se.Code == "expired_token" || strings.Contains(strings.ToLower(se.Description), "expired") {
			return fmt.Errorf("%w: %w", identcache.ErrExpiredCredential, err)
		}
		return fmt.Errorf("%w: %w", identcache.ErrInvalidCredential, err)
	}
	return fmt.Errorf("%w: %w", identcache.ErrUpstreamFailure, err)
}
