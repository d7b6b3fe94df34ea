package idpclient

import (
	"context"
	"net/http"

	"github.com/aussiebroadwan/gatehouse/pkg/jwtx"
)

// GetJWKS retrieves the provider's JSON Web Key Set for local token
// verification.
func (c *Client) GetJWKS(ctx context.Context) (jwtx.JWKS, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, PathJWKS, nil)
	if err != nil {
		return jwtx.JWKS{}, err
	}

	var jwks jwtx.JWKS
	if err := decodeJSON(resp, &jwks); err != nil {
		return jwtx.JWKS{}, err
	}
	return jwks, nil
}

// RefreshKeySet fetches the JWKS and replaces the keys in ks.
func (c *Client) RefreshKeySet(ctx context.Context, ks *jwtx.KeySet) error {
	jwks, err := c.GetJWKS(ctx)
	if err != nil {
		return err
	}
	return ks.ResetFromJWKS(jwks)
}
