// Package idpclient is an HTTP client for the remote identity provider. It
// verifies bearer credentials through the provider's userinfo endpoint and
// fetches its JSON Web Key Set.
package idpclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"golang.org/x/time/rate"
)

const (
	PathUserInfo = "/v1/userinfo"
	PathJWKS     = "/.well-known/jwks.json"
	PathReadyz   = "/readyz"
)

// maxBodyBytes bounds how much of a provider response is read.
const maxBodyBytes = 1 << 20

// Options configures a Client.
type Options struct {
	// Timeout bounds every request; zero keeps the pooled client's default.
	Timeout time.Duration

	// RateLimit caps outbound requests per second; zero disables the limiter.
	RateLimit float64
	Burst     int
}

// Client talks to the identity provider.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client

	// Limiter throttles outbound calls so a burst of cache misses cannot
	// overwhelm the provider. Nil means unlimited.
	Limiter *rate.Limiter
}

// New creates a Client using a pooled transport.
func New(baseURL string, opts Options) *Client {
	hc := cleanhttp.DefaultPooledClient()
	if opts.Timeout > 0 {
		hc.Timeout = opts.Timeout
	}

	c := &Client{
		BaseURL:    strings.TrimSuffix(baseURL, "/"),
		HTTPClient: hc,
	}
	if opts.RateLimit > 0 {
		burst := max(opts.Burst, 1)
		c.Limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	return c
}

// url builds a complete URL by appending the path to the base URL.
func (c *Client) url(path string) string {
	return c.BaseURL + path
}

// doRequest performs an HTTP request, waiting on the outbound limiter first.
func (c *Client) doRequest(
	ctx context.Context,
	method, path string,
	headers map[string]string,
) (*http.Response, error) {
	if c.Limiter != nil {
		if err := c.Limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("idpclient: rate limiter: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.url(path), nil)
	if err != nil {
		return nil, fmt.Errorf("idpclient: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("idpclient: send request: %w", err)
	}
	return resp, nil
}

// decodeJSON decodes a successful response into target, or returns a
// *StatusError for any other status.
func decodeJSON(resp *http.Response, target any) error {
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("idpclient: read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return newStatusError(resp, body)
	}

	if err := json.Unmarshal(body, target); err != nil {
		return fmt.Errorf("idpclient: decode response: %w", err)
	}
	return nil
}

// Ready reports whether the provider answers its readiness probe.
func (c *Client) Ready(ctx context.Context) error {
	resp, err := c.doRequest(ctx, http.MethodGet, PathReadyz, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("idpclient: provider not ready: status %d", resp.StatusCode)
	}
	return nil
}
