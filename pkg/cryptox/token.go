// Package cryptox holds hashing helpers for credentials handled by the gateway.
package cryptox

import (
	"crypto/sha256"
	"encoding/base64"
)

// FingerprintToken returns a deterministic SHA-256 fingerprint of a token,
// base64url-encoded without padding (43 chars). Caches key entries by
// fingerprint so the original credential is never retained as a key.
func FingerprintToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
