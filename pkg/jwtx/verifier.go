package jwtx

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// VerifyOptions captures the expectations a token must meet.
type VerifyOptions struct {
	// Issuer the token must have (claims.iss). Empty means "don't care".
	Issuer string

	// Audience values of which the token must contain at least one
	// (claims.aud). Empty means "don't care".
	Audience []string

	// Leeway allows small clock skew when validating exp/nbf/iat.
	Leeway time.Duration

	// Now is the clock; defaults to time.Now.
	Now func() time.Time
}

var (
	ErrUnknownKID = errors.New("jwtx: unknown kid")
	ErrKeyType    = errors.New("jwtx: key does not match algorithm")
	ErrIssuer     = errors.New("jwtx: issuer mismatch")
	ErrAudience   = errors.New("jwtx: audience mismatch")
	ErrNoSubject  = errors.New("jwtx: token has no subject")
)

// Verifier validates JWTs signed with EdDSA, RS256 or ES256 against a KeySet.
// The key is selected by the "kid" header and must match the token's alg.
type Verifier struct {
	keys   *KeySet
	opts   VerifyOptions
	parser *jwt.Parser
}

// NewVerifier creates a Verifier reading keys from keys.
func NewVerifier(keys *KeySet, opts VerifyOptions) *Verifier {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{
			jwt.SigningMethodEdDSA.Alg(),
			jwt.SigningMethodRS256.Alg(),
			jwt.SigningMethodES256.Alg(),
		}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(opts.Leeway),
		jwt.WithTimeFunc(opts.Now),
	)
	return &Verifier{keys: keys, opts: opts, parser: parser}
}

// Keys returns the KeySet the verifier reads from.
func (v *Verifier) Keys() *KeySet { return v.keys }

// Verify validates the JWT string and returns its parsed Claims.
func (v *Verifier) Verify(tokenStr string) (*Claims, error) {
	token, err := v.parser.ParseWithClaims(tokenStr, &Claims{}, v.keyFunc)
	if err != nil {
		return nil, fmt.Errorf("jwtx: parse or verify: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("jwtx: invalid token claims")
	}

	if v.opts.Issuer != "" && claims.Issuer != v.opts.Issuer {
		return nil, ErrIssuer
	}
	if len(v.opts.Audience) > 0 && !slices.ContainsFunc(v.opts.Audience, func(want string) bool {
		return slices.Contains(claims.Audience, want)
	}) {
		return nil, ErrAudience
	}
	if claims.Subject == "" {
		return nil, ErrNoSubject
	}

	return claims, nil
}

func (v *Verifier) keyFunc(t *jwt.Token) (any, error) {
	// Need the kid to know which key to use
	kid, _ := t.Header["kid"].(string)
	if kid == "" {
		return nil, fmt.Errorf("%w: missing kid", ErrUnknownKID)
	}

	pub, err := v.keys.Get(kid)
	if err != nil {
		return nil, fmt.Errorf("%w %q", ErrUnknownKID, kid)
	}

	// Make sure the key is the kind the alg header claims
	switch t.Method.Alg() {
	case jwt.SigningMethodEdDSA.Alg():
		if k, ok := pub.(ed25519.PublicKey); ok {
			return k, nil
		}
	case jwt.SigningMethodRS256.Alg():
		if k, ok := pub.(*rsa.PublicKey); ok {
			return k, nil
		}
	case jwt.SigningMethodES256.Alg():
		if k, ok := pub.(*ecdsa.PublicKey); ok {
			return k, nil
		}
	}
	return nil, ErrKeyType
}
