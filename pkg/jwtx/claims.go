package jwtx

import (
	"github.com/golang-jwt/jwt/v5"
)

// Claims are the access-token claims gatehouse understands. Unknown claims
// are ignored.
type Claims struct {
	jwt.RegisteredClaims

	Email string `json:"email,omitempty"`

	// Role is advisory. Authorization decisions use the role store.
	Role string `json:"role,omitempty"`
}
