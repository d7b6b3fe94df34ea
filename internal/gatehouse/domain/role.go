package domain

import "time"

// RoleAssignment binds an identity to the role checked by the admin routes.
type RoleAssignment struct {
	IdentityID string
	Role       string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
