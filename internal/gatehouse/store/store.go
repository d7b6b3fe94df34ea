package store

import (
	"context"
	"errors"

	"github.com/aussiebroadwan/gatehouse/internal/gatehouse/domain"
)

var ErrNotFound = errors.New("store: not found")

// Store is the root data access interface. Concrete drivers implement this and
// expose sub-repositories so new tables do not widen the root.
type Store interface {
	Roles() Roles

	ApplyMigrations() error

	// Close releases any underlying resources.
	Close() error

	// Ping verifies the database connection is still alive.
	Ping(ctx context.Context) error
}

type Roles interface {
	// GetRole returns the assignment for an identity, or ErrNotFound.
	GetRole(ctx context.Context, identityID string) (domain.RoleAssignment, error)

	// ListRoles returns every assignment ordered by identity.
	ListRoles(ctx context.Context) ([]domain.RoleAssignment, error)

	// AssignRole creates or replaces the assignment and bumps updated_at.
	AssignRole(ctx context.Context, a domain.RoleAssignment) error

	// RevokeRole removes the assignment. Returns ErrNotFound if there was none.
	RevokeRole(ctx context.Context, identityID string) error
}
