package store

import (
	"context"
	"errors"
)

// RoleLookup adapts a Store to identcache.RoleStore. An identity without an
// assignment has the empty role, which no route accepts.
type RoleLookup struct {
	store Store
}

func NewRoleLookup(store Store) *RoleLookup {
	return &RoleLookup{store: store}
}

func (l *RoleLookup) LookupRole(ctx context.Context, identityID string) (string, error) {
	a, err := l.store.Roles().GetRole(ctx, identityID)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return a.Role, nil
}
