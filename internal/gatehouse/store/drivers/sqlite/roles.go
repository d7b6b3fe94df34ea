package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/aussiebroadwan/gatehouse/internal/gatehouse/domain"
	"github.com/aussiebroadwan/gatehouse/internal/gatehouse/store"
)

const (
	getRole = `SELECT identity_id, role, created_at, updated_at
FROM role_assignments WHERE identity_id = ?`

	listRoles = `SELECT identity_id, role, created_at, updated_at
FROM role_assignments ORDER BY identity_id`

	assignRole = `INSERT INTO role_assignments (identity_id, role) VALUES (?, ?)
ON CONFLICT (identity_id) DO UPDATE SET role = excluded.role, updated_at = CURRENT_TIMESTAMP`

	revokeRole = `DELETE FROM role_assignments WHERE identity_id = ?`
)

type rolesRepo struct {
	db *sql.DB
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRole(row scanner) (domain.RoleAssignment, error) {
	var a domain.RoleAssignment
	err := row.Scan(&a.IdentityID, &a.Role, &a.CreatedAt, &a.UpdatedAt)
	return a, err
}

func (r *rolesRepo) GetRole(ctx context.Context, identityID string) (domain.RoleAssignment, error) {
	a, err := scanRole(r.db.QueryRowContext(ctx, getRole, identityID))
	if err != nil {
		return domain.RoleAssignment{}, mapNotFound(err)
	}
	return a, nil
}

func (r *rolesRepo) ListRoles(ctx context.Context) ([]domain.RoleAssignment, error) {
	rows, err := r.db.QueryContext(ctx, listRoles)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.RoleAssignment
	for rows.Next() {
		a, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *rolesRepo) AssignRole(ctx context.Context, a domain.RoleAssignment) error {
	if a.IdentityID == "" || a.Role == "" {
		return fmt.Errorf("sqlite: assign role: identity and role are required")
	}
	_, err := r.db.ExecContext(ctx, assignRole, a.IdentityID, a.Role)
	return err
}

func (r *rolesRepo) RevokeRole(ctx context.Context, identityID string) error {
	res, err := r.db.ExecContext(ctx, revokeRole, identityID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}
