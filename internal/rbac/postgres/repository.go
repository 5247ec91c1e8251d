// Package postgres persists roles, the permission catalog and assignments in PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-access/internal/platform/db"
	"github.com/odyssey-erp/odyssey-access/internal/rbac"
)

const (
	uniqueViolation     = "23505"
	foreignKeyViolation = "23503"
	roleNameConstraint  = "uq_roles_name"
	userRoleConstraint  = "fk_user_roles_role"
)

// Repository implements the rbac role, permission and assignment ports.
type Repository struct {
	pool *pgxpool.Pool
}

var (
	_ rbac.RoleRepository       = (*Repository)(nil)
	_ rbac.PermissionRepository = (*Repository)(nil)
	_ rbac.AssignmentRepository = (*Repository)(nil)
)

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ListRoles returns all roles ordered by id.
func (r *Repository) ListRoles(ctx context.Context) ([]rbac.Role, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, name, description, protected, created_at, updated_at FROM roles ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []rbac.Role
	for rows.Next() {
		var role rbac.Role
		if err := rows.Scan(&role.ID, &role.Name, &role.Description, &role.Protected, &role.CreatedAt, &role.UpdatedAt); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return roles, nil
}

// LoadRole returns a single role.
func (r *Repository) LoadRole(ctx context.Context, id int64) (rbac.Role, error) {
	var role rbac.Role
	err := r.pool.QueryRow(ctx, `SELECT id, name, description, protected, created_at, updated_at FROM roles WHERE id = $1`, id).
		Scan(&role.ID, &role.Name, &role.Description, &role.Protected, &role.CreatedAt, &role.UpdatedAt)
	if err != nil {
		return rbac.Role{}, mapError(err)
	}
	return role, nil
}

// SaveRole inserts the role when ID is zero and updates name and description otherwise.
func (r *Repository) SaveRole(ctx context.Context, role rbac.Role) (rbac.Role, error) {
	var saved rbac.Role
	var err error
	if role.ID == 0 {
		err = r.pool.QueryRow(ctx, `
			INSERT INTO roles (name, description, protected, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id, name, description, protected, created_at, updated_at`,
			role.Name, role.Description, role.Protected, role.CreatedAt, role.UpdatedAt).
			Scan(&saved.ID, &saved.Name, &saved.Description, &saved.Protected, &saved.CreatedAt, &saved.UpdatedAt)
	} else {
		err = r.pool.QueryRow(ctx, `
			UPDATE roles SET name = $2, description = $3, updated_at = $4
			WHERE id = $1
			RETURNING id, name, description, protected, created_at, updated_at`,
			role.ID, role.Name, role.Description, role.UpdatedAt).
			Scan(&saved.ID, &saved.Name, &saved.Description, &saved.Protected, &saved.CreatedAt, &saved.UpdatedAt)
	}
	if err != nil {
		return rbac.Role{}, mapError(err)
	}
	return saved, nil
}

// DeleteRolePermanently removes the role and its permission set.
func (r *Repository) DeleteRolePermanently(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM roles WHERE id = $1`, id)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %d", rbac.ErrRoleNotFound, id)
	}
	return nil
}

// ListPermissions returns the provisioned catalog.
func (r *Repository) ListPermissions(ctx context.Context) ([]rbac.Permission, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, name, description FROM permissions ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var perms []rbac.Permission
	for rows.Next() {
		var perm rbac.Permission
		if err := rows.Scan(&perm.ID, &perm.Name, &perm.Description); err != nil {
			return nil, err
		}
		perms = append(perms, perm)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return perms, nil
}

// LoadAssignments reads every role→permission and user→role binding.
func (r *Repository) LoadAssignments(ctx context.Context) (rbac.Assignments, error) {
	out := rbac.Assignments{
		RolePermissions: make(map[int64][]int64),
		UserRoles:       make(map[int64]int64),
	}
	rows, err := r.pool.Query(ctx, `SELECT role_id, permission_id FROM role_permissions ORDER BY role_id, permission_id`)
	if err != nil {
		return rbac.Assignments{}, err
	}
	for rows.Next() {
		var roleID, permID int64
		if err := rows.Scan(&roleID, &permID); err != nil {
			rows.Close()
			return rbac.Assignments{}, err
		}
		out.RolePermissions[roleID] = append(out.RolePermissions[roleID], permID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return rbac.Assignments{}, err
	}

	rows, err = r.pool.Query(ctx, `SELECT user_id, role_id FROM user_roles`)
	if err != nil {
		return rbac.Assignments{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var userID, roleID int64
		if err := rows.Scan(&userID, &roleID); err != nil {
			return rbac.Assignments{}, err
		}
		out.UserRoles[userID] = roleID
	}
	if err := rows.Err(); err != nil {
		return rbac.Assignments{}, err
	}
	return out, nil
}

// SaveRolePermissions replaces the stored permission set of the role in one transaction.
func (r *Repository) SaveRolePermissions(ctx context.Context, roleID int64, permissionIDs []int64) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM role_permissions WHERE role_id = $1`, roleID); err != nil {
			return err
		}
		if len(permissionIDs) == 0 {
			return nil
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO role_permissions (role_id, permission_id)
			SELECT $1, UNNEST($2::bigint[])
			ON CONFLICT DO NOTHING`, roleID, permissionIDs)
		return mapError(err)
	})
}

// SaveUserRole binds the user to the role, replacing any previous binding.
func (r *Repository) SaveUserRole(ctx context.Context, userID, roleID int64) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO user_roles (user_id, role_id)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET role_id = EXCLUDED.role_id`, userID, roleID)
	return mapError(err)
}

// DeleteUserRole removes the user's binding.
func (r *Repository) DeleteUserRole(ctx context.Context, userID int64) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM user_roles WHERE user_id = $1`, userID)
	return err
}

func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return rbac.ErrRoleNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == uniqueViolation && pgErr.ConstraintName == roleNameConstraint:
			return fmt.Errorf("%w: %w", rbac.ErrDuplicateRoleName, err)
		case pgErr.Code == foreignKeyViolation && pgErr.ConstraintName == userRoleConstraint:
			return fmt.Errorf("%w: %w", rbac.ErrRoleInUse, err)
		}
	}
	return err
}
