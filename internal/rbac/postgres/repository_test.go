package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-access/internal/platform/db"
	"github.com/odyssey-erp/odyssey-access/internal/rbac"
)

func TestMapError(t *testing.T) {
	require.NoError(t, mapError(nil))
	require.ErrorIs(t, mapError(pgx.ErrNoRows), rbac.ErrRoleNotFound)

	dup := &pgconn.PgError{Code: uniqueViolation, ConstraintName: roleNameConstraint}
	require.ErrorIs(t, mapError(dup), rbac.ErrDuplicateRoleName)
	require.ErrorIs(t, mapError(fmt.Errorf("wrapped: %w", dup)), rbac.ErrDuplicateRoleName)

	inUse := &pgconn.PgError{Code: foreignKeyViolation, ConstraintName: userRoleConstraint}
	require.ErrorIs(t, mapError(inUse), rbac.ErrRoleInUse)

	other := &pgconn.PgError{Code: uniqueViolation, ConstraintName: "uq_permissions_name"}
	require.False(t, errors.Is(mapError(other), rbac.ErrDuplicateRoleName))
}

func TestSchemaIsEmbedded(t *testing.T) {
	require.Contains(t, schema, "CREATE TABLE IF NOT EXISTS roles")
	require.Contains(t, schema, roleNameConstraint)
	require.Contains(t, schema, "uq_permissions_name ON permissions (LOWER(name))")
}

func TestSeedCatalogRejectsCaseVariantsBeforeWriting(t *testing.T) {
	repo := NewRepository(nil)
	err := repo.SeedCatalog(context.Background(), []CatalogEntry{
		{Name: "finance.view"},
		{Name: "Finance.View"},
	}, "superadmin")
	require.ErrorIs(t, err, rbac.ErrInvalidPermission)
}

// TestRepositoryRoundTrip runs against a scratch database named by ODYSSEY_TEST_PG_DSN.
func TestRepositoryRoundTrip(t *testing.T) {
	dsn := os.Getenv("ODYSSEY_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("ODYSSEY_TEST_PG_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := db.New(ctx, dsn, db.Options{MaxConns: 4})
	require.NoError(t, err)
	defer pool.Close()
	require.NoError(t, Migrate(ctx, pool))
	_, err = pool.Exec(ctx, `TRUNCATE user_roles, role_permissions, roles, permissions RESTART IDENTITY CASCADE`)
	require.NoError(t, err)

	repo := NewRepository(pool)
	require.NoError(t, repo.SeedCatalog(ctx, []CatalogEntry{
		{Name: "finance.view", Description: "View finance"},
		{Name: "finance.export", Description: "Export finance"},
	}, "superadmin"))

	perms, err := repo.ListPermissions(ctx)
	require.NoError(t, err)
	require.Len(t, perms, 2)

	now := time.Now().UTC().Truncate(time.Microsecond)
	role, err := repo.SaveRole(ctx, rbac.Role{Name: "auditor", CreatedAt: now, UpdatedAt: now})
	require.NoError(t, err)
	require.NotZero(t, role.ID)

	_, err = repo.SaveRole(ctx, rbac.Role{Name: "AUDITOR", CreatedAt: now, UpdatedAt: now})
	require.ErrorIs(t, err, rbac.ErrDuplicateRoleName)

	require.NoError(t, repo.SaveRolePermissions(ctx, role.ID, []int64{perms[0].ID, perms[1].ID}))
	require.NoError(t, repo.SaveRolePermissions(ctx, role.ID, []int64{perms[0].ID}))
	require.NoError(t, repo.SaveUserRole(ctx, 10, role.ID))

	assignments, err := repo.LoadAssignments(ctx)
	require.NoError(t, err)
	require.Equal(t, []int64{perms[0].ID}, assignments.RolePermissions[role.ID])
	require.Equal(t, role.ID, assignments.UserRoles[10])

	err = repo.DeleteRolePermanently(ctx, role.ID)
	require.ErrorIs(t, err, rbac.ErrRoleInUse)

	require.NoError(t, repo.DeleteUserRole(ctx, 10))
	require.NoError(t, repo.DeleteRolePermanently(ctx, role.ID))
	_, err = repo.LoadRole(ctx, role.ID)
	require.ErrorIs(t, err, rbac.ErrRoleNotFound)
	err = repo.DeleteRolePermanently(ctx, role.ID)
	require.ErrorIs(t, err, rbac.ErrRoleNotFound)

	roles, err := repo.ListRoles(ctx)
	require.NoError(t, err)
	require.Len(t, roles, 1)
	require.True(t, roles[0].Protected)
}
