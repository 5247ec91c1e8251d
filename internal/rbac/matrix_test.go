package rbac

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestMatrix(t *testing.T, roles ...Role) (*AssignmentMatrix, *Catalog, *flakyRepo) {
	t.Helper()
	repo := newFlakyRepo(testCatalog...)
	repo.Seed(roles...)
	catalog, err := NewCatalog(testCatalog)
	require.NoError(t, err)
	store := NewRoleStore(repo, newFakeClock(), time.Second)
	require.NoError(t, store.Load(context.Background()))
	matrix := NewAssignmentMatrix(repo, catalog, store, time.Second)
	require.NoError(t, matrix.Load(context.Background()))
	return matrix, catalog, repo
}

func TestMatrixSetRolePermissionsIsASet(t *testing.T) {
	ctx := context.Background()
	matrix, _, repo := newTestMatrix(t, Role{ID: 2, Name: "auditor"})

	require.NoError(t, matrix.SetRolePermissions(ctx, 2, []int64{2, 1, 2, 1}))
	got, err := matrix.GetEffectivePermissions(2)
	require.NoError(t, err)
	require.Equal(t, []int64{1, 2}, got)

	stored, err := repo.LoadAssignments(ctx)
	require.NoError(t, err)
	require.Equal(t, []int64{1, 2}, stored.RolePermissions[2])
}

func TestMatrixReplacesRatherThanMerges(t *testing.T) {
	ctx := context.Background()
	matrix, _, _ := newTestMatrix(t, Role{ID: 2, Name: "auditor"})

	require.NoError(t, matrix.SetRolePermissions(ctx, 2, []int64{1, 2}))
	require.NoError(t, matrix.SetRolePermissions(ctx, 2, []int64{1}))
	got, err := matrix.GetEffectivePermissions(2)
	require.NoError(t, err)
	require.Equal(t, []int64{1}, got)

	require.NoError(t, matrix.SetRolePermissions(ctx, 2, nil))
	got, err = matrix.GetEffectivePermissions(2)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestMatrixRejectsUnknownPermission(t *testing.T) {
	ctx := context.Background()
	matrix, _, _ := newTestMatrix(t, Role{ID: 2, Name: "auditor"})
	require.NoError(t, matrix.SetRolePermissions(ctx, 2, []int64{1}))

	err := matrix.SetRolePermissions(ctx, 2, []int64{1, 99})
	require.ErrorIs(t, err, ErrPermissionNotFound)
	require.Contains(t, err.Error(), "99")

	got, _ := matrix.GetEffectivePermissions(2)
	require.Equal(t, []int64{1}, got)
}

func TestMatrixProtectedRoleGetsWholeCatalog(t *testing.T) {
	ctx := context.Background()
	matrix, catalog, repo := newTestMatrix(t, superadmin())
	require.NoError(t, repo.SaveRolePermissions(ctx, 1, []int64{1}))
	require.NoError(t, matrix.Load(ctx))

	got, err := matrix.GetEffectivePermissions(1)
	require.NoError(t, err)
	require.Equal(t, []int64{1, 2, 3, 4}, got)

	require.NoError(t, catalog.Replace(append(testCatalog, Permission{ID: 5, Name: "reports.view"})))
	got, err = matrix.GetEffectivePermissions(1)
	require.NoError(t, err)
	require.Equal(t, []int64{1, 2, 3, 4, 5}, got)

	err = matrix.SetRolePermissions(ctx, 1, []int64{1})
	require.ErrorIs(t, err, ErrProtectedRole)
}

func TestMatrixPersistenceFailureLeavesStateUntouched(t *testing.T) {
	ctx := context.Background()
	matrix, _, repo := newTestMatrix(t, Role{ID: 2, Name: "auditor"})
	require.NoError(t, matrix.SetRolePermissions(ctx, 2, []int64{1}))
	repo.set(func(r *flakyRepo) { r.failSavePerms = errBoom })

	err := matrix.SetRolePermissions(ctx, 2, []int64{2, 3})
	require.ErrorIs(t, err, ErrPersistence)
	got, _ := matrix.GetEffectivePermissions(2)
	require.Equal(t, []int64{1}, got)
}

func TestMatrixUserAssignments(t *testing.T) {
	ctx := context.Background()
	matrix, _, repo := newTestMatrix(t, Role{ID: 2, Name: "auditor"}, Role{ID: 3, Name: "clerk"})

	require.NoError(t, matrix.AssignUserRole(ctx, 10, 2))
	require.NoError(t, matrix.AssignUserRole(ctx, 11, 2))
	require.NoError(t, matrix.AssignUserRole(ctx, 10, 3))

	roleID, ok := matrix.GetUserRole(10)
	require.True(t, ok)
	require.Equal(t, int64(3), roleID)
	require.Equal(t, []int64{11}, matrix.UsersWithRole(2))

	err := matrix.AssignUserRole(ctx, 12, 99)
	require.ErrorIs(t, err, ErrRoleNotFound)

	require.NoError(t, matrix.UnassignUser(ctx, 11))
	_, ok = matrix.GetUserRole(11)
	require.False(t, ok)

	stored, err := repo.LoadAssignments(ctx)
	require.NoError(t, err)
	require.Equal(t, map[int64]int64{10: 3}, stored.UserRoles)
}

func TestMatrixUnknownRole(t *testing.T) {
	matrix, _, _ := newTestMatrix(t)
	_, err := matrix.GetEffectivePermissions(5)
	require.ErrorIs(t, err, ErrRoleNotFound)
	err = matrix.SetRolePermissions(context.Background(), 5, []int64{1})
	require.ErrorIs(t, err, ErrRoleNotFound)
}
