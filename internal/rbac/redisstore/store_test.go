package redisstore

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-access/internal/rbac"
)

func newTestStore(t *testing.T) (*PendingStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewPendingStore(client, ""), mr
}

func pendingFor(roleID int64, name string) rbac.PendingDeletion {
	at := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	return rbac.PendingDeletion{
		ID:            uuid.New(),
		RoleID:        roleID,
		Snapshot:      rbac.Role{ID: roleID, Name: name, CreatedAt: at, UpdatedAt: at},
		ScheduledAt:   at,
		GraceDeadline: at.Add(rbac.DefaultUndoWindow),
	}
}

func TestPendingStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestStore(t)

	first := pendingFor(7, "auditor")
	second := pendingFor(3, "clerk")
	require.NoError(t, store.SavePendingDeletion(ctx, first))
	require.NoError(t, store.SavePendingDeletion(ctx, second))
	keys, err := mr.HKeys(DefaultKey)
	require.NoError(t, err)
	require.Equal(t, []string{"3", "7"}, keys)

	loaded, err := store.LoadPendingDeletions(ctx)
	require.NoError(t, err)
	require.Equal(t, []rbac.PendingDeletion{second, first}, loaded)

	require.NoError(t, store.ClearPendingDeletion(ctx, 7))
	require.NoError(t, store.ClearPendingDeletion(ctx, 7))
	loaded, err = store.LoadPendingDeletions(ctx)
	require.NoError(t, err)
	require.Equal(t, []rbac.PendingDeletion{second}, loaded)
}

func TestPendingStoreOverwritesPerRole(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	require.NoError(t, store.SavePendingDeletion(ctx, pendingFor(7, "auditor")))
	replacement := pendingFor(7, "auditor")
	require.NoError(t, store.SavePendingDeletion(ctx, replacement))

	loaded, err := store.LoadPendingDeletions(ctx)
	require.NoError(t, err)
	require.Equal(t, []rbac.PendingDeletion{replacement}, loaded)
}

func TestPendingStoreRejectsCorruptRecord(t *testing.T) {
	store, mr := newTestStore(t)
	mr.HSet(DefaultKey, "9", "{not json")

	_, err := store.LoadPendingDeletions(context.Background())
	require.Error(t, err)
}

func TestPendingStoreUnavailable(t *testing.T) {
	store, mr := newTestStore(t)
	mr.Close()

	err := store.SavePendingDeletion(context.Background(), pendingFor(1, "x"))
	require.Error(t, err)
}

func TestSchedulerRecoversFromRedis(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	repo := rbac.NewMemoryRepository(rbac.Permission{ID: 1, Name: "finance.view"})
	repo.Seed(rbac.Role{ID: 2, Name: "auditor"})

	svc, err := rbac.NewService(rbac.Dependencies{
		Roles: repo, Permissions: repo, Assignments: repo, Pending: store,
	}, rbac.Config{UndoWindow: time.Hour})
	require.NoError(t, err)
	require.NoError(t, svc.Load(ctx))
	_, err = svc.RequestDeletion(ctx, 2)
	require.NoError(t, err)
	svc.Close()

	restarted, err := rbac.NewService(rbac.Dependencies{
		Roles: repo, Permissions: repo, Assignments: repo, Pending: store,
	}, rbac.Config{UndoWindow: time.Hour})
	require.NoError(t, err)
	require.NoError(t, restarted.Load(ctx))
	defer restarted.Close()

	require.Empty(t, restarted.ListRoles())
	_, err = restarted.CancelDeletion(ctx, 2)
	require.NoError(t, err)
	require.Len(t, restarted.ListRoles(), 1)

	loaded, err := store.LoadPendingDeletions(ctx)
	require.NoError(t, err)
	require.Empty(t, loaded)
}
