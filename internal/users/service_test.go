package users

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestServiceGetUserHidesInactive(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewStaticDirectory(
		User{ID: 2, Email: "b@odyssey.local", IsActive: true},
		User{ID: 1, Email: "a@odyssey.local", IsActive: false},
	))

	all, err := svc.ListUsers(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, int64(1), all[0].ID)

	user, err := svc.GetUser(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, "b@odyssey.local", user.Email)

	_, err = svc.GetUser(ctx, 1)
	require.ErrorIs(t, err, ErrUserNotFound)
	_, err = svc.GetUser(ctx, 3)
	require.ErrorIs(t, err, ErrUserNotFound)
}
