package rbac

import (
	"context"
	"time"
)

// RoleRepository persists role records.
type RoleRepository interface {
	ListRoles(ctx context.Context) ([]Role, error)
	LoadRole(ctx context.Context, id int64) (Role, error)
	// SaveRole inserts the role when ID is zero and updates it otherwise.
	SaveRole(ctx context.Context, role Role) (Role, error)
	DeleteRolePermanently(ctx context.Context, id int64) error
}

// PermissionRepository exposes the externally provisioned catalog.
type PermissionRepository interface {
	ListPermissions(ctx context.Context) ([]Permission, error)
}

// AssignmentRepository persists role→permission and user→role bindings.
type AssignmentRepository interface {
	LoadAssignments(ctx context.Context) (Assignments, error)
	// SaveRolePermissions replaces the stored set of the role.
	SaveRolePermissions(ctx context.Context, roleID int64, permissionIDs []int64) error
	SaveUserRole(ctx context.Context, userID, roleID int64) error
	DeleteUserRole(ctx context.Context, userID int64) error
}

// PendingDeletionRepository persists deletions that are still inside their undo window.
type PendingDeletionRepository interface {
	LoadPendingDeletions(ctx context.Context) ([]PendingDeletion, error)
	SavePendingDeletion(ctx context.Context, pending PendingDeletion) error
	ClearPendingDeletion(ctx context.Context, roleID int64) error
}

// EventPublisher delivers committed lifecycle events to downstream consumers.
type EventPublisher interface {
	PublishRoleEvent(ctx context.Context, event RoleEvent) error
}

// LifecycleRecorder receives deletion lifecycle transitions for instrumentation.
type LifecycleRecorder interface {
	DeletionTransition(outcome string)
	PendingDeletions(n int)
}

// Timer is a scheduled one-shot callback.
type Timer interface {
	Stop() bool
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// SystemClock implements Clock on top of the time package.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}

// AfterFunc schedules f on its own goroutine after d.
func (SystemClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

type noopPublisher struct{}

func (noopPublisher) PublishRoleEvent(context.Context, RoleEvent) error { return nil }

type noopRecorder struct{}

func (noopRecorder) DeletionTransition(string) {}
func (noopRecorder) PendingDeletions(int)      {}
