package rbac

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role represents a high-level permission grouping.
type Role struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Protected   bool      `json:"protected"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Permission represents an atomic capability named <module>.<action>.
type Permission struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Module returns the namespace part of the permission name.
func (p Permission) Module() string {
	module, _, _ := strings.Cut(p.Name, ".")
	return module
}

// Assignments is the persisted state of the assignment matrix.
type Assignments struct {
	RolePermissions map[int64][]int64
	UserRoles       map[int64]int64
}

// DeletionState tracks a role deletion through its undo window.
type DeletionState int32

const (
	DeletionPending DeletionState = iota + 1
	DeletionCancelled
	DeletionFinalized
	// DeletionReverted marks a finalization that failed and put the role back.
	DeletionReverted

	deletionCancelling DeletionState = 100
)

func (s DeletionState) String() string {
	switch s {
	case DeletionPending, deletionCancelling:
		return "pending"
	case DeletionCancelled:
		return "cancelled"
	case DeletionFinalized:
		return "finalized"
	case DeletionReverted:
		return "reverted"
	default:
		return "unknown"
	}
}

// PendingDeletion is the persisted record of a role inside its undo window.
type PendingDeletion struct {
	ID            uuid.UUID `json:"id"`
	RoleID        int64     `json:"role_id"`
	Snapshot      Role      `json:"snapshot"`
	ScheduledAt   time.Time `json:"scheduled_at"`
	GraceDeadline time.Time `json:"grace_deadline"`
	// Reverted marks a record whose finalization was rolled back but could not be
	// cleared. Recover drops it instead of re-arming the deletion.
	Reverted bool `json:"reverted,omitempty"`
}

// DeletionStatus is the outcome of a deletion as seen after the fact.
type DeletionStatus struct {
	Record     PendingDeletion
	State      DeletionState
	Err        error
	FinishedAt time.Time
}

// RoleEventType names a lifecycle event emitted by the core.
type RoleEventType string

const (
	EventRoleCreated           RoleEventType = "role.created"
	EventRoleRenamed           RoleEventType = "role.renamed"
	EventRolePermissionsSet    RoleEventType = "role.permissions_set"
	EventRoleDeletionRequested RoleEventType = "role.deletion_requested"
	EventRoleDeletionCancelled RoleEventType = "role.deletion_cancelled"
	EventRoleDeleted           RoleEventType = "role.deleted"
	EventRoleDeletionFailed    RoleEventType = "role.deletion_failed"
	EventUserRoleAssigned      RoleEventType = "user.role_assigned"
	EventUserRoleCleared       RoleEventType = "user.role_cleared"
)

// RoleEvent describes a committed change, published after the fact.
type RoleEvent struct {
	ID         string         `json:"id"`
	Type       RoleEventType  `json:"type"`
	RoleID     int64          `json:"role_id"`
	UserID     int64          `json:"user_id,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
	Meta       map[string]any `json:"meta,omitempty"`
}
