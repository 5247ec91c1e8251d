package rbac

import "fmt"

// Operation names a guarded mutation.
type Operation string

const (
	OpRename         Operation = "rename"
	OpSetPermissions Operation = "set_permissions"
	OpDelete         Operation = "delete"
	OpCancelDeletion Operation = "cancel_deletion"
)

// ConsistencyGuard is the single gate every role mutation passes before any
// state changes. No operation is exempt for protected roles.
type ConsistencyGuard struct {
	roles *RoleStore
}

// NewConsistencyGuard builds a guard reading from the role store.
func NewConsistencyGuard(roles *RoleStore) ConsistencyGuard {
	return ConsistencyGuard{roles: roles}
}

// Admit loads the target role and reports whether op may proceed on it.
func (g ConsistencyGuard) Admit(op Operation, roleID int64) (Role, error) {
	role, vis := g.roles.lookup(roleID)
	switch vis {
	case roleActive:
	case roleHidden:
		if op != OpDelete && op != OpCancelDeletion {
			return Role{}, fmt.Errorf("%w: %d is pending deletion", ErrRoleNotFound, roleID)
		}
	case roleFinalized:
		if op == OpCancelDeletion {
			return Role{}, fmt.Errorf("%w: role %d", ErrDeletionAlreadyFinalized, roleID)
		}
		return Role{}, fmt.Errorf("%w: %d", ErrRoleNotFound, roleID)
	default:
		return Role{}, fmt.Errorf("%w: %d", ErrRoleNotFound, roleID)
	}
	if role.Protected {
		return Role{}, fmt.Errorf("%w: %s %q", ErrProtectedRole, op, role.Name)
	}
	return role, nil
}
