package rbac

import (
	"errors"
	"fmt"
)

var (
	// ErrRoleNotFound indicates that the role does not exist or is not visible to the operation.
	ErrRoleNotFound = errors.New("rbac: role not found")
	// ErrDuplicateRoleName indicates another live role already uses the name.
	ErrDuplicateRoleName = errors.New("rbac: duplicate role name")
	// ErrDuplicateNameOnRename is the rename flavour of ErrDuplicateRoleName.
	ErrDuplicateNameOnRename = fmt.Errorf("%w on rename", ErrDuplicateRoleName)
	// ErrProtectedRole rejects any mutation of a protected role.
	ErrProtectedRole = errors.New("rbac: protected role violation")
	// ErrPermissionNotFound indicates a permission id outside the catalog.
	ErrPermissionNotFound = errors.New("rbac: permission not found")
	// ErrDeletionAlreadyFinalized indicates the undo window has closed.
	ErrDeletionAlreadyFinalized = errors.New("rbac: deletion already finalized")
	// ErrNoPendingDeletion indicates that nothing is waiting to be undone for the role.
	ErrNoPendingDeletion = fmt.Errorf("%w: no pending deletion", ErrRoleNotFound)
	// ErrDeletionNotFound indicates an unknown deletion id or one whose status has expired.
	ErrDeletionNotFound = errors.New("rbac: deletion not found")
	// ErrPersistence wraps every repository failure, timeouts included.
	ErrPersistence = errors.New("rbac: persistence failure")
	// ErrRoleInUse blocks finalization while users still hold the role.
	ErrRoleInUse = errors.New("rbac: role still assigned to users")
	// ErrInvalidRole reports malformed role input.
	ErrInvalidRole = errors.New("rbac: invalid role")
	// ErrInvalidPermission reports a malformed or duplicated catalog entry.
	ErrInvalidPermission = errors.New("rbac: invalid permission")
)

func persistenceError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrPersistence, op, err)
}
