package rbac

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// AssignmentMatrix holds role→permission sets and user→role bindings.
type AssignmentMatrix struct {
	mu      sync.RWMutex
	repo    AssignmentRepository
	catalog *Catalog
	roles   *RoleStore
	timeout time.Duration
	users   *keyLocks

	rolePerms map[int64]map[int64]struct{}
	userRoles map[int64]int64
}

// NewAssignmentMatrix constructs an empty matrix. Call Load to populate it.
func NewAssignmentMatrix(repo AssignmentRepository, catalog *Catalog, roles *RoleStore, timeout time.Duration) *AssignmentMatrix {
	return &AssignmentMatrix{
		repo:      repo,
		catalog:   catalog,
		roles:     roles,
		timeout:   timeout,
		users:     newKeyLocks(),
		rolePerms: make(map[int64]map[int64]struct{}),
		userRoles: make(map[int64]int64),
	}
}

// Load replaces the in-memory bindings with the repository contents.
func (m *AssignmentMatrix) Load(ctx context.Context) error {
	ctx, cancel := withTimeout(ctx, m.timeout)
	defer cancel()
	stored, err := m.repo.LoadAssignments(ctx)
	if err != nil {
		return persistenceError("load assignments", err)
	}
	rolePerms := make(map[int64]map[int64]struct{}, len(stored.RolePermissions))
	for roleID, ids := range stored.RolePermissions {
		rolePerms[roleID] = toSet(ids)
	}
	userRoles := make(map[int64]int64, len(stored.UserRoles))
	for userID, roleID := range stored.UserRoles {
		userRoles[userID] = roleID
	}
	m.mu.Lock()
	m.rolePerms = rolePerms
	m.userRoles = userRoles
	m.mu.Unlock()
	return nil
}

// GetEffectivePermissions returns the permission ids granted to the role.
// A protected role is granted the whole current catalog regardless of what is stored.
func (m *AssignmentMatrix) GetEffectivePermissions(roleID int64) ([]int64, error) {
	role, vis := m.roles.lookup(roleID)
	if vis != roleActive && vis != roleHidden {
		return nil, fmt.Errorf("%w: %d", ErrRoleNotFound, roleID)
	}
	if role.Protected {
		return m.catalog.IDs(), nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedIDs(m.rolePerms[roleID]), nil
}

// SetRolePermissions replaces the stored permission set of the role.
func (m *AssignmentMatrix) SetRolePermissions(ctx context.Context, roleID int64, permissionIDs []int64) error {
	role, ok := m.roles.Get(roleID)
	if !ok {
		return fmt.Errorf("%w: %d", ErrRoleNotFound, roleID)
	}
	if role.Protected {
		return fmt.Errorf("%w: set permissions of %q", ErrProtectedRole, role.Name)
	}
	set := toSet(permissionIDs)
	ids := sortedIDs(set)
	for _, id := range ids {
		if _, ok := m.catalog.Lookup(id); !ok {
			return fmt.Errorf("%w: %d", ErrPermissionNotFound, id)
		}
	}

	saveCtx, cancel := withTimeout(ctx, m.timeout)
	defer cancel()
	if err := m.repo.SaveRolePermissions(saveCtx, roleID, ids); err != nil {
		return persistenceError("save role permissions", err)
	}
	m.mu.Lock()
	m.rolePerms[roleID] = set
	m.mu.Unlock()
	return nil
}

// AssignUserRole binds the user to the role, replacing any previous binding.
func (m *AssignmentMatrix) AssignUserRole(ctx context.Context, userID, roleID int64) error {
	if _, ok := m.roles.Get(roleID); !ok {
		return fmt.Errorf("%w: %d", ErrRoleNotFound, roleID)
	}
	unlock := m.users.Lock(userID)
	defer unlock()
	saveCtx, cancel := withTimeout(ctx, m.timeout)
	defer cancel()
	if err := m.repo.SaveUserRole(saveCtx, userID, roleID); err != nil {
		return persistenceError("save user role", err)
	}
	m.mu.Lock()
	m.userRoles[userID] = roleID
	m.mu.Unlock()
	return nil
}

// UnassignUser removes the user's role binding, if any.
func (m *AssignmentMatrix) UnassignUser(ctx context.Context, userID int64) error {
	unlock := m.users.Lock(userID)
	defer unlock()
	delCtx, cancel := withTimeout(ctx, m.timeout)
	defer cancel()
	if err := m.repo.DeleteUserRole(delCtx, userID); err != nil {
		return persistenceError("delete user role", err)
	}
	m.mu.Lock()
	delete(m.userRoles, userID)
	m.mu.Unlock()
	return nil
}

// GetUserRole returns the role bound to the user.
func (m *AssignmentMatrix) GetUserRole(userID int64) (int64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	roleID, ok := m.userRoles[userID]
	return roleID, ok
}

// UsersWithRole lists the users currently bound to the role, ordered by id.
func (m *AssignmentMatrix) UsersWithRole(roleID int64) []int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var users []int64
	for userID, bound := range m.userRoles {
		if bound == roleID {
			users = append(users, userID)
		}
	}
	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })
	return users
}

// dropRole forgets the stored set of a permanently deleted role.
func (m *AssignmentMatrix) dropRole(roleID int64) {
	m.mu.Lock()
	delete(m.rolePerms, roleID)
	m.mu.Unlock()
}

func toSet(ids []int64) map[int64]struct{} {
	set := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

func sortedIDs(set map[int64]struct{}) []int64 {
	ids := make([]int64, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
