package rbac

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// MemoryRepository implements every repository port in process memory.
// It backs tests and local runs without Postgres.
type MemoryRepository struct {
	mu        sync.RWMutex
	nextID    int64
	roles     map[int64]Role
	perms     []Permission
	rolePerms map[int64][]int64
	userRoles map[int64]int64
	pending   map[int64]PendingDeletion
}

var (
	_ RoleRepository            = (*MemoryRepository)(nil)
	_ PermissionRepository      = (*MemoryRepository)(nil)
	_ AssignmentRepository      = (*MemoryRepository)(nil)
	_ PendingDeletionRepository = (*MemoryRepository)(nil)
)

// NewMemoryRepository returns a repository seeded with the given permissions.
func NewMemoryRepository(perms ...Permission) *MemoryRepository {
	return &MemoryRepository{
		roles:     make(map[int64]Role),
		perms:     append([]Permission(nil), perms...),
		rolePerms: make(map[int64][]int64),
		userRoles: make(map[int64]int64),
		pending:   make(map[int64]PendingDeletion),
	}
}

func (m *MemoryRepository) ListRoles(ctx context.Context) ([]Role, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Role, 0, len(m.roles))
	for _, role := range m.roles {
		out = append(out, role)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryRepository) LoadRole(ctx context.Context, id int64) (Role, error) {
	if err := ctx.Err(); err != nil {
		return Role{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	role, ok := m.roles[id]
	if !ok {
		return Role{}, fmt.Errorf("%w: %d", ErrRoleNotFound, id)
	}
	return role, nil
}

func (m *MemoryRepository) SaveRole(ctx context.Context, role Role) (Role, error) {
	if err := ctx.Err(); err != nil {
		return Role{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, existing := range m.roles {
		if id != role.ID && strings.EqualFold(existing.Name, role.Name) {
			return Role{}, fmt.Errorf("%w: %q", ErrDuplicateRoleName, role.Name)
		}
	}
	if role.ID == 0 {
		m.nextID++
		role.ID = m.nextID
	} else if _, ok := m.roles[role.ID]; !ok {
		return Role{}, fmt.Errorf("%w: %d", ErrRoleNotFound, role.ID)
	}
	m.roles[role.ID] = role
	return role, nil
}

func (m *MemoryRepository) DeleteRolePermanently(ctx context.Context, id int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.roles[id]; !ok {
		return fmt.Errorf("%w: %d", ErrRoleNotFound, id)
	}
	delete(m.roles, id)
	delete(m.rolePerms, id)
	for userID, roleID := range m.userRoles {
		if roleID == id {
			delete(m.userRoles, userID)
		}
	}
	return nil
}

func (m *MemoryRepository) ListPermissions(ctx context.Context) ([]Permission, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Permission(nil), m.perms...), nil
}

// SetPermissions replaces the provisioned catalog.
func (m *MemoryRepository) SetPermissions(perms ...Permission) {
	m.mu.Lock()
	m.perms = append([]Permission(nil), perms...)
	m.mu.Unlock()
}

func (m *MemoryRepository) LoadAssignments(ctx context.Context) (Assignments, error) {
	if err := ctx.Err(); err != nil {
		return Assignments{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := Assignments{
		RolePermissions: make(map[int64][]int64, len(m.rolePerms)),
		UserRoles:       make(map[int64]int64, len(m.userRoles)),
	}
	for roleID, ids := range m.rolePerms {
		out.RolePermissions[roleID] = append([]int64(nil), ids...)
	}
	for userID, roleID := range m.userRoles {
		out.UserRoles[userID] = roleID
	}
	return out, nil
}

func (m *MemoryRepository) SaveRolePermissions(ctx context.Context, roleID int64, permissionIDs []int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rolePerms[roleID] = append([]int64(nil), permissionIDs...)
	return nil
}

func (m *MemoryRepository) SaveUserRole(ctx context.Context, userID, roleID int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.userRoles[userID] = roleID
	return nil
}

func (m *MemoryRepository) DeleteUserRole(ctx context.Context, userID int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.userRoles, userID)
	return nil
}

func (m *MemoryRepository) LoadPendingDeletions(ctx context.Context) ([]PendingDeletion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]PendingDeletion, 0, len(m.pending))
	for _, p := range m.pending {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RoleID < out[j].RoleID })
	return out, nil
}

func (m *MemoryRepository) SavePendingDeletion(ctx context.Context, pending PendingDeletion) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[pending.RoleID] = pending
	return nil
}

func (m *MemoryRepository) ClearPendingDeletion(ctx context.Context, roleID int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, roleID)
	return nil
}

// Seed inserts roles with fixed ids, bypassing name checks. Used by tests and fixtures.
func (m *MemoryRepository) Seed(roles ...Role) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, role := range roles {
		m.roles[role.ID] = role
		if role.ID > m.nextID {
			m.nextID = role.ID
		}
	}
}
