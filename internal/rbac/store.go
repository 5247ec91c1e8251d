package rbac

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/text/cases"
)

const maxRoleNameLength = 100

type visibility int

const (
	roleUnknown visibility = iota
	roleActive
	roleHidden
	roleFinalized
)

// RoleStore keeps the authoritative in-memory role set and writes through to the repository.
type RoleStore struct {
	mu      sync.RWMutex
	repo    RoleRepository
	clock   Clock
	timeout time.Duration

	roles     map[int64]Role
	hidden    map[int64]struct{}
	finalized map[int64]struct{}
	// names maps folded names to role ids; id 0 marks a reservation in flight.
	names map[string]int64
}

// NewRoleStore constructs an empty RoleStore. Call Load to populate it.
func NewRoleStore(repo RoleRepository, clock Clock, timeout time.Duration) *RoleStore {
	if clock == nil {
		clock = SystemClock{}
	}
	return &RoleStore{
		repo:      repo,
		clock:     clock,
		timeout:   timeout,
		roles:     make(map[int64]Role),
		hidden:    make(map[int64]struct{}),
		finalized: make(map[int64]struct{}),
		names:     make(map[string]int64),
	}
}

// Load replaces the in-memory state with the repository contents.
func (s *RoleStore) Load(ctx context.Context) error {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	roles, err := s.repo.ListRoles(ctx)
	if err != nil {
		return persistenceError("list roles", err)
	}
	byID := make(map[int64]Role, len(roles))
	names := make(map[string]int64, len(roles))
	for _, role := range roles {
		key := nameKey(role.Name)
		if other, ok := names[key]; ok {
			return fmt.Errorf("%w: roles %d and %d share name %q", ErrDuplicateRoleName, other, role.ID, role.Name)
		}
		names[key] = role.ID
		byID[role.ID] = role
	}
	s.mu.Lock()
	s.roles = byID
	s.names = names
	s.hidden = make(map[int64]struct{})
	s.mu.Unlock()
	return nil
}

// CreateRole inserts a new role.
func (s *RoleStore) CreateRole(ctx context.Context, name, description string, protected bool) (Role, error) {
	name, description, err := normalizeRoleInput(name, description)
	if err != nil {
		return Role{}, err
	}
	key := nameKey(name)
	s.mu.Lock()
	if _, taken := s.names[key]; taken {
		s.mu.Unlock()
		return Role{}, fmt.Errorf("%w: %q", ErrDuplicateRoleName, name)
	}
	s.names[key] = 0
	s.mu.Unlock()

	now := s.clock.Now()
	saveCtx, cancel := withTimeout(ctx, s.timeout)
	role, err := s.repo.SaveRole(saveCtx, Role{
		Name:        name,
		Description: description,
		Protected:   protected,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		delete(s.names, key)
		if errors.Is(err, ErrDuplicateRoleName) {
			return Role{}, fmt.Errorf("%w: %q", ErrDuplicateRoleName, name)
		}
		return Role{}, persistenceError("save role", err)
	}
	s.names[key] = role.ID
	s.roles[role.ID] = role
	return role, nil
}

// RenameRole changes name and description of an active, unprotected role.
func (s *RoleStore) RenameRole(ctx context.Context, id int64, name, description string) (Role, error) {
	name, description, err := normalizeRoleInput(name, description)
	if err != nil {
		return Role{}, err
	}
	key := nameKey(name)

	s.mu.Lock()
	current, ok := s.roles[id]
	if !ok || s.isHiddenLocked(id) {
		s.mu.Unlock()
		return Role{}, fmt.Errorf("%w: %d", ErrRoleNotFound, id)
	}
	if current.Protected {
		s.mu.Unlock()
		return Role{}, fmt.Errorf("%w: rename %q", ErrProtectedRole, current.Name)
	}
	oldKey := nameKey(current.Name)
	if owner, taken := s.names[key]; taken && owner != id {
		s.mu.Unlock()
		return Role{}, fmt.Errorf("%w: %q", ErrDuplicateNameOnRename, name)
	}
	s.names[key] = id
	s.mu.Unlock()

	updated := current
	updated.Name = name
	updated.Description = description
	updated.UpdatedAt = s.clock.Now()

	saveCtx, cancel := withTimeout(ctx, s.timeout)
	saved, err := s.repo.SaveRole(saveCtx, updated)
	cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		if key != oldKey {
			delete(s.names, key)
		}
		if errors.Is(err, ErrDuplicateRoleName) {
			return Role{}, fmt.Errorf("%w: %q", ErrDuplicateNameOnRename, name)
		}
		return Role{}, persistenceError("save role", err)
	}
	if key != oldKey {
		delete(s.names, oldKey)
	}
	s.roles[id] = saved
	return saved, nil
}

// Get returns an active role.
func (s *RoleStore) Get(id int64) (Role, bool) {
	role, vis := s.lookup(id)
	return role, vis == roleActive
}

// ListActiveRoles returns live roles, excluding those waiting for deletion.
func (s *RoleStore) ListActiveRoles() []Role {
	return s.list(false)
}

// ListVisibleRoles returns live roles including those inside their undo window.
func (s *RoleStore) ListVisibleRoles() []Role {
	return s.list(true)
}

func (s *RoleStore) list(includeHidden bool) []Role {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Role, 0, len(s.roles))
	for id, role := range s.roles {
		if !includeHidden && s.isHiddenLocked(id) {
			continue
		}
		out = append(out, role)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *RoleStore) lookup(id int64) (Role, visibility) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if role, ok := s.roles[id]; ok {
		if s.isHiddenLocked(id) {
			return role, roleHidden
		}
		return role, roleActive
	}
	if _, ok := s.finalized[id]; ok {
		return Role{}, roleFinalized
	}
	return Role{}, roleUnknown
}

func (s *RoleStore) isHiddenLocked(id int64) bool {
	_, ok := s.hidden[id]
	return ok
}

// hide removes the role from the active listing while keeping its name reserved.
func (s *RoleStore) hide(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[id]; !ok {
		return false
	}
	s.hidden[id] = struct{}{}
	return true
}

// restore puts the snapshot back into the active listing.
func (s *RoleStore) restore(snapshot Role) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.hidden, snapshot.ID)
	delete(s.finalized, snapshot.ID)
	s.roles[snapshot.ID] = snapshot
	s.names[nameKey(snapshot.Name)] = snapshot.ID
}

// purge deletes the role from the repository and then forgets it.
func (s *RoleStore) purge(ctx context.Context, id int64) error {
	delCtx, cancel := withTimeout(ctx, s.timeout)
	err := s.repo.DeleteRolePermanently(delCtx, id)
	cancel()
	if err != nil && !errors.Is(err, ErrRoleNotFound) {
		return persistenceError("delete role", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if role, ok := s.roles[id]; ok {
		delete(s.names, nameKey(role.Name))
	}
	delete(s.roles, id)
	delete(s.hidden, id)
	s.finalized[id] = struct{}{}
	return nil
}

func normalizeRoleInput(name, description string) (string, string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", "", fmt.Errorf("%w: role name required", ErrInvalidRole)
	}
	if utf8.RuneCountInString(name) > maxRoleNameLength {
		return "", "", fmt.Errorf("%w: role name longer than %d characters", ErrInvalidRole, maxRoleNameLength)
	}
	return name, strings.TrimSpace(description), nil
}

func nameKey(name string) string {
	return cases.Fold().String(strings.TrimSpace(name))
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
