package rbac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// DefaultNetTimeout bounds every repository call made by the core.
const DefaultNetTimeout = 3 * time.Second

// Dependencies wires the Service to its collaborators.
type Dependencies struct {
	Roles       RoleRepository
	Permissions PermissionRepository
	Assignments AssignmentRepository
	Pending     PendingDeletionRepository
	Publisher   EventPublisher
	Recorder    LifecycleRecorder
	Clock       Clock
	Logger      *slog.Logger
}

// Config tunes the Service.
type Config struct {
	UndoWindow time.Duration
	NetTimeout time.Duration
	Orphans    OrphanPolicy
}

// Service is the entry point for role management. Every mutation on a role is
// serialized per role and passes the ConsistencyGuard before touching state.
type Service struct {
	catalog   *Catalog
	roles     *RoleStore
	matrix    *AssignmentMatrix
	guard     ConsistencyGuard
	scheduler *DeletionScheduler
	perms     PermissionRepository
	locks     *keyLocks
	events    *emitter
	logger    *slog.Logger
}

// NewService assembles the core components. Call Load before serving traffic.
func NewService(deps Dependencies, cfg Config) (*Service, error) {
	if deps.Roles == nil || deps.Permissions == nil || deps.Assignments == nil || deps.Pending == nil {
		return nil, errors.New("rbac: role, permission, assignment and pending repositories are required")
	}
	if deps.Clock == nil {
		deps.Clock = SystemClock{}
	}
	if deps.Publisher == nil {
		deps.Publisher = noopPublisher{}
	}
	if cfg.NetTimeout <= 0 {
		cfg.NetTimeout = DefaultNetTimeout
	}
	logger := resolveLogger(deps.Logger)

	catalog, err := NewCatalog(nil)
	if err != nil {
		return nil, err
	}
	roles := NewRoleStore(deps.Roles, deps.Clock, cfg.NetTimeout)
	matrix := NewAssignmentMatrix(deps.Assignments, catalog, roles, cfg.NetTimeout)
	locks := newKeyLocks()
	events := &emitter{publisher: deps.Publisher, clock: deps.Clock, timeout: cfg.NetTimeout, logger: logger}
	scheduler := newDeletionScheduler(roles, matrix, deps.Pending, locks, events, SchedulerConfig{
		UndoWindow: cfg.UndoWindow,
		NetTimeout: cfg.NetTimeout,
		Clock:      deps.Clock,
		Orphans:    cfg.Orphans,
		Recorder:   deps.Recorder,
		Logger:     logger,
	})

	return &Service{
		catalog:   catalog,
		roles:     roles,
		matrix:    matrix,
		guard:     NewConsistencyGuard(roles),
		scheduler: scheduler,
		perms:     deps.Permissions,
		locks:     locks,
		events:    events,
		logger:    logger,
	}, nil
}

// Load reads catalog, roles and assignments from the repositories and re-arms
// deletions left pending by a previous run.
func (s *Service) Load(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.catalog.Reload(gctx, s.perms) })
	g.Go(func() error { return s.roles.Load(gctx) })
	if err := g.Wait(); err != nil {
		return err
	}
	if err := s.matrix.Load(ctx); err != nil {
		return err
	}
	return s.scheduler.Recover(ctx)
}

// Close stops pending deletion timers. Pending records stay persisted.
func (s *Service) Close() {
	s.scheduler.Close()
}

// ListRoles returns active roles ordered by id.
func (s *Service) ListRoles() []Role {
	return s.roles.ListActiveRoles()
}

// ListVisibleRoles also includes roles inside their undo window.
func (s *Service) ListVisibleRoles() []Role {
	return s.roles.ListVisibleRoles()
}

// GetRole returns an active role.
func (s *Service) GetRole(id int64) (Role, error) {
	role, ok := s.roles.Get(id)
	if !ok {
		return Role{}, notFound(id)
	}
	return role, nil
}

// CreateRole adds a role.
func (s *Service) CreateRole(ctx context.Context, name, description string, protected bool) (Role, error) {
	role, err := s.roles.CreateRole(ctx, name, description, protected)
	if err != nil {
		return Role{}, err
	}
	s.logger.Info("role created", slog.Int64("role_id", role.ID), slog.String("name", role.Name))
	s.events.emit(ctx, RoleEvent{Type: EventRoleCreated, RoleID: role.ID, Meta: map[string]any{
		"name":      role.Name,
		"protected": role.Protected,
	}})
	return role, nil
}

// RenameRole updates name and description of an unprotected role.
func (s *Service) RenameRole(ctx context.Context, id int64, name, description string) (Role, error) {
	unlock := s.locks.Lock(id)
	defer unlock()
	before, err := s.guard.Admit(OpRename, id)
	if err != nil {
		return Role{}, err
	}
	role, err := s.roles.RenameRole(ctx, id, name, description)
	if err != nil {
		return Role{}, err
	}
	s.events.emit(ctx, RoleEvent{Type: EventRoleRenamed, RoleID: id, Meta: map[string]any{
		"from": before.Name,
		"to":   role.Name,
	}})
	return role, nil
}

// RequestDeletion soft-deletes the role and starts its undo window.
func (s *Service) RequestDeletion(ctx context.Context, id int64) (*Deletion, error) {
	unlock := s.locks.Lock(id)
	defer unlock()
	role, err := s.guard.Admit(OpDelete, id)
	if err != nil {
		return nil, err
	}
	return s.scheduler.RequestDeletion(ctx, role)
}

// CancelDeletion restores a role whose undo window is still open.
func (s *Service) CancelDeletion(ctx context.Context, id int64) (Role, error) {
	unlock := s.locks.Lock(id)
	defer unlock()
	if _, err := s.guard.Admit(OpCancelDeletion, id); err != nil {
		return Role{}, err
	}
	return s.scheduler.CancelDeletion(ctx, id)
}

// PendingDeletions lists deletions still inside their undo window.
func (s *Service) PendingDeletions() []PendingDeletion {
	return s.scheduler.Pending()
}

// DeletionStatus reports a deletion by id. Finished deletions stay visible for
// StatusRetention so callers can learn whether a hidden role came back.
func (s *Service) DeletionStatus(id uuid.UUID) (DeletionStatus, error) {
	status, ok := s.scheduler.Status(id)
	if !ok {
		return DeletionStatus{}, fmt.Errorf("%w: %s", ErrDeletionNotFound, id)
	}
	return status, nil
}

// ListPermissions returns the catalog ordered by id.
func (s *Service) ListPermissions() []Permission {
	return s.catalog.List()
}

// GroupPermissions returns the catalog bucketed by module.
func (s *Service) GroupPermissions() map[string][]Permission {
	return s.catalog.GroupByModule()
}

// ReloadCatalog re-reads the permission catalog from its repository.
func (s *Service) ReloadCatalog(ctx context.Context) error {
	return s.catalog.Reload(ctx, s.perms)
}

// GetEffectivePermissions returns the permission ids granted to the role.
func (s *Service) GetEffectivePermissions(roleID int64) ([]int64, error) {
	return s.matrix.GetEffectivePermissions(roleID)
}

// SetRolePermissions replaces the permission set of an unprotected role.
func (s *Service) SetRolePermissions(ctx context.Context, roleID int64, permissionIDs []int64) error {
	unlock := s.locks.Lock(roleID)
	defer unlock()
	if _, err := s.guard.Admit(OpSetPermissions, roleID); err != nil {
		return err
	}
	if err := s.matrix.SetRolePermissions(ctx, roleID, permissionIDs); err != nil {
		return err
	}
	s.events.emit(ctx, RoleEvent{Type: EventRolePermissionsSet, RoleID: roleID, Meta: map[string]any{
		"permission_ids": permissionIDs,
	}})
	return nil
}

// AssignUserRole binds the user to an active role, replacing any previous binding.
func (s *Service) AssignUserRole(ctx context.Context, userID, roleID int64) error {
	unlock := s.locks.Lock(roleID)
	defer unlock()
	if err := s.matrix.AssignUserRole(ctx, userID, roleID); err != nil {
		return err
	}
	s.events.emit(ctx, RoleEvent{Type: EventUserRoleAssigned, RoleID: roleID, UserID: userID})
	return nil
}

// ClearUserRole removes the user's role binding.
func (s *Service) ClearUserRole(ctx context.Context, userID int64) error {
	roleID, ok := s.matrix.GetUserRole(userID)
	if !ok {
		return nil
	}
	if err := s.matrix.UnassignUser(ctx, userID); err != nil {
		return err
	}
	s.events.emit(ctx, RoleEvent{Type: EventUserRoleCleared, RoleID: roleID, UserID: userID})
	return nil
}

// GetUserRole returns the role bound to the user.
func (s *Service) GetUserRole(userID int64) (int64, bool) {
	return s.matrix.GetUserRole(userID)
}

// emitter publishes committed events. Delivery failures are logged, never returned.
type emitter struct {
	publisher EventPublisher
	clock     Clock
	timeout   time.Duration
	logger    *slog.Logger
}

func (e *emitter) emit(ctx context.Context, event RoleEvent) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = e.clock.Now()
	}
	pubCtx, cancel := withTimeout(context.WithoutCancel(ctx), e.timeout)
	defer cancel()
	if err := e.publisher.PublishRoleEvent(pubCtx, event); err != nil {
		e.logger.Warn("publish role event",
			slog.String("type", string(event.Type)),
			slog.Int64("role_id", event.RoleID),
			slog.Any("error", err))
	}
}

func resolveLogger(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}

func notFound(id int64) error {
	return fmt.Errorf("%w: %d", ErrRoleNotFound, id)
}
