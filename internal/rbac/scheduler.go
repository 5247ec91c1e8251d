package rbac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// DefaultUndoWindow is the grace period between a delete request and finalization.
const DefaultUndoWindow = 5 * time.Second

const (
	// StatusRetention is how long a finished deletion stays queryable by id.
	StatusRetention = 5 * time.Minute

	discardAttempts   = 3
	discardRetryDelay = 5 * time.Second
)

// Deletion is the caller's handle on a role deletion inside its undo window.
type Deletion struct {
	record PendingDeletion
	state  atomic.Int32

	mu    sync.Mutex
	timer Timer

	done chan struct{}
	err  error
}

func newDeletion(record PendingDeletion) *Deletion {
	d := &Deletion{record: record, done: make(chan struct{})}
	d.state.Store(int32(DeletionPending))
	return d
}

func (d *Deletion) ID() uuid.UUID            { return d.record.ID }
func (d *Deletion) RoleID() int64            { return d.record.RoleID }
func (d *Deletion) Snapshot() Role           { return d.record.Snapshot }
func (d *Deletion) ScheduledAt() time.Time   { return d.record.ScheduledAt }
func (d *Deletion) GraceDeadline() time.Time { return d.record.GraceDeadline }

// Record returns the persisted form of the deletion.
func (d *Deletion) Record() PendingDeletion { return d.record }

// State reports where the deletion currently stands.
func (d *Deletion) State() DeletionState {
	state := DeletionState(d.state.Load())
	if state == deletionCancelling {
		return DeletionPending
	}
	return state
}

// Done is closed once the deletion is finalized, cancelled or reverted.
func (d *Deletion) Done() <-chan struct{} { return d.done }

// Err returns why a finalization was reverted. It is nil until Done is closed.
func (d *Deletion) Err() error {
	select {
	case <-d.done:
		return d.err
	default:
		return nil
	}
}

func (d *Deletion) transition(from, to DeletionState) bool {
	return d.state.CompareAndSwap(int32(from), int32(to))
}

func (d *Deletion) finish(state DeletionState, err error) {
	d.err = err
	d.state.Store(int32(state))
	close(d.done)
}

func (d *Deletion) setTimer(t Timer) {
	d.mu.Lock()
	d.timer = t
	d.mu.Unlock()
}

func (d *Deletion) stopTimer() {
	d.mu.Lock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.mu.Unlock()
}

// OrphanPolicy decides what happens to users still bound to a role about to be
// permanently deleted. Returning an error aborts the finalization.
type OrphanPolicy func(ctx context.Context, m *AssignmentMatrix, role Role, userIDs []int64) error

// BlockWhileAssigned refuses to finalize while any user holds the role.
func BlockWhileAssigned() OrphanPolicy {
	return func(_ context.Context, _ *AssignmentMatrix, role Role, userIDs []int64) error {
		return fmt.Errorf("%w: %q held by %d user(s)", ErrRoleInUse, role.Name, len(userIDs))
	}
}

// UnassignUsers clears the role binding of every affected user.
func UnassignUsers() OrphanPolicy {
	return func(ctx context.Context, m *AssignmentMatrix, _ Role, userIDs []int64) error {
		for _, userID := range userIDs {
			if err := m.UnassignUser(ctx, userID); err != nil {
				return err
			}
		}
		return nil
	}
}

// ReassignUsers moves every affected user to the fallback role.
func ReassignUsers(fallbackRoleID int64) OrphanPolicy {
	return func(ctx context.Context, m *AssignmentMatrix, role Role, userIDs []int64) error {
		if fallbackRoleID == role.ID {
			return fmt.Errorf("%w: fallback role %d is being deleted", ErrRoleInUse, fallbackRoleID)
		}
		for _, userID := range userIDs {
			if err := m.AssignUserRole(ctx, userID, fallbackRoleID); err != nil {
				return err
			}
		}
		return nil
	}
}

// SchedulerConfig tunes the deletion lifecycle.
type SchedulerConfig struct {
	UndoWindow time.Duration
	NetTimeout time.Duration
	Clock      Clock
	Orphans    OrphanPolicy
	Recorder   LifecycleRecorder
	Logger     *slog.Logger
}

// DeletionScheduler runs the reversible soft-delete lifecycle of roles:
// Active → Pending → Finalized, or back to Active on cancel or failed finalization.
type DeletionScheduler struct {
	roles    *RoleStore
	matrix   *AssignmentMatrix
	repo     PendingDeletionRepository
	locks    *keyLocks
	events   *emitter
	clock    Clock
	window   time.Duration
	timeout  time.Duration
	orphans  OrphanPolicy
	recorder LifecycleRecorder
	logger   *slog.Logger

	mu       sync.Mutex
	pending  map[int64]*Deletion
	finished map[uuid.UUID]DeletionStatus
	closed   bool
}

func newDeletionScheduler(roles *RoleStore, matrix *AssignmentMatrix, repo PendingDeletionRepository, locks *keyLocks, events *emitter, cfg SchedulerConfig) *DeletionScheduler {
	if cfg.UndoWindow <= 0 {
		cfg.UndoWindow = DefaultUndoWindow
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock{}
	}
	if cfg.Orphans == nil {
		cfg.Orphans = BlockWhileAssigned()
	}
	if cfg.Recorder == nil {
		cfg.Recorder = noopRecorder{}
	}
	return &DeletionScheduler{
		roles:    roles,
		matrix:   matrix,
		repo:     repo,
		locks:    locks,
		events:   events,
		clock:    cfg.Clock,
		window:   cfg.UndoWindow,
		timeout:  cfg.NetTimeout,
		orphans:  cfg.Orphans,
		recorder: cfg.Recorder,
		logger:   resolveLogger(cfg.Logger),
		pending:  make(map[int64]*Deletion),
		finished: make(map[uuid.UUID]DeletionStatus),
	}
}

// RequestDeletion hides the role and starts its undo window. A second request
// for the same role returns the existing handle. The caller holds the role lock.
func (s *DeletionScheduler) RequestDeletion(ctx context.Context, role Role) (*Deletion, error) {
	s.mu.Lock()
	if existing, ok := s.pending[role.ID]; ok {
		s.mu.Unlock()
		return existing, nil
	}
	s.mu.Unlock()

	now := s.clock.Now()
	d := newDeletion(PendingDeletion{
		ID:            uuid.New(),
		RoleID:        role.ID,
		Snapshot:      role,
		ScheduledAt:   now,
		GraceDeadline: now.Add(s.window),
	})

	saveCtx, cancel := withTimeout(ctx, s.timeout)
	err := s.repo.SavePendingDeletion(saveCtx, d.record)
	cancel()
	if err != nil {
		// The write may have landed before the failure was reported.
		s.clearRecord(context.WithoutCancel(ctx), role.ID)
		return nil, persistenceError("save pending deletion", err)
	}

	s.roles.hide(role.ID)
	n := s.track(d)
	s.arm(d, s.window)

	s.recorder.DeletionTransition("requested")
	s.recorder.PendingDeletions(n)
	s.logger.Info("role deletion scheduled",
		slog.Int64("role_id", role.ID),
		slog.String("deletion_id", d.ID().String()),
		slog.Time("grace_deadline", d.GraceDeadline()))
	s.events.emit(ctx, RoleEvent{Type: EventRoleDeletionRequested, RoleID: role.ID, Meta: map[string]any{
		"deletion_id":    d.ID().String(),
		"grace_deadline": d.GraceDeadline(),
	}})
	return d, nil
}

// CancelDeletion restores the role if its undo window is still open. The caller holds the role lock.
func (s *DeletionScheduler) CancelDeletion(ctx context.Context, roleID int64) (Role, error) {
	d, ok := s.lookup(roleID)
	if !ok {
		return Role{}, fmt.Errorf("%w: %d", ErrNoPendingDeletion, roleID)
	}
	if !s.clock.Now().Before(d.GraceDeadline()) {
		return Role{}, fmt.Errorf("%w: role %d", ErrDeletionAlreadyFinalized, roleID)
	}
	if !d.transition(DeletionPending, deletionCancelling) {
		return Role{}, fmt.Errorf("%w: role %d", ErrDeletionAlreadyFinalized, roleID)
	}

	clearCtx, cancel := withTimeout(ctx, s.timeout)
	err := s.repo.ClearPendingDeletion(clearCtx, roleID)
	cancel()
	if err != nil {
		d.state.Store(int32(DeletionPending))
		d.stopTimer()
		s.arm(d, d.GraceDeadline().Sub(s.clock.Now()))
		return Role{}, persistenceError("clear pending deletion", err)
	}

	d.stopTimer()
	s.roles.restore(d.Snapshot())
	n := s.settle(d, DeletionCancelled, nil)

	s.recorder.DeletionTransition("cancelled")
	s.recorder.PendingDeletions(n)
	s.logger.Info("role deletion cancelled", slog.Int64("role_id", roleID))
	s.events.emit(ctx, RoleEvent{Type: EventRoleDeletionCancelled, RoleID: roleID})
	return d.Snapshot(), nil
}

// Recover re-arms deletions persisted by a previous run. Expired ones fire right away.
func (s *DeletionScheduler) Recover(ctx context.Context) error {
	loadCtx, cancel := withTimeout(ctx, s.timeout)
	records, err := s.repo.LoadPendingDeletions(loadCtx)
	cancel()
	if err != nil {
		return persistenceError("load pending deletions", err)
	}
	now := s.clock.Now()
	for _, record := range records {
		if record.Reverted {
			s.clearRecord(ctx, record.RoleID)
			continue
		}
		if _, vis := s.roles.lookup(record.RoleID); vis != roleActive && vis != roleHidden {
			s.clearRecord(ctx, record.RoleID)
			continue
		}
		if _, ok := s.lookup(record.RoleID); ok {
			continue
		}
		d := newDeletion(record)
		s.roles.hide(record.RoleID)
		s.track(d)
		s.arm(d, record.GraceDeadline.Sub(now))
		s.logger.Info("role deletion recovered",
			slog.Int64("role_id", record.RoleID),
			slog.Time("grace_deadline", record.GraceDeadline))
	}
	s.recorder.PendingDeletions(s.count())
	return nil
}

// Pending lists deletions still inside their undo window, earliest deadline first.
func (s *DeletionScheduler) Pending() []PendingDeletion {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PendingDeletion, 0, len(s.pending))
	for _, d := range s.pending {
		if d.State() == DeletionPending {
			out = append(out, d.record)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GraceDeadline.Before(out[j].GraceDeadline) })
	return out
}

// Status reports a deletion by id, whether still pending or finished within StatusRetention.
func (s *DeletionScheduler) Status(id uuid.UUID) (DeletionStatus, bool) {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked(now)
	if status, ok := s.finished[id]; ok {
		return status, true
	}
	for _, d := range s.pending {
		if d.ID() == id {
			return DeletionStatus{Record: d.record, State: DeletionPending}, true
		}
	}
	return DeletionStatus{}, false
}

// Close stops every timer without finalizing. Persisted records are picked up by Recover.
func (s *DeletionScheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for _, d := range s.pending {
		d.stopTimer()
	}
}

func (s *DeletionScheduler) fire(d *Deletion) {
	if s.isClosed() {
		return
	}
	if !d.transition(DeletionPending, DeletionFinalized) {
		return
	}
	unlock := s.locks.Lock(d.RoleID())
	defer unlock()

	ctx := context.Background()
	if err := s.finalize(ctx, d); err != nil {
		s.roles.restore(d.Snapshot())
		if derr := s.discard(ctx, d); derr != nil {
			s.logger.Error("discard reverted deletion",
				slog.Int64("role_id", d.RoleID()),
				slog.Any("error", derr))
			s.retryDiscard(d)
		}
		s.recorder.PendingDeletions(s.settle(d, DeletionReverted, err))
		s.recorder.DeletionTransition("reverted")
		s.logger.Error("role deletion reverted",
			slog.Int64("role_id", d.RoleID()),
			slog.Any("error", err))
		s.events.emit(ctx, RoleEvent{Type: EventRoleDeletionFailed, RoleID: d.RoleID(), Meta: map[string]any{
			"deletion_id": d.ID().String(),
			"error":       err.Error(),
		}})
		return
	}
	s.clearRecord(ctx, d.RoleID())
	s.recorder.PendingDeletions(s.settle(d, DeletionFinalized, nil))
	s.recorder.DeletionTransition("finalized")
	s.logger.Info("role deleted", slog.Int64("role_id", d.RoleID()))
	s.events.emit(ctx, RoleEvent{Type: EventRoleDeleted, RoleID: d.RoleID(), Meta: map[string]any{
		"deletion_id": d.ID().String(),
		"name":        d.Snapshot().Name,
	}})
}

func (s *DeletionScheduler) finalize(ctx context.Context, d *Deletion) error {
	if users := s.matrix.UsersWithRole(d.RoleID()); len(users) > 0 {
		if err := s.orphans(ctx, s.matrix, d.Snapshot(), users); err != nil {
			return err
		}
	}
	if err := s.roles.purge(ctx, d.RoleID()); err != nil {
		return err
	}
	s.matrix.dropRole(d.RoleID())
	return nil
}

func (s *DeletionScheduler) arm(d *Deletion, delay time.Duration) {
	if delay < 0 {
		delay = 0
	}
	d.setTimer(s.clock.AfterFunc(delay, func() { s.fire(d) }))
}

// discard removes the persisted record of a reverted deletion. If the record
// cannot be cleared it is overwritten with a tombstone so Recover never re-arms it.
func (s *DeletionScheduler) discard(ctx context.Context, d *Deletion) error {
	var clearErr error
	for attempt := 0; attempt < discardAttempts; attempt++ {
		clearCtx, cancel := withTimeout(ctx, s.timeout)
		clearErr = s.repo.ClearPendingDeletion(clearCtx, d.RoleID())
		cancel()
		if clearErr == nil {
			return nil
		}
	}
	tombstone := d.record
	tombstone.Reverted = true
	saveCtx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.repo.SavePendingDeletion(saveCtx, tombstone); err != nil {
		return persistenceError("discard reverted deletion", errors.Join(clearErr, err))
	}
	return nil
}

// retryDiscard keeps trying to discard a reverted record until it succeeds, the
// scheduler closes, or a newer deletion of the role owns the record.
func (s *DeletionScheduler) retryDiscard(d *Deletion) {
	s.clock.AfterFunc(discardRetryDelay, func() {
		if s.isClosed() {
			return
		}
		unlock := s.locks.Lock(d.RoleID())
		defer unlock()
		if _, ok := s.lookup(d.RoleID()); ok {
			return
		}
		if err := s.discard(context.Background(), d); err != nil {
			s.logger.Warn("discard reverted deletion",
				slog.Int64("role_id", d.RoleID()),
				slog.Any("error", err))
			s.retryDiscard(d)
		}
	})
}

// settle closes the deletion, keeps its outcome queryable and stops tracking it.
// It returns the number of deletions still pending.
func (s *DeletionScheduler) settle(d *Deletion, state DeletionState, err error) int {
	d.finish(state, err)
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked(now)
	s.finished[d.ID()] = DeletionStatus{Record: d.record, State: state, Err: err, FinishedAt: now}
	delete(s.pending, d.RoleID())
	return len(s.pending)
}

func (s *DeletionScheduler) pruneLocked(now time.Time) {
	for id, status := range s.finished {
		if now.Sub(status.FinishedAt) > StatusRetention {
			delete(s.finished, id)
		}
	}
}

func (s *DeletionScheduler) clearRecord(ctx context.Context, roleID int64) {
	clearCtx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.repo.ClearPendingDeletion(clearCtx, roleID); err != nil {
		s.logger.Warn("clear pending deletion",
			slog.Int64("role_id", roleID),
			slog.Any("error", err))
	}
}

func (s *DeletionScheduler) lookup(roleID int64) (*Deletion, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.pending[roleID]
	return d, ok
}

func (s *DeletionScheduler) track(d *Deletion) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[d.RoleID()] = d
	return len(s.pending)
}

func (s *DeletionScheduler) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *DeletionScheduler) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
