package rbac

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves time forward and runs every due callback on the calling goroutine.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	due := c.dueLocked()
	c.mu.Unlock()
	for _, t := range due {
		t.f()
	}
}

// Set moves time without running callbacks, leaving due timers for a later Advance.
func (c *fakeClock) Set(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Armed counts timers that have neither fired nor been stopped.
func (c *fakeClock) Armed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

func (c *fakeClock) dueLocked() []*fakeTimer {
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	return due
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// flakyRepo wraps MemoryRepository with switchable failures.
type flakyRepo struct {
	*MemoryRepository

	mu            sync.Mutex
	failSaveRole  error
	failDelete    error
	failSavePerms error
	failSavePend  error
	failClearPend error
	lateSavePend  error
	failList      error
	hang          bool
}

func newFlakyRepo(perms ...Permission) *flakyRepo {
	return &flakyRepo{MemoryRepository: NewMemoryRepository(perms...)}
}

func (r *flakyRepo) set(fn func(r *flakyRepo)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r)
}

func (r *flakyRepo) fail(ctx context.Context, err func(r *flakyRepo) error) error {
	r.mu.Lock()
	hang := r.hang
	e := err(r)
	r.mu.Unlock()
	if hang {
		<-ctx.Done()
		return ctx.Err()
	}
	return e
}

func (r *flakyRepo) SaveRole(ctx context.Context, role Role) (Role, error) {
	if err := r.fail(ctx, func(r *flakyRepo) error { return r.failSaveRole }); err != nil {
		return Role{}, err
	}
	return r.MemoryRepository.SaveRole(ctx, role)
}

func (r *flakyRepo) DeleteRolePermanently(ctx context.Context, id int64) error {
	if err := r.fail(ctx, func(r *flakyRepo) error { return r.failDelete }); err != nil {
		return err
	}
	return r.MemoryRepository.DeleteRolePermanently(ctx, id)
}

func (r *flakyRepo) SaveRolePermissions(ctx context.Context, roleID int64, ids []int64) error {
	if err := r.fail(ctx, func(r *flakyRepo) error { return r.failSavePerms }); err != nil {
		return err
	}
	return r.MemoryRepository.SaveRolePermissions(ctx, roleID, ids)
}

func (r *flakyRepo) SavePendingDeletion(ctx context.Context, p PendingDeletion) error {
	if err := r.fail(ctx, func(r *flakyRepo) error { return r.failSavePend }); err != nil {
		return err
	}
	if err := r.MemoryRepository.SavePendingDeletion(ctx, p); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lateSavePend
}

func (r *flakyRepo) ClearPendingDeletion(ctx context.Context, roleID int64) error {
	if err := r.fail(ctx, func(r *flakyRepo) error { return r.failClearPend }); err != nil {
		return err
	}
	return r.MemoryRepository.ClearPendingDeletion(ctx, roleID)
}

func (r *flakyRepo) ListPermissions(ctx context.Context) ([]Permission, error) {
	if err := r.fail(ctx, func(r *flakyRepo) error { return r.failList }); err != nil {
		return nil, err
	}
	return r.MemoryRepository.ListPermissions(ctx)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []RoleEvent
	err    error
}

func (p *recordingPublisher) PublishRoleEvent(_ context.Context, event RoleEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return p.err
}

func (p *recordingPublisher) types() []RoleEventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]RoleEventType, len(p.events))
	for i, e := range p.events {
		out[i] = e.Type
	}
	return out
}

type countingRecorder struct {
	mu          sync.Mutex
	transitions map[string]int
	pending     int
}

func (r *countingRecorder) DeletionTransition(outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.transitions == nil {
		r.transitions = map[string]int{}
	}
	r.transitions[outcome]++
}

func (r *countingRecorder) PendingDeletions(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = n
}

func (r *countingRecorder) count(outcome string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transitions[outcome]
}

var testCatalog = []Permission{
	{ID: 1, Name: "finance.view", Description: "View finance"},
	{ID: 2, Name: "finance.export", Description: "Export finance"},
	{ID: 3, Name: "users.manage", Description: "Manage users"},
	{ID: 4, Name: "roles.manage", Description: "Manage roles"},
}

type harness struct {
	svc       *Service
	repo      *flakyRepo
	clock     *fakeClock
	publisher *recordingPublisher
	recorder  *countingRecorder
}

func newHarness(t *testing.T, cfg Config, roles ...Role) *harness {
	t.Helper()
	repo := newFlakyRepo(testCatalog...)
	repo.Seed(roles...)
	clock := newFakeClock()
	publisher := &recordingPublisher{}
	recorder := &countingRecorder{}
	svc, err := NewService(Dependencies{
		Roles:       repo,
		Permissions: repo,
		Assignments: repo,
		Pending:     repo,
		Publisher:   publisher,
		Recorder:    recorder,
		Clock:       clock,
	}, cfg)
	require.NoError(t, err)
	require.NoError(t, svc.Load(context.Background()))
	t.Cleanup(svc.Close)
	return &harness{svc: svc, repo: repo, clock: clock, publisher: publisher, recorder: recorder}
}

func superadmin() Role {
	return Role{ID: 1, Name: "superadmin", Description: "Full access", Protected: true}
}
