package users

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// RepositoryPort defines data access methods for users.
type RepositoryPort interface {
	ListUsers(ctx context.Context) ([]User, error)
	GetUser(ctx context.Context, id int64) (User, error)
}

// Service handles user business logic.
type Service struct {
	repo RepositoryPort
}

// NewService builds Service instance.
func NewService(repo RepositoryPort) *Service {
	return &Service{repo: repo}
}

// ListUsers returns all users.
func (s *Service) ListUsers(ctx context.Context) ([]User, error) {
	return s.repo.ListUsers(ctx)
}

// GetUser returns an active user.
func (s *Service) GetUser(ctx context.Context, id int64) (User, error) {
	user, err := s.repo.GetUser(ctx, id)
	if err != nil {
		return User{}, err
	}
	if !user.IsActive {
		return User{}, fmt.Errorf("%w: %d is inactive", ErrUserNotFound, id)
	}
	return user, nil
}

// StaticDirectory serves a fixed user list. Used for local runs without Postgres.
type StaticDirectory struct {
	mu    sync.RWMutex
	users map[int64]User
}

// NewStaticDirectory builds a directory from the given users.
func NewStaticDirectory(users ...User) *StaticDirectory {
	d := &StaticDirectory{users: make(map[int64]User, len(users))}
	for _, u := range users {
		d.users[u.ID] = u
	}
	return d
}

func (d *StaticDirectory) ListUsers(ctx context.Context) ([]User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]User, 0, len(d.users))
	for _, u := range d.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (d *StaticDirectory) GetUser(ctx context.Context, id int64) (User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[id]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return u, nil
}
