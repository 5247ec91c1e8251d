package users

import (
	"errors"
	"time"
)

// ErrUserNotFound indicates the directory has no such user.
var ErrUserNotFound = errors.New("users: user not found")

// User is a directory entry. Identity data is owned elsewhere; access management only reads it.
type User struct {
	ID        int64     `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
