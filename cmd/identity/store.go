package identity

import (
	"context"
	"time"
)

// User is a clinic staff account.
type User struct {
	ID           string
	Username     string
	Role         Role
	PasswordHash string
	CreatedAt    time.Time
}

// NewUser is the input to Store.CreateUser. PasswordHash is already encoded.
type NewUser struct {
	ID           string
	Username     string
	Role         Role
	PasswordHash string
	CreatedAt    time.Time
}

// Store persists staff accounts. Usernames are unique after NormalizeUsername.
type Store interface {
	CreateUser(ctx context.Context, in NewUser) (User, error)
	GetByID(ctx context.Context, id string) (User, error)
	GetByUsername(ctx context.Context, username string) (User, error)
	UpdatePasswordHash(ctx context.Context, id, hash string) error
}

func validateNewUser(op string, in NewUser) (NewUser, error) {
	in.Username = NormalizeUsername(in.Username)
	if in.ID == "" {
		return NewUser{}, invalid(op, "id is required")
	}
	if !validUsername(in.Username) {
		return NewUser{}, invalid(op, "username must be 3-64 characters of [a-z0-9._-]")
	}
	if !in.Role.Valid() {
		return NewUser{}, invalid(op, "unknown role")
	}
	if in.PasswordHash == "" {
		return NewUser{}, invalid(op, "password hash is required")
	}
	if in.CreatedAt.IsZero() {
		in.CreatedAt = time.Now().UTC()
	}
	return in, nil
}
