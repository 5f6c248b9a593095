package auth

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a user or key does not exist.
var ErrNotFound = errors.New("not found")

// Store is the read side of the user/key collaborator.
type Store interface {
	// GetKeyByHash returns the key whose hash matches, or ErrNotFound.
	GetKeyByHash(ctx context.Context, hash string) (*Key, error)
	// GetKey returns a key by id, or ErrNotFound.
	GetKey(ctx context.Context, id int64) (*Key, error)
	// GetUser returns a user by id, or ErrNotFound.
	GetUser(ctx context.Context, id int64) (*User, error)
}
