// Package store provides the durable key-value persistence shared by the
// foreground agent and the background sync worker.
package store

import (
	"context"
	"errors"
)

var (
	// ErrNotConfigured is returned by a nil or closed store.
	ErrNotConfigured = errors.New("store: not configured")
	// ErrConflict is returned when an Update lost every compare-and-swap round.
	ErrConflict = errors.New("store: update conflict")
)

// UpdateFunc computes the next value of a key from its current value.
// found is false when the key does not exist yet.
type UpdateFunc func(current []byte, found bool) ([]byte, error)

// Store is a durable key-value store. Update applies fn atomically with
// respect to other writers of the same key, retrying fn on conflict.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
	Update(ctx context.Context, key string, fn UpdateFunc) error
}

// maxUpdateRounds bounds optimistic retries in Update.
const maxUpdateRounds = 8
