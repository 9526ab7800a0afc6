// Package store defines the persistence interface for the account state
// blob. Implementations include a JSON file (default), Redis, PostgreSQL,
// and in-memory (for testing). Each holds one versioned blob per key.
package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Load when nothing has been saved under a key.
var ErrNotFound = errors.New("store: no state saved under key")

// Persister is a key-value slot for serialized account state.
type Persister interface {
	// Load returns the bytes last saved under key, or ErrNotFound.
	Load(ctx context.Context, key string) ([]byte, error)

	// Save replaces the bytes stored under key.
	Save(ctx context.Context, key string, data []byte) error
}

// Watcher is implemented by persisters whose medium can be shared by more
// than one process. Watch blocks until ctx is done, calling onChange
// whenever another writer replaces the value under key. Delivery is best
// effort; callers reload and compare.
type Watcher interface {
	Watch(ctx context.Context, key string, onChange func()) error
}
