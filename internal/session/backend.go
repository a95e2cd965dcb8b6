// internal/session/backend.go
package session

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Backend.Get when the key has no value.
var ErrNotFound = errors.New("session: key not found")

// ChangeFunc is invoked when a key changes in another execution context
// (another process sharing the same durable store). Writes made through the
// same Backend instance never trigger it.
type ChangeFunc func(key, value string)

// Backend is the generic key/value store underneath the session Store.
// Implementations must be safe for concurrent use.
type Backend interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error

	// Subscribe registers fn for externally-originated changes and returns an
	// unsubscribe func. Backends without cross-process visibility (memory)
	// may never fire it.
	Subscribe(fn ChangeFunc) (func(), error)

	Close() error
}
