// Package store defines the adapter contract for the authoritative data
// store that sits behind the cache. Adapters own their timeouts and retry
// policy; callers never treat a cached copy as authoritative.
package store

import (
	"context"

	"github.com/cockroachdb/errors"
)

var (
	// ErrNotFound is returned by Load when the key does not exist in the
	// authoritative store.
	ErrNotFound = errors.New("store: key not found")

	// ErrUnavailable is returned when the authoritative store cannot be
	// reached. Reads against the cache degrade to pass-through failures,
	// writes fail outright.
	ErrUnavailable = errors.New("store: unavailable")
)

// IsNotFound reports whether err indicates a missing key.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsUnavailable reports whether err indicates an unreachable store.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// Adapter is the thin interface to the authoritative data store. It carries
// no caching logic. All calls are assumed idempotent-safe to retry at the
// caller's discretion, but nothing in this package retries automatically.
type Adapter interface {
	// Load fetches the authoritative value for key. Returns ErrNotFound if
	// the key does not exist.
	Load(ctx context.Context, key string) ([]byte, error)

	// Save writes value as the new authoritative state for key.
	Save(ctx context.Context, key string, value []byte) error

	// Delete removes key from the authoritative store. Deleting a missing
	// key is not an error.
	Delete(ctx context.Context, key string) error
}
