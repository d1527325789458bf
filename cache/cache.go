package cache

import (
	"context"
	"time"
)

// State describes the lifecycle state of a cached entry.
type State int8

const (
	// StateValid means the entry may be served while it is unexpired.
	StateValid State = iota
	// StateRevalidating means a refresh against the authoritative store is
	// in progress for this entry.
	StateRevalidating
	// StateInvalidated means the entry must never be served again until a
	// new Put replaces it. The record itself may linger until lazily
	// reclaimed.
	StateInvalidated
)

func (s State) String() string {
	switch s {
	case StateValid:
		return "valid"
	case StateRevalidating:
		return "revalidating"
	case StateInvalidated:
		return "invalidated"
	default:
		return "unknown"
	}
}

// Entry is a single cached record. Version increases monotonically for the
// lifetime of the record: every Put and every Invalidate bumps it, which is
// what lets the coordinator detect a load that raced an invalidation.
type Entry struct {
	Key       string
	Value     []byte
	Version   int64
	ExpiresAt time.Time
	State     State
	// Negative marks a cached "key does not exist" result. Only created
	// when negative caching is explicitly enabled.
	Negative bool
}

// Fresh reports whether the entry may be served as-is: valid state and not
// past its expiry. A zero ExpiresAt never expires.
func (e *Entry) Fresh(now time.Time) bool {
	if e == nil || e.State != StateValid {
		return false
	}
	return e.ExpiresAt.IsZero() || now.Before(e.ExpiresAt)
}

// EntryCache is keyed storage of cached values with TTL and versioning.
// Implementations must be safe for concurrent use and must never perform
// blocking I/O while holding a lock that stalls other keys.
type EntryCache interface {
	// Get returns the entry for key without side effects beyond hit
	// accounting. Invalidated and expired entries are still returned so
	// callers can observe their version; check Fresh before serving.
	Get(ctx context.Context, key string) (*Entry, bool, error)

	// Put creates or overwrites the entry, setting version = previous
	// version + 1 (or 1 if new) and expiresAt = now + ttl. If ttl <= 0 the
	// cache's configured default TTL is used.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) (*Entry, error)

	// PutNegative records that key does not exist in the authoritative
	// store, with its own TTL.
	PutNegative(ctx context.Context, key string, ttl time.Duration) (*Entry, error)

	// PutIfVersion stores value only while the entry's version still equals
	// version (0 matches a missing entry). Returns ok=false without
	// storing when the version moved in the interim. This is the
	// compare-and-set a read-through load uses so it can never overwrite
	// an entry invalidated while the load was in flight.
	//
	// The guard holds for as long as the invalidation placeholder is
	// retained: one expiry-check interval past the invalidation. A load
	// in flight longer than that can find the key reclaimed and match
	// version 0 again, so the expiry-check interval bounds how long a
	// store load may take and still be safely discarded.
	PutIfVersion(ctx context.Context, key string, value []byte, ttl time.Duration, version int64) (*Entry, bool, error)

	// Invalidate marks the entry invalidated and bumps its version. A
	// missing key gets an invalidated placeholder so that loads already in
	// flight can detect the version change. Idempotent in observable
	// state: the entry stays unservable however often it is called.
	Invalidate(ctx context.Context, key string) error

	// InvalidateAll marks every tracked entry invalidated. Coarse-grained
	// clears trade selectivity for trivially correct consistency.
	InvalidateAll(ctx context.Context) error

	// MarkRevalidating flags a valid entry as being refreshed. No-op for
	// missing or invalidated entries.
	MarkRevalidating(ctx context.Context, key string) error

	// Hits returns the number of times a key has been served.
	Hits(ctx context.Context, key string) (bool, int)

	// Close shuts down the cache.
	Close() error
}

// DefaultTTL is the freshness window used when Put is called with ttl <= 0
// and no override was configured.
const DefaultTTL = 5 * time.Minute

// DefaultQueryTimeout is the per-operation timeout for cache backends that
// perform I/O (Redis). Prevents indefinite hangs on slow or unresponsive
// storage.
const DefaultQueryTimeout = 5 * time.Second

// config holds the resolved configuration for an EntryCache implementation.
type config struct {
	defaultTTL   time.Duration
	queryTimeout time.Duration
	expiryCheck  time.Duration
	shards       int
	prefix       string
}

// Option configures an EntryCache implementation.
type Option func(*config)

func defaultConfig() config {
	return config{
		defaultTTL:   DefaultTTL,
		queryTimeout: DefaultQueryTimeout,
		expiryCheck:  time.Minute,
		shards:       16,
	}
}

func applyOptions(opts []Option) config {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// WithTTL sets the default freshness window for cached values. This is used
// when Put is called with ttl <= 0. Defaults to DefaultTTL (5 minutes).
func WithTTL(d time.Duration) Option {
	return func(c *config) { c.defaultTTL = d }
}

// WithQueryTimeout sets the per-operation timeout for I/O-backed caches
// (Redis). Defaults to DefaultQueryTimeout (5 seconds).
func WithQueryTimeout(d time.Duration) Option {
	return func(c *config) { c.queryTimeout = d }
}

// WithExpiryCheck sets the interval for background reclamation of expired
// and invalidated entries. Applies to the in-memory backend. Defaults to
// 1 minute.
func WithExpiryCheck(d time.Duration) Option {
	return func(c *config) { c.expiryCheck = d }
}

// WithShards sets the shard count for the in-memory backend. Defaults to 16.
func WithShards(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.shards = n
		}
	}
}

// WithPrefix sets the key prefix for namespacing cache keys.
// Applies to the Redis backend. Defaults to empty (no prefix).
func WithPrefix(p string) Option {
	return func(c *config) { c.prefix = p }
}
