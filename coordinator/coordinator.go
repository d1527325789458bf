// Package coordinator mediates all reads and writes so the entry cache and
// the authoritative store stay consistent. Reads are read-through with
// single-flight coalescing; writes invalidate (or write through) so the next
// read repopulates from the store.
package coordinator

import (
	"context"
	"strconv"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/cachegate/cachegate/cache"
	"github.com/cachegate/cachegate/logger"
	"github.com/cachegate/cachegate/store"
)

// Scope selects how much of the cache a successful write invalidates.
type Scope int

const (
	// ScopeKey invalidates only the written key.
	ScopeKey Scope = iota
	// ScopeAll invalidates every cached entry on any write. Trivially
	// correct and maximally wasteful; kept for compatibility with coarse
	// clear-on-write deployments.
	ScopeAll
)

// ParseScope converts a scope name into a Scope, defaulting to ScopeKey.
func ParseScope(s string) Scope {
	if s == "all" || s == "all-keys" {
		return ScopeAll
	}
	return ScopeKey
}

func (s Scope) String() string {
	if s == ScopeAll {
		return "all"
	}
	return "key"
}

type config struct {
	ttl            time.Duration
	negativeTTL    time.Duration
	coalesceWindow time.Duration
	scope          Scope
	writeThrough   bool
	log            logger.Logger
}

// Option configures a Coordinator.
type Option func(*config)

// WithTTL sets the freshness window for entries populated by reads and
// write-through writes. Zero means the entry cache's default TTL.
func WithTTL(d time.Duration) Option {
	return func(c *config) { c.ttl = d }
}

// WithNegativeTTL enables caching of "key does not exist" results for the
// given window. Disabled by default: a missing key is never silently cached.
func WithNegativeTTL(d time.Duration) Option {
	return func(c *config) { c.negativeTTL = d }
}

// WithScope sets the invalidation scope applied after successful writes and
// deletes. Defaults to ScopeKey.
func WithScope(s Scope) Option {
	return func(c *config) { c.scope = s }
}

// WithCoalesceWindow bounds how long a read waits on another caller's
// in-flight load before issuing its own store load. Zero (the default)
// waits for the shared flight indefinitely.
func WithCoalesceWindow(d time.Duration) Option {
	return func(c *config) { c.coalesceWindow = d }
}

// WithWriteThrough updates the cache with the written value instead of
// invalidating it. Write-invalidate remains the safety-biased default.
func WithWriteThrough() Option {
	return func(c *config) { c.writeThrough = true }
}

// WithLogger sets the logger. Defaults to a console logger.
func WithLogger(log logger.Logger) Option {
	return func(c *config) { c.log = log }
}

// Coordinator orchestrates read-through loads, write invalidation and
// miss-stampede suppression between an EntryCache and a store Adapter.
type Coordinator struct {
	cache cache.EntryCache
	store store.Adapter
	log   logger.Logger
	cfg   config
	group singleflight.Group
}

// New returns a Coordinator wrapping the given entry cache and store adapter.
func New(entries cache.EntryCache, adapter store.Adapter, opts ...Option) *Coordinator {
	cfg := config{scope: ScopeKey}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.log == nil {
		cfg.log = logger.NewConsoleLogger()
	}
	return &Coordinator{
		cache: entries,
		store: adapter,
		log:   cfg.log.WithPrefix("[coordinator]"),
		cfg:   cfg,
	}
}

// Read returns the entry for key, serving from the cache when fresh and
// loading through the store adapter otherwise. Concurrent misses for the
// same key share one store load. A cached negative result, like a store
// miss, surfaces as store.ErrNotFound.
func (c *Coordinator) Read(ctx context.Context, key string) (*cache.Entry, error) {
	entry, found, err := c.cache.Get(ctx, key)
	if err != nil {
		// A failing entry cache degrades to pass-through, never to an error.
		c.log.Warn("entry cache get failed for %s, passing through: %s", key, err)
		found = false
	}
	if found && entry.Fresh(time.Now()) {
		if entry.Negative {
			return nil, store.ErrNotFound
		}
		return entry, nil
	}

	var observed int64
	if found {
		observed = entry.Version
		if entry.State == cache.StateValid {
			// Expired but previously valid. Flag it so surfaces can
			// report the refresh in progress.
			if err := c.cache.MarkRevalidating(ctx, key); err != nil {
				c.log.Trace("mark revalidating failed for %s: %s", key, err)
			}
		}
	}
	return c.load(ctx, key, observed)
}

// load runs (or joins) the single flight for key. Flights are keyed by the
// entry version the caller observed: an invalidation bumps the version, so a
// read that starts after the invalidation opens a fresh flight instead of
// coalescing into one that may resolve to the pre-write value.
func (c *Coordinator) load(ctx context.Context, key string, observed int64) (*cache.Entry, error) {
	flightKey := key + "@" + strconv.FormatInt(observed, 10)
	ch := c.group.DoChan(flightKey, func() (any, error) {
		// The load is detached from any single caller: cancelling one
		// waiter must not starve the rest.
		return c.loadAndPopulate(context.WithoutCancel(ctx), key, observed)
	})

	var window <-chan time.Time
	if c.cfg.coalesceWindow > 0 {
		timer := time.NewTimer(c.cfg.coalesceWindow)
		defer timer.Stop()
		window = timer.C
	}

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*cache.Entry), nil
	case <-window:
		// Waited long enough on the shared flight; go to the store
		// directly. The flight keeps running and still populates the
		// cache for its remaining waiters.
		value, err := c.store.Load(ctx, key)
		if err != nil {
			return nil, err
		}
		return &cache.Entry{Key: key, Value: value, Version: observed, State: cache.StateValid}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Coordinator) loadAndPopulate(ctx context.Context, key string, observed int64) (*cache.Entry, error) {
	value, err := c.store.Load(ctx, key)
	if err != nil {
		if store.IsNotFound(err) && c.cfg.negativeTTL > 0 {
			if _, perr := c.cache.PutNegative(ctx, key, c.cfg.negativeTTL); perr != nil {
				c.log.Warn("negative cache put failed for %s: %s", key, perr)
			}
		}
		// Failures and misses resolve every waiter; neither is cached as
		// a value.
		return nil, err
	}

	// Tie-break: the put only lands while the entry version still matches
	// what this flight observed. If the key was invalidated or rewritten
	// while the load was in flight, the loaded value may predate the write,
	// so it must not overwrite the newer cache state. Waiters still get the
	// value; they started before the write completed.
	entry, stored, perr := c.cache.PutIfVersion(ctx, key, value, c.cfg.ttl, observed)
	if perr != nil {
		c.log.Warn("entry cache put failed for %s, passing through: %s", key, perr)
		return &cache.Entry{Key: key, Value: value, Version: observed, State: cache.StateValid}, nil
	}
	if !stored {
		c.log.Debug("discarding stale load for %s (version moved past %d)", key, observed)
		if current, exists, gerr := c.cache.Get(ctx, key); gerr == nil && exists && current.Fresh(time.Now()) && !current.Negative {
			return current, nil
		}
		return &cache.Entry{Key: key, Value: value, Version: observed, State: cache.StateValid}, nil
	}
	return entry, nil
}

// Write saves value to the authoritative store, then invalidates the cache
// per the configured scope (or updates it in place under write-through).
// On store failure the cache is untouched and the error surfaces; there is
// no partial invalidation. Returns the cached entry under write-through,
// nil otherwise.
func (c *Coordinator) Write(ctx context.Context, key string, value []byte) (*cache.Entry, error) {
	if err := c.store.Save(ctx, key, value); err != nil {
		return nil, err
	}
	if c.cfg.writeThrough {
		entry, err := c.cache.Put(ctx, key, value, c.cfg.ttl)
		if err != nil {
			// The store accepted the write; fall back to invalidation so
			// the stale copy cannot be served.
			c.log.Warn("write-through put failed for %s, invalidating: %s", key, err)
			return nil, c.invalidate(ctx, key)
		}
		return entry, nil
	}
	return nil, c.invalidate(ctx, key)
}

// Delete removes key from the authoritative store, then invalidates the
// cache per the configured scope. On store failure the cache is untouched.
func (c *Coordinator) Delete(ctx context.Context, key string) error {
	if err := c.store.Delete(ctx, key); err != nil {
		return err
	}
	return c.invalidate(ctx, key)
}

func (c *Coordinator) invalidate(ctx context.Context, key string) error {
	if c.cfg.scope == ScopeAll {
		return c.cache.InvalidateAll(ctx)
	}
	return c.cache.Invalidate(ctx, key)
}

// Invalidate marks key unservable without touching the store.
func (c *Coordinator) Invalidate(ctx context.Context, key string) error {
	return c.cache.Invalidate(ctx, key)
}

// InvalidateAll marks every cached entry unservable without touching the
// store.
func (c *Coordinator) InvalidateAll(ctx context.Context) error {
	return c.cache.InvalidateAll(ctx)
}

// ReadValue reads key through coord and decodes the payload into T.
func ReadValue[T any](ctx context.Context, coord *Coordinator, key string) (T, error) {
	entry, err := coord.Read(ctx, key)
	if err != nil {
		var zero T
		return zero, err
	}
	return cache.DecodeValue[T](entry.Value)
}

// WriteValue encodes val and writes it through coord under key.
func WriteValue[T any](ctx context.Context, coord *Coordinator, key string, val T) error {
	data, err := cache.EncodeValue(val)
	if err != nil {
		return err
	}
	_, err = coord.Write(ctx, key, data)
	return err
}
