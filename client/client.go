// Package client implements a client-side mirror of the coordinator with
// stale-while-revalidate semantics: local copies are served immediately,
// stale ones kick off exactly one background refresh, and optimistic
// mutations roll back when the remote write fails.
package client

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/cachegate/cachegate/logger"
	"github.com/cachegate/cachegate/store"
)

// Result is what the coordinator's public surface returns for one key. The
// version lets the client decide staleness; 0 means the origin did not
// report one.
type Result struct {
	Value   []byte
	Version int64
}

// Origin is the coordinator's read/write surface as seen from a client.
// Fetch returns store.ErrNotFound for missing keys. Push may return a nil
// Result when the origin cannot report the post-write version (the
// write-invalidate policy discards the cached entry).
type Origin interface {
	Fetch(ctx context.Context, key string) (*Result, error)
	Push(ctx context.Context, key string, value []byte) (*Result, error)
	Remove(ctx context.Context, key string) error
}

// DefaultFreshFor is the local freshness window when none is configured.
const DefaultFreshFor = 30 * time.Second

type localEntry struct {
	value     []byte
	version   int64
	fetchedAt time.Time
}

type config struct {
	freshFor time.Duration
	log      logger.Logger
}

// Option configures a Cache.
type Option func(*config)

// WithFreshFor sets how long a local copy is served without being considered
// stale. Defaults to DefaultFreshFor (30 seconds).
func WithFreshFor(d time.Duration) Option {
	return func(c *config) { c.freshFor = d }
}

// WithLogger sets the logger. Defaults to a console logger.
func WithLogger(log logger.Logger) Option {
	return func(c *config) { c.log = log }
}

// Cache is the client-side revalidation cache.
type Cache struct {
	origin Origin
	log    logger.Logger
	cfg    config

	ctx    context.Context
	cancel context.CancelFunc

	mutex        sync.Mutex
	entries      map[string]*localEntry
	revalidating map[string]struct{}

	group     singleflight.Group
	waitGroup sync.WaitGroup
	once      sync.Once
}

// New returns a client cache mirroring origin.
func New(parent context.Context, origin Origin, opts ...Option) *Cache {
	cfg := config{freshFor: DefaultFreshFor}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.log == nil {
		cfg.log = logger.NewConsoleLogger()
	}
	ctx, cancel := context.WithCancel(parent)
	return &Cache{
		origin:       origin,
		log:          cfg.log.WithPrefix("[client]"),
		cfg:          cfg,
		ctx:          ctx,
		cancel:       cancel,
		entries:      make(map[string]*localEntry),
		revalidating: make(map[string]struct{}),
	}
}

// Read returns the local copy for key. A stale copy is still returned
// immediately, with stale=true, and triggers one background revalidation
// against the origin. When no local copy exists the read blocks until the
// remote fetch resolves; concurrent first reads share one fetch.
func (c *Cache) Read(ctx context.Context, key string) ([]byte, bool, error) {
	c.mutex.Lock()
	if e, ok := c.entries[key]; ok {
		value := cloneBytes(e.value)
		stale := time.Since(e.fetchedAt) > c.cfg.freshFor
		if stale {
			c.scheduleRevalidation(key)
		}
		c.mutex.Unlock()
		return value, stale, nil
	}
	c.mutex.Unlock()

	// No local copy: block on the remote read. Concurrent callers for the
	// same key coalesce into one outstanding fetch.
	ch := c.group.DoChan(key, func() (any, error) {
		return c.fetch(context.WithoutCancel(ctx), key)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, false, res.Err
		}
		return cloneBytes(res.Val.([]byte)), false, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// Mutate optimistically applies newValue locally, pushes it to the origin,
// and rolls the local copy back if the remote write fails. When the origin
// does not report the post-write version, a background revalidation fetches
// the authoritative copy.
func (c *Cache) Mutate(ctx context.Context, key string, newValue []byte) error {
	now := time.Now()
	c.mutex.Lock()
	prev, hadPrev := c.entries[key]
	next := &localEntry{value: cloneBytes(newValue), fetchedAt: now}
	if hadPrev {
		next.version = prev.version
	}
	c.entries[key] = next
	c.mutex.Unlock()

	res, err := c.origin.Push(ctx, key, newValue)
	if err != nil {
		c.mutex.Lock()
		if hadPrev {
			c.entries[key] = prev
		} else {
			delete(c.entries, key)
		}
		c.mutex.Unlock()
		c.log.Warn("mutation of %s failed, rolled back local copy: %s", key, err)
		return err
	}

	c.mutex.Lock()
	if e, ok := c.entries[key]; ok {
		if res != nil && res.Version > 0 {
			// The optimistic value is authoritative.
			e.version = res.Version
			e.fetchedAt = time.Now()
		} else {
			c.scheduleRevalidation(key)
		}
	}
	c.mutex.Unlock()
	return nil
}

// Remove deletes key at the origin and drops the local copy.
func (c *Cache) Remove(ctx context.Context, key string) error {
	if err := c.origin.Remove(ctx, key); err != nil {
		return err
	}
	c.mutex.Lock()
	delete(c.entries, key)
	c.mutex.Unlock()
	return nil
}

// Forget drops the local copy without contacting the origin.
func (c *Cache) Forget(key string) {
	c.mutex.Lock()
	delete(c.entries, key)
	c.mutex.Unlock()
}

// Close cancels and drains background revalidations.
func (c *Cache) Close() error {
	c.once.Do(func() {
		c.cancel()
		c.waitGroup.Wait()
	})
	return nil
}

// scheduleRevalidation starts one background refresh for key unless one is
// already in flight. Tracking lives on the Cache, keyed by name, so the
// guarantee survives the entry being replaced by a mutation or rollback.
// Caller holds c.mutex.
func (c *Cache) scheduleRevalidation(key string) {
	if _, inflight := c.revalidating[key]; inflight {
		return
	}
	c.revalidating[key] = struct{}{}
	c.waitGroup.Add(1)
	go c.revalidate(key)
}

// fetchWins reports whether a fetch that started at started may replace the
// current entry. A copy written at or after the fetch began wins over the
// fetched one unless the fetch observed a strictly newer version; the fetch
// may have read the origin before that write landed.
func fetchWins(e *localEntry, res *Result, started time.Time) bool {
	return e.fetchedAt.Before(started) || res.Version > e.version
}

// fetch performs the blocking remote read and installs the result locally.
func (c *Cache) fetch(ctx context.Context, key string) ([]byte, error) {
	started := time.Now()
	res, err := c.origin.Fetch(ctx, key)
	if err != nil {
		return nil, err
	}
	c.mutex.Lock()
	if e, ok := c.entries[key]; !ok || fetchWins(e, res, started) {
		c.entries[key] = &localEntry{
			value:     cloneBytes(res.Value),
			version:   res.Version,
			fetchedAt: time.Now(),
		}
	}
	c.mutex.Unlock()
	return res.Value, nil
}

// revalidate refreshes one stale entry in the background.
func (c *Cache) revalidate(key string) {
	defer c.waitGroup.Done()
	started := time.Now()
	res, err := c.origin.Fetch(c.ctx, key)

	c.mutex.Lock()
	defer c.mutex.Unlock()
	delete(c.revalidating, key)
	e, ok := c.entries[key]
	if !ok {
		return
	}
	switch {
	case err == nil:
		if !fetchWins(e, res, started) {
			// A mutation replaced the entry while this fetch was in
			// flight; the fetched copy may predate that write.
			return
		}
		e.value = cloneBytes(res.Value)
		e.version = res.Version
		e.fetchedAt = time.Now()
	case store.IsNotFound(err):
		if e.fetchedAt.Before(started) {
			delete(c.entries, key)
		}
	default:
		// Keep serving the stale copy; the next stale read retries.
		c.log.Warn("revalidation of %s failed: %s", key, err)
	}
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
