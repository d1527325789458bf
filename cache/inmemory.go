package cache

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// holder wraps an entry with bookkeeping the sweeper needs.
type holder struct {
	entry   Entry
	touched time.Time
	hits    int
}

type shard struct {
	mutex   sync.Mutex
	entries map[string]*holder
}

type inMemoryCache struct {
	ctx       context.Context
	cancel    context.CancelFunc
	shards    []*shard
	waitGroup sync.WaitGroup
	once      sync.Once
	cfg       config
}

var _ EntryCache = (*inMemoryCache)(nil)

// NewInMemory returns a sharded in-memory EntryCache. A background sweeper
// reclaims expired and invalidated entries; reclamation is lazy, so an
// invalidated entry may linger (unservable) for up to one sweep interval.
func NewInMemory(parent context.Context, opts ...Option) EntryCache {
	cfg := applyOptions(opts)
	ctx, cancel := context.WithCancel(parent)
	c := &inMemoryCache{
		ctx:    ctx,
		cancel: cancel,
		shards: make([]*shard, cfg.shards),
		cfg:    cfg,
	}
	for i := range c.shards {
		c.shards[i] = &shard{entries: make(map[string]*holder)}
	}
	c.waitGroup.Add(1)
	go c.run()
	return c
}

func (c *inMemoryCache) shard(key string) *shard {
	return c.shards[xxhash.Sum64String(key)%uint64(len(c.shards))]
}

func (c *inMemoryCache) Get(_ context.Context, key string) (*Entry, bool, error) {
	sh := c.shard(key)
	sh.mutex.Lock()
	defer sh.mutex.Unlock()
	h, ok := sh.entries[key]
	if !ok {
		return nil, false, nil
	}
	if h.entry.Fresh(time.Now()) {
		h.hits++
	}
	entry := h.entry
	return &entry, true, nil
}

func (c *inMemoryCache) Put(_ context.Context, key string, value []byte, ttl time.Duration) (*Entry, error) {
	return c.put(key, value, ttl, false), nil
}

func (c *inMemoryCache) PutNegative(_ context.Context, key string, ttl time.Duration) (*Entry, error) {
	return c.put(key, nil, ttl, true), nil
}

func (c *inMemoryCache) PutIfVersion(_ context.Context, key string, value []byte, ttl time.Duration, version int64) (*Entry, bool, error) {
	if ttl <= 0 {
		ttl = c.cfg.defaultTTL
	}
	now := time.Now()
	sh := c.shard(key)
	sh.mutex.Lock()
	defer sh.mutex.Unlock()
	prev, ok := sh.entries[key]
	if !ok && version != 0 {
		return nil, false, nil
	}
	if ok && prev.entry.Version != version {
		return nil, false, nil
	}
	h := &holder{
		entry: Entry{
			Key:       key,
			Value:     value,
			Version:   version + 1,
			ExpiresAt: now.Add(ttl),
			State:     StateValid,
		},
		touched: now,
	}
	sh.entries[key] = h
	entry := h.entry
	return &entry, true, nil
}

func (c *inMemoryCache) put(key string, value []byte, ttl time.Duration, negative bool) *Entry {
	if ttl <= 0 {
		ttl = c.cfg.defaultTTL
	}
	now := time.Now()
	sh := c.shard(key)
	sh.mutex.Lock()
	defer sh.mutex.Unlock()
	var version int64 = 1
	if prev, ok := sh.entries[key]; ok {
		version = prev.entry.Version + 1
	}
	h := &holder{
		entry: Entry{
			Key:       key,
			Value:     value,
			Version:   version,
			ExpiresAt: now.Add(ttl),
			State:     StateValid,
			Negative:  negative,
		},
		touched: now,
	}
	sh.entries[key] = h
	entry := h.entry
	return &entry
}

func (c *inMemoryCache) Invalidate(_ context.Context, key string) error {
	now := time.Now()
	sh := c.shard(key)
	sh.mutex.Lock()
	defer sh.mutex.Unlock()
	if h, ok := sh.entries[key]; ok {
		if h.entry.State != StateInvalidated {
			h.entry.State = StateInvalidated
			h.entry.Version++
		}
		h.touched = now
		return nil
	}
	// Placeholder so a load already in flight for this key observes the
	// version change and discards its result.
	sh.entries[key] = &holder{
		entry:   Entry{Key: key, Version: 1, State: StateInvalidated},
		touched: now,
	}
	return nil
}

func (c *inMemoryCache) InvalidateAll(_ context.Context) error {
	now := time.Now()
	for _, sh := range c.shards {
		sh.mutex.Lock()
		for _, h := range sh.entries {
			if h.entry.State != StateInvalidated {
				h.entry.State = StateInvalidated
				h.entry.Version++
			}
			h.touched = now
		}
		sh.mutex.Unlock()
	}
	return nil
}

func (c *inMemoryCache) MarkRevalidating(_ context.Context, key string) error {
	sh := c.shard(key)
	sh.mutex.Lock()
	defer sh.mutex.Unlock()
	if h, ok := sh.entries[key]; ok && h.entry.State == StateValid {
		h.entry.State = StateRevalidating
	}
	return nil
}

func (c *inMemoryCache) Hits(_ context.Context, key string) (bool, int) {
	sh := c.shard(key)
	sh.mutex.Lock()
	defer sh.mutex.Unlock()
	if h, ok := sh.entries[key]; ok {
		return true, h.hits
	}
	return false, 0
}

func (c *inMemoryCache) Close() error {
	c.once.Do(func() {
		c.cancel()
		c.waitGroup.Wait()
	})
	return nil
}

func (c *inMemoryCache) run() {
	defer c.waitGroup.Done()
	ticker := time.NewTicker(c.cfg.expiryCheck)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.sweep(time.Now())
		}
	}
}

// sweep removes entries that are past expiry, and invalidated entries that
// have sat untouched for a full sweep interval. The grace period keeps
// invalidation placeholders visible to loads still in flight; a load that
// outlives it can match version 0 against the reclaimed key, so the sweep
// interval is the upper bound on a safely discarded load.
func (c *inMemoryCache) sweep(now time.Time) {
	for _, sh := range c.shards {
		sh.mutex.Lock()
		for key, h := range sh.entries {
			switch {
			case h.entry.State == StateInvalidated && now.Sub(h.touched) >= c.cfg.expiryCheck:
				delete(sh.entries, key)
			case h.entry.State != StateInvalidated && !h.entry.ExpiresAt.IsZero() && h.entry.ExpiresAt.Before(now):
				delete(sh.entries, key)
			}
		}
		sh.mutex.Unlock()
	}
}
