package cache

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis hash fields per cached key: v = payload, ver = version, st = state,
// neg = negative flag, exp = expiry unix nanos, h = hit count.
type redisCache struct {
	client *redis.Client
	cfg    config
}

var _ EntryCache = (*redisCache)(nil)

// NewRedis returns an EntryCache backed by Redis, for deployments where the
// entry cache is shared between coordinator processes.
// The caller owns the redis.Client lifecycle; Close does not close the client.
func NewRedis(client *redis.Client, opts ...Option) EntryCache {
	return &redisCache{
		client: client,
		cfg:    applyOptions(opts),
	}
}

func (c *redisCache) queryCtx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, c.cfg.queryTimeout)
}

func (c *redisCache) prefixKey(key string) string {
	if c.cfg.prefix == "" {
		return key
	}
	return c.cfg.prefix + ":" + key
}

func (c *redisCache) pattern() string {
	if c.cfg.prefix == "" {
		return "*"
	}
	return c.cfg.prefix + ":*"
}

func (c *redisCache) Get(ctx context.Context, key string) (*Entry, bool, error) {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	k := c.prefixKey(key)
	fields, err := c.client.HGetAll(qctx, k).Result()
	if err != nil {
		return nil, false, err
	}
	if len(fields) == 0 {
		return nil, false, nil
	}
	entry := &Entry{Key: key}
	if v, ok := fields["v"]; ok {
		entry.Value = []byte(v)
	}
	if ver, ok := fields["ver"]; ok {
		entry.Version, _ = strconv.ParseInt(ver, 10, 64)
	}
	if st, ok := fields["st"]; ok {
		n, _ := strconv.Atoi(st)
		entry.State = State(n)
	}
	if neg, ok := fields["neg"]; ok {
		entry.Negative = neg == "1"
	}
	if exp, ok := fields["exp"]; ok {
		if nanos, err := strconv.ParseInt(exp, 10, 64); err == nil && nanos > 0 {
			entry.ExpiresAt = time.Unix(0, nanos)
		}
	}
	if entry.Fresh(time.Now()) {
		// Fire-and-forget, don't fail the Get.
		c.client.HIncrBy(qctx, k, "h", 1)
	}
	return entry, true, nil
}

func (c *redisCache) Put(ctx context.Context, key string, value []byte, ttl time.Duration) (*Entry, error) {
	return c.put(ctx, key, value, ttl, false)
}

func (c *redisCache) PutNegative(ctx context.Context, key string, ttl time.Duration) (*Entry, error) {
	return c.put(ctx, key, nil, ttl, true)
}

func (c *redisCache) put(ctx context.Context, key string, value []byte, ttl time.Duration, negative bool) (*Entry, error) {
	if ttl <= 0 {
		ttl = c.cfg.defaultTTL
	}
	expiresAt := time.Now().Add(ttl)
	neg := "0"
	if negative {
		neg = "1"
	}
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	k := c.prefixKey(key)
	pipe := c.client.Pipeline()
	pipe.HSet(qctx, k, "v", value, "st", int(StateValid), "neg", neg, "exp", expiresAt.UnixNano(), "h", 0)
	verCmd := pipe.HIncrBy(qctx, k, "ver", 1)
	// The redis key outlives the entry TTL so invalidation placeholders and
	// version counters stay visible to loads still in flight.
	pipe.PExpire(qctx, k, ttl+c.cfg.expiryCheck)
	if _, err := pipe.Exec(qctx); err != nil {
		return nil, err
	}
	return &Entry{
		Key:       key,
		Value:     value,
		Version:   verCmd.Val(),
		ExpiresAt: expiresAt,
		State:     StateValid,
		Negative:  negative,
	}, nil
}

// putIfVersionScript performs the compare-and-set behind PutIfVersion: the
// write only lands while the version field still matches what the caller
// observed (a missing hash matches version 0).
var putIfVersionScript = redis.NewScript(`
local ver = redis.call('HGET', KEYS[1], 'ver')
if ver == false then ver = '0' end
if ver ~= ARGV[1] then return -1 end
redis.call('HSET', KEYS[1], 'v', ARGV[2], 'st', '0', 'neg', '0', 'exp', ARGV[3], 'h', 0)
local newver = redis.call('HINCRBY', KEYS[1], 'ver', 1)
redis.call('PEXPIRE', KEYS[1], ARGV[4])
return newver
`)

func (c *redisCache) PutIfVersion(ctx context.Context, key string, value []byte, ttl time.Duration, version int64) (*Entry, bool, error) {
	if ttl <= 0 {
		ttl = c.cfg.defaultTTL
	}
	expiresAt := time.Now().Add(ttl)
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	res, err := putIfVersionScript.Run(qctx, c.client, []string{c.prefixKey(key)},
		strconv.FormatInt(version, 10),
		string(value),
		strconv.FormatInt(expiresAt.UnixNano(), 10),
		strconv.FormatInt((ttl+c.cfg.expiryCheck).Milliseconds(), 10),
	).Int64()
	if err != nil {
		return nil, false, err
	}
	if res < 0 {
		return nil, false, nil
	}
	return &Entry{
		Key:       key,
		Value:     value,
		Version:   res,
		ExpiresAt: expiresAt,
		State:     StateValid,
	}, true, nil
}

func (c *redisCache) Invalidate(ctx context.Context, key string) error {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	return c.invalidateKey(qctx, c.prefixKey(key))
}

func (c *redisCache) invalidateKey(qctx context.Context, k string) error {
	pipe := c.client.Pipeline()
	pipe.HSet(qctx, k, "st", int(StateInvalidated))
	pipe.HIncrBy(qctx, k, "ver", 1)
	pipe.PExpire(qctx, k, c.cfg.expiryCheck)
	_, err := pipe.Exec(qctx)
	return err
}

func (c *redisCache) InvalidateAll(ctx context.Context) error {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	iter := c.client.Scan(qctx, 0, c.pattern(), 100).Iterator()
	for iter.Next(qctx) {
		if err := c.invalidateKey(qctx, iter.Val()); err != nil {
			return err
		}
	}
	return iter.Err()
}

func (c *redisCache) MarkRevalidating(ctx context.Context, key string) error {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	k := c.prefixKey(key)
	st, err := c.client.HGet(qctx, k, "st").Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return err
	}
	if st != strconv.Itoa(int(StateValid)) {
		return nil
	}
	return c.client.HSet(qctx, k, "st", int(StateRevalidating)).Err()
}

func (c *redisCache) Hits(ctx context.Context, key string) (bool, int) {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	hits, err := c.client.HGet(qctx, c.prefixKey(key), "h").Int()
	if err != nil {
		return false, 0
	}
	return true, hits
}

// Close is a no-op, the caller owns the redis.Client lifecycle.
func (c *redisCache) Close() error {
	return nil
}
