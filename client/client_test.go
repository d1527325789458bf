package client

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cachegate/cachegate/logger"
	"github.com/cachegate/cachegate/store"
)

// fakeOrigin is a controllable Origin: counts calls, can fail pushes, and
// can hold fetches on a gate. fetchGate holds a fetch before it reads the
// value; resultGate holds it after, so the caller sees a snapshot taken
// before the gate was released.
type fakeOrigin struct {
	mutex      sync.Mutex
	values     map[string][]byte
	versions   map[string]int64
	fetches    atomic.Int32
	pushes     atomic.Int32
	failPush   atomic.Bool
	blindPush  bool // report no version from Push
	fetchGate  chan struct{}
	resultGate chan struct{}
}

func newFakeOrigin() *fakeOrigin {
	return &fakeOrigin{
		values:   make(map[string][]byte),
		versions: make(map[string]int64),
	}
}

func (o *fakeOrigin) set(key string, value []byte) {
	o.mutex.Lock()
	o.values[key] = value
	o.versions[key]++
	o.mutex.Unlock()
}

func (o *fakeOrigin) Fetch(_ context.Context, key string) (*Result, error) {
	o.fetches.Add(1)
	if o.fetchGate != nil {
		<-o.fetchGate
	}
	o.mutex.Lock()
	val, ok := o.values[key]
	ver := o.versions[key]
	o.mutex.Unlock()
	if o.resultGate != nil {
		<-o.resultGate
	}
	if !ok {
		return nil, store.ErrNotFound
	}
	return &Result{Value: val, Version: ver}, nil
}

func (o *fakeOrigin) Push(_ context.Context, key string, value []byte) (*Result, error) {
	o.pushes.Add(1)
	if o.failPush.Load() {
		return nil, errors.Mark(errors.New("connection refused"), store.ErrUnavailable)
	}
	o.mutex.Lock()
	defer o.mutex.Unlock()
	o.values[key] = value
	o.versions[key]++
	if o.blindPush {
		return nil, nil
	}
	return &Result{Value: value, Version: o.versions[key]}, nil
}

func (o *fakeOrigin) Remove(_ context.Context, key string) error {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	delete(o.values, key)
	return nil
}

func newTestCache(t *testing.T, origin Origin, opts ...Option) *Cache {
	t.Helper()
	opts = append([]Option{WithLogger(logger.NewTestLogger())}, opts...)
	c := New(context.Background(), origin, opts...)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestFirstReadBlocksOnFetch(t *testing.T) {
	ctx := context.Background()
	origin := newFakeOrigin()
	origin.set("user:1", []byte(`{"name":"A"}`))
	c := newTestCache(t, origin)

	value, stale, err := c.Read(ctx, "user:1")
	require.NoError(t, err)
	assert.False(t, stale)
	assert.Equal(t, []byte(`{"name":"A"}`), value)
	assert.Equal(t, int32(1), origin.fetches.Load())

	// Fresh local copy: no remote call.
	value, stale, err = c.Read(ctx, "user:1")
	require.NoError(t, err)
	assert.False(t, stale)
	assert.Equal(t, []byte(`{"name":"A"}`), value)
	assert.Equal(t, int32(1), origin.fetches.Load())
}

func TestMissingKeySurfacesNotFound(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, newFakeOrigin())

	_, _, err := c.Read(ctx, "ghost")
	assert.True(t, store.IsNotFound(err))
}

func TestConcurrentFirstReadsCoalesce(t *testing.T) {
	ctx := context.Background()
	origin := newFakeOrigin()
	origin.set("user:1", []byte("v"))
	origin.fetchGate = make(chan struct{})
	c := newTestCache(t, origin)

	const callers = 10
	var done sync.WaitGroup
	done.Add(callers)
	for i := 0; i < callers; i++ {
		go func() {
			defer done.Done()
			value, _, err := c.Read(ctx, "user:1")
			assert.NoError(t, err)
			assert.Equal(t, []byte("v"), value)
		}()
	}
	require.Eventually(t, func() bool { return origin.fetches.Load() == 1 },
		time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond) // let the rest join the flight
	close(origin.fetchGate)
	done.Wait()

	assert.Equal(t, int32(1), origin.fetches.Load())
}

func TestStaleReadServesImmediatelyAndRevalidates(t *testing.T) {
	ctx := context.Background()
	origin := newFakeOrigin()
	origin.set("user:1", []byte("old"))
	c := newTestCache(t, origin, WithFreshFor(10*time.Millisecond))

	_, _, err := c.Read(ctx, "user:1")
	require.NoError(t, err)

	origin.set("user:1", []byte("new"))
	time.Sleep(15 * time.Millisecond)

	// Stale copy served immediately; refresh happens in the background.
	value, stale, err := c.Read(ctx, "user:1")
	require.NoError(t, err)
	assert.True(t, stale)
	assert.Equal(t, []byte("old"), value)

	require.Eventually(t, func() bool {
		value, _, err := c.Read(ctx, "user:1")
		return err == nil && string(value) == "new"
	}, time.Second, time.Millisecond)
}

func TestConcurrentStaleReadsOneRevalidation(t *testing.T) {
	ctx := context.Background()
	origin := newFakeOrigin()
	origin.set("user:1", []byte("old"))
	c := newTestCache(t, origin, WithFreshFor(5*time.Millisecond))

	_, _, err := c.Read(ctx, "user:1")
	require.NoError(t, err)
	fetchesAfterFill := origin.fetches.Load()

	origin.fetchGate = make(chan struct{})
	time.Sleep(10 * time.Millisecond)

	// Many stale reads while the revalidation is held on the gate: every
	// one returns the stale copy, none starts a second fetch.
	_, stale0, err := c.Read(ctx, "user:1")
	require.NoError(t, err)
	assert.True(t, stale0)
	require.Eventually(t, func() bool { return origin.fetches.Load() == fetchesAfterFill+1 },
		time.Second, time.Millisecond)
	for i := 0; i < 10; i++ {
		value, stale, err := c.Read(ctx, "user:1")
		require.NoError(t, err)
		assert.True(t, stale)
		assert.Equal(t, []byte("old"), value)
	}
	assert.Equal(t, fetchesAfterFill+1, origin.fetches.Load())
	close(origin.fetchGate)
}

func TestMutateOptimisticThenAuthoritative(t *testing.T) {
	ctx := context.Background()
	origin := newFakeOrigin()
	origin.set("user:1", []byte("old"))
	c := newTestCache(t, origin)

	_, _, err := c.Read(ctx, "user:1")
	require.NoError(t, err)

	require.NoError(t, c.Mutate(ctx, "user:1", []byte("new")))
	value, stale, err := c.Read(ctx, "user:1")
	require.NoError(t, err)
	assert.False(t, stale)
	assert.Equal(t, []byte("new"), value)
	// Push reported a version, so no revalidation fetch was needed.
	assert.Equal(t, int32(1), origin.fetches.Load())
}

func TestMutateWithoutVersionRevalidates(t *testing.T) {
	ctx := context.Background()
	origin := newFakeOrigin()
	origin.blindPush = true
	origin.set("user:1", []byte("old"))
	c := newTestCache(t, origin)

	_, _, err := c.Read(ctx, "user:1")
	require.NoError(t, err)

	require.NoError(t, c.Mutate(ctx, "user:1", []byte("new")))
	require.Eventually(t, func() bool {
		return origin.fetches.Load() == 2
	}, time.Second, time.Millisecond)

	value, _, err := c.Read(ctx, "user:1")
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), value)
}

func TestMutateRollsBackOnFailure(t *testing.T) {
	ctx := context.Background()
	origin := newFakeOrigin()
	origin.set("user:1", []byte("old"))
	c := newTestCache(t, origin)

	_, _, err := c.Read(ctx, "user:1")
	require.NoError(t, err)

	origin.failPush.Store(true)
	err = c.Mutate(ctx, "user:1", []byte("new"))
	assert.True(t, store.IsUnavailable(err))

	// The local copy reverted to its pre-mutation value.
	value, _, err := c.Read(ctx, "user:1")
	require.NoError(t, err)
	assert.Equal(t, []byte("old"), value)
}

func TestMutateRollbackRemovesNeverFetchedKey(t *testing.T) {
	ctx := context.Background()
	origin := newFakeOrigin()
	c := newTestCache(t, origin)

	origin.failPush.Store(true)
	err := c.Mutate(ctx, "user:9", []byte("new"))
	assert.True(t, store.IsUnavailable(err))

	// No phantom local copy is left behind.
	_, _, err = c.Read(ctx, "user:9")
	assert.True(t, store.IsNotFound(err))
}

func revalidationInFlight(c *Cache, key string) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	_, ok := c.revalidating[key]
	return ok
}

func TestMutateNotClobberedByOlderRevalidation(t *testing.T) {
	ctx := context.Background()
	origin := newFakeOrigin()
	origin.set("user:1", []byte("old"))
	c := newTestCache(t, origin, WithFreshFor(5*time.Millisecond))

	_, _, err := c.Read(ctx, "user:1")
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)

	// Hold the revalidation after it has snapshotted the pre-mutation copy.
	origin.resultGate = make(chan struct{})
	_, stale, err := c.Read(ctx, "user:1")
	require.NoError(t, err)
	require.True(t, stale)
	require.Eventually(t, func() bool { return origin.fetches.Load() == 2 },
		time.Second, time.Millisecond)

	require.NoError(t, c.Mutate(ctx, "user:1", []byte("new")))
	close(origin.resultGate)
	require.Eventually(t, func() bool { return !revalidationInFlight(c, "user:1") },
		time.Second, time.Millisecond)

	// The snapshot predates the successful mutation and must not replace it.
	value, _, err := c.Read(ctx, "user:1")
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), value)
}

func TestMutateDoesNotStartSecondRevalidation(t *testing.T) {
	ctx := context.Background()
	origin := newFakeOrigin()
	origin.blindPush = true
	origin.set("user:1", []byte("old"))
	c := newTestCache(t, origin, WithFreshFor(5*time.Millisecond))

	_, _, err := c.Read(ctx, "user:1")
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)

	origin.fetchGate = make(chan struct{})
	_, stale, err := c.Read(ctx, "user:1")
	require.NoError(t, err)
	require.True(t, stale)
	require.Eventually(t, func() bool { return origin.fetches.Load() == 2 },
		time.Second, time.Millisecond)

	// A blind push cannot confirm the write, but the refresh already in
	// flight covers the key; no second fetch may start.
	require.NoError(t, c.Mutate(ctx, "user:1", []byte("new")))
	time.Sleep(10 * time.Millisecond)
	_, _, err = c.Read(ctx, "user:1")
	require.NoError(t, err)
	assert.Equal(t, int32(2), origin.fetches.Load())

	close(origin.fetchGate)
	require.Eventually(t, func() bool {
		value, _, err := c.Read(ctx, "user:1")
		return err == nil && string(value) == "new"
	}, time.Second, time.Millisecond)
}

func TestRollbackDoesNotWedgeRevalidation(t *testing.T) {
	ctx := context.Background()
	origin := newFakeOrigin()
	origin.set("user:1", []byte("old"))
	c := newTestCache(t, origin, WithFreshFor(5*time.Millisecond))

	_, _, err := c.Read(ctx, "user:1")
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)

	origin.fetchGate = make(chan struct{})
	_, stale, err := c.Read(ctx, "user:1")
	require.NoError(t, err)
	require.True(t, stale)
	require.Eventually(t, func() bool { return origin.fetches.Load() == 2 },
		time.Second, time.Millisecond)

	// A failed mutation rolls the entry back while the refresh is held.
	origin.failPush.Store(true)
	err = c.Mutate(ctx, "user:1", []byte("new"))
	require.True(t, store.IsUnavailable(err))
	close(origin.fetchGate)
	require.Eventually(t, func() bool { return !revalidationInFlight(c, "user:1") },
		time.Second, time.Millisecond)

	// The key still revalidates once it goes stale again.
	origin.failPush.Store(false)
	origin.set("user:1", []byte("v2"))
	time.Sleep(10 * time.Millisecond)
	require.Eventually(t, func() bool {
		value, _, err := c.Read(ctx, "user:1")
		return err == nil && string(value) == "v2"
	}, time.Second, time.Millisecond)
}

func TestRemoveDropsLocalCopy(t *testing.T) {
	ctx := context.Background()
	origin := newFakeOrigin()
	origin.set("user:1", []byte("v"))
	c := newTestCache(t, origin)

	_, _, err := c.Read(ctx, "user:1")
	require.NoError(t, err)

	require.NoError(t, c.Remove(ctx, "user:1"))
	_, _, err = c.Read(ctx, "user:1")
	assert.True(t, store.IsNotFound(err))
}

func TestRevalidationDropsDeletedKey(t *testing.T) {
	ctx := context.Background()
	origin := newFakeOrigin()
	origin.set("user:1", []byte("v"))
	c := newTestCache(t, origin, WithFreshFor(5*time.Millisecond))

	_, _, err := c.Read(ctx, "user:1")
	require.NoError(t, err)

	// The key disappears at the origin; a stale read still serves the old
	// copy once, then the revalidation drops it.
	require.NoError(t, origin.Remove(ctx, "user:1"))
	time.Sleep(10 * time.Millisecond)
	_, stale, err := c.Read(ctx, "user:1")
	require.NoError(t, err)
	assert.True(t, stale)

	require.Eventually(t, func() bool {
		_, _, err := c.Read(ctx, "user:1")
		return store.IsNotFound(err)
	}, time.Second, time.Millisecond)
}
