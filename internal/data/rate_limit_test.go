package data

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisStore(t *testing.T) *RedisLimiterStore {
	t.Helper()
	rdb, _ := setupTestRedis(t)
	t.Cleanup(func() { rdb.Close() })
	return NewRedisLimiterStore(rdb, log.NewStdLogger(os.Stdout))
}

func newMemStore(t *testing.T) *MemoryLimiterStore {
	t.Helper()
	s, cleanup := NewMemoryLimiterStore(nil, log.NewStdLogger(os.Stdout))
	t.Cleanup(cleanup)
	return s
}

func TestRedisLimiterStore_SlidingAdd(t *testing.T) {
	store := newRedisStore(t)
	ctx := context.Background()
	base := time.Now()

	for i := 0; i < 3; i++ {
		state, err := store.SlidingAdd(ctx, "sliding:test", fmt.Sprintf("m%d", i), base.Add(time.Duration(i)*100*time.Millisecond), time.Second)
		require.NoError(t, err)
		assert.Equal(t, int64(i+1), state.Count)
		assert.WithinDuration(t, base, state.Oldest, 10*time.Millisecond)
	}

	// Past the window the first entries are pruned.
	state, err := store.SlidingAdd(ctx, "sliding:test", "m3", base.Add(1100*time.Millisecond), time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(3), state.Count)
	assert.WithinDuration(t, base.Add(100*time.Millisecond), state.Oldest, 10*time.Millisecond)
}

func TestRedisLimiterStore_SlidingRemove(t *testing.T) {
	store := newRedisStore(t)
	ctx := context.Background()
	now := time.Now()

	_, err := store.SlidingAdd(ctx, "sliding:rm", "m0", now, time.Second)
	require.NoError(t, err)
	_, err = store.SlidingAdd(ctx, "sliding:rm", "m1", now, time.Second)
	require.NoError(t, err)

	require.NoError(t, store.SlidingRemove(ctx, "sliding:rm", "m1"))

	state, err := store.SlidingAdd(ctx, "sliding:rm", "m2", now, time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(2), state.Count)
}

func TestRedisLimiterStore_BucketTake(t *testing.T) {
	store := newRedisStore(t)
	ctx := context.Background()
	now := time.Now()

	// A fresh bucket starts full.
	for i := 0; i < 2; i++ {
		state, err := store.BucketTake(ctx, "bucket:test", now, 1, 2, time.Minute)
		require.NoError(t, err)
		assert.True(t, state.Allowed)
	}

	state, err := store.BucketTake(ctx, "bucket:test", now, 1, 2, time.Minute)
	require.NoError(t, err)
	assert.False(t, state.Allowed)
	assert.Less(t, state.Tokens, 1.0)

	// One token refills after a second at rate 1/s.
	state, err = store.BucketTake(ctx, "bucket:test", now.Add(time.Second), 1, 2, time.Minute)
	require.NoError(t, err)
	assert.True(t, state.Allowed)
}

func TestRedisLimiterStore_WindowIncr(t *testing.T) {
	store := newRedisStore(t)
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		count, err := store.WindowIncr(ctx, "window:test", time.Second)
		require.NoError(t, err)
		assert.Equal(t, i, count)
	}
}

func TestRedisLimiterStore_WindowIncrExpiry(t *testing.T) {
	rdb, mr := setupTestRedis(t)
	defer rdb.Close()
	store := NewRedisLimiterStore(rdb, log.NewStdLogger(os.Stdout))
	ctx := context.Background()

	count, err := store.WindowIncr(ctx, "window:ttl", time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	mr.FastForward(1100 * time.Millisecond)

	count, err = store.WindowIncr(ctx, "window:ttl", time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestRedisLimiterStore_NilRedis(t *testing.T) {
	store := NewRedisLimiterStore(nil, log.NewStdLogger(os.Stdout))
	ctx := context.Background()
	now := time.Now()

	_, err := store.SlidingAdd(ctx, "k", "m", now, time.Second)
	assert.Error(t, err)
	assert.Error(t, store.SlidingRemove(ctx, "k", "m"))
	_, err = store.BucketTake(ctx, "k", now, 1, 1, time.Second)
	assert.Error(t, err)
	_, err = store.WindowIncr(ctx, "k", time.Second)
	assert.Error(t, err)
}

func TestMemoryLimiterStore_SlidingAdd(t *testing.T) {
	store := newMemStore(t)
	ctx := context.Background()
	base := time.Now()

	for i := 0; i < 3; i++ {
		state, err := store.SlidingAdd(ctx, "sliding:test", fmt.Sprintf("m%d", i), base.Add(time.Duration(i)*100*time.Millisecond), time.Second)
		require.NoError(t, err)
		assert.Equal(t, int64(i+1), state.Count)
	}

	state, err := store.SlidingAdd(ctx, "sliding:test", "m3", base.Add(1100*time.Millisecond), time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(3), state.Count)
	assert.WithinDuration(t, base.Add(100*time.Millisecond), state.Oldest, 10*time.Millisecond)
}

func TestMemoryLimiterStore_BucketTake(t *testing.T) {
	store := newMemStore(t)
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 2; i++ {
		state, err := store.BucketTake(ctx, "bucket:test", now, 1, 2, time.Minute)
		require.NoError(t, err)
		assert.True(t, state.Allowed)
	}

	state, err := store.BucketTake(ctx, "bucket:test", now, 1, 2, time.Minute)
	require.NoError(t, err)
	assert.False(t, state.Allowed)

	state, err = store.BucketTake(ctx, "bucket:test", now.Add(time.Second), 1, 2, time.Minute)
	require.NoError(t, err)
	assert.True(t, state.Allowed)
}

func TestMemoryLimiterStore_Purge(t *testing.T) {
	store := newMemStore(t)
	ctx := context.Background()
	now := time.Now()

	_, err := store.SlidingAdd(ctx, "purge:a", "m", now, time.Second)
	require.NoError(t, err)
	_, err = store.BucketTake(ctx, "purge:b", now, 1, 1, time.Minute)
	require.NoError(t, err)

	// Nothing is idle yet.
	assert.Zero(t, store.purge(now))

	// The sliding entry idles out at 2x its window, the bucket at its
	// ttl.
	assert.Equal(t, 1, store.purge(now.Add(3*time.Second)))
	assert.Equal(t, 1, store.purge(now.Add(2*time.Minute)))
}

func TestMemoryLimiterStore_KeyIsolation(t *testing.T) {
	store := newMemStore(t)
	ctx := context.Background()
	now := time.Now()

	stateA, err := store.SlidingAdd(ctx, "iso:a", "m", now, time.Second)
	require.NoError(t, err)
	stateB, err := store.SlidingAdd(ctx, "iso:b", "m", now, time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stateA.Count)
	assert.Equal(t, int64(1), stateB.Count)
}
