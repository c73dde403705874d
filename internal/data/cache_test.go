package data

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type cachedStatus struct {
	Pending int64  `json:"pending"`
	State   string `json:"state"`
}

func TestRedisCache_SetAndGet(t *testing.T) {
	rdb, _ := setupTestRedis(t)
	defer rdb.Close()
	cache := NewCacheClient(rdb)
	ctx := context.Background()

	in := cachedStatus{Pending: 7, State: "healthy"}
	require.NoError(t, cache.Set(ctx, "status", in, time.Minute))

	var out cachedStatus
	require.NoError(t, cache.Get(ctx, "status", &out))
	assert.Equal(t, in, out)
}

func TestRedisCache_GetMissing(t *testing.T) {
	rdb, _ := setupTestRedis(t)
	defer rdb.Close()
	cache := NewCacheClient(rdb)

	var out cachedStatus
	err := cache.Get(context.Background(), "missing", &out)
	assert.ErrorIs(t, err, ErrCacheNotFound)
}

func TestRedisCache_TTLExpiry(t *testing.T) {
	rdb, mr := setupTestRedis(t)
	defer rdb.Close()
	cache := NewCacheClient(rdb)
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, "short", cachedStatus{}, time.Second))

	mr.FastForward(2 * time.Second)

	var out cachedStatus
	assert.ErrorIs(t, cache.Get(ctx, "short", &out), ErrCacheNotFound)
}

func TestRedisCache_SetWithTagsAndInvalidate(t *testing.T) {
	rdb, _ := setupTestRedis(t)
	defer rdb.Close()
	cache := NewCacheClient(rdb)
	ctx := context.Background()

	require.NoError(t, cache.SetWithTags(ctx, "queue:status", cachedStatus{Pending: 1}, time.Minute, "queue"))
	require.NoError(t, cache.SetWithTags(ctx, "queue:depths", cachedStatus{Pending: 2}, time.Minute, "queue"))
	require.NoError(t, cache.Set(ctx, "breakers", cachedStatus{State: "healthy"}, time.Minute))

	n, err := cache.InvalidateTag(ctx, "queue")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	var out cachedStatus
	assert.ErrorIs(t, cache.Get(ctx, "queue:status", &out), ErrCacheNotFound)
	assert.ErrorIs(t, cache.Get(ctx, "queue:depths", &out), ErrCacheNotFound)

	// Untagged entries survive.
	require.NoError(t, cache.Get(ctx, "breakers", &out))
	assert.Equal(t, "healthy", out.State)
}

func TestRedisCache_InvalidateUnknownTag(t *testing.T) {
	rdb, _ := setupTestRedis(t)
	defer rdb.Close()
	cache := NewCacheClient(rdb)

	n, err := cache.InvalidateTag(context.Background(), "nope")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRedisCache_DeleteAndExists(t *testing.T) {
	rdb, _ := setupTestRedis(t)
	defer rdb.Close()
	cache := NewCacheClient(rdb)
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, "gone", cachedStatus{}, time.Minute))

	exists, err := cache.Exists(ctx, "gone")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, cache.Delete(ctx, "gone"))

	exists, err = cache.Exists(ctx, "gone")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestRedisCache_NilClient(t *testing.T) {
	cache := NewCacheClient(nil)
	ctx := context.Background()

	var out cachedStatus
	assert.Error(t, cache.Get(ctx, "k", &out))
	assert.Error(t, cache.Set(ctx, "k", out, time.Minute))
	_, err := cache.InvalidateTag(ctx, "t")
	assert.Error(t, err)
	assert.Error(t, cache.Delete(ctx, "k"))
	_, err = cache.Exists(ctx, "k")
	assert.Error(t, err)
}
