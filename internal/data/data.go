// Package data provides data access layer implementations.
// It holds the Redis-backed stores and their in-process fallbacks.
package data

import (
	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/wire"
	"github.com/redis/go-redis/v9"
)

// ProviderSet is data providers.
var ProviderSet = wire.NewSet(
	NewData,
	NewRedisClient,
	NewCacheClient,
	NewRedisLimiterStore,
	NewMemoryLimiterStore,
	NewEmailQueueRepo,
	NewAuditLogger,
	NewDevMailer,
)

// Data bundles the shared data layer dependencies.
type Data struct {
	redisClient *redis.Client
	cache       *RedisCache
}

// NewData creates the Data bundle. A missing Redis connection does not
// prevent startup; dependent stores degrade to their in-process paths.
func NewData(logger log.Logger, rdb *redis.Client, cache *RedisCache) (*Data, func(), error) {
	helper := log.NewHelper(logger)

	if rdb == nil {
		helper.Warn("Redis client is nil, running on in-process fallbacks")
	}

	d := &Data{
		redisClient: rdb,
		cache:       cache,
	}

	cleanup := func() {
		helper.Info("closing the data resources")
	}
	return d, cleanup, nil
}

// GetCache returns the cache client.
func (d *Data) GetCache() *RedisCache {
	return d.cache
}

// GetRedisClient returns the Redis client for advanced operations.
func (d *Data) GetRedisClient() *redis.Client {
	return d.redisClient
}
