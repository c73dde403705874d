package data

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache key namespaces. Plain entries live under cache:, tag member
// sets under tag:.
const (
	cacheKeyPrefix = "cache:"
	tagKeyPrefix   = "tag:"

	// TTLQueueStatus is the TTL for queue status snapshots.
	TTLQueueStatus = 5 * time.Second
	// TTLBreakerSummary is the TTL for breaker health summaries.
	TTLBreakerSummary = 10 * time.Second
)

// ErrCacheNotFound is returned when a cache key does not exist.
var ErrCacheNotFound = errors.New("cache: key not found")

// RedisCache is a JSON-serializing cache on Redis with optional tag
// grouping for bulk invalidation. Safe for concurrent use. A nil Redis
// client makes every operation fail with an error the caller can treat
// as a miss.
type RedisCache struct {
	client *redis.Client
}

// NewCacheClient creates the Redis-backed cache client.
func NewCacheClient(rdb *redis.Client) *RedisCache {
	return &RedisCache{client: rdb}
}

func cacheKey(key string) string { return cacheKeyPrefix + key }
func tagKey(tag string) string   { return tagKeyPrefix + tag }

// Get retrieves a value and deserializes it into dest. Returns
// ErrCacheNotFound when the key does not exist.
func (c *RedisCache) Get(ctx context.Context, key string, dest interface{}) error {
	if c.client == nil {
		return errors.New("cache: redis client is nil")
	}

	val, err := c.client.Get(ctx, cacheKey(key)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrCacheNotFound
		}
		return fmt.Errorf("cache: failed to get key %s: %w", key, err)
	}

	if err := json.Unmarshal([]byte(val), dest); err != nil {
		return fmt.Errorf("cache: failed to unmarshal value for key %s: %w", key, err)
	}
	return nil
}

// Set stores a value serialized to JSON with the specified TTL.
func (c *RedisCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if c.client == nil {
		return errors.New("cache: redis client is nil")
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache: failed to marshal value for key %s: %w", key, err)
	}

	if err := c.client.Set(ctx, cacheKey(key), data, ttl).Err(); err != nil {
		return fmt.Errorf("cache: failed to set key %s: %w", key, err)
	}
	return nil
}

// SetWithTags stores a value and records its key under each tag's
// member set so InvalidateTag can drop the group at once. Tag sets
// carry a TTL slightly past the entry's so they cannot outlive it by
// much.
func (c *RedisCache) SetWithTags(ctx context.Context, key string, value interface{}, ttl time.Duration, tags ...string) error {
	if err := c.Set(ctx, key, value, ttl); err != nil {
		return err
	}

	if len(tags) == 0 {
		return nil
	}
	pipe := c.client.TxPipeline()
	for _, tag := range tags {
		pipe.SAdd(ctx, tagKey(tag), cacheKey(key))
		pipe.Expire(ctx, tagKey(tag), ttl+time.Minute)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache: failed to tag key %s: %w", key, err)
	}
	return nil
}

// InvalidateTag deletes every entry recorded under the tag, then the
// tag set itself. Returns how many entries were removed.
func (c *RedisCache) InvalidateTag(ctx context.Context, tag string) (int, error) {
	if c.client == nil {
		return 0, errors.New("cache: redis client is nil")
	}

	members, err := c.client.SMembers(ctx, tagKey(tag)).Result()
	if err != nil {
		return 0, fmt.Errorf("cache: failed to read tag %s: %w", tag, err)
	}

	pipe := c.client.TxPipeline()
	for _, member := range members {
		pipe.Del(ctx, member)
	}
	pipe.Del(ctx, tagKey(tag))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("cache: failed to invalidate tag %s: %w", tag, err)
	}
	return len(members), nil
}

// Delete removes a key from cache.
func (c *RedisCache) Delete(ctx context.Context, key string) error {
	if c.client == nil {
		return errors.New("cache: redis client is nil")
	}

	if err := c.client.Del(ctx, cacheKey(key)).Err(); err != nil {
		return fmt.Errorf("cache: failed to delete key %s: %w", key, err)
	}
	return nil
}

// Exists checks whether a key exists in cache.
func (c *RedisCache) Exists(ctx context.Context, key string) (bool, error) {
	if c.client == nil {
		return false, errors.New("cache: redis client is nil")
	}

	count, err := c.client.Exists(ctx, cacheKey(key)).Result()
	if err != nil {
		return false, fmt.Errorf("cache: failed to check existence of key %s: %w", key, err)
	}
	return count > 0, nil
}
