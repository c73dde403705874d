package data

import (
	"context"
	_ "embed"
	"fmt"
	"strconv"
	"time"

	"MailGuard/internal/model"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/redis/go-redis/v9"
)

//go:embed token_bucket.lua
var tokenBucketScript string

// RedisLimiterStore implements biz.LimiterStore on Redis. Sliding
// windows live in sorted sets, token buckets in hashes mutated by a Lua
// script, fixed windows in plain counters with TTL. Atomicity is
// delegated to Redis: each method is a single pipeline or script call,
// so the state stays race-safe when multiple replicas share the store.
type RedisLimiterStore struct {
	rdb    *redis.Client
	bucket *redis.Script
	logger *log.Helper
}

// NewRedisLimiterStore creates the Redis-backed limiter store. rdb may
// be nil when Redis is not configured; every call then errors and the
// limiter falls back to the in-process store.
func NewRedisLimiterStore(rdb *redis.Client, logger log.Logger) *RedisLimiterStore {
	return &RedisLimiterStore{
		rdb:    rdb,
		bucket: redis.NewScript(tokenBucketScript),
		logger: log.NewHelper(logger),
	}
}

// errNoRedis is returned on every call when no client is configured.
var errNoRedis = fmt.Errorf("redis client is nil")

// SlidingAdd prunes, records and counts in one pipeline round trip.
func (s *RedisLimiterStore) SlidingAdd(ctx context.Context, key, member string, now time.Time, window time.Duration) (model.SlidingState, error) {
	if s.rdb == nil {
		return model.SlidingState{}, errNoRedis
	}

	nowScore := float64(now.UnixNano()) / 1e9
	cutoff := nowScore - window.Seconds()

	pipe := s.rdb.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatFloat(cutoff, 'f', -1, 64))
	pipe.ZAdd(ctx, key, redis.Z{Score: nowScore, Member: member})
	countCmd := pipe.ZCard(ctx, key)
	oldestCmd := pipe.ZRangeWithScores(ctx, key, 0, 0)
	pipe.Expire(ctx, key, window+time.Second)

	if _, err := pipe.Exec(ctx); err != nil {
		return model.SlidingState{}, fmt.Errorf("sliding window pipeline failed: %w", err)
	}

	state := model.SlidingState{Count: countCmd.Val()}
	if oldest := oldestCmd.Val(); len(oldest) > 0 {
		sec, frac := int64(oldest[0].Score), oldest[0].Score-float64(int64(oldest[0].Score))
		state.Oldest = time.Unix(sec, int64(frac*1e9))
	}
	return state, nil
}

// SlidingRemove rolls back a denied candidate entry.
func (s *RedisLimiterStore) SlidingRemove(ctx context.Context, key, member string) error {
	if s.rdb == nil {
		return errNoRedis
	}
	if err := s.rdb.ZRem(ctx, key, member).Err(); err != nil {
		return fmt.Errorf("failed to remove sliding window entry: %w", err)
	}
	return nil
}

// BucketTake refills and consumes atomically via the embedded script.
func (s *RedisLimiterStore) BucketTake(ctx context.Context, key string, now time.Time, refillRate, capacity float64, ttl time.Duration) (model.BucketState, error) {
	if s.rdb == nil {
		return model.BucketState{}, errNoRedis
	}

	ttlSec := int64(ttl.Seconds())
	if ttlSec < 1 {
		ttlSec = 1
	}
	nowSec := float64(now.UnixNano()) / 1e9

	v, err := s.bucket.Run(ctx, s.rdb, []string{key}, refillRate, capacity, nowSec, ttlSec).Result()
	if err != nil {
		return model.BucketState{}, fmt.Errorf("token bucket script failed: %w", err)
	}

	values, ok := v.([]interface{})
	if !ok || len(values) != 2 {
		return model.BucketState{}, fmt.Errorf("unexpected token bucket script reply: %v", v)
	}
	allowed, _ := values[0].(int64)
	tokens := parseFloatReply(values[1])

	return model.BucketState{Allowed: allowed == 1, Tokens: tokens}, nil
}

// WindowIncr is the fixed-window counter: INCR plus expiry armed on the
// first increment of the window.
func (s *RedisLimiterStore) WindowIncr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	if s.rdb == nil {
		return 0, errNoRedis
	}

	count, err := s.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment window counter: %w", err)
	}
	if count == 1 {
		if err := s.rdb.Expire(ctx, key, ttl).Err(); err != nil {
			s.logger.Warnf("failed to arm window expiry for %s: %v", key, err)
		}
	}
	return count, nil
}

// parseFloatReply handles the string/number ambiguity of Lua replies.
func parseFloatReply(v interface{}) float64 {
	switch t := v.(type) {
	case int64:
		return float64(t)
	case float64:
		return t
	case string:
		f, _ := strconv.ParseFloat(t, 64)
		return f
	default:
		return 0
	}
}
