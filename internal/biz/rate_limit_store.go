package biz

import (
	"context"
	"time"

	"MailGuard/internal/model"
)

// LimiterStore is the storage port of the rate limiter. Each method is
// one atomic state mutation; the algorithm math (allow/deny, remaining,
// retry_after) lives in the limiter so both backends share it.
//
// The Redis-backed implementation delegates atomicity to native Redis
// operations executed in one round trip; the in-process implementation
// guards its maps with a mutex.
type LimiterStore interface {
	// SlidingAdd prunes entries older than now-window from the key's
	// sorted set, records member at now, and reports the resulting
	// window population (including member) plus the oldest entry.
	SlidingAdd(ctx context.Context, key, member string, now time.Time, window time.Duration) (model.SlidingState, error)

	// SlidingRemove deletes a previously added member; used to roll
	// back the candidate entry of a denied request.
	SlidingRemove(ctx context.Context, key, member string) error

	// BucketTake refills the token bucket at refillRate tokens/sec
	// (capped at capacity) and consumes one token when available.
	BucketTake(ctx context.Context, key string, now time.Time, refillRate, capacity float64, ttl time.Duration) (model.BucketState, error)

	// WindowIncr atomically increments the fixed-window counter,
	// arming the key's expiry on first increment.
	WindowIncr(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

// LocalLimiterStore is the in-process fallback store. Same contract as
// LimiterStore but process-local: it provides no cross-replica
// guarantee, which is an accepted limitation of degraded operation.
type LocalLimiterStore interface {
	LimiterStore
}
