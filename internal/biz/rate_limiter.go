package biz

import (
	"context"
	"fmt"
	"math"
	"time"

	"MailGuard/internal/model"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/uuid"
)

// rateLimitKeyPrefix namespaces limiter state in the shared store.
const rateLimitKeyPrefix = "rate_limit"

// RateLimiter makes per-key admission decisions using one of three
// algorithms over a pluggable store. When the distributed store fails,
// the check transparently retries against the in-process fallback:
// availability is prioritized over perfectly distributed accuracy.
type RateLimiter struct {
	rules    *RuleRegistry
	store    LimiterStore
	fallback LocalLimiterStore
	audit    AuditLogger
	logger   *log.Helper

	// now is swapped in tests to drive window boundaries.
	now func() time.Time
}

// NewRateLimiter creates a rate limiter. store may be nil when Redis is
// not configured; every check then uses the in-process fallback.
func NewRateLimiter(rules *RuleRegistry, store LimiterStore, fallback LocalLimiterStore, audit AuditLogger, logger log.Logger) *RateLimiter {
	return &RateLimiter{
		rules:    rules,
		store:    store,
		fallback: fallback,
		audit:    audit,
		logger:   log.NewHelper(logger),
		now:      time.Now,
	}
}

// Check runs the admission decision for one request against rule,
// partitioned by the rule's dimension over reqCtx.
func (rl *RateLimiter) Check(ctx context.Context, rule model.RateLimitRule, reqCtx model.RequestContext) (model.RateLimitDecision, error) {
	partition := reqCtx.PartitionValue(rule.Per)
	key := fmt.Sprintf("%s:%s:%s:%s", rateLimitKeyPrefix, rule.Key, rule.Per, partition)

	store := rl.store
	if store == nil {
		store = rl.fallback
	}

	decision, err := rl.checkWith(ctx, store, key, rule)
	if err != nil && store != rl.fallback {
		// Store unreachable: degrade to the in-process path rather
		// than failing the request.
		rl.logger.Warnw("rate limit store check failed, using in-process fallback",
			"rule", rule.Key,
			"key", key,
			"error", err.Error())
		decision, err = rl.checkWith(ctx, rl.fallback, key, rule)
	}
	if err != nil {
		return model.RateLimitDecision{}, fmt.Errorf("rate limit check failed for %s: %w", rule.Key, err)
	}
	return decision, nil
}

// Enforce performs Check for the named rule and converts a denial into
// a structured 429 error carrying the retry hint. Denials on security
// rules additionally emit an audit event.
func (rl *RateLimiter) Enforce(ctx context.Context, ruleKey string, reqCtx model.RequestContext) (model.RateLimitDecision, error) {
	rule, ok := rl.rules.Get(ruleKey)
	if !ok {
		return model.RateLimitDecision{}, fmt.Errorf("unknown rate limit rule: %s", ruleKey)
	}

	decision, err := rl.Check(ctx, rule, reqCtx)
	if err != nil {
		return model.RateLimitDecision{}, err
	}
	if decision.Allowed {
		return decision, nil
	}

	partition := reqCtx.PartitionValue(rule.Per)
	if rl.rules.IsSecurity(ruleKey) && rl.audit != nil {
		rl.audit.LogRateLimitExceeded(ctx, ruleKey, partition, rule.Requests, decision.RetryAfter)
	}
	rl.logger.Debugw("rate limit exceeded",
		"rule", ruleKey,
		"partition", partition,
		"retry_after", decision.RetryAfter)

	return decision, newRateLimitHTTPError(&RateLimitExceededError{
		Rule:       ruleKey,
		Limit:      rule.Requests,
		Window:     rule.Window,
		RetryAfter: decision.RetryAfter,
	})
}

// checkWith runs the rule's algorithm against one concrete store.
func (rl *RateLimiter) checkWith(ctx context.Context, store LimiterStore, key string, rule model.RateLimitRule) (model.RateLimitDecision, error) {
	switch rule.Algorithm {
	case model.AlgorithmTokenBucket:
		return rl.checkTokenBucket(ctx, store, key, rule)
	case model.AlgorithmFixedWindow:
		return rl.checkFixedWindow(ctx, store, key, rule)
	default:
		return rl.checkSlidingWindow(ctx, store, key, rule)
	}
}

// checkSlidingWindow keeps a per-key ordered set of request timestamps.
// The candidate is recorded optimistically and rolled back on denial so
// a full window never admits more than rule.Requests entries.
func (rl *RateLimiter) checkSlidingWindow(ctx context.Context, store LimiterStore, key string, rule model.RateLimitRule) (model.RateLimitDecision, error) {
	now := rl.now()
	member := uuid.NewString()

	state, err := store.SlidingAdd(ctx, key, member, now, rule.Window)
	if err != nil {
		return model.RateLimitDecision{}, err
	}

	decision := model.RateLimitDecision{
		Limit:  rule.Requests,
		Window: rule.Window,
	}

	if state.Count <= int64(rule.Requests) {
		decision.Allowed = true
		decision.Remaining = rule.Requests - int(state.Count)
		decision.ResetTime = now.Add(rule.Window)
		return decision, nil
	}

	// Over quota: the candidate entry must not occupy the window.
	if rmErr := store.SlidingRemove(ctx, key, member); rmErr != nil {
		rl.logger.Warnw("failed to roll back denied sliding window entry",
			"key", key, "error", rmErr.Error())
	}

	retryAfter := time.Second
	if !state.Oldest.IsZero() {
		retryAfter = ceilSeconds(state.Oldest.Add(rule.Window).Sub(now))
	}
	decision.RetryAfter = retryAfter
	decision.ResetTime = now.Add(retryAfter)
	return decision, nil
}

// checkTokenBucket refills at Requests/Window tokens per second, capped
// at Requests*BurstMultiplier, consuming one token per request.
func (rl *RateLimiter) checkTokenBucket(ctx context.Context, store LimiterStore, key string, rule model.RateLimitRule) (model.RateLimitDecision, error) {
	now := rl.now()
	rate := float64(rule.Requests) / rule.Window.Seconds()
	burst := rule.BurstMultiplier
	if burst < 1 {
		burst = 1
	}
	capacity := float64(rule.Requests) * burst

	// Bucket state outlives a single window; 2x keeps an idle bucket
	// warm across one full refill cycle.
	state, err := store.BucketTake(ctx, key, now, rate, capacity, 2*rule.Window)
	if err != nil {
		return model.RateLimitDecision{}, err
	}

	decision := model.RateLimitDecision{
		Allowed:   state.Allowed,
		Limit:     rule.Requests,
		Remaining: int(state.Tokens),
		Window:    rule.Window,
	}
	if !state.Allowed {
		needed := 1 - state.Tokens
		decision.RetryAfter = ceilSeconds(time.Duration(needed / rate * float64(time.Second)))
		decision.ResetTime = now.Add(decision.RetryAfter)
	}
	return decision, nil
}

// checkFixedWindow counts requests per aligned window; the bucket key
// embeds the window start so rollover is automatic and expired windows
// vanish via TTL.
func (rl *RateLimiter) checkFixedWindow(ctx context.Context, store LimiterStore, key string, rule model.RateLimitRule) (model.RateLimitDecision, error) {
	now := rl.now()
	windowSec := int64(rule.Window.Seconds())
	if windowSec <= 0 {
		windowSec = 1
	}
	windowStart := now.Unix() / windowSec * windowSec
	bucketKey := fmt.Sprintf("%s:%d", key, windowStart)

	count, err := store.WindowIncr(ctx, bucketKey, rule.Window)
	if err != nil {
		return model.RateLimitDecision{}, err
	}

	reset := time.Unix(windowStart+windowSec, 0)
	decision := model.RateLimitDecision{
		Allowed:   count <= int64(rule.Requests),
		Limit:     rule.Requests,
		Window:    rule.Window,
		ResetTime: reset,
	}
	if remaining := int64(rule.Requests) - count; remaining > 0 {
		decision.Remaining = int(remaining)
	}
	if !decision.Allowed {
		decision.RetryAfter = ceilSeconds(reset.Sub(now))
	}
	return decision, nil
}

// ceilSeconds rounds up to whole seconds, never below one second.
// Sub-second hints are useless to callers honoring Retry-After.
func ceilSeconds(d time.Duration) time.Duration {
	if d <= 0 {
		return time.Second
	}
	return time.Duration(math.Ceil(d.Seconds())) * time.Second
}
