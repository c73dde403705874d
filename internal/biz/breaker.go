package biz

import (
	"context"
	"sync"
	"time"

	"MailGuard/internal/model"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-kratos/kratos/v2/log"
)

// Operation is a protected call gated by a circuit breaker.
type Operation func(ctx context.Context) (interface{}, error)

// CircuitBreaker is a per-service failure tracker and state machine.
// State transitions: CLOSED -> OPEN after FailureThreshold consecutive
// triggering failures; OPEN -> HALF_OPEN after OpenTimeout elapses;
// HALF_OPEN -> CLOSED after SuccessThreshold consecutive successes;
// HALF_OPEN -> OPEN on any triggering failure.
//
// The mutex guards only admission checks and stat updates. The wrapped
// operation itself runs outside the lock so a slow downstream call never
// blocks concurrent admission decisions for the same breaker.
type CircuitBreaker struct {
	name   string
	config model.BreakerConfig

	mu       sync.Mutex
	state    model.CircuitState
	stats    model.BreakerStats
	openedAt time.Time

	logger *log.Helper
	audit  AuditLogger
}

// NewCircuitBreaker creates a breaker in the CLOSED state.
func NewCircuitBreaker(name string, config model.BreakerConfig, audit AuditLogger, logger log.Logger) *CircuitBreaker {
	return &CircuitBreaker{
		name:   name,
		config: config,
		state:  model.CircuitClosed,
		stats: model.BreakerStats{
			StateChangedAt: time.Now(),
		},
		logger: log.NewHelper(logger),
		audit:  audit,
	}
}

// Name returns the breaker's unique key.
func (cb *CircuitBreaker) Name() string { return cb.name }

// Call runs op through the breaker. An OPEN breaker whose timeout has
// not elapsed rejects immediately with *CircuitOpenError. Otherwise op
// is invoked with up to MaxRetryAttempts tries, each bounded by
// CallTimeout, sleeping exponentially between tries. Only errors whose
// kind is in the trigger set count toward breaker statistics; any other
// error is returned untouched without retry or bookkeeping.
func (cb *CircuitBreaker) Call(ctx context.Context, op Operation) (interface{}, error) {
	if err := cb.admit(); err != nil {
		return nil, err
	}

	result, err := cb.invoke(ctx, op)
	if err == nil {
		cb.recordSuccess()
		return result, nil
	}

	if !cb.isTriggering(err) {
		// Non-triggering failure: pass through, breaker state untouched.
		return nil, err
	}

	cb.recordFailure()
	return nil, err
}

// admit decides whether a call may proceed, transitioning an expired
// OPEN breaker to HALF_OPEN.
func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != model.CircuitOpen {
		return nil
	}

	remaining := cb.config.OpenTimeout - time.Since(cb.stats.StateChangedAt)
	if remaining > 0 {
		return &CircuitOpenError{Service: cb.name, RetryAfter: remaining}
	}

	cb.changeState(model.CircuitHalfOpen)
	return nil
}

// invoke runs op with the breaker's retry policy. Non-triggering errors
// abort the retry loop immediately.
func (cb *CircuitBreaker) invoke(ctx context.Context, op Operation) (interface{}, error) {
	var result interface{}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Duration(cb.config.RetryBackoffFactor * float64(time.Second))
	bo.Multiplier = cb.config.RetryBackoffFactor
	bo.RandomizationFactor = 0
	bo.MaxInterval = time.Hour
	bo.MaxElapsedTime = 0

	retries := cb.config.MaxRetryAttempts - 1
	if retries < 0 {
		retries = 0
	}

	err := backoff.Retry(func() error {
		attemptCtx := ctx
		if cb.config.CallTimeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, cb.config.CallTimeout)
			defer cancel()
		}

		v, opErr := op(attemptCtx)
		if opErr == nil {
			result = v
			return nil
		}
		if !cb.isTriggering(opErr) {
			return backoff.Permanent(opErr)
		}
		cb.logger.Debugw("protected call failed, will retry",
			"breaker", cb.name,
			"kind", ClassifyError(opErr),
			"error", opErr.Error())
		return opErr
	}, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(retries)), ctx))

	if err != nil {
		return nil, err
	}
	return result, nil
}

func (cb *CircuitBreaker) isTriggering(err error) bool {
	return cb.config.TriggerKinds[ClassifyError(err)]
}

func (cb *CircuitBreaker) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	cb.stats.TotalRequests++
	cb.stats.SuccessfulRequests++
	cb.stats.ConsecutiveSuccesses++
	cb.stats.ConsecutiveFailures = 0
	cb.stats.LastSuccessTime = &now

	if cb.state == model.CircuitHalfOpen && cb.stats.ConsecutiveSuccesses >= cb.config.SuccessThreshold {
		downFor := now.Sub(cb.openedAt)
		probes := cb.stats.ConsecutiveSuccesses
		cb.changeState(model.CircuitClosed)
		if cb.audit != nil {
			cb.audit.LogCircuitRecovered(context.Background(), cb.name, downFor, probes)
		}
	}
}

func (cb *CircuitBreaker) recordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	cb.stats.TotalRequests++
	cb.stats.FailedRequests++
	cb.stats.ConsecutiveFailures++
	cb.stats.ConsecutiveSuccesses = 0
	cb.stats.LastFailureTime = &now

	shouldOpen := cb.state == model.CircuitHalfOpen ||
		(cb.state == model.CircuitClosed && cb.stats.ConsecutiveFailures >= cb.config.FailureThreshold)
	if shouldOpen {
		cb.openedAt = now
		failures := cb.stats.ConsecutiveFailures
		cb.changeState(model.CircuitOpen)
		if cb.audit != nil {
			cb.audit.LogCircuitOpened(context.Background(), cb.name, failures, now)
		}
	}
}

// changeState must be called with the mutex held.
func (cb *CircuitBreaker) changeState(next model.CircuitState) {
	prev := cb.state
	cb.state = next
	cb.stats.StateChangedAt = time.Now()
	cb.stats.TotalStateChanges++

	cb.logger.Infow("circuit breaker state changed",
		"breaker", cb.name,
		"from", prev,
		"to", next,
		"consecutive_failures", cb.stats.ConsecutiveFailures,
		"consecutive_successes", cb.stats.ConsecutiveSuccesses)
}

// State returns the current state.
func (cb *CircuitBreaker) State() model.CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Snapshot returns a read-only view of the breaker.
func (cb *CircuitBreaker) Snapshot() model.BreakerSnapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	total := cb.stats.TotalRequests
	if total == 0 {
		total = 1
	}
	return model.BreakerSnapshot{
		Name:        cb.name,
		State:       cb.state,
		Stats:       cb.stats,
		SuccessRate: float64(cb.stats.SuccessfulRequests) / float64(total),
		Config:      cb.config,
	}
}

// Reset forces the breaker back to CLOSED and zeroes its failure and
// success counters. Request totals are kept for historical stats.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.stats.ConsecutiveFailures = 0
	cb.stats.ConsecutiveSuccesses = 0
	if cb.state != model.CircuitClosed {
		cb.changeState(model.CircuitClosed)
	}
	cb.logger.Infow("circuit breaker reset", "breaker", cb.name)
	if cb.audit != nil {
		cb.audit.LogCircuitReset(context.Background(), cb.name)
	}
}
