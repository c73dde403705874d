package biz

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"MailGuard/internal/model"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubAudit records audit calls for assertions.
type stubAudit struct {
	mu         sync.Mutex
	opened     []string
	recovered  []string
	resets     []string
	rateLimits []string
}

func (s *stubAudit) LogCircuitOpened(_ context.Context, service string, _ int, _ time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opened = append(s.opened, service)
}

func (s *stubAudit) LogCircuitRecovered(_ context.Context, service string, _ time.Duration, _ int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recovered = append(s.recovered, service)
}

func (s *stubAudit) LogCircuitReset(_ context.Context, service string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resets = append(s.resets, service)
}

func (s *stubAudit) LogRateLimitExceeded(_ context.Context, rule, _ string, _ int, _ time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rateLimits = append(s.rateLimits, rule)
}

func (s *stubAudit) openedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.opened)
}

// fastBreakerConfig keeps retry sleeps in the millisecond range so
// tests stay quick.
func fastBreakerConfig() model.BreakerConfig {
	cfg := model.DefaultBreakerConfig()
	cfg.FailureThreshold = 2
	cfg.SuccessThreshold = 2
	cfg.OpenTimeout = 50 * time.Millisecond
	cfg.MaxRetryAttempts = 1
	cfg.RetryBackoffFactor = 0.001
	cfg.CallTimeout = time.Second
	return cfg
}

func failingOp(err error) Operation {
	return func(ctx context.Context) (interface{}, error) {
		return nil, err
	}
}

func succeedingOp(v interface{}) Operation {
	return func(ctx context.Context) (interface{}, error) {
		return v, nil
	}
}

func TestCircuitBreaker_SuccessPassesThrough(t *testing.T) {
	logger := log.NewStdLogger(os.Stdout)
	cb := NewCircuitBreaker("svc", fastBreakerConfig(), nil, logger)

	v, err := cb.Call(context.Background(), succeedingOp("ok"))
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, model.CircuitClosed, cb.State())

	snap := cb.Snapshot()
	assert.Equal(t, int64(1), snap.Stats.TotalRequests)
	assert.Equal(t, int64(1), snap.Stats.SuccessfulRequests)
}

func TestCircuitBreaker_TripsAfterFailureThreshold(t *testing.T) {
	logger := log.NewStdLogger(os.Stdout)
	audit := &stubAudit{}
	cb := NewCircuitBreaker("svc", fastBreakerConfig(), audit, logger)

	downErr := fmt.Errorf("dial: %w", ErrServiceUnavailable)

	// Two consecutive triggering failures trip the breaker.
	_, err := cb.Call(context.Background(), failingOp(downErr))
	require.Error(t, err)
	assert.Equal(t, model.CircuitClosed, cb.State())

	_, err = cb.Call(context.Background(), failingOp(downErr))
	require.Error(t, err)
	assert.Equal(t, model.CircuitOpen, cb.State())
	assert.Equal(t, 1, audit.openedCount())

	// While open the operation must not run at all.
	invoked := false
	_, err = cb.Call(context.Background(), func(ctx context.Context) (interface{}, error) {
		invoked = true
		return nil, nil
	})
	require.Error(t, err)
	assert.False(t, invoked)

	var openErr *CircuitOpenError
	require.ErrorAs(t, err, &openErr)
	assert.Equal(t, "svc", openErr.Service)
	assert.Greater(t, openErr.RetryAfter, time.Duration(0))
}

func TestCircuitBreaker_NonTriggeringErrorDoesNotTrip(t *testing.T) {
	logger := log.NewStdLogger(os.Stdout)
	cfg := fastBreakerConfig()
	cb := NewCircuitBreaker("svc", cfg, nil, logger)

	// A plain error classifies as kind server, which is outside the
	// default trigger set.
	bizErr := errors.New("validation failed")
	for i := 0; i < cfg.FailureThreshold+3; i++ {
		_, err := cb.Call(context.Background(), failingOp(bizErr))
		require.Error(t, err)
		assert.Equal(t, bizErr, err)
	}

	assert.Equal(t, model.CircuitClosed, cb.State())
	snap := cb.Snapshot()
	assert.Equal(t, 0, snap.Stats.ConsecutiveFailures)
	assert.Equal(t, int64(0), snap.Stats.FailedRequests)
}

func TestCircuitBreaker_NonTriggeringErrorIsNotRetried(t *testing.T) {
	logger := log.NewStdLogger(os.Stdout)
	cfg := fastBreakerConfig()
	cfg.MaxRetryAttempts = 3
	cb := NewCircuitBreaker("svc", cfg, nil, logger)

	calls := 0
	_, err := cb.Call(context.Background(), func(ctx context.Context) (interface{}, error) {
		calls++
		return nil, errors.New("bad request")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestCircuitBreaker_RetriesUpToMaxAttempts(t *testing.T) {
	logger := log.NewStdLogger(os.Stdout)
	cfg := fastBreakerConfig()
	cfg.MaxRetryAttempts = 3
	cfg.FailureThreshold = 10
	cb := NewCircuitBreaker("svc", cfg, nil, logger)

	calls := 0
	_, err := cb.Call(context.Background(), func(ctx context.Context) (interface{}, error) {
		calls++
		return nil, fmt.Errorf("still down: %w", ErrServiceUnavailable)
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)

	// The whole retry sequence counts as one failed request.
	snap := cb.Snapshot()
	assert.Equal(t, int64(1), snap.Stats.TotalRequests)
	assert.Equal(t, 1, snap.Stats.ConsecutiveFailures)
}

func TestCircuitBreaker_RetrySucceedsMidway(t *testing.T) {
	logger := log.NewStdLogger(os.Stdout)
	cfg := fastBreakerConfig()
	cfg.MaxRetryAttempts = 3
	cb := NewCircuitBreaker("svc", cfg, nil, logger)

	calls := 0
	v, err := cb.Call(context.Background(), func(ctx context.Context) (interface{}, error) {
		calls++
		if calls < 3 {
			return nil, fmt.Errorf("flaky: %w", ErrServiceUnavailable)
		}
		return "recovered", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "recovered", v)
	assert.Equal(t, 3, calls)
	assert.Equal(t, model.CircuitClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	logger := log.NewStdLogger(os.Stdout)
	audit := &stubAudit{}
	cfg := fastBreakerConfig()
	cb := NewCircuitBreaker("svc", cfg, audit, logger)

	downErr := fmt.Errorf("down: %w", ErrServiceUnavailable)
	for i := 0; i < cfg.FailureThreshold; i++ {
		_, _ = cb.Call(context.Background(), failingOp(downErr))
	}
	require.Equal(t, model.CircuitOpen, cb.State())

	// Wait out the open timeout; the next call probes in HALF_OPEN.
	time.Sleep(cfg.OpenTimeout + 20*time.Millisecond)

	_, err := cb.Call(context.Background(), succeedingOp(nil))
	require.NoError(t, err)
	assert.Equal(t, model.CircuitHalfOpen, cb.State())

	_, err = cb.Call(context.Background(), succeedingOp(nil))
	require.NoError(t, err)
	assert.Equal(t, model.CircuitClosed, cb.State())

	audit.mu.Lock()
	defer audit.mu.Unlock()
	assert.Equal(t, []string{"svc"}, audit.recovered)
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	logger := log.NewStdLogger(os.Stdout)
	cfg := fastBreakerConfig()
	cb := NewCircuitBreaker("svc", cfg, nil, logger)

	downErr := fmt.Errorf("down: %w", ErrServiceUnavailable)
	for i := 0; i < cfg.FailureThreshold; i++ {
		_, _ = cb.Call(context.Background(), failingOp(downErr))
	}
	require.Equal(t, model.CircuitOpen, cb.State())

	time.Sleep(cfg.OpenTimeout + 20*time.Millisecond)

	// One success, then a failure: a single half-open failure re-opens
	// regardless of the failure threshold.
	_, err := cb.Call(context.Background(), succeedingOp(nil))
	require.NoError(t, err)
	require.Equal(t, model.CircuitHalfOpen, cb.State())

	_, err = cb.Call(context.Background(), failingOp(downErr))
	require.Error(t, err)
	assert.Equal(t, model.CircuitOpen, cb.State())
}

func TestCircuitBreaker_CallTimeoutCountsAsFailure(t *testing.T) {
	logger := log.NewStdLogger(os.Stdout)
	cfg := fastBreakerConfig()
	cfg.FailureThreshold = 1
	cfg.CallTimeout = 20 * time.Millisecond
	cb := NewCircuitBreaker("svc", cfg, nil, logger)

	_, err := cb.Call(context.Background(), func(ctx context.Context) (interface{}, error) {
		select {
		case <-time.After(time.Second):
			return "too late", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	require.Error(t, err)
	assert.Equal(t, model.ErrorKindTimeout, ClassifyError(err))
	assert.Equal(t, model.CircuitOpen, cb.State())
}

func TestCircuitBreaker_Reset(t *testing.T) {
	logger := log.NewStdLogger(os.Stdout)
	audit := &stubAudit{}
	cfg := fastBreakerConfig()
	cb := NewCircuitBreaker("svc", cfg, audit, logger)

	downErr := fmt.Errorf("down: %w", ErrServiceUnavailable)
	for i := 0; i < cfg.FailureThreshold; i++ {
		_, _ = cb.Call(context.Background(), failingOp(downErr))
	}
	require.Equal(t, model.CircuitOpen, cb.State())

	cb.Reset()
	assert.Equal(t, model.CircuitClosed, cb.State())

	snap := cb.Snapshot()
	assert.Equal(t, 0, snap.Stats.ConsecutiveFailures)
	// Historical totals survive a reset.
	assert.Equal(t, int64(cfg.FailureThreshold), snap.Stats.TotalRequests)

	// The breaker admits calls again immediately.
	_, err := cb.Call(context.Background(), succeedingOp(nil))
	assert.NoError(t, err)

	audit.mu.Lock()
	defer audit.mu.Unlock()
	assert.Equal(t, []string{"svc"}, audit.resets)
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want model.ErrorKind
	}{
		{"tagged timeout", &DownstreamError{Kind: model.ErrorKindTimeout, Err: errors.New("x")}, model.ErrorKindTimeout},
		{"tagged connection", &DownstreamError{Kind: model.ErrorKindConnection, Err: errors.New("x")}, model.ErrorKindConnection},
		{"deadline exceeded", context.DeadlineExceeded, model.ErrorKindTimeout},
		{"wrapped deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), model.ErrorKindTimeout},
		{"unavailable sentinel", fmt.Errorf("smtp: %w", ErrServiceUnavailable), model.ErrorKindUnavailable},
		{"plain error", errors.New("boom"), model.ErrorKindServer},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyError(tt.err))
		})
	}
}

func TestCircuitBreakerManager_IsolatesServices(t *testing.T) {
	logger := log.NewStdLogger(os.Stdout)
	m := NewCircuitBreakerManager(nil, nil, logger)

	cfg := fastBreakerConfig()
	m.RegisterService("mailer", cfg)
	m.RegisterService("storage", cfg)

	downErr := fmt.Errorf("down: %w", ErrServiceUnavailable)
	for i := 0; i < cfg.FailureThreshold; i++ {
		_, _ = m.CallService(context.Background(), "mailer", failingOp(downErr))
	}

	assert.Equal(t, model.CircuitOpen, m.GetCircuitBreaker("mailer").State())
	assert.Equal(t, model.CircuitClosed, m.GetCircuitBreaker("storage").State())

	// The healthy service keeps serving.
	v, err := m.CallService(context.Background(), "storage", succeedingOp("ok"))
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}

func TestCircuitBreakerManager_LazyCreation(t *testing.T) {
	logger := log.NewStdLogger(os.Stdout)
	m := NewCircuitBreakerManager(nil, nil, logger)

	cb := m.GetCircuitBreaker("new-service")
	require.NotNil(t, cb)
	assert.Equal(t, model.CircuitClosed, cb.State())
	// Same name returns the same breaker instance.
	assert.Same(t, cb, m.GetCircuitBreaker("new-service"))
}

func TestCircuitBreakerManager_RegisterIsIdempotent(t *testing.T) {
	logger := log.NewStdLogger(os.Stdout)
	m := NewCircuitBreakerManager(nil, nil, logger)

	first := fastBreakerConfig()
	m.RegisterService("svc", first)
	existing := m.GetCircuitBreaker("svc")

	other := fastBreakerConfig()
	other.FailureThreshold = 99
	m.RegisterService("svc", other)

	assert.Same(t, existing, m.GetCircuitBreaker("svc"))
	assert.Equal(t, first.FailureThreshold, m.GetCircuitBreaker("svc").Snapshot().Config.FailureThreshold)
}

func TestCircuitBreakerManager_ResetUnknown(t *testing.T) {
	logger := log.NewStdLogger(os.Stdout)
	m := NewCircuitBreakerManager(nil, nil, logger)

	err := m.Reset("ghost")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown circuit breaker")
}

func TestCircuitBreakerManager_HealthSummary(t *testing.T) {
	logger := log.NewStdLogger(os.Stdout)
	m := NewCircuitBreakerManager(nil, nil, logger)

	cfg := fastBreakerConfig()
	m.RegisterService("a", cfg)
	m.RegisterService("b", cfg)

	summary := m.HealthSummary()
	assert.Equal(t, model.HealthHealthy, summary.Overall)
	assert.Equal(t, 2, summary.Total)

	downErr := fmt.Errorf("down: %w", ErrServiceUnavailable)
	for i := 0; i < cfg.FailureThreshold; i++ {
		_, _ = m.CallService(context.Background(), "a", failingOp(downErr))
	}

	summary = m.HealthSummary()
	assert.Equal(t, model.HealthCritical, summary.Overall)
	assert.Equal(t, model.CircuitOpen, summary.Breakers["a"])
	assert.Equal(t, model.CircuitClosed, summary.Breakers["b"])
}
