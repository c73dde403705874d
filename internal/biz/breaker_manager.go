package biz

import (
	"context"
	"fmt"
	"sync"

	"MailGuard/internal/conf"
	"MailGuard/internal/model"

	"github.com/go-kratos/kratos/v2/log"
)

// CircuitBreakerManager owns the named breakers of the process. It is
// constructed once at startup and injected into consumers; breakers are
// created lazily on first reference and live for the process lifetime.
type CircuitBreakerManager struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
	defaults model.BreakerConfig

	audit  AuditLogger
	logger log.Logger
	helper *log.Helper
}

// NewCircuitBreakerManager creates a manager whose lazily created
// breakers use the configured defaults.
func NewCircuitBreakerManager(c *conf.Breaker, audit AuditLogger, logger log.Logger) *CircuitBreakerManager {
	defaults := model.DefaultBreakerConfig()
	if c != nil {
		defaults.FailureThreshold = int(c.FailureThreshold)
		defaults.SuccessThreshold = int(c.SuccessThreshold)
		defaults.MaxRetryAttempts = int(c.MaxRetryAttempts)
		if c.RetryBackoffFactor > 0 {
			defaults.RetryBackoffFactor = c.RetryBackoffFactor
		}
		if c.OpenTimeout != nil {
			defaults.OpenTimeout = c.OpenTimeout.AsDuration()
		}
		if c.CallTimeout != nil {
			defaults.CallTimeout = c.CallTimeout.AsDuration()
		}
	}

	return &CircuitBreakerManager{
		breakers: make(map[string]*CircuitBreaker),
		defaults: defaults,
		audit:    audit,
		logger:   logger,
		helper:   log.NewHelper(logger),
	}
}

// GetCircuitBreaker returns the breaker for name, creating it with the
// default configuration when it does not exist yet.
func (m *CircuitBreakerManager) GetCircuitBreaker(name string) *CircuitBreaker {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cb, ok := m.breakers[name]; ok {
		return cb
	}
	cb := NewCircuitBreaker(name, m.defaults, m.audit, m.logger)
	m.breakers[name] = cb
	m.helper.Debugw("circuit breaker created", "breaker", name)
	return cb
}

// RegisterService registers a breaker with an explicit configuration.
// Registration is idempotent: an already known name is left untouched.
func (m *CircuitBreakerManager) RegisterService(name string, config model.BreakerConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.breakers[name]; ok {
		return
	}
	m.breakers[name] = NewCircuitBreaker(name, config, m.audit, m.logger)
	m.helper.Infow("service registered with circuit breaker",
		"breaker", name,
		"failure_threshold", config.FailureThreshold,
		"open_timeout", config.OpenTimeout)
}

// CallService runs op through the breaker named name.
func (m *CircuitBreakerManager) CallService(ctx context.Context, name string, op Operation) (interface{}, error) {
	return m.GetCircuitBreaker(name).Call(ctx, op)
}

// Reset forces the named breaker back to CLOSED.
func (m *CircuitBreakerManager) Reset(name string) error {
	m.mu.Lock()
	cb, ok := m.breakers[name]
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("unknown circuit breaker: %s", name)
	}
	cb.Reset()
	return nil
}

// Snapshots returns read-only views of all known breakers.
func (m *CircuitBreakerManager) Snapshots() []model.BreakerSnapshot {
	m.mu.Lock()
	breakers := make([]*CircuitBreaker, 0, len(m.breakers))
	for _, cb := range m.breakers {
		breakers = append(breakers, cb)
	}
	m.mu.Unlock()

	out := make([]model.BreakerSnapshot, 0, len(breakers))
	for _, cb := range breakers {
		out = append(out, cb.Snapshot())
	}
	return out
}

// HealthSummary aggregates breaker states into an overall health label:
// critical if any breaker is OPEN, degraded if any is HALF_OPEN,
// healthy otherwise.
func (m *CircuitBreakerManager) HealthSummary() model.HealthSummary {
	snaps := m.Snapshots()

	summary := model.HealthSummary{
		Overall:  model.HealthHealthy,
		Total:    len(snaps),
		ByState:  make(map[model.CircuitState]int),
		Breakers: make(map[string]model.CircuitState),
	}
	for _, s := range snaps {
		summary.ByState[s.State]++
		summary.Breakers[s.Name] = s.State
	}
	if summary.ByState[model.CircuitOpen] > 0 {
		summary.Overall = model.HealthCritical
	} else if summary.ByState[model.CircuitHalfOpen] > 0 {
		summary.Overall = model.HealthDegraded
	}
	return summary
}
