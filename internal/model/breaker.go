package model

import "time"

// CircuitState is the current state of a circuit breaker.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// ErrorKind classifies downstream failures for breaker accounting.
// Only kinds present in a breaker's trigger set count toward its statistics.
type ErrorKind string

const (
	ErrorKindTimeout     ErrorKind = "timeout"
	ErrorKindConnection  ErrorKind = "connection"
	ErrorKindUnavailable ErrorKind = "unavailable"
	ErrorKindServer      ErrorKind = "server"
)

// BreakerConfig holds the tuning knobs of a single circuit breaker.
// It is immutable once attached to a breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive triggering failures
	// that trips a CLOSED breaker to OPEN.
	FailureThreshold int
	// SuccessThreshold is the number of consecutive successes in
	// HALF_OPEN that closes the breaker again.
	SuccessThreshold int
	// OpenTimeout is how long an OPEN breaker rejects calls before the
	// next call is allowed through as a HALF_OPEN probe.
	OpenTimeout time.Duration
	// MaxRetryAttempts is the total number of tries per Call.
	MaxRetryAttempts int
	// RetryBackoffFactor drives the exponential sleep between tries:
	// the n-th retry waits factor^n seconds.
	RetryBackoffFactor float64
	// CallTimeout bounds each individual attempt. Exceeding it counts
	// as a triggering failure of kind timeout.
	CallTimeout time.Duration
	// TriggerKinds is the set of error kinds that count as failures.
	// Errors of any other kind pass through without breaker bookkeeping.
	TriggerKinds map[ErrorKind]bool
}

// DefaultBreakerConfig returns the configuration applied to breakers
// created lazily by the manager when no explicit registration exists.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold:   5,
		SuccessThreshold:   3,
		OpenTimeout:        60 * time.Second,
		MaxRetryAttempts:   3,
		RetryBackoffFactor: 2.0,
		CallTimeout:        30 * time.Second,
		TriggerKinds: map[ErrorKind]bool{
			ErrorKindTimeout:     true,
			ErrorKindConnection:  true,
			ErrorKindUnavailable: true,
		},
	}
}

// BreakerStats are the running counters of a breaker. They are mutated
// only by the owning breaker under its lock.
type BreakerStats struct {
	TotalRequests        int64      `json:"total_requests"`
	SuccessfulRequests   int64      `json:"successful_requests"`
	FailedRequests       int64      `json:"failed_requests"`
	ConsecutiveFailures  int        `json:"consecutive_failures"`
	ConsecutiveSuccesses int        `json:"consecutive_successes"`
	LastFailureTime      *time.Time `json:"last_failure_time,omitempty"`
	LastSuccessTime      *time.Time `json:"last_success_time,omitempty"`
	StateChangedAt       time.Time  `json:"state_changed_at"`
	TotalStateChanges    int64      `json:"total_state_changes"`
}

// BreakerSnapshot is a read-only view of a breaker returned by stats
// queries. Mutating it has no effect on the breaker.
type BreakerSnapshot struct {
	Name        string       `json:"name"`
	State       CircuitState `json:"state"`
	Stats       BreakerStats `json:"stats"`
	SuccessRate float64      `json:"success_rate"`
	Config      BreakerConfig `json:"-"`
}

// Overall health labels derived from the set of breaker states.
const (
	HealthHealthy  = "healthy"
	HealthDegraded = "degraded"
	HealthCritical = "critical"
)

// HealthSummary aggregates breaker states for the admin API.
type HealthSummary struct {
	Overall  string                  `json:"overall"`
	Total    int                     `json:"total"`
	ByState  map[CircuitState]int    `json:"by_state"`
	Breakers map[string]CircuitState `json:"breakers"`
}
