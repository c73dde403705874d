package biz

import (
	"context"
	"time"
)

// AuditLogger records security-relevant events. Implementations must be
// non-blocking; a slow audit sink must never delay an admission
// decision or a breaker transition.
type AuditLogger interface {
	// LogCircuitOpened records a breaker tripping to OPEN.
	LogCircuitOpened(ctx context.Context, service string, consecutiveFailures int, openedAt time.Time)

	// LogCircuitRecovered records a breaker closing after recovery.
	LogCircuitRecovered(ctx context.Context, service string, downFor time.Duration, probeSuccesses int)

	// LogCircuitReset records a manual breaker reset.
	LogCircuitReset(ctx context.Context, service string)

	// LogRateLimitExceeded records a denial on a security-sensitive
	// bucket (failed_auth, suspicious, brute_force).
	LogRateLimitExceeded(ctx context.Context, rule, partition string, limit int, retryAfter time.Duration)
}
