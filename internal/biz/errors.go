package biz

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"MailGuard/internal/model"

	kerrors "github.com/go-kratos/kratos/v2/errors"
)

// CircuitOpenError is returned when a call is rejected without being
// attempted because the breaker is tripped. It is a distinct type from
// the underlying downstream failure so callers can tell "the service is
// degraded, back off" apart from "this call failed".
type CircuitOpenError struct {
	Service    string
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker open for %s: retry after %s", e.Service, e.RetryAfter)
}

// DownstreamError tags an error with an explicit kind so the breaker
// can classify it without guessing. Clients wrapping external API
// failures should use this to drive breaker accounting precisely.
type DownstreamError struct {
	Kind model.ErrorKind
	Err  error
}

func (e *DownstreamError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *DownstreamError) Unwrap() error { return e.Err }

// ErrServiceUnavailable marks a downstream as temporarily unavailable.
// Wrap it (fmt.Errorf with %w) to produce a triggering failure of kind
// unavailable.
var ErrServiceUnavailable = errors.New("service unavailable")

// ClassifyError maps an error onto the breaker's error kind taxonomy.
func ClassifyError(err error) model.ErrorKind {
	var de *DownstreamError
	if errors.As(err, &de) {
		return de.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return model.ErrorKindTimeout
	}
	if errors.Is(err, ErrServiceUnavailable) {
		return model.ErrorKindUnavailable
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return model.ErrorKindTimeout
		}
		return model.ErrorKindConnection
	}
	return model.ErrorKindServer
}

// RateLimitExceededError carries the machine-readable retry hint of an
// admission rejection.
type RateLimitExceededError struct {
	Rule       string
	Limit      int
	Window     time.Duration
	RetryAfter time.Duration
}

func (e *RateLimitExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded: rule=%s limit=%d window=%s retry_after=%s",
		e.Rule, e.Limit, e.Window, e.RetryAfter)
}

// newRateLimitHTTPError converts an admission rejection into a Kratos
// 429 error carrying the retry metadata for the transport layer.
func newRateLimitHTTPError(e *RateLimitExceededError) error {
	return kerrors.New(
		429, // HTTP 429 Too Many Requests
		"RATE_LIMIT_EXCEEDED",
		e.Error(),
	).WithMetadata(map[string]string{
		"rule":        e.Rule,
		"limit":       fmt.Sprintf("%d", e.Limit),
		"window":      fmt.Sprintf("%.0f", e.Window.Seconds()),
		"retry_after": fmt.Sprintf("%.0f", e.RetryAfter.Seconds()),
	})
}
