package data

import (
	"context"
	"encoding/json"
	"time"

	"MailGuard/internal/model"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/redis/go-redis/v9"
)

const (
	// auditStreamKey is the capped Redis stream holding audit events.
	auditStreamKey = "mailguard:audit:events"
	// auditStreamMaxLen bounds the stream; trimming is approximate.
	auditStreamMaxLen = 10000
)

// auditEvent is one entry bound for the audit stream.
type auditEvent struct {
	eventType model.AuditEventType
	subject   string
	details   map[string]interface{}
	at        time.Time
}

// AuditLoggerImpl implements biz.AuditLogger. Events pass through a
// buffered channel to a single writer goroutine so callers on the hot
// path never block on Redis; when the buffer is full the event is
// dropped with a warning. Without a Redis client events go to the
// structured log only.
type AuditLoggerImpl struct {
	rdb     *redis.Client
	logChan chan *auditEvent
	logger  *log.Helper
}

// NewAuditLogger creates the audit logger and starts its writer. The
// returned cleanup stops the writer after draining buffered events.
func NewAuditLogger(rdb *redis.Client, logger log.Logger) (*AuditLoggerImpl, func()) {
	al := &AuditLoggerImpl{
		rdb:     rdb,
		logChan: make(chan *auditEvent, 1000),
		logger:  log.NewHelper(logger),
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		al.start()
	}()

	cleanup := func() {
		close(al.logChan)
		<-done
	}
	return al, cleanup
}

// start drains the channel and writes each event to the audit stream.
func (a *AuditLoggerImpl) start() {
	for event := range a.logChan {
		a.write(event)
	}
}

func (a *AuditLoggerImpl) write(event *auditEvent) {
	details, err := json.Marshal(event.details)
	if err != nil {
		a.logger.Errorw("failed to marshal audit event details",
			"event_type", event.eventType,
			"error", err)
		return
	}

	a.logger.Infow("audit event",
		"event_type", event.eventType,
		"subject", event.subject,
		"details", string(details))

	if a.rdb == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	err = a.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: auditStreamKey,
		MaxLen: auditStreamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"event_type": string(event.eventType),
			"subject":    event.subject,
			"details":    string(details),
			"at":         event.at.Format(time.RFC3339),
		},
	}).Err()
	if err != nil {
		a.logger.Errorw("failed to write audit event",
			"event_type", event.eventType,
			"subject", event.subject,
			"error", err)
	}
}

// submit queues the event without blocking.
func (a *AuditLoggerImpl) submit(event *auditEvent) {
	select {
	case a.logChan <- event:
	default:
		a.logger.Warnw("audit log channel full, dropping event",
			"event_type", event.eventType,
			"subject", event.subject)
	}
}

// LogCircuitOpened records a breaker tripping to OPEN.
func (a *AuditLoggerImpl) LogCircuitOpened(ctx context.Context, service string, consecutiveFailures int, openedAt time.Time) {
	a.submit(&auditEvent{
		eventType: model.AuditEventCircuitOpened,
		subject:   service,
		details: map[string]interface{}{
			"consecutive_failures": consecutiveFailures,
			"opened_at":            openedAt.Format(time.RFC3339),
		},
		at: time.Now(),
	})
}

// LogCircuitRecovered records a breaker closing after recovery.
func (a *AuditLoggerImpl) LogCircuitRecovered(ctx context.Context, service string, downFor time.Duration, probeSuccesses int) {
	a.submit(&auditEvent{
		eventType: model.AuditEventCircuitRecovered,
		subject:   service,
		details: map[string]interface{}{
			"down_for_seconds": downFor.Seconds(),
			"probe_successes":  probeSuccesses,
		},
		at: time.Now(),
	})
}

// LogCircuitReset records a manual breaker reset.
func (a *AuditLoggerImpl) LogCircuitReset(ctx context.Context, service string) {
	a.submit(&auditEvent{
		eventType: model.AuditEventCircuitReset,
		subject:   service,
		details:   map[string]interface{}{},
		at:        time.Now(),
	})
}

// LogRateLimitExceeded records a denial on a security-sensitive bucket.
func (a *AuditLoggerImpl) LogRateLimitExceeded(ctx context.Context, rule, partition string, limit int, retryAfter time.Duration) {
	a.submit(&auditEvent{
		eventType: model.AuditEventRateLimitExceeded,
		subject:   rule,
		details: map[string]interface{}{
			"partition":           partition,
			"limit":               limit,
			"retry_after_seconds": retryAfter.Seconds(),
		},
		at: time.Now(),
	})
}
