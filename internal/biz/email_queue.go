package biz

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"MailGuard/internal/conf"
	"MailGuard/internal/model"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// MailerService is the name under which outbound sends are gated by the
// circuit breaker manager.
const MailerService = "mailer"

// statusCacheKey and TTL for the queue status snapshot.
const (
	statusCacheKey = "email_queue:status"
	statusCacheTTL = 5 * time.Second
)

// Mailer is the injected send capability. The queue treats it as
// opaque; template rendering and provider details are its concern.
type Mailer interface {
	Send(ctx context.Context, job *model.EmailJob) (*model.DeliveryResult, error)
}

// EmailQueueRepo is the durable queue storage port. A job id exists in
// exactly one of the main/processing/retry/dead-letter indexes at any
// observation point; every move is atomic per job.
type EmailQueueRepo interface {
	// Enqueue persists the job and indexes it in the main queue.
	Enqueue(ctx context.Context, job *model.EmailJob) error

	// ClaimDue atomically moves up to batch due jobs from the main
	// queue into the processing index and returns them. A job another
	// worker claimed concurrently is skipped, never duplicated.
	ClaimDue(ctx context.Context, now time.Time, batch int) ([]*model.EmailJob, error)

	// MarkSent persists the final job state and drops it from the
	// processing index.
	MarkSent(ctx context.Context, job *model.EmailJob) error

	// ScheduleRetry moves the job from processing into the retry
	// index, scored by its new scheduled time.
	ScheduleRetry(ctx context.Context, job *model.EmailJob) error

	// MoveToDeadLetter moves the job from processing into the
	// dead-letter index.
	MoveToDeadLetter(ctx context.Context, job *model.EmailJob) error

	// PromoteDueRetries moves retry jobs whose schedule has arrived
	// back into the main queue; returns how many were promoted.
	PromoteDueRetries(ctx context.Context, now time.Time) (int, error)

	// ReclaimStuck removes jobs claimed before cutoff from the
	// processing index and returns them for failure routing.
	ReclaimStuck(ctx context.Context, cutoff time.Time) ([]*model.EmailJob, error)

	// PurgeDeadLetters deletes dead-lettered jobs older than cutoff.
	PurgeDeadLetters(ctx context.Context, cutoff time.Time) (int, error)

	// GetJob loads a job by id; model.ErrJobNotFound when unknown.
	GetJob(ctx context.Context, id string) (*model.EmailJob, error)

	// Depths reports the sizes of the four indexes.
	Depths(ctx context.Context) (model.QueueDepths, error)
}

// Cache is the read-side snapshot cache shared with the data layer's
// cache client.
type Cache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

// queueMetrics are process-local running counters.
type queueMetrics struct {
	created      atomic.Int64
	processed    atomic.Int64
	failed       atomic.Int64
	retried      atomic.Int64
	deadLettered atomic.Int64
}

// EmailQueue is the durable email delivery queue and its worker. The
// worker is a single long-lived background task started and stopped
// explicitly; enqueue and status queries are safe to call concurrently
// with a running worker.
type EmailQueue struct {
	repo     EmailQueueRepo
	mailer   Mailer
	breakers *CircuitBreakerManager
	cache    Cache
	logger   *log.Helper

	batchSize           int
	pollInterval        time.Duration
	maxRetries          int
	retryDelays         []time.Duration
	maxProcessingTime   time.Duration
	deadLetterRetention time.Duration

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	metrics queueMetrics

	now func() time.Time
}

// NewEmailQueue creates the queue use case. breakers may be nil, in
// which case sends go to the mailer directly without gating.
func NewEmailQueue(c *conf.EmailQueue, repo EmailQueueRepo, mailer Mailer, breakers *CircuitBreakerManager, cache Cache, logger log.Logger) *EmailQueue {
	q := &EmailQueue{
		repo:                repo,
		mailer:              mailer,
		breakers:            breakers,
		cache:               cache,
		logger:              log.NewHelper(logger),
		batchSize:           10,
		pollInterval:        5 * time.Second,
		maxRetries:          3,
		retryDelays:         []time.Duration{5 * time.Minute, 15 * time.Minute, time.Hour},
		maxProcessingTime:   5 * time.Minute,
		deadLetterRetention: 7 * 24 * time.Hour,
		now:                 time.Now,
	}

	if c != nil {
		if c.BatchSize > 0 {
			q.batchSize = int(c.BatchSize)
		}
		if c.PollInterval != nil && c.PollInterval.AsDuration() > 0 {
			q.pollInterval = c.PollInterval.AsDuration()
		}
		if c.MaxRetries >= 0 {
			q.maxRetries = int(c.MaxRetries)
		}
		if len(c.RetryDelays) > 0 {
			delays := make([]time.Duration, 0, len(c.RetryDelays))
			for _, d := range c.RetryDelays {
				delays = append(delays, d.AsDuration())
			}
			q.retryDelays = delays
		}
		if c.MaxProcessingTime != nil && c.MaxProcessingTime.AsDuration() > 0 {
			q.maxProcessingTime = c.MaxProcessingTime.AsDuration()
		}
		if c.DeadLetterRetention != nil && c.DeadLetterRetention.AsDuration() > 0 {
			q.deadLetterRetention = c.DeadLetterRetention.AsDuration()
		}
	}

	return q
}

// Enqueue creates a job and schedules it delay from now. When the
// backing store is unavailable the email is sent synchronously through
// the mailer instead of queued and the delivery message id is returned.
func (q *EmailQueue) Enqueue(ctx context.Context, to string, typ model.EmailType, variables map[string]string, priority model.EmailPriority, userID string, delay time.Duration) (string, error) {
	if !priority.Valid() {
		priority = model.PriorityNormal
	}
	now := q.now()

	job := &model.EmailJob{
		ID:          uuid.NewString(),
		ToEmail:     to,
		Type:        typ,
		Variables:   variables,
		Priority:    priority,
		UserID:      userID,
		Status:      model.StatusPending,
		MaxRetries:  q.maxRetries,
		CreatedAt:   now,
		ScheduledAt: now.Add(delay),
	}

	if err := q.repo.Enqueue(ctx, job); err != nil {
		// Queue store down: degrade to an immediate synchronous send.
		q.logger.Warnw("email queue unavailable, sending synchronously",
			"job_id", job.ID,
			"to_email", to,
			"error", err.Error())

		res, sendErr := q.send(ctx, job)
		if sendErr != nil {
			return "", fmt.Errorf("queue unavailable and direct send failed: %w", sendErr)
		}
		q.metrics.created.Add(1)
		q.metrics.processed.Add(1)
		if res.MessageID != "" {
			return res.MessageID, nil
		}
		return job.ID, nil
	}

	q.metrics.created.Add(1)
	q.logger.Debugw("email job enqueued",
		"job_id", job.ID,
		"email_type", typ,
		"priority", priority,
		"scheduled_at", job.ScheduledAt)
	return job.ID, nil
}

// StartWorker launches the background worker loop. Starting an already
// running worker is a no-op with a warning.
func (q *EmailQueue) StartWorker() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.running {
		q.logger.Warn("email worker already running, ignoring start")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel
	q.done = make(chan struct{})
	q.running = true

	go q.run(ctx, q.done)
	q.logger.Infow("email worker started",
		"batch_size", q.batchSize,
		"poll_interval", q.pollInterval)
}

// StopWorker cancels the worker loop and waits for the in-flight tick
// to finish. Stopping a stopped worker is a no-op.
func (q *EmailQueue) StopWorker() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	cancel, done := q.cancel, q.done
	q.running = false
	q.mu.Unlock()

	cancel()
	<-done
	q.logger.Info("email worker stopped")
}

// WorkerRunning reports whether the worker loop is active.
func (q *EmailQueue) WorkerRunning() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

func (q *EmailQueue) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()

	q.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.tick(ctx)
		}
	}
}

// tick promotes due retries and drains one due batch.
func (q *EmailQueue) tick(ctx context.Context) {
	now := q.now()

	if promoted, err := q.repo.PromoteDueRetries(ctx, now); err != nil {
		q.logger.Warnw("retry promotion failed", "error", err.Error())
	} else if promoted > 0 {
		q.logger.Debugw("retry jobs promoted", "count", promoted)
	}

	jobs, err := q.repo.ClaimDue(ctx, now, q.batchSize)
	if err != nil {
		q.logger.Warnw("claiming due jobs failed", "error", err.Error())
		return
	}
	if len(jobs) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, job := range jobs {
		job := job
		g.Go(func() error {
			q.processJob(gctx, job)
			return nil
		})
	}
	_ = g.Wait()
}

// processJob attempts one delivery and routes the outcome through the
// sent/retry/dead-letter state machine.
func (q *EmailQueue) processJob(ctx context.Context, job *model.EmailJob) {
	now := q.now()
	job.Status = model.StatusProcessing
	job.LastAttempt = &now

	res, err := q.send(ctx, job)
	if err == nil && res != nil && res.Success {
		job.Status = model.StatusSent
		job.LastError = ""
		job.ProviderMessageID = res.MessageID
		if repoErr := q.repo.MarkSent(ctx, job); repoErr != nil {
			q.logger.Errorw("failed to persist sent job", "job_id", job.ID, "error", repoErr.Error())
		}
		q.metrics.processed.Add(1)
		q.logger.Debugw("email delivered",
			"job_id", job.ID,
			"to_email", job.ToEmail,
			"provider", res.Provider,
			"message_id", res.MessageID)
		return
	}

	reason := "delivery rejected by provider"
	if err != nil {
		reason = err.Error()
	} else if res != nil && res.ErrorMessage != "" {
		reason = res.ErrorMessage
	}
	q.failJob(ctx, job, reason)
}

// failJob increments the retry counter and either reschedules the job
// per the backoff ladder or dead-letters it, exactly once, when retries
// are exhausted.
func (q *EmailQueue) failJob(ctx context.Context, job *model.EmailJob, reason string) {
	now := q.now()
	job.RetryCount++
	job.LastError = reason
	q.metrics.failed.Add(1)

	if job.RetryCount <= job.MaxRetries {
		idx := job.RetryCount - 1
		if idx >= len(q.retryDelays) {
			idx = len(q.retryDelays) - 1
		}
		job.Status = model.StatusRetry
		job.ScheduledAt = now.Add(q.retryDelays[idx])

		if err := q.repo.ScheduleRetry(ctx, job); err != nil {
			q.logger.Errorw("failed to schedule retry", "job_id", job.ID, "error", err.Error())
			return
		}
		q.metrics.retried.Add(1)
		q.logger.Infow("email delivery failed, retry scheduled",
			"job_id", job.ID,
			"retry_count", job.RetryCount,
			"max_retries", job.MaxRetries,
			"next_attempt", job.ScheduledAt,
			"reason", reason)
		return
	}

	job.Status = model.StatusDeadLetter
	if err := q.repo.MoveToDeadLetter(ctx, job); err != nil {
		q.logger.Errorw("failed to dead-letter job", "job_id", job.ID, "error", err.Error())
		return
	}
	q.metrics.deadLettered.Add(1)
	q.logger.Errorw("email job dead-lettered",
		"job_id", job.ID,
		"to_email", job.ToEmail,
		"retry_count", job.RetryCount,
		"reason", reason)
}

// send invokes the mailer, gated by the mailer circuit breaker when a
// manager is attached. A rejected or failed send surfaces as an error;
// the caller routes it through the retry ladder.
func (q *EmailQueue) send(ctx context.Context, job *model.EmailJob) (*model.DeliveryResult, error) {
	if q.breakers == nil {
		return q.mailer.Send(ctx, job)
	}

	v, err := q.breakers.CallService(ctx, MailerService, func(ctx context.Context) (interface{}, error) {
		return q.mailer.Send(ctx, job)
	})
	if err != nil {
		return nil, err
	}
	res, ok := v.(*model.DeliveryResult)
	if !ok {
		return nil, fmt.Errorf("mailer returned unexpected result type %T", v)
	}
	return res, nil
}

// RecoverStuck treats jobs held in processing longer than the
// configured budget as failed, re-entering the retry/dead-letter path.
func (q *EmailQueue) RecoverStuck(ctx context.Context) (int, error) {
	cutoff := q.now().Add(-q.maxProcessingTime)
	jobs, err := q.repo.ReclaimStuck(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("reclaiming stuck jobs: %w", err)
	}
	for _, job := range jobs {
		q.logger.Warnw("recovering job stuck in processing",
			"job_id", job.ID,
			"last_attempt", job.LastAttempt)
		q.failJob(ctx, job, "processing timeout exceeded")
	}
	return len(jobs), nil
}

// PurgeDeadLetters deletes dead-lettered jobs older than the retention
// window. Purged jobs are no longer retrievable by JobStatus.
func (q *EmailQueue) PurgeDeadLetters(ctx context.Context) (int, error) {
	cutoff := q.now().Add(-q.deadLetterRetention)
	n, err := q.repo.PurgeDeadLetters(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purging dead letters: %w", err)
	}
	if n > 0 {
		q.logger.Infow("dead letters purged", "count", n)
	}
	return n, nil
}

// JobStatus loads a single job by id.
func (q *EmailQueue) JobStatus(ctx context.Context, id string) (*model.EmailJob, error) {
	return q.repo.GetJob(ctx, id)
}

// Status returns a read-only queue snapshot. The snapshot is cached
// briefly so status polling does not hammer the store.
func (q *EmailQueue) Status(ctx context.Context) (model.QueueStatus, error) {
	var cached model.QueueStatus
	if q.cache != nil {
		if err := q.cache.Get(ctx, statusCacheKey, &cached); err == nil {
			cached.WorkerRunning = q.WorkerRunning()
			return cached, nil
		}
	}

	depths, err := q.repo.Depths(ctx)
	if err != nil {
		return model.QueueStatus{}, fmt.Errorf("reading queue depths: %w", err)
	}

	processed := q.metrics.processed.Load()
	failed := q.metrics.failed.Load()
	attempts := processed + failed
	successRate := 1.0
	if attempts > 0 {
		successRate = float64(processed) / float64(attempts)
	}

	status := model.QueueStatus{
		WorkerRunning: q.WorkerRunning(),
		Depths:        depths,
		Size:          depths.Size(),
		Metrics: model.QueueMetrics{
			Created:      q.metrics.created.Load(),
			Processed:    processed,
			Failed:       failed,
			Retried:      q.metrics.retried.Load(),
			DeadLettered: q.metrics.deadLettered.Load(),
			SuccessRate:  successRate,
		},
	}

	if q.cache != nil {
		if err := q.cache.Set(ctx, statusCacheKey, status, statusCacheTTL); err != nil {
			q.logger.Debugw("status snapshot cache write failed", "error", err.Error())
		}
	}
	return status, nil
}
