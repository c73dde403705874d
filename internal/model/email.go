package model

import (
	"errors"
	"time"
)

// ErrJobNotFound is returned when a job id is unknown or already purged.
var ErrJobNotFound = errors.New("email job not found")

// EmailPriority orders jobs scheduled for the same time.
type EmailPriority string

const (
	PriorityUrgent EmailPriority = "urgent"
	PriorityHigh   EmailPriority = "high"
	PriorityNormal EmailPriority = "normal"
	PriorityLow    EmailPriority = "low"
)

// ScoreOffset is added to the scheduled-at unix timestamp to build the
// queue index score. Offsets are fractions of a second so priority only
// reorders jobs due at the same second, never jumps the schedule.
func (p EmailPriority) ScoreOffset() float64 {
	switch p {
	case PriorityUrgent:
		return -0.4
	case PriorityHigh:
		return -0.3
	case PriorityNormal:
		return -0.2
	case PriorityLow:
		return -0.1
	default:
		return -0.2
	}
}

// Valid reports whether p is a known priority.
func (p EmailPriority) Valid() bool {
	switch p {
	case PriorityUrgent, PriorityHigh, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

// EmailType identifies the template/category of an outbound email.
// Rendering is the mailer's concern; the queue treats it as opaque.
type EmailType string

const (
	EmailWelcome       EmailType = "welcome"
	EmailPasswordReset EmailType = "password_reset"
	EmailBudgetAlert   EmailType = "budget_alert"
	EmailWeeklySummary EmailType = "weekly_summary"
	EmailSecurityAlert EmailType = "security_alert"
)

// EmailStatus is the lifecycle state of a queued job. Transitions are
// driven exclusively by the worker.
type EmailStatus string

const (
	StatusPending    EmailStatus = "pending"
	StatusProcessing EmailStatus = "processing"
	StatusSent       EmailStatus = "sent"
	StatusFailed     EmailStatus = "failed"
	StatusRetry      EmailStatus = "retry"
	StatusDeadLetter EmailStatus = "dead_letter"
)

// EmailJob is one unit of deliverable work in the queue.
type EmailJob struct {
	ID          string            `json:"id"`
	ToEmail     string            `json:"to_email"`
	Type        EmailType         `json:"email_type"`
	Variables   map[string]string `json:"variables,omitempty"`
	Priority    EmailPriority     `json:"priority"`
	UserID      string            `json:"user_id,omitempty"`
	Status      EmailStatus       `json:"status"`
	RetryCount  int               `json:"retry_count"`
	MaxRetries  int               `json:"max_retries"`
	CreatedAt   time.Time         `json:"created_at"`
	ScheduledAt time.Time         `json:"scheduled_at"`
	LastAttempt *time.Time        `json:"last_attempt,omitempty"`
	LastError   string            `json:"last_error,omitempty"`
	// ProviderMessageID is the mailer-side id recorded on success.
	ProviderMessageID string `json:"provider_message_id,omitempty"`
}

// QueueScore is the sorted-set score under which the job is indexed
// while waiting in the main or retry queue.
func (j *EmailJob) QueueScore() float64 {
	return float64(j.ScheduledAt.Unix()) + j.Priority.ScoreOffset()
}

// DeliveryResult is the mailer's report for a single send.
type DeliveryResult struct {
	Success      bool      `json:"success"`
	MessageID    string    `json:"message_id,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	Provider     string    `json:"provider"`
	SentAt       time.Time `json:"sent_at,omitempty"`
}

// QueueDepths are the sizes of the four job indexes.
type QueueDepths struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Retry      int64 `json:"retry"`
	DeadLetter int64 `json:"dead_letter"`
}

// Size is the aggregate live queue size (everything not dead-lettered).
func (d QueueDepths) Size() int64 {
	return d.Pending + d.Processing + d.Retry
}

// QueueMetrics are the running worker counters.
type QueueMetrics struct {
	Created      int64   `json:"created"`
	Processed    int64   `json:"processed"`
	Failed       int64   `json:"failed"`
	Retried      int64   `json:"retried"`
	DeadLettered int64   `json:"dead_lettered"`
	SuccessRate  float64 `json:"success_rate"`
}

// QueueStatus is the read-only status snapshot exposed by the admin API.
type QueueStatus struct {
	WorkerRunning bool         `json:"worker_running"`
	Depths        QueueDepths  `json:"depths"`
	Size          int64        `json:"size"`
	Metrics       QueueMetrics `json:"metrics"`
}
