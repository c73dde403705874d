package main

import (
	"context"
	"time"

	"MailGuard/internal/biz"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/robfig/cron/v3"
)

// StartMaintenanceCron starts the queue maintenance jobs:
// stuck-job recovery every 5 minutes, dead-letter purging hourly and a
// queue depth report every 5 minutes.
func StartMaintenanceCron(queue *biz.EmailQueue, logger log.Logger) *cron.Cron {
	helper := log.NewHelper(logger)

	c := cron.New(cron.WithSeconds())

	// Recover jobs stuck in processing. Cron expression: sec min hour dom mon dow.
	_, err := c.AddFunc("0 */5 * * * *", func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		n, err := queue.RecoverStuck(ctx)
		if err != nil {
			helper.Errorw("stuck job recovery failed", "error", err)
			return
		}
		if n > 0 {
			helper.Infow("stuck jobs recovered", "count", n)
		}
	})
	if err != nil {
		helper.Errorw("failed to register stuck job recovery cron", "error", err)
	}

	// Purge dead letters past retention, hourly on the hour.
	_, err = c.AddFunc("0 0 * * * *", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()

		if _, err := queue.PurgeDeadLetters(ctx); err != nil {
			helper.Errorw("dead letter purge failed", "error", err)
		}
	})
	if err != nil {
		helper.Errorw("failed to register dead letter purge cron", "error", err)
	}

	// Periodic queue depth report for operators tailing the log.
	_, err = c.AddFunc("30 */5 * * * *", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		status, err := queue.Status(ctx)
		if err != nil {
			helper.Warnw("queue status report failed", "error", err)
			return
		}
		helper.Infow("queue depth report",
			"pending", status.Depths.Pending,
			"processing", status.Depths.Processing,
			"retry", status.Depths.Retry,
			"dead_letter", status.Depths.DeadLetter,
			"worker_running", status.WorkerRunning)
	})
	if err != nil {
		helper.Errorw("failed to register queue report cron", "error", err)
	}

	c.Start()
	helper.Info("queue maintenance cron started")

	return c
}
