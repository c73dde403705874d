package data

import (
	"context"
	"os"
	"testing"
	"time"

	"MailGuard/internal/model"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditLogger_WritesStreamEntries(t *testing.T) {
	rdb, _ := setupTestRedis(t)
	defer rdb.Close()
	logger := log.NewStdLogger(os.Stdout)

	al, cleanup := NewAuditLogger(rdb, logger)
	ctx := context.Background()

	al.LogCircuitOpened(ctx, "email_provider", 5, time.Now())
	al.LogCircuitRecovered(ctx, "email_provider", 90*time.Second, 3)
	al.LogCircuitReset(ctx, "email_provider")
	al.LogRateLimitExceeded(ctx, "brute_force", "ip:10.0.0.1", 3, 12*time.Minute)

	// Cleanup drains the channel before the writer exits.
	cleanup()

	entries, err := rdb.XRange(ctx, auditStreamKey, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 4)

	assert.Equal(t, string(model.AuditEventCircuitOpened), entries[0].Values["event_type"])
	assert.Equal(t, "email_provider", entries[0].Values["subject"])
	assert.Contains(t, entries[0].Values["details"], "consecutive_failures")

	assert.Equal(t, string(model.AuditEventCircuitRecovered), entries[1].Values["event_type"])
	assert.Equal(t, string(model.AuditEventCircuitReset), entries[2].Values["event_type"])

	assert.Equal(t, string(model.AuditEventRateLimitExceeded), entries[3].Values["event_type"])
	assert.Equal(t, "brute_force", entries[3].Values["subject"])
	assert.Contains(t, entries[3].Values["details"], "ip:10.0.0.1")
}

func TestAuditLogger_NilRedisLogsOnly(t *testing.T) {
	logger := log.NewStdLogger(os.Stdout)
	al, cleanup := NewAuditLogger(nil, logger)

	// Must not panic or block without a Redis client.
	al.LogCircuitOpened(context.Background(), "email_provider", 5, time.Now())
	cleanup()
}

func TestAuditLogger_DropsWhenFull(t *testing.T) {
	logger := log.NewStdLogger(os.Stdout)
	al := &AuditLoggerImpl{
		rdb:     nil,
		logChan: make(chan *auditEvent, 1),
		logger:  log.NewHelper(logger),
	}

	// No writer is running: the second submit finds the buffer full and
	// must drop instead of blocking.
	done := make(chan struct{})
	go func() {
		al.LogCircuitReset(context.Background(), "a")
		al.LogCircuitReset(context.Background(), "b")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("submit blocked on full channel")
	}
	assert.Len(t, al.logChan, 1)
}
