package conf

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestNewBootstrap_Defaults(t *testing.T) {
	bc, err := NewBootstrap("")
	require.NoError(t, err)
	require.NotNil(t, bc)

	// Server defaults
	assert.Equal(t, "tcp", bc.Server.Http.Network)
	assert.Equal(t, ":8080", bc.Server.Http.Addr)
	assert.Equal(t, 60*time.Second, bc.Server.Http.Timeout.AsDuration())

	// Redis defaults: empty addr means degraded mode without Redis
	assert.Empty(t, bc.Data.Redis.Addr)
	assert.Equal(t, 500*time.Millisecond, bc.Data.Redis.ReadTimeout.AsDuration())

	// Breaker defaults
	assert.Equal(t, int32(5), bc.Breaker.FailureThreshold)
	assert.Equal(t, int32(3), bc.Breaker.SuccessThreshold)
	assert.Equal(t, 60*time.Second, bc.Breaker.OpenTimeout.AsDuration())
	assert.Equal(t, int32(3), bc.Breaker.MaxRetryAttempts)
	assert.Equal(t, 2.0, bc.Breaker.RetryBackoffFactor)
	assert.Equal(t, 30*time.Second, bc.Breaker.CallTimeout.AsDuration())

	// Rate limiter defaults
	assert.Equal(t, int32(100), bc.RateLimit.DefaultRequests)
	assert.Equal(t, time.Minute, bc.RateLimit.DefaultWindow.AsDuration())

	// Email queue defaults and the retry ladder
	assert.Equal(t, int32(10), bc.EmailQueue.BatchSize)
	assert.Equal(t, 5*time.Second, bc.EmailQueue.PollInterval.AsDuration())
	assert.Equal(t, int32(3), bc.EmailQueue.MaxRetries)
	require.Len(t, bc.EmailQueue.RetryDelays, 3)
	assert.Equal(t, 5*time.Minute, bc.EmailQueue.RetryDelays[0].AsDuration())
	assert.Equal(t, 15*time.Minute, bc.EmailQueue.RetryDelays[1].AsDuration())
	assert.Equal(t, time.Hour, bc.EmailQueue.RetryDelays[2].AsDuration())
	assert.Equal(t, 5*time.Minute, bc.EmailQueue.MaxProcessingTime.AsDuration())
	assert.Equal(t, 7*24*time.Hour, bc.EmailQueue.DeadLetterRetention.AsDuration())

	// Log defaults
	assert.Equal(t, "info", bc.Log.Level)
	assert.Equal(t, "json", bc.Log.Format)
}

func TestNewBootstrap_ConfigFile(t *testing.T) {
	path := writeConfig(t, `server:
  http:
    addr: :9090
data:
  redis:
    addr: 127.0.0.1:6379
breaker:
  failure_threshold: 10
email_queue:
  retry_delay_seconds: [60, 120]
  max_retries: 2
`)

	bc, err := NewBootstrap(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", bc.Server.Http.Addr)
	assert.Equal(t, "127.0.0.1:6379", bc.Data.Redis.Addr)
	assert.Equal(t, int32(10), bc.Breaker.FailureThreshold)
	assert.Equal(t, int32(2), bc.EmailQueue.MaxRetries)
	require.Len(t, bc.EmailQueue.RetryDelays, 2)
	assert.Equal(t, time.Minute, bc.EmailQueue.RetryDelays[0].AsDuration())
	assert.Equal(t, 2*time.Minute, bc.EmailQueue.RetryDelays[1].AsDuration())

	// Untouched sections keep defaults
	assert.Equal(t, int32(3), bc.Breaker.SuccessThreshold)
	assert.Equal(t, int32(100), bc.RateLimit.DefaultRequests)
}

func TestNewBootstrap_EnvOverrides(t *testing.T) {
	t.Setenv("MAILGUARD_SERVER_HTTP_ADDR", ":7070")
	t.Setenv("MAILGUARD_LOG_LEVEL", "debug")

	bc, err := NewBootstrap("")
	require.NoError(t, err)

	assert.Equal(t, ":7070", bc.Server.Http.Addr)
	assert.Equal(t, "debug", bc.Log.Level)
}

func TestNewBootstrap_DirectEnvNames(t *testing.T) {
	t.Setenv("REDIS_ADDR", "redis.internal:6379")
	t.Setenv("HTTP_ADDR", ":6060")

	bc, err := NewBootstrap("")
	require.NoError(t, err)

	assert.Equal(t, "redis.internal:6379", bc.Data.Redis.Addr)
	assert.Equal(t, ":6060", bc.Server.Http.Addr)
}

func TestNewBootstrap_MissingFile(t *testing.T) {
	_, err := NewBootstrap("/nonexistent/config.yaml")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Bootstrap {
		bc, err := NewBootstrap("")
		require.NoError(t, err)
		return bc
	}

	tests := []struct {
		name   string
		mutate func(*Bootstrap)
	}{
		{"missing_http_addr", func(bc *Bootstrap) { bc.Server.Http.Addr = "" }},
		{"zero_failure_threshold", func(bc *Bootstrap) { bc.Breaker.FailureThreshold = 0 }},
		{"zero_success_threshold", func(bc *Bootstrap) { bc.Breaker.SuccessThreshold = 0 }},
		{"zero_retry_attempts", func(bc *Bootstrap) { bc.Breaker.MaxRetryAttempts = 0 }},
		{"zero_default_requests", func(bc *Bootstrap) { bc.RateLimit.DefaultRequests = 0 }},
		{"zero_batch_size", func(bc *Bootstrap) { bc.EmailQueue.BatchSize = 0 }},
		{"negative_max_retries", func(bc *Bootstrap) { bc.EmailQueue.MaxRetries = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bc := valid()
			tt.mutate(bc)
			assert.Error(t, Validate(bc))
		})
	}

	assert.NoError(t, Validate(valid()))
}
