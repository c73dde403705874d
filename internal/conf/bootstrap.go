package conf

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"google.golang.org/protobuf/types/known/durationpb"
)

// NewBootstrap creates and initializes a Bootstrap configuration.
// It loads configuration from the specified config file path, applies
// defaults, and allows overrides from environment variables prefixed
// with MAILGUARD_.
//
// Configuration priority: Environment variables > Config file > Defaults
//
// Parameters:
//   - configPath: Path to the configuration file; empty uses defaults only
//
// Returns:
//   - *Bootstrap: Loaded configuration
//   - error: Configuration loading or validation error
func NewBootstrap(configPath string) (*Bootstrap, error) {
	v := viper.New()

	setDefaults(v)

	// Enable environment variable support with MAILGUARD_ prefix
	v.SetEnvPrefix("MAILGUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Allow direct environment variable names for deployment compatibility
	_ = v.BindEnv("data.redis.addr", "REDIS_ADDR", "MAILGUARD_DATA_REDIS_ADDR")
	_ = v.BindEnv("server.http.addr", "HTTP_ADDR", "MAILGUARD_SERVER_HTTP_ADDR")

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
	}

	var retryDelays []*durationpb.Duration
	for _, s := range v.GetIntSlice("email_queue.retry_delay_seconds") {
		retryDelays = append(retryDelays, durationpb.New(time.Duration(s)*time.Second))
	}

	bc := &Bootstrap{
		Server: &Server{
			Http: &Server_HTTP{
				Network: v.GetString("server.http.network"),
				Addr:    v.GetString("server.http.addr"),
				Timeout: durationpb.New(v.GetDuration("server.http.timeout")),
			},
		},
		Data: &Data{
			Redis: &Data_Redis{
				Network:      v.GetString("data.redis.network"),
				Addr:         v.GetString("data.redis.addr"),
				ReadTimeout:  durationpb.New(v.GetDuration("data.redis.read_timeout")),
				WriteTimeout: durationpb.New(v.GetDuration("data.redis.write_timeout")),
			},
		},
		Breaker: &Breaker{
			FailureThreshold:   v.GetInt32("breaker.failure_threshold"),
			SuccessThreshold:   v.GetInt32("breaker.success_threshold"),
			OpenTimeout:        durationpb.New(v.GetDuration("breaker.open_timeout")),
			MaxRetryAttempts:   v.GetInt32("breaker.max_retry_attempts"),
			RetryBackoffFactor: v.GetFloat64("breaker.retry_backoff_factor"),
			CallTimeout:        durationpb.New(v.GetDuration("breaker.call_timeout")),
		},
		RateLimit: &RateLimit{
			DefaultRequests: v.GetInt32("rate_limit.default_requests"),
			DefaultWindow:   durationpb.New(v.GetDuration("rate_limit.default_window")),
			CleanupInterval: durationpb.New(v.GetDuration("rate_limit.cleanup_interval")),
		},
		EmailQueue: &EmailQueue{
			BatchSize:           v.GetInt32("email_queue.batch_size"),
			PollInterval:        durationpb.New(v.GetDuration("email_queue.poll_interval")),
			MaxRetries:          v.GetInt32("email_queue.max_retries"),
			RetryDelays:         retryDelays,
			MaxProcessingTime:   durationpb.New(v.GetDuration("email_queue.max_processing_time")),
			DeadLetterRetention: durationpb.New(v.GetDuration("email_queue.dead_letter_retention")),
		},
		Log: &Log{
			Level:      v.GetString("log.level"),
			Format:     v.GetString("log.format"),
			Env:        v.GetString("log.env"),
			OutputFile: v.GetString("log.output_file"),
		},
	}

	if err := Validate(bc); err != nil {
		return nil, err
	}

	return bc, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.http.network", "tcp")
	v.SetDefault("server.http.addr", ":8080")
	v.SetDefault("server.http.timeout", 60*time.Second)

	// Redis defaults; empty addr means "run without Redis"
	v.SetDefault("data.redis.network", "tcp")
	v.SetDefault("data.redis.addr", "")
	v.SetDefault("data.redis.read_timeout", 500*time.Millisecond)
	v.SetDefault("data.redis.write_timeout", 500*time.Millisecond)

	// Circuit breaker defaults
	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.success_threshold", 3)
	v.SetDefault("breaker.open_timeout", 60*time.Second)
	v.SetDefault("breaker.max_retry_attempts", 3)
	v.SetDefault("breaker.retry_backoff_factor", 2.0)
	v.SetDefault("breaker.call_timeout", 30*time.Second)

	// Rate limiter defaults
	v.SetDefault("rate_limit.default_requests", 100)
	v.SetDefault("rate_limit.default_window", time.Minute)
	v.SetDefault("rate_limit.cleanup_interval", 5*time.Minute)

	// Email queue defaults: 5 min / 15 min / 1 hour retry ladder,
	// 5 min stuck-job budget, 7 day dead-letter retention
	v.SetDefault("email_queue.batch_size", 10)
	v.SetDefault("email_queue.poll_interval", 5*time.Second)
	v.SetDefault("email_queue.max_retries", 3)
	v.SetDefault("email_queue.retry_delay_seconds", []int{300, 900, 3600})
	v.SetDefault("email_queue.max_processing_time", 300*time.Second)
	v.SetDefault("email_queue.dead_letter_retention", 7*24*time.Hour)

	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.env", "production")
	v.SetDefault("log.output_file", "")
}

// Validate checks required fields and rejects configurations that the
// core components cannot operate under.
func Validate(bc *Bootstrap) error {
	if bc.Server == nil || bc.Server.Http == nil || bc.Server.Http.Addr == "" {
		return fmt.Errorf("server.http.addr is required")
	}
	if bc.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("breaker.failure_threshold must be positive, got %d", bc.Breaker.FailureThreshold)
	}
	if bc.Breaker.SuccessThreshold <= 0 {
		return fmt.Errorf("breaker.success_threshold must be positive, got %d", bc.Breaker.SuccessThreshold)
	}
	if bc.Breaker.MaxRetryAttempts <= 0 {
		return fmt.Errorf("breaker.max_retry_attempts must be positive, got %d", bc.Breaker.MaxRetryAttempts)
	}
	if bc.RateLimit.DefaultRequests <= 0 {
		return fmt.Errorf("rate_limit.default_requests must be positive, got %d", bc.RateLimit.DefaultRequests)
	}
	if bc.EmailQueue.BatchSize <= 0 {
		return fmt.Errorf("email_queue.batch_size must be positive, got %d", bc.EmailQueue.BatchSize)
	}
	if bc.EmailQueue.MaxRetries < 0 {
		return fmt.Errorf("email_queue.max_retries must not be negative, got %d", bc.EmailQueue.MaxRetries)
	}
	return nil
}
