// Package conf provides configuration management using Viper.
// It supports loading configuration from YAML files and environment
// variables, with sensible defaults for every knob.
package conf

import (
	"google.golang.org/protobuf/types/known/durationpb"
)

// Bootstrap is the root configuration of the service.
type Bootstrap struct {
	Server     *Server
	Data       *Data
	Breaker    *Breaker
	RateLimit  *RateLimit
	EmailQueue *EmailQueue
	Log        *Log
}

// Server holds transport configuration.
type Server struct {
	Http *Server_HTTP
}

// Server_HTTP holds the HTTP listener configuration.
type Server_HTTP struct {
	Network string
	Addr    string
	Timeout *durationpb.Duration
}

// Data holds datasource configuration.
type Data struct {
	Redis *Data_Redis
}

// Data_Redis holds the Redis connection configuration. An empty Addr
// disables Redis and every component falls back to its in-process path.
type Data_Redis struct {
	Network      string
	Addr         string
	ReadTimeout  *durationpb.Duration
	WriteTimeout *durationpb.Duration
}

// Breaker holds the default circuit breaker configuration applied to
// breakers created lazily by the manager.
type Breaker struct {
	FailureThreshold   int32
	SuccessThreshold   int32
	OpenTimeout        *durationpb.Duration
	MaxRetryAttempts   int32
	RetryBackoffFactor float64
	CallTimeout        *durationpb.Duration
}

// RateLimit holds rate limiter configuration. Rules themselves are
// seeded by the rule registry; this section tunes the default API rule
// and the in-process fallback store.
type RateLimit struct {
	DefaultRequests int32
	DefaultWindow   *durationpb.Duration
	CleanupInterval *durationpb.Duration
}

// EmailQueue holds email queue and worker configuration.
type EmailQueue struct {
	BatchSize           int32
	PollInterval        *durationpb.Duration
	MaxRetries          int32
	RetryDelays         []*durationpb.Duration
	MaxProcessingTime   *durationpb.Duration
	DeadLetterRetention *durationpb.Duration
}

// Log holds logging configuration.
type Log struct {
	Level      string
	Format     string
	Env        string
	OutputFile string
}
