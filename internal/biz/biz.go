// Package biz contains business logic layer implementations.
// This layer holds the resilience rules and domain models.
package biz

import (
	"MailGuard/internal/data"

	"github.com/google/wire"
)

// ProviderSet is biz providers.
var ProviderSet = wire.NewSet(
	NewCircuitBreakerManager,
	NewRuleRegistry,
	NewRateLimiter,
	NewEmailQueue,
	// Bind data layer implementations to biz layer interfaces
	wire.Bind(new(LimiterStore), new(*data.RedisLimiterStore)),
	wire.Bind(new(LocalLimiterStore), new(*data.MemoryLimiterStore)),
	wire.Bind(new(EmailQueueRepo), new(*data.RedisEmailQueueRepo)),
	wire.Bind(new(Mailer), new(*data.DevMailer)),
	wire.Bind(new(AuditLogger), new(*data.AuditLoggerImpl)),
	wire.Bind(new(Cache), new(*data.RedisCache)),
)
