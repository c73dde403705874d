package data

import (
	"context"
	"time"

	"MailGuard/internal/conf"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/redis/go-redis/v9"
)

// NewRedisClient creates a new Redis client with connection pool
// configuration. It returns the client and a cleanup function.
// Connection failure does not prevent application startup: every
// component degrades to its in-process path when Redis is absent, so a
// nil client or a failed ping is a warning, never a fatal error.
func NewRedisClient(c *conf.Data, logger log.Logger) (*redis.Client, func()) {
	helper := log.NewHelper(logger)

	if c == nil || c.Redis == nil || c.Redis.Addr == "" {
		helper.Warn("Redis not configured, components will use in-process fallbacks")
		return nil, func() {}
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:            c.Redis.Addr,
		PoolSize:        100,
		MinIdleConns:    10,
		DialTimeout:     3 * time.Second,
		ReadTimeout:     c.Redis.ReadTimeout.AsDuration(),
		WriteTimeout:    c.Redis.WriteTimeout.AsDuration(),
		ConnMaxIdleTime: 5 * time.Minute,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		helper.Warnf("Failed to connect to Redis at %s: %v (continuing, per-request fallback applies)", c.Redis.Addr, err)
	} else {
		helper.Infof("Connected to Redis at %s", c.Redis.Addr)
	}

	cleanup := func() {
		helper.Info("closing Redis client")
		if err := rdb.Close(); err != nil {
			helper.Errorf("failed to close Redis client: %v", err)
		}
	}

	return rdb, cleanup
}
