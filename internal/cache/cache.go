package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/zeebo/errs"

	"coupon-service/internal/config"
)

// Error is the class of cache failures.
var Error = errs.Class("cache")

// defaultTimeout bounds a cache call when the caller did not configure one.
const defaultTimeout = 3 * time.Second

// Connect opens a Redis client and verifies the connection.
func Connect(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, Error.New("failed to connect to Redis at %s: %v", cfg.Addr, err)
	}

	return client, nil
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return context.WithTimeout(ctx, timeout)
}
