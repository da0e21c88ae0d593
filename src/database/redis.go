package database

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/questlog/vault-api/src/config"
	"github.com/sirupsen/logrus"
)

// RedisClient wraps the redis connection used for unlock-attempt counters.
// Only opaque counters live here, never key material or plaintext.
type RedisClient struct {
	*redis.Client
	logger *logrus.Logger
}

// NewRedisConnection creates a redis client and verifies connectivity.
func NewRedisConnection(cfg *config.Config, logger *logrus.Logger) (*RedisClient, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis (fail-fast): %w", err)
	}

	logger.Info("Redis connection established")

	return &RedisClient{
		Client: client,
		logger: logger,
	}, nil
}

// Close closes the redis connection.
func (r *RedisClient) Close() error {
	r.logger.Info("Closing Redis connection...")
	return r.Client.Close()
}

// HealthCheck verifies the redis connection is still alive.
func (r *RedisClient) HealthCheck(ctx context.Context) error {
	if err := r.Ping(ctx).Err(); err != nil {
		r.logger.WithError(err).Error("Redis health check failed")
		return fmt.Errorf("redis health check failed: %w", err)
	}
	return nil
}
