package security

import (
	"context"
	"fmt"
	"time"

	"github.com/questlog/vault-api/src/database"
	"github.com/sirupsen/logrus"
)

const (
	attemptKeyPrefix = "vault:unlock-attempts:"
	attemptWindow    = 15 * time.Minute
	maxAttempts      = 5
	lockoutDuration  = 5 * time.Minute
	redisOpTimeout   = 2 * time.Second
)

// AttemptLimiter tracks failed unlock attempts per vault in redis. The
// counter is deliberately opaque: it reveals nothing about vault contents or
// why verification failed, it only rate-limits passphrase guessing.
type AttemptLimiter struct {
	redis  *database.RedisClient
	logger *logrus.Logger
}

// NewAttemptLimiter creates an attempt limiter.
func NewAttemptLimiter(redis *database.RedisClient, logger *logrus.Logger) *AttemptLimiter {
	return &AttemptLimiter{
		redis:  redis,
		logger: logger,
	}
}

// Blocked reports whether unlock attempts for the vault are currently locked
// out. Fails open on redis errors: losing the limiter must not lock users out
// of their own vault.
func (l *AttemptLimiter) Blocked(ctx context.Context, vaultID string) bool {
	rctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	blocked, err := l.redis.Exists(rctx, attemptKeyPrefix+vaultID+":lockout").Result()
	if err != nil {
		l.logger.WithError(err).Warn("Attempt limiter unavailable; allowing unlock attempt")
		return false
	}
	return blocked > 0
}

// RecordFailure increments the opaque failure counter and activates a lockout
// after maxAttempts failures inside the window.
func (l *AttemptLimiter) RecordFailure(ctx context.Context, vaultID string) {
	rctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	key := attemptKeyPrefix + vaultID
	count, err := l.redis.Incr(rctx, key).Result()
	if err != nil {
		l.logger.WithError(err).Warn("Failed to record unlock attempt")
		return
	}
	if count == 1 {
		l.redis.Expire(rctx, key, attemptWindow)
	}

	if count >= maxAttempts {
		if err := l.redis.Set(rctx, key+":lockout", 1, lockoutDuration).Err(); err != nil {
			l.logger.WithError(err).Warn("Failed to activate unlock lockout")
			return
		}
		l.logger.WithFields(logrus.Fields{
			"event":    "vault_unlock_lockout",
			"vault_id": vaultID,
			"attempts": count,
		}).Warn(fmt.Sprintf("Vault unlock locked out for %s after repeated failures", lockoutDuration))
	}
}

// Reset clears the failure counter after a successful unlock.
func (l *AttemptLimiter) Reset(ctx context.Context, vaultID string) {
	rctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	if err := l.redis.Del(rctx, attemptKeyPrefix+vaultID, attemptKeyPrefix+vaultID+":lockout").Err(); err != nil {
		l.logger.WithError(err).Warn("Failed to reset unlock attempt counter")
	}
}
