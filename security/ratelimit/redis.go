package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisLimiter is a distributed sliding-window limiter backed by a Redis
// sorted set per key. Entries are scored by admit time in nanoseconds and
// pruned on every call.
type RedisLimiter struct {
	client    redis.UniversalClient
	keyPrefix string
	limit     int
	window    time.Duration
	logger    *zap.Logger
}

// NewRedisLimiter creates a distributed limiter. keyPrefix namespaces the
// sorted sets, e.g. "dispatch:ratelimit:".
func NewRedisLimiter(client redis.UniversalClient, keyPrefix string, limits Limits, logger *zap.Logger) *RedisLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisLimiter{
		client:    client,
		keyPrefix: keyPrefix,
		limit:     limits.RequestLimit,
		window:    limits.WindowDuration,
		logger:    logger,
	}
}

// Allow admits one message for the key when the window has capacity. Redis
// failures admit the message; availability is preferred over strict limits
// when the backend is down.
func (r *RedisLimiter) Allow(ctx context.Context, key string, now time.Time) (bool, time.Duration) {
	redisKey := r.keyPrefix + key
	cutoff := now.Add(-r.window).UnixNano()

	pipe := r.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, redisKey, "0", fmt.Sprintf("%d", cutoff))
	countCmd := pipe.ZCard(ctx, redisKey)
	if _, err := pipe.Exec(ctx); err != nil {
		r.logger.Warn("redis rate limit check failed, admitting message", zap.String("key", key), zap.Error(err))
		return true, 0
	}

	if countCmd.Val() >= int64(r.limit) {
		return false, r.retryAfter(ctx, redisKey, now)
	}

	member := fmt.Sprintf("%d", now.UnixNano())
	admit := r.client.TxPipeline()
	admit.ZAdd(ctx, redisKey, redis.Z{Score: float64(now.UnixNano()), Member: member})
	admit.Expire(ctx, redisKey, r.window)
	if _, err := admit.Exec(ctx); err != nil {
		r.logger.Warn("redis rate limit admit failed", zap.String("key", key), zap.Error(err))
	}
	return true, 0
}

// retryAfter estimates the wait until the oldest windowed entry expires.
func (r *RedisLimiter) retryAfter(ctx context.Context, redisKey string, now time.Time) time.Duration {
	oldest, err := r.client.ZRangeWithScores(ctx, redisKey, 0, 0).Result()
	if err != nil || len(oldest) == 0 {
		return r.window
	}
	expiry := time.Unix(0, int64(oldest[0].Score)).Add(r.window)
	wait := expiry.Sub(now)
	if wait < 0 {
		wait = 0
	}
	return wait
}
