package ratelimit

import (
	"context"
	"time"

	"go.uber.org/zap"

	"dev.helix.dispatch/messaging"
	"dev.helix.dispatch/security/audit"
)

// Middleware applies per-key rate limits before any other security stage.
// The key is the tenant identity from the message context; messages without
// one share the default key.
type Middleware struct {
	config   Config
	registry *registry
	redis    *RedisLimiter
	audit    *audit.Logger
	logger   *zap.Logger
	metrics  *messaging.Metrics
}

// NewMiddleware creates the rate limiting middleware with in-process per-key
// limiters.
func NewMiddleware(config Config, auditLogger *audit.Logger, logger *zap.Logger) *Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Middleware{
		config:   config,
		registry: newRegistry(config),
		audit:    auditLogger,
		logger:   logger,
	}
}

// UseRedis switches the middleware to the distributed sliding-window limiter.
// The in-process registry stays available for the concurrency algorithm.
func (m *Middleware) UseRedis(limiter *RedisLimiter) {
	m.redis = limiter
}

// SetMetrics attaches a metrics bundle. Nil is allowed.
func (m *Middleware) SetMetrics(metrics *messaging.Metrics) {
	m.metrics = metrics
}

// Close stops the idle-limiter sweep. Idempotent.
func (m *Middleware) Close() error {
	m.registry.close()
	return nil
}

// Stage implements messaging.Middleware.
func (m *Middleware) Stage() messaging.Stage { return messaging.StageRateLimiting }

// ApplicableKinds implements messaging.Middleware.
func (m *Middleware) ApplicableKinds() messaging.Kind { return messaging.KindAll }

// Invoke implements messaging.Middleware.
func (m *Middleware) Invoke(ctx context.Context, msg messaging.Message, mc *messaging.MessageContext, next messaging.Next) messaging.Result {
	if !m.config.Enabled {
		return next(ctx, msg, mc)
	}

	key := mc.StringItem(messaging.ItemTenantID)
	if key == "" {
		key = DefaultKey
	}
	now := time.Now()

	if m.redis != nil && m.config.Algorithm != AlgorithmConcurrency {
		allowed, retryAfter := m.redis.Allow(ctx, key, now)
		if !allowed {
			return m.reject(mc, msg, key, retryAfter)
		}
		return next(ctx, msg, mc)
	}

	limiter := m.registry.get(key)
	allowed, retryAfter := limiter.Allow(ctx, now)
	if !allowed {
		return m.reject(mc, msg, key, retryAfter)
	}
	if m.config.Algorithm == AlgorithmConcurrency {
		defer limiter.Release()
	}
	return next(ctx, msg, mc)
}

func (m *Middleware) reject(mc *messaging.MessageContext, msg messaging.Message, key string, retryAfter time.Duration) messaging.Result {
	if retryAfter <= 0 {
		retryAfter = m.config.DefaultRetryAfter
	}
	m.metrics.RecordRateLimited(string(m.config.Algorithm))
	m.logger.Debug("message rate limited",
		zap.String("message_id", msg.MessageID()),
		zap.String("key", key),
		zap.Duration("retry_after", retryAfter))
	if m.audit != nil {
		event := audit.NewSecurityEvent(audit.EventRateLimitExceeded, "rate limit exceeded for "+key, audit.SeverityMedium)
		event.CorrelationID = mc.CorrelationID
		event.MessageType = msg.MessageType()
		event.AdditionalData = map[string]any{"retry_after_ms": retryAfter.Milliseconds()}
		m.audit.LogEvent(event)
	}
	return messaging.RateLimitExceeded{RetryAfter: retryAfter}
}
