// Package telemetry implements the logging middleware that brackets the
// inner pipeline stages with structured start/finish records.
package telemetry

import (
	"context"
	"time"

	"go.uber.org/zap"

	"dev.helix.dispatch/messaging"
)

// Middleware logs each message as it enters the downstream stages and again
// when it completes, with the elapsed time and outcome.
type Middleware struct {
	logger *zap.Logger
}

// NewMiddleware creates the telemetry middleware.
func NewMiddleware(logger *zap.Logger) *Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Middleware{logger: logger}
}

// Stage implements messaging.Middleware.
func (m *Middleware) Stage() messaging.Stage { return messaging.StageTelemetry }

// ApplicableKinds implements messaging.Middleware.
func (m *Middleware) ApplicableKinds() messaging.Kind { return messaging.KindAll }

// Invoke implements messaging.Middleware.
func (m *Middleware) Invoke(ctx context.Context, msg messaging.Message, mc *messaging.MessageContext, next messaging.Next) messaging.Result {
	fields := []zap.Field{
		zap.String("message_id", msg.MessageID()),
		zap.String("message_type", msg.MessageType()),
		zap.String("kind", msg.Kind().String()),
	}
	if mc.CorrelationID != "" {
		fields = append(fields, zap.String("correlation_id", mc.CorrelationID))
	}
	m.logger.Debug("message processing", fields...)

	start := time.Now()
	result := next(ctx, msg, mc)
	elapsed := time.Since(start)

	fields = append(fields, zap.Duration("duration", elapsed))
	if result.Succeeded() {
		m.logger.Debug("message processed", fields...)
	} else {
		m.logger.Info("message processing failed", append(fields, zap.String("result", resultName(result)))...)
	}
	return result
}

// resultName names a result type for logging.
func resultName(result messaging.Result) string {
	switch result.(type) {
	case messaging.Success:
		return "success"
	case messaging.AuthenticationFailed:
		return "authentication_failed"
	case messaging.RateLimitExceeded:
		return "rate_limit_exceeded"
	case messaging.InputValidationFailed:
		return "input_validation_failed"
	case messaging.Cancelled:
		return "cancelled"
	default:
		return "failure"
	}
}
