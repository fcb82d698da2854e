package dlq

import (
	"context"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"dev.helix.dispatch/messaging"
)

// RetryConfig configures the retry middleware.
type RetryConfig struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts"`
	// InitialBackoff is the wait before the second attempt.
	InitialBackoff time.Duration `json:"initial_backoff" yaml:"initial_backoff"`
	// MaxBackoff caps the exponential growth.
	MaxBackoff time.Duration `json:"max_backoff" yaml:"max_backoff"`
	// Multiplier scales the backoff per attempt.
	Multiplier float64 `json:"multiplier" yaml:"multiplier"`
	// JitterFraction randomizes each wait by up to this fraction.
	JitterFraction float64 `json:"jitter_fraction" yaml:"jitter_fraction"`
}

// DefaultRetryConfig returns the default retry policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.2,
	}
}

// RetryMiddleware retries the downstream stages on generic failures and
// hands exhausted or poison messages to the dead-letter path. Typed security
// rejections are deterministic and never retried; cancellations are returned
// as-is and never dead-lettered.
type RetryMiddleware struct {
	config   RetryConfig
	detector PoisonDetector
	poison   *PoisonHandler
	logger   *zap.Logger
}

// NewRetryMiddleware creates the retry middleware. The detector defaults to
// retry-count plus deserialization-failure detection when nil.
func NewRetryMiddleware(config RetryConfig, detector PoisonDetector, poison *PoisonHandler, logger *zap.Logger) *RetryMiddleware {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = DefaultRetryConfig().MaxAttempts
	}
	if config.Multiplier < 1 {
		config.Multiplier = DefaultRetryConfig().Multiplier
	}
	if detector == nil {
		detector = CompositeDetector{
			DeserializationFailureDetector{},
			RetryCountDetector{MaxAttempts: config.MaxAttempts},
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RetryMiddleware{config: config, detector: detector, poison: poison, logger: logger}
}

// Stage implements messaging.Middleware.
func (m *RetryMiddleware) Stage() messaging.Stage { return messaging.StageErrorHandling }

// ApplicableKinds implements messaging.Middleware.
func (m *RetryMiddleware) ApplicableKinds() messaging.Kind { return messaging.KindAll }

// Invoke implements messaging.Middleware.
func (m *RetryMiddleware) Invoke(ctx context.Context, msg messaging.Message, mc *messaging.MessageContext, next messaging.Next) messaging.Result {
	if _, ok := mc.Item(messaging.ItemFirstAttemptTime); !ok {
		mc.SetItem(messaging.ItemFirstAttemptTime, time.Now().UTC())
	}

	var result messaging.Result
	for attempt := 1; attempt <= m.config.MaxAttempts; attempt++ {
		mc.SetItem(messaging.ItemProcessingAttempts, attempt)
		mc.SetItem(messaging.ItemCurrentAttemptTime, time.Now().UTC())

		result = next(ctx, msg, mc)

		switch r := result.(type) {
		case messaging.Cancelled:
			return r
		case messaging.AuthenticationFailed, messaging.InputValidationFailed, messaging.RateLimitExceeded:
			return result
		}
		if result.Succeeded() {
			return result
		}

		failure := failureError(result)
		if verdict := m.detector.Detect(ctx, msg, mc, failure); verdict.IsPoison {
			return m.deadLetter(ctx, msg, mc, verdict, failure, result)
		}
		if failure != nil && !messaging.IsRetryableError(failure) {
			break
		}
		if attempt == m.config.MaxAttempts {
			break
		}

		m.logger.Debug("attempt failed, backing off",
			zap.String("message_id", msg.MessageID()),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", m.config.MaxAttempts))
		if !m.wait(ctx, attempt) {
			return messaging.Cancelled{}
		}
	}

	failure := failureError(result)
	verdict := m.detector.Detect(ctx, msg, mc, failure)
	if !verdict.IsPoison {
		verdict = PoisonDetectionResult{
			IsPoison: true,
			Reason:   ReasonMaxRetriesExceeded,
			Detail:   "retry policy exhausted",
		}
		if failure != nil && !messaging.IsRetryableError(failure) {
			verdict.Reason = reasonForError(failure)
			verdict.Detail = failure.Error()
		}
	}
	return m.deadLetter(ctx, msg, mc, verdict, failure, result)
}

// deadLetter hands the message to the poison handler and returns the original
// failure. Capture errors surface in the result detail rather than being
// swallowed.
func (m *RetryMiddleware) deadLetter(ctx context.Context, msg messaging.Message, mc *messaging.MessageContext, verdict PoisonDetectionResult, failure error, result messaging.Result) messaging.Result {
	if m.poison == nil {
		return result
	}
	if err := m.poison.Handle(ctx, msg, mc, verdict, failure); err != nil {
		m.logger.Error("dead-letter capture failed",
			zap.String("message_id", msg.MessageID()),
			zap.Error(err))
		return messaging.FailProblem(messaging.ProblemDetails{
			Code:   "dead_letter_failed",
			Title:  "Dead-letter capture failed",
			Detail: err.Error(),
		})
	}
	return result
}

// wait sleeps the backoff for the given attempt, honoring cancellation. It
// reports false when the context ended first.
func (m *RetryMiddleware) wait(ctx context.Context, attempt int) bool {
	backoff := m.config.InitialBackoff
	for i := 1; i < attempt; i++ {
		backoff = time.Duration(float64(backoff) * m.config.Multiplier)
		if m.config.MaxBackoff > 0 && backoff > m.config.MaxBackoff {
			backoff = m.config.MaxBackoff
			break
		}
	}
	if m.config.JitterFraction > 0 {
		jitter := time.Duration(rand.Float64() * m.config.JitterFraction * float64(backoff))
		backoff += jitter
	}
	if backoff <= 0 {
		return ctx.Err() == nil
	}

	timer := time.NewTimer(backoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// reasonForError maps a non-retryable error onto a dead-letter reason.
func reasonForError(err error) DeadLetterReason {
	de := messaging.GetDispatchError(err)
	if de == nil {
		return ReasonUnhandledException
	}
	switch de.Code {
	case messaging.ErrCodeHandlerNotFound:
		return ReasonHandlerNotFound
	case messaging.ErrCodeDeserializationFailed:
		return ReasonDeserializationFailed
	case messaging.ErrCodePoisonMessage:
		return ReasonPoisonMessage
	default:
		return ReasonUnhandledException
	}
}

// failureError extracts an error view from a failed result for the poison
// detectors.
func failureError(result messaging.Result) error {
	switch r := result.(type) {
	case nil:
		return nil
	case messaging.Failure:
		if r.Problem.Code == string(messaging.ErrCodeHandlerNotFound) {
			return messaging.HandlerNotFoundError(r.Problem.Detail)
		}
		return messaging.NewDispatchError(messaging.ErrCodeHandlerError, r.Problem.Title, nil).
			WithDetail("code", r.Problem.Code).
			WithDetail("detail", r.Problem.Detail)
	default:
		return nil
	}
}
