package dlq

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"dev.helix.dispatch/messaging"
)

// PoisonDetectionResult is the verdict of a poison check.
type PoisonDetectionResult struct {
	IsPoison bool
	Reason   DeadLetterReason
	Detail   string
}

// PoisonDetector decides whether a failing message should stop being retried
// and go to the dead-letter queue instead.
type PoisonDetector interface {
	Detect(ctx context.Context, msg messaging.Message, mc *messaging.MessageContext, failure error) PoisonDetectionResult
}

// RetryCountDetector flags messages that have exhausted their attempts.
type RetryCountDetector struct {
	MaxAttempts int
}

// Detect implements PoisonDetector.
func (d RetryCountDetector) Detect(_ context.Context, _ messaging.Message, mc *messaging.MessageContext, _ error) PoisonDetectionResult {
	attempts, _ := mc.Item(messaging.ItemProcessingAttempts)
	n, _ := attempts.(int)
	if d.MaxAttempts > 0 && n >= d.MaxAttempts {
		return PoisonDetectionResult{
			IsPoison: true,
			Reason:   ReasonMaxRetriesExceeded,
			Detail:   fmt.Sprintf("%d attempts exhausted", n),
		}
	}
	return PoisonDetectionResult{}
}

// MessageAgeDetector flags messages whose first failure is too old to keep
// retrying.
type MessageAgeDetector struct {
	MaxAge time.Duration
}

// Detect implements PoisonDetector.
func (d MessageAgeDetector) Detect(_ context.Context, _ messaging.Message, mc *messaging.MessageContext, _ error) PoisonDetectionResult {
	if d.MaxAge <= 0 {
		return PoisonDetectionResult{}
	}
	first, _ := mc.Item(messaging.ItemFirstAttemptTime)
	at, ok := first.(time.Time)
	if !ok {
		return PoisonDetectionResult{}
	}
	if age := time.Since(at); age > d.MaxAge {
		return PoisonDetectionResult{
			IsPoison: true,
			Reason:   ReasonMessageExpired,
			Detail:   fmt.Sprintf("message age %s exceeds %s", age.Round(time.Millisecond), d.MaxAge),
		}
	}
	return PoisonDetectionResult{}
}

// DeserializationFailureDetector flags permanent deserialization failures.
// Malformed payloads never deserialize on a later attempt.
type DeserializationFailureDetector struct{}

// Detect implements PoisonDetector.
func (DeserializationFailureDetector) Detect(_ context.Context, _ messaging.Message, _ *messaging.MessageContext, failure error) PoisonDetectionResult {
	de := messaging.GetDispatchError(failure)
	if de != nil && de.Code == messaging.ErrCodeDeserializationFailed {
		return PoisonDetectionResult{
			IsPoison: true,
			Reason:   ReasonDeserializationFailed,
			Detail:   de.Message,
		}
	}
	return PoisonDetectionResult{}
}

// CompositeDetector runs detectors in order; the first poison verdict wins.
type CompositeDetector []PoisonDetector

// Detect implements PoisonDetector.
func (c CompositeDetector) Detect(ctx context.Context, msg messaging.Message, mc *messaging.MessageContext, failure error) PoisonDetectionResult {
	for _, d := range c {
		if result := d.Detect(ctx, msg, mc, failure); result.IsPoison {
			return result
		}
	}
	return PoisonDetectionResult{}
}

// PoisonHandlerConfig configures the poison handler.
type PoisonHandlerConfig struct {
	// CaptureExceptionDetails includes the full error chain text in the
	// dead-letter entry. When false the entry carries only the summary.
	CaptureExceptionDetails bool `json:"capture_exception_details" yaml:"capture_exception_details"`
}

// PoisonHandler moves a poison message into the dead-letter queue.
type PoisonHandler struct {
	config     PoisonHandlerConfig
	queue      Queue
	serializer messaging.Serializer
	logger     *zap.Logger
}

// NewPoisonHandler creates a poison handler. A nil serializer defaults to
// JSON.
func NewPoisonHandler(config PoisonHandlerConfig, queue Queue, serializer messaging.Serializer, logger *zap.Logger) *PoisonHandler {
	if serializer == nil {
		serializer = messaging.JSONSerializer{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PoisonHandler{config: config, queue: queue, serializer: serializer, logger: logger}
}

// Handle captures the message into the dead-letter queue. A store failure is
// returned to the caller; swallowing it would silently lose the message.
func (h *PoisonHandler) Handle(ctx context.Context, msg messaging.Message, mc *messaging.MessageContext, verdict PoisonDetectionResult, failure error) error {
	payload, err := h.serializer.Serialize(msg.Body())
	if err != nil {
		h.logger.Error("poison message body not serializable",
			zap.String("message_id", msg.MessageID()),
			zap.Error(err))
		payload = nil
	}

	entry := &DeadLetterMessage{
		MessageID:     msg.MessageID(),
		CorrelationID: msg.CorrelationID(),
		MessageType:   msg.MessageType(),
		Kind:          msg.Kind(),
		Payload:       payload,
		Reason:        verdict.Reason,
		FailureDetail: verdict.Detail,
	}
	if failure != nil {
		if entry.FailureDetail == "" {
			entry.FailureDetail = failure.Error()
		}
		if h.config.CaptureExceptionDetails {
			entry.ExceptionDetails = errorChain(failure)
		}
	}

	if hh, ok := msg.(messaging.HasHeaders); ok {
		headers := hh.Headers()
		entry.Headers = make(map[string]string, len(headers.Names()))
		for _, name := range headers.Names() {
			if value, found := headers.Get(name); found {
				entry.Headers[name] = value
			}
		}
	}

	if attempts, ok := mc.Item(messaging.ItemProcessingAttempts); ok {
		if n, ok := attempts.(int); ok {
			entry.RetryCount = n
		}
	}
	if first, ok := mc.Item(messaging.ItemFirstAttemptTime); ok {
		if at, ok := first.(time.Time); ok {
			entry.FirstFailureAt = at
		}
	}
	if current, ok := mc.Item(messaging.ItemCurrentAttemptTime); ok {
		if at, ok := current.(time.Time); ok {
			entry.LastFailureAt = at
		}
	}

	return h.queue.Enqueue(ctx, entry)
}

// errorChain renders an error and its unwrap chain as one string.
func errorChain(err error) string {
	chain := err.Error()
	for unwrapped := errors.Unwrap(err); unwrapped != nil; unwrapped = errors.Unwrap(unwrapped) {
		chain += " <- " + unwrapped.Error()
	}
	return chain
}
