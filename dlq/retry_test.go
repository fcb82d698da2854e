package dlq

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"dev.helix.dispatch/messaging"
)

func fastRetryConfig(maxAttempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts:    maxAttempts,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Multiplier:     2.0,
	}
}

func retryHarness(t *testing.T, maxAttempts int) (*RetryMiddleware, *StoreQueue) {
	t.Helper()
	queue := NewQueue(NewInMemoryStore(), nil, nil, zap.NewNop())
	poison := NewPoisonHandler(PoisonHandlerConfig{}, queue, nil, zap.NewNop())
	mw := NewRetryMiddleware(fastRetryConfig(maxAttempts), nil, poison, zap.NewNop())
	return mw, queue
}

func dispatchThrough(mw *RetryMiddleware, next messaging.Next) (messaging.Result, *messaging.MessageContext) {
	msg := messaging.NewEnvelope(messaging.KindAction, "orders.create", map[string]any{"sku": "A-1"})
	mc := messaging.NewMessageContext(msg)
	return mw.Invoke(context.Background(), msg, mc, next), mc
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	mw, queue := retryHarness(t, 3)

	attempts := 0
	result, mc := dispatchThrough(mw, func(context.Context, messaging.Message, *messaging.MessageContext) messaging.Result {
		attempts++
		if attempts < 3 {
			return messaging.Fail("handler_failed", "transient")
		}
		return messaging.Ok()
	})

	assert.True(t, result.Succeeded())
	assert.Equal(t, 3, attempts)
	n, _ := mc.Item(messaging.ItemProcessingAttempts)
	assert.Equal(t, 3, n)

	count, err := queue.GetCount(context.Background(), QueryFilter{})
	require.NoError(t, err)
	assert.Zero(t, count, "a recovered message must not be dead-lettered")
}

func TestRetryExhaustionDeadLetters(t *testing.T) {
	mw, queue := retryHarness(t, 3)

	attempts := 0
	result, _ := dispatchThrough(mw, func(context.Context, messaging.Message, *messaging.MessageContext) messaging.Result {
		attempts++
		return messaging.Fail("handler_failed", "always broken")
	})

	assert.Equal(t, 3, attempts)
	failure, ok := result.(messaging.Failure)
	require.True(t, ok, "the original failure is returned, not a replacement")
	assert.Equal(t, "handler_failed", failure.Problem.Code)

	entries, err := queue.GetEntries(context.Background(), QueryFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	entry := entries[0]
	assert.Equal(t, ReasonMaxRetriesExceeded, entry.Reason)
	assert.Equal(t, "orders.create", entry.MessageType)
	assert.Equal(t, 3, entry.RetryCount)
	assert.False(t, entry.FirstFailureAt.IsZero())
	assert.False(t, entry.LastFailureAt.IsZero())
	assert.JSONEq(t, `{"sku":"A-1"}`, string(entry.Payload))
}

func TestSecurityRejectionsNeverRetried(t *testing.T) {
	tests := []struct {
		name   string
		result messaging.Result
	}{
		{"authentication", messaging.AuthenticationFailed{Reason: messaging.AuthInvalidToken}},
		{"validation", messaging.InputValidationFailed{Errors: []messaging.FieldError{{Field: "body.q", Message: "injection"}}}},
		{"rate limit", messaging.RateLimitExceeded{RetryAfter: time.Second}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mw, queue := retryHarness(t, 3)
			attempts := 0
			result, _ := dispatchThrough(mw, func(context.Context, messaging.Message, *messaging.MessageContext) messaging.Result {
				attempts++
				return tt.result
			})

			assert.Equal(t, 1, attempts, "deterministic rejections must not be retried")
			assert.Equal(t, tt.result, result)

			count, err := queue.GetCount(context.Background(), QueryFilter{})
			require.NoError(t, err)
			assert.Zero(t, count, "security rejections are not poison")
		})
	}
}

func TestCancelledNeverDeadLettered(t *testing.T) {
	mw, queue := retryHarness(t, 3)

	attempts := 0
	result, _ := dispatchThrough(mw, func(context.Context, messaging.Message, *messaging.MessageContext) messaging.Result {
		attempts++
		return messaging.Cancelled{}
	})

	assert.Equal(t, 1, attempts)
	assert.IsType(t, messaging.Cancelled{}, result)

	count, err := queue.GetCount(context.Background(), QueryFilter{})
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestHandlerNotFoundIsPermanent(t *testing.T) {
	mw, queue := retryHarness(t, 3)

	attempts := 0
	result, _ := dispatchThrough(mw, func(context.Context, messaging.Message, *messaging.MessageContext) messaging.Result {
		attempts++
		return messaging.Fail(string(messaging.ErrCodeHandlerNotFound), "orders.create")
	})

	assert.Equal(t, 1, attempts, "a missing handler does not appear on retry")
	assert.False(t, result.Succeeded())

	entries, err := queue.GetEntries(context.Background(), QueryFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ReasonHandlerNotFound, entries[0].Reason)
	assert.Equal(t, 1, entries[0].RetryCount)
}

// verdictDetector returns a fixed verdict.
type verdictDetector struct {
	verdict PoisonDetectionResult
}

func (d verdictDetector) Detect(context.Context, messaging.Message, *messaging.MessageContext, error) PoisonDetectionResult {
	return d.verdict
}

func TestPoisonVerdictShortCircuitsRetries(t *testing.T) {
	queue := NewQueue(NewInMemoryStore(), nil, nil, zap.NewNop())
	poison := NewPoisonHandler(PoisonHandlerConfig{}, queue, nil, zap.NewNop())
	detector := verdictDetector{verdict: PoisonDetectionResult{
		IsPoison: true,
		Reason:   ReasonPoisonMessage,
		Detail:   "known bad payload",
	}}
	mw := NewRetryMiddleware(fastRetryConfig(5), detector, poison, zap.NewNop())

	attempts := 0
	result, _ := dispatchThrough(mw, func(context.Context, messaging.Message, *messaging.MessageContext) messaging.Result {
		attempts++
		return messaging.Fail("handler_failed", "boom")
	})

	assert.Equal(t, 1, attempts)
	assert.False(t, result.Succeeded())

	entries, err := queue.GetEntries(context.Background(), QueryFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ReasonPoisonMessage, entries[0].Reason)
	assert.Equal(t, "known bad payload", entries[0].FailureDetail)
}

func TestBackoffHonorsCancellation(t *testing.T) {
	queue := NewQueue(NewInMemoryStore(), nil, nil, zap.NewNop())
	poison := NewPoisonHandler(PoisonHandlerConfig{}, queue, nil, zap.NewNop())
	cfg := fastRetryConfig(3)
	cfg.InitialBackoff = time.Hour
	cfg.MaxBackoff = time.Hour
	mw := NewRetryMiddleware(cfg, nil, poison, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	msg := messaging.NewEnvelope(messaging.KindAction, "t", nil)
	mc := messaging.NewMessageContext(msg)

	result := mw.Invoke(ctx, msg, mc, func(context.Context, messaging.Message, *messaging.MessageContext) messaging.Result {
		cancel()
		return messaging.Fail("handler_failed", "boom")
	})

	assert.IsType(t, messaging.Cancelled{}, result)
	count, err := queue.GetCount(context.Background(), QueryFilter{})
	require.NoError(t, err)
	assert.Zero(t, count, "an interrupted retry loop is not a dead-letter condition")
}

// failingQueue rejects every enqueue.
type failingQueue struct {
	NullQueue
}

func (failingQueue) Enqueue(context.Context, *DeadLetterMessage) error {
	return messaging.StoreError("store down", errors.New("connection refused"))
}

func TestDeadLetterCaptureFailureSurfaces(t *testing.T) {
	poison := NewPoisonHandler(PoisonHandlerConfig{}, failingQueue{}, nil, zap.NewNop())
	mw := NewRetryMiddleware(fastRetryConfig(2), nil, poison, zap.NewNop())

	result, _ := dispatchThrough(mw, func(context.Context, messaging.Message, *messaging.MessageContext) messaging.Result {
		return messaging.Fail("handler_failed", "boom")
	})

	failure, ok := result.(messaging.Failure)
	require.True(t, ok)
	assert.Equal(t, "dead_letter_failed", failure.Problem.Code)
}

func TestRetryCountDetector(t *testing.T) {
	d := RetryCountDetector{MaxAttempts: 3}
	msg := messaging.NewEnvelope(messaging.KindAction, "t", nil)
	mc := messaging.NewMessageContext(msg)

	mc.SetItem(messaging.ItemProcessingAttempts, 2)
	assert.False(t, d.Detect(context.Background(), msg, mc, nil).IsPoison)

	mc.SetItem(messaging.ItemProcessingAttempts, 3)
	verdict := d.Detect(context.Background(), msg, mc, nil)
	assert.True(t, verdict.IsPoison)
	assert.Equal(t, ReasonMaxRetriesExceeded, verdict.Reason)
}

func TestMessageAgeDetector(t *testing.T) {
	d := MessageAgeDetector{MaxAge: time.Minute}
	msg := messaging.NewEnvelope(messaging.KindAction, "t", nil)
	mc := messaging.NewMessageContext(msg)

	mc.SetItem(messaging.ItemFirstAttemptTime, time.Now().Add(-time.Second))
	assert.False(t, d.Detect(context.Background(), msg, mc, nil).IsPoison)

	mc.SetItem(messaging.ItemFirstAttemptTime, time.Now().Add(-2*time.Minute))
	verdict := d.Detect(context.Background(), msg, mc, nil)
	assert.True(t, verdict.IsPoison)
	assert.Equal(t, ReasonMessageExpired, verdict.Reason)
}

func TestDeserializationFailureDetector(t *testing.T) {
	d := DeserializationFailureDetector{}
	msg := messaging.NewEnvelope(messaging.KindAction, "t", nil)
	mc := messaging.NewMessageContext(msg)

	assert.False(t, d.Detect(context.Background(), msg, mc, errors.New("opaque")).IsPoison)

	verdict := d.Detect(context.Background(), msg, mc, messaging.DeserializationError(errors.New("bad json")))
	assert.True(t, verdict.IsPoison)
	assert.Equal(t, ReasonDeserializationFailed, verdict.Reason)
}

func TestCompositeDetectorFirstVerdictWins(t *testing.T) {
	c := CompositeDetector{
		verdictDetector{},
		verdictDetector{verdict: PoisonDetectionResult{IsPoison: true, Reason: ReasonPoisonMessage}},
		verdictDetector{verdict: PoisonDetectionResult{IsPoison: true, Reason: ReasonMessageExpired}},
	}
	msg := messaging.NewEnvelope(messaging.KindAction, "t", nil)
	verdict := c.Detect(context.Background(), msg, messaging.NewMessageContext(msg), nil)
	assert.True(t, verdict.IsPoison)
	assert.Equal(t, ReasonPoisonMessage, verdict.Reason)
}

func TestPoisonHandlerCapturesHeadersAndChain(t *testing.T) {
	queue := NewQueue(NewInMemoryStore(), nil, nil, zap.NewNop())
	poison := NewPoisonHandler(PoisonHandlerConfig{CaptureExceptionDetails: true}, queue, nil, zap.NewNop())

	msg := messaging.NewEnvelope(messaging.KindAction, "orders.create", map[string]any{"sku": "A-1"},
		messaging.WithCorrelationID("c-9"),
		messaging.WithHeader("X-Origin", "checkout"))
	mc := messaging.NewMessageContext(msg)
	mc.SetItem(messaging.ItemProcessingAttempts, 3)
	mc.SetItem(messaging.ItemFirstAttemptTime, time.Now().Add(-time.Second).UTC())
	mc.SetItem(messaging.ItemCurrentAttemptTime, time.Now().UTC())

	failure := messaging.StoreError("store write failed", errors.New("connection reset"))
	verdict := PoisonDetectionResult{IsPoison: true, Reason: ReasonMaxRetriesExceeded, Detail: "3 attempts exhausted"}
	require.NoError(t, poison.Handle(context.Background(), msg, mc, verdict, failure))

	entries, err := queue.GetEntries(context.Background(), QueryFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	entry := entries[0]

	assert.Equal(t, msg.MessageID(), entry.MessageID)
	assert.Equal(t, "c-9", entry.CorrelationID)
	assert.Equal(t, "checkout", entry.Headers["X-Origin"])
	assert.Equal(t, 3, entry.RetryCount)
	assert.Equal(t, "3 attempts exhausted", entry.FailureDetail)
	assert.Contains(t, entry.ExceptionDetails, "store write failed")
	assert.Contains(t, entry.ExceptionDetails, " <- connection reset")
}

func TestPoisonHandlerOmitsChainWhenDisabled(t *testing.T) {
	queue := NewQueue(NewInMemoryStore(), nil, nil, zap.NewNop())
	poison := NewPoisonHandler(PoisonHandlerConfig{}, queue, nil, zap.NewNop())

	msg := messaging.NewEnvelope(messaging.KindAction, "t", nil)
	mc := messaging.NewMessageContext(msg)
	verdict := PoisonDetectionResult{IsPoison: true, Reason: ReasonUnhandledException}
	require.NoError(t, poison.Handle(context.Background(), msg, mc, verdict, errors.New("boom")))

	entries, err := queue.GetEntries(context.Background(), QueryFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "boom", entries[0].FailureDetail)
	assert.Empty(t, entries[0].ExceptionDetails)
}

func TestRetryStagePlacement(t *testing.T) {
	mw := NewRetryMiddleware(DefaultRetryConfig(), nil, nil, zap.NewNop())
	assert.Equal(t, messaging.StageErrorHandling, mw.Stage())
	assert.Equal(t, messaging.KindAll, mw.ApplicableKinds())
}
