package messaging

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Handler processes one message and returns a typed result.
type Handler func(ctx context.Context, msg Message, mc *MessageContext) Result

// Dispatcher routes messages to registered handlers through the middleware
// pipeline. It is safe for concurrent use; per-dispatch state lives in the
// MessageContext.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	pipeline *Pipeline
	logger   *zap.Logger
	metrics  *Metrics
}

// NewDispatcher creates a dispatcher. A nil logger defaults to a no-op logger.
func NewDispatcher(logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		handlers: make(map[string]Handler),
		pipeline: NewPipeline(),
		logger:   logger,
	}
}

// SetMetrics attaches a metrics bundle. Nil is allowed.
func (d *Dispatcher) SetMetrics(m *Metrics) {
	d.metrics = m
}

// Use appends middleware to the pipeline, preserving registration order.
func (d *Dispatcher) Use(mw ...Middleware) {
	d.pipeline.Use(mw...)
}

// Register binds a handler to a logical message type. Registering the same
// type again replaces the previous handler.
func (d *Dispatcher) Register(messageType string, h Handler) error {
	if messageType == "" {
		return ErrEmptyType
	}
	if h == nil {
		return ErrNilHandler
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[messageType] = h
	return nil
}

// Handler returns the handler registered for a message type.
func (d *Dispatcher) Handler(messageType string) (Handler, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.handlers[messageType]
	return h, ok
}

// Dispatch runs one message through the middleware chain and its handler.
// Typed failures are returned as results; only programmer errors (nil
// message) surface as Go errors.
func (d *Dispatcher) Dispatch(ctx context.Context, msg Message, mc *MessageContext) (Result, error) {
	if msg == nil {
		return nil, ErrNilMessage
	}
	if mc == nil {
		mc = NewMessageContext(msg)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if ctx.Err() != nil {
		return Cancelled{}, nil
	}

	start := time.Now()
	chain := d.pipeline.Compose(msg.Kind(), d.terminal)
	result := chain(ctx, msg, mc)

	d.observe(msg, result, time.Since(start))
	return result, nil
}

// terminal is the handler-dispatch function at the end of every chain.
func (d *Dispatcher) terminal(ctx context.Context, msg Message, mc *MessageContext) Result {
	if ctx.Err() != nil {
		return Cancelled{}
	}
	h, ok := d.Handler(msg.MessageType())
	if !ok {
		d.logger.Warn("no handler registered",
			zap.String("message_id", msg.MessageID()),
			zap.String("message_type", msg.MessageType()))
		return Failure{Problem: ProblemDetails{
			Code:   string(ErrCodeHandlerNotFound),
			Title:  "handler not found",
			Detail: msg.MessageType(),
		}}
	}
	return d.safeInvoke(ctx, h, msg, mc)
}

// safeInvoke runs the handler with panic recovery so a panicking handler
// fails one dispatch instead of the process.
func (d *Dispatcher) safeInvoke(ctx context.Context, h Handler, msg Message, mc *MessageContext) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("handler panicked",
				zap.String("message_id", msg.MessageID()),
				zap.String("message_type", msg.MessageType()),
				zap.Any("panic", r),
				zap.String("stack", string(debug.Stack())))
			result = Failure{Problem: ProblemDetails{
				Code:   string(ErrCodeHandlerPanic),
				Title:  "handler panicked",
				Detail: fmt.Sprint(r),
			}}
		}
	}()
	return h(ctx, msg, mc)
}

// observe records logging and metrics for a completed dispatch.
func (d *Dispatcher) observe(msg Message, result Result, elapsed time.Duration) {
	outcome := "failure"
	if result != nil && result.Succeeded() {
		outcome = "success"
	}
	if _, cancelled := result.(Cancelled); cancelled {
		outcome = "cancelled"
	}
	if d.metrics != nil {
		d.metrics.ObserveDispatch(msg.Kind().String(), outcome, elapsed)
	}
	d.logger.Debug("dispatch completed",
		zap.String("message_id", msg.MessageID()),
		zap.String("message_type", msg.MessageType()),
		zap.String("kind", msg.Kind().String()),
		zap.String("outcome", outcome),
		zap.Duration("duration", elapsed))
}

// DispatchQuery dispatches a query and extracts a typed value from a
// successful result. The boolean reports whether a value of type T was
// produced.
func DispatchQuery[T any](ctx context.Context, d *Dispatcher, query Message, mc *MessageContext) (T, Result, error) {
	var zero T
	result, err := d.Dispatch(ctx, query, mc)
	if err != nil {
		return zero, nil, err
	}
	v, _ := ResultValue[T](result)
	return v, result, nil
}
