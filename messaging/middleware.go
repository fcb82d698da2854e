package messaging

import (
	"context"
	"sort"
	"sync"
)

// Stage identifies where a middleware runs in the canonical pipeline order.
type Stage int

const (
	StageRateLimiting Stage = iota
	StageAuthentication
	StageAuthorization
	StageValidation
	StageTelemetry
	StageErrorHandling
	StageRouting
	StageCustom
)

// String returns the stage name.
func (s Stage) String() string {
	switch s {
	case StageRateLimiting:
		return "rate_limiting"
	case StageAuthentication:
		return "authentication"
	case StageAuthorization:
		return "authorization"
	case StageValidation:
		return "validation"
	case StageTelemetry:
		return "telemetry"
	case StageErrorHandling:
		return "error_handling"
	case StageRouting:
		return "routing"
	case StageCustom:
		return "custom"
	default:
		return "unknown"
	}
}

// Next is the delegate to the remainder of the chain.
type Next func(ctx context.Context, msg Message, mc *MessageContext) Result

// Middleware is one pipeline stage. Invoke must call next exactly zero or one
// times and return its result (possibly wrapped), or return a typed failure
// that short-circuits the rest of the chain.
type Middleware interface {
	// Stage returns the canonical stage this middleware belongs to.
	Stage() Stage
	// ApplicableKinds returns the message kinds this middleware applies to.
	ApplicableKinds() Kind
	// Invoke runs the middleware for one message.
	Invoke(ctx context.Context, msg Message, mc *MessageContext, next Next) Result
}

// MiddlewareFunc adapts a function to the Middleware interface.
type MiddlewareFunc struct {
	stage Stage
	kinds Kind
	fn    func(ctx context.Context, msg Message, mc *MessageContext, next Next) Result
}

// NewMiddlewareFunc creates a function-backed middleware.
func NewMiddlewareFunc(stage Stage, kinds Kind, fn func(ctx context.Context, msg Message, mc *MessageContext, next Next) Result) *MiddlewareFunc {
	return &MiddlewareFunc{stage: stage, kinds: kinds, fn: fn}
}

// Stage implements Middleware.
func (m *MiddlewareFunc) Stage() Stage { return m.stage }

// ApplicableKinds implements Middleware.
func (m *MiddlewareFunc) ApplicableKinds() Kind { return m.kinds }

// Invoke implements Middleware.
func (m *MiddlewareFunc) Invoke(ctx context.Context, msg Message, mc *MessageContext, next Next) Result {
	return m.fn(ctx, msg, mc, next)
}

// Pipeline holds registered middleware and composes them, grouped by stage in
// canonical order, into a single delegate terminating in the handler dispatch
// function.
type Pipeline struct {
	mu         sync.RWMutex
	middleware []Middleware
}

// NewPipeline creates a pipeline with the given middleware.
func NewPipeline(mw ...Middleware) *Pipeline {
	return &Pipeline{middleware: mw}
}

// Use appends middleware. Registration order is preserved within a stage.
func (p *Pipeline) Use(mw ...Middleware) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.middleware = append(p.middleware, mw...)
}

// Len returns the number of registered middleware.
func (p *Pipeline) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.middleware)
}

// Compose builds the chain for a message kind. Middleware not applicable to
// the kind are skipped; the rest are ordered by stage (stable within a stage)
// and wrapped right-to-left around the terminal delegate. Composition happens
// once per dispatch since applicability varies by kind.
func (p *Pipeline) Compose(kind Kind, terminal Next) Next {
	p.mu.RLock()
	applicable := make([]Middleware, 0, len(p.middleware))
	for _, mw := range p.middleware {
		if mw.ApplicableKinds().Has(kind) {
			applicable = append(applicable, mw)
		}
	}
	p.mu.RUnlock()

	sort.SliceStable(applicable, func(i, j int) bool {
		return applicable[i].Stage() < applicable[j].Stage()
	})

	next := terminal
	for i := len(applicable) - 1; i >= 0; i-- {
		mw := applicable[i]
		inner := next
		next = func(ctx context.Context, msg Message, mc *MessageContext) Result {
			return mw.Invoke(ctx, msg, mc, inner)
		}
	}
	return next
}
