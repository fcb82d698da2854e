package routing

import (
	"context"

	"go.uber.org/zap"

	"dev.helix.dispatch/messaging"
)

// PropRoutingDecision is the context property holding the routing decision.
const PropRoutingDecision = "RoutingDecision"

// Forwarder delivers a message to one endpoint over a named transport.
// transport.Registry satisfies this contract.
type Forwarder interface {
	Send(ctx context.Context, transport, endpoint string, msg messaging.Message, mc *messaging.MessageContext) error
}

// Middleware resolves the routing decision for each message before handler
// invocation. The decision is exposed through the RoutingDecision context
// property. When a forwarder is configured, the message is also delivered to
// every resolved endpoint after the inner chain succeeds.
type Middleware struct {
	router    *Router
	forwarder Forwarder
	logger    *zap.Logger
}

// NewMiddleware creates the routing middleware. The forwarder may be nil.
func NewMiddleware(router *Router, forwarder Forwarder, logger *zap.Logger) *Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Middleware{router: router, forwarder: forwarder, logger: logger}
}

// Stage implements messaging.Middleware.
func (m *Middleware) Stage() messaging.Stage { return messaging.StageRouting }

// ApplicableKinds implements messaging.Middleware.
func (m *Middleware) ApplicableKinds() messaging.Kind { return messaging.KindAll }

// Invoke implements messaging.Middleware.
func (m *Middleware) Invoke(ctx context.Context, msg messaging.Message, mc *messaging.MessageContext, next messaging.Next) messaging.Result {
	decision := m.router.RouteMessage(msg, mc)
	mc.SetProperty(PropRoutingDecision, decision)
	if !decision.Success {
		return messaging.Fail("routing_failed", decision.Reason)
	}

	result := next(ctx, msg, mc)
	if !result.Succeeded() || m.forwarder == nil {
		return result
	}

	for _, endpoint := range decision.Endpoints {
		if err := m.forwarder.Send(ctx, decision.Transport, endpoint, msg, mc); err != nil {
			m.logger.Error("endpoint delivery failed",
				zap.String("message_id", msg.MessageID()),
				zap.String("transport", decision.Transport),
				zap.String("endpoint", endpoint),
				zap.Error(err))
			return messaging.Fail("delivery_failed", endpoint)
		}
	}
	return result
}
