// Package transport defines the outbound transport abstraction and the
// registry that resolves routing decisions to concrete transports.
package transport

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"dev.helix.dispatch/messaging"
)

// Transport delivers a serialized message to a named endpoint.
type Transport interface {
	// Name identifies the transport in routing rules.
	Name() string
	// Send delivers the message to the endpoint.
	Send(ctx context.Context, endpoint string, msg messaging.Message, mc *messaging.MessageContext) error
	// Close releases transport resources. Idempotent.
	Close() error
}

// Registry maps transport names to implementations. It satisfies the routing
// forwarder contract so a routing decision can be executed directly.
type Registry struct {
	mu         sync.RWMutex
	transports map[string]Transport
	logger     *zap.Logger
}

// NewRegistry creates an empty transport registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		transports: make(map[string]Transport),
		logger:     logger,
	}
}

// Register adds a transport under its own name. Registering the same name
// twice replaces the earlier transport.
func (r *Registry) Register(t Transport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transports[t.Name()] = t
}

// Get returns a transport by name.
func (r *Registry) Get(name string) (Transport, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.transports[name]
	return t, ok
}

// Send implements the routing forwarder: it resolves the transport by name
// and delivers the message to the endpoint.
func (r *Registry) Send(ctx context.Context, transport, endpoint string, msg messaging.Message, mc *messaging.MessageContext) error {
	t, ok := r.Get(transport)
	if !ok {
		return messaging.NewDispatchError(messaging.ErrCodeTransportUnavailable, "transport not registered", nil).
			WithDetail("transport", transport).
			WithMessageID(msg.MessageID())
	}
	if err := t.Send(ctx, endpoint, msg, mc); err != nil {
		r.logger.Warn("transport send failed",
			zap.String("transport", transport),
			zap.String("endpoint", endpoint),
			zap.String("message_id", msg.MessageID()),
			zap.Error(err))
		return err
	}
	return nil
}

// Close closes every registered transport, returning the first error.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var first error
	for name, t := range r.transports {
		if err := t.Close(); err != nil && first == nil {
			first = err
		}
		delete(r.transports, name)
	}
	return first
}
