// Package inproc implements the in-process transport: channel-backed
// endpoint queues with subscriber fan-out, used as the default local
// transport and in tests.
package inproc

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"dev.helix.dispatch/messaging"
)

// TransportName is the name this transport registers under. It matches the
// routing default.
const TransportName = "local"

// Delivery is one message handed to a subscriber.
type Delivery struct {
	Endpoint string
	Message  messaging.Message
	Context  *messaging.MessageContext
}

// Transport is the channel-backed in-process transport. Each endpoint has a
// bounded queue; Subscribe attaches a consumer channel.
type Transport struct {
	buffer int
	logger *zap.Logger

	mu        sync.RWMutex
	endpoints map[string]chan Delivery
	closed    bool
}

// New creates an in-process transport with the given per-endpoint buffer.
func New(buffer int, logger *zap.Logger) *Transport {
	if buffer <= 0 {
		buffer = 64
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transport{
		buffer:    buffer,
		logger:    logger,
		endpoints: make(map[string]chan Delivery),
	}
}

// Name implements transport.Transport.
func (t *Transport) Name() string { return TransportName }

// Send implements transport.Transport. It blocks when the endpoint queue is
// full until space frees or the context ends.
func (t *Transport) Send(ctx context.Context, endpoint string, msg messaging.Message, mc *messaging.MessageContext) error {
	ch, err := t.endpoint(endpoint)
	if err != nil {
		return err
	}
	select {
	case ch <- Delivery{Endpoint: endpoint, Message: msg, Context: mc}:
		return nil
	case <-ctx.Done():
		return messaging.NewDispatchError(messaging.ErrCodeOperationCanceled, "send canceled", ctx.Err()).
			WithMessageID(msg.MessageID())
	}
}

// Subscribe returns the delivery channel for an endpoint, creating it on
// first use.
func (t *Transport) Subscribe(endpoint string) (<-chan Delivery, error) {
	return t.endpoint(endpoint)
}

func (t *Transport) endpoint(name string) (chan Delivery, error) {
	t.mu.RLock()
	ch, ok := t.endpoints[name]
	closed := t.closed
	t.mu.RUnlock()
	if closed {
		return nil, messaging.ErrQueueClosed
	}
	if ok {
		return ch, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, messaging.ErrQueueClosed
	}
	if ch, ok := t.endpoints[name]; ok {
		return ch, nil
	}
	ch = make(chan Delivery, t.buffer)
	t.endpoints[name] = ch
	return ch, nil
}

// Close implements transport.Transport. All endpoint channels are closed so
// subscribers observe the shutdown.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	for name, ch := range t.endpoints {
		close(ch)
		delete(t.endpoints, name)
	}
	return nil
}
