// Package messaging implements the core of the dispatch runtime: the message
// model, per-dispatch context, result taxonomy, middleware pipeline, and the
// dispatcher that routes messages to registered handlers.
package messaging

import (
	"time"

	"github.com/google/uuid"
)

// Kind classifies a message and gates middleware applicability.
type Kind uint8

const (
	KindAction Kind = 1 << iota
	KindEvent
	KindQuery

	// KindAll matches every message kind.
	KindAll = KindAction | KindEvent | KindQuery
)

// Has reports whether k includes the given kind.
func (k Kind) Has(other Kind) bool {
	return k&other != 0
}

// String returns a human-readable name for the kind.
func (k Kind) String() string {
	switch k {
	case KindAction:
		return "action"
	case KindEvent:
		return "event"
	case KindQuery:
		return "query"
	default:
		return "unknown"
	}
}

// Headers is an ordered, case-sensitive name/value mapping.
type Headers struct {
	names  []string
	values map[string]string
}

// NewHeaders creates an empty header collection.
func NewHeaders() *Headers {
	return &Headers{values: make(map[string]string)}
}

// Get returns the value for a header name.
func (h *Headers) Get(name string) (string, bool) {
	v, ok := h.values[name]
	return v, ok
}

// Set sets a header value, preserving first-seen insertion order.
func (h *Headers) Set(name, value string) {
	if h.values == nil {
		h.values = make(map[string]string)
	}
	if _, exists := h.values[name]; !exists {
		h.names = append(h.names, name)
	}
	h.values[name] = value
}

// Names returns the header names in insertion order.
func (h *Headers) Names() []string {
	out := make([]string, len(h.names))
	copy(out, h.names)
	return out
}

// Len returns the number of headers.
func (h *Headers) Len() int {
	return len(h.names)
}

// Features is a capability bag holding per-message toggles.
type Features map[string]any

// Enable sets a feature value.
func (f Features) Enable(name string, value any) {
	f[name] = value
}

// Get returns a feature value.
func (f Features) Get(name string) (any, bool) {
	v, ok := f[name]
	return v, ok
}

// Message is the immutable envelope routed through the pipeline.
type Message interface {
	MessageID() string
	CorrelationID() string
	Timestamp() time.Time
	Kind() Kind
	MessageType() string
	Body() any
	Features() Features
}

// HasHeaders is implemented by messages that expose a header mapping.
// Middleware detects this capability structurally.
type HasHeaders interface {
	Headers() *Headers
}

// HasSignature is implemented by messages carrying a precomputed signature.
type HasSignature interface {
	Signature() string
}

// HasPriority is implemented by messages with a delivery priority.
type HasPriority interface {
	Priority() int
}

// Envelope is the standard Message implementation.
type Envelope struct {
	id            string
	correlationID string
	timestamp     time.Time
	kind          Kind
	messageType   string
	body          any
	headers       *Headers
	features      Features
	priority      int
	signature     string
}

// EnvelopeOption customizes a new envelope.
type EnvelopeOption func(*Envelope)

// WithMessageID overrides the generated message ID.
func WithMessageID(id string) EnvelopeOption {
	return func(e *Envelope) { e.id = id }
}

// WithCorrelationID sets the correlation ID.
func WithCorrelationID(id string) EnvelopeOption {
	return func(e *Envelope) { e.correlationID = id }
}

// WithTimestamp overrides the creation timestamp.
func WithTimestamp(t time.Time) EnvelopeOption {
	return func(e *Envelope) { e.timestamp = t }
}

// WithHeader sets a header on the envelope.
func WithHeader(name, value string) EnvelopeOption {
	return func(e *Envelope) { e.headers.Set(name, value) }
}

// WithFeature enables a feature on the envelope.
func WithFeature(name string, value any) EnvelopeOption {
	return func(e *Envelope) { e.features.Enable(name, value) }
}

// WithPriority sets the delivery priority.
func WithPriority(p int) EnvelopeOption {
	return func(e *Envelope) { e.priority = p }
}

// WithSignature attaches a precomputed signature.
func WithSignature(sig string) EnvelopeOption {
	return func(e *Envelope) { e.signature = sig }
}

// NewEnvelope creates a message envelope with a generated ID and timestamp.
func NewEnvelope(kind Kind, messageType string, body any, opts ...EnvelopeOption) *Envelope {
	e := &Envelope{
		id:          uuid.New().String(),
		timestamp:   time.Now().UTC(),
		kind:        kind,
		messageType: messageType,
		body:        body,
		headers:     NewHeaders(),
		features:    make(Features),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// MessageID returns the unique envelope ID.
func (e *Envelope) MessageID() string { return e.id }

// CorrelationID returns the correlation ID, empty when unset.
func (e *Envelope) CorrelationID() string { return e.correlationID }

// Timestamp returns the envelope creation time.
func (e *Envelope) Timestamp() time.Time { return e.timestamp }

// Kind returns the message kind.
func (e *Envelope) Kind() Kind { return e.kind }

// MessageType returns the logical type name used for handler lookup and routing.
func (e *Envelope) MessageType() string { return e.messageType }

// Body returns the opaque payload.
func (e *Envelope) Body() any { return e.body }

// Features returns the capability bag.
func (e *Envelope) Features() Features { return e.features }

// Headers returns the mutable header mapping.
func (e *Envelope) Headers() *Headers { return e.headers }

// Signature returns the attached signature, empty when unsigned.
func (e *Envelope) Signature() string { return e.signature }

// Priority returns the delivery priority.
func (e *Envelope) Priority() int { return e.priority }
