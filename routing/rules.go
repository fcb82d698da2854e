// Package routing implements rule-based transport selection and endpoint
// fan-out for dispatched messages. Rule tables are built through a fluent
// builder and consumed as immutable snapshots by the router.
package routing

import (
	"dev.helix.dispatch/messaging"
)

// DefaultTransportName is used when no transport rule matches and no other
// default is configured.
const DefaultTransportName = "local"

// Predicate is a pure function deciding whether a rule applies to a message.
type Predicate func(msg messaging.Message, mc *messaging.MessageContext) bool

// TransportRule maps a message type to a named transport.
type TransportRule struct {
	MessageType string
	Predicate   Predicate
	Transport   string
}

// EndpointRule maps a message type to a set of logical destination names.
// Multiple rules for one message type compose by union.
type EndpointRule struct {
	MessageType string
	Predicate   Predicate
	Endpoints   []string
}

// Fallback is used only when no endpoint rule matches.
type Fallback struct {
	Endpoint string
	Reason   string
}

// Table is an immutable rule snapshot consumed by the router.
type Table struct {
	transportRules   []TransportRule
	endpointRules    []EndpointRule
	fallback         *Fallback
	defaultTransport string
}

// DefaultTransport returns the configured default transport.
func (t *Table) DefaultTransport() string { return t.defaultTransport }

// TransportRules returns the transport rules in registration order.
func (t *Table) TransportRules() []TransportRule { return t.transportRules }

// EndpointRules returns the endpoint rules in registration order.
func (t *Table) EndpointRules() []EndpointRule { return t.endpointRules }

// FallbackRoute returns the fallback, nil when none is configured.
func (t *Table) FallbackRoute() *Fallback { return t.fallback }

// Builder accumulates routing rules. Chainable methods return the builder;
// Build emits the immutable table.
type Builder struct {
	transportRules   []TransportRule
	endpointRules    []EndpointRule
	fallback         *Fallback
	defaultTransport string
}

// NewBuilder creates a rule builder with the "local" default transport.
func NewBuilder() *Builder {
	return &Builder{defaultTransport: DefaultTransportName}
}

// DefaultTransport sets the transport used when no rule matches.
func (b *Builder) DefaultTransport(name string) *Builder {
	b.defaultTransport = name
	return b
}

// WithFallback configures the endpoint used when no endpoint rule matches.
func (b *Builder) WithFallback(endpoint, reason string) *Builder {
	b.fallback = &Fallback{Endpoint: endpoint, Reason: reason}
	return b
}

// Route starts a rule specification for a message type.
func (b *Builder) Route(messageType string) *RouteSpec {
	return &RouteSpec{builder: b, messageType: messageType}
}

// Build emits the immutable rule table.
func (b *Builder) Build() *Table {
	t := &Table{
		transportRules:   make([]TransportRule, len(b.transportRules)),
		endpointRules:    make([]EndpointRule, len(b.endpointRules)),
		defaultTransport: b.defaultTransport,
	}
	copy(t.transportRules, b.transportRules)
	copy(t.endpointRules, b.endpointRules)
	if b.fallback != nil {
		fb := *b.fallback
		t.fallback = &fb
	}
	return t
}

// RouteSpec is the fluent rule specification for one message type. When sets
// the predicate applied to every Via/To/AlsoTo that follows it.
type RouteSpec struct {
	builder     *Builder
	messageType string
	predicate   Predicate
}

// When sets the predicate for subsequent rules in this specification.
func (r *RouteSpec) When(p Predicate) *RouteSpec {
	r.predicate = p
	return r
}

// Unconditionally clears the predicate for subsequent rules.
func (r *RouteSpec) Unconditionally() *RouteSpec {
	r.predicate = nil
	return r
}

// Via registers a transport rule with the current predicate.
func (r *RouteSpec) Via(transport string) *RouteSpec {
	r.builder.transportRules = append(r.builder.transportRules, TransportRule{
		MessageType: r.messageType,
		Predicate:   r.predicate,
		Transport:   transport,
	})
	return r
}

// To registers an endpoint rule with the current predicate.
func (r *RouteSpec) To(endpoints ...string) *RouteSpec {
	eps := make([]string, len(endpoints))
	copy(eps, endpoints)
	r.builder.endpointRules = append(r.builder.endpointRules, EndpointRule{
		MessageType: r.messageType,
		Predicate:   r.predicate,
		Endpoints:   eps,
	})
	return r
}

// AlsoTo registers an additional endpoint rule with the current predicate.
func (r *RouteSpec) AlsoTo(endpoints ...string) *RouteSpec {
	return r.To(endpoints...)
}

// Route starts a specification for another message type on the same builder.
func (r *RouteSpec) Route(messageType string) *RouteSpec {
	return r.builder.Route(messageType)
}

// Build emits the table from the underlying builder.
func (r *RouteSpec) Build() *Table {
	return r.builder.Build()
}
