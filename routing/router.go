package routing

import (
	"math"
	"strings"
	"sync"

	"go.uber.org/zap"

	"dev.helix.dispatch/messaging"
)

// Decision is the outcome of routing one message.
type Decision struct {
	Success      bool
	Transport    string
	Endpoints    []string
	MatchedRules []string
	Reason       string
}

// Route describes one available route for introspection.
type Route struct {
	RouteType   string // "transport", "endpoint", or "fallback"
	MessageType string
	Destination string
	Priority    int
	Conditional bool
}

// Router resolves transports and endpoint sets from an immutable rule table.
// Resolutions touching only unconditional rules are memoized per message
// type; conditional rules are never cached.
type Router struct {
	table  *Table
	logger *zap.Logger

	mu             sync.RWMutex
	transportCache map[string]string
	endpointCache  map[string][]string
}

// NewRouter creates a router over a rule table.
func NewRouter(table *Table, logger *zap.Logger) *Router {
	if table == nil {
		table = NewBuilder().Build()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		table:          table,
		logger:         logger,
		transportCache: make(map[string]string),
		endpointCache:  make(map[string][]string),
	}
}

// SelectTransport returns the transport for a message: the first transport
// rule in registration order whose type and predicate match, else the default
// transport.
func (r *Router) SelectTransport(msg messaging.Message, mc *messaging.MessageContext) string {
	messageType := msg.MessageType()

	r.mu.RLock()
	cached, ok := r.transportCache[messageType]
	r.mu.RUnlock()
	if ok {
		return cached
	}

	sawConditional := false
	for _, rule := range r.table.TransportRules() {
		if rule.MessageType != messageType {
			continue
		}
		if rule.Predicate == nil {
			// Memoizable only when no conditional rule for this type was
			// passed over: an earlier predicate may match next time.
			if !sawConditional {
				r.cacheTransport(messageType, rule.Transport)
			}
			return rule.Transport
		}
		sawConditional = true
		if rule.Predicate(msg, mc) {
			return rule.Transport
		}
	}

	def := r.table.DefaultTransport()
	if !sawConditional {
		r.cacheTransport(messageType, def)
	}
	return def
}

// RouteToEndpoints returns the unioned endpoint set for a message,
// deduplicated case-insensitively preserving first-seen order. When no rule
// matches, the fallback endpoint is returned if configured.
func (r *Router) RouteToEndpoints(msg messaging.Message, mc *messaging.MessageContext) []string {
	messageType := msg.MessageType()

	r.mu.RLock()
	cached, ok := r.endpointCache[messageType]
	r.mu.RUnlock()
	if ok {
		return cached
	}

	var endpoints []string
	seen := make(map[string]struct{})
	touchedConditional := false

	for _, rule := range r.table.EndpointRules() {
		if rule.MessageType != messageType {
			continue
		}
		if rule.Predicate != nil {
			touchedConditional = true
			if !rule.Predicate(msg, mc) {
				continue
			}
		}
		for _, ep := range rule.Endpoints {
			key := strings.ToLower(ep)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			endpoints = append(endpoints, ep)
		}
	}

	if len(endpoints) == 0 {
		if fb := r.table.FallbackRoute(); fb != nil {
			endpoints = []string{fb.Endpoint}
			r.logger.Debug("endpoint fallback used",
				zap.String("message_type", messageType),
				zap.String("endpoint", fb.Endpoint),
				zap.String("reason", fb.Reason))
		} else {
			endpoints = []string{}
		}
	}

	if !touchedConditional {
		r.mu.Lock()
		r.endpointCache[messageType] = endpoints
		r.mu.Unlock()
	}
	return endpoints
}

// RouteMessage composes transport selection and endpoint fan-out into a
// routing decision.
func (r *Router) RouteMessage(msg messaging.Message, mc *messaging.MessageContext) Decision {
	transport := r.SelectTransport(msg, mc)
	if transport == "" {
		return Decision{Success: false, Reason: "No transport"}
	}
	endpoints := r.RouteToEndpoints(msg, mc)

	matched := make([]string, 0, 1+len(endpoints))
	matched = append(matched, "transport:"+transport)
	for _, ep := range endpoints {
		matched = append(matched, "endpoint:"+ep)
	}
	return Decision{
		Success:      true,
		Transport:    transport,
		Endpoints:    endpoints,
		MatchedRules: matched,
	}
}

// CanRouteTo reports whether the destination is the selected transport
// (case-insensitive) or a routable endpoint for the message.
func (r *Router) CanRouteTo(msg messaging.Message, mc *messaging.MessageContext, destination string) bool {
	if strings.EqualFold(destination, r.SelectTransport(msg, mc)) {
		return true
	}
	for _, ep := range r.RouteToEndpoints(msg, mc) {
		if strings.EqualFold(destination, ep) {
			return true
		}
	}
	return false
}

// AvailableRoutes returns transport and endpoint route descriptors. Priority
// is assigned monotonically per rule; all endpoints of a single rule share a
// priority. The fallback route has the maximum priority value.
func (r *Router) AvailableRoutes() []Route {
	var routes []Route
	priority := 0

	for _, rule := range r.table.TransportRules() {
		routes = append(routes, Route{
			RouteType:   "transport",
			MessageType: rule.MessageType,
			Destination: rule.Transport,
			Priority:    priority,
			Conditional: rule.Predicate != nil,
		})
		priority++
	}
	for _, rule := range r.table.EndpointRules() {
		for _, ep := range rule.Endpoints {
			routes = append(routes, Route{
				RouteType:   "endpoint",
				MessageType: rule.MessageType,
				Destination: ep,
				Priority:    priority,
				Conditional: rule.Predicate != nil,
			})
		}
		priority++
	}
	if fb := r.table.FallbackRoute(); fb != nil {
		routes = append(routes, Route{
			RouteType:   "fallback",
			Destination: fb.Endpoint,
			Priority:    math.MaxInt,
		})
	}
	return routes
}

// InvalidateCache clears both memoization caches.
func (r *Router) InvalidateCache() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transportCache = make(map[string]string)
	r.endpointCache = make(map[string][]string)
}

func (r *Router) cacheTransport(messageType, transport string) {
	r.mu.Lock()
	r.transportCache[messageType] = transport
	r.mu.Unlock()
}
