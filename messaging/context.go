package messaging

import "time"

// Context item keys used for transient middleware-to-middleware hand-offs.
const (
	ItemAuthToken          = "AuthToken"
	ItemTenantID           = "TenantId"
	ItemMessageDirection   = "MessageDirection"
	ItemMessageSignature   = "MessageSignature"
	ItemProcessingAttempts = "ProcessingAttempts"
	ItemFirstAttemptTime   = "FirstAttemptTime"
	ItemCurrentAttemptTime = "CurrentAttemptTime"
	ItemMessageID          = "MessageId"
	ItemMessageType        = "Message:Type"
	ItemUserMessageID      = "User:MessageId"
	ItemClientIP           = "Client:IP"
	ItemClientUserAgent    = "Client:UserAgent"
)

// Message direction values stored under ItemMessageDirection.
const (
	DirectionIncoming = "Incoming"
	DirectionOutgoing = "Outgoing"
)

// Property keys for derived values exposed to the handler.
const (
	PropPrincipal            = "Principal"
	PropUserID               = "UserId"
	PropUserName             = "UserName"
	PropEmail                = "Email"
	PropTenantID             = "TenantId"
	PropRoles                = "Roles"
	PropAuthenticatedAt      = "AuthenticatedAt"
	PropAuthenticationMethod = "AuthenticationMethod"
	PropMessageSignature     = "MessageSignature"
	PropSignatureAlgorithm   = "SignatureAlgorithm"
	PropSignedAt             = "SignedAt"
)

// MessageContext is the mutable per-dispatch record. A context belongs to
// exactly one dispatch and is never shared across concurrent dispatches, so
// it is deliberately unsynchronized.
type MessageContext struct {
	MessageID     string
	CorrelationID string
	ReceivedAt    time.Time
	TenantID      string

	// Items holds transient hand-offs between middleware stages.
	Items map[string]any
	// Properties holds derived values exposed to the handler.
	Properties map[string]any
}

// NewMessageContext creates a context for one dispatch of the given message.
func NewMessageContext(msg Message) *MessageContext {
	mc := &MessageContext{
		ReceivedAt: time.Now().UTC(),
		Items:      make(map[string]any),
		Properties: make(map[string]any),
	}
	if msg != nil {
		mc.MessageID = msg.MessageID()
		mc.CorrelationID = msg.CorrelationID()
	}
	return mc
}

// SetItem stores a transient item.
func (mc *MessageContext) SetItem(key string, value any) {
	if mc.Items == nil {
		mc.Items = make(map[string]any)
	}
	mc.Items[key] = value
}

// Item returns a transient item.
func (mc *MessageContext) Item(key string) (any, bool) {
	v, ok := mc.Items[key]
	return v, ok
}

// StringItem returns a transient item as a string, empty when absent or not
// a string.
func (mc *MessageContext) StringItem(key string) string {
	if v, ok := mc.Items[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// SetProperty stores a derived property.
func (mc *MessageContext) SetProperty(key string, value any) {
	if mc.Properties == nil {
		mc.Properties = make(map[string]any)
	}
	mc.Properties[key] = value
}

// Property returns a derived property.
func (mc *MessageContext) Property(key string) (any, bool) {
	v, ok := mc.Properties[key]
	return v, ok
}

// StringProperty returns a property as a string, empty when absent or not a
// string.
func (mc *MessageContext) StringProperty(key string) string {
	if v, ok := mc.Properties[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
