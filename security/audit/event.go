// Package audit implements the asynchronous security event logger: a bounded
// queue drained by a single background consumer that batches events to a
// store and an optional remote exporter.
package audit

import (
	"time"

	"github.com/google/uuid"
)

// EventType identifies the kind of security event.
type EventType string

const (
	EventAuthenticationSuccess EventType = "authentication.success"
	EventAuthenticationFailure EventType = "authentication.failure"
	EventAuthorizationSuccess  EventType = "authorization.success"
	EventAuthorizationFailure  EventType = "authorization.failure"
	EventValidationFailure     EventType = "validation.failure"
	EventInjectionAttempt      EventType = "validation.injection_attempt"
	EventRateLimitExceeded     EventType = "rate_limit.exceeded"
	EventEncryptionFailure     EventType = "crypto.encryption_failure"
	EventDecryptionFailure     EventType = "crypto.decryption_failure"
	EventSignatureFailure      EventType = "crypto.signature_failure"
	EventConfigurationChange   EventType = "config.changed"
	EventCredentialRotation    EventType = "credential.rotated"
	EventSuspiciousActivity    EventType = "suspicious.activity"
)

// Severity classifies how serious a security event is.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// String returns the severity name.
func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// SecurityEvent is an audit record. It is immutable after enqueue.
type SecurityEvent struct {
	ID            string         `json:"id"`
	Timestamp     time.Time      `json:"timestamp"`
	EventType     EventType      `json:"event_type"`
	Severity      Severity       `json:"severity"`
	Description   string         `json:"description"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	UserID        string         `json:"user_id,omitempty"`
	SourceIP      string         `json:"source_ip,omitempty"`
	UserAgent     string         `json:"user_agent,omitempty"`
	MessageType   string         `json:"message_type,omitempty"`
	AdditionalData map[string]any `json:"additional_data,omitempty"`
}

// NewSecurityEvent creates an event with a generated ID and timestamp.
func NewSecurityEvent(eventType EventType, description string, severity Severity) *SecurityEvent {
	return &SecurityEvent{
		ID:          uuid.New().String(),
		Timestamp:   time.Now().UTC(),
		EventType:   eventType,
		Severity:    severity,
		Description: description,
	}
}
