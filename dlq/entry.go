// Package dlq implements the dead-letter queue: capture of permanently
// failed messages, querying, replay, and purge.
package dlq

import (
	"time"

	"dev.helix.dispatch/messaging"
)

// DeadLetterReason classifies why a message was dead-lettered.
type DeadLetterReason int

const (
	ReasonMaxRetriesExceeded DeadLetterReason = iota
	ReasonCircuitBreakerOpen
	ReasonDeserializationFailed
	ReasonHandlerNotFound
	ReasonValidationFailed
	ReasonManualRejection
	ReasonMessageExpired
	ReasonAuthorizationFailed
	ReasonUnhandledException
	ReasonPoisonMessage

	// ReasonUnknown is deliberately out of band so new reasons can be added
	// without renumbering it.
	ReasonUnknown DeadLetterReason = 99
)

// String returns the reason name.
func (r DeadLetterReason) String() string {
	switch r {
	case ReasonMaxRetriesExceeded:
		return "MaxRetriesExceeded"
	case ReasonCircuitBreakerOpen:
		return "CircuitBreakerOpen"
	case ReasonDeserializationFailed:
		return "DeserializationFailed"
	case ReasonHandlerNotFound:
		return "HandlerNotFound"
	case ReasonValidationFailed:
		return "ValidationFailed"
	case ReasonManualRejection:
		return "ManualRejection"
	case ReasonMessageExpired:
		return "MessageExpired"
	case ReasonAuthorizationFailed:
		return "AuthorizationFailed"
	case ReasonUnhandledException:
		return "UnhandledException"
	case ReasonPoisonMessage:
		return "PoisonMessage"
	default:
		return "Unknown"
	}
}

// DeadLetterMessage is one dead-lettered entry. The payload is the serialized
// message body; Kind and MessageType allow the original message to be
// reconstructed for replay.
type DeadLetterMessage struct {
	ID            string         `json:"id"`
	MessageID     string         `json:"message_id"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	MessageType   string         `json:"message_type"`
	Kind          messaging.Kind `json:"kind"`

	Payload []byte            `json:"payload"`
	Headers map[string]string `json:"headers,omitempty"`

	Reason        DeadLetterReason `json:"reason"`
	FailureDetail string           `json:"failure_detail,omitempty"`
	// ExceptionDetails carries the error chain text when capture is enabled.
	ExceptionDetails string `json:"exception_details,omitempty"`

	RetryCount     int       `json:"retry_count"`
	FirstFailureAt time.Time `json:"first_failure_at"`
	LastFailureAt  time.Time `json:"last_failure_at"`
	EnqueuedAt     time.Time `json:"enqueued_at"`

	SourceEndpoint string `json:"source_endpoint,omitempty"`

	IsReplayed  bool       `json:"is_replayed"`
	ReplayedAt  *time.Time `json:"replayed_at,omitempty"`
	ReplayCount int        `json:"replay_count"`
}

// Statistics summarizes the queue contents. RecentCount covers entries
// enqueued within TimeWindow of the snapshot.
type Statistics struct {
	Total            int64                      `json:"total"`
	Replayed         int64                      `json:"replayed"`
	ByReason         map[DeadLetterReason]int64 `json:"by_reason"`
	ByMessageType    map[string]int64           `json:"by_message_type"`
	OldestEnqueuedAt *time.Time                 `json:"oldest_enqueued_at,omitempty"`
	NewestEnqueuedAt *time.Time                 `json:"newest_enqueued_at,omitempty"`
	RecentCount      int64                      `json:"recent_count"`
	TimeWindow       time.Duration              `json:"time_window"`
}
