package messaging

import (
	"errors"
	"fmt"
)

// ErrorCode represents a dispatch error code.
type ErrorCode string

const (
	// Dispatch errors
	ErrCodeHandlerNotFound ErrorCode = "HANDLER_NOT_FOUND"
	ErrCodeHandlerError    ErrorCode = "HANDLER_ERROR"
	ErrCodeHandlerPanic    ErrorCode = "HANDLER_PANIC"
	ErrCodePoisonMessage   ErrorCode = "POISON_MESSAGE"

	// Serialization errors
	ErrCodeSerializationFailed   ErrorCode = "SERIALIZATION_FAILED"
	ErrCodeDeserializationFailed ErrorCode = "DESERIALIZATION_FAILED"

	// Collaborator errors
	ErrCodeStoreUnavailable     ErrorCode = "STORE_UNAVAILABLE"
	ErrCodeKeyUnavailable       ErrorCode = "KEY_UNAVAILABLE"
	ErrCodeTransportUnavailable ErrorCode = "TRANSPORT_UNAVAILABLE"
	ErrCodeExportFailed         ErrorCode = "EXPORT_FAILED"

	// Configuration errors
	ErrCodeInvalidConfig ErrorCode = "INVALID_CONFIG"
	ErrCodeMissingConfig ErrorCode = "MISSING_CONFIG"

	// General errors
	ErrCodeOperationCanceled ErrorCode = "OPERATION_CANCELED"
	ErrCodeUnknown           ErrorCode = "UNKNOWN_ERROR"
)

// Sentinel errors for argument validation and common conditions.
var (
	ErrNilMessage      = errors.New("message must not be nil")
	ErrNilContext      = errors.New("message context must not be nil")
	ErrNilNext         = errors.New("next delegate must not be nil")
	ErrNilHandler      = errors.New("handler must not be nil")
	ErrEmptyType       = errors.New("message type must not be empty")
	ErrHandlerNotFound = errors.New("no handler registered for message type")
	ErrQueueClosed     = errors.New("queue is closed")
	ErrEntryNotFound   = errors.New("dead-letter entry not found")
)

// DispatchError is an operational error with a code, cause, and retryability
// classification.
type DispatchError struct {
	// Code is the error code.
	Code ErrorCode `json:"code"`
	// Message is the human-readable error message.
	Message string `json:"message"`
	// Cause is the underlying error.
	Cause error `json:"-"`
	// MessageID is the message involved, if applicable.
	MessageID string `json:"message_id,omitempty"`
	// MessageType is the logical type involved, if applicable.
	MessageType string `json:"message_type,omitempty"`
	// Retryable indicates whether the operation may be retried.
	Retryable bool `json:"retryable"`
	// Details contains additional error details.
	Details map[string]any `json:"details,omitempty"`
}

// NewDispatchError creates a DispatchError with retryability derived from the
// code.
func NewDispatchError(code ErrorCode, message string, cause error) *DispatchError {
	return &DispatchError{
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: codeRetryable(code),
	}
}

// Error implements the error interface.
func (e *DispatchError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *DispatchError) Unwrap() error {
	return e.Cause
}

// Is matches another DispatchError by code, or defers to the cause.
func (e *DispatchError) Is(target error) bool {
	if t, ok := target.(*DispatchError); ok {
		return e.Code == t.Code
	}
	return errors.Is(e.Cause, target)
}

// WithMessageID sets the message ID.
func (e *DispatchError) WithMessageID(id string) *DispatchError {
	e.MessageID = id
	return e
}

// WithMessageType sets the message type.
func (e *DispatchError) WithMessageType(t string) *DispatchError {
	e.MessageType = t
	return e
}

// WithRetryable overrides the derived retryability.
func (e *DispatchError) WithRetryable(retryable bool) *DispatchError {
	e.Retryable = retryable
	return e
}

// WithDetail adds a detail to the error.
func (e *DispatchError) WithDetail(key string, value any) *DispatchError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// codeRetryable classifies error codes as transient or permanent.
func codeRetryable(code ErrorCode) bool {
	switch code {
	case ErrCodeStoreUnavailable,
		ErrCodeKeyUnavailable,
		ErrCodeTransportUnavailable,
		ErrCodeExportFailed,
		ErrCodeHandlerError:
		return true
	default:
		return false
	}
}

// HandlerNotFoundError creates a handler-not-found error for a message type.
func HandlerNotFoundError(messageType string) *DispatchError {
	return NewDispatchError(ErrCodeHandlerNotFound, "no handler registered", ErrHandlerNotFound).
		WithMessageType(messageType)
}

// SerializationError creates a permanent serialization error.
func SerializationError(cause error) *DispatchError {
	return NewDispatchError(ErrCodeSerializationFailed, "serialization failed", cause)
}

// DeserializationError creates a permanent deserialization error.
func DeserializationError(cause error) *DispatchError {
	return NewDispatchError(ErrCodeDeserializationFailed, "deserialization failed", cause)
}

// StoreError creates a transient store error.
func StoreError(message string, cause error) *DispatchError {
	return NewDispatchError(ErrCodeStoreUnavailable, message, cause)
}

// KeyError creates a transient key-retrieval error.
func KeyError(message string, cause error) *DispatchError {
	return NewDispatchError(ErrCodeKeyUnavailable, message, cause)
}

// ConfigError creates a configuration error.
func ConfigError(message string) *DispatchError {
	return NewDispatchError(ErrCodeInvalidConfig, message, nil)
}

// IsDispatchError checks whether err carries a DispatchError.
func IsDispatchError(err error) bool {
	var de *DispatchError
	return errors.As(err, &de)
}

// GetDispatchError extracts a DispatchError from an error chain.
func GetDispatchError(err error) *DispatchError {
	var de *DispatchError
	if errors.As(err, &de) {
		return de
	}
	return nil
}

// IsRetryableError reports whether an error is classified as transient.
// Errors that are not DispatchErrors are treated as transient so that an
// unknown handler failure gets the benefit of the retry policy.
func IsRetryableError(err error) bool {
	if de := GetDispatchError(err); de != nil {
		return de.Retryable
	}
	return true
}
