package messaging

import (
	"fmt"
	"strings"
	"time"
)

// Result is the polymorphic outcome of a dispatch. Typed failures are
// returned, never raised; only programmer errors surface as Go errors.
type Result interface {
	Succeeded() bool
}

// ProblemDetails describes a failure in a structured way.
type ProblemDetails struct {
	Code     string         `json:"code"`
	Title    string         `json:"title"`
	Detail   string         `json:"detail,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Success is the successful outcome, optionally carrying a value.
type Success struct {
	Value any
}

// Succeeded implements Result.
func (Success) Succeeded() bool { return true }

// Failure is a generic failed outcome.
type Failure struct {
	Problem ProblemDetails
}

// Succeeded implements Result.
func (Failure) Succeeded() bool { return false }

// AuthFailureReason enumerates why authentication failed.
type AuthFailureReason int

const (
	AuthMissingToken AuthFailureReason = iota
	AuthInvalidToken
	AuthTokenExpired
	AuthValidationError
	AuthUnknownError
)

// String returns the reason name.
func (r AuthFailureReason) String() string {
	switch r {
	case AuthMissingToken:
		return "MissingToken"
	case AuthInvalidToken:
		return "InvalidToken"
	case AuthTokenExpired:
		return "TokenExpired"
	case AuthValidationError:
		return "ValidationError"
	default:
		return "UnknownError"
	}
}

// AuthenticationFailed is the typed failure returned by the authentication
// middleware.
type AuthenticationFailed struct {
	Reason AuthFailureReason
	Detail string
}

// Succeeded implements Result.
func (AuthenticationFailed) Succeeded() bool { return false }

// RateLimitExceeded is the typed failure returned when a permit is denied.
// RetryAfter is the limiter's best estimate of when a retry may succeed.
type RateLimitExceeded struct {
	RetryAfter time.Duration
}

// Succeeded implements Result.
func (RateLimitExceeded) Succeeded() bool { return false }

// RetryAfterMilliseconds returns the retry hint in milliseconds.
func (r RateLimitExceeded) RetryAfterMilliseconds() int64 {
	return r.RetryAfter.Milliseconds()
}

// FieldError describes a single input-validation violation.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// InputValidationFailed is the typed failure returned when built-in or custom
// validators reject a message.
type InputValidationFailed struct {
	Errors []FieldError
}

// Succeeded implements Result.
func (InputValidationFailed) Succeeded() bool { return false }

// Error renders the violations as a single string.
func (r InputValidationFailed) Error() string {
	if len(r.Errors) == 0 {
		return "validation failed"
	}
	msgs := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		msgs = append(msgs, fmt.Sprintf("%s: %s", e.Field, e.Message))
	}
	return strings.Join(msgs, "; ")
}

// Cancelled is the outcome of a dispatch whose context was cancelled. The
// dead-letter path is never taken for cancellations.
type Cancelled struct{}

// Succeeded implements Result.
func (Cancelled) Succeeded() bool { return false }

// Ok returns a successful result with no value.
func Ok() Result { return Success{} }

// OkValue returns a successful result carrying a value.
func OkValue(v any) Result { return Success{Value: v} }

// Fail returns a generic failure with the given code and detail.
func Fail(code, detail string) Result {
	return Failure{Problem: ProblemDetails{Code: code, Title: code, Detail: detail}}
}

// FailProblem returns a generic failure with full problem details.
func FailProblem(p ProblemDetails) Result { return Failure{Problem: p} }

// ResultValue extracts a typed value from a successful result.
func ResultValue[T any](r Result) (T, bool) {
	var zero T
	s, ok := r.(Success)
	if !ok {
		return zero, false
	}
	v, ok := s.Value.(T)
	return v, ok
}
