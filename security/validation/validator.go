package validation

import (
	"context"
	"fmt"
	"regexp"

	"go.uber.org/zap"

	"dev.helix.dispatch/messaging"
	"dev.helix.dispatch/security/audit"
)

// CustomValidator is a pluggable validator run after the built-in checks.
// It returns nil when the message is acceptable.
type CustomValidator func(ctx context.Context, msg messaging.Message, mc *messaging.MessageContext) []messaging.FieldError

// Config configures the validation middleware.
type Config struct {
	Enabled bool `json:"enabled" yaml:"enabled"`

	CheckSQLInjection      bool `json:"check_sql_injection" yaml:"check_sql_injection"`
	CheckNoSQLInjection    bool `json:"check_nosql_injection" yaml:"check_nosql_injection"`
	CheckCommandInjection  bool `json:"check_command_injection" yaml:"check_command_injection"`
	CheckLDAPInjection     bool `json:"check_ldap_injection" yaml:"check_ldap_injection"`
	CheckPathTraversal     bool `json:"check_path_traversal" yaml:"check_path_traversal"`
	CheckHTMLInjection     bool `json:"check_html_injection" yaml:"check_html_injection"`
	CheckControlCharacters bool `json:"check_control_characters" yaml:"check_control_characters"`

	// MaxStringLength bounds each string field; 0 disables the check.
	MaxStringLength int `json:"max_string_length" yaml:"max_string_length"`
	// MaxMessageSizeBytes bounds the serialized body; 0 disables the check.
	MaxMessageSizeBytes int `json:"max_message_size_bytes" yaml:"max_message_size_bytes"`
	// RequireCorrelationID fails validation when the message has none.
	RequireCorrelationID bool `json:"require_correlation_id" yaml:"require_correlation_id"`
}

// DefaultConfig returns the default validation configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:                true,
		CheckSQLInjection:      true,
		CheckNoSQLInjection:    true,
		CheckCommandInjection:  true,
		CheckLDAPInjection:     true,
		CheckPathTraversal:     true,
		CheckHTMLInjection:     true,
		CheckControlCharacters: true,
		MaxStringLength:        8192,
		MaxMessageSizeBytes:    1024 * 1024,
	}
}

// Middleware runs the built-in and custom validators. Failures are returned
// as typed InputValidationFailed results; the message never reaches the
// handler.
type Middleware struct {
	config     Config
	serializer messaging.Serializer
	validators []CustomValidator
	audit      *audit.Logger
	logger     *zap.Logger
}

// NewMiddleware creates the validation middleware. The audit logger may be
// nil; a nil serializer defaults to JSON.
func NewMiddleware(config Config, serializer messaging.Serializer, auditLogger *audit.Logger, logger *zap.Logger) *Middleware {
	if serializer == nil {
		serializer = messaging.JSONSerializer{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Middleware{
		config:     config,
		serializer: serializer,
		audit:      auditLogger,
		logger:     logger,
	}
}

// AddValidator appends a custom validator. Validators run in registration
// order after the built-in checks.
func (m *Middleware) AddValidator(v CustomValidator) {
	m.validators = append(m.validators, v)
}

// Stage implements messaging.Middleware.
func (m *Middleware) Stage() messaging.Stage { return messaging.StageValidation }

// ApplicableKinds implements messaging.Middleware.
func (m *Middleware) ApplicableKinds() messaging.Kind { return messaging.KindAll }

// Invoke implements messaging.Middleware.
func (m *Middleware) Invoke(ctx context.Context, msg messaging.Message, mc *messaging.MessageContext, next messaging.Next) messaging.Result {
	if !m.config.Enabled {
		return next(ctx, msg, mc)
	}

	var errs []messaging.FieldError
	severity := audit.SeverityMedium
	eventType := audit.EventValidationFailure

	if m.config.RequireCorrelationID && msg.CorrelationID() == "" {
		errs = append(errs, messaging.FieldError{Field: "correlationId", Message: "correlation ID is required"})
	}

	body, serr := m.serializer.Serialize(msg.Body())
	if serr != nil {
		errs = append(errs, messaging.FieldError{Field: "body", Message: "body is not serializable"})
	} else {
		if m.config.MaxMessageSizeBytes > 0 && len(body) > m.config.MaxMessageSizeBytes {
			errs = append(errs, messaging.FieldError{
				Field:   "body",
				Message: fmt.Sprintf("message size %d exceeds maximum %d bytes", len(body), m.config.MaxMessageSizeBytes),
			})
		}

		fieldErrs, injection := m.checkStrings(body)
		errs = append(errs, fieldErrs...)
		if injection {
			severity = audit.SeverityCritical
			eventType = audit.EventInjectionAttempt
		}
	}

	for _, v := range m.validators {
		if ctx.Err() != nil {
			return messaging.Cancelled{}
		}
		errs = append(errs, v(ctx, msg, mc)...)
	}

	if len(errs) == 0 {
		return next(ctx, msg, mc)
	}

	m.auditRejection(mc, msg, eventType, severity, errs)
	m.logger.Debug("message rejected by validation",
		zap.String("message_id", msg.MessageID()),
		zap.String("message_type", msg.MessageType()),
		zap.Int("violations", len(errs)))
	return messaging.InputValidationFailed{Errors: errs}
}

// checkStrings walks every string field of the decoded body and applies the
// enabled built-in checks. The boolean reports whether any injection pattern
// matched.
func (m *Middleware) checkStrings(body []byte) ([]messaging.FieldError, bool) {
	var decoded any
	if err := m.serializer.Deserialize(body, &decoded); err != nil {
		// Not a structured body; check it as one opaque string.
		decoded = string(body)
	}

	var errs []messaging.FieldError
	injection := false
	walkStrings(decoded, "body", func(path, value string) {
		if m.config.MaxStringLength > 0 && len(value) > m.config.MaxStringLength {
			errs = append(errs, messaging.FieldError{
				Field:   path,
				Message: fmt.Sprintf("string length %d exceeds maximum %d", len(value), m.config.MaxStringLength),
			})
		}
		if m.config.CheckControlCharacters && controlCharPattern.MatchString(value) {
			errs = append(errs, messaging.FieldError{Field: path, Message: "contains control characters"})
		}
		for _, check := range []struct {
			enabled bool
			pattern *regexp.Regexp
			name    string
		}{
			{m.config.CheckSQLInjection, sqlInjectionPattern, "SQL injection"},
			{m.config.CheckNoSQLInjection, nosqlInjectionPattern, "NoSQL injection"},
			{m.config.CheckCommandInjection, commandInjectionPattern, "command injection"},
			{m.config.CheckLDAPInjection, ldapInjectionPattern, "LDAP injection"},
			{m.config.CheckPathTraversal, pathTraversalPattern, "path traversal"},
			{m.config.CheckHTMLInjection, htmlInjectionPattern, "HTML injection"},
		} {
			if check.enabled && check.pattern.MatchString(value) {
				errs = append(errs, messaging.FieldError{
					Field:   path,
					Message: fmt.Sprintf("contains a recognized %s pattern", check.name),
				})
				injection = true
			}
		}
	})
	return errs, injection
}

// walkStrings visits every string in a decoded JSON value, building a field
// path for error reporting.
func walkStrings(v any, path string, visit func(path, value string)) {
	switch value := v.(type) {
	case string:
		visit(path, value)
	case map[string]any:
		for key, item := range value {
			walkStrings(item, path+"."+key, visit)
		}
	case []any:
		for i, item := range value {
			walkStrings(item, fmt.Sprintf("%s[%d]", path, i), visit)
		}
	}
}

func (m *Middleware) auditRejection(mc *messaging.MessageContext, msg messaging.Message, eventType audit.EventType, severity audit.Severity, errs []messaging.FieldError) {
	if m.audit == nil {
		return
	}
	event := audit.NewSecurityEvent(eventType, "message rejected by input validation", severity)
	event.CorrelationID = mc.CorrelationID
	event.MessageType = msg.MessageType()
	event.AdditionalData = map[string]any{"violations": len(errs)}
	m.audit.LogEvent(event)
}
