// Package authz implements role-based authorization middleware. It consumes
// the principal populated by the authentication stage and enforces per-type
// role requirements.
package authz

import (
	"context"

	"go.uber.org/zap"

	"dev.helix.dispatch/messaging"
	"dev.helix.dispatch/security/audit"
)

// Config configures the authorization middleware.
type Config struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	// RoleRequirements maps a message type to the roles allowed to send it.
	// A message type without an entry falls back to DefaultAllow. Any one
	// matching role satisfies the requirement.
	RoleRequirements map[string][]string `json:"role_requirements" yaml:"role_requirements"`
	// DefaultAllow admits message types with no requirement entry.
	DefaultAllow bool `json:"default_allow" yaml:"default_allow"`
}

// DefaultConfig returns the default authorization configuration.
func DefaultConfig() Config {
	return Config{Enabled: true, DefaultAllow: true}
}

// Middleware enforces role requirements after authentication.
type Middleware struct {
	config Config
	audit  *audit.Logger
	logger *zap.Logger
}

// NewMiddleware creates the authorization middleware. The audit logger may
// be nil.
func NewMiddleware(config Config, auditLogger *audit.Logger, logger *zap.Logger) *Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Middleware{config: config, audit: auditLogger, logger: logger}
}

// Stage implements messaging.Middleware.
func (m *Middleware) Stage() messaging.Stage { return messaging.StageAuthorization }

// ApplicableKinds implements messaging.Middleware.
func (m *Middleware) ApplicableKinds() messaging.Kind {
	return messaging.KindAction | messaging.KindQuery
}

// Invoke implements messaging.Middleware.
func (m *Middleware) Invoke(ctx context.Context, msg messaging.Message, mc *messaging.MessageContext, next messaging.Next) messaging.Result {
	if !m.config.Enabled {
		return next(ctx, msg, mc)
	}

	required, ok := m.config.RoleRequirements[msg.MessageType()]
	if !ok || len(required) == 0 {
		if m.config.DefaultAllow {
			return next(ctx, msg, mc)
		}
		return m.deny(mc, msg, "no role requirement grants this message type")
	}

	roles := principalRoles(mc)
	for _, want := range required {
		for _, have := range roles {
			if want == have {
				m.auditOutcome(mc, msg, audit.EventAuthorizationSuccess, audit.SeverityLow, "role requirement satisfied")
				return next(ctx, msg, mc)
			}
		}
	}
	return m.deny(mc, msg, "principal lacks a required role")
}

func (m *Middleware) deny(mc *messaging.MessageContext, msg messaging.Message, detail string) messaging.Result {
	m.auditOutcome(mc, msg, audit.EventAuthorizationFailure, audit.SeverityHigh, detail)
	m.logger.Debug("message not authorized",
		zap.String("message_id", msg.MessageID()),
		zap.String("message_type", msg.MessageType()),
		zap.String("user_id", mc.StringProperty(messaging.PropUserID)))
	return messaging.FailProblem(messaging.ProblemDetails{
		Code:   "authorization_failed",
		Title:  "Not authorized",
		Detail: detail,
	})
}

func (m *Middleware) auditOutcome(mc *messaging.MessageContext, msg messaging.Message, eventType audit.EventType, severity audit.Severity, detail string) {
	if m.audit == nil {
		return
	}
	event := audit.NewSecurityEvent(eventType, detail, severity)
	event.UserID = mc.StringProperty(messaging.PropUserID)
	event.CorrelationID = mc.CorrelationID
	event.MessageType = msg.MessageType()
	m.audit.LogEvent(event)
}

// principalRoles reads the roles set by the authentication stage.
func principalRoles(mc *messaging.MessageContext) []string {
	v, ok := mc.Property(messaging.PropRoles)
	if !ok {
		return nil
	}
	roles, _ := v.([]string)
	return roles
}
