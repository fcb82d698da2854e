package authn

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"dev.helix.dispatch/messaging"
	"dev.helix.dispatch/security/audit"
)

// Claim names consulted during principal mapping. The tenant is read from
// the explicit tenant_id claim; the tid short name is deliberately not
// consulted because default JWT handlers remap it.
const (
	claimSubject        = "sub"
	claimNameIdentifier = "http://schemas.xmlsoap.org/ws/2005/05/identity/claims/nameidentifier"
	claimName           = "name"
	claimEmail          = "email"
	claimTenantID       = "tenant_id"
	claimRole           = "role"
	claimRoleURI        = "http://schemas.microsoft.com/ws/2008/06/identity/claims/role"
)

// Middleware validates bearer tokens and populates the authenticated
// principal in the context properties.
type Middleware struct {
	config Config
	creds  CredentialStore
	audit  *audit.Logger
	logger *zap.Logger

	anonymous map[string]struct{}

	keyMu        sync.Mutex
	cachedKey    []byte
	keyFetchedAt time.Time

	rsaOnce sync.Once
	rsaKey  *rsa.PublicKey
	rsaErr  error
}

// NewMiddleware creates the authentication middleware. The credential store
// and audit logger may be nil.
func NewMiddleware(config Config, creds CredentialStore, auditLogger *audit.Logger, logger *zap.Logger) *Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	anonymous := make(map[string]struct{}, len(config.AnonymousMessageTypes))
	for _, t := range config.AnonymousMessageTypes {
		anonymous[t] = struct{}{}
	}
	return &Middleware{
		config:    config,
		creds:     creds,
		audit:     auditLogger,
		logger:    logger,
		anonymous: anonymous,
	}
}

// Stage implements messaging.Middleware.
func (m *Middleware) Stage() messaging.Stage { return messaging.StageAuthentication }

// ApplicableKinds implements messaging.Middleware.
func (m *Middleware) ApplicableKinds() messaging.Kind {
	return messaging.KindAction | messaging.KindEvent
}

// Invoke implements messaging.Middleware.
func (m *Middleware) Invoke(ctx context.Context, msg messaging.Message, mc *messaging.MessageContext, next messaging.Next) messaging.Result {
	if !m.config.Enabled {
		return next(ctx, msg, mc)
	}
	if _, anon := m.anonymous[msg.MessageType()]; anon {
		return next(ctx, msg, mc)
	}

	token := m.extractToken(msg, mc)
	if token == "" {
		if !m.config.RequireAuthentication {
			return next(ctx, msg, mc)
		}
		m.auditFailure(mc, msg, "", "missing bearer token")
		return messaging.AuthenticationFailed{Reason: messaging.AuthMissingToken}
	}

	claims, reason, err := m.validate(ctx, token)
	if err != nil {
		m.auditFailure(mc, msg, unverifiedSubject(token), err.Error())
		m.logger.Debug("token validation failed",
			zap.String("message_id", msg.MessageID()),
			zap.String("reason", reason.String()),
			zap.Error(err))
		return messaging.AuthenticationFailed{Reason: reason, Detail: err.Error()}
	}

	m.populatePrincipal(mc, claims)
	m.auditSuccess(mc, msg)
	return next(ctx, msg, mc)
}

// extractToken reads the raw token from the context item first, then from
// the message header capability.
func (m *Middleware) extractToken(msg messaging.Message, mc *messaging.MessageContext) string {
	if raw := mc.StringItem(m.config.TokenContextKey); raw != "" {
		return raw
	}
	if hh, ok := msg.(messaging.HasHeaders); ok {
		if value, found := hh.Headers().Get(m.config.TokenHeaderName); found && value != "" {
			if strings.HasPrefix(value, "Bearer ") {
				return strings.TrimPrefix(value, "Bearer ")
			}
			return value
		}
	}
	return ""
}

// validate parses and verifies the token, returning the claims or the typed
// failure reason.
func (m *Middleware) validate(ctx context.Context, tokenString string) (jwt.MapClaims, messaging.AuthFailureReason, error) {
	opts := []jwt.ParserOption{jwt.WithLeeway(m.config.ClockSkew)}
	if m.config.ValidateIssuer && m.config.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.config.Issuer))
	}
	if m.config.ValidateAudience && m.config.Audience != "" {
		opts = append(opts, jwt.WithAudience(m.config.Audience))
	}
	if !m.config.ValidateLifetime {
		opts = append(opts, jwt.WithoutClaimsValidation())
	}
	if m.config.ValidateSignature {
		opts = append(opts, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512", "RS256", "RS384", "RS512"}))
	}

	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		switch t.Method.(type) {
		case *jwt.SigningMethodHMAC:
			return m.resolveKey(ctx)
		case *jwt.SigningMethodRSA:
			return m.resolveRSAKey()
		default:
			return nil, fmt.Errorf("unexpected signing method %s", t.Method.Alg())
		}
	}, opts...)
	if err != nil {
		return nil, classifyError(err), err
	}
	if m.config.RequireSignedTokens && !token.Valid {
		return nil, messaging.AuthValidationError, errors.New("token is not valid")
	}
	return claims, 0, nil
}

// classifyError maps jwt validation errors onto the failure taxonomy.
func classifyError(err error) messaging.AuthFailureReason {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return messaging.AuthTokenExpired
	case errors.Is(err, jwt.ErrTokenMalformed):
		return messaging.AuthInvalidToken
	case errors.Is(err, jwt.ErrTokenSignatureInvalid),
		errors.Is(err, jwt.ErrTokenInvalidIssuer),
		errors.Is(err, jwt.ErrTokenInvalidAudience),
		errors.Is(err, jwt.ErrTokenNotValidYet),
		errors.Is(err, jwt.ErrTokenUnverifiable):
		return messaging.AuthValidationError
	default:
		return messaging.AuthUnknownError
	}
}

// resolveKey returns the HMAC validation key, fetching it from the credential
// store with a short-TTL cache when async retrieval is enabled.
func (m *Middleware) resolveKey(ctx context.Context) ([]byte, error) {
	if !m.config.UseAsyncKeyRetrieval || m.config.SigningKeyCredentialName == "" {
		if len(m.config.SigningKey) == 0 {
			return nil, messaging.KeyError("no signing key configured", nil)
		}
		return m.config.SigningKey, nil
	}
	if m.creds == nil {
		return nil, messaging.KeyError("credential store not configured", nil)
	}

	m.keyMu.Lock()
	defer m.keyMu.Unlock()
	if m.cachedKey != nil && time.Since(m.keyFetchedAt) < m.config.KeyCacheTTL {
		return m.cachedKey, nil
	}
	key, err := m.creds.GetCredential(ctx, m.config.SigningKeyCredentialName)
	if err != nil {
		return nil, messaging.KeyError("credential retrieval failed", err)
	}
	if key == nil {
		return nil, messaging.KeyError("credential not found", nil)
	}
	m.cachedKey = key
	m.keyFetchedAt = time.Now()
	return key, nil
}

// resolveRSAKey parses the configured PEM public key once.
func (m *Middleware) resolveRSAKey() (*rsa.PublicKey, error) {
	m.rsaOnce.Do(func() {
		if len(m.config.RSAPublicKeyPEM) == 0 {
			m.rsaErr = messaging.KeyError("no RSA public key configured", nil)
			return
		}
		m.rsaKey, m.rsaErr = jwt.ParseRSAPublicKeyFromPEM(m.config.RSAPublicKeyPEM)
	})
	return m.rsaKey, m.rsaErr
}

// populatePrincipal maps verified claims into the context properties.
func (m *Middleware) populatePrincipal(mc *messaging.MessageContext, claims jwt.MapClaims) {
	userID := claimString(claims, claimSubject)
	if userID == "" {
		userID = claimString(claims, claimNameIdentifier)
	}

	mc.SetProperty(messaging.PropPrincipal, claims)
	mc.SetProperty(messaging.PropUserID, userID)
	mc.SetProperty(messaging.PropUserName, claimString(claims, claimName))
	mc.SetProperty(messaging.PropEmail, claimString(claims, claimEmail))
	mc.SetProperty(messaging.PropAuthenticatedAt, time.Now().UTC())
	mc.SetProperty(messaging.PropAuthenticationMethod, "jwt")

	if tenant := claimString(claims, claimTenantID); tenant != "" {
		mc.TenantID = tenant
		mc.SetProperty(messaging.PropTenantID, tenant)
		if _, present := mc.Item(messaging.ItemTenantID); !present {
			mc.SetItem(messaging.ItemTenantID, tenant)
		}
	}

	roles := claimStrings(claims, claimRole)
	roles = append(roles, claimStrings(claims, claimRoleURI)...)
	mc.SetProperty(messaging.PropRoles, roles)
}

func (m *Middleware) auditSuccess(mc *messaging.MessageContext, msg messaging.Message) {
	if m.audit == nil {
		return
	}
	event := audit.NewSecurityEvent(audit.EventAuthenticationSuccess, "token validated", audit.SeverityLow)
	event.UserID = mc.StringProperty(messaging.PropUserID)
	event.CorrelationID = mc.CorrelationID
	event.MessageType = msg.MessageType()
	m.audit.LogEvent(event)
}

func (m *Middleware) auditFailure(mc *messaging.MessageContext, msg messaging.Message, userID, detail string) {
	if m.audit == nil {
		return
	}
	event := audit.NewSecurityEvent(audit.EventAuthenticationFailure, detail, audit.SeverityHigh)
	event.UserID = userID
	event.CorrelationID = mc.CorrelationID
	event.MessageType = msg.MessageType()
	m.audit.LogEvent(event)
}

// unverifiedSubject extracts the sub claim without verifying the token, so
// failure audit events can still name the user.
func unverifiedSubject(tokenString string) string {
	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(tokenString, claims); err != nil {
		return ""
	}
	return claimString(claims, claimSubject)
}

func claimString(claims jwt.MapClaims, name string) string {
	if v, ok := claims[name]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func claimStrings(claims jwt.MapClaims, name string) []string {
	v, ok := claims[name]
	if !ok {
		return nil
	}
	switch value := v.(type) {
	case string:
		return []string{value}
	case []any:
		out := make([]string, 0, len(value))
		for _, item := range value {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return value
	default:
		return nil
	}
}
