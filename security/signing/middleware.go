package signing

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"dev.helix.dispatch/messaging"
	"dev.helix.dispatch/security/audit"
)

// Middleware signs outgoing messages and verifies incoming ones. The
// direction comes from the MessageDirection context item; a message without
// one is treated as incoming.
type Middleware struct {
	signer *Signer
	audit  *audit.Logger
	logger *zap.Logger
}

// NewMiddleware creates the signing middleware. The audit logger may be nil.
func NewMiddleware(signer *Signer, auditLogger *audit.Logger, logger *zap.Logger) *Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Middleware{signer: signer, audit: auditLogger, logger: logger}
}

// Stage implements messaging.Middleware.
func (m *Middleware) Stage() messaging.Stage { return messaging.StageCustom }

// ApplicableKinds implements messaging.Middleware.
func (m *Middleware) ApplicableKinds() messaging.Kind { return messaging.KindAll }

// Invoke implements messaging.Middleware.
func (m *Middleware) Invoke(ctx context.Context, msg messaging.Message, mc *messaging.MessageContext, next messaging.Next) messaging.Result {
	if !m.signer.config.Enabled {
		return next(ctx, msg, mc)
	}

	if mc.StringItem(messaging.ItemMessageDirection) == messaging.DirectionOutgoing {
		return m.signOutgoing(ctx, msg, mc, next)
	}
	return m.verifyIncoming(ctx, msg, mc, next)
}

// signOutgoing runs the rest of the pipeline first and signs the body only
// when the message succeeded.
func (m *Middleware) signOutgoing(ctx context.Context, msg messaging.Message, mc *messaging.MessageContext, next messaging.Next) messaging.Result {
	result := next(ctx, msg, mc)
	if !result.Succeeded() {
		return result
	}

	signed, err := m.signer.Sign(ctx, msg.Body(), mc.TenantID)
	if err != nil {
		m.auditFailure(mc, msg, "signing failed: "+err.Error())
		m.logger.Error("message signing failed",
			zap.String("message_id", msg.MessageID()),
			zap.Error(err))
		return messaging.FailProblem(messaging.ProblemDetails{
			Code:   "signing_failed",
			Title:  "Message signing failed",
			Detail: err.Error(),
		})
	}

	mc.SetProperty(messaging.PropMessageSignature, signed)
	mc.SetProperty(messaging.PropSignatureAlgorithm, string(signed.Algorithm))
	mc.SetProperty(messaging.PropSignedAt, signed.SignedAt)
	return result
}

// verifyIncoming checks the signature carried in the MessageSignature context
// item before the message reaches the handler.
func (m *Middleware) verifyIncoming(ctx context.Context, msg messaging.Message, mc *messaging.MessageContext, next messaging.Next) messaging.Result {
	raw := mc.StringItem(messaging.ItemMessageSignature)
	if raw == "" {
		if sig, ok := msg.(messaging.HasSignature); ok {
			raw = sig.Signature()
		}
	}
	if raw == "" {
		if m.signer.config.RequireValidSignature {
			m.auditFailure(mc, msg, "missing signature")
			return messaging.Fail("signature_missing", "message signature is required")
		}
		return next(ctx, msg, mc)
	}

	var signed SignedMessage
	if err := json.Unmarshal([]byte(raw), &signed); err != nil {
		m.auditFailure(mc, msg, "malformed signature envelope")
		return messaging.FailProblem(messaging.ProblemDetails{
			Code:   "signature_invalid",
			Title:  "Message signature is malformed",
			Detail: err.Error(),
		})
	}

	if err := m.signer.Verify(ctx, &signed); err != nil {
		m.auditFailure(mc, msg, err.Error())
		m.logger.Debug("signature verification failed",
			zap.String("message_id", msg.MessageID()),
			zap.Error(err))
		return messaging.FailProblem(messaging.ProblemDetails{
			Code:   "signature_invalid",
			Title:  "Message signature verification failed",
			Detail: err.Error(),
		})
	}
	return next(ctx, msg, mc)
}

func (m *Middleware) auditFailure(mc *messaging.MessageContext, msg messaging.Message, detail string) {
	if m.audit == nil {
		return
	}
	event := audit.NewSecurityEvent(audit.EventSignatureFailure, detail, audit.SeverityHigh)
	event.CorrelationID = mc.CorrelationID
	event.MessageType = msg.MessageType()
	m.audit.LogEvent(event)
}
