// Package authn implements JWT bearer-token authentication middleware for
// the dispatch pipeline.
package authn

import (
	"context"
	"time"
)

// CredentialStore retrieves named secrets, e.g. from a vault. GetCredential
// returns (nil, nil) when the credential does not exist.
type CredentialStore interface {
	GetCredential(ctx context.Context, name string) ([]byte, error)
}

// Config configures the authentication middleware.
type Config struct {
	// Enabled toggles the middleware; when false every message passes
	// through untouched.
	Enabled bool `json:"enabled" yaml:"enabled"`
	// RequireAuthentication rejects messages without a token. When false,
	// tokenless messages pass through without a principal.
	RequireAuthentication bool `json:"require_authentication" yaml:"require_authentication"`
	// TokenContextKey is the context item holding a raw token.
	TokenContextKey string `json:"token_context_key" yaml:"token_context_key"`
	// TokenHeaderName is the message header consulted when no context item
	// is present. A "Bearer " prefix is stripped.
	TokenHeaderName string `json:"token_header_name" yaml:"token_header_name"`

	Issuer   string `json:"issuer" yaml:"issuer"`
	Audience string `json:"audience" yaml:"audience"`

	ValidateIssuer      bool `json:"validate_issuer" yaml:"validate_issuer"`
	ValidateAudience    bool `json:"validate_audience" yaml:"validate_audience"`
	ValidateLifetime    bool `json:"validate_lifetime" yaml:"validate_lifetime"`
	ValidateSignature   bool `json:"validate_signature" yaml:"validate_signature"`
	RequireSignedTokens bool `json:"require_signed_tokens" yaml:"require_signed_tokens"`

	// ClockSkew is the leeway applied to lifetime validation.
	ClockSkew time.Duration `json:"clock_skew" yaml:"clock_skew"`

	// SigningKey is the static HMAC validation key.
	SigningKey []byte `json:"-" yaml:"-"`
	// RSAPublicKeyPEM is the PEM-encoded public key for RS* tokens.
	RSAPublicKeyPEM []byte `json:"-" yaml:"-"`

	// UseAsyncKeyRetrieval fetches the HMAC key from the CredentialStore
	// at validation time instead of using SigningKey.
	UseAsyncKeyRetrieval bool `json:"use_async_key_retrieval" yaml:"use_async_key_retrieval"`
	// SigningKeyCredentialName names the credential holding the key.
	SigningKeyCredentialName string `json:"signing_key_credential_name" yaml:"signing_key_credential_name"`
	// KeyCacheTTL bounds how long a fetched key is reused.
	KeyCacheTTL time.Duration `json:"key_cache_ttl" yaml:"key_cache_ttl"`

	// AnonymousMessageTypes skip validation entirely.
	AnonymousMessageTypes []string `json:"anonymous_message_types" yaml:"anonymous_message_types"`
}

// DefaultConfig returns the default authentication configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:               true,
		RequireAuthentication: true,
		TokenContextKey:       "AuthToken",
		TokenHeaderName:       "Authorization",
		ValidateIssuer:        true,
		ValidateAudience:      true,
		ValidateLifetime:      true,
		ValidateSignature:     true,
		RequireSignedTokens:   true,
		ClockSkew:             300 * time.Second,
		KeyCacheTTL:           5 * time.Minute,
	}
}
