// Package signing implements HMAC message signing and verification over a
// canonical JSON rendering of the message content.
package signing

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"sync"
	"time"

	"github.com/gowebpki/jcs"
	"go.uber.org/zap"

	"dev.helix.dispatch/messaging"
)

// Algorithm selects the HMAC hash.
type Algorithm string

const (
	AlgorithmHMACSHA256 Algorithm = "HMAC-SHA256"
	AlgorithmHMACSHA512 Algorithm = "HMAC-SHA512"
)

// Format selects the signature text encoding.
type Format string

const (
	FormatBase64 Format = "base64"
	FormatHex    Format = "hex"
)

// KeyProvider resolves signing keys by identifier.
type KeyProvider interface {
	GetKey(ctx context.Context, keyID string) ([]byte, error)
}

// StaticKeyProvider serves keys from a fixed map.
type StaticKeyProvider map[string][]byte

// GetKey implements KeyProvider.
func (p StaticKeyProvider) GetKey(_ context.Context, keyID string) ([]byte, error) {
	key, ok := p[keyID]
	if !ok {
		return nil, messaging.KeyError("signing key not found: "+keyID, nil)
	}
	return key, nil
}

// SignedMessage is the signature envelope attached to a message.
type SignedMessage struct {
	Content   json.RawMessage   `json:"content"`
	Signature string            `json:"signature"`
	Algorithm Algorithm         `json:"algorithm"`
	KeyID     string            `json:"key_id"`
	SignedAt  time.Time         `json:"signed_at"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Config configures the signer.
type Config struct {
	Enabled   bool      `json:"enabled" yaml:"enabled"`
	Algorithm Algorithm `json:"algorithm" yaml:"algorithm"`
	Format    Format    `json:"format" yaml:"format"`
	// KeyID names the key used for new signatures.
	KeyID string `json:"key_id" yaml:"key_id"`
	// MaxSignatureAge rejects signatures older than this; 0 disables the
	// staleness check.
	MaxSignatureAge time.Duration `json:"max_signature_age" yaml:"max_signature_age"`
	// RequireValidSignature rejects incoming messages without a signature.
	// When false, unsigned messages pass through unverified.
	RequireValidSignature bool `json:"require_valid_signature" yaml:"require_valid_signature"`
	// TenantAlgorithms overrides the algorithm per tenant.
	TenantAlgorithms map[string]Algorithm `json:"tenant_algorithms" yaml:"tenant_algorithms"`
	// TenantKeys overrides the signing key per tenant; unlisted tenants use
	// KeyID.
	TenantKeys map[string]string `json:"tenant_keys" yaml:"tenant_keys"`
	// KeyCacheTTL bounds how long a resolved key is reused.
	KeyCacheTTL time.Duration `json:"key_cache_ttl" yaml:"key_cache_ttl"`
}

// DefaultConfig returns the default signing configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:               true,
		Algorithm:             AlgorithmHMACSHA256,
		Format:                FormatBase64,
		KeyID:                 "default",
		MaxSignatureAge:       10 * time.Minute,
		RequireValidSignature: true,
		KeyCacheTTL:           5 * time.Minute,
	}
}

// Signer produces and verifies HMAC signatures over canonical JSON. Resolved
// keys are cached with a TTL; Close zeroes the cached key material.
type Signer struct {
	config Config
	keys   KeyProvider
	logger *zap.Logger

	mu    sync.Mutex
	cache map[string]cachedKey
}

type cachedKey struct {
	key       []byte
	fetchedAt time.Time
}

// NewSigner creates a signer backed by the given key provider.
func NewSigner(config Config, keys KeyProvider, logger *zap.Logger) *Signer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Signer{
		config: config,
		keys:   keys,
		logger: logger,
		cache:  make(map[string]cachedKey),
	}
}

// Sign signs arbitrary content for a tenant, honoring any per-tenant
// algorithm override.
func (s *Signer) Sign(ctx context.Context, content any, tenantID string) (*SignedMessage, error) {
	canonical, err := canonicalize(content)
	if err != nil {
		return nil, err
	}
	algorithm := s.algorithmFor(tenantID)
	keyID := s.keyIDFor(tenantID)
	key, err := s.resolveKey(ctx, keyID, false)
	if err != nil {
		return nil, err
	}
	signature, err := s.compute(canonical, key, algorithm)
	if err != nil {
		return nil, err
	}
	return &SignedMessage{
		Content:   canonical,
		Signature: signature,
		Algorithm: algorithm,
		KeyID:     keyID,
		SignedAt:  time.Now().UTC(),
	}, nil
}

// Verify checks a signed message. A mismatch with a cached key is retried
// once with a freshly resolved key so a rotated key does not strand
// verification until the cache expires.
func (s *Signer) Verify(ctx context.Context, signed *SignedMessage) error {
	if signed == nil {
		return messaging.NewDispatchError(messaging.ErrCodeInvalidConfig, "nil signed message", nil)
	}
	if s.config.MaxSignatureAge > 0 && time.Since(signed.SignedAt) > s.config.MaxSignatureAge {
		return messaging.NewDispatchError(messaging.ErrCodeUnknown, "signature is stale", nil).
			WithDetail("signed_at", signed.SignedAt.Format(time.RFC3339))
	}

	canonical, err := jcs.Transform(signed.Content)
	if err != nil {
		return messaging.SerializationError(err)
	}

	key, err := s.resolveKey(ctx, signed.KeyID, false)
	if err != nil {
		return err
	}
	if s.matches(canonical, key, signed) {
		return nil
	}

	key, err = s.resolveKey(ctx, signed.KeyID, true)
	if err != nil {
		return err
	}
	if s.matches(canonical, key, signed) {
		return nil
	}
	return messaging.NewDispatchError(messaging.ErrCodeUnknown, "signature mismatch", nil)
}

// Close zeroes and discards all cached key material.
func (s *Signer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, entry := range s.cache {
		for i := range entry.key {
			entry.key[i] = 0
		}
		delete(s.cache, id)
	}
	return nil
}

func (s *Signer) algorithmFor(tenantID string) Algorithm {
	if alg, ok := s.config.TenantAlgorithms[tenantID]; ok {
		return alg
	}
	return s.config.Algorithm
}

func (s *Signer) keyIDFor(tenantID string) string {
	if keyID, ok := s.config.TenantKeys[tenantID]; ok {
		return keyID
	}
	return s.config.KeyID
}

func (s *Signer) matches(canonical, key []byte, signed *SignedMessage) bool {
	expected, err := s.compute(canonical, key, signed.Algorithm)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(expected), []byte(signed.Signature))
}

// resolveKey fetches a key through the TTL cache. bypassCache forces a fresh
// fetch, used for the post-rotation retry.
func (s *Signer) resolveKey(ctx context.Context, keyID string, bypassCache bool) ([]byte, error) {
	if s.keys == nil {
		return nil, messaging.KeyError("no key provider configured", nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if !bypassCache {
		if entry, ok := s.cache[keyID]; ok && time.Since(entry.fetchedAt) < s.config.KeyCacheTTL {
			return entry.key, nil
		}
	}
	key, err := s.keys.GetKey(ctx, keyID)
	if err != nil {
		return nil, err
	}
	// Cache a copy so Close can zero it without touching the provider's
	// own key material.
	owned := append([]byte(nil), key...)
	s.cache[keyID] = cachedKey{key: owned, fetchedAt: time.Now()}
	return owned, nil
}

func (s *Signer) compute(canonical, key []byte, algorithm Algorithm) (string, error) {
	var newHash func() hash.Hash
	switch algorithm {
	case AlgorithmHMACSHA256:
		newHash = sha256.New
	case AlgorithmHMACSHA512:
		newHash = sha512.New
	default:
		return "", messaging.ConfigError(fmt.Sprintf("unsupported signing algorithm %q", algorithm))
	}
	mac := hmac.New(newHash, key)
	mac.Write(canonical)
	digest := mac.Sum(nil)

	switch s.config.Format {
	case FormatHex:
		return hex.EncodeToString(digest), nil
	default:
		return base64.StdEncoding.EncodeToString(digest), nil
	}
}

// canonicalize renders content as RFC 8785 canonical JSON so signatures are
// stable across field ordering.
func canonicalize(content any) ([]byte, error) {
	raw, err := json.Marshal(content)
	if err != nil {
		return nil, messaging.SerializationError(err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, messaging.SerializationError(err)
	}
	return canonical, nil
}
