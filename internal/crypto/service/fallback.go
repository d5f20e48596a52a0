package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"time"

	"gocloud.dev/secrets"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/time/rate"

	_ "gocloud.dev/secrets/awskms"
	_ "gocloud.dev/secrets/azurekeyvault"
	_ "gocloud.dev/secrets/gcpkms"
	_ "gocloud.dev/secrets/hashivault"
	_ "gocloud.dev/secrets/localsecrets"

	"github.com/sessionkit/cryptolink/internal/correlation"
	"github.com/sessionkit/cryptolink/internal/crypto/domain"
	"github.com/sessionkit/cryptolink/internal/metrics"
)

const fallbackKeyVersion = 1

// FallbackConfig holds the fallback provider's settings.
type FallbackConfig struct {
	// Enabled permits degraded local operation. When false every fallback
	// call fails with CodeServiceUnavailable.
	Enabled bool

	// KeeperURI is the gocloud secrets keeper protecting the seed at rest
	// (e.g. "base64key://...", "hashivault://...").
	KeeperURI string

	// SeedCiphertext is the keeper-encrypted seed, base64 encoded. When
	// empty an ephemeral random seed is generated; fallback tokens then do
	// not survive a restart.
	SeedCiphertext string
}

// FallbackProvider implements degraded local operation for when the remote
// crypto-service is unreachable.
//
// Fallback "encryption" does not encrypt: it wraps the plaintext in an
// envelope whose key ID, flag, and zeroed IV/tag mark it as passthrough
// data. Fallback JWT signing uses an HMAC key derived from a locally held
// seed, so fallback tokens verify only within this service.
//
// Every fallback use logs a warning, throttled so a sustained outage does
// not flood the log.
type FallbackProvider struct {
	enabled    bool
	signingKey []byte
	logger     *slog.Logger
	metrics    metrics.CryptoMetrics
	warnLimit  *rate.Limiter
}

// NewFallbackProvider loads the fallback seed through the configured keeper
// and derives the local signing key from it.
func NewFallbackProvider(
	ctx context.Context,
	cfg FallbackConfig,
	logger *slog.Logger,
	cryptoMetrics metrics.CryptoMetrics,
) (*FallbackProvider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cryptoMetrics == nil {
		cryptoMetrics = metrics.NewNoOpCryptoMetrics()
	}

	seed, err := loadSeed(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	signingKey, err := deriveKey(seed, "jwt-fallback-signing", 32)
	if err != nil {
		return nil, err
	}

	return &FallbackProvider{
		enabled:    cfg.Enabled,
		signingKey: signingKey,
		logger:     logger,
		metrics:    cryptoMetrics,
		warnLimit:  rate.NewLimiter(rate.Every(30*time.Second), 1),
	}, nil
}

// Enabled reports whether degraded local operation is permitted.
func (f *FallbackProvider) Enabled() bool {
	return f.enabled
}

// SigningKey returns the HS256 key for fallback JWT signing.
func (f *FallbackProvider) SigningKey() []byte {
	return f.signingKey
}

// SigningKeyID identifies fallback-signed tokens in the JWS "kid" header.
func (f *FallbackProvider) SigningKeyID() domain.KeyID {
	return domain.KeyID{
		Namespace: domain.NamespaceLocalFallback,
		ID:        "hmac",
		Version:   fallbackKeyVersion,
	}
}

// EncryptLocal wraps plaintext in a fallback-marked envelope. Returns
// CodeServiceUnavailable when fallback is disabled, so the caller's error is
// the same one the remote path produced.
func (f *FallbackProvider) EncryptLocal(ctx context.Context, plaintext []byte) (*domain.EncryptedEnvelope, error) {
	if !f.enabled {
		return nil, domain.NewCryptoError(
			domain.CodeServiceUnavailable,
			"crypto-service unreachable and fallback disabled",
			"",
			nil,
		)
	}

	f.warnDegraded(ctx, "encrypt")
	f.metrics.RecordFallback(ctx, "encrypt")
	return domain.NewFallbackEnvelope(plaintext, fallbackKeyVersion), nil
}

// DecryptLocal unwraps a fallback envelope. It refuses anything that does
// not carry the full fallback sentinel, so real ciphertext can never leak
// through the passthrough path.
func (f *FallbackProvider) DecryptLocal(ctx context.Context, env *domain.EncryptedEnvelope) ([]byte, error) {
	if !env.IsFallback() {
		return nil, domain.NewCryptoError(
			domain.CodeDecryptionFailed,
			"envelope is not fallback data",
			"",
			nil,
		)
	}

	f.warnDegraded(ctx, "decrypt")
	f.metrics.RecordFallback(ctx, "decrypt")
	return env.Ciphertext, nil
}

// NoteFallback records a fallback use for operations whose mechanics live
// elsewhere (JWT signing and verification).
func (f *FallbackProvider) NoteFallback(ctx context.Context, operation string) {
	f.warnDegraded(ctx, operation)
	f.metrics.RecordFallback(ctx, operation)
}

func (f *FallbackProvider) warnDegraded(ctx context.Context, operation string) {
	if f.warnLimit.Allow() {
		_, correlationID := correlation.EnsureID(ctx)
		f.logger.Warn("operating in degraded fallback mode",
			"operation", operation,
			"correlation_id", correlationID,
		)
	}
}

func loadSeed(ctx context.Context, cfg FallbackConfig, logger *slog.Logger) ([]byte, error) {
	if cfg.SeedCiphertext == "" {
		logger.Warn("no fallback seed configured, generating ephemeral seed; " +
			"fallback tokens will not survive a restart")
		seed := make([]byte, 32)
		if _, err := rand.Read(seed); err != nil {
			return nil, fmt.Errorf("failed to generate fallback seed: %w", err)
		}
		return seed, nil
	}

	ciphertext, err := base64.StdEncoding.DecodeString(cfg.SeedCiphertext)
	if err != nil {
		return nil, fmt.Errorf("failed to decode fallback seed ciphertext: %w", err)
	}

	keeper, err := secrets.OpenKeeper(ctx, cfg.KeeperURI)
	if err != nil {
		return nil, fmt.Errorf("failed to open fallback keeper: %w", err)
	}
	defer keeper.Close()

	seed, err := keeper.Decrypt(ctx, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt fallback seed: %w", err)
	}
	return seed, nil
}

// deriveKey expands the seed into a purpose-bound subkey so the stored seed
// is never used directly.
func deriveKey(seed []byte, purpose string, size int) ([]byte, error) {
	key := make([]byte, size)
	if _, err := io.ReadFull(hkdf.New(sha256.New, seed, nil, []byte(purpose)), key); err != nil {
		return nil, fmt.Errorf("failed to derive %s key: %w", purpose, err)
	}
	return key, nil
}
