package usecase

import (
	"context"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/sessionkit/cryptolink/internal/crypto/domain"
	"github.com/sessionkit/cryptolink/internal/metrics"
)

const (
	statusSuccess  = "success"
	statusError    = "error"
	statusFallback = "fallback"
)

// envelopeStoreMetricsDecorator wraps an EnvelopeStore with operation metrics.
type envelopeStoreMetricsDecorator struct {
	inner   EnvelopeStore
	metrics metrics.CryptoMetrics
}

// NewEnvelopeStoreMetricsDecorator wraps store with operation count and
// duration metrics.
func NewEnvelopeStoreMetricsDecorator(store EnvelopeStore, m metrics.CryptoMetrics) EnvelopeStore {
	return &envelopeStoreMetricsDecorator{inner: store, metrics: m}
}

func (d *envelopeStoreMetricsDecorator) Encrypt(ctx context.Context, plaintext, aad []byte) (*domain.EncryptedEnvelope, error) {
	start := time.Now()
	env, err := d.inner.Encrypt(ctx, plaintext, aad)

	status := statusSuccess
	switch {
	case err != nil:
		status = statusError
	case env.Fallback:
		status = statusFallback
	}
	d.metrics.RecordOperation(ctx, "encrypt", status)
	d.metrics.RecordDuration(ctx, "encrypt", time.Since(start), status)
	return env, err
}

func (d *envelopeStoreMetricsDecorator) Decrypt(ctx context.Context, env *domain.EncryptedEnvelope, aad []byte) ([]byte, error) {
	start := time.Now()
	plaintext, err := d.inner.Decrypt(ctx, env, aad)

	status := statusSuccess
	switch {
	case err != nil:
		status = statusError
	case env.IsFallback():
		status = statusFallback
	}
	d.metrics.RecordOperation(ctx, "decrypt", status)
	d.metrics.RecordDuration(ctx, "decrypt", time.Since(start), status)
	return plaintext, err
}

// tokenSignerMetricsDecorator wraps a TokenSigner with operation metrics.
type tokenSignerMetricsDecorator struct {
	inner   TokenSigner
	metrics metrics.CryptoMetrics
}

// NewTokenSignerMetricsDecorator wraps signer with operation count and
// duration metrics.
func NewTokenSignerMetricsDecorator(signer TokenSigner, m metrics.CryptoMetrics) TokenSigner {
	return &tokenSignerMetricsDecorator{inner: signer, metrics: m}
}

func (d *tokenSignerMetricsDecorator) Sign(ctx context.Context, claims jwt.MapClaims) (string, error) {
	start := time.Now()
	token, err := d.inner.Sign(ctx, claims)

	status := statusSuccess
	if err != nil {
		status = statusError
	}
	d.metrics.RecordOperation(ctx, "sign_jwt", status)
	d.metrics.RecordDuration(ctx, "sign_jwt", time.Since(start), status)
	return token, err
}

func (d *tokenSignerMetricsDecorator) Verify(ctx context.Context, tokenString string) (jwt.MapClaims, error) {
	start := time.Now()
	claims, err := d.inner.Verify(ctx, tokenString)

	status := statusSuccess
	if err != nil {
		status = statusError
	}
	d.metrics.RecordOperation(ctx, "verify_jwt", status)
	d.metrics.RecordDuration(ctx, "verify_jwt", time.Since(start), status)
	return claims, err
}
