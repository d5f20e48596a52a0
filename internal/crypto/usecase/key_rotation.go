package usecase

import (
	"context"
	"log/slog"

	"github.com/sessionkit/cryptolink/internal/correlation"
	"github.com/sessionkit/cryptolink/internal/crypto/domain"
)

// RotationManager migrates envelopes onto the active key version after a
// rotation. It never persists anything itself: callers own their storage and
// write the returned envelopes back.
type RotationManager struct {
	store      EnvelopeStore
	keyManager KeyManager
	logger     *slog.Logger
}

// NewRotationManager creates a rotation manager over one envelope store.
func NewRotationManager(store EnvelopeStore, keyManager KeyManager, logger *slog.Logger) *RotationManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &RotationManager{
		store:      store,
		keyManager: keyManager,
		logger:     logger,
	}
}

// NotifyRotation drops cached metadata for the namespace so the next
// operation resolves the new active version immediately instead of waiting
// out the cache TTL.
func (r *RotationManager) NotifyRotation(ctx context.Context, namespace domain.Namespace) {
	r.keyManager.InvalidateNamespace(namespace)
	r.logger.Info("key rotation notification received",
		"namespace", namespace,
		"correlation_id", correlation.IDFromContext(ctx),
	)
}

// Reencrypt decrypts an envelope and encrypts the plaintext under the
// current active key. The input envelope is left untouched; the caller
// persists the returned one.
func (r *RotationManager) Reencrypt(ctx context.Context, env *domain.EncryptedEnvelope, aad []byte) (*domain.EncryptedEnvelope, error) {
	ctx, _ = correlation.EnsureID(ctx)

	plaintext, err := r.store.Decrypt(ctx, env, aad)
	if err != nil {
		return nil, err
	}
	return r.store.Encrypt(ctx, plaintext, aad)
}

// NeedsReencryption reports whether an envelope should be migrated: it is
// fallback data, or its key version has been rotated out.
func (r *RotationManager) NeedsReencryption(ctx context.Context, env *domain.EncryptedEnvelope) (bool, error) {
	if env.IsFallback() {
		return true, nil
	}
	return r.keyManager.IsDeprecated(ctx, env.KeyID)
}

// DecryptAndMaybeReencrypt decrypts an envelope and opportunistically
// migrates it onto the active key when it needs re-encryption. The second
// return value is the replacement envelope to persist, or nil when the
// existing one is still current or migration was not possible right now.
//
// Migration is best effort: a failed re-encrypt (service still down, key
// unavailable) logs and returns the plaintext with a nil envelope, so reads
// keep working through an outage.
func (r *RotationManager) DecryptAndMaybeReencrypt(
	ctx context.Context,
	env *domain.EncryptedEnvelope,
	aad []byte,
) ([]byte, *domain.EncryptedEnvelope, error) {
	ctx, correlationID := correlation.EnsureID(ctx)

	plaintext, err := r.store.Decrypt(ctx, env, aad)
	if err != nil {
		return nil, nil, err
	}

	needs, err := r.NeedsReencryption(ctx, env)
	if err != nil || !needs {
		return plaintext, nil, nil
	}

	reencrypted, err := r.store.Encrypt(ctx, plaintext, aad)
	if err != nil {
		r.logger.Warn("opportunistic re-encryption failed, keeping old envelope",
			"key_id", env.KeyID.String(),
			"error", err.Error(),
			"correlation_id", correlationID,
		)
		return plaintext, nil, nil
	}

	// A fallback result is no improvement over what we already have.
	if reencrypted.Fallback {
		return plaintext, nil, nil
	}

	r.logger.Info("envelope re-encrypted under active key",
		"old_key_id", env.KeyID.String(),
		"new_key_id", reencrypted.KeyID.String(),
		"correlation_id", correlationID,
	)
	return plaintext, reencrypted, nil
}
