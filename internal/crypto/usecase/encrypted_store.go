package usecase

import (
	"context"
	"log/slog"

	"github.com/sessionkit/cryptolink/internal/correlation"
	"github.com/sessionkit/cryptolink/internal/crypto/domain"
	"github.com/sessionkit/cryptolink/internal/cryptorpc"
)

// encryptedStore implements EnvelopeStore for one key family.
//
// Encryption routes through the circuit breaker and degrades to the local
// fallback on transient failure. Decryption never degrades: real ciphertext
// is unreadable without the remote service, so a transient failure surfaces
// to the caller instead of producing wrong data.
type encryptedStore struct {
	client     RPCClient
	keyManager KeyManager
	fallback   Fallback
	breaker    CircuitBreaker
	toggle     Toggle
	namespace  domain.Namespace
	keyName    string
	logger     *slog.Logger
}

// NewEncryptedStore creates the envelope store for one namespace and key
// family.
func NewEncryptedStore(
	client RPCClient,
	keyManager KeyManager,
	fallback Fallback,
	breaker CircuitBreaker,
	toggle Toggle,
	namespace domain.Namespace,
	keyName string,
	logger *slog.Logger,
) EnvelopeStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &encryptedStore{
		client:     client,
		keyManager: keyManager,
		fallback:   fallback,
		breaker:    breaker,
		toggle:     toggle,
		namespace:  namespace,
		keyName:    keyName,
		logger:     logger,
	}
}

// Encrypt produces an envelope under the active key version. While the
// remote path is disabled or unreachable the plaintext is wrapped by the
// fallback provider instead.
func (s *encryptedStore) Encrypt(ctx context.Context, plaintext, aad []byte) (*domain.EncryptedEnvelope, error) {
	ctx, correlationID := correlation.EnsureID(ctx)

	if !s.toggle.Enabled() {
		return s.fallback.EncryptLocal(ctx, plaintext)
	}

	var env *domain.EncryptedEnvelope
	err := s.breaker.CallWithFallback(ctx,
		func(ctx context.Context) error {
			resp, err := s.client.Encrypt(ctx, &cryptorpc.EncryptRequest{
				KeyName:   s.keyName,
				Namespace: string(s.namespace),
				Plaintext: plaintext,
				AAD:       aad,
			})
			if err != nil {
				return err
			}

			keyID, err := domain.ParseKeyID(resp.KeyID)
			if err != nil {
				return domain.NewCryptoError(
					domain.CodeEncryptionFailed,
					"service returned unparseable key id",
					correlationID,
					err,
				)
			}
			env = domain.NewEnvelope(keyID, resp.IV, resp.Tag, resp.Ciphertext)
			return nil
		},
		func(ctx context.Context, cause error) error {
			s.logger.Warn("remote encryption unavailable, using fallback",
				"namespace", s.namespace,
				"error", cause.Error(),
				"correlation_id", correlationID,
			)
			fbEnv, fbErr := s.fallback.EncryptLocal(ctx, plaintext)
			if fbErr != nil {
				// Fallback disabled: the caller sees the remote failure.
				return cause
			}
			env = fbEnv
			return nil
		},
	)
	if err != nil {
		return nil, err
	}
	return env, nil
}

// Decrypt recovers an envelope's plaintext. Fallback envelopes unwrap
// locally; everything else requires the remote service. When the envelope's
// recorded key version fails with a decryption error, the other versions of
// the family are tried newest first before giving up.
func (s *encryptedStore) Decrypt(ctx context.Context, env *domain.EncryptedEnvelope, aad []byte) ([]byte, error) {
	ctx, correlationID := correlation.EnsureID(ctx)

	if env.IsFallback() {
		return s.fallback.DecryptLocal(ctx, env)
	}

	if !s.toggle.Enabled() {
		return nil, domain.NewCryptoError(
			domain.CodeServiceUnavailable,
			"remote crypto disabled, cannot decrypt envelope",
			correlationID,
			nil,
		)
	}

	plaintext, err := s.decryptWith(ctx, env.KeyID, env, aad)
	if err == nil {
		s.recommendReencryption(ctx, env.KeyID, correlationID)
		return plaintext, nil
	}
	if !domain.IsDecryptionFailure(err) {
		return nil, err
	}

	// The recorded version refused the ciphertext. A racing rotation can
	// mislabel envelopes, so try the family's other versions, newest first.
	versions, versionsErr := s.keyManager.GetKeyVersions(ctx, env.KeyID.Namespace, env.KeyID.ID)
	if versionsErr != nil {
		s.logger.Warn("version walk unavailable after decryption failure",
			"key_id", env.KeyID.String(),
			"error", versionsErr.Error(),
			"correlation_id", correlationID,
		)
		return nil, err
	}

	for _, meta := range versions {
		if meta.ID == env.KeyID {
			continue
		}
		plaintext, retryErr := s.decryptWith(ctx, meta.ID, env, aad)
		if retryErr == nil {
			s.logger.Warn("envelope decrypted under a different key version",
				"recorded_key_id", env.KeyID.String(),
				"actual_key_id", meta.ID.String(),
				"correlation_id", correlationID,
			)
			s.recommendReencryption(ctx, meta.ID, correlationID)
			return plaintext, nil
		}
		if !domain.IsDecryptionFailure(retryErr) {
			return nil, retryErr
		}
	}

	// Every version refused: surface the original failure.
	return nil, err
}

func (s *encryptedStore) decryptWith(
	ctx context.Context,
	keyID domain.KeyID,
	env *domain.EncryptedEnvelope,
	aad []byte,
) ([]byte, error) {
	var plaintext []byte
	err := s.breaker.Call(ctx, func(ctx context.Context) error {
		resp, err := s.client.Decrypt(ctx, &cryptorpc.DecryptRequest{
			KeyID:      keyID.String(),
			IV:         env.IV,
			Tag:        env.Tag,
			Ciphertext: env.Ciphertext,
			AAD:        aad,
		})
		if err != nil {
			return err
		}
		plaintext = resp.Plaintext
		return nil
	})
	if err != nil {
		return nil, err
	}
	return plaintext, nil
}

// recommendReencryption logs when data was read under a rotated-out key so
// operators can see re-encryption lag. Best effort: metadata failures here
// never affect the decrypt result.
func (s *encryptedStore) recommendReencryption(ctx context.Context, keyID domain.KeyID, correlationID string) {
	deprecated, err := s.keyManager.IsDeprecated(ctx, keyID)
	if err != nil || !deprecated {
		return
	}
	s.logger.Info("envelope uses deprecated key version, re-encryption recommended",
		"key_id", keyID.String(),
		"correlation_id", correlationID,
	)
}
