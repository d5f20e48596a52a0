// Package usecase implements the crypto-layer operations exposed to the rest
// of the service: envelope encryption, key rotation, and JWT signing.
package usecase

import (
	"context"

	"github.com/golang-jwt/jwt/v5"

	"github.com/sessionkit/cryptolink/internal/crypto/domain"
	"github.com/sessionkit/cryptolink/internal/cryptorpc"
)

// RPCClient is the remote crypto-service surface the usecases call.
// *cryptorpc.Client satisfies it.
type RPCClient interface {
	Encrypt(ctx context.Context, req *cryptorpc.EncryptRequest) (*cryptorpc.EncryptResponse, error)
	Decrypt(ctx context.Context, req *cryptorpc.DecryptRequest) (*cryptorpc.DecryptResponse, error)
	Sign(ctx context.Context, req *cryptorpc.SignRequest) (*cryptorpc.SignResponse, error)
	Verify(ctx context.Context, req *cryptorpc.VerifyRequest) (*cryptorpc.VerifyResponse, error)
}

// KeyManager is the cached key metadata surface. *service.KeyManager
// satisfies it.
type KeyManager interface {
	GetActiveKey(ctx context.Context, namespace domain.Namespace, keyName string) (*domain.KeyMetadata, error)
	GetKeyMetadata(ctx context.Context, keyID domain.KeyID) (*domain.KeyMetadata, error)
	GetKeyVersions(ctx context.Context, namespace domain.Namespace, keyName string) ([]*domain.KeyMetadata, error)
	IsDeprecated(ctx context.Context, keyID domain.KeyID) (bool, error)
	Invalidate(keyID domain.KeyID)
	InvalidateNamespace(namespace domain.Namespace)
}

// Fallback is the degraded local operation surface. *service.FallbackProvider
// satisfies it.
type Fallback interface {
	Enabled() bool
	EncryptLocal(ctx context.Context, plaintext []byte) (*domain.EncryptedEnvelope, error)
	DecryptLocal(ctx context.Context, env *domain.EncryptedEnvelope) ([]byte, error)
	SigningKey() []byte
	SigningKeyID() domain.KeyID
	NoteFallback(ctx context.Context, operation string)
}

// CircuitBreaker guards remote calls. *resilience.CircuitBreaker satisfies it.
type CircuitBreaker interface {
	Call(ctx context.Context, fn func(context.Context) error) error
	CallWithFallback(
		ctx context.Context,
		fn func(context.Context) error,
		fallback func(context.Context, error) error,
	) error
}

// Toggle reports whether remote crypto is enabled. *featuretoggle.Toggle
// satisfies it.
type Toggle interface {
	Enabled() bool
}

// EnvelopeStore is the envelope encryption operation surface.
type EnvelopeStore interface {
	// Encrypt produces an envelope for plaintext bound to aad.
	Encrypt(ctx context.Context, plaintext, aad []byte) (*domain.EncryptedEnvelope, error)

	// Decrypt recovers the plaintext of an envelope. The aad must match the
	// bytes bound at encryption time.
	Decrypt(ctx context.Context, env *domain.EncryptedEnvelope, aad []byte) ([]byte, error)
}

// TokenSigner is the JWT operation surface.
type TokenSigner interface {
	// Sign produces a signed compact JWT for the claims.
	Sign(ctx context.Context, claims jwt.MapClaims) (string, error)

	// Verify checks a compact JWT's signature and registered claims and
	// returns its claims.
	Verify(ctx context.Context, tokenString string) (jwt.MapClaims, error)
}
