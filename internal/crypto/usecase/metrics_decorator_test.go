package usecase_test

import (
	"context"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sessionkit/cryptolink/internal/crypto/domain"
	"github.com/sessionkit/cryptolink/internal/crypto/usecase"
)

func TestEnvelopeStoreMetricsDecorator(t *testing.T) {
	f := newFixture(t)
	f.fake.AddSymmetricKey(domain.NamespaceSession, "session-key", "aes_256_gcm")

	recorder := newRecordingMetrics()
	store := usecase.NewEnvelopeStoreMetricsDecorator(newSessionStore(f), recorder)

	ctx := context.Background()

	t.Run("Success_EncryptDecryptCounted", func(t *testing.T) {
		env, err := store.Encrypt(ctx, []byte("data"), nil)
		require.NoError(t, err)
		_, err = store.Decrypt(ctx, env, nil)
		require.NoError(t, err)

		assert.Equal(t, 1, recorder.operationCount("encrypt/success"))
		assert.Equal(t, 1, recorder.operationCount("decrypt/success"))
	})

	t.Run("Fallback_EncryptCountedAsFallback", func(t *testing.T) {
		f.outage()
		_, err := store.Encrypt(ctx, []byte("data"), nil)
		require.NoError(t, err)
		f.recover(t)

		assert.Equal(t, 1, recorder.operationCount("encrypt/fallback"))
	})

	t.Run("Error_DecryptFailureCounted", func(t *testing.T) {
		env, err := store.Encrypt(ctx, []byte("data"), []byte("aad"))
		require.NoError(t, err)

		_, err = store.Decrypt(ctx, env, []byte("wrong"))
		require.Error(t, err)
		assert.Equal(t, 1, recorder.operationCount("decrypt/error"))
	})
}

func TestTokenSignerMetricsDecorator(t *testing.T) {
	f := newFixture(t)
	f.fake.AddSigningKey(domain.NamespaceJWT, "jwt-signing-key")

	recorder := newRecordingMetrics()
	signer := usecase.NewTokenSignerMetricsDecorator(newSigner(f), recorder)

	ctx := context.Background()

	token, err := signer.Sign(ctx, jwt.MapClaims{"sub": "user-42"})
	require.NoError(t, err)
	_, err = signer.Verify(ctx, token)
	require.NoError(t, err)
	_, err = signer.Verify(ctx, "garbage")
	require.Error(t, err)

	assert.Equal(t, 1, recorder.operationCount("sign_jwt/success"))
	assert.Equal(t, 1, recorder.operationCount("verify_jwt/success"))
	assert.Equal(t, 1, recorder.operationCount("verify_jwt/error"))
}
