package domain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKeyID() KeyID {
	return KeyID{Namespace: NamespaceSession, ID: "session-key", Version: 2}
}

func testEnvelope() *EncryptedEnvelope {
	iv := make([]byte, GCMNonceSize)
	tag := make([]byte, GCMTagSize)
	for i := range iv {
		iv[i] = byte(i + 1)
	}
	for i := range tag {
		tag[i] = byte(i + 1)
	}
	return NewEnvelope(testKeyID(), iv, tag, []byte("ciphertext-bytes"))
}

func TestEnvelopeRoundTrip(t *testing.T) {
	env := testEnvelope()
	require.NoError(t, env.Validate())
	assert.Equal(t, EnvelopeFormatVersion, env.FormatVersion)
	assert.NotZero(t, env.EncryptedAt)
	assert.False(t, env.IsFallback())

	data, err := env.Marshal()
	require.NoError(t, err)

	parsed, err := ParseEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, env, parsed)
}

func TestParseEnvelopeRejects(t *testing.T) {
	valid := func() *EncryptedEnvelope { return testEnvelope() }

	tests := []struct {
		name   string
		mutate func(env *EncryptedEnvelope)
	}{
		{"unknown format version", func(env *EncryptedEnvelope) { env.FormatVersion = 2 }},
		{"zero format version", func(env *EncryptedEnvelope) { env.FormatVersion = 0 }},
		{"short iv", func(env *EncryptedEnvelope) { env.IV = env.IV[:GCMNonceSize-1] }},
		{"short tag", func(env *EncryptedEnvelope) { env.Tag = env.Tag[:GCMTagSize-1] }},
		{"missing iv", func(env *EncryptedEnvelope) { env.IV = nil }},
		{"missing tag", func(env *EncryptedEnvelope) { env.Tag = nil }},
		{"empty key namespace", func(env *EncryptedEnvelope) { env.KeyID.Namespace = "" }},
		{"empty key id", func(env *EncryptedEnvelope) { env.KeyID.ID = "" }},
		{"fallback flag without fallback namespace", func(env *EncryptedEnvelope) { env.Fallback = true }},
		{"fallback namespace without flag", func(env *EncryptedEnvelope) {
			env.KeyID.Namespace = NamespaceLocalFallback
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := valid()
			tt.mutate(env)
			require.Error(t, env.Validate())

			// Marshal refuses to emit an invalid envelope.
			_, err := env.Marshal()
			require.Error(t, err)
		})
	}

	t.Run("malformed json", func(t *testing.T) {
		_, err := ParseEnvelope([]byte("{not-json"))
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrInvalidEnvelopeFormat))
	})

	t.Run("unsupported version sentinel", func(t *testing.T) {
		data, err := valid().Marshal()
		require.NoError(t, err)

		tampered := append([]byte(`{"v":99,`), data[len(`{"v":1,`):]...)
		_, err = ParseEnvelope(tampered)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrUnsupportedEnvelopeVersion))
	})
}

func TestFallbackEnvelope(t *testing.T) {
	plaintext := []byte("session-plaintext")
	env := NewFallbackEnvelope(plaintext, 1)

	require.NoError(t, env.Validate())
	assert.True(t, env.IsFallback())
	assert.True(t, env.Fallback)
	assert.Equal(t, NamespaceLocalFallback, env.KeyID.Namespace)
	assert.Equal(t, plaintext, env.Ciphertext)
	assert.Equal(t, make([]byte, GCMNonceSize), env.IV)
	assert.Equal(t, make([]byte, GCMTagSize), env.Tag)

	// The sentinel requires all three conditions, a nonzero IV breaks it.
	env.IV[0] = 1
	assert.False(t, env.IsFallback())
}

func TestKeyMetadataIsDeprecated(t *testing.T) {
	meta := &KeyMetadata{ID: testKeyID(), State: KeyStateActive}
	assert.False(t, meta.IsDeprecated())

	meta.State = KeyStateDeprecated
	assert.True(t, meta.IsDeprecated())

	meta.State = KeyStatePendingDestruction
	assert.True(t, meta.IsDeprecated())
}
