// Package integration provides end-to-end tests for the crypto integration
// layer: envelope encryption, JWT signing, outage fallback, recovery, and key
// rotation against an in-memory crypto-service.
package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/sessionkit/cryptolink/internal/app"
	"github.com/sessionkit/cryptolink/internal/config"
	"github.com/sessionkit/cryptolink/internal/crypto/domain"
	cryptoUsecase "github.com/sessionkit/cryptolink/internal/crypto/usecase"
	"github.com/sessionkit/cryptolink/internal/health"
	"github.com/sessionkit/cryptolink/internal/testutil"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testContext holds all dependencies and state for integration testing.
type testContext struct {
	container *app.Container
	fake      *testutil.FakeCryptoService
	server    *httptest.Server

	sessionStore cryptoUsecase.EnvelopeStore
	refreshStore cryptoUsecase.EnvelopeStore
	signer       cryptoUsecase.TokenSigner
	rotation     *cryptoUsecase.RotationManager
}

func integrationConfig() *config.Config {
	return &config.Config{
		ServerHost:              "localhost",
		ServerPort:              8080,
		LogLevel:                "error",
		CryptoServiceEndpoint:   "localhost:50051",
		CryptoTimeout:           time.Second,
		CryptoEnabled:           true,
		FallbackEnabled:         true,
		RequiredForReadiness:    false,
		LatencyWarning:          time.Second,
		CacheTTL:                time.Minute,
		CircuitBreakerThreshold: 3,
		CircuitBreakerTimeout:   time.Minute,
		JWTKeyName:              "jwt-signing-key",
		SessionKeyName:          "session-key",
		RefreshTokenKeyName:     "refresh-token-key",
		JWTAlgorithm:            domain.SigningECDSAP256,
		JWTExpiration:           time.Hour,
		FallbackKeyURI:          "base64key://smGbjm71Nxd1Ig5FS0wj9SlbzAIrnolCz9bQQ6uAhl4=",
		MetricsEnabled:          true,
		MetricsNamespace:        "cryptolink",
		MetricsPort:             8081,
	}
}

// setupTestContext builds the full application graph against the in-memory
// crypto-service and starts the health server.
func setupTestContext(t *testing.T) *testContext {
	t.Helper()

	fake := testutil.NewFakeCryptoService()
	fake.AddSigningKey(domain.NamespaceJWT, "jwt-signing-key")
	fake.AddSymmetricKey(domain.NamespaceSession, "session-key", testutil.AlgAESGCM)
	fake.AddSymmetricKey(domain.NamespaceRefreshToken, "refresh-token-key", testutil.AlgChaCha20)

	container := app.NewContainer(integrationConfig())
	container.SetInvoker(fake)

	client, err := container.Client()
	require.NoError(t, err)
	require.NoError(t, client.Connect(context.Background()))

	keyManager, err := container.KeyManager()
	require.NoError(t, err)
	keyManager.Start()

	sessionStore, err := container.SessionStore()
	require.NoError(t, err)
	refreshStore, err := container.RefreshTokenStore()
	require.NoError(t, err)
	signer, err := container.JWTSigner()
	require.NoError(t, err)
	rotation, err := container.RotationManager()
	require.NoError(t, err)

	httpServer, err := container.HTTPServer()
	require.NoError(t, err)
	server := httptest.NewServer(httpServer.GetHandler())

	t.Cleanup(func() {
		server.Close()
		require.NoError(t, container.Shutdown(context.Background()))
	})

	return &testContext{
		container:    container,
		fake:         fake,
		server:       server,
		sessionStore: sessionStore,
		refreshStore: refreshStore,
		signer:       signer,
		rotation:     rotation,
	}
}

// outage makes the remote service unreachable and trips the circuit breaker.
func (tc *testContext) outage(t *testing.T) {
	t.Helper()
	tc.fake.SetUnavailable(true)
	breaker, err := tc.container.CircuitBreaker()
	require.NoError(t, err)
	breaker.Melt()
}

// recover restores the remote service, reconnects, and closes the breaker.
func (tc *testContext) recover(t *testing.T) {
	t.Helper()
	tc.fake.SetUnavailable(false)
	client, err := tc.container.Client()
	require.NoError(t, err)
	_, err = client.Ping(context.Background())
	require.NoError(t, err)
	breaker, err := tc.container.CircuitBreaker()
	require.NoError(t, err)
	breaker.Reset()
}

func (tc *testContext) healthReport(t *testing.T) (int, health.Report) {
	t.Helper()
	resp, err := http.Get(tc.server.URL + "/health")
	require.NoError(t, err)
	defer func() { require.NoError(t, resp.Body.Close()) }()

	var report health.Report
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	return resp.StatusCode, report
}

func TestCryptoFlow(t *testing.T) {
	// Registered before setup so it runs after the container cleanup.
	t.Cleanup(func() { goleak.VerifyNone(t) })
	ctx := context.Background()
	tc := setupTestContext(t)

	sessionData := []byte(`{"user_id":"u-123","roles":["admin"]}`)
	aad := []byte("session:u-123")

	t.Run("session envelope roundtrip", func(t *testing.T) {
		env, err := tc.sessionStore.Encrypt(ctx, sessionData, aad)
		require.NoError(t, err)
		assert.False(t, env.IsFallback())
		assert.Equal(t, domain.NamespaceSession, env.KeyID.Namespace)

		// Envelopes survive serialization, the storage layer persists them as JSON.
		raw, err := json.Marshal(env)
		require.NoError(t, err)
		var restored domain.EncryptedEnvelope
		require.NoError(t, json.Unmarshal(raw, &restored))

		plaintext, err := tc.sessionStore.Decrypt(ctx, &restored, aad)
		require.NoError(t, err)
		assert.Equal(t, sessionData, plaintext)

		_, err = tc.sessionStore.Decrypt(ctx, &restored, []byte("session:u-999"))
		require.Error(t, err)
		assert.True(t, domain.IsDecryptionFailure(err))
	})

	t.Run("refresh token store uses its own key family", func(t *testing.T) {
		env, err := tc.refreshStore.Encrypt(ctx, []byte("refresh-token-secret"), nil)
		require.NoError(t, err)
		assert.Equal(t, domain.NamespaceRefreshToken, env.KeyID.Namespace)

		// Envelopes are bound to their namespace key, the session store
		// cannot open a refresh token envelope.
		_, err = tc.sessionStore.Decrypt(ctx, env, nil)
		require.Error(t, err)
	})

	t.Run("jwt sign and verify", func(t *testing.T) {
		token, err := tc.signer.Sign(ctx, map[string]any{"sub": "u-123"})
		require.NoError(t, err)

		claims, err := tc.signer.Verify(ctx, token)
		require.NoError(t, err)
		assert.Equal(t, "u-123", claims["sub"])
	})

	t.Run("health reports ok while connected", func(t *testing.T) {
		status, report := tc.healthReport(t)
		assert.Equal(t, http.StatusOK, status)
		assert.Equal(t, health.StatusOK, report.Status)
		assert.True(t, report.CryptoServiceConnected)
	})

	var fallbackEnv *domain.EncryptedEnvelope
	var fallbackToken string

	t.Run("outage degrades to fallback", func(t *testing.T) {
		tc.outage(t)

		env, err := tc.sessionStore.Encrypt(ctx, sessionData, aad)
		require.NoError(t, err)
		assert.True(t, env.IsFallback())
		fallbackEnv = env

		// Fallback envelopes stay readable during the outage.
		plaintext, err := tc.sessionStore.Decrypt(ctx, env, aad)
		require.NoError(t, err)
		assert.Equal(t, sessionData, plaintext)

		token, err := tc.signer.Sign(ctx, map[string]any{"sub": "u-456"})
		require.NoError(t, err)
		claims, err := tc.signer.Verify(ctx, token)
		require.NoError(t, err)
		assert.Equal(t, "u-456", claims["sub"])
		fallbackToken = token
	})

	t.Run("health degrades during outage", func(t *testing.T) {
		status, report := tc.healthReport(t)
		assert.Equal(t, http.StatusOK, status)
		assert.Equal(t, health.StatusDegraded, report.Status)
		assert.False(t, report.CryptoServiceConnected)

		// Readiness holds because the crypto-service is optional here.
		resp, err := http.Get(tc.server.URL + "/ready")
		require.NoError(t, err)
		require.NoError(t, resp.Body.Close())
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("recovery migrates fallback artifacts", func(t *testing.T) {
		tc.recover(t)

		// Fallback tokens remain verifiable after recovery.
		claims, err := tc.signer.Verify(ctx, fallbackToken)
		require.NoError(t, err)
		assert.Equal(t, "u-456", claims["sub"])

		needs, err := tc.rotation.NeedsReencryption(ctx, fallbackEnv)
		require.NoError(t, err)
		assert.True(t, needs)

		plaintext, replacement, err := tc.rotation.DecryptAndMaybeReencrypt(ctx, fallbackEnv, aad)
		require.NoError(t, err)
		assert.Equal(t, sessionData, plaintext)
		require.NotNil(t, replacement)
		assert.False(t, replacement.IsFallback())

		restored, err := tc.sessionStore.Decrypt(ctx, replacement, aad)
		require.NoError(t, err)
		assert.Equal(t, sessionData, restored)
	})

	t.Run("key rotation", func(t *testing.T) {
		oldEnv, err := tc.sessionStore.Encrypt(ctx, sessionData, aad)
		require.NoError(t, err)
		require.EqualValues(t, 1, oldEnv.KeyID.Version)

		tc.fake.RotateKey(domain.NamespaceSession, "session-key")
		tc.rotation.NotifyRotation(ctx, domain.NamespaceSession)

		newEnv, err := tc.sessionStore.Encrypt(ctx, sessionData, aad)
		require.NoError(t, err)
		assert.EqualValues(t, 2, newEnv.KeyID.Version)

		// Envelopes under the deprecated version still decrypt.
		plaintext, err := tc.sessionStore.Decrypt(ctx, oldEnv, aad)
		require.NoError(t, err)
		assert.Equal(t, sessionData, plaintext)

		// And the rotation manager migrates them to the new version.
		replacement, err := tc.rotation.Reencrypt(ctx, oldEnv, aad)
		require.NoError(t, err)
		assert.EqualValues(t, 2, replacement.KeyID.Version)
	})

	t.Run("health recovers", func(t *testing.T) {
		status, report := tc.healthReport(t)
		assert.Equal(t, http.StatusOK, status)
		assert.Equal(t, health.StatusOK, report.Status)
	})
}

func TestCryptoFlowRequiredForReadiness(t *testing.T) {
	defer goleak.VerifyNone(t)

	fake := testutil.NewFakeCryptoService()
	fake.AddSigningKey(domain.NamespaceJWT, "jwt-signing-key")
	fake.AddSymmetricKey(domain.NamespaceSession, "session-key", testutil.AlgAESGCM)
	fake.AddSymmetricKey(domain.NamespaceRefreshToken, "refresh-token-key", testutil.AlgAESGCM)

	cfg := integrationConfig()
	cfg.RequiredForReadiness = true

	container := app.NewContainer(cfg)
	container.SetInvoker(fake)

	client, err := container.Client()
	require.NoError(t, err)
	require.NoError(t, client.Connect(context.Background()))

	httpServer, err := container.HTTPServer()
	require.NoError(t, err)
	server := httptest.NewServer(httpServer.GetHandler())
	defer func() {
		server.Close()
		require.NoError(t, container.Shutdown(context.Background()))
	}()

	resp, err := http.Get(server.URL + "/ready")
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusOK, resp.StatusCode)

	fake.SetUnavailable(true)

	resp, err = http.Get(server.URL + "/health")
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp, err = http.Get(server.URL + "/ready")
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
