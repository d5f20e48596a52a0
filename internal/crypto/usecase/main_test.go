package usecase_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sessionkit/cryptolink/internal/crypto/domain"
	"github.com/sessionkit/cryptolink/internal/crypto/service"
	"github.com/sessionkit/cryptolink/internal/cryptorpc"
	"github.com/sessionkit/cryptolink/internal/featuretoggle"
	"github.com/sessionkit/cryptolink/internal/resilience"
	"github.com/sessionkit/cryptolink/internal/testutil"
)

// fixture wires the full stack over the in-memory crypto-service: client,
// circuit breaker, key manager, fallback provider, and toggle.
type fixture struct {
	fake       *testutil.FakeCryptoService
	client     *cryptorpc.Client
	breaker    *resilience.CircuitBreaker
	keyManager *service.KeyManager
	fallback   *service.FallbackProvider
	toggle     *featuretoggle.Toggle
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	fake := testutil.NewFakeCryptoService()
	client := cryptorpc.NewClient(
		cryptorpc.ClientConfig{Endpoint: "fake:50051", Timeout: time.Second},
		cryptorpc.WithInvoker(fake),
	)
	t.Cleanup(func() {
		assert.NoError(t, client.Close())
	})
	require.NoError(t, client.Connect(context.Background()))

	fallback, err := service.NewFallbackProvider(context.Background(), service.FallbackConfig{
		Enabled:   true,
		KeeperURI: "base64key://smGbjm71Nxd1Ig5FS0wj9SlbzAIrnolCz9bQQ6uAhl4=",
	}, nil, nil)
	require.NoError(t, err)

	return &fixture{
		fake:   fake,
		client: client,
		breaker: resilience.NewCircuitBreaker(resilience.Settings{
			Name:        "crypto-service",
			Threshold:   5,
			OpenTimeout: time.Minute,
			IsFailure:   domain.IsTransient,
		}),
		keyManager: service.NewKeyManager(client, time.Minute, nil),
		fallback:   fallback,
		toggle:     featuretoggle.New("remote-crypto", true, nil, nil),
	}
}

// outage simulates the crypto-service becoming unreachable.
func (f *fixture) outage() {
	f.fake.SetUnavailable(true)
}

// recover restores the service and re-establishes connectivity.
func (f *fixture) recover(t *testing.T) {
	t.Helper()
	f.fake.SetUnavailable(false)
	_, err := f.client.Ping(context.Background())
	require.NoError(t, err)
	f.breaker.Reset()
}

// recordingMetrics captures metric calls for assertions.
type recordingMetrics struct {
	mu         sync.Mutex
	operations map[string]int // "operation/status"
	durations  map[string]int
	fallbacks  map[string]int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{
		operations: make(map[string]int),
		durations:  make(map[string]int),
		fallbacks:  make(map[string]int),
	}
}

func (r *recordingMetrics) RecordOperation(_ context.Context, operation, status string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.operations[operation+"/"+status]++
}

func (r *recordingMetrics) RecordDuration(_ context.Context, operation string, _ time.Duration, status string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.durations[operation+"/"+status]++
}

func (r *recordingMetrics) RecordFallback(_ context.Context, operation string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallbacks[operation]++
}

func (r *recordingMetrics) SetCircuitState(context.Context, int64) {}
func (r *recordingMetrics) SetToggleEnabled(context.Context, bool) {}
func (r *recordingMetrics) SetRemoteLatency(context.Context, time.Duration) {}

func (r *recordingMetrics) operationCount(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.operations[key]
}

// mislabel returns a copy of env claiming it was encrypted under a different
// key version.
func mislabel(env *domain.EncryptedEnvelope, version uint32) *domain.EncryptedEnvelope {
	copied := *env
	copied.KeyID = env.KeyID.WithVersion(version)
	return &copied
}
