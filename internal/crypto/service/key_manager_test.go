package service_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/sessionkit/cryptolink/internal/crypto/domain"
	"github.com/sessionkit/cryptolink/internal/crypto/service"
	"github.com/sessionkit/cryptolink/internal/cryptorpc"
	"github.com/sessionkit/cryptolink/internal/testutil"
)

// countingFetcher wraps the fake service to count metadata fetches reaching
// the remote.
type countingFetcher struct {
	client *cryptorpc.Client

	mu    sync.Mutex
	calls int
}

func (c *countingFetcher) GetKeyMetadata(ctx context.Context, req *cryptorpc.GetKeyMetadataRequest) (*domain.KeyMetadata, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return c.client.GetKeyMetadata(ctx, req)
}

func (c *countingFetcher) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func newManagerFixture(t *testing.T, ttl time.Duration) (*service.KeyManager, *testutil.FakeCryptoService, *countingFetcher) {
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

	fetcher := &countingFetcher{client: client}
	return service.NewKeyManager(fetcher, ttl, nil), fake, fetcher
}

func TestKeyManager_GetActiveKey(t *testing.T) {
	// Registered before the client fixture so it runs after the Close cleanup.
	t.Cleanup(func() { goleak.VerifyNone(t) })

	manager, fake, fetcher := newManagerFixture(t, time.Minute)
	fake.AddSymmetricKey(domain.NamespaceSession, "session-key", testutil.AlgAESGCM)

	ctx := context.Background()

	t.Run("Success_ResolveActiveVersion", func(t *testing.T) {
		meta, err := manager.GetActiveKey(ctx, domain.NamespaceSession, "session-key")
		require.NoError(t, err)
		assert.Equal(t, uint32(1), meta.ID.Version)
		assert.Equal(t, domain.KeyStateActive, meta.State)
	})

	t.Run("Success_SecondLookupServedFromCache", func(t *testing.T) {
		before := fetcher.count()
		_, err := manager.GetActiveKey(ctx, domain.NamespaceSession, "session-key")
		require.NoError(t, err)
		assert.Equal(t, before, fetcher.count())
	})

	t.Run("Success_ResolvedVersionAlsoCached", func(t *testing.T) {
		before := fetcher.count()
		meta, err := manager.GetKeyMetadata(ctx, domain.KeyID{
			Namespace: domain.NamespaceSession, ID: "session-key", Version: 1,
		})
		require.NoError(t, err)
		assert.Equal(t, uint32(1), meta.ID.Version)
		assert.Equal(t, before, fetcher.count())
	})

	t.Run("Error_UnknownFamily", func(t *testing.T) {
		_, err := manager.GetActiveKey(ctx, domain.NamespaceSession, "missing")
		require.Error(t, err)
		assert.True(t, domain.IsCode(err, domain.CodeKeyNotFound))
	})
}

func TestKeyManager_CacheExpiry(t *testing.T) {
	// Registered before the client fixture so it runs after the Close cleanup.
	t.Cleanup(func() { goleak.VerifyNone(t) })

	manager, fake, fetcher := newManagerFixture(t, 30*time.Millisecond)
	fake.AddSymmetricKey(domain.NamespaceSession, "session-key", testutil.AlgAESGCM)

	ctx := context.Background()

	meta, err := manager.GetActiveKey(ctx, domain.NamespaceSession, "session-key")
	require.NoError(t, err)
	assert.Equal(t, uint32(1), meta.ID.Version)

	// Rotation invisible until the cached alias expires.
	fake.RotateKey(domain.NamespaceSession, "session-key")
	meta, err = manager.GetActiveKey(ctx, domain.NamespaceSession, "session-key")
	require.NoError(t, err)
	assert.Equal(t, uint32(1), meta.ID.Version)

	time.Sleep(50 * time.Millisecond)
	before := fetcher.count()
	meta, err = manager.GetActiveKey(ctx, domain.NamespaceSession, "session-key")
	require.NoError(t, err)
	assert.Equal(t, uint32(2), meta.ID.Version)
	assert.Greater(t, fetcher.count(), before)
}

func TestKeyManager_Invalidate(t *testing.T) {
	// Registered before the client fixture so it runs after the Close cleanup.
	t.Cleanup(func() { goleak.VerifyNone(t) })

	manager, fake, _ := newManagerFixture(t, time.Hour)
	fake.AddSymmetricKey(domain.NamespaceSession, "session-key", testutil.AlgAESGCM)

	ctx := context.Background()

	meta, err := manager.GetActiveKey(ctx, domain.NamespaceSession, "session-key")
	require.NoError(t, err)
	assert.Equal(t, uint32(1), meta.ID.Version)

	fake.RotateKey(domain.NamespaceSession, "session-key")

	t.Run("Success_InvalidateNamespacePicksUpRotation", func(t *testing.T) {
		manager.InvalidateNamespace(domain.NamespaceSession)
		meta, err := manager.GetActiveKey(ctx, domain.NamespaceSession, "session-key")
		require.NoError(t, err)
		assert.Equal(t, uint32(2), meta.ID.Version)
	})

	t.Run("Success_InvalidateSingleKey", func(t *testing.T) {
		fake.RotateKey(domain.NamespaceSession, "session-key")
		manager.Invalidate(domain.KeyID{Namespace: domain.NamespaceSession, ID: "session-key"})
		meta, err := manager.GetActiveKey(ctx, domain.NamespaceSession, "session-key")
		require.NoError(t, err)
		assert.Equal(t, uint32(3), meta.ID.Version)
	})
}

// gatedFetcher holds each fetched result until released, so a test can
// overlap an in-flight fetch with a cache invalidation.
type gatedFetcher struct {
	inner   service.MetadataFetcher
	fetched chan struct{}
	release chan struct{}
}

func (g *gatedFetcher) GetKeyMetadata(ctx context.Context, req *cryptorpc.GetKeyMetadataRequest) (*domain.KeyMetadata, error) {
	meta, err := g.inner.GetKeyMetadata(ctx, req)
	g.fetched <- struct{}{}
	<-g.release
	return meta, err
}

func TestKeyManager_InvalidateDuringFetch(t *testing.T) {
	// Registered before the client fixture so it runs after the Close cleanup.
	t.Cleanup(func() { goleak.VerifyNone(t) })

	fake := testutil.NewFakeCryptoService()
	client := cryptorpc.NewClient(
		cryptorpc.ClientConfig{Endpoint: "fake:50051", Timeout: time.Second},
		cryptorpc.WithInvoker(fake),
	)
	t.Cleanup(func() {
		assert.NoError(t, client.Close())
	})
	require.NoError(t, client.Connect(context.Background()))

	gate := &gatedFetcher{
		inner:   client,
		fetched: make(chan struct{}, 4),
		release: make(chan struct{}),
	}
	manager := service.NewKeyManager(gate, time.Hour, nil)
	fake.AddSymmetricKey(domain.NamespaceSession, "session-key", testutil.AlgAESGCM)

	ctx := context.Background()
	results := make(chan *domain.KeyMetadata, 1)
	go func() {
		meta, err := manager.GetActiveKey(ctx, domain.NamespaceSession, "session-key")
		assert.NoError(t, err)
		results <- meta
	}()

	// The fetch has version 1 in hand but has not cached it yet. A rotation
	// lands and invalidates the namespace before the fetch completes.
	<-gate.fetched
	fake.RotateKey(domain.NamespaceSession, "session-key")
	manager.InvalidateNamespace(domain.NamespaceSession)
	close(gate.release)

	// The in-flight caller gets what its fetch saw.
	stale := <-results
	assert.Equal(t, uint32(1), stale.ID.Version)

	// The stale result must not survive the invalidation: the next lookup
	// refetches and observes the rotated version instead of waiting out a
	// full TTL.
	meta, err := manager.GetActiveKey(ctx, domain.NamespaceSession, "session-key")
	require.NoError(t, err)
	assert.Equal(t, uint32(2), meta.ID.Version)
}

func TestKeyManager_GetKeyVersions(t *testing.T) {
	// Registered before the client fixture so it runs after the Close cleanup.
	t.Cleanup(func() { goleak.VerifyNone(t) })

	manager, fake, _ := newManagerFixture(t, time.Minute)
	fake.AddSymmetricKey(domain.NamespaceSession, "session-key", testutil.AlgAESGCM)
	fake.RotateKey(domain.NamespaceSession, "session-key")
	fake.RotateKey(domain.NamespaceSession, "session-key")

	versions, err := manager.GetKeyVersions(context.Background(), domain.NamespaceSession, "session-key")
	require.NoError(t, err)
	require.Len(t, versions, 3)

	// Newest first.
	assert.Equal(t, uint32(3), versions[0].ID.Version)
	assert.Equal(t, uint32(2), versions[1].ID.Version)
	assert.Equal(t, uint32(1), versions[2].ID.Version)
	assert.Equal(t, domain.KeyStateActive, versions[0].State)
	assert.Equal(t, domain.KeyStateDeprecated, versions[1].State)
}

func TestKeyManager_IsDeprecated(t *testing.T) {
	// Registered before the client fixture so it runs after the Close cleanup.
	t.Cleanup(func() { goleak.VerifyNone(t) })

	manager, fake, _ := newManagerFixture(t, time.Minute)
	keyID := fake.AddSymmetricKey(domain.NamespaceSession, "session-key", testutil.AlgAESGCM)
	fake.RotateKey(domain.NamespaceSession, "session-key")

	ctx := context.Background()

	deprecated, err := manager.IsDeprecated(ctx, keyID)
	require.NoError(t, err)
	assert.True(t, deprecated)

	deprecated, err = manager.IsDeprecated(ctx, keyID.WithVersion(2))
	require.NoError(t, err)
	assert.False(t, deprecated)
}

func TestKeyManager_SweeperLifecycle(t *testing.T) {
	// Registered before the client fixture so it runs after the Close cleanup.
	t.Cleanup(func() { goleak.VerifyNone(t) })

	manager, fake, _ := newManagerFixture(t, 10*time.Millisecond)
	fake.AddSymmetricKey(domain.NamespaceSession, "session-key", testutil.AlgAESGCM)

	manager.Start()
	_, err := manager.GetActiveKey(context.Background(), domain.NamespaceSession, "session-key")
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	manager.Stop()

	t.Run("StopWithoutStartIsSafe", func(t *testing.T) {
		idle := service.NewKeyManager(nil, time.Minute, nil)
		idle.Stop()
		idle.Stop()
	})
}
