package health_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sessionkit/cryptolink/internal/cryptorpc"
	"github.com/sessionkit/cryptolink/internal/health"
	"github.com/sessionkit/cryptolink/internal/resilience"
	"github.com/sessionkit/cryptolink/internal/testutil"
)

func newCheckerFixture(t *testing.T, required bool) (*health.Checker, *testutil.FakeCryptoService) {
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

	breaker := resilience.NewCircuitBreaker(resilience.Settings{
		Name: "crypto-service", Threshold: 5, OpenTimeout: time.Minute,
	})
	return health.NewChecker(client, breaker.State, required, nil), fake
}

func TestChecker_Check(t *testing.T) {
	ctx := context.Background()

	t.Run("healthy while reachable", func(t *testing.T) {
		checker, _ := newCheckerFixture(t, false)
		report := checker.Check(ctx)

		assert.Equal(t, health.StatusOK, report.Status)
		assert.True(t, report.CryptoServiceConnected)
		assert.Equal(t, "closed", report.CircuitState)
		assert.True(t, checker.Ready(ctx))
	})

	t.Run("degraded when unreachable and optional", func(t *testing.T) {
		checker, fake := newCheckerFixture(t, false)
		fake.SetUnavailable(true)

		report := checker.Check(ctx)
		assert.Equal(t, health.StatusDegraded, report.Status)
		assert.False(t, report.CryptoServiceConnected)
		assert.True(t, checker.Ready(ctx), "degraded still serves traffic")
	})

	t.Run("unhealthy when unreachable and required", func(t *testing.T) {
		checker, fake := newCheckerFixture(t, true)
		fake.SetUnavailable(true)

		report := checker.Check(ctx)
		assert.Equal(t, health.StatusUnhealthy, report.Status)
		assert.False(t, checker.Ready(ctx))
	})

	t.Run("recovery observed after outage", func(t *testing.T) {
		checker, fake := newCheckerFixture(t, false)
		fake.SetUnavailable(true)
		require.Equal(t, health.StatusDegraded, checker.Check(ctx).Status)

		fake.SetUnavailable(false)
		report := checker.Check(ctx)
		assert.Equal(t, health.StatusOK, report.Status)
		assert.True(t, report.CryptoServiceConnected)
	})
}
