package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sessionkit/cryptolink/internal/cryptorpc"
	"github.com/sessionkit/cryptolink/internal/health"
	"github.com/sessionkit/cryptolink/internal/metrics"
	"github.com/sessionkit/cryptolink/internal/resilience"
	"github.com/sessionkit/cryptolink/internal/testutil"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newServerFixture(t *testing.T, required bool) (*Server, *testutil.FakeCryptoService) {
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
	checker := health.NewChecker(client, breaker.State, required, slog.Default())

	server := NewServer(ServerConfig{
		Host: "127.0.0.1",
		Port: 0,
	}, checker, slog.Default(), nil)
	return server, fake
}

func doRequest(handler http.Handler, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	handler.ServeHTTP(w, req)
	return w
}

func TestServer_Health(t *testing.T) {
	t.Run("Success_Healthy", func(t *testing.T) {
		server, _ := newServerFixture(t, false)
		w := doRequest(server.GetHandler(), "/health")

		require.Equal(t, http.StatusOK, w.Code)

		var report health.Report
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
		assert.Equal(t, health.StatusOK, report.Status)
		assert.True(t, report.CryptoServiceConnected)
		assert.Equal(t, "closed", report.CircuitState)
	})

	t.Run("Success_DegradedStillReturns200", func(t *testing.T) {
		server, fake := newServerFixture(t, false)
		fake.SetUnavailable(true)

		w := doRequest(server.GetHandler(), "/health")
		require.Equal(t, http.StatusOK, w.Code)

		var report health.Report
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
		assert.Equal(t, health.StatusDegraded, report.Status)
		assert.False(t, report.CryptoServiceConnected)
	})

	t.Run("Error_UnhealthyWhenRequired", func(t *testing.T) {
		server, fake := newServerFixture(t, true)
		fake.SetUnavailable(true)

		w := doRequest(server.GetHandler(), "/health")
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})
}

func TestServer_Ready(t *testing.T) {
	t.Run("Success_Ready", func(t *testing.T) {
		server, _ := newServerFixture(t, false)
		w := doRequest(server.GetHandler(), "/ready")
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("Success_DegradedIsStillReady", func(t *testing.T) {
		server, fake := newServerFixture(t, false)
		fake.SetUnavailable(true)

		w := doRequest(server.GetHandler(), "/ready")
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("Error_NotReadyWhenRequiredAndDown", func(t *testing.T) {
		server, fake := newServerFixture(t, true)
		fake.SetUnavailable(true)

		w := doRequest(server.GetHandler(), "/ready")
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})
}

func TestMetricsServer(t *testing.T) {
	provider, err := metrics.NewProvider("test_http")
	require.NoError(t, err)
	defer func() {
		assert.NoError(t, provider.Shutdown(context.Background()))
	}()

	server := NewMetricsServer("127.0.0.1", 0, slog.Default(), provider)
	w := doRequest(server.GetHandler(), "/metrics")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text")

	t.Run("NilProviderLeavesRouteUnregistered", func(t *testing.T) {
		bare := NewMetricsServer("127.0.0.1", 0, slog.Default(), nil)
		w := doRequest(bare.GetHandler(), "/metrics")
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestParseOrigins(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{"empty", "", nil},
		{"single", "https://app.example.com", []string{"https://app.example.com"}},
		{
			"multiple with whitespace",
			" https://a.example.com , https://b.example.com ",
			[]string{"https://a.example.com", "https://b.example.com"},
		},
		{"trailing comma", "https://a.example.com,", []string{"https://a.example.com"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseOrigins(tt.input))
		})
	}
}

func TestCreateCORSMiddleware(t *testing.T) {
	logger := slog.Default()

	t.Run("disabled returns nil", func(t *testing.T) {
		assert.Nil(t, createCORSMiddleware(false, "https://app.example.com", logger))
	})

	t.Run("enabled without origins returns nil", func(t *testing.T) {
		assert.Nil(t, createCORSMiddleware(true, "", logger))
	})

	t.Run("enabled with origins returns middleware", func(t *testing.T) {
		assert.NotNil(t, createCORSMiddleware(true, "https://app.example.com", logger))
	})
}
