// Package app provides dependency injection container for assembling application components.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/sessionkit/cryptolink/internal/config"
	"github.com/sessionkit/cryptolink/internal/crypto/domain"
	cryptoService "github.com/sessionkit/cryptolink/internal/crypto/service"
	cryptoUsecase "github.com/sessionkit/cryptolink/internal/crypto/usecase"
	"github.com/sessionkit/cryptolink/internal/cryptorpc"
	"github.com/sessionkit/cryptolink/internal/featuretoggle"
	"github.com/sessionkit/cryptolink/internal/health"
	"github.com/sessionkit/cryptolink/internal/http"
	"github.com/sessionkit/cryptolink/internal/metrics"
	"github.com/sessionkit/cryptolink/internal/resilience"
)

// Container holds all application dependencies and provides methods to access them.
// It follows the lazy initialization pattern - components are created on first access.
type Container struct {
	// Configuration
	config *config.Config

	// Infrastructure
	logger          *slog.Logger
	metricsProvider *metrics.Provider
	cryptoMetrics   metrics.CryptoMetrics

	// Crypto-service access
	invoker        cryptorpc.Invoker
	client         *cryptorpc.Client
	circuitBreaker *resilience.CircuitBreaker
	keyManager     *cryptoService.KeyManager
	fallback       *cryptoService.FallbackProvider
	toggle         *featuretoggle.Toggle

	// Use Cases
	sessionStore      cryptoUsecase.EnvelopeStore
	refreshTokenStore cryptoUsecase.EnvelopeStore
	jwtSigner         cryptoUsecase.TokenSigner
	rotationManager   *cryptoUsecase.RotationManager

	// Servers
	healthChecker *health.Checker
	httpServer    *http.Server
	metricsServer *http.MetricsServer

	// Initialization flags and mutex for thread-safety
	mu                    sync.Mutex
	loggerInit            sync.Once
	metricsProviderInit   sync.Once
	cryptoMetricsInit     sync.Once
	clientInit            sync.Once
	circuitBreakerInit    sync.Once
	keyManagerInit        sync.Once
	fallbackInit          sync.Once
	toggleInit            sync.Once
	sessionStoreInit      sync.Once
	refreshTokenStoreInit sync.Once
	jwtSignerInit         sync.Once
	rotationManagerInit   sync.Once
	healthCheckerInit     sync.Once
	httpServerInit        sync.Once
	metricsServerInit     sync.Once
	initErrors            map[string]error
}

// NewContainer creates a new dependency injection container with the provided configuration.
func NewContainer(cfg *config.Config) *Container {
	return &Container{
		config:     cfg,
		initErrors: make(map[string]error),
	}
}

// Config returns the application configuration.
func (c *Container) Config() *config.Config {
	return c.config
}

// SetInvoker overrides the transport the crypto-service client uses. It must
// be called before the first Client access; tests use it to run against an
// in-memory service.
func (c *Container) SetInvoker(inv cryptorpc.Invoker) {
	c.invoker = inv
}

// Logger returns the configured logger instance.
// It creates a new logger on first access based on the log level in configuration.
func (c *Container) Logger() *slog.Logger {
	c.loggerInit.Do(func() {
		c.logger = c.initLogger()
	})
	return c.logger
}

// MetricsProvider returns the Prometheus metrics provider. It is nil when
// metrics are disabled in configuration.
func (c *Container) MetricsProvider() (*metrics.Provider, error) {
	var err error
	c.metricsProviderInit.Do(func() {
		if !c.config.MetricsEnabled {
			return
		}
		c.metricsProvider, err = metrics.NewProvider(c.config.MetricsNamespace)
		if err != nil {
			c.initErrors["metricsProvider"] = err
		}
	})
	if err != nil {
		return nil, err
	}
	if storedErr, exists := c.initErrors["metricsProvider"]; exists {
		return nil, storedErr
	}
	return c.metricsProvider, nil
}

// CryptoMetrics returns the crypto operation metrics recorder. When metrics
// are disabled it returns a no-op implementation.
func (c *Container) CryptoMetrics() (metrics.CryptoMetrics, error) {
	var err error
	c.cryptoMetricsInit.Do(func() {
		c.cryptoMetrics, err = c.initCryptoMetrics()
		if err != nil {
			c.initErrors["cryptoMetrics"] = err
		}
	})
	if err != nil {
		return nil, err
	}
	if storedErr, exists := c.initErrors["cryptoMetrics"]; exists {
		return nil, storedErr
	}
	return c.cryptoMetrics, nil
}

// Client returns the crypto-service client instance.
func (c *Container) Client() (*cryptorpc.Client, error) {
	var err error
	c.clientInit.Do(func() {
		c.client, err = c.initClient()
		if err != nil {
			c.initErrors["client"] = err
		}
	})
	if err != nil {
		return nil, err
	}
	if storedErr, exists := c.initErrors["client"]; exists {
		return nil, storedErr
	}
	return c.client, nil
}

// CircuitBreaker returns the circuit breaker guarding remote crypto calls.
func (c *Container) CircuitBreaker() (*resilience.CircuitBreaker, error) {
	var err error
	c.circuitBreakerInit.Do(func() {
		c.circuitBreaker, err = c.initCircuitBreaker()
		if err != nil {
			c.initErrors["circuitBreaker"] = err
		}
	})
	if err != nil {
		return nil, err
	}
	if storedErr, exists := c.initErrors["circuitBreaker"]; exists {
		return nil, storedErr
	}
	return c.circuitBreaker, nil
}

// KeyManager returns the key metadata cache.
func (c *Container) KeyManager() (*cryptoService.KeyManager, error) {
	var err error
	c.keyManagerInit.Do(func() {
		c.keyManager, err = c.initKeyManager()
		if err != nil {
			c.initErrors["keyManager"] = err
		}
	})
	if err != nil {
		return nil, err
	}
	if storedErr, exists := c.initErrors["keyManager"]; exists {
		return nil, storedErr
	}
	return c.keyManager, nil
}

// FallbackProvider returns the local fallback provider.
func (c *Container) FallbackProvider() (*cryptoService.FallbackProvider, error) {
	var err error
	c.fallbackInit.Do(func() {
		c.fallback, err = c.initFallbackProvider()
		if err != nil {
			c.initErrors["fallback"] = err
		}
	})
	if err != nil {
		return nil, err
	}
	if storedErr, exists := c.initErrors["fallback"]; exists {
		return nil, storedErr
	}
	return c.fallback, nil
}

// Toggle returns the feature toggle gating the remote crypto path.
func (c *Container) Toggle() (*featuretoggle.Toggle, error) {
	var err error
	c.toggleInit.Do(func() {
		c.toggle, err = c.initToggle()
		if err != nil {
			c.initErrors["toggle"] = err
		}
	})
	if err != nil {
		return nil, err
	}
	if storedErr, exists := c.initErrors["toggle"]; exists {
		return nil, storedErr
	}
	return c.toggle, nil
}

// SessionStore returns the envelope store for session data.
func (c *Container) SessionStore() (cryptoUsecase.EnvelopeStore, error) {
	var err error
	c.sessionStoreInit.Do(func() {
		c.sessionStore, err = c.initEnvelopeStore(domain.NamespaceSession, c.config.SessionKeyName)
		if err != nil {
			c.initErrors["sessionStore"] = err
		}
	})
	if err != nil {
		return nil, err
	}
	if storedErr, exists := c.initErrors["sessionStore"]; exists {
		return nil, storedErr
	}
	return c.sessionStore, nil
}

// RefreshTokenStore returns the envelope store for refresh tokens.
func (c *Container) RefreshTokenStore() (cryptoUsecase.EnvelopeStore, error) {
	var err error
	c.refreshTokenStoreInit.Do(func() {
		c.refreshTokenStore, err = c.initEnvelopeStore(domain.NamespaceRefreshToken, c.config.RefreshTokenKeyName)
		if err != nil {
			c.initErrors["refreshTokenStore"] = err
		}
	})
	if err != nil {
		return nil, err
	}
	if storedErr, exists := c.initErrors["refreshTokenStore"]; exists {
		return nil, storedErr
	}
	return c.refreshTokenStore, nil
}

// JWTSigner returns the token signer instance.
func (c *Container) JWTSigner() (cryptoUsecase.TokenSigner, error) {
	var err error
	c.jwtSignerInit.Do(func() {
		c.jwtSigner, err = c.initJWTSigner()
		if err != nil {
			c.initErrors["jwtSigner"] = err
		}
	})
	if err != nil {
		return nil, err
	}
	if storedErr, exists := c.initErrors["jwtSigner"]; exists {
		return nil, storedErr
	}
	return c.jwtSigner, nil
}

// RotationManager returns the key rotation manager for session envelopes.
func (c *Container) RotationManager() (*cryptoUsecase.RotationManager, error) {
	var err error
	c.rotationManagerInit.Do(func() {
		c.rotationManager, err = c.initRotationManager()
		if err != nil {
			c.initErrors["rotationManager"] = err
		}
	})
	if err != nil {
		return nil, err
	}
	if storedErr, exists := c.initErrors["rotationManager"]; exists {
		return nil, storedErr
	}
	return c.rotationManager, nil
}

// HealthChecker returns the crypto-service health checker.
func (c *Container) HealthChecker() (*health.Checker, error) {
	var err error
	c.healthCheckerInit.Do(func() {
		c.healthChecker, err = c.initHealthChecker()
		if err != nil {
			c.initErrors["healthChecker"] = err
		}
	})
	if err != nil {
		return nil, err
	}
	if storedErr, exists := c.initErrors["healthChecker"]; exists {
		return nil, storedErr
	}
	return c.healthChecker, nil
}

// HTTPServer returns the health and readiness HTTP server instance.
func (c *Container) HTTPServer() (*http.Server, error) {
	var err error
	c.httpServerInit.Do(func() {
		c.httpServer, err = c.initHTTPServer()
		if err != nil {
			c.initErrors["httpServer"] = err
		}
	})
	if err != nil {
		return nil, err
	}
	if storedErr, exists := c.initErrors["httpServer"]; exists {
		return nil, storedErr
	}
	return c.httpServer, nil
}

// MetricsServer returns the metrics HTTP server instance. It is nil when
// metrics are disabled in configuration.
func (c *Container) MetricsServer() (*http.MetricsServer, error) {
	var err error
	c.metricsServerInit.Do(func() {
		if !c.config.MetricsEnabled {
			return
		}
		c.metricsServer, err = c.initMetricsServer()
		if err != nil {
			c.initErrors["metricsServer"] = err
		}
	})
	if err != nil {
		return nil, err
	}
	if storedErr, exists := c.initErrors["metricsServer"]; exists {
		return nil, storedErr
	}
	return c.metricsServer, nil
}

// Shutdown performs cleanup of all initialized resources.
// It should be called when the application is shutting down.
func (c *Container) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var shutdownErrors []error

	// Shutdown HTTP servers if initialized
	if c.httpServer != nil {
		if err := c.httpServer.Shutdown(ctx); err != nil {
			shutdownErrors = append(shutdownErrors, fmt.Errorf("http server shutdown: %w", err))
		}
	}
	if c.metricsServer != nil {
		if err := c.metricsServer.Shutdown(ctx); err != nil {
			shutdownErrors = append(shutdownErrors, fmt.Errorf("metrics server shutdown: %w", err))
		}
	}

	// Stop the key metadata sweeper if initialized
	if c.keyManager != nil {
		c.keyManager.Stop()
	}

	// Close the crypto-service client if initialized
	if c.client != nil {
		if err := c.client.Close(); err != nil {
			shutdownErrors = append(shutdownErrors, fmt.Errorf("crypto client close: %w", err))
		}
	}

	if c.metricsProvider != nil {
		if err := c.metricsProvider.Shutdown(ctx); err != nil {
			shutdownErrors = append(shutdownErrors, fmt.Errorf("metrics provider shutdown: %w", err))
		}
	}

	// Return combined errors if any occurred
	if len(shutdownErrors) > 0 {
		return fmt.Errorf("shutdown errors: %v", shutdownErrors)
	}

	return nil
}

// initLogger creates and configures a structured logger based on the log level.
func (c *Container) initLogger() *slog.Logger {
	var logLevel slog.Level
	switch c.config.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})

	return slog.New(handler)
}

// initCryptoMetrics creates the crypto metrics recorder backed by the
// Prometheus provider, or a no-op recorder when metrics are disabled.
func (c *Container) initCryptoMetrics() (metrics.CryptoMetrics, error) {
	if !c.config.MetricsEnabled {
		return metrics.NewNoOpCryptoMetrics(), nil
	}

	provider, err := c.MetricsProvider()
	if err != nil {
		return nil, fmt.Errorf("failed to get metrics provider for crypto metrics: %w", err)
	}

	cryptoMetrics, err := metrics.NewCryptoMetrics(provider.MeterProvider(), c.config.MetricsNamespace)
	if err != nil {
		return nil, fmt.Errorf("failed to create crypto metrics: %w", err)
	}
	return cryptoMetrics, nil
}

// initClient creates the crypto-service client.
func (c *Container) initClient() (*cryptorpc.Client, error) {
	cryptoMetrics, err := c.CryptoMetrics()
	if err != nil {
		return nil, fmt.Errorf("failed to get crypto metrics for client: %w", err)
	}

	opts := []cryptorpc.Option{
		cryptorpc.WithLogger(c.Logger()),
		cryptorpc.WithMetrics(cryptoMetrics),
	}
	if c.invoker != nil {
		opts = append(opts, cryptorpc.WithInvoker(c.invoker))
	}

	client := cryptorpc.NewClient(cryptorpc.ClientConfig{
		Endpoint:       c.config.CryptoServiceEndpoint,
		Timeout:        c.config.CryptoTimeout,
		LatencyWarning: c.config.LatencyWarning,
	}, opts...)

	return client, nil
}

// initCircuitBreaker creates the circuit breaker. Only transient errors count
// toward the threshold, and transitions are reflected in the state gauge.
func (c *Container) initCircuitBreaker() (*resilience.CircuitBreaker, error) {
	cryptoMetrics, err := c.CryptoMetrics()
	if err != nil {
		return nil, fmt.Errorf("failed to get crypto metrics for circuit breaker: %w", err)
	}

	breaker := resilience.NewCircuitBreaker(resilience.Settings{
		Name:        "crypto-service",
		Threshold:   c.config.CircuitBreakerThreshold,
		OpenTimeout: c.config.CircuitBreakerTimeout,
		IsFailure:   domain.IsTransient,
		OnStateChange: func(_ string, _, to resilience.State) {
			cryptoMetrics.SetCircuitState(context.Background(), int64(to))
		},
		Logger: c.Logger(),
	})

	return breaker, nil
}

// initKeyManager creates the key metadata cache backed by the client.
func (c *Container) initKeyManager() (*cryptoService.KeyManager, error) {
	client, err := c.Client()
	if err != nil {
		return nil, fmt.Errorf("failed to get client for key manager: %w", err)
	}

	return cryptoService.NewKeyManager(client, c.config.CacheTTL, c.Logger()), nil
}

// initFallbackProvider creates the local fallback provider, loading the
// fallback seed through the configured secrets keeper.
func (c *Container) initFallbackProvider() (*cryptoService.FallbackProvider, error) {
	cryptoMetrics, err := c.CryptoMetrics()
	if err != nil {
		return nil, fmt.Errorf("failed to get crypto metrics for fallback provider: %w", err)
	}

	fallback, err := cryptoService.NewFallbackProvider(context.Background(), cryptoService.FallbackConfig{
		Enabled:        c.config.FallbackEnabled,
		KeeperURI:      c.config.FallbackKeyURI,
		SeedCiphertext: c.config.FallbackKeyCiphertext,
	}, c.Logger(), cryptoMetrics)
	if err != nil {
		return nil, fmt.Errorf("failed to create fallback provider: %w", err)
	}

	return fallback, nil
}

// initToggle creates the feature toggle for the remote crypto path.
func (c *Container) initToggle() (*featuretoggle.Toggle, error) {
	cryptoMetrics, err := c.CryptoMetrics()
	if err != nil {
		return nil, fmt.Errorf("failed to get crypto metrics for toggle: %w", err)
	}

	return featuretoggle.New("remote-crypto", c.config.CryptoEnabled, c.Logger(), cryptoMetrics), nil
}

// initEnvelopeStore creates an envelope store for one namespace and wraps it
// with the metrics decorator.
func (c *Container) initEnvelopeStore(namespace domain.Namespace, keyName string) (cryptoUsecase.EnvelopeStore, error) {
	client, err := c.Client()
	if err != nil {
		return nil, fmt.Errorf("failed to get client for envelope store: %w", err)
	}

	keyManager, err := c.KeyManager()
	if err != nil {
		return nil, fmt.Errorf("failed to get key manager for envelope store: %w", err)
	}

	fallback, err := c.FallbackProvider()
	if err != nil {
		return nil, fmt.Errorf("failed to get fallback provider for envelope store: %w", err)
	}

	breaker, err := c.CircuitBreaker()
	if err != nil {
		return nil, fmt.Errorf("failed to get circuit breaker for envelope store: %w", err)
	}

	toggle, err := c.Toggle()
	if err != nil {
		return nil, fmt.Errorf("failed to get toggle for envelope store: %w", err)
	}

	cryptoMetrics, err := c.CryptoMetrics()
	if err != nil {
		return nil, fmt.Errorf("failed to get crypto metrics for envelope store: %w", err)
	}

	store := cryptoUsecase.NewEncryptedStore(
		client,
		keyManager,
		fallback,
		breaker,
		toggle,
		namespace,
		keyName,
		c.Logger(),
	)

	return cryptoUsecase.NewEnvelopeStoreMetricsDecorator(store, cryptoMetrics), nil
}

// initJWTSigner creates the token signer with all its dependencies.
func (c *Container) initJWTSigner() (cryptoUsecase.TokenSigner, error) {
	client, err := c.Client()
	if err != nil {
		return nil, fmt.Errorf("failed to get client for jwt signer: %w", err)
	}

	keyManager, err := c.KeyManager()
	if err != nil {
		return nil, fmt.Errorf("failed to get key manager for jwt signer: %w", err)
	}

	fallback, err := c.FallbackProvider()
	if err != nil {
		return nil, fmt.Errorf("failed to get fallback provider for jwt signer: %w", err)
	}

	breaker, err := c.CircuitBreaker()
	if err != nil {
		return nil, fmt.Errorf("failed to get circuit breaker for jwt signer: %w", err)
	}

	toggle, err := c.Toggle()
	if err != nil {
		return nil, fmt.Errorf("failed to get toggle for jwt signer: %w", err)
	}

	cryptoMetrics, err := c.CryptoMetrics()
	if err != nil {
		return nil, fmt.Errorf("failed to get crypto metrics for jwt signer: %w", err)
	}

	signer := cryptoUsecase.NewJWTSigner(
		client,
		keyManager,
		fallback,
		breaker,
		toggle,
		cryptoUsecase.SignerConfig{
			KeyName:    c.config.JWTKeyName,
			Algorithm:  c.config.JWTAlgorithm,
			Expiration: c.config.JWTExpiration,
		},
		c.Logger(),
	)

	return cryptoUsecase.NewTokenSignerMetricsDecorator(signer, cryptoMetrics), nil
}

// initRotationManager creates the rotation manager over the session store.
func (c *Container) initRotationManager() (*cryptoUsecase.RotationManager, error) {
	store, err := c.SessionStore()
	if err != nil {
		return nil, fmt.Errorf("failed to get session store for rotation manager: %w", err)
	}

	keyManager, err := c.KeyManager()
	if err != nil {
		return nil, fmt.Errorf("failed to get key manager for rotation manager: %w", err)
	}

	return cryptoUsecase.NewRotationManager(store, keyManager, c.Logger()), nil
}

// initHealthChecker creates the health checker over the client and breaker.
func (c *Container) initHealthChecker() (*health.Checker, error) {
	client, err := c.Client()
	if err != nil {
		return nil, fmt.Errorf("failed to get client for health checker: %w", err)
	}

	breaker, err := c.CircuitBreaker()
	if err != nil {
		return nil, fmt.Errorf("failed to get circuit breaker for health checker: %w", err)
	}

	return health.NewChecker(client, breaker.State, c.config.RequiredForReadiness, c.Logger()), nil
}

// initHTTPServer creates the health and readiness HTTP server.
func (c *Container) initHTTPServer() (*http.Server, error) {
	checker, err := c.HealthChecker()
	if err != nil {
		return nil, fmt.Errorf("failed to get health checker for http server: %w", err)
	}

	serverConfig := http.ServerConfig{
		Host:             c.config.ServerHost,
		Port:             c.config.ServerPort,
		CORSEnabled:      c.config.CORSEnabled,
		CORSAllowOrigins: c.config.CORSAllowOrigins,
		MetricsNamespace: c.config.MetricsNamespace,
	}

	provider, err := c.MetricsProvider()
	if err != nil {
		return nil, fmt.Errorf("failed to get metrics provider for http server: %w", err)
	}
	if provider != nil {
		return http.NewServer(serverConfig, checker, c.Logger(), provider.MeterProvider()), nil
	}
	return http.NewServer(serverConfig, checker, c.Logger(), nil), nil
}

// initMetricsServer creates the metrics HTTP server.
func (c *Container) initMetricsServer() (*http.MetricsServer, error) {
	provider, err := c.MetricsProvider()
	if err != nil {
		return nil, fmt.Errorf("failed to get metrics provider for metrics server: %w", err)
	}

	return http.NewMetricsServer(c.config.ServerHost, c.config.MetricsPort, c.Logger(), provider), nil
}
