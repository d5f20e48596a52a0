package http

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/requestid"
	"github.com/gin-gonic/gin"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/sessionkit/cryptolink/internal/health"
	"github.com/sessionkit/cryptolink/internal/metrics"
)

// ServerConfig holds the health server's settings.
type ServerConfig struct {
	Host             string
	Port             int
	CORSEnabled      bool
	CORSAllowOrigins string
	MetricsNamespace string
}

// Server is the health and readiness HTTP server.
type Server struct {
	server *http.Server
	logger *slog.Logger
}

// NewServer creates the health server. meterProvider may be nil to skip HTTP
// request metrics.
func NewServer(
	cfg ServerConfig,
	checker *health.Checker,
	logger *slog.Logger,
	meterProvider otelmetric.MeterProvider,
) *Server {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestid.New())
	router.Use(CustomLoggerMiddleware(logger))

	if corsMiddleware := createCORSMiddleware(cfg.CORSEnabled, cfg.CORSAllowOrigins, logger); corsMiddleware != nil {
		router.Use(corsMiddleware)
	}
	if meterProvider != nil {
		router.Use(metrics.HTTPMetricsMiddleware(meterProvider, cfg.MetricsNamespace))
	}

	router.GET("/health", healthHandler(checker))
	router.GET("/ready", readinessHandler(checker))

	return &Server{
		server: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Handler:      router,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger,
	}
}

// GetHandler returns the http.Handler for testing purposes.
func (s *Server) GetHandler() http.Handler {
	return s.server.Handler
}

// Start starts the health HTTP server.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("starting http server", slog.String("addr", s.server.Addr))

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the health HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.server.Shutdown(ctx)
}

// healthHandler reports liveness with the current crypto-service status. The
// process is alive even in degraded mode, so this always returns 200 unless
// the crypto-service is required and unreachable.
func healthHandler(checker *health.Checker) gin.HandlerFunc {
	return func(c *gin.Context) {
		report := checker.Check(c.Request.Context())

		status := http.StatusOK
		if report.Status == health.StatusUnhealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, report)
	}
}

// readinessHandler gates traffic on the health evaluation.
func readinessHandler(checker *health.Checker) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !checker.Ready(c.Request.Context()) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	}
}
