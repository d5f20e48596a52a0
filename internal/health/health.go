// Package health evaluates service health with respect to the remote
// crypto-service connection.
package health

import (
	"context"
	"log/slog"
	"time"

	"github.com/sessionkit/cryptolink/internal/cryptorpc"
	"github.com/sessionkit/cryptolink/internal/resilience"
)

// Status is the tri-state health result.
type Status string

const (
	// StatusOK means the crypto-service is reachable.
	StatusOK Status = "ok"

	// StatusDegraded means the crypto-service is unreachable but the
	// service keeps operating on the local fallback.
	StatusDegraded Status = "degraded"

	// StatusUnhealthy means the crypto-service is unreachable and it is
	// configured as required, so the service should not receive traffic.
	StatusUnhealthy Status = "unhealthy"
)

// Pinger probes the crypto-service. *cryptorpc.Client satisfies it.
type Pinger interface {
	Ping(ctx context.Context) (*cryptorpc.PingResponse, error)
	Connected() bool
}

// Report is one health evaluation.
type Report struct {
	Status                 Status `json:"status"`
	CryptoServiceConnected bool   `json:"crypto_service_connected"`
	CryptoServiceLatencyMS int64  `json:"crypto_service_latency_ms"`
	CircuitState           string `json:"circuit_state"`
}

// Checker evaluates health on demand.
type Checker struct {
	pinger       Pinger
	breakerState func() resilience.State
	required     bool
	probeTimeout time.Duration
	logger       *slog.Logger
}

// NewChecker creates a health checker. When required is true an unreachable
// crypto-service makes the service unhealthy instead of degraded.
func NewChecker(
	pinger Pinger,
	breakerState func() resilience.State,
	required bool,
	logger *slog.Logger,
) *Checker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{
		pinger:       pinger,
		breakerState: breakerState,
		required:     required,
		probeTimeout: 2 * time.Second,
		logger:       logger,
	}
}

// Check pings the crypto-service and classifies the result. A successful ping
// also refreshes the client's connected flag, so health reports reflect the
// current reachability rather than the last data-path outcome.
func (c *Checker) Check(ctx context.Context) Report {
	ctx, cancel := context.WithTimeout(ctx, c.probeTimeout)
	defer cancel()

	start := time.Now()
	_, err := c.pinger.Ping(ctx)
	latency := time.Since(start)

	report := Report{
		CryptoServiceConnected: err == nil,
		CryptoServiceLatencyMS: latency.Milliseconds(),
	}
	if c.breakerState != nil {
		report.CircuitState = c.breakerState().String()
	}

	switch {
	case err == nil:
		report.Status = StatusOK
	case c.required:
		report.Status = StatusUnhealthy
	default:
		report.Status = StatusDegraded
	}

	if err != nil {
		c.logger.Warn("crypto-service health probe failed",
			"status", report.Status,
			"error", err.Error(),
		)
	}
	return report
}

// Ready reports whether the service should receive traffic.
func (c *Checker) Ready(ctx context.Context) bool {
	return c.Check(ctx).Status != StatusUnhealthy
}
