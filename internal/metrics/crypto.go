package metrics

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// CryptoMetrics defines the interface for recording crypto integration metrics.
// Implementations track operation outcomes, fallback activity, circuit breaker
// state, and observed remote latency.
type CryptoMetrics interface {
	// RecordOperation records a crypto operation outcome.
	// Operation examples: "encrypt", "decrypt", "sign_jwt", "verify_jwt".
	// Status examples: "success", "error", "fallback".
	RecordOperation(ctx context.Context, operation, status string)

	// RecordDuration records the duration of a crypto operation as a
	// histogram in seconds.
	RecordDuration(ctx context.Context, operation string, duration time.Duration, status string)

	// RecordFallback counts an operation served by the local fallback path.
	RecordFallback(ctx context.Context, operation string)

	// SetCircuitState records the current circuit breaker state
	// (0=closed, 1=open, 2=half-open).
	SetCircuitState(ctx context.Context, state int64)

	// SetToggleEnabled records whether remote crypto is enabled (1) or
	// disabled (0).
	SetToggleEnabled(ctx context.Context, enabled bool)

	// SetRemoteLatency records the latency of the most recent remote call
	// in milliseconds.
	SetRemoteLatency(ctx context.Context, latency time.Duration)
}

type cryptoMetrics struct {
	operationCounter metric.Int64Counter
	durationHisto    metric.Float64Histogram
	fallbackCounter  metric.Int64Counter
	circuitState     metric.Int64Gauge
	toggleEnabled    metric.Int64Gauge
	remoteLatency    metric.Float64Gauge
}

// NewCryptoMetrics creates a CryptoMetrics implementation on the given meter
// provider. The namespace prefixes all metric names.
func NewCryptoMetrics(meterProvider metric.MeterProvider, namespace string) (CryptoMetrics, error) {
	meter := meterProvider.Meter(namespace)

	operationCounter, err := meter.Int64Counter(
		fmt.Sprintf("%s_operations_total", namespace),
		metric.WithDescription("Total number of crypto operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create operation counter: %w", err)
	}

	durationHisto, err := meter.Float64Histogram(
		fmt.Sprintf("%s_operation_duration_seconds", namespace),
		metric.WithDescription("Duration of crypto operations in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create duration histogram: %w", err)
	}

	fallbackCounter, err := meter.Int64Counter(
		fmt.Sprintf("%s_fallback_total", namespace),
		metric.WithDescription("Total number of operations served by local fallback"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create fallback counter: %w", err)
	}

	circuitState, err := meter.Int64Gauge(
		fmt.Sprintf("%s_circuit_breaker_state", namespace),
		metric.WithDescription("Circuit breaker state (0=closed, 1=open, 2=half-open)"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create circuit state gauge: %w", err)
	}

	toggleEnabled, err := meter.Int64Gauge(
		fmt.Sprintf("%s_remote_enabled", namespace),
		metric.WithDescription("Whether remote crypto is enabled (1) or disabled (0)"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create toggle gauge: %w", err)
	}

	remoteLatency, err := meter.Float64Gauge(
		fmt.Sprintf("%s_remote_latency_ms", namespace),
		metric.WithDescription("Latency of the most recent remote crypto call in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create remote latency gauge: %w", err)
	}

	return &cryptoMetrics{
		operationCounter: operationCounter,
		durationHisto:    durationHisto,
		fallbackCounter:  fallbackCounter,
		circuitState:     circuitState,
		toggleEnabled:    toggleEnabled,
		remoteLatency:    remoteLatency,
	}, nil
}

func (c *cryptoMetrics) RecordOperation(ctx context.Context, operation, status string) {
	c.operationCounter.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("operation", operation),
			attribute.String("status", status),
		),
	)
}

func (c *cryptoMetrics) RecordDuration(
	ctx context.Context,
	operation string,
	duration time.Duration,
	status string,
) {
	c.durationHisto.Record(ctx, duration.Seconds(),
		metric.WithAttributes(
			attribute.String("operation", operation),
			attribute.String("status", status),
		),
	)
}

func (c *cryptoMetrics) RecordFallback(ctx context.Context, operation string) {
	c.fallbackCounter.Add(ctx, 1,
		metric.WithAttributes(attribute.String("operation", operation)),
	)
}

func (c *cryptoMetrics) SetCircuitState(ctx context.Context, state int64) {
	c.circuitState.Record(ctx, state)
}

func (c *cryptoMetrics) SetToggleEnabled(ctx context.Context, enabled bool) {
	var v int64
	if enabled {
		v = 1
	}
	c.toggleEnabled.Record(ctx, v)
}

func (c *cryptoMetrics) SetRemoteLatency(ctx context.Context, latency time.Duration) {
	c.remoteLatency.Record(ctx, float64(latency)/float64(time.Millisecond))
}

// NoOpCryptoMetrics is a no-op implementation for when metrics are disabled.
type NoOpCryptoMetrics struct{}

// NewNoOpCryptoMetrics creates a no-op CryptoMetrics implementation.
func NewNoOpCryptoMetrics() CryptoMetrics {
	return &NoOpCryptoMetrics{}
}

func (n *NoOpCryptoMetrics) RecordOperation(ctx context.Context, operation, status string) {}

func (n *NoOpCryptoMetrics) RecordDuration(
	ctx context.Context,
	operation string,
	duration time.Duration,
	status string,
) {
}

func (n *NoOpCryptoMetrics) RecordFallback(ctx context.Context, operation string) {}

func (n *NoOpCryptoMetrics) SetCircuitState(ctx context.Context, state int64) {}

func (n *NoOpCryptoMetrics) SetToggleEnabled(ctx context.Context, enabled bool) {}

func (n *NoOpCryptoMetrics) SetRemoteLatency(ctx context.Context, latency time.Duration) {}
