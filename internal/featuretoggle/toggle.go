// Package featuretoggle provides the runtime switch between remote crypto
// and local fallback operation.
package featuretoggle

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/sessionkit/cryptolink/internal/metrics"
)

// Toggle is a concurrency-safe on/off switch. Flipping it affects new
// operations only; in-flight operations finish on the path they started on.
type Toggle struct {
	name    string
	enabled atomic.Bool
	logger  *slog.Logger
	metrics metrics.CryptoMetrics
}

// New creates a toggle with the given initial state.
func New(name string, initial bool, logger *slog.Logger, cryptoMetrics metrics.CryptoMetrics) *Toggle {
	if logger == nil {
		logger = slog.Default()
	}
	if cryptoMetrics == nil {
		cryptoMetrics = metrics.NewNoOpCryptoMetrics()
	}
	t := &Toggle{
		name:    name,
		logger:  logger,
		metrics: cryptoMetrics,
	}
	t.enabled.Store(initial)
	t.metrics.SetToggleEnabled(context.Background(), initial)
	return t
}

// Enabled reports the current state.
func (t *Toggle) Enabled() bool {
	return t.enabled.Load()
}

// Enable switches the toggle on.
func (t *Toggle) Enable(ctx context.Context) {
	t.set(ctx, true)
}

// Disable switches the toggle off.
func (t *Toggle) Disable(ctx context.Context) {
	t.set(ctx, false)
}

// SetEnabled switches the toggle to the given state.
func (t *Toggle) SetEnabled(ctx context.Context, enabled bool) {
	t.set(ctx, enabled)
}

// WhenEnabled runs enabledFn or disabledFn depending on the state at entry.
// The state is read exactly once, so a concurrent flip cannot run both or
// neither.
func (t *Toggle) WhenEnabled(ctx context.Context, enabledFn, disabledFn func(context.Context) error) error {
	if t.enabled.Load() {
		return enabledFn(ctx)
	}
	return disabledFn(ctx)
}

func (t *Toggle) set(ctx context.Context, enabled bool) {
	if t.enabled.Swap(enabled) != enabled {
		t.logger.Info("feature toggle changed",
			"name", t.name,
			"enabled", enabled,
		)
		t.metrics.SetToggleEnabled(ctx, enabled)
	}
}
