// Package resilience provides the circuit breaker guarding calls to the
// remote crypto-service.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// State is the circuit breaker state. The numeric values feed the state gauge
// directly.
type State int

const (
	// StateClosed lets calls through and counts consecutive failures.
	StateClosed State = iota

	// StateOpen fails fast until the open timeout elapses.
	StateOpen

	// StateHalfOpen lets exactly one probe through to test recovery.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// CircuitOpenError is returned when the breaker rejects a call without
// attempting it. Remaining is how long until the next probe is allowed; zero
// when a probe is already in flight.
type CircuitOpenError struct {
	Name      string
	Remaining time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q is open (retry in %s)", e.Name, e.Remaining)
}

// Settings configures a CircuitBreaker.
type Settings struct {
	// Name labels the breaker in logs and errors.
	Name string

	// Threshold is the consecutive-failure count that opens the circuit.
	Threshold int

	// OpenTimeout is how long the circuit stays open before allowing a
	// half-open probe.
	OpenTimeout time.Duration

	// IsFailure classifies errors. Only errors it accepts count toward the
	// threshold; all others are treated as successful contact with the
	// service. When nil every non-nil error counts.
	IsFailure func(error) bool

	// OnStateChange is invoked after every transition, outside the breaker
	// lock.
	OnStateChange func(name string, from, to State)

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// CircuitBreaker implements the closed/open/half-open cycle around an
// unreliable dependency.
//
// While open, calls fail immediately with CircuitOpenError. After OpenTimeout
// the breaker admits a single probe; its outcome decides between closing the
// circuit and re-opening it for another full timeout.
type CircuitBreaker struct {
	name        string
	threshold   int
	openTimeout time.Duration
	isFailure   func(error) bool
	onChange    func(name string, from, to State)
	logger      *slog.Logger

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(settings Settings) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:        settings.Name,
		threshold:   settings.Threshold,
		openTimeout: settings.OpenTimeout,
		isFailure:   settings.IsFailure,
		onChange:    settings.OnStateChange,
		logger:      settings.Logger,
	}
	if cb.threshold <= 0 {
		cb.threshold = 1
	}
	if cb.isFailure == nil {
		cb.isFailure = func(err error) bool { return err != nil }
	}
	if cb.logger == nil {
		cb.logger = slog.Default()
	}
	return cb
}

// State returns the current state, accounting for open-timeout expiry.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && time.Since(cb.openedAt) >= cb.openTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Call runs fn under the breaker. When the circuit is open the call is
// rejected with CircuitOpenError without running fn.
func (cb *CircuitBreaker) Call(ctx context.Context, fn func(context.Context) error) error {
	if err := cb.beforeCall(); err != nil {
		return err
	}

	err := fn(ctx)
	cb.afterCall(cb.isFailure(err))
	return err
}

// CallWithFallback runs fn under the breaker and routes both breaker
// rejections and counted failures to fallback. The fallback receives the
// original error; any other error from fn passes through untouched.
func (cb *CircuitBreaker) CallWithFallback(
	ctx context.Context,
	fn func(context.Context) error,
	fallback func(context.Context, error) error,
) error {
	err := cb.Call(ctx, fn)
	if err == nil {
		return nil
	}

	var openErr *CircuitOpenError
	if errors.As(err, &openErr) || cb.isFailure(err) {
		return fallback(ctx, err)
	}
	return err
}

// Reset forces the breaker closed and clears the failure count.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.state = StateClosed
	cb.failures = 0
	cb.probing = false
	cb.mu.Unlock()

	if from != StateClosed {
		cb.notify(from, StateClosed)
	}
}

// Melt forces the breaker open for a full OpenTimeout, regardless of the
// failure count.
func (cb *CircuitBreaker) Melt() {
	cb.mu.Lock()
	from := cb.state
	cb.state = StateOpen
	cb.openedAt = time.Now()
	cb.probing = false
	cb.mu.Unlock()

	if from != StateOpen {
		cb.notify(from, StateOpen)
	}
}

func (cb *CircuitBreaker) beforeCall() error {
	cb.mu.Lock()

	switch cb.state {
	case StateClosed:
		cb.mu.Unlock()
		return nil

	case StateOpen:
		remaining := cb.openTimeout - time.Since(cb.openedAt)
		if remaining > 0 {
			cb.mu.Unlock()
			return &CircuitOpenError{Name: cb.name, Remaining: remaining}
		}
		cb.state = StateHalfOpen
		cb.probing = true
		cb.mu.Unlock()
		cb.notify(StateOpen, StateHalfOpen)
		return nil

	default: // StateHalfOpen
		if cb.probing {
			cb.mu.Unlock()
			return &CircuitOpenError{Name: cb.name}
		}
		cb.probing = true
		cb.mu.Unlock()
		return nil
	}
}

func (cb *CircuitBreaker) afterCall(failed bool) {
	cb.mu.Lock()
	from := cb.state
	cb.probing = false

	var to State
	switch {
	case !failed:
		cb.failures = 0
		cb.state = StateClosed
		to = StateClosed

	case from == StateHalfOpen:
		cb.openedAt = time.Now()
		cb.state = StateOpen
		to = StateOpen

	default: // failure while closed
		cb.failures++
		if cb.failures >= cb.threshold {
			cb.openedAt = time.Now()
			cb.state = StateOpen
			to = StateOpen
		} else {
			to = StateClosed
		}
	}
	failures := cb.failures
	cb.mu.Unlock()

	if from != to {
		if to == StateOpen {
			cb.logger.Warn("circuit breaker opened",
				"name", cb.name,
				"failures", failures,
				"open_timeout", cb.openTimeout,
			)
		} else {
			cb.logger.Info("circuit breaker closed", "name", cb.name)
		}
		cb.notify(from, to)
	}
}

func (cb *CircuitBreaker) notify(from, to State) {
	if cb.onChange != nil {
		cb.onChange(cb.name, from, to)
	}
}
