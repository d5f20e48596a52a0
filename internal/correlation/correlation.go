// Package correlation generates and propagates the correlation identifier and
// W3C trace context attached to every outbound crypto-service call.
package correlation

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

type contextKey int

const (
	correlationIDKey contextKey = iota
	traceContextKey
)

// NewCorrelationID returns a fresh correlation identifier.
func NewCorrelationID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// WithID returns a context carrying the given correlation ID.
func WithID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey, id)
}

// IDFromContext returns the correlation ID carried by ctx, or "" if absent.
func IDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(correlationIDKey).(string); ok {
		return id
	}
	return ""
}

// EnsureID returns ctx guaranteed to carry a correlation ID, generating one
// when absent, along with the ID itself.
func EnsureID(ctx context.Context) (context.Context, string) {
	if id := IDFromContext(ctx); id != "" {
		return ctx, id
	}
	id := NewCorrelationID()
	return WithID(ctx, id), id
}

// TraceContext represents a W3C Trace Context (traceparent/tracestate pair).
type TraceContext struct {
	Version    string
	TraceID    string // 128-bit, 32 hex chars
	ParentID   string // 64-bit, 16 hex chars
	TraceFlags byte
	TraceState string
}

// NewTraceContext creates a trace context with random trace and parent IDs,
// sampled flag set.
func NewTraceContext() *TraceContext {
	return &TraceContext{
		Version:    "00",
		TraceID:    randomHex(16),
		ParentID:   randomHex(8),
		TraceFlags: 0x01,
	}
}

// ParseTraceparent parses a W3C traceparent header value:
// {2-hex-version}-{32-hex-trace-id}-{16-hex-parent-id}-{2-hex-flags}.
func ParseTraceparent(header string) (*TraceContext, error) {
	parts := strings.Split(header, "-")
	if len(parts) != 4 {
		return nil, fmt.Errorf("invalid traceparent format: %q", header)
	}
	if len(parts[0]) != 2 || len(parts[1]) != 32 || len(parts[2]) != 16 || len(parts[3]) != 2 {
		return nil, fmt.Errorf("invalid traceparent field lengths: %q", header)
	}
	if parts[0] != "00" {
		return nil, fmt.Errorf("unsupported traceparent version: %s", parts[0])
	}
	for _, p := range parts[1:] {
		if _, err := hex.DecodeString(p); err != nil {
			return nil, fmt.Errorf("invalid traceparent hex field %q", p)
		}
	}
	if parts[1] == strings.Repeat("0", 32) || parts[2] == strings.Repeat("0", 16) {
		return nil, fmt.Errorf("traceparent trace-id and parent-id cannot be all zeros")
	}

	flags, err := hex.DecodeString(parts[3])
	if err != nil {
		return nil, fmt.Errorf("invalid traceparent flags %q", parts[3])
	}

	return &TraceContext{
		Version:    parts[0],
		TraceID:    parts[1],
		ParentID:   parts[2],
		TraceFlags: flags[0],
	}, nil
}

// Traceparent renders the traceparent header value.
func (t *TraceContext) Traceparent() string {
	return fmt.Sprintf("%s-%s-%s-%02x", t.Version, t.TraceID, t.ParentID, t.TraceFlags)
}

// Child returns a trace context for an outbound call: same trace ID, fresh
// parent ID.
func (t *TraceContext) Child() *TraceContext {
	return &TraceContext{
		Version:    t.Version,
		TraceID:    t.TraceID,
		ParentID:   randomHex(8),
		TraceFlags: t.TraceFlags,
		TraceState: t.TraceState,
	}
}

// WithTrace returns a context carrying the given trace context.
func WithTrace(ctx context.Context, tc *TraceContext) context.Context {
	return context.WithValue(ctx, traceContextKey, tc)
}

// TraceFromContext returns the trace context carried by ctx, or nil.
func TraceFromContext(ctx context.Context) *TraceContext {
	if tc, ok := ctx.Value(traceContextKey).(*TraceContext); ok {
		return tc
	}
	return nil
}

// EnsureTrace returns ctx guaranteed to carry a trace context, along with the
// context to attach to the next outbound call (a child of the carried one).
func EnsureTrace(ctx context.Context) (context.Context, *TraceContext) {
	if tc := TraceFromContext(ctx); tc != nil {
		return ctx, tc.Child()
	}
	tc := NewTraceContext()
	return WithTrace(ctx, tc), tc
}

func randomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand never fails on supported platforms; a broken entropy
		// source is unrecoverable here.
		panic(fmt.Sprintf("correlation: reading random bytes: %v", err))
	}
	return hex.EncodeToString(b)
}
