package cryptorpc

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"github.com/sessionkit/cryptolink/internal/correlation"
	"github.com/sessionkit/cryptolink/internal/crypto/domain"
	"github.com/sessionkit/cryptolink/internal/metrics"
)

// Metadata keys propagated to the crypto-service on every call.
const (
	correlationIDHeader = "x-correlation-id"
	traceparentHeader   = "traceparent"
	tracestateHeader    = "tracestate"
)

// Invoker performs a unary RPC. *grpc.ClientConn satisfies it; tests inject
// an in-memory implementation.
type Invoker interface {
	Invoke(ctx context.Context, method string, args, reply any, opts ...grpc.CallOption) error
}

// ClientConfig holds the client's connection and timing settings.
type ClientConfig struct {
	Endpoint       string
	Timeout        time.Duration
	LatencyWarning time.Duration
}

// Option customizes a Client.
type Option func(*Client)

// WithInvoker injects a transport, bypassing the gRPC dial. The client does
// not close an injected invoker.
func WithInvoker(inv Invoker) Option {
	return func(c *Client) { c.invoker = inv }
}

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m metrics.CryptoMetrics) Option {
	return func(c *Client) { c.metrics = m }
}

// call is one queued RPC. The worker goroutine executes calls strictly in
// order; done is buffered so the worker never blocks on a caller that gave up.
type call struct {
	ctx       context.Context
	method    string
	operation string
	req       any
	resp      any
	done      chan error
}

// Client is the resilient gRPC client for the remote crypto-service.
//
// A single worker goroutine owns the connection; public methods enqueue
// requests and wait. Every queued call attempts the transport: outage
// fail-fast belongs to the circuit breaker layered above, so its half-open
// probe always reaches the network and can observe a recovered service. The
// connected flag only records the outcome of the last interaction for
// health reporting.
type Client struct {
	cfg     ClientConfig
	logger  *slog.Logger
	metrics metrics.CryptoMetrics

	invoker   Invoker
	conn      *grpc.ClientConn
	connected atomic.Bool

	calls     chan *call
	closing   chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewClient creates a client and starts its worker goroutine. Call Connect
// before issuing operations; Close releases the worker and any owned
// connection.
func NewClient(cfg ClientConfig, opts ...Option) *Client {
	c := &Client{
		cfg:     cfg,
		logger:  slog.Default(),
		metrics: metrics.NewNoOpCryptoMetrics(),
		calls:   make(chan *call, 64),
		closing: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.wg.Add(1)
	go c.worker()

	return c
}

// Connect establishes the transport and verifies it with a ping. Safe to call
// again after a failure.
func (c *Client) Connect(ctx context.Context) error {
	if c.invoker == nil {
		conn, err := grpc.NewClient(
			c.cfg.Endpoint,
			grpc.WithTransportCredentials(insecure.NewCredentials()),
		)
		if err != nil {
			return fmt.Errorf("failed to create grpc client for %s: %w", c.cfg.Endpoint, err)
		}
		c.conn = conn
		c.invoker = conn
	}

	if _, err := c.Ping(ctx); err != nil {
		return err
	}
	return nil
}

// Connected reports whether the last remote interaction succeeded.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Close stops the worker and closes an owned connection. Pending calls fail
// with CodeServiceUnavailable.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closing)
		c.wg.Wait()
		c.connected.Store(false)
		if c.conn != nil {
			err = c.conn.Close()
		}
	})
	return err
}

// Encrypt encrypts plaintext under the active version of the named key.
func (c *Client) Encrypt(ctx context.Context, req *EncryptRequest) (*EncryptResponse, error) {
	resp := &EncryptResponse{}
	if err := c.do(ctx, MethodEncrypt, "encrypt", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Decrypt decrypts ciphertext under a specific key version.
func (c *Client) Decrypt(ctx context.Context, req *DecryptRequest) (*DecryptResponse, error) {
	resp := &DecryptResponse{}
	if err := c.do(ctx, MethodDecrypt, "decrypt", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Sign signs the JWS signing input with the active version of the named key.
func (c *Client) Sign(ctx context.Context, req *SignRequest) (*SignResponse, error) {
	resp := &SignResponse{}
	if err := c.do(ctx, MethodSign, "sign", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Verify verifies a signature under a specific key version.
func (c *Client) Verify(ctx context.Context, req *VerifyRequest) (*VerifyResponse, error) {
	resp := &VerifyResponse{}
	if err := c.do(ctx, MethodVerify, "verify", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// GetKeyMetadata resolves metadata for a key version. Version 0 resolves the
// currently active version of the family.
func (c *Client) GetKeyMetadata(ctx context.Context, req *GetKeyMetadataRequest) (*domain.KeyMetadata, error) {
	resp := &KeyMetadataResponse{}
	if err := c.do(ctx, MethodGetKeyMetadata, "get_key_metadata", req, resp); err != nil {
		return nil, err
	}
	return resp.ToDomain()
}

// Ping probes service liveness. A successful ping marks the client
// connected for health reporting.
func (c *Client) Ping(ctx context.Context) (*PingResponse, error) {
	resp := &PingResponse{}
	if err := c.do(ctx, MethodPing, "ping", &PingRequest{}, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) do(ctx context.Context, method, operation string, req, resp any) error {
	ctx, correlationID := correlation.EnsureID(ctx)

	cl := &call{
		ctx:       ctx,
		method:    method,
		operation: operation,
		req:       req,
		resp:      resp,
		done:      make(chan error, 1),
	}

	select {
	case c.calls <- cl:
	case <-ctx.Done():
		return mapRPCError(ctx.Err(), operation, correlationID)
	case <-c.closing:
		return domain.NewCryptoError(domain.CodeServiceUnavailable, "client closed", correlationID, nil)
	}

	select {
	case err := <-cl.done:
		return err
	case <-ctx.Done():
		return mapRPCError(ctx.Err(), operation, correlationID)
	}
}

func (c *Client) worker() {
	defer c.wg.Done()

	for {
		select {
		case cl := <-c.calls:
			cl.done <- c.execute(cl)
		case <-c.closing:
			// Drain queued calls so no caller waits forever.
			for {
				select {
				case cl := <-c.calls:
					cl.done <- domain.NewCryptoError(
						domain.CodeServiceUnavailable,
						"client closed",
						correlation.IDFromContext(cl.ctx),
						nil,
					)
				default:
					return
				}
			}
		}
	}
}

func (c *Client) execute(cl *call) error {
	correlationID := correlation.IDFromContext(cl.ctx)

	if c.invoker == nil {
		return domain.NewCryptoError(domain.CodeServiceUnavailable, "client not connected", correlationID, nil)
	}

	ctx, cancel := context.WithTimeout(cl.ctx, c.cfg.Timeout)
	defer cancel()

	ctx, span := correlation.EnsureTrace(ctx)
	ctx = metadata.AppendToOutgoingContext(ctx,
		correlationIDHeader, correlationID,
		traceparentHeader, span.Traceparent(),
	)
	if span.TraceState != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, tracestateHeader, span.TraceState)
	}

	start := time.Now()
	err := c.invoker.Invoke(ctx, cl.method, cl.req, cl.resp, grpc.ForceCodec(jsonCodec{}))
	elapsed := time.Since(start)

	c.metrics.SetRemoteLatency(cl.ctx, elapsed)
	if c.cfg.LatencyWarning > 0 && elapsed > c.cfg.LatencyWarning {
		c.logger.Warn("slow crypto-service call",
			"operation", cl.operation,
			"duration_ms", elapsed.Milliseconds(),
			"correlation_id", correlationID,
		)
	}

	if err != nil {
		mapped := mapRPCError(err, cl.operation, correlationID)
		if mapped.Code.Transient() {
			if c.connected.Swap(false) {
				c.logger.Warn("crypto-service connection lost",
					"operation", cl.operation,
					"error", mapped.Message,
					"correlation_id", correlationID,
				)
			}
		}
		return mapped
	}

	if !c.connected.Swap(true) {
		c.logger.Info("crypto-service connection established",
			"endpoint", c.cfg.Endpoint,
			"correlation_id", correlationID,
		)
	}
	return nil
}
