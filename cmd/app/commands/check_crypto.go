package commands

import (
	"context"
	"fmt"
	"io"

	"github.com/sessionkit/cryptolink/internal/app"
	"github.com/sessionkit/cryptolink/internal/config"
	"github.com/sessionkit/cryptolink/internal/crypto/domain"
	"github.com/sessionkit/cryptolink/internal/cryptorpc"
)

// RunCheckCrypto verifies connectivity to the crypto-service and reports the
// active key version for every configured namespace. It exits with an error
// when the service is unreachable, making it usable as a deployment probe.
func RunCheckCrypto(ctx context.Context, ioTuple IOTuple) error {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	container := app.NewContainer(cfg)
	logger := container.Logger()
	defer closeContainer(container, logger)

	return checkCrypto(ctx, container, ioTuple.Writer)
}

// checkCrypto runs the probe against an initialized container.
func checkCrypto(ctx context.Context, container *app.Container, w io.Writer) error {
	cfg := container.Config()

	client, err := container.Client()
	if err != nil {
		return fmt.Errorf("failed to initialize crypto client: %w", err)
	}

	connectCtx, cancel := context.WithTimeout(ctx, cfg.CryptoTimeout)
	defer cancel()
	if err := client.Connect(connectCtx); err != nil {
		return fmt.Errorf("crypto-service unreachable at %s: %w", cfg.CryptoServiceEndpoint, err)
	}

	resp, err := client.Ping(ctx)
	if err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}
	fmt.Fprintf(w, "crypto-service at %s: %s\n", cfg.CryptoServiceEndpoint, resp.Status)

	namespaces := []domain.Namespace{
		domain.NamespaceJWT,
		domain.NamespaceSession,
		domain.NamespaceRefreshToken,
	}
	var probeErrors int
	for _, ns := range namespaces {
		keyName, ok := cfg.KeyName(ns)
		if !ok {
			continue
		}

		meta, err := client.GetKeyMetadata(ctx, &cryptorpc.GetKeyMetadataRequest{
			Namespace: string(ns),
			KeyName:   keyName,
		})
		if err != nil {
			fmt.Fprintf(w, "%s/%s: ERROR %v\n", ns, keyName, err)
			probeErrors++
			continue
		}
		fmt.Fprintf(w, "%s/%s: version %d (%s, %s)\n",
			ns, keyName, meta.ID.Version, meta.Algorithm, meta.State)
	}

	if probeErrors > 0 {
		return fmt.Errorf("%d key probe(s) failed", probeErrors)
	}
	return nil
}
