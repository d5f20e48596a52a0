// Package main provides the entry point for the application with CLI commands.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/sessionkit/cryptolink/cmd/app/commands"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	cmd := &cli.Command{
		Name:    "cryptolink",
		Usage:   "Session service crypto integration layer",
		Version: version,
		Commands: []*cli.Command{
			{
				Name:  "server",
				Usage: "Start the health and metrics servers",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return commands.RunServer(ctx, version)
				},
			},
			{
				Name:  "check-crypto",
				Usage: "Probe the crypto-service and report active key versions",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return commands.RunCheckCrypto(ctx, commands.DefaultIO())
				},
			},
			{
				Name:  "create-fallback-key",
				Usage: "Generate and keeper-encrypt a fallback key seed",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "keeper-uri",
						Aliases: []string{"k"},
						Value:   "",
						Usage:   "Secrets keeper URI protecting the seed (e.g., base64key://..., hashivault://...)",
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return commands.RunCreateFallbackKey(ctx, cmd.String("keeper-uri"), os.Stdout)
				},
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
