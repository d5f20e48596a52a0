package commands

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"

	"gocloud.dev/secrets"
	_ "gocloud.dev/secrets/awskms"
	_ "gocloud.dev/secrets/azurekeyvault"
	_ "gocloud.dev/secrets/gcpkms"
	_ "gocloud.dev/secrets/hashivault"
	_ "gocloud.dev/secrets/localsecrets"
)

// RunCreateFallbackKey generates a 32-byte fallback key seed, encrypts it with
// the given secrets keeper, and prints the environment variables to configure
// degraded local operation. The seed is zeroed from memory after encryption.
//
// For local development use keeperURI="base64key://<32-byte-base64-key>". In
// production use a real keeper such as "hashivault://<key-name>".
func RunCreateFallbackKey(ctx context.Context, keeperURI string, w io.Writer) error {
	if keeperURI == "" {
		return fmt.Errorf(
			"--keeper-uri is required\n\nFor local development, use:\n  --keeper-uri=\"base64key://<32-byte-base64-key>\"\n\nFor production, use a Vault transit key:\n  --keeper-uri=\"hashivault://<key-name>\"",
		)
	}

	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		return fmt.Errorf("failed to generate fallback key seed: %w", err)
	}

	keeper, err := secrets.OpenKeeper(ctx, keeperURI)
	if err != nil {
		return fmt.Errorf("failed to open secrets keeper: %w", err)
	}
	defer func() {
		if closeErr := keeper.Close(); closeErr != nil {
			fmt.Fprintf(w, "# Warning: failed to close secrets keeper: %v\n", closeErr)
		}
	}()

	ciphertext, err := keeper.Encrypt(ctx, seed)
	if err != nil {
		return fmt.Errorf("failed to encrypt fallback key seed: %w", err)
	}

	// Zero out the seed from memory
	for i := range seed {
		seed[i] = 0
	}

	fmt.Fprintln(w, "# Fallback Key Configuration")
	fmt.Fprintln(w, "# Copy these environment variables to your .env file or secrets manager")
	fmt.Fprintln(w)
	fmt.Fprintf(w, "FALLBACK_KEY_URI=%q\n", keeperURI)
	fmt.Fprintf(w, "FALLBACK_KEY_CIPHERTEXT=%q\n", base64.StdEncoding.EncodeToString(ciphertext))

	return nil
}
