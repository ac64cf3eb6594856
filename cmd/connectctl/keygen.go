package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/spf13/cobra"
)

func newKeygenCommand() *cobra.Command {
	var keyID, out string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a registry signing key.",
		Long:  `Generates an ed25519 registry signing key, writes the private key (base58) to --out and prints the REGISTRY_KEYS entry.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			if keyID == "" || strings.Contains(keyID, ":") {
				return fmt.Errorf("--key-id is required and cannot contain ':'")
			}
			key, err := solana.NewRandomPrivateKey()
			if err != nil {
				return fmt.Errorf("failed to generate key: %w", err)
			}
			if err := os.WriteFile(out, []byte(key.String()+"\n"), 0600); err != nil {
				return fmt.Errorf("failed to write private key: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s:%s\n", keyID, key.PublicKey())
			return nil
		},
	}
	cmd.Flags().StringVar(&keyID, "key-id", "", "key id recorded in manifest signatures")
	cmd.Flags().StringVar(&out, "out", "registry-signing.key", "private key output file")
	return cmd
}

// loadSigningKey reads a base58 private key, or a solana-keygen JSON key file
func loadSigningKey(path string) (solana.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read signing key: %w", err)
	}
	s := strings.TrimSpace(string(raw))
	if strings.HasPrefix(s, "[") {
		return solana.PrivateKeyFromSolanaKeygenFile(path)
	}
	key, err := solana.PrivateKeyFromBase58(s)
	if err != nil {
		return nil, fmt.Errorf("invalid signing key: %w", err)
	}
	return key, nil
}
