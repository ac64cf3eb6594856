package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/AlexZinkM/canton-connect/internal/registry"
)

func newManifestCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "manifest",
		Short: "Sign and inspect wallet registry manifests.",
	}
	cmd.AddCommand(newManifestSignCommand(), newManifestVerifyCommand())
	return cmd
}

func newManifestSignCommand() *cobra.Command {
	var keyID, keyFile, in, out string
	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Add a signature to a manifest.",
		Long:  `Signs the canonical form of the manifest and adds (or replaces) the signature of --key-id. Existing signatures of other keys are kept.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			key, err := loadSigningKey(keyFile)
			if err != nil {
				return err
			}
			raw, err := readInput(cmd, in)
			if err != nil {
				return err
			}
			signed, err := registry.Sign(raw, keyID, key)
			if err != nil {
				return err
			}
			if out == "" || out == "-" {
				_, err = cmd.OutOrStdout().Write(append(signed, '\n'))
				return err
			}
			return os.WriteFile(out, append(signed, '\n'), 0644)
		},
	}
	cmd.Flags().StringVar(&keyID, "key-id", "", "signing key id")
	cmd.Flags().StringVar(&keyFile, "key-file", "registry-signing.key", "private key file")
	cmd.Flags().StringVar(&in, "in", "-", "manifest to sign, - for stdin")
	cmd.Flags().StringVar(&out, "out", "-", "signed manifest output, - for stdout")
	return cmd
}

func newManifestVerifyCommand() *cobra.Command {
	var in string
	var keySpecs []string
	var threshold int
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify a manifest and list its wallets.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			keys, err := registry.ParseTrustedKeys(keySpecs)
			if err != nil {
				return err
			}
			raw, err := readInput(cmd, in)
			if err != nil {
				return err
			}
			m, err := registry.Verify(raw, keys, threshold)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "channel\t%s\nsequence\t%d\nissued\t%s\n", m.Channel, m.Sequence, m.IssuedAt.UTC().Format("2006-01-02T15:04:05Z"))
			if m.ExpiresAt != nil {
				fmt.Fprintf(w, "expires\t%s\n", m.ExpiresAt.UTC().Format("2006-01-02T15:04:05Z"))
			}
			fmt.Fprintln(w)
			fmt.Fprintln(w, "WALLET\tNAME\tNETWORKS\tCAPABILITIES")
			for _, e := range m.Wallets {
				fmt.Fprintf(w, "%s\t%s\t%v\t%v\n", e.WalletID, e.Name, e.Networks, e.Capabilities.Sorted())
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&in, "in", "-", "manifest to verify, - for stdin")
	cmd.Flags().StringSliceVar(&keySpecs, "key", nil, "trusted key as keyId:base58PublicKey (repeatable)")
	cmd.Flags().IntVar(&threshold, "threshold", 0, "required signatures, 0 for all keys")
	return cmd
}

func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "" || path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return raw, nil
}
