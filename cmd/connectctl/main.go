// Command connectctl is the operator tool for registry signing keys, manifests and
// stored session records.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "connectctl",
		Short:         "Operator tooling for canton-connect.",
		SilenceErrors: true,
	}
	root.AddCommand(newKeygenCommand(), newManifestCommand(), newSessionCommand())
	return root
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "connectctl:", err)
		os.Exit(1)
	}
}
