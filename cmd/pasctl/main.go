// Package main provides pasctl, the operator CLI for the PAS services.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "pasctl",
		Short:         "Operator tooling for the Da Vinci PAS translation services",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(qreCmd())
	root.AddCommand(orchestrationCmd())
	root.AddCommand(slaCmd())
	root.AddCommand(dbCmd())
	return root
}
