package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/opd-ai/comm/crypto"
)

// addressCmd prints the overlay address derived from a secret.
var addressCmd = &cobra.Command{
	Use:   "address CONTENT",
	Short: "Print the address derived from CONTENT",
	Long: `Print the 160-bit address a node started with --secret CONTENT would use.

Example:
  comm address alice`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Fprintln(cmd.OutOrStdout(), crypto.ForContent(args[0]))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(addressCmd)
}
