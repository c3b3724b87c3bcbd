// Package main provides the command-line interface for running overlay nodes.
//
// The comm command starts a single node that relays stdin lines as packets,
// starts a local swarm of nodes for experiments, or prints the address a
// secret maps to.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// rootCmd is the base command when called without subcommands.
var rootCmd = &cobra.Command{
	Use:   "comm",
	Short: "Kademlia overlay node",
	Long: `comm runs nodes of a Kademlia style overlay network.

Nodes find each other through routers, keep their routing tables fresh and
deliver packets to the peers nearest to a destination address.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
