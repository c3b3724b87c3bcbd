package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/opd-ai/comm"
)

// multiCmd starts a local swarm of nodes.
var multiCmd = &cobra.Command{
	Use:   "multi HOST START END",
	Short: "Run one node per port in [START, END)",
	Long: `Run one node with a random address on every port from START up to,
but not including, END. All nodes join through the same router.

Example:
  comm multi 0.0.0.0 8000 8100 --rampup 500ms --router 192.0.2.10:6667`,
	Args: cobra.ExactArgs(3),
	RunE: runMulti,
}

func init() {
	rootCmd.AddCommand(multiCmd)

	multiCmd.Flags().Duration("rampup", 500*time.Millisecond, "Delay between node starts")
	multiCmd.Flags().String("router", "", "Router address (host:port) every node joins through")
	multiCmd.Flags().String("log-level", "info", "Log level (debug, info, warn, error)")
}

// parsePortRange validates START and END.
func parsePortRange(startArg, endArg string) (int, int, error) {
	start, err := strconv.ParseUint(startArg, 10, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid start port %q: %w", startArg, err)
	}
	end, err := strconv.ParseUint(endArg, 10, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid end port %q: %w", endArg, err)
	}
	if start >= end {
		return 0, 0, fmt.Errorf("start port %d must be below end port %d", start, end)
	}
	return int(start), int(end), nil
}

// swarmOptions builds the options of the node listening on host:port.
func swarmOptions(host string, port int, router string) *comm.Options {
	options := comm.NewOptions()
	options.Listen = []string{"udp://" + net.JoinHostPort(host, strconv.Itoa(port))}
	if router != "" {
		options.Routers = []string{router}
	}
	return options
}

func runMulti(cmd *cobra.Command, args []string) error {
	host := args[0]
	start, end, err := parsePortRange(args[1], args[2])
	if err != nil {
		return err
	}
	rampup, _ := cmd.Flags().GetDuration("rampup")
	router, _ := cmd.Flags().GetString("router")
	level, _ := cmd.Flags().GetString("log-level")
	if err := comm.ConfigureLogging(level, ""); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logrus.WithFields(logrus.Fields{
		"function": "runMulti",
		"host":     host,
		"start":    start,
		"end":      end,
	}).Info("Starting nodes")

	g, ctx := errgroup.WithContext(ctx)
	for port := start; port < end; port++ {
		node, err := comm.New(ctx, swarmOptions(host, port, router))
		if err != nil {
			stop()
			return multiWait(g, fmt.Errorf("start node on port %d: %w", port, err))
		}
		logrus.WithFields(logrus.Fields{
			"function": "runMulti",
			"port":     port,
			"address":  node.Address().String(),
		}).Debug("Node started")
		g.Go(func() error {
			return node.Run(ctx)
		})

		if !sleepContext(ctx, rampup) {
			return g.Wait()
		}
	}

	logrus.WithField("function", "runMulti").Info("All nodes running")
	return g.Wait()
}

// multiWait waits for the running nodes and reports cause first.
func multiWait(g *errgroup.Group, cause error) error {
	if err := g.Wait(); err != nil {
		return fmt.Errorf("%w (while stopping: %v)", cause, err)
	}
	return cause
}

// sleepContext waits for d and reports whether ctx is still live.
func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
