package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/opd-ai/comm"
	"github.com/opd-ai/comm/crypto"
	"github.com/opd-ai/comm/dht"
)

// runCmd starts a single node.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a single node",
	Long: `Run a single overlay node.

Each stdin line of the form "ADDRESS text" sends text as a packet towards
ADDRESS (40 hex characters). Received packets are printed to stdout.

Example:
  comm run --secret alice --listen udp://0.0.0.0:4000 --router 192.0.2.10:4000`,
	Args: cobra.NoArgs,
	RunE: runNode,
}

func init() {
	rootCmd.AddCommand(runCmd)
	addRunFlags(runCmd.Flags())
}

func addRunFlags(flags *pflag.FlagSet) {
	flags.String("config", "", "YAML options file")
	flags.String("secret", "", "Secret the node address is derived from")
	flags.StringSlice("listen", nil, "Listen URLs (udp://host:port)")
	flags.StringSlice("router", nil, "Router addresses (host:port)")
	flags.String("public-address", "", "Advertise this host:port instead of discovering it")
	flags.StringSlice("stun", nil, "STUN servers used to discover the public address")
	flags.String("network-key", "", "Hex key sealing every datagram")
	flags.String("log-level", "", "Log level (debug, info, warn, error)")
	flags.String("log-format", "", "Log format (text, json)")
	flags.String("metrics-address", "", "Serve Prometheus metrics on this host:port")
}

// loadRunOptions reads --config, if any, and applies the flags the user set.
func loadRunOptions(cmd *cobra.Command) (*comm.Options, error) {
	options := comm.NewOptions()
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		loaded, err := comm.LoadOptions(path)
		if err != nil {
			return nil, err
		}
		options = loaded
	}

	flags := cmd.Flags()
	if flags.Changed("secret") {
		options.Secret, _ = flags.GetString("secret")
	}
	if flags.Changed("listen") {
		options.Listen, _ = flags.GetStringSlice("listen")
	}
	if flags.Changed("router") {
		options.Routers, _ = flags.GetStringSlice("router")
	}
	if flags.Changed("public-address") {
		options.PublicAddress, _ = flags.GetString("public-address")
	}
	if flags.Changed("stun") {
		options.STUNServers, _ = flags.GetStringSlice("stun")
	}
	if flags.Changed("network-key") {
		options.NetworkKey, _ = flags.GetString("network-key")
	}
	if flags.Changed("log-level") {
		options.LogLevel, _ = flags.GetString("log-level")
	}
	if flags.Changed("log-format") {
		options.LogFormat, _ = flags.GetString("log-format")
	}
	if flags.Changed("metrics-address") {
		options.MetricsAddress, _ = flags.GetString("metrics-address")
	}
	return options, nil
}

func runNode(cmd *cobra.Command, _ []string) error {
	options, err := loadRunOptions(cmd)
	if err != nil {
		return err
	}
	if err := comm.ConfigureLogging(options.LogLevel, options.LogFormat); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	if options.MetricsAddress != "" {
		options.Registerer = reg
	}

	node, err := comm.New(ctx, options)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "address %s\n", node.Address())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return node.Run(ctx)
	})
	g.Go(func() error {
		printPackets(ctx, node.Events(), cmd.OutOrStdout())
		return nil
	})
	if options.MetricsAddress != "" {
		g.Go(func() error {
			return serveMetrics(ctx, options.MetricsAddress, reg)
		})
	}
	go sendLines(ctx, node, cmd.InOrStdin())

	return g.Wait()
}

// packetSender is the part of comm.Node that sendLines needs.
type packetSender interface {
	SendPacket(ctx context.Context, destination crypto.Address, payload []byte) error
}

// sendLines sends one packet per "ADDRESS text" line until r is exhausted.
func sendLines(ctx context.Context, node packetSender, r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		destination, payload, err := parseLine(line)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "sendLines",
				"error":    err.Error(),
			}).Warn("Ignoring input line")
			continue
		}
		if err := node.SendPacket(ctx, destination, payload); err != nil {
			return
		}
	}
}

// parseLine splits "ADDRESS text" into its destination and payload.
func parseLine(line string) (crypto.Address, []byte, error) {
	hexAddress, text, found := strings.Cut(line, " ")
	if !found || text == "" {
		return crypto.Address{}, nil, fmt.Errorf("expected \"ADDRESS text\", got %q", line)
	}
	destination, err := crypto.FromHex(hexAddress)
	if err != nil {
		return crypto.Address{}, nil, err
	}
	return destination, []byte(text), nil
}

// printPackets writes every received packet to out until ctx is done.
func printPackets(ctx context.Context, events <-chan dht.Event, out io.Writer) {
	for {
		select {
		case e := <-events:
			if e.Type == dht.EventReceivedPacket {
				fmt.Fprintf(out, "%s %s\n", e.Origin, e.Payload)
			}
		case <-ctx.Done():
			return
		}
	}
}

// serveMetrics exposes reg on /metrics until ctx is done.
func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logrus.WithFields(logrus.Fields{
		"function": "serveMetrics",
		"address":  addr,
	}).Info("Serving metrics")

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
