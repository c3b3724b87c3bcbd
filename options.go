package comm

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/opd-ai/comm/crypto"
	"github.com/opd-ai/comm/dht"
	"github.com/opd-ai/comm/transport"
)

// Options contains configuration options for creating a Node.
type Options struct {
	// Secret derives the node address. An empty secret gives a random address.
	Secret string `yaml:"secret"`
	// Listen holds the local sockets, as udp://host:port URLs.
	Listen []string `yaml:"listen"`
	// Routers are host:port addresses used to join the overlay.
	Routers []string `yaml:"routers"`
	// PublicAddress skips discovery and advertises this host:port instead.
	PublicAddress string `yaml:"public_address"`
	// STUNServers enables STUN discovery when PublicAddress is empty.
	STUNServers []string `yaml:"stun_servers"`
	// NetworkKey seals every datagram when set (64 hex characters).
	NetworkKey string `yaml:"network_key"`

	BucketSize          int           `yaml:"bucket_size"`
	BootstrapRetry      time.Duration `yaml:"bootstrap_retry"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	RefreshInterval     time.Duration `yaml:"refresh_interval"`
	ShutdownTimeout     time.Duration `yaml:"shutdown_timeout"`
	PendingActions      int           `yaml:"pending_actions"`

	LogLevel       string `yaml:"log_level"`
	LogFormat      string `yaml:"log_format"`
	MetricsAddress string `yaml:"metrics_address"`

	// Registerer receives the node's metrics. Nil leaves them unregistered.
	Registerer prometheus.Registerer `yaml:"-"`
}

// NewOptions creates a new default Options.
func NewOptions() *Options {
	defaults := dht.DefaultNetworkConfig()
	return &Options{
		Listen:              []string{"udp://0.0.0.0:0"},
		BucketSize:          defaults.BucketSize,
		BootstrapRetry:      defaults.BootstrapRetry,
		HealthCheckInterval: defaults.HealthCheckInterval,
		RefreshInterval:     defaults.RefreshInterval,
		ShutdownTimeout:     defaults.ShutdownTimeout,
		PendingActions:      defaults.PendingActions,
		LogLevel:            "info",
		LogFormat:           "text",
	}
}

// LoadOptions reads a YAML file over the defaults.
func LoadOptions(path string) (*Options, error) {
	opts := NewOptions()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read options: %w", err)
	}
	if err := yaml.Unmarshal(data, opts); err != nil {
		return nil, fmt.Errorf("parse options %s: %w", path, err)
	}
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid options %s: %w", path, err)
	}
	return opts, nil
}

// Validate checks that the options describe a node that can start.
func (o *Options) Validate() error {
	var result error

	if len(o.Listen) == 0 {
		result = multierr.Append(result, errors.New("at least one listen address is required"))
	}
	for _, raw := range o.Listen {
		if _, err := transport.ParseListenURL(raw); err != nil {
			result = multierr.Append(result, err)
		}
	}
	for _, router := range o.Routers {
		if _, _, err := net.SplitHostPort(router); err != nil {
			result = multierr.Append(result, fmt.Errorf("router %q: %w", router, err))
		}
	}
	if o.PublicAddress != "" {
		if _, _, err := net.SplitHostPort(o.PublicAddress); err != nil {
			result = multierr.Append(result, fmt.Errorf("public address %q: %w", o.PublicAddress, err))
		}
	}
	if o.NetworkKey != "" {
		if _, err := crypto.ParseNetworkKey(o.NetworkKey); err != nil {
			result = multierr.Append(result, err)
		}
	}

	if o.BucketSize <= 0 {
		result = multierr.Append(result, fmt.Errorf("bucket_size must be positive, got %d", o.BucketSize))
	}
	if o.PendingActions <= 0 {
		result = multierr.Append(result, fmt.Errorf("pending_actions must be positive, got %d", o.PendingActions))
	}
	durations := map[string]time.Duration{
		"bootstrap_retry":       o.BootstrapRetry,
		"health_check_interval": o.HealthCheckInterval,
		"refresh_interval":      o.RefreshInterval,
		"shutdown_timeout":      o.ShutdownTimeout,
	}
	for name, d := range durations {
		if d <= 0 {
			result = multierr.Append(result, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}

	return result
}

// SelfAddress derives the node address from Secret.
func (o *Options) SelfAddress() (crypto.Address, error) {
	if o.Secret != "" {
		return crypto.ForContent(o.Secret), nil
	}
	return crypto.RandomAddress()
}

// networkConfig converts the engine subset of the options.
func (o *Options) networkConfig() (*dht.NetworkConfig, error) {
	config := dht.DefaultNetworkConfig()
	config.BucketSize = o.BucketSize
	config.BootstrapRetry = o.BootstrapRetry
	config.HealthCheckInterval = o.HealthCheckInterval
	config.RefreshInterval = o.RefreshInterval
	config.ShutdownTimeout = o.ShutdownTimeout
	config.PendingActions = o.PendingActions

	if o.NetworkKey != "" {
		key, err := crypto.ParseNetworkKey(o.NetworkKey)
		if err != nil {
			return nil, err
		}
		config.Codec = transport.NewSealedCodec(nil, key)
	}
	return config, nil
}

// discoverer picks how the node learns the address it advertises.
func (o *Options) discoverer() (transport.AddressDiscoverer, error) {
	switch {
	case o.PublicAddress != "":
		addr, err := net.ResolveUDPAddr("udp", o.PublicAddress)
		if err != nil {
			return nil, fmt.Errorf("resolve public address: %w", err)
		}
		return transport.StaticDiscoverer{Addr: addr}, nil
	case len(o.STUNServers) > 0:
		client := transport.NewSTUNClient()
		client.SetServers(o.STUNServers)
		return client, nil
	default:
		return transport.StaticDiscoverer{}, nil
	}
}
