package comm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/opd-ai/comm/crypto"
	"github.com/opd-ai/comm/dht"
	"github.com/opd-ai/comm/transport"
)

// EventBufferSize is the capacity of the channel returned by Node.Events.
const EventBufferSize = 256

// Node is a running overlay participant: its sockets, its advertised
// endpoints and the protocol engine serving them.
type Node struct {
	options *Options
	servers []*transport.UDPServer
	network *dht.Network
	events  chan dht.Event

	closeOnce sync.Once
	closeErr  error
}

// New binds the configured sockets, discovers the public endpoints and builds
// the engine. The node does nothing until Run is called.
func New(ctx context.Context, options *Options) (*Node, error) {
	if options == nil {
		options = NewOptions()
	}
	if err := options.Validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}

	address, err := options.SelfAddress()
	if err != nil {
		return nil, fmt.Errorf("self address: %w", err)
	}

	servers, err := bindServers(options.Listen)
	if err != nil {
		return nil, err
	}
	node := &Node{
		options: options,
		servers: servers,
		events:  make(chan dht.Event, EventBufferSize),
	}

	if err := node.build(ctx, address); err != nil {
		return nil, multierr.Append(err, node.Close())
	}
	return node, nil
}

func bindServers(listen []string) ([]*transport.UDPServer, error) {
	servers := make([]*transport.UDPServer, 0, len(listen))
	for _, raw := range listen {
		addr, err := transport.ParseListenURL(raw)
		if err == nil {
			var server *transport.UDPServer
			server, err = transport.NewUDPServer(addr)
			if err == nil {
				servers = append(servers, server)
				continue
			}
		}
		for _, s := range servers {
			err = multierr.Append(err, s.Close())
		}
		return nil, err
	}
	return servers, nil
}

func (node *Node) build(ctx context.Context, address crypto.Address) error {
	discoverer, err := node.options.discoverer()
	if err != nil {
		return err
	}

	endpoints := make([]transport.Endpoint, 0, len(node.servers))
	for _, server := range node.servers {
		public, err := discoverer.DiscoverPublicAddress(ctx, server.Conn())
		if err != nil {
			return fmt.Errorf("discover public address of %s: %w", server.LocalAddr(), err)
		}
		logrus.WithFields(logrus.Fields{
			"function": "New",
			"local":    server.LocalAddr().String(),
			"public":   public.String(),
		}).Info("Public endpoint discovered")
		endpoints = append(endpoints, transport.UDPEndpoint(public))
	}

	routers := make([]*dht.Node, 0, len(node.options.Routers))
	for _, raw := range node.options.Routers {
		addr, err := net.ResolveUDPAddr("udp", raw)
		if err != nil {
			return fmt.Errorf("resolve router %s: %w", raw, err)
		}
		routers = append(routers, dht.NewNode(crypto.Null(), transport.UDPEndpoint(addr)))
	}

	config, err := node.options.networkConfig()
	if err != nil {
		return err
	}
	config.Metrics, err = dht.NewMetrics(node.options.Registerer, address.String())
	if err != nil {
		return err
	}

	listeners := make([]transport.Listener, 0, len(node.servers))
	for _, server := range node.servers {
		listeners = append(listeners, server)
	}

	self := dht.NewNode(address, endpoints...)
	network, err := dht.NewNetwork(self, routers, socketSet(node.servers), listeners, config)
	if err != nil {
		return err
	}
	network.RegisterEventListener(node.events)
	node.network = network
	return nil
}

// Run serves until ctx is cancelled or Shutdown is called, then releases the
// sockets.
func (node *Node) Run(ctx context.Context) error {
	err := node.network.Run(ctx)
	if errors.Is(err, dht.ErrAlreadyRunning) {
		return err
	}
	return multierr.Append(err, node.Close())
}

// Close releases the sockets. Run calls it on exit; call it directly only for
// a node that was never run.
func (node *Node) Close() error {
	node.closeOnce.Do(func() {
		for _, server := range node.servers {
			node.closeErr = multierr.Append(node.closeErr, server.Close())
		}
	})
	return node.closeErr
}

// Address returns the node's overlay address.
func (node *Node) Address() crypto.Address {
	return node.network.Self().Address()
}

// PublicEndpoints returns the endpoints the node advertises to peers.
func (node *Node) PublicEndpoints() []transport.Endpoint {
	return node.network.Self().Endpoints()
}

// LocalAddrs returns the addresses the node's sockets are bound to.
func (node *Node) LocalAddrs() []net.Addr {
	addrs := make([]net.Addr, 0, len(node.servers))
	for _, server := range node.servers {
		addrs = append(addrs, server.LocalAddr())
	}
	return addrs
}

// Events delivers engine events. Events are dropped while the channel is full.
func (node *Node) Events() <-chan dht.Event {
	return node.events
}

// SendPacket delivers payload to the peers nearest to destination.
func (node *Node) SendPacket(ctx context.Context, destination crypto.Address, payload []byte) error {
	return node.network.SendPacket(ctx, destination, payload)
}

// Nearest returns up to count live peers closest to target.
func (node *Node) Nearest(ctx context.Context, target crypto.Address, count int) ([]transport.PeerDescriptor, error) {
	return node.network.Nearest(ctx, target, count)
}

// Shutdown asks the node to stop. Done closes once it has.
func (node *Node) Shutdown() {
	node.network.Shutdown()
}

// Done is closed once the engine has shut down.
func (node *Node) Done() <-chan struct{} {
	return node.network.Done()
}

// socketSet sends each datagram from the first socket of the destination's
// address family, or from a dual-stack socket, falling back to the first one.
type socketSet []*transport.UDPServer

func (s socketSet) SendTo(data []byte, addr net.Addr) error {
	if len(s) == 0 {
		return fmt.Errorf("no socket to send to %v", addr)
	}
	if dest, ok := addr.(*net.UDPAddr); ok {
		wantV4 := dest.IP.To4() != nil
		for _, server := range s {
			local, ok := server.LocalAddr().(*net.UDPAddr)
			if !ok {
				continue
			}
			if local.IP.Equal(net.IPv6unspecified) || (local.IP.To4() != nil) == wantV4 {
				return server.SendTo(data, addr)
			}
		}
	}
	return s[0].SendTo(data, addr)
}
