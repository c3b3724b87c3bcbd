package dht

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/opd-ai/comm/crypto"
	"github.com/opd-ai/comm/limits"
	"github.com/opd-ai/comm/transport"
)

var (
	// ErrAlreadyRunning is returned by a second call to Run.
	ErrAlreadyRunning = errors.New("network already running")
	// ErrStopped is returned by commands issued after shutdown.
	ErrStopped = errors.New("network stopped")
	// ErrShutdownTimeout is reported for listeners that did not acknowledge Stop.
	ErrShutdownTimeout = errors.New("listener did not stop in time")
)

// NetworkConfig holds the engine's tunables.
type NetworkConfig struct {
	// Bucket capacity (k)
	BucketSize int
	// How long to wait for a bootstrap round before retrying it
	BootstrapRetry time.Duration
	// How often to ping the nearest and questionable peers
	HealthCheckInterval time.Duration
	// How often to refresh a stale bucket
	RefreshInterval time.Duration
	// How long to wait for listeners to acknowledge shutdown
	ShutdownTimeout time.Duration
	// Upper bound on tracked outstanding transactions
	PendingActions int
	// Capacity of the inbound datagram queue
	InboxSize int

	// Codec defaults to transport.ProtoCodec.
	Codec transport.Codec
	// Clock defaults to the wall clock.
	Clock clock.Clock
	// Metrics defaults to an unregistered set.
	Metrics *Metrics
}

// DefaultNetworkConfig returns the defaults used by the CLI.
func DefaultNetworkConfig() *NetworkConfig {
	return &NetworkConfig{
		BucketSize:          8,
		BootstrapRetry:      time.Second,
		HealthCheckInterval: time.Second,
		RefreshInterval:     time.Second,
		ShutdownTimeout:     5 * time.Second,
		PendingActions:      4096,
		InboxSize:           1024,
	}
}

// EventType distinguishes notifications sent to event listeners.
type EventType uint8

const (
	// EventStarted is sent once the listeners are up.
	EventStarted EventType = iota + 1
	// EventReceivedPacket carries an application payload from a peer.
	EventReceivedPacket
	// EventShutdown is the last event a network sends.
	EventShutdown
)

func (t EventType) String() string {
	switch t {
	case EventStarted:
		return "started"
	case EventReceivedPacket:
		return "received_packet"
	case EventShutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// Event is a notification from the engine.
type Event struct {
	Type    EventType
	Origin  crypto.Address
	Payload []byte
}

type action uint8

const (
	actionBootstrap action = iota + 1
	actionHealthCheck
	actionRefresh
	actionPacket
)

type commandKind uint8

const (
	commandSendPacket commandKind = iota + 1
	commandNearest
	commandShutdown
)

type command struct {
	kind    commandKind
	target  crypto.Address
	payload []byte
	count   int
	reply   chan []transport.PeerDescriptor
}

// Network is the protocol engine. All routing state is owned by the goroutine
// running Run; other goroutines talk to it through commands and events.
type Network struct {
	config    *NetworkConfig
	self      *Node
	table     *RoutingTable
	txids     *TransactionIDGenerator
	codec     transport.Codec
	sender    transport.PacketSender
	listeners []transport.Listener
	clock     clock.Clock
	metrics   *Metrics
	logger    *logrus.Entry

	pendingActions *lru.Cache[TransactionID, action]
	eventSinks     []chan<- Event

	inbox    chan []byte
	commands chan command
	timeouts chan scheduledTask
	done     chan struct{}
	started  atomic.Bool

	bootstrapping        bool
	bootstrapTransaction TransactionID
	maintenanceStarted   bool
}

// NewNetwork creates an engine for self. Routers are placeholder nodes, usually
// with the null address, used until real peers are known.
func NewNetwork(self *Node, routers []*Node, sender transport.PacketSender,
	listeners []transport.Listener, config *NetworkConfig,
) (*Network, error) {
	if config == nil {
		config = DefaultNetworkConfig()
	}
	if self == nil {
		return nil, errors.New("self node is required")
	}
	if sender == nil {
		return nil, errors.New("packet sender is required")
	}
	if config.BucketSize <= 0 {
		return nil, fmt.Errorf("bucket size must be positive, got %d", config.BucketSize)
	}

	clk := config.Clock
	if clk == nil {
		clk = clock.New()
	}
	codec := config.Codec
	if codec == nil {
		codec = transport.ProtoCodec{}
	}
	metrics := config.Metrics
	if metrics == nil {
		m, err := NewMetrics(nil, self.Address().String())
		if err != nil {
			return nil, err
		}
		metrics = m
	}

	pending, err := lru.New[TransactionID, action](config.PendingActions)
	if err != nil {
		return nil, fmt.Errorf("pending actions: %w", err)
	}

	n := &Network{
		config:         config,
		self:           self,
		table:          NewRoutingTableWithClock(clk, config.BucketSize, self.Address(), routers),
		txids:          NewTransactionIDGenerator(),
		codec:          codec,
		sender:         sender,
		listeners:      append([]transport.Listener(nil), listeners...),
		clock:          clk,
		metrics:        metrics,
		pendingActions: pending,
		inbox:          make(chan []byte, config.InboxSize),
		commands:       make(chan command),
		timeouts:       make(chan scheduledTask),
		done:           make(chan struct{}),
		logger: logrus.WithFields(logrus.Fields{
			"node": self.Address().String(),
		}),
	}
	n.table.SetPinger(n)
	return n, nil
}

// Self returns the local node.
func (n *Network) Self() *Node {
	return n.self
}

// RegisterEventListener adds a channel that receives every event. It must be
// called before Run. Events are dropped when the channel is full.
func (n *Network) RegisterEventListener(sink chan<- Event) {
	n.eventSinks = append(n.eventSinks, sink)
}

// Done is closed once the engine has shut down.
func (n *Network) Done() <-chan struct{} {
	return n.done
}

// Run starts the listeners, bootstraps and serves until Shutdown is called or
// ctx is cancelled. The returned error combines listener shutdown failures.
func (n *Network) Run(ctx context.Context) error {
	if !n.started.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	for i, l := range n.listeners {
		if err := l.Start(n.inbox); err != nil {
			for _, started := range n.listeners[:i] {
				<-started.Stop()
			}
			close(n.done)
			return fmt.Errorf("start listener %s: %w", l.LocalAddr(), err)
		}
	}

	n.logger.WithFields(logrus.Fields{
		"function":  "Run",
		"endpoints": fmt.Sprint(n.self.Endpoints()),
		"routers":   len(n.table.Routers()),
	}).Info("Network started")
	n.emit(Event{Type: EventStarted})

	n.startBootstrap()

	for {
		select {
		case data := <-n.inbox:
			n.handleDatagram(data)
		case cmd := <-n.commands:
			if cmd.kind == commandShutdown {
				return n.shutdown()
			}
			n.handleCommand(cmd)
		case task := <-n.timeouts:
			n.handleTask(task)
		case <-ctx.Done():
			return n.shutdown()
		}
	}
}

// SendPacket delivers payload to the peers nearest to destination. Payloads
// over limits.MaxPacketPayload are rejected.
func (n *Network) SendPacket(ctx context.Context, destination crypto.Address, payload []byte) error {
	if err := limits.ValidatePacketPayload(payload); err != nil {
		return err
	}
	return n.submit(ctx, command{
		kind:    commandSendPacket,
		target:  destination,
		payload: append([]byte(nil), payload...),
	})
}

// Nearest returns descriptors of up to count live peers closest to target.
func (n *Network) Nearest(ctx context.Context, target crypto.Address, count int) ([]transport.PeerDescriptor, error) {
	reply := make(chan []transport.PeerDescriptor, 1)
	if err := n.submit(ctx, command{kind: commandNearest, target: target, count: count, reply: reply}); err != nil {
		return nil, err
	}
	select {
	case peers := <-reply:
		return peers, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-n.done:
		return nil, ErrStopped
	}
}

// Shutdown asks the engine to stop. It does not wait; use Done for that.
func (n *Network) Shutdown() {
	if !n.started.Load() {
		return
	}
	go func() {
		select {
		case n.commands <- command{kind: commandShutdown}:
		case <-n.done:
		}
	}()
}

func (n *Network) submit(ctx context.Context, cmd command) error {
	if !n.started.Load() {
		return errors.New("network not running")
	}
	select {
	case n.commands <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-n.done:
		return ErrStopped
	}
}

func (n *Network) handleCommand(cmd command) {
	switch cmd.kind {
	case commandSendPacket:
		n.sendPacket(cmd.target, cmd.payload)
	case commandNearest:
		nodes := n.table.NearestKnown(cmd.target, cmd.count)
		peers := make([]transport.PeerDescriptor, 0, len(nodes))
		for _, node := range nodes {
			peers = append(peers, node.Descriptor())
		}
		cmd.reply <- peers
	}
}

func (n *Network) sendPacket(destination crypto.Address, payload []byte) {
	txid := n.txids.Generate()
	n.pendingActions.Add(txid, actionPacket)

	targets := n.table.Nearest(destination, n.config.BucketSize, true)
	for _, node := range targets {
		n.sendQuery(node, transport.NewPacketQuery(txid, n.self.Descriptor(), payload))
	}

	n.logger.WithFields(logrus.Fields{
		"function":    "sendPacket",
		"destination": destination.String(),
		"transaction": txid,
		"recipients":  len(targets),
	}).Debug("Sent packet")
}

// Ping implements Pinger.
func (n *Network) Ping(node *Node) {
	txid := n.txids.Generate()
	n.pendingActions.Add(txid, actionHealthCheck)
	n.sendQuery(node, transport.NewPingQuery(txid, n.self.Descriptor()))
}

// sendQuery records the query as pending on node before sending it.
func (n *Network) sendQuery(node *Node, env *transport.Envelope) {
	node.SentQuery(env.TransactionID)
	n.send(node, env)
}

func (n *Network) send(node *Node, env *transport.Envelope) {
	data, err := n.codec.Encode(env)
	if err != nil {
		n.logger.WithFields(logrus.Fields{
			"function": "send",
			"type":     env.Type.String(),
			"error":    err.Error(),
		}).Error("Failed to encode message")
		return
	}

	if err := node.Send(n.sender, data); err != nil {
		n.logger.WithFields(logrus.Fields{
			"function": "send",
			"type":     env.Type.String(),
			"peer":     node.String(),
			"error":    err.Error(),
		}).Warn("Failed to send message")
		return
	}
	n.metrics.sent(env.Type)
}

func (n *Network) insert(node *Node) InsertOutcome {
	outcome := n.table.Insert(node)
	n.metrics.inserted(outcome, n.table)
	return outcome
}

func (n *Network) emit(e Event) {
	for _, sink := range n.eventSinks {
		select {
		case sink <- e:
		default:
			n.logger.WithFields(logrus.Fields{
				"function": "emit",
				"event":    e.Type.String(),
			}).Warn("Event listener is full, dropping event")
		}
	}
}

// shutdown waits for every listener to acknowledge Stop, bounded by
// ShutdownTimeout across all of them.
func (n *Network) shutdown() error {
	n.logger.WithField("function", "shutdown").Info("Shutting down")

	acks := make([]<-chan struct{}, len(n.listeners))
	for i, l := range n.listeners {
		acks[i] = l.Stop()
	}

	timer := n.clock.Timer(n.config.ShutdownTimeout)
	defer timer.Stop()

	var errs error
	expired := false
	for i, ack := range acks {
		if !expired {
			select {
			case <-ack:
				continue
			case <-timer.C:
				expired = true
			}
		}
		select {
		case <-ack:
		default:
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", n.listeners[i].LocalAddr(), ErrShutdownTimeout))
		}
	}

	if errs != nil {
		n.logger.WithFields(logrus.Fields{
			"function": "shutdown",
			"error":    errs.Error(),
		}).Warn("Listeners did not stop cleanly")
	}

	n.bootstrapping = false
	n.metrics.setBootstrapping(false)
	n.emit(Event{Type: EventShutdown})
	close(n.done)

	n.logger.WithField("function", "shutdown").Info("Network stopped")
	return errs
}
