package testing

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/comm/transport"
)

// ErrUnreachable is recorded for datagrams sent to an address no endpoint is
// listening on.
var ErrUnreachable = errors.New("no endpoint listening")

// ErrQueueFull is recorded for datagrams dropped because the receiver's
// sink was full.
var ErrQueueFull = errors.New("receiver queue full")

// SimulatedNetwork routes datagrams between SimulatedEndpoints by address,
// entirely in memory. Like UDP it never reports a lost datagram to the sender;
// losses only show up in the delivery log.
type SimulatedNetwork struct {
	mu          sync.RWMutex
	sinks       map[string]chan<- []byte
	endpoints   int
	deliveryLog []DeliveryRecord
}

// DeliveryRecord represents one routed datagram for test verification.
type DeliveryRecord struct {
	From       string
	To         string
	PacketSize int
	Timestamp  int64
	Success    bool
	Error      error
}

// SimulationStats summarises the delivery log.
type SimulationStats struct {
	Endpoints            int
	Listening            int
	TotalDeliveries      int
	SuccessfulDeliveries int
	FailedDeliveries     int
}

// NewSimulatedNetwork creates an empty network.
func NewSimulatedNetwork() *SimulatedNetwork {
	logrus.WithFields(logrus.Fields{
		"function": "NewSimulatedNetwork",
	}).Debug("Creating simulated network")

	return &SimulatedNetwork{
		sinks:       make(map[string]chan<- []byte),
		deliveryLog: make([]DeliveryRecord, 0),
	}
}

// NewEndpoint creates an endpoint reachable at addr once started.
func (s *SimulatedNetwork) NewEndpoint(addr *net.UDPAddr) *SimulatedEndpoint {
	s.mu.Lock()
	s.endpoints++
	s.mu.Unlock()

	return &SimulatedEndpoint{
		network: s,
		addr:    addr,
		stopped: make(chan struct{}),
	}
}

// Deliver injects data as if it had been sent to addr from nowhere.
func (s *SimulatedNetwork) Deliver(addr net.Addr, data []byte) {
	s.route("", addr.String(), data)
}

func (s *SimulatedNetwork) route(from, to string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record := DeliveryRecord{
		From:       from,
		To:         to,
		PacketSize: len(data),
		Timestamp:  time.Now().UnixNano(),
	}

	sink, ok := s.sinks[to]
	switch {
	case !ok:
		record.Error = fmt.Errorf("%w on %s", ErrUnreachable, to)
	default:
		select {
		case sink <- append([]byte(nil), data...):
			record.Success = true
		default:
			record.Error = fmt.Errorf("%w at %s", ErrQueueFull, to)
		}
	}
	s.deliveryLog = append(s.deliveryLog, record)

	if record.Error != nil {
		logrus.WithFields(logrus.Fields{
			"function": "SimulatedNetwork.route",
			"from":     from,
			"to":       to,
			"error":    record.Error.Error(),
		}).Debug("Simulated datagram lost")
	}
}

func (s *SimulatedNetwork) listen(addr string, sink chan<- []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.sinks[addr]; taken {
		return fmt.Errorf("address %s already in use", addr)
	}
	s.sinks[addr] = sink
	return nil
}

func (s *SimulatedNetwork) unlisten(addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sinks, addr)
}

// GetDeliveryLog returns the complete delivery log for test verification
func (s *SimulatedNetwork) GetDeliveryLog() []DeliveryRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// Return a copy to prevent external modifications
	log := make([]DeliveryRecord, len(s.deliveryLog))
	copy(log, s.deliveryLog)
	return log
}

// ClearDeliveryLog clears the delivery log for test cleanup
func (s *SimulatedNetwork) ClearDeliveryLog() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliveryLog = make([]DeliveryRecord, 0)
}

// GetTypedStats returns statistics about the simulation.
func (s *SimulatedNetwork) GetTypedStats() SimulationStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := SimulationStats{
		Endpoints:       s.endpoints,
		Listening:       len(s.sinks),
		TotalDeliveries: len(s.deliveryLog),
	}
	for _, record := range s.deliveryLog {
		if record.Success {
			stats.SuccessfulDeliveries++
		} else {
			stats.FailedDeliveries++
		}
	}
	return stats
}

// SimulatedEndpoint is a transport.PacketSender and transport.Listener backed
// by a SimulatedNetwork.
type SimulatedEndpoint struct {
	network *SimulatedNetwork
	addr    *net.UDPAddr

	mu           sync.Mutex
	unresponsive bool
	once         sync.Once
	stopped      chan struct{}
}

// SendTo routes data to whichever endpoint listens on addr.
func (e *SimulatedEndpoint) SendTo(data []byte, addr net.Addr) error {
	if addr == nil {
		return errors.New("nil destination address")
	}
	e.network.route(e.addr.String(), addr.String(), data)
	return nil
}

// Start makes the endpoint reachable; received datagrams go to sink.
func (e *SimulatedEndpoint) Start(sink chan<- []byte) error {
	return e.network.listen(e.addr.String(), sink)
}

// Stop makes the endpoint unreachable. The returned channel closes at once
// unless the endpoint was made unresponsive.
func (e *SimulatedEndpoint) Stop() <-chan struct{} {
	e.once.Do(func() {
		e.network.unlisten(e.addr.String())
		e.mu.Lock()
		hang := e.unresponsive
		e.mu.Unlock()
		if !hang {
			close(e.stopped)
		}
	})
	return e.stopped
}

// Stopped closes once Stop has been acknowledged.
func (e *SimulatedEndpoint) Stopped() <-chan struct{} {
	return e.stopped
}

// SetUnresponsive makes a later Stop never acknowledge, simulating a
// listener stuck in a blocking read.
func (e *SimulatedEndpoint) SetUnresponsive(unresponsive bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.unresponsive = unresponsive
}

// LocalAddr returns the endpoint's address.
func (e *SimulatedEndpoint) LocalAddr() net.Addr {
	return e.addr
}

// Endpoint returns the address as a transport.Endpoint.
func (e *SimulatedEndpoint) Endpoint() transport.Endpoint {
	return transport.UDPEndpoint(e.addr)
}
