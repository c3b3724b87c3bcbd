package dht

import (
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/opd-ai/comm/crypto"
	"github.com/opd-ai/comm/transport"
)

// NodeStatus represents the liveness of a peer as seen by the local node.
type NodeStatus uint8

const (
	StatusQuestionable NodeStatus = iota
	StatusGood
	StatusBad
)

func (s NodeStatus) String() string {
	switch s {
	case StatusGood:
		return "good"
	case StatusBad:
		return "bad"
	default:
		return "questionable"
	}
}

const (
	// StalenessWindow is how long a peer stays Good after it was last heard from.
	StalenessWindow = 15 * time.Minute
	// FailureThreshold is the number of unanswered queries that makes a peer Bad.
	FailureThreshold = 5
	// MaxPendingQueries bounds the unanswered queries tracked per peer. The
	// oldest entry is forgotten first.
	MaxPendingQueries = 4 * FailureThreshold
)

var errNoEndpoints = errors.New("node has no endpoints")

// Node represents a remote peer. Nodes belong to the engine goroutine and are
// not safe for concurrent use.
type Node struct {
	address   crypto.Address
	endpoints []transport.Endpoint

	pendingQueries       map[TransactionID]time.Time
	hasEverResponded     bool
	lastReceivedQuery    time.Time
	lastReceivedResponse time.Time

	clock clock.Clock
}

// NewNode creates a node reachable over the given endpoints.
func NewNode(address crypto.Address, endpoints ...transport.Endpoint) *Node {
	return NewNodeWithClock(clock.New(), address, endpoints...)
}

// NewNodeWithClock creates a node whose liveness is measured against clk.
func NewNodeWithClock(clk clock.Clock, address crypto.Address, endpoints ...transport.Endpoint) *Node {
	return &Node{
		address:        address,
		endpoints:      append([]transport.Endpoint(nil), endpoints...),
		pendingQueries: make(map[TransactionID]time.Time),
		clock:          clk,
	}
}

// NodeFromDescriptor builds a fresh record from a peer descriptor.
func NodeFromDescriptor(clk clock.Clock, d transport.PeerDescriptor) *Node {
	return NewNodeWithClock(clk, d.ID, d.Endpoints...)
}

// Address returns the peer's overlay address.
func (n *Node) Address() crypto.Address {
	return n.address
}

// Endpoints returns a copy of the ways the peer can be reached.
func (n *Node) Endpoints() []transport.Endpoint {
	return append([]transport.Endpoint(nil), n.endpoints...)
}

// MergeEndpoints adds the endpoints that are not already known.
func (n *Node) MergeEndpoints(endpoints []transport.Endpoint) {
outer:
	for _, candidate := range endpoints {
		for _, known := range n.endpoints {
			if known.Equal(candidate) {
				continue outer
			}
		}
		n.endpoints = append(n.endpoints, candidate)
	}
}

// HasEndpoint reports whether the peer is reachable over e.
func (n *Node) HasEndpoint(e transport.Endpoint) bool {
	for _, known := range n.endpoints {
		if known.Equal(e) {
			return true
		}
	}
	return false
}

// Descriptor returns the on-wire summary of the node.
func (n *Node) Descriptor() transport.PeerDescriptor {
	return transport.PeerDescriptor{ID: n.address, Endpoints: n.Endpoints()}
}

// Send writes data to every endpoint of the node.
func (n *Node) Send(sender transport.PacketSender, data []byte) error {
	if len(n.endpoints) == 0 {
		return fmt.Errorf("%s: %w", n.address, errNoEndpoints)
	}

	var errs error
	for _, e := range n.endpoints {
		switch e.Kind {
		case transport.EndpointUDP:
			if e.UDP == nil {
				continue
			}
			errs = multierr.Append(errs, sender.SendTo(data, e.UDP))
		default:
			errs = multierr.Append(errs, fmt.Errorf("unsupported endpoint %s", e))
		}
	}
	return errs
}

// SentQuery records that a query with id is awaiting a response.
func (n *Node) SentQuery(id TransactionID) {
	if _, ok := n.pendingQueries[id]; !ok && len(n.pendingQueries) >= MaxPendingQueries {
		n.forgetOldestQuery()
	}
	n.pendingQueries[id] = n.clock.Now()
}

// forgetOldestQuery drops the earliest pending query, the lowest id on ties.
func (n *Node) forgetOldestQuery() {
	var (
		oldestID   TransactionID
		oldestSent time.Time
		found      bool
	)
	for id, sent := range n.pendingQueries {
		if !found || sent.Before(oldestSent) || (sent.Equal(oldestSent) && id < oldestID) {
			oldestID, oldestSent, found = id, sent, true
		}
	}
	if found {
		delete(n.pendingQueries, oldestID)
	}
}

// ReceivedQuery records that the peer queried us.
func (n *Node) ReceivedQuery(_ TransactionID) {
	n.lastReceivedQuery = n.clock.Now()
}

// ReceivedResponse records a response from the peer. Only a response to a
// pending query proves the peer answers us; others just refresh the timestamp.
func (n *Node) ReceivedResponse(id TransactionID) {
	n.lastReceivedResponse = n.clock.Now()

	if _, ok := n.pendingQueries[id]; !ok {
		logrus.WithFields(logrus.Fields{
			"function":    "ReceivedResponse",
			"node":        n.address.String(),
			"transaction": id,
		}).Debug("Response for a query that is not pending")
		return
	}

	delete(n.pendingQueries, id)
	n.hasEverResponded = true
}

// HasEverResponded reports whether the peer ever answered one of our queries.
func (n *Node) HasEverResponded() bool {
	return n.hasEverResponded
}

// LastSeen is the latest time the peer sent us a query or a response.
func (n *Node) LastSeen() time.Time {
	if n.lastReceivedQuery.After(n.lastReceivedResponse) {
		return n.lastReceivedQuery
	}
	return n.lastReceivedResponse
}

// PendingQueryCount returns the number of unanswered queries.
func (n *Node) PendingQueryCount() int {
	return len(n.pendingQueries)
}

// Status classifies the peer. Good takes precedence over Bad: a peer that
// answered recently is Good even with a backlog of unanswered queries.
func (n *Node) Status() NodeStatus {
	if n.hasEverResponded && n.clock.Since(n.LastSeen()) < StalenessWindow {
		return StatusGood
	}
	if len(n.pendingQueries) >= FailureThreshold {
		return StatusBad
	}
	return StatusQuestionable
}

// IsGood reports whether Status is StatusGood.
func (n *Node) IsGood() bool { return n.Status() == StatusGood }

// IsQuestionable reports whether Status is StatusQuestionable.
func (n *Node) IsQuestionable() bool { return n.Status() == StatusQuestionable }

// IsBad reports whether Status is StatusBad.
func (n *Node) IsBad() bool { return n.Status() == StatusBad }

func (n *Node) String() string {
	return n.Descriptor().String()
}
