package transport

import (
	"fmt"
	"net"
	"strings"

	"github.com/opd-ai/comm/crypto"
)

// MessageType identifies which payload an Envelope carries.
type MessageType int32

const (
	FindNodeQuery    MessageType = 1
	FindNodeResponse MessageType = 2
	PingQuery        MessageType = 3
	PingResponse     MessageType = 4
	PacketQuery      MessageType = 5
	PacketResponse   MessageType = 6
)

// Valid reports whether t is one of the six known message types.
func (t MessageType) Valid() bool {
	return t >= FindNodeQuery && t <= PacketResponse
}

// IsQuery reports whether t expects a response.
func (t MessageType) IsQuery() bool {
	return t == FindNodeQuery || t == PingQuery || t == PacketQuery
}

// Response returns the response type paired with a query type.
func (t MessageType) Response() MessageType {
	if t.IsQuery() {
		return t + 1
	}
	return t
}

func (t MessageType) String() string {
	switch t {
	case FindNodeQuery:
		return "find_node_query"
	case FindNodeResponse:
		return "find_node_response"
	case PingQuery:
		return "ping_query"
	case PingResponse:
		return "ping_response"
	case PacketQuery:
		return "packet_query"
	case PacketResponse:
		return "packet_response"
	default:
		return fmt.Sprintf("unknown(%d)", int32(t))
	}
}

// EndpointKind tags the variants of Endpoint.
type EndpointKind uint8

const (
	// EndpointUDP is a plain UDP socket address.
	EndpointUDP EndpointKind = iota + 1
)

// Endpoint is one way of reaching a peer.
type Endpoint struct {
	Kind EndpointKind
	UDP  *net.UDPAddr
}

// UDPEndpoint wraps a UDP socket address.
func UDPEndpoint(addr *net.UDPAddr) Endpoint {
	return Endpoint{Kind: EndpointUDP, UDP: addr}
}

// Addr returns the endpoint as a net.Addr, or nil if it has no address.
func (e Endpoint) Addr() net.Addr {
	switch e.Kind {
	case EndpointUDP:
		if e.UDP == nil {
			return nil
		}
		return e.UDP
	default:
		return nil
	}
}

// Equal reports whether two endpoints name the same destination.
func (e Endpoint) Equal(other Endpoint) bool {
	if e.Kind != other.Kind {
		return false
	}
	switch e.Kind {
	case EndpointUDP:
		if e.UDP == nil || other.UDP == nil {
			return e.UDP == other.UDP
		}
		return e.UDP.IP.Equal(other.UDP.IP) && e.UDP.Port == other.UDP.Port
	default:
		return false
	}
}

func (e Endpoint) String() string {
	switch e.Kind {
	case EndpointUDP:
		if e.UDP == nil {
			return "udp://<nil>"
		}
		return "udp://" + e.UDP.String()
	default:
		return fmt.Sprintf("unknown(%d)", e.Kind)
	}
}

// PeerDescriptor is the on-wire summary of a peer.
type PeerDescriptor struct {
	ID        crypto.Address
	Endpoints []Endpoint
}

// PrimaryUDP returns the first UDP endpoint, or nil.
func (d PeerDescriptor) PrimaryUDP() *net.UDPAddr {
	for _, e := range d.Endpoints {
		if e.Kind == EndpointUDP && e.UDP != nil {
			return e.UDP
		}
	}
	return nil
}

func (d PeerDescriptor) String() string {
	parts := make([]string, 0, len(d.Endpoints))
	for _, e := range d.Endpoints {
		parts = append(parts, e.String())
	}
	return d.ID.String() + "@" + strings.Join(parts, ",")
}

// Envelope is a single protocol message.
// Target is set for FIND_NODE queries, Nodes for FIND_NODE responses
// and Payload for PACKET queries.
type Envelope struct {
	Type          MessageType
	TransactionID uint32
	Origin        PeerDescriptor
	Target        crypto.Address
	Nodes         []PeerDescriptor
	Payload       []byte
}

// NewFindNodeQuery asks the receiver for the peers it knows closest to target.
func NewFindNodeQuery(txid uint32, origin PeerDescriptor, target crypto.Address) *Envelope {
	return &Envelope{Type: FindNodeQuery, TransactionID: txid, Origin: origin, Target: target}
}

// NewFindNodeResponse answers a FIND_NODE query.
func NewFindNodeResponse(txid uint32, origin PeerDescriptor, nodes []PeerDescriptor) *Envelope {
	return &Envelope{Type: FindNodeResponse, TransactionID: txid, Origin: origin, Nodes: nodes}
}

// NewPingQuery asks the receiver to prove it is alive.
func NewPingQuery(txid uint32, origin PeerDescriptor) *Envelope {
	return &Envelope{Type: PingQuery, TransactionID: txid, Origin: origin}
}

// NewPingResponse answers a PING query.
func NewPingResponse(txid uint32, origin PeerDescriptor) *Envelope {
	return &Envelope{Type: PingResponse, TransactionID: txid, Origin: origin}
}

// NewPacketQuery carries an application payload to the receiver.
func NewPacketQuery(txid uint32, origin PeerDescriptor, payload []byte) *Envelope {
	return &Envelope{Type: PacketQuery, TransactionID: txid, Origin: origin, Payload: payload}
}

// NewPacketResponse acknowledges a PACKET query.
func NewPacketResponse(txid uint32, origin PeerDescriptor) *Envelope {
	return &Envelope{Type: PacketResponse, TransactionID: txid, Origin: origin}
}
