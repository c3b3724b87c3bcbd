package transport

import (
	"context"
	"net"
)

// PacketSender delivers an encoded datagram to a remote endpoint.
type PacketSender interface {
	// SendTo writes data to addr. It must not block on the receiver.
	SendTo(data []byte, addr net.Addr) error
}

// Listener feeds raw inbound datagrams to the protocol engine.
// The listener owns nothing but the byte pump; decoding happens in the engine.
type Listener interface {
	// Start begins pushing every received datagram into sink.
	Start(sink chan<- []byte) error

	// Stop asks the listener to stop reading. The returned channel is closed
	// once the listener has fully stopped.
	Stop() <-chan struct{}

	// LocalAddr returns the local address the listener is bound to.
	LocalAddr() net.Addr
}

// AddressDiscoverer finds the address remote peers should use to reach a socket.
type AddressDiscoverer interface {
	DiscoverPublicAddress(ctx context.Context, conn net.PacketConn) (*net.UDPAddr, error)
}

// Codec converts envelopes to and from datagrams.
type Codec interface {
	Encode(env *Envelope) ([]byte, error)
	Decode(data []byte) (*Envelope, error)
}
