// Package transport carries overlay messages between peers.
//
// # Architecture
//
// The protocol engine never touches sockets directly. It sees three small
// interfaces:
//
//	type PacketSender interface {
//	    SendTo(data []byte, addr net.Addr) error
//	}
//
//	type Listener interface {
//	    Start(sink chan<- []byte) error
//	    Stop() <-chan struct{}
//	    LocalAddr() net.Addr
//	}
//
//	type Codec interface {
//	    Encode(env *Envelope) ([]byte, error)
//	    Decode(data []byte) (*Envelope, error)
//	}
//
// [UDPServer] implements both PacketSender and Listener on one socket:
//
//	server, err := transport.NewUDPServer("0.0.0.0:9000")
//	inbox := make(chan []byte, 256)
//	server.Start(inbox)
//	...
//	<-server.Stop() // closed once the read loop has exited
//
// # Wire Format
//
// Messages travel as protobuf wire format written with protowire. An
// [Envelope] carries a message type, a transaction id and one of six bodies:
//
//	FIND_NODE_QUERY(1)  FIND_NODE_RESPONSE(2)
//	PING_QUERY(3)       PING_RESPONSE(4)
//	PACKET_QUERY(5)     PACKET_RESPONSE(6)
//
// Every body starts with the sender's [PeerDescriptor]. Anything that does not
// decode cleanly is reported as [ErrMalformedMessage].
//
// [SealedCodec] wraps another codec and seals each datagram with a network
// key, so overlays sharing a port range stay apart.
//
// # Address Discovery
//
// A node must advertise the address peers can reach it on. [STUNClient] asks
// public STUN servers through the node's own socket; [StaticDiscoverer] uses a
// configured address, which suits local clusters and tests.
package transport
