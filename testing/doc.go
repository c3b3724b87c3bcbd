// Package testing provides an in-memory datagram network for deterministic
// tests of the overlay engine.
//
// # Overview
//
// SimulatedNetwork mirrors the production UDP server but routes datagrams
// between SimulatedEndpoints without touching a socket. Each endpoint is both
// a transport.PacketSender and a transport.Listener, so it plugs straight into
// dht.NewNetwork:
//
//	network := testing.NewSimulatedNetwork()
//	endpoint := network.NewEndpoint(&net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 9000})
//
//	engine, err := dht.NewNetwork(self, routers, endpoint,
//	    []transport.Listener{endpoint}, config)
//
// # Delivery Log
//
// Every routed datagram is recorded, delivered or not, so tests can assert on
// traffic:
//
//	stats := network.GetTypedStats()
//	fmt.Printf("delivered %d, lost %d\n", stats.SuccessfulDeliveries, stats.FailedDeliveries)
//
// Datagrams to an address nobody listens on, or to a full receiver, are lost
// silently as they would be on a real network.
//
// # Shutdown Testing
//
// SetUnresponsive makes an endpoint ignore Stop, which lets tests exercise the
// engine's bounded shutdown rendezvous.
package testing
