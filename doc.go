// Package comm runs a node of a Kademlia style overlay network.
//
// Every node has a 160-bit address and keeps a routing table of the peers
// it knows, organised by XOR distance to its own address. Nodes find each
// other through a few well-known routers, keep their tables fresh with
// periodic pings and lookups, and deliver opaque packets to whichever peers
// are nearest to a destination address.
//
// # Getting Started
//
// Create a node from options, run it, and read the packets it receives:
//
//	options := comm.NewOptions()
//	options.Secret = "alice"
//	options.Listen = []string{"udp://0.0.0.0:4000"}
//	options.Routers = []string{"router.example.org:4000"}
//
//	node, err := comm.New(ctx, options)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go node.Run(ctx)
//
//	for event := range node.Events() {
//	    if event.Type == dht.EventReceivedPacket {
//	        fmt.Printf("%s: %s\n", event.Origin, event.Payload)
//	    }
//	}
//
// Options can also be read from YAML with LoadOptions.
//
// # Package Layout
//
//   - crypto: addresses, distance and datagram sealing
//   - transport: wire codec, UDP sockets and public address discovery
//   - dht: liveness, buckets, the routing table and the protocol engine
//   - cmd/comm: command line front end
//
// # Addresses
//
// A node's address is the SHA-1 of its secret, so a node keeps its place in
// the overlay across restarts. Without a secret the address is random.
//
// # Sealing
//
// When Options.NetworkKey is set every datagram is sealed with NaCl secretbox
// under that key. Nodes with different keys cannot hear each other.
package comm
