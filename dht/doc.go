// Package dht implements the Kademlia overlay: peer liveness, k-buckets, the
// routing table and the protocol engine that keeps them populated.
//
// # Architecture
//
// Every peer has a 160-bit [crypto.Address]. The local node keeps the peers
// it knows in a [RoutingTable] made of [NodeBucket]s that partition the
// address space. A bucket holds at most k peers; only the bucket covering the
// local address splits when it fills up, so the table knows many peers near
// itself and few far away.
//
// Key components:
//
//   - Node: a remote peer with its endpoints and liveness bookkeeping
//   - NodeBucket: up to k peers in one address range, most recent first
//   - RoutingTable: the ordered set of buckets plus bootstrap routers
//   - Network: the single-goroutine protocol engine
//
// # Node Status
//
// Status is derived, never stored:
//
//	Good          answered one of our queries and was heard from in the last 15 minutes
//	Bad           5 or more of our queries are unanswered
//	Questionable  anything else
//
// Good is evaluated first.
//
// # Protocol Engine
//
// [Network] speaks three query/response pairs: FIND_NODE, PING and PACKET. A
// response always carries the transaction id of its query.
//
//	config := dht.DefaultNetworkConfig()
//	network, err := dht.NewNetwork(self, routers, server, []transport.Listener{server}, config)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	events := make(chan dht.Event, 64)
//	network.RegisterEventListener(events)
//	go network.Run(ctx)
//
//	network.SendPacket(ctx, destination, []byte("hello"))
//
// On start the engine bootstraps: it asks the peers nearest to its own
// address (the routers, on a cold table) for their nearest peers, and repeats
// while answers keep bringing new peers. Once settled it pings the nearest and
// questionable peers every second and looks up a random address in a stale
// bucket every second.
//
// # Thread Safety
//
// Routing state has no locks. It is owned by the goroutine running Run, and
// other goroutines reach it through SendPacket, Nearest and Shutdown, which
// are safe for concurrent use.
//
// # Deterministic Testing
//
// Time comes from a clock.Clock (github.com/benbjohnson/clock). Tests inject
// clock.NewMock() through NetworkConfig.Clock and NewNodeWithClock and advance
// it explicitly.
package dht
