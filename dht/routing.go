package dht

import (
	"container/heap"
	"math/rand/v2"
	"slices"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/comm/crypto"
	"github.com/opd-ai/comm/transport"
)

// MaxBuckets bounds how many times the table may split.
const MaxBuckets = crypto.Length

// Pinger is notified when a full bucket has questionable peers worth probing.
type Pinger interface {
	Ping(node *Node)
}

// RoutingTable holds known peers in buckets that partition the address space.
// Only the bucket covering the local address is ever split, so the table keeps
// fine detail near itself and coarse detail far away.
type RoutingTable struct {
	k       int
	self    crypto.Address
	buckets []*NodeBucket
	routers []*Node
	pinger  Pinger
	clock   clock.Clock

	coverageFailures int
}

// NewRoutingTable creates a table with a single bucket covering everything.
// Routers are used as a fallback when the table knows too few peers.
func NewRoutingTable(k int, self crypto.Address, routers []*Node) *RoutingTable {
	return NewRoutingTableWithClock(clock.New(), k, self, routers)
}

// NewRoutingTableWithClock is NewRoutingTable with an explicit clock.
func NewRoutingTableWithClock(clk clock.Clock, k int, self crypto.Address, routers []*Node) *RoutingTable {
	return &RoutingTable{
		k:       k,
		self:    self,
		buckets: []*NodeBucket{NewNodeBucket(k, clk)},
		routers: append([]*Node(nil), routers...),
		clock:   clk,
	}
}

// SetPinger registers who to notify about questionable peers in full buckets.
func (rt *RoutingTable) SetPinger(p Pinger) {
	rt.pinger = p
}

// Self returns the local address.
func (rt *RoutingTable) Self() crypto.Address { return rt.self }

// K returns the bucket capacity.
func (rt *RoutingTable) K() int { return rt.k }

// Insert adds node to the table, splitting the local bucket as needed.
func (rt *RoutingTable) Insert(node *Node) InsertOutcome {
	address := node.Address()
	if address == rt.self {
		return OutcomeIgnored
	}

	evicted := false
	for {
		index, ok := rt.bucketIndex(address)
		if !ok {
			rt.coverageFailures++
			logrus.WithFields(logrus.Fields{
				"function": "Insert",
				"address":  address.String(),
				"buckets":  len(rt.buckets),
			}).Error("No bucket covers address")
			return OutcomeDiscarded
		}
		bucket := rt.buckets[index]

		if bucket.IsFull() && bucket.Covers(rt.self) && !bucket.Contains(address) && len(rt.buckets) < MaxBuckets {
			lower, upper := bucket.Split()
			rt.buckets = slices.Replace(rt.buckets, index, index+1, lower, upper)
			continue
		}

		outcome, err := bucket.Insert(node)
		if err != nil {
			rt.coverageFailures++
			logrus.WithFields(logrus.Fields{
				"function": "Insert",
				"address":  address.String(),
				"error":    err.Error(),
			}).Error("Bucket rejected an address it was chosen for")
			return OutcomeDiscarded
		}
		if outcome != OutcomeDiscarded {
			return outcome
		}

		if !evicted {
			if removed, ok := bucket.RemoveWorstNode(); ok {
				logrus.WithFields(logrus.Fields{
					"function": "Insert",
					"evicted":  removed.String(),
					"address":  address.String(),
				}).Debug("Evicted bad node to make room")
				evicted = true
				continue
			}
		}

		rt.pingQuestionable(bucket)
		return OutcomeDiscarded
	}
}

func (rt *RoutingTable) pingQuestionable(bucket *NodeBucket) {
	if rt.pinger == nil {
		return
	}
	for _, node := range bucket.QuestionableNodes() {
		rt.pinger.Ping(node)
	}
}

func (rt *RoutingTable) bucketIndex(address crypto.Address) (int, bool) {
	for i, b := range rt.buckets {
		if b.Covers(address) {
			return i, true
		}
	}
	return -1, false
}

// nodeHeap is a max-heap on distance to target, keeping the closest nodes.
type nodeHeap struct {
	nodes  []*Node
	target crypto.Address
}

func (h *nodeHeap) Len() int { return len(h.nodes) }

func (h *nodeHeap) Less(i, j int) bool {
	// Max-heap: the farthest node sits at the root.
	return h.nodes[j].Address().CloserTo(h.target, h.nodes[i].Address())
}

func (h *nodeHeap) Swap(i, j int) { h.nodes[i], h.nodes[j] = h.nodes[j], h.nodes[i] }

func (h *nodeHeap) Push(x interface{}) { h.nodes = append(h.nodes, x.(*Node)) }

func (h *nodeHeap) Pop() interface{} {
	old := h.nodes
	n := len(old)
	item := old[n-1]
	h.nodes = old[:n-1]
	return item
}

func (rt *RoutingTable) closest(target crypto.Address, count int, liveOnly bool) []*Node {
	if count <= 0 {
		return nil
	}

	h := &nodeHeap{nodes: make([]*Node, 0, count), target: target}
	for _, bucket := range rt.buckets {
		for _, node := range bucket.Nodes() {
			if liveOnly && node.IsBad() {
				continue
			}
			if h.Len() < count {
				heap.Push(h, node)
				continue
			}
			if node.Address().CloserTo(target, h.nodes[0].Address()) {
				heap.Pop(h)
				heap.Push(h, node)
			}
		}
	}

	// Popping yields farthest first; fill from the back.
	result := make([]*Node, h.Len())
	for i := len(result) - 1; i >= 0; i-- {
		result[i] = heap.Pop(h).(*Node)
	}
	return result
}

// Nearest returns up to count peers closest to target, closest first. When
// liveOnly is set Bad peers are skipped. Routers fill any remaining slots.
func (rt *RoutingTable) Nearest(target crypto.Address, count int, liveOnly bool) []*Node {
	result := rt.closest(target, count, liveOnly)
	for _, router := range rt.routers {
		if len(result) >= count {
			break
		}
		result = append(result, router)
	}
	return result
}

// NearestKnown is Nearest without the router fallback, for answering
// FIND_NODE queries. Bad peers are never advertised.
func (rt *RoutingTable) NearestKnown(target crypto.Address, count int) []*Node {
	return rt.closest(target, count, true)
}

// FindNode returns the stored node with address, or nil.
func (rt *RoutingTable) FindNode(address crypto.Address) *Node {
	if index, ok := rt.bucketIndex(address); ok {
		return rt.buckets[index].FindNode(address)
	}
	return nil
}

// QuestionableNodes returns every questionable peer in the table.
func (rt *RoutingTable) QuestionableNodes() []*Node {
	var out []*Node
	for _, b := range rt.buckets {
		out = append(out, b.QuestionableNodes()...)
	}
	return out
}

// Nodes returns every peer in the table in scan order.
func (rt *RoutingTable) Nodes() []*Node {
	var out []*Node
	for _, b := range rt.buckets {
		out = append(out, b.Nodes()...)
	}
	return out
}

// Len returns the number of peers in the table.
func (rt *RoutingTable) Len() int {
	total := 0
	for _, b := range rt.buckets {
		total += b.Len()
	}
	return total
}

// Buckets returns the buckets in scan order.
func (rt *RoutingTable) Buckets() []*NodeBucket {
	return append([]*NodeBucket(nil), rt.buckets...)
}

// BucketCount returns the number of buckets.
func (rt *RoutingTable) BucketCount() int {
	return len(rt.buckets)
}

// CoverageFailures counts inserts that found no bucket for their address.
func (rt *RoutingTable) CoverageFailures() int {
	return rt.coverageFailures
}

// BucketNeedingRefresh picks a random stale bucket, or nil if none is stale.
func (rt *RoutingTable) BucketNeedingRefresh() *NodeBucket {
	var stale []*NodeBucket
	for _, b := range rt.buckets {
		if b.NeedsRefresh() {
			stale = append(stale, b)
		}
	}
	if len(stale) == 0 {
		return nil
	}
	return stale[rand.IntN(len(stale))]
}

// Routers returns the bootstrap routers.
func (rt *RoutingTable) Routers() []*Node {
	return append([]*Node(nil), rt.routers...)
}

// RouterFor returns the router reachable over any of endpoints, or nil.
func (rt *RoutingTable) RouterFor(endpoints []transport.Endpoint) *Node {
	for _, router := range rt.routers {
		for _, e := range endpoints {
			if router.HasEndpoint(e) {
				return router
			}
		}
	}
	return nil
}
