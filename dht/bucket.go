package dht

import (
	"errors"
	"fmt"
	"math/big"
	"slices"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/opd-ai/comm/crypto"
)

// RefreshAfter is how long a bucket may go without change before it is refreshed.
const RefreshAfter = 15 * time.Minute

// InsertOutcome reports what an insert did.
type InsertOutcome uint8

const (
	// OutcomeInserted means the node was new and stored.
	OutcomeInserted InsertOutcome = iota
	// OutcomeUpdated means the node was already known and moved to the front.
	OutcomeUpdated
	// OutcomeDiscarded means there was no room for the node.
	OutcomeDiscarded
	// OutcomeIgnored means the node was the local node.
	OutcomeIgnored
)

func (o InsertOutcome) String() string {
	switch o {
	case OutcomeInserted:
		return "inserted"
	case OutcomeUpdated:
		return "updated"
	case OutcomeDiscarded:
		return "discarded"
	case OutcomeIgnored:
		return "ignored"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(o))
	}
}

// ErrBucketCoverage is matched by every CoverageError.
var ErrBucketCoverage = errors.New("address outside bucket range")

// CoverageError is returned when a node is offered to a bucket whose range
// does not contain its address.
type CoverageError struct {
	Address crypto.Address
	Min     *big.Int
	Max     *big.Int
}

func (e *CoverageError) Error() string {
	return fmt.Sprintf("bucket [%040x, %040x) does not cover %s", e.Min, e.Max, e.Address)
}

// Is makes errors.Is(err, ErrBucketCoverage) true.
func (e *CoverageError) Is(target error) bool {
	return target == ErrBucketCoverage
}

// NodeBucket holds up to k nodes whose addresses fall in [min, max).
// Addresses are kept most recently inserted first.
type NodeBucket struct {
	k            int
	min          *big.Int
	max          *big.Int
	addresses    []crypto.Address
	nodes        map[crypto.Address]*Node
	lastInserted time.Time
	clock        clock.Clock
}

// NewNodeBucket creates a bucket covering the whole address space.
func NewNodeBucket(k int, clk clock.Clock) *NodeBucket {
	if clk == nil {
		clk = clock.New()
	}
	return &NodeBucket{
		k:         k,
		min:       big.NewInt(0),
		max:       crypto.SpaceSize(),
		addresses: make([]crypto.Address, 0, k),
		nodes:     make(map[crypto.Address]*Node, k),
		clock:     clk,
	}
}

// Min returns the inclusive lower bound of the bucket's range.
func (b *NodeBucket) Min() *big.Int { return new(big.Int).Set(b.min) }

// Max returns the exclusive upper bound of the bucket's range.
func (b *NodeBucket) Max() *big.Int { return new(big.Int).Set(b.max) }

// Len returns the number of nodes in the bucket.
func (b *NodeBucket) Len() int { return len(b.addresses) }

// IsFull reports whether the bucket holds k nodes.
func (b *NodeBucket) IsFull() bool { return len(b.nodes) >= b.k }

// Contains reports whether a node with address is stored.
func (b *NodeBucket) Contains(address crypto.Address) bool {
	_, ok := b.nodes[address]
	return ok
}

// Covers reports whether address falls in the bucket's range.
func (b *NodeBucket) Covers(address crypto.Address) bool {
	n := address.Numeric()
	return b.min.Cmp(n) <= 0 && n.Cmp(b.max) < 0
}

// FindNode returns the stored node with address, or nil.
func (b *NodeBucket) FindNode(address crypto.Address) *Node {
	return b.nodes[address]
}

// Nodes returns the stored nodes, most recently inserted first.
func (b *NodeBucket) Nodes() []*Node {
	out := make([]*Node, 0, len(b.addresses))
	for _, a := range b.addresses {
		out = append(out, b.nodes[a])
	}
	return out
}

// QuestionableNodes returns the stored nodes whose status is Questionable.
func (b *NodeBucket) QuestionableNodes() []*Node {
	var out []*Node
	for _, a := range b.addresses {
		if node := b.nodes[a]; node.IsQuestionable() {
			out = append(out, node)
		}
	}
	return out
}

// Insert stores node or refreshes the record already held for its address.
func (b *NodeBucket) Insert(node *Node) (InsertOutcome, error) {
	address := node.Address()
	if !b.Covers(address) {
		return OutcomeDiscarded, &CoverageError{Address: address, Min: b.Min(), Max: b.Max()}
	}

	if known, ok := b.nodes[address]; ok {
		b.moveToFront(address)
		known.MergeEndpoints(node.Endpoints())
		b.lastInserted = b.clock.Now()
		return OutcomeUpdated, nil
	}

	if b.IsFull() {
		return OutcomeDiscarded, nil
	}

	b.addresses = slices.Insert(b.addresses, 0, address)
	b.nodes[address] = node
	b.lastInserted = b.clock.Now()
	return OutcomeInserted, nil
}

func (b *NodeBucket) moveToFront(address crypto.Address) {
	i := slices.Index(b.addresses, address)
	if i <= 0 {
		return
	}
	copy(b.addresses[1:i+1], b.addresses[:i])
	b.addresses[0] = address
}

func (b *NodeBucket) remove(address crypto.Address) {
	delete(b.nodes, address)
	if i := slices.Index(b.addresses, address); i >= 0 {
		b.addresses = slices.Delete(b.addresses, i, i+1)
	}
}

// RemoveWorstNode evicts the Bad node with the most pending queries. Ties go to
// the least recently inserted. It reports false when no node is Bad.
func (b *NodeBucket) RemoveWorstNode() (crypto.Address, bool) {
	var (
		worst   crypto.Address
		pending = -1
	)
	// Walk from the back so that, on equal counts, the oldest entry wins.
	for i := len(b.addresses) - 1; i >= 0; i-- {
		node := b.nodes[b.addresses[i]]
		if !node.IsBad() {
			continue
		}
		if count := node.PendingQueryCount(); count > pending {
			worst, pending = node.Address(), count
		}
	}
	if pending < 0 {
		return crypto.Address{}, false
	}
	b.remove(worst)
	return worst, true
}

// Split partitions the bucket at the midpoint of its range. The receiver is
// emptied and must not be used afterwards.
func (b *NodeBucket) Split() (lower, upper *NodeBucket) {
	partition := new(big.Int).Sub(b.max, b.min)
	partition.Rsh(partition, 1)
	partition.Add(partition, b.min)

	lower = &NodeBucket{
		k: b.k, min: b.min, max: partition,
		nodes: make(map[crypto.Address]*Node, b.k), lastInserted: b.lastInserted, clock: b.clock,
	}
	upper = &NodeBucket{
		k: b.k, min: new(big.Int).Set(partition), max: b.max,
		nodes: make(map[crypto.Address]*Node, b.k), lastInserted: b.lastInserted, clock: b.clock,
	}

	for _, a := range b.addresses {
		target := upper
		if a.Numeric().Cmp(partition) < 0 {
			target = lower
		}
		target.addresses = append(target.addresses, a)
		target.nodes[a] = b.nodes[a]
	}

	b.addresses, b.nodes = nil, nil
	return lower, upper
}

// LastChanged is the latest of the last insert and every node's LastSeen.
func (b *NodeBucket) LastChanged() time.Time {
	latest := b.lastInserted
	for _, node := range b.nodes {
		if seen := node.LastSeen(); seen.After(latest) {
			latest = seen
		}
	}
	return latest
}

// NeedsRefresh reports whether nothing in the bucket changed for RefreshAfter.
func (b *NodeBucket) NeedsRefresh() bool {
	return b.clock.Since(b.LastChanged()) > RefreshAfter
}

// RandomAddressInSpace returns a random address covered by the bucket.
func (b *NodeBucket) RandomAddressInSpace() crypto.Address {
	address, err := crypto.Random(b.min, b.max)
	if err != nil {
		return crypto.FromNumeric(b.min)
	}
	return address
}

func (b *NodeBucket) String() string {
	return fmt.Sprintf("NodeBucket{[%040x, %040x) nodes: %d}", b.min, b.max, len(b.addresses))
}
