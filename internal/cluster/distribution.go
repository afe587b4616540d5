// Package cluster - Distribution & Clock collaborators
//
// What: Reference implementations of the two external collaborators the
// GMU core depends on but does not itself implement (spec §6): a
// distribution/consistent-hashing manager (owners of a key) and a clock
// source (monotonic local counter for concurrent_clock). Real deployments
// are expected to supply their own data-placement and clock
// implementations; these exist so the core is runnable end to end without
// one.
// How: A sorted hash ring over the cluster's node list, in the spirit of
// tinySQL's worker-pool sizing helpers (deterministic, no external
// state) rather than anything resembling a real rebalancing scheme —
// rebalancing is explicitly out of scope (spec §1 Non-goals).
// Why: The core's packages (txqueue, gmutxn, commitmgr) only ever see these
// through a small interface; keeping the reference implementation in its
// own package means swapping in a real placement/clock strategy never
// touches the core.
package cluster

import (
	"fmt"
	"hash/fnv"
	"sort"
	"sync/atomic"

	"github.com/gmucore/gmukv/internal/vclock"
)

// Distribution answers "who owns this key" for the GMU core's prepare and
// commit paths (spec §6).
type Distribution interface {
	// WriteOwners returns the distinct nodes that own at least one of keys.
	WriteOwners(keys []string) []vclock.NodeID
	// LocalNodeIsOwner reports whether self owns key.
	LocalNodeIsOwner(key string) bool
	// Address returns the routable address of node n, for the transport
	// layer to dial.
	Address(n vclock.NodeID) string
}

// ConsistentHashDistribution assigns each key to a node via a sorted hash
// ring over a fixed node list. It implements Distribution.
type ConsistentHashDistribution struct {
	self      vclock.NodeID
	nodes     []vclock.NodeID
	addresses map[vclock.NodeID]string
	ring      []ringPoint
}

type ringPoint struct {
	hash uint32
	node vclock.NodeID
}

// NewConsistentHashDistribution builds a ring over nodes, with addresses
// keyed by node id and vpoints virtual points per node (smooths key
// distribution across the ring; 1 is a reasonable default for small
// clusters).
func NewConsistentHashDistribution(self vclock.NodeID, addresses map[vclock.NodeID]string, vpoints int) *ConsistentHashDistribution {
	if vpoints < 1 {
		vpoints = 1
	}
	nodes := make([]vclock.NodeID, 0, len(addresses))
	for n := range addresses {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i] < nodes[j] })

	ring := make([]ringPoint, 0, len(nodes)*vpoints)
	for _, n := range nodes {
		for v := 0; v < vpoints; v++ {
			ring = append(ring, ringPoint{hash: hashKey(ringKey(n, v)), node: n})
		}
	}
	sort.Slice(ring, func(i, j int) bool { return ring[i].hash < ring[j].hash })

	return &ConsistentHashDistribution{
		self:      self,
		nodes:     nodes,
		addresses: addresses,
		ring:      ring,
	}
}

func ringKey(n vclock.NodeID, v int) string {
	return fmt.Sprintf("node-%d#%d", n, v)
}

func hashKey(s string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return h.Sum32()
}

// ownerOf returns the node owning key under the ring.
func (d *ConsistentHashDistribution) ownerOf(key string) vclock.NodeID {
	if len(d.ring) == 0 {
		return d.self
	}
	h := hashKey(key)
	idx := sort.Search(len(d.ring), func(i int) bool { return d.ring[i].hash >= h })
	if idx == len(d.ring) {
		idx = 0
	}
	return d.ring[idx].node
}

// WriteOwners returns the distinct set of nodes owning any of keys.
func (d *ConsistentHashDistribution) WriteOwners(keys []string) []vclock.NodeID {
	seen := make(map[vclock.NodeID]struct{})
	owners := make([]vclock.NodeID, 0, len(keys))
	for _, k := range keys {
		o := d.ownerOf(k)
		if _, ok := seen[o]; !ok {
			seen[o] = struct{}{}
			owners = append(owners, o)
		}
	}
	sort.Slice(owners, func(i, j int) bool { return owners[i] < owners[j] })
	return owners
}

// LocalNodeIsOwner reports whether the local node owns key.
func (d *ConsistentHashDistribution) LocalNodeIsOwner(key string) bool {
	return d.ownerOf(key) == d.self
}

// Address returns the configured routable address for n.
func (d *ConsistentHashDistribution) Address(n vclock.NodeID) string {
	return d.addresses[n]
}

// MonotonicClock is the default Clock source: an atomic counter, satisfying
// both txqueue.Clock and any other consumer of a monotonic local counter.
type MonotonicClock struct {
	seq atomic.Uint64
}

// NewMonotonicClock constructs a MonotonicClock starting at zero.
func NewMonotonicClock() *MonotonicClock { return &MonotonicClock{} }

// Next returns the next monotonically increasing counter value.
func (c *MonotonicClock) Next() uint64 { return c.seq.Add(1) }
