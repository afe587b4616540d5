package transport

import (
	"context"
	"fmt"

	"github.com/gmucore/gmukv/internal/cluster"
	"github.com/gmucore/gmukv/internal/gmutxn"
	"github.com/gmucore/gmukv/internal/vclock"
)

// Coordinator relays a transaction's prepare/commit/rollback decisions from
// the local origin node to every other node that owns part of its
// write-set (spec §4.H "a transaction whose write-set spans more than one
// owner can relay its prepare/commit decisions to the owners that are not
// the coordinator").
type Coordinator struct {
	self    vclock.NodeID
	dist    cluster.Distribution
	clients map[string]*PeerClient // keyed by address, as built by dialing every peer
}

// NewCoordinator builds a Coordinator over clients dialed for dist's peers.
func NewCoordinator(self vclock.NodeID, dist cluster.Distribution, clients map[string]*PeerClient) *Coordinator {
	return &Coordinator{self: self, dist: dist, clients: clients}
}

// remoteOwners returns the dialed clients for every node owning part of
// tx's write-set other than self.
func (c *Coordinator) remoteOwners(tx *gmutxn.Transaction) map[string]*PeerClient {
	peers := make(map[string]*PeerClient)
	for _, n := range tx.WriteOwners() {
		if n == c.self {
			continue
		}
		if client, ok := c.clients[c.dist.Address(n)]; ok {
			peers[c.dist.Address(n)] = client
		}
	}
	return peers
}

func toWireReadSet(rs map[string]vclock.Version) map[string]VectorWire {
	out := make(map[string]VectorWire, len(rs))
	for k, v := range rs {
		out[k] = ToWire(v)
	}
	return out
}

// RelayPrepare sends tx's whole write-set, read-set, and prepare-version to
// every remote write-owner. A transaction with a single-node write-set has
// no remote owners and RelayPrepare is a no-op.
func (c *Coordinator) RelayPrepare(ctx context.Context, tx *gmutxn.Transaction) []BroadcastResult {
	peers := c.remoteOwners(tx)
	if len(peers) == 0 {
		return nil
	}
	req := &PrepareRequest{
		TxID:           tx.ID(),
		Writes:         tx.WriteSet(),
		ClearAll:       tx.IsClearAll(),
		ReadSet:        toWireReadSet(tx.ReadSet()),
		PrepareVersion: ToWire(tx.PrepareVersion()),
	}
	return Broadcast(ctx, peers, func(ctx context.Context, pc *PeerClient) error {
		_, err := pc.Prepare(ctx, req)
		return err
	})
}

// RelayCommit sends tx's origin-decided commit version to every remote
// write-owner. Replicas never compute their own commit version (spec §4.E
// Prepare step 4, origin-local only).
func (c *Coordinator) RelayCommit(ctx context.Context, tx *gmutxn.Transaction) []BroadcastResult {
	peers := c.remoteOwners(tx)
	if len(peers) == 0 {
		return nil
	}
	req := &CommitRequest{TxID: tx.ID(), CommitVersion: ToWire(tx.CommitVersion())}
	return Broadcast(ctx, peers, func(ctx context.Context, pc *PeerClient) error {
		_, err := pc.Commit(ctx, req)
		return err
	})
}

// RelayRollback asks every remote write-owner to release tx's state.
// Best-effort: a transport failure here is reported but never blocks the
// caller's own local rollback (spec §4.E Rollback).
func (c *Coordinator) RelayRollback(ctx context.Context, tx *gmutxn.Transaction) []BroadcastResult {
	peers := c.remoteOwners(tx)
	if len(peers) == 0 {
		return nil
	}
	req := &RollbackRequest{TxID: tx.ID()}
	return Broadcast(ctx, peers, func(ctx context.Context, pc *PeerClient) error {
		_, err := pc.Rollback(ctx, req)
		return err
	})
}

// Origin couples a node's own Protocol with a Coordinator so a transaction
// this node originates is both executed locally and relayed to every other
// write-owner, as opposed to Node, which only ever applies a transaction
// relayed to it by some other origin.
type Origin struct {
	proto *gmutxn.Protocol
	coord *Coordinator
}

// NewOrigin builds an Origin over proto and coord.
func NewOrigin(proto *gmutxn.Protocol, coord *Coordinator) *Origin {
	return &Origin{proto: proto, coord: coord}
}

// Begin starts a new transaction on the local protocol.
func (o *Origin) Begin(txID string) *gmutxn.Transaction { return o.proto.Begin(txID) }

// Prepare prepares tx locally, then relays the prepare to every remote
// write-owner. The caller must roll back tx if either the local prepare or
// any relayed prepare fails (spec §4.E Prepare "origin aborts if any owner
// fails prepare").
func (o *Origin) Prepare(ctx context.Context, tx *gmutxn.Transaction) error {
	if err := tx.Prepare(ctx); err != nil {
		return err
	}
	for _, res := range o.coord.RelayPrepare(ctx, tx) {
		if res.Err != nil {
			return fmt.Errorf("transport: relay prepare to %s: %w", res.Addr, res.Err)
		}
	}
	return nil
}

// Commit commits tx locally, then relays the decided commit version to
// every remote write-owner.
func (o *Origin) Commit(ctx context.Context, tx *gmutxn.Transaction) error {
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	for _, res := range o.coord.RelayCommit(ctx, tx) {
		if res.Err != nil {
			return fmt.Errorf("transport: relay commit to %s: %w", res.Addr, res.Err)
		}
	}
	return nil
}

// Rollback rolls tx back locally, then best-effort relays the rollback to
// every remote write-owner.
func (o *Origin) Rollback(ctx context.Context, tx *gmutxn.Transaction) {
	tx.Rollback()
	o.coord.RelayRollback(ctx, tx)
}
