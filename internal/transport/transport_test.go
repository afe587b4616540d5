package transport

import (
	"context"
	"testing"

	"github.com/gmucore/gmukv/internal/cluster"
	"github.com/gmucore/gmukv/internal/commitlog"
	"github.com/gmucore/gmukv/internal/commitmgr"
	"github.com/gmucore/gmukv/internal/container"
	"github.com/gmucore/gmukv/internal/gmutxn"
	"github.com/gmucore/gmukv/internal/txqueue"
	"github.com/gmucore/gmukv/internal/vclock"
)

func TestWireRoundTrip(t *testing.T) {
	snap := vclock.NewClusterSnapshot([]vclock.NodeID{0, 1, 2})
	gen := vclock.NewGenerator(snap, 0)

	v := gen.GenerateNew().WithCoord(0, 3).WithCoord(2, 7)
	w := ToWire(v)
	if len(w) != 3 || w[0] != 3 || w[2] != 7 {
		t.Fatalf("unexpected wire form: %#v", w)
	}

	back := FromWire(gen, w)
	ord, err := vclock.Compare(v, back)
	if err != nil {
		t.Fatal(err)
	}
	if ord != vclock.Equal {
		t.Fatalf("round trip mismatch: %v", ord)
	}
}

func newTestNode(self vclock.NodeID) *Node {
	snap := vclock.NewClusterSnapshot([]vclock.NodeID{0, 1})
	gen := vclock.NewGenerator(snap, self)
	log := commitlog.NewCommitLog(gen)
	queue := txqueue.NewQueue()
	mgr := commitmgr.NewManager(queue, log)
	data := container.NewMemoryContainer(self)
	dist := cluster.NewConsistentHashDistribution(self, map[vclock.NodeID]string{0: "n0", 1: "n1"}, 4)

	proto := gmutxn.NewProtocol(self, gen, log, mgr, data, dist, 0, 0)
	return NewNode(proto, gen)
}

func TestNodePrepareCommitAppliesRelayedWrite(t *testing.T) {
	n := newTestNode(1)
	ctx := context.Background()

	prepResp, err := n.Prepare(ctx, &PrepareRequest{
		TxID:           "remote-tx",
		Writes:         map[string]any{"k": "v1"},
		PrepareVersion: VectorWire{},
	})
	if err != nil {
		t.Fatal(err)
	}
	if prepResp.Error != "" {
		t.Fatalf("prepare failed: %s", prepResp.Error)
	}

	commitResp, err := n.Commit(ctx, &CommitRequest{
		TxID:          "remote-tx",
		CommitVersion: VectorWire{1: 1},
	})
	if err != nil {
		t.Fatal(err)
	}
	if commitResp.Error != "" {
		t.Fatalf("commit failed: %s", commitResp.Error)
	}

	n.mu.Lock()
	_, stillTracked := n.txs["remote-tx"]
	n.mu.Unlock()
	if stillTracked {
		t.Fatal("committed transaction should be forgotten")
	}

	val, found, err := n.proto.Begin("reader").Read(ctx, "k")
	if err != nil || !found || val != "v1" {
		t.Fatalf("relayed write not applied: got (%v, %v, %v), want (v1, true, nil)", val, found, err)
	}
}

func TestNodeRollbackReleasesUntrackedTransactionSafely(t *testing.T) {
	n := newTestNode(0)
	ctx := context.Background()

	// Rollback with no prior Prepare call must be a harmless no-op (a peer
	// may rollback a transaction it never received a prepare for, e.g. when
	// the origin aborts before reaching this owner).
	if _, err := n.Rollback(ctx, &RollbackRequest{TxID: "never-seen"}); err != nil {
		t.Fatal(err)
	}
}

func TestNodePrepareThenRollbackReleasesWriteIntent(t *testing.T) {
	n := newTestNode(0)
	ctx := context.Background()

	if _, err := n.Prepare(ctx, &PrepareRequest{
		TxID:           "tx-a",
		Writes:         map[string]any{"k": "v1"},
		PrepareVersion: VectorWire{},
	}); err != nil {
		t.Fatal(err)
	}

	if _, err := n.Rollback(ctx, &RollbackRequest{TxID: "tx-a"}); err != nil {
		t.Fatal(err)
	}

	// A second transaction must be able to acquire the same key after the
	// first one rolled back.
	resp, err := n.Prepare(ctx, &PrepareRequest{
		TxID:           "tx-b",
		Writes:         map[string]any{"k": "v2"},
		PrepareVersion: VectorWire{},
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Error != "" {
		t.Fatalf("tx-b should acquire k after tx-a rolled back, got %s", resp.Error)
	}
}
