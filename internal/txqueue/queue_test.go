package txqueue

import (
	"context"
	"testing"
	"time"

	"github.com/gmucore/gmukv/internal/vclock"
)

func gen() *vclock.Generator {
	return vclock.NewGenerator(vclock.NewClusterSnapshot([]vclock.NodeID{0}), 0)
}

func v(g *vclock.Generator, n int64) vclock.Version {
	return g.GenerateNew().WithCoord(0, n)
}

func TestEnqueueOrdersByPrepareVersion(t *testing.T) {
	g := gen()
	q := NewQueue()
	e3 := q.Enqueue("t3", v(g, 3))
	e1 := q.Enqueue("t1", v(g, 1))
	e2 := q.Enqueue("t2", v(g, 2))

	q.MarkReadyToCommit(e1)
	q.MarkReadyToCommit(e2)
	q.MarkReadyToCommit(e3)

	head := q.NextReady()
	if head.TxID != "t1" {
		t.Fatalf("head = %s, want t1", head.TxID)
	}
	_ = q.DrainCommitted(mustCommit(q, e1))

	head = q.NextReady()
	if head.TxID != "t2" {
		t.Fatalf("head = %s, want t2", head.TxID)
	}
}

func mustCommit(q *Queue, e *TransactionEntry) *TransactionEntry {
	q.MarkCommitted(e)
	return e
}

func TestReprioritizeReordersQueue(t *testing.T) {
	g := gen()
	q := NewQueue()
	tp := q.Enqueue("tp", v(g, 4))
	tq := q.Enqueue("tq", v(g, 5))

	// Before either is ready, tp's commit version resolves higher than tq's
	// prepare version: queue order should become tq then tp (spec §8
	// scenario 5).
	q.Reprioritize(tp, v(g, 6))

	q.MarkReadyToCommit(tq)
	head := q.NextReady()
	if head.TxID != "tq" {
		t.Fatalf("head = %s, want tq", head.TxID)
	}
}

func TestAwaitUntilReadyToCommitBlocksUntilHeadAndReady(t *testing.T) {
	g := gen()
	q := NewQueue()
	e1 := q.Enqueue("t1", v(g, 1))
	e2 := q.Enqueue("t2", v(g, 2))

	q.MarkReadyToCommit(e2) // not head yet: must not wake
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := e2.AwaitUntilReadyToCommit(ctx); err == nil {
		t.Fatal("expected e2 to still be blocked: it is not the head")
	}

	q.MarkReadyToCommit(e1)
	if err := e1.AwaitUntilReadyToCommit(context.Background()); err != nil {
		t.Fatalf("e1 should be immediately ready: %v", err)
	}

	_ = q.DrainCommitted(mustCommit(q, e1))
	if err := e2.AwaitUntilReadyToCommit(context.Background()); err != nil {
		t.Fatalf("e2 should become ready after e1 drains: %v", err)
	}
}

func TestRollbackReleasesLatchAndWakesNewHead(t *testing.T) {
	g := gen()
	q := NewQueue()
	e1 := q.Enqueue("t1", v(g, 1))
	e2 := q.Enqueue("t2", v(g, 2))
	q.MarkReadyToCommit(e2)

	q.Rollback(e1)

	if err := e2.AwaitUntilReadyToCommit(context.Background()); err != nil {
		t.Fatalf("e2 should be woken once it becomes head: %v", err)
	}
	if _, ok := q.Lookup("t1"); ok {
		t.Fatal("t1 should have been removed from the queue")
	}
}

func TestReadyPrefixIsContiguous(t *testing.T) {
	g := gen()
	q := NewQueue()
	e1 := q.Enqueue("t1", v(g, 1))
	_ = q.Enqueue("t2", v(g, 2))
	e3 := q.Enqueue("t3", v(g, 3))

	q.MarkReadyToCommit(e1)
	q.MarkReadyToCommit(e3) // t2 is not ready: prefix must stop before it

	prefix := q.ReadyPrefix()
	if len(prefix) != 1 || prefix[0].TxID != "t1" {
		t.Fatalf("got %v, want only t1", ids(prefix))
	}
}

func ids(es []*TransactionEntry) []string {
	out := make([]string, len(es))
	for i, e := range es {
		out[i] = e.TxID
	}
	return out
}

func TestAwaitUntilReadyToCommitTimeout(t *testing.T) {
	g := gen()
	q := NewQueue()
	e1 := q.Enqueue("t1", v(g, 1))
	_ = e1

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := e1.AwaitUntilReadyToCommit(ctx)
	if err != ErrTimeout {
		t.Fatalf("got %v, want ErrTimeout", err)
	}
}
