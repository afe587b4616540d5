package gmutxn

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/gmucore/gmukv/internal/cluster"
	"github.com/gmucore/gmukv/internal/commitlog"
	"github.com/gmucore/gmukv/internal/commitmgr"
	"github.com/gmucore/gmukv/internal/container"
	"github.com/gmucore/gmukv/internal/txqueue"
	"github.com/gmucore/gmukv/internal/vclock"
)

func newTestProtocol() (*Protocol, context.Context) {
	gen := vclock.NewGenerator(vclock.NewClusterSnapshot([]vclock.NodeID{0}), 0)
	log := commitlog.NewCommitLog(gen)
	queue := txqueue.NewQueue()
	mgr := commitmgr.NewManager(queue, log)
	data := container.NewMemoryContainer(0)
	dist := cluster.NewConsistentHashDistribution(0, map[vclock.NodeID]string{0: "n0"}, 4)

	p := NewProtocol(0, gen, log, mgr, data, dist, 0, 0)
	return p, context.Background()
}

func commitValue(t *testing.T, p *Protocol, ctx context.Context, txID, key string, value any) {
	t.Helper()
	tx := p.Begin(txID)
	tx.Write(key, value)
	if err := tx.Prepare(ctx); err != nil {
		t.Fatalf("%s prepare: %v", txID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("%s commit: %v", txID, err)
	}
}

func TestCommittedWriteIsVisibleToNextTransaction(t *testing.T) {
	p, ctx := newTestProtocol()
	commitValue(t, p, ctx, "t0", "k", "v1")

	tx := p.Begin("t1")
	val, found, err := tx.Read(ctx, "k")
	if err != nil {
		t.Fatal(err)
	}
	if !found || val != "v1" {
		t.Fatalf("got (%v, %v), want (v1, true)", val, found)
	}
}

func TestReadOnlyTransactionSkipsQueue(t *testing.T) {
	p, ctx := newTestProtocol()
	commitValue(t, p, ctx, "t0", "k", "v1")

	tx := p.Begin("t1")
	if _, _, err := tx.Read(ctx, "k"); err != nil {
		t.Fatal(err)
	}
	if err := tx.Prepare(ctx); err != nil {
		t.Fatal(err)
	}
	if !tx.readOnly {
		t.Fatal("transaction with no writes should be marked read-only")
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatal(err)
	}
}

// Scenario 6 (read-write conflict): a transaction reads K@v1 from the
// owner, another transaction commits K@v2 concurrently, and prepare on the
// first transaction must fail with ErrReadWriteConflict.
func TestReadWriteConflictAtPrepare(t *testing.T) {
	p, ctx := newTestProtocol()
	commitValue(t, p, ctx, "t0", "k", "v1")

	tx1 := p.Begin("t1")
	if _, found, err := tx1.Read(ctx, "k"); err != nil || !found {
		t.Fatalf("read k: %v %v", found, err)
	}

	commitValue(t, p, ctx, "t2", "k", "v2")

	if err := tx1.Prepare(ctx); !errors.Is(err, ErrReadWriteConflict) {
		t.Fatalf("got %v, want ErrReadWriteConflict", err)
	}
}

// A transaction that has already written something, and then reads a key
// whose visible entry is superseded by a concurrent commit it cannot see
// under its own fixed snapshot, must abort with ErrReadOldValue.
func TestReadOldValueMustRollbackAfterWrite(t *testing.T) {
	p, ctx := newTestProtocol()
	commitValue(t, p, ctx, "t0", "k", "v1")

	tx1 := p.Begin("t1")
	if _, found, err := tx1.Read(ctx, "k"); err != nil || !found {
		t.Fatalf("first read of k: %v %v", found, err)
	}
	tx1.Write("other", "x")

	commitValue(t, p, ctx, "t2", "k", "v2")

	if _, _, err := tx1.Read(ctx, "k"); !errors.Is(err, ErrReadOldValue) {
		t.Fatalf("got %v, want ErrReadOldValue", err)
	}
}

func TestRollbackReleasesWriteIntentAndQueueEntry(t *testing.T) {
	p, ctx := newTestProtocol()

	tx1 := p.Begin("t1")
	tx1.Write("k", "v1")
	if err := tx1.Prepare(ctx); err != nil {
		t.Fatal(err)
	}
	tx1.Rollback()

	tx2 := p.Begin("t2")
	tx2.Write("k", "v2")
	if err := tx2.Prepare(ctx); err != nil {
		t.Fatalf("t2 should be able to acquire k after t1 rolled back: %v", err)
	}
	if err := tx2.Commit(ctx); err != nil {
		t.Fatal(err)
	}
}

// Scenario 5 analogue: Tp prepares first but Tq's commit marks it ready
// before Tp does. Tq must still wait for Tp (the head) before its writes
// are applied, and both end up committed via the same drain.
func TestConcurrentCommitsDrainInHeadOrder(t *testing.T) {
	p, ctx := newTestProtocol()

	tp := p.Begin("tp")
	tp.Write("a", "pa")
	if err := tp.Prepare(ctx); err != nil {
		t.Fatal(err)
	}

	tq := p.Begin("tq")
	tq.Write("b", "qb")
	if err := tq.Prepare(ctx); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		done <- tq.Commit(ctx)
	}()

	time.Sleep(20 * time.Millisecond)

	if err := tp.Commit(ctx); err != nil {
		t.Fatalf("tp commit: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("tq commit: %v", err)
	}

	// Both were drained in one batch under the same vector, tp with
	// sub-version 0 and tq with sub-version 1. A read at exactly that vector
	// sees tp's write but treats tq's as not-visible (commit log tie rule).
	tr := p.Begin("tr")
	va, found, err := tr.Read(ctx, "a")
	if err != nil || !found || va != "pa" {
		t.Fatalf("a: %v %v %v", va, found, err)
	}
	vb, found, err := tr.Read(ctx, "b")
	if err != nil || found {
		t.Fatalf("b: %v %v %v, want not visible at the shared vector", vb, found, err)
	}
}

func TestClearWipesContainerAndRecordsAllKeys(t *testing.T) {
	p, ctx := newTestProtocol()
	commitValue(t, p, ctx, "t0", "a", 1)
	commitValue(t, p, ctx, "t1", "b", 2)

	tx := p.Begin("t2")
	tx.Clear()
	if err := tx.Prepare(ctx); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatal(err)
	}

	tr := p.Begin("t3")
	if _, found, err := tr.Read(ctx, "a"); err != nil || found {
		t.Fatalf("a should be gone after Clear: found=%v err=%v", found, err)
	}

	var dump strings.Builder
	if err := p.log.DumpTo(&dump); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(dump.String(), "= ALL") {
		t.Fatalf("commit log should record the Clear as all keys: %q", dump.String())
	}
}

func TestIdempotentCommitViaDuplicateCommitCall(t *testing.T) {
	p, ctx := newTestProtocol()
	tx := p.Begin("t1")
	tx.Write("k", "v1")
	if err := tx.Prepare(ctx); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatal(err)
	}

	// A second Commit call with no queue entry left is the documented
	// idempotent "already-committed" no-op, not an error.
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("second commit call should be a no-op, got %v", err)
	}
}
