// Package txqueue - Sorted Transaction Queue
//
// What: A per-node ordering structure that sequences prepared transactions
// by their prepare-version and releases them to commit in a globally
// consistent order, enforcing at-most-one commit in-flight at the
// serialization point.
// How: A binary heap orders TransactionEntry values by
// (prepare_version, concurrent_clock, tx_id); a single mutex guards the
// heap and every entry's state transition. Each entry owns its own one-shot
// latch (a closed channel) rather than sharing the queue's condition
// variable, so waking one waiter never wakes every other waiter in the
// queue (the "thundering herd" the design notes call out).
// Why: Transactions must commit in the order their prepare-versions impose,
// not the order they happened to prepare in; a heap keyed by prepare-version
// gives that order cheaply, and per-entry latches keep wakeups precise.
package txqueue

import (
	"container/heap"
	"context"
	"errors"
	"sync"

	"github.com/gmucore/gmukv/internal/vclock"
)

// State is a TransactionEntry's position in its lifecycle.
type State int32

const (
	Pending State = iota
	ReadyToCommit
	Committed
	RolledBack
)

func (s State) String() string {
	switch s {
	case Pending:
		return "PENDING"
	case ReadyToCommit:
		return "READY_TO_COMMIT"
	case Committed:
		return "COMMITTED"
	case RolledBack:
		return "ROLLED_BACK"
	default:
		return "UNKNOWN"
	}
}

// ErrTimeout is returned by AwaitUntilReadyToCommit when the transaction
// timeout configured by the caller elapses before this entry's turn comes.
var ErrTimeout = errors.New("txqueue: timed out waiting for commit turn")

// ErrInterrupted is returned by AwaitUntilReadyToCommit when the caller's
// context is cancelled rather than timed out.
var ErrInterrupted = errors.New("txqueue: interrupted waiting for commit turn")

// TransactionEntry is one node in the sorted queue.
type TransactionEntry struct {
	TxID            string
	PrepareVersion  vclock.Version
	ConcurrentClock uint64

	state  State
	index  int // heap index, maintained by container/heap
	latch  chan struct{}
	signal sync.Once
	q      *Queue
}

// State returns the entry's current lifecycle state. Safe to call without
// holding the queue's lock; State is only ever written under that lock and
// read here under it too.
func (e *TransactionEntry) State() State {
	e.q.mu.Lock()
	defer e.q.mu.Unlock()
	return e.state
}

// AwaitUntilReadyToCommit blocks until this entry's state is READY_TO_COMMIT
// and it is the head of the queue (i.e. it is its turn to commit), or until
// ctx is done. A ctx without a deadline blocks until woken. It also returns
// nil once the entry has been rolled back or drained (Rollback and
// DrainCommitted release the latch); State tells those cases apart.
func (e *TransactionEntry) AwaitUntilReadyToCommit(ctx context.Context) error {
	select {
	case <-e.latch:
		return nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ErrTimeout
		}
		return ErrInterrupted
	}
}

// wake closes the entry's latch exactly once, unblocking any
// AwaitUntilReadyToCommit caller. Must be called with q.mu held.
func (e *TransactionEntry) wake() {
	e.signal.Do(func() { close(e.latch) })
}

// Clock supplies the monotonic local counter values stamped on each
// TransactionEntry as ConcurrentClock (spec §6 "Clock source"). Queue
// depends on this interface rather than a concrete clock so the external
// collaborator can be swapped (see internal/cluster.MonotonicClock).
type Clock interface {
	Next() uint64
}

// localClock is the default Clock used by NewQueue: a private monotonic
// counter, equivalent to internal/cluster.MonotonicClock but with no
// dependency on that package.
type localClock struct {
	mu  sync.Mutex
	seq uint64
}

func (c *localClock) Next() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	return c.seq
}

// Queue is the sorted transaction queue for one cluster node.
type Queue struct {
	mu    sync.Mutex
	heap  entryHeap
	byTx  map[string]*TransactionEntry
	clock Clock
}

// NewQueue constructs an empty Queue with its own private clock.
func NewQueue() *Queue {
	return NewQueueWithClock(&localClock{})
}

// NewQueueWithClock constructs an empty Queue using the given external
// Clock collaborator (spec §6) for concurrent-clock assignment.
func NewQueueWithClock(clock Clock) *Queue {
	return &Queue{byTx: make(map[string]*TransactionEntry), clock: clock}
}

// Enqueue inserts a new entry in PENDING state, assigning it the next
// monotonic concurrent-clock value. If txID is already queued, the existing
// entry is returned unchanged, so a duplicate prepare is idempotent.
func (q *Queue) Enqueue(txID string, prepareVersion vclock.Version) *TransactionEntry {
	clock := q.clock.Next()

	q.mu.Lock()
	defer q.mu.Unlock()

	if e, ok := q.byTx[txID]; ok {
		return e
	}

	e := &TransactionEntry{
		TxID:            txID,
		PrepareVersion:  prepareVersion,
		ConcurrentClock: clock,
		state:           Pending,
		latch:           make(chan struct{}),
		q:               q,
	}
	heap.Push(&q.heap, e)
	q.byTx[txID] = e
	return e
}

// MarkReadyToCommit transitions entry from PENDING to READY_TO_COMMIT. If
// entry is currently the head of the queue, its waiters are woken
// immediately; otherwise it waits until drain_committed makes it the head.
func (q *Queue) MarkReadyToCommit(entry *TransactionEntry) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry.state = ReadyToCommit
	if len(q.heap) > 0 && q.heap[0] == entry {
		entry.wake()
	}
}

// Reprioritize updates entry's prepare_version (used when a transaction's
// commit_version supersedes its original prepare_version, spec §4.D) and
// restores the heap invariant. If the resulting head is READY_TO_COMMIT, its
// latch is signalled.
func (q *Queue) Reprioritize(entry *TransactionEntry, newPrepareVersion vclock.Version) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry.PrepareVersion = newPrepareVersion
	heap.Fix(&q.heap, entry.index)

	if len(q.heap) > 0 && q.heap[0].state == ReadyToCommit {
		q.heap[0].wake()
	}
}

// NextReady returns the queue head iff its state is READY_TO_COMMIT,
// otherwise nil.
func (q *Queue) NextReady() *TransactionEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.heap) == 0 {
		return nil
	}
	head := q.heap[0]
	if head.state != ReadyToCommit {
		return nil
	}
	return head
}

// ReadyPrefix returns, without removing them, the contiguous run of entries
// at the head of the queue that are READY_TO_COMMIT. Used by the
// Transaction Commit Manager's get_transactions_to_commit (spec §4.D).
func (q *Queue) ReadyPrefix() []*TransactionEntry {
	q.mu.Lock()
	defer q.mu.Unlock()

	var prefix []*TransactionEntry
	for _, e := range q.heap.sortedView() {
		if e.state != ReadyToCommit {
			break
		}
		prefix = append(prefix, e)
	}
	return prefix
}

// DrainCommitted removes entry, which must be the head and in state
// COMMITTED. The drained entry's own latch is released, so a waiter whose
// entry was committed as part of another caller's batch returns. If the new
// head is READY_TO_COMMIT, its latch is signalled.
func (q *Queue) DrainCommitted(entry *TransactionEntry) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.heap) == 0 || q.heap[0] != entry {
		return errors.New("txqueue: entry is not the head")
	}
	if entry.state != Committed {
		return errors.New("txqueue: entry is not committed")
	}
	heap.Pop(&q.heap)
	delete(q.byTx, entry.TxID)
	entry.wake()

	if len(q.heap) > 0 {
		newHead := q.heap[0]
		if newHead.state == ReadyToCommit {
			newHead.wake()
		}
	}
	return nil
}

// MarkCommitted transitions entry to COMMITTED without removing it from the
// queue; callers drain it separately via DrainCommitted once it has been
// durably recorded in the commit log.
func (q *Queue) MarkCommitted(entry *TransactionEntry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	entry.state = Committed
}

// Rollback removes entry regardless of its position in the queue and
// releases its latch so any waiter observes the rollback rather than
// blocking forever.
func (q *Queue) Rollback(entry *TransactionEntry) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if entry.state == Committed {
		return
	}
	if entry.index >= 0 && entry.index < len(q.heap) && q.heap[entry.index] == entry {
		heap.Remove(&q.heap, entry.index)
	}
	delete(q.byTx, entry.TxID)
	entry.state = RolledBack
	entry.wake()

	if len(q.heap) > 0 {
		newHead := q.heap[0]
		if newHead.state == ReadyToCommit {
			newHead.wake()
		}
	}
}

// Lookup returns the entry for txID, if it is still queued.
func (q *Queue) Lookup(txID string) (*TransactionEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.byTx[txID]
	return e, ok
}

// Len returns the number of entries currently queued.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

// entryHeap implements container/heap.Interface, ordering by
// (prepare_version under BEFORE/EQUAL/AFTER, concurrent_clock, tx_id).
// CONCURRENT prepare-versions (no vector ordering between them) are
// deliberately tie-broken the same way as EQUAL ones: spec §3/§4.C only
// specifies the tie-break for versions already compared as EQUAL, but a
// heap requires a total order, so CONCURRENT falls back to the same
// (concurrent_clock, tx_id) tie-break rather than being left undefined.
type entryHeap []*TransactionEntry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	ord, err := vclock.Compare(a.PrepareVersion, b.PrepareVersion)
	if err == nil {
		switch ord {
		case vclock.Before, vclock.BeforeOrEqual:
			return true
		case vclock.After, vclock.AfterOrEqual:
			return false
		}
	}
	if a.ConcurrentClock != b.ConcurrentClock {
		return a.ConcurrentClock < b.ConcurrentClock
	}
	return a.TxID < b.TxID
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	e := x.(*TransactionEntry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// sortedView returns every entry of the heap fully sorted by Less, using a
// selection pass over a copy instead of popping from the heap, so
// ReadyPrefix stays non-destructive.
func (h entryHeap) sortedView() []*TransactionEntry {
	cp := append(entryHeap(nil), h...)
	out := make([]*TransactionEntry, 0, len(cp))
	for len(cp) > 0 {
		minIdx := 0
		for i := 1; i < len(cp); i++ {
			if cp.Less(i, minIdx) {
				minIdx = i
			}
		}
		out = append(out, cp[minIdx])
		cp = append(cp[:minIdx], cp[minIdx+1:]...)
	}
	return out
}
