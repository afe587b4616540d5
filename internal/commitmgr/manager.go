// Package commitmgr - Transaction Commit Manager
//
// What: Bridges the Sorted Transaction Queue and the Commit Log. It is the
// only component that both enqueues prepared transactions and later records
// their outcome, so it is the natural place to enforce that the sequence of
// vectors handed to the commit log is monotonic under the local-node
// projection — the invariant that lets readers observe a causally
// consistent snapshot.
// How: Thin wiring, grown from tinySQL's worker-pool/batch-apply shape
// (internal/storage/concurrency.go) generalized from "apply SQL read/write
// requests" to "apply a just-committed batch and drain its queue entries".
// Why: Keeping the queue and the log as separate, independently-lockable
// components (§5) means the bridge between them must not reintroduce a
// shared lock; this package only ever calls into each of them individually.
package commitmgr

import (
	"github.com/gmucore/gmukv/internal/commitlog"
	"github.com/gmucore/gmukv/internal/txqueue"
	"github.com/gmucore/gmukv/internal/vclock"
)

// Manager bridges one node's Queue and CommitLog.
type Manager struct {
	queue *txqueue.Queue
	log   *commitlog.CommitLog
}

// NewManager constructs a Manager over the given queue and commit log.
func NewManager(queue *txqueue.Queue, log *commitlog.CommitLog) *Manager {
	return &Manager{queue: queue, log: log}
}

// PrepareTransaction enqueues tx into the sorted queue under its
// prepare-version, entering the globally consistent commit ordering.
func (m *Manager) PrepareTransaction(txID string, prepareVersion vclock.Version) *txqueue.TransactionEntry {
	return m.queue.Enqueue(txID, prepareVersion)
}

// PrepareReadOnlyTransaction is a documented no-op: read-only transactions
// never write, so they have nothing to serialize against and skip the
// queue entirely (spec §4.D).
func (m *Manager) PrepareReadOnlyTransaction(txID string) {}

// CommitTransaction updates tx's queue entry to its final commit-version
// (re-ordering the queue accordingly) and transitions it to
// READY_TO_COMMIT. commitVersion is expected to already be the fully
// merged vote tally across all write-owners (assembled by the
// GMU Entry-Wrapping Protocol's calculate_commit_version, spec §4.E step 4)
// — this manager does not itself track per-owner votes.
//
// If txID has no queue entry, the call is treated as an idempotent
// already-committed remote commit (spec §4.E "Non-queued remote commit with
// no queue entry → treated as already-committed") and returns nil.
func (m *Manager) CommitTransaction(txID string, commitVersion vclock.Version) *txqueue.TransactionEntry {
	entry, ok := m.queue.Lookup(txID)
	if !ok {
		return nil
	}
	m.queue.Reprioritize(entry, commitVersion)
	m.queue.MarkReadyToCommit(entry)
	return entry
}

// GetTransactionsToCommit returns the contiguous READY_TO_COMMIT prefix at
// the head of the queue, without removing any of them.
func (m *Manager) GetTransactionsToCommit() []*txqueue.TransactionEntry {
	return m.queue.ReadyPrefix()
}

// TransactionCommitted records batch in the commit log, then drains every
// corresponding queue entry. Entries must already be in state COMMITTED
// (via MarkCommitted) before calling this — this mirrors spec §4.E step 5:
// writes are applied and entry.committed() is called first, and only then
// is the whole batch handed to the commit manager.
func (m *Manager) TransactionCommitted(batch []commitlog.CommittedTransaction) error {
	if err := m.log.InsertNewCommittedVersions(batch); err != nil {
		return err
	}
	for _, ct := range batch {
		entry, ok := m.queue.Lookup(ct.TransactionID)
		if !ok {
			continue // already drained by a prior (duplicate) call
		}
		if err := m.queue.DrainCommitted(entry); err != nil {
			return err
		}
	}
	return nil
}

// MarkCommitted transitions entry to COMMITTED ahead of TransactionCommitted
// draining it; corresponds to spec §4.E step 4's entry.committed() call.
func (m *Manager) MarkCommitted(entry *txqueue.TransactionEntry) {
	m.queue.MarkCommitted(entry)
}

// RollbackTransaction removes tx's queue entry, in a guaranteed-release
// path: callers should invoke this from a defer/finally so a failed
// prepare or an aborted commit never leaves a dangling queue entry.
func (m *Manager) RollbackTransaction(entry *txqueue.TransactionEntry) {
	if entry == nil {
		return
	}
	m.queue.Rollback(entry)
}
