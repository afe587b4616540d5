// Package commitlog - Commit Log
//
// What: An append-only chain of committed versions. Each entry records the
// cluster-wide vector version a transaction was assigned at commit and the
// keys it modified (or nil for "all keys", a ClearCommand-equivalent). The
// chain answers two questions for the rest of the GMU core: what snapshot
// can a new transaction read, and has a given version been installed
// locally yet.
// How: A single mutex plus condition variable guards current_version,
// most_recent_version, and the wait condition (mirroring the MVCCManager
// mutex discipline this package is grown from). The chain itself is
// append-at-head-only and its entries are never mutated after linking, so
// once a caller has snapshotted the head under the lock it can walk the
// rest of the chain lock-free.
// Why: Readers must never block writers and writers must never block on a
// reader's chain walk; separating "mutate the head" (locked) from "walk the
// chain" (lock-free over immutable nodes) gives both.
package commitlog

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/gmucore/gmukv/internal/vclock"
)

// VersionEntry is one link in the commit-log chain: a committed version,
// its tie-breaking sub-version, the keys it modified (nil means "all
// keys", a ClearCommand), and a back-link to the previous entry.
type VersionEntry struct {
	Version    vclock.Version
	SubVersion uint64
	// Keys is nil for "all keys modified" (ClearCommand); otherwise the set
	// of keys this entry's transaction wrote.
	Keys []string
	prev *VersionEntry
}

// CommittedTransaction is the unit the Transaction Commit Manager hands to
// InsertNewCommittedVersions: a committed transaction's id, the commit
// version and sub-version it was assigned, the keys it modified, and the
// concurrent-clock value its Sorted Transaction Queue entry was stamped with
// at enqueue (the queue's tie-break among concurrent commits).
type CommittedTransaction struct {
	TransactionID   string
	CommitVersion   vclock.Version
	SubVersion      uint64
	Modifications   []string // nil means ClearCommand ("all keys")
	ConcurrentClock uint64
}

// CommitLog is the append-only chain of committed versions for one cluster
// node.
type CommitLog struct {
	generator *vclock.Generator

	mu     sync.Mutex
	cond   *sync.Cond
	head   *VersionEntry
	recent vclock.Version

	seen map[string]struct{} // dedupe by tx id, see InsertNewCommittedVersions
}

// NewCommitLog constructs a CommitLog tied to generator. There is no
// separate "enable" step — per the design notes, the generator is an
// explicit constructor parameter and the log is usable immediately.
func NewCommitLog(generator *vclock.Generator) *CommitLog {
	cl := &CommitLog{
		generator: generator,
		recent:    generator.GenerateNew(),
		seen:      make(map[string]struct{}),
	}
	cl.cond = sync.NewCond(&cl.mu)
	return cl
}

// GetCurrentVersion returns the generator's view of the most recent version,
// re-projected onto the generator's current cluster snapshot. Callers
// observe a single atomic value: the read of recent happens under the lock.
func (cl *CommitLog) GetCurrentVersion() vclock.Version {
	cl.mu.Lock()
	recent := cl.recent
	cl.mu.Unlock()
	return cl.generator.UpdatedVersion(recent)
}

// GetAvailableVersionLessThan returns a version less-than-or-equal to other
// with a defined local coordinate. If other is nil it is equivalent to
// GetCurrentVersion. If other already has a defined local coordinate it is
// returned unchanged (the caller already holds a valid local coordinate).
// Otherwise the chain is walked from head to tail collecting every entry
// whose version is <= other, and the merge-max of those entries is
// returned.
func (cl *CommitLog) GetAvailableVersionLessThan(other *vclock.Version) (vclock.Version, error) {
	if other == nil {
		return cl.GetCurrentVersion(), nil
	}
	self := cl.generator.Self()
	if other.Get(self) != vclock.NonExisting {
		return *other, nil
	}

	head := cl.snapshotHead()

	collected := make([]vclock.Version, 0, 8)
	for e := head; e != nil; e = e.prev {
		ord, err := vclock.Compare(e.Version, *other)
		if err != nil {
			return vclock.Version{}, err
		}
		if ord == vclock.Before || ord == vclock.BeforeOrEqual || ord == vclock.Equal {
			collected = append(collected, e.Version)
		}
	}
	if len(collected) == 0 {
		return cl.generator.GenerateNew(), nil
	}
	return cl.generator.MergeAndMax(collected...)
}

// GetReadVersion returns a ReadVersion wrapping other, with the not-visible
// set populated from every chain entry E whose local coordinate is <=
// other's local coordinate but whose full vector is not <= other (E is
// installed locally but is not causally before the reader's snapshot, so
// the reader must skip it), plus every entry tied with another at the
// identical vector but a higher sub-version: two concurrent commits can
// land on the exact same vector (spec §8 scenario 2), and only the
// earliest-committed (lowest sub-version) one of a tie is ever visible.
func (cl *CommitLog) GetReadVersion(other vclock.Version) (vclock.ReadVersion, error) {
	rv := cl.generator.ConvertToRead(other)
	self := cl.generator.Self()
	otherLocal := other.Get(self)

	head := cl.snapshotHead()

	minEqualSub, haveEqual := uint64(0), false
	for e := head; e != nil; e = e.prev {
		if e.Version.Get(self) > otherLocal {
			continue
		}
		ord, err := vclock.Compare(e.Version, other)
		if err != nil {
			return vclock.ReadVersion{}, err
		}
		if ord == vclock.Equal && (!haveEqual || e.SubVersion < minEqualSub) {
			minEqualSub, haveEqual = e.SubVersion, true
		}
	}

	for e := head; e != nil; e = e.prev {
		if e.Version.Get(self) > otherLocal {
			continue
		}
		ord, err := vclock.Compare(e.Version, other)
		if err != nil {
			return vclock.ReadVersion{}, err
		}
		notVisible := ord != vclock.Before && ord != vclock.BeforeOrEqual && ord != vclock.Equal
		if ord == vclock.Equal && e.SubVersion != minEqualSub {
			notVisible = true
		}
		if notVisible {
			rv.NotVisible = append(rv.NotVisible, vclock.NotVisibleMark{
				NodeCounter: e.Version.Get(self),
				SubVersion:  e.SubVersion,
			})
		}
	}
	return rv, nil
}

// InsertNewCommittedVersions links each committed transaction in batch into
// the chain, in order, advancing most_recent_version by merge-max as it
// goes, then wakes every WaitForVersion waiter. Duplicate transaction ids
// already present in the chain are skipped (idempotent commit, spec §8).
func (cl *CommitLog) InsertNewCommittedVersions(batch []CommittedTransaction) error {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	for _, ct := range batch {
		if _, dup := cl.seen[ct.TransactionID]; dup {
			continue
		}
		cl.seen[ct.TransactionID] = struct{}{}

		entry := &VersionEntry{
			Version:    ct.CommitVersion,
			SubVersion: ct.SubVersion,
			Keys:       ct.Modifications,
			prev:       cl.head,
		}
		cl.head = entry

		merged, err := cl.generator.MergeAndMax(cl.recent, ct.CommitVersion)
		if err != nil {
			return err
		}
		cl.recent = merged
	}
	cl.cond.Broadcast()
	return nil
}

// WaitForVersion blocks until the commit log's current local coordinate is
// >= v's local coordinate, or until ctx is done. A ctx with no deadline
// (context.Background()) waits forever; a ctx that is already done returns
// immediately. Returns whether the condition held when the call returned.
func (cl *CommitLog) WaitForVersion(ctx context.Context, v vclock.Version) (bool, error) {
	self := cl.generator.Self()
	target := v.Get(self)

	cl.mu.Lock()
	for cl.recent.Get(self) < target {
		if err := ctx.Err(); err != nil {
			cl.mu.Unlock()
			return false, fmt.Errorf("commitlog: %w", err)
		}
		done := waitOnCond(cl.cond, ctx)
		if !done {
			cl.mu.Unlock()
			return cl.recent.Get(self) >= target, ctx.Err()
		}
	}
	satisfied := cl.recent.Get(self) >= target
	cl.mu.Unlock()
	return satisfied, nil
}

// waitOnCond blocks on cond.Wait but returns early (false) if ctx is
// cancelled, by racing a cancellation-watcher goroutine against the
// broadcast. cond.L is assumed already held by the caller.
func waitOnCond(cond *sync.Cond, ctx context.Context) bool {
	if ctx.Done() == nil {
		cond.Wait()
		return true
	}
	woken := make(chan struct{})
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			cond.L.Lock()
			cond.Broadcast()
			cond.L.Unlock()
		case <-stop:
		}
	}()
	go func() {
		cond.Wait()
		close(woken)
	}()
	<-woken
	close(stop)
	select {
	case <-ctx.Done():
		return false
	default:
		return true
	}
}

// snapshotHead takes the chain head under the lock; the returned pointer
// chain is immutable and safe to walk without further locking.
func (cl *CommitLog) snapshotHead() *VersionEntry {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.head
}

// DumpTo writes one "version = keys" line per chain entry, newest first,
// where the version is written as its local-node coordinate only and keys is
// "ALL" for a ClearCommand entry. Diagnostic only; not part of the core's
// correctness surface.
func (cl *CommitLog) DumpTo(w io.Writer) error {
	head := cl.snapshotHead()
	self := cl.generator.Self()
	for e := head; e != nil; e = e.prev {
		keys := "ALL"
		if e.Keys != nil {
			keys = fmt.Sprintf("%v", e.Keys)
		}
		if _, err := fmt.Fprintf(w, "%d = %s\n", e.Version.Get(self), keys); err != nil {
			return err
		}
	}
	return nil
}
