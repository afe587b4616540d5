// Package container - Data Container collaborator (reference implementation)
//
// What: An in-memory, per-key version chain satisfying the Data Container
// contract the GMU Entry-Wrapping Protocol consumes (spec §6):
// wrap_entries_for_prepare (acquire write intents), commit_entry (apply a
// write under a WriteVersion), perform_read_set_validation (re-check a
// read-set at prepare). This is a reference implementation for exercising
// and testing the core, not the cache store itself — persistence, eviction,
// and L1 caching remain explicit Non-goals (spec §1).
// How: Grown from tinySQL's Table/row shape (internal/storage/db.go,
// internal/storage/mvcc.go's RowVersion chain) trimmed to exactly what the
// container contract needs: a per-key, newest-first, singly-linked chain of
// (WriteVersion, value), plus a simple per-key write-intent map guarding
// prepare.
// Why: The GMU core must stay testable without a real distributed cache
// store; this container is the cheapest thing that satisfies the contract
// faithfully enough to exercise every read/prepare/commit path in the spec.
package container

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gmucore/gmukv/internal/vclock"
)

// ErrWriteIntentHeld is returned by WrapForPrepare when a key is already
// write-intent-locked by a different, still-in-flight transaction.
var ErrWriteIntentHeld = errors.New("container: write intent already held")

// ErrReadWriteConflict is returned by ValidateReadSet when a key's
// last-committed version no longer matches the version a transaction read
// it at (spec §7 READ_WRITE_CONFLICT).
var ErrReadWriteConflict = errors.New("container: read-write conflict")

// entry is one link in a key's version chain, newest first.
type entry struct {
	wv    vclock.WriteVersion
	value any
	prev  *entry
}

// MemoryContainer is an in-memory Data Container, scoped to one node.
type MemoryContainer struct {
	self vclock.NodeID

	mu      sync.RWMutex
	chains  map[string]*entry
	maxRead map[string]vclock.Version // running merge-max of read snapshots per key
	locks   map[string]string         // key -> holder tx id, for write intents
}

// NewMemoryContainer constructs an empty container for the given local
// node.
func NewMemoryContainer(self vclock.NodeID) *MemoryContainer {
	return &MemoryContainer{
		self:    self,
		chains:  make(map[string]*entry),
		maxRead: make(map[string]vclock.Version),
		locks:   make(map[string]string),
	}
}

// ReadResult is what Read returns for one key.
type ReadResult struct {
	Value         any
	Found         bool
	CommitVersion vclock.WriteVersion
	// MaxTransactionVersion is the merge-max of every snapshot any
	// transaction has previously read this key at, prior to this read. The
	// GMU Entry-Wrapping Protocol folds this into its own snapshot_version
	// (spec §4.E "if the entry carries a maximum_transaction_version,
	// collect it").
	MaxTransactionVersion *vclock.Version
}

// Read returns the value of key visible under rv: the maximal entry in the
// chain whose commit version is causally at-or-before rv's vector and is
// not one of rv's not-visible sub-versions.
func (c *MemoryContainer) Read(rv vclock.ReadVersion, key string) (ReadResult, error) {
	c.mu.Lock()
	var priorMax *vclock.Version
	if pm, ok := c.maxRead[key]; ok {
		priorMax = &pm
	}
	if merged, err := mergeReadMax(priorMax, rv.Vector); err == nil {
		c.maxRead[key] = merged
	}
	head := c.chains[key]
	c.mu.Unlock()

	for e := head; e != nil; e = e.prev {
		ord, err := vclock.Compare(e.wv.Vector, rv.Vector)
		if err != nil {
			return ReadResult{}, err
		}
		if ord != vclock.Before && ord != vclock.BeforeOrEqual && ord != vclock.Equal {
			continue
		}
		if rv.Skips(e.wv.Vector.Get(c.self), e.wv.SubVersion) {
			continue
		}
		return ReadResult{
			Value:                 e.value,
			Found:                 true,
			CommitVersion:         e.wv,
			MaxTransactionVersion: priorMax,
		}, nil
	}
	return ReadResult{Found: false, MaxTransactionVersion: priorMax}, nil
}

// mergeReadMax returns the merge-max of prior and v, purely coordinate-wise
// (no generator needed: both are plain vectors over the same cluster
// snapshot by construction in this single-container reference impl).
func mergeReadMax(prior *vclock.Version, v vclock.Version) (vclock.Version, error) {
	if prior == nil {
		return v, nil
	}
	merged := *prior
	for _, n := range v.Snapshot().Nodes() {
		pv, vv := merged.Get(n), v.Get(n)
		if vv != vclock.NonExisting && vv > pv {
			merged = merged.WithCoord(n, vv)
		}
	}
	return merged, nil
}

// WrapForPrepare acquires a write intent on each of keys for txID. On the
// first key that is already held by a different transaction, every intent
// acquired so far in this call is released and ErrWriteIntentHeld is
// returned — the caller is expected to roll the whole prepare back.
func (c *MemoryContainer) WrapForPrepare(ctx context.Context, txID string, keys []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	acquired := make([]string, 0, len(keys))
	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			c.releaseLocked(acquired)
			return err
		}
		if holder, ok := c.locks[k]; ok && holder != txID {
			c.releaseLocked(acquired)
			return fmt.Errorf("%w: key %q held by %q", ErrWriteIntentHeld, k, holder)
		}
		c.locks[k] = txID
		acquired = append(acquired, k)
	}
	return nil
}

func (c *MemoryContainer) releaseLocked(keys []string) {
	for _, k := range keys {
		delete(c.locks, k)
	}
}

// Unwrap releases write intents acquired by WrapForPrepare without
// committing, for txID's keys — used on rollback.
func (c *MemoryContainer) Unwrap(txID string, keys []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		if c.locks[k] == txID {
			delete(c.locks, k)
		}
	}
}

// ValidateReadSet re-checks, for each key in readSet, that the version
// currently at the head of its chain still matches readAt. A mismatch
// means a concurrent transaction committed a newer version of that key
// since it was read: a serializability violation.
func (c *MemoryContainer) ValidateReadSet(readSet map[string]vclock.Version) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for key, readAt := range readSet {
		head := c.chains[key]
		if head == nil {
			continue // never committed: nothing to conflict with
		}
		ord, err := vclock.Compare(head.wv.Vector, readAt)
		if err != nil {
			return err
		}
		if ord != vclock.Equal {
			return fmt.Errorf("%w: key %q", ErrReadWriteConflict, key)
		}
	}
	return nil
}

// IsMostRecent reports whether cv is the version currently at the head of
// key's chain — used by the GMU Entry-Wrapping Protocol's read path to
// detect READ_OLD_VALUE_MUST_ROLLBACK: once a transaction has written
// anything, every subsequent read it performs must observe the absolute
// latest committed version of whatever it reads next.
func (c *MemoryContainer) IsMostRecent(key string, cv vclock.WriteVersion) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	head := c.chains[key]
	if head == nil {
		return false
	}
	return sameWriteVersion(head.wv, cv)
}

func sameWriteVersion(a, b vclock.WriteVersion) bool {
	if a.SubVersion != b.SubVersion {
		return false
	}
	ord, err := vclock.Compare(a.Vector, b.Vector)
	return err == nil && ord == vclock.Equal
}

// Clear wipes every key's chain, for a ClearCommand-style commit (spec §3
// "keys_modified_or_null = null denotes all keys"). Write intents held at
// the time of the call are left untouched; callers release them normally
// after Clear returns.
func (c *MemoryContainer) Clear(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chains = make(map[string]*entry)
	return nil
}

// Commit applies writes under wv, pushing a new chain entry per key and
// releasing that key's write intent. skipOwnershipCheck is accepted to
// match the Data Container contract's signature (spec §6) for the
// remote-apply path, where a replica commits keys it does not itself own
// the write-intent for; this in-memory reference implementation has no
// separate ownership check to skip.
func (c *MemoryContainer) Commit(_ context.Context, txID string, wv vclock.WriteVersion, writes map[string]any, skipOwnershipCheck bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for k, v := range writes {
		c.chains[k] = &entry{wv: wv, value: v, prev: c.chains[k]}
		if c.locks[k] == txID {
			delete(c.locks, k)
		}
	}
	return nil
}
