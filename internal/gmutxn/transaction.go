package gmutxn

import (
	"context"
	"sort"

	"github.com/google/uuid"

	"github.com/gmucore/gmukv/internal/txqueue"
	"github.com/gmucore/gmukv/internal/vclock"
)

// Transaction is one transaction's state across read, prepare, commit, and
// rollback (spec §4.E per-transaction state: snapshot_version,
// commit_version, read_set, write_set, keys_read_in_command). The
// first-read-vs-subsequent-read snapshot rule spec §4.E also names
// (already_read_on_this_node) is implemented by haveSnapshot below, which
// gates snapshot acquisition directly rather than tracking per-node read
// history separately.
type Transaction struct {
	proto *Protocol
	id    string

	snapshotVersion vclock.Version
	haveSnapshot    bool
	prepareVersion  vclock.Version
	commitVersion   vclock.Version

	readSet  map[string]vclock.Version
	writeSet map[string]any
	clearAll bool
	modified bool

	keysReadInCommand []string

	readOnly bool
	entry    *txqueue.TransactionEntry
}

// Begin starts a new transaction. An empty txID is replaced with a
// generated uuid.
func (p *Protocol) Begin(txID string) *Transaction {
	if txID == "" {
		txID = uuid.NewString()
	}
	return &Transaction{
		proto:           p,
		id:              txID,
		snapshotVersion: p.gen.GenerateNew(),
		readSet:         make(map[string]vclock.Version),
		writeSet:        make(map[string]any),
	}
}

// ID returns the transaction's id.
func (tx *Transaction) ID() string { return tx.id }

// BeginCommand clears keys_read_in_command, as required before each read
// command executes (spec §4.E Read).
func (tx *Transaction) BeginCommand() {
	tx.keysReadInCommand = nil
}

// KeysReadInCommand returns the keys read by the most recent command.
func (tx *Transaction) KeysReadInCommand() []string {
	return append([]string(nil), tx.keysReadInCommand...)
}

// snapshot computes the ReadVersion this transaction must read at: on the
// first read on this node it derives a fresh snapshot from the commit
// log's current version merged with any maxima already folded in; on
// every subsequent read it first waits for its existing snapshot to be
// locally installed, then recomputes the not-visible set against the
// (possibly advanced) chain.
func (tx *Transaction) snapshot(ctx context.Context) (vclock.ReadVersion, error) {
	if !tx.haveSnapshot {
		current := tx.proto.log.GetCurrentVersion()
		merged, err := tx.proto.gen.MergeAndMax(current, tx.snapshotVersion)
		if err != nil {
			return vclock.ReadVersion{}, err
		}
		tx.snapshotVersion = merged
		tx.haveSnapshot = true
	} else {
		ok, err := tx.proto.waitForSnapshot(ctx, tx.snapshotVersion)
		if err != nil {
			return vclock.ReadVersion{}, err
		}
		if !ok {
			return vclock.ReadVersion{}, ErrTimeout
		}
	}
	return tx.proto.log.GetReadVersion(tx.snapshotVersion)
}

// Read reads key under this transaction's snapshot, stamping snapshot
// acquisition/waiting as needed, enforcing READ_OLD_VALUE_MUST_ROLLBACK
// once the transaction has written anything, and recording the key in the
// read-set.
func (tx *Transaction) Read(ctx context.Context, key string) (value any, found bool, err error) {
	tx.keysReadInCommand = append(tx.keysReadInCommand, key)

	rv, err := tx.snapshot(ctx)
	if err != nil {
		return nil, false, err
	}

	res, err := tx.proto.data.Read(rv, key)
	if err != nil {
		return nil, false, err
	}

	if tx.modified && res.Found && !tx.proto.data.IsMostRecent(key, res.CommitVersion) {
		return nil, false, ErrReadOldValue
	}

	if res.MaxTransactionVersion != nil {
		merged, err := tx.proto.gen.MergeAndMax(tx.snapshotVersion, *res.MaxTransactionVersion)
		if err != nil {
			return nil, false, err
		}
		tx.snapshotVersion = merged
	}

	if res.Found {
		tx.readSet[key] = res.CommitVersion.Vector
	}

	return res.Value, res.Found, nil
}

// Write stages a key/value pair in the write-set. It is not visible to
// Read until the transaction commits.
func (tx *Transaction) Write(key string, value any) {
	tx.writeSet[key] = value
	tx.modified = true
}

// Clear stages a ClearCommand: on commit, every key in the data container
// is wiped and the commit-log entry records modifications as "all keys"
// (nil) rather than an explicit key list (spec §3).
func (tx *Transaction) Clear() {
	tx.clearAll = true
	tx.modified = true
}

func (tx *Transaction) writeKeys() []string {
	keys := make([]string, 0, len(tx.writeSet))
	for k := range tx.writeSet {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (tx *Transaction) ownedReadSet() map[string]vclock.Version {
	owned := make(map[string]vclock.Version, len(tx.readSet))
	for k, v := range tx.readSet {
		if tx.proto.dist.LocalNodeIsOwner(k) {
			owned[k] = v
		}
	}
	return owned
}

// Prepare wraps the write-set's entries, validates the read-set, enqueues
// the transaction into the sorted queue (unless it is read-only), and
// computes its candidate commit-version (spec §4.E Prepare, one-phase:
// origin-local with modifications).
func (tx *Transaction) Prepare(ctx context.Context) error {
	keys := tx.writeKeys()

	if len(keys) > 0 {
		if err := tx.proto.data.WrapForPrepare(ctx, tx.id, keys); err != nil {
			return err
		}
	}

	if err := tx.proto.data.ValidateReadSet(tx.ownedReadSet()); err != nil {
		if len(keys) > 0 {
			tx.proto.data.Unwrap(tx.id, keys)
		}
		return ErrReadWriteConflict
	}

	if !tx.modified {
		tx.readOnly = true
		tx.proto.mgr.PrepareReadOnlyTransaction(tx.id)
		return nil
	}

	prepareVersion := tx.proto.gen.UpdatedVersion(tx.snapshotVersion)
	tx.prepareVersion = prepareVersion
	tx.entry = tx.proto.mgr.PrepareTransaction(tx.id, prepareVersion)
	tx.proto.register(tx)

	owners := tx.proto.dist.WriteOwners(keys)
	commitVersion, err := tx.proto.calculateCommitVersion(prepareVersion, owners)
	if err != nil {
		return err
	}
	tx.commitVersion = commitVersion
	return nil
}

// WriteSet returns a copy of the transaction's staged write-set, for a
// coordinator relaying this transaction's prepare to the owners of keys it
// does not itself own (spec §4.H).
func (tx *Transaction) WriteSet() map[string]any {
	out := make(map[string]any, len(tx.writeSet))
	for k, v := range tx.writeSet {
		out[k] = v
	}
	return out
}

// IsClearAll reports whether this transaction staged a ClearCommand.
func (tx *Transaction) IsClearAll() bool { return tx.clearAll }

// ReadSet returns a copy of the transaction's read-set, for a coordinator
// relaying it so that a remote owner can validate its own keys against it.
func (tx *Transaction) ReadSet() map[string]vclock.Version {
	out := make(map[string]vclock.Version, len(tx.readSet))
	for k, v := range tx.readSet {
		out[k] = v
	}
	return out
}

// PrepareVersion returns the prepare-version this transaction's origin
// computed, for relaying to replicas via PrepareReplica.
func (tx *Transaction) PrepareVersion() vclock.Version { return tx.prepareVersion }

// CommitVersion returns the commit-version this transaction's origin
// computed (or, on a replica, the one it inherited via SetCommitVersion).
func (tx *Transaction) CommitVersion() vclock.Version { return tx.commitVersion }

// WriteOwners returns the distinct nodes owning at least one key in this
// transaction's write-set, for a coordinator deciding which peers to relay
// to.
func (tx *Transaction) WriteOwners() []vclock.NodeID {
	return tx.proto.dist.WriteOwners(tx.writeKeys())
}

// RecordRemoteRead stages a read-set entry on behalf of a transaction
// relayed from another node (spec §4.H transport layer), so that
// ValidateReadSet at Prepare also checks this replica's committed state for
// a key the origin node read but does not own.
func (tx *Transaction) RecordRemoteRead(key string, v vclock.Version) {
	tx.readSet[key] = v
}

// SetCommitVersion overrides the commit version Commit will use. The
// origin node computes a commit version in Prepare; a replica applying a
// relayed commit instead receives the already-decided version from the
// origin over transport and must use that one verbatim (spec §4.E Prepare
// inputs: "prepare-version (origin) OR inherited prepare-version
// (replica)").
func (tx *Transaction) SetCommitVersion(v vclock.Version) {
	tx.commitVersion = v
}

// PrepareReplica prepares a transaction using an inherited prepare-version
// handed down by the origin node, instead of computing one locally: it
// wraps entries and validates the read-set exactly as Prepare does, but
// never calls calculateCommitVersion (only the origin node is responsible
// for merging per-owner votes into a commit version; spec §4.E Prepare step
// 4, "if origin-local and there are modifications").
func (tx *Transaction) PrepareReplica(ctx context.Context, prepareVersion vclock.Version) error {
	keys := tx.writeKeys()

	if len(keys) > 0 {
		if err := tx.proto.data.WrapForPrepare(ctx, tx.id, keys); err != nil {
			return err
		}
	}

	if err := tx.proto.data.ValidateReadSet(tx.ownedReadSet()); err != nil {
		if len(keys) > 0 {
			tx.proto.data.Unwrap(tx.id, keys)
		}
		return ErrReadWriteConflict
	}

	if !tx.modified {
		tx.readOnly = true
		tx.proto.mgr.PrepareReadOnlyTransaction(tx.id)
		return nil
	}

	tx.entry = tx.proto.mgr.PrepareTransaction(tx.id, prepareVersion)
	tx.proto.register(tx)
	return nil
}

// Commit records the transaction's commit-version, awaits its turn at the
// head of the queue, and applies the whole ready batch (spec §4.E Commit).
// Any exception during apply is logged, not rethrown (§4.E step 6,
// §9 open question): a partial quorum must not diverge.
func (tx *Transaction) Commit(ctx context.Context) error {
	if tx.readOnly {
		return nil
	}

	entry := tx.proto.mgr.CommitTransaction(tx.id, tx.commitVersion)
	if entry == nil {
		// No queue entry: treated as an idempotent already-committed remote
		// commit (spec §4.E "Non-queued remote commit with no queue entry").
		return nil
	}
	tx.entry = entry

	return tx.proto.finalizeCommit(ctx, tx)
}

// Rollback invokes the commit manager's guaranteed-release path and
// releases any write intents this transaction's Prepare acquired.
func (tx *Transaction) Rollback() {
	tx.proto.unregister(tx.id)
	if len(tx.writeSet) > 0 {
		tx.proto.data.Unwrap(tx.id, tx.writeKeys())
	}
	tx.proto.mgr.RollbackTransaction(tx.entry)
}
