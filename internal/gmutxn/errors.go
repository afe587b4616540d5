package gmutxn

import "errors"

// Sentinel errors for the GMU Entry-Wrapping Protocol's failure kinds
// (spec §7). CROSS_SNAPSHOT is reported directly by internal/vclock
// (ErrCrossSnapshot). ILLEGAL_STATE has no sentinel: a CommitLog is usable
// as soon as it is constructed. COMMIT_APPLY_FAILED is logged by the commit
// path, never returned. The remainder belong to this package.
var (
	// ErrReadOldValue is returned from Read when a transaction that has
	// already written something reads a key whose visible entry is not the
	// absolute latest committed version: a serializability violation that
	// requires the whole transaction to roll back.
	ErrReadOldValue = errors.New("gmutxn: read returned a stale value after a write, must rollback")

	// ErrReadWriteConflict is returned from Prepare when read-set
	// validation finds that an owned key's last-committed version no
	// longer matches the version this transaction read it at.
	ErrReadWriteConflict = errors.New("gmutxn: read-write conflict at prepare")

	// ErrTimeout is returned when a suspension point (snapshot wait, or
	// await-ready-to-commit) expires before its condition is satisfied.
	ErrTimeout = errors.New("gmutxn: timed out")

	// ErrInterrupted is returned when a suspension point's context is
	// cancelled rather than timed out.
	ErrInterrupted = errors.New("gmutxn: interrupted")
)
