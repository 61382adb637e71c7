package txn

import (
	"errors"
	"fmt"
)

// Common sentinel errors. Deadlocks detected by the cycle detector carry the
// cycle itself and surface as *locks.DeadlockError instead.
var (
	// ErrTxnNotFound means the transaction id is not active or prepared.
	ErrTxnNotFound = errors.New("transaction not found")
	// ErrTxnNotActive means the operation requires an Active transaction.
	ErrTxnNotActive = errors.New("transaction is not active")
	// ErrSavepointNotFound means the savepoint was never created or was
	// discarded by an earlier rollback-to-savepoint.
	ErrSavepointNotFound = errors.New("savepoint not found")
	// ErrKeyNotFound is returned by Read for an absent key.
	ErrKeyNotFound = errors.New("key not found")
	// ErrResourceExhausted means the active-transaction or per-transaction
	// key limit was hit. The transaction stays Active.
	ErrResourceExhausted = errors.New("resource limit exceeded")
	// ErrDeadlock is the timeout-based deadlock presumption: a lock wait
	// exceeded its budget without a cycle having been found.
	ErrDeadlock = errors.New("deadlock presumed: lock wait exceeded timeout")
	// ErrTimeout means the transaction exceeded its own lifetime deadline.
	ErrTimeout = errors.New("transaction timed out")
	// ErrStorageFailure wraps backend I/O errors surfaced during commit or
	// read. After a commit-time storage failure the transaction keeps its
	// locks until the caller rolls back.
	ErrStorageFailure = errors.New("storage failure")
	// ErrManagerClosed means the manager has been shut down.
	ErrManagerClosed = errors.New("transaction manager is closed")
)

// Error provides structured context for transaction operations.
type Error struct {
	Op    string // Operation that failed (e.g., "Write", "Commit")
	TxID  string
	Key   string // Affected key or savepoint name (if applicable)
	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("%s %s (key %q): %v", e.Op, e.TxID, e.Key, e.Cause)
	}
	if e.TxID != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.TxID, e.Cause)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Cause)
}

// Unwrap returns the underlying cause for error chain support.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether the target error matches this error or its cause.
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	return errors.Is(e.Cause, target)
}

func opErr(op, txID, key string, cause error) error {
	return &Error{Op: op, TxID: txID, Key: key, Cause: cause}
}
