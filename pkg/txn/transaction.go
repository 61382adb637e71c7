package txn

import (
	"time"

	"github.com/statelang/txnengine/pkg/storage"
)

// Transaction is the manager-owned record of one in-flight transaction.
// Writes are buffered in the write-set and applied to storage only at commit.
// All fields are guarded by the manager's mutex.
type Transaction struct {
	id        string
	isolation IsolationLevel
	state     State
	startTime time.Time
	deadline  time.Time // zero means no timeout

	readSet    map[string]struct{}
	writeSet   map[string]storage.Value
	savepoints []savepoint
}

// savepoint captures enough state to undo everything that happened after it:
// the write-set and read-set as they were, and the lock keys held at creation
// time so later locks can be released on rollback.
type savepoint struct {
	name      string
	writeSet  map[string]storage.Value
	readSet   map[string]struct{}
	heldKeys  map[string]struct{}
	createdAt time.Time
}

func newTransaction(id string, isolation IsolationLevel, timeout time.Duration) *Transaction {
	tx := &Transaction{
		id:        id,
		isolation: isolation,
		state:     StateActive,
		startTime: time.Now(),
		readSet:   make(map[string]struct{}),
		writeSet:  make(map[string]storage.Value),
	}
	if timeout > 0 {
		tx.deadline = tx.startTime.Add(timeout)
	}
	return tx
}

// ID returns the transaction id.
func (tx *Transaction) ID() string { return tx.id }

// Isolation returns the isolation level fixed at begin.
func (tx *Transaction) Isolation() IsolationLevel { return tx.isolation }

// expired reports whether the transaction has outlived its deadline.
func (tx *Transaction) expired(now time.Time) bool {
	return !tx.deadline.IsZero() && now.After(tx.deadline)
}

// remainingWait returns the lock-wait budget left before the deadline.
// Zero means no deadline (wait without limit).
func (tx *Transaction) remainingWait(now time.Time) time.Duration {
	if tx.deadline.IsZero() {
		return 0
	}
	return tx.deadline.Sub(now)
}

// keySetSize is the number of distinct keys in the combined read+write set.
func (tx *Transaction) keySetSize() int {
	n := len(tx.writeSet)
	for key := range tx.readSet {
		if _, written := tx.writeSet[key]; !written {
			n++
		}
	}
	return n
}

// touches reports whether key is already part of the transaction's key-set.
func (tx *Transaction) touches(key string) bool {
	if _, ok := tx.writeSet[key]; ok {
		return true
	}
	_, ok := tx.readSet[key]
	return ok
}

// writeKeys returns the keys of the buffered write-set.
func (tx *Transaction) writeKeys() []string {
	keys := make([]string, 0, len(tx.writeSet))
	for key := range tx.writeSet {
		keys = append(keys, key)
	}
	return keys
}

func cloneWriteSet(src map[string]storage.Value) map[string]storage.Value {
	dst := make(map[string]storage.Value, len(src))
	for k, v := range src {
		dst[k] = v.Clone()
	}
	return dst
}

func cloneKeySet(src map[string]struct{}) map[string]struct{} {
	dst := make(map[string]struct{}, len(src))
	for k := range src {
		dst[k] = struct{}{}
	}
	return dst
}
