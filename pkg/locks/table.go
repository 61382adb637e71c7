// Package locks implements the per-key lock table and deadlock detection for
// the transaction engine. All lock-grant decisions and wait-for-graph updates
// happen inside one critical section, so grants, waits, and cycle checks are
// atomic with respect to each other.
//
// A waiter blocks on a buffered result channel and is woken by whichever
// release makes its request grantable, by wait expiry, or by its own
// transaction being aborted. Cycle detection always runs before a wait is
// installed: a wait that would close a cycle is refused, never queued.
package locks

import (
	"errors"
	"sync"
	"time"
)

// Mode is the lock mode for a key.
type Mode int

const (
	// Shared allows any number of concurrent readers.
	Shared Mode = iota
	// Exclusive allows a single owner and excludes all sharers.
	Exclusive
)

// String returns the mode name.
func (m Mode) String() string {
	if m == Exclusive {
		return "exclusive"
	}
	return "shared"
}

var (
	// ErrWaitTimeout is returned when a lock wait exceeds its budget without
	// a cycle having been detected.
	ErrWaitTimeout = errors.New("lock wait timed out")
	// ErrWaitAborted is returned when the waiting transaction was rolled
	// back or otherwise released while blocked.
	ErrWaitAborted = errors.New("lock wait aborted")
)

// waiter is a blocked Acquire call. The result channel is buffered so the
// waker never blocks handing over the outcome.
type waiter struct {
	txID   string
	mode   Mode
	result chan error
}

// entry is the lock state for one key. Invariant: exclusive is empty or names
// one holder, and shared is empty whenever exclusive is set.
type entry struct {
	shared    map[string]struct{}
	exclusive string
	queue     []*waiter
}

func (e *entry) idle() bool {
	return e.exclusive == "" && len(e.shared) == 0 && len(e.queue) == 0
}

// holdersExcept returns the transactions currently holding the entry, other
// than txID.
func (e *entry) holdersExcept(txID string) []string {
	if e.exclusive != "" {
		if e.exclusive == txID {
			return nil
		}
		return []string{e.exclusive}
	}
	holders := make([]string, 0, len(e.shared))
	for h := range e.shared {
		if h != txID {
			holders = append(holders, h)
		}
	}
	return holders
}

// grantable reports whether txID may take the lock in mode right now.
// A transaction that is the sole shared holder may upgrade to exclusive.
func (e *entry) grantable(txID string, mode Mode) bool {
	if mode == Shared {
		return e.exclusive == "" || e.exclusive == txID
	}
	if e.exclusive != "" {
		return e.exclusive == txID
	}
	if len(e.shared) == 0 {
		return true
	}
	_, self := e.shared[txID]
	return self && len(e.shared) == 1
}

// grant records ownership. Callers must have checked grantable.
func (e *entry) grant(txID string, mode Mode) {
	if mode == Exclusive {
		delete(e.shared, txID)
		e.exclusive = txID
		return
	}
	if e.exclusive == txID {
		// Already holds the stronger lock.
		return
	}
	if e.shared == nil {
		e.shared = make(map[string]struct{})
	}
	e.shared[txID] = struct{}{}
}

// Table is the global lock table shared by all transactions. There is exactly
// one per transaction manager.
type Table struct {
	mu      sync.Mutex
	entries map[string]*entry
	held    map[string]map[string]struct{} // txID -> keys held
	pending map[string][]*pendingWait      // txID -> waits in flight
}

type pendingWait struct {
	key string
	w   *waiter
}

// NewTable creates an empty lock table.
func NewTable() *Table {
	return &Table{
		entries: make(map[string]*entry),
		held:    make(map[string]map[string]struct{}),
		pending: make(map[string][]*pendingWait),
	}
}

// Acquire takes the lock on key for txID in the given mode, blocking while an
// incompatible holder exists. A wait budget <= 0 blocks without a deadline.
//
// Failure modes: *DeadlockError when queueing would close a wait-for cycle
// (the wait is refused before it starts), ErrWaitTimeout when the budget
// elapses, ErrWaitAborted when the transaction's locks are released while it
// is still blocked.
func (t *Table) Acquire(txID, key string, mode Mode, wait time.Duration) error {
	t.mu.Lock()

	e := t.entries[key]
	if e == nil {
		e = &entry{shared: make(map[string]struct{})}
		t.entries[key] = e
	}

	if e.grantable(txID, mode) {
		e.grant(txID, mode)
		t.recordHeldLocked(txID, key)
		t.mu.Unlock()
		return nil
	}

	// The cycle check runs before the wait is installed, so the timeout
	// below can only ever fire for waits already known to be acyclic.
	if cycle := t.findCycleLocked(txID, e); cycle != nil {
		t.mu.Unlock()
		return &DeadlockError{Cycle: cycle}
	}

	w := &waiter{txID: txID, mode: mode, result: make(chan error, 1)}
	e.queue = append(e.queue, w)
	t.pending[txID] = append(t.pending[txID], &pendingWait{key: key, w: w})
	t.mu.Unlock()

	if wait <= 0 {
		return <-w.result
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case err := <-w.result:
		return err
	case <-timer.C:
		t.mu.Lock()
		// The grant may have raced the timer.
		select {
		case err := <-w.result:
			t.mu.Unlock()
			return err
		default:
		}
		t.removeWaiterLocked(txID, key, w)
		t.promoteLocked(key)
		t.mu.Unlock()
		return ErrWaitTimeout
	}
}

// Release releases the given keys held by txID and wakes newly grantable
// waiters. Keys the transaction does not hold are ignored.
func (t *Table) Release(txID string, keys []string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, key := range keys {
		t.releaseKeyLocked(txID, key)
	}
}

// ReleaseAll releases every lock held by txID and aborts any waits it still
// has in flight.
func (t *Table) ReleaseAll(txID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, pw := range t.pending[txID] {
		if e := t.entries[pw.key]; e != nil {
			for i, qw := range e.queue {
				if qw == pw.w {
					e.queue = append(e.queue[:i], e.queue[i+1:]...)
					break
				}
			}
		}
		pw.w.result <- ErrWaitAborted
	}
	delete(t.pending, txID)

	for key := range t.held[txID] {
		t.releaseKeyLocked(txID, key)
	}
}

// HoldsAll reports whether txID currently holds a lock on every key. Used by
// prepare-time validation.
func (t *Table) HoldsAll(txID string, keys []string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	held := t.held[txID]
	for _, key := range keys {
		if _, ok := held[key]; !ok {
			return false
		}
	}
	return true
}

// HeldKeys returns the keys txID currently holds locks on.
func (t *Table) HeldKeys(txID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	keys := make([]string, 0, len(t.held[txID]))
	for key := range t.held[txID] {
		keys = append(keys, key)
	}
	return keys
}

// HolderOf returns the exclusive holder of key, or "" (for tests).
func (t *Table) HolderOf(key string) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e := t.entries[key]; e != nil {
		return e.exclusive
	}
	return ""
}

func (t *Table) recordHeldLocked(txID, key string) {
	keys := t.held[txID]
	if keys == nil {
		keys = make(map[string]struct{})
		t.held[txID] = keys
	}
	keys[key] = struct{}{}
}

func (t *Table) releaseKeyLocked(txID, key string) {
	e := t.entries[key]
	if e == nil {
		return
	}
	if e.exclusive == txID {
		e.exclusive = ""
	}
	delete(e.shared, txID)
	if held := t.held[txID]; held != nil {
		delete(held, key)
		if len(held) == 0 {
			delete(t.held, txID)
		}
	}
	t.promoteLocked(key)
	if e.idle() {
		delete(t.entries, key)
	}
}

// promoteLocked grants queued waiters in FIFO order for as long as the head
// of the queue is compatible with the current holders.
func (t *Table) promoteLocked(key string) {
	e := t.entries[key]
	if e == nil {
		return
	}
	for len(e.queue) > 0 {
		w := e.queue[0]
		if !e.grantable(w.txID, w.mode) {
			return
		}
		e.queue = e.queue[1:]
		e.grant(w.txID, w.mode)
		t.recordHeldLocked(w.txID, key)
		t.dropPendingLocked(w.txID, w)
		w.result <- nil
	}
}

func (t *Table) removeWaiterLocked(txID, key string, w *waiter) {
	if e := t.entries[key]; e != nil {
		for i, qw := range e.queue {
			if qw == w {
				e.queue = append(e.queue[:i], e.queue[i+1:]...)
				break
			}
		}
		if e.idle() {
			delete(t.entries, key)
		}
	}
	t.dropPendingLocked(txID, w)
}

func (t *Table) dropPendingLocked(txID string, w *waiter) {
	waits := t.pending[txID]
	for i, pw := range waits {
		if pw.w == w {
			t.pending[txID] = append(waits[:i], waits[i+1:]...)
			break
		}
	}
	if len(t.pending[txID]) == 0 {
		delete(t.pending, txID)
	}
}
