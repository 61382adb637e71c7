// Package txn implements the transactional state engine: lifecycle
// management, lock-based isolation, savepoints, deadlock handling, resource
// limits, and single-node two-phase commit over a pluggable storage backend.
//
// Writes are buffered per transaction and reach storage only at commit, in
// one atomically visible batch. Every operation that inspects or mutates
// transaction state runs under the manager's mutex; the only suspension point
// is a blocking lock wait, which happens with the mutex released.
package txn

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/statelang/txnengine/pkg/audit"
	"github.com/statelang/txnengine/pkg/config"
	"github.com/statelang/txnengine/pkg/locks"
	"github.com/statelang/txnengine/pkg/logging"
	"github.com/statelang/txnengine/pkg/metrics"
	"github.com/statelang/txnengine/pkg/storage"
)

// Manager orchestrates all transactions against one storage backend. There is
// one lock table and one active-transaction set per manager.
type Manager struct {
	mu      sync.Mutex
	cfg     config.Config
	storage storage.Backend
	locks   *locks.Table
	active  map[string]*Transaction
	counter uint64
	closed  bool

	callback EventCallback
	auditLog *audit.Logger
	metrics  *metrics.Registry
	logger   logging.Logger
}

// Option configures a Manager at construction time.
type Option func(*Manager)

// WithEventCallback registers the synchronous lifecycle event callback.
func WithEventCallback(cb EventCallback) Option {
	return func(m *Manager) { m.callback = cb }
}

// WithAuditLogger enables the append-only audit log.
func WithAuditLogger(l *audit.Logger) Option {
	return func(m *Manager) { m.auditLog = l }
}

// WithMetrics attaches a Prometheus metrics registry.
func WithMetrics(r *metrics.Registry) Option {
	return func(m *Manager) { m.metrics = r }
}

// WithLogger sets the diagnostics logger. Defaults to a no-op logger.
func WithLogger(l logging.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates a manager over an already-open backend.
func NewManager(backend storage.Backend, cfg config.Config, opts ...Option) *Manager {
	m := &Manager{
		cfg:     cfg,
		storage: backend,
		locks:   locks.NewTable(),
		active:  make(map[string]*Transaction),
		logger:  logging.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Open builds a manager from configuration: it opens the configured storage
// backend and, when configured, the audit log.
func Open(cfg config.Config, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	backend, err := storage.Open(storage.Options{Backend: cfg.Storage, Path: cfg.StoragePath})
	if err != nil {
		return nil, err
	}

	m := NewManager(backend, cfg, opts...)
	if cfg.AuditLogPath != "" && m.auditLog == nil {
		log, err := audit.NewLogger(cfg.AuditLogPath)
		if err != nil {
			backend.Close()
			return nil, err
		}
		m.auditLog = log
	}
	return m, nil
}

// Begin starts a transaction with the manager's default timeout.
func (m *Manager) Begin(isolation IsolationLevel) (string, error) {
	return m.BeginWithTimeout(isolation, m.cfg.DefaultTimeout)
}

// BeginWithTimeout starts a transaction with an explicit timeout. A timeout
// of zero disables the deadline.
func (m *Manager) BeginWithTimeout(isolation IsolationLevel, timeout time.Duration) (string, error) {
	const op = "Begin"

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", opErr(op, "", "", ErrManagerClosed)
	}
	if max := m.cfg.MaxActiveTransactions; max > 0 && len(m.active) >= max {
		n := len(m.active)
		m.mu.Unlock()
		return "", opErr(op, "", "", fmt.Errorf(
			"%w: active transactions at limit (%d/%d)", ErrResourceExhausted, n, max))
	}
	m.counter++
	id := fmt.Sprintf("tx_%d", m.counter)
	m.active[id] = newTransaction(id, isolation, timeout)
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.TxnsBegun.Inc()
		m.metrics.ActiveTransactions.Inc()
	}
	m.emit(m.newEvent(audit.EventBegin, id, nil, &isolation), false)
	return id, nil
}

// Read returns the value for key as seen by the transaction: its own
// buffered write if it has one, otherwise committed storage state, with
// locking dictated by the isolation level. Absent keys fail with
// ErrKeyNotFound.
func (m *Manager) Read(txID, key string) (storage.Value, error) {
	const op = "Read"

	m.mu.Lock()
	tx, err := m.lookupActiveLocked(op, txID)
	if err != nil {
		m.mu.Unlock()
		return storage.Value{}, err
	}
	now := time.Now()
	if tx.expired(now) {
		elapsed := now.Sub(tx.startTime)
		m.mu.Unlock()
		m.emitTimeout(txID, elapsed)
		return storage.Value{}, opErr(op, txID, key, ErrTimeout)
	}

	// Read-your-own-writes: the buffered value wins and needs no new lock,
	// the transaction already holds the key exclusively.
	if v, ok := tx.writeSet[key]; ok {
		val := v.Clone()
		m.mu.Unlock()
		return val, nil
	}

	if err := m.checkKeyLimitLocked(op, tx, key); err != nil {
		m.mu.Unlock()
		return storage.Value{}, err
	}
	needLock := tx.isolation != ReadUncommitted
	budget := tx.remainingWait(now)
	m.mu.Unlock()

	if needLock {
		if err := m.acquire(op, txID, key, locks.Shared, budget); err != nil {
			return storage.Value{}, err
		}
	}

	m.mu.Lock()
	tx, ok := m.active[txID]
	if !ok || tx.state != StateActive {
		m.mu.Unlock()
		if needLock {
			m.locks.Release(txID, []string{key})
		}
		return storage.Value{}, opErr(op, txID, key, ErrTxnNotFound)
	}
	tx.readSet[key] = struct{}{}
	// ReadCommitted releases the read lock as soon as the committed value is
	// fetched; RepeatableRead and Serializable keep it until the end.
	releaseAfter := needLock && tx.isolation == ReadCommitted
	m.mu.Unlock()

	value, found, err := m.storage.Get(key)
	if releaseAfter {
		m.locks.Release(txID, []string{key})
	}
	if err != nil {
		return storage.Value{}, opErr(op, txID, key, fmt.Errorf("%w: %w", ErrStorageFailure, err))
	}
	if !found {
		return storage.Value{}, opErr(op, txID, key, ErrKeyNotFound)
	}
	return value, nil
}

// Write buffers a value in the transaction's write-set after taking an
// exclusive lock on the key. Nothing reaches storage until commit.
func (m *Manager) Write(txID, key string, value storage.Value) error {
	const op = "Write"

	m.mu.Lock()
	tx, err := m.lookupActiveLocked(op, txID)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	now := time.Now()
	if tx.expired(now) {
		elapsed := now.Sub(tx.startTime)
		m.mu.Unlock()
		m.emitTimeout(txID, elapsed)
		return opErr(op, txID, key, ErrTimeout)
	}
	_, alreadyWritten := tx.writeSet[key]
	if !alreadyWritten {
		if err := m.checkKeyLimitLocked(op, tx, key); err != nil {
			m.mu.Unlock()
			return err
		}
	}
	budget := tx.remainingWait(now)
	m.mu.Unlock()

	if !alreadyWritten {
		// May upgrade a shared lock the transaction already holds.
		if err := m.acquire(op, txID, key, locks.Exclusive, budget); err != nil {
			return err
		}
	}

	m.mu.Lock()
	tx, ok := m.active[txID]
	if !ok || tx.state != StateActive {
		m.mu.Unlock()
		if !alreadyWritten {
			m.locks.Release(txID, []string{key})
		}
		return opErr(op, txID, key, ErrTxnNotFound)
	}
	tx.writeSet[key] = value.Clone()
	m.mu.Unlock()

	m.emit(m.newEvent(audit.EventWrite, txID, []string{key}, nil), false)
	return nil
}

// CreateSavepoint records a named marker inside the transaction. No-op on
// storage.
func (m *Manager) CreateSavepoint(txID, name string) error {
	const op = "CreateSavepoint"

	m.mu.Lock()
	tx, err := m.lookupActiveLocked(op, txID)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	held := make(map[string]struct{})
	for _, key := range m.locks.HeldKeys(txID) {
		held[key] = struct{}{}
	}
	tx.savepoints = append(tx.savepoints, savepoint{
		name:      name,
		writeSet:  cloneWriteSet(tx.writeSet),
		readSet:   cloneKeySet(tx.readSet),
		heldKeys:  held,
		createdAt: time.Now(),
	})
	m.mu.Unlock()

	m.emit(m.newEvent(audit.EventSavepointCreated, txID, []string{name}, nil), false)
	return nil
}

// RollbackToSavepoint discards all writes and releases all locks acquired
// after the named savepoint. The transaction stays Active; savepoints created
// after the named one are discarded.
func (m *Manager) RollbackToSavepoint(txID, name string) error {
	const op = "RollbackToSavepoint"

	m.mu.Lock()
	tx, err := m.lookupActiveLocked(op, txID)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	pos := -1
	for i, sp := range tx.savepoints {
		if sp.name == name {
			pos = i
			break
		}
	}
	if pos < 0 {
		m.mu.Unlock()
		return opErr(op, txID, name, ErrSavepointNotFound)
	}
	sp := tx.savepoints[pos]
	tx.writeSet = cloneWriteSet(sp.writeSet)
	tx.readSet = cloneKeySet(sp.readSet)
	tx.savepoints = tx.savepoints[:pos+1]

	var release []string
	for _, key := range m.locks.HeldKeys(txID) {
		if _, ok := sp.heldKeys[key]; !ok {
			release = append(release, key)
		}
	}
	m.mu.Unlock()

	m.locks.Release(txID, release)
	m.emit(m.newEvent(audit.EventSavepointRollback, txID, []string{name}, nil), false)
	return nil
}

// Prepare validates the transaction is commit-ready and marks it Prepared
// without releasing locks or touching storage. A subsequent Commit skips
// re-validation. This lets an external coordinator batch readiness checks
// across local transactions before any of them durably commits.
func (m *Manager) Prepare(txID string) error {
	const op = "Prepare"

	m.mu.Lock()
	tx, err := m.lookupActiveLocked(op, txID)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	now := time.Now()
	if tx.expired(now) {
		elapsed := now.Sub(tx.startTime)
		m.mu.Unlock()
		m.emitTimeout(txID, elapsed)
		return opErr(op, txID, "", ErrTimeout)
	}
	if !m.locks.HoldsAll(txID, tx.writeKeys()) {
		m.mu.Unlock()
		return opErr(op, txID, "", errors.New("write locks no longer held"))
	}
	tx.state = StatePrepared
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.TxnsPrepared.Inc()
	}
	return nil
}

// Commit applies the transaction's write-set to storage as one atomically
// visible batch, appends the commit audit event, releases all locks, fires
// the event callback, and removes the transaction.
//
// A storage failure leaves the transaction and its locks in place; the engine
// never auto-rolls-back on storage failure, so the caller can observe the
// state and roll back explicitly.
func (m *Manager) Commit(txID string) error {
	const op = "Commit"
	start := time.Now()

	m.mu.Lock()
	tx, ok := m.active[txID]
	if !ok {
		m.mu.Unlock()
		return opErr(op, txID, "", ErrTxnNotFound)
	}
	if tx.state != StateActive && tx.state != StatePrepared {
		m.mu.Unlock()
		return opErr(op, txID, "", ErrTxnNotActive)
	}
	if tx.state == StateActive {
		now := time.Now()
		if tx.expired(now) {
			elapsed := now.Sub(tx.startTime)
			m.mu.Unlock()
			m.emitTimeout(txID, elapsed)
			return opErr(op, txID, "", ErrTimeout)
		}
		if !m.locks.HoldsAll(txID, tx.writeKeys()) {
			m.mu.Unlock()
			return opErr(op, txID, "", errors.New("write locks no longer held"))
		}
	}

	if len(tx.writeSet) > 0 {
		if err := m.storage.ApplyBatch(cloneWriteSet(tx.writeSet), nil); err != nil {
			m.mu.Unlock()
			return opErr(op, txID, "", fmt.Errorf("%w: %w", ErrStorageFailure, err))
		}
	}

	tx.state = StateCommitted
	delete(m.active, txID)
	keys := tx.writeKeys()
	keySetSize := tx.keySetSize()
	m.mu.Unlock()

	sort.Strings(keys)
	e := m.newEvent(audit.EventCommit, txID, keys, nil)
	m.auditAppend(e, len(keys) == 0 && m.cfg.SkipReadOnlyAudit)
	m.locks.ReleaseAll(txID)
	m.notify(e)

	if m.metrics != nil {
		m.metrics.TxnsCommitted.Inc()
		m.metrics.ActiveTransactions.Dec()
		m.metrics.CommitDuration.Observe(time.Since(start).Seconds())
		m.metrics.KeysPerTransaction.Observe(float64(keySetSize))
	}
	return nil
}

// Rollback discards the write-set, releases all locks, and removes the
// transaction. Always succeeds for a known Active or Prepared transaction.
func (m *Manager) Rollback(txID string) error {
	const op = "Rollback"

	m.mu.Lock()
	tx, ok := m.active[txID]
	if !ok {
		m.mu.Unlock()
		return opErr(op, txID, "", ErrTxnNotFound)
	}
	tx.state = StateRolledBack
	delete(m.active, txID)
	m.mu.Unlock()

	e := m.newEvent(audit.EventRollback, txID, nil, nil)
	m.auditAppend(e, false)
	m.locks.ReleaseAll(txID)
	m.notify(e)

	if m.metrics != nil {
		m.metrics.TxnsRolledBack.Inc()
		m.metrics.ActiveTransactions.Dec()
	}
	return nil
}

// Committed returns the committed value for key, bypassing any transaction
// (for tests and inspection).
func (m *Manager) Committed(key string) (storage.Value, bool, error) {
	return m.storage.Get(key)
}

// State returns the state of an in-flight transaction.
func (m *Manager) State(txID string) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.active[txID]
	if !ok {
		return StateActive, opErr("State", txID, "", ErrTxnNotFound)
	}
	return tx.state, nil
}

// SetTimeout adjusts the deadline of an in-flight transaction. A zero
// duration clears the deadline.
func (m *Manager) SetTimeout(txID string, timeout time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.active[txID]
	if !ok {
		return opErr("SetTimeout", txID, "", ErrTxnNotFound)
	}
	if timeout <= 0 {
		tx.deadline = time.Time{}
	} else {
		tx.deadline = tx.startTime.Add(timeout)
	}
	return nil
}

// ActiveCount returns the number of Active and Prepared transactions.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Close shuts the manager down: further Begins fail, the audit log and the
// backend are closed. In-flight transactions are abandoned.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	var errs []error
	if m.auditLog != nil {
		if err := m.auditLog.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := m.storage.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// lookupActiveLocked resolves txID to an Active transaction. Callers must
// hold m.mu.
func (m *Manager) lookupActiveLocked(op, txID string) (*Transaction, error) {
	tx, ok := m.active[txID]
	if !ok {
		return nil, opErr(op, txID, "", ErrTxnNotFound)
	}
	if tx.state != StateActive {
		return nil, opErr(op, txID, "", ErrTxnNotActive)
	}
	return tx, nil
}

// checkKeyLimitLocked enforces the per-transaction key limit for a key not
// yet in the transaction's key-set. The transaction stays Active on failure.
func (m *Manager) checkKeyLimitLocked(op string, tx *Transaction, key string) error {
	max := m.cfg.MaxKeysPerTransaction
	if max <= 0 || tx.touches(key) {
		return nil
	}
	if size := tx.keySetSize(); size >= max {
		return opErr(op, tx.id, key, fmt.Errorf(
			"%w: keys per transaction at limit (%d/%d)", ErrResourceExhausted, size, max))
	}
	return nil
}

// acquire takes a lock via the lock table and maps its failures onto the
// engine's error taxonomy: a detected cycle surfaces as *locks.DeadlockError
// (the wait was refused), a wait that exhausts its budget becomes the
// timeout-based ErrDeadlock, and a wait aborted by the transaction's own
// finalization becomes ErrTxnNotFound.
func (m *Manager) acquire(op, txID, key string, mode locks.Mode, budget time.Duration) error {
	err := m.locks.Acquire(txID, key, mode, budget)
	if err == nil {
		return nil
	}

	var dead *locks.DeadlockError
	switch {
	case errors.As(err, &dead):
		if m.metrics != nil {
			m.metrics.DeadlocksTotal.WithLabelValues("cycle").Inc()
			m.metrics.ConflictsTotal.Inc()
		}
		m.emit(m.newEvent(audit.EventDeadlock, txID, dead.Cycle, nil), false)
		return opErr(op, txID, key, err)
	case errors.Is(err, locks.ErrWaitTimeout):
		if m.metrics != nil {
			m.metrics.DeadlocksTotal.WithLabelValues("timeout").Inc()
			m.metrics.ConflictsTotal.Inc()
		}
		m.emit(m.newEvent(audit.EventConflict, txID, []string{key}, nil), false)
		return opErr(op, txID, key, fmt.Errorf("%w: %w", ErrDeadlock, err))
	case errors.Is(err, locks.ErrWaitAborted):
		return opErr(op, txID, key, ErrTxnNotFound)
	default:
		return opErr(op, txID, key, err)
	}
}

func (m *Manager) emitTimeout(txID string, elapsed time.Duration) {
	m.emit(m.newEvent(audit.EventTimeout, txID,
		[]string{fmt.Sprintf("elapsed_ms:%d", elapsed.Milliseconds())}, nil), false)
}
