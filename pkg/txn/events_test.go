package txn

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/statelang/txnengine/pkg/audit"
	"github.com/statelang/txnengine/pkg/config"
	"github.com/statelang/txnengine/pkg/storage"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []audit.Event
}

func (r *eventRecorder) record(e audit.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) byType(kind audit.EventType) []audit.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []audit.Event
	for _, e := range r.events {
		if e.EventType == kind {
			out = append(out, e)
		}
	}
	return out
}

// TestLifecycleEventSequence verifies the callback sees begin, write, and
// commit in order with the right payloads
func TestLifecycleEventSequence(t *testing.T) {
	rec := &eventRecorder{}
	m := newTestManager(t, WithEventCallback(rec.record))

	tx := mustBegin(t, m, RepeatableRead)
	if err := m.Write(tx, "k", storage.IntValue(1)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := m.Commit(tx); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	begins := rec.byType(audit.EventBegin)
	if len(begins) != 1 {
		t.Fatalf("got %d begin events, want 1", len(begins))
	}
	if begins[0].TxID != tx {
		t.Errorf("begin tx_id = %q, want %q", begins[0].TxID, tx)
	}
	if begins[0].IsolationLevel == nil || *begins[0].IsolationLevel != "RepeatableRead" {
		t.Errorf("begin isolation = %v, want RepeatableRead", begins[0].IsolationLevel)
	}
	if begins[0].Timestamp == 0 {
		t.Error("begin timestamp not set")
	}

	writes := rec.byType(audit.EventWrite)
	if len(writes) != 1 || len(writes[0].Keys) != 1 || writes[0].Keys[0] != "k" {
		t.Errorf("write events = %+v", writes)
	}
	if writes[0].IsolationLevel != nil {
		t.Error("non-begin event carries an isolation level")
	}

	commits := rec.byType(audit.EventCommit)
	if len(commits) != 1 || len(commits[0].Keys) != 1 || commits[0].Keys[0] != "k" {
		t.Errorf("commit events = %+v", commits)
	}
}

// TestRollbackEvent verifies rollbacks reach the callback
func TestRollbackEvent(t *testing.T) {
	rec := &eventRecorder{}
	m := newTestManager(t, WithEventCallback(rec.record))

	tx := mustBegin(t, m, ReadCommitted)
	if err := m.Rollback(tx); err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}
	if got := rec.byType(audit.EventRollback); len(got) != 1 {
		t.Errorf("got %d rollback events, want 1", len(got))
	}
}

// TestSavepointEvents verifies savepoint lifecycle events carry the name
func TestSavepointEvents(t *testing.T) {
	rec := &eventRecorder{}
	m := newTestManager(t, WithEventCallback(rec.record))

	tx := mustBegin(t, m, ReadCommitted)
	if err := m.CreateSavepoint(tx, "sp1"); err != nil {
		t.Fatalf("CreateSavepoint failed: %v", err)
	}
	if err := m.RollbackToSavepoint(tx, "sp1"); err != nil {
		t.Fatalf("RollbackToSavepoint failed: %v", err)
	}
	m.Rollback(tx)

	created := rec.byType(audit.EventSavepointCreated)
	if len(created) != 1 || created[0].Keys[0] != "sp1" {
		t.Errorf("savepoint_created events = %+v", created)
	}
	rolled := rec.byType(audit.EventSavepointRollback)
	if len(rolled) != 1 || rolled[0].Keys[0] != "sp1" {
		t.Errorf("savepoint_rollback events = %+v", rolled)
	}
}

// TestTimeoutEventCarriesElapsed verifies the timeout event payload format
func TestTimeoutEventCarriesElapsed(t *testing.T) {
	rec := &eventRecorder{}
	m := newTestManager(t, WithEventCallback(rec.record))

	tx, err := m.BeginWithTimeout(ReadCommitted, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	if err := m.Write(tx, "k", storage.NullValue()); err == nil {
		t.Fatal("write on expired txn should fail")
	}

	timeouts := rec.byType(audit.EventTimeout)
	if len(timeouts) != 1 {
		t.Fatalf("got %d timeout events, want 1", len(timeouts))
	}
	if len(timeouts[0].Keys) != 1 || len(timeouts[0].Keys[0]) < len("elapsed_ms:") {
		t.Errorf("timeout keys = %v", timeouts[0].Keys)
	}
	m.Rollback(tx)
}

// TestPanickingCallbackDoesNotFailOperations verifies callback panics are
// contained
func TestPanickingCallbackDoesNotFailOperations(t *testing.T) {
	m := newTestManager(t, WithEventCallback(func(audit.Event) {
		panic("observer bug")
	}))

	tx := mustBegin(t, m, ReadCommitted)
	if err := m.Write(tx, "k", storage.IntValue(1)); err != nil {
		t.Fatalf("Write failed despite panicking callback: %v", err)
	}
	if err := m.Commit(tx); err != nil {
		t.Fatalf("Commit failed despite panicking callback: %v", err)
	}
	if _, found, _ := m.Committed("k"); !found {
		t.Error("commit lost")
	}
}

// TestSkipReadOnlyAudit verifies read-only commits skip the audit record
// while the callback still fires every time
func TestSkipReadOnlyAudit(t *testing.T) {
	log, err := audit.NewLogger(filepath.Join(t.TempDir(), "audit.log"))
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}

	rec := &eventRecorder{}
	cfg := config.Default()
	cfg.SkipReadOnlyAudit = true
	m := NewManager(storage.NewMemoryBackend(), cfg,
		WithAuditLogger(log), WithEventCallback(rec.record))
	defer m.Close()

	seedCommitted(t, m, "k", storage.IntValue(1))

	const n = 5
	for i := 0; i < n; i++ {
		tx := mustBegin(t, m, ReadCommitted)
		if _, err := m.Read(tx, "k"); err != nil {
			t.Fatalf("Read failed: %v", err)
		}
		before := log.EventCount()
		if err := m.Commit(tx); err != nil {
			t.Fatalf("Commit failed: %v", err)
		}
		if after := log.EventCount(); after != before {
			t.Errorf("read-only commit grew the audit log: %d -> %d", before, after)
		}
	}

	// The callback saw every commit regardless.
	commits := rec.byType(audit.EventCommit)
	if len(commits) != n+1 { // +1 for the seeding commit
		t.Errorf("callback saw %d commits, want %d", len(commits), n+1)
	}
}

// TestReadOnlyAuditKeptByDefault verifies the optimization is opt-in
func TestReadOnlyAuditKeptByDefault(t *testing.T) {
	log, err := audit.NewLogger(filepath.Join(t.TempDir(), "audit.log"))
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}

	m := NewManager(storage.NewMemoryBackend(), config.Default(), WithAuditLogger(log))
	defer m.Close()

	tx := mustBegin(t, m, ReadCommitted)
	before := log.EventCount()
	if err := m.Commit(tx); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if after := log.EventCount(); after != before+1 {
		t.Errorf("read-only commit not audited: %d -> %d", before, after)
	}
}
