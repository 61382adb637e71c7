// Package audit provides the append-only transaction audit log: one
// line-delimited JSON record per lifecycle event, flushed to disk immediately
// after being appended. The log is audit-only; it is never consulted to
// reconstruct state after a crash.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

// EventType identifies a transaction lifecycle event.
type EventType string

const (
	EventBegin             EventType = "begin"
	EventRead              EventType = "read"
	EventWrite             EventType = "write"
	EventCommit            EventType = "commit"
	EventRollback          EventType = "rollback"
	EventSavepointCreated  EventType = "savepoint_created"
	EventSavepointRollback EventType = "savepoint_rollback"
	EventTimeout           EventType = "timeout"
	EventConflict          EventType = "conflict"
	EventDeadlock          EventType = "deadlock"
)

// Event is a single audit record. IsolationLevel is set for begin events and
// null otherwise, matching the on-disk format consumed by external tooling.
type Event struct {
	ID             string    `json:"id"`
	Timestamp      int64     `json:"timestamp"` // Unix milliseconds
	TxID           string    `json:"tx_id"`
	EventType      EventType `json:"event_type"`
	Keys           []string  `json:"keys"`
	IsolationLevel *string   `json:"isolation_level"`
}

// Logger appends events to a single log file. Safe for concurrent use.
type Logger struct {
	mu   sync.Mutex
	file *os.File
	path string
	// count is the number of events appended since the logger was opened.
	count int64
}

// NewLogger creates or opens an append-only audit log at path, creating
// parent directories as needed.
func NewLogger(path string) (*Logger, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create audit log directory: %w", err)
		}
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit log %s: %w", path, err)
	}

	return &Logger{file: file, path: path}, nil
}

// Append writes one event as a JSON line and syncs it to disk before
// returning, so no appended event is lost to a crash. An empty event ID is
// filled in with a fresh UUID.
func (l *Logger) Append(event Event) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Keys == nil {
		event.Keys = []string{}
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return fmt.Errorf("audit log %s is closed", l.path)
	}
	if _, err := l.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("sync audit log: %w", err)
	}
	l.count++
	return nil
}

// EventCount returns the number of events appended by this logger instance.
func (l *Logger) EventCount() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// Path returns the log file path.
func (l *Logger) Path() string {
	return l.path
}

// Close closes the log file. Further appends fail.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
