// Package storage provides the pluggable key/value persistence layer for the
// transaction engine. Three backends share identical external semantics: a
// volatile in-memory map, a file-backed store that rewrites its state file
// atomically on every mutation, and an embedded SQLite store running in WAL
// mode. The transaction manager is backend-agnostic; committed state is only
// ever applied through ApplyBatch so multi-key commits become visible at once.
package storage

import (
	"fmt"
)

// Backend is the capability interface the transaction manager commits
// through. Implementations must guarantee that no write from ApplyBatch is
// observable by Get before ApplyBatch returns, and that all of them are
// observable afterwards.
type Backend interface {
	// Get returns the committed value for key. The second result is false
	// when the key is absent.
	Get(key string) (Value, bool, error)

	// Set stores a single committed value.
	Set(key string, value Value) error

	// Remove deletes a key. Removing an absent key is not an error.
	Remove(key string) error

	// ApplyBatch applies all writes and removals as one atomically visible
	// unit. Used by the transaction manager at commit time.
	ApplyBatch(writes map[string]Value, removals []string) error

	// Close releases backend resources. The backend is unusable afterwards.
	Close() error
}

// Options selects and parameterizes a backend.
type Options struct {
	// Backend is one of "memory", "file", "sqlite".
	Backend string
	// Path is the state file (file backend) or database file (sqlite
	// backend). Ignored by the memory backend.
	Path string
}

// Open constructs the backend named in opts. The choice is made once at
// startup; backends are never swapped at runtime.
func Open(opts Options) (Backend, error) {
	switch opts.Backend {
	case "", "memory":
		return NewMemoryBackend(), nil
	case "file":
		return NewFileBackend(opts.Path)
	case "sqlite":
		return NewSQLiteBackend(opts.Path)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", opts.Backend)
	}
}
