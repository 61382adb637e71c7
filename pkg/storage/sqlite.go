package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// SQLiteBackend delegates persistence to an embedded SQLite database in WAL
// mode. Every Set/Remove commits immediately at the engine level; crash
// recovery is SQLite's own WAL replay, so reopening the database is the whole
// recovery story.
type SQLiteBackend struct {
	db *sql.DB
}

// NewSQLiteBackend opens or creates a SQLite-backed store at path.
// Pass ":memory:" for an in-memory database (tests).
func NewSQLiteBackend(path string) (*SQLiteBackend, error) {
	if path == "" {
		return nil, backendErr("sqlite", "Open", "", errors.New("database path is required"))
	}
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, backendErr("sqlite", "Open", "", err)
			}
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, backendErr("sqlite", "Open", "", err)
	}

	// A single writer keeps lock semantics in the engine, not in SQLite.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS kv_store (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`); err != nil {
		db.Close()
		return nil, backendErr("sqlite", "Open", "", err)
	}

	if path != ":memory:" {
		if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
			db.Close()
			return nil, backendErr("sqlite", "Open", "", err)
		}
	}

	return &SQLiteBackend{db: db}, nil
}

// Get returns the committed value for key.
func (s *SQLiteBackend) Get(key string) (Value, bool, error) {
	var raw string
	err := s.db.QueryRow(`SELECT value FROM kv_store WHERE key = ?`, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return Value{}, false, nil
	}
	if err != nil {
		return Value{}, false, backendErr("sqlite", "Get", key, err)
	}

	var v Value
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return Value{}, false, backendErr("sqlite", "Get", key, err)
	}
	return v, true, nil
}

// Set stores a single committed value.
func (s *SQLiteBackend) Set(key string, value Value) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return backendErr("sqlite", "Set", key, err)
	}
	if _, err := s.db.Exec(
		`INSERT OR REPLACE INTO kv_store (key, value) VALUES (?, ?)`, key, string(raw),
	); err != nil {
		return backendErr("sqlite", "Set", key, err)
	}
	return nil
}

// Remove deletes a key.
func (s *SQLiteBackend) Remove(key string) error {
	if _, err := s.db.Exec(`DELETE FROM kv_store WHERE key = ?`, key); err != nil {
		return backendErr("sqlite", "Remove", key, err)
	}
	return nil
}

// ApplyBatch applies all writes and removals inside one SQL transaction so
// the batch commits or fails as a unit.
func (s *SQLiteBackend) ApplyBatch(writes map[string]Value, removals []string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return backendErr("sqlite", "ApplyBatch", "", err)
	}

	for k, v := range writes {
		raw, err := json.Marshal(v)
		if err != nil {
			tx.Rollback()
			return backendErr("sqlite", "ApplyBatch", k, err)
		}
		if _, err := tx.Exec(
			`INSERT OR REPLACE INTO kv_store (key, value) VALUES (?, ?)`, k, string(raw),
		); err != nil {
			tx.Rollback()
			return backendErr("sqlite", "ApplyBatch", k, err)
		}
	}
	for _, k := range removals {
		if _, err := tx.Exec(`DELETE FROM kv_store WHERE key = ?`, k); err != nil {
			tx.Rollback()
			return backendErr("sqlite", "ApplyBatch", k, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return backendErr("sqlite", "ApplyBatch", "", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteBackend) Close() error {
	return s.db.Close()
}
