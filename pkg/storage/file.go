package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

const tmpSuffix = ".tmp"

// FileBackend mirrors the full committed state to a single JSON file. Every
// mutation serializes the whole map to a temporary sibling file and atomically
// renames it over the main file, so a crash mid-flush leaves either the old
// file intact or the fully written new one, never a half-written state.
//
// Startup recovery: if the main file is missing or unreadable, a leftover
// temporary file from an interrupted flush is promoted to main. If the main
// file is corrupt and no valid temporary file exists, opening fails with
// ErrCorrupt rather than silently discarding state.
type FileBackend struct {
	mu     sync.RWMutex
	state  map[string]Value
	path   string
	closed bool
}

// NewFileBackend opens or creates a file-backed store at path.
func NewFileBackend(path string) (*FileBackend, error) {
	if path == "" {
		return nil, backendErr("file", "Open", "", errors.New("storage path is required"))
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, backendErr("file", "Open", "", err)
		}
	}

	state, err := recoverState(path)
	if err != nil {
		return nil, err
	}

	return &FileBackend{state: state, path: path}, nil
}

// recoverState loads the committed state from the main file, falling back to
// a leftover temporary file when the main file is missing or unreadable.
func recoverState(path string) (map[string]Value, error) {
	tmpPath := path + tmpSuffix

	state, mainErr := loadStateFile(path)
	if mainErr == nil {
		// Main file is good; a stale temporary file is leftover garbage.
		os.Remove(tmpPath)
		return state, nil
	}

	missing := errors.Is(mainErr, fs.ErrNotExist)

	// Try to promote a temporary file from an interrupted flush.
	if tmpState, tmpErr := loadStateFile(tmpPath); tmpErr == nil {
		if err := os.Rename(tmpPath, path); err != nil {
			return nil, backendErr("file", "Recover", "", err)
		}
		return tmpState, nil
	}

	if missing {
		// Fresh store.
		return make(map[string]Value), nil
	}

	return nil, backendErr("file", "Open", "", fmt.Errorf("%w: %v", ErrCorrupt, mainErr))
}

// loadStateFile parses a state file into a map.
func loadStateFile(path string) (map[string]Value, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	state := make(map[string]Value)
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, err
	}
	return state, nil
}

// Get returns the committed value for key.
func (f *FileBackend) Get(key string) (Value, bool, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return Value{}, false, backendErr("file", "Get", key, ErrClosed)
	}
	v, ok := f.state[key]
	if !ok {
		return Value{}, false, nil
	}
	return v.Clone(), true, nil
}

// Set stores a value and flushes the whole state to disk.
func (f *FileBackend) Set(key string, value Value) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return backendErr("file", "Set", key, ErrClosed)
	}
	prev, had := f.state[key]
	f.state[key] = value.Clone()
	if err := f.flushLocked(); err != nil {
		// Keep the in-memory mirror consistent with disk.
		if had {
			f.state[key] = prev
		} else {
			delete(f.state, key)
		}
		return backendErr("file", "Set", key, err)
	}
	return nil
}

// Remove deletes a key and flushes.
func (f *FileBackend) Remove(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return backendErr("file", "Remove", key, ErrClosed)
	}
	prev, had := f.state[key]
	if !had {
		return nil
	}
	delete(f.state, key)
	if err := f.flushLocked(); err != nil {
		f.state[key] = prev
		return backendErr("file", "Remove", key, err)
	}
	return nil
}

// ApplyBatch applies all writes and removals, then flushes once. The rename
// makes the whole batch visible to a restarted process atomically.
func (f *FileBackend) ApplyBatch(writes map[string]Value, removals []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return backendErr("file", "ApplyBatch", "", ErrClosed)
	}

	undo := make(map[string]*Value, len(writes)+len(removals))
	record := func(k string) {
		if _, seen := undo[k]; seen {
			return
		}
		if prev, had := f.state[k]; had {
			p := prev
			undo[k] = &p
		} else {
			undo[k] = nil
		}
	}

	for k, v := range writes {
		record(k)
		f.state[k] = v.Clone()
	}
	for _, k := range removals {
		record(k)
		delete(f.state, k)
	}

	if err := f.flushLocked(); err != nil {
		for k, prev := range undo {
			if prev == nil {
				delete(f.state, k)
			} else {
				f.state[k] = *prev
			}
		}
		return backendErr("file", "ApplyBatch", "", err)
	}
	return nil
}

// flushLocked serializes the state to the temporary file and renames it over
// the main file. Callers must hold f.mu.
func (f *FileBackend) flushLocked() error {
	data, err := json.Marshal(f.state)
	if err != nil {
		return err
	}

	tmpPath := f.path + tmpSuffix
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmpPath, f.path)
}

// Path returns the state file path (for tests and inspection).
func (f *FileBackend) Path() string {
	return f.path
}

// Close flushes a final time and marks the backend closed.
func (f *FileBackend) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil
	}
	f.closed = true
	return f.flushLocked()
}
