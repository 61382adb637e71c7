package storage

import (
	"sync"
)

// MemoryBackend keeps all committed state in a map. Zero durability: state is
// lost on process exit. Intended for development, testing, and ephemeral
// runtimes.
type MemoryBackend struct {
	mu     sync.RWMutex
	state  map[string]Value
	closed bool
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		state: make(map[string]Value),
	}
}

// NewMemoryBackendFromMap creates a backend pre-seeded with initial state,
// e.g. for tests or bootstrap.
func NewMemoryBackendFromMap(initial map[string]Value) *MemoryBackend {
	state := make(map[string]Value, len(initial))
	for k, v := range initial {
		state[k] = v.Clone()
	}
	return &MemoryBackend{state: state}
}

// Get returns the committed value for key.
func (m *MemoryBackend) Get(key string) (Value, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return Value{}, false, backendErr("memory", "Get", key, ErrClosed)
	}
	v, ok := m.state[key]
	if !ok {
		return Value{}, false, nil
	}
	return v.Clone(), true, nil
}

// Set stores a single committed value.
func (m *MemoryBackend) Set(key string, value Value) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return backendErr("memory", "Set", key, ErrClosed)
	}
	m.state[key] = value.Clone()
	return nil
}

// Remove deletes a key.
func (m *MemoryBackend) Remove(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return backendErr("memory", "Remove", key, ErrClosed)
	}
	delete(m.state, key)
	return nil
}

// ApplyBatch applies writes and removals under one write lock so readers see
// either none or all of the batch.
func (m *MemoryBackend) ApplyBatch(writes map[string]Value, removals []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return backendErr("memory", "ApplyBatch", "", ErrClosed)
	}
	for k, v := range writes {
		m.state[k] = v.Clone()
	}
	for _, k := range removals {
		delete(m.state, k)
	}
	return nil
}

// Len returns the number of committed keys (for tests and inspection).
func (m *MemoryBackend) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.state)
}

// Close marks the backend closed.
func (m *MemoryBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
