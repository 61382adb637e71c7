package storage

import (
	"path/filepath"
	"testing"
)

func newTestSQLiteBackend(t *testing.T) *SQLiteBackend {
	t.Helper()
	backend, err := NewSQLiteBackend(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("NewSQLiteBackend failed: %v", err)
	}
	return backend
}

// TestSQLiteBasicOperations tests get/set/remove round trips
func TestSQLiteBasicOperations(t *testing.T) {
	backend := newTestSQLiteBackend(t)
	defer backend.Close()

	if _, found, err := backend.Get("missing"); err != nil || found {
		t.Fatalf("Get on empty db: found=%v err=%v", found, err)
	}

	if err := backend.Set("name", StringValue("Bob")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	v, found, err := backend.Get("name")
	if err != nil || !found {
		t.Fatalf("Get failed: found=%v err=%v", found, err)
	}
	if s, _ := v.AsString(); s != "Bob" {
		t.Errorf("name = %q, want Bob", s)
	}

	// Overwrite.
	if err := backend.Set("name", StringValue("Carol")); err != nil {
		t.Fatalf("overwrite failed: %v", err)
	}
	v, _, _ = backend.Get("name")
	if s, _ := v.AsString(); s != "Carol" {
		t.Errorf("name after overwrite = %q, want Carol", s)
	}

	if err := backend.Remove("name"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if _, found, _ := backend.Get("name"); found {
		t.Error("key still present after Remove")
	}
}

// TestSQLiteAllValueTypes verifies each value type survives the database
func TestSQLiteAllValueTypes(t *testing.T) {
	backend := newTestSQLiteBackend(t)
	defer backend.Close()

	values := map[string]Value{
		"null":   NullValue(),
		"string": StringValue("hello"),
		"int":    IntValue(-12345),
		"float":  FloatValue(3.25),
		"bool":   BoolValue(true),
		"bytes":  BytesValue([]byte{0x00, 0xFF, 0x42}),
	}
	for key, v := range values {
		if err := backend.Set(key, v); err != nil {
			t.Fatalf("Set %s failed: %v", key, err)
		}
	}
	for key, want := range values {
		got, found, err := backend.Get(key)
		if err != nil || !found {
			t.Fatalf("Get %s failed: found=%v err=%v", key, found, err)
		}
		if !got.Equal(want) {
			t.Errorf("%s round trip: got %+v, want %+v", key, got, want)
		}
	}
}

// TestSQLiteApplyBatchAtomic verifies a batch commits as a unit
func TestSQLiteApplyBatchAtomic(t *testing.T) {
	backend := newTestSQLiteBackend(t)
	defer backend.Close()

	if err := backend.Set("doomed", IntValue(1)); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	err := backend.ApplyBatch(map[string]Value{
		"a": IntValue(1),
		"b": IntValue(2),
	}, []string{"doomed"})
	if err != nil {
		t.Fatalf("ApplyBatch failed: %v", err)
	}

	for _, key := range []string{"a", "b"} {
		if _, found, _ := backend.Get(key); !found {
			t.Errorf("%s missing after batch", key)
		}
	}
	if _, found, _ := backend.Get("doomed"); found {
		t.Error("removed key still present after batch")
	}
}

// TestSQLitePersistsAcrossReopen verifies WAL-mode state survives a restart
func TestSQLitePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")

	backend, err := NewSQLiteBackend(path)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if err := backend.ApplyBatch(map[string]Value{"k": IntValue(99)}, nil); err != nil {
		t.Fatalf("ApplyBatch failed: %v", err)
	}
	if err := backend.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := NewSQLiteBackend(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	v, found, err := reopened.Get("k")
	if err != nil || !found {
		t.Fatalf("k missing after reopen: found=%v err=%v", found, err)
	}
	if i, _ := v.AsInt(); i != 99 {
		t.Errorf("k = %d, want 99", i)
	}
}

// TestSQLiteInMemory verifies the :memory: path works for tests
func TestSQLiteInMemory(t *testing.T) {
	backend, err := NewSQLiteBackend(":memory:")
	if err != nil {
		t.Fatalf("in-memory open failed: %v", err)
	}
	defer backend.Close()

	if err := backend.Set("k", BoolValue(false)); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	v, found, _ := backend.Get("k")
	if !found {
		t.Fatal("k missing")
	}
	if b, _ := v.AsBool(); b {
		t.Error("k = true, want false")
	}
}
