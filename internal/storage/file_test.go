package storage

import (
	"path/filepath"
	"testing"
)

func TestNewFileStoreCreatesFileWhenAbsent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	fs, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	if fs.Len() != 0 {
		t.Fatalf("Len on a fresh store = %d, want 0", fs.Len())
	}
}

func TestFileStoreGetSetPersistsAcrossInstances(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	fs, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	if err := fs.Set("a", "1"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	fs2, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("NewFileStore (reopen): %v", err)
	}
	v, ok := fs2.Get("a")
	if !ok || v != "1" {
		t.Fatalf("Get(a) after reopen = %q, %v, want 1, true", v, ok)
	}
}

func TestFileStoreRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	fs, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	_ = fs.Set("a", "1")
	if err := fs.Remove("a"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, ok := fs.Get("a"); ok {
		t.Fatalf("Get(a) after Remove still ok")
	}
	if err := fs.Remove("a"); err != nil {
		t.Fatalf("Remove on absent key should be a no-op, got: %v", err)
	}
}

func TestFileStoreClear(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	fs, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	_ = fs.Set("a", "1")
	_ = fs.Set("b", "2")
	if err := fs.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if fs.Len() != 0 {
		t.Fatalf("Len after Clear = %d, want 0", fs.Len())
	}
}

func TestFileStoreKeyAtInsertionOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	fs, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	_ = fs.Set("a", "1")
	_ = fs.Set("b", "2")

	if k, ok := fs.KeyAt(0); !ok || k != "a" {
		t.Fatalf("KeyAt(0) = %q, %v, want a, true", k, ok)
	}
	if k, ok := fs.KeyAt(1); !ok || k != "b" {
		t.Fatalf("KeyAt(1) = %q, %v, want b, true", k, ok)
	}
	if _, ok := fs.KeyAt(2); ok {
		t.Fatalf("KeyAt(2) out of range should report ok=false")
	}
}
