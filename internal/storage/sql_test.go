package storage

import (
	"path/filepath"
	"testing"
)

func openSQLStore(t *testing.T) *SQLStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "store.db")
	s, err := NewSQLStore(path)
	if err != nil {
		t.Fatalf("NewSQLStore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLStoreGetSetRoundTrip(t *testing.T) {
	s := openSQLStore(t)
	if _, ok := s.Get("a"); ok {
		t.Fatalf("Get on empty store returned ok=true")
	}
	if err := s.Set("a", "1"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, ok := s.Get("a")
	if !ok || v != "1" {
		t.Fatalf("Get(a) = %q, %v, want 1, true", v, ok)
	}
}

func TestSQLStoreSetOverwritesExistingKey(t *testing.T) {
	s := openSQLStore(t)
	_ = s.Set("a", "1")
	if err := s.Set("a", "2"); err != nil {
		t.Fatalf("Set (overwrite): %v", err)
	}
	v, _ := s.Get("a")
	if v != "2" {
		t.Fatalf("Get(a) after overwrite = %q, want 2", v)
	}
	if s.Len() != 1 {
		t.Fatalf("Len = %d, want 1 (overwrite must not duplicate the row)", s.Len())
	}
}

func TestSQLStoreRemove(t *testing.T) {
	s := openSQLStore(t)
	_ = s.Set("a", "1")
	if err := s.Remove("a"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, ok := s.Get("a"); ok {
		t.Fatalf("Get(a) after Remove still ok")
	}
}

func TestSQLStoreClear(t *testing.T) {
	s := openSQLStore(t)
	_ = s.Set("a", "1")
	_ = s.Set("b", "2")
	if err := s.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if s.Len() != 0 {
		t.Fatalf("Len after Clear = %d, want 0", s.Len())
	}
}

func TestSQLStoreKeyAtInsertionOrder(t *testing.T) {
	s := openSQLStore(t)
	_ = s.Set("a", "1")
	_ = s.Set("b", "2")
	_ = s.Set("c", "3")

	if k, ok := s.KeyAt(0); !ok || k != "a" {
		t.Fatalf("KeyAt(0) = %q, %v, want a, true", k, ok)
	}
	if k, ok := s.KeyAt(2); !ok || k != "c" {
		t.Fatalf("KeyAt(2) = %q, %v, want c, true", k, ok)
	}
	if _, ok := s.KeyAt(3); ok {
		t.Fatalf("KeyAt(3) out of range should report ok=false")
	}
}

func TestSQLStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.db")
	s1, err := NewSQLStore(path)
	if err != nil {
		t.Fatalf("NewSQLStore: %v", err)
	}
	if err := s1.Set("a", "1"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := NewSQLStore(path)
	if err != nil {
		t.Fatalf("NewSQLStore (reopen): %v", err)
	}
	defer s2.Close()
	v, ok := s2.Get("a")
	if !ok || v != "1" {
		t.Fatalf("Get(a) after reopen = %q, %v, want 1, true", v, ok)
	}
}
