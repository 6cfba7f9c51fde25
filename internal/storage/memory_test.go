package storage

import "testing"

func TestMemoryStoreGetSetRoundTrip(t *testing.T) {
	m := NewMemoryStore()
	if _, ok := m.Get("a"); ok {
		t.Fatalf("Get on empty store returned ok=true")
	}
	if err := m.Set("a", "1"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, ok := m.Get("a")
	if !ok || v != "1" {
		t.Fatalf("Get(a) = %q, %v, want 1, true", v, ok)
	}
}

func TestMemoryStoreRemove(t *testing.T) {
	m := NewMemoryStore()
	_ = m.Set("a", "1")
	if err := m.Remove("a"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, ok := m.Get("a"); ok {
		t.Fatalf("Get(a) after Remove still ok")
	}
	if err := m.Remove("a"); err != nil {
		t.Fatalf("Remove on absent key should be a no-op, got: %v", err)
	}
}

func TestMemoryStoreClear(t *testing.T) {
	m := NewMemoryStore()
	_ = m.Set("a", "1")
	_ = m.Set("b", "2")
	if err := m.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if m.Len() != 0 {
		t.Fatalf("Len after Clear = %d, want 0", m.Len())
	}
	if _, ok := m.Get("a"); ok {
		t.Fatalf("Get(a) after Clear still ok")
	}
}

func TestMemoryStoreKeyAtInsertionOrder(t *testing.T) {
	m := NewMemoryStore()
	_ = m.Set("a", "1")
	_ = m.Set("b", "2")
	_ = m.Set("a", "updated")

	if k, ok := m.KeyAt(0); !ok || k != "a" {
		t.Fatalf("KeyAt(0) = %q, %v, want a, true", k, ok)
	}
	if k, ok := m.KeyAt(1); !ok || k != "b" {
		t.Fatalf("KeyAt(1) = %q, %v, want b, true", k, ok)
	}
	if _, ok := m.KeyAt(2); ok {
		t.Fatalf("KeyAt(2) out of range should report ok=false")
	}
	if m.Len() != 2 {
		t.Fatalf("Len = %d, want 2 (re-setting an existing key must not duplicate it)", m.Len())
	}
}

func TestMemoryStoreKeyAtAfterRemoveShiftsIndices(t *testing.T) {
	m := NewMemoryStore()
	_ = m.Set("a", "1")
	_ = m.Set("b", "2")
	_ = m.Set("c", "3")
	_ = m.Remove("b")

	if k, ok := m.KeyAt(1); !ok || k != "c" {
		t.Fatalf("KeyAt(1) after removing b = %q, %v, want c, true", k, ok)
	}
	if m.Len() != 2 {
		t.Fatalf("Len = %d, want 2", m.Len())
	}
}
