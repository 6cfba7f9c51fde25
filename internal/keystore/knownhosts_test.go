package keystore

import (
	"reflect"
	"sort"
	"testing"

	"github.com/rtchat/meshcore/internal/storage"
)

func TestSavePublicKeyRejectsRebindingKeyToDifferentName(t *testing.T) {
	k := NewKnownHosts(storage.NewMemoryStore())
	if err := k.SavePublicKey("alice", "key-a"); err != nil {
		t.Fatalf("SavePublicKey(alice): %v", err)
	}
	if err := k.SavePublicKey("bob", "key-a"); err == nil {
		t.Fatalf("expected an error binding an already-bound key to a different name")
	}
}

func TestSavePublicKeyRebindingSameNameIsIdempotent(t *testing.T) {
	k := NewKnownHosts(storage.NewMemoryStore())
	if err := k.SavePublicKey("alice", "key-a"); err != nil {
		t.Fatalf("SavePublicKey: %v", err)
	}
	if err := k.SavePublicKey("alice", "key-a"); err != nil {
		t.Fatalf("re-binding the same name to the same key should be idempotent: %v", err)
	}
	key, ok := k.GetPublicKey("alice")
	if !ok || key != "key-a" {
		t.Fatalf("GetPublicKey(alice) = %q, %v, want key-a, true", key, ok)
	}
}

func TestSavePublicKeyStripsTabSuffixAndPipeTail(t *testing.T) {
	k := NewKnownHosts(storage.NewMemoryStore())
	if err := k.SavePublicKey("alice(3)", "key-a"); err != nil {
		t.Fatalf("SavePublicKey: %v", err)
	}
	key, ok := k.GetPublicKey("alice")
	if !ok || key != "key-a" {
		t.Fatalf("GetPublicKey(alice) after barenamed save = %q, %v", key, ok)
	}
	if err := k.SavePublicKey("bob|tail", "key-b"); err != nil {
		t.Fatalf("SavePublicKey: %v", err)
	}
	key, ok = k.GetPublicKey("bob")
	if !ok || key != "key-b" {
		t.Fatalf("GetPublicKey(bob) after pipe-tail save = %q, %v", key, ok)
	}
}

func TestRemovePublicKeyUnbindsName(t *testing.T) {
	k := NewKnownHosts(storage.NewMemoryStore())
	if err := k.SavePublicKey("alice", "key-a"); err != nil {
		t.Fatalf("SavePublicKey: %v", err)
	}
	if err := k.RemovePublicKey("alice"); err != nil {
		t.Fatalf("RemovePublicKey: %v", err)
	}
	if _, ok := k.GetPublicKey("alice"); ok {
		t.Fatalf("GetPublicKey(alice) still present after RemovePublicKey")
	}
}

func TestRemovePublicKeyOnAbsentNameIsNoop(t *testing.T) {
	k := NewKnownHosts(storage.NewMemoryStore())
	if err := k.RemovePublicKey("ghost"); err != nil {
		t.Fatalf("RemovePublicKey on absent name should be a no-op, got: %v", err)
	}
}

func TestRegisterParsesIdentityString(t *testing.T) {
	k := NewKnownHosts(storage.NewMemoryStore())
	if err := k.Register("alice|key-a"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	key, ok := k.GetPublicKey("alice")
	if !ok || key != "key-a" {
		t.Fatalf("GetPublicKey(alice) after Register = %q, %v", key, ok)
	}
}

func TestRegisterRejectsMalformedIdentity(t *testing.T) {
	k := NewKnownHosts(storage.NewMemoryStore())
	if err := k.Register("no-pipe-here"); err == nil {
		t.Fatalf("expected an error registering an identity string with no pipe separator")
	}
}

func TestGetPeerNamesReturnsEveryNameBoundToKey(t *testing.T) {
	k := NewKnownHosts(storage.NewMemoryStore())
	if err := k.SavePublicKey("alice", "shared-key"); err != nil {
		t.Fatalf("SavePublicKey(alice): %v", err)
	}
	if err := k.RemovePublicKey("alice"); err != nil {
		t.Fatalf("RemovePublicKey(alice): %v", err)
	}
	if err := k.SavePublicKey("bob", "shared-key"); err != nil {
		t.Fatalf("SavePublicKey(bob): %v", err)
	}
	names := k.GetPeerNames("shared-key")
	sort.Strings(names)
	if !reflect.DeepEqual(names, []string{"bob"}) {
		t.Fatalf("GetPeerNames = %v, want [bob]", names)
	}
}

func TestSnapshotReturnsFullTable(t *testing.T) {
	k := NewKnownHosts(storage.NewMemoryStore())
	if err := k.SavePublicKey("alice", "key-a"); err != nil {
		t.Fatalf("SavePublicKey: %v", err)
	}
	if err := k.SavePublicKey("bob", "key-b"); err != nil {
		t.Fatalf("SavePublicKey: %v", err)
	}
	snap := k.Snapshot()
	want := map[string]string{"alice": "key-a", "bob": "key-b"}
	if !reflect.DeepEqual(snap, want) {
		t.Fatalf("Snapshot = %v, want %v", snap, want)
	}
}

func TestClearRemovesEntireTable(t *testing.T) {
	k := NewKnownHosts(storage.NewMemoryStore())
	if err := k.SavePublicKey("alice", "key-a"); err != nil {
		t.Fatalf("SavePublicKey: %v", err)
	}
	if err := k.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if snap := k.Snapshot(); len(snap) != 0 {
		t.Fatalf("Snapshot after Clear = %v, want empty", snap)
	}
}
