package presence

import (
	"testing"
	"time"

	"github.com/rtchat/meshcore/internal/peerconn"
)

func TestUpsertMarksNewPeerReachable(t *testing.T) {
	tbl := NewTable()
	rec := tbl.Upsert("alice", map[string]any{"x": 1})
	if !rec.Reachable {
		t.Fatalf("expected a newly-upserted peer to be reachable")
	}
	if rec.Name != "alice" {
		t.Fatalf("rec.Name = %q, want alice", rec.Name)
	}
}

func TestUpsertRefreshPreservesReachability(t *testing.T) {
	tbl := NewTable()
	tbl.Upsert("alice", nil)
	tbl.SetReachable("alice", false)
	// Backdate the first failure past the 4s debounce window so the second
	// one counts as an independent failure and flips alice unreachable.
	tbl.mu.Lock()
	rec := tbl.peers["alice"]
	rec.lastFailAt = rec.lastFailAt.Add(-5 * time.Second)
	tbl.peers["alice"] = rec
	tbl.mu.Unlock()
	tbl.SetReachable("alice", false)

	rec, _ = tbl.Get("alice")
	if rec.Reachable {
		t.Fatalf("expected alice to be unreachable after two failure signals")
	}

	tbl.Upsert("alice", nil)
	rec, _ = tbl.Get("alice")
	if rec.Reachable {
		t.Fatalf("re-upserting an existing peer must not reset Reachable to true")
	}
}

func TestRemoveDropsRecord(t *testing.T) {
	tbl := NewTable()
	tbl.Upsert("alice", nil)
	tbl.Remove("alice")
	if _, ok := tbl.Get("alice"); ok {
		t.Fatalf("expected alice to be gone after Remove")
	}
}

func TestRenameMovesRecord(t *testing.T) {
	tbl := NewTable()
	tbl.Upsert("alice", "info")
	tbl.Rename("alice", "alice2")

	if _, ok := tbl.Get("alice"); ok {
		t.Fatalf("expected old name to be gone after Rename")
	}
	rec, ok := tbl.Get("alice2")
	if !ok || rec.Name != "alice2" || rec.UserInfo != "info" {
		t.Fatalf("unexpected record after Rename: %+v, %v", rec, ok)
	}
}

func TestRenameOfUnknownNameIsNoop(t *testing.T) {
	tbl := NewTable()
	tbl.Rename("ghost", "ghost2")
	if _, ok := tbl.Get("ghost2"); ok {
		t.Fatalf("Rename of an unknown name should not create a record")
	}
}

func TestSnapshotReturnsIndependentCopy(t *testing.T) {
	tbl := NewTable()
	tbl.Upsert("alice", nil)
	snap := tbl.Snapshot()
	tbl.Upsert("bob", nil)
	if _, ok := snap["bob"]; ok {
		t.Fatalf("Snapshot taken before Upsert(bob) should not observe it")
	}
	if len(snap) != 1 {
		t.Fatalf("Snapshot len = %d, want 1", len(snap))
	}
}

func TestSetReachableRequiresTwoFailuresMoreThan4sApartToFlip(t *testing.T) {
	tbl := NewTable()
	tbl.Upsert("alice", nil)

	if changed := tbl.SetReachable("alice", false); changed {
		t.Fatalf("first failure alone should not flip reachability")
	}
	rec, _ := tbl.Get("alice")
	if !rec.Reachable {
		t.Fatalf("alice should still be reachable after a single failure signal")
	}

	// A second failure within the 4s debounce window counts as the same
	// flaky event, not a second independent failure.
	if changed := tbl.SetReachable("alice", false); changed {
		t.Fatalf("a second failure within the debounce window should not flip reachability")
	}
	rec, _ = tbl.Get("alice")
	if !rec.Reachable {
		t.Fatalf("alice should remain reachable when failures are within the debounce window")
	}
}

func TestSetReachableTrueResetsFailStreak(t *testing.T) {
	tbl := NewTable()
	tbl.Upsert("alice", nil)
	tbl.SetReachable("alice", false)

	tbl.SetReachable("alice", true)
	rec, _ := tbl.Get("alice")
	if !rec.Reachable {
		t.Fatalf("expected alice reachable after a success signal")
	}
	if rec.failStreak != 0 {
		t.Fatalf("failStreak = %d after a success signal, want 0", rec.failStreak)
	}
}

func TestSetReachableOnUnknownPeerIsNoop(t *testing.T) {
	tbl := NewTable()
	if changed := tbl.SetReachable("ghost", false); changed {
		t.Fatalf("SetReachable on an unknown peer should report no change")
	}
}

func TestShouldInitiateBreaksTieLexicographically(t *testing.T) {
	if !shouldInitiate("alice", "bob") {
		t.Fatalf("alice should initiate toward bob (lexicographically lower)")
	}
	if shouldInitiate("bob", "alice") {
		t.Fatalf("bob should not initiate toward alice (lexicographically higher)")
	}
}

func TestConnHealthyNilConn(t *testing.T) {
	if connHealthy(nil) {
		t.Fatalf("connHealthy(nil) should be false")
	}
}

func TestHandleConnectIgnoresSelfAnnouncement(t *testing.T) {
	c := New(Config{
		LocalName: "alice",
		NewConn: func(string, bool) (*peerconn.Conn, error) {
			t.Fatalf("newConn must not be called for a self-announcement")
			return nil, nil
		},
	})
	c.HandleConnect("alice", nil)
}

func TestHandleConnectSkipsWhenPolicyRejects(t *testing.T) {
	c := New(Config{
		LocalName: "alice",
		ShouldConnectTo: func(string, any) bool { return false },
		NewConn: func(string, bool) (*peerconn.Conn, error) {
			t.Fatalf("newConn must not be called when the connection policy rejects the peer")
			return nil, nil
		},
	})
	c.HandleConnect("bob", nil)
	time.Sleep(10 * time.Millisecond)
}

func TestHandleConnectSkipsInitiatingWhenRemoteNameIsLower(t *testing.T) {
	c := New(Config{
		LocalName: "bob",
		NewConn: func(string, bool) (*peerconn.Conn, error) {
			t.Fatalf("bob must not initiate toward alice (alice < bob)")
			return nil, nil
		},
	})
	c.HandleConnect("alice", nil)
	time.Sleep(10 * time.Millisecond)
}

func TestHandleRTCOfferDropsMistargetedOffer(t *testing.T) {
	c := New(Config{
		LocalName: "alice",
		NewConn: func(string, bool) (*peerconn.Conn, error) {
			t.Fatalf("newConn must not be called for an offer addressed to someone else")
			return nil, nil
		},
	})
	c.HandleRTCOffer("bob", nil, OfferPayload{Target: "carol"})
}

func TestHandleRTCAnswerDropsWhenNoConnectionExists(t *testing.T) {
	c := New(Config{LocalName: "alice"})
	// Must not panic with no existing connection for "bob".
	c.HandleRTCAnswer("bob", AnswerPayload{Target: "alice"})
}

func TestAllConnsSnapshotEmptyByDefault(t *testing.T) {
	c := New(Config{LocalName: "alice"})
	if snap := c.AllConnsSnapshot(); len(snap) != 0 {
		t.Fatalf("expected an empty snapshot for a fresh client, got %v", snap)
	}
}
