package eventbus

import (
	"sync"
	"testing"
)

func TestOnDeliversInOrder(t *testing.T) {
	b := New[int]()
	var got []int
	b.On("x", func(v int) { got = append(got, v) })
	b.On("x", func(v int) { got = append(got, v*10) })

	b.Emit("x", 1)

	if len(got) != 2 || got[0] != 1 || got[1] != 10 {
		t.Fatalf("got %v, want [1 10]", got)
	}
}

func TestOnceFiresOnlyOnce(t *testing.T) {
	b := New[int]()
	count := 0
	b.Once("x", func(int) { count++ })

	b.Emit("x", 1)
	b.Emit("x", 2)

	if count != 1 {
		t.Fatalf("count = %d, want 1", count)
	}
}

func TestUnsubscribeRemovesOnlyThatHandler(t *testing.T) {
	b := New[int]()
	var a, c int
	unsubA := b.On("x", func(int) { a++ })
	b.On("x", func(int) { c++ })

	unsubA()
	b.Emit("x", 1)

	if a != 0 || c != 1 {
		t.Fatalf("a=%d c=%d, want a=0 c=1", a, c)
	}
}

func TestOffRemovesEveryHandlerForEvent(t *testing.T) {
	b := New[int]()
	fired := 0
	b.On("x", func(int) { fired++ })
	b.On("x", func(int) { fired++ })

	b.Off("x")
	b.Emit("x", 1)

	if fired != 0 {
		t.Fatalf("fired = %d, want 0", fired)
	}
}

func TestRemoveAllListenersEmptyClearsEverything(t *testing.T) {
	b := New[int]()
	fired := 0
	b.On("x", func(int) { fired++ })
	b.On("y", func(int) { fired++ })

	b.RemoveAllListeners("")
	b.Emit("x", 1)
	b.Emit("y", 1)

	if fired != 0 {
		t.Fatalf("fired = %d, want 0", fired)
	}
}

func TestListenerCount(t *testing.T) {
	b := New[int]()
	if b.ListenerCount("x") != 0 {
		t.Fatalf("expected 0 listeners before registration")
	}
	b.On("x", func(int) {})
	b.On("x", func(int) {})
	if got := b.ListenerCount("x"); got != 2 {
		t.Fatalf("ListenerCount = %d, want 2", got)
	}
}

// TestHandlerPanicDoesNotAbortDelivery exercises the recover() in
// dispatch: one bad handler must not stop the sibling from firing.
func TestHandlerPanicDoesNotAbortDelivery(t *testing.T) {
	b := New[int]()
	siblingFired := false
	b.On("x", func(int) { panic("boom") })
	b.On("x", func(int) { siblingFired = true })

	b.Emit("x", 1)

	if !siblingFired {
		t.Fatalf("sibling handler did not fire after panic in the first handler")
	}
}

// TestUnsubscribeDuringEmitDoesNotAffectCurrentEmission exercises the
// snapshot-based dispatch: a handler that unsubscribes mid-emit must
// still see every sibling registered before Emit was called.
func TestUnsubscribeDuringEmitDoesNotAffectCurrentEmission(t *testing.T) {
	b := New[int]()
	var mu sync.Mutex
	var unsub Unsubscribe
	fired := 0

	unsub = b.On("x", func(int) {
		mu.Lock()
		defer mu.Unlock()
		unsub()
	})
	b.On("x", func(int) {
		mu.Lock()
		defer mu.Unlock()
		fired++
	})

	b.Emit("x", 1)
	if fired != 1 {
		t.Fatalf("fired = %d, want 1 (unsubscribe mid-emit should not skip siblings)", fired)
	}

	fired = 0
	b.Emit("x", 2)
	if fired != 1 {
		t.Fatalf("fired = %d after second emit, want 1 (only the self-unsubscribed handler should be gone)", fired)
	}
}

func TestAnyKeyIsIndependentFromNamedKey(t *testing.T) {
	b := New[string]()
	var anyGot, namedGot []string
	b.On("", func(s string) { anyGot = append(anyGot, s) })
	b.On("alice", func(s string) { namedGot = append(namedGot, s) })

	b.Emit("alice", "hi")

	if len(namedGot) != 1 {
		t.Fatalf("named handler fired %d times, want 1", len(namedGot))
	}
	if len(anyGot) != 0 {
		t.Fatalf("Emit(\"alice\", ...) must not also fire the \"\" subscriber by itself; callers emit both explicitly")
	}
}
