package signaling

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"
)

func TestCompressDecompressRoundTrip(t *testing.T) {
	original := []byte(`{"hello":"world","n":42,"repeat":"aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"}`)
	compressed, err := compress(original)
	if err != nil {
		t.Fatalf("compress: %v", err)
	}
	decompressed, err := decompress(compressed)
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	if !bytes.Equal(decompressed, original) {
		t.Fatalf("decompressed = %q, want %q", decompressed, original)
	}
}

type fakeBus struct {
	mu        sync.Mutex
	published []string
}

func (f *fakeBus) Connect(ctx context.Context) error { return nil }
func (f *fakeBus) Subscribe(topic string) error      { return nil }
func (f *fakeBus) Publish(topic, subtopic string, data any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, subtopic)
	return nil
}
func (f *fakeBus) OnMessage(handler MessageHandler) {}
func (f *fakeBus) Disconnect() error                { return nil }

func (f *fakeBus) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

func TestRunAnnouncementBurstPublishesImmediately(t *testing.T) {
	bus := &fakeBus{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	RunAnnouncementBurst(ctx, bus, "room", map[string]any{"name": "alice"}, nil)

	deadline := time.Now().Add(time.Second)
	for bus.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if bus.count() == 0 {
		t.Fatalf("expected at least one announcement to be published immediately")
	}
}

func TestRunAnnouncementBurstSkipsWhenHealthyPeerPresent(t *testing.T) {
	bus := &fakeBus{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	RunAnnouncementBurst(ctx, bus, "room", nil, func() bool { return true })

	time.Sleep(50 * time.Millisecond)
	if bus.count() != 0 {
		t.Fatalf("expected no announcements while hasHealthyPeer reports true, got %d", bus.count())
	}
}

func TestRunAnnouncementBurstStopsOnContextCancel(t *testing.T) {
	bus := &fakeBus{}
	ctx, cancel := context.WithCancel(context.Background())

	RunAnnouncementBurst(ctx, bus, "room", nil, nil)
	time.Sleep(20 * time.Millisecond)
	cancel()

	countAtCancel := bus.count()
	time.Sleep(100 * time.Millisecond)
	if bus.count() != countAtCancel {
		t.Fatalf("announcements continued after context cancellation: %d -> %d", countAtCancel, bus.count())
	}
}
