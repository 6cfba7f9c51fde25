// Package signaling implements the public message bus the mesh uses for
// presence and WebRTC offer/answer/ICE exchange. The wire transport is
// WebSocket (github.com/gorilla/websocket); framing is a small
// publish/subscribe envelope format standing in for a broker's native
// protocol, kept behind the Bus interface so the rest of the engine never
// depends on the concrete transport.
package signaling

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pierrec/lz4"
)

// Envelope is the stamped shape of every message that crosses the bus.
type Envelope struct {
	Sender    string          `json:"sender"`
	Timestamp int64           `json:"timestamp"`
	Subtopic  string          `json:"subtopic"`
	Data      json.RawMessage `json:"data"`
}

// MessageHandler receives every envelope delivered on a subscribed topic.
type MessageHandler func(topic string, env Envelope)

// Bus is the narrow contract the rest of the engine depends on. It
// abstracts the concrete broker/protocol (here, a WebSocket connection
// framing MQTT-like publish/subscribe semantics) behind connect/
// subscribe/publish/onMessage/disconnect.
type Bus interface {
	Connect(ctx context.Context) error
	Subscribe(topic string) error
	Publish(topic string, subtopic string, data any) error
	OnMessage(handler MessageHandler)
	Disconnect() error
}

// wireFrame is the over-the-wall shape: a topic plus a serialized,
// possibly-compressed envelope body.
type wireFrame struct {
	Topic      string `json:"topic"`
	Compressed bool   `json:"compressed"`
	Body       []byte `json:"body"`
}

// Config carries the subset of the engine configuration the bus needs;
// kept narrow and decoupled from internal/config to avoid an import
// cycle, populated by the caller from the full Config.
type Config struct {
	Broker              string
	ClientID            string
	Username            string
	Password            string
	ConnectTimeout       time.Duration
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
	AutoReconnect        bool
	CompressEnabled      bool
	CompressThreshold    int
	Sender               string
	// HasHealthyPeer reports whether at least one peer connection is
	// already healthy. WSBus does not read it; the announcement burst
	// takes its own hasHealthyPeer argument.
	HasHealthyPeer func() bool
	// History receives every envelope seen, matching the local ring
	// buffer the signaling transport appends to on every publish/receive.
	History func(topic string, env Envelope)
}

// WSBus is a Bus backed by a single gorilla/websocket connection.
type WSBus struct {
	cfg Config

	mu       sync.Mutex
	conn     *websocket.Conn
	handler  MessageHandler
	topics   map[string]bool
	closed   bool
	cancel   context.CancelFunc
	roomTopic string
}

// NewWSBus constructs a bus that will dial cfg.Broker on Connect.
func NewWSBus(cfg Config) *WSBus {
	if cfg.Sender == "" {
		cfg.Sender = cfg.ClientID
	}
	return &WSBus{cfg: cfg, topics: make(map[string]bool)}
}

func (b *WSBus) OnMessage(handler MessageHandler) {
	b.mu.Lock()
	b.handler = handler
	b.mu.Unlock()
}

// Connect dials the broker and starts the read loop. It blocks until the
// initial handshake succeeds or ctx/ConnectTimeout expires.
func (b *WSBus) Connect(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, b.cfg.ConnectTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, b.cfg.Broker, nil)
	if err != nil {
		return fmt.Errorf("signaling: dial %s: %w", b.cfg.Broker, err)
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	b.mu.Lock()
	b.conn = conn
	b.cancel = runCancel
	b.closed = false
	b.mu.Unlock()

	go b.readLoop(runCtx)
	return nil
}

// Subscribe registers interest in topic. The first subscription to the
// room topic is remembered so the reconnect loop can resubscribe to it;
// a reconnect does not start a new announcement burst.
func (b *WSBus) Subscribe(topic string) error {
	b.mu.Lock()
	b.topics[topic] = true
	if b.roomTopic == "" {
		b.roomTopic = topic
	}
	b.mu.Unlock()
	return nil
}

// Publish serializes data, stamps an envelope, compresses it when long
// enough, and writes it as a single WebSocket text frame.
func (b *WSBus) Publish(topic, subtopic string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("signaling: marshal data: %w", err)
	}
	env := Envelope{
		Sender:    b.cfg.Sender,
		Timestamp: time.Now().UnixMilli(),
		Subtopic:  subtopic,
		Data:      raw,
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("signaling: marshal envelope: %w", err)
	}

	compressed := false
	if b.cfg.CompressEnabled && len(body) >= b.cfg.CompressThreshold {
		cb, cerr := compress(body)
		if cerr != nil {
			log.Printf("signaling: compression failed, sending uncompressed: %v", cerr)
		} else {
			body = cb
			compressed = true
		}
	}

	frame := wireFrame{Topic: topic, Compressed: compressed, Body: body}
	framed, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("signaling: marshal frame: %w", err)
	}

	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("signaling: not connected")
	}
	if err := conn.WriteMessage(websocket.TextMessage, framed); err != nil {
		return fmt.Errorf("signaling: write: %w", err)
	}

	if b.cfg.History != nil {
		b.cfg.History(topic, env)
	}
	return nil
}

func (b *WSBus) Disconnect() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	conn := b.conn
	cancel := b.cancel
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (b *WSBus) readLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		b.mu.Lock()
		conn := b.conn
		b.mu.Unlock()
		if conn == nil {
			return
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			log.Printf("signaling: read error: %v", err)
			b.handleDisconnect(ctx)
			return
		}

		var frame wireFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			log.Printf("signaling: malformed frame: %v", err)
			continue
		}

		body := frame.Body
		if frame.Compressed {
			db, err := decompress(body)
			if err != nil {
				log.Printf("signaling: decompress failed, falling back to raw: %v", err)
			} else {
				body = db
			}
		}

		var env Envelope
		if err := json.Unmarshal(body, &env); err != nil {
			log.Printf("signaling: malformed envelope on %s: %v", frame.Topic, err)
			continue
		}

		if b.cfg.History != nil {
			b.cfg.History(frame.Topic, env)
		}

		b.mu.Lock()
		handler := b.handler
		b.mu.Unlock()
		if handler != nil {
			handler(frame.Topic, env)
		}
	}
}

func (b *WSBus) handleDisconnect(ctx context.Context) {
	if !b.cfg.AutoReconnect {
		return
	}
	delay := b.cfg.ReconnectDelay
	attempts := 0
	for {
		if b.cfg.MaxReconnectAttempts > 0 && attempts >= b.cfg.MaxReconnectAttempts {
			log.Printf("signaling: giving up after %d reconnect attempts", attempts)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		attempts++
		if err := b.Connect(context.Background()); err != nil {
			log.Printf("signaling: reconnect attempt %d failed: %v", attempts, err)
			continue
		}
		b.mu.Lock()
		room := b.roomTopic
		b.mu.Unlock()
		if room != "" {
			if err := b.Subscribe(room); err != nil {
				log.Printf("signaling: resubscribe failed: %v", err)
			}
		}
		return
	}
}

// RunAnnouncementBurst publishes a "connect" announcement carrying
// userInfo on topic five times spaced 3s apart, then once every 30s
// thereafter, for as long as ctx is alive. Each scheduled announcement is
// skipped when hasHealthyPeer reports true, since a healthy connection
// already covers discovery.
func RunAnnouncementBurst(ctx context.Context, b Bus, topic string, userInfo any, hasHealthyPeer func() bool) {
	announce := func() {
		if hasHealthyPeer != nil && hasHealthyPeer() {
			return
		}
		if err := b.Publish(topic, "connect", userInfo); err != nil {
			log.Printf("signaling: announcement publish failed: %v", err)
		}
	}

	go func() {
		for i := 0; i < 5; i++ {
			announce()
			select {
			case <-ctx.Done():
				return
			case <-time.After(3 * time.Second):
			}
		}
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				announce()
			}
		}
	}()
}

func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(data []byte) ([]byte, error) {
	r := lz4.NewReader(bytes.NewReader(data))
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return out, nil
}
