// Package messageplane implements the application message plane — chat,
// direct messages, request/response questions, and ping/pong liveness —
// running over the data channels a peerconn.Conn exposes.
package messageplane

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rtchat/meshcore/internal/eventbus"
)

// anyEvent is the event-bus key used for "next from anyone" waiters;
// every per-sender emission is mirrored here as well as under the
// sender's own name.
const anyEvent = ""

// ChatEvent is delivered for every chat message, local or remote.
type ChatEvent struct {
	Sender  string
	Message json.RawMessage
}

// DMEvent is delivered for every direct message addressed to us.
type DMEvent struct {
	Sender  string
	Message json.RawMessage
}

// QuestionEvent is delivered when a peer asks us something.
type QuestionEvent struct {
	Sender  string
	N       uint64
	Topic   string
	Content json.RawMessage
}

// AnswerEvent is delivered when a reply to one of our questions arrives.
type AnswerEvent struct {
	Sender   string
	N        uint64
	Answer   json.RawMessage
	Question json.RawMessage
}

// PingEvent/PongEvent are delivered on liveness probes.
type PingEvent struct{ Sender string }
type PongEvent struct{ Sender string }

// UserConnEvent/UserDiscEvent mirror peer connection lifecycle onto the
// message plane's "next X" surface.
type UserConnEvent struct{ Peer string }
type UserDiscEvent struct{ Peer string }

// Sender is the narrow contract the plane needs to write to a peer's
// data channels, satisfied by peerconn.Conn.
type Sender interface {
	Send(channel string, payload []byte) error
}

// QuestionHandler answers an inbound question. It may block (the plane
// runs handler invocation in its own goroutine), returning the raw JSON
// to send back as the answer.
type QuestionHandler func(sender string, content json.RawMessage) (json.RawMessage, error)

// isHandshakeTopic reports whether topic is one of the two question
// topics the trust layer rides the question/answer substrate with.
// These are the one exception to the verified-peer gate: a peer that
// has not yet completed the handshake must still be able to ask and
// answer identify/challenge, or the handshake could never complete.
func isHandshakeTopic(topic string) bool {
	return topic == "identify" || topic == "challenge"
}

// Plane is the message plane for one local peer. Conns returns the
// current set of peer connections; Verified reports whether a peer has
// completed the trust handshake — unverified peers' traffic is dropped,
// except the identify/challenge questions and answers the trust layer
// itself rides over this same question/answer substrate to run that
// handshake in the first place.
type Plane struct {
	LocalName string
	Conns     func() map[string]Sender
	Verified  func(peer string) bool

	ChatEvents *eventbus.Bus[ChatEvent]
	DMEvents   *eventbus.Bus[DMEvent]
	QEvents    *eventbus.Bus[QuestionEvent]
	AEvents    *eventbus.Bus[AnswerEvent]
	PingEvents *eventbus.Bus[PingEvent]
	PongEvents *eventbus.Bus[PongEvent]
	ConnEvents *eventbus.Bus[UserConnEvent]
	DiscEvents *eventbus.Bus[UserDiscEvent]

	mu          sync.Mutex
	seq         uint64
	pendingQ    map[uint64]chan AnswerEvent
	pendingPing map[string]chan PongEvent
	handlers    map[string]QuestionHandler
}

// New constructs an empty Plane.
func New(localName string, conns func() map[string]Sender, verified func(peer string) bool) *Plane {
	return &Plane{
		LocalName:   localName,
		Conns:       conns,
		Verified:    verified,
		ChatEvents:  eventbus.New[ChatEvent](),
		DMEvents:    eventbus.New[DMEvent](),
		QEvents:     eventbus.New[QuestionEvent](),
		AEvents:     eventbus.New[AnswerEvent](),
		PingEvents:  eventbus.New[PingEvent](),
		PongEvents:  eventbus.New[PongEvent](),
		ConnEvents:  eventbus.New[UserConnEvent](),
		DiscEvents:  eventbus.New[UserDiscEvent](),
		pendingQ:    make(map[uint64]chan AnswerEvent),
		pendingPing: make(map[string]chan PongEvent),
		handlers:    make(map[string]QuestionHandler),
	}
}

// RegisterQuestionHandler installs the handler invoked for inbound
// questions on topic.
func (p *Plane) RegisterQuestionHandler(topic string, handler QuestionHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[topic] = handler
}

type wireEnvelope struct {
	N        uint64          `json:"n,omitempty"`
	Message  json.RawMessage `json:"message,omitempty"`
	Question *struct {
		Topic   string          `json:"topic"`
		Content json.RawMessage `json:"content"`
	} `json:"question,omitempty"`
	Answer json.RawMessage `json:"answer,omitempty"`
}

// Chat broadcasts message to every verified, connected peer and emits it
// locally as if it had been received.
func (p *Plane) Chat(message any) error {
	raw, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("messageplane: marshal chat: %w", err)
	}
	env := wireEnvelope{Message: raw}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("messageplane: marshal chat envelope: %w", err)
	}
	for peer, conn := range p.Conns() {
		if p.Verified != nil && !p.Verified(peer) {
			continue
		}
		if err := conn.Send("chat", body); err != nil {
			continue
		}
	}
	p.emitChat(p.LocalName, raw)
	return nil
}

func (p *Plane) emitChat(sender string, message json.RawMessage) {
	ev := ChatEvent{Sender: sender, Message: message}
	p.ChatEvents.Emit(sender, ev)
	p.ChatEvents.Emit(anyEvent, ev)
}

// HandleChat is invoked by the channel demux when a "chat" payload
// arrives from sender.
func (p *Plane) HandleChat(sender string, payload []byte) {
	if p.Verified != nil && !p.Verified(sender) {
		return
	}
	var env wireEnvelope
	if json.Unmarshal(payload, &env) != nil {
		return
	}
	p.emitChat(sender, env.Message)
}

// DM unicasts message to target.
func (p *Plane) DM(target string, message any) error {
	raw, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("messageplane: marshal dm: %w", err)
	}
	conns := p.Conns()
	conn, ok := conns[target]
	if !ok {
		return fmt.Errorf("messageplane: no connection to %s", target)
	}
	if p.Verified != nil && !p.Verified(target) {
		return fmt.Errorf("messageplane: %s is not verified", target)
	}
	body, err := json.Marshal(wireEnvelope{Message: raw})
	if err != nil {
		return fmt.Errorf("messageplane: marshal dm envelope: %w", err)
	}
	return conn.Send("dm", body)
}

// HandleDM is invoked by the channel demux for inbound "dm" payloads.
func (p *Plane) HandleDM(sender string, payload []byte) {
	if p.Verified != nil && !p.Verified(sender) {
		return
	}
	var env wireEnvelope
	if json.Unmarshal(payload, &env) != nil {
		return
	}
	ev := DMEvent{Sender: sender, Message: env.Message}
	p.DMEvents.Emit(sender, ev)
	p.DMEvents.Emit(anyEvent, ev)
}

// Question sends topic/content to target, assigning a monotonic sequence
// number, and blocks (cooperatively, via ctx) for the correlated answer.
func (p *Plane) Question(ctx context.Context, target, topic string, content any) (json.RawMessage, error) {
	conns := p.Conns()
	conn, ok := conns[target]
	if !ok {
		return nil, fmt.Errorf("messageplane: no connection to %s", target)
	}
	if !isHandshakeTopic(topic) && p.Verified != nil && !p.Verified(target) {
		return nil, fmt.Errorf("messageplane: %s is not verified", target)
	}

	raw, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("messageplane: marshal question content: %w", err)
	}
	n := atomic.AddUint64(&p.seq, 1)

	wait := make(chan AnswerEvent, 1)
	p.mu.Lock()
	p.pendingQ[n] = wait
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.pendingQ, n)
		p.mu.Unlock()
	}()

	env := wireEnvelope{N: n, Question: &struct {
		Topic   string          `json:"topic"`
		Content json.RawMessage `json:"content"`
	}{Topic: topic, Content: raw}}
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("messageplane: marshal question envelope: %w", err)
	}
	if err := conn.Send("question", body); err != nil {
		return nil, fmt.Errorf("messageplane: send question: %w", err)
	}

	select {
	case ans := <-wait:
		return ans.Answer, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// HandleQuestion is invoked by the channel demux for inbound "question"
// payloads; it dispatches to the handler registered for the question's
// topic and sends the reply back on "answer".
func (p *Plane) HandleQuestion(sender string, payload []byte) {
	var env wireEnvelope
	if json.Unmarshal(payload, &env) != nil || env.Question == nil {
		return
	}
	if !isHandshakeTopic(env.Question.Topic) && p.Verified != nil && !p.Verified(sender) {
		return
	}
	p.QEvents.Emit(sender, QuestionEvent{Sender: sender, N: env.N, Topic: env.Question.Topic, Content: env.Question.Content})
	p.QEvents.Emit(anyEvent, QuestionEvent{Sender: sender, N: env.N, Topic: env.Question.Topic, Content: env.Question.Content})

	p.mu.Lock()
	handler := p.handlers[env.Question.Topic]
	p.mu.Unlock()
	if handler == nil {
		return
	}

	go func() {
		answer, err := handler(sender, env.Question.Content)
		if err != nil {
			return
		}
		reply := wireEnvelope{N: env.N, Answer: answer, Message: env.Question.Content}
		body, err := json.Marshal(reply)
		if err != nil {
			return
		}
		conns := p.Conns()
		conn, ok := conns[sender]
		if !ok {
			return
		}
		_ = conn.Send("answer", body)
	}()
}

// HandleAnswer is invoked by the channel demux for inbound "answer"
// payloads; it resolves the deferred registered by Question, keyed by n.
func (p *Plane) HandleAnswer(sender string, payload []byte) {
	var env wireEnvelope
	if json.Unmarshal(payload, &env) != nil {
		return
	}
	ev := AnswerEvent{Sender: sender, N: env.N, Answer: env.Answer, Question: env.Message}
	p.AEvents.Emit(sender, ev)
	p.AEvents.Emit(anyEvent, ev)

	p.mu.Lock()
	wait, ok := p.pendingQ[env.N]
	p.mu.Unlock()
	if ok {
		select {
		case wait <- ev:
		default:
		}
	}
}

// Ping sends a ping to target and blocks until the corresponding pong
// arrives or ctx expires.
func (p *Plane) Ping(ctx context.Context, target string) error {
	conns := p.Conns()
	conn, ok := conns[target]
	if !ok {
		return fmt.Errorf("messageplane: no connection to %s", target)
	}
	if p.Verified != nil && !p.Verified(target) {
		return fmt.Errorf("messageplane: %s is not verified", target)
	}

	wait := make(chan PongEvent, 1)
	p.mu.Lock()
	p.pendingPing[target] = wait
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.pendingPing, target)
		p.mu.Unlock()
	}()

	if err := conn.Send("ping", []byte("{}")); err != nil {
		return fmt.Errorf("messageplane: send ping: %w", err)
	}

	select {
	case <-wait:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PingGroup pings every target concurrently and returns once all replies
// arrive or ctx expires.
func (p *Plane) PingGroup(ctx context.Context, targets []string) error {
	errs := make(chan error, len(targets))
	for _, t := range targets {
		go func(target string) { errs <- p.Ping(ctx, target) }(t)
	}
	var firstErr error
	for range targets {
		if err := <-errs; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// HandlePing replies immediately with a pong. Unverified senders are
// dropped: before the handshake completes, the plane accepts nothing but
// the identify/challenge exchange, which is routed to the trust layer
// before it ever reaches here.
func (p *Plane) HandlePing(sender string, _ []byte) {
	if p.Verified != nil && !p.Verified(sender) {
		return
	}
	ev := PingEvent{Sender: sender}
	p.PingEvents.Emit(sender, ev)
	p.PingEvents.Emit(anyEvent, ev)

	conns := p.Conns()
	conn, ok := conns[sender]
	if !ok {
		return
	}
	_ = conn.Send("pong", []byte("{}"))
}

// HandlePong resolves the deferred registered by Ping, keyed by sender.
func (p *Plane) HandlePong(sender string, _ []byte) {
	if p.Verified != nil && !p.Verified(sender) {
		return
	}
	ev := PongEvent{Sender: sender}
	p.PongEvents.Emit(sender, ev)
	p.PongEvents.Emit(anyEvent, ev)

	p.mu.Lock()
	wait, ok := p.pendingPing[sender]
	p.mu.Unlock()
	if ok {
		select {
		case wait <- ev:
		default:
		}
	}
}

// NotifyConnected/NotifyDisconnected mirror peer connection lifecycle
// events onto the plane's "next X" surface.
func (p *Plane) NotifyConnected(peer string) {
	ev := UserConnEvent{Peer: peer}
	p.ConnEvents.Emit(peer, ev)
	p.ConnEvents.Emit(anyEvent, ev)
}

func (p *Plane) NotifyDisconnected(peer string) {
	ev := UserDiscEvent{Peer: peer}
	p.DiscEvents.Emit(peer, ev)
	p.DiscEvents.Emit(anyEvent, ev)
}

// next waits for the next emission of event (sender, or "" for anyone).
func next[T any](ctx context.Context, bus *eventbus.Bus[T], sender string) (T, error) {
	ch := make(chan T, 1)
	unsub := bus.Once(sender, func(v T) { ch <- v })
	defer unsub()
	select {
	case v := <-ch:
		return v, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func (p *Plane) NextChat(ctx context.Context, sender string) (ChatEvent, error) {
	return next(ctx, p.ChatEvents, sender)
}
func (p *Plane) NextDM(ctx context.Context, sender string) (DMEvent, error) {
	return next(ctx, p.DMEvents, sender)
}
func (p *Plane) NextQuestion(ctx context.Context, sender string) (QuestionEvent, error) {
	return next(ctx, p.QEvents, sender)
}
func (p *Plane) NextAnswer(ctx context.Context, sender string) (AnswerEvent, error) {
	return next(ctx, p.AEvents, sender)
}
func (p *Plane) NextPing(ctx context.Context, sender string) (PingEvent, error) {
	return next(ctx, p.PingEvents, sender)
}
func (p *Plane) NextPong(ctx context.Context, sender string) (PongEvent, error) {
	return next(ctx, p.PongEvents, sender)
}
func (p *Plane) NextUserConnection(ctx context.Context, peer string) (UserConnEvent, error) {
	return next(ctx, p.ConnEvents, peer)
}
func (p *Plane) NextUserDisconnection(ctx context.Context, peer string) (UserDiscEvent, error) {
	return next(ctx, p.DiscEvents, peer)
}
