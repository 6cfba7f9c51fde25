// Package presence implements the base peer client: the presence table
// and the signaling state machine that turns bus envelopes into peer
// connections.
package presence

import (
	"log"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/rtchat/meshcore/internal/peerconn"
)

// Record is what the presence table remembers about a remote peer.
type Record struct {
	Name       string
	UserInfo   any
	LastSeen   time.Time
	Reachable  bool
	failStreak int
	lastFailAt time.Time
}

// Table tracks presence records, keyed by peer name. Reachability is
// debounced: a peer is only marked unreachable after two distinct
// failure signals more than 4s apart, so a single transient probe
// failure does not flip it.
type Table struct {
	mu    sync.Mutex
	peers map[string]Record
}

// NewTable creates an empty presence table.
func NewTable() *Table {
	return &Table{peers: make(map[string]Record)}
}

// Upsert records (or refreshes) a peer's presence.
func (t *Table) Upsert(name string, userInfo any) Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, existed := t.peers[name]
	rec.Name = name
	rec.UserInfo = userInfo
	rec.LastSeen = time.Now()
	if !existed {
		rec.Reachable = true
	}
	t.peers[name] = rec
	return rec
}

// Remove drops a peer's presence record entirely.
func (t *Table) Remove(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.peers, name)
}

// Rename moves a presence record from oldName to newName.
func (t *Table) Rename(oldName, newName string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.peers[oldName]
	if !ok {
		return
	}
	delete(t.peers, oldName)
	rec.Name = newName
	t.peers[newName] = rec
}

// Get returns the presence record for name.
func (t *Table) Get(name string) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.peers[name]
	return rec, ok
}

// Snapshot returns a copy of every presence record.
func (t *Table) Snapshot() map[string]Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]Record, len(t.peers))
	for k, v := range t.peers {
		out[k] = v
	}
	return out
}

// SetReachable reports a liveness probe result for name. Reachable=true
// resets the failure streak immediately. Reachable=false only flips the
// record to unreachable once two distinct failures, more than 4s apart,
// have been observed — failures within that window are treated as one
// flaky event rather than two independent ones.
func (t *Table) SetReachable(name string, reachable bool) (changed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.peers[name]
	if !ok {
		return false
	}

	if reachable {
		rec.failStreak = 0
		rec.lastFailAt = time.Time{}
		wasUnreachable := !rec.Reachable
		rec.Reachable = true
		t.peers[name] = rec
		return wasUnreachable
	}

	if time.Since(rec.lastFailAt) > 4*time.Second {
		rec.failStreak++
		rec.lastFailAt = time.Now()
	}
	wasReachable := rec.Reachable
	if rec.failStreak >= 2 {
		rec.Reachable = false
	}
	t.peers[name] = rec
	return wasReachable && !rec.Reachable
}

// ShouldConnectTo decides whether the local peer should dial out to a
// newly-announced remote peer. The default policy always allows; the
// authenticated trust layer installs a stricter one.
type ShouldConnectTo func(from string, userInfo any) bool

// AllowAll is the default connection policy: always yes.
func AllowAll(string, any) bool { return true }

// ConnFactory builds a peerconn.Conn for a remote peer; supplied by the
// owner so presence never constructs WebRTC configuration itself.
type ConnFactory func(peerName string, isCaller bool) (*peerconn.Conn, error)

// Publisher is the narrow bus-publish contract the state machine needs
// to send offers/answers/ICE, decoupled from the concrete signaling
// transport.
type Publisher interface {
	Publish(topic, subtopic string, data any) error
}

// Client is the base peer client: it owns the presence table and every
// active peer connection, and reacts to inbound signaling subtopics.
type Client struct {
	LocalName string
	Topic     string

	bus             Publisher
	newConn         ConnFactory
	shouldConnectTo ShouldConnectTo

	Presence *Table

	mu         sync.Mutex
	conns      map[string]*peerconn.Conn
	connecting map[string]bool
	pendingICE map[string][]webrtc.ICECandidateInit
}

// Config bundles a Client's dependencies. A peer connection's
// "connected" moment is observed through peerconn.Config.OnSessionReady,
// wired by NewConn, not by this package.
type Config struct {
	LocalName       string
	Topic           string
	Bus             Publisher
	NewConn         ConnFactory
	ShouldConnectTo ShouldConnectTo
}

// New constructs a Client. A nil ShouldConnectTo defaults to AllowAll.
func New(cfg Config) *Client {
	should := cfg.ShouldConnectTo
	if should == nil {
		should = AllowAll
	}
	return &Client{
		LocalName:       cfg.LocalName,
		Topic:           cfg.Topic,
		bus:             cfg.Bus,
		newConn:         cfg.NewConn,
		shouldConnectTo: should,
		Presence:        NewTable(),
		conns:           make(map[string]*peerconn.Conn),
		connecting:      make(map[string]bool),
		pendingICE:      make(map[string][]webrtc.ICECandidateInit),
	}
}

// connHealthy reports whether an existing connection to peer is in a
// healthy state: data session connected and ICE connected/completed.
func connHealthy(c *peerconn.Conn) bool {
	if c == nil {
		return false
	}
	if c.PeerConnectionState() != webrtc.PeerConnectionStateConnected {
		return false
	}
	switch c.ICEConnectionState() {
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		return true
	default:
		return false
	}
}

// shouldInitiate breaks a tie when both sides simultaneously decide to
// connect to each other: only the lexicographically lower name dials,
// so a mutual announcement never produces duplicate offers that race each
// other into a reset loop.
func shouldInitiate(localName, remoteName string) bool {
	return localName < remoteName
}

// Conn returns the active peer connection for name, if any.
func (c *Client) Conn(name string) (*peerconn.Conn, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	conn, ok := c.conns[name]
	return conn, ok
}

// HandleConnect processes an inbound "connect" announcement from a peer.
func (c *Client) HandleConnect(from string, userInfo any) {
	if from == c.LocalName {
		return
	}
	c.Presence.Upsert(from, userInfo)

	c.mu.Lock()
	existing := c.conns[from]
	inProgress := c.connecting[from]
	c.mu.Unlock()

	if connHealthy(existing) {
		return
	}
	if existing != nil {
		state := existing.SignalingState()
		if state == webrtc.SignalingStateClosed {
			c.teardown(from)
		}
	}
	if inProgress {
		return
	}
	if !c.shouldConnectTo(from, userInfo) {
		return
	}
	if !shouldInitiate(c.LocalName, from) {
		return
	}

	c.mu.Lock()
	c.connecting[from] = true
	c.mu.Unlock()

	go c.dial(from)
}

func (c *Client) dial(peerName string) {
	defer func() {
		c.mu.Lock()
		delete(c.connecting, peerName)
		c.mu.Unlock()
	}()

	c.teardown(peerName)

	conn, err := c.newConn(peerName, true)
	if err != nil {
		log.Printf("presence: create connection to %s: %v", peerName, err)
		return
	}
	c.mu.Lock()
	c.conns[peerName] = conn
	c.mu.Unlock()

	offer, err := conn.CreateOffer()
	if err != nil {
		log.Printf("presence: create offer for %s: %v", peerName, err)
		return
	}
	if err := c.bus.Publish(c.Topic, "RTCOffer", map[string]any{
		"userInfo": nil,
		"offer": map[string]any{
			"localDescription": offer,
			"target":           peerName,
		},
	}); err != nil {
		log.Printf("presence: publish offer to %s: %v", peerName, err)
	}
}

// HandleUnload tears down a peer connection and drops its presence.
func (c *Client) HandleUnload(from string) {
	c.teardown(from)
	c.Presence.Remove(from)
}

func (c *Client) teardown(name string) {
	c.mu.Lock()
	conn := c.conns[name]
	delete(c.conns, name)
	delete(c.pendingICE, name)
	c.mu.Unlock()
	if conn != nil {
		if err := conn.Close(); err != nil {
			log.Printf("presence: close connection to %s: %v", name, err)
		}
	}
}

// HandleNameChange rebinds presence and the peer-connection entry from
// oldName to newName.
func (c *Client) HandleNameChange(from, oldName, newName string) {
	c.Presence.Rename(oldName, newName)
	c.mu.Lock()
	if conn, ok := c.conns[oldName]; ok {
		delete(c.conns, oldName)
		c.conns[newName] = conn
	}
	if pending, ok := c.pendingICE[oldName]; ok {
		delete(c.pendingICE, oldName)
		c.pendingICE[newName] = pending
	}
	c.mu.Unlock()
}

// OfferPayload is the shape of the offer field in an RTCOffer envelope.
type OfferPayload struct {
	LocalDescription webrtc.SessionDescription `json:"localDescription"`
	Target           string                    `json:"target"`
}

// HandleRTCOffer processes an inbound offer. If target does not name the
// local peer, it is dropped.
func (c *Client) HandleRTCOffer(from string, userInfo any, offer OfferPayload) {
	if offer.Target != c.LocalName {
		return
	}
	if !c.shouldConnectTo(from, userInfo) {
		return
	}
	c.Presence.Upsert(from, userInfo)
	c.teardown(from)

	conn, err := c.newConn(from, false)
	if err != nil {
		log.Printf("presence: create connection for offer from %s: %v", from, err)
		return
	}
	c.mu.Lock()
	c.conns[from] = conn
	c.mu.Unlock()

	answer, err := conn.HandleOffer(offer.LocalDescription)
	if err != nil {
		log.Printf("presence: handle offer from %s: %v", from, err)
		return
	}
	c.drainPendingICE(from, conn)

	if err := c.bus.Publish(c.Topic, "RTCAnswer", map[string]any{
		"localDescription": answer,
		"target":           from,
	}); err != nil {
		log.Printf("presence: publish answer to %s: %v", from, err)
	}
}

// AnswerPayload is the shape of an RTCAnswer envelope.
type AnswerPayload struct {
	LocalDescription webrtc.SessionDescription `json:"localDescription"`
	Target           string                    `json:"target"`
}

// HandleRTCAnswer applies a remote answer. The connection must be in
// have-local-offer state; any other state drops the answer.
func (c *Client) HandleRTCAnswer(from string, answer AnswerPayload) {
	if answer.Target != c.LocalName {
		return
	}
	c.mu.Lock()
	conn, ok := c.conns[from]
	c.mu.Unlock()
	if !ok {
		return
	}
	if conn.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		log.Printf("presence: dropping answer from %s, not in have-local-offer", from)
		return
	}
	if err := conn.HandleAnswer(answer.LocalDescription); err != nil {
		log.Printf("presence: apply answer from %s: %v", from, err)
		return
	}
	c.drainPendingICE(from, conn)
}

// HandleRTCIceCandidate forwards an ICE candidate to an existing
// connection, or buffers it keyed by sender if no connection exists yet.
func (c *Client) HandleRTCIceCandidate(from string, candidate webrtc.ICECandidateInit) {
	c.mu.Lock()
	conn, ok := c.conns[from]
	if !ok {
		c.pendingICE[from] = append(c.pendingICE[from], candidate)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	conn.AddICECandidate(candidate)
}

func (c *Client) drainPendingICE(from string, conn *peerconn.Conn) {
	c.mu.Lock()
	pending := c.pendingICE[from]
	delete(c.pendingICE, from)
	c.mu.Unlock()
	for _, cand := range pending {
		conn.AddICECandidate(cand)
	}
}

// AllConnsSnapshot exists for stats polling and tests.
func (c *Client) AllConnsSnapshot() map[string]*peerconn.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]*peerconn.Conn, len(c.conns))
	for k, v := range c.conns {
		out[k] = v
	}
	return out
}
