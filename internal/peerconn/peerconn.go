// Package peerconn is the WebRTC workhorse: it maintains, per remote
// peer, a data session (application traffic over a fixed set of named
// data channels) and a lazily-created media session (audio/video) whose
// own signaling travels in-band over the data session rather than the
// public bus.
package peerconn

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

// DataChannels is the fixed registry every data session negotiates, one
// createDataChannel call per entry on the initiating side: the
// message-plane channels (chat, dm, question, answer, ping, pong, and
// the synthetic connectedViaRTC handshake marker) plus the media-
// signaling channels. The post-connection identify/challenge trust
// handshake rides the question/answer channels as an ordinary question,
// not a channel of its own.
var DataChannels = []string{"chat", "dm", "question", "answer", "ping", "pong", "connectedViaRTC", "streamoffer", "streamanswer", "streamice", "endcall"}

// connectedMarker is the raw (non-JSON) payload sent once over
// connectedViaRTC when every channel has opened. Its content carries no
// meaning beyond confirming the channel is live; readers ignore it.
var connectedMarker = []byte{0x01}

const (
	sendTimeout = 10 * time.Second
)

// MessageHandler receives every application message arriving on a data
// channel: (channel label, payload, sender peer name).
type MessageHandler func(channel string, payload []byte, sender string)

// StateHandler is notified when a session's connection should be torn
// down by the owner (the session's peer-connection state moved to
// disconnected/failed/closed).
type StateHandler func(peerName string)

// CallConnectedHandler is notified once incoming media tracks resolve the
// media session's call-connected deferred.
type CallConnectedHandler func(peerName string)

type channelState struct {
	ch     *webrtc.DataChannel
	opened chan struct{}
	failed chan struct{}
	once   sync.Once
}

func newChannelState() *channelState {
	return &channelState{opened: make(chan struct{}), failed: make(chan struct{})}
}

func (cs *channelState) resolveOpen() {
	cs.once.Do(func() { close(cs.opened) })
}

func (cs *channelState) resolveFailed() {
	select {
	case <-cs.failed:
	default:
		close(cs.failed)
	}
}

// Conn is the per-remote-peer aggregate of a data session and a lazily
// created media session.
type Conn struct {
	PeerName string
	isCaller bool

	iceServers         []webrtc.ICEServer
	iceTransportPolicy webrtc.ICETransportPolicy
	bundlePolicy       webrtc.BundlePolicy
	rtcpMuxPolicy      webrtc.RTCPMuxPolicy

	onMessage       MessageHandler
	onTeardown      StateHandler
	onCallConnected CallConnectedHandler
	onIncomingCall  func(peerName string) bool
	onICECandidate  func(peerName string, candidate webrtc.ICECandidateInit)
	onSessionReady  StateHandler

	mu           sync.Mutex
	dataPC       *webrtc.PeerConnection
	channels     map[string]*channelState
	remoteSet    bool
	pendingICE   []webrtc.ICECandidateInit
	readyFired   bool

	mediaPC        *webrtc.PeerConnection
	mediaRemoteSet bool
	mediaPendingICE []webrtc.ICECandidateInit
}

// Config bundles the WebRTC policy fields and callbacks a Conn is built
// with.
type Config struct {
	ICEServers         []webrtc.ICEServer
	ICETransportPolicy webrtc.ICETransportPolicy
	BundlePolicy       webrtc.BundlePolicy
	RTCPMuxPolicy      webrtc.RTCPMuxPolicy
	OnMessage          MessageHandler
	OnTeardown         StateHandler
	OnCallConnected    CallConnectedHandler
	OnIncomingCall     func(peerName string) bool
	OnICECandidate     func(peerName string, candidate webrtc.ICECandidateInit)
	// OnSessionReady fires once, the first time every fixed data channel
	// has opened.
	OnSessionReady StateHandler
}

// New constructs a Conn for peerName. isCaller decides which side creates
// the fixed data channels versus mirroring them via ondatachannel.
func New(peerName string, isCaller bool, cfg Config) (*Conn, error) {
	c := &Conn{
		PeerName:           peerName,
		isCaller:           isCaller,
		iceServers:         cfg.ICEServers,
		iceTransportPolicy: cfg.ICETransportPolicy,
		bundlePolicy:       cfg.BundlePolicy,
		rtcpMuxPolicy:      cfg.RTCPMuxPolicy,
		onMessage:          cfg.OnMessage,
		onTeardown:         cfg.OnTeardown,
		onCallConnected:    cfg.OnCallConnected,
		onIncomingCall:     cfg.OnIncomingCall,
		onICECandidate:     cfg.OnICECandidate,
		onSessionReady:     cfg.OnSessionReady,
		channels:           make(map[string]*channelState),
	}

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers:         c.iceServers,
		ICETransportPolicy: c.iceTransportPolicy,
		BundlePolicy:       c.bundlePolicy,
		RTCPMuxPolicy:      c.rtcpMuxPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("peerconn: create data pc for %s: %w", peerName, err)
	}
	c.dataPC = pc

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		if c.onICECandidate != nil {
			c.onICECandidate(peerName, cand.ToJSON())
		}
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Printf("peerconn [%s]: data session state -> %s", peerName, state)
		if state == webrtc.PeerConnectionStateDisconnected ||
			state == webrtc.PeerConnectionStateFailed ||
			state == webrtc.PeerConnectionStateClosed {
			if c.onTeardown != nil {
				c.onTeardown(peerName)
			}
		}
	})
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		c.registerChannel(dc)
	})

	if isCaller {
		for _, label := range DataChannels {
			dc, err := pc.CreateDataChannel(label, nil)
			if err != nil {
				return nil, fmt.Errorf("peerconn: create channel %q: %w", label, err)
			}
			c.registerChannel(dc)
		}
	}

	return c, nil
}

func (c *Conn) registerChannel(dc *webrtc.DataChannel) {
	c.mu.Lock()
	cs, exists := c.channels[dc.Label()]
	if !exists {
		cs = newChannelState()
		c.channels[dc.Label()] = cs
	}
	cs.ch = dc
	c.mu.Unlock()

	label := dc.Label()
	dc.OnOpen(func() {
		cs.resolveOpen()
		c.checkSessionReady()
	})
	dc.OnError(func(err error) {
		log.Printf("peerconn [%s]: channel %q error: %v", c.PeerName, label, err)
		cs.resolveFailed()
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		switch label {
		case "streamoffer", "streamanswer", "streamice", "endcall":
			c.handleMediaSignal(label, msg.Data)
			return
		case "connectedViaRTC":
			// Raw pass-through marker, not a JSON envelope. Its arrival
			// carries no information beyond "this channel is live."
			return
		}
		if c.onMessage != nil {
			c.onMessage(label, msg.Data, c.PeerName)
		}
	})
}

// CreateOffer negotiates the data session as the initiator, returning the
// local SDP offer to publish on the bus.
func (c *Conn) CreateOffer() (webrtc.SessionDescription, error) {
	offer, err := c.dataPC.CreateOffer(nil)
	if err != nil {
		return offer, fmt.Errorf("peerconn: create offer: %w", err)
	}
	if err := c.dataPC.SetLocalDescription(offer); err != nil {
		return offer, fmt.Errorf("peerconn: set local description (offer): %w", err)
	}
	return offer, nil
}

// HandleOffer applies a remote offer and returns the local answer.
func (c *Conn) HandleOffer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := c.dataPC.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("peerconn: set remote description (offer): %w", err)
	}
	c.flushPendingICE()

	answer, err := c.dataPC.CreateAnswer(nil)
	if err != nil {
		return answer, fmt.Errorf("peerconn: create answer: %w", err)
	}
	if err := c.dataPC.SetLocalDescription(answer); err != nil {
		return answer, fmt.Errorf("peerconn: set local description (answer): %w", err)
	}
	return answer, nil
}

// HandleAnswer applies a remote answer. dataPC must be in
// have-local-offer state; callers check signaling state before invoking
// this (see the presence state machine).
func (c *Conn) HandleAnswer(answer webrtc.SessionDescription) error {
	if err := c.dataPC.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("peerconn: set remote description (answer): %w", err)
	}
	c.flushPendingICE()
	return nil
}

// SignalingState exposes the data session's signaling state so callers
// can gate answer handling on "have-local-offer".
func (c *Conn) SignalingState() webrtc.SignalingState {
	return c.dataPC.SignalingState()
}

// PeerConnectionState exposes the data session's overall connection
// state for the presence layer's healthy-connection check.
func (c *Conn) PeerConnectionState() webrtc.PeerConnectionState {
	return c.dataPC.ConnectionState()
}

// ICEConnectionState exposes the data session's ICE connection state for
// the presence layer's healthy-connection check.
func (c *Conn) ICEConnectionState() webrtc.ICEConnectionState {
	return c.dataPC.ICEConnectionState()
}

// AllChannelsOpen reports whether every named data channel has opened.
func (c *Conn) AllChannelsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.allOpenLocked()
}

func (c *Conn) allOpenLocked() bool {
	for _, label := range DataChannels {
		cs, ok := c.channels[label]
		if !ok {
			return false
		}
		select {
		case <-cs.opened:
		default:
			return false
		}
	}
	return true
}

// checkSessionReady fires OnSessionReady once, the first time every
// channel has opened.
func (c *Conn) checkSessionReady() {
	c.mu.Lock()
	if c.readyFired || !c.allOpenLocked() {
		c.mu.Unlock()
		return
	}
	c.readyFired = true
	cs, ok := c.channels["connectedViaRTC"]
	c.mu.Unlock()

	if ok && cs.ch != nil {
		if err := cs.ch.Send(connectedMarker); err != nil {
			log.Printf("peerconn [%s]: send connectedViaRTC marker: %v", c.PeerName, err)
		}
	}
	if c.onSessionReady != nil {
		c.onSessionReady(c.PeerName)
	}
}

// AddICECandidate forwards a remote ICE candidate to the data session,
// buffering it if the remote description has not been set yet.
func (c *Conn) AddICECandidate(cand webrtc.ICECandidateInit) {
	c.mu.Lock()
	if !c.remoteSet {
		c.pendingICE = append(c.pendingICE, cand)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	if err := c.dataPC.AddICECandidate(cand); err != nil {
		log.Printf("peerconn [%s]: add ice candidate: %v", c.PeerName, err)
	}
}

func (c *Conn) flushPendingICE() {
	c.mu.Lock()
	c.remoteSet = true
	pending := c.pendingICE
	c.pendingICE = nil
	c.mu.Unlock()

	for _, cand := range pending {
		if err := c.dataPC.AddICECandidate(cand); err != nil {
			log.Printf("peerconn [%s]: add buffered ice candidate: %v", c.PeerName, err)
		}
	}
}

// Send writes payload to channel. If the channel is open, it writes
// immediately. If it is still connecting, Send blocks (up to 10s) for the
// channel's open event before writing, and returns an error on timeout.
// If the channel is already closed/failed, Send fails immediately.
func (c *Conn) Send(channel string, payload []byte) error {
	c.mu.Lock()
	cs, ok := c.channels[channel]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("peerconn [%s]: unknown channel %q", c.PeerName, channel)
	}

	switch cs.ch.ReadyState() {
	case webrtc.DataChannelStateOpen:
		return cs.ch.Send(payload)
	case webrtc.DataChannelStateClosed, webrtc.DataChannelStateClosing:
		return fmt.Errorf("peerconn [%s]: channel %q is closed", c.PeerName, channel)
	}

	select {
	case <-cs.opened:
		return cs.ch.Send(payload)
	case <-cs.failed:
		return fmt.Errorf("peerconn [%s]: channel %q failed to open", c.PeerName, channel)
	case <-time.After(sendTimeout):
		return fmt.Errorf("peerconn [%s]: channel %q open timed out", c.PeerName, channel)
	}
}

// Close tears down both sessions.
func (c *Conn) Close() error {
	c.mu.Lock()
	mediaPC := c.mediaPC
	c.mu.Unlock()
	if mediaPC != nil {
		_ = mediaPC.Close()
	}
	return c.dataPC.Close()
}
