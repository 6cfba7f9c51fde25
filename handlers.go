package meshcore

import (
	"github.com/pion/webrtc/v4"

	"github.com/rtchat/meshcore/internal/callmesh"
	"github.com/rtchat/meshcore/internal/peerconn"
	"github.com/rtchat/meshcore/internal/trust"
)

// newConn is presence's ConnFactory: it builds a peerconn.Conn and wires
// every one of its callbacks back into the client's subsystems. This is
// the one place the WebRTC workhorse, the trust handshake, the message
// plane, and the call mesh are bolted together.
func (c *Client) newConn(peerName string, isCaller bool) (*peerconn.Conn, error) {
	return peerconn.New(peerName, isCaller, peerconn.Config{
		ICEServers:         c.iceServers,
		ICETransportPolicy: c.iceTransportPolicy,
		BundlePolicy:       c.bundlePolicy,
		RTCPMuxPolicy:      c.rtcpMuxPolicy,
		OnMessage:          c.onPeerMessage,
		OnTeardown:         c.onPeerTeardown,
		OnCallConnected:    c.onPeerCallConnected,
		OnIncomingCall:     c.onIncomingCall,
		OnICECandidate:     c.onICECandidate,
		OnSessionReady:     c.onSessionReady,
	})
}

// onPeerMessage demuxes an inbound data-channel message by channel label.
// Only the message-plane channels reach here: the media-signaling
// channels and the connectedViaRTC marker are intercepted inside
// peerconn. The identify/challenge handshake rides the question/answer
// channels, so it demuxes through the "question"/"answer" cases below
// like any other request/response exchange.
func (c *Client) onPeerMessage(channel string, payload []byte, sender string) {
	ev := RTCMessageEvent{Channel: channel, Data: payload, Sender: sender}
	c.RTCMessage.Emit(sender, ev)
	c.RTCMessage.Emit(anyKey, ev)

	switch channel {
	case "chat":
		c.plane.HandleChat(sender, payload)
	case "dm":
		c.plane.HandleDM(sender, payload)
	case "question":
		c.plane.HandleQuestion(sender, payload)
	case "answer":
		c.plane.HandleAnswer(sender, payload)
	case "ping":
		c.plane.HandlePing(sender, payload)
	case "pong":
		c.plane.HandlePong(sender, payload)
	}
}

func (c *Client) onPeerTeardown(peer string) {
	c.presence.HandleUnload(peer)
	c.calls.HandlePeerDisconnected(peer)
	c.trust.Unvalidate(peer)
	c.DisconnectedFromPeer.Emit(peer, PeerEvent{Peer: peer})
	c.DisconnectedFromPeer.Emit(anyKey, PeerEvent{Peer: peer})
}

func (c *Client) onPeerCallConnected(peer string) {
	c.calls.CallConnected(peer)
}

// onIncomingCall gates a streamoffer before peerconn builds a media
// answer. It hands the decision to the call mesh, which auto-accepts
// whenever a mesh is already assembling or another call is active, and
// otherwise prompts the application. The SDP's media kind is not
// inspected, so incoming calls are always classified audio; callers that
// want video dial out explicitly with CallUser.
func (c *Client) onIncomingCall(peer string) bool {
	c.calls.HandleIncomingOffer(peer, callmesh.MediaAudio)
	_, ok := c.calls.State(peer)
	return ok
}

func (c *Client) onIncomingCallPrompt(peer string, mediaType callmesh.MediaType) bool {
	if c.onCallPrompt == nil {
		return false
	}
	return c.onCallPrompt(peer, mediaType)
}

// onICECandidate publishes a local candidate as-is; routing on the
// receiving end keys off the envelope's sender, not a target field, so
// no addressing is needed here.
func (c *Client) onICECandidate(peer string, candidate webrtc.ICECandidateInit) {
	_ = c.bus.Publish(c.topic, "RTCIceCandidate", candidate)
}

// onSessionReady fires once a peer's data session has every fixed channel
// open: it is the moment the engine considers the peer connected.
func (c *Client) onSessionReady(peer string) {
	c.ConnectedToPeer.Emit(peer, PeerEvent{Peer: peer})
	c.ConnectedToPeer.Emit(anyKey, PeerEvent{Peer: peer})
	c.plane.NotifyConnected(peer)
	c.trust.BeginHandshake(c.ctx, peer)
}

func (c *Client) onTrustPrompt(peer string, userInfo any, category trust.Category) bool {
	if c.onTrustDecision == nil {
		return false
	}
	return c.onTrustDecision(peer, userInfo, string(category))
}

func (c *Client) onValidationFailure(peer string) {
	c.ValidationFailure.Emit(peer, ValidationFailureEvent{Peer: peer})
	c.ValidationFailure.Emit(anyKey, ValidationFailureEvent{Peer: peer})
	if conn, ok := c.presence.Conn(peer); ok {
		_ = conn.Close()
	}
}

// shouldConnectTo is presence's connection-policy hook: it extracts the
// peer's claimed public key (if any) from its announced user-info and
// defers to the trust layer's classification table.
func (c *Client) shouldConnectTo(peer string, userInfo any) bool {
	return c.trust.ShouldConnectTo(peer, extractClaimedKey(userInfo), userInfo)
}

func extractClaimedKey(userInfo any) string {
	m, ok := userInfo.(map[string]any)
	if !ok {
		return ""
	}
	s, _ := m["publicKeyString"].(string)
	return s
}
