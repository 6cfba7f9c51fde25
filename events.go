package meshcore

import (
	"encoding/json"

	"github.com/rtchat/meshcore/internal/callmesh"
)

// PeerEvent names a single remote peer; used for the connectedtopeer,
// disconnectedfrompeer, and callended events.
type PeerEvent struct {
	Peer string
}

// MQTTMessageEvent mirrors an inbound bus envelope verbatim, for callers
// that want the raw subtopic/data/sender/timestamp tuple rather than one
// of the higher-level chat/dm/ping events derived from it.
type MQTTMessageEvent struct {
	Subtopic  string
	Data      json.RawMessage
	Sender    string
	Timestamp int64
}

// RTCMessageEvent mirrors every inbound message-plane data-channel
// message (chat, dm, question, answer, ping, pong), verified or not;
// identify/challenge traffic arrives on the question and answer channels.
// The media-signaling channels and the connectedViaRTC marker are handled
// inside peerconn and are not mirrored here.
type RTCMessageEvent struct {
	Channel string
	Data    []byte
	Sender  string
}

// ValidationEvent reports the outcome of a peer's identify/challenge
// handshake.
type ValidationEvent struct {
	Peer    string
	Trusted bool
}

// ValidationFailureEvent reports a failed handshake; Msg is empty when no
// specific reason was recorded beyond verification failure.
type ValidationFailureEvent struct {
	Peer string
	Msg  string
}

// NameChangeEvent reports a local or remote display-name change.
type NameChangeEvent struct {
	OldName string
	NewName string
}

// CallConnectedEvent reports that a call with Peer has connected.
type CallConnectedEvent struct {
	Peer      string
	MediaType callmesh.MediaType
}

// CallTimeoutEvent reports a call that did not connect before the
// configured call timeout.
type CallTimeoutEvent struct {
	Peer      string
	Direction string // "incoming" | "outgoing"
}

// MetricsUpdateEvent carries a fresh stats reading for an active call.
type MetricsUpdateEvent struct {
	Peer    string
	Metrics callmesh.Metrics
}
