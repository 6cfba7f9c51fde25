package meshcore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rtchat/meshcore/internal/callmesh"
	"github.com/rtchat/meshcore/internal/messageplane"
)

// SendRTCChat broadcasts message to every connected, verified peer.
func (c *Client) SendRTCChat(message any) error {
	return c.plane.Chat(message)
}

// SendRTCDM sends message to a single verified peer.
func (c *Client) SendRTCDM(target string, message any) error {
	return c.plane.DM(target, message)
}

// SendRTCQuestion sends a request on topic to target and blocks for its
// reply, or until ctx is done.
func (c *Client) SendRTCQuestion(ctx context.Context, target, topic string, content any) (json.RawMessage, error) {
	return c.plane.Question(ctx, target, topic, content)
}

// AddQuestionHandler registers fn to answer every inbound question on
// topic.
func (c *Client) AddQuestionHandler(topic string, fn messageplane.QuestionHandler) {
	c.plane.RegisterQuestionHandler(topic, fn)
}

// SendPing pings a single verified peer and waits for its pong.
func (c *Client) SendPing(ctx context.Context, target string) error {
	return c.plane.Ping(ctx, target)
}

// PingEveryone pings every currently-connected peer concurrently and
// waits for every reply.
func (c *Client) PingEveryone(ctx context.Context) error {
	snap := c.presence.AllConnsSnapshot()
	targets := make([]string, 0, len(snap))
	for name := range snap {
		targets = append(targets, name)
	}
	return c.plane.PingGroup(ctx, targets)
}

// CallUser starts an outbound call of mediaType to peer.
func (c *Client) CallUser(peer string, mediaType callmesh.MediaType) error {
	return c.calls.CallUser(peer, mediaType)
}

// EndCallWithUser ends any call in progress with peer. Calling it twice
// is a no-op the second time.
func (c *Client) EndCallWithUser(peer string) {
	c.calls.EndCallWithUser(peer)
}

// OnIncomingCall registers the handler consulted for an incoming call
// that auto-accept rules do not already resolve. Only the most recently
// registered handler is consulted.
func (c *Client) OnIncomingCall(fn func(peer string, mediaType callmesh.MediaType) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onCallPrompt = fn
}

// OnTrustPrompt registers the handler consulted whenever a connection
// decision or handshake category requires asking the application.
func (c *Client) OnTrustPrompt(fn func(peer string, userInfo any, category string) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onTrustDecision = fn
}

// PeerInfo is a point-in-time view of what the engine knows about a
// remote peer, combining its presence record, connection state, and
// trust status.
type PeerInfo struct {
	Name      string
	UserInfo  any
	LastSeen  time.Time
	Reachable bool
	Connected bool
	Verified  bool
	Call      *callmesh.CallState
}

// GetPeer returns everything known about name, or false if it has never
// been seen.
func (c *Client) GetPeer(name string) (PeerInfo, bool) {
	rec, ok := c.presence.Presence.Get(name)
	if !ok {
		return PeerInfo{}, false
	}
	info := PeerInfo{
		Name:      rec.Name,
		UserInfo:  rec.UserInfo,
		LastSeen:  rec.LastSeen,
		Reachable: rec.Reachable,
		Verified:  c.trust.IsVerified(name),
	}
	if conn, ok := c.presence.Conn(name); ok {
		info.Connected = conn.AllChannelsOpen()
	}
	if state, ok := c.calls.State(name); ok {
		info.Call = &state
	}
	return info, true
}

// Trust manually binds peer's currently-announced public key into the
// known-hosts table without a challenge/response round trip. It does not
// mark the peer verified: IsVerified stays false until a handshake with
// the peer succeeds.
func (c *Client) Trust(peer string) error {
	rec, ok := c.presence.Presence.Get(peer)
	if !ok {
		return fmt.Errorf("meshcore: unknown peer %s", peer)
	}
	key := extractClaimedKey(rec.UserInfo)
	if key == "" {
		return fmt.Errorf("meshcore: %s announced no public key", peer)
	}
	if err := c.hosts.SavePublicKey(peer, key); err != nil {
		return fmt.Errorf("meshcore: trust %s: %w", peer, err)
	}
	return nil
}

// Challenge re-runs the identify/challenge handshake against an already
// connected peer.
func (c *Client) Challenge(peer string) error {
	if _, ok := c.presence.Conn(peer); !ok {
		return fmt.Errorf("meshcore: no connection to %s", peer)
	}
	c.trust.BeginHandshake(c.ctx, peer)
	return nil
}

// Register binds a "name|publicKeyString" identity string into the
// known-hosts table ahead of ever meeting that peer.
func (c *Client) Register(identity string) error {
	return c.hosts.Register(identity)
}

// Untrust removes peer's known-hosts binding and drops its verified
// status, so its next handshake starts from "nevermet".
func (c *Client) Untrust(peer string) error {
	if err := c.hosts.RemovePublicKey(peer); err != nil {
		return fmt.Errorf("meshcore: untrust %s: %w", peer, err)
	}
	c.trust.Unvalidate(peer)
	return nil
}
