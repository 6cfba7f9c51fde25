// Package meshcore is the browser-resident WebRTC mesh networking engine:
// peers discover each other over an MQTT-style signaling bus, authenticate
// with a challenge/response handshake, and exchange chat, direct
// messages, request/response questions, and audio/video calls directly
// over WebRTC data and media channels. The bus carries only presence and
// signaling traffic; it never sees application data.
package meshcore

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/rtchat/meshcore/internal/callmesh"
	"github.com/rtchat/meshcore/internal/config"
	"github.com/rtchat/meshcore/internal/eventbus"
	"github.com/rtchat/meshcore/internal/keystore"
	"github.com/rtchat/meshcore/internal/messageplane"
	"github.com/rtchat/meshcore/internal/peerconn"
	"github.com/rtchat/meshcore/internal/presence"
	"github.com/rtchat/meshcore/internal/signaling"
	"github.com/rtchat/meshcore/internal/storage"
	"github.com/rtchat/meshcore/internal/tabregistry"
	"github.com/rtchat/meshcore/internal/trust"
	"github.com/rtchat/meshcore/internal/util"
)

// Client is the engine's single public entry point. It owns every
// subsystem (storage, identity, signaling, presence, trust, message
// plane, call mesh) and wires their callbacks together; host programs
// interact with it exclusively through New/Load/Disconnect, the public
// operations in operations.go, and the event buses below.
type Client struct {
	cfg   config.Config
	store storage.Store

	identity *keystore.Identity
	hosts    *keystore.KnownHosts
	tabs     *tabregistry.Registry

	iceServers         []webrtc.ICEServer
	iceTransportPolicy webrtc.ICETransportPolicy
	bundlePolicy       webrtc.BundlePolicy
	rtcpMuxPolicy      webrtc.RTCPMuxPolicy

	bus      signaling.Bus
	presence *presence.Client
	trust    *trust.Validator
	plane    *messageplane.Plane
	calls    *callmesh.Manager

	history *util.RingBuffer[HistoryEntry]

	onTrustDecision func(peer string, userInfo any, category string) bool
	onCallPrompt    func(peer string, mediaType callmesh.MediaType) bool

	mu       sync.Mutex
	baseName string // display name without the "(tabID)" suffix
	name     string // public name, baseName + "(tabID)" when tabs are enabled
	topic    string
	ctx      context.Context
	cancel   context.CancelFunc
	loaded   bool

	MQTTConnected        *eventbus.Bus[struct{}]
	MQTTMessage          *eventbus.Bus[MQTTMessageEvent]
	ConnectedToPeer      *eventbus.Bus[PeerEvent]
	DisconnectedFromPeer *eventbus.Bus[PeerEvent]
	RTCMessage           *eventbus.Bus[RTCMessageEvent]
	Chat                 *eventbus.Bus[messageplane.ChatEvent]
	DM                   *eventbus.Bus[messageplane.DMEvent]
	Ping                 *eventbus.Bus[messageplane.PingEvent]
	Validation           *eventbus.Bus[ValidationEvent]
	ValidationFailure    *eventbus.Bus[ValidationFailureEvent]
	NameChange           *eventbus.Bus[NameChangeEvent]
	CallConnected        *eventbus.Bus[CallConnectedEvent]
	CallEnded            *eventbus.Bus[PeerEvent]
	CallTimeout          *eventbus.Bus[CallTimeoutEvent]
	MetricsUpdate        *eventbus.Bus[MetricsUpdateEvent]
}

// anyKey is the eventbus key every Client-level bus also emits under, so
// callers can subscribe to "every sender" the same way messageplane's
// internal buses support it.
const anyKey = ""

// HistoryEntry is one entry in the local message-history ring buffer.
type HistoryEntry struct {
	Topic     string
	Envelope  signaling.Envelope
	Sent      bool
	ReceivedAt time.Time
}

// New constructs a Client from cfg and store. It generates or loads the
// local identity, reads the known-hosts table, claims a tab id, and wires
// every subsystem together — but does not yet connect to the signaling
// bus; call Load for that.
func New(cfg config.Config, store storage.Store) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("meshcore: invalid config: %w", err)
	}

	identity, err := keystore.Load(store, true)
	if err != nil {
		return nil, fmt.Errorf("meshcore: load identity: %w", err)
	}
	hosts := keystore.NewKnownHosts(store)

	baseName := cfg.Name
	if baseName == "" {
		baseName = fmt.Sprintf("User #%d", time.Now().UnixNano()%1000)
	}
	if _, err := util.ValidateDisplayName(baseName); err != nil {
		return nil, fmt.Errorf("meshcore: invalid display name: %w", err)
	}

	policy, err := trust.Presets(cfg.TrustMode)
	if err != nil {
		return nil, fmt.Errorf("meshcore: trust mode: %w", err)
	}

	c := &Client{
		cfg:                cfg,
		store:              store,
		identity:           identity,
		hosts:              hosts,
		baseName:           baseName,
		name:               baseName,
		topic:              cfg.Topic.Full(),
		iceServers:         toICEServers(cfg.WebRTC.ICEServers),
		iceTransportPolicy: toICETransportPolicy(cfg.WebRTC.ICETransportPolicy),
		bundlePolicy:       toBundlePolicy(cfg.WebRTC.BundlePolicy),
		rtcpMuxPolicy:      toRTCPMuxPolicy(cfg.WebRTC.RTCPMuxPolicy),

		history: util.NewRingBuffer[HistoryEntry](cfg.History.MaxLength),

		MQTTConnected:        eventbus.New[struct{}](),
		MQTTMessage:          eventbus.New[MQTTMessageEvent](),
		ConnectedToPeer:      eventbus.New[PeerEvent](),
		DisconnectedFromPeer: eventbus.New[PeerEvent](),
		RTCMessage:           eventbus.New[RTCMessageEvent](),
		Validation:           eventbus.New[ValidationEvent](),
		ValidationFailure:    eventbus.New[ValidationFailureEvent](),
		NameChange:           eventbus.New[NameChangeEvent](),
		CallConnected:        eventbus.New[CallConnectedEvent](),
		CallEnded:            eventbus.New[PeerEvent](),
		CallTimeout:          eventbus.New[CallTimeoutEvent](),
		MetricsUpdate:        eventbus.New[MetricsUpdateEvent](),
	}

	if cfg.Tabs.Enabled {
		tabs, err := tabregistry.New(store, cfg.Tabs.PollInterval, cfg.Tabs.Timeout, nil)
		if err != nil {
			return nil, fmt.Errorf("meshcore: tab registry: %w", err)
		}
		c.tabs = tabs
		c.name = fmt.Sprintf("%s(%d)", baseName, tabs.ID())
	}

	c.trust = trust.NewValidator(trust.Config{
		Hosts:    hosts,
		Identity: identity,
		Policy:   policy,
		Ask: func(ctx context.Context, peer, topic string, content any) (json.RawMessage, error) {
			return c.plane.Question(ctx, peer, topic, content)
		},
		OnPrompt: c.onTrustPrompt,
		OnValidation: func(peer string, trusted bool) {
			c.Validation.Emit(peer, ValidationEvent{Peer: peer, Trusted: trusted})
			c.Validation.Emit(anyKey, ValidationEvent{Peer: peer, Trusted: trusted})
		},
		OnValidationFailure: c.onValidationFailure,
	})

	c.presence = presence.New(presence.Config{
		LocalName:       c.name,
		Topic:           c.topic,
		Bus:             busAdapter{c},
		NewConn:         c.newConn,
		ShouldConnectTo: c.shouldConnectTo,
	})

	c.plane = messageplane.New(c.name, c.connsAsSenders, c.trust.IsVerified)
	c.Chat = c.plane.ChatEvents
	c.DM = c.plane.DMEvents
	c.Ping = c.plane.PingEvents
	c.plane.RegisterQuestionHandler("identify", c.trust.AnswerIdentify)
	c.plane.RegisterQuestionHandler("challenge", c.trust.AnswerChallenge)

	c.calls = callmesh.New(callmesh.Config{
		LocalName:         c.name,
		CallTimeout:       15 * time.Second,
		StatsPollInterval: 3 * time.Second,
		Conns:             c.connsAsCallConns,
		PresenceNames:     c.presenceNames,
		OnPrompt:          c.onIncomingCallPrompt,
		OnCallConnected: func(peer string, mediaType callmesh.MediaType) {
			c.CallConnected.Emit(peer, CallConnectedEvent{Peer: peer, MediaType: mediaType})
			c.CallConnected.Emit(anyKey, CallConnectedEvent{Peer: peer, MediaType: mediaType})
		},
		OnCallEnded: func(peer string) {
			c.CallEnded.Emit(peer, PeerEvent{Peer: peer})
			c.CallEnded.Emit(anyKey, PeerEvent{Peer: peer})
		},
		OnCallTimeout: func(peer, direction string) {
			c.CallTimeout.Emit(peer, CallTimeoutEvent{Peer: peer, Direction: direction})
			c.CallTimeout.Emit(anyKey, CallTimeoutEvent{Peer: peer, Direction: direction})
		},
		OnMetricsUpdate: func(peer string, metrics callmesh.Metrics) {
			c.MetricsUpdate.Emit(peer, MetricsUpdateEvent{Peer: peer, Metrics: metrics})
			c.MetricsUpdate.Emit(anyKey, MetricsUpdateEvent{Peer: peer, Metrics: metrics})
		},
	})

	brokerClientID := cfg.MQTT.ClientID
	if brokerClientID == "" {
		brokerClientID = "rtchat-" + uuid.NewString()
	}
	c.bus = signaling.NewWSBus(signaling.Config{
		Broker:               cfg.MQTT.Broker,
		ClientID:             brokerClientID,
		Username:             cfg.MQTT.Username,
		Password:             cfg.MQTT.Password,
		ConnectTimeout:       cfg.MQTT.ConnectTimeout,
		ReconnectDelay:       cfg.Conn.ReconnectDelay,
		MaxReconnectAttempts: cfg.Conn.MaxReconnectAttempts,
		AutoReconnect:        cfg.Conn.AutoReconnect,
		CompressEnabled:      cfg.Compress.Enabled,
		CompressThreshold:    cfg.Compress.Threshold,
		Sender:               c.name,
		HasHealthyPeer:       c.hasHealthyPeer,
		History:              c.recordHistory,
	})
	c.bus.OnMessage(c.handleEnvelope)

	return c, nil
}

func (c *Client) hasHealthyPeer() bool {
	for _, ok := range c.verifiedOrConnectedSnapshot() {
		if ok {
			return true
		}
	}
	return false
}

func (c *Client) verifiedOrConnectedSnapshot() map[string]bool {
	conns := c.presence.AllConnsSnapshot()
	out := make(map[string]bool, len(conns))
	for name, conn := range conns {
		out[name] = conn.AllChannelsOpen()
	}
	return out
}

func (c *Client) connsAsSenders() map[string]messageplane.Sender {
	snap := c.presence.AllConnsSnapshot()
	out := make(map[string]messageplane.Sender, len(snap))
	for name, conn := range snap {
		out[name] = conn
	}
	return out
}

func (c *Client) connsAsCallConns() map[string]callmesh.CallConn {
	snap := c.presence.AllConnsSnapshot()
	out := make(map[string]callmesh.CallConn, len(snap))
	for name, conn := range snap {
		out[name] = conn
	}
	return out
}

func (c *Client) presenceNames() []string {
	snap := c.presence.Presence.Snapshot()
	out := make([]string, 0, len(snap))
	for name := range snap {
		out = append(out, name)
	}
	return out
}

// busAdapter narrows Client to presence.Publisher without exposing the
// rest of Client's surface to the presence package.
type busAdapter struct{ c *Client }

func (a busAdapter) Publish(topic, subtopic string, data any) error {
	return a.c.bus.Publish(topic, subtopic, data)
}

func (c *Client) recordHistory(topic string, env signaling.Envelope) {
	if !c.cfg.History.Enabled {
		return
	}
	c.history.Push(HistoryEntry{Topic: topic, Envelope: env, Sent: env.Sender == c.currentName(), ReceivedAt: time.Now()})
}

func (c *Client) currentName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.name
}

func toICEServers(servers []config.ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		out = append(out, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return out
}

func toICETransportPolicy(s string) webrtc.ICETransportPolicy {
	if s == "relay" {
		return webrtc.ICETransportPolicyRelay
	}
	return webrtc.ICETransportPolicyAll
}

func toBundlePolicy(s string) webrtc.BundlePolicy {
	switch s {
	case "max-compat":
		return webrtc.BundlePolicyMaxCompat
	case "max-bundle":
		return webrtc.BundlePolicyMaxBundle
	default:
		return webrtc.BundlePolicyBalanced
	}
}

func toRTCPMuxPolicy(s string) webrtc.RTCPMuxPolicy {
	if s == "negotiate" {
		return webrtc.RTCPMuxPolicyNegotiate
	}
	return webrtc.RTCPMuxPolicyRequire
}

func logIgnoredUnmarshal(context string, err error) {
	if err != nil {
		log.Printf("meshcore: malformed %s payload: %v", context, err)
	}
}
