// Package config builds the validated, fully-defaulted configuration
// record every other component is constructed from.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/rtchat/meshcore/internal/util"
)

// Config is the immutable-after-construction option record described by
// the engine's configuration surface: identity, bus transport, ICE/WebRTC
// policy, topic naming, history, compression, tab coordination, and
// connection/reconnection behaviour.
type Config struct {
	Name     string   `json:"name"`
	UserInfo any      `json:"userInfo,omitempty"`
	MQTT     MQTT     `json:"mqtt"`
	WebRTC   WebRTC   `json:"webrtc"`
	Topic    Topic    `json:"topic"`
	History  History  `json:"history"`
	Compress Compress `json:"compression"`
	Tabs     Tabs     `json:"tabs"`
	Conn     Conn     `json:"connection"`
	Debug    bool     `json:"debug"`
	TrustMode string  `json:"trustMode"`
}

type MQTT struct {
	Broker          string        `json:"broker"`
	ClientID        string        `json:"clientId"`
	Username        string        `json:"username"`
	Password        string        `json:"password"`
	ReconnectPeriod time.Duration `json:"reconnectPeriod"`
	ConnectTimeout  time.Duration `json:"connectTimeout"`
}

type WebRTC struct {
	ICEServers         []ICEServer `json:"iceServers"`
	ICETransportPolicy string      `json:"iceTransportPolicy"`
	BundlePolicy       string      `json:"bundlePolicy"`
	RTCPMuxPolicy      string      `json:"rtcpMuxPolicy"`
}

type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

type Topic struct {
	Base      string `json:"base"`
	Room      string `json:"room"`
	Separator string `json:"separator"`
}

// Full returns the joined topic string: base + separator + room.
func (t Topic) Full() string {
	return t.Base + t.Separator + t.Room
}

type History struct {
	Enabled   bool `json:"enabled"`
	MaxLength int  `json:"maxLength"`
}

type Compress struct {
	Enabled   bool   `json:"enabled"`
	Library   string `json:"library"`
	Threshold int    `json:"threshold"`
}

type Tabs struct {
	Enabled      bool          `json:"enabled"`
	PollInterval time.Duration `json:"pollInterval"`
	Timeout      time.Duration `json:"timeout"`
}

type Conn struct {
	AutoConnect           bool          `json:"autoConnect"`
	AutoReconnect         bool          `json:"autoReconnect"`
	MaxReconnectAttempts  int           `json:"maxReconnectAttempts"`
	ReconnectDelay        time.Duration `json:"reconnectDelay"`
	ConnectionTimeout     time.Duration `json:"connectionTimeout"`
	AutoAcceptConnections bool          `json:"autoAcceptConnections"`
}

// Default returns the base record every option bag is deep-merged over.
// Dynamic defaults (a random "User #NNN" name, a page-derived room) are
// applied by the caller before Validate, since they need runtime context
// this package does not have.
func Default() Config {
	return Config{
		MQTT: MQTT{
			Broker:          "wss://broker.emqx.io:8084/mqtt",
			ReconnectPeriod: 4 * time.Second,
			ConnectTimeout:  30 * time.Second,
		},
		WebRTC: WebRTC{
			ICEServers: []ICEServer{
				{URLs: []string{"stun:stun.l.google.com:19302"}},
			},
			ICETransportPolicy: "all",
			BundlePolicy:       "balanced",
			RTCPMuxPolicy:      "require",
		},
		Topic: Topic{
			Base:      "rtchat",
			Room:      "default",
			Separator: "/",
		},
		History: History{
			Enabled:   true,
			MaxLength: 100,
		},
		Compress: Compress{
			Enabled:   true,
			Library:   "lz4",
			Threshold: 1024,
		},
		Tabs: Tabs{
			Enabled:      true,
			PollInterval: 5 * time.Second,
			Timeout:      15 * time.Second,
		},
		Conn: Conn{
			AutoConnect:           true,
			AutoReconnect:         true,
			MaxReconnectAttempts:  0, // 0 = unlimited
			ReconnectDelay:        2 * time.Second,
			ConnectionTimeout:     10 * time.Second,
			AutoAcceptConnections: true,
		},
		TrustMode: "moderate",
	}
}

// Validate checks every invariant named in the configuration contract and
// returns the first violation found, as a plain error.
func (c *Config) Validate() error {
	if _, err := util.ValidateDisplayName(c.Name); c.Name != "" && err != nil {
		return fmt.Errorf("name: %w", err)
	}

	if strings.TrimSpace(c.MQTT.Broker) == "" {
		return errors.New("mqtt.broker is required")
	}
	if err := validateBusURL(c.MQTT.Broker); err != nil {
		return fmt.Errorf("mqtt.broker: %w", err)
	}
	if c.MQTT.ReconnectPeriod <= 0 {
		return errors.New("mqtt.reconnectPeriod must be > 0")
	}
	if c.MQTT.ConnectTimeout <= 0 {
		return errors.New("mqtt.connectTimeout must be > 0")
	}

	if len(c.WebRTC.ICEServers) == 0 {
		return errors.New("webrtc.iceServers must contain at least one STUN/TURN server")
	}
	hasStunOrTurn := false
	for _, s := range c.WebRTC.ICEServers {
		if len(s.URLs) == 0 {
			return errors.New("webrtc.iceServers entry has no urls")
		}
		for _, u := range s.URLs {
			if strings.HasPrefix(u, "stun:") || strings.HasPrefix(u, "turn:") || strings.HasPrefix(u, "turns:") {
				hasStunOrTurn = true
			}
		}
	}
	if !hasStunOrTurn {
		return errors.New("webrtc.iceServers must include at least one stun: or turn: url")
	}
	switch c.WebRTC.ICETransportPolicy {
	case "all", "relay":
	default:
		return errors.New("webrtc.iceTransportPolicy must be 'all' or 'relay'")
	}
	switch c.WebRTC.BundlePolicy {
	case "balanced", "max-compat", "max-bundle":
	default:
		return errors.New("webrtc.bundlePolicy is invalid")
	}
	switch c.WebRTC.RTCPMuxPolicy {
	case "negotiate", "require":
	default:
		return errors.New("webrtc.rtcpMuxPolicy must be 'negotiate' or 'require'")
	}

	if strings.TrimSpace(c.Topic.Base) == "" {
		return errors.New("topic.base is required")
	}
	if strings.TrimSpace(c.Topic.Room) == "" {
		return errors.New("topic.room is required")
	}
	if c.Topic.Separator == "" {
		return errors.New("topic.separator is required")
	}

	if c.History.MaxLength <= 0 {
		return errors.New("history.maxLength must be > 0")
	}

	if c.Compress.Threshold < 0 {
		return errors.New("compression.threshold must be >= 0")
	}

	if c.Tabs.PollInterval <= 0 {
		return errors.New("tabs.pollInterval must be > 0")
	}
	if c.Tabs.Timeout <= 0 {
		return errors.New("tabs.timeout must be > 0")
	}
	if c.Tabs.Timeout <= c.Tabs.PollInterval {
		return errors.New("tabs.timeout must be greater than tabs.pollInterval")
	}

	if c.Conn.MaxReconnectAttempts < 0 {
		return errors.New("connection.maxReconnectAttempts must be >= 0")
	}
	if c.Conn.ReconnectDelay <= 0 {
		return errors.New("connection.reconnectDelay must be > 0")
	}
	if c.Conn.ConnectionTimeout <= 0 {
		return errors.New("connection.connectionTimeout must be > 0")
	}

	return nil
}

func validateBusURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	default:
		return errors.New("scheme must be ws or wss")
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

// Merge deep-merges src over the receiver's defaults: any non-zero field
// set in src overrides the corresponding field in c. A bare top-level
// "topic" string (passed via room) is normalized to Topic{Room: room}, per
// the single-string topic shorthand.
func (c Config) Merge(src Config) Config {
	out := c
	if src.Name != "" {
		out.Name = src.Name
	}
	if src.UserInfo != nil {
		out.UserInfo = src.UserInfo
	}
	if src.MQTT.Broker != "" {
		out.MQTT.Broker = src.MQTT.Broker
	}
	if src.MQTT.ClientID != "" {
		out.MQTT.ClientID = src.MQTT.ClientID
	}
	if src.MQTT.Username != "" {
		out.MQTT.Username = src.MQTT.Username
	}
	if src.MQTT.Password != "" {
		out.MQTT.Password = src.MQTT.Password
	}
	if src.MQTT.ReconnectPeriod != 0 {
		out.MQTT.ReconnectPeriod = src.MQTT.ReconnectPeriod
	}
	if src.MQTT.ConnectTimeout != 0 {
		out.MQTT.ConnectTimeout = src.MQTT.ConnectTimeout
	}
	if len(src.WebRTC.ICEServers) > 0 {
		out.WebRTC.ICEServers = src.WebRTC.ICEServers
	}
	if src.WebRTC.ICETransportPolicy != "" {
		out.WebRTC.ICETransportPolicy = src.WebRTC.ICETransportPolicy
	}
	if src.WebRTC.BundlePolicy != "" {
		out.WebRTC.BundlePolicy = src.WebRTC.BundlePolicy
	}
	if src.WebRTC.RTCPMuxPolicy != "" {
		out.WebRTC.RTCPMuxPolicy = src.WebRTC.RTCPMuxPolicy
	}
	if src.Topic.Base != "" {
		out.Topic.Base = src.Topic.Base
	}
	if src.Topic.Room != "" {
		out.Topic.Room = src.Topic.Room
	}
	if src.Topic.Separator != "" {
		out.Topic.Separator = src.Topic.Separator
	}
	out.History = mergeHistory(out.History, src.History)
	out.Compress = mergeCompress(out.Compress, src.Compress)
	if src.Tabs.PollInterval != 0 {
		out.Tabs.PollInterval = src.Tabs.PollInterval
	}
	if src.Tabs.Timeout != 0 {
		out.Tabs.Timeout = src.Tabs.Timeout
	}
	out.Tabs.Enabled = src.Tabs.Enabled || out.Tabs.Enabled
	out.Conn = mergeConn(out.Conn, src.Conn)
	if src.TrustMode != "" {
		out.TrustMode = src.TrustMode
	}
	out.Debug = out.Debug || src.Debug
	return out
}

func mergeHistory(base, src History) History {
	out := base
	if src.MaxLength != 0 {
		out.MaxLength = src.MaxLength
	}
	return out
}

func mergeCompress(base, src Compress) Compress {
	out := base
	if src.Library != "" {
		out.Library = src.Library
	}
	if src.Threshold != 0 {
		out.Threshold = src.Threshold
	}
	return out
}

func mergeConn(base, src Conn) Conn {
	out := base
	if src.MaxReconnectAttempts != 0 {
		out.MaxReconnectAttempts = src.MaxReconnectAttempts
	}
	if src.ReconnectDelay != 0 {
		out.ReconnectDelay = src.ReconnectDelay
	}
	if src.ConnectionTimeout != 0 {
		out.ConnectionTimeout = src.ConnectionTimeout
	}
	return out
}

// Presets are thin factories over Default: each returns a validated
// Config built by deep-merging a fixed override literal over Default().
func Preset(name string) (Config, error) {
	base := Default()
	var cfg Config
	switch name {
	case "", "default":
		cfg = base
	case "performance":
		cfg = base.Merge(Config{
			Compress: Compress{Enabled: false},
			History:  History{MaxLength: 20},
		})
		cfg.Compress.Enabled = false
	case "privacy":
		cfg = base.Merge(Config{
			TrustMode: "strict",
			Conn:      Conn{AutoAcceptConnections: false},
		})
		cfg.Conn.AutoAcceptConnections = false
	case "development":
		cfg = base.Merge(Config{
			Debug:     true,
			TrustMode: "alwaysprompt",
		})
	case "production":
		cfg = base.Merge(Config{
			TrustMode: "moderateandquiet",
			Debug:     false,
		})
	default:
		return Config{}, fmt.Errorf("config: unknown preset %q", name)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// FromFile reads a JSON-encoded option bag from path and deep-merges it
// over Default(), for host programs that want file-backed configuration.
// This is additive to the option-bag construction path the engine itself
// uses; it is not required by library callers that build Config in code.
func FromFile(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var src Config
	if err := json.Unmarshal(b, &src); err != nil {
		return Config{}, err
	}
	cfg := Default().Merge(src)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Save writes cfg to path as indented JSON, after validating it.
func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return util.WriteJSONFile(path, cfg)
}
