package meshcore

import (
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/rtchat/meshcore/internal/config"
	"github.com/rtchat/meshcore/internal/storage"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	cfg := config.Default()
	cfg.Tabs.Enabled = false
	c, err := New(cfg, storage.NewMemoryStore())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestNewConstructsAClientWithoutConnecting(t *testing.T) {
	c := newTestClient(t)
	if c.name == "" {
		t.Fatalf("expected a non-empty display name")
	}
	if c.loaded {
		t.Fatalf("New must not mark the client loaded before Load is called")
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.MQTT.Broker = ""
	if _, err := New(cfg, storage.NewMemoryStore()); err == nil {
		t.Fatalf("expected New to reject an invalid config")
	}
}

func TestNewAssignsTabSuffixWhenTabsEnabled(t *testing.T) {
	cfg := config.Default()
	cfg.Name = "alice"
	cfg.Tabs.Enabled = true
	c, err := New(cfg, storage.NewMemoryStore())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		if c.tabs != nil {
			_ = c.tabs.Close()
		}
	})
	if c.name == c.baseName {
		t.Fatalf("expected the public name to carry a tab suffix, got %q", c.name)
	}
}

func TestGetPeerUnknownReturnsFalse(t *testing.T) {
	c := newTestClient(t)
	if _, ok := c.GetPeer("ghost"); ok {
		t.Fatalf("GetPeer for an unknown peer should report ok=false")
	}
}

func TestExtractClaimedKeyFromAnnouncedUserInfo(t *testing.T) {
	userInfo := map[string]any{"publicKeyString": "abc123", "displayColor": "blue"}
	if got := extractClaimedKey(userInfo); got != "abc123" {
		t.Fatalf("extractClaimedKey = %q, want abc123", got)
	}
}

func TestExtractClaimedKeyMissingOrWrongShapeReturnsEmpty(t *testing.T) {
	if got := extractClaimedKey(nil); got != "" {
		t.Fatalf("extractClaimedKey(nil) = %q, want empty", got)
	}
	if got := extractClaimedKey("not-a-map"); got != "" {
		t.Fatalf("extractClaimedKey(non-map) = %q, want empty", got)
	}
	if got := extractClaimedKey(map[string]any{"other": "field"}); got != "" {
		t.Fatalf("extractClaimedKey(no key field) = %q, want empty", got)
	}
}

func TestAnnounceUserInfoMergesPublicKeyIntoConfiguredUserInfo(t *testing.T) {
	cfg := config.Default()
	cfg.Tabs.Enabled = false
	cfg.UserInfo = map[string]any{"color": "red"}
	c, err := New(cfg, storage.NewMemoryStore())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	announced := c.announceUserInfo()
	m, ok := announced.(map[string]any)
	if !ok {
		t.Fatalf("announceUserInfo() = %T, want map[string]any", announced)
	}
	if m["color"] != "red" {
		t.Fatalf("expected configured userInfo fields to be preserved, got %v", m)
	}
	if _, ok := m["publicKeyString"]; !ok {
		t.Fatalf("expected announceUserInfo to add a publicKeyString field")
	}
}

func TestToICETransportPolicyDefaultsToAll(t *testing.T) {
	if toICETransportPolicy("relay") != webrtc.ICETransportPolicyRelay {
		t.Fatalf("expected relay to map to ICETransportPolicyRelay")
	}
	if toICETransportPolicy("bogus") != webrtc.ICETransportPolicyAll {
		t.Fatalf("expected an unrecognized policy to default to ICETransportPolicyAll")
	}
}

func TestToBundlePolicyMapsKnownValues(t *testing.T) {
	cases := map[string]webrtc.BundlePolicy{
		"max-compat": webrtc.BundlePolicyMaxCompat,
		"max-bundle": webrtc.BundlePolicyMaxBundle,
		"balanced":   webrtc.BundlePolicyBalanced,
		"unknown":    webrtc.BundlePolicyBalanced,
	}
	for in, want := range cases {
		if got := toBundlePolicy(in); got != want {
			t.Errorf("toBundlePolicy(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestToRTCPMuxPolicyMapsKnownValues(t *testing.T) {
	if toRTCPMuxPolicy("negotiate") != webrtc.RTCPMuxPolicyNegotiate {
		t.Fatalf("expected negotiate to map to RTCPMuxPolicyNegotiate")
	}
	if toRTCPMuxPolicy("require") != webrtc.RTCPMuxPolicyRequire {
		t.Fatalf("expected require to map to RTCPMuxPolicyRequire")
	}
}

func TestHasHealthyPeerFalseWithNoConnections(t *testing.T) {
	c := newTestClient(t)
	if c.hasHealthyPeer() {
		t.Fatalf("expected hasHealthyPeer to be false with no peer connections")
	}
}
