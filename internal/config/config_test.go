package config

import "testing"

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default() failed Validate: %v", err)
	}
}

func TestValidateRejectsMissingBroker(t *testing.T) {
	cfg := Default()
	cfg.MQTT.Broker = ""
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected an error for an empty broker")
	}
}

func TestValidateRejectsNonWebsocketBrokerScheme(t *testing.T) {
	cfg := Default()
	cfg.MQTT.Broker = "http://broker.example.com"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected an error for a non ws/wss broker scheme")
	}
}

func TestValidateRejectsICEServersWithNoStunOrTurn(t *testing.T) {
	cfg := Default()
	cfg.WebRTC.ICEServers = []ICEServer{{URLs: []string{"https://example.com"}}}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected an error when no ice server url has a stun/turn scheme")
	}
}

func TestValidateRejectsZeroHistoryMaxLengthEvenWhenDisabled(t *testing.T) {
	cfg := Default()
	cfg.History.Enabled = false
	cfg.History.MaxLength = 0
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected history.maxLength > 0 to be required regardless of history.enabled")
	}
}

func TestValidateRejectsTabsTimeoutNotGreaterThanPollInterval(t *testing.T) {
	cfg := Default()
	cfg.Tabs.PollInterval = cfg.Tabs.Timeout
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected an error when tabs.timeout <= tabs.pollInterval")
	}
}

func TestTopicFullJoinsBaseSeparatorRoom(t *testing.T) {
	topic := Topic{Base: "rtchat", Room: "lobby", Separator: "/"}
	if got := topic.Full(); got != "rtchat/lobby" {
		t.Fatalf("Topic.Full() = %q, want rtchat/lobby", got)
	}
}

func TestMergeOverridesOnlyNonZeroFields(t *testing.T) {
	base := Default()
	merged := base.Merge(Config{Name: "alice", MQTT: MQTT{Broker: "wss://other.example.com:8084/mqtt"}})

	if merged.Name != "alice" {
		t.Fatalf("merged.Name = %q, want alice", merged.Name)
	}
	if merged.MQTT.Broker != "wss://other.example.com:8084/mqtt" {
		t.Fatalf("merged.MQTT.Broker = %q, want the overridden broker", merged.MQTT.Broker)
	}
	if merged.MQTT.ReconnectPeriod != base.MQTT.ReconnectPeriod {
		t.Fatalf("merged.MQTT.ReconnectPeriod changed despite src leaving it zero")
	}
	if merged.Topic != base.Topic {
		t.Fatalf("merged.Topic changed despite src leaving it zero")
	}
}

func TestMergeHistoryMaxLengthOverride(t *testing.T) {
	base := Default()
	merged := base.Merge(Config{History: History{MaxLength: 5}})
	if merged.History.MaxLength != 5 {
		t.Fatalf("merged.History.MaxLength = %d, want 5", merged.History.MaxLength)
	}
}

func TestPresetUnknownNameErrors(t *testing.T) {
	if _, err := Preset("does-not-exist"); err == nil {
		t.Fatalf("expected an error for an unknown preset name")
	}
}

func TestPresetKnownNamesValidate(t *testing.T) {
	for _, name := range []string{"", "default", "performance", "privacy", "development", "production"} {
		if _, err := Preset(name); err != nil {
			t.Fatalf("Preset(%q) failed to validate: %v", name, err)
		}
	}
}

func TestPresetPrivacyDisablesAutoAccept(t *testing.T) {
	cfg, err := Preset("privacy")
	if err != nil {
		t.Fatalf("Preset(privacy): %v", err)
	}
	if cfg.Conn.AutoAcceptConnections {
		t.Fatalf("privacy preset should disable autoAcceptConnections")
	}
	if cfg.TrustMode != "strict" {
		t.Fatalf("privacy preset trustMode = %q, want strict", cfg.TrustMode)
	}
}
