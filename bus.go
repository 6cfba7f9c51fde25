package meshcore

import (
	"encoding/json"
	"log"

	"github.com/pion/webrtc/v4"

	"github.com/rtchat/meshcore/internal/presence"
	"github.com/rtchat/meshcore/internal/signaling"
)

// offerEnvelope is the data shape of an RTCOffer envelope: the offering
// peer's announced user-info alongside the session description and its
// target.
type offerEnvelope struct {
	UserInfo any                  `json:"userInfo"`
	Offer    presence.OfferPayload `json:"offer"`
}

// nameChangePayload is the data shape of a nameChange envelope.
type nameChangePayload struct {
	OldName string `json:"oldName"`
	NewName string `json:"newName"`
}

// handleEnvelope is installed as the signaling bus's message handler. It
// emits the raw MQTTMessage event for every envelope, then demuxes by
// subtopic into the presence state machine.
func (c *Client) handleEnvelope(topic string, env signaling.Envelope) {
	ev := MQTTMessageEvent{Subtopic: env.Subtopic, Data: env.Data, Sender: env.Sender, Timestamp: env.Timestamp}
	c.MQTTMessage.Emit(env.Sender, ev)
	c.MQTTMessage.Emit(anyKey, ev)

	switch env.Subtopic {
	case "connect":
		var userInfo any
		if err := json.Unmarshal(env.Data, &userInfo); err != nil {
			logIgnoredUnmarshal("connect", err)
			return
		}
		c.presence.HandleConnect(env.Sender, userInfo)

	case "unload":
		c.presence.HandleUnload(env.Sender)

	case "nameChange":
		var payload nameChangePayload
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			logIgnoredUnmarshal("nameChange", err)
			return
		}
		c.presence.HandleNameChange(env.Sender, payload.OldName, payload.NewName)
		c.NameChange.Emit(anyKey, NameChangeEvent{OldName: payload.OldName, NewName: payload.NewName})

	case "RTCOffer":
		var payload offerEnvelope
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			logIgnoredUnmarshal("RTCOffer", err)
			return
		}
		c.presence.HandleRTCOffer(env.Sender, payload.UserInfo, payload.Offer)

	case "RTCAnswer":
		var payload presence.AnswerPayload
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			logIgnoredUnmarshal("RTCAnswer", err)
			return
		}
		c.presence.HandleRTCAnswer(env.Sender, payload)

	case "RTCIceCandidate":
		var candidate webrtc.ICECandidateInit
		if err := json.Unmarshal(env.Data, &candidate); err != nil {
			logIgnoredUnmarshal("RTCIceCandidate", err)
			return
		}
		c.presence.HandleRTCIceCandidate(env.Sender, candidate)
	}
}

// announceUserInfo merges the caller-supplied UserInfo with the local
// identity's public key, so peers can classify this client before the
// data-channel handshake even begins.
func (c *Client) announceUserInfo() any {
	pub, err := c.identity.PublicKeyString()
	if err != nil {
		log.Printf("meshcore: export public key for announcement: %v", err)
		return c.cfg.UserInfo
	}

	merged := map[string]any{"publicKeyString": pub}
	if m, ok := c.cfg.UserInfo.(map[string]any); ok {
		for k, v := range m {
			merged[k] = v
		}
	} else if c.cfg.UserInfo != nil {
		merged["userInfo"] = c.cfg.UserInfo
	}
	return merged
}
