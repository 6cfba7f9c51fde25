package peerconn

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/webrtc/v4"

	"github.com/rtchat/meshcore/internal/callmesh"
)

// mediaSignal is the shape carried over the in-band streamoffer/
// streamanswer/streamice data channels — these never traverse the bus.
type mediaSignal struct {
	SDP       string                     `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
}

// StartCall lazily creates the media session and sends an offer over the
// streamoffer data channel.
func (c *Conn) StartCall() error {
	if err := c.ensureMediaPC(); err != nil {
		return err
	}
	offer, err := c.mediaPC.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("peerconn: create media offer: %w", err)
	}
	if err := c.mediaPC.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("peerconn: set media local description: %w", err)
	}
	return c.sendMediaSignal("streamoffer", mediaSignal{SDP: offer.SDP})
}

// EndCall sends an endcall control message and tears down the media
// session without affecting the data session.
func (c *Conn) EndCall() error {
	c.mu.Lock()
	mediaPC := c.mediaPC
	c.mediaPC = nil
	c.mediaRemoteSet = false
	c.mediaPendingICE = nil
	c.mu.Unlock()

	if mediaPC == nil {
		return nil
	}
	_ = c.Send("endcall", []byte("{}"))
	return mediaPC.Close()
}

func (c *Conn) ensureMediaPC() error {
	c.mu.Lock()
	if c.mediaPC != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return fmt.Errorf("peerconn: vp8 params: %w", err)
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return fmt.Errorf("peerconn: opus params: %w", err)
	}

	codecSelector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	mediaEngine := &webrtc.MediaEngine{}
	codecSelector.Populate(mediaEngine)

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return fmt.Errorf("peerconn: register interceptors: %w", err)
	}

	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine), webrtc.WithInterceptorRegistry(registry))
	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers:         c.iceServers,
		ICETransportPolicy: c.iceTransportPolicy,
		BundlePolicy:       c.bundlePolicy,
		RTCPMuxPolicy:      c.rtcpMuxPolicy,
	})
	if err != nil {
		return fmt.Errorf("peerconn: create media pc: %w", err)
	}

	c.mu.Lock()
	c.mediaPC = pc
	c.mu.Unlock()

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		init := cand.ToJSON()
		if err := c.sendMediaSignal("streamice", mediaSignal{Candidate: &init}); err != nil {
			log.Printf("peerconn [%s]: send media ice failed: %v", c.PeerName, err)
		}
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Printf("peerconn [%s]: media session state -> %s", c.PeerName, state)
		if state == webrtc.PeerConnectionStateDisconnected ||
			state == webrtc.PeerConnectionStateFailed ||
			state == webrtc.PeerConnectionStateClosed {
			if c.onTeardown != nil {
				c.onTeardown(c.PeerName)
			}
		}
	})

	var trackOnce sync.Once
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Printf("peerconn [%s]: remote track kind=%s", c.PeerName, track.Kind())
		trackOnce.Do(func() {
			if c.onCallConnected != nil {
				c.onCallConnected(c.PeerName)
			}
		})
	})

	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Video: func(_ *mediadevices.MediaTrackConstraints) {},
		Audio: func(_ *mediadevices.MediaTrackConstraints) {},
		Codec: codecSelector,
	})
	if err != nil {
		log.Printf("peerconn [%s]: GetUserMedia failed, proceeding recv-only: %v", c.PeerName, err)
		if _, terr := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); terr != nil {
			return fmt.Errorf("peerconn: add video transceiver: %w", terr)
		}
		if _, terr := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); terr != nil {
			return fmt.Errorf("peerconn: add audio transceiver: %w", terr)
		}
		return nil
	}

	for _, track := range stream.GetTracks() {
		if _, err := pc.AddTrack(track); err != nil {
			log.Printf("peerconn [%s]: add track failed: %v", c.PeerName, err)
		}
	}
	return nil
}

func (c *Conn) sendMediaSignal(channel string, sig mediaSignal) error {
	b, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("peerconn: marshal media signal: %w", err)
	}
	return c.Send(channel, b)
}

// handleMediaSignal dispatches an in-band streamoffer/streamanswer/
// streamice/endcall message arriving on the data session.
func (c *Conn) handleMediaSignal(channel string, payload []byte) {
	if channel == "endcall" {
		c.mu.Lock()
		mediaPC := c.mediaPC
		c.mediaPC = nil
		c.mu.Unlock()
		if mediaPC != nil {
			_ = mediaPC.Close()
		}
		return
	}

	var sig mediaSignal
	if err := json.Unmarshal(payload, &sig); err != nil {
		log.Printf("peerconn [%s]: malformed media signal on %s: %v", c.PeerName, channel, err)
		return
	}

	switch channel {
	case "streamoffer":
		if c.onIncomingCall != nil && !c.onIncomingCall(c.PeerName) {
			_ = c.Send("endcall", []byte("{}"))
			return
		}
		if err := c.ensureMediaPC(); err != nil {
			log.Printf("peerconn [%s]: ensure media pc: %v", c.PeerName, err)
			return
		}
		if err := c.mediaPC.SetRemoteDescription(webrtc.SessionDescription{
			Type: webrtc.SDPTypeOffer, SDP: sig.SDP,
		}); err != nil {
			log.Printf("peerconn [%s]: set media remote offer: %v", c.PeerName, err)
			return
		}
		c.flushMediaPendingICE()

		answer, err := c.mediaPC.CreateAnswer(nil)
		if err != nil {
			log.Printf("peerconn [%s]: create media answer: %v", c.PeerName, err)
			return
		}
		if err := c.mediaPC.SetLocalDescription(answer); err != nil {
			log.Printf("peerconn [%s]: set media local answer: %v", c.PeerName, err)
			return
		}
		if err := c.sendMediaSignal("streamanswer", mediaSignal{SDP: answer.SDP}); err != nil {
			log.Printf("peerconn [%s]: send media answer: %v", c.PeerName, err)
		}

	case "streamanswer":
		c.mu.Lock()
		mediaPC := c.mediaPC
		c.mu.Unlock()
		if mediaPC == nil {
			return
		}
		if err := mediaPC.SetRemoteDescription(webrtc.SessionDescription{
			Type: webrtc.SDPTypeAnswer, SDP: sig.SDP,
		}); err != nil {
			log.Printf("peerconn [%s]: set media remote answer: %v", c.PeerName, err)
			return
		}
		c.flushMediaPendingICE()

	case "streamice":
		if sig.Candidate == nil {
			return
		}
		c.addMediaICECandidate(*sig.Candidate)
	}
}

func (c *Conn) addMediaICECandidate(cand webrtc.ICECandidateInit) {
	c.mu.Lock()
	if !c.mediaRemoteSet || c.mediaPC == nil {
		c.mediaPendingICE = append(c.mediaPendingICE, cand)
		c.mu.Unlock()
		return
	}
	pc := c.mediaPC
	c.mu.Unlock()
	if err := pc.AddICECandidate(cand); err != nil {
		log.Printf("peerconn [%s]: add media ice candidate: %v", c.PeerName, err)
	}
}

func (c *Conn) flushMediaPendingICE() {
	c.mu.Lock()
	c.mediaRemoteSet = true
	pending := c.mediaPendingICE
	c.mediaPendingICE = nil
	pc := c.mediaPC
	c.mu.Unlock()

	if pc == nil {
		return
	}
	for _, cand := range pending {
		if err := pc.AddICECandidate(cand); err != nil {
			log.Printf("peerconn [%s]: add buffered media ice candidate: %v", c.PeerName, err)
		}
	}
}

// CollectMetrics reads the media session's WebRTC stats report and
// derives {rttMs, packetLossPercent, jitterMs}. It returns false if
// there is no active media session to read from.
func (c *Conn) CollectMetrics(ctx context.Context) (callmesh.Metrics, bool) {
	c.mu.Lock()
	pc := c.mediaPC
	c.mu.Unlock()
	if pc == nil {
		return callmesh.Metrics{}, false
	}

	report := pc.GetStats()

	var metrics callmesh.Metrics
	var gotRTT, gotLoss, gotJitter bool

	for _, s := range report {
		switch stat := s.(type) {
		case webrtc.ICECandidatePairStats:
			if stat.State == webrtc.StatsICECandidatePairStateSucceeded && stat.Nominated {
				metrics.RTTMs = stat.CurrentRoundTripTime * 1000
				gotRTT = true
			}
		case webrtc.RemoteInboundRTPStreamStats:
			metrics.JitterMs = stat.Jitter * 1000
			gotJitter = true
			if stat.RoundTripTime > 0 {
				metrics.RTTMs = stat.RoundTripTime * 1000
				gotRTT = true
			}
		case webrtc.InboundRTPStreamStats:
			if stat.PacketsReceived+uint64(stat.PacketsLost) > 0 {
				total := float64(stat.PacketsReceived) + float64(stat.PacketsLost)
				metrics.PacketLossPercent = float64(stat.PacketsLost) / total * 100
				gotLoss = true
			}
		}
	}

	select {
	case <-ctx.Done():
		return callmesh.Metrics{}, false
	default:
	}

	return metrics, gotRTT || gotLoss || gotJitter
}
