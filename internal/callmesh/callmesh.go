// Package callmesh is the call manager: it owns per-peer call state,
// grows and shrinks the group-call mesh as peers join and leave an
// active call, and polls WebRTC stats for connected calls. It never
// touches signaling directly — calls out to a CallConn for media session
// lifecycle and expects the presence layer to tell it who is connected.
package callmesh

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// Phase is a per-peer call's lifecycle state.
type Phase string

const (
	PhaseInactive  Phase = "inactive"
	PhaseDialing   Phase = "dialing"
	PhaseIncoming  Phase = "incoming"
	PhaseActive    Phase = "active"
)

// MediaType selects what a call captures.
type MediaType string

const (
	MediaAudio MediaType = "audio"
	MediaVideo MediaType = "video"
)

// Metrics is a cached reading of a peer's media session quality.
type Metrics struct {
	RTTMs             float64
	PacketLossPercent float64
	JitterMs          float64
}

// CallState is the state record kept for each peer the call manager
// currently has a call with; the record is deleted when that call ends,
// times out or is declined. Derivation functions answer the questions the
// UI asks instead of a pile of booleans drifting out of sync.
type CallState struct {
	Peer      string
	Phase     Phase
	Type      MediaType
	StartedAt time.Time
	Metrics   Metrics
}

func (s CallState) ActiveAudio() bool { return s.Phase == PhaseActive && s.Type == MediaAudio }
func (s CallState) ActiveVideo() bool { return s.Phase == PhaseActive && s.Type == MediaVideo }
func (s CallState) Pending() bool     { return s.Phase == PhaseDialing || s.Phase == PhaseIncoming }

// CallConn is the narrow contract the call manager needs from a
// peerconn.Conn: starting/ending the media session and polling its
// stats, without depending on the peerconn package's WebRTC types.
type CallConn interface {
	StartCall() error
	EndCall() error
	CollectMetrics(ctx context.Context) (Metrics, bool)
}

// PromptHandler surfaces an incoming call decision to the application
// when auto-accept does not apply.
type PromptHandler func(peer string, mediaType MediaType) bool

// Config bundles a Manager's dependencies and event hooks.
type Config struct {
	LocalName  string
	CallTimeout time.Duration // default 15s
	StatsPollInterval time.Duration

	Conns          func() map[string]CallConn
	PresenceNames  func() []string // every peer currently known via presence
	OnPrompt       PromptHandler

	OnCallConnected func(peer string, mediaType MediaType)
	OnCallEnded     func(peer string)
	OnCallTimeout   func(peer string, direction string) // "incoming" | "outgoing"
	OnMetricsUpdate func(peer string, metrics Metrics)
}

// Manager is the call mesh invariant: full connectivity among every
// member of an active group call.
type Manager struct {
	localName   string
	callTimeout time.Duration
	pollEvery   time.Duration

	conns         func() map[string]CallConn
	presenceNames func() []string
	onPrompt      PromptHandler

	onCallConnected func(peer string, mediaType MediaType)
	onCallEnded     func(peer string)
	onCallTimeout   func(peer string, direction string)
	onMetricsUpdate func(peer string, metrics Metrics)

	mu    sync.Mutex
	calls map[string]*CallState

	pendingIncoming map[string]bool
	outgoingDialing map[string]bool
	timers          map[string]*time.Timer

	mesh     map[string]bool
	meshType MediaType

	stopPolling chan struct{}
	pollOnce    sync.Once
}

// New constructs a call mesh Manager.
func New(cfg Config) *Manager {
	callTimeout := cfg.CallTimeout
	if callTimeout <= 0 {
		callTimeout = 15 * time.Second
	}
	pollEvery := cfg.StatsPollInterval
	if pollEvery <= 0 {
		pollEvery = 3 * time.Second
	}
	return &Manager{
		localName:       cfg.LocalName,
		callTimeout:     callTimeout,
		pollEvery:       pollEvery,
		conns:           cfg.Conns,
		presenceNames:   cfg.PresenceNames,
		onPrompt:        cfg.OnPrompt,
		onCallConnected: cfg.OnCallConnected,
		onCallEnded:     cfg.OnCallEnded,
		onCallTimeout:   cfg.OnCallTimeout,
		onMetricsUpdate: cfg.OnMetricsUpdate,
		calls:           make(map[string]*CallState),
		pendingIncoming: make(map[string]bool),
		outgoingDialing: make(map[string]bool),
		timers:          make(map[string]*time.Timer),
		mesh:            make(map[string]bool),
		stopPolling:     make(chan struct{}),
	}
}

// State returns peer's call state snapshot, if any.
func (m *Manager) State(peer string) (CallState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.calls[peer]
	if !ok {
		return CallState{}, false
	}
	return *s, true
}

// MeshSnapshot returns the current set of mesh members.
func (m *Manager) MeshSnapshot() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.mesh))
	for p := range m.mesh {
		out = append(out, p)
	}
	return out
}

func (m *Manager) connFor(peer string) (CallConn, bool) {
	conns := m.conns()
	c, ok := conns[peer]
	return c, ok
}

// CallUser initiates an outbound call of mediaType to peer.
func (m *Manager) CallUser(peer string, mediaType MediaType) error {
	conn, ok := m.connFor(peer)
	if !ok {
		return errPeerNotConnected(peer)
	}

	m.mu.Lock()
	if s, exists := m.calls[peer]; exists && (s.Phase == PhaseActive || s.Phase == PhaseDialing) {
		m.mu.Unlock()
		return nil
	}
	m.outgoingDialing[peer] = true
	m.calls[peer] = &CallState{Peer: peer, Phase: PhaseDialing, Type: mediaType}
	m.mu.Unlock()

	m.armTimeout(peer, "outgoing")

	if err := conn.StartCall(); err != nil {
		m.clearTimeout(peer)
		m.mu.Lock()
		delete(m.outgoingDialing, peer)
		delete(m.calls, peer)
		m.mu.Unlock()
		return err
	}
	return nil
}

// HandleIncomingOffer is invoked when a peer's media session signals a
// streamoffer. mediaType is taken as given from the caller; the offer's
// SDP is not inspected.
func (m *Manager) HandleIncomingOffer(peer string, mediaType MediaType) {
	m.mu.Lock()
	meshNonEmpty := len(m.mesh) > 0
	anyActive := m.anyActiveLocked()
	m.pendingIncoming[peer] = true
	m.mu.Unlock()

	autoAccept := meshNonEmpty || anyActive
	accept := autoAccept
	if !autoAccept && m.onPrompt != nil {
		accept = m.onPrompt(peer, mediaType)
	}

	m.mu.Lock()
	delete(m.pendingIncoming, peer)
	if !accept {
		delete(m.calls, peer)
		m.mu.Unlock()
		if conn, ok := m.connFor(peer); ok {
			_ = conn.EndCall()
		}
		return
	}
	m.calls[peer] = &CallState{Peer: peer, Phase: PhaseIncoming, Type: mediaType}
	m.mu.Unlock()

	m.armTimeout(peer, "incoming")
}

func (m *Manager) anyActiveLocked() bool {
	for _, s := range m.calls {
		if s.Phase == PhaseActive {
			return true
		}
	}
	return false
}

// CallConnected is invoked once a peer's media session resolves its
// call-connected deferred (first remote track observed).
func (m *Manager) CallConnected(peer string) {
	m.clearTimeout(peer)

	m.mu.Lock()
	s, ok := m.calls[peer]
	if !ok {
		s = &CallState{Peer: peer}
		m.calls[peer] = s
	}
	s.Phase = PhaseActive
	s.StartedAt = time.Now()
	mediaType := s.Type
	delete(m.outgoingDialing, peer)
	delete(m.pendingIncoming, peer)
	m.mu.Unlock()

	if m.onCallConnected != nil {
		m.onCallConnected(peer, mediaType)
	}

	m.growMesh(peer, mediaType)
	m.startPollingOnce()
}

// growMesh implements the mesh-growth rule: either expand an existing
// mesh to include peer and fan out missing calls, or — if this is the
// second simultaneous active call / second room user — seed a brand
// new mesh.
func (m *Manager) growMesh(peer string, mediaType MediaType) {
	m.mu.Lock()
	if len(m.mesh) > 0 {
		m.mesh[peer] = true
		others := m.missingMeshPeersLocked(peer)
		meshType := m.meshType
		m.mu.Unlock()
		for _, other := range others {
			m.dialMeshPeer(other, meshType)
		}
		return
	}

	activeCount := 0
	for _, s := range m.calls {
		if s.Phase == PhaseActive {
			activeCount++
		}
	}
	roomUsers := 0
	if m.presenceNames != nil {
		roomUsers = len(m.presenceNames())
	}
	if activeCount < 2 && roomUsers < 2 {
		m.mu.Unlock()
		return
	}

	m.mesh[m.localName] = true
	for p, s := range m.calls {
		if s.Phase == PhaseActive {
			m.mesh[p] = true
		}
	}
	if m.presenceNames != nil {
		for _, p := range m.presenceNames() {
			m.mesh[p] = true
		}
	}
	m.meshType = mediaType
	others := m.missingMeshPeersLocked("")
	meshType := m.meshType
	m.mu.Unlock()

	for _, other := range others {
		m.dialMeshPeer(other, meshType)
	}
}

// missingMeshPeersLocked returns mesh members (other than local and
// justJoined, the peer that just joined, which is excluded from re-dialing
// itself) with no active or in-flight call. Caller holds m.mu.
func (m *Manager) missingMeshPeersLocked(justJoined string) []string {
	var out []string
	for p := range m.mesh {
		if p == m.localName || p == justJoined {
			continue
		}
		if m.outgoingDialing[p] || m.pendingIncoming[p] {
			continue
		}
		if s, ok := m.calls[p]; ok && s.Phase == PhaseActive {
			continue
		}
		delete(m.pendingIncoming, p)
		delete(m.outgoingDialing, p)
		out = append(out, p)
	}
	return out
}

func (m *Manager) dialMeshPeer(peer string, mediaType MediaType) {
	if err := m.CallUser(peer, mediaType); err != nil {
		log.Printf("callmesh: mesh dial to %s failed: %v", peer, err)
	}
}

// EndCallWithUser ends the call with peer. Calling it twice is a no-op
// the second time: at most one callended fires per call.
func (m *Manager) EndCallWithUser(peer string) {
	m.clearTimeout(peer)

	m.mu.Lock()
	s, ok := m.calls[peer]
	if !ok || s.Phase == PhaseInactive {
		m.mu.Unlock()
		return
	}
	wasActive := s.Phase == PhaseActive
	delete(m.calls, peer)
	delete(m.outgoingDialing, peer)
	delete(m.pendingIncoming, peer)
	m.shrinkMeshLocked(peer)
	m.mu.Unlock()

	if conn, ok := m.connFor(peer); ok {
		_ = conn.EndCall()
	}
	if wasActive && m.onCallEnded != nil {
		m.onCallEnded(peer)
	}
}

// shrinkMeshLocked removes peer from the mesh; if the mesh shrinks to
// one member or fewer it is cleared entirely. Caller holds m.mu.
func (m *Manager) shrinkMeshLocked(peer string) {
	if len(m.mesh) == 0 {
		return
	}
	delete(m.mesh, peer)
	if len(m.mesh) <= 1 {
		m.mesh = make(map[string]bool)
		m.meshType = ""
	}
}

// HandlePeerDisconnected is called when the presence layer tears down a
// peer connection entirely (not just call end); it has the same
// mesh-shrink effect as ending the call.
func (m *Manager) HandlePeerDisconnected(peer string) {
	m.EndCallWithUser(peer)
}

func (m *Manager) armTimeout(peer, direction string) {
	m.mu.Lock()
	if t, exists := m.timers[peer]; exists {
		t.Stop()
	}
	m.timers[peer] = time.AfterFunc(m.callTimeout, func() {
		m.handleTimeout(peer, direction)
	})
	m.mu.Unlock()
}

func (m *Manager) clearTimeout(peer string) {
	m.mu.Lock()
	if t, exists := m.timers[peer]; exists {
		t.Stop()
		delete(m.timers, peer)
	}
	m.mu.Unlock()
}

func (m *Manager) handleTimeout(peer, direction string) {
	m.mu.Lock()
	s, ok := m.calls[peer]
	if !ok || s.Phase == PhaseActive {
		m.mu.Unlock()
		return
	}
	delete(m.calls, peer)
	delete(m.outgoingDialing, peer)
	delete(m.pendingIncoming, peer)
	meshSeeded := len(m.mesh) > 0
	m.shrinkMeshLocked(peer)
	m.mu.Unlock()

	if conn, ok := m.connFor(peer); ok {
		_ = conn.EndCall()
	}

	// Mesh-initiated outbound attempts that time out stay silent; only
	// direct calls surface a calltimeout notification.
	if !meshSeeded && m.onCallTimeout != nil {
		m.onCallTimeout(peer, direction)
	}
}

// startPollingOnce launches the stats-polling loop the first time any
// call becomes active.
func (m *Manager) startPollingOnce() {
	m.pollOnce.Do(func() {
		go m.pollLoop()
	})
}

func (m *Manager) pollLoop() {
	ticker := time.NewTicker(m.pollEvery)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopPolling:
			return
		case <-ticker.C:
			m.pollTick()
		}
	}
}

func (m *Manager) pollTick() {
	m.mu.Lock()
	active := make([]string, 0, len(m.calls))
	for p, s := range m.calls {
		if s.Phase == PhaseActive {
			active = append(active, p)
		}
	}
	m.mu.Unlock()
	if len(active) == 0 {
		return
	}

	for _, peer := range active {
		conn, ok := m.connFor(peer)
		if !ok {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		metrics, ok := conn.CollectMetrics(ctx)
		cancel()
		if !ok {
			continue
		}
		m.mu.Lock()
		if s, exists := m.calls[peer]; exists {
			s.Metrics = metrics
		}
		m.mu.Unlock()
		if m.onMetricsUpdate != nil {
			m.onMetricsUpdate(peer, metrics)
		}
	}
}

// Close stops stats polling and all pending timeouts.
func (m *Manager) Close() {
	select {
	case <-m.stopPolling:
	default:
		close(m.stopPolling)
	}
	m.mu.Lock()
	for _, t := range m.timers {
		t.Stop()
	}
	m.timers = make(map[string]*time.Timer)
	m.mu.Unlock()
}

func errPeerNotConnected(peer string) error {
	return fmt.Errorf("callmesh: no connection to %s", peer)
}
