// Package peer manages one negotiated connection per remote participant.
//
// Negotiation is glare-free by role assignment: when a new participant joins
// a room, only the participants already present create offers — the joiner
// never offers first.  When two sides still manage to offer at once (both
// saw the other's join), the tie breaks on participant id: the greater id
// rolls its offer back and answers.  Offers and answers are created at most
// once per remote; duplicates are silently discarded.  Trickle ICE
// candidates that arrive before the remote description are queued per peer
// and flushed in arrival order the moment the description is set.
package peer

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// NegotiationState tracks where a link is in the offer/answer sequence.
// It only advances forward once per remote.
type NegotiationState int

const (
	StateStable NegotiationState = iota
	StateHaveLocalOffer
	StateHaveRemoteOffer
)

func (s NegotiationState) String() string {
	switch s {
	case StateHaveLocalOffer:
		return "have-local-offer"
	case StateHaveRemoteOffer:
		return "have-remote-offer"
	default:
		return "stable"
	}
}

// pliInterval is how often a keyframe is requested on remote video so late
// joiners don't stare at grey frames until the next natural keyframe.
const pliInterval = 3 * time.Second

// Sender is the sending half of one negotiated local track.
type Sender interface {
	ReplaceTrack(webrtc.TrackLocal) error
	Track() webrtc.TrackLocal
}

// Conn is the peer-connection surface the manager needs.  A
// *webrtc.PeerConnection satisfies it through WrapConn; tests inject fakes.
type Conn interface {
	CreateOffer(*webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	LocalDescription() *webrtc.SessionDescription
	AddICECandidate(webrtc.ICECandidateInit) error
	AddTrack(webrtc.TrackLocal) (Sender, error)
	OnICECandidate(func(*webrtc.ICECandidate))
	OnTrack(func(*webrtc.TrackRemote, *webrtc.RTPReceiver))
	OnConnectionStateChange(func(webrtc.PeerConnectionState))
	ConnectionState() webrtc.PeerConnectionState
	WriteRTCP([]rtcp.Packet) error
	Close() error
}

// pcConn adapts *webrtc.PeerConnection to Conn (AddTrack narrows the
// concrete *RTPSender to the Sender interface).
type pcConn struct{ *webrtc.PeerConnection }

func (c pcConn) AddTrack(t webrtc.TrackLocal) (Sender, error) {
	s, err := c.PeerConnection.AddTrack(t)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// WrapConn adapts a pion PeerConnection for the manager.
func WrapConn(pc *webrtc.PeerConnection) Conn { return pcConn{pc} }

// RemoteStream is a peer's aggregate remote media.  It is rebuilt as a new
// object on every track update, never mutated in place, so consumers can
// detect changes by reference.
type RemoteStream struct {
	PeerID string
	Tracks []*webrtc.TrackRemote
}

// Link is the negotiation state for one remote participant.
type Link struct {
	RemoteID string

	conn      Conn
	state     NegotiationState
	remoteSet bool
	pending   []webrtc.ICECandidateInit // FIFO, flushed after remote description
	tracks    []*webrtc.TrackRemote
	audioSend Sender
	videoSend Sender
	done      chan struct{}
}

// State returns the link's negotiation state.
func (l *Link) State() NegotiationState { return l.state }

// Callbacks connect the manager to the signaling layer and the session.
type Callbacks struct {
	SendOffer     func(remoteID, sdp string)
	SendAnswer    func(remoteID, sdp string)
	SendCandidate func(remoteID string, cand webrtc.ICECandidateInit)

	// OnRemoteStream fires with the rebuilt aggregate stream on every
	// remote track arrival.
	OnRemoteStream func(remoteID string, stream *RemoteStream)

	// OnLinkDown fires when a connection reaches a terminal failure/closed
	// state on its own (not for explicit removal).
	OnLinkDown func(remoteID string)

	// OnConnected fires once per link on transition to connected.
	OnConnected func(remoteID string)
}

// Manager owns the PeerLink set for one call session.
type Manager struct {
	selfID  string
	newConn func() (Conn, error)
	cb      Callbacks

	mu           sync.Mutex
	links        map[string]*Link
	pendingOffer map[string]struct{}
	localAudio   webrtc.TrackLocal
	localVideo   webrtc.TrackLocal
	closed       bool
}

// NewManager creates an empty link set.  selfID is this participant's id,
// used to break offer glare deterministically.
func NewManager(selfID string, newConn func() (Conn, error), cb Callbacks) *Manager {
	return &Manager{
		selfID:       selfID,
		newConn:      newConn,
		cb:           cb,
		links:        make(map[string]*Link),
		pendingOffer: make(map[string]struct{}),
	}
}

// SetLocalTracks records the tracks added to every future link.  Video may
// be nil for audio-only calls.
func (m *Manager) SetLocalTracks(audio, video webrtc.TrackLocal) {
	m.mu.Lock()
	m.localAudio = audio
	m.localVideo = video
	m.mu.Unlock()
}

// link returns the existing link for remoteID or creates one — a PeerLink is
// born on the first signal referencing a new remote id.
func (m *Manager) link(remoteID string) (*Link, error) {
	if l, ok := m.links[remoteID]; ok {
		return l, nil
	}
	if m.closed {
		return nil, errors.New("manager closed")
	}

	conn, err := m.newConn()
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}
	l := &Link{RemoteID: remoteID, conn: conn, done: make(chan struct{})}

	if m.localAudio != nil {
		if s, err := conn.AddTrack(m.localAudio); err != nil {
			log.Printf("PEER [%s]: add audio track: %v", remoteID, err)
		} else {
			l.audioSend = s
		}
	}
	if m.localVideo != nil {
		if s, err := conn.AddTrack(m.localVideo); err != nil {
			log.Printf("PEER [%s]: add video track: %v", remoteID, err)
		} else {
			l.videoSend = s
		}
	}

	conn.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		if m.cb.SendCandidate != nil {
			m.cb.SendCandidate(remoteID, c.ToJSON())
		}
	})

	conn.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		m.addRemoteTrack(l, track)
	})

	conn.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Printf("PEER [%s]: connection state %s", remoteID, s)
		switch s {
		case webrtc.PeerConnectionStateConnected:
			if m.cb.OnConnected != nil {
				m.cb.OnConnected(remoteID)
			}
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			m.linkFailed(remoteID)
		}
	})

	m.links[remoteID] = l
	log.Printf("PEER [%s]: link created", remoteID)
	return l, nil
}

// addRemoteTrack merges an arriving remote track into the peer's aggregate
// stream and starts the keepalive loops for video.
func (m *Manager) addRemoteTrack(l *Link, track *webrtc.TrackRemote) {
	m.mu.Lock()
	l.tracks = append(l.tracks, track)
	stream := &RemoteStream{
		PeerID: l.RemoteID,
		Tracks: append([]*webrtc.TrackRemote(nil), l.tracks...),
	}
	done := l.done
	m.mu.Unlock()

	log.Printf("PEER [%s]: remote %s track %q", l.RemoteID, track.Kind(), track.ID())

	go drainLoop(l.RemoteID, track, done)
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		go m.pliLoop(l.conn, track, done)
	}

	if m.cb.OnRemoteStream != nil {
		m.cb.OnRemoteStream(l.RemoteID, stream)
	}
}

// pliLoop periodically requests keyframes for a remote video track until the
// link goes away.
func (m *Manager) pliLoop(conn Conn, track *webrtc.TrackRemote, done <-chan struct{}) {
	t := time.NewTicker(pliInterval)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C:
			err := conn.WriteRTCP([]rtcp.Packet{
				&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())},
			})
			if err != nil {
				return
			}
		}
	}
}

// drainLoop pulls RTP off a remote track.  Without a reader the receiver's
// interceptor chain stalls and stops emitting receiver reports.
func drainLoop(remoteID string, track *webrtc.TrackRemote, done <-chan struct{}) {
	var first *rtp.Packet
	for {
		select {
		case <-done:
			return
		default:
		}
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		if first == nil {
			first = pkt
			log.Printf("PEER [%s]: receiving %s RTP (ssrc=%d pt=%d)",
				remoteID, track.Kind(), pkt.SSRC, pkt.PayloadType)
		}
	}
}

// HandleJoin reacts to a join from a new participant.  Only sides already
// present in the room call this; the joiner itself waits for offers, which
// is what keeps negotiation glare-free.
func (m *Manager) HandleJoin(remoteID string) error {
	m.mu.Lock()

	l, err := m.link(remoteID)
	if err != nil {
		m.mu.Unlock()
		return err
	}

	// An offer is created at most once per peer: pending-offer set, no
	// existing local description, negotiation still stable.
	if _, dup := m.pendingOffer[remoteID]; dup || l.state != StateStable || l.conn.LocalDescription() != nil {
		m.mu.Unlock()
		log.Printf("PEER [%s]: duplicate join ignored (state=%s)", remoteID, l.state)
		return nil
	}
	m.pendingOffer[remoteID] = struct{}{}

	offer, err := l.conn.CreateOffer(nil)
	if err != nil {
		delete(m.pendingOffer, remoteID)
		m.mu.Unlock()
		return fmt.Errorf("create offer for %s: %w", remoteID, err)
	}
	if err := l.conn.SetLocalDescription(offer); err != nil {
		delete(m.pendingOffer, remoteID)
		m.mu.Unlock()
		return fmt.Errorf("set local offer for %s: %w", remoteID, err)
	}
	l.state = StateHaveLocalOffer
	m.mu.Unlock()

	if m.cb.SendOffer != nil {
		m.cb.SendOffer(remoteID, offer.SDP)
	}
	return nil
}

// HandleOffer applies a remote offer and answers it.  An offer crossing our
// own outstanding offer (glare) is tie-broken on participant id: the greater
// id rolls back and answers, the lower id discards the incoming offer and
// waits for the answer — exactly one side yields.  Offers for a peer that
// already negotiated (remote description present, or state not stable) are
// silently discarded — duplicate offers are protocol noise, not errors.
func (m *Manager) HandleOffer(remoteID, sdp string) error {
	m.mu.Lock()

	l, err := m.link(remoteID)
	if err != nil {
		m.mu.Unlock()
		return err
	}

	if l.state == StateHaveLocalOffer && !l.remoteSet {
		if m.selfID < remoteID {
			m.mu.Unlock()
			log.Printf("PEER [%s]: offer glare, keeping local offer", remoteID)
			return nil
		}
		log.Printf("PEER [%s]: offer glare, yielding local offer", remoteID)
		rollback := webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}
		if err := l.conn.SetLocalDescription(rollback); err != nil {
			m.mu.Unlock()
			return fmt.Errorf("rollback offer for %s: %w", remoteID, err)
		}
		delete(m.pendingOffer, remoteID)
		l.state = StateStable
	}

	if l.remoteSet || l.state != StateStable {
		m.mu.Unlock()
		log.Printf("PEER [%s]: duplicate offer discarded (state=%s)", remoteID, l.state)
		return nil
	}

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}
	if err := l.conn.SetRemoteDescription(offer); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("set remote offer from %s: %w", remoteID, err)
	}
	l.state = StateHaveRemoteOffer
	l.remoteSet = true
	m.flushCandidatesLocked(l)

	answer, err := l.conn.CreateAnswer(nil)
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("create answer for %s: %w", remoteID, err)
	}
	if err := l.conn.SetLocalDescription(answer); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("set local answer for %s: %w", remoteID, err)
	}
	l.state = StateStable
	m.mu.Unlock()

	if m.cb.SendAnswer != nil {
		m.cb.SendAnswer(remoteID, answer.SDP)
	}
	return nil
}

// HandleAnswer completes our outstanding offer.  Answers without a matching
// offer, or after negotiation finished, are silently discarded.
func (m *Manager) HandleAnswer(remoteID, sdp string) error {
	m.mu.Lock()

	l, ok := m.links[remoteID]
	if !ok || l.state != StateHaveLocalOffer || l.remoteSet {
		m.mu.Unlock()
		log.Printf("PEER [%s]: unexpected answer discarded", remoteID)
		return nil
	}

	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}
	if err := l.conn.SetRemoteDescription(answer); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("set remote answer from %s: %w", remoteID, err)
	}
	l.remoteSet = true
	l.state = StateStable
	delete(m.pendingOffer, remoteID)
	m.flushCandidatesLocked(l)
	m.mu.Unlock()
	return nil
}

// HandleCandidate applies a trickle ICE candidate, queueing it if the peer's
// remote description hasn't arrived yet.
func (m *Manager) HandleCandidate(remoteID string, raw json.RawMessage) error {
	var cand webrtc.ICECandidateInit
	if err := json.Unmarshal(raw, &cand); err != nil {
		return fmt.Errorf("decode candidate from %s: %w", remoteID, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	l, err := m.link(remoteID)
	if err != nil {
		return err
	}
	if !l.remoteSet {
		l.pending = append(l.pending, cand)
		return nil
	}
	if err := l.conn.AddICECandidate(cand); err != nil {
		return fmt.Errorf("add candidate from %s: %w", remoteID, err)
	}
	return nil
}

// flushCandidatesLocked applies the queued candidates strictly in arrival
// order.  Caller holds m.mu and has just set the remote description.
func (m *Manager) flushCandidatesLocked(l *Link) {
	for _, cand := range l.pending {
		if err := l.conn.AddICECandidate(cand); err != nil {
			log.Printf("PEER [%s]: flush candidate: %v", l.RemoteID, err)
		}
	}
	l.pending = nil
}

// linkFailed handles a terminal connection state.  The link is removed and
// the session notified — unless it was already removed by an explicit leave,
// in which case this is a no-op (leave and terminal state must not
// double-trigger teardown).
func (m *Manager) linkFailed(remoteID string) {
	m.mu.Lock()
	l, ok := m.links[remoteID]
	if ok {
		m.removeLocked(l)
	}
	m.mu.Unlock()
	if ok && m.cb.OnLinkDown != nil {
		m.cb.OnLinkDown(remoteID)
	}
}

// Remove closes and drops the link for remoteID (explicit leave path).
func (m *Manager) Remove(remoteID string) {
	m.mu.Lock()
	l, ok := m.links[remoteID]
	if ok {
		m.removeLocked(l)
	}
	m.mu.Unlock()
}

func (m *Manager) removeLocked(l *Link) {
	delete(m.links, l.RemoteID)
	delete(m.pendingOffer, l.RemoteID)
	l.pending = nil
	close(l.done)
	if err := l.conn.Close(); err != nil {
		log.Printf("PEER [%s]: close: %v", l.RemoteID, err)
	}
	log.Printf("PEER [%s]: link removed", l.RemoteID)
}

// ReplaceVideoTrack hot-swaps the outgoing video on every live link without
// renegotiation.  Audio senders are untouched.
func (m *Manager) ReplaceVideoTrack(t webrtc.TrackLocal) error {
	m.mu.Lock()
	m.localVideo = t
	var firstErr error
	for _, l := range m.links {
		if l.videoSend == nil {
			continue
		}
		if err := l.videoSend.ReplaceTrack(t); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("replace video for %s: %w", l.RemoteID, err)
		}
	}
	m.mu.Unlock()
	return firstErr
}

// Len returns the number of live links.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.links)
}

// Peers returns the remote ids with live links.
func (m *Manager) Peers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.links))
	for id := range m.links {
		out = append(out, id)
	}
	return out
}

// AnyHealthy reports whether at least one link is connected or still
// negotiating — the activity monitor's liveness probe.
func (m *Manager) AnyHealthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.links {
		switch l.conn.ConnectionState() {
		case webrtc.PeerConnectionStateConnected,
			webrtc.PeerConnectionStateConnecting,
			webrtc.PeerConnectionStateNew:
			return true
		}
	}
	return false
}

// CloseAll releases every link.  Idempotent.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	links := m.links
	m.links = make(map[string]*Link)
	m.pendingOffer = make(map[string]struct{})
	m.mu.Unlock()

	for _, l := range links {
		close(l.done)
		_ = l.conn.Close()
	}
}
