package peer

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	mu       sync.Mutex
	track    webrtc.TrackLocal
	replaced int
}

func (s *fakeSender) ReplaceTrack(t webrtc.TrackLocal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.track = t
	s.replaced++
	return nil
}

func (s *fakeSender) Track() webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

type fakeConn struct {
	mu          sync.Mutex
	local       *webrtc.SessionDescription
	remote      *webrtc.SessionDescription
	candidates  []webrtc.ICECandidateInit
	offers      int
	answers     int
	closed      bool
	state       webrtc.PeerConnectionState
	onState     func(webrtc.PeerConnectionState)
	onTrack     func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
	onCandidate func(*webrtc.ICECandidate)
}

func newFakeConn() *fakeConn {
	return &fakeConn{state: webrtc.PeerConnectionStateNew}
}

func (c *fakeConn) CreateOffer(*webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("offer-%d", c.offers)}, nil
}

func (c *fakeConn) CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.answers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: fmt.Sprintf("answer-%d", c.answers)}, nil
}

func (c *fakeConn) SetLocalDescription(d webrtc.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.local = &d
	return nil
}

func (c *fakeConn) SetRemoteDescription(d webrtc.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remote = &d
	return nil
}

func (c *fakeConn) LocalDescription() *webrtc.SessionDescription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.local
}

func (c *fakeConn) AddICECandidate(cand webrtc.ICECandidateInit) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.candidates = append(c.candidates, cand)
	return nil
}

func (c *fakeConn) AddTrack(t webrtc.TrackLocal) (Sender, error) {
	return &fakeSender{track: t}, nil
}

func (c *fakeConn) OnICECandidate(f func(*webrtc.ICECandidate)) { c.onCandidate = f }

func (c *fakeConn) OnTrack(f func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) { c.onTrack = f }

func (c *fakeConn) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) { c.onState = f }

func (c *fakeConn) ConnectionState() webrtc.PeerConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *fakeConn) WriteRTCP([]rtcp.Packet) error { return nil }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// setState simulates a pion state transition including the callback.
func (c *fakeConn) setState(s webrtc.PeerConnectionState) {
	c.mu.Lock()
	c.state = s
	f := c.onState
	c.mu.Unlock()
	if f != nil {
		f(s)
	}
}

// harness wires a manager over fake connections and records outbound signals.
type harness struct {
	m     *Manager
	conns map[string]*fakeConn
	order []*fakeConn

	mu      sync.Mutex
	offers  []string
	answers []string
	downs   []string
}

func newHarness() *harness {
	h := &harness{conns: map[string]*fakeConn{}}
	h.m = NewManager(
		"self",
		func() (Conn, error) {
			c := newFakeConn()
			h.order = append(h.order, c)
			return c, nil
		},
		Callbacks{
			SendOffer: func(remoteID, _ string) {
				h.mu.Lock()
				h.offers = append(h.offers, remoteID)
				h.mu.Unlock()
			},
			SendAnswer: func(remoteID, _ string) {
				h.mu.Lock()
				h.answers = append(h.answers, remoteID)
				h.mu.Unlock()
			},
			OnLinkDown: func(remoteID string) {
				h.mu.Lock()
				h.downs = append(h.downs, remoteID)
				h.mu.Unlock()
			},
		},
	)
	return h
}

// conn returns the fake behind the most recently created link.
func (h *harness) conn() *fakeConn { return h.order[len(h.order)-1] }

func candJSON(t *testing.T, s string) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(webrtc.ICECandidateInit{Candidate: s})
	require.NoError(t, err)
	return b
}

func TestJoinCreatesExactlyOneOffer(t *testing.T) {
	h := newHarness()

	require.NoError(t, h.m.HandleJoin("bob"))
	require.NoError(t, h.m.HandleJoin("bob"))
	require.NoError(t, h.m.HandleJoin("bob"))

	assert.Equal(t, 1, h.conn().offers, "repeated joins must not re-offer")
	assert.Equal(t, []string{"bob"}, h.offers)
	assert.Equal(t, 1, h.m.Len())
}

func TestOfferAnswered(t *testing.T) {
	h := newHarness()

	require.NoError(t, h.m.HandleOffer("alice", "sdp-a"))

	c := h.conn()
	assert.Equal(t, 1, c.answers)
	assert.Equal(t, []string{"alice"}, h.answers)
	require.NotNil(t, c.remote)
	assert.Equal(t, "sdp-a", c.remote.SDP)
}

func TestDuplicateOfferDiscarded(t *testing.T) {
	h := newHarness()

	require.NoError(t, h.m.HandleOffer("alice", "sdp-1"))
	require.NoError(t, h.m.HandleOffer("alice", "sdp-2"))

	c := h.conn()
	assert.Equal(t, 1, c.answers)
	assert.Equal(t, "sdp-1", c.remote.SDP, "second offer must not overwrite the first")
}

func TestAnswerWithoutOfferDiscarded(t *testing.T) {
	h := newHarness()

	require.NoError(t, h.m.HandleAnswer("ghost", "sdp"))
	assert.Zero(t, h.m.Len(), "stray answer must not create a link")
}

func TestCandidatesQueuedUntilRemoteDescription(t *testing.T) {
	h := newHarness()

	require.NoError(t, h.m.HandleCandidate("alice", candJSON(t, "c1")))
	require.NoError(t, h.m.HandleCandidate("alice", candJSON(t, "c2")))
	require.NoError(t, h.m.HandleCandidate("alice", candJSON(t, "c3")))

	c := h.conn()
	assert.Empty(t, c.candidates, "candidates must not reach the connection before the remote description")

	require.NoError(t, h.m.HandleOffer("alice", "sdp"))

	require.Len(t, c.candidates, 3)
	assert.Equal(t, "c1", c.candidates[0].Candidate)
	assert.Equal(t, "c2", c.candidates[1].Candidate)
	assert.Equal(t, "c3", c.candidates[2].Candidate)

	// After the flush, new candidates apply immediately.
	require.NoError(t, h.m.HandleCandidate("alice", candJSON(t, "c4")))
	require.Len(t, c.candidates, 4)
	assert.Equal(t, "c4", c.candidates[3].Candidate)
}

func TestAnswerFlushesQueue(t *testing.T) {
	h := newHarness()

	require.NoError(t, h.m.HandleJoin("bob"))
	require.NoError(t, h.m.HandleCandidate("bob", candJSON(t, "q1")))
	require.NoError(t, h.m.HandleCandidate("bob", candJSON(t, "q2")))

	c := h.conn()
	assert.Empty(t, c.candidates)

	require.NoError(t, h.m.HandleAnswer("bob", "answer-sdp"))
	require.Len(t, c.candidates, 2)
	assert.Equal(t, "q1", c.candidates[0].Candidate)
	assert.Equal(t, "q2", c.candidates[1].Candidate)
}

func TestRemoveDiscardsQueuedCandidates(t *testing.T) {
	h := newHarness()

	require.NoError(t, h.m.HandleCandidate("alice", candJSON(t, "c1")))
	h.m.Remove("alice")
	assert.Zero(t, h.m.Len())
	assert.True(t, h.conn().closed)

	// A fresh link for the same id starts with an empty queue.
	require.NoError(t, h.m.HandleOffer("alice", "sdp"))
	assert.Empty(t, h.conn().candidates)
}

func TestTerminalStateRemovesLink(t *testing.T) {
	h := newHarness()

	require.NoError(t, h.m.HandleJoin("bob"))
	c := h.conn()
	c.setState(webrtc.PeerConnectionStateFailed)

	assert.Zero(t, h.m.Len())
	assert.True(t, c.closed)
	assert.Equal(t, []string{"bob"}, h.downs)
}

func TestTerminalStateAfterExplicitRemoveIsSilent(t *testing.T) {
	h := newHarness()

	require.NoError(t, h.m.HandleJoin("bob"))
	c := h.conn()
	h.m.Remove("bob")
	c.setState(webrtc.PeerConnectionStateClosed)

	assert.Empty(t, h.downs, "explicit leave and terminal state must not double-notify")
}

func TestReplaceVideoTrackAcrossLinks(t *testing.T) {
	h := newHarness()

	audio := newFakeLocalTrack("a0", webrtc.RTPCodecTypeAudio)
	video := newFakeLocalTrack("v0", webrtc.RTPCodecTypeVideo)
	h.m.SetLocalTracks(audio, video)

	require.NoError(t, h.m.HandleJoin("bob"))
	require.NoError(t, h.m.HandleOffer("carol", "sdp"))
	require.Equal(t, 2, h.m.Len())

	swapped := newFakeLocalTrack("v1", webrtc.RTPCodecTypeVideo)
	require.NoError(t, h.m.ReplaceVideoTrack(swapped))

	h.m.mu.Lock()
	for id, l := range h.m.links {
		s := l.videoSend.(*fakeSender)
		assert.Equal(t, "v1", s.Track().(*fakeLocalTrack).id, "link %s", id)
		a := l.audioSend.(*fakeSender)
		assert.Equal(t, "a0", a.Track().(*fakeLocalTrack).id, "audio must be untouched")
	}
	h.m.mu.Unlock()
}

func TestAnyHealthy(t *testing.T) {
	h := newHarness()

	assert.False(t, h.m.AnyHealthy(), "empty link set is not healthy")

	require.NoError(t, h.m.HandleJoin("bob"))
	assert.True(t, h.m.AnyHealthy(), "new link counts as negotiating")

	h.conn().setState(webrtc.PeerConnectionStateFailed)
	assert.False(t, h.m.AnyHealthy())
}

func TestCloseAllIdempotent(t *testing.T) {
	h := newHarness()

	require.NoError(t, h.m.HandleJoin("bob"))
	require.NoError(t, h.m.HandleJoin("carol"))

	h.m.CloseAll()
	h.m.CloseAll()

	assert.Zero(t, h.m.Len())
	for _, c := range h.order {
		assert.True(t, c.closed)
	}

	err := h.m.HandleJoin("dave")
	assert.Error(t, err, "closed manager must not build new links")
}

// glareSide is one participant in a symmetric-join scenario, with its
// outbound signals captured.
type glareSide struct {
	m         *Manager
	conn      func() *fakeConn
	offerSDP  string
	answerSDP string
}

func newGlareSide(selfID string) *glareSide {
	s := &glareSide{}
	var conn *fakeConn
	s.m = NewManager(
		selfID,
		func() (Conn, error) {
			conn = newFakeConn()
			return conn, nil
		},
		Callbacks{
			SendOffer:  func(_, sdp string) { s.offerSDP = sdp },
			SendAnswer: func(_, sdp string) { s.answerSDP = sdp },
		},
	)
	s.conn = func() *fakeConn { return conn }
	return s
}

func TestSimultaneousOffersConverge(t *testing.T) {
	// Both sides see each other's join at the same moment and both offer.
	alice := newGlareSide("alice")
	bob := newGlareSide("bob")

	require.NoError(t, alice.m.HandleJoin("bob"))
	require.NoError(t, bob.m.HandleJoin("alice"))
	require.NotEmpty(t, alice.offerSDP)
	require.NotEmpty(t, bob.offerSDP)

	// The offers cross on the wire.  Exactly one side yields: bob has the
	// greater id, so he rolls back and answers; alice keeps her offer.
	require.NoError(t, alice.m.HandleOffer("bob", bob.offerSDP))
	require.NoError(t, bob.m.HandleOffer("alice", alice.offerSDP))

	assert.Empty(t, alice.answerSDP, "the keeping side must not answer")
	require.NotEmpty(t, bob.answerSDP, "the yielding side must answer")
	require.NotNil(t, bob.conn().remote)
	assert.Equal(t, alice.offerSDP, bob.conn().remote.SDP)

	// Bob's answer completes alice's offer and both links land stable.
	require.NoError(t, alice.m.HandleAnswer("bob", bob.answerSDP))
	require.NotNil(t, alice.conn().remote)
	assert.Equal(t, bob.answerSDP, alice.conn().remote.SDP)
	assert.Equal(t, StateStable, alice.m.links["bob"].state)
	assert.Equal(t, StateStable, bob.m.links["alice"].state)
}

func TestGlareYieldDoesNotReoffer(t *testing.T) {
	bob := newGlareSide("bob")

	require.NoError(t, bob.m.HandleJoin("alice"))
	require.NoError(t, bob.m.HandleOffer("alice", "offer-from-alice"))
	require.NotEmpty(t, bob.answerSDP)

	// A stray duplicate join after yielding must not start a new offer.
	offers := bob.conn().offers
	require.NoError(t, bob.m.HandleJoin("alice"))
	assert.Equal(t, offers, bob.conn().offers)
}

// fakeLocalTrack is the minimal webrtc.TrackLocal for sender bookkeeping.
type fakeLocalTrack struct {
	id   string
	kind webrtc.RTPCodecType
}

func newFakeLocalTrack(id string, kind webrtc.RTPCodecType) *fakeLocalTrack {
	return &fakeLocalTrack{id: id, kind: kind}
}

func (t *fakeLocalTrack) Bind(webrtc.TrackLocalContext) (webrtc.RTPCodecParameters, error) {
	return webrtc.RTPCodecParameters{}, nil
}
func (t *fakeLocalTrack) Unbind(webrtc.TrackLocalContext) error { return nil }
func (t *fakeLocalTrack) ID() string                            { return t.id }
func (t *fakeLocalTrack) RID() string                           { return "" }
func (t *fakeLocalTrack) StreamID() string                      { return t.id }
func (t *fakeLocalTrack) Kind() webrtc.RTPCodecType             { return t.kind }
