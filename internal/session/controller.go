// Package session owns the call lifecycle: one state machine per participant
// moving through idle → calling → active and back, driving media capture,
// peer negotiation and topic signaling.
//
// Concurrency model: a single event loop.  Signaling messages, negotiation
// callbacks and timer ticks are all serialized onto one goroutine through a
// command channel; everything the controller owns is mutated only there.
// Media acquisition is the one blocking call and it completes on the caller's
// goroutine before any session state is published.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/looplab/fsm"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/callkit/internal/compositor"
	"github.com/petervdpas/callkit/internal/media"
	"github.com/petervdpas/callkit/internal/peer"
	"github.com/petervdpas/callkit/internal/proto"
	"github.com/petervdpas/callkit/internal/signal"
	"github.com/petervdpas/callkit/internal/util"
)

const (
	StateIdle    = "idle"
	StateCalling = "calling"
	StateActive  = "active"

	// DefaultRingTimeout bounds how long an outbound 1:1 call rings before
	// it gives up with ErrTimeout.
	DefaultRingTimeout = 30 * time.Second
)

// Pipeline is the slice of media.Pipeline the controller drives.
type Pipeline interface {
	Acquire(ctx context.Context, t proto.CallType) error
	Outgoing() media.TrackSet
	SetProfile(prof compositor.Profile, seg compositor.Segmenter) (media.LocalTrack, error)
	SetMicEnabled(on bool)
	SetCameraEnabled(on bool)
	Alive() bool
	Close()
}

// PeerSet is the slice of peer.Manager the controller drives.
type PeerSet interface {
	SetLocalTracks(audio, video webrtc.TrackLocal)
	HandleJoin(remoteID string) error
	HandleOffer(remoteID, sdp string) error
	HandleAnswer(remoteID, sdp string) error
	HandleCandidate(remoteID string, raw json.RawMessage) error
	Remove(remoteID string)
	ReplaceVideoTrack(t webrtc.TrackLocal) error
	Len() int
	AnyHealthy() bool
	CloseAll()
}

// Hooks surface session events to the embedding application.  All hooks are
// optional and invoked off the event loop.
type Hooks struct {
	OnState        func(from, to string)
	OnEnded        func(reason error) // nil reason = ended locally
	OnRemoteStream func(peerID string, stream *peer.RemoteStream)
	OnConnected    func(peerID string)
}

// Config wires a controller to its collaborators.
type Config struct {
	SelfID    string
	Identity  proto.Identity
	Transport signal.Transport

	// NewPipeline and NewPeers build the per-call media pipeline and link
	// set.  Production wires media.Pipeline and peer.Manager; tests inject
	// fakes.
	NewPipeline func() Pipeline
	NewPeers    func(cb peer.Callbacks) PeerSet

	RingTimeout time.Duration // 0 = DefaultRingTimeout
	HealthGrace time.Duration // monitor grace after Active; 0 = default
	HealthTick  time.Duration // monitor check interval; 0 = default
	Hooks       Hooks
}

// StartOptions describe an outbound call.
type StartOptions struct {
	// RoomID names the signaling room.  Empty for a 1:1 call, where the
	// room key is derived from the two participant ids.
	RoomID string

	CallType proto.CallType

	// NotifyTarget, when set, rings that peer on its notification topic
	// and arms the ring timer.
	NotifyTarget string

	// Group sessions continue when a participant leaves; 1:1 sessions end.
	Group bool
}

type transitionKey struct {
	state   string
	msgType string
}

// Controller is the call session state machine.  One per local participant;
// at most one live session at a time.
type Controller struct {
	cfg   Config
	fsm   *fsm.FSM
	table map[transitionKey]func(*proto.Envelope)

	cmds chan func()
	done chan struct{}

	// Everything below is owned by the event loop.
	gen       uint64
	reserved  bool
	roomID    string
	callType  proto.CallType
	isGroup   bool
	expected  string // 1:1 remote id, "" for group rooms
	pipeline  Pipeline
	peers     PeerSet
	sub       signal.Subscription
	ringTimer *time.Timer
	monitor   *Monitor
	left      map[string]struct{} // leave/link-down dedup by sender id
}

// New builds an idle controller and starts its event loop.
func New(cfg Config) *Controller {
	if cfg.RingTimeout <= 0 {
		cfg.RingTimeout = DefaultRingTimeout
	}

	c := &Controller{
		cfg:  cfg,
		cmds: make(chan func(), 128),
		done: make(chan struct{}),
	}

	c.fsm = fsm.NewFSM(
		StateIdle,
		fsm.Events{
			{Name: "dial", Src: []string{StateIdle}, Dst: StateCalling},
			{Name: "accept", Src: []string{StateIdle}, Dst: StateActive},
			{Name: "activate", Src: []string{StateCalling}, Dst: StateActive},
			{Name: "hangup", Src: []string{StateCalling, StateActive}, Dst: StateIdle},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				log.Printf("SESSION [%s]: %s -> %s", cfg.SelfID, e.Src, e.Dst)
				if h := cfg.Hooks.OnState; h != nil {
					go h(e.Src, e.Dst)
				}
			},
		},
	)

	// Transition table: (state, envelope type) → handler.  Combinations
	// not listed are logged and dropped.
	c.table = map[transitionKey]func(*proto.Envelope){
		{StateCalling, proto.TypeJoin}:      c.onCallingJoin,
		{StateCalling, proto.TypeOffer}:     c.onCallingOffer,
		{StateCalling, proto.TypeCandidate}: c.onCandidate,
		{StateCalling, proto.TypeRejected}:  c.onRejected,
		{StateCalling, proto.TypeLeave}:     c.onLeave,
		{StateActive, proto.TypeJoin}:       c.onJoin,
		{StateActive, proto.TypeOffer}:      c.onOffer,
		{StateActive, proto.TypeAnswer}:     c.onAnswer,
		{StateActive, proto.TypeCandidate}:  c.onCandidate,
		{StateActive, proto.TypeLeave}:      c.onLeave,
	}

	go c.loop()
	return c
}

func (c *Controller) loop() {
	for {
		select {
		case <-c.done:
			return
		case fn := <-c.cmds:
			fn()
		}
	}
}

// post schedules fn on the event loop.
func (c *Controller) post(fn func()) {
	select {
	case c.cmds <- fn:
	case <-c.done:
	}
}

// postGen schedules fn but drops it if the session it was armed for is gone.
// Every timer and async callback goes through this.
func (c *Controller) postGen(gen uint64, fn func()) {
	c.post(func() {
		if gen != c.gen {
			return
		}
		fn()
	})
}

// postWait runs fn on the event loop and returns its result.
func (c *Controller) postWait(fn func() error) error {
	errCh := make(chan error, 1)
	select {
	case c.cmds <- func() { errCh <- fn() }:
	case <-c.done:
		return errors.New("controller closed")
	}
	select {
	case err := <-errCh:
		return err
	case <-c.done:
		return errors.New("controller closed")
	}
}

// State returns the current session state.
func (c *Controller) State() string { return c.fsm.Current() }

// Start places an outbound call.  Media is acquired synchronously, before
// any signaling is published — if acquisition fails the session never
// existed and nothing was announced.
func (c *Controller) Start(ctx context.Context, opts StartOptions) error {
	if opts.CallType == "" {
		opts.CallType = proto.CallVideo
	}
	roomID := opts.RoomID
	if roomID == "" {
		if opts.NotifyTarget == "" {
			return errors.New("start needs a room id or a notify target")
		}
		roomID = proto.PairRoomID(c.cfg.SelfID, opts.NotifyTarget)
	}

	if err := c.reserve(); err != nil {
		return err
	}

	pipeline := c.cfg.NewPipeline()
	if err := pipeline.Acquire(ctx, opts.CallType); err != nil {
		c.unreserve()
		return err
	}

	return c.postWait(func() error {
		if err := c.begin(pipeline, roomID, opts.CallType, opts.Group, opts.NotifyTarget); err != nil {
			return err
		}
		if err := c.fsm.Event(context.Background(), "dial"); err != nil {
			c.teardown(fmt.Errorf("%w: %v", ErrNegotiationFailure, err))
			return err
		}
		c.armRingTimer()
		if opts.NotifyTarget != "" {
			c.notifyTarget(opts.NotifyTarget, roomID, opts.CallType)
		}
		return nil
	})
}

// Accept answers an inbound call: same media precondition as Start, no
// notification, straight to Active.
func (c *Controller) Accept(ctx context.Context, roomID string, callType proto.CallType, caller string) error {
	if callType == "" {
		callType = proto.CallVideo
	}
	if err := c.reserve(); err != nil {
		return err
	}

	pipeline := c.cfg.NewPipeline()
	if err := pipeline.Acquire(ctx, callType); err != nil {
		c.unreserve()
		return err
	}

	return c.postWait(func() error {
		if err := c.begin(pipeline, roomID, callType, false, caller); err != nil {
			return err
		}
		if err := c.fsm.Event(context.Background(), "accept"); err != nil {
			c.teardown(fmt.Errorf("%w: %v", ErrNegotiationFailure, err))
			return err
		}
		c.startMonitor()
		return nil
	})
}

func (c *Controller) reserve() error {
	return c.postWait(func() error {
		if c.reserved || c.fsm.Current() != StateIdle {
			return ErrBusy
		}
		c.reserved = true
		return nil
	})
}

func (c *Controller) unreserve() {
	c.post(func() { c.reserved = false })
}

// begin wires the per-session state: peer set, room subscription, join
// announcement.  Runs on the event loop with the reservation held.
func (c *Controller) begin(pipeline Pipeline, roomID string, t proto.CallType, group bool, expected string) error {
	c.gen++
	gen := c.gen
	c.roomID = roomID
	c.callType = t
	c.isGroup = group
	c.expected = expected
	c.pipeline = pipeline
	c.left = make(map[string]struct{})

	c.peers = c.cfg.NewPeers(peer.Callbacks{
		SendOffer: func(remoteID, sdp string) {
			c.publish(&proto.Envelope{Type: proto.TypeOffer, TargetID: remoteID, SDP: sdp})
		},
		SendAnswer: func(remoteID, sdp string) {
			c.publish(&proto.Envelope{Type: proto.TypeAnswer, TargetID: remoteID, SDP: sdp})
		},
		SendCandidate: func(remoteID string, cand webrtc.ICECandidateInit) {
			raw, err := json.Marshal(cand)
			if err != nil {
				return
			}
			c.publish(&proto.Envelope{Type: proto.TypeCandidate, TargetID: remoteID, Candidate: raw})
		},
		OnRemoteStream: func(remoteID string, stream *peer.RemoteStream) {
			if h := c.cfg.Hooks.OnRemoteStream; h != nil {
				h(remoteID, stream)
			}
		},
		OnConnected: func(remoteID string) {
			if h := c.cfg.Hooks.OnConnected; h != nil {
				h(remoteID)
			}
		},
		OnLinkDown: func(remoteID string) {
			c.postGen(gen, func() {
				c.peerGone(remoteID, fmt.Errorf("%w: connection to %s lost", ErrNegotiationFailure, remoteID))
			})
		},
	})

	out := pipeline.Outgoing()
	var audio, video webrtc.TrackLocal
	if out.Audio != nil {
		audio = out.Audio
	}
	if out.Video != nil {
		video = out.Video
	}
	c.peers.SetLocalTracks(audio, video)

	sub, err := c.cfg.Transport.Subscribe(proto.RoomTopic(roomID))
	if err != nil {
		c.teardownResources()
		return fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
	}
	c.sub = sub

	go func(ch <-chan signal.Message) {
		for msg := range ch {
			data := msg.Data
			c.postGen(gen, func() { c.handleEnvelope(data) })
		}
	}(sub.C())

	// Announce ourselves.  Participants already in the room react to this
	// join with their offers; we never offer first.
	c.publish(&proto.Envelope{Type: proto.TypeJoin, Identity: c.identity()})
	return nil
}

func (c *Controller) identity() *proto.Identity {
	if c.cfg.Identity == (proto.Identity{}) {
		return nil
	}
	id := c.cfg.Identity
	return &id
}

// publish sends an envelope on the current room topic, stamping the sender.
func (c *Controller) publish(env *proto.Envelope) {
	env.SenderID = c.cfg.SelfID
	data, err := env.Marshal()
	if err != nil {
		log.Printf("SESSION [%s]: marshal %s: %v", c.cfg.SelfID, env.Type, err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultPublishTimeout)
	defer cancel()
	if err := c.cfg.Transport.Publish(ctx, proto.RoomTopic(c.roomID), data); err != nil {
		log.Printf("SESSION [%s]: publish %s: %v", c.cfg.SelfID, env.Type, err)
	}
}

// notifyTarget rings a peer on its notification topic.
func (c *Controller) notifyTarget(target, roomID string, t proto.CallType) {
	payload := proto.IncomingCallPayload{
		Type:     proto.TypeIncomingCall,
		Caller:   c.cfg.SelfID,
		RoomID:   roomID,
		CallType: t,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultPublishTimeout)
	defer cancel()
	if err := c.cfg.Transport.Publish(ctx, proto.NotifyTopic(target), data); err != nil {
		log.Printf("SESSION [%s]: notify %s: %v", c.cfg.SelfID, target, err)
	}
}

func (c *Controller) armRingTimer() {
	gen := c.gen
	c.ringTimer = time.AfterFunc(c.cfg.RingTimeout, func() {
		c.postGen(gen, func() {
			if c.fsm.Current() != StateCalling {
				return
			}
			log.Printf("SESSION [%s]: ring timeout after %s", c.cfg.SelfID, c.cfg.RingTimeout)
			c.teardown(ErrTimeout)
		})
	})
}

func (c *Controller) startMonitor() {
	gen := c.gen
	// The closure holds the session's own pipeline and link set rather than
	// the controller fields: teardown nils those off this goroutine, and a
	// tick may still be in flight after Stop.  Both probes lock internally
	// and report dead after close, so the captured values stay safe.
	pipeline, peers := c.pipeline, c.peers
	c.monitor = NewMonitor(MonitorConfig{
		Grace:    c.cfg.HealthGrace,
		Interval: c.cfg.HealthTick,
		Check: func() error {
			if !pipeline.Alive() {
				return fmt.Errorf("%w: local media stopped", ErrDeviceUnavailable)
			}
			if !peers.AnyHealthy() {
				return fmt.Errorf("%w: no live peer connection", ErrNegotiationFailure)
			}
			return nil
		},
		OnDead: func(reason error) {
			c.postGen(gen, func() { c.teardown(reason) })
		},
	})
	c.monitor.Start()
}

// handleEnvelope dispatches one room-topic message through the transition
// table.  Runs on the event loop.
func (c *Controller) handleEnvelope(data []byte) {
	env, err := proto.ParseEnvelope(data)
	if err != nil {
		log.Printf("SESSION [%s]: bad envelope: %v", c.cfg.SelfID, err)
		return
	}
	if env.SenderID == c.cfg.SelfID {
		return // own broadcast echo
	}
	if env.TargetID != "" && env.TargetID != c.cfg.SelfID {
		return // addressed to someone else
	}

	fn, ok := c.table[transitionKey{c.fsm.Current(), env.Type}]
	if !ok {
		log.Printf("SESSION [%s]: dropped %q in state %s", c.cfg.SelfID, env.Type, c.fsm.Current())
		return
	}
	fn(env)
}

// onCallingJoin is the callee picking up: ring timer off, session active.
func (c *Controller) onCallingJoin(env *proto.Envelope) {
	if c.expected != "" && env.SenderID != c.expected {
		log.Printf("SESSION [%s]: join from unexpected %s ignored", c.cfg.SelfID, env.SenderID)
		return
	}
	c.activate()
	c.onJoin(env)
}

// onCallingOffer covers joining an ongoing group room: an existing
// participant's offer is our first peer progress.
func (c *Controller) onCallingOffer(env *proto.Envelope) {
	c.activate()
	c.onOffer(env)
}

func (c *Controller) activate() {
	if c.ringTimer != nil {
		c.ringTimer.Stop()
		c.ringTimer = nil
	}
	if err := c.fsm.Event(context.Background(), "activate"); err != nil {
		log.Printf("SESSION [%s]: activate: %v", c.cfg.SelfID, err)
		return
	}
	c.startMonitor()
}

func (c *Controller) onJoin(env *proto.Envelope) {
	// A departed peer rejoining starts a fresh departure cycle.
	delete(c.left, env.SenderID)
	if err := c.peers.HandleJoin(env.SenderID); err != nil {
		log.Printf("SESSION [%s]: offer to %s: %v", c.cfg.SelfID, env.SenderID, err)
	}
}

func (c *Controller) onOffer(env *proto.Envelope) {
	if err := c.peers.HandleOffer(env.SenderID, env.SDP); err != nil {
		log.Printf("SESSION [%s]: answer to %s: %v", c.cfg.SelfID, env.SenderID, err)
	}
}

func (c *Controller) onAnswer(env *proto.Envelope) {
	if err := c.peers.HandleAnswer(env.SenderID, env.SDP); err != nil {
		log.Printf("SESSION [%s]: answer from %s: %v", c.cfg.SelfID, env.SenderID, err)
	}
}

func (c *Controller) onCandidate(env *proto.Envelope) {
	if err := c.peers.HandleCandidate(env.SenderID, env.Candidate); err != nil {
		log.Printf("SESSION [%s]: candidate from %s: %v", c.cfg.SelfID, env.SenderID, err)
	}
}

func (c *Controller) onRejected(env *proto.Envelope) {
	name := env.SenderID
	if env.Identity != nil && env.Identity.Name != "" {
		name = env.Identity.Name
	}
	c.teardown(fmt.Errorf("%w: declined by %s", ErrPeerRejected, name))
}

func (c *Controller) onLeave(env *proto.Envelope) {
	c.peerGone(env.SenderID, ErrRemoteEnded)
}

// peerGone handles both an explicit leave and a terminal connection state,
// deduplicated by sender id so the pair never double-triggers teardown.
// The reason distinguishes the two for the 1:1 teardown message.
func (c *Controller) peerGone(id string, reason error) {
	if _, dup := c.left[id]; dup {
		return
	}
	c.left[id] = struct{}{}
	c.peers.Remove(id)

	if !c.isGroup {
		c.teardown(reason)
		return
	}
	log.Printf("SESSION [%s]: %s left, %d peer(s) remain", c.cfg.SelfID, id, c.peers.Len())
}

// SetMicEnabled toggles the microphone on the live session.
func (c *Controller) SetMicEnabled(on bool) error {
	return c.postWait(func() error {
		if c.pipeline == nil {
			return errors.New("no session")
		}
		c.pipeline.SetMicEnabled(on)
		return nil
	})
}

// SetCameraEnabled toggles the camera on the live session.
func (c *Controller) SetCameraEnabled(on bool) error {
	return c.postWait(func() error {
		if c.pipeline == nil {
			return errors.New("no session")
		}
		c.pipeline.SetCameraEnabled(on)
		return nil
	})
}

// SetBackground switches the background treatment mid-call and hot-swaps the
// resulting video track onto every live link.  The compositor spin-up blocks,
// so it runs on the caller's goroutine; the swap is fenced by generation so a
// call that ended mid-switch is left alone.
func (c *Controller) SetBackground(prof compositor.Profile, seg compositor.Segmenter) error {
	var (
		pipeline Pipeline
		gen      uint64
	)
	err := c.postWait(func() error {
		if c.fsm.Current() != StateActive {
			return errors.New("no active call")
		}
		pipeline = c.pipeline
		gen = c.gen
		return nil
	})
	if err != nil {
		return err
	}

	track, err := pipeline.SetProfile(prof, seg)
	if err != nil {
		return err
	}

	return c.postWait(func() error {
		if gen != c.gen {
			return errors.New("call ended during profile switch")
		}
		return c.peers.ReplaceVideoTrack(track)
	})
}

// End hangs up the live session.  Calling it with no session is a no-op.
func (c *Controller) End() {
	_ = c.postWait(func() error {
		c.teardown(nil)
		return nil
	})
}

// teardown is the single exit path for every way a session can die: local
// hangup, rejection, timeout, remote leave, health failure.  Idempotent —
// a second invocation finds the machine idle and returns.  Runs on the loop.
func (c *Controller) teardown(reason error) {
	if c.fsm.Current() == StateIdle && !c.reserved {
		return
	}

	// Best-effort goodbye with a bounded wait, before the subscription and
	// links go away.
	if c.sub != nil {
		env := &proto.Envelope{Type: proto.TypeLeave, SenderID: c.cfg.SelfID}
		if data, err := env.Marshal(); err == nil {
			ctx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
			_ = c.cfg.Transport.Publish(ctx, proto.RoomTopic(c.roomID), data)
			cancel()
		}
	}

	c.teardownResources()

	if c.fsm.Current() != StateIdle {
		if err := c.fsm.Event(context.Background(), "hangup"); err != nil {
			log.Printf("SESSION [%s]: hangup: %v", c.cfg.SelfID, err)
		}
	}

	if reason != nil {
		log.Printf("SESSION [%s]: ended: %v", c.cfg.SelfID, reason)
	} else {
		log.Printf("SESSION [%s]: ended locally", c.cfg.SelfID)
	}
	if h := c.cfg.Hooks.OnEnded; h != nil {
		go h(reason)
	}
}

// teardownResources releases everything the session owns and invalidates the
// generation so in-flight timers and callbacks become no-ops.
func (c *Controller) teardownResources() {
	c.gen++
	c.reserved = false

	if c.ringTimer != nil {
		c.ringTimer.Stop()
		c.ringTimer = nil
	}
	if c.monitor != nil {
		c.monitor.Stop()
		c.monitor = nil
	}
	if c.sub != nil {
		c.sub.Cancel()
		c.sub = nil
	}
	if c.peers != nil {
		c.peers.CloseAll()
		c.peers = nil
	}
	if c.pipeline != nil {
		c.pipeline.Close()
		c.pipeline = nil
	}
	c.roomID = ""
	c.expected = ""
	c.left = nil
}

// Close ends any live session and stops the event loop.
func (c *Controller) Close() {
	c.End()
	select {
	case <-c.done:
	default:
		close(c.done)
	}
}
