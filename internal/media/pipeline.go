// Package media owns local capture for a call: the raw track set, the
// processed track set produced by the background compositor, and the
// mic/camera enablement flags.  The processed video track fully replaces
// what peers receive; the raw audio track always passes through by
// reference, never recomposited.
package media

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log"
	"sync"
	"time"

	"github.com/pion/mediadevices/pkg/io/video"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/callkit/internal/compositor"
	"github.com/petervdpas/callkit/internal/proto"
)

// Acquisition failures, classified by the platform acquirer.
var (
	ErrPermissionDenied  = errors.New("media permission denied")
	ErrDeviceUnavailable = errors.New("media device unavailable")
	ErrNoVideo           = errors.New("pipeline has no video")
)

// LocalTrack is what the pipeline hands to peer connections.
// mediadevices tracks satisfy it; tests use lightweight fakes.
type LocalTrack interface {
	webrtc.TrackLocal
	Close() error
}

// enabler is implemented by tracks that can be soft-muted in place.
// mediadevices tracks don't expose this; for them the flags and the
// frame-path gate below do the work.
type enabler interface {
	SetEnabled(bool)
}

// TrackSet is one raw or processed set of local tracks.
type TrackSet struct {
	Audio LocalTrack
	Video LocalTrack // nil on audio-only calls
}

// Capture is the result of platform media acquisition.
type Capture struct {
	Audio       LocalTrack
	Video       LocalTrack
	VideoSource video.Reader // raw frames feeding the compositor; nil if no video
	Release     func()       // stops device capture; may be nil
}

// Acquirer performs the platform capture.  This is the one legitimately
// blocking call in the whole core.
type Acquirer func(ctx context.Context, t proto.CallType) (*Capture, error)

// VideoTrackFactory turns a frame reader into a sendable local track.
// The platform factory encodes via mediadevices; tests substitute fakes.
type VideoTrackFactory func(id string, src video.Reader) (LocalTrack, error)

// startTimeout bounds the wait for the compositor's first real frame.
const startTimeout = 5 * time.Second

// Pipeline owns the local media of one call session.
type Pipeline struct {
	acquire  Acquirer
	newTrack VideoTrackFactory

	mu        sync.Mutex
	cap       *Capture
	raw       TrackSet
	processed *TrackSet
	comp      *compositor.Compositor
	gate      *cameraGate
	micOn     bool
	camOn     bool
	closed    bool
}

// NewPipeline builds an idle pipeline on top of a platform Engine (or any
// substitute acquirer/factory pair — tests inject fakes).
func NewPipeline(acquire Acquirer, factory VideoTrackFactory) *Pipeline {
	return &Pipeline{acquire: acquire, newTrack: factory, micOn: true, camOn: true}
}

// Acquire captures local media for the given call type.  Must complete (or
// fail) before any session state is published; callers invoke it directly
// from the originating user action with no asynchronous gap in between, or
// the platform's permission grant may be silently revoked.
func (p *Pipeline) Acquire(ctx context.Context, t proto.CallType) error {
	cap, err := p.acquire(ctx, t)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		if cap.Release != nil {
			cap.Release()
		}
		return errors.New("pipeline closed")
	}
	p.cap = cap
	p.raw = TrackSet{Audio: cap.Audio, Video: cap.Video}
	if cap.VideoSource != nil {
		p.gate = &cameraGate{src: cap.VideoSource, on: &p.camOn, mu: &p.mu}
	}
	log.Printf("MEDIA: acquired %s (video=%v)", t, cap.Video != nil)
	return nil
}

// Raw returns the raw track set.
func (p *Pipeline) Raw() TrackSet {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.raw
}

// Outgoing returns the track set peers should receive: processed when a
// background profile is active, raw otherwise.
func (p *Pipeline) Outgoing() TrackSet {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.processed != nil {
		return *p.processed
	}
	return p.raw
}

// SetProfile switches the background treatment.  For an active profile it
// builds a new compositor over the raw frame source, waits for it to emit a
// real frame, and returns the new outgoing video track; the caller hot-swaps
// it onto every live peer link via track replacement.  KindNone tears the
// processed set down and returns the raw video track.  Audio is untouched in
// every case: the processed set shares the raw audio track by reference.
func (p *Pipeline) SetProfile(prof compositor.Profile, seg compositor.Segmenter) (LocalTrack, error) {
	p.mu.Lock()
	if p.raw.Video == nil || p.gate == nil {
		p.mu.Unlock()
		return nil, ErrNoVideo
	}
	old := p.comp
	audio := p.raw.Audio
	gate := p.gate
	rawVideo := p.raw.Video
	p.mu.Unlock()

	// Cancel the previous compositor loop before starting the next one.
	if old != nil {
		old.Close()
	}

	if prof.Kind == compositor.KindNone {
		p.mu.Lock()
		p.comp = nil
		p.processed = nil
		p.mu.Unlock()
		return rawVideo, nil
	}

	comp := compositor.New(gate, seg, prof)
	track, err := p.newTrack(fmt.Sprintf("%s-composited", rawVideo.ID()), comp)
	if err != nil {
		comp.Close()
		return nil, fmt.Errorf("create processed track: %w", err)
	}

	// Do not hand the track out until it is known to produce frames.
	select {
	case <-comp.Started():
	case <-time.After(startTimeout):
		comp.Close()
		_ = track.Close()
		return nil, fmt.Errorf("compositor produced no frame within %s", startTimeout)
	}

	p.mu.Lock()
	p.comp = comp
	p.processed = &TrackSet{Audio: audio, Video: track}
	p.mu.Unlock()
	log.Printf("MEDIA: background profile %q live", prof.Kind)
	return track, nil
}

// SetMicEnabled toggles the microphone on both track sets simultaneously.
func (p *Pipeline) SetMicEnabled(on bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.micOn = on
	setEnabled(p.raw.Audio, on)
	if p.processed != nil {
		setEnabled(p.processed.Audio, on)
	}
}

// SetCameraEnabled toggles the camera on both track sets simultaneously.
// The processed path blanks at the frame gate; raw tracks that support
// soft-mute are flipped too.
func (p *Pipeline) SetCameraEnabled(on bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.camOn = on
	setEnabled(p.raw.Video, on)
	if p.processed != nil {
		setEnabled(p.processed.Video, on)
	}
}

func (p *Pipeline) MicEnabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.micOn
}

func (p *Pipeline) CameraEnabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.camOn
}

// Alive reports whether local capture is still up — the activity monitor's
// "local tracks still live" probe.
func (p *Pipeline) Alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.closed && p.cap != nil
}

// Close stops the compositor and every local track.  Idempotent.
func (p *Pipeline) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	comp := p.comp
	cap := p.cap
	processed := p.processed
	p.comp = nil
	p.cap = nil
	p.processed = nil
	p.raw = TrackSet{}
	p.mu.Unlock()

	if comp != nil {
		comp.Close()
	}
	if processed != nil && processed.Video != nil {
		_ = processed.Video.Close()
	}
	if cap != nil {
		if cap.Video != nil {
			_ = cap.Video.Close()
		}
		if cap.Audio != nil {
			_ = cap.Audio.Close()
		}
		if cap.Release != nil {
			cap.Release()
		}
	}
	log.Printf("MEDIA: pipeline closed")
}

func setEnabled(t LocalTrack, on bool) {
	if e, ok := t.(enabler); ok && t != nil {
		e.SetEnabled(on)
	}
}

// cameraGate sits between the raw frame source and the compositor.  When the
// camera is toggled off it substitutes black frames of the same geometry so
// downstream encoders keep ticking without exposing the room.
type cameraGate struct {
	src   video.Reader
	on    *bool
	mu    sync.Locker
	black *image.RGBA
}

func (g *cameraGate) Read() (image.Image, func(), error) {
	img, release, err := g.src.Read()
	if err != nil {
		return nil, nil, err
	}
	g.mu.Lock()
	on := *g.on
	g.mu.Unlock()
	if on || img == nil {
		return img, release, nil
	}
	if g.black == nil || g.black.Bounds() != img.Bounds() {
		g.black = image.NewRGBA(img.Bounds())
		for i := 3; i < len(g.black.Pix); i += 4 {
			g.black.Pix[i] = 255
		}
	}
	if release != nil {
		release()
	}
	return g.black, func() {}, nil
}

// ensure the gate is a video.Reader
var _ video.Reader = (*cameraGate)(nil)
