//go:build linux

package media

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/io/video"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/callkit/internal/proto"
)

// Engine bundles platform capture with a matching PeerConnection factory.
// Both sides must share one codec configuration or the processed track's
// codec won't appear in negotiated SDP.
type Engine struct {
	NewPeerConnection func() (*webrtc.PeerConnection, error)
	Acquire           Acquirer
	NewVideoTrack     VideoTrackFactory
}

// NewEngine configures VP8+Opus via pion/mediadevices (V4L2 + malgo capture)
// and a webrtc API with generous ICE timeouts — the default 5 s disconnected
// timeout is far too short for relay paths with brief outages.
func NewEngine(stunURLs []string) (*Engine, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_500_000 // 1.5 Mbps

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	mediaEngine := &webrtc.MediaEngine{}
	selector.Populate(mediaEngine)

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, err
	}

	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(se),
	)

	if len(stunURLs) == 0 {
		stunURLs = []string{"stun:stun.l.google.com:19302"}
	}
	cfg := webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: stunURLs}},
	}

	return &Engine{
		NewPeerConnection: func() (*webrtc.PeerConnection, error) {
			return api.NewPeerConnection(cfg)
		},
		Acquire: func(ctx context.Context, t proto.CallType) (*Capture, error) {
			return acquire(ctx, t, selector)
		},
		NewVideoTrack: func(id string, src video.Reader) (LocalTrack, error) {
			return mediadevices.NewVideoTrack(&readerSource{id: id, Reader: src}, selector), nil
		},
	}, nil
}

// readerSource adapts a plain frame reader into a mediadevices VideoSource.
type readerSource struct {
	video.Reader
	id string
}

func (s *readerSource) ID() string   { return s.id }
func (s *readerSource) Close() error { return nil }

// acquire captures local media.  GetUserMedia fails as a unit if either
// track can't be opened, so for video calls try video+audio first, then
// video-only, then audio-only — a missing microphone shouldn't prevent the
// camera from working and vice versa.
func acquire(_ context.Context, t proto.CallType, selector *mediadevices.CodecSelector) (*Capture, error) {
	type attempt struct {
		video bool
		audio bool
		label string
	}
	var ladder []attempt
	if t == proto.CallVideo {
		ladder = []attempt{
			{true, true, "video+audio"},
			{true, false, "video-only"},
			{false, true, "audio-only"},
		}
	} else {
		ladder = []attempt{{false, true, "audio-only"}}
	}

	var lastErr error
	for _, a := range ladder {
		constraints := mediadevices.MediaStreamConstraints{Codec: selector}
		if a.video {
			constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
				// Exclude MJPEG — some cameras expose an MJPEG V4L2 node that
				// produces malformed JPEG frames, which poisons the VP8
				// encoder.  Raw formats only.
				c.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				c.Width = prop.IntRanged{Max: 640}
				c.Height = prop.IntRanged{Max: 480}
			}
		}
		if a.audio {
			constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			log.Printf("MEDIA: GetUserMedia (%s) failed: %v", a.label, err)
			lastErr = err
			continue
		}

		cap := &Capture{}
		tracks := stream.GetTracks()
		for _, track := range tracks {
			track.OnEnded(func(err error) {
				if err != nil {
					log.Printf("MEDIA: local track ended: %v", err)
				}
			})
			switch track.Kind() {
			case webrtc.RTPCodecTypeAudio:
				cap.Audio = track
			case webrtc.RTPCodecTypeVideo:
				cap.Video = track
				if vt, ok := track.(*mediadevices.VideoTrack); ok {
					cap.VideoSource = vt.NewReader(false)
				}
			}
		}
		all := tracks
		cap.Release = func() {
			for _, tr := range all {
				tr.Close()
			}
		}
		log.Printf("MEDIA: local media captured (%s) — %d tracks", a.label, len(tracks))
		return cap, nil
	}

	return nil, classify(lastErr)
}

// classify maps driver failures onto the acquisition error taxonomy.
func classify(err error) error {
	if err == nil {
		return ErrDeviceUnavailable
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "permission") || strings.Contains(msg, "denied") {
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}
	return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
}
