//go:build !linux

package media

import (
	"context"
	"fmt"

	"github.com/pion/interceptor"
	"github.com/pion/mediadevices/pkg/io/video"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/callkit/internal/proto"
)

// Engine bundles platform capture with a matching PeerConnection factory.
type Engine struct {
	NewPeerConnection func() (*webrtc.PeerConnection, error)
	Acquire           Acquirer
	NewVideoTrack     VideoTrackFactory
}

// NewEngine on non-Linux platforms builds a default-codec webrtc API but no
// hardware capture — pion/mediadevices drivers here cover V4L2/malgo only.
// Acquisition reports the device unavailable and the session surfaces that
// to the user.
func NewEngine(stunURLs []string) (*Engine, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, err
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
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
		Acquire: func(context.Context, proto.CallType) (*Capture, error) {
			return nil, fmt.Errorf("%w: no capture drivers on this platform", ErrDeviceUnavailable)
		},
		NewVideoTrack: func(string, video.Reader) (LocalTrack, error) {
			return nil, ErrDeviceUnavailable
		},
	}, nil
}
