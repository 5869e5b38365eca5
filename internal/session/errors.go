package session

import (
	"errors"

	"github.com/petervdpas/callkit/internal/media"
)

// Call failure taxonomy.  Every teardown carries one of these (wrapped with
// context) so callers can switch on errors.Is without string matching.
var (
	// Acquisition failures are the media package's sentinels, re-exported
	// so callers only ever import one error vocabulary.
	ErrPermissionDenied  = media.ErrPermissionDenied
	ErrDeviceUnavailable = media.ErrDeviceUnavailable

	ErrBusy                 = errors.New("call already in progress")
	ErrNegotiationFailure   = errors.New("negotiation failed")
	ErrTimeout              = errors.New("call timed out")
	ErrPeerRejected         = errors.New("call rejected by peer")
	ErrRemoteEnded          = errors.New("call ended by remote")
	ErrTransportUnavailable = errors.New("signaling transport unavailable")
)
