package core

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/Phone/internal/domain"
)

type MediaState string

const (
	MediaConnected MediaState = "connected"
	MediaFailed    MediaState = "failed"
	MediaClosed    MediaState = "closed"
)

// MediaConnection negotiates the peer-to-peer media path of one call session.
type MediaConnection interface {
	// CreateOffer attaches local media and returns the local offer (already set locally).
	CreateOffer(ctx context.Context) (webrtc.SessionDescription, error)
	// AcquireMedia attaches local media without producing a description.
	AcquireMedia(ctx context.Context) error
	// ApplyOfferAndCreateAnswer sets the remote offer and returns the local answer.
	ApplyOfferAndCreateAnswer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error)
	// ApplyAnswer sets the remote answer of an outbound negotiation.
	ApplyAnswer(answer webrtc.SessionDescription) error
	// AddICECandidate applies a remote ICE candidate. The remote description must already be set.
	AddICECandidate(webrtc.ICECandidateInit) error
	// OnICECandidate sets a callback for newly gathered local ICE candidates.
	OnICECandidate(func(webrtc.ICECandidateInit))
	// OnStateChange sets a callback for connected/failed/closed transitions.
	OnStateChange(func(MediaState))
	// Close stops local tracks and releases the peer connection. Idempotent.
	Close()
}

// MediaFactory builds the media connection owned by one call session.
type MediaFactory func(sid domain.SessionID) (MediaConnection, error)
