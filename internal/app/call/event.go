package call

import (
	"github.com/pion/webrtc/v4"

	"github.com/dkeye/Phone/internal/domain"
	"github.com/dkeye/Phone/internal/eventbus"
	"github.com/dkeye/Phone/internal/signaling"
)

type EventKind int

const (
	// EvStart announces a freshly created session.
	EvStart EventKind = iota

	// local commands
	EvLocalAccept
	EvLocalReject
	EvLocalHangup

	// signaling from the peer
	EvRemoteAccept
	EvRemoteReject
	EvRemoteTerminate
	EvRemoteOffer
	EvRemoteAnswer
	EvRemoteCandidate

	// async completions and media callbacks
	EvOfferReady
	EvAnswerReady
	EvMediaReady
	EvMediaUnavailable
	EvNegotiationFailed
	EvLocalCandidate
	EvMediaConnected
	EvMediaFailed

	// timers and transport
	EvNoAnswer
	EvSignalingUnavailable
)

var eventNames = map[EventKind]string{
	EvStart:                "start",
	EvLocalAccept:          "local_accept",
	EvLocalReject:          "local_reject",
	EvLocalHangup:          "local_hangup",
	EvRemoteAccept:         "remote_accept",
	EvRemoteReject:         "remote_reject",
	EvRemoteTerminate:      "remote_terminate",
	EvRemoteOffer:          "remote_offer",
	EvRemoteAnswer:         "remote_answer",
	EvRemoteCandidate:      "remote_candidate",
	EvOfferReady:           "offer_ready",
	EvAnswerReady:          "answer_ready",
	EvMediaReady:           "media_ready",
	EvMediaUnavailable:     "media_unavailable",
	EvNegotiationFailed:    "negotiation_failed",
	EvLocalCandidate:       "local_candidate",
	EvMediaConnected:       "media_connected",
	EvMediaFailed:          "media_failed",
	EvNoAnswer:             "no_answer",
	EvSignalingUnavailable: "signaling_unavailable",
}

func (k EventKind) String() string {
	if n, ok := eventNames[k]; ok {
		return n
	}
	return "unknown"
}

// Event is one input to a Session. Only the fields relevant to Kind are set.
type Event struct {
	Kind        EventKind
	Description webrtc.SessionDescription
	Candidate   webrtc.ICECandidateInit
	Cause       domain.Cause
	Detail      string
}

type EffectKind int

const (
	EffSend EffectKind = iota
	EffCreateOffer
	EffAcquireMedia
	EffApplyOffer
	EffApplyAnswer
	EffAddCandidate
	EffStartNoAnswer
	EffStopNoAnswer
	EffCloseMedia
	EffStopTimers
	EffPublish
	EffEvict
)

var effectNames = map[EffectKind]string{
	EffSend:          "send",
	EffCreateOffer:   "create_offer",
	EffAcquireMedia:  "acquire_media",
	EffApplyOffer:    "apply_offer",
	EffApplyAnswer:   "apply_answer",
	EffAddCandidate:  "add_candidate",
	EffStartNoAnswer: "start_no_answer",
	EffStopNoAnswer:  "stop_no_answer",
	EffCloseMedia:    "close_media",
	EffStopTimers:    "stop_timers",
	EffPublish:       "publish",
	EffEvict:         "evict",
}

func (k EffectKind) String() string {
	if n, ok := effectNames[k]; ok {
		return n
	}
	return "unknown"
}

// Effect is work the caller must perform, in order, after a transition.
type Effect struct {
	Kind        EffectKind
	SessionID   domain.SessionID
	Message     signaling.Message
	Description webrtc.SessionDescription
	Candidate   webrtc.ICECandidateInit
	State       eventbus.CallState
}

// Kinds lists the effect kinds in order; handy for logging and tests.
func Kinds(effects []Effect) []EffectKind {
	out := make([]EffectKind, len(effects))
	for i, e := range effects {
		out[i] = e.Kind
	}
	return out
}
