// Package call holds the per-call state machine and the directory that owns every live call.
package call

import (
	"context"
	"errors"
	"sync"

	"github.com/looplab/fsm"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Phone/internal/domain"
	"github.com/dkeye/Phone/internal/eventbus"
	"github.com/dkeye/Phone/internal/signaling"
)

const (
	trAccept    = "accept"
	trNegotiate = "negotiate"
	trActivate  = "activate"
	trEnd       = "end"
	trReject    = "reject"
	trFail      = "fail"
	trCancel    = "cancel"
)

var live = []string{
	string(domain.CallInitiating),
	string(domain.CallRinging),
	string(domain.CallAccepted),
	string(domain.CallNegotiating),
	string(domain.CallActive),
}

func newMachine(initial domain.CallState) *fsm.FSM {
	return fsm.NewFSM(
		string(initial),
		fsm.Events{
			{Name: trAccept, Src: []string{string(domain.CallInitiating)}, Dst: string(domain.CallAccepted)},
			{Name: trNegotiate, Src: []string{string(domain.CallAccepted), string(domain.CallRinging)}, Dst: string(domain.CallNegotiating)},
			{Name: trActivate, Src: []string{string(domain.CallNegotiating)}, Dst: string(domain.CallActive)},
			{Name: trEnd, Src: live, Dst: string(domain.CallEnded)},
			{Name: trReject, Src: live, Dst: string(domain.CallRejected)},
			{Name: trFail, Src: live, Dst: string(domain.CallFailed)},
			{Name: trCancel, Src: live, Dst: string(domain.CallCancelled)},
		},
		fsm.Callbacks{},
	)
}

// Session is one call attempt. It is mutated only through Apply, which the
// Directory serializes; Apply is a function of (state, event) returning effects as data.
type Session struct {
	ID        domain.SessionID
	Direction domain.Direction
	Local     domain.Identity
	Peer      domain.Identity

	mu         sync.Mutex
	machine    *fsm.FSM
	local      *webrtc.SessionDescription
	remote     *webrtc.SessionDescription
	remoteSet  bool
	pending    []webrtc.ICECandidateInit
	offerSeen  bool
	answerSeen bool
	acceptSent bool
	offerSent  bool
	cause      domain.Cause
	detail     string
	started    bool
}

func newSession(id domain.SessionID, dir domain.Direction, local, peer domain.Identity) *Session {
	initial := domain.CallInitiating
	if dir == domain.Inbound {
		initial = domain.CallRinging
	}
	return &Session{
		ID:        id,
		Direction: dir,
		Local:     local,
		Peer:      peer,
		machine:   newMachine(initial),
	}
}

func (s *Session) State() domain.CallState {
	return domain.CallState(s.machine.Current())
}

// Cause is set once the session is terminal.
func (s *Session) Cause() domain.Cause {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cause
}

// PendingCandidates is the number of remote candidates waiting for the remote description.
func (s *Session) PendingCandidates() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *Session) LocalDescription() *webrtc.SessionDescription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local
}

func (s *Session) RemoteDescription() *webrtc.SessionDescription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote
}

// Apply advances the session by one event. Events that do not fit the
// current state (duplicates, late async results, anything after a terminal
// state) yield no effects.
func (s *Session) Apply(ev Event) []Effect {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.State()
	if st.Terminal() {
		log.Debug().Str("module", "call").Str("sid", string(s.ID)).Str("event", ev.Kind.String()).Msg("event after terminal state dropped")
		return nil
	}

	var out []Effect
	switch ev.Kind {
	case EvStart:
		if s.started {
			return nil
		}
		s.started = true
		if s.Direction == domain.Outbound {
			out = append(out, s.send(signaling.Invitation(s.ID, s.Local, s.Peer)))
		}
		out = append(out, Effect{Kind: EffStartNoAnswer, SessionID: s.ID}, s.publish())

	case EvLocalAccept:
		if s.Direction != domain.Inbound || st != domain.CallRinging {
			return nil
		}
		out = append(out, Effect{Kind: EffStopNoAnswer, SessionID: s.ID})
		out = append(out, s.fire(trNegotiate)...)
		out = append(out, Effect{Kind: EffAcquireMedia, SessionID: s.ID})

	case EvMediaReady:
		if s.Direction != domain.Inbound || st != domain.CallNegotiating || s.acceptSent {
			return nil
		}
		s.acceptSent = true
		out = append(out, s.send(signaling.Accept(s.ID, s.Local, s.Peer)))

	case EvMediaUnavailable:
		if st != domain.CallNegotiating && st != domain.CallAccepted {
			return nil
		}
		s.detail = ev.Detail
		if s.Direction == domain.Inbound && !s.acceptSent {
			out = append(out, s.send(signaling.Reject(s.ID, s.Local, s.Peer, domain.CauseMediaUnavailable)))
			out = append(out, s.terminate(trReject, domain.CauseMediaUnavailable)...)
		} else {
			out = append(out, s.send(signaling.Terminate(s.ID, s.Local, s.Peer, domain.CauseMediaUnavailable)))
			out = append(out, s.terminate(trFail, domain.CauseMediaUnavailable)...)
		}

	case EvRemoteAccept:
		if s.Direction != domain.Outbound || st != domain.CallInitiating {
			return nil
		}
		out = append(out, Effect{Kind: EffStopNoAnswer, SessionID: s.ID})
		out = append(out, s.fire(trAccept)...)
		out = append(out, s.fire(trNegotiate)...)
		out = append(out, Effect{Kind: EffCreateOffer, SessionID: s.ID})

	case EvOfferReady:
		if s.Direction != domain.Outbound || st != domain.CallNegotiating || s.offerSent {
			return nil
		}
		s.offerSent = true
		desc := ev.Description
		s.local = &desc
		out = append(out, s.send(signaling.Offer(s.ID, s.Local, s.Peer, desc)))

	case EvRemoteOffer:
		if s.Direction != domain.Inbound || st != domain.CallNegotiating || s.offerSeen {
			return nil
		}
		s.offerSeen = true
		desc := ev.Description
		s.remote = &desc
		out = append(out, Effect{Kind: EffApplyOffer, SessionID: s.ID, Description: desc})

	case EvAnswerReady:
		if s.Direction != domain.Inbound || st != domain.CallNegotiating || s.remoteSet {
			return nil
		}
		desc := ev.Description
		s.local = &desc
		out = append(out, s.flush()...)
		out = append(out, s.send(signaling.Answer(s.ID, s.Local, s.Peer, desc)))

	case EvRemoteAnswer:
		if s.Direction != domain.Outbound || st != domain.CallNegotiating || !s.offerSent || s.answerSeen {
			return nil
		}
		s.answerSeen = true
		desc := ev.Description
		s.remote = &desc
		out = append(out, Effect{Kind: EffApplyAnswer, SessionID: s.ID, Description: desc})
		out = append(out, s.flush()...)

	case EvRemoteCandidate:
		if s.remoteSet {
			out = append(out, Effect{Kind: EffAddCandidate, SessionID: s.ID, Candidate: ev.Candidate})
		} else {
			s.pending = append(s.pending, ev.Candidate)
		}

	case EvLocalCandidate:
		out = append(out, s.send(signaling.Candidate(s.ID, s.Local, s.Peer, ev.Candidate)))

	case EvMediaConnected:
		if st != domain.CallNegotiating {
			return nil
		}
		out = append(out, s.fire(trActivate)...)

	case EvMediaFailed:
		if st != domain.CallNegotiating && st != domain.CallActive {
			return nil
		}
		out = append(out, s.send(signaling.Terminate(s.ID, s.Local, s.Peer, domain.CauseICEFailed)))
		out = append(out, s.terminate(trFail, domain.CauseICEFailed)...)

	case EvNegotiationFailed:
		if st != domain.CallNegotiating && st != domain.CallAccepted {
			return nil
		}
		s.detail = ev.Detail
		out = append(out, s.send(signaling.Terminate(s.ID, s.Local, s.Peer, domain.CauseNegotiationFailed)))
		out = append(out, s.terminate(trFail, domain.CauseNegotiationFailed)...)

	case EvLocalReject:
		if s.Direction != domain.Inbound || st != domain.CallRinging {
			return nil
		}
		out = append(out, s.send(signaling.Reject(s.ID, s.Local, s.Peer, domain.CauseDeclined)))
		out = append(out, s.terminate(trReject, domain.CauseDeclined)...)

	case EvLocalHangup:
		switch st {
		case domain.CallActive:
			out = append(out, s.send(signaling.Terminate(s.ID, s.Local, s.Peer, domain.CauseLocalHangup)))
			out = append(out, s.terminate(trEnd, domain.CauseLocalHangup)...)
		case domain.CallRinging:
			out = append(out, s.send(signaling.Reject(s.ID, s.Local, s.Peer, domain.CauseDeclined)))
			out = append(out, s.terminate(trReject, domain.CauseDeclined)...)
		default:
			out = append(out, s.send(signaling.Terminate(s.ID, s.Local, s.Peer, domain.CauseLocalHangup)))
			out = append(out, s.terminate(trCancel, domain.CauseLocalHangup)...)
		}

	case EvRemoteReject:
		// an outbound call is only rejected before it is answered; an inbound
		// one while it still rings (the caller withdrew)
		outbound := s.Direction == domain.Outbound && st == domain.CallInitiating
		inbound := s.Direction == domain.Inbound && st == domain.CallRinging
		if !outbound && !inbound {
			return nil
		}
		cause := ev.Cause
		if cause == domain.CauseNone {
			cause = domain.CauseDeclined
		}
		out = append(out, s.terminate(trReject, cause)...)

	case EvRemoteTerminate:
		cause := ev.Cause
		if cause == domain.CauseNone || cause == domain.CauseLocalHangup {
			cause = domain.CauseRemoteHangup
		}
		out = append(out, s.terminate(trEnd, cause)...)

	case EvNoAnswer:
		switch {
		case s.Direction == domain.Outbound && st == domain.CallInitiating:
			out = append(out, s.send(signaling.Terminate(s.ID, s.Local, s.Peer, domain.CauseNoAnswer)))
			out = append(out, s.terminate(trFail, domain.CauseNoAnswer)...)
		case s.Direction == domain.Inbound && st == domain.CallRinging:
			out = append(out, s.send(signaling.Reject(s.ID, s.Local, s.Peer, domain.CauseNoAnswer)))
			out = append(out, s.terminate(trReject, domain.CauseNoAnswer)...)
		}

	case EvSignalingUnavailable:
		out = append(out, s.terminate(trFail, domain.CauseSignalingUnavailable)...)
	}
	return out
}

// flush marks the remote description applied and releases queued candidates in arrival order.
func (s *Session) flush() []Effect {
	s.remoteSet = true
	out := make([]Effect, 0, len(s.pending))
	for _, c := range s.pending {
		out = append(out, Effect{Kind: EffAddCandidate, SessionID: s.ID, Candidate: c})
	}
	s.pending = nil
	return out
}

func (s *Session) fire(tr string) []Effect {
	if err := s.machine.Event(context.Background(), tr); err != nil {
		var noTransition fsm.NoTransitionError
		if !errors.As(err, &noTransition) {
			log.Error().Str("module", "call").Str("sid", string(s.ID)).Str("transition", tr).Err(err).Msg("call transition")
		}
		return nil
	}
	return []Effect{s.publish()}
}

// terminate moves to a terminal state. The negotiator is closed before the
// terminal event is published, and eviction comes last.
func (s *Session) terminate(tr string, cause domain.Cause) []Effect {
	if err := s.machine.Event(context.Background(), tr); err != nil {
		log.Error().Str("module", "call").Str("sid", string(s.ID)).Str("transition", tr).Err(err).Msg("call termination")
		return nil
	}
	s.cause = cause
	s.pending = nil
	return []Effect{
		{Kind: EffCloseMedia, SessionID: s.ID},
		{Kind: EffStopTimers, SessionID: s.ID},
		s.publish(),
		{Kind: EffEvict, SessionID: s.ID},
	}
}

func (s *Session) send(m signaling.Message) Effect {
	return Effect{Kind: EffSend, SessionID: s.ID, Message: m}
}

func (s *Session) publish() Effect {
	return Effect{Kind: EffPublish, SessionID: s.ID, State: eventbus.CallState{
		SessionID: s.ID,
		Direction: s.Direction,
		Peer:      s.Peer,
		State:     s.State(),
		Cause:     s.cause,
		Detail:    s.detail,
	}}
}
