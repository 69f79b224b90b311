package orch

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/Phone/internal/adapters/rtc"
	"github.com/dkeye/Phone/internal/app/call"
	"github.com/dkeye/Phone/internal/core"
	"github.com/dkeye/Phone/internal/domain"
)

type sessionMedia struct {
	conn   core.MediaConnection
	ctx    context.Context
	cancel context.CancelFunc
}

// conn returns the negotiator of sid, creating and binding it on first use.
// Its context is cancelled when the session's media is closed.
func (p *Phone) conn(sid domain.SessionID) (core.MediaConnection, context.Context, error) {
	if sm, ok := p.conns[sid]; ok {
		return sm.conn, sm.ctx, nil
	}
	if p.media == nil {
		return nil, nil, errors.New("no media factory")
	}
	mc, err := p.media(sid)
	if err != nil {
		return nil, nil, err
	}
	p.bindMediaHandlers(mc, sid)
	ctx, cancel := context.WithCancel(context.Background())
	p.conns[sid] = &sessionMedia{conn: mc, ctx: ctx, cancel: cancel}
	return mc, ctx, nil
}

func (p *Phone) bindMediaHandlers(mc core.MediaConnection, sid domain.SessionID) {
	mc.OnICECandidate(func(c webrtc.ICECandidateInit) {
		p.postEvent(sid, call.Event{Kind: call.EvLocalCandidate, Candidate: c})
	})
	mc.OnStateChange(func(s core.MediaState) {
		switch s {
		case core.MediaConnected:
			p.postEvent(sid, call.Event{Kind: call.EvMediaConnected})
		case core.MediaFailed:
			p.postEvent(sid, call.Event{Kind: call.EvMediaFailed})
		case core.MediaClosed:
		}
	})
}

// mediaFailure maps a negotiator error to the session event that ends the call.
func mediaFailure(err error) call.Event {
	if errors.Is(err, rtc.ErrMediaDenied) || errors.Is(err, rtc.ErrMediaNotFound) {
		return call.Event{Kind: call.EvMediaUnavailable, Cause: domain.CauseMediaUnavailable, Detail: rtc.MediaDetail(err)}
	}
	return call.Event{Kind: call.EvNegotiationFailed, Cause: domain.CauseNegotiationFailed, Detail: err.Error()}
}

// The async steps below run off the loop; their results are posted back and
// the session decides whether they still apply.

func (p *Phone) createOffer(sid domain.SessionID) {
	mc, ctx, err := p.conn(sid)
	if err != nil {
		p.dispatch(sid, mediaFailure(err))
		return
	}
	go func() {
		offer, err := mc.CreateOffer(ctx)
		if err != nil {
			p.postEvent(sid, mediaFailure(err))
			return
		}
		p.postEvent(sid, call.Event{Kind: call.EvOfferReady, Description: offer})
	}()
}

func (p *Phone) acquireMedia(sid domain.SessionID) {
	mc, ctx, err := p.conn(sid)
	if err != nil {
		p.dispatch(sid, call.Event{Kind: call.EvMediaUnavailable, Detail: rtc.MediaDetail(err)})
		return
	}
	go func() {
		if err := mc.AcquireMedia(ctx); err != nil {
			p.postEvent(sid, call.Event{Kind: call.EvMediaUnavailable, Detail: rtc.MediaDetail(err)})
			return
		}
		p.postEvent(sid, call.Event{Kind: call.EvMediaReady})
	}()
}

func (p *Phone) applyOffer(sid domain.SessionID, offer webrtc.SessionDescription) {
	mc, ctx, err := p.conn(sid)
	if err != nil {
		p.dispatch(sid, mediaFailure(err))
		return
	}
	go func() {
		answer, err := mc.ApplyOfferAndCreateAnswer(ctx, offer)
		if err != nil {
			p.postEvent(sid, mediaFailure(err))
			return
		}
		p.postEvent(sid, call.Event{Kind: call.EvAnswerReady, Description: answer})
	}()
}

// applyAnswer is synchronous; on failure the session is failed after the
// current effects are abandoned.
func (p *Phone) applyAnswer(sid domain.SessionID, answer webrtc.SessionDescription) bool {
	mc, _, err := p.conn(sid)
	if err == nil {
		err = mc.ApplyAnswer(answer)
	}
	if err != nil {
		p.log.Warn().Err(err).Str("sid", string(sid)).Msg("apply answer")
		p.postEvent(sid, mediaFailure(err))
		return false
	}
	return true
}

func (p *Phone) addCandidate(sid domain.SessionID, c webrtc.ICECandidateInit) {
	sm, ok := p.conns[sid]
	if !ok {
		return
	}
	if err := sm.conn.AddICECandidate(c); err != nil {
		p.log.Warn().Err(err).Str("sid", string(sid)).Msg("add ice candidate")
	}
}

func (p *Phone) closeMedia(sid domain.SessionID) {
	if sm, ok := p.conns[sid]; ok {
		sm.cancel()
		sm.conn.Close()
		delete(p.conns, sid)
	}
}
