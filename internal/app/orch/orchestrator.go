// Package orch runs the phone: one event loop that owns every call session,
// executes their effects and turns transport frames and user commands into session events.
package orch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Phone/internal/app/call"
	"github.com/dkeye/Phone/internal/core"
	"github.com/dkeye/Phone/internal/domain"
	"github.com/dkeye/Phone/internal/eventbus"
	"github.com/dkeye/Phone/internal/signaling"
)

var ErrStopped = errors.New("phone stopped")

type Options struct {
	Identity        domain.Identity
	NoAnswerTimeout time.Duration
	SendRetryDelay  time.Duration
	Clock           clock.Clock
	InboxSize       int
}

func (o *Options) defaults() {
	if o.NoAnswerTimeout <= 0 {
		o.NoAnswerTimeout = 30 * time.Second
	}
	if o.SendRetryDelay <= 0 {
		o.SendRetryDelay = time.Second
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.InboxSize <= 0 {
		o.InboxSize = 256
	}
}

type sessionTimers struct {
	noAnswer *clock.Timer
	retries  []*clock.Timer
}

// Phone is the call orchestrator for one local identity. Everything that
// touches sessions, negotiators or timers runs on the Run goroutine.
type Phone struct {
	opts   Options
	dir    *call.Directory
	signal core.SignalConnection
	media  core.MediaFactory
	bus    core.Publisher
	log    zerolog.Logger

	inbox chan func()
	done  chan struct{}

	// owned by the loop
	conns  map[domain.SessionID]*sessionMedia
	timers map[domain.SessionID]*sessionTimers
}

func New(opts Options, signal core.SignalConnection, media core.MediaFactory, bus core.Publisher) *Phone {
	opts.defaults()
	return &Phone{
		opts:   opts,
		dir:    call.NewDirectory(opts.Identity),
		signal: signal,
		media:  media,
		bus:    bus,
		log:    log.With().Str("module", "phone").Str("identity", string(opts.Identity)).Logger(),
		inbox:  make(chan func(), opts.InboxSize),
		done:   make(chan struct{}),
		conns:  make(map[domain.SessionID]*sessionMedia),
		timers: make(map[domain.SessionID]*sessionTimers),
	}
}

func (p *Phone) Directory() *call.Directory { return p.dir }

// Run processes the inbox until ctx is done, then releases every negotiator.
func (p *Phone) Run(ctx context.Context) error {
	p.log.Info().Msg("phone loop started")
	defer close(p.done)
	for {
		select {
		case <-ctx.Done():
			p.shutdown()
			return ctx.Err()
		case fn := <-p.inbox:
			fn()
		}
	}
}

func (p *Phone) shutdown() {
	for sid := range p.conns {
		p.closeMedia(sid)
	}
	for sid := range p.timers {
		p.stopTimers(sid)
	}
	p.log.Info().Msg("phone loop stopped")
}

// post queues fn for the loop. It is dropped once the loop has stopped.
func (p *Phone) post(fn func()) {
	select {
	case p.inbox <- fn:
	case <-p.done:
	}
}

// do runs fn on the loop and waits for its result.
func (p *Phone) do(ctx context.Context, fn func() error) error {
	res := make(chan error, 1)
	select {
	case p.inbox <- func() { res <- fn() }:
	case <-p.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-res:
		return err
	case <-p.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandleFrame decodes one JSON signaling frame and hands it to the loop.
func (p *Phone) HandleFrame(f core.Frame) {
	m, err := signaling.Decode(f)
	if err != nil {
		p.log.Warn().Err(err).Msg("dropping signaling frame")
		return
	}
	p.post(func() { p.onMessage(m) })
}

func (p *Phone) onMessage(m signaling.Message) {
	l := p.log.With().Str("type", string(m.Type)).Str("sid", string(m.SessionID)).Str("from", string(m.From)).Logger()
	if m.To != p.opts.Identity {
		l.Warn().Str("to", string(m.To)).Msg("message for another identity dropped")
		return
	}

	if m.Type == signaling.TypeInvitation {
		p.onInvitation(m)
		return
	}

	s, ok := p.dir.Get(m.SessionID)
	if !ok {
		l.Debug().Msg("message for unknown session dropped")
		return
	}
	if s.Peer != m.From {
		l.Warn().Str("peer", string(s.Peer)).Msg("message from a foreign endpoint dropped")
		return
	}

	ev := call.Event{}
	switch m.Type {
	case signaling.TypeAccept:
		ev.Kind = call.EvRemoteAccept
	case signaling.TypeReject:
		ev.Kind = call.EvRemoteReject
		ev.Cause = m.Cause()
	case signaling.TypeTerminate:
		ev.Kind = call.EvRemoteTerminate
		ev.Cause = m.Cause()
	case signaling.TypeOffer, signaling.TypeAnswer:
		desc, err := m.Description()
		if err != nil {
			l.Warn().Err(err).Msg("bad description dropped")
			return
		}
		ev.Kind = call.EvRemoteOffer
		if m.Type == signaling.TypeAnswer {
			ev.Kind = call.EvRemoteAnswer
		}
		ev.Description = desc
	case signaling.TypeICECandidate:
		c, err := m.ICECandidate()
		if err != nil {
			l.Warn().Err(err).Msg("bad candidate dropped")
			return
		}
		ev.Kind = call.EvRemoteCandidate
		ev.Candidate = c
	default:
		return
	}
	p.dispatch(m.SessionID, ev)
}

func (p *Phone) onInvitation(m signaling.Message) {
	if m.SessionID == "" {
		p.log.Warn().Str("from", string(m.From)).Msg("invitation without session id dropped")
		return
	}
	if p.dir.Seen(m.SessionID) {
		p.log.Debug().Str("sid", string(m.SessionID)).Msg("repeated invitation ignored")
		return
	}
	s, ok := p.dir.AcceptInbound(m)
	if !ok {
		p.sendOnce(signaling.Reject(m.SessionID, p.opts.Identity, m.From, domain.CauseBusy))
		return
	}
	p.dispatch(s.ID, call.Event{Kind: call.EvStart})
}

// dispatch applies ev through the directory and executes the resulting effects.
func (p *Phone) dispatch(sid domain.SessionID, ev call.Event) {
	effects, err := p.dir.Dispatch(sid, ev)
	if err != nil {
		p.log.Debug().Err(err).Str("event", ev.Kind.String()).Msg("dispatch")
		return
	}
	p.execute(sid, effects)
}

func (p *Phone) postEvent(sid domain.SessionID, ev call.Event) {
	p.post(func() { p.dispatch(sid, ev) })
}

func (p *Phone) execute(sid domain.SessionID, effects []call.Effect) {
	for _, e := range effects {
		switch e.Kind {
		case call.EffSend:
			p.send(sid, e.Message, false)
		case call.EffCreateOffer:
			p.createOffer(sid)
		case call.EffAcquireMedia:
			p.acquireMedia(sid)
		case call.EffApplyOffer:
			p.applyOffer(sid, e.Description)
		case call.EffApplyAnswer:
			if !p.applyAnswer(sid, e.Description) {
				return
			}
		case call.EffAddCandidate:
			p.addCandidate(sid, e.Candidate)
		case call.EffStartNoAnswer:
			p.startNoAnswer(sid)
		case call.EffStopNoAnswer:
			if t := p.timers[sid]; t != nil && t.noAnswer != nil {
				t.noAnswer.Stop()
				t.noAnswer = nil
			}
		case call.EffCloseMedia:
			p.closeMedia(sid)
		case call.EffStopTimers:
			p.stopTimers(sid)
		case call.EffPublish:
			p.log.Info().Str("sid", string(sid)).Str("state", string(e.State.State)).Str("cause", string(e.State.Cause)).Msg("call state")
			if p.bus != nil {
				p.bus.Publish(eventbus.TopicCallState, e.State)
			}
		case call.EffEvict:
			if err := p.dir.Evict(sid); err != nil {
				p.log.Error().Err(err).Str("sid", string(sid)).Msg("evict")
			}
		}
	}
}

// send writes one message; a failure is retried once after SendRetryDelay and
// a second failure ends the session with SignalingUnavailable.
func (p *Phone) send(sid domain.SessionID, m signaling.Message, retry bool) {
	err := p.write(m)
	if err == nil {
		return
	}
	l := p.log.With().Str("sid", string(sid)).Str("type", string(m.Type)).Logger()
	if retry {
		l.Error().Err(err).Msg("signaling send failed twice")
		p.dispatch(sid, call.Event{Kind: call.EvSignalingUnavailable})
		return
	}
	l.Warn().Err(err).Dur("delay", p.opts.SendRetryDelay).Msg("signaling send failed, retrying")
	t := p.opts.Clock.AfterFunc(p.opts.SendRetryDelay, func() {
		p.post(func() {
			if !endsSession(m.Type) {
				if s, ok := p.dir.Get(sid); !ok || s.State().Terminal() {
					return
				}
			}
			p.send(sid, m, true)
		})
	})
	if !endsSession(m.Type) {
		p.timersFor(sid).retries = append(p.timersFor(sid).retries, t)
	}
}

// sendOnce is for messages with no session behind them (busy replies).
func (p *Phone) sendOnce(m signaling.Message) {
	if err := p.write(m); err != nil {
		p.log.Warn().Err(err).Str("type", string(m.Type)).Str("sid", string(m.SessionID)).Msg("signaling send failed")
	}
}

func (p *Phone) write(m signaling.Message) error {
	if p.signal == nil {
		return fmt.Errorf("no signaling connection")
	}
	data, err := signaling.Encode(m)
	if err != nil {
		return err
	}
	return p.signal.Send(data)
}

func endsSession(t signaling.Type) bool {
	return t == signaling.TypeReject || t == signaling.TypeTerminate
}

func (p *Phone) timersFor(sid domain.SessionID) *sessionTimers {
	t := p.timers[sid]
	if t == nil {
		t = &sessionTimers{}
		p.timers[sid] = t
	}
	return t
}

func (p *Phone) startNoAnswer(sid domain.SessionID) {
	t := p.timersFor(sid)
	if t.noAnswer != nil {
		t.noAnswer.Stop()
	}
	t.noAnswer = p.opts.Clock.AfterFunc(p.opts.NoAnswerTimeout, func() {
		p.postEvent(sid, call.Event{Kind: call.EvNoAnswer})
	})
}

func (p *Phone) stopTimers(sid domain.SessionID) {
	t := p.timers[sid]
	if t == nil {
		return
	}
	if t.noAnswer != nil {
		t.noAnswer.Stop()
	}
	for _, r := range t.retries {
		r.Stop()
	}
	delete(p.timers, sid)
}
