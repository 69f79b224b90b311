// Package registration keeps one identity registered with the SIP registrar.
package registration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Phone/internal/adapters/sipreg"
	"github.com/dkeye/Phone/internal/backoff"
	"github.com/dkeye/Phone/internal/core"
	"github.com/dkeye/Phone/internal/domain"
	"github.com/dkeye/Phone/internal/eventbus"
)

var ErrNoTransport = errors.New("registrar has no transport")

const (
	evRegister = "register"
	evAccept   = "accept"
	evFail     = "fail"
	evLose     = "lose"
	evReset    = "reset"
)

// Record is the registration state visible to the UI.
type Record struct {
	Identity domain.Identity
	Status   domain.RegistrationStatus
	Cause    domain.Cause
}

type Options struct {
	Identity    domain.Identity
	Credential  string
	Host        string
	Port        int
	ContactHost string
	Expires     time.Duration
	Timeout     time.Duration
	UserAgent   string
	Backoff     backoff.Policy
	Clock       clock.Clock
}

func (o *Options) defaults() {
	if o.Expires <= 0 {
		o.Expires = 300 * time.Second
	}
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Second
	}
	if o.ContactHost == "" {
		o.ContactHost = "localhost"
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
}

type inflight struct {
	cseq    uint32
	refresh bool
}

// Registrar is the sole mutator of its Record. State changes are published
// on registration.status after the lock is released, in the order they happened.
type Registrar struct {
	opts      Options
	transport core.Transport
	bus       core.Publisher
	log       zerolog.Logger

	mu          sync.Mutex
	fsm         *fsm.FSM
	cause       domain.Cause
	want        bool
	attempt     int
	authRetried bool
	awaitOpen   bool
	callID      string
	cseq        uint32
	req         *inflight
	ctx         context.Context

	retryT   *clock.Timer
	timeoutT *clock.Timer
	refreshT *clock.Timer

	emitMu   sync.Mutex
	pending  []Record
	draining bool
}

func New(opts Options, transport core.Transport, bus core.Publisher) *Registrar {
	opts.defaults()
	r := &Registrar{
		opts:      opts,
		transport: transport,
		bus:       bus,
		ctx:       context.Background(),
		log:       log.With().Str("module", "registration").Str("identity", string(opts.Identity)).Logger(),
	}
	r.fsm = fsm.NewFSM(
		string(domain.Unregistered),
		fsm.Events{
			{Name: evRegister, Src: []string{string(domain.Unregistered), string(domain.RegFailed)}, Dst: string(domain.Registering)},
			{Name: evAccept, Src: []string{string(domain.Registering)}, Dst: string(domain.Registered)},
			{Name: evFail, Src: []string{string(domain.Unregistered), string(domain.Registering), string(domain.Registered)}, Dst: string(domain.RegFailed)},
			{Name: evLose, Src: []string{string(domain.Registering), string(domain.Registered)}, Dst: string(domain.Unregistered)},
			{Name: evReset, Src: []string{string(domain.Registering), string(domain.Registered), string(domain.RegFailed)}, Dst: string(domain.Unregistered)},
		},
		fsm.Callbacks{},
	)
	if transport != nil {
		transport.OnStatusChange(r.onTransport)
	}
	return r
}

func (r *Registrar) Record() Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recordLocked()
}

func (r *Registrar) recordLocked() Record {
	return Record{Identity: r.opts.Identity, Status: r.stateLocked(), Cause: r.cause}
}

func (r *Registrar) stateLocked() domain.RegistrationStatus {
	return domain.RegistrationStatus(r.fsm.Current())
}

// Register starts a registration attempt. A malformed identity fails at once without network I/O.
func (r *Registrar) Register(ctx context.Context) error {
	if err := r.opts.Identity.Validate(); err != nil {
		r.mu.Lock()
		r.want = false
		r.stopTimersLocked()
		r.setFailedLocked(domain.CauseInvalidIdentity)
		r.mu.Unlock()
		r.flush()
		return fmt.Errorf("register: %w", err)
	}
	if r.transport == nil {
		return ErrNoTransport
	}

	r.mu.Lock()
	r.ctx = context.WithoutCancel(ctx)
	r.want = true
	if r.stateLocked() == domain.Registered {
		r.mu.Unlock()
		return nil
	}
	r.attempt = 0
	r.authRetried = false
	r.stopTimersLocked()
	r.startAttemptLocked()
	r.mu.Unlock()
	r.flush()
	return nil
}

// Unregister stops retries and refreshes and tells the registrar with Expires 0.
func (r *Registrar) Unregister(ctx context.Context) error {
	r.mu.Lock()
	r.want = false
	r.awaitOpen = false
	r.stopTimersLocked()
	wasRegistered := r.stateLocked() == domain.Registered
	r.req = nil
	r.transitionLocked(evReset, domain.CauseNone)
	var err error
	if wasRegistered && r.transport != nil && r.transport.Status() == domain.TransportOpen {
		err = r.sendLocked(0)
		r.req = nil
	}
	r.mu.Unlock()
	r.flush()
	return err
}

// HandleFrame consumes one SIP frame from the transport. Replies for other
// requests (stale CSeq or foreign Call-ID) are ignored.
func (r *Registrar) HandleFrame(f core.Frame) {
	res, err := sipreg.ParseResponse(f)
	if err != nil {
		r.log.Warn().Err(err).Msg("dropping sip frame")
		return
	}

	r.mu.Lock()
	if r.req == nil || res.CallID != r.callID || res.CSeq != r.req.cseq {
		r.mu.Unlock()
		r.log.Debug().Int("status", res.StatusCode).Msg("stale registrar response")
		return
	}
	refresh := r.req.refresh
	switch res.Outcome {
	case sipreg.OutcomeProvisional, sipreg.OutcomeUnrecognized:
		// the timeout decides
	case sipreg.OutcomeAccepted:
		r.req = nil
		r.stopTimer(&r.timeoutT)
		r.attempt = 0
		r.authRetried = false
		r.transitionLocked(evAccept, domain.CauseNone)
		r.armRefreshLocked()
		r.log.Info().Bool("refresh", refresh).Msg("registered")
	default:
		r.req = nil
		r.failLocked(res.Cause(), refresh)
	}
	r.mu.Unlock()
	r.flush()
}

func (r *Registrar) onTransport(sc core.StatusChange) {
	r.mu.Lock()
	switch sc.Status {
	case domain.TransportOpen:
		if !r.want {
			break
		}
		if r.awaitOpen {
			r.awaitOpen = false
			if err := r.sendLocked(uint32(r.opts.Expires / time.Second)); err != nil {
				r.failLocked(domain.CauseTransportUnavailable, false)
			}
		} else if r.stateLocked() == domain.Unregistered {
			r.stopTimer(&r.retryT)
			r.startAttemptLocked()
		}
	case domain.TransportClosed, domain.TransportErrored:
		st := r.stateLocked()
		if st != domain.Registering && st != domain.Registered {
			break
		}
		r.req = nil
		r.awaitOpen = false
		r.stopTimer(&r.timeoutT)
		r.stopTimer(&r.refreshT)
		r.transitionLocked(evLose, domain.CauseTransportUnavailable)
		r.log.Warn().Str("transport", string(sc.Status)).Msg("registration lost with transport")
		if r.want {
			r.scheduleRetryLocked()
		}
	}
	r.mu.Unlock()
	r.flush()
}

// startAttemptLocked counts one attempt and sends REGISTER, or waits for the transport to open.
func (r *Registrar) startAttemptLocked() {
	r.attempt++
	if !r.opts.Backoff.Allowed(r.attempt) {
		r.exhaustLocked()
		return
	}
	r.transitionLocked(evRegister, domain.CauseNone)
	r.armTimeoutLocked()
	if r.transport.Status() == domain.TransportOpen {
		if err := r.sendLocked(uint32(r.opts.Expires / time.Second)); err != nil {
			r.failLocked(domain.CauseTransportUnavailable, false)
		}
		return
	}
	r.awaitOpen = true
	ctx := r.ctx
	go func() {
		if err := r.transport.DialNow(ctx); err != nil {
			r.log.Debug().Err(err).Msg("transport reconnect for registration")
		}
	}()
}

func (r *Registrar) sendLocked(expires uint32) error {
	if r.callID == "" {
		r.callID = uuid.NewString() + "@" + r.opts.ContactHost
	}
	r.cseq++
	req := sipreg.BuildRegister(sipreg.Params{
		Identity:    r.opts.Identity,
		Registrar:   r.opts.Host,
		Port:        r.opts.Port,
		ContactHost: r.opts.ContactHost,
		Expires:     expires,
		CSeq:        r.cseq,
		CallID:      r.callID,
		Credential:  r.opts.Credential,
		UserAgent:   r.opts.UserAgent,
	})
	r.req = &inflight{cseq: r.cseq, refresh: r.stateLocked() == domain.Registered}
	if err := r.transport.Send(sipreg.Encode(req)); err != nil {
		r.req = nil
		r.log.Warn().Err(err).Msg("send REGISTER")
		return err
	}
	r.log.Debug().Uint32("cseq", r.cseq).Uint32("expires", expires).Msg("REGISTER sent")
	return nil
}

// failLocked handles a failed attempt. A failed refresh drops to unregistered
// first. AuthenticationFailed gets one immediate retry; everything else backs off.
func (r *Registrar) failLocked(cause domain.Cause, refresh bool) {
	r.stopTimer(&r.timeoutT)
	r.awaitOpen = false
	if refresh {
		r.stopTimer(&r.refreshT)
		r.transitionLocked(evLose, cause)
		if r.want {
			r.scheduleRetryLocked()
		}
		return
	}
	if !r.opts.Backoff.Allowed(r.attempt + 1) {
		r.log.Warn().Str("cause", string(cause)).Msg("last registration attempt failed")
		r.exhaustLocked()
		return
	}
	r.setFailedLocked(cause)
	if !r.want {
		return
	}
	if cause == domain.CauseAuthenticationFailed && !r.authRetried {
		r.authRetried = true
		r.startAttemptLocked()
		return
	}
	r.scheduleRetryLocked()
}

func (r *Registrar) exhaustLocked() {
	r.want = false
	r.stopTimersLocked()
	r.setFailedLocked(domain.CauseRegistrationExhausted)
	r.log.Error().Int("attempt", r.attempt).Msg("registration attempts exhausted")
}

func (r *Registrar) scheduleRetryLocked() {
	next := r.attempt + 1
	if !r.opts.Backoff.Allowed(next) {
		r.exhaustLocked()
		return
	}
	delay := r.opts.Backoff.Delay(next)
	r.stopTimer(&r.retryT)
	r.retryT = r.afterLocked(delay, func() {
		if !r.want {
			return
		}
		st := r.stateLocked()
		if st == domain.Unregistered || st == domain.RegFailed {
			r.startAttemptLocked()
		}
	})
	r.log.Info().Int("attempt", next).Dur("delay", delay).Msg("registration retry scheduled")
}

func (r *Registrar) armTimeoutLocked() {
	r.stopTimer(&r.timeoutT)
	r.timeoutT = r.afterLocked(r.opts.Timeout, func() {
		if r.stateLocked() != domain.Registering && r.req == nil {
			return
		}
		refresh := r.req != nil && r.req.refresh
		r.req = nil
		r.failLocked(domain.CauseRegistrarTimeout, refresh)
	})
}

func (r *Registrar) armRefreshLocked() {
	r.stopTimer(&r.refreshT)
	r.refreshT = r.afterLocked(r.opts.Expires/2, func() {
		if r.stateLocked() != domain.Registered || r.transport.Status() != domain.TransportOpen {
			return
		}
		r.armTimeoutLocked()
		if err := r.sendLocked(uint32(r.opts.Expires / time.Second)); err != nil {
			r.failLocked(domain.CauseTransportUnavailable, true)
		}
	})
}

// afterLocked arms a timer whose callback runs under the lock, unless the
// timer was stopped or replaced before it fired.
func (r *Registrar) afterLocked(d time.Duration, fn func()) *clock.Timer {
	var t *clock.Timer
	t = r.opts.Clock.AfterFunc(d, func() {
		r.mu.Lock()
		if t == nil || (t != r.retryT && t != r.timeoutT && t != r.refreshT) {
			r.mu.Unlock()
			return
		}
		r.clearTimer(t)
		fn()
		r.mu.Unlock()
		r.flush()
	})
	return t
}

func (r *Registrar) clearTimer(t *clock.Timer) {
	switch t {
	case r.retryT:
		r.retryT = nil
	case r.timeoutT:
		r.timeoutT = nil
	case r.refreshT:
		r.refreshT = nil
	}
}

func (r *Registrar) stopTimer(t **clock.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func (r *Registrar) stopTimersLocked() {
	r.stopTimer(&r.retryT)
	r.stopTimer(&r.timeoutT)
	r.stopTimer(&r.refreshT)
}

func (r *Registrar) setFailedLocked(cause domain.Cause) {
	if r.stateLocked() == domain.RegFailed {
		if r.cause != cause {
			r.cause = cause
			r.enqueueLocked()
		}
		return
	}
	r.transitionLocked(evFail, cause)
}

func (r *Registrar) transitionLocked(event string, cause domain.Cause) bool {
	if !r.fsm.Can(event) {
		return false
	}
	if err := r.fsm.Event(context.Background(), event); err != nil {
		var noTransition fsm.NoTransitionError
		if !errors.As(err, &noTransition) {
			r.log.Error().Err(err).Str("event", event).Msg("registration transition")
		}
		return false
	}
	r.cause = cause
	r.enqueueLocked()
	return true
}

func (r *Registrar) enqueueLocked() {
	rec := r.recordLocked()
	r.emitMu.Lock()
	r.pending = append(r.pending, rec)
	r.emitMu.Unlock()
}

func (r *Registrar) flush() {
	r.emitMu.Lock()
	if r.draining {
		r.emitMu.Unlock()
		return
	}
	r.draining = true
	for len(r.pending) > 0 {
		rec := r.pending[0]
		r.pending = r.pending[1:]
		r.emitMu.Unlock()
		r.publish(rec)
		r.emitMu.Lock()
	}
	r.draining = false
	r.emitMu.Unlock()
}

func (r *Registrar) publish(rec Record) {
	r.log.Info().Str("status", string(rec.Status)).Str("cause", string(rec.Cause)).Msg("registration status")
	if r.bus == nil {
		return
	}
	r.bus.Publish(eventbus.TopicRegistrationStatus, eventbus.RegistrationStatus{
		Identity:   rec.Identity,
		Status:     rec.Status,
		Registered: rec.Status == domain.Registered,
		Cause:      rec.Cause,
	})
}
