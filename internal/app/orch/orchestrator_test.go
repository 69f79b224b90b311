package orch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Phone/internal/core"
	"github.com/dkeye/Phone/internal/domain"
	"github.com/dkeye/Phone/internal/eventbus"
	"github.com/dkeye/Phone/internal/signaling"
)

// memRelay forwards frames between phones by the "to" field.
type memRelay struct {
	mu       sync.Mutex
	phones   map[domain.Identity]*Phone
	messages []signaling.Message
	failures map[domain.Identity]int
}

func newRelay() *memRelay {
	return &memRelay{phones: map[domain.Identity]*Phone{}, failures: map[domain.Identity]int{}}
}

type memConn struct {
	r  *memRelay
	id domain.Identity
}

func (c memConn) Status() domain.TransportStatus { return domain.TransportOpen }

func (c memConn) Send(f core.Frame) error {
	r := c.r
	r.mu.Lock()
	if r.failures[c.id] > 0 {
		r.failures[c.id]--
		r.mu.Unlock()
		return errors.New("relay unavailable")
	}
	m, err := signaling.Decode(f)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	r.messages = append(r.messages, m)
	target := r.phones[m.To]
	sender := r.phones[c.id]
	r.mu.Unlock()

	if target == nil {
		if m.Type == signaling.TypeInvitation && sender != nil {
			reply, _ := signaling.Encode(signaling.Reject(m.SessionID, m.To, m.From, domain.CauseUnavailable))
			sender.HandleFrame(reply)
		}
		return nil
	}
	target.HandleFrame(f)
	return nil
}

func (r *memRelay) failNext(id domain.Identity, n int) {
	r.mu.Lock()
	r.failures[id] = n
	r.mu.Unlock()
}

func (r *memRelay) sentBy(id domain.Identity, t signaling.Type) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range r.messages {
		if m.From == id && m.Type == t {
			n++
		}
	}
	return n
}

type fakeMedia struct {
	name string
	gate chan struct{}

	mu        sync.Mutex
	onICE     func(webrtc.ICECandidateInit)
	onState   func(core.MediaState)
	remoteSet bool
	remote    []string
	connected bool
	closed    int
}

func (m *fakeMedia) emitLocal() {
	m.mu.Lock()
	fn := m.onICE
	m.mu.Unlock()
	for _, c := range []string{m.name + "1", m.name + "2"} {
		fn(webrtc.ICECandidateInit{Candidate: c})
	}
}

func (m *fakeMedia) CreateOffer(context.Context) (webrtc.SessionDescription, error) {
	if m.gate != nil {
		<-m.gate
	}
	m.emitLocal()
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer-" + m.name}, nil
}

func (m *fakeMedia) AcquireMedia(context.Context) error { return nil }

func (m *fakeMedia) ApplyOfferAndCreateAnswer(_ context.Context, _ webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	m.mu.Lock()
	m.remoteSet = true
	m.mu.Unlock()
	m.emitLocal()
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-" + m.name}, nil
}

func (m *fakeMedia) ApplyAnswer(webrtc.SessionDescription) error {
	m.mu.Lock()
	m.remoteSet = true
	m.mu.Unlock()
	return nil
}

func (m *fakeMedia) AddICECandidate(c webrtc.ICECandidateInit) error {
	m.mu.Lock()
	if !m.remoteSet {
		m.mu.Unlock()
		return errors.New("remote description not set")
	}
	m.remote = append(m.remote, c.Candidate)
	fire := len(m.remote) == 2 && !m.connected
	m.connected = m.connected || fire
	fn := m.onState
	m.mu.Unlock()
	if fire {
		fn(core.MediaConnected)
	}
	return nil
}

func (m *fakeMedia) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	m.mu.Lock()
	m.onICE = fn
	m.mu.Unlock()
}

func (m *fakeMedia) OnStateChange(fn func(core.MediaState)) {
	m.mu.Lock()
	m.onState = fn
	m.mu.Unlock()
}

func (m *fakeMedia) Close() {
	m.mu.Lock()
	m.closed++
	m.mu.Unlock()
}

func (m *fakeMedia) snapshot() ([]string, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string{}, m.remote...), m.closed
}

type stateLog struct {
	mu     sync.Mutex
	events []eventbus.CallState
}

func (l *stateLog) states(sid domain.SessionID) []domain.CallState {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []domain.CallState
	for _, e := range l.events {
		if e.SessionID == sid {
			out = append(out, e.State)
		}
	}
	return out
}

func (l *stateLog) last(sid domain.SessionID) (eventbus.CallState, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.events) - 1; i >= 0; i-- {
		if l.events[i].SessionID == sid {
			return l.events[i], true
		}
	}
	return eventbus.CallState{}, false
}

func (l *stateLog) ringing() (domain.SessionID, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.events {
		if e.State == domain.CallRinging {
			return e.SessionID, true
		}
	}
	return "", false
}

type endpoint struct {
	phone *Phone
	log   *stateLog
	clk   *clock.Mock

	mu    sync.Mutex
	media []*fakeMedia
	gate  chan struct{}
}

func (e *endpoint) lastMedia() *fakeMedia {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.media) == 0 {
		return nil
	}
	return e.media[len(e.media)-1]
}

func (e *endpoint) reached(sid domain.SessionID, want domain.CallState) func() bool {
	return func() bool {
		last, ok := e.log.last(sid)
		return ok && last.State == want
	}
}

func join(t *testing.T, r *memRelay, id domain.Identity, clk *clock.Mock) *endpoint {
	t.Helper()
	bus := eventbus.New()
	ep := &endpoint{log: &stateLog{}, clk: clk}
	bus.Subscribe(eventbus.TopicCallState, func(p any) {
		ep.log.mu.Lock()
		ep.log.events = append(ep.log.events, p.(eventbus.CallState))
		ep.log.mu.Unlock()
	})
	factory := func(domain.SessionID) (core.MediaConnection, error) {
		ep.mu.Lock()
		defer ep.mu.Unlock()
		m := &fakeMedia{name: string(id) + "-c", gate: ep.gate}
		ep.media = append(ep.media, m)
		return m, nil
	}
	ep.phone = New(Options{Identity: id, Clock: clk, SendRetryDelay: time.Second}, memConn{r: r, id: id}, factory, bus)

	r.mu.Lock()
	r.phones[id] = ep.phone
	r.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = ep.phone.Run(ctx) }()
	t.Cleanup(cancel)
	return ep
}

const wait = 2 * time.Second
const tick = 5 * time.Millisecond

func TestHappyPath(t *testing.T) {
	r := newRelay()
	clk := clock.NewMock()
	a := join(t, r, "1001", clk)
	b := join(t, r, "1002", clk)
	ctx := context.Background()

	sid, err := a.phone.Call(ctx, "1002")
	require.NoError(t, err)

	require.Eventually(t, func() bool { _, ok := b.log.ringing(); return ok }, wait, tick)
	inSID, _ := b.log.ringing()
	assert.Equal(t, sid, inSID)

	require.NoError(t, b.phone.Accept(ctx, sid))

	require.Eventually(t, a.reached(sid, domain.CallActive), wait, tick)
	require.Eventually(t, b.reached(sid, domain.CallActive), wait, tick)

	assert.Equal(t, []domain.CallState{
		domain.CallInitiating, domain.CallAccepted, domain.CallNegotiating, domain.CallActive,
	}, a.log.states(sid))
	assert.Equal(t, []domain.CallState{
		domain.CallRinging, domain.CallNegotiating, domain.CallActive,
	}, b.log.states(sid))

	aRemote, _ := a.lastMedia().snapshot()
	bRemote, _ := b.lastMedia().snapshot()
	assert.Equal(t, []string{"1002-c1", "1002-c2"}, aRemote)
	assert.Equal(t, []string{"1001-c1", "1001-c2"}, bRemote)

	require.NoError(t, a.phone.Hangup(ctx, sid))
	require.Eventually(t, b.reached(sid, domain.CallEnded), wait, tick)

	last, _ := a.log.last(sid)
	assert.Equal(t, domain.CallEnded, last.State)
	assert.Equal(t, domain.CauseLocalHangup, last.Cause)
	last, _ = b.log.last(sid)
	assert.Equal(t, domain.CauseRemoteHangup, last.Cause)

	_, aClosed := a.lastMedia().snapshot()
	require.Eventually(t, func() bool { _, n := b.lastMedia().snapshot(); return n == 1 }, wait, tick)
	assert.Equal(t, 1, aClosed)

	_, live := a.phone.Directory().Current()
	assert.False(t, live)
	assert.Zero(t, a.phone.Directory().Len())
}

func TestBusy(t *testing.T) {
	r := newRelay()
	clk := clock.NewMock()
	a := join(t, r, "1001", clk)
	b := join(t, r, "1002", clk)
	c := join(t, r, "1003", clk)
	ctx := context.Background()

	first, err := a.phone.Call(ctx, "1002")
	require.NoError(t, err)
	require.Eventually(t, b.reached(first, domain.CallRinging), wait, tick)
	require.NoError(t, b.phone.Accept(ctx, first))
	require.Eventually(t, b.reached(first, domain.CallActive), wait, tick)

	second, err := c.phone.Call(ctx, "1002")
	require.NoError(t, err)
	require.Eventually(t, c.reached(second, domain.CallRejected), wait, tick)

	last, _ := c.log.last(second)
	assert.Equal(t, domain.CauseBusy, last.Cause)
	assert.Empty(t, b.log.states(second))

	snap, live, err := b.phone.Current(ctx)
	require.NoError(t, err)
	require.True(t, live)
	assert.Equal(t, first, snap.SessionID)
	assert.Equal(t, domain.CallActive, snap.State)
}

func TestCalleeOffline(t *testing.T) {
	r := newRelay()
	a := join(t, r, "1001", clock.NewMock())

	sid, err := a.phone.Call(context.Background(), "1009")
	require.NoError(t, err)
	require.Eventually(t, a.reached(sid, domain.CallRejected), wait, tick)
	last, _ := a.log.last(sid)
	assert.Equal(t, domain.CauseUnavailable, last.Cause)
}

func TestSingleFlightCommand(t *testing.T) {
	r := newRelay()
	a := join(t, r, "1001", clock.NewMock())
	join(t, r, "1002", clock.NewMock())

	_, err := a.phone.Call(context.Background(), "1002")
	require.NoError(t, err)
	_, err = a.phone.Call(context.Background(), "1003")
	assert.ErrorIs(t, err, domain.ErrAlreadyInCall)
}

func TestCancellationWinsOverPendingOffer(t *testing.T) {
	r := newRelay()
	clk := clock.NewMock()
	a := join(t, r, "1001", clk)
	a.mu.Lock()
	a.gate = make(chan struct{})
	a.mu.Unlock()
	b := join(t, r, "1002", clk)
	ctx := context.Background()

	sid, err := a.phone.Call(ctx, "1002")
	require.NoError(t, err)
	require.Eventually(t, b.reached(sid, domain.CallRinging), wait, tick)
	require.NoError(t, b.phone.Accept(ctx, sid))
	require.Eventually(t, a.reached(sid, domain.CallNegotiating), wait, tick)

	require.NoError(t, a.phone.Hangup(ctx, sid))
	close(a.gate)

	require.Eventually(t, b.reached(sid, domain.CallEnded), wait, tick)
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, domain.CallCancelled, a.log.states(sid)[len(a.log.states(sid))-1])
	assert.Zero(t, r.sentBy("1001", signaling.TypeOffer), "late offer is discarded")
	_, closed := a.lastMedia().snapshot()
	assert.Equal(t, 1, closed)
}

func TestSendRetriedOnce(t *testing.T) {
	r := newRelay()
	clk := clock.NewMock()
	a := join(t, r, "1001", clk)
	b := join(t, r, "1002", clk)

	r.failNext("1001", 1)
	sid, err := a.phone.Call(context.Background(), "1002")
	require.NoError(t, err)
	assert.Equal(t, []domain.CallState{domain.CallInitiating}, a.log.states(sid))

	clk.Add(time.Second)
	require.Eventually(t, b.reached(sid, domain.CallRinging), wait, tick)
}

func TestSendFailsTwice(t *testing.T) {
	r := newRelay()
	clk := clock.NewMock()
	a := join(t, r, "1001", clk)
	join(t, r, "1002", clk)

	r.failNext("1001", 2)
	sid, err := a.phone.Call(context.Background(), "1002")
	require.NoError(t, err)

	clk.Add(time.Second)
	require.Eventually(t, a.reached(sid, domain.CallFailed), wait, tick)
	last, _ := a.log.last(sid)
	assert.Equal(t, domain.CauseSignalingUnavailable, last.Cause)
}

func TestNoAnswer(t *testing.T) {
	r := newRelay()
	clk := clock.NewMock()
	a := join(t, r, "1001", clk)
	b := join(t, r, "1002", clk)

	sid, err := a.phone.Call(context.Background(), "1002")
	require.NoError(t, err)
	require.Eventually(t, b.reached(sid, domain.CallRinging), wait, tick)

	clk.Add(30 * time.Second)
	require.Eventually(t, a.reached(sid, domain.CallFailed), wait, tick)
	last, _ := a.log.last(sid)
	assert.Equal(t, domain.CauseNoAnswer, last.Cause)

	require.Eventually(t, func() bool {
		last, ok := b.log.last(sid)
		return ok && last.State.Terminal()
	}, wait, tick)
}

func TestCommandsOnUnknownSession(t *testing.T) {
	r := newRelay()
	a := join(t, r, "1001", clock.NewMock())
	assert.ErrorIs(t, a.phone.Accept(context.Background(), "nope"), domain.ErrUnknownSession)
	assert.ErrorIs(t, a.phone.Hangup(context.Background(), "nope"), domain.ErrUnknownSession)
}

func frame(t *testing.T, m signaling.Message) core.Frame {
	t.Helper()
	data, err := signaling.Encode(m)
	require.NoError(t, err)
	return data
}

func TestRepeatedInvitationAfterReject(t *testing.T) {
	r := newRelay()
	b := join(t, r, "1002", clock.NewMock())
	ctx := context.Background()
	inv := frame(t, signaling.Invitation("sid-1", "1001", "1002"))

	b.phone.HandleFrame(inv)
	require.Eventually(t, b.reached("sid-1", domain.CallRinging), wait, tick)
	require.NoError(t, b.phone.Reject(ctx, "sid-1"))
	require.Eventually(t, b.reached("sid-1", domain.CallRejected), wait, tick)

	b.phone.HandleFrame(inv)
	_, live, err := b.phone.Current(ctx)
	require.NoError(t, err)
	assert.False(t, live)
	assert.Equal(t, []domain.CallState{domain.CallRinging, domain.CallRejected}, b.log.states("sid-1"))
	assert.Equal(t, 1, r.sentBy("1002", signaling.TypeReject), "no busy reply to the repeat")
}

func TestCallerWithdrawsWhileRinging(t *testing.T) {
	r := newRelay()
	clk := clock.NewMock()
	b := join(t, r, "1002", clk)
	ctx := context.Background()

	b.phone.HandleFrame(frame(t, signaling.Invitation("sid-1", "1001", "1002")))
	require.Eventually(t, b.reached("sid-1", domain.CallRinging), wait, tick)

	b.phone.HandleFrame(frame(t, signaling.Reject("sid-1", "1001", "1002", domain.CauseLocalHangup)))
	require.Eventually(t, b.reached("sid-1", domain.CallRejected), wait, tick)

	clk.Add(30 * time.Second)
	_, live, err := b.phone.Current(ctx)
	require.NoError(t, err)
	assert.False(t, live)
	assert.Zero(t, r.sentBy("1002", signaling.TypeReject))
	assert.Equal(t, []domain.CallState{domain.CallRinging, domain.CallRejected}, b.log.states("sid-1"))
}
