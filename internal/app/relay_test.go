package app

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Phone/internal/core"
	"github.com/dkeye/Phone/internal/domain"
	"github.com/dkeye/Phone/internal/signaling"
)

type device struct {
	mu     sync.Mutex
	frames []core.Frame
	full   bool
}

func (d *device) TrySend(f core.Frame) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.full {
		return ErrBackpressure
	}
	d.frames = append(d.frames, f)
	return nil
}

func (d *device) Close() {}

func (d *device) messages(t *testing.T) []signaling.Message {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []signaling.Message
	for _, f := range d.frames {
		m, err := signaling.Decode(f)
		require.NoError(t, err)
		out = append(out, m)
	}
	return out
}

type countingMetrics struct {
	forwarded map[string]int
	dropped   map[string]int
}

func (c *countingMetrics) Forwarded(t string) { c.forwarded[t]++ }
func (c *countingMetrics) Dropped(r string)   { c.dropped[r]++ }

type allowN struct{ n int }

func (a *allowN) Allow(domain.Identity) bool {
	if a.n == 0 {
		return false
	}
	a.n--
	return true
}

func setup(limit int) (*Relay, *countingMetrics) {
	m := &countingMetrics{forwarded: map[string]int{}, dropped: map[string]int{}}
	return NewRelay(NewRegistry(), SimplePolicy{Kick: true}, &allowN{n: limit}, m), m
}

func attach(r *Relay, id ConnID, ext domain.Identity) (*device, *bool) {
	d := &device{}
	cancelled := false
	r.Registry.Bind(id, ext, d, func() { cancelled = true })
	return d, &cancelled
}

func encode(t *testing.T, m signaling.Message) core.Frame {
	t.Helper()
	data, err := signaling.Encode(m)
	require.NoError(t, err)
	return data
}

func TestForwardAssignsSessionID(t *testing.T) {
	r, m := setup(10)
	caller, _ := attach(r, "c1", "1001")
	callee, _ := attach(r, "c2", "1002")

	r.OnFrame("c1", "1001", encode(t, signaling.Invitation("", "1001", "1002")))

	got := callee.messages(t)
	require.Len(t, got, 1)
	assert.Equal(t, signaling.TypeInvitation, got[0].Type)
	assert.NotEmpty(t, got[0].SessionID)
	assert.Empty(t, caller.messages(t))
	assert.Equal(t, 1, m.forwarded["invitation"])
}

func TestOfflineCalleeGetsUnavailable(t *testing.T) {
	r, m := setup(10)
	caller, _ := attach(r, "c1", "1001")

	r.OnFrame("c1", "1001", encode(t, signaling.Invitation("s1", "1001", "1009")))

	got := caller.messages(t)
	require.Len(t, got, 1)
	assert.Equal(t, signaling.TypeReject, got[0].Type)
	assert.Equal(t, domain.CauseUnavailable, got[0].Cause())
	assert.Equal(t, domain.Identity("1009"), got[0].From)
	assert.Equal(t, 1, m.dropped["offline"])
}

func TestPingPong(t *testing.T) {
	r, _ := setup(10)
	d, _ := attach(r, "c1", "1001")
	r.OnFrame("c1", "1001", core.Frame(`{"type":"ping"}`))
	assert.Equal(t, []core.Frame{core.Frame(`{"type":"pong"}`)}, d.frames)
}

func TestSpoofedSenderDropped(t *testing.T) {
	r, m := setup(10)
	attach(r, "c1", "1001")
	callee, _ := attach(r, "c2", "1002")

	r.OnFrame("c1", "1001", encode(t, signaling.Invitation("s1", "1003", "1002")))
	assert.Empty(t, callee.messages(t))
	assert.Equal(t, 1, m.dropped["spoofed"])
}

func TestInvitationRateLimited(t *testing.T) {
	r, _ := setup(1)
	caller, _ := attach(r, "c1", "1001")
	attach(r, "c2", "1002")

	r.OnFrame("c1", "1001", encode(t, signaling.Invitation("s1", "1001", "1002")))
	r.OnFrame("c1", "1001", encode(t, signaling.Invitation("s2", "1001", "1002")))

	got := caller.messages(t)
	require.Len(t, got, 1)
	assert.Equal(t, domain.CauseRateLimited, got[0].Cause())
}

func TestRateLimitedInvitationWithoutSessionID(t *testing.T) {
	r, _ := setup(0)
	caller, _ := attach(r, "c1", "1001")
	attach(r, "c2", "1002")

	r.OnFrame("c1", "1001", encode(t, signaling.Invitation("", "1001", "1002")))

	got := caller.messages(t)
	require.Len(t, got, 1)
	assert.Equal(t, signaling.TypeReject, got[0].Type)
	assert.Equal(t, domain.CauseRateLimited, got[0].Cause())
	assert.NotEmpty(t, got[0].SessionID)
}

func TestMultiDeviceAcceptPinsSession(t *testing.T) {
	r, _ := setup(10)
	caller, _ := attach(r, "c1", "1001")
	deskA, _ := attach(r, "a", "1002")
	deskB, _ := attach(r, "b", "1002")

	r.OnFrame("c1", "1001", encode(t, signaling.Invitation("s1", "1001", "1002")))
	require.Len(t, deskA.messages(t), 1)
	require.Len(t, deskB.messages(t), 1)

	r.OnFrame("a", "1002", encode(t, signaling.Accept("s1", "1002", "1001")))
	require.Len(t, caller.messages(t), 1)

	bGot := deskB.messages(t)
	require.Len(t, bGot, 2)
	assert.Equal(t, signaling.TypeTerminate, bGot[1].Type)
	assert.Equal(t, domain.CauseAnsweredElsewhere, bGot[1].Cause())

	r.OnFrame("c1", "1001", encode(t, signaling.Terminate("s1", "1001", "1002", domain.CauseLocalHangup)))
	assert.Len(t, deskA.messages(t), 2)
	assert.Len(t, deskB.messages(t), 2, "pinned to the answering device")
}

func TestSlowDeviceKicked(t *testing.T) {
	r, m := setup(10)
	attach(r, "c1", "1001")
	callee, cancelled := attach(r, "c2", "1002")
	callee.full = true

	r.OnFrame("c1", "1001", encode(t, signaling.Invitation("s1", "1001", "1002")))
	assert.True(t, *cancelled)
	assert.Equal(t, 1, m.dropped["backpressure"])
}

func TestRegistryUnbind(t *testing.T) {
	reg := NewRegistry()
	_, cancel := context.WithCancel(context.Background())
	reg.Bind("a", "1002", &device{}, cancel)
	reg.Bind("b", "1002", &device{}, cancel)
	assert.Len(t, reg.DevicesOf("1002"), 2)

	reg.Unbind("a")
	assert.True(t, reg.Online("1002"))
	reg.Unbind("b")
	assert.False(t, reg.Online("1002"))
	assert.Zero(t, reg.Count())
	assert.False(t, reg.Cancel("b"))
}

func TestClosedDeviceNotKicked(t *testing.T) {
	r, m := setup(10)
	r.Registry.Bind("x", "1002", closedConn{}, nil)
	attach(r, "c1", "1001")
	r.OnFrame("c1", "1001", encode(t, signaling.Invitation("s1", "1001", "1002")))
	assert.Equal(t, 1, m.dropped["closed"])
}

type closedConn struct{}

func (closedConn) TrySend(core.Frame) error { return errors.New("connection closed") }
func (closedConn) Close()                   {}
