package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Phone/internal/backoff"
	"github.com/dkeye/Phone/internal/core"
	"github.com/dkeye/Phone/internal/domain"
	"github.com/dkeye/Phone/internal/eventbus"
)

type relayStub struct {
	srv      *httptest.Server
	mu       sync.Mutex
	conns    []*websocket.Conn
	received chan string
	auth     chan string
}

func newRelayStub(t *testing.T) *relayStub {
	t.Helper()
	rs := &relayStub{received: make(chan string, 16), auth: make(chan string, 16)}
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	rs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rs.auth <- r.Header.Get("Authorization") + " " + r.URL.Query().Get("extension")
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		rs.mu.Lock()
		rs.conns = append(rs.conns, conn)
		rs.mu.Unlock()
		go func() {
			for {
				_, data, err := conn.ReadMessage()
				if err != nil {
					return
				}
				rs.received <- string(data)
			}
		}()
	}))
	t.Cleanup(rs.srv.Close)
	return rs
}

func (rs *relayStub) url() string { return "ws" + strings.TrimPrefix(rs.srv.URL, "http") }

func (rs *relayStub) last() *websocket.Conn {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.conns[len(rs.conns)-1]
}

type statusLog struct {
	mu  sync.Mutex
	all []core.StatusChange
}

func (l *statusLog) add(sc core.StatusChange) {
	l.mu.Lock()
	l.all = append(l.all, sc)
	l.mu.Unlock()
}

func (l *statusLog) snapshot() []core.StatusChange {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]core.StatusChange(nil), l.all...)
}

func (l *statusLog) count(s domain.TransportStatus) int {
	n := 0
	for _, sc := range l.snapshot() {
		if sc.Status == s {
			n++
		}
	}
	return n
}

func (l *statusLog) lastStatus() core.StatusChange {
	all := l.snapshot()
	if len(all) == 0 {
		return core.StatusChange{}
	}
	return all[len(all)-1]
}

func newTestChannel(url string, clk clock.Clock, bus core.Publisher, maxAttempts int) (*Channel, *statusLog) {
	ch := NewChannel(Options{
		URL:        url,
		Credential: "secret-token",
		PingPeriod: time.Minute,
		Backoff:    backoff.New(time.Second, maxAttempts),
		Clock:      clk,
	}, bus)
	sl := &statusLog{}
	ch.OnStatusChange(sl.add)
	return ch, sl
}

func TestConnectSendReceive(t *testing.T) {
	rs := newRelayStub(t)
	bus := eventbus.New()
	var published []eventbus.TransportStatus
	var pmu sync.Mutex
	bus.Subscribe(eventbus.TopicTransportStatus, func(p any) {
		pmu.Lock()
		published = append(published, p.(eventbus.TransportStatus))
		pmu.Unlock()
	})

	ch, sl := newTestChannel(rs.url(), clock.NewMock(), bus, 3)
	got := make(chan string, 1)
	ch.OnMessage(func(f core.Frame) { got <- string(f) })

	require.NoError(t, ch.Connect(context.Background(), "1001"))
	assert.Equal(t, domain.TransportOpen, ch.Status())
	assert.Equal(t, "Bearer secret-token 1001", <-rs.auth)

	require.NoError(t, ch.Send(core.Frame(`{"type":"ping"}`)))
	select {
	case m := <-rs.received:
		assert.Equal(t, `{"type":"ping"}`, m)
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not receive frame")
	}

	require.NoError(t, rs.last().WriteMessage(websocket.TextMessage, []byte("hello")))
	select {
	case m := <-got:
		assert.Equal(t, "hello", m)
	case <-time.After(2 * time.Second):
		t.Fatal("channel did not deliver frame")
	}

	ch.Close()
	assert.Equal(t, domain.TransportClosed, ch.Status())
	assert.ErrorIs(t, ch.Send(core.Frame("x")), ErrNotOpen)

	statuses := sl.snapshot()
	require.Len(t, statuses, 3)
	assert.Equal(t, domain.TransportConnecting, statuses[0].Status)
	assert.Equal(t, domain.TransportOpen, statuses[1].Status)
	assert.Equal(t, domain.TransportClosed, statuses[2].Status)

	pmu.Lock()
	defer pmu.Unlock()
	require.Len(t, published, 3)
	assert.True(t, published[1].Connected)
	assert.Equal(t, domain.Identity("1001"), published[1].Identity)
	assert.Equal(t, "relay", published[1].Channel)
}

func TestSendBeforeConnectFails(t *testing.T) {
	ch, _ := newTestChannel("ws://127.0.0.1:1", clock.NewMock(), nil, 1)
	assert.ErrorIs(t, ch.Send(core.Frame("x")), ErrNotOpen)
	assert.ErrorIs(t, ch.Reconnect(context.Background()), ErrNoIdentity)
}

func TestUncleanCloseReconnectsAfterBaseDelay(t *testing.T) {
	rs := newRelayStub(t)
	mock := clock.NewMock()
	ch, sl := newTestChannel(rs.url(), mock, nil, 3)
	defer ch.Close()

	require.NoError(t, ch.Connect(context.Background(), "1001"))
	<-rs.auth

	// drop the TCP connection without a close frame
	require.NoError(t, rs.last().UnderlyingConn().Close())

	require.Eventually(t, func() bool {
		return sl.lastStatus().Status == domain.TransportErrored
	}, 2*time.Second, 10*time.Millisecond)
	lost := sl.lastStatus()
	assert.Equal(t, domain.CauseConnectionLost, lost.Cause)
	assert.Equal(t, 1, lost.Attempt)

	mock.Add(999 * time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, sl.count(domain.TransportConnecting), "no dial before the base delay")

	mock.Add(time.Millisecond)
	require.Eventually(t, func() bool { return ch.Status() == domain.TransportOpen }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "Bearer secret-token 1001", <-rs.auth)
}

func TestBackoffGrowthAndCap(t *testing.T) {
	rs := newRelayStub(t)
	target := rs.url()
	rs.srv.Close()

	mock := clock.NewMock()
	ch, sl := newTestChannel(target, mock, nil, 3)
	defer ch.Close()

	require.ErrorIs(t, ch.Connect(context.Background(), "1001"), ErrConnect)
	require.Equal(t, 1, sl.count(domain.TransportConnecting))

	for attempt := 1; attempt <= 3; attempt++ {
		delay := time.Duration(1<<(attempt-1)) * time.Second
		mock.Add(delay - time.Millisecond)
		time.Sleep(20 * time.Millisecond)
		assert.Equal(t, attempt, sl.count(domain.TransportConnecting), "attempt %d dialed too early", attempt)

		mock.Add(time.Millisecond)
		require.Eventually(t, func() bool {
			return sl.count(domain.TransportConnecting) == attempt+1 && ch.Status() == domain.TransportErrored
		}, 2*time.Second, 10*time.Millisecond, "attempt %d", attempt)
	}

	last := sl.lastStatus()
	assert.Equal(t, domain.CauseTransportExhausted, last.Cause)

	mock.Add(time.Hour)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 4, sl.count(domain.TransportConnecting), "attempt cap+1 must not be scheduled")
}

func TestReconnectSkippedWhileDialInFlight(t *testing.T) {
	ch, _ := newTestChannel("ws://127.0.0.1:1", clock.NewMock(), nil, 1)
	ch.mu.Lock()
	ch.identity = "1001"
	ch.dialing = true
	ch.mu.Unlock()
	assert.ErrorIs(t, ch.dial(context.Background()), ErrDialInFlight)
}

func TestDialNowKeepsAttemptCount(t *testing.T) {
	rs := newRelayStub(t)
	target := rs.url()
	rs.srv.Close()

	ch, sl := newTestChannel(target, clock.NewMock(), nil, 3)
	defer ch.Close()

	require.ErrorIs(t, ch.Connect(context.Background(), "1001"), ErrConnect)
	for attempt := 2; attempt <= 3; attempt++ {
		require.ErrorIs(t, ch.DialNow(context.Background()), ErrConnect)
		assert.Equal(t, attempt, sl.lastStatus().Attempt)
	}
	require.ErrorIs(t, ch.DialNow(context.Background()), ErrConnect)
	assert.Equal(t, domain.CauseTransportExhausted, sl.lastStatus().Cause)

	assert.ErrorIs(t, ch.DialNow(context.Background()), ErrExhausted)
	assert.Equal(t, 4, sl.count(domain.TransportConnecting))

	// a manual restart starts the schedule over
	require.ErrorIs(t, ch.Reconnect(context.Background()), ErrConnect)
	assert.Equal(t, 1, sl.lastStatus().Attempt)
}
