// Package ws is the client side Transport Channel: one WebSocket to the signaling relay
// (or the SIP registrar), with serialized writes and backoff reconnects.
package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Phone/internal/backoff"
	"github.com/dkeye/Phone/internal/core"
	"github.com/dkeye/Phone/internal/domain"
	"github.com/dkeye/Phone/internal/eventbus"
)

var (
	ErrNotOpen      = errors.New("channel not open")
	ErrBackpressure = errors.New("backpressure")
	ErrConnect      = errors.New("connect failed")
	ErrDialInFlight = errors.New("dial already in flight")
	ErrClosed       = errors.New("channel closed")
	ErrNoIdentity   = errors.New("channel has no identity")
	ErrExhausted    = errors.New("reconnect attempts exhausted")
)

type Options struct {
	// Name tags status events, e.g. "relay" or "registrar".
	Name           string
	URL            string
	Credential     string
	Subprotocols   []string
	PingPeriod     time.Duration
	ReadLimit      int64
	ConnectTimeout time.Duration
	SendBuffer     int
	Backoff        backoff.Policy
	Clock          clock.Clock
	Dialer         *websocket.Dialer
}

func (o *Options) defaults() {
	if o.Name == "" {
		o.Name = "relay"
	}
	if o.PingPeriod <= 0 {
		o.PingPeriod = 30 * time.Second
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = 64 << 10
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 10 * time.Second
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 64
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
}

// Channel owns exactly one connection at a time. It is never shared across identities.
type Channel struct {
	opts Options
	bus  core.Publisher
	log  zerolog.Logger

	mu          sync.Mutex
	identity    domain.Identity
	status      domain.TransportStatus
	conn        *websocket.Conn
	send        chan core.Frame
	stopPumps   context.CancelFunc
	gen         uint64
	attempt     int
	dialing     bool
	manualClose bool
	timer       *clock.Timer

	obsMu     sync.RWMutex
	onMessage []func(core.Frame)
	onStatus  []func(core.StatusChange)

	emitMu   sync.Mutex
	pending  []core.StatusChange
	draining bool
}

func NewChannel(opts Options, bus core.Publisher) *Channel {
	opts.defaults()
	return &Channel{
		opts:   opts,
		bus:    bus,
		status: domain.TransportClosed,
		log:    log.With().Str("module", "ws").Str("channel", opts.Name).Logger(),
	}
}

// OnMessage registers an observer for inbound frames; observers run on the read goroutine in arrival order.
func (c *Channel) OnMessage(fn func(core.Frame)) {
	c.obsMu.Lock()
	c.onMessage = append(c.onMessage, fn)
	c.obsMu.Unlock()
}

func (c *Channel) OnStatusChange(fn func(core.StatusChange)) {
	c.obsMu.Lock()
	c.onStatus = append(c.onStatus, fn)
	c.obsMu.Unlock()
}

func (c *Channel) Status() domain.TransportStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Channel) Identity() domain.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// Connect opens the channel for identity and returns once it is open or the dial failed.
// A failed dial still enters the reconnect schedule.
func (c *Channel) Connect(ctx context.Context, identity domain.Identity) error {
	c.mu.Lock()
	c.identity = identity
	c.mu.Unlock()
	return c.Reconnect(ctx)
}

// Reconnect is the manual restart: it resets the attempt counter and dials now.
func (c *Channel) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.identity == "" {
		c.mu.Unlock()
		return ErrNoIdentity
	}
	c.manualClose = false
	c.attempt = 0
	c.stopTimerLocked()
	c.mu.Unlock()
	return c.dial(ctx)
}

// DialNow dials immediately but keeps the attempt counter: a failure counts
// toward the backoff cap like a scheduled attempt. Only Reconnect revives an
// exhausted or closed channel.
func (c *Channel) DialNow(ctx context.Context) error {
	c.mu.Lock()
	switch {
	case c.identity == "":
		c.mu.Unlock()
		return ErrNoIdentity
	case c.manualClose:
		c.mu.Unlock()
		return ErrClosed
	case c.attempt > 0 && !c.opts.Backoff.Allowed(c.attempt):
		c.mu.Unlock()
		return ErrExhausted
	}
	c.mu.Unlock()
	return c.dial(ctx)
}

func (c *Channel) dial(ctx context.Context) error {
	c.mu.Lock()
	if c.dialing {
		c.mu.Unlock()
		return ErrDialInFlight
	}
	if c.status == domain.TransportOpen {
		c.mu.Unlock()
		return nil
	}
	c.dialing = true
	identity := c.identity
	attempt := c.attempt
	c.setStatusLocked(domain.TransportConnecting, attempt, domain.CauseNone)
	c.mu.Unlock()
	c.flush()

	target, err := c.endpoint(identity)
	if err != nil {
		c.mu.Lock()
		c.dialing = false
		c.setStatusLocked(domain.TransportErrored, attempt, domain.CauseConnectFailed)
		c.mu.Unlock()
		c.flush()
		return fmt.Errorf("%w: %v", ErrConnect, err)
	}

	header := http.Header{}
	if c.opts.Credential != "" {
		header.Set("Authorization", "Bearer "+c.opts.Credential)
	}
	dialer := *c.opts.Dialer
	dialer.Subprotocols = c.opts.Subprotocols

	dctx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	conn, _, err := dialer.DialContext(dctx, target, header)
	cancel()

	c.mu.Lock()
	c.dialing = false
	if err != nil {
		c.log.Warn().Err(err).Str("identity", string(identity)).Int("attempt", attempt).Msg("dial failed")
		if !c.manualClose {
			c.failLocked(domain.CauseConnectFailed)
		}
		c.mu.Unlock()
		c.flush()
		return fmt.Errorf("%w: %v", ErrConnect, err)
	}
	if c.manualClose {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}

	c.gen++
	gen := c.gen
	pumpCtx, stop := context.WithCancel(context.Background())
	c.conn = conn
	c.send = make(chan core.Frame, c.opts.SendBuffer)
	c.stopPumps = stop
	c.attempt = 0
	c.setStatusLocked(domain.TransportOpen, 0, domain.CauseNone)
	send := c.send
	c.mu.Unlock()

	c.log.Info().Str("identity", string(identity)).Str("url", c.opts.URL).Msg("connected")
	go c.writePump(pumpCtx, gen, conn, send)
	go c.readPump(gen, conn)
	c.flush()
	return nil
}

func (c *Channel) endpoint(identity domain.Identity) (string, error) {
	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("extension", string(identity))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Send enqueues f on the single writer. It never blocks.
func (c *Channel) Send(f core.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != domain.TransportOpen || c.send == nil {
		return ErrNotOpen
	}
	select {
	case c.send <- f:
		return nil
	default:
		return ErrBackpressure
	}
}

// Close performs a clean close; no reconnect is scheduled afterwards.
func (c *Channel) Close() {
	c.mu.Lock()
	c.manualClose = true
	c.stopTimerLocked()
	c.gen++
	if c.stopPumps != nil {
		c.stopPumps()
		c.stopPumps = nil
	}
	if c.conn != nil {
		deadline := time.Now().Add(time.Second)
		_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), deadline)
		_ = c.conn.Close()
		c.conn = nil
	}
	c.send = nil
	if c.status != domain.TransportClosed {
		c.setStatusLocked(domain.TransportClosed, 0, domain.CauseNone)
	}
	c.mu.Unlock()
	c.flush()
}

// drop handles the end of connection gen; stale generations are ignored.
func (c *Channel) drop(gen uint64, err error) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.gen++
	if c.stopPumps != nil {
		c.stopPumps()
		c.stopPumps = nil
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.send = nil

	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.log.Info().Msg("closed by peer")
		c.setStatusLocked(domain.TransportClosed, 0, domain.CauseNone)
	} else {
		c.log.Warn().Err(err).Msg("connection lost")
		c.failLocked(domain.CauseConnectionLost)
	}
	c.mu.Unlock()
	c.flush()
}

// failLocked records an unclean end and schedules the next attempt, or gives up past the cap.
func (c *Channel) failLocked(cause domain.Cause) {
	c.attempt++
	if !c.opts.Backoff.Allowed(c.attempt) {
		c.log.Error().Int("attempt", c.attempt).Msg("reconnect attempts exhausted")
		c.setStatusLocked(domain.TransportErrored, c.attempt, domain.CauseTransportExhausted)
		return
	}
	delay := c.opts.Backoff.Delay(c.attempt)
	c.setStatusLocked(domain.TransportErrored, c.attempt, cause)
	c.stopTimerLocked()
	c.timer = c.opts.Clock.AfterFunc(delay, c.reconnectFire)
	c.log.Info().Int("attempt", c.attempt).Dur("delay", delay).Msg("reconnect scheduled")
}

func (c *Channel) reconnectFire() {
	c.mu.Lock()
	c.timer = nil
	if c.manualClose || c.status == domain.TransportOpen {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	if err := c.dial(context.Background()); err != nil && !errors.Is(err, ErrConnect) {
		c.log.Debug().Err(err).Msg("reconnect skipped")
	}
}

func (c *Channel) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Channel) setStatusLocked(s domain.TransportStatus, attempt int, cause domain.Cause) {
	c.status = s
	c.emitMu.Lock()
	c.pending = append(c.pending, core.StatusChange{Status: s, Attempt: attempt, Cause: cause})
	c.emitMu.Unlock()
}

// flush delivers queued status changes in order. Re-entrant calls from observers only enqueue.
func (c *Channel) flush() {
	c.emitMu.Lock()
	if c.draining {
		c.emitMu.Unlock()
		return
	}
	c.draining = true
	for len(c.pending) > 0 {
		sc := c.pending[0]
		c.pending = c.pending[1:]
		c.emitMu.Unlock()
		c.emit(sc)
		c.emitMu.Lock()
	}
	c.draining = false
	c.emitMu.Unlock()
}

func (c *Channel) emit(sc core.StatusChange) {
	identity := c.Identity()
	if c.bus != nil {
		c.bus.Publish(eventbus.TopicTransportStatus, eventbus.TransportStatus{
			Channel:   c.opts.Name,
			Identity:  identity,
			Status:    sc.Status,
			Connected: sc.Status == domain.TransportOpen,
			Attempt:   sc.Attempt,
			Cause:     sc.Cause,
		})
	}
	c.obsMu.RLock()
	observers := append([]func(core.StatusChange){}, c.onStatus...)
	c.obsMu.RUnlock()
	for _, fn := range observers {
		fn(sc)
	}
}
