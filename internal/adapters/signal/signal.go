// Package signal is the relay side of the signaling WebSocket: one controller
// per server, one WsSignalConn per connected device.
package signal

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Phone/internal/app"
	"github.com/dkeye/Phone/internal/core"
	"github.com/dkeye/Phone/internal/domain"
)

var ErrClosed = errors.New("connection closed")

type ConnMetrics interface {
	ClientConnected()
	ClientDisconnected()
}

type Options struct {
	Secret     string
	ReadLimit  int64
	PingPeriod time.Duration
	SendBuffer int
}

type SignalWSController struct {
	Relay   *app.Relay
	Metrics ConnMetrics
	opts    Options
}

func NewSignalWSController(relay *app.Relay, m ConnMetrics, opts Options) *SignalWSController {
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = 64 << 10
	}
	if opts.PingPeriod <= 0 {
		opts.PingPeriod = 54 * time.Second
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 64
	}
	return &SignalWSController{Relay: relay, Metrics: m, opts: opts}
}

type WsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	select {
	case c.send <- f:
	default:
		return app.ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (ctl *SignalWSController) authorized(r *http.Request) bool {
	if ctl.opts.Secret == "" {
		return true
	}
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(ctl.opts.Secret)) == 1
}

func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	ext := domain.Identity(c.Query("extension"))
	if err := ext.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !ctl.authorized(c.Request) {
		log.Warn().Str("module", "signal").Str("extension", string(ext)).Msg("unauthorized")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	ws.SetReadLimit(ctl.opts.ReadLimit)

	id := app.ConnID(uuid.NewString())
	conn := &WsSignalConn{
		conn: ws,
		send: make(chan core.Frame, ctl.opts.SendBuffer),
	}
	log.Info().Str("module", "signal").Str("conn", string(id)).Str("extension", string(ext)).Msg("new WS connection")

	connCtx, cancel := context.WithCancel(ctx)
	ctl.Relay.Registry.Bind(id, ext, conn, cancel)
	if ctl.Metrics != nil {
		ctl.Metrics.ClientConnected()
	}

	go ctl.writePump(connCtx, conn)
	go ctl.readPump(connCtx, cancel, id, ext, conn)
}
