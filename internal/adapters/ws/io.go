package ws

import (
	"context"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dkeye/Phone/internal/core"
)

const writeWait = 5 * time.Second

func (c *Channel) writePump(ctx context.Context, gen uint64, conn *websocket.Conn, send <-chan core.Frame) {
	ticker := c.opts.Clock.Ticker(c.opts.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case data := <-send:
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.drop(gen, err)
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Error().Err(err).Msg("writePump write error")
				c.drop(gen, err)
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.drop(gen, err)
				return
			}
		}
	}
}

func (c *Channel) readPump(gen uint64, conn *websocket.Conn) {
	pongWait := c.opts.PingPeriod * 2
	conn.SetReadLimit(c.opts.ReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.drop(gen, err)
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		c.obsMu.RLock()
		observers := c.onMessage
		c.obsMu.RUnlock()
		for _, fn := range observers {
			fn(core.Frame(data))
		}
	}
}
