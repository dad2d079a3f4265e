package signal

import (
	"context"
	"time"

	"github.com/dkeye/Relay/internal/domain"
	"github.com/dkeye/Relay/internal/protocol"
	"github.com/gorilla/websocket"
)

func (ctl *SignalWSController) writePump(ctx context.Context, c *WsSignalConn) {
	ticker := time.NewTicker(ctl.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()
	for {
		select {
		case <-ctx.Done():
			c.log.Debug().Msg("writePump ctx done")
			return
		case data, ok := <-c.send:
			if !ok {
				c.log.Debug().Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(ctl.opts.WriteWait)); err != nil {
				c.log.Error().Err(err).Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Warn().Err(err).Msg("writePump write error")
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(ctl.opts.WriteWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.log.Warn().Err(err).Msg("writePump ping error")
				return
			}
		}
	}
}

// readPump owns the connection lifetime: when it returns the connection is
// unregistered, its membership pruned and the transport closed.
func (ctl *SignalWSController) readPump(ctx context.Context, cancel context.CancelFunc, id domain.ConnectionID, c *WsSignalConn) {
	defer func() {
		ctl.Orch.OnDisconnect(id)
		if ctl.Limiter != nil {
			ctl.Limiter.Forget(id)
		}
		c.Close()
		cancel()
		c.log.Info().Uint64("evicted", c.Evicted()).Msg("readPump closing")
	}()

	c.conn.SetReadLimit(ctl.opts.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(ctl.opts.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(ctl.opts.PongWait))
	})

	for {
		if ctx.Err() != nil {
			c.log.Info().Msg("readPump ctx done")
			return
		}
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				c.log.Warn().Err(err).Msg("readPump unexpected close")
			} else {
				c.log.Debug().Err(err).Msg("readPump read error")
			}
			return
		}
		ctl.handleFrame(id, c, data)
	}
}

func (ctl *SignalWSController) handleFrame(id domain.ConnectionID, c *WsSignalConn, data []byte) {
	env, err := protocol.Decode(data)
	if err != nil {
		c.log.Warn().Err(err).Int("bytes", len(data)).Msg("dropping malformed frame")
		ctl.replyError(c, protocol.CodeMalformedEnvelope, err.Error())
		return
	}

	if msg, ok := env.Message(); ok {
		c.log.Debug().Str("kind", string(msg.Kind)).Msg("relay")
		ctl.Orch.OnSignal(id, msg)
		return
	}

	switch env.Type {
	case protocol.KindJoin:
		ctl.handleJoin(id, c, env)
	case protocol.KindLeave:
		ctl.handleLeave(id, c)
	case protocol.KindPing:
		ctl.handlePing(c)
	default:
		c.log.Warn().Str("type", string(env.Type)).Msg("unexpected type from peer")
		ctl.replyError(c, protocol.CodeMalformedEnvelope, "unexpected type "+string(env.Type))
	}
}
