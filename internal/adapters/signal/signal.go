package signal

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/Relay/internal/app"
	"github.com/dkeye/Relay/internal/config"
	"github.com/dkeye/Relay/internal/core"
	"github.com/dkeye/Relay/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// WSConn is an indirection over *websocket.Conn to ease testing.
type WSConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(mt int, data []byte) error
	SetWriteDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
	Close() error
}

type Options struct {
	SendQueueSize int
	Overflow      string
	ReadLimit     int64
	PingPeriod    time.Duration
	PongWait      time.Duration
	WriteWait     time.Duration
}

// OptionsFromConfig picks the transport settings out of cfg.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		SendQueueSize: cfg.SendQueueSize,
		Overflow:      cfg.Overflow,
		ReadLimit:     cfg.ReadLimit,
		PingPeriod:    cfg.PingPeriod,
		PongWait:      cfg.PongWait,
		WriteWait:     cfg.WriteWait,
	}
}

func (o Options) withDefaults() Options {
	if o.SendQueueSize <= 0 {
		o.SendQueueSize = 64
	}
	if o.Overflow == "" {
		o.Overflow = config.OverflowReject
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = 65536
	}
	if o.PingPeriod <= 0 {
		o.PingPeriod = 30 * time.Second
	}
	if o.PongWait <= o.PingPeriod {
		o.PongWait = 2 * o.PingPeriod
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 5 * time.Second
	}
	return o
}

type SignalWSController struct {
	Orch    *app.Orchestrator
	Limiter *JoinRateLimiter
	opts    Options
}

func NewSignalWSController(orch *app.Orchestrator, limiter *JoinRateLimiter, opts Options) *SignalWSController {
	return &SignalWSController{
		Orch:    orch,
		Limiter: limiter,
		opts:    opts.withDefaults(),
	}
}

// WsSignalConn is one peer's transport with a bounded outbound queue.
// It implements core.SignalConnection.
type WsSignalConn struct {
	conn     WSConn
	send     chan core.Frame
	overflow string
	log      zerolog.Logger

	mu      sync.Mutex
	closed  bool
	evicted atomic.Uint64
}

func NewWsSignalConn(conn WSConn, queueSize int, overflow string) *WsSignalConn {
	return &WsSignalConn{
		conn:     conn,
		send:     make(chan core.Frame, queueSize),
		overflow: overflow,
		log:      log.With().Str("module", "signal").Logger(),
	}
}

// TrySend queues f without blocking. When the queue is full it either rejects
// f or, in drop_oldest mode, evicts the oldest queued frame to make room.
func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return core.ErrConnectionClosed
	}
	select {
	case c.send <- f:
		return nil
	default:
	}
	if c.overflow != config.OverflowDropOldest {
		return core.ErrBackpressure
	}
	select {
	case <-c.send:
		c.evicted.Add(1)
	default:
	}
	select {
	case c.send <- f:
		return nil
	default:
		return core.ErrBackpressure
	}
}

// Evicted counts frames lost to drop_oldest overflow.
func (c *WsSignalConn) Evicted() uint64 { return c.evicted.Load() }

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
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// HandleSignal upgrades the request, registers the connection and places it
// in the session named key. A rejected join leaves the transport open so the
// peer can join another session.
func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context, key domain.SessionKey) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	ctl.Serve(ctx, ws, c.ClientIP(), key)
}

// Serve runs the pumps for an upgraded transport.
func (ctl *SignalWSController) Serve(ctx context.Context, ws WSConn, remoteAddr string, key domain.SessionKey) {
	conn := NewWsSignalConn(ws, ctl.opts.SendQueueSize, ctl.opts.Overflow)
	id, err := ctl.Orch.Connect(conn, remoteAddr)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Str("remote", remoteAddr).Msg("registration rejected")
		conn.Close()
		return
	}
	conn.log = conn.log.With().Str("conn_id", id.String()).Logger()
	conn.log.Info().Str("remote", remoteAddr).Str("session", key.String()).Msg("new WS connection")

	ctx, cancel := context.WithCancel(ctx)
	go ctl.writePump(ctx, conn)

	if _, err := ctl.Orch.Join(id, key); err != nil {
		ctl.replyJoinError(conn, err)
	}
	go ctl.readPump(ctx, cancel, id, conn)
}
