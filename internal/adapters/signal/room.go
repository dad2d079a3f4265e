package signal

import (
	"errors"

	"github.com/dkeye/Relay/internal/domain"
	"github.com/dkeye/Relay/internal/protocol"
)

func (ctl *SignalWSController) handleJoin(id domain.ConnectionID, conn *WsSignalConn, env protocol.Envelope) {
	key, err := protocol.DecodeJoin(env)
	if err != nil {
		conn.log.Warn().Err(err).Msg("bad join payload")
		if errors.Is(err, domain.ErrInvalidSessionKey) {
			ctl.replyError(conn, protocol.CodeInvalidSession, err.Error())
			return
		}
		ctl.replyError(conn, protocol.CodeMalformedEnvelope, err.Error())
		return
	}
	if ctl.Limiter != nil && !ctl.Limiter.Allow(id) {
		conn.log.Warn().Str("session", key.String()).Msg("join rate limited")
		ctl.replyError(conn, protocol.CodeRateLimited, "too many join attempts")
		return
	}
	conn.log.Info().Str("session", key.String()).Msg("join")
	if _, err := ctl.Orch.Join(id, key); err != nil {
		ctl.replyJoinError(conn, err)
	}
}

// handleLeave exits the current session; the transport stays open.
func (ctl *SignalWSController) handleLeave(id domain.ConnectionID, conn *WsSignalConn) {
	conn.log.Info().Msg("leave")
	if !ctl.Orch.Leave(id) {
		ctl.replyError(conn, protocol.CodeNotJoined, domain.ErrNotJoined.Error())
		return
	}
	ctl.sendControl(conn, protocol.KindLeft, nil)
}

func (ctl *SignalWSController) replyJoinError(conn *WsSignalConn, err error) {
	switch {
	case errors.Is(err, domain.ErrSessionFull):
		ctl.replyError(conn, protocol.CodeSessionFull, err.Error())
	case errors.Is(err, domain.ErrAlreadyJoined):
		ctl.replyError(conn, protocol.CodeAlreadyJoined, err.Error())
	default:
		conn.log.Error().Err(err).Msg("join failed")
		ctl.replyError(conn, protocol.CodeInvalidSession, err.Error())
	}
}
