package signal

import (
	"github.com/dkeye/Relay/internal/domain"
	"github.com/dkeye/Relay/internal/protocol"
)

func (ctl *SignalWSController) handlePing(conn *WsSignalConn) {
	ctl.sendControl(conn, protocol.KindPong, nil)
}

func (ctl *SignalWSController) replyError(conn *WsSignalConn, code, message string) {
	ctl.sendControl(conn, protocol.KindError, protocol.ErrorPayload{Code: code, Message: message})
}

func (ctl *SignalWSController) sendControl(conn *WsSignalConn, kind domain.Kind, body any) {
	b, err := protocol.Control(kind, body)
	if err != nil {
		conn.log.Error().Err(err).Msg("sendControl marshal")
		return
	}
	if err := conn.TrySend(b); err != nil {
		conn.log.Warn().Err(err).Str("type", string(kind)).Msg("sendControl dropped")
	}
}
