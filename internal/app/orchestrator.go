package app

import (
	"github.com/dkeye/Relay/internal/core"
	"github.com/dkeye/Relay/internal/domain"
	"github.com/rs/zerolog/log"
)

// Orchestrator wires the connection registry to the session router so that
// unregistering a connection always prunes its membership.
type Orchestrator struct {
	Registry *Registry
	Router   *Router
}

func NewOrchestrator(opts RouterOptions) *Orchestrator {
	reg := NewRegistry()
	router := NewRouter(reg, opts)
	reg.OnUnregister(func(id domain.ConnectionID) { router.Leave(id) })
	return &Orchestrator{Registry: reg, Router: router}
}

// Connect registers a new transport.
func (o *Orchestrator) Connect(conn core.SignalConnection, remoteAddr string) (domain.ConnectionID, error) {
	return o.Registry.Register(conn, remoteAddr)
}

func (o *Orchestrator) Join(id domain.ConnectionID, key domain.SessionKey) (JoinResult, error) {
	res, err := o.Router.Join(id, key)
	if err != nil {
		return res, err
	}
	o.Registry.SetSession(id, res.Session)
	return res, nil
}

// Leave exits the current session without closing the transport.
func (o *Orchestrator) Leave(id domain.ConnectionID) bool {
	if !o.Router.Leave(id) {
		return false
	}
	o.Registry.SetSession(id, "")
	return true
}

func (o *Orchestrator) OnSignal(id domain.ConnectionID, msg domain.Message) RelayResult {
	return o.Router.Relay(id, msg)
}

// OnDisconnect runs when the transport is gone: unregister, then leave.
func (o *Orchestrator) OnDisconnect(id domain.ConnectionID) {
	o.Registry.Unregister(id)
	// No-op when the unregister hook already pruned membership.
	if o.Router.Leave(id) {
		log.Warn().Str("module", "app.orch").Str("conn_id", id.String()).Msg("membership outlived registration")
	}
}
