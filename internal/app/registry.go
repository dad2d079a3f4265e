package app

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/dkeye/Relay/internal/core"
	"github.com/dkeye/Relay/internal/domain"
	"github.com/dkeye/Relay/internal/protocol"
	"github.com/rs/zerolog/log"
)

type connEntry struct {
	Conn        core.SignalConnection
	RemoteAddr  string
	ConnectedAt time.Time
	Session     domain.SessionKey
}

// Registry is the authoritative set of live connections.
type Registry struct {
	mu    sync.RWMutex
	conns map[domain.ConnectionID]*connEntry

	onUnregister func(domain.ConnectionID)
	newID        func() (domain.ConnectionID, error)
	now          func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[domain.ConnectionID]*connEntry),
		newID: domain.NewConnectionID,
		now:   time.Now,
	}
}

// OnUnregister installs the hook run after a connection is removed.
// It is called outside the registry lock, once per registered id.
func (r *Registry) OnUnregister(fn func(domain.ConnectionID)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onUnregister = fn
}

func (r *Registry) Register(conn core.SignalConnection, remoteAddr string) (domain.ConnectionID, error) {
	for attempt := 0; attempt < 3; attempt++ {
		id, err := r.newID()
		if err != nil {
			return "", err
		}
		r.mu.Lock()
		if _, taken := r.conns[id]; taken {
			r.mu.Unlock()
			continue
		}
		r.conns[id] = &connEntry{Conn: conn, RemoteAddr: remoteAddr, ConnectedAt: r.now()}
		r.mu.Unlock()
		log.Info().Str("module", "app.registry").Str("conn_id", id.String()).Str("remote", remoteAddr).Msg("registered")
		return id, nil
	}
	return "", errors.New("failed to allocate unique connection id")
}

// Unregister removes the connection. Unknown ids are ignored.
func (r *Registry) Unregister(id domain.ConnectionID) {
	r.mu.Lock()
	_, ok := r.conns[id]
	delete(r.conns, id)
	hook := r.onUnregister
	r.mu.Unlock()
	if !ok {
		return
	}
	log.Info().Str("module", "app.registry").Str("conn_id", id.String()).Msg("unregistered")
	if hook != nil {
		hook(id)
	}
}

// Send encodes msg and queues it for the connection.
func (r *Registry) Send(id domain.ConnectionID, msg domain.Message) error {
	frame, err := protocol.EncodeMessage(msg)
	if err != nil {
		return err
	}
	return r.SendFrame(id, frame)
}

// SendFrame queues an already encoded frame. It returns domain.ErrConnectionGone
// when id is not registered and core.ErrBackpressure when the queue is full.
func (r *Registry) SendFrame(id domain.ConnectionID, f core.Frame) error {
	r.mu.RLock()
	e, ok := r.conns[id]
	r.mu.RUnlock()
	if !ok {
		return domain.ErrConnectionGone
	}
	err := e.Conn.TrySend(f)
	if errors.Is(err, core.ErrConnectionClosed) {
		return domain.ErrConnectionGone
	}
	return err
}

// Disconnect closes the transport; the read loop then unregisters it.
func (r *Registry) Disconnect(id domain.ConnectionID) {
	r.mu.RLock()
	e, ok := r.conns[id]
	r.mu.RUnlock()
	if !ok {
		return
	}
	log.Info().Str("module", "app.registry").Str("conn_id", id.String()).Msg("disconnect")
	e.Conn.Close()
}

func (r *Registry) SetSession(id domain.ConnectionID, key domain.SessionKey) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[id]
	if !ok {
		return false
	}
	e.Session = key
	return true
}

func (r *Registry) Lookup(id domain.ConnectionID) (domain.ConnectionInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[id]
	if !ok {
		return domain.ConnectionInfo{}, false
	}
	return e.info(id), true
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Snapshot lists live connections ordered by connect time.
func (r *Registry) Snapshot() []domain.ConnectionInfo {
	r.mu.RLock()
	out := make([]domain.ConnectionInfo, 0, len(r.conns))
	for id, e := range r.conns {
		out = append(out, e.info(id))
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}

func (e *connEntry) info(id domain.ConnectionID) domain.ConnectionInfo {
	return domain.ConnectionInfo{
		ID:          id,
		RemoteAddr:  e.RemoteAddr,
		Session:     e.Session,
		ConnectedAt: e.ConnectedAt,
	}
}
