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

// Deliverer pushes frames to connections by identity.
type Deliverer interface {
	SendFrame(id domain.ConnectionID, f core.Frame) error
	Disconnect(id domain.ConnectionID)
}

type backlogEntry struct {
	From  domain.ConnectionID
	Kind  domain.Kind
	Frame core.Frame
}

type session struct {
	key       domain.SessionKey
	members   map[domain.ConnectionID]struct{}
	createdAt time.Time
	backlog   []backlogEntry
}

// JoinResult describes the session a connection was placed in.
type JoinResult struct {
	Session  domain.SessionKey
	Members  int
	Capacity int
	Replayed int
}

// RelayResult reports delivery of one message.
type RelayResult struct {
	Delivered int
	Gone      []domain.ConnectionID
	Dropped   []domain.ConnectionID
	// Queued is set when the sender was alone and the message went to the backlog.
	Queued bool
	// Orphan is set when the sender belongs to no session.
	Orphan bool
}

type RouterOptions struct {
	// Capacity is the member limit per session; 0 means unbounded.
	Capacity int
	// BacklogSize bounds the messages kept for the next joiner; 0 disables it.
	BacklogSize int
	// DefaultSession receives joins that name no session; empty means
	// domain.DefaultSessionKey.
	DefaultSession domain.SessionKey
	Policy         Policy
}

// Router owns session membership and fans messages out to co-members.
// All state is guarded by one mutex; frames are queued to recipients inside
// the critical section, which keeps per-sender order.
type Router struct {
	mu       sync.Mutex
	sessions map[domain.SessionKey]*session
	memberOf map[domain.ConnectionID]domain.SessionKey

	out         Deliverer
	capacity    int
	backlogSize int
	defaultKey  domain.SessionKey
	policy      Policy
	now         func() time.Time
}

func NewRouter(out Deliverer, opts RouterOptions) *Router {
	if opts.Policy == nil {
		opts.Policy = DropPolicy{}
	}
	return &Router{
		sessions:    make(map[domain.SessionKey]*session),
		memberOf:    make(map[domain.ConnectionID]domain.SessionKey),
		out:         out,
		capacity:    opts.Capacity,
		backlogSize: opts.BacklogSize,
		defaultKey:  opts.DefaultSession.OrDefault(),
		policy:      opts.Policy,
		now:         time.Now,
	}
}

func (r *Router) Capacity() int { return r.capacity }

// resolve maps the empty key to the configured default session.
func (r *Router) resolve(key domain.SessionKey) domain.SessionKey {
	if key == "" {
		return r.defaultKey
	}
	return key
}

// Join adds id to the session named key, creating it if absent. The joiner
// receives a joined envelope followed by any backlog, in that order.
func (r *Router) Join(id domain.ConnectionID, key domain.SessionKey) (JoinResult, error) {
	key = r.resolve(key)

	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.memberOf[id]; ok {
		log.Warn().Str("module", "app.router").Str("conn_id", id.String()).Str("session", cur.String()).Str("want", key.String()).Msg("join rejected: already joined")
		return JoinResult{}, domain.ErrAlreadyJoined
	}
	s, ok := r.sessions[key]
	if ok && r.capacity > 0 && len(s.members) >= r.capacity {
		log.Warn().Str("module", "app.router").Str("conn_id", id.String()).Str("session", key.String()).Int("capacity", r.capacity).Msg("join rejected: session full")
		return JoinResult{}, domain.ErrSessionFull
	}
	if !ok {
		s = &session{
			key:       key,
			members:   make(map[domain.ConnectionID]struct{}),
			createdAt: r.now(),
		}
		r.sessions[key] = s
		log.Info().Str("module", "app.router").Str("session", key.String()).Msg("session created")
	}
	s.members[id] = struct{}{}
	r.memberOf[id] = key

	res := JoinResult{Session: key, Members: len(s.members), Capacity: r.capacity}
	if ack, err := protocol.Control(protocol.KindJoined, protocol.JoinedPayload{
		Session:  key,
		Members:  res.Members,
		Capacity: r.capacity,
	}); err == nil {
		if err := r.out.SendFrame(id, ack); err != nil {
			log.Warn().Err(err).Str("module", "app.router").Str("conn_id", id.String()).Msg("joined ack not delivered")
		}
	}

	for _, e := range s.backlog {
		if err := r.out.SendFrame(id, e.Frame); err != nil {
			log.Warn().Err(err).Str("module", "app.router").Str("conn_id", id.String()).Str("kind", string(e.Kind)).Msg("backlog replay failed")
			continue
		}
		res.Replayed++
	}
	s.backlog = nil

	log.Info().Str("module", "app.router").Str("conn_id", id.String()).Str("session", key.String()).Int("members", res.Members).Int("replayed", res.Replayed).Msg("joined")
	return res, nil
}

// Leave removes id from its session and destroys the session when it becomes
// empty. It reports whether id was a member.
func (r *Router) Leave(id domain.ConnectionID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key, ok := r.memberOf[id]
	if !ok {
		return false
	}
	delete(r.memberOf, id)
	s := r.sessions[key]
	delete(s.members, id)

	kept := s.backlog[:0]
	for _, e := range s.backlog {
		if e.From != id {
			kept = append(kept, e)
		}
	}
	for i := len(kept); i < len(s.backlog); i++ {
		s.backlog[i] = backlogEntry{}
	}
	s.backlog = kept

	log.Info().Str("module", "app.router").Str("conn_id", id.String()).Str("session", key.String()).Int("members", len(s.members)).Msg("left")
	if len(s.members) == 0 {
		delete(r.sessions, key)
		log.Info().Str("module", "app.router").Str("session", key.String()).Msg("session destroyed")
	}
	return true
}

// Relay delivers msg to every other member of the sender's session. Failures
// for individual recipients are reported in the result, never as an error.
func (r *Router) Relay(sender domain.ConnectionID, msg domain.Message) RelayResult {
	var res RelayResult
	frame, err := protocol.EncodeMessage(msg)
	if err != nil {
		log.Error().Err(err).Str("module", "app.router").Str("conn_id", sender.String()).Msg("encode failed")
		return res
	}

	r.mu.Lock()
	key, ok := r.memberOf[sender]
	if !ok {
		r.mu.Unlock()
		res.Orphan = true
		log.Warn().Str("module", "app.router").Str("conn_id", sender.String()).Str("kind", string(msg.Kind)).Msg("relay from connection without session")
		return res
	}
	s := r.sessions[key]
	if len(s.members) == 1 {
		res.Queued = r.enqueueBacklog(s, sender, msg.Kind, frame)
	}
	for id := range s.members {
		if id == sender {
			continue
		}
		err := r.out.SendFrame(id, frame)
		switch {
		case err == nil:
			res.Delivered++
		case errors.Is(err, domain.ErrConnectionGone):
			res.Gone = append(res.Gone, id)
		case errors.Is(err, core.ErrBackpressure):
			res.Dropped = append(res.Dropped, id)
		default:
			log.Error().Err(err).Str("module", "app.router").Str("to", id.String()).Msg("send failed")
		}
	}
	r.mu.Unlock()

	if len(res.Gone) > 0 {
		log.Warn().Str("module", "app.router").Str("conn_id", sender.String()).Int("gone", len(res.Gone)).Msg("recipients already gone")
	}
	for _, id := range res.Dropped {
		if r.policy.OnBackPressure(id) == KickMember {
			log.Warn().Str("module", "app.router").Str("conn_id", id.String()).Msg("kicking slow member")
			r.out.Disconnect(id)
		}
	}
	log.Debug().Str("module", "app.router").Str("conn_id", sender.String()).Str("session", key.String()).Str("kind", string(msg.Kind)).Int("sent_to", res.Delivered).Int("dropped", len(res.Dropped)).Bool("queued", res.Queued).Msg("relay result")
	return res
}

// enqueueBacklog must be called with r.mu held.
func (r *Router) enqueueBacklog(s *session, from domain.ConnectionID, kind domain.Kind, f core.Frame) bool {
	if r.backlogSize <= 0 {
		return false
	}
	if len(s.backlog) >= r.backlogSize {
		s.backlog[0] = backlogEntry{}
		s.backlog = s.backlog[1:]
	}
	s.backlog = append(s.backlog, backlogEntry{From: from, Kind: kind, Frame: f})
	return true
}

// SessionOf returns the session id is a member of.
func (r *Router) SessionOf(id domain.ConnectionID) (domain.SessionKey, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key, ok := r.memberOf[id]
	return key, ok
}

func (r *Router) Session(key domain.SessionKey) (domain.SessionInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[r.resolve(key)]
	if !ok {
		return domain.SessionInfo{}, false
	}
	return r.infoLocked(s), true
}

// Sessions lists live sessions ordered by key.
func (r *Router) Sessions() []domain.SessionInfo {
	r.mu.Lock()
	out := make([]domain.SessionInfo, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, r.infoLocked(s))
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func (r *Router) infoLocked(s *session) domain.SessionInfo {
	members := make([]domain.ConnectionID, 0, len(s.members))
	for id := range s.members {
		members = append(members, id)
	}
	sort.Slice(members, func(i, j int) bool { return members[i] < members[j] })
	return domain.SessionInfo{
		Key:       s.key,
		Members:   members,
		Capacity:  r.capacity,
		Backlog:   len(s.backlog),
		CreatedAt: s.createdAt,
	}
}
