// Package protocol defines the wire envelope exchanged between peers and the
// relay. Signaling payloads are opaque: they are compacted, never inspected.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"github.com/dkeye/Relay/internal/domain"
)

// Control kinds sent by peers.
const (
	KindJoin  domain.Kind = "join"
	KindLeave domain.Kind = "leave"
	KindPing  domain.Kind = "ping"
)

// Control kinds sent by the relay.
const (
	KindJoined domain.Kind = "joined"
	KindLeft   domain.Kind = "left"
	KindPong   domain.Kind = "pong"
	KindError  domain.Kind = "error"
)

// Error codes carried by KindError envelopes.
const (
	CodeSessionFull       = "session_full"
	CodeAlreadyJoined     = "already_joined"
	CodeNotJoined         = "not_joined"
	CodeMalformedEnvelope = "malformed_envelope"
	CodeInvalidSession    = "invalid_session"
	CodeRateLimited       = "rate_limited"
)

// Envelope is one frame on the wire.
type Envelope struct {
	Type    domain.Kind     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// JoinPayload is the body of a join request.
type JoinPayload struct {
	Session string `json:"session"`
}

// JoinedPayload confirms a join.
type JoinedPayload struct {
	Session  domain.SessionKey `json:"session"`
	Members  int               `json:"members"`
	Capacity int               `json:"capacity"`
}

// ErrorPayload describes a rejected request.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

func known(k domain.Kind) bool {
	switch k {
	case KindJoin, KindLeave, KindPing, KindJoined, KindLeft, KindPong, KindError:
		return true
	}
	return k.IsSignal()
}

func absent(p json.RawMessage) bool {
	return len(p) == 0 || bytes.Equal(p, []byte("null"))
}

// Decode parses one frame. It fails with domain.ErrMalformedEnvelope when the
// frame is not valid UTF-8 JSON, the type is unknown, or a signaling kind
// carries no payload.
func Decode(raw []byte) (Envelope, error) {
	// Relayed frames go out as text frames, which must be UTF-8.
	if !utf8.Valid(raw) {
		return Envelope{}, fmt.Errorf("%w: invalid utf-8", domain.ErrMalformedEnvelope)
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", domain.ErrMalformedEnvelope, err)
	}
	if !known(env.Type) {
		return Envelope{}, fmt.Errorf("%w: unknown type %q", domain.ErrMalformedEnvelope, env.Type)
	}
	if absent(env.Payload) {
		if env.Type.IsSignal() {
			return Envelope{}, fmt.Errorf("%w: %s without payload", domain.ErrMalformedEnvelope, env.Type)
		}
		env.Payload = nil
		return env, nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, env.Payload); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", domain.ErrMalformedEnvelope, err)
	}
	env.Payload = buf.Bytes()
	return env, nil
}

// Encode is the inverse of Decode. HTML escaping is off so payload bytes
// survive unchanged.
func Encode(env Envelope) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(env); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Message converts a signaling envelope to a domain message.
func (e Envelope) Message() (domain.Message, bool) {
	if !e.Type.IsSignal() {
		return domain.Message{}, false
	}
	return domain.Message{Kind: e.Type, Payload: e.Payload}, true
}

// FromMessage wraps a domain message for the wire.
func FromMessage(m domain.Message) Envelope {
	return Envelope{Type: m.Kind, Payload: m.Payload}
}

// EncodeMessage encodes a signaling message as relayed to peers.
func EncodeMessage(m domain.Message) ([]byte, error) {
	return Encode(FromMessage(m))
}

// Control builds a relay-originated envelope with an optional JSON body.
func Control(kind domain.Kind, body any) ([]byte, error) {
	env := Envelope{Type: kind}
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		env.Payload = b
	}
	return Encode(env)
}

// DecodeJoin extracts the requested session key from a join envelope. A join
// without payload yields the empty key, which the router maps to its default.
func DecodeJoin(env Envelope) (domain.SessionKey, error) {
	if absent(env.Payload) {
		return "", nil
	}
	var p JoinPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return "", fmt.Errorf("%w: join payload: %v", domain.ErrMalformedEnvelope, err)
	}
	return domain.ParseSessionKey(p.Session)
}
