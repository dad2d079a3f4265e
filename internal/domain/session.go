package domain

import "time"

const (
	DefaultSessionKey SessionKey = "default"
	MaxSessionKeyLen             = 64
)

// SessionKey names a room. The empty key means "the default session".
type SessionKey string

func (k SessionKey) String() string { return string(k) }

// OrDefault maps the empty key to DefaultSessionKey.
func (k SessionKey) OrDefault() SessionKey {
	if k == "" {
		return DefaultSessionKey
	}
	return k
}

// SessionInfo is a read-only view of a session for APIs.
type SessionInfo struct {
	Key       SessionKey     `json:"key"`
	Members   []ConnectionID `json:"members"`
	Capacity  int            `json:"capacity"`
	Backlog   int            `json:"backlog"`
	CreatedAt time.Time      `json:"created_at"`
}

// ConnectionInfo is a read-only view of a registered connection.
type ConnectionInfo struct {
	ID          ConnectionID `json:"id"`
	RemoteAddr  string       `json:"remote_addr"`
	Session     SessionKey   `json:"session,omitempty"`
	ConnectedAt time.Time    `json:"connected_at"`
}

// ParseSessionKey validates a key taken from a URL or a join request. The
// empty key is valid and left for the router to resolve.
func ParseSessionKey(raw string) (SessionKey, error) {
	if len(raw) > MaxSessionKeyLen {
		return "", ErrInvalidSessionKey
	}
	for _, r := range raw {
		if r <= ' ' || r == 0x7f {
			return "", ErrInvalidSessionKey
		}
	}
	return SessionKey(raw), nil
}
