package domain

import "errors"

var (
	// ErrConnectionGone is returned when the recipient is no longer registered.
	// Callers treat it as a soft failure: the peer already disconnected.
	ErrConnectionGone    = errors.New("connection gone")
	ErrSessionFull       = errors.New("session full")
	ErrAlreadyJoined     = errors.New("already joined")
	ErrNotJoined         = errors.New("not joined")
	ErrMalformedEnvelope = errors.New("malformed envelope")
	ErrInvalidSessionKey = errors.New("invalid session key")
)
