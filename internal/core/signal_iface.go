package core

import "errors"

var (
	// ErrBackpressure is returned by TrySend when the outbound queue is full.
	ErrBackpressure = errors.New("backpressure")
	// ErrConnectionClosed is returned by TrySend after Close.
	ErrConnectionClosed = errors.New("connection closed")
)

// Frame is a raw encoded envelope.
type Frame []byte

// SignalConnection abstracts a signaling transport.
// Owned by the adapter; the adapter must Close() it.
// TrySend must never block.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}
