package domain

import "encoding/json"

// Kind is the type of a relayed signaling message.
type Kind string

const (
	KindOffer     Kind = "offer"
	KindAnswer    Kind = "answer"
	KindCandidate Kind = "ice-candidate"
)

// IsSignal reports whether k is one of the relayed kinds.
func (k Kind) IsSignal() bool {
	switch k {
	case KindOffer, KindAnswer, KindCandidate:
		return true
	}
	return false
}

// Message is a signaling message in flight. Payload is never interpreted.
// The sender is not part of the message; it always comes from the connection
// the frame was read from.
type Message struct {
	Kind    Kind
	Payload json.RawMessage
}
