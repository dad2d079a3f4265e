// Package domain contains entity without logic, just meta-data
package domain

import (
	"github.com/google/uuid"
)

// ConnectionID is the opaque, process-unique identity of a live transport.
type ConnectionID string

// NewConnectionID returns a fresh random identity.
func NewConnectionID() (ConnectionID, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return ConnectionID(id.String()), nil
}

func (id ConnectionID) String() string { return string(id) }
