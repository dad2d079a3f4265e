package app

import (
	"sync"
	"testing"

	"github.com/dkeye/Relay/internal/core"
	"github.com/dkeye/Relay/internal/domain"
	"github.com/dkeye/Relay/internal/protocol"
)

// recorder is an in-memory SignalConnection with an optional queue limit.
type recorder struct {
	mu     sync.Mutex
	frames []core.Frame
	limit  int
	closed bool
}

func (c *recorder) TrySend(f core.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return core.ErrConnectionClosed
	}
	if c.limit > 0 && len(c.frames) >= c.limit {
		return core.ErrBackpressure
	}
	c.frames = append(c.frames, f)
	return nil
}

func (c *recorder) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *recorder) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// signals returns decoded signaling frames, skipping relay control envelopes.
func (c *recorder) signals(t *testing.T) []protocol.Envelope {
	t.Helper()
	var out []protocol.Envelope
	for _, env := range c.all(t) {
		if env.Type.IsSignal() {
			out = append(out, env)
		}
	}
	return out
}

func (c *recorder) all(t *testing.T) []protocol.Envelope {
	t.Helper()
	c.mu.Lock()
	frames := append([]core.Frame(nil), c.frames...)
	c.mu.Unlock()
	out := make([]protocol.Envelope, 0, len(frames))
	for _, f := range frames {
		env, err := protocol.Decode(f)
		if err != nil {
			t.Fatalf("Decode(%s): %v", f, err)
		}
		out = append(out, env)
	}
	return out
}

func register(t *testing.T, reg *Registry) (domain.ConnectionID, *recorder) {
	t.Helper()
	rec := &recorder{}
	id, err := reg.Register(rec, "127.0.0.1:1")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	return id, rec
}

func msg(kind domain.Kind, payload string) domain.Message {
	return domain.Message{Kind: kind, Payload: []byte(payload)}
}
