// Package client is a small Go counterpart of the browser pages: it speaks the
// relay's envelope protocol over a gorilla/websocket connection.
package client

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/Relay/internal/domain"
	"github.com/dkeye/Relay/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// ErrRejected wraps an error envelope returned by the relay.
var ErrRejected = errors.New("client: rejected by relay")

type Options struct {
	// Insecure skips TLS verification, for self-signed development certs.
	Insecure         bool
	HandshakeTimeout time.Duration
	Header           http.Header
}

type Client struct {
	ws *websocket.Conn
	mu sync.Mutex // serializes writes
}

// Dial connects to a relay endpoint such as wss://host:3443/ws/room.
func Dial(ctx context.Context, url string, opts Options) (*Client, error) {
	d := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: opts.HandshakeTimeout,
	}
	if d.HandshakeTimeout == 0 {
		d.HandshakeTimeout = 10 * time.Second
	}
	if opts.Insecure {
		d.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
	}
	ws, resp, err := d.DialContext(ctx, url, opts.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	log.Debug().Str("module", "client").Str("url", url).Msg("connected")
	return &Client{ws: ws}, nil
}

func (c *Client) Send(env protocol.Envelope) error {
	b, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, b)
}

// Signal sends one signaling message with body marshalled as its payload.
func (c *Client) Signal(kind domain.Kind, body any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return c.Send(protocol.Envelope{Type: kind, Payload: b})
}

func (c *Client) Join(key domain.SessionKey) error {
	b, err := json.Marshal(protocol.JoinPayload{Session: key.String()})
	if err != nil {
		return err
	}
	return c.Send(protocol.Envelope{Type: protocol.KindJoin, Payload: b})
}

func (c *Client) Leave() error {
	return c.Send(protocol.Envelope{Type: protocol.KindLeave})
}

func (c *Client) Ping() error {
	return c.Send(protocol.Envelope{Type: protocol.KindPing})
}

// Receive blocks for the next envelope. The context deadline, if any, bounds
// the read.
func (c *Client) Receive(ctx context.Context) (protocol.Envelope, error) {
	if dl, ok := ctx.Deadline(); ok {
		_ = c.ws.SetReadDeadline(dl)
	} else {
		_ = c.ws.SetReadDeadline(time.Time{})
	}
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return protocol.Envelope{}, err
	}
	return protocol.Decode(data)
}

// AwaitJoined reads until the join ack, returning ErrRejected for an error
// envelope. Signaling frames read meanwhile are returned for replay.
func (c *Client) AwaitJoined(ctx context.Context) (protocol.JoinedPayload, []protocol.Envelope, error) {
	var early []protocol.Envelope
	for {
		env, err := c.Receive(ctx)
		if err != nil {
			return protocol.JoinedPayload{}, early, err
		}
		switch env.Type {
		case protocol.KindJoined:
			var p protocol.JoinedPayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				return p, early, err
			}
			return p, early, nil
		case protocol.KindError:
			return protocol.JoinedPayload{}, early, AsError(env)
		default:
			early = append(early, env)
		}
	}
}

// AsError converts an error envelope to a Go error wrapping ErrRejected.
func AsError(env protocol.Envelope) error {
	var p protocol.ErrorPayload
	_ = json.Unmarshal(env.Payload, &p)
	return fmt.Errorf("%w: %s %s", ErrRejected, p.Code, p.Message)
}

func (c *Client) Close() error {
	c.mu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.mu.Unlock()
	return c.ws.Close()
}
