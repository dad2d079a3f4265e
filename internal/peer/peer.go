// Package peer drives one WebRTC endpoint through the relay, playing either
// the offering or the answering side of a data-channel call.
package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dkeye/Relay/internal/domain"
	"github.com/dkeye/Relay/internal/protocol"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Role string

const (
	RoleOffer  Role = "offer"
	RoleAnswer Role = "answer"
)

const DefaultSTUN = "stun:stun.l.google.com:19302"

// Signaler carries envelopes to and from the relay. *client.Client
// satisfies it.
type Signaler interface {
	Signal(kind domain.Kind, body any) error
	Receive(ctx context.Context) (protocol.Envelope, error)
}

type Config struct {
	Role Role
	// ICEServers defaults to DefaultSTUN when nil; an empty slice means none.
	ICEServers []string
	Label      string
	// Message is sent once the data channel opens.
	Message string
}

func (c Config) webrtcConfig() webrtc.Configuration {
	urls := c.ICEServers
	if urls == nil {
		urls = []string{DefaultSTUN}
	}
	if len(urls) == 0 {
		return webrtc.Configuration{}
	}
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: urls}},
	}
}

type Peer struct {
	cfg   Config
	pc    *webrtc.PeerConnection
	sig   Signaler
	cands candidateQueue
	log   zerolog.Logger

	received chan string
	failed   chan error
}

func New(cfg Config, sig Signaler) (*Peer, error) {
	if cfg.Role != RoleOffer && cfg.Role != RoleAnswer {
		return nil, fmt.Errorf("peer: unknown role %q", cfg.Role)
	}
	if cfg.Label == "" {
		cfg.Label = "relay"
	}
	pc, err := webrtc.NewPeerConnection(cfg.webrtcConfig())
	if err != nil {
		return nil, err
	}
	return &Peer{
		cfg:      cfg,
		pc:       pc,
		sig:      sig,
		log:      log.With().Str("module", "peer").Str("role", string(cfg.Role)).Logger(),
		received: make(chan string, 1),
		failed:   make(chan error, 1),
	}, nil
}

func (p *Peer) fail(err error) {
	select {
	case p.failed <- err:
	default:
	}
}

func (p *Peer) wire() {
	p.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		if err := p.sig.Signal(domain.KindCandidate, cand.ToJSON()); err != nil {
			p.log.Warn().Err(err).Msg("send candidate")
		}
	})
	p.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		p.log.Info().Str("peer_connection_state", s.String()).Msg("Peer state")
		if s == webrtc.PeerConnectionStateFailed {
			p.fail(errors.New("peer: connection failed"))
		}
	})
	p.pc.OnDataChannel(p.attach)
}

func (p *Peer) attach(dc *webrtc.DataChannel) {
	dc.OnOpen(func() {
		p.log.Info().Str("label", dc.Label()).Msg("data channel open")
		if p.cfg.Message == "" {
			return
		}
		if err := dc.SendText(p.cfg.Message); err != nil {
			p.fail(err)
		}
	})
	dc.OnMessage(func(m webrtc.DataChannelMessage) {
		select {
		case p.received <- string(m.Data):
		default:
		}
	})
}

// Run negotiates the call and returns the first message received from the
// remote side. early holds signaling frames read before Run was called.
func (p *Peer) Run(ctx context.Context, early []protocol.Envelope) (string, error) {
	p.wire()

	if p.cfg.Role == RoleOffer {
		dc, err := p.pc.CreateDataChannel(p.cfg.Label, nil)
		if err != nil {
			return "", err
		}
		p.attach(dc)
		offer, err := p.pc.CreateOffer(nil)
		if err != nil {
			return "", err
		}
		if err := p.pc.SetLocalDescription(offer); err != nil {
			return "", err
		}
		if err := p.sig.Signal(domain.KindOffer, offer); err != nil {
			return "", err
		}
		p.log.Info().Msg("offer sent")
	}

	inbox := make(chan protocol.Envelope, len(early)+16)
	for _, env := range early {
		inbox <- env
	}
	go func() {
		for {
			env, err := p.sig.Receive(ctx)
			if err != nil {
				p.fail(fmt.Errorf("peer: signaling: %w", err))
				return
			}
			select {
			case inbox <- env:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case err := <-p.failed:
			return "", err
		case msg := <-p.received:
			return msg, nil
		case env := <-inbox:
			if err := p.handle(env); err != nil {
				return "", err
			}
		}
	}
}

func (p *Peer) handle(env protocol.Envelope) error {
	switch env.Type {
	case domain.KindOffer:
		if p.cfg.Role != RoleAnswer {
			p.log.Warn().Msg("ignoring offer in offer role")
			return nil
		}
		var sd webrtc.SessionDescription
		if err := json.Unmarshal(env.Payload, &sd); err != nil {
			return fmt.Errorf("peer: offer payload: %w", err)
		}
		if err := p.setRemote(sd); err != nil {
			return err
		}
		answer, err := p.pc.CreateAnswer(nil)
		if err != nil {
			return err
		}
		if err := p.pc.SetLocalDescription(answer); err != nil {
			return err
		}
		p.log.Info().Msg("answer sent")
		return p.sig.Signal(domain.KindAnswer, answer)
	case domain.KindAnswer:
		if p.cfg.Role != RoleOffer {
			p.log.Warn().Msg("ignoring answer in answer role")
			return nil
		}
		var sd webrtc.SessionDescription
		if err := json.Unmarshal(env.Payload, &sd); err != nil {
			return fmt.Errorf("peer: answer payload: %w", err)
		}
		return p.setRemote(sd)
	case domain.KindCandidate:
		var ci webrtc.ICECandidateInit
		if err := json.Unmarshal(env.Payload, &ci); err != nil {
			return fmt.Errorf("peer: candidate payload: %w", err)
		}
		return p.cands.Add(ci, p.pc.AddICECandidate)
	case protocol.KindError:
		p.log.Warn().RawJSON("payload", env.Payload).Msg("relay error")
	}
	return nil
}

func (p *Peer) setRemote(sd webrtc.SessionDescription) error {
	if err := p.pc.SetRemoteDescription(sd); err != nil {
		return err
	}
	buffered := p.cands.Len()
	if err := p.cands.Ready(p.pc.AddICECandidate); err != nil {
		return err
	}
	p.log.Debug().Int("buffered_candidates", buffered).Msg("remote description set")
	return nil
}

func (p *Peer) Close() {
	if err := p.pc.Close(); err != nil {
		p.log.Error().Err(err).Msg("close error")
		return
	}
	p.log.Info().Msg("closed")
}
