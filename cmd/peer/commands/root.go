package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dkeye/Relay/internal/client"
	"github.com/dkeye/Relay/internal/domain"
	"github.com/dkeye/Relay/internal/peer"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	relayURL string
	session  string
	insecure bool
	stun     []string
	message  string
	timeout  time.Duration
	verbose  bool
)

// RootCmd is the root command of the peer tool.
var RootCmd = &cobra.Command{
	Use:   "peer",
	Short: "WebRTC data-channel peer that signals through the relay",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
		if verbose {
			zerolog.SetGlobalLevel(zerolog.DebugLevel)
		}
	},
}

var offerCmd = &cobra.Command{
	Use:   "offer",
	Short: "Create a data channel and send the offer",
	RunE:  func(cmd *cobra.Command, args []string) error { return run(peer.RoleOffer) },
}

var answerCmd = &cobra.Command{
	Use:   "answer",
	Short: "Wait for an offer and answer it",
	RunE:  func(cmd *cobra.Command, args []string) error { return run(peer.RoleAnswer) },
}

func init() {
	pf := RootCmd.PersistentFlags()
	pf.StringVar(&relayURL, "url", "ws://localhost:3000/ws", "relay signaling endpoint")
	pf.StringVar(&session, "session", "", "session to join (defaults to the endpoint's session)")
	pf.BoolVar(&insecure, "insecure", false, "skip TLS verification")
	pf.StringSliceVar(&stun, "stun", []string{peer.DefaultSTUN}, "ICE server URLs")
	pf.StringVar(&message, "message", "hello", "text sent over the data channel")
	pf.DurationVar(&timeout, "timeout", time.Minute, "give up after this long")
	pf.BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	RootCmd.AddCommand(offerCmd, answerCmd)
}

func run(role peer.Role) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	ctx, cancelTimeout := context.WithTimeout(ctx, timeout)
	defer cancelTimeout()

	c, err := client.Dial(ctx, relayURL, client.Options{Insecure: insecure})
	if err != nil {
		return err
	}
	defer c.Close()

	joined, early, err := c.AwaitJoined(ctx)
	if err != nil && session == "" {
		return err
	}
	if session != "" && (err != nil || joined.Session.String() != session) {
		key, perr := domain.ParseSessionKey(session)
		if perr != nil {
			return perr
		}
		if err == nil {
			if err := c.Leave(); err != nil {
				return err
			}
		}
		if err := c.Join(key); err != nil {
			return err
		}
		joined, early, err = c.AwaitJoined(ctx)
		if err != nil {
			return err
		}
	}
	log.Info().Str("module", "peer").Str("session", joined.Session.String()).Int("members", joined.Members).Msg("joined")

	p, err := peer.New(peer.Config{Role: role, ICEServers: stun, Message: message}, c)
	if err != nil {
		return err
	}
	defer p.Close()

	got, err := p.Run(ctx, early)
	if err != nil {
		return err
	}
	fmt.Println(got)
	return nil
}
