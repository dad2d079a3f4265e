package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	router "github.com/dkeye/Relay/internal/adapters/http"
	"github.com/dkeye/Relay/internal/app"
	"github.com/dkeye/Relay/internal/config"
	"github.com/dkeye/Relay/internal/domain"
)

func setupLogger(cfg *config.Config) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.Mode == "debug" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	setupLogger(cfg)

	policy, err := app.ParsePolicy(cfg.Backpressure)
	if err != nil {
		log.Fatal().Err(err).Msg("bad backpressure policy")
	}
	orch := app.NewOrchestrator(app.RouterOptions{
		Capacity:       cfg.SessionCapacity,
		BacklogSize:    cfg.BacklogSize,
		DefaultSession: domain.SessionKey(cfg.DefaultSession),
		Policy:         policy,
	})

	r := router.SetupRouter(ctx, cfg, orch)
	httpAddr := fmt.Sprintf("%s:%d", cfg.Host, cfg.HTTPPort)

	g, ctx := errgroup.WithContext(ctx)
	if cfg.TLSEnabled() {
		httpsAddr := fmt.Sprintf("%s:%d", cfg.Host, cfg.HTTPSPort)
		tls := router.TLSFiles{CertFile: cfg.CertFile, KeyFile: cfg.KeyFile}
		g.Go(func() error { return router.ListenAndServe(ctx, httpsAddr, r, tls) })
		g.Go(func() error {
			return router.ListenAndServe(ctx, httpAddr, router.RedirectHandler(cfg.HTTPSPort), router.TLSFiles{})
		})
	} else {
		log.Warn().Str("module", "main").Msg("no cert_file/key_file, serving signaling over plain http")
		g.Go(func() error { return router.ListenAndServe(ctx, httpAddr, r, router.TLSFiles{}) })
	}

	log.Info().Str("module", "main").Int("capacity", cfg.SessionCapacity).Str("policy", cfg.Backpressure).Msg("Relay server started")
	if err := g.Wait(); err != nil {
		log.Error().Err(err).Str("module", "main").Msg("server error")
		os.Exit(1)
	}
	log.Info().Str("module", "main").Msg("Server exited gracefully")
}
