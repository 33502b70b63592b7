package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/venketeshdn511-aia/Zen-Algorithm-V2/config"
	"github.com/venketeshdn511-aia/Zen-Algorithm-V2/core"
)

func main() {
	// ═══════════════════════════════════════════════════════════════════════════════
	// BOOTSTRAP
	// ═══════════════════════════════════════════════════════════════════════════════

	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("No .env file found")
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Configuration error")
	}

	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	log.Info().Msg("═══════════════════════════════════════════════════════════════")
	log.Info().Msg("              ZEN ALGORITHM v2 - INTRADAY OPTIONS ENGINE")
	log.Info().Msg("═══════════════════════════════════════════════════════════════")

	mode := "LIVE TRADING"
	if cfg.DryRun {
		mode = "PAPER TRADING"
	}
	log.Info().
		Str("mode", mode).
		Str("daily_loss_limit", cfg.MaxDailyLoss.StringFixed(0)).
		Int("max_open_positions", cfg.MaxOpenPositions).
		Strs("symbols", cfg.FeedSymbols).
		Msg("Configuration loaded")

	// ═══════════════════════════════════════════════════════════════════════════════
	// BUILD AND START
	// ═══════════════════════════════════════════════════════════════════════════════

	app, err := core.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build engine")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := app.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start engine")
	}

	// ═══════════════════════════════════════════════════════════════════════════════
	// GRACEFUL SHUTDOWN
	// ═══════════════════════════════════════════════════════════════════════════════

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	log.Info().Str("signal", sig.String()).Msg("🛑 Shutting down...")
	cancel()
	app.Stop()

	log.Info().Msg("👋 Goodbye!")
}
