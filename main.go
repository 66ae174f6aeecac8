package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"crypto-signal-pipeline/config"
	"crypto-signal-pipeline/internal/engine"
	"crypto-signal-pipeline/internal/logging"
)

// Exit codes: 0 clean, 1 fatal init error, 2 unrecoverable transport loss.
const (
	exitOK        = 0
	exitInitError = 1
	exitTransport = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	// .env is optional; the environment itself wins either way.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Printf("[Main] config error: %v", err)
		return exitInitError
	}

	logging.SetDefault(logging.New(&logging.Config{
		Level:      cfg.LoggingConfig.Level,
		Output:     cfg.LoggingConfig.Output,
		Component:  "engine",
		JSONFormat: cfg.LoggingConfig.JSONFormat,
	}))
	logging.Info("signal pipeline starting",
		"symbols", len(cfg.MarketConfig.Symbols),
		"intervals", cfg.MarketConfig.Intervals,
		"paper_only", cfg.TradingConfig.PaperOnly)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng, err := engine.New(ctx, cfg)
	if err != nil {
		logging.Error("engine init failed", "error", err)
		return exitInitError
	}

	if err := eng.Run(ctx); err != nil {
		if errors.Is(err, engine.ErrTransportLost) {
			logging.Error("transport lost", "error", err)
			return exitTransport
		}
		logging.Error("engine stopped with error", "error", err)
		return exitInitError
	}

	logging.Info("signal pipeline stopped")
	return exitOK
}
