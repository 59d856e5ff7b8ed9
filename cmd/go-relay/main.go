package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"

	"github.com/a-essam23/go-relay/internal/server"
	"github.com/a-essam23/go-relay/pkg/config"
	"github.com/a-essam23/go-relay/pkg/logging"
)

func main() {
	logger := logging.New(logging.LevelInfo)
	slog.SetDefault(logger)

	cfg, err := config.Load(logger, "config")
	if err != nil {
		logger.Error("Failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}

	// Rebuild the logger once config says how it should look.
	level := logging.ParseLevel(cfg.Logging.Level)
	if cfg.Logging.Format == "json" {
		logger = logging.NewJSON(level)
	} else {
		logger = logging.New(level)
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	app := server.NewApp(logger, ctx, cfg)
	if err := app.Run(); err != nil {
		logger.Error("Application run failed", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("Application shut down successfully.")
}
