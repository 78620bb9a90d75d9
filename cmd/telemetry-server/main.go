package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/juju/clock"
	"github.com/spf13/pflag"

	"skyrelay/telemetry-server/internal/app"
	"skyrelay/telemetry-server/internal/config"
)

func main() {
	configFile := pflag.String("config", os.Getenv("SKYRELAY_CONFIG_FILE"), "YAML configuration file")
	logLevel := pflag.String("log-level", "", "override the configured log level (debug, info, warn, error)")
	pflag.Parse()

	cfg, err := config.LoadFile(*configFile)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: config.ParseLogLevel(cfg.LogLevel)}))

	application := app.New(cfg, logger, clock.WallClock)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx); err != nil {
		logger.Error("application terminated", "error", err)
		os.Exit(1)
	}

	logger.Info("application stopped cleanly")
}
