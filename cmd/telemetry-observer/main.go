package main

import (
	"context"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/juju/clock"
	"github.com/spf13/pflag"

	"skyrelay/telemetry-server/internal/config"
	"skyrelay/telemetry-server/internal/observer"
	"skyrelay/telemetry-server/internal/synthetic"
)

func main() {
	server := pflag.String("server", "http://localhost:8080", "telemetry server base URL")
	agent := pflag.String("agent", "", "agent to follow; empty follows the fleet")
	timeRange := pflag.String("time-range", "1h", "history window requested on connect (10m, 1h, 6h, 24h, 7d)")
	usePush := pflag.Bool("push", true, "use the WebSocket push channel")
	usePull := pflag.Bool("pull", true, "poll the HTTP surface when push is unavailable")
	noPush := pflag.Bool("no-push", false, "disable the push channel")
	noPull := pflag.Bool("no-pull", false, "disable pull polling")
	pollInterval := pflag.Duration("poll-interval", observer.DefaultPollInterval, "pull polling interval")
	syntheticInterval := pflag.Duration("synthetic-interval", observer.DefaultSyntheticInterval, "synthetic tick interval")
	requestTimeout := pflag.Duration("request-timeout", observer.DefaultRequestTimeout, "pull request timeout")
	logLevel := pflag.String("log-level", "info", "log level (debug, info, warn, error)")
	pflag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: config.ParseLogLevel(*logLevel)}))

	genCfg := synthetic.DefaultConfig()
	genCfg.Seed = time.Now().UnixNano()
	genCfg.Start = time.Now().UTC()
	genCfg.Step = *syntheticInterval
	gen, err := synthetic.New(genCfg)
	if err != nil {
		logger.Error("invalid synthetic settings", "error", err)
		os.Exit(1)
	}

	cfg := observer.SelectorConfig{
		Generator:         gen,
		Clock:             clock.WallClock,
		Logger:            logger,
		Agent:             *agent,
		TimeRange:         *timeRange,
		PollInterval:      *pollInterval,
		SyntheticInterval: *syntheticInterval,
		RequestTimeout:    *requestTimeout,
	}
	if *usePush && !*noPush {
		wsURL, err := pushURL(*server)
		if err != nil {
			logger.Error("invalid server URL", "server", *server, "error", err)
			os.Exit(1)
		}
		session, err := observer.NewSession(observer.SessionConfig{
			URL:    wsURL,
			Clock:  clock.WallClock,
			Logger: logger,
		})
		if err != nil {
			logger.Error("failed to create push session", "error", err)
			os.Exit(1)
		}
		cfg.Push = session
	}
	if *usePull && !*noPull {
		cfg.Pull = observer.NewPullClient(*server, *requestTimeout)
	}

	selector, err := observer.NewSelector(cfg)
	if err != nil {
		logger.Error("failed to create selector", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	selector.Start()
	defer selector.Stop()

	snapshots, unwatch := selector.Watch()
	defer unwatch()

	var last observer.Snapshot
	for {
		select {
		case <-ctx.Done():
			logger.Info("received shutdown signal, stopping")
			return
		case snap := <-snapshots:
			logSnapshot(logger, last, snap)
			last = snap
		}
	}
}

// pushURL turns the server base URL into its /ws endpoint.
func pushURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String(), nil
}

func logSnapshot(logger *slog.Logger, prev, snap observer.Snapshot) {
	if snap.State != prev.State {
		logger.Info("source changed", "state", snap.State, "source", snap.ActiveSource, "attempts", snap.ReconnectAttempts)
	}
	if snap.Error != "" && snap.Error != prev.Error {
		logger.Warn("observer error", "error", snap.Error)
	}
	if r := snap.CurrentReading; r != nil && (prev.CurrentReading == nil || *r != *prev.CurrentReading) {
		logger.Info("reading",
			"agent", r.DroneID,
			"source", snap.ActiveSource,
			"status", r.Status,
			"battery", r.Battery,
			"altitude", r.Altitude,
			"lat", r.Lat,
			"lng", r.Lng,
			"agents", len(snap.Agents),
			"history", len(snap.History),
		)
	}
}
