// Package app wires the telemetry server together and manages its lifecycle.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/juju/clock"
	"github.com/juju/errors"

	"skyrelay/telemetry-server/internal/command"
	"skyrelay/telemetry-server/internal/config"
	"skyrelay/telemetry-server/internal/hub"
	"skyrelay/telemetry-server/internal/ingest"
	"skyrelay/telemetry-server/internal/metrics"
	"skyrelay/telemetry-server/internal/mqttbroker"
	"skyrelay/telemetry-server/internal/redisstore"
	"skyrelay/telemetry-server/internal/registry"
	"skyrelay/telemetry-server/internal/store"
	"skyrelay/telemetry-server/internal/store/mongostore"
	"skyrelay/telemetry-server/internal/tracing"
	"skyrelay/telemetry-server/internal/transport"
)

const serviceName = "skyrelay-telemetry-server"

// readingBackend is the reading log the server appends to and queries.
type readingBackend interface {
	ingest.ReadingStore
	hub.ReadingSource
	WipeData(ctx context.Context) error
}

// App wires together the telemetry services and manages their lifecycle.
type App struct {
	cfg    config.Config
	logger *slog.Logger
	clock  clock.Clock

	store    *store.Store
	readings readingBackend
	registry *registry.Registry
	broker   *mqttbroker.Broker
	bus      transport.Bus
	commands *command.Service
	hub      *hub.Hub
	ingest   *ingest.Adapter
	metrics  *metrics.Metrics
	tracing  *tracing.Provider
	mdns     *zeroconf.Server

	brokerErr <-chan error
	closers   []func() error
	ready     atomic.Bool
}

// New constructs a new application instance.
func New(cfg config.Config, logger *slog.Logger, clk clock.Clock) *App {
	return &App{cfg: cfg, logger: logger, clock: clk}
}

// Run starts all configured services and blocks until the context is cancelled or an error occurs.
func (a *App) Run(ctx context.Context) error {
	if err := a.Open(ctx); err != nil {
		a.Close()
		return errors.Trace(err)
	}
	defer a.Close()

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", a.cfg.HTTPPort),
		Handler: a.Handler(),
	}
	servers := []*http.Server{httpServer}
	if a.cfg.MetricsPort > 0 {
		servers = append(servers, &http.Server{
			Addr:    fmt.Sprintf(":%d", a.cfg.MetricsPort),
			Handler: a.metrics.Handler(),
		})
	}

	serveErr := make(chan error, len(servers))
	for _, srv := range servers {
		go func(srv *http.Server) {
			a.logger.Info("http server started", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr <- errors.Annotatef(err, "http server %s", srv.Addr)
			}
		}(srv)
	}
	shutdown := func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		var firstErr error
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil && firstErr == nil {
				firstErr = errors.Annotatef(err, "http server %s shutdown", srv.Addr)
			}
		}
		a.logger.Info("http servers stopped")
		return firstErr
	}

	if a.cfg.MDNSEnabled {
		if err := a.startMDNS(a.cfg.HTTPPort); err != nil {
			a.logger.Warn("mDNS advertisement failed", "error", err)
		}
		defer a.stopMDNS()
	}

	brokerErr := a.brokerErr
	for {
		select {
		case <-ctx.Done():
			return shutdown()
		case err := <-serveErr:
			_ = shutdown()
			return err
		case err, ok := <-brokerErr:
			if !ok {
				brokerErr = nil
				continue
			}
			if err != nil {
				_ = shutdown()
				return errors.Annotate(err, "mqtt broker")
			}
		}
	}
}

// Open builds every component and starts the broker, hub and ingestion.
// Callers must Close the app even when Open fails.
func (a *App) Open(ctx context.Context) error {
	a.metrics = metrics.New()

	tp, err := tracing.Setup(ctx, a.cfg.OTLPEndpoint, serviceName)
	if err != nil {
		return errors.Trace(err)
	}
	a.tracing = tp
	a.onClose(func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return tp.Shutdown(shutdownCtx)
	})

	if err := a.openStores(ctx); err != nil {
		return errors.Trace(err)
	}

	if err := a.openTransport(); err != nil {
		return errors.Trace(err)
	}

	a.commands, err = command.New(command.Config{
		Publisher: a.bus,
		Agents:    a.registry,
		Log:       a.store,
		Metrics:   a.metrics,
		Tracer:    tp.Tracer("skyrelay/command"),
		Clock:     a.clock,
		Logger:    a.logger,
	})
	if err != nil {
		return errors.Trace(err)
	}

	a.hub, err = hub.New(hub.Config{
		Agents:            a.registry,
		Readings:          a.readings,
		Commands:          a.commands,
		Metrics:           a.metrics,
		Clock:             a.clock,
		Logger:            a.logger,
		HeartbeatInterval: a.cfg.HeartbeatInterval,
	})
	if err != nil {
		return errors.Trace(err)
	}
	a.hub.Start()
	a.onClose(func() error {
		a.hub.Stop()
		return nil
	})

	a.ingest, err = ingest.New(ingest.Config{
		Bus:      a.bus,
		Registry: a.registry,
		Readings: a.readings,
		Errors:   a.store,
		Commands: a.store,
		Hub:      a.hub,
		Metrics:  a.metrics,
		Tracer:   tp.Tracer("skyrelay/ingest"),
		Clock:    a.clock,
		Logger:   a.logger,
	})
	if err != nil {
		return errors.Trace(err)
	}
	if err := a.ingest.Start(); err != nil {
		return errors.Trace(err)
	}
	a.onClose(func() error {
		a.ingest.Stop()
		return nil
	})

	a.ready.Store(true)
	return nil
}

func (a *App) openStores(ctx context.Context) error {
	db, err := store.Open(a.cfg.DatabasePath)
	if err != nil {
		return errors.Trace(err)
	}
	a.store = db
	a.onClose(db.Close)
	if err := db.InitSchema(ctx); err != nil {
		return errors.Trace(err)
	}
	a.readings = db

	if a.cfg.ReadingsBackend == config.BackendMongo {
		mongo, err := mongostore.Open(ctx, a.cfg.MongoURI, a.cfg.MongoDatabase)
		if err != nil {
			return errors.Trace(err)
		}
		a.onClose(mongo.Close)
		if err := mongo.InitSchema(ctx); err != nil {
			return errors.Trace(err)
		}
		a.readings = mongo
		a.logger.Info("readings stored in mongodb", "database", a.cfg.MongoDatabase)
	}

	var persister registry.Persister = db
	if a.cfg.RegistryBackend == config.BackendRedis {
		redis := redisstore.New(a.cfg.RedisAddr)
		a.onClose(redis.Close)
		if err := redis.Ping(ctx); err != nil {
			return errors.Annotatef(err, "ping redis %s", a.cfg.RedisAddr)
		}
		persister = redis
		a.logger.Info("agent registry persisted in redis", "addr", a.cfg.RedisAddr)
	}

	a.registry, err = registry.New(registry.Config{
		Clock:            a.clock,
		Logger:           a.logger,
		Persister:        persister,
		OfflineThreshold: a.cfg.OfflineThreshold,
	})
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(a.registry.Load(ctx))
}

// openTransport starts the embedded broker when enabled and connects the
// bus: to the external broker when one is configured, in-process otherwise.
func (a *App) openTransport() error {
	if a.cfg.MQTTEmbedded {
		broker := mqttbroker.New(a.logger)
		errCh, err := broker.Start(a.cfg.MQTTBindAddress)
		if err != nil {
			return errors.Trace(err)
		}
		a.broker = broker
		a.brokerErr = errCh
		a.onClose(broker.Stop)
	}

	if a.cfg.MQTTBrokerURL == "" {
		a.bus = transport.NewEmbedded(a.broker)
		return nil
	}
	paho, err := transport.DialPaho(transport.PahoConfig{
		Broker:   a.cfg.MQTTBrokerURL,
		ClientID: a.cfg.MQTTClientID,
		Logger:   a.logger,
	})
	if err != nil {
		return errors.Trace(err)
	}
	a.bus = paho
	a.onClose(func() error {
		paho.Close()
		return nil
	})
	return nil
}

func (a *App) onClose(f func() error) {
	a.closers = append(a.closers, f)
}

// Close stops everything Open started, newest first.
func (a *App) Close() {
	a.ready.Store(false)
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Error("shutdown step failed", "error", err)
		}
	}
	a.closers = nil
}
