// Package ingest turns agent publishes into stored readings, registry
// updates and fan-out events.
package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"skyrelay/telemetry-server/internal/metrics"
	"skyrelay/telemetry-server/internal/model"
	"skyrelay/telemetry-server/internal/normalize"
	"skyrelay/telemetry-server/internal/protocol"
	"skyrelay/telemetry-server/internal/transport"
)

const maxStoredPayload = 2048

// Subscriptions consumed by the adapter.
var topicFilters = []string{
	"agents/+/" + normalize.KindData,
	"agents/+/" + normalize.KindStatus,
	"agents/+/" + normalize.KindResponse,
}

// ReadingStore appends readings.
type ReadingStore interface {
	InsertReading(ctx context.Context, r model.Reading) error
}

// ErrorLog records payloads that could not be ingested.
type ErrorLog interface {
	InsertIngestionError(ctx context.Context, e model.IngestionError) error
}

// CommandLog is updated when agents acknowledge commands.
type CommandLog interface {
	UpdateCommandStatus(ctx context.Context, requestID string, status model.CommandStatus, response string) error
}

// AgentRegistry is the current-state cache updated on every message.
type AgentRegistry interface {
	ApplyReading(ctx context.Context, r model.Reading) (model.Agent, error)
	ApplyStatus(ctx context.Context, id, name string, status model.Status) (model.Agent, error)
}

// Broadcaster fans events out to observers.
type Broadcaster interface {
	Broadcast(msg protocol.Message)
}

// Config holds the adapter dependencies.
type Config struct {
	Bus      transport.Bus
	Registry AgentRegistry
	Readings ReadingStore
	Errors   ErrorLog
	Commands CommandLog
	Hub      Broadcaster
	Metrics  *metrics.Metrics
	Tracer   trace.Tracer
	Clock    clock.Clock
	Logger   *slog.Logger
}

// Validate checks every dependency is present.
func (c Config) Validate() error {
	switch {
	case c.Bus == nil:
		return errors.NotValidf("nil Bus")
	case c.Registry == nil:
		return errors.NotValidf("nil Registry")
	case c.Readings == nil:
		return errors.NotValidf("nil Readings")
	case c.Errors == nil:
		return errors.NotValidf("nil Errors")
	case c.Commands == nil:
		return errors.NotValidf("nil Commands")
	case c.Hub == nil:
		return errors.NotValidf("nil Hub")
	case c.Metrics == nil:
		return errors.NotValidf("nil Metrics")
	case c.Tracer == nil:
		return errors.NotValidf("nil Tracer")
	case c.Clock == nil:
		return errors.NotValidf("nil Clock")
	case c.Logger == nil:
		return errors.NotValidf("nil Logger")
	}
	return nil
}

// Adapter subscribes to agent topics and handles each message in order.
type Adapter struct {
	cfg          Config
	logger       *slog.Logger
	unsubscribes []func()
}

// New returns an adapter; call Start to subscribe.
func New(cfg Config) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &Adapter{cfg: cfg, logger: cfg.Logger.With("component", "ingest")}, nil
}

// Start subscribes to the data, status and response topics of every agent.
func (a *Adapter) Start() error {
	for _, filter := range topicFilters {
		unsubscribe, err := a.cfg.Bus.Subscribe(filter, a.Handle)
		if err != nil {
			a.Stop()
			return errors.Annotatef(err, "subscribe %s", filter)
		}
		a.unsubscribes = append(a.unsubscribes, unsubscribe)
	}
	a.logger.Info("ingestion subscribed", "filters", topicFilters)
	return nil
}

// Stop removes every subscription made by Start.
func (a *Adapter) Stop() {
	for _, unsubscribe := range a.unsubscribes {
		unsubscribe()
	}
	a.unsubscribes = nil
}

// Handle processes one publish. It never fails: bad input is logged,
// recorded and dropped.
func (a *Adapter) Handle(ctx context.Context, msg transport.Message) {
	agentID, kind, ok := normalize.ParseTopic(msg.Topic)
	if !ok {
		a.reject(ctx, msg, "", "unknown", errors.NotValidf("topic %q", msg.Topic))
		return
	}

	ctx, span := a.cfg.Tracer.Start(ctx, "ingest."+kind, trace.WithAttributes(
		attribute.String("agent.id", agentID),
		attribute.String("mqtt.topic", msg.Topic),
	))
	defer span.End()

	var err error
	switch kind {
	case normalize.KindData:
		err = a.handleData(ctx, agentID, msg.Payload)
	case normalize.KindStatus:
		err = a.handleStatus(ctx, agentID, msg.Payload)
	case normalize.KindResponse:
		err = a.handleResponse(ctx, agentID, msg.Payload)
	default:
		err = errors.NotValidf("topic kind %q", kind)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		a.reject(ctx, msg, agentID, kind, err)
		return
	}
	a.cfg.Metrics.Ingested.WithLabelValues(kind).Inc()
}

func (a *Adapter) handleData(ctx context.Context, agentID string, payload []byte) error {
	now := a.cfg.Clock.Now().UTC()
	reading, err := normalize.Reading(agentID, payload, now)
	if err != nil {
		return errors.Trace(err)
	}

	agent, err := a.cfg.Registry.ApplyReading(ctx, reading)
	if err != nil {
		a.logger.Error("persist agent state", "agent", agentID, "error", err)
	}
	if err := a.cfg.Readings.InsertReading(ctx, reading); err != nil {
		a.logger.Error("store reading", "agent", agentID, "error", err)
	}

	a.broadcast(protocol.TypeTelemetryRealtime, now, reading)
	a.broadcast(protocol.TypeDroneStatusUpdate, now, agent)
	a.logger.Debug("reading ingested", "agent", agentID, "status", reading.Status)
	return nil
}

func (a *Adapter) handleStatus(ctx context.Context, agentID string, payload []byte) error {
	now := a.cfg.Clock.Now().UTC()
	update, err := normalize.StatusMessage(agentID, payload, now)
	if err != nil {
		return errors.Trace(err)
	}
	agent, err := a.cfg.Registry.ApplyStatus(ctx, agentID, update.Name, update.Status)
	if err != nil {
		a.logger.Error("persist agent state", "agent", agentID, "error", err)
	}
	a.broadcast(protocol.TypeDroneStatusUpdate, now, agent)
	return nil
}

func (a *Adapter) handleResponse(ctx context.Context, agentID string, payload []byte) error {
	resp, err := normalize.Response(agentID, payload)
	if err != nil {
		return errors.Trace(err)
	}

	if resp.RequestID != "" {
		status := model.CommandAcknowledged
		if !resp.Success {
			status = model.CommandFailed
		}
		err := a.cfg.Commands.UpdateCommandStatus(ctx, resp.RequestID, status, resp.Message)
		switch {
		case errors.Is(err, errors.NotFound):
			a.logger.Warn("response for unknown command", "agent", agentID, "request", resp.RequestID)
		case err != nil:
			a.logger.Error("update command status", "request", resp.RequestID, "error", err)
		}
	}

	now := a.cfg.Clock.Now().UTC()
	msg := protocol.Message{
		Type:      protocol.TypeCommandResponse,
		Timestamp: now,
		DroneID:   agentID,
		Command:   resp.Command,
		RequestID: resp.RequestID,
		Success:   protocol.Bool(resp.Success),
		Message:   resp.Message,
	}
	a.cfg.Hub.Broadcast(msg)
	return nil
}

func (a *Adapter) broadcast(msgType string, now time.Time, data any) {
	msg, err := protocol.New(msgType, now, data)
	if err != nil {
		a.logger.Error("build broadcast", "type", msgType, "error", err)
		return
	}
	a.cfg.Hub.Broadcast(msg)
}

func (a *Adapter) reject(ctx context.Context, msg transport.Message, agentID, kind string, cause error) {
	a.cfg.Metrics.Malformed.WithLabelValues(kind).Inc()
	a.logger.Warn("dropping malformed message", "topic", msg.Topic, "error", cause)

	payload := msg.Payload
	if len(payload) > maxStoredPayload {
		payload = payload[:maxStoredPayload]
	}
	err := a.cfg.Errors.InsertIngestionError(ctx, model.IngestionError{
		Topic:     msg.Topic,
		DroneID:   agentID,
		Payload:   string(payload),
		Error:     cause.Error(),
		CreatedAt: a.cfg.Clock.Now().UTC(),
	})
	if err != nil {
		a.logger.Error("record ingestion error", "topic", msg.Topic, "error", err)
	}
}
