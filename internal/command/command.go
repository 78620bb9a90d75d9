// Package command forwards operator commands to agents over their command
// topic and keeps the command log.
package command

//go:generate go run go.uber.org/mock/mockgen -package mocks -destination mocks/publisher_mock.go skyrelay/telemetry-server/internal/command Publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"skyrelay/telemetry-server/internal/metrics"
	"skyrelay/telemetry-server/internal/model"
)

// ErrAgentOffline is returned when the target agent has not been seen
// within the offline threshold.
const ErrAgentOffline = errors.ConstError("agent offline")

// Publisher sends a payload on a transport topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// AgentLookup resolves the current view of an agent.
type AgentLookup interface {
	Agent(id string) (model.Agent, error)
}

// Log stores issued commands.
type Log interface {
	InsertCommand(ctx context.Context, cmd model.Command) error
}

// Config holds the service dependencies.
type Config struct {
	Publisher Publisher
	Agents    AgentLookup
	Log       Log
	Metrics   *metrics.Metrics
	Tracer    trace.Tracer
	Clock     clock.Clock
	Logger    *slog.Logger
}

// Validate checks every dependency is present.
func (c Config) Validate() error {
	switch {
	case c.Publisher == nil:
		return errors.NotValidf("nil Publisher")
	case c.Agents == nil:
		return errors.NotValidf("nil Agents")
	case c.Log == nil:
		return errors.NotValidf("nil Log")
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

// Service validates and publishes commands.
type Service struct {
	cfg    Config
	logger *slog.Logger
}

// New returns a command service.
func New(cfg Config) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &Service{cfg: cfg, logger: cfg.Logger.With("component", "command")}, nil
}

type wireCommand struct {
	Command    string         `json:"command"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	RequestID  string         `json:"requestId"`
}

// Topic is the command topic of an agent.
func Topic(agentID string) string {
	return fmt.Sprintf("agents/%s/commands", agentID)
}

// Send publishes command to agentID. Unknown agents yield a NotFound error,
// offline agents ErrAgentOffline, and an empty command a NotValid error.
func (s *Service) Send(ctx context.Context, agentID, command string, params map[string]any) (model.Command, error) {
	command = strings.TrimSpace(command)
	if command == "" {
		return model.Command{}, errors.NotValidf("empty command")
	}

	ctx, span := s.cfg.Tracer.Start(ctx, "command.send", trace.WithAttributes(
		attribute.String("agent.id", agentID),
		attribute.String("command", command),
	))
	defer span.End()

	agent, err := s.cfg.Agents.Agent(agentID)
	if err != nil {
		s.cfg.Metrics.Commands.WithLabelValues(metrics.OutcomeNotFound).Inc()
		return model.Command{}, errors.Trace(err)
	}
	if !agent.IsOnline {
		s.cfg.Metrics.Commands.WithLabelValues(metrics.OutcomeOffline).Inc()
		s.logger.Info("command rejected", "agent", agentID, "command", command, "reason", ErrAgentOffline)
		return model.Command{}, errors.Annotatef(ErrAgentOffline, "agent %q", agentID)
	}

	cmd := model.Command{
		RequestID:  uuid.NewString(),
		DroneID:    agentID,
		Command:    command,
		Parameters: params,
		IssuedAt:   s.cfg.Clock.Now().UTC(),
		Status:     model.CommandSent,
	}
	span.SetAttributes(attribute.String("request.id", cmd.RequestID))

	payload, err := json.Marshal(wireCommand{
		Command:    cmd.Command,
		Parameters: cmd.Parameters,
		Timestamp:  cmd.IssuedAt,
		RequestID:  cmd.RequestID,
	})
	if err != nil {
		return model.Command{}, errors.Annotate(err, "encode command")
	}

	if err := s.cfg.Publisher.Publish(ctx, Topic(agentID), payload); err != nil {
		s.cfg.Metrics.Commands.WithLabelValues(metrics.OutcomeFailed).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return model.Command{}, errors.Annotatef(err, "publish command to %q", agentID)
	}
	s.cfg.Metrics.Commands.WithLabelValues(metrics.OutcomeSent).Inc()

	if err := s.cfg.Log.InsertCommand(ctx, cmd); err != nil {
		s.logger.Error("record command", "request", cmd.RequestID, "error", err)
	}
	s.logger.Info("command sent", "agent", agentID, "command", command, "request", cmd.RequestID)
	return cmd, nil
}
