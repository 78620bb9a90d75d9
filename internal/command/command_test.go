package command_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	jc "github.com/juju/testing/checkers"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/mock/gomock"
	gc "gopkg.in/check.v1"

	"skyrelay/telemetry-server/internal/command"
	"skyrelay/telemetry-server/internal/command/mocks"
	"skyrelay/telemetry-server/internal/metrics"
	"skyrelay/telemetry-server/internal/model"
	"skyrelay/telemetry-server/internal/registry"
)

type nopPersister struct{}

func (nopPersister) UpsertAgent(context.Context, model.AgentRecord) error { return nil }

func (nopPersister) Agents(context.Context) ([]model.AgentRecord, error) { return nil, nil }

type commandLog struct {
	commands []model.Command
}

func (l *commandLog) InsertCommand(_ context.Context, cmd model.Command) error {
	l.commands = append(l.commands, cmd)
	return nil
}

type commandSuite struct {
	clock     *testclock.Clock
	registry  *registry.Registry
	log       *commandLog
	publisher *mocks.MockPublisher
	service   *command.Service
}

var _ = gc.Suite(&commandSuite{})

func (s *commandSuite) setup(c *gc.C) *gomock.Controller {
	ctrl := gomock.NewController(c)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s.clock = testclock.NewClock(time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC))

	reg, err := registry.New(registry.Config{Clock: s.clock, Logger: logger, Persister: nopPersister{}})
	c.Assert(err, jc.ErrorIsNil)
	s.registry = reg
	s.log = &commandLog{}
	s.publisher = mocks.NewMockPublisher(ctrl)

	s.service, err = command.New(command.Config{
		Publisher: s.publisher,
		Agents:    reg,
		Log:       s.log,
		Metrics:   metrics.New(),
		Tracer:    noop.NewTracerProvider().Tracer("test"),
		Clock:     s.clock,
		Logger:    logger,
	})
	c.Assert(err, jc.ErrorIsNil)
	return ctrl
}

func (s *commandSuite) TestSendPublishesToAgentTopic(c *gc.C) {
	defer s.setup(c).Finish()
	_, err := s.registry.ApplyStatus(context.Background(), "A1", "", model.StatusStandby)
	c.Assert(err, jc.ErrorIsNil)

	var published []byte
	s.publisher.EXPECT().Publish(gomock.Any(), "agents/A1/commands", gomock.Any()).DoAndReturn(
		func(_ context.Context, _ string, payload []byte) error {
			published = payload
			return nil
		})

	cmd, err := s.service.Send(context.Background(), "A1", " takeoff ", map[string]any{"altitude": 50.0})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(cmd.RequestID, gc.Not(gc.Equals), "")
	c.Check(cmd.Command, gc.Equals, "takeoff")
	c.Check(cmd.Status, gc.Equals, model.CommandSent)

	var wire map[string]any
	c.Assert(json.Unmarshal(published, &wire), jc.ErrorIsNil)
	c.Check(wire["command"], gc.Equals, "takeoff")
	c.Check(wire["requestId"], gc.Equals, cmd.RequestID)
	c.Check(wire["parameters"], jc.DeepEquals, map[string]any{"altitude": 50.0})
	c.Check(wire["timestamp"], gc.Equals, "2026-05-01T08:00:00Z")

	c.Assert(s.log.commands, gc.HasLen, 1)
	c.Check(s.log.commands[0], jc.DeepEquals, cmd)
}

func (s *commandSuite) TestOfflineAgentIsRejected(c *gc.C) {
	defer s.setup(c).Finish()
	_, err := s.registry.ApplyStatus(context.Background(), "A1", "", model.StatusStandby)
	c.Assert(err, jc.ErrorIsNil)
	s.clock.Advance(2 * time.Minute)

	_, err = s.service.Send(context.Background(), "A1", "land", nil)
	c.Check(errors.Is(err, command.ErrAgentOffline), jc.IsTrue)
	c.Check(s.log.commands, gc.HasLen, 0)
}

func (s *commandSuite) TestUnknownAgent(c *gc.C) {
	defer s.setup(c).Finish()
	_, err := s.service.Send(context.Background(), "ghost", "land", nil)
	c.Check(errors.Is(err, errors.NotFound), jc.IsTrue)
}

func (s *commandSuite) TestEmptyCommand(c *gc.C) {
	defer s.setup(c).Finish()
	_, err := s.service.Send(context.Background(), "A1", "  ", nil)
	c.Check(errors.Is(err, errors.NotValid), jc.IsTrue)
}

func (s *commandSuite) TestPublishFailure(c *gc.C) {
	defer s.setup(c).Finish()
	_, err := s.registry.ApplyStatus(context.Background(), "A1", "", model.StatusStandby)
	c.Assert(err, jc.ErrorIsNil)
	s.publisher.EXPECT().Publish(gomock.Any(), "agents/A1/commands", gomock.Any()).Return(errors.New("broker down"))

	_, err = s.service.Send(context.Background(), "A1", "land", nil)
	c.Check(err, gc.ErrorMatches, `publish command to "A1": broker down`)
	c.Check(s.log.commands, gc.HasLen, 0)
}
