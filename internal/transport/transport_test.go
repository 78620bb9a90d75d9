package transport_test

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/juju/errors"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"skyrelay/telemetry-server/internal/mqttbroker"
	"skyrelay/telemetry-server/internal/transport"
)

type transportSuite struct {
	logger *slog.Logger
	broker *mqttbroker.Broker
}

var _ = gc.Suite(&transportSuite{})

func (s *transportSuite) SetUpTest(c *gc.C) {
	s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	s.broker = mqttbroker.New(s.logger)
	_, err := s.broker.Start("127.0.0.1:0")
	c.Assert(err, jc.ErrorIsNil)
}

func (s *transportSuite) TearDownTest(c *gc.C) {
	c.Assert(s.broker.Stop(), jc.ErrorIsNil)
}

func (s *transportSuite) TestEmbeddedRoundTrip(c *gc.C) {
	bus := transport.NewEmbedded(s.broker)
	var got []transport.Message
	unsubscribe, err := bus.Subscribe("agents/+/commands", func(_ context.Context, msg transport.Message) {
		got = append(got, msg)
	})
	c.Assert(err, jc.ErrorIsNil)
	defer unsubscribe()

	c.Assert(bus.Publish(context.Background(), "agents/A1/commands", []byte("x")), jc.ErrorIsNil)
	c.Assert(bus.Publish(context.Background(), "agents/A1/data", []byte("y")), jc.ErrorIsNil)
	c.Assert(got, gc.HasLen, 1)
	c.Check(got[0], jc.DeepEquals, transport.Message{Topic: "agents/A1/commands", Payload: []byte("x")})
}

func (s *transportSuite) TestPahoPreservesOrder(c *gc.C) {
	bus, err := transport.DialPaho(transport.PahoConfig{
		Broker:   "tcp://" + s.broker.Addr().String(),
		ClientID: "transport-test",
		Timeout:  5 * time.Second,
		Logger:   s.logger,
	})
	c.Assert(err, jc.ErrorIsNil)
	defer bus.Close()

	received := make(chan string, 10)
	unsubscribe, err := bus.Subscribe("agents/+/data", func(_ context.Context, msg transport.Message) {
		received <- string(msg.Payload)
	})
	c.Assert(err, jc.ErrorIsNil)
	defer unsubscribe()

	for _, p := range []string{"1", "2", "3"} {
		c.Assert(s.broker.Publish("agents/A1/data", []byte(p)), jc.ErrorIsNil)
	}
	for _, want := range []string{"1", "2", "3"} {
		select {
		case got := <-received:
			c.Check(got, gc.Equals, want)
		case <-time.After(5 * time.Second):
			c.Fatalf("missing message %s", want)
		}
	}
}

func (s *transportSuite) TestDialPahoRequiresBroker(c *gc.C) {
	_, err := transport.DialPaho(transport.PahoConfig{Logger: s.logger})
	c.Check(errors.Is(err, errors.NotValid), jc.IsTrue)
}
