package tracing_test

import (
	"context"

	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"skyrelay/telemetry-server/internal/tracing"
)

type tracingSuite struct{}

var _ = gc.Suite(&tracingSuite{})

func (s *tracingSuite) TestEmptyEndpointDisablesTracing(c *gc.C) {
	provider, err := tracing.Setup(context.Background(), "", "skyrelay")
	c.Assert(err, jc.ErrorIsNil)

	_, span := provider.Tracer("test").Start(context.Background(), "noop")
	c.Check(span.SpanContext().IsValid(), jc.IsFalse)
	span.End()
	c.Check(provider.Shutdown(context.Background()), jc.ErrorIsNil)
}
