package mqttbroker_test

import (
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"skyrelay/telemetry-server/internal/mqttbroker"
)

type topicSuite struct{}

var _ = gc.Suite(&topicSuite{})

func (s *topicSuite) TestMatch(c *gc.C) {
	for i, t := range []struct {
		filter, topic string
		match         bool
	}{
		{"agents/A1/data", "agents/A1/data", true},
		{"agents/A1/data", "agents/A2/data", false},
		{"agents/+/data", "agents/A1/data", true},
		{"agents/+/data", "agents/A1/status", false},
		{"agents/+/data", "agents/A1/data/extra", false},
		{"agents/#", "agents/A1/data", true},
		{"agents/#", "agents", true},
		{"#", "agents/A1/response", true},
		{"agents/+", "agents/A1/data", false},
		{"+/+/+", "agents/A1/data", true},
	} {
		c.Logf("test %d: %s vs %s", i, t.filter, t.topic)
		c.Check(mqttbroker.Match(t.filter, t.topic), gc.Equals, t.match)
	}
}

func (s *topicSuite) TestValidFilter(c *gc.C) {
	c.Check(mqttbroker.ValidFilter("agents/+/data"), jc.IsTrue)
	c.Check(mqttbroker.ValidFilter("agents/#"), jc.IsTrue)
	c.Check(mqttbroker.ValidFilter(""), jc.IsFalse)
	c.Check(mqttbroker.ValidFilter("agents/#/data"), jc.IsFalse)
	c.Check(mqttbroker.ValidFilter("agents/a+/data"), jc.IsFalse)
}
