package observer_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"skyrelay/telemetry-server/internal/model"
	"skyrelay/telemetry-server/internal/observer"
	"skyrelay/telemetry-server/internal/protocol"
	"skyrelay/telemetry-server/internal/synthetic"
)

type fakePush struct {
	events chan observer.Event

	mu         sync.Mutex
	connected  bool
	reconnects int
	sent       []protocol.Message
	sendErr    error
	closed     bool
}

func newFakePush() *fakePush {
	return &fakePush{events: make(chan observer.Event)}
}

func (p *fakePush) Events() <-chan observer.Event { return p.events }

func (p *fakePush) Reconnect() {
	p.mu.Lock()
	p.reconnects++
	p.mu.Unlock()
}

func (p *fakePush) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

func (p *fakePush) Send(msg protocol.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sendErr != nil {
		return p.sendErr
	}
	p.sent = append(p.sent, msg)
	return nil
}

func (p *fakePush) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}

func (p *fakePush) setConnected(v bool) {
	p.mu.Lock()
	p.connected = v
	p.mu.Unlock()
}

func (p *fakePush) sentTypes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, m := range p.sent {
		out = append(out, m.Type)
	}
	return out
}

type fakePull struct {
	mu         sync.Mutex
	agents     []model.Agent
	readings   []model.Reading
	err        error
	block      bool
	calls      int
	agentIDs   []string
	timeRanges []string
	commands   []string
}

func (p *fakePull) ListAgents(ctx context.Context) ([]model.Agent, error) {
	p.mu.Lock()
	p.calls++
	block := p.block
	p.mu.Unlock()
	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	return append([]model.Agent(nil), p.agents...), nil
}

func (p *fakePull) Recent(_ context.Context, agentID string, _ int) ([]model.Reading, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.agentIDs = append(p.agentIDs, agentID)
	return append([]model.Reading(nil), p.readings...), nil
}

func (p *fakePull) History(_ context.Context, agentID, timeRange string) ([]model.Reading, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.agentIDs = append(p.agentIDs, agentID)
	p.timeRanges = append(p.timeRanges, timeRange)
	return append([]model.Reading(nil), p.readings...), nil
}

func (p *fakePull) SendCommand(_ context.Context, agentID, command string, _ map[string]any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	p.commands = append(p.commands, agentID+":"+command)
	return "req", nil
}

func (p *fakePull) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *fakePull) fail(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

type selectorSuite struct {
	testing.IsolationSuite

	clock          *testclock.Clock
	push           *fakePush
	pull           *fakePull
	selector       *observer.Selector
	requestTimeout time.Duration
}

var _ = gc.Suite(&selectorSuite{})

var base = time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)

func (s *selectorSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.clock = testclock.NewClock(base)
	s.push = newFakePush()
	s.pull = &fakePull{
		agents:   []model.Agent{{ID: "A1", Name: "Hawk", IsOnline: true}},
		readings: []model.Reading{{DroneID: "A1", Timestamp: base, Battery: 80}},
	}
	s.selector = nil
	s.requestTimeout = 0
}

func (s *selectorSuite) TearDownTest(c *gc.C) {
	if s.selector != nil {
		s.selector.Stop()
	}
	s.IsolationSuite.TearDownTest(c)
}

func (s *selectorSuite) start(c *gc.C, push observer.PushChannel, pull observer.Puller, agent string) {
	cfg := synthetic.DefaultConfig()
	cfg.Start = base
	gen, err := synthetic.New(cfg)
	c.Assert(err, jc.ErrorIsNil)

	sel, err := observer.NewSelector(observer.SelectorConfig{
		Push:           push,
		Pull:           pull,
		Generator:      gen,
		Clock:          s.clock,
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		Agent:          agent,
		RequestTimeout: s.requestTimeout,
	})
	c.Assert(err, jc.ErrorIsNil)
	s.selector = sel
	sel.Start()
}

func (s *selectorSuite) waitFor(c *gc.C, desc string, cond func(observer.Snapshot) bool) observer.Snapshot {
	watch, stop := s.selector.Watch()
	defer stop()
	timeout := time.After(testing.LongWait)
	for {
		select {
		case snap := <-watch:
			if cond(snap) {
				return snap
			}
		case <-timeout:
			c.Fatalf("timed out waiting for %s; last state %s", desc, s.selector.Snapshot().State)
		}
	}
}

func (s *selectorSuite) waitState(c *gc.C, state observer.State) observer.Snapshot {
	return s.waitFor(c, string(state), func(snap observer.Snapshot) bool { return snap.State == state })
}

func (s *selectorSuite) connectPush(c *gc.C) {
	s.push.setConnected(true)
	s.push.events <- observer.Event{Kind: observer.EventConnected}
	s.waitState(c, observer.StatePushConnected)
}

func (s *selectorSuite) pushMessage(c *gc.C, msgType string, data any) {
	msg, err := protocol.New(msgType, s.clock.Now(), data)
	c.Assert(err, jc.ErrorIsNil)
	s.push.events <- observer.Event{Kind: observer.EventMessage, Message: msg}
}

func (s *selectorSuite) TestInitialStateFollowsConfiguredTiers(c *gc.C) {
	s.start(c, s.push, s.pull, "")
	snap := s.waitState(c, observer.StatePushConnecting)
	c.Check(snap.ActiveSource, gc.Equals, observer.SourcePush)
	c.Check(snap.Connected, jc.IsFalse)
	s.selector.Stop()
	s.selector = nil
	c.Check(s.push.closed, jc.IsTrue)

	s.start(c, nil, s.pull, "")
	s.waitState(c, observer.StatePullPolling)
	s.selector.Stop()
	s.selector = nil

	s.start(c, nil, nil, "")
	snap = s.waitState(c, observer.StateSyntheticFallback)
	c.Check(snap.ActiveSource, gc.Equals, observer.SourceSynthetic)
	c.Check(snap.CurrentReading, gc.NotNil)
	c.Check(snap.Agents, gc.HasLen, len(observer.DefaultSyntheticAgents))
}

func (s *selectorSuite) TestHandshakeSubscribes(c *gc.C) {
	s.start(c, s.push, s.pull, "A1")
	s.waitState(c, observer.StatePushConnecting)
	c.Check(s.push.reconnects, gc.Equals, 1)

	s.connectPush(c)
	c.Check(s.push.sentTypes(), jc.DeepEquals, []string{
		protocol.TypeSubscribeDrones, protocol.TypeSubscribeTelem, protocol.TypeGetDroneHistory,
	})
	snap := s.selector.Snapshot()
	c.Check(snap.Connected, jc.IsTrue)
	c.Check(snap.ActiveSource, gc.Equals, observer.SourcePush)
}

func (s *selectorSuite) TestPushDropFallsToPullAndPollsImmediately(c *gc.C) {
	s.start(c, s.push, s.pull, "A1")
	s.connectPush(c)

	s.push.setConnected(false)
	s.push.events <- observer.Event{Kind: observer.EventDisconnected, Err: errors.New("eof")}
	snap := s.waitFor(c, "first poll", func(snap observer.Snapshot) bool {
		return snap.State == observer.StatePullPolling && snap.CurrentReading != nil
	})
	c.Check(snap.ActiveSource, gc.Equals, observer.SourcePull)
	c.Check(snap.Agents, gc.HasLen, 1)
	c.Check(snap.CurrentReading.Battery, gc.Equals, 80.0)
	c.Check(s.pull.callCount(), gc.Equals, 1)

	c.Assert(s.clock.WaitAdvance(observer.DefaultPollInterval, testing.LongWait, 1), jc.ErrorIsNil)
	for deadline := time.Now().Add(testing.LongWait); s.pull.callCount() < 2; time.Sleep(5 * time.Millisecond) {
		c.Assert(time.Now().Before(deadline), jc.IsTrue, gc.Commentf("second poll never happened"))
	}
}

func (s *selectorSuite) TestPushDropWithoutPullFallsToSynthetic(c *gc.C) {
	s.start(c, s.push, nil, "")
	s.connectPush(c)

	s.push.events <- observer.Event{Kind: observer.EventDisconnected, Err: errors.New("eof")}
	snap := s.waitState(c, observer.StateSyntheticFallback)
	c.Check(snap.CurrentReading, gc.NotNil)
	c.Check(snap.Error, jc.Contains, "push channel lost")
}

func (s *selectorSuite) TestPullFailureFallsToSyntheticKeepingLastGoodAgents(c *gc.C) {
	s.start(c, nil, s.pull, "A1")
	s.waitFor(c, "first poll", func(snap observer.Snapshot) bool { return len(snap.Agents) == 1 })

	s.pull.fail(errors.New("connection refused"))
	c.Assert(s.clock.WaitAdvance(observer.DefaultPollInterval, testing.LongWait, 1), jc.ErrorIsNil)
	snap := s.waitState(c, observer.StateSyntheticFallback)

	c.Check(snap.ActiveSource, gc.Equals, observer.SourceSynthetic)
	c.Check(snap.Error, jc.Contains, "connection refused")
	c.Assert(snap.Agents, gc.HasLen, 1)
	c.Check(snap.Agents[0].Name, gc.Equals, "Hawk")
	c.Assert(snap.CurrentReading, gc.NotNil)
	c.Check(snap.CurrentReading.DroneID, gc.Equals, "A1")
	c.Check(snap.CurrentReading.Timestamp.Equal(s.clock.Now()), jc.IsTrue)
}

func (s *selectorSuite) TestHungPullFallsToSynthetic(c *gc.C) {
	s.pull.block = true
	s.requestTimeout = 50 * time.Millisecond
	s.start(c, nil, s.pull, "A1")

	snap := s.waitState(c, observer.StateSyntheticFallback)
	c.Check(snap.ActiveSource, gc.Equals, observer.SourceSynthetic)
	c.Check(snap.Error, jc.Contains, "deadline exceeded")
	c.Check(s.pull.callCount(), gc.Equals, 1)
}

func (s *selectorSuite) TestPullTierFetchesSelectedAgentHistory(c *gc.C) {
	s.start(c, nil, s.pull, "A1")
	snap := s.waitFor(c, "first poll", func(snap observer.Snapshot) bool { return len(snap.History) == 1 })
	c.Check(snap.History[0].Battery, gc.Equals, 80.0)

	s.pull.mu.Lock()
	defer s.pull.mu.Unlock()
	c.Check(s.pull.agentIDs, jc.DeepEquals, []string{"A1"})
	c.Check(s.pull.timeRanges, jc.DeepEquals, []string{model.DefaultTimeRange})
}

func (s *selectorSuite) TestSyntheticReadingsCarryCurrentTime(c *gc.C) {
	s.start(c, s.push, nil, "")
	s.connectPush(c)

	s.clock.Advance(time.Hour)
	s.push.events <- observer.Event{Kind: observer.EventDisconnected, Err: errors.New("eof")}
	snap := s.waitState(c, observer.StateSyntheticFallback)

	now := s.clock.Now()
	c.Assert(snap.CurrentReading, gc.NotNil)
	c.Check(snap.CurrentReading.Timestamp.Equal(now), jc.IsTrue)
	c.Assert(snap.Agents, gc.Not(gc.HasLen), 0)
	for _, a := range snap.Agents {
		c.Check(a.LastSeen.Equal(now), jc.IsTrue, gc.Commentf("agent %s", a.ID))
		c.Check(a.IsOnline, jc.IsTrue)
	}
}

func (s *selectorSuite) TestSyntheticTicksOnItsOwnTimer(c *gc.C) {
	s.start(c, nil, nil, "drone-001")
	first := s.waitState(c, observer.StateSyntheticFallback)
	c.Assert(first.History, gc.HasLen, 1)

	for i := 2; i <= 3; i++ {
		c.Assert(s.clock.WaitAdvance(observer.DefaultSyntheticInterval, testing.LongWait, 1), jc.ErrorIsNil)
		want := i
		s.waitFor(c, "synthetic tick", func(snap observer.Snapshot) bool { return len(snap.History) == want })
	}
}

func (s *selectorSuite) TestReturningToPushCancelsPollTimer(c *gc.C) {
	s.start(c, s.push, s.pull, "A1")
	s.push.events <- observer.Event{Kind: observer.EventDisconnected, Err: errors.New("refused"), Attempt: 1}
	s.waitFor(c, "first poll", func(snap observer.Snapshot) bool {
		return snap.State == observer.StatePullPolling && snap.CurrentReading != nil
	})
	c.Check(s.selector.Snapshot().ReconnectAttempts, gc.Equals, 1)
	c.Assert(s.pull.callCount(), gc.Equals, 1)

	s.connectPush(c)
	c.Check(s.selector.Snapshot().ReconnectAttempts, gc.Equals, 0)

	// The poll timer was stopped with the transition, so nothing waits on the clock.
	s.clock.Advance(3 * observer.DefaultPollInterval)
	time.Sleep(testing.ShortWait)
	c.Check(s.pull.callCount(), gc.Equals, 1)
	c.Check(s.selector.Snapshot().State, gc.Equals, observer.StatePushConnected)
}

func (s *selectorSuite) TestMessagesIgnoredUnlessPushIsActive(c *gc.C) {
	s.start(c, s.push, s.pull, "A1")
	s.push.events <- observer.Event{Kind: observer.EventDisconnected, Err: errors.New("refused")}
	s.waitFor(c, "first poll", func(snap observer.Snapshot) bool { return snap.CurrentReading != nil })

	s.pushMessage(c, protocol.TypeTelemetryRealtime, model.Reading{DroneID: "A1", Battery: 11})
	s.selector.SelectAgent("A1")
	c.Check(s.selector.Snapshot().CurrentReading.Battery, gc.Equals, 80.0)
}

func (s *selectorSuite) TestRealtimeHistoryIsCappedInArrivalOrder(c *gc.C) {
	s.start(c, s.push, s.pull, "A1")
	s.connectPush(c)

	for i := 0; i < observer.HistoryLimit+50; i++ {
		s.pushMessage(c, protocol.TypeTelemetryRealtime, model.Reading{DroneID: "A1", Battery: float64(i)})
	}
	s.pushMessage(c, protocol.TypeTelemetryRealtime, model.Reading{DroneID: "B2", Battery: 1000})
	snap := s.waitFor(c, "history", func(snap observer.Snapshot) bool {
		return len(snap.History) == observer.HistoryLimit && snap.History[len(snap.History)-1].Battery == float64(observer.HistoryLimit+49)
	})
	c.Check(snap.History[0].Battery, gc.Equals, 50.0)
	c.Check(snap.CurrentReading.DroneID, gc.Equals, "A1")
}

func (s *selectorSuite) TestSelectAgentUsesCachedReading(c *gc.C) {
	s.start(c, s.push, s.pull, "A1")
	s.connectPush(c)
	s.pushMessage(c, protocol.TypeTelemetryRealtime, model.Reading{DroneID: "B2", Battery: 42})
	s.pushMessage(c, protocol.TypeDroneStatusUpdate, model.Agent{ID: "B2", Name: "Kite"})

	s.selector.SelectAgent("B2")
	snap := s.selector.Snapshot()
	c.Check(snap.SelectedAgent, gc.Equals, "B2")
	c.Assert(snap.CurrentReading, gc.NotNil)
	c.Check(snap.CurrentReading.Battery, gc.Equals, 42.0)
	c.Check(snap.History, gc.HasLen, 0)
	c.Check(snap.Agents, gc.HasLen, 1)

	types := s.push.sentTypes()
	c.Check(types[len(types)-2:], jc.DeepEquals, []string{protocol.TypeSubscribeTelem, protocol.TypeGetDroneHistory})
}

func (s *selectorSuite) TestHistoryBatchReplacesHistory(c *gc.C) {
	s.start(c, s.push, s.pull, "A1")
	s.connectPush(c)
	msg, err := protocol.New(protocol.TypeDroneHistory, s.clock.Now(), []model.Reading{
		{DroneID: "A1", Timestamp: base, Battery: 1},
		{DroneID: "A1", Timestamp: base.Add(time.Minute), Battery: 2},
	})
	c.Assert(err, jc.ErrorIsNil)
	msg.DroneID = "A1"
	s.push.events <- observer.Event{Kind: observer.EventMessage, Message: msg}

	snap := s.waitFor(c, "history batch", func(snap observer.Snapshot) bool { return len(snap.History) == 2 })
	c.Check(snap.CurrentReading.Battery, gc.Equals, 2.0)
}

func (s *selectorSuite) TestRefreshFromSyntheticRetriesPush(c *gc.C) {
	s.start(c, s.push, nil, "")
	s.push.events <- observer.Event{Kind: observer.EventGaveUp, Attempt: 5}
	snap := s.waitState(c, observer.StateSyntheticFallback)
	c.Check(snap.ReconnectAttempts, gc.Equals, 5)

	s.selector.RefreshAll()
	c.Check(s.selector.Snapshot().State, gc.Equals, observer.StatePushConnecting)
	s.push.mu.Lock()
	c.Check(s.push.reconnects, gc.Equals, 2)
	s.push.mu.Unlock()
}

func (s *selectorSuite) sentCount() int {
	s.push.mu.Lock()
	defer s.push.mu.Unlock()
	return len(s.push.sent)
}

// commandFrame waits for a send_command frame beyond the first after frames.
func (s *selectorSuite) commandFrame(c *gc.C, after int) protocol.Message {
	deadline := time.Now().Add(testing.LongWait)
	for time.Now().Before(deadline) {
		s.push.mu.Lock()
		sent := append([]protocol.Message(nil), s.push.sent...)
		s.push.mu.Unlock()
		if len(sent) > after && sent[len(sent)-1].Type == protocol.TypeSendCommand {
			return sent[len(sent)-1]
		}
		time.Sleep(10 * time.Millisecond)
	}
	c.Fatalf("no send_command frame written")
	return protocol.Message{}
}

func (s *selectorSuite) sendCommandAsync(agent, command string) <-chan bool {
	result := make(chan bool, 1)
	go func() { result <- s.selector.SendCommand(agent, command, nil) }()
	return result
}

func (s *selectorSuite) replyCommand(frame protocol.Message, ok bool, text string) {
	s.push.events <- observer.Event{Kind: observer.EventMessage, Message: protocol.Message{
		Type:      protocol.TypeCommandResponse,
		RequestID: frame.RequestID,
		DroneID:   frame.DroneID,
		Command:   frame.Command,
		Success:   protocol.Bool(ok),
		Message:   text,
	}}
}

func waitResult(c *gc.C, result <-chan bool) bool {
	select {
	case ok := <-result:
		return ok
	case <-time.After(testing.LongWait):
		c.Fatalf("SendCommand did not return")
	}
	return false
}

func (s *selectorSuite) TestSendCommandCascade(c *gc.C) {
	s.start(c, s.push, s.pull, "A1")
	s.connectPush(c)

	before := s.sentCount()
	result := s.sendCommandAsync("A1", "land")
	frame := s.commandFrame(c, before)
	c.Check(frame.RequestID, gc.Not(gc.Equals), "")
	s.replyCommand(frame, true, "command sent")
	c.Check(waitResult(c, result), jc.IsTrue)
	c.Check(s.pull.commands, gc.HasLen, 0)

	s.push.setConnected(false)
	c.Check(s.selector.SendCommand("A1", "hover", nil), jc.IsTrue)
	c.Check(s.pull.commands, jc.DeepEquals, []string{"A1:hover"})

	s.pull.fail(errors.New("503"))
	c.Check(s.selector.SendCommand("A1", "rtl", nil), jc.IsFalse)
	c.Check(s.selector.Snapshot().Error, jc.Contains, "command rtl to A1 failed")
}

func (s *selectorSuite) TestPushCommandRejectedFallsToPull(c *gc.C) {
	s.start(c, s.push, s.pull, "A1")
	s.connectPush(c)

	before := s.sentCount()
	result := s.sendCommandAsync("A1", "land")
	s.replyCommand(s.commandFrame(c, before), false, "agent offline")
	c.Check(waitResult(c, result), jc.IsTrue)
	c.Check(s.pull.commands, jc.DeepEquals, []string{"A1:land"})
}

func (s *selectorSuite) TestPushCommandRejectedWithoutPull(c *gc.C) {
	s.start(c, s.push, nil, "A1")
	s.connectPush(c)

	before := s.sentCount()
	result := s.sendCommandAsync("A1", "land")
	s.replyCommand(s.commandFrame(c, before), false, "agent offline")
	c.Check(waitResult(c, result), jc.IsFalse)
	c.Check(s.selector.Snapshot().Error, jc.Contains, "agent offline")
}

func (s *selectorSuite) TestPushCommandTimeoutFallsToPull(c *gc.C) {
	s.start(c, s.push, s.pull, "A1")
	s.connectPush(c)

	before := s.sentCount()
	result := s.sendCommandAsync("A1", "rtl")
	s.commandFrame(c, before)
	c.Assert(s.clock.WaitAdvance(observer.DefaultRequestTimeout, testing.LongWait, 1), jc.ErrorIsNil)
	c.Check(waitResult(c, result), jc.IsTrue)
	c.Check(s.pull.commands, jc.DeepEquals, []string{"A1:rtl"})
}

func (s *selectorSuite) TestSendCommandWithoutAnyChannel(c *gc.C) {
	s.start(c, nil, nil, "")
	s.waitState(c, observer.StateSyntheticFallback)
	c.Check(s.selector.SendCommand("A1", "land", nil), jc.IsFalse)
	c.Check(s.selector.Snapshot().Error, jc.Contains, "no channel available")
}
