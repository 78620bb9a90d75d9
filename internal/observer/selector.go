// Package observer is the consumer side of the hub: a push session over
// WebSocket, a pull client over HTTP, and a selector that decides which of
// push, pull or local simulation is serving the consumer at any moment.
package observer

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/errors"

	"skyrelay/telemetry-server/internal/model"
	"skyrelay/telemetry-server/internal/protocol"
	"skyrelay/telemetry-server/internal/synthetic"
)

// State is the selector's acquisition state.
type State string

const (
	StatePushConnecting    State = "PUSH_CONNECTING"
	StatePushConnected     State = "PUSH_CONNECTED"
	StatePullPolling       State = "PULL_POLLING"
	StateSyntheticFallback State = "SYNTHETIC_FALLBACK"
)

// Source names the tier serving the consumer.
type Source string

const (
	SourcePush      Source = "push"
	SourcePull      Source = "pull"
	SourceSynthetic Source = "synthetic"
)

// Selector defaults.
const (
	DefaultPollInterval      = 15 * time.Second
	DefaultSyntheticInterval = 5 * time.Second
	HistoryLimit             = 100
)

// DefaultSyntheticAgents are simulated when nothing else is known.
var DefaultSyntheticAgents = []string{"drone-001", "drone-002", "drone-003"}

// Snapshot is the read-only projection consumers render.
type Snapshot struct {
	Agents            []model.Agent
	CurrentReading    *model.Reading
	History           []model.Reading
	Connected         bool
	ActiveSource      Source
	State             State
	LastUpdate        time.Time
	Error             string
	ReconnectAttempts int
	SelectedAgent     string
}

func (s Snapshot) clone() Snapshot {
	out := s
	out.Agents = append([]model.Agent(nil), s.Agents...)
	out.History = append([]model.Reading(nil), s.History...)
	if s.CurrentReading != nil {
		r := *s.CurrentReading
		out.CurrentReading = &r
	}
	return out
}

// PushChannel is the push tier; *Session implements it.
type PushChannel interface {
	Events() <-chan Event
	Reconnect()
	Connected() bool
	Send(msg protocol.Message) error
	Close()
}

// Puller is the pull tier; *PullClient implements it.
type Puller interface {
	ListAgents(ctx context.Context) ([]model.Agent, error)
	Recent(ctx context.Context, agentID string, limit int) ([]model.Reading, error)
	History(ctx context.Context, agentID, timeRange string) ([]model.Reading, error)
	SendCommand(ctx context.Context, agentID, command string, params map[string]any) (string, error)
}

// SelectorConfig configures a Selector. A nil Push or Pull disables that tier.
type SelectorConfig struct {
	Push              PushChannel
	Pull              Puller
	Generator         *synthetic.Generator
	Clock             clock.Clock
	Logger            *slog.Logger
	Agent             string
	TimeRange         string
	PollInterval      time.Duration
	SyntheticInterval time.Duration
	RequestTimeout    time.Duration
}

// Validate checks the required settings.
func (c SelectorConfig) Validate() error {
	switch {
	case c.Generator == nil:
		return errors.NotValidf("nil Generator")
	case c.Clock == nil:
		return errors.NotValidf("nil Clock")
	case c.Logger == nil:
		return errors.NotValidf("nil Logger")
	}
	return nil
}

type timerFired struct {
	gen uint64
}

type fetchResult struct {
	gen      uint64
	agents   []model.Agent
	readings []model.Reading
	err      error
}

// Selector runs the push/pull/synthetic cascade on one goroutine. Every
// transition bumps a generation: the one timer and any in-flight fetch
// belong to a generation, and results from an older one are discarded.
type Selector struct {
	cfg    SelectorConfig
	logger *slog.Logger

	ops     chan func()
	timers  chan timerFired
	results chan fetchResult
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
	fetches sync.WaitGroup

	// Owned by the loop goroutine.
	snap        Snapshot
	gen         uint64
	timer       clock.Timer
	cancelFetch context.CancelFunc
	latest      map[string]model.Reading

	mu       sync.Mutex
	view     Snapshot
	watchers map[int]chan Snapshot
	nextID   int

	pendingMu sync.Mutex
	pending   map[string]chan protocol.Message
}

// NewSelector builds a selector; call Start to run it.
func NewSelector(cfg SelectorConfig) (*Selector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.SyntheticInterval <= 0 {
		cfg.SyntheticInterval = DefaultSyntheticInterval
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.TimeRange == "" {
		cfg.TimeRange = model.DefaultTimeRange
	}
	return &Selector{
		cfg:      cfg,
		logger:   cfg.Logger.With("component", "observer.selector"),
		ops:      make(chan func()),
		timers:   make(chan timerFired),
		results:  make(chan fetchResult),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
		snap:     Snapshot{SelectedAgent: cfg.Agent},
		latest:   make(map[string]model.Reading),
		watchers: make(map[int]chan Snapshot),
		pending:  make(map[string]chan protocol.Message),
	}, nil
}

// Start enters the initial state and runs the loop.
func (s *Selector) Start() {
	go s.loop()
}

// Stop cancels the active timer and fetch, closes the push channel and
// waits for the loop to exit.
func (s *Selector) Stop() {
	s.once.Do(func() { close(s.done) })
	<-s.stopped
	if s.cfg.Push != nil {
		s.cfg.Push.Close()
	}
	s.fetches.Wait()
}

// Snapshot returns a copy of the current projection.
func (s *Selector) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view.clone()
}

// Watch delivers a copy of the projection after every change. Only the
// newest undelivered snapshot is kept. Call the returned function to stop
// watching.
func (s *Selector) Watch() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.watchers[id] = ch
	ch <- s.view.clone()
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.watchers, id)
			s.mu.Unlock()
		})
	}
}

// SelectAgent focuses the projection on one agent.
func (s *Selector) SelectAgent(id string) {
	s.do(func() { s.selectAgent(id) })
}

// RefreshAll retries the best available tier.
func (s *Selector) RefreshAll() {
	s.do(s.refresh)
}

// SendCommand tries the push channel, then the pull surface. A push
// attempt counts only once the hub answers with success within the request
// timeout. It reports false only when neither accepted the command.
func (s *Selector) SendCommand(agentID, command string, params map[string]any) bool {
	if push := s.cfg.Push; push != nil && push.Connected() {
		err := s.pushCommand(push, agentID, command, params)
		if err == nil {
			return true
		}
		s.logger.Debug("push command failed", "agent", agentID, "command", command, "error", err)
		if s.cfg.Pull == nil {
			s.do(func() { s.fail(fmt.Sprintf("command %s to %s failed: %v", command, agentID, err)) })
			return false
		}
	}

	if s.cfg.Pull != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RequestTimeout)
		defer cancel()
		_, err := s.cfg.Pull.SendCommand(ctx, agentID, command, params)
		if err == nil {
			return true
		}
		s.do(func() { s.fail(fmt.Sprintf("command %s to %s failed: %v", command, agentID, err)) })
		return false
	}

	s.do(func() { s.fail(fmt.Sprintf("command %s to %s failed: no channel available", command, agentID)) })
	return false
}

// pushCommand sends a send_command frame tagged with a fresh requestId and
// waits for the matching command_response.
func (s *Selector) pushCommand(push PushChannel, agentID, command string, params map[string]any) error {
	id := uuid.NewString()
	reply := make(chan protocol.Message, 1)
	s.pendingMu.Lock()
	s.pending[id] = reply
	s.pendingMu.Unlock()
	defer func() {
		s.pendingMu.Lock()
		delete(s.pending, id)
		s.pendingMu.Unlock()
	}()

	timer := s.cfg.Clock.NewTimer(s.cfg.RequestTimeout)
	defer timer.Stop()

	if err := push.Send(protocol.Message{
		Type:       protocol.TypeSendCommand,
		DroneID:    agentID,
		Command:    command,
		Parameters: params,
		RequestID:  id,
	}); err != nil {
		return errors.Trace(err)
	}

	select {
	case msg := <-reply:
		if msg.Success == nil || !*msg.Success {
			return errors.Errorf("rejected: %s", msg.Message)
		}
		return nil
	case <-timer.Chan():
		return errors.Timeoutf("command response after %v", s.cfg.RequestTimeout)
	case <-s.done:
		return errors.New("selector stopped")
	}
}

// deliverReply hands a command_response to the SendCommand call waiting on
// its requestId, reporting whether one was waiting.
func (s *Selector) deliverReply(msg protocol.Message) bool {
	if msg.RequestID == "" {
		return false
	}
	s.pendingMu.Lock()
	reply, ok := s.pending[msg.RequestID]
	s.pendingMu.Unlock()
	if !ok {
		return false
	}
	select {
	case reply <- msg:
	default:
	}
	return true
}

// do runs f on the loop goroutine and waits for it.
func (s *Selector) do(f func()) {
	finished := make(chan struct{})
	op := func() {
		f()
		close(finished)
	}
	select {
	case s.ops <- op:
	case <-s.done:
		return
	}
	select {
	case <-finished:
	case <-s.done:
	}
}

func (s *Selector) loop() {
	defer close(s.stopped)
	defer s.cancelActive()

	var events <-chan Event
	if s.cfg.Push != nil {
		events = s.cfg.Push.Events()
	}

	s.enter(s.initialState())

	for {
		select {
		case <-s.done:
			return
		case op := <-s.ops:
			op()
		case ev := <-events:
			s.handleEvent(ev)
		case t := <-s.timers:
			if t.gen == s.gen {
				s.handleTimer()
			}
		case r := <-s.results:
			if r.gen == s.gen {
				s.handleFetch(r)
			}
		}
		s.publish()
	}
}

func (s *Selector) initialState() State {
	switch {
	case s.cfg.Push != nil:
		return StatePushConnecting
	case s.cfg.Pull != nil:
		return StatePullPolling
	default:
		return StateSyntheticFallback
	}
}

// fallbackState is where a failed push channel degrades to.
func (s *Selector) fallbackState() State {
	if s.cfg.Pull != nil {
		return StatePullPolling
	}
	return StateSyntheticFallback
}

// enter switches to state, cancelling whatever the previous state had
// scheduled or in flight.
func (s *Selector) enter(state State) {
	s.cancelActive()
	s.gen++
	prev := s.snap.State
	s.snap.State = state
	if prev != state {
		s.logger.Info("source state changed", "from", prev, "to", state)
	}

	switch state {
	case StatePushConnecting:
		s.snap.Connected = false
		s.snap.ActiveSource = SourcePush
		s.cfg.Push.Reconnect()
	case StatePushConnected:
		s.snap.Connected = true
		s.snap.ActiveSource = SourcePush
		s.snap.ReconnectAttempts = 0
		s.snap.Error = ""
		s.subscribe()
	case StatePullPolling:
		s.snap.Connected = false
		s.snap.ActiveSource = SourcePull
		s.startFetch()
		s.arm(s.cfg.PollInterval)
	case StateSyntheticFallback:
		s.snap.Connected = false
		s.snap.ActiveSource = SourceSynthetic
		s.syntheticTick()
		s.arm(s.cfg.SyntheticInterval)
	}
	s.publish()
}

func (s *Selector) cancelActive() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.cancelFetch != nil {
		s.cancelFetch()
		s.cancelFetch = nil
	}
}

// arm schedules the single timer for the current generation.
func (s *Selector) arm(d time.Duration) {
	gen := s.gen
	s.timer = s.cfg.Clock.AfterFunc(d, func() {
		select {
		case s.timers <- timerFired{gen: gen}:
		case <-s.done:
		}
	})
}

func (s *Selector) handleTimer() {
	switch s.snap.State {
	case StatePullPolling:
		s.startFetch()
		s.arm(s.cfg.PollInterval)
	case StateSyntheticFallback:
		s.syntheticTick()
		s.arm(s.cfg.SyntheticInterval)
	}
}

func (s *Selector) startFetch() {
	if s.cancelFetch != nil {
		s.cancelFetch()
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RequestTimeout)
	s.cancelFetch = cancel
	gen, agent, timeRange := s.gen, s.snap.SelectedAgent, s.cfg.TimeRange

	s.fetches.Add(1)
	go func() {
		defer s.fetches.Done()
		defer cancel()
		r := fetchResult{gen: gen}
		r.agents, r.err = s.cfg.Pull.ListAgents(ctx)
		switch {
		case r.err != nil:
		case agent != "":
			r.readings, r.err = s.cfg.Pull.History(ctx, agent, timeRange)
		default:
			r.readings, r.err = s.cfg.Pull.Recent(ctx, "", HistoryLimit)
		}
		select {
		case s.results <- r:
		case <-s.done:
		}
	}()
}

func (s *Selector) handleFetch(r fetchResult) {
	if r.err != nil {
		s.logger.Warn("pull failed, falling back to synthetic data", "error", r.err)
		s.fail("pull request failed: " + r.err.Error())
		s.enter(StateSyntheticFallback)
		return
	}
	s.snap.Agents = r.agents
	s.snap.Error = ""
	for _, reading := range r.readings {
		s.remember(reading)
	}
	if s.snap.SelectedAgent != "" {
		s.snap.History = tail(r.readings, HistoryLimit)
	}
	s.touch()
}

// syntheticTick advances the generator one step. Readings carry the
// selector clock's time, not the generator's.
func (s *Selector) syntheticTick() {
	g := s.cfg.Generator
	g.EnsureAgents(s.syntheticAgents()...)
	readings := g.Tick()
	now := s.cfg.Clock.Now().UTC()
	for i := range readings {
		readings[i].Timestamp = now
		s.observe(readings[i])
	}
	if len(s.snap.Agents) == 0 {
		agents := make([]model.Agent, 0, len(readings))
		for _, r := range readings {
			agents = append(agents, model.Agent{
				ID:          r.DroneID,
				Name:        r.DroneID,
				Status:      r.Status,
				IsOnline:    model.IsOnline(r.Timestamp, now, model.OfflineThreshold),
				LastSeen:    r.Timestamp,
				Position:    r.Position(),
				Battery:     r.Battery,
				Temperature: r.Temperature,
				Humidity:    r.Humidity,
				Speed:       r.Speed,
				Altitude:    r.Altitude,
			})
		}
		s.snap.Agents = agents
	}
	s.touch()
}

func (s *Selector) syntheticAgents() []string {
	var ids []string
	for _, a := range s.snap.Agents {
		ids = append(ids, a.ID)
	}
	if s.snap.SelectedAgent != "" {
		ids = append(ids, s.snap.SelectedAgent)
	}
	if len(ids) == 0 && len(s.cfg.Generator.Agents()) == 0 {
		ids = DefaultSyntheticAgents
	}
	return ids
}

func (s *Selector) handleEvent(ev Event) {
	switch ev.Kind {
	case EventConnected:
		s.logger.Info("push channel up")
		s.enter(StatePushConnected)
	case EventDisconnected:
		s.snap.Connected = false
		if ev.Attempt > 0 {
			s.snap.ReconnectAttempts = ev.Attempt
		}
		if ev.Err != nil {
			s.fail("push channel lost: " + ev.Err.Error())
		}
		if s.snap.State == StatePushConnected || s.snap.State == StatePushConnecting {
			s.enter(s.fallbackState())
		}
	case EventGaveUp:
		s.snap.ReconnectAttempts = ev.Attempt
		s.fail(fmt.Sprintf("push channel unavailable after %d attempts", ev.Attempt))
		if s.snap.State == StatePushConnecting {
			s.enter(s.fallbackState())
		}
	case EventMessage:
		if ev.Message.Type == protocol.TypeCommandResponse && s.deliverReply(ev.Message) {
			return
		}
		if s.snap.State == StatePushConnected {
			s.handleMessage(ev.Message)
		}
	}
}

func (s *Selector) handleMessage(msg protocol.Message) {
	switch msg.Type {
	case protocol.TypeDronesUpdate:
		agents, err := msg.Agents()
		if err != nil {
			s.logger.Debug("bad drones update", "error", err)
			return
		}
		s.snap.Agents = agents
		s.touch()
	case protocol.TypeDroneStatusUpdate:
		agent, err := msg.Agent()
		if err != nil {
			s.logger.Debug("bad status update", "error", err)
			return
		}
		s.upsertAgent(agent)
		s.touch()
	case protocol.TypeTelemetryRealtime:
		r, err := msg.Reading()
		if err != nil {
			s.logger.Debug("bad realtime reading", "error", err)
			return
		}
		s.observe(r)
		s.touch()
	case protocol.TypeTelemetryUpdate, protocol.TypeDroneHistory:
		readings, err := msg.Readings()
		if err != nil {
			s.logger.Debug("bad reading batch", "type", msg.Type, "error", err)
			return
		}
		for _, r := range readings {
			s.remember(r)
		}
		if msg.DroneID != "" && msg.DroneID == s.snap.SelectedAgent {
			s.snap.History = tail(readings, HistoryLimit)
		}
		s.touch()
	case protocol.TypeCommandResponse:
		ok := msg.Success != nil && *msg.Success
		s.logger.Info("command response", "agent", msg.DroneID, "command", msg.Command, "success", ok, "message", msg.Message)
		if !ok {
			s.fail(fmt.Sprintf("command %s to %s failed: %s", msg.Command, msg.DroneID, msg.Message))
		}
	case protocol.TypeError:
		s.fail(msg.Message)
	}
}

// observe records a live reading: it updates the per-agent cache and,
// when it belongs to the selected agent, the current reading and history.
func (s *Selector) observe(r model.Reading) {
	s.latest[r.DroneID] = r
	switch s.snap.SelectedAgent {
	case "":
		s.setCurrent(r)
	case r.DroneID:
		s.setCurrent(r)
		s.snap.History = append(s.snap.History, r)
		if len(s.snap.History) > HistoryLimit {
			s.snap.History = tail(s.snap.History, HistoryLimit)
		}
	}
}

// remember caches a reading from a batch without touching history.
func (s *Selector) remember(r model.Reading) {
	if prev, ok := s.latest[r.DroneID]; ok && prev.Timestamp.After(r.Timestamp) {
		return
	}
	s.latest[r.DroneID] = r
	if s.snap.SelectedAgent == "" || s.snap.SelectedAgent == r.DroneID {
		s.setCurrent(r)
	}
}

func (s *Selector) setCurrent(r model.Reading) {
	s.snap.CurrentReading = &r
}

func (s *Selector) upsertAgent(agent model.Agent) {
	for i, a := range s.snap.Agents {
		if a.ID == agent.ID {
			s.snap.Agents[i] = agent
			return
		}
	}
	s.snap.Agents = append(s.snap.Agents, agent)
	sort.Slice(s.snap.Agents, func(i, j int) bool { return s.snap.Agents[i].ID < s.snap.Agents[j].ID })
}

func (s *Selector) selectAgent(id string) {
	if id == s.snap.SelectedAgent {
		return
	}
	s.snap.SelectedAgent = id
	s.snap.History = nil
	s.snap.CurrentReading = nil
	if r, ok := s.latest[id]; ok {
		s.setCurrent(r)
	}

	switch s.snap.State {
	case StatePushConnected:
		s.subscribe()
	case StatePullPolling:
		s.enter(StatePullPolling)
	case StateSyntheticFallback:
		s.cfg.Generator.EnsureAgents(id)
		for _, r := range s.cfg.Generator.Snapshot() {
			if r.DroneID == id {
				s.setCurrent(r)
			}
		}
	}
}

func (s *Selector) refresh() {
	switch {
	case s.cfg.Push != nil && !s.cfg.Push.Connected():
		s.enter(StatePushConnecting)
	case s.snap.State == StatePushConnected:
		s.subscribe()
	case s.cfg.Pull != nil:
		s.enter(StatePullPolling)
	default:
		s.enter(StateSyntheticFallback)
	}
}

// subscribe asks the hub for the agent list and the selected agent's data.
func (s *Selector) subscribe() {
	requests := []protocol.Message{{Type: protocol.TypeSubscribeDrones}}
	if id := s.snap.SelectedAgent; id != "" {
		requests = append(requests,
			protocol.Message{Type: protocol.TypeSubscribeTelem, DroneID: id},
			protocol.Message{Type: protocol.TypeGetDroneHistory, DroneID: id, TimeRange: s.cfg.TimeRange},
		)
	}
	for _, req := range requests {
		if err := s.cfg.Push.Send(req); err != nil {
			s.logger.Debug("push request failed", "type", req.Type, "error", err)
			return
		}
	}
}

func (s *Selector) fail(text string) {
	s.snap.Error = text
}

func (s *Selector) touch() {
	s.snap.LastUpdate = s.cfg.Clock.Now().UTC()
}

// publish copies the loop's projection for readers and watchers.
func (s *Selector) publish() {
	view := s.snap.clone()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.view = view
	for _, ch := range s.watchers {
		select {
		case <-ch:
		default:
		}
		ch <- view.clone()
	}
}

func tail(readings []model.Reading, n int) []model.Reading {
	if len(readings) > n {
		readings = readings[len(readings)-n:]
	}
	return append([]model.Reading(nil), readings...)
}
