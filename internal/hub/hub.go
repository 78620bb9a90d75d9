// Package hub fans ingested events out to observer channels over
// WebSocket and answers the requests observers send back.
package hub

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/juju/clock"
	"github.com/juju/errors"

	"skyrelay/telemetry-server/internal/metrics"
	"skyrelay/telemetry-server/internal/model"
	"skyrelay/telemetry-server/internal/protocol"
	"skyrelay/telemetry-server/internal/store"
)

// DefaultHeartbeatInterval is how often each channel is sent a heartbeat.
const DefaultHeartbeatInterval = 30 * time.Second

const (
	broadcastBacklog = 256
	recentReadings   = 50
	requestTimeout   = 10 * time.Second
)

// AgentSource provides the registry snapshot.
type AgentSource interface {
	Agents() []model.Agent
}

// ReadingSource answers telemetry and history requests.
type ReadingSource interface {
	Readings(ctx context.Context, f store.ReadingFilter) ([]model.Reading, error)
	LatestReadings(ctx context.Context) ([]model.Reading, error)
}

// CommandSender forwards commands to agents.
type CommandSender interface {
	Send(ctx context.Context, agentID, command string, params map[string]any) (model.Command, error)
}

// Config holds the hub dependencies.
type Config struct {
	Agents            AgentSource
	Readings          ReadingSource
	Commands          CommandSender
	Metrics           *metrics.Metrics
	Clock             clock.Clock
	Logger            *slog.Logger
	HeartbeatInterval time.Duration
}

// Validate checks every dependency is present.
func (c Config) Validate() error {
	switch {
	case c.Agents == nil:
		return errors.NotValidf("nil Agents")
	case c.Readings == nil:
		return errors.NotValidf("nil Readings")
	case c.Commands == nil:
		return errors.NotValidf("nil Commands")
	case c.Metrics == nil:
		return errors.NotValidf("nil Metrics")
	case c.Clock == nil:
		return errors.NotValidf("nil Clock")
	case c.Logger == nil:
		return errors.NotValidf("nil Logger")
	case c.HeartbeatInterval < 0:
		return errors.NotValidf("negative HeartbeatInterval")
	}
	return nil
}

// SessionInfo describes one registered channel.
type SessionInfo struct {
	ID      string    `json:"id"`
	LastAck time.Time `json:"lastAck"`
}

// Hub owns the set of observer channels. The set is only touched by the
// loop goroutine; everything else talks to the loop over channels.
type Hub struct {
	cfg      Config
	logger   *slog.Logger
	upgrader websocket.Upgrader

	register   chan *session
	unregister chan *session
	broadcast  chan protocol.Message
	query      chan chan []SessionInfo
	done       chan struct{}
	stopOnce   sync.Once

	// mu guards stopping so no Serve joins wg once Stop is waiting.
	mu       sync.Mutex
	stopping bool
	wg       sync.WaitGroup

	sessions map[*session]struct{}
}

// New builds a hub. Call Start to run its loop.
func New(cfg Config) (*Hub, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	return &Hub{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "hub"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		register:   make(chan *session),
		unregister: make(chan *session),
		broadcast:  make(chan protocol.Message, broadcastBacklog),
		query:      make(chan chan []SessionInfo),
		done:       make(chan struct{}),
		sessions:   make(map[*session]struct{}),
	}, nil
}

// Start runs the hub loop.
func (h *Hub) Start() {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.loop()
	}()
}

// Stop closes every channel and waits for the loop and all readers to exit.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		h.mu.Lock()
		h.stopping = true
		h.mu.Unlock()
		close(h.done)
	})
	h.wg.Wait()
}

// track adds a handler to wg unless the hub is stopping.
func (h *Hub) track() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopping {
		return false
	}
	h.wg.Add(1)
	return true
}

// Broadcast queues msg for every channel. Messages are delivered in the
// order they were queued.
func (h *Hub) Broadcast(msg protocol.Message) {
	select {
	case h.broadcast <- msg:
	case <-h.done:
	}
}

// Sessions lists the registered channels.
func (h *Hub) Sessions() []SessionInfo {
	reply := make(chan []SessionInfo, 1)
	select {
	case h.query <- reply:
	case <-h.done:
		return nil
	}
	select {
	case infos := <-reply:
		return infos
	case <-h.done:
		return nil
	}
}

// ServeHTTP upgrades the request to a WebSocket and serves it until either
// side goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	h.Serve(conn)
}

// Serve registers conn and handles its requests until the connection
// fails or the hub stops.
func (h *Hub) Serve(conn Conn) {
	if !h.track() {
		_ = conn.Close()
		return
	}
	defer h.wg.Done()

	s := newSession(uuid.NewString(), conn)
	select {
	case h.register <- s:
	case <-h.done:
		s.close()
		return
	}

	logger := h.logger.With("session", s.id)
	logger.Debug("channel registered")
	defer func() {
		s.close()
		select {
		case h.unregister <- s:
		case <-h.done:
		}
		logger.Debug("channel closed")
	}()

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug("channel read failed", "error", err)
			}
			return
		}
		h.handleRequest(s, frame)
	}
}

func (h *Hub) loop() {
	heartbeat := h.cfg.Clock.NewTimer(h.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-h.done:
			for s := range h.sessions {
				s.close()
				delete(h.sessions, s)
			}
			h.cfg.Metrics.Sessions.Set(0)
			return
		case s := <-h.register:
			h.sessions[s] = struct{}{}
			h.cfg.Metrics.Sessions.Set(float64(len(h.sessions)))
			h.greet(s)
		case s := <-h.unregister:
			delete(h.sessions, s)
			h.cfg.Metrics.Sessions.Set(float64(len(h.sessions)))
		case msg := <-h.broadcast:
			h.fanOut(msg)
		case reply := <-h.query:
			infos := make([]SessionInfo, 0, len(h.sessions))
			for s := range h.sessions {
				infos = append(infos, SessionInfo{ID: s.id, LastAck: s.lastAckTime()})
			}
			reply <- infos
		case <-heartbeat.Chan():
			msg := protocol.Message{Type: protocol.TypeHeartbeat, Timestamp: h.now()}
			h.fanOut(msg)
			heartbeat.Reset(h.cfg.HeartbeatInterval)
		}
	}
}

// greet sends the connection confirmation and the registry snapshot.
func (h *Hub) greet(s *session) {
	welcome := protocol.Message{Type: protocol.TypeConnection, Timestamp: h.now(), Message: s.id}
	if err := h.send(s, welcome); err != nil {
		h.drop(s, err)
		return
	}
	if err := h.sendAgents(s); err != nil {
		h.drop(s, err)
	}
}

// fanOut serializes msg once and writes it to every open channel. Channels
// that are closed or fail the write are swept after the pass.
func (h *Hub) fanOut(msg protocol.Message) {
	frame, err := protocol.Encode(msg)
	if err != nil {
		h.logger.Error("encode broadcast", "type", msg.Type, "error", err)
		return
	}
	h.cfg.Metrics.Broadcasts.Inc()

	var dead []*session
	for s := range h.sessions {
		if !s.open() {
			dead = append(dead, s)
			continue
		}
		if err := s.write(frame); err != nil {
			h.logger.Debug("broadcast write failed", "session", s.id, "error", err)
			dead = append(dead, s)
		}
	}
	for _, s := range dead {
		h.drop(s, nil)
	}
}

func (h *Hub) drop(s *session, cause error) {
	if cause != nil {
		h.logger.Debug("dropping channel", "session", s.id, "error", cause)
	}
	s.close()
	if _, ok := h.sessions[s]; ok {
		delete(h.sessions, s)
		h.cfg.Metrics.Dropped.Inc()
		h.cfg.Metrics.Sessions.Set(float64(len(h.sessions)))
	}
}

func (h *Hub) now() time.Time {
	return h.cfg.Clock.Now().UTC()
}
