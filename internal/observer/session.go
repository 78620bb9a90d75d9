package observer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/retry"

	"skyrelay/telemetry-server/internal/protocol"
)

// ErrNotConnected is returned by Send while the session has no channel.
const ErrNotConnected = errors.ConstError("push channel not connected")

// Reconnect defaults.
const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultAttempts       = 5
	DefaultBaseDelay      = time.Second
	DefaultMaxDelay       = 30 * time.Second
	DefaultPingInterval   = 25 * time.Second
)

// EventKind classifies session events.
type EventKind int

const (
	EventConnected EventKind = iota
	EventDisconnected
	EventMessage
	EventGaveUp
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventMessage:
		return "message"
	case EventGaveUp:
		return "gave-up"
	}
	return "unknown"
}

// Event is emitted by a Session. Attempt counts failed connects in the
// current reconnect cycle.
type Event struct {
	Kind    EventKind
	Message protocol.Message
	Err     error
	Attempt int
}

// SessionConfig configures a push session.
type SessionConfig struct {
	URL            string
	Clock          clock.Clock
	Logger         *slog.Logger
	Dialer         *websocket.Dialer
	ConnectTimeout time.Duration
	Attempts       int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	PingInterval   time.Duration
}

func (c *SessionConfig) setDefaults() {
	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.Attempts <= 0 {
		c.Attempts = DefaultAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
}

// Validate checks the required settings.
func (c SessionConfig) Validate() error {
	switch {
	case c.URL == "":
		return errors.NotValidf("empty URL")
	case c.Clock == nil:
		return errors.NotValidf("nil Clock")
	case c.Logger == nil:
		return errors.NotValidf("nil Logger")
	}
	return nil
}

// Session keeps one push channel to the hub alive. It reconnects with a
// doubling delay after a drop and gives up after the configured number of
// attempts until Reconnect is called.
type Session struct {
	cfg    SessionConfig
	id     string
	logger *slog.Logger
	events chan Event

	mu      sync.Mutex
	conn    *websocket.Conn
	running bool
	writeMu sync.Mutex

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewSession builds an idle session; call Reconnect to connect.
func NewSession(cfg SessionConfig) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	cfg.setDefaults()
	id := uuid.NewString()
	return &Session{
		cfg:    cfg,
		id:     id,
		logger: cfg.Logger.With("component", "observer.session", "session", id),
		events: make(chan Event),
		stop:   make(chan struct{}),
	}, nil
}

// Events delivers connection and message events in order.
func (s *Session) Events() <-chan Event {
	return s.events
}

// Connected reports whether a channel is currently open.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Reconnect starts a connect cycle unless one is already running or the
// channel is open.
func (s *Session) Reconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	select {
	case <-s.stop:
		return
	default:
	}
	s.running = true
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run()
	}()
}

// Send writes msg on the open channel.
func (s *Session) Send(msg protocol.Message) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = s.cfg.Clock.Now().UTC()
	}
	frame, err := protocol.Encode(msg)
	if err != nil {
		return errors.Trace(err)
	}
	return s.write(conn, frame)
}

// Close drops the channel and stops any reconnect cycle.
func (s *Session) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.mu.Lock()
	if s.conn != nil {
		_ = s.conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// run connects, serves the channel until it drops, and repeats. It ends
// when the attempts are exhausted or the session is closed.
func (s *Session) run() {
	for {
		conn, err := s.connect()
		if err != nil {
			s.finish()
			if retry.IsAttemptsExceeded(err) {
				s.logger.Warn("push reconnect gave up", "attempts", s.cfg.Attempts, "error", retry.LastError(err))
				s.emit(Event{Kind: EventGaveUp, Err: retry.LastError(err), Attempt: s.cfg.Attempts})
			}
			return
		}

		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()
		s.logger.Info("push channel connected", "url", s.cfg.URL)
		if !s.emit(Event{Kind: EventConnected}) {
			s.drop(conn)
			s.finish()
			return
		}

		err = s.serve(conn)
		s.drop(conn)
		s.logger.Info("push channel dropped", "error", err)
		if !s.emit(Event{Kind: EventDisconnected, Err: err}) {
			s.finish()
			return
		}
	}
}

// finish marks the connect cycle as over so Reconnect can start another.
func (s *Session) finish() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

func (s *Session) connect() (*websocket.Conn, error) {
	var conn *websocket.Conn
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ConnectTimeout)
			defer cancel()
			c, _, err := s.cfg.Dialer.DialContext(ctx, s.cfg.URL, nil)
			if err != nil {
				return errors.Annotatef(err, "dial %s", s.cfg.URL)
			}
			conn = c
			return nil
		},
		NotifyFunc: func(err error, attempt int) {
			s.logger.Debug("push connect failed", "attempt", attempt, "error", err)
			s.emit(Event{Kind: EventDisconnected, Err: err, Attempt: attempt})
		},
		Attempts:    s.cfg.Attempts,
		Delay:       s.cfg.BaseDelay,
		MaxDelay:    s.cfg.MaxDelay,
		BackoffFunc: retry.DoubleDelay,
		Clock:       s.cfg.Clock,
		Stop:        s.stop,
	})
	return conn, err
}

// serve pumps frames from conn into events and pings on an interval. It
// returns the error that ended the channel.
func (s *Session) serve(conn *websocket.Conn) error {
	frames := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		for {
			_, frame, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- frame:
			case <-s.stop:
				readErr <- errors.New("session closed")
				return
			}
		}
	}()

	ping := s.cfg.Clock.NewTimer(s.cfg.PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-s.stop:
			_ = conn.Close()
			<-readErr
			return errors.New("session closed")
		case err := <-readErr:
			return err
		case frame := <-frames:
			msg, err := protocol.Decode(frame)
			if err != nil {
				s.logger.Debug("ignoring undecodable frame", "error", err)
				continue
			}
			if msg.Type == protocol.TypeHeartbeat {
				s.reply(conn, protocol.TypePong)
			}
			if !s.emit(Event{Kind: EventMessage, Message: msg}) {
				_ = conn.Close()
				<-readErr
				return errors.New("session closed")
			}
		case <-ping.Chan():
			s.reply(conn, protocol.TypePing)
			ping.Reset(s.cfg.PingInterval)
		}
	}
}

func (s *Session) reply(conn *websocket.Conn, msgType string) {
	frame, err := protocol.Encode(protocol.Message{Type: msgType, Timestamp: s.cfg.Clock.Now().UTC()})
	if err == nil {
		err = s.write(conn, frame)
	}
	if err != nil {
		s.logger.Debug("control reply failed", "type", msgType, "error", err)
	}
}

func (s *Session) write(conn *websocket.Conn, frame []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(s.cfg.ConnectTimeout)); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(conn.WriteMessage(websocket.TextMessage, frame))
}

func (s *Session) drop(conn *websocket.Conn) {
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.mu.Unlock()
	_ = conn.Close()
}

// emit delivers ev unless the session is closing.
func (s *Session) emit(ev Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.stop:
		return false
	}
}
