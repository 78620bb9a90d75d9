package hub

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// Conn is the subset of *websocket.Conn a session needs.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// session is one observer channel. Writes may come from the hub loop and
// from the session's own read goroutine, so they are serialized.
type session struct {
	id        string
	conn      Conn
	writeMu   sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
	lastAck   atomic.Int64
}

func newSession(id string, conn Conn) *session {
	return &session{id: id, conn: conn}
}

func (s *session) open() bool {
	return !s.closed.Load()
}

func (s *session) write(frame []byte) error {
	if !s.open() {
		return net.ErrClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		s.closed.Store(true)
		return err
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		s.closed.Store(true)
		return err
	}
	return nil
}

func (s *session) close() {
	s.closed.Store(true)
	s.closeOnce.Do(func() {
		_ = s.conn.Close()
	})
}

func (s *session) ack(at time.Time) {
	s.lastAck.Store(at.UnixNano())
}

func (s *session) lastAckTime() time.Time {
	v := s.lastAck.Load()
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(0, v).UTC()
}
