package chat

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Session represents one authenticated connection on this gateway.
// A single user may hold several sessions, each maintained separately.
type Session struct {
	ConnID    string          // unique within the local gateway
	UserID    int64           // determined at admission
	CreatedAt time.Time       // admission time, used for session age
	WS        *websocket.Conn // written only by the session's writer goroutine

	send      chan []byte // outbound queue consumed by a single writer
	stop      chan struct{}
	done      chan struct{}
	closed    atomic.Bool
	closeOnce sync.Once
}

func NewSession(connID string, userID int64, ws *websocket.Conn, sendQueueSize int, now time.Time) *Session {
	if sendQueueSize <= 0 {
		sendQueueSize = 1
	}
	return &Session{
		ConnID:    connID,
		UserID:    userID,
		CreatedAt: now,
		WS:        ws,
		send:      make(chan []byte, sendQueueSize),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// IsOpen is false once the session started closing, from either side.
func (s *Session) IsOpen() bool { return !s.closed.Load() }

// Enqueue hands payload to the writer without blocking. It reports false
// when the session is closed or its queue is full.
func (s *Session) Enqueue(payload []byte) bool {
	if s.closed.Load() {
		return false
	}
	select {
	case s.send <- payload:
		return true
	case <-s.stop:
		return false
	default:
		return false
	}
}

// Close marks the session closed and tells the writer to send a close
// frame and release the connection. Safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.stop)
	})
}

// Done is closed after the writer released the connection.
func (s *Session) Done() <-chan struct{} { return s.done }
