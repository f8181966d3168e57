// Package server tracks one authenticated connection per Session: its
// identity, lifecycle state, and the outbound queue that serializes every
// write to the socket.
package server

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Tyrowin/chatrelay/internal/protocol"
)

// State is a Session's lifecycle stage.
type State int32

// Session lifecycle: Connecting → AwaitingLogin → Active → Closing → Closed.
const (
	StateConnecting State = iota
	StateAwaitingLogin
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAwaitingLogin:
		return "awaiting_login"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// frame is one queued write: a text payload or a ping.
type frame struct {
	kind    int
	payload []byte
}

var pingPayload = []byte("hi")

// Session represents one connected client. The outbound queue has a single
// consumer, the writer role; any number of producers may enqueue onto it.
type Session struct {
	connID   string
	identity protocol.Identity
	state    atomic.Int32

	mu       sync.Mutex
	closed   bool
	outbound chan frame
	done     chan struct{}
}

// NewSession creates a Session in the Connecting state with an outbound
// queue of the given capacity.
func NewSession(identity protocol.Identity, buffer int) *Session {
	if buffer <= 0 {
		buffer = defaultOutboundBuffer
	}
	return &Session{
		connID:   uuid.NewString(),
		identity: identity,
		outbound: make(chan frame, buffer),
		done:     make(chan struct{}),
	}
}

// ID returns the identity key the session is registered under.
func (s *Session) ID() string { return s.identity.ID }

// Identity returns the claimed identity.
func (s *Session) Identity() protocol.Identity { return s.identity }

// ConnID returns the per-connection id used to correlate log lines.
func (s *Session) ConnID() string { return s.connID }

// State returns the current lifecycle stage.
func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) setState(state State) { s.state.Store(int32(state)) }

// Done is closed once the outbound queue has been closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Send enqueues a text payload. It never blocks: a full or closed queue
// reports false, which callers treat as the session being dead.
func (s *Session) Send(payload []byte) bool {
	return s.enqueue(frame{kind: websocket.TextMessage, payload: payload})
}

func (s *Session) ping() bool {
	return s.enqueue(frame{kind: websocket.PingMessage, payload: pingPayload})
}

func (s *Session) enqueue(f frame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}

	select {
	case s.outbound <- f:
		return true
	default:
		return false
	}
}

// Close closes the outbound queue. Frames already queued are still drained
// by the writer. Safe to call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	close(s.outbound)
	close(s.done)
}
