// Package server defines the transport abstraction and utility helpers that
// are shared across session, registry and relay logic.
package server

import (
	"strings"
	"time"
)

// Conn is the duplex, message-framed stream the relay drives for one client.
// *websocket.Conn from github.com/gorilla/websocket satisfies it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	SetReadLimit(limit int64)
	Close() error
}

// Error replies sent to clients.
const (
	msgLoginFailed     = "login failed"
	msgLoginFormat     = "malformed login message"
	msgLoginParams     = "invalid login parameters"
	msgInvalidFormat   = "invalid format"
	msgInvalidMessage  = "invalid message"
	msgNotOnline       = "recipient not online"
	msgTooManyMessages = "too many messages"
	msgShuttingDown    = "server is shutting down"
)

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
