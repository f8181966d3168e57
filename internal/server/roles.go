// Package server implements the three concurrent roles of an active session:
// the reader routes inbound envelopes, the writer is the only goroutine that
// writes data frames to the socket, and the heartbeat queues pings.
package server

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/Tyrowin/chatrelay/internal/protocol"
)

// errOutboundClosed ends the writer once the outbound queue is closed and
// drained. Returning it cancels the other roles of the session.
var errOutboundClosed = errors.New("outbound queue closed")

// write drains the outbound queue onto the socket in FIFO order. A write
// failure closes the session so producers see it as dead, and cancels the
// reader and heartbeat through the group context.
func (r *Relay) write(ctx context.Context, conn Conn, s *Session, log zerolog.Logger) error {
	for {
		select {
		case f, ok := <-s.outbound:
			if !ok {
				r.writeClose(conn, log)
				return errOutboundClosed
			}
			if err := r.writeFrame(conn, f); err != nil {
				s.Close()
				if !isExpectedCloseError(err) {
					log.Warn().Err(err).Msg("Error writing to client")
				}
				return errors.Wrap(err, "write frame")
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (r *Relay) writeFrame(conn Conn, f frame) error {
	deadline := time.Now().Add(r.cfg.WriteWait)
	if f.kind == websocket.PingMessage {
		return conn.WriteControl(websocket.PingMessage, f.payload, deadline)
	}
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return conn.WriteMessage(f.kind, f.payload)
}

// writeClose sends a close frame to the client
func (r *Relay) writeClose(conn Conn, log zerolog.Logger) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(r.cfg.WriteWait)); err != nil {
		if !isExpectedCloseError(err) {
			log.Debug().Err(err).Msg("Error writing close message")
		}
	}
}

// heartbeat queues a ping immediately and then once per interval. It stops
// quietly when a ping cannot be queued or the session ends.
func (r *Relay) heartbeat(ctx context.Context, s *Session, log zerolog.Logger) error {
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		if !s.ping() {
			log.Debug().Msg("Heartbeat stopped: outbound queue unavailable")
			return nil
		}
		select {
		case <-ticker.C:
		case <-s.Done():
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

// read routes inbound frames until the stream ends, then tears the session
// down. Teardown runs exactly once per active session, from here.
func (r *Relay) read(conn Conn, s *Session, log zerolog.Logger) error {
	defer r.teardown(s, log)

	r.setupLiveness(conn, log)
	var limiter *rate.Limiter
	if r.cfg.RateLimit.Burst > 0 {
		limiter = newRateLimiter(r.cfg.RateLimit.Burst, r.cfg.RateLimit.RefillInterval)
	}

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			r.logReadError(err, log)
			return nil
		}
		r.extendReadDeadline(conn, log)

		if kind != websocket.TextMessage {
			continue
		}

		if limiter != nil && !limiter.Allow() {
			log.Warn().Int("burst", r.cfg.RateLimit.Burst).Dur("interval", r.cfg.RateLimit.RefillInterval).Msg("Rate limit exceeded; discarding message")
			r.reply(s, msgTooManyMessages, log)
			continue
		}

		r.route(s, data, log)
	}
}

// route applies the public/private routing rules to one inbound frame.
func (r *Relay) route(s *Session, data []byte, log zerolog.Logger) {
	env, err := protocol.Decode(data)
	if err != nil {
		log.Debug().Err(err).Msg("Invalid message from client")
		r.reply(s, msgInvalidFormat, log)
		return
	}

	sender := s.Identity()
	switch {
	case env.Type == protocol.TypePublic:
		env.Target = &sender
		env.Roster = nil
		r.registry.Broadcast(env)

	case env.Type == protocol.TypePrivate && env.Target != nil:
		recipient, ok := r.registry.Get(env.Target.ID)
		if !ok {
			r.reply(s, msgNotOnline, log)
			return
		}
		env.Target = &sender
		env.Roster = nil
		payload, err := protocol.Encode(env)
		if err != nil {
			log.Error().Err(err).Msg("Error encoding private message")
			return
		}
		if !recipient.Send(payload) {
			r.registry.Reap(recipient)
			r.reply(s, msgNotOnline, log)
		}

	default:
		r.reply(s, msgInvalidMessage, log)
	}
}

// reply queues an error envelope for the sender only. A sender whose own
// queue rejects the reply is dead and gets closed.
func (r *Relay) reply(s *Session, msg string, log zerolog.Logger) {
	payload, err := protocol.Encode(protocol.NewError(msg))
	if err != nil {
		log.Error().Err(err).Msg("Error encoding error reply")
		return
	}
	if !s.Send(payload) {
		log.Debug().Str("reply", msg).Msg("Could not queue reply; closing session")
		s.Close()
	}
}

// teardown removes the session from the registry and announces the logout
// with the roster as it stands after removal. A session that was superseded
// by a newer login under the same id leaves the registry and roster alone.
func (r *Relay) teardown(s *Session, log zerolog.Logger) {
	s.setState(StateClosing)

	identity := s.Identity()
	if r.registry.Release(s) {
		r.registry.Broadcast(protocol.New(protocol.TypeLogout, identity, fmt.Sprintf("%s left the chat room", identity.Name)))
		log.Info().Int("online", r.registry.Len()).Msg("User logged out")
	} else {
		log.Info().Msg("Session superseded by a newer login; skipping logout")
	}

	s.Close()
	s.setState(StateClosed)
}

// setupLiveness arms pong-based liveness detection when PongWait is set.
// Without it the heartbeat is ping-only and the read blocks indefinitely.
func (r *Relay) setupLiveness(conn Conn, log zerolog.Logger) {
	if r.cfg.PongWait <= 0 {
		return
	}
	r.extendReadDeadline(conn, log)
	conn.SetPongHandler(func(string) error {
		r.extendReadDeadline(conn, log)
		return nil
	})
}

func (r *Relay) extendReadDeadline(conn Conn, log zerolog.Logger) {
	if r.cfg.PongWait <= 0 {
		return
	}
	if err := conn.SetReadDeadline(time.Now().Add(r.cfg.PongWait)); err != nil {
		log.Debug().Err(err).Msg("Error setting read deadline")
	}
}

// logReadError logs why the read loop ended at a level matching how expected
// the cause is.
func (r *Relay) logReadError(err error, log zerolog.Logger) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		log.Warn().Int64("limit", r.cfg.MaxMessageSize).Msg("Message exceeded maximum size")
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived):
		log.Debug().Err(err).Msg("Client disconnected")
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		log.Debug().Err(err).Msg("Client connection closed")
	case websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		log.Warn().Err(err).Msg("Unexpected WebSocket close")
	default:
		log.Info().Err(err).Msg("WebSocket read error")
	}
}
