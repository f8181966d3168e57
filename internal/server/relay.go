// Package server drives each accepted connection through the login
// handshake and the reader, writer and heartbeat roles via the Relay type.
package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Tyrowin/chatrelay/internal/protocol"
)

// ErrHandshake is returned when the first frame of a connection is not a
// valid login.
var ErrHandshake = errors.New("login handshake rejected")

// Relay handles the per-connection lifecycle. All connections share one
// Registry, which is injected rather than global.
type Relay struct {
	cfg      Config
	registry *Registry
	log      zerolog.Logger

	// accepting is canceled when shutdown starts: new and not yet logged-in
	// connections are closed.
	accepting context.Context
	stop      context.CancelFunc
	// kill is canceled when graceful shutdown runs out of time.
	kill       context.Context
	killCancel context.CancelFunc

	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup
}

// NewRelay creates a Relay that registers sessions in registry.
func NewRelay(cfg Config, registry *Registry, log zerolog.Logger) *Relay {
	accepting, stop := context.WithCancel(context.Background())
	kill, killCancel := context.WithCancel(context.Background())
	return &Relay{
		cfg:        cfg.Sanitize(),
		registry:   registry,
		log:        log,
		accepting:  accepting,
		stop:       stop,
		kill:       kill,
		killCancel: killCancel,
	}
}

// Registry returns the registry sessions are published to.
func (r *Relay) Registry() *Registry {
	return r.registry
}

// Serve runs one connection to completion: the login handshake, then the
// reader, writer and heartbeat roles until the connection ends. The
// connection is closed when Serve returns.
func (r *Relay) Serve(conn Conn, remote string) {
	if !r.track() {
		r.reject(conn, msgShuttingDown, r.log)
		if err := conn.Close(); err != nil && !isExpectedCloseError(err) {
			r.log.Warn().Err(err).Msg("Error closing connection")
		}
		return
	}
	defer r.wg.Done()

	s := NewSession(protocol.Identity{}, r.cfg.OutboundBuffer)
	log := r.log.With().Str("conn_id", s.ConnID()).Str("remote", remote).Logger()

	var closeOnce sync.Once
	closeConn := func() {
		closeOnce.Do(func() {
			if err := conn.Close(); err != nil && !isExpectedCloseError(err) {
				log.Warn().Err(err).Msg("Error closing connection")
			}
		})
	}
	defer closeConn()

	conn.SetReadLimit(r.cfg.MaxMessageSize)
	s.setState(StateAwaitingLogin)

	stopWatch := context.AfterFunc(r.accepting, closeConn)
	err := r.handshake(conn, s, log)
	stopWatch()
	if err == nil && r.accepting.Err() != nil {
		r.reject(conn, msgShuttingDown, log)
		err = errors.Wrap(ErrHandshake, "relay is shutting down")
	}
	if err != nil {
		log.Info().Err(err).Msg("Login handshake failed")
		s.setState(StateClosed)
		return
	}

	identity := s.Identity()
	log = log.With().Str("user_id", identity.ID).Logger()

	r.registry.Insert(s)
	s.setState(StateActive)
	if r.accepting.Err() != nil {
		// Shutdown closed the registry between the handshake and the insert.
		s.Close()
	}
	r.registry.Broadcast(protocol.New(protocol.TypeLogin, identity, fmt.Sprintf("%s joined the chat room", identity.Name)))
	log.Info().Str("name", identity.Name).Int("online", r.registry.Len()).Msg("User logged in")

	g, gctx := errgroup.WithContext(r.kill)
	stopRoles := context.AfterFunc(gctx, closeConn)
	defer stopRoles()

	g.Go(func() error { return r.write(gctx, conn, s, log) })
	g.Go(func() error { return r.heartbeat(gctx, s, log) })
	g.Go(func() error { return r.read(conn, s, log) })

	if err := g.Wait(); err != nil && !errors.Is(err, errOutboundClosed) && !errors.Is(err, context.Canceled) {
		log.Debug().Err(err).Msg("Session roles stopped")
	}
	log.Info().Msg("Connection closed")
}

// track registers a connection with the shutdown wait group unless shutdown
// has already started.
func (r *Relay) track() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closing {
		return false
	}
	r.wg.Add(1)
	return true
}

// handshake reads the first frame and requires a login envelope carrying the
// claimed identity. On failure a single error envelope is written straight to
// the stream; the registry is never touched.
func (r *Relay) handshake(conn Conn, s *Session, log zerolog.Logger) error {
	kind, data, err := conn.ReadMessage()
	if err != nil {
		r.reject(conn, msgLoginFailed, log)
		return errors.Wrap(err, "read login frame")
	}
	if kind != websocket.TextMessage {
		r.reject(conn, msgLoginFailed, log)
		return errors.Wrap(ErrHandshake, "login frame is not text")
	}

	env, err := protocol.Decode(data)
	if err != nil {
		r.reject(conn, msgLoginFormat, log)
		return errors.Wrap(err, "decode login frame")
	}
	if env.Type != protocol.TypeLogin || env.Target == nil {
		r.reject(conn, msgLoginParams, log)
		return errors.Wrapf(ErrHandshake, "first frame is %s, target present: %t", env.Type, env.Target != nil)
	}

	s.identity = *env.Target
	return nil
}

// reject writes an error envelope before the writer role exists. Write
// failures are expected when the stream is already gone.
func (r *Relay) reject(conn Conn, msg string, log zerolog.Logger) {
	payload, err := protocol.Encode(protocol.NewError(msg))
	if err != nil {
		log.Error().Err(err).Msg("Error encoding login rejection")
		return
	}
	if err := conn.SetWriteDeadline(time.Now().Add(r.cfg.WriteWait)); err != nil {
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil && !isExpectedCloseError(err) {
		log.Debug().Err(err).Msg("Error writing login rejection")
	}
}

// Shutdown stops accepting logins, tells every active session the server is
// going away, closes their outbound queues and waits for all connections to
// finish. When timeout elapses first, the remaining connections are closed
// forcibly and context.DeadlineExceeded is returned.
func (r *Relay) Shutdown(timeout time.Duration) error {
	r.log.Info().Msg("Initiating relay shutdown...")

	r.mu.Lock()
	r.closing = true
	r.mu.Unlock()

	r.stop()
	r.registry.Broadcast(protocol.Envelope{Type: protocol.TypeSystem, Message: msgShuttingDown})
	r.registry.Close()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.log.Info().Msg("Relay shutdown completed successfully")
		return nil
	case <-time.After(timeout):
		r.killCancel()
		r.log.Warn().Msg("Relay shutdown timeout reached, closing remaining connections")
		return context.DeadlineExceeded
	}
}
