package server

import (
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/chatrelay/internal/protocol"
)

const (
	testOrigin  = "http://localhost:8080"
	readTimeout = 3 * time.Second
)

func init() {
	gin.SetMode(gin.TestMode)
}

// startTestRelay starts a relay behind an httptest server and returns the
// relay and the WebSocket URL. Both are torn down when the test ends.
func startTestRelay(t *testing.T, customize func(cfg *Config)) (*Relay, string) {
	t.Helper()

	cfg := NewConfig()
	cfg.AllowedOrigins = []string{testOrigin}
	if customize != nil {
		customize(cfg)
	}

	log := zerolog.Nop()
	relay := NewRelay(*cfg, NewRegistry(log), log)
	testServer := httptest.NewServer(SetupRoutes(relay, *cfg, log))
	t.Cleanup(func() {
		testServer.Close()
		_ = relay.Shutdown(time.Second)
	})

	return relay, "ws" + strings.TrimPrefix(testServer.URL, "http") + "/ws"
}

// dial opens a WebSocket connection with an allowed Origin header.
func dial(t *testing.T, wsURL string) *websocket.Conn {
	t.Helper()

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	headers := http.Header{}
	headers.Set("Origin", testOrigin)

	conn, resp, err := dialer.Dial(wsURL, headers)
	if resp != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// login connects, sends a login frame, and waits for the login broadcast
// announcing this identity, so the session is registered on return.
func login(t *testing.T, wsURL, id, name string) *websocket.Conn {
	t.Helper()

	conn := dial(t, wsURL)
	sendEnvelope(t, conn, protocol.New(protocol.TypeLogin, protocol.Identity{ID: id, Name: name}, ""))

	env := readEnvelope(t, conn)
	if env.Type != protocol.TypeLogin || env.Target == nil || env.Target.ID != id {
		t.Fatalf("Expected own login broadcast for %s, got %+v", id, env)
	}
	return conn
}

func sendEnvelope(t *testing.T, conn *websocket.Conn, env protocol.Envelope) {
	t.Helper()

	data, err := protocol.Encode(env)
	if err != nil {
		t.Fatalf("Failed to encode envelope: %v", err)
	}
	sendRaw(t, conn, data)
}

func sendRaw(t *testing.T, conn *websocket.Conn, data []byte) {
	t.Helper()

	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("Failed to write message: %v", err)
	}
}

// readEnvelope reads and decodes the next data frame. Pings are answered by
// the gorilla client inside ReadMessage and never surface here.
func readEnvelope(t *testing.T, conn *websocket.Conn) protocol.Envelope {
	t.Helper()

	if err := conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
		t.Fatalf("Failed to set read deadline: %v", err)
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("Failed to read message: %v", err)
	}
	env, err := protocol.Decode(data)
	if err != nil {
		t.Fatalf("Server sent an undecodable frame %q: %v", data, err)
	}
	return env
}

// expectEnvelope reads the next envelope and checks its type and message.
func expectEnvelope(t *testing.T, conn *websocket.Conn, typ protocol.Type, msg string) protocol.Envelope {
	t.Helper()

	env := readEnvelope(t, conn)
	if env.Type != typ || env.Message != msg {
		t.Fatalf("Expected %s %q, got %s %q", typ, msg, env.Type, env.Message)
	}
	return env
}

// expectClosed reads until the server closes the connection.
func expectClosed(t *testing.T, conn *websocket.Conn) {
	t.Helper()

	deadline := time.Now().Add(readTimeout)
	if err := conn.SetReadDeadline(deadline); err != nil {
		t.Fatalf("Failed to set read deadline: %v", err)
	}
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				t.Fatal("Expected the server to close the connection")
			}
			return
		}
		t.Logf("Discarding frame before close: %s", data)
	}
}

func closeClient(t *testing.T, conn *websocket.Conn) {
	t.Helper()

	err := conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil {
		t.Logf("Close frame write error: %v", err)
	}
	_ = conn.Close()
}

func rosterNames(roster []protocol.Identity) []string {
	names := make([]string, len(roster))
	for i, identity := range roster {
		names[i] = identity.Name
	}
	return names
}

// nextQueued returns the next envelope queued on a session that has no
// writer attached.
func nextQueued(t *testing.T, s *Session) protocol.Envelope {
	t.Helper()

	for {
		select {
		case f, ok := <-s.outbound:
			if !ok {
				t.Fatal("Outbound queue closed")
			}
			if f.kind != websocket.TextMessage {
				continue
			}
			env, err := protocol.Decode(f.payload)
			if err != nil {
				t.Fatalf("Queued frame is not an envelope: %v", err)
			}
			return env
		case <-time.After(readTimeout):
			t.Fatal("Timed out waiting for a queued envelope")
		}
	}
}

type fakeFrame struct {
	kind int
	data []byte
}

// fakeConn is an in-memory Conn. Reads block on inbound until it is closed
// or the connection is closed; writes fail once writeErr is set.
type fakeConn struct {
	inbound chan fakeFrame

	mu       sync.Mutex
	written  [][]byte
	writeErr error

	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan fakeFrame, 16),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case f, ok := <-c.inbound:
		if !ok {
			return 0, nil, io.EOF
		}
		return f.kind, f.data, nil
	case <-c.closed:
		return 0, nil, net.ErrClosed
	}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.written = append(c.written, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) WriteControl(_ int, _ []byte, _ time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writeErr
}

func (c *fakeConn) SetReadDeadline(time.Time) error  { return nil }
func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }
func (c *fakeConn) SetPongHandler(func(string) error) {}
func (c *fakeConn) SetReadLimit(int64)                {}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) failWrites(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeErr = err
}

func (c *fakeConn) writtenEnvelopes(t *testing.T) []protocol.Envelope {
	t.Helper()

	c.mu.Lock()
	defer c.mu.Unlock()
	envs := make([]protocol.Envelope, 0, len(c.written))
	for _, data := range c.written {
		env, err := protocol.Decode(data)
		if err != nil {
			t.Fatalf("Written frame is not an envelope: %v", err)
		}
		envs = append(envs, env)
	}
	return envs
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}
