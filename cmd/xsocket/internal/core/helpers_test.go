package core

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hasirciogluhq/xsocket/cmd/xsocket/internal/config"
	"github.com/hasirciogluhq/xsocket/cmd/xsocket/internal/logger"
	"github.com/stretchr/testify/require"
)

func init() {
	logger.Discard()
}

// testSession is the application session used by the core tests.
type testSession struct {
	*Session

	mu       sync.Mutex
	handled  []string
	inFlight atomic.Int32
}

func newTestSession(base *Session) *testSession {
	return &testSession{Session: base}
}

func (s *testSession) record(arg string) {
	s.mu.Lock()
	s.handled = append(s.handled, arg)
	s.mu.Unlock()
}

func (s *testSession) Handled() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.handled...)
}

type testRequest struct {
	key string
	arg string
}

func (r testRequest) Key() string { return r.key }

// lineProtocol decodes "KEY arg" lines. Lines starting with '!' are protocol
// violations.
type lineProtocol struct{}

func (lineProtocol) NewDecoder(r io.Reader) Decoder[testRequest] {
	return &lineDecoder{scanner: bufio.NewScanner(r)}
}

type lineDecoder struct {
	scanner *bufio.Scanner
}

func (d *lineDecoder) Decode() (testRequest, error) {
	if !d.scanner.Scan() {
		if err := d.scanner.Err(); err != nil {
			return testRequest{}, err
		}
		return testRequest{}, io.EOF
	}
	line := d.scanner.Text()
	if strings.HasPrefix(line, "!") {
		return testRequest{}, fmt.Errorf("%w: %q", ErrProtocolViolation, line)
	}
	key, arg, _ := strings.Cut(line, " ")
	return testRequest{key: key, arg: arg}, nil
}

// trackedConn reports a fixed peer address and remembers whether it was
// closed.
type trackedConn struct {
	net.Conn
	remote net.Addr
	closed atomic.Bool
}

func (c *trackedConn) RemoteAddr() net.Addr { return c.remote }

func (c *trackedConn) Close() error {
	c.closed.Store(true)
	return c.Conn.Close()
}

type pipeAddr string

func (a pipeAddr) Network() string { return "pipe" }
func (a pipeAddr) String() string  { return string(a) }

// pipeListener hands out the server ends of net.Pipe connections created by
// Dial.
type pipeListener struct {
	conns  chan net.Conn
	closed chan struct{}
	once   sync.Once
}

func newPipeListener() *pipeListener {
	return &pipeListener{conns: make(chan net.Conn), closed: make(chan struct{})}
}

func (l *pipeListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.closed:
		return nil, net.ErrClosed
	}
}

func (l *pipeListener) Close() error {
	l.once.Do(func() { close(l.closed) })
	return nil
}

func (l *pipeListener) Addr() net.Addr { return pipeAddr("pipe") }

func (l *pipeListener) Listen(context.Context, string) (net.Listener, error) {
	return l, nil
}

func (l *pipeListener) Dial(remote net.Addr) (client net.Conn, server *trackedConn, err error) {
	s, c := net.Pipe()
	server = &trackedConn{Conn: s, remote: remote}
	select {
	case l.conns <- server:
		return c, server, nil
	case <-l.closed:
		s.Close()
		c.Close()
		return nil, nil, net.ErrClosed
	case <-time.After(time.Second):
		return nil, nil, errors.New("dial timed out")
	}
}

func tcpAddr(ip string) net.Addr {
	return &net.TCPAddr{IP: net.ParseIP(ip), Port: 40000}
}

// testClient reads reply lines in the background so that server writes on
// the synchronous pipe never block.
type testClient struct {
	t      *testing.T
	conn   net.Conn
	server *trackedConn
	lines  chan string
}

func newTestClient(t *testing.T, conn net.Conn, server *trackedConn) *testClient {
	c := &testClient{t: t, conn: conn, server: server, lines: make(chan string, 64)}
	go func() {
		defer close(c.lines)
		scanner := bufio.NewScanner(conn)
		for scanner.Scan() {
			c.lines <- scanner.Text()
		}
	}()
	t.Cleanup(func() { conn.Close() })
	return c
}

func (c *testClient) send(line string) {
	c.t.Helper()
	_, err := io.WriteString(c.conn, line+"\n")
	require.NoError(c.t, err)
}

func (c *testClient) expect(line string) {
	c.t.Helper()
	select {
	case got, ok := <-c.lines:
		require.True(c.t, ok, "connection closed while waiting for %q", line)
		require.Equal(c.t, line, got)
	case <-time.After(2 * time.Second):
		c.t.Fatalf("timed out waiting for %q", line)
	}
}

func (c *testClient) expectClosed() {
	c.t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-c.lines:
			if !ok {
				return
			}
		case <-deadline:
			c.t.Fatal("timed out waiting for the connection to close")
		}
	}
}

type testServer = AppServer[*testSession, testRequest]

type harness struct {
	t          *testing.T
	server     *testServer
	dispatcher *Dispatcher[*testSession, testRequest]
	listener   *pipeListener
	cfg        *harnessConfig
	blocked    chan string
}

// harnessConfig is the subset of settings the core tests vary.
type harnessConfig struct {
	StopGracePeriod    time.Duration
	IdleTimeout        time.Duration
	ClearIdleInterval  time.Duration
	MaxHandlerFailures int
}

func testServerConfig() *config.ServerConfig {
	cfg := config.DefaultServerConfig()
	cfg.Name = "test"
	cfg.ListenAddr = "pipe"
	return cfg
}

func newDispatcher(t *testing.T, blocked chan string) *Dispatcher[*testSession, testRequest] {
	d := NewDispatcher[*testSession, testRequest]()
	handlers := map[string]HandlerFunc[*testSession, testRequest]{
		"ECHO": func(_ context.Context, s *testSession, r testRequest) error {
			return s.SendString(r.arg + "\n")
		},
		"REC": func(_ context.Context, s *testSession, r testRequest) error {
			if s.inFlight.Add(1) != 1 {
				t.Errorf("concurrent dispatch on session %s", s.ID())
			}
			defer s.inFlight.Add(-1)
			time.Sleep(2 * time.Millisecond)
			s.record(r.arg)
			return s.SendString("ok " + r.arg + "\n")
		},
		"FAIL": func(context.Context, *testSession, testRequest) error {
			return errors.New("boom")
		},
		"PANIC": func(context.Context, *testSession, testRequest) error {
			panic("kaboom")
		},
		"SLOW": func(_ context.Context, s *testSession, r testRequest) error {
			blocked <- s.ID()
			time.Sleep(50 * time.Millisecond)
			return s.SendString("done " + r.arg + "\n")
		},
		"BLOCK": func(ctx context.Context, s *testSession, _ testRequest) error {
			blocked <- s.ID()
			<-ctx.Done()
			return ctx.Err()
		},
	}
	for key, h := range handlers {
		require.NoError(t, d.Handle(key, h))
	}
	return d
}

func newHarness(t *testing.T, tune func(*harnessConfig), configure func(*testServer)) *harness {
	t.Helper()

	blocked := make(chan string, 16)
	d := newDispatcher(t, blocked)
	srv := NewAppServer(newTestSession, Protocol[testRequest](lineProtocol{}), d)

	tc := &harnessConfig{StopGracePeriod: 2 * time.Second}
	if tune != nil {
		tune(tc)
	}
	if configure != nil {
		configure(srv)
	}

	cfg := testServerConfig()
	cfg.StopGracePeriod = tc.StopGracePeriod
	cfg.IdleTimeout = tc.IdleTimeout
	cfg.ClearIdleInterval = tc.ClearIdleInterval
	cfg.MaxHandlerFailures = tc.MaxHandlerFailures

	ln := newPipeListener()
	require.NoError(t, srv.Setup(context.Background(), nil, cfg, ln))
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() { _ = srv.Stop() })

	return &harness{t: t, server: srv, dispatcher: d, listener: ln, cfg: tc, blocked: blocked}
}

func (h *harness) connect(ip string) *testClient {
	h.t.Helper()
	client, server, err := h.listener.Dial(tcpAddr(ip))
	require.NoError(h.t, err)
	return newTestClient(h.t, client, server)
}

func (h *harness) waitForSessions(n int) {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return h.server.SessionCount() == n },
		2*time.Second, 5*time.Millisecond, "expected %d sessions", n)
}

// newTestBase builds a standalone session on one end of a pipe.
func newTestBase(t *testing.T, id string) *Session {
	t.Helper()
	base, _ := newTestBasePair(t, id)
	return base
}

// newTestBasePair also returns the client end of the pipe.
func newTestBasePair(t *testing.T, id string) (*Session, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	return NewSession(id, server, nil, nil), client
}

func newActiveTestSession(t *testing.T, id string) *testSession {
	t.Helper()
	s := newTestSession(newTestBase(t, id))
	require.True(t, s.activate())
	return s
}
