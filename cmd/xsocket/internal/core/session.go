package core

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// SessionState is the lifecycle state of a session.
type SessionState int32

const (
	StateConnecting SessionState = iota
	StateActive
	StateClosing
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
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

// CloseReason tells why a session ended.
type CloseReason int32

const (
	CloseReasonUnknown CloseReason = iota
	CloseReasonServerShutdown
	CloseReasonClientClosing
	CloseReasonServerClosing
	CloseReasonTransportFault
	CloseReasonTimeout
	CloseReasonProtocolError
	CloseReasonHandlerFailure
	CloseReasonRejected
)

func (r CloseReason) String() string {
	switch r {
	case CloseReasonServerShutdown:
		return "server_shutdown"
	case CloseReasonClientClosing:
		return "client_closing"
	case CloseReasonServerClosing:
		return "server_closing"
	case CloseReasonTransportFault:
		return "transport_fault"
	case CloseReasonTimeout:
		return "timeout"
	case CloseReasonProtocolError:
		return "protocol_error"
	case CloseReasonHandlerFailure:
		return "handler_failure"
	case CloseReasonRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Session is the server side state of one client connection. Application
// session types embed *Session and add their own fields.
//
// A session exclusively owns its connection. Requests are executed against
// it one at a time; Send may be called from any goroutine.
type Session struct {
	id         string
	server     ServerInfo
	conn       net.Conn
	tlsState   *tls.ConnectionState
	remoteAddr net.Addr
	localAddr  net.Addr
	startTime  time.Time

	ctx    context.Context
	cancel context.CancelFunc

	state       atomic.Int32
	closeReason atomic.Int32
	lastActive  atomic.Int64
	failures    atomic.Int32

	dispatchMu sync.Mutex
	writeMu    sync.Mutex

	releaseOnce sync.Once
	released    chan struct{}
	onRelease   func(*Session)
}

// NewSession wraps conn in a session in the Connecting state. Servers create
// sessions themselves; this is exported for protocol and handler tests.
func NewSession(id string, conn net.Conn, server ServerInfo, tlsState *tls.ConnectionState) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()
	s := &Session{
		id:         id,
		server:     server,
		conn:       conn,
		tlsState:   tlsState,
		remoteAddr: conn.RemoteAddr(),
		localAddr:  conn.LocalAddr(),
		startTime:  now,
		ctx:        ctx,
		cancel:     cancel,
		released:   make(chan struct{}),
	}
	s.lastActive.Store(now.UnixNano())
	return s
}

// Base returns s, letting *Session satisfy AppSession on its own.
func (s *Session) Base() *Session { return s }

func (s *Session) ID() string { return s.id }

// Server returns the owning server.
func (s *Session) Server() ServerInfo { return s.server }

func (s *Session) RemoteAddr() net.Addr { return s.remoteAddr }

func (s *Session) LocalAddr() net.Addr { return s.localAddr }

// TLS returns the negotiated TLS state, or nil for plain connections.
func (s *Session) TLS() *tls.ConnectionState { return s.tlsState }

func (s *Session) StartTime() time.Time { return s.startTime }

// LastActiveTime is the time the last request was dispatched.
func (s *Session) LastActiveTime() time.Time {
	return time.Unix(0, s.lastActive.Load())
}

func (s *Session) State() SessionState { return SessionState(s.state.Load()) }

// Connected reports whether the session still accepts requests.
func (s *Session) Connected() bool { return s.State() == StateActive }

// CloseReason is meaningful once the session left the Active state.
func (s *Session) CloseReason() CloseReason { return CloseReason(s.closeReason.Load()) }

// Context is cancelled when the session is released.
func (s *Session) Context() context.Context { return s.ctx }

// Done is closed once the session reached the Closed state.
func (s *Session) Done() <-chan struct{} { return s.released }

// Send writes data to the client. Writes are allowed while the session is
// Active or Closing so that in-flight handlers can still answer.
func (s *Session) Send(data []byte) error {
	switch s.State() {
	case StateActive, StateClosing:
	default:
		return fmt.Errorf("%w: %s", ErrSessionClosed, s.id)
	}

	s.writeMu.Lock()
	_, err := s.conn.Write(data)
	s.writeMu.Unlock()
	if err != nil {
		s.Close(CloseReasonTransportFault)
		return &TransportError{SessionID: s.id, Op: "write", Err: err}
	}
	return nil
}

// SendString is Send for text protocols.
func (s *Session) SendString(text string) error {
	return s.Send([]byte(text))
}

// Close starts closing the session: no new request is dispatched, the
// in-flight one completes, then the connection is released. Closing a
// session that is not Active is a no-op.
func (s *Session) Close(reason CloseReason) {
	if !s.state.CompareAndSwap(int32(StateActive), int32(StateClosing)) {
		return
	}
	s.closeReason.Store(int32(reason))

	// Wake the reader so the serve loop observes the state change.
	if err := s.conn.SetReadDeadline(time.Now()); err != nil {
		_ = s.conn.Close()
	}
}

func (s *Session) activate() bool {
	return s.state.CompareAndSwap(int32(StateConnecting), int32(StateActive))
}

func (s *Session) touch() {
	s.lastActive.Store(time.Now().UnixNano())
}

// release closes the channel and moves the session to Closed. It runs once,
// whichever of the serve loop or a forced shutdown gets there first.
func (s *Session) release(reason CloseReason) {
	s.releaseOnce.Do(func() {
		if s.state.CompareAndSwap(int32(StateActive), int32(StateClosing)) ||
			s.state.CompareAndSwap(int32(StateConnecting), int32(StateClosing)) {
			s.closeReason.Store(int32(reason))
		}
		_ = s.conn.Close()
		s.cancel()
		s.state.Store(int32(StateClosed))
		if s.onRelease != nil {
			s.onRelease(s)
		}
		close(s.released)
	})
}
