package core

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hasirciogluhq/xsocket/cmd/xsocket/internal/config"
	"github.com/hasirciogluhq/xsocket/cmd/xsocket/internal/logger"
	"github.com/hasirciogluhq/xsocket/cmd/xsocket/internal/security"
)

const maxAcceptDelay = time.Second

// ServerStats is a point-in-time view of server counters.
type ServerStats struct {
	Name                string        `json:"name"`
	State               string        `json:"state"`
	Sessions            int           `json:"sessions"`
	Accepted            uint64        `json:"accepted"`
	Rejected            uint64        `json:"rejected"`
	NegotiationFailures uint64        `json:"negotiation_failures"`
	SessionsCreated     uint64        `json:"sessions_created"`
	SessionsClosed      uint64        `json:"sessions_closed"`
	Dispatch            DispatchStats `json:"dispatch"`
}

// AppServer accepts connections, turns them into sessions of type S and
// dispatches the requests of type R decoded from them.
//
// It depends only on interfaces: the transport, the protocol and the TLS
// certificate source are all plugged in.
type AppServer[S AppSession, R Request] struct {
	newSession func(*Session) S
	protocol   Protocol[R]
	dispatcher *Dispatcher[S, R]
	registry   *Registry[S]
	filters    *FilterChain

	mu          sync.Mutex
	state       atomic.Int32
	tlsProvider TLSProvider
	newID       func() string
	onCreated   func(S)
	onClosed    func(S, CloseReason)

	root       config.RootConfig
	cfg        config.ServerConfig
	transport  TransportFactory
	negotiator *security.Negotiator

	// admitMu gates registration. Connection goroutines hold it shared from
	// the shutdown check until the created hook returns; Stop takes it
	// exclusively after cancelling the run context.
	admitMu sync.RWMutex

	listener   net.Listener
	cancel     context.CancelFunc
	acceptDone chan struct{}
	stopDone   chan struct{}
	conns      sync.WaitGroup

	accepted            atomic.Uint64
	rejected            atomic.Uint64
	negotiationFailures atomic.Uint64
	sessionsCreated     atomic.Uint64
	sessionsClosed      atomic.Uint64
}

// NewAppServer creates a server. newSession builds the application session
// around the base session the server created; it must embed or return it
// from Base.
func NewAppServer[S AppSession, R Request](newSession func(*Session) S, protocol Protocol[R], dispatcher *Dispatcher[S, R]) *AppServer[S, R] {
	if dispatcher == nil {
		dispatcher = NewDispatcher[S, R]()
	}
	return &AppServer[S, R]{
		newSession: newSession,
		protocol:   protocol,
		dispatcher: dispatcher,
		registry:   NewRegistry[S](0),
		filters:    NewFilterChain(),
		newID:      uuid.NewString,
	}
}

func (s *AppServer[S, R]) configurable() error {
	switch ServerState(s.state.Load()) {
	case ServerNotInitialized, ServerInitialized:
		return nil
	default:
		return fmt.Errorf("%w: server is %s", ErrServerRunning, ServerState(s.state.Load()))
	}
}

// AddConnectionFilters appends filters to the connection filter chain.
func (s *AppServer[S, R]) AddConnectionFilters(filters ...ConnectionFilter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.configurable(); err != nil {
		return err
	}
	return s.filters.Append(filters...)
}

// ConnectionFilters returns the filter chain in evaluation order.
func (s *AppServer[S, R]) ConnectionFilters() []ConnectionFilter {
	return s.filters.Filters()
}

// SetTLSProvider sets the certificate source used by Setup when TLS is
// enabled.
func (s *AppServer[S, R]) SetTLSProvider(p TLSProvider) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.configurable(); err != nil {
		return err
	}
	s.tlsProvider = p
	return nil
}

// SetSessionIDGenerator replaces the default UUID session identities.
func (s *AppServer[S, R]) SetSessionIDGenerator(fn func() string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.configurable(); err != nil {
		return err
	}
	if fn == nil {
		fn = uuid.NewString
	}
	s.newID = fn
	return nil
}

// OnSessionCreated sets a hook called once a session is registered. Stop
// waits for running hooks, so a hook must not call Stop.
func (s *AppServer[S, R]) OnSessionCreated(fn func(S)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.configurable(); err != nil {
		return err
	}
	s.onCreated = fn
	return nil
}

// OnSessionClosed sets a hook called after a registered session was released.
func (s *AppServer[S, R]) OnSessionClosed(fn func(S, CloseReason)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.configurable(); err != nil {
		return err
	}
	s.onClosed = fn
	return nil
}

// Setup validates the configuration and resolves the security
// configuration. A nil root selects the default root configuration.
func (s *AppServer[S, R]) Setup(ctx context.Context, root *config.RootConfig, cfg *config.ServerConfig, transport TransportFactory) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.configurable(); err != nil {
		return err
	}
	if s.newSession == nil || s.protocol == nil {
		return fmt.Errorf("session constructor and protocol are required")
	}
	if cfg == nil {
		return fmt.Errorf("server configuration is required")
	}
	if transport == nil {
		return fmt.Errorf("transport factory is required")
	}
	if root == nil {
		root = &config.Default().Root
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid server configuration: %w", err)
	}

	var secCfg *security.Config
	if cfg.TLSEnabled {
		c, err := s.securityConfig(ctx, cfg)
		if err != nil {
			return err
		}
		secCfg = c
	}
	negotiator, err := security.NewNegotiator(secCfg)
	if err != nil {
		return err
	}

	if cfg.MaxHandlerFailures > 0 {
		if err := s.dispatcher.SetMaxHandlerFailures(cfg.MaxHandlerFailures); err != nil {
			return err
		}
	}

	s.root = *root
	s.cfg = *cfg
	s.transport = transport
	s.negotiator = negotiator
	s.state.Store(int32(ServerInitialized))

	logger.Info("Server configured",
		"name", cfg.Name,
		"transport", cfg.Transport,
		"listen_addr", cfg.ListenAddr,
		"tls", negotiator.Enabled(),
		"filters", s.filters.Len())
	return nil
}

func (s *AppServer[S, R]) securityConfig(ctx context.Context, cfg *config.ServerConfig) (*security.Config, error) {
	if s.tlsProvider == nil {
		return nil, fmt.Errorf("%w: TLS is enabled but no TLS provider is set", security.ErrInvalidSecurityConfig)
	}
	cert, err := s.tlsProvider.GetCertificate(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to load certificate: %w", security.ErrInvalidSecurityConfig, err)
	}
	versions, err := security.ParseVersions(cfg.TLSVersions)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", security.ErrInvalidSecurityConfig, err)
	}
	auth, err := security.ParseClientAuth(cfg.TLSClientAuth)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", security.ErrInvalidSecurityConfig, err)
	}

	var pool *x509.CertPool
	if auth.VerifiesCertificates() {
		pemData, err := cfg.ClientCAPEM()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", security.ErrInvalidSecurityConfig, err)
		}
		pool = x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, fmt.Errorf("%w: no certificates found in %s", security.ErrInvalidSecurityConfig, cfg.TLSClientCAFile)
		}
	}

	return &security.Config{
		Certificate:      cert,
		Versions:         versions,
		ClientAuth:       auth,
		ClientCAs:        pool,
		HandshakeTimeout: cfg.TLSHandshakeTimeout,
	}, nil
}

// Start opens the listener and begins accepting connections in the
// background. Handlers and filters are frozen from here on.
func (s *AppServer[S, R]) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch ServerState(s.state.Load()) {
	case ServerNotInitialized:
		return ErrServerNotSetup
	case ServerInitialized:
	default:
		return fmt.Errorf("%w: server is %s", ErrServerRunning, ServerState(s.state.Load()))
	}

	ln, err := s.transport.Listen(ctx, s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.ListenAddr, err)
	}

	s.dispatcher.Freeze()
	s.filters.freeze()

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.listener = ln
	s.cancel = cancel
	s.acceptDone = make(chan struct{})
	s.stopDone = make(chan struct{})
	s.state.Store(int32(ServerRunning))

	go s.acceptLoop(runCtx)
	if s.cfg.IdleTimeout > 0 && s.cfg.ClearIdleInterval > 0 {
		go s.clearIdleSessions(runCtx)
	}

	logger.Info("Server listening", "name", s.cfg.Name, "addr", ln.Addr().String())
	return nil
}

func (s *AppServer[S, R]) acceptLoop(ctx context.Context) {
	defer close(s.acceptDone)

	var delay time.Duration
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			if delay == 0 {
				delay = 5 * time.Millisecond
			} else if delay *= 2; delay > maxAcceptDelay {
				delay = maxAcceptDelay
			}
			logger.Warn("Accept error", "name", s.cfg.Name, "retry_in", delay, "error", err)
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return
			}
		}
		delay = 0

		s.accepted.Add(1)
		s.conns.Add(1)
		go s.handleConnection(ctx, conn)
	}
}

func (s *AppServer[S, R]) handleConnection(ctx context.Context, raw net.Conn) {
	defer s.conns.Done()

	remote := raw.RemoteAddr()
	if err := s.filters.Evaluate(ctx, remote); err != nil {
		s.rejected.Add(1)
		logger.Info("Connection rejected", "remote_addr", remote, "error", err)
		_ = raw.Close()
		return
	}

	conn, tlsState, err := s.negotiator.Negotiate(ctx, raw)
	if err != nil {
		s.negotiationFailures.Add(1)
		logger.Warn("Security negotiation failed", "remote_addr", remote, "error", err)
		return
	}

	base := NewSession(s.newID(), conn, s, tlsState)
	app := s.newSession(base)
	if app.Base() != base {
		logger.Error("Session constructor did not keep the base session", "remote_addr", remote)
		base.release(CloseReasonRejected)
		return
	}

	var registered atomic.Bool
	base.onRelease = func(b *Session) {
		if !s.registry.remove(b.ID(), b) && !registered.Load() {
			return
		}
		s.sessionsClosed.Add(1)
		logger.Info("Session closed",
			"session_id", b.ID(),
			"remote_addr", b.RemoteAddr(),
			"reason", b.CloseReason().String(),
			"duration", time.Since(b.StartTime()).Round(time.Millisecond))
		if s.onClosed != nil {
			s.onClosed(app, b.CloseReason())
		}
	}

	s.admitMu.RLock()
	if ctx.Err() != nil {
		s.admitMu.RUnlock()
		logger.Debug("Connection arrived during shutdown", "remote_addr", remote)
		base.release(CloseReasonServerShutdown)
		return
	}
	base.activate()
	if err := s.registry.Register(app); err != nil {
		s.admitMu.RUnlock()
		logger.Error("Failed to register session", "session_id", base.ID(), "error", err)
		base.release(CloseReasonRejected)
		return
	}
	registered.Store(true)
	s.sessionsCreated.Add(1)

	logger.Info("Session created", "session_id", base.ID(), "remote_addr", remote, "tls", tlsState != nil)
	if s.onCreated != nil {
		s.onCreated(app)
	}
	s.admitMu.RUnlock()

	s.serve(app)
}

// serve decodes requests from the session until the stream ends or the
// session leaves the Active state, then releases the session.
func (s *AppServer[S, R]) serve(app S) {
	base := app.Base()
	dec := s.protocol.NewDecoder(base.conn)

	for {
		req, err := dec.Decode()
		if err != nil {
			reason := classifyReadError(err)
			if reason == CloseReasonProtocolError {
				logger.Warn("Protocol violation", "session_id", base.ID(), "error", err)
			} else if reason == CloseReasonTransportFault && base.State() == StateActive {
				logger.Warn("Transport fault", "session_id", base.ID(), "error", &TransportError{SessionID: base.ID(), Op: "read", Err: err})
			}
			base.release(reason)
			return
		}

		if err := s.dispatcher.Execute(base.Context(), app, req); errors.Is(err, ErrSessionNotActive) {
			base.release(base.CloseReason())
			return
		}
	}
}

func classifyReadError(err error) CloseReason {
	switch {
	case errors.Is(err, ErrProtocolViolation):
		return CloseReasonProtocolError
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed):
		return CloseReasonClientClosing
	case errors.Is(err, os.ErrDeadlineExceeded):
		return CloseReasonTimeout
	default:
		return CloseReasonTransportFault
	}
}

// clearIdleSessions closes sessions that dispatched nothing for longer than
// the idle timeout.
func (s *AppServer[S, R]) clearIdleSessions(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.ClearIdleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			cutoff := now.Add(-s.cfg.IdleTimeout)
			idle, _ := s.registry.Filter(func(sess S) (bool, error) {
				return sess.Base().LastActiveTime().Before(cutoff), nil
			})
			for _, sess := range idle {
				logger.Debug("Closing idle session", "session_id", sess.Base().ID())
				sess.Base().Close(CloseReasonTimeout)
			}
		}
	}
}

// Stop stops accepting connections, closes every session and waits up to
// the configured grace period for in-flight requests. Sessions still open
// after that are released forcibly. No session is registered once Stop
// returns. Concurrent calls wait for the first one to finish.
func (s *AppServer[S, R]) Stop() error {
	s.mu.Lock()
	switch ServerState(s.state.Load()) {
	case ServerNotInitialized, ServerInitialized:
		s.mu.Unlock()
		return nil
	case ServerStopping, ServerStopped:
		done := s.stopDone
		s.mu.Unlock()
		<-done
		return nil
	}
	s.state.Store(int32(ServerStopping))
	s.mu.Unlock()

	logger.Info("Stopping server", "name", s.cfg.Name, "sessions", s.registry.Count())

	s.cancel()
	// Wait for registrations in progress; later ones observe the cancelled
	// context and never register.
	s.admitMu.Lock()
	//nolint:staticcheck // empty critical section
	s.admitMu.Unlock()

	err := s.listener.Close()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	<-s.acceptDone

	for _, sess := range s.registry.Snapshot() {
		sess.Base().Close(CloseReasonServerShutdown)
	}

	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()

	grace := s.cfg.StopGracePeriod
	timer := time.NewTimer(grace)
	select {
	case <-done:
		timer.Stop()
	case <-timer.C:
		logger.Warn("Grace period expired, releasing remaining sessions", "name", s.cfg.Name, "sessions", s.registry.Count())
	}

	for _, sess := range s.registry.Clear() {
		sess.Base().release(CloseReasonServerShutdown)
	}

	s.state.Store(int32(ServerStopped))
	close(s.stopDone)
	logger.Info("Server stopped", "name", s.cfg.Name)
	return err
}

// Addr returns the listener address once the server started.
func (s *AppServer[S, R]) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *AppServer[S, R]) Name() string { return s.cfg.Name }

func (s *AppServer[S, R]) Config() config.ServerConfig { return s.cfg }

func (s *AppServer[S, R]) RootConfig() config.RootConfig { return s.root }

func (s *AppServer[S, R]) State() ServerState { return ServerState(s.state.Load()) }

// Security exposes the resolved security configuration.
func (s *AppServer[S, R]) Security() *security.Negotiator { return s.negotiator }

func (s *AppServer[S, R]) Dispatcher() *Dispatcher[S, R] { return s.dispatcher }

func (s *AppServer[S, R]) GetSessionByID(id string) (S, bool) {
	return s.registry.Lookup(id)
}

// GetAllSessions returns a snapshot of the registered sessions.
func (s *AppServer[S, R]) GetAllSessions() []S {
	return s.registry.Snapshot()
}

// GetSessions returns the sessions matching predicate. See Registry.Filter
// for the error semantics.
func (s *AppServer[S, R]) GetSessions(predicate func(S) (bool, error)) ([]S, error) {
	return s.registry.Filter(predicate)
}

func (s *AppServer[S, R]) SessionCount() int {
	return s.registry.Count()
}

// Broadcast sends data to every session matching criteria, or to all
// sessions when criteria is nil. It returns the number of successful sends.
func (s *AppServer[S, R]) Broadcast(data []byte, criteria func(S) bool) int {
	sent := 0
	for _, sess := range s.registry.Snapshot() {
		if criteria != nil && !criteria(sess) {
			continue
		}
		if err := sess.Base().Send(data); err != nil {
			logger.Debug("Broadcast send failed", "session_id", sess.Base().ID(), "error", err)
			continue
		}
		sent++
	}
	return sent
}

func (s *AppServer[S, R]) Stats() ServerStats {
	return ServerStats{
		Name:                s.cfg.Name,
		State:               s.State().String(),
		Sessions:            s.registry.Count(),
		Accepted:            s.accepted.Load(),
		Rejected:            s.rejected.Load(),
		NegotiationFailures: s.negotiationFailures.Load(),
		SessionsCreated:     s.sessionsCreated.Load(),
		SessionsClosed:      s.sessionsClosed.Load(),
		Dispatch:            s.dispatcher.Stats(),
	}
}
