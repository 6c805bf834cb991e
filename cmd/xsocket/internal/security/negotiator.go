// Package security decides whether and how a freshly accepted connection is
// wrapped in TLS before a session is created for it.
package security

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"slices"
	"time"

	"github.com/hasirciogluhq/xsocket/cmd/xsocket/internal/logger"
)

var (
	// ErrSecurityNegotiationFailed is matched by every handshake failure.
	ErrSecurityNegotiationFailed = errors.New("security negotiation failed")
	// ErrInvalidSecurityConfig is returned when a Config cannot be used.
	ErrInvalidSecurityConfig = errors.New("invalid security configuration")
)

const defaultHandshakeTimeout = 10 * time.Second

// Config is the server's transport security configuration. It is resolved once
// during server setup and never modified afterwards.
type Config struct {
	// Certificate is the server identity presented to clients.
	Certificate *tls.Certificate
	// Versions is the set of acceptable protocol versions (tls.VersionTLS12, ...).
	Versions []uint16
	// ClientAuth controls whether clients must present a certificate.
	ClientAuth ClientAuthPolicy
	// ClientCAs verifies client certificates when ClientAuth verifies them.
	ClientCAs *x509.CertPool
	// HandshakeTimeout bounds a single handshake. Zero means 10s.
	HandshakeTimeout time.Duration
}

// Negotiator performs the per-connection handshake. A Negotiator built from a
// nil Config is a pass-through.
type Negotiator struct {
	tlsConfig  *tls.Config
	cert       *tls.Certificate
	clientAuth ClientAuthPolicy
	accepted   []uint16
	timeout    time.Duration
}

// NewNegotiator validates cfg and builds a negotiator from it.
func NewNegotiator(cfg *Config) (*Negotiator, error) {
	if cfg == nil {
		return &Negotiator{}, nil
	}

	if cfg.Certificate == nil || len(cfg.Certificate.Certificate) == 0 {
		return nil, fmt.Errorf("%w: certificate is required", ErrInvalidSecurityConfig)
	}
	leaf, err := x509.ParseCertificate(cfg.Certificate.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse certificate: %w", ErrInvalidSecurityConfig, err)
	}
	if time.Now().After(leaf.NotAfter) {
		return nil, fmt.Errorf("%w: certificate expired at %s", ErrInvalidSecurityConfig, leaf.NotAfter.Format(time.RFC3339))
	}

	if len(cfg.Versions) == 0 {
		return nil, fmt.Errorf("%w: at least one protocol version is required", ErrInvalidSecurityConfig)
	}
	accepted := slices.Clone(cfg.Versions)
	slices.Sort(accepted)
	accepted = slices.Compact(accepted)
	for _, v := range accepted {
		if !isKnownVersion(v) {
			return nil, fmt.Errorf("%w: unsupported protocol version %s", ErrInvalidSecurityConfig, VersionName(v))
		}
	}

	if cfg.ClientAuth.VerifiesCertificates() && cfg.ClientCAs == nil {
		return nil, fmt.Errorf("%w: client CA pool is required for client auth %q", ErrInvalidSecurityConfig, cfg.ClientAuth)
	}

	cert := *cfg.Certificate
	cert.Leaf = leaf

	timeout := cfg.HandshakeTimeout
	if timeout <= 0 {
		timeout = defaultHandshakeTimeout
	}

	return &Negotiator{
		tlsConfig: &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   accepted[0],
			MaxVersion:   accepted[len(accepted)-1],
			ClientAuth:   cfg.ClientAuth.tlsClientAuth(),
			ClientCAs:    cfg.ClientCAs,
		},
		cert:       &cert,
		clientAuth: cfg.ClientAuth,
		accepted:   accepted,
		timeout:    timeout,
	}, nil
}

// Enabled reports whether connections are wrapped in TLS.
func (n *Negotiator) Enabled() bool {
	return n != nil && n.tlsConfig != nil
}

// Versions returns the accepted protocol versions in ascending order.
func (n *Negotiator) Versions() []uint16 {
	if !n.Enabled() {
		return nil
	}
	return slices.Clone(n.accepted)
}

// Certificate returns the server identity presented to clients, with Leaf
// populated. It is nil for a pass-through negotiator.
func (n *Negotiator) Certificate() *tls.Certificate {
	if !n.Enabled() {
		return nil
	}
	return n.cert
}

// ClientAuth returns the client credential requirement.
func (n *Negotiator) ClientAuth() ClientAuthPolicy {
	if !n.Enabled() {
		return ClientAuthNone
	}
	return n.clientAuth
}

// MinVersion is the lowest protocol version the server will ever select.
func (n *Negotiator) MinVersion() uint16 {
	if !n.Enabled() {
		return 0
	}
	return n.accepted[0]
}

// Negotiate runs the handshake on conn. It returns the connection sessions
// must use from now on together with the negotiated state, which is nil for
// a pass-through negotiator. On failure conn is closed and the returned error
// matches ErrSecurityNegotiationFailed.
func (n *Negotiator) Negotiate(ctx context.Context, conn net.Conn) (net.Conn, *tls.ConnectionState, error) {
	if !n.Enabled() {
		return conn, nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	tlsConn := tls.Server(conn, n.tlsConfig)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("%w: tls handshake with %s: %w", ErrSecurityNegotiationFailed, conn.RemoteAddr(), err)
	}

	state := tlsConn.ConnectionState()
	if !slices.Contains(n.accepted, state.Version) {
		_ = tlsConn.Close()
		return nil, nil, fmt.Errorf("%w: negotiated %s is not an accepted protocol version", ErrSecurityNegotiationFailed, VersionName(state.Version))
	}

	logger.Debug("TLS Handshake successful",
		"protocol", VersionName(state.Version),
		"cipher_suite", tls.CipherSuiteName(state.CipherSuite),
		"remote_addr", conn.RemoteAddr())

	return tlsConn, &state, nil
}
