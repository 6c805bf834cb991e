package core

import (
	"context"
	"crypto/tls"
	"io"
	"net"

	"github.com/hasirciogluhq/xsocket/cmd/xsocket/internal/config"
)

// Request is one decoded protocol unit. Key selects the handler that
// executes it.
type Request interface {
	Key() string
}

// AppSession is implemented by application session types. Embedding
// *Session is enough: Base is promoted from it.
type AppSession interface {
	Base() *Session
}

// Protocol turns a session's byte stream into requests.
// It abstracts away the specific wire format.
type Protocol[R Request] interface {
	NewDecoder(r io.Reader) Decoder[R]
}

// Decoder yields requests from one stream until it returns an error.
// Errors wrapping ErrProtocolViolation close the session as a protocol error.
type Decoder[R Request] interface {
	Decode() (R, error)
}

// TransportFactory opens the listener raw connections are accepted from.
// It abstracts away the stream transport (TCP, WebSocket, ...).
type TransportFactory interface {
	Listen(ctx context.Context, addr string) (net.Listener, error)
}

// ConnectionFilter decides whether a raw connection may become a session.
// Filters run before any security negotiation.
type ConnectionFilter interface {
	Name() string
	Allow(ctx context.Context, addr net.Addr) (bool, error)
}

// TLSProvider defines how to retrieve the server certificate.
// It abstracts away the storage mechanism (K8s Secret, File, Vault, etc.).
type TLSProvider interface {
	GetCertificate(ctx context.Context) (*tls.Certificate, error)
	Store(ctx context.Context, certPEM, keyPEM []byte) error
}

// ServerInfo is the view of the owning server a session keeps. It is a
// non-owning reference: sessions never control the server lifecycle.
type ServerInfo interface {
	Name() string
	Config() config.ServerConfig
	State() ServerState
}

// ServerState is the lifecycle state of an AppServer.
type ServerState int32

const (
	ServerNotInitialized ServerState = iota
	ServerInitialized
	ServerRunning
	ServerStopping
	ServerStopped
)

func (s ServerState) String() string {
	switch s {
	case ServerNotInitialized:
		return "not_initialized"
	case ServerInitialized:
		return "initialized"
	case ServerRunning:
		return "running"
	case ServerStopping:
		return "stopping"
	case ServerStopped:
		return "stopped"
	default:
		return "unknown"
	}
}
