// Package transport provides the listeners sessions are accepted from.
package transport

import (
	"context"
	"fmt"
	"net"
	"time"

	"golang.org/x/net/netutil"
)

// TCP listens on plain TCP sockets.
type TCP struct {
	// KeepAlive is the TCP keep-alive period. Zero uses the system default.
	KeepAlive time.Duration
	// MaxConnections caps concurrently open connections. Zero is unlimited.
	MaxConnections int
}

func NewTCP(keepAlive time.Duration, maxConnections int) *TCP {
	return &TCP{KeepAlive: keepAlive, MaxConnections: maxConnections}
}

func (t *TCP) Listen(ctx context.Context, addr string) (net.Listener, error) {
	return listenTCP(ctx, addr, t.KeepAlive, t.MaxConnections)
}

func listenTCP(ctx context.Context, addr string, keepAlive time.Duration, maxConnections int) (net.Listener, error) {
	lc := net.ListenConfig{KeepAlive: keepAlive}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	if maxConnections > 0 {
		ln = netutil.LimitListener(ln, maxConnections)
	}
	return ln, nil
}
