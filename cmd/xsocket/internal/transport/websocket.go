package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hasirciogluhq/xsocket/cmd/xsocket/internal/logger"
)

// WebSocket accepts sessions over WebSocket. Each upgraded connection is
// exposed as a net.Conn whose byte stream is the concatenation of the
// client's data messages.
type WebSocket struct {
	// Path is the HTTP path upgrades are served on.
	Path string
	// KeepAlive and MaxConnections apply to the underlying TCP listener.
	KeepAlive      time.Duration
	MaxConnections int
	// TrustForwardedFor reports the first X-Forwarded-For address as the
	// peer address.
	TrustForwardedFor bool
	// Origins lists accepted Origin hosts. Empty accepts any origin.
	Origins []string
	// Binary sends replies as binary messages instead of text messages.
	Binary bool
}

func NewWebSocket(path string) *WebSocket {
	return &WebSocket{Path: path}
}

func (w *WebSocket) Listen(ctx context.Context, addr string) (net.Listener, error) {
	tcp, err := listenTCP(ctx, addr, w.KeepAlive, w.MaxConnections)
	if err != nil {
		return nil, err
	}

	path := w.Path
	if path == "" {
		path = "/"
	}

	ln := &wsListener{
		addr:   tcp.Addr(),
		conns:  make(chan net.Conn),
		closed: make(chan struct{}),
		opts:   w,
	}
	ln.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     w.checkOrigin,
	}

	mux := http.NewServeMux()
	mux.HandleFunc(path, ln.handleUpgrade)
	ln.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := ln.server.Serve(tcp); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("WebSocket listener error", "addr", tcp.Addr().String(), "error", err)
		}
	}()

	return ln, nil
}

func (w *WebSocket) checkOrigin(r *http.Request) bool {
	if len(w.Origins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return slices.ContainsFunc(w.Origins, func(allowed string) bool {
		return strings.EqualFold(allowed, u.Host)
	})
}

type wsListener struct {
	addr     net.Addr
	server   *http.Server
	upgrader websocket.Upgrader
	opts     *WebSocket

	conns     chan net.Conn
	closed    chan struct{}
	closeOnce sync.Once
}

func (l *wsListener) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	select {
	case <-l.closed:
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	ws, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Debug("WebSocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	conn := newWSConn(ws, l.peerAddr(ws, r), l.opts.Binary)
	select {
	case l.conns <- conn:
	case <-l.closed:
		_ = conn.Close()
	}
}

func (l *wsListener) peerAddr(ws *websocket.Conn, r *http.Request) net.Addr {
	if !l.opts.TrustForwardedFor {
		return ws.RemoteAddr()
	}
	forwarded := r.Header.Get("X-Forwarded-For")
	if forwarded == "" {
		return ws.RemoteAddr()
	}
	first, _, _ := strings.Cut(forwarded, ",")
	ip := net.ParseIP(strings.TrimSpace(first))
	if ip == nil {
		return ws.RemoteAddr()
	}
	return &net.TCPAddr{IP: ip}
}

func (l *wsListener) Accept() (net.Conn, error) {
	select {
	case conn := <-l.conns:
		return conn, nil
	case <-l.closed:
		return nil, net.ErrClosed
	}
}

// Close stops accepting upgrades. Connections already handed out stay open.
func (l *wsListener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.closed)
		err = l.server.Close()
	})
	return err
}

func (l *wsListener) Addr() net.Addr { return l.addr }

// wsConn adapts a WebSocket connection to net.Conn.
type wsConn struct {
	ws          *websocket.Conn
	remote      net.Addr
	messageType int

	reader    io.Reader
	closeOnce sync.Once
}

func newWSConn(ws *websocket.Conn, remote net.Addr, binary bool) *wsConn {
	messageType := websocket.TextMessage
	if binary {
		messageType = websocket.BinaryMessage
	}
	return &wsConn{ws: ws, remote: remote, messageType: messageType}
}

func (c *wsConn) Read(p []byte) (int, error) {
	for {
		if c.reader == nil {
			mt, r, err := c.ws.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
					return 0, io.EOF
				}
				return 0, err
			}
			if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
				continue
			}
			c.reader = r
		}

		n, err := c.reader.Read(p)
		if errors.Is(err, io.EOF) {
			c.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *wsConn) Write(p []byte) (int, error) {
	if err := c.ws.WriteMessage(c.messageType, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = c.ws.Close()
	})
	return err
}

func (c *wsConn) LocalAddr() net.Addr { return c.ws.LocalAddr() }
func (c *wsConn) RemoteAddr() net.Addr { return c.remote }

func (c *wsConn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}

func (c *wsConn) SetReadDeadline(t time.Time) error { return c.ws.SetReadDeadline(t) }
func (c *wsConn) SetWriteDeadline(t time.Time) error { return c.ws.SetWriteDeadline(t) }
