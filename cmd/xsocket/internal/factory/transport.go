package factory

import (
	"fmt"

	"github.com/hasirciogluhq/xsocket/cmd/xsocket/internal/config"
	"github.com/hasirciogluhq/xsocket/cmd/xsocket/internal/core"
	"github.com/hasirciogluhq/xsocket/cmd/xsocket/internal/logger"
	"github.com/hasirciogluhq/xsocket/cmd/xsocket/internal/transport"
)

// NewTransport creates the stream transport selected by TRANSPORT.
func NewTransport(cfg *config.ServerConfig) (core.TransportFactory, error) {
	switch cfg.Transport {
	case config.TransportTCP, "":
		logger.Info("Creating TCP transport", "max_connections", cfg.MaxConnections)
		return transport.NewTCP(cfg.KeepAlive, cfg.MaxConnections), nil
	case config.TransportWebSocket:
		logger.Info("Creating WebSocket transport", "path", cfg.WebSocketPath, "trust_forwarded_for", cfg.TrustForwardedFor)
		ws := transport.NewWebSocket(cfg.WebSocketPath)
		ws.KeepAlive = cfg.KeepAlive
		ws.MaxConnections = cfg.MaxConnections
		ws.TrustForwardedFor = cfg.TrustForwardedFor
		ws.Origins = config.SplitList(cfg.WebSocketOrigins)
		return ws, nil
	default:
		return nil, fmt.Errorf("unknown transport: %s", cfg.Transport)
	}
}
