// Package api serves the health, readiness and statistics endpoints used by
// orchestrators and operators.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hasirciogluhq/xsocket/cmd/xsocket/internal/core"
	"github.com/hasirciogluhq/xsocket/cmd/xsocket/internal/logger"
)

// StatsSource is implemented by every AppServer instantiation.
type StatsSource interface {
	Stats() core.ServerStats
}

const shutdownTimeout = 5 * time.Second

type HealthServer struct {
	server *http.Server
	ready  atomic.Bool

	mu      sync.RWMutex
	sources []StatsSource
}

func NewHealthServer(addr string) *HealthServer {
	mux := http.NewServeMux()
	hs := &HealthServer{
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}

	// Default to not ready until explicitly set
	hs.ready.Store(false)

	mux.HandleFunc("/health", hs.handleHealth)
	mux.HandleFunc("/ready", hs.handleReady)
	mux.HandleFunc("/stats", hs.handleStats)

	return hs
}

// Register adds a server whose statistics are reported on /stats.
func (s *HealthServer) Register(source StatsSource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sources = append(s.sources, source)
}

// Handler exposes the routes without listening.
func (s *HealthServer) Handler() http.Handler {
	return s.server.Handler
}

// Run listens on the configured address and serves until ctx is done. A
// failure to bind or serve is returned.
func (s *HealthServer) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("health server: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done, then shuts down gracefully.
func (s *HealthServer) Serve(ctx context.Context, ln net.Listener) error {
	logger.Info("Health server listening", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() { errCh <- s.server.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("health server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("health server shutdown: %w", err)
	}
	<-errCh
	return nil
}

func (s *HealthServer) SetReady(ready bool) {
	s.ready.Store(ready)
}

func (s *HealthServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *HealthServer) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready.Load() {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("not ready"))
	}
}

type statsResponse struct {
	Ready   bool               `json:"ready"`
	Servers []core.ServerStats `json:"servers"`
}

func (s *HealthServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.mu.RLock()
	resp := statsResponse{Ready: s.ready.Load(), Servers: make([]core.ServerStats, 0, len(s.sources))}
	for _, source := range s.sources {
		resp.Servers = append(resp.Servers, source.Stats())
	}
	s.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Warn("Failed to write stats response", "error", err)
	}
}
