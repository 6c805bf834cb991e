package api

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hasirciogluhq/xsocket/cmd/xsocket/internal/core"
	"github.com/hasirciogluhq/xsocket/cmd/xsocket/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	logger.Discard()
}

type fixedStats core.ServerStats

func (f fixedStats) Stats() core.ServerStats { return core.ServerStats(f) }

func get(t *testing.T, h http.Handler, path string) (int, string) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	return rec.Code, string(body)
}

func TestHealthAndReadiness(t *testing.T) {
	hs := NewHealthServer(":0")
	h := hs.Handler()

	code, body := get(t, h, "/health")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body)

	code, _ = get(t, h, "/ready")
	assert.Equal(t, http.StatusServiceUnavailable, code)

	hs.SetReady(true)
	code, body = get(t, h, "/ready")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ready", body)
}

func TestStats(t *testing.T) {
	hs := NewHealthServer(":0")
	hs.SetReady(true)
	hs.Register(fixedStats{Name: "chat", State: "running", Sessions: 3, Accepted: 5, Rejected: 2})

	code, body := get(t, hs.Handler(), "/stats")
	require.Equal(t, http.StatusOK, code)

	var resp statsResponse
	require.NoError(t, json.Unmarshal([]byte(body), &resp))
	assert.True(t, resp.Ready)
	require.Len(t, resp.Servers, 1)
	assert.Equal(t, "chat", resp.Servers[0].Name)
	assert.Equal(t, 3, resp.Servers[0].Sessions)
	assert.Equal(t, uint64(2), resp.Servers[0].Rejected)

	rec := httptest.NewRecorder()
	hs.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/stats", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestRunFailsWhenPortIsTaken(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer taken.Close()

	done := make(chan error, 1)
	go func() { done <- NewHealthServer(taken.Addr().String()).Run(context.Background()) }()

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return on a bind failure")
	}
}

func TestServeStopsOnContextCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	hs := NewHealthServer(ln.Addr().String())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- hs.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}

	_, err = http.Get("http://" + ln.Addr().String() + "/health")
	assert.Error(t, err)
}
