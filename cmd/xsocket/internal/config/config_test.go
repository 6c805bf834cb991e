package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"RUNTIME", "TLS_MODE", "TLS_CERT_FILE", "TLS_KEY_FILE", "TLS_SECRET_NAME",
		"POD_NAMESPACE", "NAMESPACE", "TRANSPORT", "TLS_ENABLED", "TLS_VERSIONS",
		"TLS_CLIENT_AUTH", "TLS_CLIENT_CA_FILE", "MAX_HANDLER_FAILURES", "SERVER_NAME",
		"IDLE_SESSION_TIMEOUT", "FILTER_ALLOW_CIDRS",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadFromEnvDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("RUNTIME", "vm")
	t.Setenv("POD_NAMESPACE", "chat")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)

	assert.Equal(t, RuntimeVM, cfg.Root.Runtime)
	assert.Equal(t, "chat", cfg.Root.Namespace)
	assert.Equal(t, "8080", cfg.Root.HealthServerPort)

	want := DefaultServerConfig()
	assert.Equal(t, want.Name, cfg.Server.Name)
	assert.Equal(t, TransportTCP, cfg.Server.Transport)
	assert.Equal(t, ":2012", cfg.Server.ListenAddr)
	assert.Equal(t, 5*time.Minute, cfg.Server.IdleTimeout)
	assert.Equal(t, "TLS1.2;TLS1.3", cfg.Server.TLSVersions)
	assert.Equal(t, 720*time.Hour, cfg.Server.TLSRenewBefore)
	assert.Equal(t, TLSModeMemory, cfg.Server.TLSMode)
	assert.True(t, cfg.Server.TLSAutoGenerate)
}

func TestLoadFromEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("RUNTIME", "k8s")
	t.Setenv("SERVER_NAME", "chat")
	t.Setenv("TRANSPORT", "websocket")
	t.Setenv("IDLE_SESSION_TIMEOUT", "30s")
	t.Setenv("MAX_HANDLER_FAILURES", "3")
	t.Setenv("TLS_ENABLED", "true")
	t.Setenv("TLS_SECRET_NAME", "chat-tls")
	t.Setenv("FILTER_ALLOW_CIDRS", "10.0.0.0/8,192.168.0.0/16")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)

	assert.Equal(t, RuntimeKubernetes, cfg.Root.Runtime)
	assert.Equal(t, "chat", cfg.Server.Name)
	assert.Equal(t, TransportWebSocket, cfg.Server.Transport)
	assert.Equal(t, 30*time.Second, cfg.Server.IdleTimeout)
	assert.Equal(t, 3, cfg.Server.MaxHandlerFailures)
	assert.Equal(t, TLSModeKubernetes, cfg.Server.TLSMode, "secret name selects kubernetes mode")
	assert.Equal(t, []string{"10.0.0.0/8", "192.168.0.0/16"}, SplitList(cfg.Server.AllowCIDRs))
}

func TestLoadFromEnvRejectsInvalid(t *testing.T) {
	clearEnv(t)
	t.Setenv("TRANSPORT", "carrier-pigeon")
	_, err := LoadFromEnv()
	assert.Error(t, err)
}

func TestServerConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*ServerConfig)
		wantErr bool
	}{
		{"defaults", func(*ServerConfig) {}, false},
		{"empty name", func(c *ServerConfig) { c.Name = " " }, true},
		{"no listen addr", func(c *ServerConfig) { c.ListenAddr = "" }, true},
		{"negative failures", func(c *ServerConfig) { c.MaxHandlerFailures = -1 }, true},
		{"zero request length", func(c *ServerConfig) { c.MaxRequestLength = 0 }, true},
		{"negative grace", func(c *ServerConfig) { c.StopGracePeriod = -time.Second }, true},
		{"negative rate", func(c *ServerConfig) { c.RateLimit = -1 }, true},
		{"tls memory", func(c *ServerConfig) { c.TLSEnabled = true }, false},
		{"tls file without paths", func(c *ServerConfig) {
			c.TLSEnabled = true
			c.TLSMode = TLSModeFile
		}, true},
		{"tls secret without name", func(c *ServerConfig) {
			c.TLSEnabled = true
			c.TLSMode = TLSModeKubernetes
		}, true},
		{"tls bad version", func(c *ServerConfig) {
			c.TLSEnabled = true
			c.TLSVersions = "SSL3"
		}, true},
		{"tls client auth without CA", func(c *ServerConfig) {
			c.TLSEnabled = true
			c.TLSClientAuth = "require"
		}, true},
		{"tls settings ignored when disabled", func(c *ServerConfig) { c.TLSVersions = "SSL3" }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultServerConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSplitList(t *testing.T) {
	assert.Nil(t, SplitList(""))
	assert.Nil(t, SplitList("  "))
	assert.Equal(t, []string{"a", "b"}, SplitList(" a, ,b ,"))
}

func TestClientCAPEM(t *testing.T) {
	cfg := DefaultServerConfig()
	data, err := cfg.ClientCAPEM()
	require.NoError(t, err)
	assert.Nil(t, data)

	cfg.TLSClientCAFile = "/nonexistent/ca.pem"
	_, err = cfg.ClientCAPEM()
	assert.Error(t, err)
}
