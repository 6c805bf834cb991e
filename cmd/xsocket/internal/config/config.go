package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hasirciogluhq/xsocket/cmd/xsocket/internal/security"
	"github.com/joeshaw/envdecode"
)

// RuntimeEnvironment represents the execution environment
type RuntimeEnvironment string

const (
	RuntimeKubernetes RuntimeEnvironment = "kubernetes"
	RuntimeContainer  RuntimeEnvironment = "container"
	RuntimeVM         RuntimeEnvironment = "vm"
)

// TransportKind selects the stream transport sessions are accepted on.
type TransportKind string

const (
	TransportTCP       TransportKind = "tcp"
	TransportWebSocket TransportKind = "websocket"
)

// TLSMode represents TLS certificate source
type TLSMode string

const (
	TLSModeFile       TLSMode = "file"
	TLSModeKubernetes TLSMode = "kubernetes"
	TLSModeMemory     TLSMode = "memory"
)

// Config holds all application configuration
type Config struct {
	Root   RootConfig
	Server ServerConfig
}

// RootConfig is process-wide configuration shared by every server instance.
type RootConfig struct {
	Debug            bool   `env:"DEBUG,default=false"`
	HealthServerPort string `env:"HEALTH_SERVER_PORT,default=8080"`

	// Runtime
	Runtime        RuntimeEnvironment
	Namespace      string `env:"NAMESPACE"`
	KubeConfigPath string `env:"KUBECONFIG"`
	KubeContext    string `env:"KUBE_CONTEXT"`
}

// ServerConfig is the configuration of one socket server instance.
type ServerConfig struct {
	Name          string        `env:"SERVER_NAME,default=xsocket"`
	Transport     TransportKind `env:"TRANSPORT,default=tcp"`
	ListenAddr    string        `env:"LISTEN_ADDR,default=:2012"`
	WebSocketPath string        `env:"WEBSOCKET_PATH,default=/ws"`
	// TrustForwardedFor makes the WebSocket transport report the first
	// X-Forwarded-For address as the peer address.
	TrustForwardedFor bool `env:"TRUST_FORWARDED_FOR,default=false"`
	// WebSocketOrigins is a comma separated list of accepted Origin hosts.
	// Empty accepts any origin.
	WebSocketOrigins string `env:"WEBSOCKET_ORIGINS"`

	// Limits
	MaxConnections     int           `env:"MAX_CONNECTIONS,default=1000"`
	MaxRequestLength   int           `env:"MAX_REQUEST_LENGTH,default=4096"`
	KeepAlive          time.Duration `env:"KEEP_ALIVE,default=30s"`
	IdleTimeout        time.Duration `env:"IDLE_SESSION_TIMEOUT,default=5m"`
	ClearIdleInterval  time.Duration `env:"CLEAR_IDLE_SESSION_INTERVAL,default=2m"`
	StopGracePeriod    time.Duration `env:"STOP_GRACE_PERIOD,default=5s"`
	MaxHandlerFailures int           `env:"MAX_HANDLER_FAILURES,default=0"`

	// TLS Configuration
	TLSEnabled          bool `env:"TLS_ENABLED,default=false"`
	TLSMode             TLSMode
	TLSCertFile         string        `env:"TLS_CERT_FILE"`
	TLSKeyFile          string        `env:"TLS_KEY_FILE"`
	TLSSecretName       string        `env:"TLS_SECRET_NAME"`
	TLSAutoGenerate     bool          `env:"TLS_AUTO_GENERATE,default=true"`
	TLSHosts            string        `env:"TLS_HOSTS"`
	TLSRenewBefore      time.Duration `env:"TLS_RENEW_BEFORE,default=720h"`
	TLSVersions         string        `env:"TLS_VERSIONS,default=TLS1.2;TLS1.3"`
	TLSClientAuth       string        `env:"TLS_CLIENT_AUTH,default=none"`
	TLSClientCAFile     string        `env:"TLS_CLIENT_CA_FILE"`
	TLSHandshakeTimeout time.Duration `env:"TLS_HANDSHAKE_TIMEOUT,default=10s"`

	// Connection filters
	RejectLoopback    bool    `env:"FILTER_REJECT_LOOPBACK,default=false"`
	AllowCIDRs        string  `env:"FILTER_ALLOW_CIDRS"`
	DenyCIDRs         string  `env:"FILTER_DENY_CIDRS"`
	BlocklistFile     string  `env:"FILTER_BLOCKLIST_FILE"`
	RateLimit         float64 `env:"FILTER_RATE_LIMIT,default=0"`
	RateBurst         int     `env:"FILTER_RATE_BURST,default=10"`
	RedisAddr         string  `env:"FILTER_REDIS_ADDR"`
	RedisBlocklistKey string  `env:"FILTER_REDIS_BLOCKLIST_KEY,default=xsocket:blocklist"`
	PodSelector       string  `env:"FILTER_POD_SELECTOR"`
}

// Default returns a configuration with the same defaults LoadFromEnv applies
// when no environment variable is set.
func Default() *Config {
	return &Config{
		Root: RootConfig{
			HealthServerPort: "8080",
			Runtime:          RuntimeVM,
			Namespace:        "default",
		},
		Server: *DefaultServerConfig(),
	}
}

// DefaultServerConfig returns the default per-instance configuration.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Name:                "xsocket",
		Transport:           TransportTCP,
		ListenAddr:          ":2012",
		WebSocketPath:       "/ws",
		MaxConnections:      1000,
		MaxRequestLength:    4096,
		KeepAlive:           30 * time.Second,
		IdleTimeout:         5 * time.Minute,
		ClearIdleInterval:   2 * time.Minute,
		StopGracePeriod:     5 * time.Second,
		TLSMode:             TLSModeMemory,
		TLSAutoGenerate:     true,
		TLSRenewBefore:      30 * 24 * time.Hour,
		TLSVersions:         "TLS1.2;TLS1.3",
		TLSClientAuth:       "none",
		TLSHandshakeTimeout: 10 * time.Second,
		RateBurst:           10,
		RedisBlocklistKey:   "xsocket:blocklist",
	}
}

// LoadFromEnv loads configuration from environment variables
func LoadFromEnv() (*Config, error) {
	cfg := &Config{}
	if err := envdecode.Decode(cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("failed to decode environment: %w", err)
	}

	// Runtime - Auto-detect or explicit
	cfg.Root.Runtime = determineRuntime()
	if cfg.Root.Namespace == "" {
		cfg.Root.Namespace = determineNamespace()
	}
	cfg.Server.TLSMode = determineTLSMode()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate ensures configuration is coherent
func (c *Config) Validate() error {
	return c.Server.Validate()
}

// Validate ensures the server instance configuration is coherent.
func (c *ServerConfig) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("SERVER_NAME must not be empty")
	}

	switch c.Transport {
	case TransportTCP, TransportWebSocket:
	default:
		return fmt.Errorf("unsupported TRANSPORT: %s (supported: %s, %s)", c.Transport, TransportTCP, TransportWebSocket)
	}

	if c.ListenAddr == "" {
		return fmt.Errorf("LISTEN_ADDR must be set")
	}
	if c.MaxConnections < 0 {
		return fmt.Errorf("MAX_CONNECTIONS must not be negative")
	}
	if c.MaxRequestLength <= 0 {
		return fmt.Errorf("MAX_REQUEST_LENGTH must be positive")
	}
	if c.MaxHandlerFailures < 0 {
		return fmt.Errorf("MAX_HANDLER_FAILURES must not be negative")
	}
	if c.IdleTimeout < 0 || c.ClearIdleInterval < 0 || c.StopGracePeriod < 0 || c.TLSRenewBefore < 0 {
		return fmt.Errorf("durations must not be negative")
	}

	// TLS validation only if TLS is enabled
	if c.TLSEnabled {
		switch c.TLSMode {
		case TLSModeFile:
			if c.TLSCertFile == "" || c.TLSKeyFile == "" {
				return fmt.Errorf("TLS_CERT_FILE and TLS_KEY_FILE must be set when using file-based TLS")
			}
		case TLSModeKubernetes:
			if c.TLSSecretName == "" {
				return fmt.Errorf("TLS_SECRET_NAME must be set when using kubernetes TLS mode")
			}
		case TLSModeMemory:
		default:
			return fmt.Errorf("unknown TLS mode: %s", c.TLSMode)
		}

		if _, err := security.ParseVersions(c.TLSVersions); err != nil {
			return fmt.Errorf("invalid TLS_VERSIONS: %w", err)
		}
		policy, err := security.ParseClientAuth(c.TLSClientAuth)
		if err != nil {
			return fmt.Errorf("invalid TLS_CLIENT_AUTH: %w", err)
		}
		if policy.VerifiesCertificates() && c.TLSClientCAFile == "" {
			return fmt.Errorf("TLS_CLIENT_CA_FILE must be set when TLS_CLIENT_AUTH=%s", c.TLSClientAuth)
		}
	}

	if c.RateLimit < 0 {
		return fmt.Errorf("FILTER_RATE_LIMIT must not be negative")
	}

	return nil
}

// ClientCAPEM reads the configured client CA bundle, if any.
func (c *ServerConfig) ClientCAPEM() ([]byte, error) {
	if c.TLSClientCAFile == "" {
		return nil, nil
	}
	data, err := os.ReadFile(c.TLSClientCAFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read client CA file %s: %w", c.TLSClientCAFile, err)
	}
	return data, nil
}

// SplitList splits a comma separated setting, dropping empty items.
func SplitList(value string) []string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	var items []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			items = append(items, part)
		}
	}
	return items
}

func determineRuntime() RuntimeEnvironment {
	// Explicit runtime setting
	if runtime := os.Getenv("RUNTIME"); runtime != "" {
		switch strings.ToLower(runtime) {
		case "kubernetes", "k8s":
			return RuntimeKubernetes
		case "container", "docker":
			return RuntimeContainer
		case "vm", "virtual-machine", "bare-metal":
			return RuntimeVM
		}
	}

	// Auto-detect: Check if running in Kubernetes
	if _, err := os.Stat("/var/run/secrets/kubernetes.io/serviceaccount"); err == nil {
		return RuntimeKubernetes
	}

	// Auto-detect: Check if running in container
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return RuntimeContainer
	}

	return RuntimeVM
}

func determineNamespace() string {
	// Kubernetes downward API
	if ns := os.Getenv("POD_NAMESPACE"); ns != "" {
		return ns
	}

	// Read from service account (in-cluster)
	if data, err := os.ReadFile("/var/run/secrets/kubernetes.io/serviceaccount/namespace"); err == nil {
		return strings.TrimSpace(string(data))
	}

	return "default"
}

func determineTLSMode() TLSMode {
	// Explicit mode
	if mode := os.Getenv("TLS_MODE"); mode != "" {
		switch strings.ToLower(mode) {
		case "file", "filesystem":
			return TLSModeFile
		case "kubernetes", "k8s", "secret":
			return TLSModeKubernetes
		case "memory", "in-memory":
			return TLSModeMemory
		}
		return TLSMode(mode)
	}

	// Auto-detect based on configuration
	if os.Getenv("TLS_CERT_FILE") != "" {
		return TLSModeFile
	}

	if os.Getenv("TLS_SECRET_NAME") != "" {
		return TLSModeKubernetes
	}

	return TLSModeMemory
}
