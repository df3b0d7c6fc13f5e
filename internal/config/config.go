package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Config is the shared configuration for every gopylon service. One file
// serves all subcommands; each reads only its own section.
type Config struct {
	Env       string          `json:"env,omitempty"` // "release" | "stage" | "dev"
	Relay     RelayConfig     `json:"relay"`
	Beacon    BeaconConfig    `json:"beacon"`
	Pylon     PylonConfig     `json:"pylon"`
	Storage   StorageConfig   `json:"storage,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	mu        sync.RWMutex
}

// RelayConfig configures the WebSocket hub.
type RelayConfig struct {
	Host               string          `json:"host,omitempty"`                 // default "0.0.0.0"
	Port               int             `json:"port,omitempty"`                 // env PORT, flag --port/-p override
	Pylons             []PylonACL      `json:"pylons,omitempty"`               // per-deviceIndex IP whitelist
	OAuth              OAuthConfig     `json:"oauth,omitempty"`                // optional Google sign-in for apps
	ViewerAllowedTypes []string        `json:"viewer_allowed_types,omitempty"` // routed types viewers may send
	RateLimit          RateLimitConfig `json:"rate_limit,omitempty"`
	Tailscale          TailscaleConfig `json:"tailscale,omitempty"`
}

// PylonACL whitelists source IPs for one pylon deviceIndex.
type PylonACL struct {
	DeviceIndex int      `json:"deviceIndex"`
	AllowedIPs  []string `json:"allowedIPs"`
}

// OAuthConfig enables Google token verification for app clients. When
// ClientID is empty, apps are admitted without a token.
type OAuthConfig struct {
	ClientID      string   `json:"client_id,omitempty"` // also env GOPYLON_OAUTH_CLIENT_ID
	AllowedEmails []string `json:"allowed_emails,omitempty"`
}

// RateLimitConfig bounds inbound frames per relay connection.
type RateLimitConfig struct {
	PerSecond float64 `json:"per_second,omitempty"` // default 50
	Burst     int     `json:"burst,omitempty"`      // default 100
}

// TailscaleConfig configures the optional tsnet listener for the relay.
// Requires building with -tags tsnet. Auth key from env only (never persisted).
type TailscaleConfig struct {
	Hostname  string `json:"hostname,omitempty"`  // machine name (e.g. "gopylon-relay")
	StateDir  string `json:"state_dir,omitempty"` // default: <config dir>/tsnet
	AuthKey   string `json:"-"`                   // from env GOPYLON_TSNET_AUTH_KEY only
	Ephemeral bool   `json:"ephemeral,omitempty"`
}

// BeaconConfig configures the TCP multiplexer. Port honors env BEACON_PORT.
type BeaconConfig struct {
	Host string `json:"host,omitempty"` // default "127.0.0.1"
	Port int    `json:"port,omitempty"` // default 9875
}

// PylonConfig configures one worker process.
type PylonConfig struct {
	DeviceIndex int    `json:"deviceIndex,omitempty"` // 1..15, default 1
	RelayURL    string `json:"relay_url,omitempty"`   // ws:// endpoint of the relay
	McpHost     string `json:"mcp_host,omitempty"`    // advertised tool-server host
	McpPort     int    `json:"mcp_port,omitempty"`    // advertised tool-server port
	DataDir     string `json:"data_dir,omitempty"`    // default: the config dir
}

// StorageConfig selects the message-store backend.
type StorageConfig struct {
	Backend             string `json:"backend,omitempty"`              // "sqlite" (default) | "postgres" | "file"
	PostgresDSN         string `json:"-"`                              // from env GOPYLON_POSTGRES_DSN only
	MaintenanceSchedule string `json:"maintenance_schedule,omitempty"` // cron expr, default "0 3 * * *"
}

// TelemetryConfig configures OpenTelemetry trace export.
// OTLP export is compiled behind the otel build tag.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"`     // e.g. "localhost:4317", "https://otel.example.com:4318"
	Protocol    string            `json:"protocol,omitempty"`     // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`     // skip TLS (local dev)
	ServiceName string            `json:"service_name,omitempty"` // default "gopylon"
	Headers     map[string]string `json:"headers,omitempty"`
}

// Default returns a Config with compiled-in defaults.
func Default() *Config {
	return &Config{
		Env: "dev",
		Relay: RelayConfig{
			Host:               "0.0.0.0",
			Port:               9870,
			ViewerAllowedTypes: []string{"share_history"},
			RateLimit:          RateLimitConfig{PerSecond: 50, Burst: 100},
		},
		Beacon: BeaconConfig{
			Host: "127.0.0.1",
			Port: 9875,
		},
		Pylon: PylonConfig{
			DeviceIndex: 1,
			RelayURL:    "ws://127.0.0.1:9870",
			McpHost:     "127.0.0.1",
			McpPort:     9878,
		},
		Storage: StorageConfig{
			Backend:             "sqlite",
			MaintenanceSchedule: "0 3 * * *",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "gopylon",
			Protocol:    "grpc",
		},
	}
}

// Dir resolves the config/data root: $CLAUDE_CONFIG_DIR or ~/.gopylon.
func Dir() string {
	if v := os.Getenv("CLAUDE_CONFIG_DIR"); v != "" {
		return ExpandHome(v)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".gopylon"
	}
	return filepath.Join(home, ".gopylon")
}

// DefaultPath returns the config file location under Dir().
func DefaultPath() string {
	return filepath.Join(Dir(), "config.json")
}

// DataDir resolves the pylon data directory (falls back to Dir()).
func (c *Config) DataDir() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Pylon.DataDir != "" {
		return ExpandHome(c.Pylon.DataDir)
	}
	return Dir()
}

// ValidatePort checks the 1..65535 range shared by CLI flags and env
// overrides.
func ValidatePort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("port %d out of range 1..65535", port)
	}
	return nil
}

// RelayAddr returns the relay listen address.
func (c *Config) RelayAddr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return fmt.Sprintf("%s:%d", c.Relay.Host, c.Relay.Port)
}

// BeaconAddr returns the beacon dial address.
func (c *Config) BeaconAddr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return fmt.Sprintf("%s:%d", c.Beacon.Host, c.Beacon.Port)
}

// ToolServerAddr returns the worker tool-server listen address.
func (c *Config) ToolServerAddr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return fmt.Sprintf("%s:%d", c.Pylon.McpHost, c.Pylon.McpPort)
}
