package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// Load reads config from path (JSON5: comments and trailing commas allowed).
// A missing file yields defaults. Env overrides apply last.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides maps environment variables onto the config. Env wins
// over file values so deployments can keep one config and vary per host.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envPort := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if port, err := strconv.Atoi(v); err == nil && port > 0 {
				*dst = port
			}
		}
	}

	envStr("GOPYLON_ENV", &c.Env)

	// Relay
	envPort("PORT", &c.Relay.Port)
	envStr("GOPYLON_OAUTH_CLIENT_ID", &c.Relay.OAuth.ClientID)
	envStr("GOPYLON_TSNET_HOSTNAME", &c.Relay.Tailscale.Hostname)
	envStr("GOPYLON_TSNET_AUTH_KEY", &c.Relay.Tailscale.AuthKey)

	// Beacon
	envStr("GOPYLON_BEACON_HOST", &c.Beacon.Host)
	envPort("BEACON_PORT", &c.Beacon.Port)

	// Pylon
	envStr("GOPYLON_RELAY_URL", &c.Pylon.RelayURL)
	if v := os.Getenv("GOPYLON_DEVICE_INDEX"); v != "" {
		if idx, err := strconv.Atoi(v); err == nil && idx > 0 {
			c.Pylon.DeviceIndex = idx
		}
	}

	// Storage
	envStr("GOPYLON_POSTGRES_DSN", &c.Storage.PostgresDSN)
	if c.Storage.PostgresDSN != "" && c.Storage.Backend == "sqlite" {
		c.Storage.Backend = "postgres"
	}

	// Telemetry
	envStr("OTEL_EXPORTER_OTLP_ENDPOINT", &c.Telemetry.Endpoint)
	if v := os.Getenv("GOPYLON_TELEMETRY"); v == "true" || v == "1" {
		c.Telemetry.Enabled = true
	}
}

// Save writes config as indented JSON, creating parent dirs as needed.
// Fields tagged json:"-" (auth key, DSN) never reach disk.
func (c *Config) Save(path string) error {
	c.mu.RLock()
	data, err := json.MarshalIndent(c, "", "  ")
	c.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Hash returns a short fingerprint of the marshaled config, used to detect
// whether a watched file change actually altered anything.
func (c *Config) Hash() string {
	c.mu.RLock()
	data, _ := json.Marshal(c)
	c.mu.RUnlock()
	sum := sha256.Sum256(data)
	return fmt.Sprintf("%x", sum[:8])
}

const secretMask = "***"

// MaskedCopy returns a deep copy with secret values replaced, safe for
// logging and the doctor command.
func (c *Config) MaskedCopy() *Config {
	c.mu.RLock()
	data, err := json.Marshal(c)
	c.mu.RUnlock()
	if err != nil {
		return Default()
	}
	cp := &Config{}
	if err := json.Unmarshal(data, cp); err != nil {
		return Default()
	}
	maskNonEmpty(&cp.Relay.Tailscale.AuthKey)
	maskNonEmpty(&cp.Relay.OAuth.ClientID)
	maskNonEmpty(&cp.Storage.PostgresDSN)
	return cp
}

func maskNonEmpty(s *string) {
	if *s != "" {
		*s = secretMask
	}
}

// ExpandHome replaces a leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		if path == "~" {
			return home
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
