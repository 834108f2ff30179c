package server

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
)

// EnvPrefix prefixes every environment override: MLES_WEBSOCKET_SECTION_KEY
const EnvPrefix = "MLES_WEBSOCKET_"

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server   ServerSection   `toml:"server" envPrefix:"SERVER_"`
	Limits   LimitsSection   `toml:"limits" envPrefix:"LIMITS_"`
	Identity IdentitySection `toml:"identity" envPrefix:"IDENTITY_"`
	TLS      TLSSection      `toml:"tls" envPrefix:"TLS_"`
	Storage  StorageSection  `toml:"storage" envPrefix:"STORAGE_"`
}

type ServerSection struct {
	Mode           string `toml:"mode" env:"MODE"`
	HTTPPort       int    `toml:"http_port" env:"HTTP_PORT"`
	MetricsPort    int    `toml:"metrics_port" env:"METRICS_PORT"`
	StaticDir      string `toml:"static_dir" env:"STATIC_DIR"`
	BackendAddress string `toml:"backend_address" env:"BACKEND_ADDRESS"`
}

type LimitsSection struct {
	HistoryLimit   int `toml:"history_limit" env:"HISTORY_LIMIT"`
	PingIntervalMs int `toml:"ping_interval_ms" env:"PING_INTERVAL_MS"`
	OutboundQueue  int `toml:"outbound_queue" env:"OUTBOUND_QUEUE"`
	MaxMessageSize int `toml:"max_message_size" env:"MAX_MESSAGE_SIZE"`
}

type IdentitySection struct {
	Key     string `toml:"key" env:"KEY"`
	AddrKey string `toml:"addr_key" env:"ADDR_KEY"`
	Encrypt bool   `toml:"encrypt" env:"ENCRYPT"`
}

type TLSSection struct {
	Enabled   bool   `toml:"enabled" env:"ENABLED"`
	Domain    string `toml:"domain" env:"DOMAIN"`
	Email     string `toml:"email" env:"EMAIL"`
	CacheDir  string `toml:"cache_dir" env:"CACHE_DIR"`
	HTTPSPort int    `toml:"https_port" env:"HTTPS_PORT"`
	CertFile  string `toml:"cert_file" env:"CERT_FILE"`
	KeyFile   string `toml:"key_file" env:"KEY_FILE"`
}

type StorageSection struct {
	HistoryDB               string `toml:"history_db" env:"HISTORY_DB"`
	SnapshotIntervalSeconds int    `toml:"snapshot_interval_seconds" env:"SNAPSHOT_INTERVAL_SECONDS"`
}

// legacyIdentity holds the unprefixed variables older deployments set
type legacyIdentity struct {
	Key     string `env:"MLES_KEY"`
	AddrKey string `env:"MLES_ADDR_KEY"`
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	return TOMLConfig{
		Server: ServerSection{
			Mode:           string(ModeRelay),
			HTTPPort:       80,
			MetricsPort:    9090,
			StaticDir:      "./static",
			BackendAddress: "127.0.0.1:8077",
		},
		Limits: LimitsSection{
			HistoryLimit:   1000,
			PingIntervalMs: 12000,
			OutboundQueue:  1280,
			MaxMessageSize: 1024 * 1024,
		},
		TLS: TLSSection{
			CacheDir:  "~/.mles-websocket/certs",
			HTTPSPort: 443,
		},
		Storage: StorageSection{
			SnapshotIntervalSeconds: 30,
		},
	}
}

// expandHome expands a leading ~/ in path
func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, path[2:]), nil
}

// LoadConfig loads configuration from a TOML file, creates default if not found,
// and applies environment variable overrides
func LoadConfig(path string) (TOMLConfig, error) {
	path, err := expandHome(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	config := DefaultTOMLConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		// If we can't write, just run with defaults
		if err := writeDefaultConfig(path); err != nil {
			log.Printf("Could not write default config to %s: %v", path, err)
		}
	} else if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := applyEnvOverrides(&config); err != nil {
		return TOMLConfig{}, err
	}

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Environment variables follow the pattern: MLES_WEBSOCKET_SECTION_KEY
// Example: MLES_WEBSOCKET_SERVER_HTTP_PORT=8080
// MLES_KEY and MLES_ADDR_KEY override the identity section as well.
func applyEnvOverrides(config *TOMLConfig) error {
	if err := env.ParseWithOptions(config, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("failed to parse environment: %w", err)
	}

	var legacy legacyIdentity
	if err := env.Parse(&legacy); err != nil {
		return fmt.Errorf("failed to parse environment: %w", err)
	}
	if legacy.Key != "" {
		config.Identity.Key = legacy.Key
	}
	if legacy.AddrKey != "" {
		config.Identity.AddrKey = legacy.AddrKey
	}
	return nil
}

// writeDefaultConfig writes the default config to a file with all options documented
func writeDefaultConfig(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	content := `# Mles WebSocket Proxy Configuration
# This file was auto-generated with default values
# Restart the proxy for changes to take effect
#
# Environment variables can override these settings:
# MLES_WEBSOCKET_SECTION_KEY (e.g., MLES_WEBSOCKET_SERVER_HTTP_PORT=8080)
# MLES_KEY and MLES_ADDR_KEY are also honoured for the identity section

[server]
# "relay": every WebSocket session gets its own backend connection
# "hub":   sessions are fanned out in-process, with optional backend uplink
mode = "relay"

# Port for WebSocket upgrades and static files
http_port = 80

# Port for /metrics and /health (internal only)
metrics_port = 9090

# Directory served for non-WebSocket requests
static_dir = "./static"

# Mles server address. In hub mode, leave empty to disable the uplink
backend_address = "127.0.0.1:8077"

[limits]
# Messages retained per channel for replay to new hub sessions
history_limit = 1000

# WebSocket ping interval; two missed pongs close the session
ping_interval_ms = 12000

# Per-session outbound queue length (keep above history_limit)
outbound_queue = 1280

# Largest accepted WebSocket message in bytes
max_message_size = 1048576

[identity]
# Shared routing key. When set it replaces the local address identity
# key = ""

# Extra component hashed with the local address when key is unset
# addr_key = ""

# Encrypt identifiers and message bodies on the backend connection
encrypt = false

[tls]
# Obtain a certificate from Let's Encrypt and serve HTTPS
enabled = false
# domain = "mles.example.com"
# email = "admin@example.com"
cache_dir = "~/.mles-websocket/certs"
https_port = 443

# Use existing certificate files instead of ACME
# cert_file = ""
# key_file = ""

[storage]
# SQLite file for hub history persistence (empty = memory only)
# history_db = "~/.mles-websocket/history.db"
snapshot_interval_seconds = 30
`

	if _, err := f.WriteString(content); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// ToServerConfig converts TOMLConfig to ServerConfig
func (c *TOMLConfig) ToServerConfig() (ServerConfig, error) {
	cfg := DefaultConfig()

	if c.Server.Mode != "" {
		mode, err := ParseMode(c.Server.Mode)
		if err != nil {
			return ServerConfig{}, err
		}
		cfg.Mode = mode
	}
	if c.Server.HTTPPort != 0 {
		cfg.HTTPPort = c.Server.HTTPPort
	}
	if c.Server.MetricsPort != 0 {
		cfg.MetricsPort = c.Server.MetricsPort
	}
	if strings.TrimSpace(c.Server.StaticDir) != "" {
		cfg.StaticDir = c.Server.StaticDir
	}
	cfg.BackendAddress = strings.TrimSpace(c.Server.BackendAddress)

	if c.Limits.HistoryLimit != 0 {
		cfg.HistoryLimit = c.Limits.HistoryLimit
	}
	if c.Limits.PingIntervalMs != 0 {
		cfg.PingInterval = time.Duration(c.Limits.PingIntervalMs) * time.Millisecond
	}
	if c.Limits.OutboundQueue != 0 {
		cfg.OutboundQueue = c.Limits.OutboundQueue
	}
	if c.Limits.MaxMessageSize != 0 {
		cfg.MaxMessageSize = int64(c.Limits.MaxMessageSize)
	}

	cfg.SharedKey = c.Identity.Key
	cfg.AddrKey = c.Identity.AddrKey
	cfg.Encrypt = c.Identity.Encrypt

	cfg.TLSEnabled = c.TLS.Enabled
	cfg.Domain = c.TLS.Domain
	cfg.Email = c.TLS.Email
	if c.TLS.HTTPSPort != 0 {
		cfg.HTTPSPort = c.TLS.HTTPSPort
	}
	var err error
	if cfg.CertCacheDir, err = expandHome(c.TLS.CacheDir); err != nil {
		return ServerConfig{}, err
	}
	if cfg.CertFile, err = expandHome(c.TLS.CertFile); err != nil {
		return ServerConfig{}, err
	}
	if cfg.KeyFile, err = expandHome(c.TLS.KeyFile); err != nil {
		return ServerConfig{}, err
	}

	if cfg.HistoryDBPath, err = expandHome(c.Storage.HistoryDB); err != nil {
		return ServerConfig{}, err
	}
	if c.Storage.SnapshotIntervalSeconds != 0 {
		cfg.SnapshotInterval = time.Duration(c.Storage.SnapshotIntervalSeconds) * time.Second
	}

	return cfg, cfg.Validate()
}
