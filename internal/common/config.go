// Package common provides shared utilities for the queue server: config
// loading, structured logging, version info, and the startup banner.
package common

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// Config holds all configuration for the queue server process.
type Config struct {
	Environment    string               `toml:"environment"`
	ControlChannel ControlChannelConfig `toml:"control_channel"`
	Storage        StorageConfig        `toml:"storage"`
	Allowed        AllowedConfig        `toml:"allowed"`
	Worker         WorkerConfig         `toml:"worker"`
	RunCatalog     RunCatalogConfig     `toml:"run_catalog"`
	Logging        LoggingConfig        `toml:"logging"`
}

// ControlChannelConfig holds the control-channel server's listen address and
// transport-security settings. TransportPrivateKey and JWTSecret guard two
// independent layers (NaCl box transport encryption vs. per-request identity
// tokens) and must never be set to the same value.
type ControlChannelConfig struct {
	Host                string `toml:"host"`
	Port                int    `toml:"port"`
	RequestTimeout      string `toml:"request_timeout"`
	TransportPrivateKey string `toml:"transport_private_key"`
	JWTSecret           string `toml:"jwt_secret"`
	JWTTokenRequired    bool   `toml:"jwt_token_required"`
}

// GetRequestTimeout parses and returns the per-request deadline.
func (c *ControlChannelConfig) GetRequestTimeout() time.Duration {
	d, err := time.ParseDuration(c.RequestTimeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// Addr formats the control channel's listen address.
func (c *ControlChannelConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// StorageConfig holds the durable KV store's on-disk location.
type StorageConfig struct {
	Path string `toml:"path"`
}

// AllowedConfig points at the allowed-items (plans/devices) TOML file.
type AllowedConfig struct {
	Path string `toml:"path"`
}

// WorkerConfig describes how to spawn the worker child process.
type WorkerConfig struct {
	Path string   `toml:"path"`
	Args []string `toml:"args"`
}

// RunCatalogConfig holds the optional external run-metadata catalog sink
// (a SurrealDB instance, left disabled by default).
type RunCatalogConfig struct {
	Enabled   bool   `toml:"enabled"`
	Address   string `toml:"address"`
	Username  string `toml:"username"`
	Password  string `toml:"password"`
	Namespace string `toml:"namespace"`
	Database  string `toml:"database"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string   `toml:"level" mapstructure:"level"`
	Format     string   `toml:"format" mapstructure:"format"`
	Outputs    []string `toml:"outputs" mapstructure:"outputs"`
	FilePath   string   `toml:"file_path" mapstructure:"file_path"`
	MaxSizeMB  int      `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int      `toml:"max_backups" mapstructure:"max_backups"`
}

// NewDefaultConfig returns a Config with sensible defaults.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		ControlChannel: ControlChannelConfig{
			Host:           "0.0.0.0",
			Port:           60615,
			RequestTimeout: "30s",
		},
		Storage: StorageConfig{
			Path: "data/queue-server",
		},
		Allowed: AllowedConfig{
			Path: "config/allowed-items.toml",
		},
		Worker: WorkerConfig{
			Path: "queue-worker",
		},
		RunCatalog: RunCatalogConfig{
			Enabled:   false,
			Namespace: "queueserver",
			Database:  "runs",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			Outputs:    []string{"console"},
			FilePath:   "./logs/queue-server.log",
			MaxSizeMB:  100,
			MaxBackups: 3,
		},
	}
}

// LoadConfig loads configuration from files with environment overrides.
// Later paths override earlier ones; missing files are skipped.
func LoadConfig(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for _, path := range paths {
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(config)
	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config. Only
// QSERVER_ZMQ_PRIVATE_KEY is named explicitly by the external contract
// (spec.md §6); the rest follow the same QSERVER_* convention.
// QSERVER_ZMQ_PRIVATE_KEY sets the NaCl transport key, never the JWT secret.
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("QSERVER_ENV"); env != "" {
		config.Environment = env
	}
	if host := os.Getenv("QSERVER_HOST"); host != "" {
		config.ControlChannel.Host = host
	}
	if port := os.Getenv("QSERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.ControlChannel.Port = p
		}
	}
	if level := os.Getenv("QSERVER_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if path := os.Getenv("QSERVER_DATA_PATH"); path != "" {
		config.Storage.Path = path
	}
	if key := os.Getenv("QSERVER_ZMQ_PRIVATE_KEY"); key != "" {
		config.ControlChannel.TransportPrivateKey = key
	}
	if path := os.Getenv("QSERVER_ALLOWED_ITEMS_PATH"); path != "" {
		config.Allowed.Path = path
	}
	if path := os.Getenv("QSERVER_WORKER_PATH"); path != "" {
		config.Worker.Path = path
	}
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}

// ResolveConfigPath applies the binary-dir/working-dir fallback order the
// queue server uses to find its TOML config file: an explicit path wins,
// then QSERVER_CONFIG, then a default relative to the binary, then a
// development-mode fallback relative to the working directory.
func ResolveConfigPath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if env := os.Getenv("QSERVER_CONFIG"); env != "" {
		return env
	}

	exe, err := os.Executable()
	if err == nil {
		candidate := filepath.Join(filepath.Dir(exe), "queue-server.toml")
		if _, statErr := os.Stat(candidate); statErr == nil {
			return candidate
		}
	}
	return "config/queue-server.toml"
}
