package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/coedit/mcpd/internal/engine"
	"github.com/coedit/mcpd/internal/mcp"
)

const (
	EnvInstanceID = "MCPD_INSTANCE_ID"
	EnvRemoteHost = "MCPD_REMOTE_HOST"
	EnvRemotePort = "MCPD_REMOTE_PORT"
	EnvLogLevel   = "MCPD_LOG_LEVEL"
	EnvLogFile    = "MCPD_LOG_FILE"
	EnvAdminAddr  = "MCPD_ADMIN_ADDR"
)

// Config is the process configuration surface, loaded from a TOML file with
// environment overrides.
type Config struct {
	InstanceID        string `toml:"instance_id"`
	ProjectRoot       string `toml:"project_root"`
	HistoryPath       string `toml:"history_path"`
	CoordinationPort  int    `toml:"coordination_port"`
	SyncIntervalMS    int    `toml:"sync_interval_ms"`
	MaxHistoryEntries int    `toml:"max_history_entries"`
	EncryptionEnabled bool   `toml:"encryption_enabled"`

	RemoteHost string `toml:"remote_host"`
	RemotePort int    `toml:"remote_port"`

	LogLevel    string `toml:"log_level"`
	LogFile     string `toml:"log_file"`
	MetricsFile string `toml:"metrics_file"`
	AdminAddr   string `toml:"admin_addr"`
}

func Default() Config {
	return Config{
		ProjectRoot:       ".",
		HistoryPath:       "./.mcpd/history.db",
		CoordinationPort:  15001,
		SyncIntervalMS:    1000,
		MaxHistoryEntries: 1000,
		EncryptionEnabled: true,
		RemoteHost:        "127.0.0.1",
		RemotePort:        15000,
		LogLevel:          "info",
	}
}

// Load reads the file at path (empty path skips the file), applies
// environment overrides, and validates. A missing instance id is generated.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config parse failed (%s): %w", path, err)
		}
	}
	ApplyEnv(&cfg)
	if strings.TrimSpace(cfg.InstanceID) == "" {
		cfg.InstanceID = engine.NewInstanceID()
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func ApplyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv(EnvInstanceID)); v != "" {
		cfg.InstanceID = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvRemoteHost)); v != "" {
		cfg.RemoteHost = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvRemotePort)); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.RemotePort = port
		}
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		cfg.LogLevel = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogFile)); v != "" {
		cfg.LogFile = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvAdminAddr)); v != "" {
		cfg.AdminAddr = v
	}
}

func Validate(cfg Config) error {
	if strings.TrimSpace(cfg.InstanceID) == "" {
		return fmt.Errorf("config missing instance_id")
	}
	if strings.TrimSpace(cfg.RemoteHost) == "" {
		return fmt.Errorf("config missing remote_host")
	}
	if cfg.RemotePort <= 0 || cfg.RemotePort > 65535 {
		return fmt.Errorf("config invalid remote_port: %d", cfg.RemotePort)
	}
	if cfg.CoordinationPort <= 0 || cfg.CoordinationPort > 65535 {
		return fmt.Errorf("config invalid coordination_port: %d", cfg.CoordinationPort)
	}
	if cfg.SyncIntervalMS <= 0 {
		return fmt.Errorf("config invalid sync_interval_ms: %d", cfg.SyncIntervalMS)
	}
	if cfg.MaxHistoryEntries <= 0 {
		return fmt.Errorf("config invalid max_history_entries: %d", cfg.MaxHistoryEntries)
	}
	return nil
}

// MCPClientConfig derives the protocol client configuration.
func (c Config) MCPClientConfig() mcp.Config {
	cfg := mcp.DefaultConfig()
	cfg.Host = c.RemoteHost
	cfg.Port = c.RemotePort
	cfg.InstanceID = c.InstanceID
	return cfg
}

// EngineConfig derives the engine initialization surface.
func (c Config) EngineConfig() engine.Config {
	return engine.Config{
		InstanceID:        c.InstanceID,
		ProjectRoot:       c.ProjectRoot,
		HistoryPath:       c.HistoryPath,
		CoordinationPort:  c.CoordinationPort,
		SyncInterval:      time.Duration(c.SyncIntervalMS) * time.Millisecond,
		MaxHistoryEntries: c.MaxHistoryEntries,
		EncryptionEnabled: c.EncryptionEnabled,
	}
}
