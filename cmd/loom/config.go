package main

import (
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"

	"github.com/loomworks/loom/internal/tools"
)

// Config holds all loom server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath       string `json:"db_path"`
	LogLevel     string `json:"log_level"`
	PoolSize     int    `json:"pool_size"`
	DefaultModel string `json:"default_model"`
	Scheduler    bool   `json:"scheduler"`
	// MasterKey is the hex-encoded 32-byte vault key. Secrets
	// interpolation is disabled when empty.
	MasterKey string `json:"master_key"`
	// ToolServers are external MCP tool servers to launch at startup.
	ToolServers []tools.ProviderConfig `json:"tool_servers,omitempty"`
}

func defaultConfig() Config {
	return Config{
		DBPath:    filepath.Join(loomDir(), "loom.db"),
		LogLevel:  "info",
		PoolSize:  8,
		Scheduler: true,
	}
}

func loomDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".loom"
	}
	return filepath.Join(home, ".loom")
}

func settingsPath() string {
	return filepath.Join(loomDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("LOOM_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("LOOM_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("LOOM_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv("LOOM_DEFAULT_MODEL"); v != "" {
		cfg.DefaultModel = v
	}
	if v := os.Getenv("LOOM_SCHEDULER"); v != "" {
		cfg.Scheduler = v == "true" || v == "1"
	}
	if v := os.Getenv("LOOM_MASTER_KEY"); v != "" {
		cfg.MasterKey = v
	}

	return cfg
}

// masterKeyBytes decodes the configured vault key. Returns nil when no
// key is configured.
func (c Config) masterKeyBytes() ([]byte, error) {
	if c.MasterKey == "" {
		return nil, nil
	}
	return hex.DecodeString(c.MasterKey)
}
