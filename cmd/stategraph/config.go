package main

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/rendis/stategraph/internal/scheduler"
)

// Config holds all stategraph server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	// Backend selects the checkpoint store: memory, file, dir, libsql, redis.
	Backend string `json:"backend"`
	DBPath  string `json:"db_path"`

	RedisAddr   string `json:"redis_addr"`
	RedisPrefix string `json:"redis_prefix"`

	// WorkflowsDir holds JSON graph definitions registered at startup.
	WorkflowsDir string `json:"workflows_dir"`

	LogLevel string `json:"log_level"`

	// PoolSize caps concurrent scheduled executions.
	PoolSize int `json:"pool_size"`

	// Jobs are cron-triggered workflow runs started with the server.
	Jobs []scheduler.Job `json:"jobs,omitempty"`
}

func defaultConfig() Config {
	return Config{
		Backend:      "memory",
		DBPath:       filepath.Join(stategraphDir(), "checkpoints.db"),
		RedisAddr:    "localhost:6379",
		RedisPrefix:  "stategraph",
		WorkflowsDir: filepath.Join(stategraphDir(), "workflows"),
		LogLevel:     "info",
		PoolSize:     10,
	}
}

func stategraphDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".stategraph"
	}
	return filepath.Join(home, ".stategraph")
}

func settingsPath() string {
	return filepath.Join(stategraphDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("STATEGRAPH_BACKEND"); v != "" {
		cfg.Backend = v
	}
	if v := os.Getenv("STATEGRAPH_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("STATEGRAPH_REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("STATEGRAPH_REDIS_PREFIX"); v != "" {
		cfg.RedisPrefix = v
	}
	if v := os.Getenv("STATEGRAPH_WORKFLOWS_DIR"); v != "" {
		cfg.WorkflowsDir = v
	}
	if v := os.Getenv("STATEGRAPH_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("STATEGRAPH_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}

	return cfg
}

func parseLogLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
