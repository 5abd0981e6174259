package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds all loom server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	ListenAddr       string `json:"listen_addr"`
	DBPath           string `json:"db_path"`
	LogLevel         string `json:"log_level"`
	PoolSize         int    `json:"pool_size"`
	QueueConcurrency int    `json:"queue_concurrency"`
	LeaseTimeoutSec  int    `json:"lease_timeout_sec"`
	SweepCron        string `json:"sweep_cron"`
	MCP              bool   `json:"mcp"`
	LocalProviders   bool   `json:"local_providers"`
}

func defaultConfig() Config {
	return Config{
		ListenAddr:       ":4200",
		DBPath:           filepath.Join(loomDir(), "loom.db"),
		LogLevel:         "info",
		PoolSize:         16,
		QueueConcurrency: 4,
		LeaseTimeoutSec:  60,
		SweepCron:        "* * * * *",
		LocalProviders:   true,
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
	return loadConfigFrom(settingsPath())
}

func loadConfigFrom(path string) Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(path); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("LOOM_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
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
	if v := os.Getenv("LOOM_QUEUE_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.QueueConcurrency = n
		}
	}
	if v := os.Getenv("LOOM_LEASE_TIMEOUT_SEC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.LeaseTimeoutSec = n
		}
	}
	if v := os.Getenv("LOOM_SWEEP_CRON"); v != "" {
		cfg.SweepCron = v
	}
	if v := os.Getenv("LOOM_MCP"); v != "" {
		cfg.MCP = v == "true" || v == "1"
	}
	if v := os.Getenv("LOOM_LOCAL_PROVIDERS"); v != "" {
		cfg.LocalProviders = v == "true" || v == "1"
	}

	return cfg
}
