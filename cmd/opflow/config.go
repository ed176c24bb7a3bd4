package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all opflow server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	ListenAddr string `json:"listen_addr"`
	DBPath     string `json:"db_path"`
	LogLevel   string `json:"log_level"`
	PoolSize   int    `json:"pool_size"`
	QueueSize  int    `json:"queue_size"`

	SchedulerTickMs int64  `json:"scheduler_tick_ms"`
	Timezone        string `json:"timezone"`

	ActivationThreshold float64 `json:"activation_threshold"`
	ConfidenceFormula   string  `json:"confidence_formula"`

	DefaultAgent      string `json:"default_agent"`
	AgentURL          string `json:"agent_url"`
	AgentTimeoutMs    int64  `json:"agent_timeout_ms"`
	BreakerThreshold  int    `json:"breaker_threshold"`
	BreakerCooldownMs int64  `json:"breaker_cooldown_ms"`

	MCPStdio  bool   `json:"mcp_stdio"`
	ImportDir string `json:"import_dir"`
}

func defaultConfig() Config {
	return Config{
		ListenAddr:        ":4200",
		DBPath:            filepath.Join(opflowDir(), "opflow.db"),
		LogLevel:          "info",
		PoolSize:          10,
		QueueSize:         256,
		SchedulerTickMs:   15_000,
		Timezone:          "UTC",
		DefaultAgent:      "echo",
		AgentTimeoutMs:    60_000,
		BreakerThreshold:  5,
		BreakerCooldownMs: 30_000,
	}
}

func opflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".opflow"
	}
	return filepath.Join(home, ".opflow")
}

func settingsPath() string {
	return filepath.Join(opflowDir(), "settings.json")
}

func pidPath() string {
	return filepath.Join(opflowDir(), "opflow.pid")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	envString("OPFLOW_LISTEN_ADDR", &cfg.ListenAddr)
	envString("OPFLOW_DB_PATH", &cfg.DBPath)
	envString("OPFLOW_LOG_LEVEL", &cfg.LogLevel)
	envInt("OPFLOW_POOL_SIZE", &cfg.PoolSize)
	envInt("OPFLOW_QUEUE_SIZE", &cfg.QueueSize)
	envInt64("OPFLOW_SCHEDULER_TICK_MS", &cfg.SchedulerTickMs)
	envString("OPFLOW_TIMEZONE", &cfg.Timezone)
	if v := os.Getenv("OPFLOW_ACTIVATION_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.ActivationThreshold = f
		}
	}
	envString("OPFLOW_CONFIDENCE_FORMULA", &cfg.ConfidenceFormula)
	envString("OPFLOW_DEFAULT_AGENT", &cfg.DefaultAgent)
	envString("OPFLOW_AGENT_URL", &cfg.AgentURL)
	envInt64("OPFLOW_AGENT_TIMEOUT_MS", &cfg.AgentTimeoutMs)
	envInt("OPFLOW_BREAKER_THRESHOLD", &cfg.BreakerThreshold)
	envInt64("OPFLOW_BREAKER_COOLDOWN_MS", &cfg.BreakerCooldownMs)
	if v := os.Getenv("OPFLOW_MCP_STDIO"); v != "" {
		cfg.MCPStdio = v == "true" || v == "1"
	}
	envString("OPFLOW_IMPORT_DIR", &cfg.ImportDir)

	return cfg
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envInt64(key string, dst *int64) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

// location resolves Timezone, falling back to UTC.
func (c Config) location() *time.Location {
	if c.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// configDiff describes what changed between two configurations.
type configDiff struct {
	LogLevelChanged bool
	RestartNeeded   []string // fields that require a server restart
}

func diffConfigs(old, new Config) configDiff {
	var d configDiff
	if old.LogLevel != new.LogLevel {
		d.LogLevelChanged = true
	}
	restart := []struct {
		name    string
		changed bool
	}{
		{"listen_addr", old.ListenAddr != new.ListenAddr},
		{"db_path", old.DBPath != new.DBPath},
		{"pool_size", old.PoolSize != new.PoolSize},
		{"queue_size", old.QueueSize != new.QueueSize},
		{"scheduler_tick_ms", old.SchedulerTickMs != new.SchedulerTickMs},
		{"timezone", old.Timezone != new.Timezone},
		{"activation_threshold", old.ActivationThreshold != new.ActivationThreshold},
		{"confidence_formula", old.ConfidenceFormula != new.ConfidenceFormula},
		{"default_agent", old.DefaultAgent != new.DefaultAgent},
		{"agent_url", old.AgentURL != new.AgentURL},
		{"agent_timeout_ms", old.AgentTimeoutMs != new.AgentTimeoutMs},
		{"breaker_threshold", old.BreakerThreshold != new.BreakerThreshold},
		{"breaker_cooldown_ms", old.BreakerCooldownMs != new.BreakerCooldownMs},
		{"mcp_stdio", old.MCPStdio != new.MCPStdio},
		{"import_dir", old.ImportDir != new.ImportDir},
	}
	for _, f := range restart {
		if f.changed {
			d.RestartNeeded = append(d.RestartNeeded, f.name)
		}
	}
	return d
}
