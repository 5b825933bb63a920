package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rendis/gofer/pkg/worker"
)

// Config holds all gofer worker configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	WorkerName        string `json:"worker_name"`
	ServerURL         string `json:"server_url"`
	TenantID          string `json:"tenant_id"`
	DBPath            string `json:"db_path"`
	LogLevel          string `json:"log_level"`
	LogFormat         string `json:"log_format"`
	MaxRuns           int    `json:"max_runs"`
	GracePeriod       string `json:"grace_period"`
	DrainInterval     string `json:"drain_interval"`
	RetentionSchedule string `json:"retention_schedule"`
	RetentionMaxAge   string `json:"retention_max_age"`
	ActionsFile       string `json:"actions_file"`
}

func defaultConfig() Config {
	return Config{
		WorkerName:  "gofer-worker",
		DBPath:      filepath.Join(goferDir(), "journal.db"),
		LogLevel:    "info",
		LogFormat:   "text",
		MaxRuns:     100,
		GracePeriod: "1s",
	}
}

func goferDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".gofer"
	}
	return filepath.Join(home, ".gofer")
}

func settingsPath() string {
	return filepath.Join(goferDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()
	mergeSettings(&cfg, settingsPath())
	applyEnv(&cfg)
	return cfg
}

// mergeSettings overlays the JSON settings file onto cfg, ignoring a
// missing file.
func mergeSettings(cfg *Config, path string) {
	if data, err := os.ReadFile(path); err == nil {
		_ = json.Unmarshal(data, cfg)
	}
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("GOFER_WORKER_NAME"); v != "" {
		cfg.WorkerName = v
	}
	if v := os.Getenv("GOFER_SERVER_URL"); v != "" {
		cfg.ServerURL = v
	}
	if v := os.Getenv("GOFER_TENANT_ID"); v != "" {
		cfg.TenantID = v
	}
	if v := os.Getenv("GOFER_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("GOFER_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("GOFER_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("GOFER_MAX_RUNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxRuns = n
		}
	}
	if v := os.Getenv("GOFER_GRACE_PERIOD"); v != "" {
		cfg.GracePeriod = v
	}
	if v := os.Getenv("GOFER_DRAIN_INTERVAL"); v != "" {
		cfg.DrainInterval = v
	}
	if v := os.Getenv("GOFER_RETENTION_SCHEDULE"); v != "" {
		cfg.RetentionSchedule = v
	}
	if v := os.Getenv("GOFER_RETENTION_MAX_AGE"); v != "" {
		cfg.RetentionMaxAge = v
	}
	if v := os.Getenv("GOFER_ACTIONS_FILE"); v != "" {
		cfg.ActionsFile = v
	}
}

// workerConfig converts the file/env representation into worker.Config.
// Malformed durations fall back to the worker defaults.
func (c Config) workerConfig() worker.Config {
	return worker.Config{
		Name:              c.WorkerName,
		MaxRuns:           c.MaxRuns,
		GracePeriod:       parseDuration(c.GracePeriod),
		DrainInterval:     parseDuration(c.DrainInterval),
		ServerURL:         c.ServerURL,
		TenantID:          c.TenantID,
		JournalPath:       journalURI(c.DBPath),
		RetentionSchedule: c.RetentionSchedule,
		RetentionMaxAge:   parseDuration(c.RetentionMaxAge),
	}
}

func parseDuration(s string) time.Duration {
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}

// journalURI turns a plain filesystem path into the file URI the journal
// driver expects. Paths that already carry a scheme pass through.
func journalURI(path string) string {
	if path == "" || strings.Contains(path, ":") {
		return path
	}
	return "file:" + path
}

