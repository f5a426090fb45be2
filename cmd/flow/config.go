package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds all flow CLI configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	WorkflowDir       string `json:"workflow_dir"`
	RunLogDir         string `json:"run_log_dir"`
	DBPath            string `json:"db_path"`
	LogLevel          string `json:"log_level"`
	MaxTransitions    int    `json:"max_transitions"`
	BranchConcurrency int    `json:"branch_concurrency"`
}

func defaultConfig() Config {
	return Config{
		WorkflowDir:       "./workflows",
		RunLogDir:         filepath.Join(flowDir(), "runs"),
		DBPath:            filepath.Join(flowDir(), "flow.db"),
		LogLevel:          "info",
		MaxTransitions:    1000,
		BranchConcurrency: 8,
	}
}

func flowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".flow"
	}
	return filepath.Join(home, ".flow")
}

func settingsPath() string {
	return filepath.Join(flowDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("FLOW_WORKFLOW_DIR"); v != "" {
		cfg.WorkflowDir = v
	}
	if v := os.Getenv("FLOW_RUN_LOG_DIR"); v != "" {
		cfg.RunLogDir = v
	}
	if v := os.Getenv("FLOW_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("FLOW_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("FLOW_MAX_TRANSITIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxTransitions = n
		}
	}
	if v := os.Getenv("FLOW_BRANCH_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.BranchConcurrency = n
		}
	}

	return cfg
}
