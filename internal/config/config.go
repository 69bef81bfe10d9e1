package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config is read from the same SYNTH_* environment variables the launcher
// exports, so the TUI can be started directly or through the CLI wrapper.
type Config struct {
	BackendURL      string        `envconfig:"SYNTH_BACKEND_URL" default:"https://api.synth.run"`
	APIKey          string        `envconfig:"SYNTH_API_KEY" default:""`
	JobID           string        `envconfig:"SYNTH_TUI_JOB_ID" default:""`
	RefreshInterval time.Duration `envconfig:"SYNTH_TUI_REFRESH_INTERVAL" default:"5s"`
	EventInterval   time.Duration `envconfig:"SYNTH_TUI_EVENT_INTERVAL" default:"2s"`
	JobListLimit    int           `envconfig:"SYNTH_TUI_LIMIT" default:"50"`
	EventHistory    int           `envconfig:"SYNTH_TUI_HISTORY_LIMIT" default:"2000"`
	DebugLogPath    string        `envconfig:"SYNTH_TUI_DEBUG_LOG" default:""`
}

var envKeys = []string{
	"SYNTH_BACKEND_URL",
	"SYNTH_API_KEY",
	"SYNTH_TUI_JOB_ID",
	"SYNTH_TUI_REFRESH_INTERVAL",
	"SYNTH_TUI_EVENT_INTERVAL",
	"SYNTH_TUI_LIMIT",
	"SYNTH_TUI_HISTORY_LIMIT",
	"SYNTH_TUI_DEBUG_LOG",
}

func Load() (*Config, error) {
	// An exported-but-empty variable falls back to its default instead of
	// failing the duration or int parse.
	for _, key := range envKeys {
		if value, ok := os.LookupEnv(key); ok && strings.TrimSpace(value) == "" {
			os.Unsetenv(key)
		}
	}

	cfg := new(Config)
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("read environment config: %w", err)
	}
	cfg.BackendURL = strings.TrimRight(strings.TrimSpace(cfg.BackendURL), "/")
	if cfg.BackendURL == "" {
		return nil, fmt.Errorf("SYNTH_BACKEND_URL must not be empty")
	}
	if cfg.RefreshInterval < time.Second {
		cfg.RefreshInterval = time.Second
	}
	if cfg.EventInterval < 500*time.Millisecond {
		cfg.EventInterval = 500 * time.Millisecond
	}
	if cfg.JobListLimit <= 0 {
		cfg.JobListLimit = 50
	}
	if cfg.EventHistory <= 0 {
		cfg.EventHistory = 2000
	}
	return cfg, nil
}
