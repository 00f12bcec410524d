// Package config provides configuration management for Headstart.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the Headstart server.
type Config struct {
	// ServerAddr is the address the HTTP server listens on (e.g., ":7090").
	ServerAddr string

	// DataDir is the directory for persistent data (SQLite DB, etc.).
	DataDir string

	// DatabasePath is the full path to the SQLite database file.
	DatabasePath string

	// AgentURL is the base address of the upstream generation service.
	// Required: a run cannot start without it.
	AgentURL string

	// AgentTimeout bounds one upstream stream end to end.
	AgentTimeout time.Duration

	// Slack integration (optional).
	SlackToken   string
	SlackChannel string
}

// Load creates a Config from the environment, reading a .env file first if
// one is present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	dataDir := envOr("HEADSTART_DATA_DIR", defaultDataDir())
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	cfg := &Config{
		ServerAddr:   envOr("HEADSTART_ADDR", ":7090"),
		DataDir:      dataDir,
		DatabasePath: filepath.Join(dataDir, "headstart.db"),
		AgentURL:     os.Getenv("HEADSTART_AGENT_URL"),
		AgentTimeout: envOrDuration("HEADSTART_AGENT_TIMEOUT", 10*time.Minute),
		SlackToken:   os.Getenv("SLACK_BOT_TOKEN"),
		SlackChannel: os.Getenv("SLACK_CHANNEL"),
	}

	return cfg, nil
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.AgentURL == "" {
		return fmt.Errorf("HEADSTART_AGENT_URL is required")
	}
	return nil
}

// SlackEnabled returns true if Slack notifications are configured.
func (c *Config) SlackEnabled() bool {
	return c.SlackToken != "" && c.SlackChannel != ""
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".headstart"
	}
	return filepath.Join(home, ".headstart")
}
