// Package config loads application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"time"
)

// Config holds the application configuration loaded from environment variables.
type Config struct {
	GitHubToken   string
	WebhookSecret string
	RulesPath     string
	DBPath        string
	ListenAddr    string
	TickInterval  time.Duration
}

// Load reads configuration from environment variables and returns a validated Config.
// Required: MERGETRAIN_GITHUB_TOKEN, MERGETRAIN_WEBHOOK_SECRET, MERGETRAIN_RULES_PATH.
// Optional variables with defaults: MERGETRAIN_DB_PATH (mergetrain.db),
// MERGETRAIN_LISTEN_ADDR (127.0.0.1:8080), MERGETRAIN_TICK_INTERVAL (30s).
func Load() (*Config, error) {
	token := os.Getenv("MERGETRAIN_GITHUB_TOKEN")
	if token == "" {
		return nil, fmt.Errorf("MERGETRAIN_GITHUB_TOKEN is required")
	}

	secret := os.Getenv("MERGETRAIN_WEBHOOK_SECRET")
	if secret == "" {
		return nil, fmt.Errorf("MERGETRAIN_WEBHOOK_SECRET is required")
	}

	rulesPath := os.Getenv("MERGETRAIN_RULES_PATH")
	if rulesPath == "" {
		return nil, fmt.Errorf("MERGETRAIN_RULES_PATH is required")
	}

	dbPath := "mergetrain.db"
	if v, ok := os.LookupEnv("MERGETRAIN_DB_PATH"); ok {
		dbPath = v
	}

	listenAddr := "127.0.0.1:8080"
	if v, ok := os.LookupEnv("MERGETRAIN_LISTEN_ADDR"); ok {
		listenAddr = v
	}

	tickInterval := 30 * time.Second
	if v, ok := os.LookupEnv("MERGETRAIN_TICK_INTERVAL"); ok {
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("MERGETRAIN_TICK_INTERVAL has invalid duration %q: %w", v, err)
		}
		if parsed <= 0 {
			return nil, fmt.Errorf("MERGETRAIN_TICK_INTERVAL must be positive, got %q", v)
		}
		tickInterval = parsed
	}

	return &Config{
		GitHubToken:   token,
		WebhookSecret: secret,
		RulesPath:     rulesPath,
		DBPath:        dbPath,
		ListenAddr:    listenAddr,
		TickInterval:  tickInterval,
	}, nil
}
