package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// allConfigKeys lists every MERGETRAIN_ env var that Load() reads.
var allConfigKeys = []string{
	"MERGETRAIN_GITHUB_TOKEN",
	"MERGETRAIN_WEBHOOK_SECRET",
	"MERGETRAIN_RULES_PATH",
	"MERGETRAIN_DB_PATH",
	"MERGETRAIN_LISTEN_ADDR",
	"MERGETRAIN_TICK_INTERVAL",
}

// isolateConfigEnv saves and unsets all MERGETRAIN_ env vars so tests don't
// inherit values from the host environment (e.g. a running dev server).
// t.Cleanup restores original values after the test.
func isolateConfigEnv(t *testing.T) {
	t.Helper()
	for _, key := range allConfigKeys {
		if orig, ok := os.LookupEnv(key); ok {
			t.Cleanup(func() { os.Setenv(key, orig) })
		} else {
			t.Cleanup(func() { os.Unsetenv(key) })
		}
		os.Unsetenv(key)
	}
}

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("MERGETRAIN_GITHUB_TOKEN", "ghp_test123")
	t.Setenv("MERGETRAIN_WEBHOOK_SECRET", "hunter2")
	t.Setenv("MERGETRAIN_RULES_PATH", "/etc/mergetrain/rules.yaml")
}

func TestLoad_Success(t *testing.T) {
	isolateConfigEnv(t)
	setRequired(t)
	t.Setenv("MERGETRAIN_DB_PATH", "/tmp/test.db")
	t.Setenv("MERGETRAIN_LISTEN_ADDR", "0.0.0.0:9090")
	t.Setenv("MERGETRAIN_TICK_INTERVAL", "10s")

	cfg, err := Load()

	require.NoError(t, err)
	assert.Equal(t, "ghp_test123", cfg.GitHubToken)
	assert.Equal(t, "hunter2", cfg.WebhookSecret)
	assert.Equal(t, "/etc/mergetrain/rules.yaml", cfg.RulesPath)
	assert.Equal(t, "/tmp/test.db", cfg.DBPath)
	assert.Equal(t, "0.0.0.0:9090", cfg.ListenAddr)
	assert.Equal(t, 10*time.Second, cfg.TickInterval)
}

func TestLoad_Defaults(t *testing.T) {
	isolateConfigEnv(t)
	setRequired(t)

	cfg, err := Load()

	require.NoError(t, err)
	assert.Equal(t, "mergetrain.db", cfg.DBPath)
	assert.Equal(t, "127.0.0.1:8080", cfg.ListenAddr)
	assert.Equal(t, 30*time.Second, cfg.TickInterval)
}

func TestLoad_MissingToken(t *testing.T) {
	isolateConfigEnv(t)
	t.Setenv("MERGETRAIN_WEBHOOK_SECRET", "hunter2")
	t.Setenv("MERGETRAIN_RULES_PATH", "/etc/mergetrain/rules.yaml")

	cfg, err := Load()

	assert.Nil(t, cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MERGETRAIN_GITHUB_TOKEN")
}

func TestLoad_MissingWebhookSecret(t *testing.T) {
	isolateConfigEnv(t)
	t.Setenv("MERGETRAIN_GITHUB_TOKEN", "ghp_test123")
	t.Setenv("MERGETRAIN_RULES_PATH", "/etc/mergetrain/rules.yaml")

	cfg, err := Load()

	assert.Nil(t, cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MERGETRAIN_WEBHOOK_SECRET")
}

func TestLoad_MissingRulesPath(t *testing.T) {
	isolateConfigEnv(t)
	t.Setenv("MERGETRAIN_GITHUB_TOKEN", "ghp_test123")
	t.Setenv("MERGETRAIN_WEBHOOK_SECRET", "hunter2")

	cfg, err := Load()

	assert.Nil(t, cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MERGETRAIN_RULES_PATH")
}

func TestLoad_InvalidTickInterval(t *testing.T) {
	isolateConfigEnv(t)
	setRequired(t)
	t.Setenv("MERGETRAIN_TICK_INTERVAL", "not-a-duration")

	cfg, err := Load()

	assert.Nil(t, cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MERGETRAIN_TICK_INTERVAL")
}

func TestLoad_NonPositiveTickInterval(t *testing.T) {
	isolateConfigEnv(t)
	setRequired(t)
	t.Setenv("MERGETRAIN_TICK_INTERVAL", "-5s")

	cfg, err := Load()

	assert.Nil(t, cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MERGETRAIN_TICK_INTERVAL")
}
