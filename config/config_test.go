package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig_DefaultsFillGaps(t *testing.T) {
	path := writeConfig(t, `
[jwt]
secret = "s"

[encryption]
key = "k"

[sync]
staleness_threshold = "45s"
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 45*time.Second, cfg.Sync.StalenessThreshold.Duration)
	assert.Equal(t, 50, cfg.Sync.DefaultLimit)
	assert.Equal(t, "INBOX", cfg.Idle.Mailbox)
	assert.Equal(t, 5*time.Minute, cfg.Idle.MaxDelay.Duration)
	assert.Equal(t, 10, cfg.Idle.MaxAttempts)
	assert.Equal(t, 3000, cfg.Server.Port)
}

func TestLoadConfig_Invalid(t *testing.T) {
	cases := map[string]string{
		"missing key":    "[jwt]\nsecret = \"s\"\n",
		"missing secret": "[encryption]\nkey = \"k\"\n",
		"bad duration":   "[jwt]\nsecret = \"s\"\n[encryption]\nkey = \"k\"\n[sync]\nstaleness_threshold = \"soon\"\n",
		"limits":         "[jwt]\nsecret = \"s\"\n[encryption]\nkey = \"k\"\n[sync]\ndefault_limit = 100\nmax_limit = 10\n",
		"backoff":        "[jwt]\nsecret = \"s\"\n[encryption]\nkey = \"k\"\n[idle]\nbase_delay = \"10m\"\nmax_delay = \"1m\"\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.toml"))
	assert.Error(t, err)
}

func TestClampLimit(t *testing.T) {
	cfg := Default().Sync
	assert.Equal(t, 50, cfg.ClampLimit(0))
	assert.Equal(t, 50, cfg.ClampLimit(-3))
	assert.Equal(t, 20, cfg.ClampLimit(20))
	assert.Equal(t, 500, cfg.ClampLimit(10000))
}
