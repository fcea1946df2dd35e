package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeYAML(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relayboard.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultsAreValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 200*time.Millisecond, cfg.Save.DebounceDelay)
	assert.Equal(t, 100*time.Millisecond, cfg.Save.ScrollBuffer)
	assert.Equal(t, 3, cfg.Recovery.MaxRetries)
	assert.Equal(t, time.Second, cfg.Recovery.BaseDelay)
	assert.Equal(t, 10*time.Second, cfg.Recovery.MaxDelay)
}

func TestLoadLayersFileThenEnv(t *testing.T) {
	path := writeYAML(t, `
addr: ":9000"
store_dsn: "redis://localhost:6379/0"
rate_limit_max: 50
save:
  debounce_delay: 350ms
recovery:
  max_retries: 5
log:
  level: debug
  format: console
sync:
  file: ./board.json
`)
	t.Setenv("RELAYBOARD_CONFIG", path)
	t.Setenv("RELAYBOARD_ADDR", ":9100")
	t.Setenv("RELAYBOARD_RETRY_MAX_DELAY", "20s")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9100", cfg.Addr)
	assert.Equal(t, "redis://localhost:6379/0", cfg.StoreDSN)
	assert.Equal(t, 50, cfg.RateLimitMax)
	assert.Equal(t, 350*time.Millisecond, cfg.Save.DebounceDelay)
	assert.Equal(t, 100*time.Millisecond, cfg.Save.ScrollBuffer)
	assert.Equal(t, 5, cfg.Recovery.MaxRetries)
	assert.Equal(t, 20*time.Second, cfg.Recovery.MaxDelay)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, "./board.json", cfg.Sync.File)
}

func TestApplyEnvCollectsMalformedValues(t *testing.T) {
	env := map[string]string{
		"RELAYBOARD_MAX_RETRIES":   "lots",
		"RELAYBOARD_SAVE_DEBOUNCE": "soon",
		"RELAYBOARD_JWT_SECRET":    "  s3cret ",
	}
	cfg := Default()
	err := cfg.ApplyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RELAYBOARD_MAX_RETRIES")
	assert.Contains(t, err.Error(), "RELAYBOARD_SAVE_DEBOUNCE")
	assert.Equal(t, "s3cret", cfg.JWTSecret)
	assert.Equal(t, 3, cfg.Recovery.MaxRetries)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]func(*Config){
		"empty dsn":        func(c *Config) { c.StoreDSN = "" },
		"negative retries": func(c *Config) { c.Recovery.MaxRetries = -1 },
		"zero retries":     func(c *Config) { c.Recovery.MaxRetries = 0 },
		"max below base":   func(c *Config) { c.Recovery.MaxDelay = 500 * time.Millisecond },
		"unknown format":   func(c *Config) { c.Log.Format = "xml" },
		"unknown level":    func(c *Config) { c.Log.Level = "loud" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestMergeFileErrors(t *testing.T) {
	cfg := Default()
	require.Error(t, cfg.MergeFile(filepath.Join(t.TempDir(), "missing.yaml")))
	require.Error(t, cfg.MergeFile(writeYAML(t, "addr: [unterminated")))
}
