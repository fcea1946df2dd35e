// Package config loads relayboard settings from a .env file, an optional
// YAML file and RELAYBOARD_* environment variables, in that order of
// increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const envPrefix = "RELAYBOARD_"

type Config struct {
	Addr            string        `yaml:"addr"`
	StoreDSN        string        `yaml:"store_dsn"`
	JWTSecret       string        `yaml:"jwt_secret"`
	RateLimitMax    int           `yaml:"rate_limit_max"`
	RateLimitWindow time.Duration `yaml:"rate_limit_window"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	Save     SaveConfig     `yaml:"save"`
	Recovery RecoveryConfig `yaml:"recovery"`
	Log      LogConfig      `yaml:"log"`
	Sync     SyncConfig     `yaml:"sync"`
}

type SaveConfig struct {
	DebounceDelay time.Duration `yaml:"debounce_delay"`
	ScrollBuffer  time.Duration `yaml:"scroll_buffer"`
	Timeout       time.Duration `yaml:"timeout"`
}

type RecoveryConfig struct {
	MaxRetries int           `yaml:"max_retries"`
	BaseDelay  time.Duration `yaml:"base_delay"`
	MaxDelay   time.Duration `yaml:"max_delay"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Path   string `yaml:"path"`
}

// SyncConfig configures the board file mirror.
type SyncConfig struct {
	File      string        `yaml:"file"`
	StateFile string        `yaml:"state_file"`
	BaseURL   string        `yaml:"base_url"`
	Token     string        `yaml:"token"`
	Debounce  time.Duration `yaml:"debounce"`
}

func Default() Config {
	return Config{
		Addr:            ":8080",
		StoreDSN:        "file://" + filepath.Join(".relayboard", "store.json"),
		RateLimitWindow: time.Minute,
		MaxBodyBytes:    1 << 20,
		ShutdownTimeout: 10 * time.Second,
		Save: SaveConfig{
			DebounceDelay: 200 * time.Millisecond,
			ScrollBuffer:  100 * time.Millisecond,
		},
		Recovery: RecoveryConfig{
			MaxRetries: 3,
			BaseDelay:  time.Second,
			MaxDelay:   10 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Sync: SyncConfig{
			BaseURL:  "http://127.0.0.1:8080",
			Debounce: 250 * time.Millisecond,
		},
	}
}

// Load reads .env from the working directory when present, then the YAML
// file named by RELAYBOARD_CONFIG, then RELAYBOARD_* overrides.
func Load() (Config, error) {
	_ = godotenv.Load()
	cfg := Default()
	if path := strings.TrimSpace(os.Getenv(envPrefix + "CONFIG")); path != "" {
		if err := cfg.MergeFile(path); err != nil {
			return cfg, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) MergeFile(path string) error {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

// ApplyEnv overrides fields from lookup. Malformed values are collected and
// reported together.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	e := envReader{lookup: lookup}
	e.str("ADDR", &c.Addr)
	e.str("STORE_DSN", &c.StoreDSN)
	e.str("JWT_SECRET", &c.JWTSecret)
	e.integer("RATE_LIMIT_MAX", &c.RateLimitMax)
	e.duration("RATE_LIMIT_WINDOW", &c.RateLimitWindow)
	e.integer64("MAX_BODY_BYTES", &c.MaxBodyBytes)
	e.duration("SHUTDOWN_TIMEOUT", &c.ShutdownTimeout)

	e.duration("SAVE_DEBOUNCE", &c.Save.DebounceDelay)
	e.duration("SAVE_SCROLL_BUFFER", &c.Save.ScrollBuffer)
	e.duration("SAVE_TIMEOUT", &c.Save.Timeout)

	e.integer("MAX_RETRIES", &c.Recovery.MaxRetries)
	e.duration("RETRY_BASE_DELAY", &c.Recovery.BaseDelay)
	e.duration("RETRY_MAX_DELAY", &c.Recovery.MaxDelay)

	e.str("LOG_LEVEL", &c.Log.Level)
	e.str("LOG_FORMAT", &c.Log.Format)
	e.str("LOG_PATH", &c.Log.Path)

	e.str("SYNC_FILE", &c.Sync.File)
	e.str("SYNC_STATE_FILE", &c.Sync.StateFile)
	e.str("BASE_URL", &c.Sync.BaseURL)
	e.str("TOKEN", &c.Sync.Token)
	e.duration("SYNC_DEBOUNCE", &c.Sync.Debounce)
	return errors.Join(e.errs...)
}

func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Addr, validation.Required),
		validation.Field(&c.StoreDSN, validation.Required),
		validation.Field(&c.RateLimitMax, validation.Min(0)),
		validation.Field(&c.MaxBodyBytes, validation.Min(int64(1))),
		validation.Field(&c.Recovery),
		validation.Field(&c.Log),
	)
}

func (r RecoveryConfig) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.MaxRetries, validation.Required, validation.Min(1)),
		validation.Field(&r.BaseDelay, validation.Min(time.Duration(0))),
		validation.Field(&r.MaxDelay, validation.Min(r.BaseDelay)),
	)
}

func (l LogConfig) Validate() error {
	return validation.ValidateStruct(&l,
		validation.Field(&l.Level, validation.In("trace", "debug", "info", "warn", "error", "disabled")),
		validation.Field(&l.Format, validation.In("json", "console")),
	)
}

type envReader struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (e *envReader) raw(name string) (string, bool) {
	value, ok := e.lookup(envPrefix + name)
	value = strings.TrimSpace(value)
	return value, ok && value != ""
}

func (e *envReader) str(name string, dst *string) {
	if value, ok := e.raw(name); ok {
		*dst = value
	}
}

func (e *envReader) integer(name string, dst *int) {
	value, ok := e.raw(name)
	if !ok {
		return
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("invalid %s%s=%q: %w", envPrefix, name, value, err))
		return
	}
	*dst = parsed
}

func (e *envReader) integer64(name string, dst *int64) {
	value, ok := e.raw(name)
	if !ok {
		return
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("invalid %s%s=%q: %w", envPrefix, name, value, err))
		return
	}
	*dst = parsed
}

func (e *envReader) duration(name string, dst *time.Duration) {
	value, ok := e.raw(name)
	if !ok {
		return
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("invalid %s%s=%q: %w", envPrefix, name, value, err))
		return
	}
	*dst = parsed
}
