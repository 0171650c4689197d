package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration wraps time.Duration so it can be written as "2m" or "30s" in TOML.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type ServerConfig struct {
	Port int `toml:"port"`
}

type JWTConfig struct {
	Secret string `toml:"secret"` // HMAC secret used to verify bearer tokens
}

type EncryptionConfig struct {
	Key string `toml:"key"` // per-installation secret, AES key is derived from it
}

type StorageConfig struct {
	DataDir string `toml:"data_dir"`
}

type SyncConfig struct {
	StalenessThreshold    Duration `toml:"staleness_threshold"`
	DefaultLimit          int      `toml:"default_limit"`
	MaxLimit              int      `toml:"max_limit"`
	SearchRemoteThreshold int      `toml:"search_remote_threshold"`
	CommandTimeout        Duration `toml:"command_timeout"`
	DialTimeout           Duration `toml:"dial_timeout"`
}

type IdleConfig struct {
	Mailbox     string   `toml:"mailbox"`
	BaseDelay   Duration `toml:"base_delay"`
	MaxDelay    Duration `toml:"max_delay"`
	MaxAttempts int      `toml:"max_attempts"`
	Keepalive   Duration `toml:"keepalive"`
	EventBuffer int      `toml:"event_buffer"`
}

type LogConfig struct {
	Level string `toml:"level"`
}

type RateLimitConfig struct {
	Requests int      `toml:"requests"`
	Window   Duration `toml:"window"`
}

type Config struct {
	Server     ServerConfig     `toml:"server"`
	JWT        JWTConfig        `toml:"jwt"`
	Encryption EncryptionConfig `toml:"encryption"`
	Storage    StorageConfig    `toml:"storage"`
	Sync       SyncConfig       `toml:"sync"`
	Idle       IdleConfig       `toml:"idle"`
	Log        LogConfig        `toml:"log"`
	RateLimit  RateLimitConfig  `toml:"rate_limit"`
}

// Default returns a configuration populated with the built-in defaults.
func Default() *Config {
	var config Config

	config.Server.Port = 3000
	config.Storage.DataDir = "./data"

	config.Sync.StalenessThreshold = Duration{2 * time.Minute}
	config.Sync.DefaultLimit = 50
	config.Sync.MaxLimit = 500
	config.Sync.SearchRemoteThreshold = 1
	config.Sync.CommandTimeout = Duration{30 * time.Second}
	config.Sync.DialTimeout = Duration{15 * time.Second}

	config.Idle.Mailbox = "INBOX"
	config.Idle.BaseDelay = Duration{time.Second}
	config.Idle.MaxDelay = Duration{5 * time.Minute}
	config.Idle.MaxAttempts = 10
	config.Idle.Keepalive = Duration{25 * time.Minute}
	config.Idle.EventBuffer = 64

	config.Log.Level = "info"

	config.RateLimit.Requests = 100
	config.RateLimit.Window = Duration{time.Minute}

	return &config
}

func LoadConfig(filepath string) (*Config, error) {
	config := Default()

	// Load config file over the defaults
	if _, err := toml.DecodeFile(filepath, config); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// Validate checks the values that cannot be defaulted
func (c *Config) Validate() error {
	if c.Encryption.Key == "" {
		return fmt.Errorf("encryption.key is required")
	}
	if c.JWT.Secret == "" {
		return fmt.Errorf("jwt.secret is required")
	}
	if c.Sync.StalenessThreshold.Duration <= 0 {
		return fmt.Errorf("sync.staleness_threshold must be positive")
	}
	if c.Sync.DefaultLimit <= 0 || c.Sync.MaxLimit < c.Sync.DefaultLimit {
		return fmt.Errorf("sync.default_limit must be positive and not above sync.max_limit")
	}
	if c.Idle.BaseDelay.Duration <= 0 || c.Idle.MaxDelay.Duration < c.Idle.BaseDelay.Duration {
		return fmt.Errorf("idle.base_delay must be positive and not above idle.max_delay")
	}
	if c.Idle.MaxAttempts <= 0 {
		return fmt.Errorf("idle.max_attempts must be positive")
	}
	if c.Idle.Mailbox == "" {
		c.Idle.Mailbox = "INBOX"
	}
	return nil
}

// ClampLimit bounds a caller-supplied page size to the configured range
func (c *SyncConfig) ClampLimit(limit int) int {
	if limit <= 0 {
		return c.DefaultLimit
	}
	if limit > c.MaxLimit {
		return c.MaxLimit
	}
	return limit
}
