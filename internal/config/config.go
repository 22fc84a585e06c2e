package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration written as a string such as "60s" or "3s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Config represents the global ~/.dmsync/config.toml.
type Config struct {
	DefaultSession string `toml:"default_session"`
	// SessionToken signs the daemon in at startup when set.
	SessionToken string `toml:"session_token"`
	// TokenSecret verifies session tokens.
	TokenSecret     string   `toml:"token_secret"`
	RefreshInterval Duration `toml:"refresh_interval"`
	TypingExpiry    Duration `toml:"typing_expiry"`
	ReconcileWindow Duration `toml:"reconcile_window"`
	// RedisAddr enables cross-process typing fan-out when set.
	RedisAddr    string `toml:"redis_addr"`
	RedisChannel string `toml:"redis_channel"`
	LogLevel     string `toml:"log_level"`
}

// Defaults returns the configuration used when no file exists.
func Defaults() *Config {
	return &Config{
		DefaultSession:  "main",
		RefreshInterval: Duration{60 * time.Second},
		TypingExpiry:    Duration{3 * time.Second},
		ReconcileWindow: Duration{10 * time.Second},
		RedisChannel:    "dmsync:typing",
		LogLevel:        "info",
	}
}

// Load reads config from the given path over Defaults. Returns error if file missing.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault is Load that treats a missing file as Defaults.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Defaults(), nil
	}
	return cfg, err
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
