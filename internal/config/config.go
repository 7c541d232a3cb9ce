// Package config reads and writes ~/.omnichat/config.toml.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/matheus3301/omnichat/internal/provider"
	"github.com/matheus3301/omnichat/internal/realtime"
)

// Duration is a time.Duration written as a string such as "3s".
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Provider is one [[providers]] entry.
type Provider struct {
	Name    string `toml:"name"`
	Kind    string `toml:"kind"`
	BaseURL string `toml:"base_url"`
	PushURL string `toml:"push_url,omitempty"`
	// AutoConnect connects the stored session when the daemon starts.
	AutoConnect bool `toml:"auto_connect"`
}

// Realtime is the [realtime] reconnect policy.
type Realtime struct {
	BaseDelay     Duration `toml:"base_delay"`
	MaxDelay      Duration `toml:"max_delay"`
	Multiplier    float64  `toml:"multiplier"`
	MaxRetries    int      `toml:"max_retries"`
	Heartbeat     Duration `toml:"heartbeat"`
	DegradedAfter int      `toml:"degraded_after"`
}

// Cache is the [cache] section.
type Cache struct {
	MaxPerChat int `toml:"max_per_chat"`
}

// Config represents the global ~/.omnichat/config.toml.
type Config struct {
	DefaultProfile string     `toml:"default_profile"`
	LogLevel       string     `toml:"log_level"`
	RequestTimeout Duration   `toml:"request_timeout"`
	Providers      []Provider `toml:"providers"`
	Realtime       Realtime   `toml:"realtime"`
	Cache          Cache      `toml:"cache"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	p := realtime.DefaultPolicy()
	return &Config{
		DefaultProfile: "main",
		LogLevel:       "info",
		RequestTimeout: Duration{30 * time.Second},
		Realtime: Realtime{
			BaseDelay:     Duration{p.BaseDelay},
			MaxDelay:      Duration{p.MaxDelay},
			Multiplier:    p.Multiplier,
			MaxRetries:    p.MaxRetries,
			Heartbeat:     Duration{p.Heartbeat},
			DegradedAfter: p.DegradedAfter,
		},
		Cache: Cache{MaxPerChat: 500},
	}
}

// Load reads config from the given path. Keys absent from the file keep
// their Default values. Returns an error if the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault is Load, falling back to Default when the file does not
// exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if os.IsNotExist(err) {
		return Default(), nil
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

// Validate checks provider entries.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("providers[%d]: name is required", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("providers[%d]: duplicate name %q", i, p.Name)
		}
		seen[p.Name] = true
		switch provider.Kind(p.Kind) {
		case provider.KindTelegram, provider.KindWhatsApp:
		default:
			return fmt.Errorf("provider %q: unknown kind %q", p.Name, p.Kind)
		}
		if p.BaseURL == "" {
			return fmt.Errorf("provider %q: base_url is required", p.Name)
		}
	}
	return nil
}

// Provider returns the entry named name.
func (c *Config) Provider(name string) (Provider, bool) {
	for _, p := range c.Providers {
		if p.Name == name {
			return p, true
		}
	}
	return Provider{}, false
}

// Policy converts the [realtime] section.
func (c *Config) Policy() realtime.Policy {
	return realtime.Policy{
		BaseDelay:     c.Realtime.BaseDelay.Duration,
		Multiplier:    c.Realtime.Multiplier,
		MaxDelay:      c.Realtime.MaxDelay.Duration,
		MaxRetries:    c.Realtime.MaxRetries,
		Heartbeat:     c.Realtime.Heartbeat.Duration,
		DegradedAfter: c.Realtime.DegradedAfter,
	}
}
