package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds every runtime knob for a vkgrabd profile, loaded from
// the profile's config.toml. Zero values are filled in by Default.
type Config struct {
	Token      string `toml:"token"`
	APIVersion string `toml:"api_version"`

	Poll      PollConfig      `toml:"poll"`
	Dispatch  DispatchConfig  `toml:"dispatch"`
	Users     UsersConfig     `toml:"users"`
	Chats     ChatsConfig     `toml:"chats"`
	Retry     RetryConfig     `toml:"retry"`
	Integrity IntegrityConfig `toml:"integrity"`
	Health    HealthConfig    `toml:"health"`
}

// PollConfig controls the long-poll connection manager.
type PollConfig struct {
	WaitSeconds          int      `toml:"wait_seconds"`
	Mode                 int      `toml:"mode"`
	MaxReconnectAttempts int      `toml:"max_reconnect_attempts"`
	HealthCheckInterval  Duration `toml:"health_check_interval"`
	// StaleAfterChecks is the number of consecutive event-free health
	// checks after which the connection is presumed stale.
	StaleAfterChecks int `toml:"stale_after_checks"`
}

// DispatchConfig controls the event dispatcher.
type DispatchConfig struct {
	HandlerTimeout Duration `toml:"handler_timeout"`
}

// UsersConfig controls the user cache and resolver.
type UsersConfig struct {
	BatchSize     int      `toml:"batch_size"`
	BatchDelay    Duration `toml:"batch_delay"`
	MaxCacheSize  int      `toml:"max_cache_size"`
	TTL           Duration `toml:"ttl"` // zero = entries never expire
	FlushInterval Duration `toml:"flush_interval"`
}

// ChatsConfig controls the chat persistence manager.
type ChatsConfig struct {
	MaxCachedChats            int      `toml:"max_cached_chats"`
	AutoSaveInterval          Duration `toml:"auto_save_interval"`
	MembershipRefreshInterval Duration `toml:"membership_refresh_interval"`
	BackupsEnabled            bool     `toml:"backups_enabled"`
	MaxBackups                int      `toml:"max_backups"`
}

// RetryConfig controls the error/retry subsystem.
type RetryConfig struct {
	MaxAttempts    int      `toml:"max_attempts"`
	BaseDelay      Duration `toml:"base_delay"`
	MaxDelay       Duration `toml:"max_delay"`
	Multiplier     float64  `toml:"multiplier"`
	BufferCapacity int      `toml:"buffer_capacity"`
	FlushInterval  Duration `toml:"flush_interval"`
}

// IntegrityConfig controls startup file validation.
type IntegrityConfig struct {
	Enabled bool `toml:"enabled"`
}

// HealthConfig controls the health/metrics HTTP endpoint.
type HealthConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
}

// Duration is a time.Duration that round-trips through TOML as a string
// like "25s" or "1m30s".
type Duration time.Duration

// UnmarshalText implements toml decoding for Duration.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements toml encoding for Duration.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Default returns a config with every knob set to its documented default.
func Default() *Config {
	return &Config{
		APIVersion: "5.199",
		Poll: PollConfig{
			WaitSeconds:          25,
			Mode:                 2, // request attachment payloads with message events
			MaxReconnectAttempts: 10,
			HealthCheckInterval:  Duration(60 * time.Second),
			StaleAfterChecks:     3,
		},
		Dispatch: DispatchConfig{
			HandlerTimeout: Duration(30 * time.Second),
		},
		Users: UsersConfig{
			BatchSize:     100,
			BatchDelay:    Duration(350 * time.Millisecond),
			MaxCacheSize:  10000,
			TTL:           0,
			FlushInterval: Duration(5 * time.Minute),
		},
		Chats: ChatsConfig{
			MaxCachedChats:            100,
			AutoSaveInterval:          Duration(60 * time.Second),
			MembershipRefreshInterval: Duration(10 * time.Minute),
			BackupsEnabled:            true,
			MaxBackups:                5,
		},
		Retry: RetryConfig{
			MaxAttempts:    3,
			BaseDelay:      Duration(time.Second),
			MaxDelay:       Duration(30 * time.Second),
			Multiplier:     2.0,
			BufferCapacity: 1000,
			FlushInterval:  Duration(30 * time.Second),
		},
		Integrity: IntegrityConfig{Enabled: true},
		Health: HealthConfig{
			Enabled: true,
			Addr:    "127.0.0.1:8642",
		},
	}
}

// Load reads config from the given path, layered over Default.
// Returns an error if the file is missing or a knob is out of range.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
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

// Validate rejects configs with out-of-range knobs.
func (c *Config) Validate() error {
	if c.Poll.WaitSeconds <= 0 {
		return fmt.Errorf("poll.wait_seconds must be positive, got %d", c.Poll.WaitSeconds)
	}
	if c.Poll.MaxReconnectAttempts <= 0 {
		return fmt.Errorf("poll.max_reconnect_attempts must be positive, got %d", c.Poll.MaxReconnectAttempts)
	}
	if c.Retry.Multiplier < 1 {
		return fmt.Errorf("retry.multiplier must be >= 1, got %g", c.Retry.Multiplier)
	}
	if c.Retry.BufferCapacity <= 0 {
		return fmt.Errorf("retry.buffer_capacity must be positive, got %d", c.Retry.BufferCapacity)
	}
	if c.Users.BatchSize <= 0 || c.Users.BatchSize > 1000 {
		return fmt.Errorf("users.batch_size must be in 1..1000, got %d", c.Users.BatchSize)
	}
	return nil
}
