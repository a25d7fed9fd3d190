// Package config loads routinesync settings from defaults, an optional
// TOML file, a .env file and ROUTINESYNC_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. ROUTINESYNC_REMOTE_BASE_URL.
const EnvPrefix = "ROUTINESYNC"

// Storage drivers.
const (
	DriverMemory = "memory"
	DriverFile   = "file"
	DriverBolt   = "bolt"
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
)

// Config is the complete application configuration.
type Config struct {
	Remote  RemoteConfig  `mapstructure:"remote"`
	Storage StorageConfig `mapstructure:"storage"`
	Queue   QueueConfig   `mapstructure:"queue"`
	Sync    SyncConfig    `mapstructure:"sync"`
	Log     LogConfig     `mapstructure:"log"`
	Server  ServerConfig  `mapstructure:"server"`
	Export  ExportConfig  `mapstructure:"export"`
}

// RemoteConfig points at the routine service.
type RemoteConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// StorageConfig selects the durable key/value store.
type StorageConfig struct {
	Driver        string `mapstructure:"driver"`
	Path          string `mapstructure:"path"` // data directory for file, bolt and sqlite
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	RedisPrefix   string `mapstructure:"redis_prefix"`
}

// QueueConfig controls pending action retries.
type QueueConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BackoffBase time.Duration `mapstructure:"backoff_base"`
	BackoffMax  time.Duration `mapstructure:"backoff_max"`
}

// SyncConfig controls background synchronization.
type SyncConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	RetryInterval     time.Duration `mapstructure:"retry_interval"`
	Realtime          bool          `mapstructure:"realtime"`
	RealtimeWindow    time.Duration `mapstructure:"realtime_window"`
	ConflictStrategy  string        `mapstructure:"conflict_strategy"`
}

// LogConfig controls the logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ServerConfig configures the development server.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("remote.base_url", "http://localhost:8080")
	v.SetDefault("remote.timeout", "10s")

	v.SetDefault("storage.driver", DriverSQLite)
	v.SetDefault("storage.path", "data")
	v.SetDefault("storage.redis_addr", "localhost:6379")
	v.SetDefault("storage.redis_password", "")
	v.SetDefault("storage.redis_db", 0)
	v.SetDefault("storage.redis_prefix", "routinesync:")

	v.SetDefault("queue.max_attempts", 5)
	v.SetDefault("queue.backoff_base", "2s")
	v.SetDefault("queue.backoff_max", "5m")

	v.SetDefault("sync.heartbeat_interval", "30s")
	v.SetDefault("sync.retry_interval", "1m")
	v.SetDefault("sync.realtime", true)
	v.SetDefault("sync.realtime_window", "250ms")
	v.SetDefault("sync.conflict_strategy", "last_write_wins")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("server.addr", ":8080")

	v.SetDefault("export.dir", "exports")
	v.SetDefault("export.interval", "manual")
	v.SetDefault("export.retention", 10)
	v.SetDefault("export.format", "ics")
}

// ExportConfig controls scheduled snapshot exports.
type ExportConfig struct {
	Dir       string `mapstructure:"dir"`
	Interval  string `mapstructure:"interval"` // manual, hourly, daily, weekly
	Retention int    `mapstructure:"retention"`
	Format    string `mapstructure:"format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	// defaults always decode
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// DefaultPath returns the per-user config file location.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine config directory: %w", err)
	}
	return filepath.Join(dir, "routinesync", "config.toml"), nil
}

// Load reads the configuration. Precedence: environment > config file >
// defaults. A .env file in the working directory is loaded into the
// environment first without overriding variables already set. When path is
// empty, routinesync.toml in the working directory and the per-user config
// file are tried; a missing file is not an error then.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	if path == "" {
		path = findConfigFile()
	}
	if path != "" {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func findConfigFile() string {
	candidates := []string{"routinesync.toml"}
	if p, err := DefaultPath(); err == nil {
		candidates = append(candidates, p)
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}

// Validate checks values a component would reject later.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case DriverMemory, DriverFile, DriverBolt, DriverSQLite, DriverRedis:
	default:
		return fmt.Errorf("invalid config: storage.driver %q is not one of memory, file, bolt, sqlite, redis", c.Storage.Driver)
	}
	if c.Storage.Driver != DriverMemory && c.Storage.Driver != DriverRedis && c.Storage.Path == "" {
		return fmt.Errorf("invalid config: storage.path is required for driver %s", c.Storage.Driver)
	}
	if c.Remote.BaseURL == "" {
		return fmt.Errorf("invalid config: remote.base_url cannot be empty")
	}
	if c.Remote.Timeout <= 0 {
		return fmt.Errorf("invalid config: remote.timeout must be positive")
	}
	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("invalid config: queue.max_attempts must be positive")
	}
	if c.Queue.BackoffBase <= 0 || c.Queue.BackoffMax < c.Queue.BackoffBase {
		return fmt.Errorf("invalid config: queue.backoff_base must be positive and not above queue.backoff_max")
	}
	if c.Sync.HeartbeatInterval <= 0 || c.Sync.RetryInterval <= 0 {
		return fmt.Errorf("invalid config: sync intervals must be positive")
	}
	switch c.Sync.ConflictStrategy {
	case "last_write_wins", "server_wins":
	default:
		return fmt.Errorf("invalid config: sync.conflict_strategy %q is not last_write_wins or server_wins", c.Sync.ConflictStrategy)
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("invalid config: log.format %q is not json or console", c.Log.Format)
	}
	switch c.Export.Interval {
	case "manual", "hourly", "daily", "weekly":
	default:
		return fmt.Errorf("invalid config: export.interval %q is not manual, hourly, daily or weekly", c.Export.Interval)
	}
	switch c.Export.Format {
	case "ics", "xlsx":
	default:
		return fmt.Errorf("invalid config: export.format %q is not ics or xlsx", c.Export.Format)
	}
	return nil
}
