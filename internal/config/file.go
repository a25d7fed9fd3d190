package config

import (
	"fmt"
	"os"
	"path/filepath"

	toml "github.com/pelletier/go-toml/v2"
)

// document is the on-disk TOML layout. Durations are written in
// time.Duration string form so the file stays readable.
type document struct {
	Remote struct {
		BaseURL string `toml:"base_url"`
		Timeout string `toml:"timeout"`
	} `toml:"remote"`
	Storage struct {
		Driver        string `toml:"driver"`
		Path          string `toml:"path"`
		RedisAddr     string `toml:"redis_addr"`
		RedisPassword string `toml:"redis_password"`
		RedisDB       int    `toml:"redis_db"`
		RedisPrefix   string `toml:"redis_prefix"`
	} `toml:"storage"`
	Queue struct {
		MaxAttempts int    `toml:"max_attempts"`
		BackoffBase string `toml:"backoff_base"`
		BackoffMax  string `toml:"backoff_max"`
	} `toml:"queue"`
	Sync struct {
		HeartbeatInterval string `toml:"heartbeat_interval"`
		RetryInterval     string `toml:"retry_interval"`
		Realtime          bool   `toml:"realtime"`
		RealtimeWindow    string `toml:"realtime_window"`
		ConflictStrategy  string `toml:"conflict_strategy"`
	} `toml:"sync"`
	Log struct {
		Level  string `toml:"level"`
		Format string `toml:"format"`
	} `toml:"log"`
	Server struct {
		Addr string `toml:"addr"`
	} `toml:"server"`
	Export struct {
		Dir       string `toml:"dir"`
		Interval  string `toml:"interval"`
		Retention int    `toml:"retention"`
		Format    string `toml:"format"`
	} `toml:"export"`
}

// MarshalTOML renders c as a TOML config file.
func (c *Config) MarshalTOML() ([]byte, error) {
	var d document
	d.Remote.BaseURL = c.Remote.BaseURL
	d.Remote.Timeout = c.Remote.Timeout.String()

	d.Storage.Driver = c.Storage.Driver
	d.Storage.Path = c.Storage.Path
	d.Storage.RedisAddr = c.Storage.RedisAddr
	d.Storage.RedisPassword = c.Storage.RedisPassword
	d.Storage.RedisDB = c.Storage.RedisDB
	d.Storage.RedisPrefix = c.Storage.RedisPrefix

	d.Queue.MaxAttempts = c.Queue.MaxAttempts
	d.Queue.BackoffBase = c.Queue.BackoffBase.String()
	d.Queue.BackoffMax = c.Queue.BackoffMax.String()

	d.Sync.HeartbeatInterval = c.Sync.HeartbeatInterval.String()
	d.Sync.RetryInterval = c.Sync.RetryInterval.String()
	d.Sync.Realtime = c.Sync.Realtime
	d.Sync.RealtimeWindow = c.Sync.RealtimeWindow.String()
	d.Sync.ConflictStrategy = c.Sync.ConflictStrategy

	d.Log.Level = c.Log.Level
	d.Log.Format = c.Log.Format
	d.Server.Addr = c.Server.Addr

	d.Export.Dir = c.Export.Dir
	d.Export.Interval = c.Export.Interval
	d.Export.Retention = c.Export.Retention
	d.Export.Format = c.Export.Format

	data, err := toml.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("cannot marshal config: %w", err)
	}
	return data, nil
}

// WriteFile writes c to path. An existing file is only replaced when force
// is set.
func WriteFile(path string, c *Config, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file %s already exists", path)
		}
	}
	data, err := c.MarshalTOML()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}
