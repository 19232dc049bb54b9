// Package config loads the node configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the knobs a todosync node starts with.
type Config struct {
	// ListenAddr is the address the peer sync server binds. Empty disables
	// serving: the node can still join and pull lists from others.
	ListenAddr string `yaml:"listen_addr"`
	// AdvertiseAddr is the address written into share tickets. It defaults
	// to the bound listen address, which only works when peers share a
	// network with us.
	AdvertiseAddr string `yaml:"advertise_addr"`
	// DataDir holds the sqlite database. Empty keeps everything in memory.
	DataDir string `yaml:"data_dir"`
	// SyncIntervalMS paces the live sync loops.
	SyncIntervalMS int `yaml:"sync_interval_ms"`
	// CoalesceWindowMS bounds how often list change notifications fire.
	CoalesceWindowMS int `yaml:"coalesce_window_ms"`
}

// Default is the configuration used when no file exists.
func Default() Config {
	return Config{
		ListenAddr:       "127.0.0.1:0",
		SyncIntervalMS:   1000,
		CoalesceWindowMS: 50,
	}
}

// Load reads the config at path, falling back to defaults when the file
// does not exist. Fields missing from the file keep their defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.SyncIntervalMS <= 0 {
		cfg.SyncIntervalMS = Default().SyncIntervalMS
	}
	if cfg.CoalesceWindowMS <= 0 {
		cfg.CoalesceWindowMS = Default().CoalesceWindowMS
	}
	return cfg, nil
}

func (c Config) SyncInterval() time.Duration {
	return time.Duration(c.SyncIntervalMS) * time.Millisecond
}

func (c Config) CoalesceWindow() time.Duration {
	return time.Duration(c.CoalesceWindowMS) * time.Millisecond
}
