// Copyright (C) 2026 Tesuji AI (dev@tesuji.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config holds the engine configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig wraps all validation failures.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the engine configuration, loadable from YAML.
type Config struct {
	// DataDir is the store directory. Required unless InMemory is set.
	DataDir string `yaml:"data_dir"`

	// InMemory runs the store without disk persistence. Intended for
	// tests and throwaway sessions.
	InMemory bool `yaml:"in_memory"`

	// SyncWrites forces fsync on every commit. Slower, safest.
	SyncWrites bool `yaml:"sync_writes"`

	// OpeningHorizon is how many of the agent's own opening moves are
	// tracked per game.
	OpeningHorizon int `yaml:"opening_horizon"`

	// LockTimeout bounds how long startup waits for the single-writer
	// lock on DataDir.
	LockTimeout time.Duration `yaml:"lock_timeout"`

	// LockTTL is how long a held lock stays valid without renewal;
	// stale locks past the TTL from dead processes are reclaimed.
	LockTTL time.Duration `yaml:"lock_ttl"`

	// WatchExternal reports external modification of the data
	// directory while the engine owns it.
	WatchExternal bool `yaml:"watch_external"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
}

// DefaultConfig returns production defaults.
func DefaultConfig(dataDir string) Config {
	return Config{
		DataDir:        dataDir,
		SyncWrites:     true,
		OpeningHorizon: 5,
		LockTimeout:    5 * time.Second,
		LockTTL:        time.Hour,
		LogLevel:       "info",
	}
}

// Validate checks the configuration for usability.
func (c Config) Validate() error {
	if !c.InMemory && c.DataDir == "" {
		return fmt.Errorf("%w: data_dir is required unless in_memory is set", ErrInvalidConfig)
	}
	if c.OpeningHorizon < 0 {
		return fmt.Errorf("%w: opening_horizon must be >= 0, got %d", ErrInvalidConfig, c.OpeningHorizon)
	}
	if c.LockTimeout < 0 {
		return fmt.Errorf("%w: lock_timeout must be >= 0", ErrInvalidConfig)
	}
	if c.LockTTL < 0 {
		return fmt.Errorf("%w: lock_ttl must be >= 0", ErrInvalidConfig)
	}
	switch c.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: unknown log_level %q", ErrInvalidConfig, c.LogLevel)
	}
	return nil
}

// Load reads a YAML config file over top of the defaults for dataDir.
// A missing file is not an error; the defaults are returned.
func Load(path string) (Config, error) {
	cfg := DefaultConfig("")

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
