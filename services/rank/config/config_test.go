// Copyright (C) 2026 Tesuji AI (dev@tesuji.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig("/var/lib/tesuji")
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "/var/lib/tesuji", cfg.DataDir)
	assert.Equal(t, 5, cfg.OpeningHorizon)
	assert.True(t, cfg.SyncWrites)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults ok", func(c *Config) {}, false},
		{"in-memory without dir ok", func(c *Config) { c.DataDir = ""; c.InMemory = true }, false},
		{"missing dir", func(c *Config) { c.DataDir = "" }, true},
		{"negative horizon", func(c *Config) { c.OpeningHorizon = -1 }, true},
		{"negative lock timeout", func(c *Config) { c.LockTimeout = -time.Second }, true},
		{"unknown log level", func(c *Config) { c.LogLevel = "verbose" }, true},
		{"empty log level ok", func(c *Config) { c.LogLevel = "" }, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig("/tmp/tesuji")
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.wantErr {
				require.ErrorIs(t, err, ErrInvalidConfig)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tesuji.yaml")
	body := `
data_dir: /srv/tesuji
opening_horizon: 8
sync_writes: false
lock_timeout: 10s
log_level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/srv/tesuji", cfg.DataDir)
	assert.Equal(t, 8, cfg.OpeningHorizon)
	assert.False(t, cfg.SyncWrites)
	assert.Equal(t, 10*time.Second, cfg.LockTimeout)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.OpeningHorizon)
}

func TestLoad_InvalidContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("opening_horizon: -3\ndata_dir: /x\n"), 0o644))

	_, err := Load(path)
	require.ErrorIs(t, err, ErrInvalidConfig)
}
