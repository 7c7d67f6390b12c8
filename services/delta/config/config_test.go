// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianDelta/services/delta/store"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, store.ProviderFile, cfg.Server.Provider)
	assert.Equal(t, 2*time.Second, cfg.Client.PollInterval)
	assert.Equal(t, 3*time.Second, cfg.Client.PollBackoff)
}

func TestLoadMissingFileGivesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "delta.yaml")
	yaml := `
server:
  listen: "127.0.0.1:9000"
  provider: mem
client:
  poll_interval: 500ms
providers:
  mem:
    enabled: true
  coord:
    enabled: true
    coordinator: memory
    etcd:
      endpoints: ["10.0.0.1:2379", "10.0.0.2:2379"]
      dial_timeout: 2s
    bodies:
      gcs:
        bucket: delta-bodies
        prefix: logs/
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", cfg.Server.Listen)
	assert.Equal(t, store.ProviderMem, cfg.Server.Provider)
	assert.Equal(t, 500*time.Millisecond, cfg.Client.PollInterval)
	assert.Equal(t, 3*time.Second, cfg.Client.PollBackoff)
	assert.True(t, cfg.Providers.File.Enabled)
	assert.Equal(t, []string{"10.0.0.1:2379", "10.0.0.2:2379"}, cfg.Providers.Coord.Etcd.Endpoints)
	assert.Equal(t, 2*time.Second, cfg.Providers.Coord.Etcd.DialTimeout)
	assert.Equal(t, "delta-bodies", cfg.Providers.Coord.Bodies.GCS.Bucket)
}

func TestLoadRejectsBadFiles(t *testing.T) {
	dir := t.TempDir()

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("server: [unclosed"), 0644))
	_, err := Load(bad)
	assert.Error(t, err)

	invalid := filepath.Join(dir, "invalid.yaml")
	require.NoError(t, os.WriteFile(invalid, []byte("server:\n  provider: badger\n"), 0644))
	_, err = Load(invalid)
	assert.ErrorContains(t, err, "not an enabled provider")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		want   string
	}{
		{"file area", func(c *Config) { c.Providers.File.Area = "" }, "providers.file.area"},
		{"badger path", func(c *Config) {
			c.Providers.Badger.Enabled = true
			c.Providers.Badger.Path = ""
		}, "providers.badger.path"},
		{"coordinator kind", func(c *Config) {
			c.Providers.Coord.Enabled = true
			c.Providers.Coord.Coordinator = "zookeeper"
		}, "want etcd or memory"},
		{"etcd endpoints", func(c *Config) {
			c.Providers.Coord.Enabled = true
			c.Providers.Coord.Etcd.Endpoints = nil
		}, "endpoints"},
		{"bodies", func(c *Config) {
			c.Providers.Coord.Enabled = true
			c.Providers.Coord.Bodies.Dir = ""
		}, "bodies"},
		{"poll", func(c *Config) { c.Client.PollInterval = -time.Second }, "poll"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(&cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
}

func TestWriteThenLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "delta.yaml")
	cfg := Default()
	cfg.Server.Listen = ":7000"
	require.NoError(t, Write(path, cfg))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, got)
}

func TestOpenRegistry(t *testing.T) {
	dir := t.TempDir()
	cfg := Default()
	cfg.Server.Provider = store.ProviderBadger
	cfg.Providers = ProvidersConfig{
		Mem:  MemConfig{Enabled: true},
		File: FileConfig{Enabled: true, Area: filepath.Join(dir, "logs")},
		Badger: BadgerConfig{
			Enabled: true,
			Path:    filepath.Join(dir, "badger"),
		},
		Coord: CoordConfig{
			Enabled:     true,
			Coordinator: CoordinatorMemory,
			Bodies:      BodiesConfig{Dir: filepath.Join(dir, "bodies")},
		},
	}
	require.NoError(t, cfg.Validate())

	reg, err := cfg.OpenRegistry(context.Background(), nil)
	require.NoError(t, err)
	defer reg.Close()

	var names []string
	for _, s := range reg.Stores() {
		names = append(names, s.Provider())
	}
	assert.Equal(t, []string{store.ProviderMem, store.ProviderFile, store.ProviderBadger, store.ProviderCoord}, names)

	def, err := reg.Default()
	require.NoError(t, err)
	assert.Equal(t, store.ProviderBadger, def.Provider())
}

func TestOpenRegistryUnknownDefault(t *testing.T) {
	cfg := Default()
	cfg.Providers = ProvidersConfig{Mem: MemConfig{Enabled: true}}
	cfg.Server.Provider = store.ProviderFile

	_, err := cfg.OpenRegistry(context.Background(), nil)
	assert.ErrorIs(t, err, store.ErrUnknownProvider)
}
