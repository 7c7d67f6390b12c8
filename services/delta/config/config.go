// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the YAML configuration shared by the server and the
// command line client.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianDelta/services/delta/coord"
	"github.com/AleutianAI/AleutianDelta/services/delta/store"
	"github.com/AleutianAI/AleutianDelta/services/delta/store/coordstore"
)

// Config is the whole configuration file.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Client    ClientConfig    `yaml:"client"`
	Logging   LoggingConfig   `yaml:"logging"`
	Providers ProvidersConfig `yaml:"providers"`
}

// ServerConfig configures `delta server`.
type ServerConfig struct {
	// Listen is the HTTP listen address.
	Listen string `yaml:"listen"`

	// Provider stores new data sources. It must be enabled.
	Provider string `yaml:"provider"`

	// MaxPatchBytes bounds an uploaded patch.
	MaxPatchBytes int64 `yaml:"max_patch_bytes"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// Metrics serves GET /metrics when true.
	Metrics bool `yaml:"metrics"`
}

// ClientConfig configures the client commands.
type ClientConfig struct {
	// Server is the base URL of the patch log server.
	Server string `yaml:"server"`

	// Zone is the directory of the client's local state.
	Zone string `yaml:"zone"`

	// Timeout bounds each request to the server.
	Timeout time.Duration `yaml:"timeout"`

	PollInterval time.Duration `yaml:"poll_interval"`
	PollBackoff  time.Duration `yaml:"poll_backoff"`
}

// LoggingConfig configures pkg/logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	Dir   string `yaml:"dir"`
	JSON  bool   `yaml:"json"`
}

// ProvidersConfig enables and configures the patch store providers.
type ProvidersConfig struct {
	Mem    MemConfig    `yaml:"mem"`
	File   FileConfig   `yaml:"file"`
	Badger BadgerConfig `yaml:"badger"`
	Coord  CoordConfig  `yaml:"coord"`
}

// MemConfig configures the process-local provider.
type MemConfig struct {
	Enabled bool `yaml:"enabled"`
}

// FileConfig configures the file provider.
type FileConfig struct {
	Enabled bool   `yaml:"enabled"`
	Area    string `yaml:"area"`
}

// BadgerConfig configures the badger provider.
type BadgerConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Path           string        `yaml:"path"`
	SyncWrites     bool          `yaml:"sync_writes"`
	GCInterval     time.Duration `yaml:"gc_interval"`
	GCDiscardRatio float64       `yaml:"gc_discard_ratio"`
}

// Coordinator kinds.
const (
	CoordinatorEtcd   = "etcd"
	CoordinatorMemory = "memory"
)

// CoordConfig configures the coordination provider.
type CoordConfig struct {
	Enabled bool `yaml:"enabled"`

	// Coordinator is "etcd" or "memory". The memory coordinator only
	// serves one process and is meant for development.
	Coordinator string `yaml:"coordinator"`

	Etcd   coord.EtcdConfig `yaml:"etcd"`
	Bodies BodiesConfig     `yaml:"bodies"`
}

// BodiesConfig selects where the coordination provider keeps patch bodies:
// a bucket when GCS.Bucket is set, otherwise Dir.
type BodiesConfig struct {
	Dir string               `yaml:"dir"`
	GCS coordstore.GCSConfig `yaml:"gcs"`
}

// Default returns a configuration for a single server with the file
// provider under ~/.aleutian/delta.
func Default() Config {
	base := defaultBase()
	return Config{
		Server: ServerConfig{
			Listen:          ":1066",
			Provider:        store.ProviderFile,
			MaxPatchBytes:   64 << 20,
			ShutdownTimeout: 10 * time.Second,
			Metrics:         true,
		},
		Client: ClientConfig{
			Server:       "http://localhost:1066",
			Zone:         filepath.Join(base, "zone"),
			Timeout:      30 * time.Second,
			PollInterval: 2 * time.Second,
			PollBackoff:  3 * time.Second,
		},
		Logging: LoggingConfig{Level: "info"},
		Providers: ProvidersConfig{
			File: FileConfig{Enabled: true, Area: filepath.Join(base, "logs")},
			Badger: BadgerConfig{
				Path:           filepath.Join(base, "badger"),
				SyncWrites:     true,
				GCInterval:     5 * time.Minute,
				GCDiscardRatio: 0.5,
			},
			Coord: CoordConfig{
				Coordinator: CoordinatorEtcd,
				Etcd: coord.EtcdConfig{
					Endpoints:      []string{"127.0.0.1:2379"},
					DialTimeout:    5 * time.Second,
					RequestTimeout: 5 * time.Second,
					Prefix:         "/aleutian-delta/",
				},
				Bodies: BodiesConfig{Dir: filepath.Join(base, "bodies")},
			},
		},
	}
}

func defaultBase() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".aleutian-delta"
	}
	return filepath.Join(home, ".aleutian", "delta")
}

// Load reads the file at path over the defaults. A missing file yields the
// defaults; an empty path does too.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("failed to read the config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Write saves cfg to path, creating the directory.
func Write(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Validate checks the settings that would otherwise fail late.
func (c Config) Validate() error {
	var errs []error
	p := c.Providers
	enabled := map[string]bool{
		store.ProviderMem:    p.Mem.Enabled,
		store.ProviderFile:   p.File.Enabled,
		store.ProviderBadger: p.Badger.Enabled,
		store.ProviderCoord:  p.Coord.Enabled,
	}
	if !enabled[c.Server.Provider] {
		errs = append(errs, fmt.Errorf("server.provider %q is not an enabled provider", c.Server.Provider))
	}
	if p.File.Enabled && p.File.Area == "" {
		errs = append(errs, errors.New("providers.file.area is required"))
	}
	if p.Badger.Enabled && p.Badger.Path == "" {
		errs = append(errs, errors.New("providers.badger.path is required"))
	}
	if p.Coord.Enabled {
		switch p.Coord.Coordinator {
		case CoordinatorEtcd:
			if len(p.Coord.Etcd.Endpoints) == 0 {
				errs = append(errs, errors.New("providers.coord.etcd.endpoints is required"))
			}
		case CoordinatorMemory:
		default:
			errs = append(errs, fmt.Errorf("providers.coord.coordinator %q: want etcd or memory", p.Coord.Coordinator))
		}
		if p.Coord.Bodies.GCS.Bucket == "" && p.Coord.Bodies.Dir == "" {
			errs = append(errs, errors.New("providers.coord.bodies needs a dir or a gcs bucket"))
		}
	}
	if c.Server.MaxPatchBytes < 0 {
		errs = append(errs, errors.New("server.max_patch_bytes must not be negative"))
	}
	if c.Client.PollInterval < 0 || c.Client.PollBackoff < 0 {
		errs = append(errs, errors.New("client poll durations must not be negative"))
	}
	return errors.Join(errs...)
}
