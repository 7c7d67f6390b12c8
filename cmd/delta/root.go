// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianDelta/pkg/logging"
	delta "github.com/AleutianAI/AleutianDelta/services/delta"
	"github.com/AleutianAI/AleutianDelta/services/delta/config"
	"github.com/AleutianAI/AleutianDelta/services/delta/link"
	"github.com/AleutianAI/AleutianDelta/services/delta/link/httplink"
)

// app carries what every command needs after flag parsing.
type app struct {
	configPath string
	serverURL  string
	logLevel   string

	cfg    config.Config
	logger *logging.Logger
}

func (a *app) slog() *slog.Logger {
	if a.logger == nil {
		return slog.Default()
	}
	return a.logger.Slog()
}

// setup loads the configuration and builds the logger. Flags given on the
// command line override the file.
func (a *app) setup(cmd *cobra.Command) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.serverURL != "" {
		cfg.Client.Server = a.serverURL
	}
	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
	}
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	logger, err := logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Logging.Dir,
		Service: "delta",
		JSON:    cfg.Logging.JSON,
		Output:  cmd.ErrOrStderr(),
	})
	if err != nil {
		logger.Slog().Warn("file logging disabled", slog.String("error", err.Error()))
	}
	a.cfg = cfg
	a.logger = logger
	return nil
}

func (a *app) teardown() error {
	if a.logger == nil {
		return nil
	}
	return a.logger.Close()
}

// link returns an HTTP link to the configured server.
func (a *app) link() (*httplink.Client, error) {
	return httplink.New(httplink.Config{
		BaseURL: a.cfg.Client.Server,
		Timeout: a.cfg.Client.Timeout,
		Logger:  a.slog(),
	})
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "delta",
		Short: "RDF patch log server and replication client",
		Long: `delta keeps a versioned log of RDF patches per data source and
keeps local replicas of a data source in step with its log.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return a.teardown()
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "path to the YAML config file (defaults apply when empty or missing)")
	root.PersistentFlags().StringVar(&a.serverURL, "server", "", "patch log server URL (overrides client.server)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "debug, info, warn or error (overrides logging.level)")

	root.AddCommand(
		newServerCmd(a),
		newConfigCmd(a),
		newListCmd(a),
		newMakeCmd(a),
		newRemoveCmd(a),
		newInfoCmd(a),
		newAppendCmd(a),
		newFetchCmd(a),
		newSyncCmd(a),
		newLoadCmd(a),
	)
	return root
}

// resolve finds a data source by id or, failing that, by name.
func resolve(ctx context.Context, lnk link.Link, arg string) (delta.DataSourceDescription, error) {
	if id, err := delta.ParseID(arg); err == nil {
		dsd, err := lnk.GetDataSourceDescription(ctx, id)
		if err != nil {
			return delta.DataSourceDescription{}, err
		}
		if dsd != nil {
			return *dsd, nil
		}
	}
	dsd, err := lnk.GetDataSourceDescriptionByName(ctx, arg)
	if err != nil {
		return delta.DataSourceDescription{}, err
	}
	if dsd == nil {
		return delta.DataSourceDescription{}, fmt.Errorf("data source %q: %w", arg, delta.ErrNotFound)
	}
	return *dsd, nil
}

// parseVersion accepts a non-negative decimal version.
func parseVersion(s string) (delta.Version, bool) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return delta.Version(n), true
}
