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
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianDelta/services/delta/config"
	"github.com/AleutianAI/AleutianDelta/services/delta/httpserver"
	"github.com/AleutianAI/AleutianDelta/services/delta/observability"
	"github.com/AleutianAI/AleutianDelta/services/delta/server"
)

// readHeaderTimeout bounds how long a client may take to send headers.
const readHeaderTimeout = 10 * time.Second

func newServerCmd(a *app) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the patch log server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.cfg
			if listen != "" {
				cfg.Server.Listen = listen
			}
			gin.SetMode(gin.ReleaseMode)
			return runServer(cmd.Context(), cfg, a.slog(), nil)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (overrides server.listen)")
	return cmd
}

// runServer serves the patch log until ctx is cancelled.
//
// Description:
//
//	Opens the configured stores, recovers their data sources and serves
//	HTTP on cfg.Server.Listen. When ctx ends the HTTP server drains within
//	cfg.Server.ShutdownTimeout, then the logs and stores are closed.
//
// Inputs:
//
//	ready - Called with the bound address once the listener is open. May
//	        be nil.
//
// Outputs:
//
//	error - Non-nil if startup fails or the listener dies.
func runServer(ctx context.Context, cfg config.Config, logger *slog.Logger, ready func(net.Addr)) error {
	logger = logger.With(slog.String("component", "server"))

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(promReg)

	reg, err := cfg.OpenRegistry(ctx, logger)
	if err != nil {
		return fmt.Errorf("open stores: %w", err)
	}
	defer func() {
		if err := reg.Close(); err != nil {
			logger.Warn("close stores", slog.String("error", err.Error()))
		}
	}()

	srv, err := server.NewLocalServer(ctx, reg, server.Options{Logger: logger, Metrics: metrics})
	if err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	defer srv.Close()

	handlers := httpserver.NewHandlers(srv, httpserver.Options{
		Logger:        logger,
		Metrics:       metrics,
		MaxPatchBytes: cfg.Server.MaxPatchBytes,
	})
	var gatherer prometheus.Gatherer
	if cfg.Server.Metrics {
		gatherer = promReg
	}

	ln, err := net.Listen("tcp", cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Server.Listen, err)
	}
	httpSrv := &http.Server{
		Handler:           httpserver.NewRouter(handlers, gatherer),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	logger.Info("serving",
		slog.String("addr", ln.Addr().String()),
		slog.Int("data_sources", srv.Len()),
	)
	if ready != nil {
		ready(ln.Addr())
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpSrv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		logger.Info("shutting down")
		return httpSrv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
