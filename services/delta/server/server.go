// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package server provides LocalServer, the in-process registry of live
// patch logs that the link layer and the HTTP server sit on.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	delta "github.com/AleutianAI/AleutianDelta/services/delta"
	"github.com/AleutianAI/AleutianDelta/services/delta/observability"
	"github.com/AleutianAI/AleutianDelta/services/delta/patchlog"
	"github.com/AleutianAI/AleutianDelta/services/delta/store"
)

// DataSource pairs a description with its live patch log.
type DataSource struct {
	desc     delta.DataSourceDescription
	log      *patchlog.PatchLog
	provider string
}

// Description returns the immutable description.
func (d *DataSource) Description() delta.DataSourceDescription { return d.desc }

// ID returns the data source id.
func (d *DataSource) ID() delta.ID { return d.desc.ID }

// Name returns the data source name.
func (d *DataSource) Name() string { return d.desc.Name }

// Log returns the patch log.
func (d *DataSource) Log() *patchlog.PatchLog { return d.log }

// Provider returns the name of the store provider holding the log.
func (d *DataSource) Provider() string { return d.provider }

// Options configures a LocalServer.
type Options struct {
	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Metrics may be nil.
	Metrics *observability.Metrics
}

// LocalServer keeps the data sources of every registered store.
//
// Description:
//
//	On construction each store lists its logs and the server attaches a
//	PatchLog to every one of them, so a restarted process serves the logs it
//	served before. Lookups that miss, listings and name clashes rescan the
//	stores, so logs created or removed by another process sharing a store
//	are picked up. New data sources go to the registry's default store.
//	Names are unique across all stores.
//
// Thread Safety: Safe for concurrent use.
type LocalServer struct {
	registry *store.Registry
	logger   *slog.Logger
	metrics  *observability.Metrics

	mu     sync.RWMutex
	byID   map[delta.ID]*DataSource
	byName map[string]*DataSource
	closed bool
}

// NewLocalServer builds a server over the stores in reg and recovers their
// logs.
//
// Inputs:
//
//	ctx - Bounds the recovery scan.
//	reg - The stores. The server does not close them.
//	opts - Logger and metrics.
//
// Outputs:
//
//	*LocalServer - The server.
//	error - Non-nil if a store could not be listed or a log not attached.
func NewLocalServer(ctx context.Context, reg *store.Registry, opts Options) (*LocalServer, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &LocalServer{
		registry: reg,
		logger:   logger.With(slog.String("component", "local_server")),
		metrics:  opts.Metrics,
		byID:     make(map[delta.ID]*DataSource),
		byName:   make(map[string]*DataSource),
	}

	if err := s.refresh(ctx); err != nil {
		s.Close()
		return nil, err
	}
	s.logger.Info("local server ready", slog.Int("data_sources", s.Len()))
	return s, nil
}

// Len returns the number of attached data sources without rescanning the
// stores.
func (s *LocalServer) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

// listed is a description found in a store.
type listed struct {
	dsd delta.DataSourceDescription
	st  store.Store
}

// refresh brings the server in line with its stores.
//
// Description:
//
//	Stores shared between processes (the coordination provider) gain and
//	lose logs behind this server's back. refresh attaches every log a store
//	lists that is not attached yet and releases attached logs that no store
//	lists any more. Logs attached while the scan runs are left alone. When
//	two logs share a name the one attached first is kept.
//
// Outputs:
//
//	error - A store could not be listed, or a listed log could not be
//	        connected. Every other log is still brought up to date.
func (s *LocalServer) refresh(ctx context.Context) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return fmt.Errorf("local server: %w", delta.ErrClosed)
	}
	before := make(map[delta.ID]bool, len(s.byID))
	for id := range s.byID {
		before[id] = true
	}
	s.mu.RUnlock()

	var (
		found  []listed
		errs   []error
		failed bool
	)
	seen := make(map[delta.ID]bool)
	for _, st := range s.registry.Stores() {
		dsds, err := st.List(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("list %s store: %w", st.Provider(), err))
			failed = true
			continue
		}
		for _, dsd := range dsds {
			seen[dsd.ID] = true
			found = append(found, listed{dsd: dsd, st: st})
		}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("local server: %w", delta.ErrClosed)
	}
	var stale []*DataSource
	if !failed {
		for id := range before {
			ds, ok := s.byID[id]
			if !ok || seen[id] {
				continue
			}
			delete(s.byID, id)
			delete(s.byName, ds.desc.Name)
			stale = append(stale, ds)
		}
	}
	var added []*DataSource
	for _, f := range found {
		if _, ok := s.byID[f.dsd.ID]; ok {
			continue
		}
		if prev, ok := s.byName[f.dsd.Name]; ok {
			s.logger.Warn("skipping data source with duplicate name",
				slog.String("name", f.dsd.Name),
				slog.String("provider", f.st.Provider()),
				slog.String("kept_provider", prev.provider))
			continue
		}
		h, err := f.st.Connect(ctx, f.dsd)
		if errors.Is(err, delta.ErrNotFound) {
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("attach %s: %w", f.dsd.Name, err))
			continue
		}
		added = append(added, s.attach(h, f.st.Provider()))
	}
	n := len(s.byID)
	s.mu.Unlock()

	for _, ds := range stale {
		s.metrics.ForgetLog(ds.desc.Name)
		if err := ds.log.Release(); err != nil {
			s.logger.Warn("release failed", slog.String("name", ds.desc.Name), slog.String("error", err.Error()))
		}
		s.logger.Info("data source gone from its store",
			slog.String("name", ds.desc.Name),
			slog.String("provider", ds.provider))
	}
	for _, ds := range added {
		v, _ := ds.log.CurrentVersion(ctx)
		s.metrics.SetLogVersion(ds.desc.Name, v)
		s.logger.Debug("data source attached",
			slog.String("name", ds.desc.Name),
			slog.String("provider", ds.provider),
			slog.Int64("version", int64(v)))
	}
	s.metrics.SetDataSources(n)
	return errors.Join(errs...)
}

// tryRefresh refreshes and logs a failure instead of returning it. Lookups
// still answer from what is attached.
func (s *LocalServer) tryRefresh(ctx context.Context) {
	if err := s.refresh(ctx); err != nil && !errors.Is(err, delta.ErrClosed) {
		s.logger.Warn("refresh from stores failed", slog.String("error", err.Error()))
	}
}

// attach registers a handle. The caller holds mu.
func (s *LocalServer) attach(h store.Handle, provider string) *DataSource {
	ds := &DataSource{
		desc: h.Description(),
		log: patchlog.New(h, patchlog.Options{
			Provider: provider,
			Logger:   s.logger,
			Metrics:  s.metrics,
		}),
		provider: provider,
	}
	s.byID[ds.desc.ID] = ds
	s.byName[ds.desc.Name] = ds
	return ds
}

// CreateDataSource registers a new empty log in the default store.
//
// Description:
//
//	When the name is taken by an attached log the stores are rescanned
//	first, so a name freed by another process can be reused.
//
// Outputs:
//
//	*DataSource - The new data source.
//	error - delta.ErrExists if the name is taken, delta.ErrInvalidName for
//	        an unusable name, or a storage error.
func (s *LocalServer) CreateDataSource(ctx context.Context, name, uri string) (*DataSource, error) {
	dsd, err := delta.NewDataSourceDescription(name, uri)
	if err != nil {
		return nil, err
	}
	st, err := s.registry.Default()
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	_, taken := s.byName[name]
	s.mu.RUnlock()
	if taken {
		s.tryRefresh(ctx)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("local server: %w", delta.ErrClosed)
	}
	if _, ok := s.byName[name]; ok {
		return nil, fmt.Errorf("data source %q: %w", name, delta.ErrExists)
	}

	h, err := st.Create(ctx, dsd)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", name, err)
	}
	ds := s.attach(h, st.Provider())
	s.metrics.SetDataSources(len(s.byID))
	s.metrics.SetLogVersion(name, 0)
	s.logger.Info("data source created",
		slog.String("name", name),
		slog.String("id", dsd.ID.String()),
		slog.String("provider", st.Provider()))
	return ds, nil
}

// Remove releases a data source and deletes its log from its store.
func (s *LocalServer) Remove(ctx context.Context, id delta.ID) error {
	ds, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if cur, ok := s.byID[id]; ok && cur == ds {
		delete(s.byID, id)
		delete(s.byName, ds.desc.Name)
	}
	n := len(s.byID)
	s.mu.Unlock()

	s.metrics.SetDataSources(n)
	s.metrics.ForgetLog(ds.desc.Name)
	if err := ds.log.Release(); err != nil {
		s.logger.Warn("release failed", slog.String("name", ds.desc.Name), slog.String("error", err.Error()))
	}
	st, err := s.registry.Get(ds.provider)
	if err != nil {
		return err
	}
	if err := st.Remove(ctx, id); err != nil {
		return fmt.Errorf("remove %s: %w", ds.desc.Name, err)
	}
	s.logger.Info("data source removed", slog.String("name", ds.desc.Name), slog.String("id", id.String()))
	return nil
}

func (s *LocalServer) byIDLocked(id delta.ID) (*DataSource, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ds, ok := s.byID[id]
	return ds, ok
}

// Get returns the data source with the given id. An id this server has not
// attached is looked up in the stores before NotFound is returned.
func (s *LocalServer) Get(ctx context.Context, id delta.ID) (*DataSource, error) {
	if ds, ok := s.byIDLocked(id); ok {
		return ds, nil
	}
	s.tryRefresh(ctx)
	if ds, ok := s.byIDLocked(id); ok {
		return ds, nil
	}
	return nil, fmt.Errorf("data source %s: %w", id, delta.ErrNotFound)
}

// GetByName returns the data source with the given name. The stores are
// rescanned first, since another process may have removed or replaced the
// log behind a name.
func (s *LocalServer) GetByName(ctx context.Context, name string) (*DataSource, error) {
	s.tryRefresh(ctx)
	s.mu.RLock()
	defer s.mu.RUnlock()
	ds, ok := s.byName[name]
	if !ok {
		return nil, fmt.Errorf("data source %q: %w", name, delta.ErrNotFound)
	}
	return ds, nil
}

// List rescans the stores and returns every description, ordered by name.
func (s *LocalServer) List(ctx context.Context) []delta.DataSourceDescription {
	s.tryRefresh(ctx)
	s.mu.RLock()
	out := make([]delta.DataSourceDescription, 0, len(s.byID))
	for _, ds := range s.byID {
		out = append(out, ds.desc)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Close releases every log. The stores stay open; the registry owner
// closes them.
func (s *LocalServer) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	sources := make([]*DataSource, 0, len(s.byID))
	for _, ds := range s.byID {
		sources = append(sources, ds)
	}
	s.byID = make(map[delta.ID]*DataSource)
	s.byName = make(map[string]*DataSource)
	s.mu.Unlock()

	var errs []error
	for _, ds := range sources {
		if err := ds.log.Release(); err != nil {
			errs = append(errs, fmt.Errorf("release %s: %w", ds.desc.Name, err))
		}
	}
	return errors.Join(errs...)
}
