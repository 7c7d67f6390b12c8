// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package client keeps a local dataset replica in step with a patch log.
//
// A Connection pairs one data source on a server, reached through a
// link.Link, with one local Dataset. Sync replays the versions the replica
// has not seen yet; Update turns a local change into a patch, appends it
// with the replica's version as the expected version, and applies it
// locally only once the server has accepted it. A Poller runs Sync in the
// background.
package client

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	delta "github.com/AleutianAI/AleutianDelta/services/delta"
	"github.com/AleutianAI/AleutianDelta/services/delta/link"
	"github.com/AleutianAI/AleutianDelta/services/delta/observability"
	"github.com/AleutianAI/AleutianDelta/services/delta/patch"
)

var tracer = otel.Tracer("aleutian.delta.client")

// Dataset is the local replica. Update must apply everything fn sends to
// the sink atomically: all of it when fn returns nil, none of it otherwise.
type Dataset interface {
	Update(fn func(patch.Sink) error) error
}

// Snapshotter is implemented by datasets whose contents can be saved in the
// zone and restored on the next Connect.
type Snapshotter interface {
	Snapshot() *patch.Patch
	Restore(p *patch.Patch) error
}

// Options configures a Connection.
type Options struct {
	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Metrics may be nil.
	Metrics *observability.Metrics
}

// Connection is a replica of one data source.
//
// Thread Safety: Safe for concurrent use. Sync, Update and Load are
// serialized; a call waits for the one in progress.
type Connection struct {
	link    link.Link
	zone    *Zone
	ds      Dataset
	dsd     delta.DataSourceDescription
	logger  *slog.Logger
	metrics *observability.Metrics

	mu        sync.Mutex
	last      delta.Version
	lastPatch delta.ID
}

// Create registers a new data source on the server and connects to it.
//
// Inputs:
//
//	zone - Local state; may be nil for a replica that is not persisted.
//	lnk - The server.
//	name, uri - The new data source.
//	ds - The replica, expected to be empty.
func Create(ctx context.Context, zone *Zone, lnk link.Link, name, uri string, ds Dataset, opts Options) (*Connection, error) {
	id, err := lnk.NewDataSource(ctx, name, uri)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", name, err)
	}
	return Connect(ctx, zone, lnk, id, ds, opts)
}

// ConnectByName connects to the data source with the given name.
func ConnectByName(ctx context.Context, zone *Zone, lnk link.Link, name string, ds Dataset, opts Options) (*Connection, error) {
	dsd, err := lnk.GetDataSourceDescriptionByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if dsd == nil {
		return nil, fmt.Errorf("data source %q: %w", name, delta.ErrNotFound)
	}
	return Connect(ctx, zone, lnk, dsd.ID, ds, opts)
}

// Connect attaches ds to an existing data source.
//
// Description:
//
//	When the zone has state for the data source and ds is a Snapshotter,
//	the saved snapshot is restored into ds and the connection starts at
//	the saved version. Otherwise it starts at version 0 and the first Sync
//	replays the whole log. Connect does not sync.
func Connect(ctx context.Context, zone *Zone, lnk link.Link, id delta.ID, ds Dataset, opts Options) (*Connection, error) {
	dsd, err := lnk.GetDataSourceDescription(ctx, id)
	if err != nil {
		return nil, err
	}
	if dsd == nil {
		return nil, fmt.Errorf("data source %s: %w", id, delta.ErrNotFound)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Connection{
		link: lnk,
		zone: zone,
		ds:   ds,
		dsd:  *dsd,
		logger: logger.With(
			slog.String("component", "connection"),
			slog.String("dataset", dsd.Name),
		),
		metrics: opts.Metrics,
	}
	if err := c.resume(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Connection) resume(ctx context.Context) error {
	if c.zone == nil {
		return nil
	}
	st, ok, err := c.zone.Get(ctx, c.dsd.ID)
	if err != nil {
		return fmt.Errorf("read zone: %w", err)
	}
	snap, canRestore := c.ds.(Snapshotter)
	if !ok || !canRestore {
		return c.save(ctx)
	}
	p, err := c.zone.Snapshot(ctx, c.dsd.ID)
	if err != nil {
		return fmt.Errorf("read zone: %w", err)
	}
	if p != nil {
		if err := snap.Restore(p); err != nil {
			return fmt.Errorf("restore %s: %w", c.dsd.Name, err)
		}
	}
	c.last, c.lastPatch = st.Version, st.Patch
	c.logger.Info("replica resumed", slog.Int64("version", int64(st.Version)))
	return nil
}

// save records the replica position in the zone. The caller holds mu or
// owns c exclusively.
func (c *Connection) save(ctx context.Context) error {
	if c.zone == nil {
		return nil
	}
	var snapshot *patch.Patch
	if s, ok := c.ds.(Snapshotter); ok {
		snapshot = s.Snapshot()
	}
	st := ZoneState{DataSource: c.dsd.ID, Name: c.dsd.Name, Version: c.last, Patch: c.lastPatch}
	if err := c.zone.Save(ctx, st, snapshot); err != nil {
		return fmt.Errorf("save zone: %w", err)
	}
	return nil
}

// Description returns the data source description.
func (c *Connection) Description() delta.DataSourceDescription { return c.dsd }

// ID returns the data source id.
func (c *Connection) ID() delta.ID { return c.dsd.ID }

// LastApplied returns the version the replica is at.
func (c *Connection) LastApplied() delta.Version {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// applyLocal plays p onto the replica inside one dataset update. The
// transaction markers in p are absorbed; the update is the transaction.
func (c *Connection) applyLocal(p *patch.Patch) error {
	return c.ds.Update(func(sink patch.Sink) error {
		return p.Play(patch.Chain(sink, patch.ExternalTxnStage()))
	})
}

// Sync brings the replica up to the server's current version.
//
// Description:
//
//	Versions are fetched and applied one at a time, in order, each in its
//	own dataset update. The first failure stops the sync: the replica stays
//	at the last version that applied cleanly and the error is returned.
//	A patch that aborts its transaction fails with patch.ErrTxnAbort.
//	A server whose log is behind the replica fails with delta.ErrDiverged
//	and the replica is left as it is.
//
// Outputs:
//
//	delta.Version - The version the replica is at afterwards.
//	error - A link, fetch or apply error, or delta.ErrDiverged.
func (c *Connection) Sync(ctx context.Context) (delta.Version, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ctx, span := tracer.Start(ctx, "client.Sync",
		trace.WithAttributes(
			attribute.String("dataset", c.dsd.Name),
			attribute.Int64("from", int64(c.last)),
		),
	)
	defer span.End()

	applied, err := c.sync(ctx)
	if applied > 0 {
		if serr := c.save(ctx); serr != nil && err == nil {
			err = serr
		}
	}
	c.metrics.RecordSync(applied, err)
	span.SetAttributes(attribute.Int("applied", applied), attribute.Int64("to", int64(c.last)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, observability.Outcome(err))
		return c.last, fmt.Errorf("sync %s at version %d: %w", c.dsd.Name, c.last, err)
	}
	return c.last, nil
}

func (c *Connection) sync(ctx context.Context) (int, error) {
	remote, err := c.link.GetCurrentVersion(ctx, c.dsd.ID)
	if err != nil {
		return 0, err
	}
	if remote < c.last {
		c.logger.Warn("server is behind the replica",
			slog.Int64("server", int64(remote)),
			slog.Int64("replica", int64(c.last)))
		return 0, fmt.Errorf("%w: server at version %d", delta.ErrDiverged, remote)
	}

	applied := 0
	for v := c.last + 1; v <= remote; v++ {
		p, err := c.link.FetchVersion(ctx, c.dsd.ID, v)
		if err != nil {
			return applied, err
		}
		if err := c.applyLocal(p); err != nil {
			c.logger.Warn("patch not applied",
				slog.Int64("version", int64(v)),
				slog.String("error", err.Error()))
			return applied, fmt.Errorf("apply version %d: %w", v, err)
		}
		c.last, c.lastPatch = v, p.ID()
		applied++
	}
	if applied > 0 {
		c.logger.Debug("replica synced", slog.Int("applied", applied), slog.Int64("version", int64(c.last)))
	}
	return applied, nil
}

// Update records the changes fn makes as one patch, appends it to the log
// and applies it to the replica.
//
// Description:
//
//	The append carries the replica's version as the expected version, so
//	it fails with delta.ErrConflict when the log has moved on. The replica
//	is unchanged in that case; the caller should Sync and redo the change.
//	Transaction markers sent by fn are absorbed, and an abort marker
//	cancels the update with patch.ErrTxnAbort. The id and previous headers
//	belong to the connection; fn's versions of them are dropped. An fn that
//	sends no operations appends nothing.
//
// Outputs:
//
//	delta.Version - The version assigned to the patch, or the current
//	                version when nothing was appended.
//	error - fn's error, a link error, or a local apply error.
func (c *Connection) Update(ctx context.Context, fn func(patch.Sink) error) (delta.Version, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	b := patch.NewBuilder()
	if !c.lastPatch.IsZero() {
		b.SetPrevious(c.lastPatch)
	}
	b.Begin()
	ops := 0
	counted := patch.Chain(b,
		patch.ExternalTxnStage(),
		patch.Filter(func(op patch.Operation) bool {
			if op.Kind == patch.OpHeader && (op.Field == patch.HeaderID || op.Field == patch.HeaderPrevious) {
				return false
			}
			if op.Kind.IsData() {
				ops++
			}
			return true
		}),
	)
	if err := fn(counted); err != nil {
		return c.last, err
	}
	if ops == 0 {
		return c.last, nil
	}
	b.Commit()
	return c.appendAndApply(ctx, b.Patch())
}

func (c *Connection) appendAndApply(ctx context.Context, p *patch.Patch) (delta.Version, error) {
	ctx, span := tracer.Start(ctx, "client.Update",
		trace.WithAttributes(
			attribute.String("dataset", c.dsd.Name),
			attribute.Int64("expected", int64(c.last)),
		),
	)
	defer span.End()

	v, err := c.link.Append(ctx, c.dsd.ID, p, c.last)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, observability.Outcome(err))
		return c.last, fmt.Errorf("append to %s: %w", c.dsd.Name, err)
	}
	if err := c.applyLocal(p); err != nil {
		// The server has the patch; the next Sync fetches and applies it.
		return c.last, fmt.Errorf("apply version %d locally: %w", v, err)
	}
	c.last, c.lastPatch = v, p.ID()
	if err := c.save(ctx); err != nil {
		return v, err
	}
	c.logger.Debug("local change appended", slog.Int64("version", int64(v)))
	return v, nil
}

// Load sends the data operations read from r through Update. Headers and
// transaction markers in r are ignored, so any patch file, or a snapshot
// from another replica, can seed a new data source.
func (c *Connection) Load(ctx context.Context, r io.Reader) (delta.Version, error) {
	return c.Update(ctx, func(sink patch.Sink) error {
		return patch.Apply(r, patch.Chain(sink, patch.Filter(func(op patch.Operation) bool {
			return op.Kind.IsData()
		})))
	})
}
