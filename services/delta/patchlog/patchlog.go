// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package patchlog provides PatchLog, the per-dataset unit of
// synchronization: one store handle, one append lock, and change
// notifications for watchers.
package patchlog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	delta "github.com/AleutianAI/AleutianDelta/services/delta"
	"github.com/AleutianAI/AleutianDelta/services/delta/observability"
	"github.com/AleutianAI/AleutianDelta/services/delta/patch"
	"github.com/AleutianAI/AleutianDelta/services/delta/store"
)

var tracer = otel.Tracer("aleutian.delta.patchlog")

// Event announces a new version of a log.
type Event struct {
	DataSource delta.ID      `json:"id"`
	Version    delta.Version `json:"version"`
	Patch      delta.ID      `json:"patch"`
}

// Options configures a PatchLog.
type Options struct {
	// Provider is the store provider name, used as a metric label.
	Provider string

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Metrics may be nil.
	Metrics *observability.Metrics
}

// PatchLog wraps exactly one store handle.
//
// Description:
//
//	Appends through one PatchLog are serialized by an internal mutex, so the
//	expected version computed by Append cannot go stale between the read
//	and the write inside this process. Fetches and version queries take no
//	lock here and run concurrently with an append; the store guarantees
//	they see either the old or the new head, never a partial patch.
//
// Thread Safety: Safe for concurrent use.
type PatchLog struct {
	handle   store.Handle
	dsd      delta.DataSourceDescription
	provider string
	logger   *slog.Logger
	metrics  *observability.Metrics

	appendMu sync.Mutex
	released atomic.Bool

	subMu   sync.Mutex
	subs    map[uint64]chan Event
	nextSub uint64
}

// New wraps h.
func New(h store.Handle, opts Options) *PatchLog {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dsd := h.Description()
	return &PatchLog{
		handle:   h,
		dsd:      dsd,
		provider: opts.Provider,
		logger: logger.With(
			slog.String("component", "patchlog"),
			slog.String("dataset", dsd.Name),
		),
		metrics: opts.Metrics,
		subs:    make(map[uint64]chan Event),
	}
}

// Description returns the data source description.
func (l *PatchLog) Description() delta.DataSourceDescription { return l.dsd }

// Provider returns the store provider name.
func (l *PatchLog) Provider() string { return l.provider }

func (l *PatchLog) check() error {
	if l.released.Load() {
		return fmt.Errorf("log %s: %w", l.dsd.Name, delta.ErrClosed)
	}
	return nil
}

// Append stores p as the next version after the current one.
//
// Outputs:
//
//	delta.Version - The assigned version.
//	error - delta.ErrConflict if another process appended in between (only
//	        possible with a shared store), patch.ErrMalformedPatch, or a
//	        storage error.
func (l *PatchLog) Append(ctx context.Context, p *patch.Patch) (delta.Version, error) {
	return l.append(ctx, p, delta.VersionAny, true)
}

// AppendExpected stores p only if the log is at version expected.
func (l *PatchLog) AppendExpected(ctx context.Context, p *patch.Patch, expected delta.Version) (delta.Version, error) {
	return l.append(ctx, p, expected, false)
}

func (l *PatchLog) append(ctx context.Context, p *patch.Patch, expected delta.Version, current bool) (delta.Version, error) {
	if err := l.check(); err != nil {
		return 0, err
	}
	ctx, span := tracer.Start(ctx, "patchlog.Append",
		trace.WithAttributes(
			attribute.String("dataset", l.dsd.Name),
			attribute.String("provider", l.provider),
			attribute.Int64("expected", int64(expected)),
		),
	)
	defer span.End()
	start := time.Now()

	l.appendMu.Lock()
	v, err := func() (delta.Version, error) {
		defer l.appendMu.Unlock()
		if current {
			cur, err := l.handle.CurrentVersion(ctx)
			if err != nil {
				return 0, err
			}
			expected = cur
		}
		return l.handle.Append(ctx, p, expected)
	}()
	l.metrics.RecordAppend(l.provider, err, time.Since(start))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, observability.Outcome(err))
		l.logger.Debug("append rejected",
			slog.Int64("expected", int64(expected)),
			slog.String("error", err.Error()))
		return 0, fmt.Errorf("append to %s: %w", l.dsd.Name, err)
	}

	span.SetAttributes(attribute.Int64("version", int64(v)))
	l.metrics.SetLogVersion(l.dsd.Name, v)
	l.logger.Info("patch appended",
		slog.Int64("version", int64(v)),
		slog.String("patch", p.ID().String()),
		slog.Int("ops", p.Len()))
	l.notify(Event{DataSource: l.dsd.ID, Version: v, Patch: p.ID()})
	return v, nil
}

// FetchVersion returns the patch at version v.
func (l *PatchLog) FetchVersion(ctx context.Context, v delta.Version) (*patch.Patch, error) {
	if err := l.check(); err != nil {
		return nil, err
	}
	ctx, span := tracer.Start(ctx, "patchlog.FetchVersion",
		trace.WithAttributes(attribute.String("dataset", l.dsd.Name), attribute.Int64("version", int64(v))))
	defer span.End()

	p, err := l.handle.FetchVersion(ctx, v)
	l.metrics.RecordFetch(err)
	if err != nil {
		span.SetStatus(codes.Error, observability.Outcome(err))
		return nil, fmt.Errorf("fetch %s version %d: %w", l.dsd.Name, v, err)
	}
	return p, nil
}

// FetchID returns the patch with the given id.
func (l *PatchLog) FetchID(ctx context.Context, id delta.ID) (*patch.Patch, error) {
	if err := l.check(); err != nil {
		return nil, err
	}
	ctx, span := tracer.Start(ctx, "patchlog.FetchID",
		trace.WithAttributes(attribute.String("dataset", l.dsd.Name), attribute.String("patch", id.String())))
	defer span.End()

	p, err := l.handle.FetchID(ctx, id)
	l.metrics.RecordFetch(err)
	if err != nil {
		span.SetStatus(codes.Error, observability.Outcome(err))
		return nil, fmt.Errorf("fetch %s patch %s: %w", l.dsd.Name, id, err)
	}
	return p, nil
}

// CurrentVersion returns the latest version, 0 if the log is empty.
func (l *PatchLog) CurrentVersion(ctx context.Context) (delta.Version, error) {
	if err := l.check(); err != nil {
		return 0, err
	}
	return l.handle.CurrentVersion(ctx)
}

// Info returns the log summary.
func (l *PatchLog) Info(ctx context.Context) (delta.PatchLogInfo, error) {
	if err := l.check(); err != nil {
		return delta.PatchLogInfo{}, err
	}
	return l.handle.Info(ctx)
}

// Truncate drops versions before keepFrom.
func (l *PatchLog) Truncate(ctx context.Context, keepFrom delta.Version) error {
	if err := l.check(); err != nil {
		return err
	}
	l.appendMu.Lock()
	defer l.appendMu.Unlock()

	if err := l.handle.Truncate(ctx, keepFrom); err != nil {
		return fmt.Errorf("truncate %s: %w", l.dsd.Name, err)
	}
	l.logger.Info("log truncated", slog.Int64("keep_from", int64(keepFrom)))
	return nil
}

// Release detaches the log from its store and closes every subscription.
// Later calls are no-ops.
func (l *PatchLog) Release() error {
	if l.released.Swap(true) {
		return nil
	}
	l.appendMu.Lock()
	defer l.appendMu.Unlock()

	l.subMu.Lock()
	for id, ch := range l.subs {
		close(ch)
		delete(l.subs, id)
	}
	l.subMu.Unlock()
	return l.handle.Release()
}

// -----------------------------------------------------------------------------
// Notifications
// -----------------------------------------------------------------------------

// Subscribe returns a channel that receives an Event after each append
// through this PatchLog, and a function that ends the subscription.
//
// Description:
//
//	The channel holds one pending event. A subscriber that falls behind
//	sees the newest event rather than every event, which is enough to know
//	it must sync. The channel is closed when the subscription ends or the
//	log is released.
func (l *PatchLog) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 1)

	l.subMu.Lock()
	if l.released.Load() {
		l.subMu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := l.nextSub
	l.nextSub++
	l.subs[id] = ch
	l.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			l.subMu.Lock()
			defer l.subMu.Unlock()
			if c, ok := l.subs[id]; ok {
				close(c)
				delete(l.subs, id)
			}
		})
	}
}

func (l *PatchLog) notify(ev Event) {
	l.subMu.Lock()
	defer l.subMu.Unlock()
	for _, ch := range l.subs {
		select {
		case ch <- ev:
			continue
		default:
		}
		// replace the stale pending event
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- ev:
		default:
		}
	}
}
