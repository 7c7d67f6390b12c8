// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package link

import (
	"context"
	"errors"
	"fmt"

	delta "github.com/AleutianAI/AleutianDelta/services/delta"
	"github.com/AleutianAI/AleutianDelta/services/delta/patch"
	"github.com/AleutianAI/AleutianDelta/services/delta/server"
)

// Local is a Link to a LocalServer in the same process.
//
// Thread Safety: Safe for concurrent use.
type Local struct {
	srv *server.LocalServer
}

var (
	_ Link    = (*Local)(nil)
	_ Watcher = (*Local)(nil)
)

// NewLocal returns a link to srv. Closing the link does not close srv.
func NewLocal(srv *server.LocalServer) *Local {
	return &Local{srv: srv}
}

func (l *Local) NewDataSource(ctx context.Context, name, uri string) (delta.ID, error) {
	ds, err := l.srv.CreateDataSource(ctx, name, uri)
	if err != nil {
		return delta.NilID, err
	}
	return ds.ID(), nil
}

func (l *Local) RemoveDataSource(ctx context.Context, id delta.ID) error {
	return l.srv.Remove(ctx, id)
}

func (l *Local) ListDatasets(ctx context.Context) ([]delta.ID, error) {
	dsds := l.srv.List(ctx)
	ids := make([]delta.ID, len(dsds))
	for i, dsd := range dsds {
		ids[i] = dsd.ID
	}
	return ids, nil
}

func (l *Local) ListDescriptions(ctx context.Context) ([]delta.DataSourceDescription, error) {
	return l.srv.List(ctx), nil
}

func (l *Local) GetDataSourceDescription(ctx context.Context, id delta.ID) (*delta.DataSourceDescription, error) {
	return absentAsNil(l.srv.Get(ctx, id))
}

func (l *Local) GetDataSourceDescriptionByName(ctx context.Context, name string) (*delta.DataSourceDescription, error) {
	return absentAsNil(l.srv.GetByName(ctx, name))
}

func absentAsNil(ds *server.DataSource, err error) (*delta.DataSourceDescription, error) {
	if errors.Is(err, delta.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	dsd := ds.Description()
	return &dsd, nil
}

func (l *Local) GetPatchLogInfo(ctx context.Context, id delta.ID) (delta.PatchLogInfo, error) {
	ds, err := l.srv.Get(ctx, id)
	if err != nil {
		return delta.PatchLogInfo{}, err
	}
	return ds.Log().Info(ctx)
}

func (l *Local) GetCurrentVersion(ctx context.Context, id delta.ID) (delta.Version, error) {
	ds, err := l.srv.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	return ds.Log().CurrentVersion(ctx)
}

func (l *Local) Append(ctx context.Context, id delta.ID, p *patch.Patch, expected delta.Version) (delta.Version, error) {
	ds, err := l.srv.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	return ds.Log().AppendExpected(ctx, p, expected)
}

func (l *Local) FetchVersion(ctx context.Context, id delta.ID, v delta.Version) (*patch.Patch, error) {
	ds, err := l.srv.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return ds.Log().FetchVersion(ctx, v)
}

func (l *Local) FetchID(ctx context.Context, id delta.ID, patchID delta.ID) (*patch.Patch, error) {
	ds, err := l.srv.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return ds.Log().FetchID(ctx, patchID)
}

// Watch implements Watcher on top of the log's subscription.
func (l *Local) Watch(ctx context.Context, id delta.ID) (<-chan delta.Version, error) {
	ds, err := l.srv.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("watch: %w", err)
	}
	events, cancel := ds.Log().Subscribe()
	out := make(chan delta.Version, 1)
	go func() {
		defer close(out)
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				Offer(out, ev.Version)
			}
		}
	}()
	return out, nil
}

// Offer puts v on ch, replacing a pending value the reader has not taken.
// ch must have a buffer of one and a single writer.
func Offer(ch chan delta.Version, v delta.Version) {
	select {
	case ch <- v:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- v:
	default:
	}
}

// Close is a no-op; the server outlives its links.
func (l *Local) Close() error { return nil }
