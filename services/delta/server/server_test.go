// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package server

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	delta "github.com/AleutianAI/AleutianDelta/services/delta"
	"github.com/AleutianAI/AleutianDelta/services/delta/coord"
	"github.com/AleutianAI/AleutianDelta/services/delta/observability"
	"github.com/AleutianAI/AleutianDelta/services/delta/store"
	"github.com/AleutianAI/AleutianDelta/services/delta/store/coordstore"
	"github.com/AleutianAI/AleutianDelta/services/delta/store/filestore"
	"github.com/AleutianAI/AleutianDelta/services/delta/store/memstore"
	"github.com/AleutianAI/AleutianDelta/services/delta/store/storetest"
)

func newServer(t *testing.T, stores ...store.Store) *LocalServer {
	t.Helper()
	if len(stores) == 0 {
		stores = []store.Store{memstore.New()}
	}
	reg, err := store.NewRegistry(stores...)
	require.NoError(t, err)
	s, err := NewLocalServer(context.Background(), reg, Options{
		Metrics: observability.NewMetrics(prometheus.NewRegistry()),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		s.Close()
		reg.Close()
	})
	return s
}

func TestCreateAndLookup(t *testing.T) {
	ctx := context.Background()
	s := newServer(t)

	ds, err := s.CreateDataSource(ctx, "ABC", "http://example/ABC")
	require.NoError(t, err)
	assert.Equal(t, "ABC", ds.Name())
	assert.Equal(t, store.ProviderMem, ds.Provider())
	assert.False(t, ds.ID().IsZero())

	got, err := s.Get(ctx, ds.ID())
	require.NoError(t, err)
	assert.Same(t, ds, got)

	got, err = s.GetByName(ctx, "ABC")
	require.NoError(t, err)
	assert.Same(t, ds, got)

	_, err = s.CreateDataSource(ctx, "ABC", "")
	assert.ErrorIs(t, err, delta.ErrExists)

	_, err = s.CreateDataSource(ctx, "bad/name", "")
	assert.ErrorIs(t, err, delta.ErrInvalidName)

	_, err = s.Get(ctx, delta.NewID())
	assert.ErrorIs(t, err, delta.ErrNotFound)
	_, err = s.GetByName(ctx, "XYZ")
	assert.ErrorIs(t, err, delta.ErrNotFound)
}

func TestListIsOrderedByName(t *testing.T) {
	ctx := context.Background()
	s := newServer(t)
	for _, name := range []string{"c", "a", "b"} {
		_, err := s.CreateDataSource(ctx, name, "")
		require.NoError(t, err)
	}
	var names []string
	for _, dsd := range s.List(ctx) {
		names = append(names, dsd.Name)
	}
	assert.Equal(t, []string{"a", "b", "c"}, names)
}

func TestRemove(t *testing.T) {
	ctx := context.Background()
	s := newServer(t)

	ds, err := s.CreateDataSource(ctx, "ABC", "")
	require.NoError(t, err)
	require.NoError(t, s.Remove(ctx, ds.ID()))

	_, err = s.Get(ctx, ds.ID())
	assert.ErrorIs(t, err, delta.ErrNotFound)
	assert.Empty(t, s.List(ctx))

	_, err = ds.Log().CurrentVersion(ctx)
	assert.ErrorIs(t, err, delta.ErrClosed)

	assert.ErrorIs(t, s.Remove(ctx, ds.ID()), delta.ErrNotFound)

	// the name is free again
	_, err = s.CreateDataSource(ctx, "ABC", "")
	assert.NoError(t, err)
}

func TestRecoversLogsOnStart(t *testing.T) {
	ctx := context.Background()
	area := t.TempDir()

	fs, err := filestore.New(area, nil)
	require.NoError(t, err)
	reg, err := store.NewRegistry(fs)
	require.NoError(t, err)
	s, err := NewLocalServer(ctx, reg, Options{})
	require.NoError(t, err)

	ds, err := s.CreateDataSource(ctx, "ABC", "http://example/ABC")
	require.NoError(t, err)
	p := storetest.NewPatch(delta.NilID, 2)
	_, err = ds.Log().Append(ctx, p)
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, reg.Close())

	fs, err = filestore.New(area, nil)
	require.NoError(t, err)
	s2 := newServer(t, fs)

	got, err := s2.GetByName(ctx, "ABC")
	require.NoError(t, err)
	assert.Equal(t, ds.Description(), got.Description())
	info, err := got.Log().Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, delta.Version(1), info.MaxVersion)
	assert.Equal(t, p.ID(), info.LatestPatch)
}

func TestNewDataSourcesUseDefaultStore(t *testing.T) {
	ctx := context.Background()
	fs, err := filestore.New(t.TempDir(), nil)
	require.NoError(t, err)
	mem := memstore.New()
	reg, err := store.NewRegistry(mem, fs)
	require.NoError(t, err)
	require.NoError(t, reg.SetDefault(store.ProviderFile))

	s, err := NewLocalServer(ctx, reg, Options{})
	require.NoError(t, err)
	defer s.Close()

	ds, err := s.CreateDataSource(ctx, "ABC", "")
	require.NoError(t, err)
	assert.Equal(t, store.ProviderFile, ds.Provider())

	listed, err := fs.List(ctx)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, ds.ID(), listed[0].ID)
}

func TestClose(t *testing.T) {
	ctx := context.Background()
	s := newServer(t)
	ds, err := s.CreateDataSource(ctx, "ABC", "")
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	_, err = ds.Log().CurrentVersion(ctx)
	assert.ErrorIs(t, err, delta.ErrClosed)
	_, err = s.CreateDataSource(ctx, "DEF", "")
	assert.ErrorIs(t, err, delta.ErrClosed)
}

func TestServersShareCoordinatedLogs(t *testing.T) {
	ctx := context.Background()
	cluster := coord.NewMemory()
	bodies := t.TempDir()
	open := func() *LocalServer {
		b, err := coordstore.NewDirBodies(bodies)
		require.NoError(t, err)
		return newServer(t, coordstore.New(coord.Shared(cluster), b, nil))
	}
	a, b := open(), open()

	onA, err := a.CreateDataSource(ctx, "shared", "")
	require.NoError(t, err)

	// b started before the log existed and still finds it
	onB, err := b.Get(ctx, onA.ID())
	require.NoError(t, err)
	assert.Equal(t, onA.Description(), onB.Description())
	byName, err := b.GetByName(ctx, "shared")
	require.NoError(t, err)
	assert.Same(t, onB, byName)
	assert.Len(t, b.List(ctx), 1)

	_, err = b.CreateDataSource(ctx, "shared", "")
	assert.ErrorIs(t, err, delta.ErrExists)

	// both servers append to one version sequence
	p1 := storetest.NewPatch(delta.NilID, 1)
	v, err := onA.Log().Append(ctx, p1)
	require.NoError(t, err)
	assert.Equal(t, delta.Version(1), v)
	v, err = onB.Log().Append(ctx, storetest.NewPatch(p1.ID(), 1))
	require.NoError(t, err)
	assert.Equal(t, delta.Version(2), v)

	// a removal on a frees the name on b
	require.NoError(t, a.Remove(ctx, onA.ID()))
	again, err := b.CreateDataSource(ctx, "shared", "")
	require.NoError(t, err)
	assert.NotEqual(t, onA.ID(), again.ID())

	_, err = b.Get(ctx, onA.ID())
	assert.ErrorIs(t, err, delta.ErrNotFound)
	_, err = onB.Log().CurrentVersion(ctx)
	assert.ErrorIs(t, err, delta.ErrClosed)

	got, err := a.GetByName(ctx, "shared")
	require.NoError(t, err)
	assert.Equal(t, again.ID(), got.ID())
	assert.Equal(t, b.Len(), a.Len())
}
