// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package storetest holds the contract tests every store provider must pass.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	delta "github.com/AleutianAI/AleutianDelta/services/delta"
	"github.com/AleutianAI/AleutianDelta/services/delta/patch"
	"github.com/AleutianAI/AleutianDelta/services/delta/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// Factory opens a store on the given area directory. Providers that keep
// nothing on disk may ignore area; calling the factory again with the same
// area must see the data written before the previous store was closed,
// unless the provider is not persistent.
type Factory func(t *testing.T, area string) store.Store

// Options tunes the suite for a provider.
type Options struct {
	// Persistent enables the reopen tests.
	Persistent bool
}

// Run runs the provider contract tests.
func Run(t *testing.T, open Factory, opts Options) {
	t.Run("CreateConnectList", func(t *testing.T) { testCreateConnectList(t, open) })
	t.Run("AppendFetch", func(t *testing.T) { testAppendFetch(t, open) })
	t.Run("ExpectedVersion", func(t *testing.T) { testExpectedVersion(t, open) })
	t.Run("RejectsMalformed", func(t *testing.T) { testRejectsMalformed(t, open) })
	t.Run("DuplicatePatchID", func(t *testing.T) { testDuplicatePatchID(t, open) })
	t.Run("FetchMissing", func(t *testing.T) { testFetchMissing(t, open) })
	t.Run("ConcurrentAppendsGapless", func(t *testing.T) { testConcurrentAppends(t, open) })
	t.Run("RacingWritersOneWins", func(t *testing.T) { testRacingWriters(t, open) })
	t.Run("Truncate", func(t *testing.T) { testTruncate(t, open) })
	t.Run("Release", func(t *testing.T) { testRelease(t, open) })
	t.Run("IndependentLogs", func(t *testing.T) { testIndependentLogs(t, open) })
	if opts.Persistent {
		t.Run("Reopen", func(t *testing.T) { testReopen(t, open) })
	}
}

// NewPatch returns a valid one-transaction patch adding n quads.
func NewPatch(prev delta.ID, n int) *patch.Patch {
	b := patch.NewBuilder()
	b.SetPrevious(prev)
	b.Begin()
	for i := 0; i < n; i++ {
		b.Add(patch.Triple(
			patch.IRI("http://example/s"),
			patch.IRI("http://example/p"),
			patch.Literal(fmt.Sprintf("value %d", i)),
		))
	}
	b.Commit()
	return b.Patch()
}

func newDescription(t *testing.T, name string) delta.DataSourceDescription {
	t.Helper()
	dsd, err := delta.NewDataSourceDescription(name, "http://example/"+name)
	require.NoError(t, err)
	return dsd
}

func openStore(t *testing.T, open Factory) store.Store {
	t.Helper()
	s := open(t, t.TempDir())
	t.Cleanup(func() { s.Close() })
	return s
}

func createLog(t *testing.T, s store.Store, name string) store.Handle {
	t.Helper()
	h, err := s.Create(context.Background(), newDescription(t, name))
	require.NoError(t, err)
	t.Cleanup(func() { h.Release() })
	return h
}

func testCreateConnectList(t *testing.T, open Factory) {
	ctx := context.Background()
	s := openStore(t, open)

	dsd := newDescription(t, "alpha")
	h, err := s.Create(ctx, dsd)
	require.NoError(t, err)
	assert.Equal(t, dsd, h.Description())

	_, err = s.Create(ctx, dsd)
	assert.ErrorIs(t, err, delta.ErrExists)

	sameName := newDescription(t, "alpha")
	_, err = s.Create(ctx, sameName)
	assert.ErrorIs(t, err, delta.ErrExists)

	v, err := h.CurrentVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, delta.VersionInit, v)
	require.NoError(t, h.Release())

	h2, err := s.Connect(ctx, dsd)
	require.NoError(t, err)
	assert.Equal(t, dsd.ID, h2.Description().ID)
	require.NoError(t, h2.Release())

	_, err = s.Connect(ctx, newDescription(t, "missing"))
	assert.ErrorIs(t, err, delta.ErrNotFound)

	other := newDescription(t, "beta")
	h3, err := s.Create(ctx, other)
	require.NoError(t, err)
	require.NoError(t, h3.Release())

	list, err := s.List(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []delta.DataSourceDescription{dsd, other}, list)

	require.NoError(t, s.Remove(ctx, dsd.ID))
	_, err = s.Connect(ctx, dsd)
	assert.ErrorIs(t, err, delta.ErrNotFound)
	assert.ErrorIs(t, s.Remove(ctx, dsd.ID), delta.ErrNotFound)

	list, err = s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []delta.DataSourceDescription{other}, list)

	// the name is free again once removed
	h4, err := s.Create(ctx, newDescription(t, "alpha"))
	require.NoError(t, err)
	require.NoError(t, h4.Release())
}

func testAppendFetch(t *testing.T, open Factory) {
	ctx := context.Background()
	s := openStore(t, open)
	h := createLog(t, s, "log")

	var patches []*patch.Patch
	prev := delta.NilID
	for i := 1; i <= 3; i++ {
		p := NewPatch(prev, i)
		v, err := h.Append(ctx, p, delta.Version(i-1))
		require.NoError(t, err)
		assert.Equal(t, delta.Version(i), v)
		patches = append(patches, p)
		prev = p.ID()
	}

	for i, want := range patches {
		got, err := h.FetchVersion(ctx, delta.Version(i+1))
		require.NoError(t, err)
		assert.Equal(t, want.Ops, got.Ops)

		byID, err := h.FetchID(ctx, want.ID())
		require.NoError(t, err)
		assert.Equal(t, want.Ops, byID.Ops)
	}

	info, err := h.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, h.Description().ID, info.DataSource)
	assert.Equal(t, delta.Version(1), info.MinVersion)
	assert.Equal(t, delta.Version(3), info.MaxVersion)
	assert.Equal(t, patches[2].ID(), info.LatestPatch)

	latest, err := h.FetchVersion(ctx, info.MaxVersion)
	require.NoError(t, err)
	assert.Equal(t, patches[2].Ops, latest.Ops)
}

func testExpectedVersion(t *testing.T, open Factory) {
	ctx := context.Background()
	s := openStore(t, open)
	h := createLog(t, s, "log")

	_, err := h.Append(ctx, NewPatch(delta.NilID, 1), 0)
	require.NoError(t, err)

	for _, expected := range []delta.Version{0, 2, 5} {
		_, err = h.Append(ctx, NewPatch(delta.NilID, 1), expected)
		assert.ErrorIs(t, err, delta.ErrConflict, "expected %d", expected)
	}
	v, err := h.CurrentVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, delta.Version(1), v)

	v, err = h.Append(ctx, NewPatch(delta.NilID, 1), delta.VersionAny)
	require.NoError(t, err)
	assert.Equal(t, delta.Version(2), v)
}

func testRejectsMalformed(t *testing.T, open Factory) {
	ctx := context.Background()
	s := openStore(t, open)
	h := createLog(t, s, "log")

	noID := patch.New(patch.BeginOp(), patch.CommitOp())
	_, err := h.Append(ctx, noID, 0)
	assert.ErrorIs(t, err, patch.ErrMalformedPatch)

	b := patch.NewBuilder()
	b.Add(patch.Triple(patch.IRI("a:s"), patch.IRI("a:p"), patch.IRI("a:o")))
	_, err = h.Append(ctx, b.Patch(), 0)
	assert.ErrorIs(t, err, patch.ErrMalformedPatch)

	v, err := h.CurrentVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, delta.VersionInit, v)
}

func testDuplicatePatchID(t *testing.T, open Factory) {
	ctx := context.Background()
	s := openStore(t, open)
	h := createLog(t, s, "log")

	p := NewPatch(delta.NilID, 1)
	_, err := h.Append(ctx, p, 0)
	require.NoError(t, err)
	_, err = h.Append(ctx, p, 1)
	assert.ErrorIs(t, err, delta.ErrConflict)

	v, err := h.CurrentVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, delta.Version(1), v)
}

func testFetchMissing(t *testing.T, open Factory) {
	ctx := context.Background()
	s := openStore(t, open)
	h := createLog(t, s, "log")

	_, err := h.FetchVersion(ctx, 1)
	assert.ErrorIs(t, err, delta.ErrNotFound)

	_, err = h.Append(ctx, NewPatch(delta.NilID, 1), 0)
	require.NoError(t, err)

	_, err = h.FetchVersion(ctx, 0)
	assert.ErrorIs(t, err, delta.ErrNotRetained)
	_, err = h.FetchVersion(ctx, 2)
	assert.ErrorIs(t, err, delta.ErrNotFound)
	_, err = h.FetchID(ctx, delta.NewID())
	assert.ErrorIs(t, err, delta.ErrNotFound)
}

// testConcurrentAppends has several writers append with retry on conflict
// and checks the versions handed out are exactly 1..N.
func testConcurrentAppends(t *testing.T, open Factory) {
	const writers, perWriter = 6, 5
	ctx := context.Background()
	s := openStore(t, open)
	h := createLog(t, s, "log")

	var mu sync.Mutex
	assigned := make(map[delta.Version]delta.ID)

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < writers; w++ {
		g.Go(func() error {
			for i := 0; i < perWriter; i++ {
				p := NewPatch(delta.NilID, 1)
				for {
					cur, err := h.CurrentVersion(gctx)
					if err != nil {
						return err
					}
					v, err := h.Append(gctx, p, cur)
					if errors.Is(err, delta.ErrConflict) {
						continue
					}
					if err != nil {
						return err
					}
					mu.Lock()
					_, dup := assigned[v]
					assigned[v] = p.ID()
					mu.Unlock()
					if dup {
						return fmt.Errorf("version %d assigned twice", v)
					}
					break
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	require.Len(t, assigned, writers*perWriter)
	for v := delta.Version(1); v <= writers*perWriter; v++ {
		id, ok := assigned[v]
		require.True(t, ok, "version %d missing", v)
		got, err := h.FetchVersion(ctx, v)
		require.NoError(t, err)
		assert.Equal(t, id, got.ID())
	}
	cur, err := h.CurrentVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, delta.Version(writers*perWriter), cur)
}

// testRacingWriters has two writers append at the same expected version.
func testRacingWriters(t *testing.T, open Factory) {
	ctx := context.Background()
	s := openStore(t, open)
	h := createLog(t, s, "log")

	_, err := h.Append(ctx, NewPatch(delta.NilID, 1), 0)
	require.NoError(t, err)

	var wins, conflicts atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			v, err := h.Append(ctx, NewPatch(delta.NilID, 1), 1)
			switch {
			case err == nil:
				assert.Equal(t, delta.Version(2), v)
				wins.Add(1)
			case errors.Is(err, delta.ErrConflict):
				conflicts.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(1), conflicts.Load())
}

func testTruncate(t *testing.T, open Factory) {
	ctx := context.Background()
	s := openStore(t, open)
	h := createLog(t, s, "log")

	require.NoError(t, h.Truncate(ctx, 3))

	var ids []delta.ID
	for i := 0; i < 5; i++ {
		p := NewPatch(delta.NilID, 1)
		_, err := h.Append(ctx, p, delta.VersionAny)
		require.NoError(t, err)
		ids = append(ids, p.ID())
	}

	require.NoError(t, h.Truncate(ctx, 3))
	info, err := h.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, delta.Version(3), info.MinVersion)
	assert.Equal(t, delta.Version(5), info.MaxVersion)

	_, err = h.FetchVersion(ctx, 2)
	assert.ErrorIs(t, err, delta.ErrNotRetained)
	_, err = h.FetchID(ctx, ids[1])
	assert.Error(t, err)
	assert.True(t, errors.Is(err, delta.ErrNotRetained) || errors.Is(err, delta.ErrNotFound))

	got, err := h.FetchVersion(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, ids[2], got.ID())

	// lower bound never moves backwards and the latest version is kept
	require.NoError(t, h.Truncate(ctx, 1))
	require.NoError(t, h.Truncate(ctx, 100))
	info, err = h.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, delta.Version(5), info.MinVersion)
	got, err = h.FetchVersion(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, ids[4], got.ID())

	v, err := h.Append(ctx, NewPatch(delta.NilID, 1), 5)
	require.NoError(t, err)
	assert.Equal(t, delta.Version(6), v)
}

func testRelease(t *testing.T, open Factory) {
	ctx := context.Background()
	s := openStore(t, open)

	dsd := newDescription(t, "log")
	h, err := s.Create(ctx, dsd)
	require.NoError(t, err)
	_, err = h.Append(ctx, NewPatch(delta.NilID, 1), 0)
	require.NoError(t, err)
	require.NoError(t, h.Release())

	_, err = h.Append(ctx, NewPatch(delta.NilID, 1), 1)
	assert.ErrorIs(t, err, delta.ErrClosed)
	_, err = h.CurrentVersion(ctx)
	assert.ErrorIs(t, err, delta.ErrClosed)

	h2, err := s.Connect(ctx, dsd)
	require.NoError(t, err)
	defer h2.Release()
	v, err := h2.CurrentVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, delta.Version(1), v)
}

func testIndependentLogs(t *testing.T, open Factory) {
	ctx := context.Background()
	s := openStore(t, open)
	a := createLog(t, s, "a")
	b := createLog(t, s, "b")

	_, err := a.Append(ctx, NewPatch(delta.NilID, 1), 0)
	require.NoError(t, err)
	_, err = a.Append(ctx, NewPatch(delta.NilID, 1), 1)
	require.NoError(t, err)
	v, err := b.Append(ctx, NewPatch(delta.NilID, 1), 0)
	require.NoError(t, err)
	assert.Equal(t, delta.Version(1), v)

	// patch ids are scoped to their log
	shared := NewPatch(delta.NilID, 1)
	_, err = a.Append(ctx, shared, 2)
	require.NoError(t, err)
	_, err = b.Append(ctx, shared, 1)
	require.NoError(t, err)
}

func testReopen(t *testing.T, open Factory) {
	ctx := context.Background()
	area := t.TempDir()

	s := open(t, area)
	dsd := newDescription(t, "durable")
	h, err := s.Create(ctx, dsd)
	require.NoError(t, err)

	var patches []*patch.Patch
	for i := 0; i < 4; i++ {
		p := NewPatch(delta.NilID, i+1)
		_, err := h.Append(ctx, p, delta.Version(i))
		require.NoError(t, err)
		patches = append(patches, p)
	}
	require.NoError(t, h.Truncate(ctx, 2))
	require.NoError(t, h.Release())
	require.NoError(t, s.Close())

	s2 := open(t, area)
	defer s2.Close()

	list, err := s2.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []delta.DataSourceDescription{dsd}, list)

	h2, err := s2.Connect(ctx, dsd)
	require.NoError(t, err)
	defer h2.Release()

	info, err := h2.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, delta.Version(2), info.MinVersion)
	assert.Equal(t, delta.Version(4), info.MaxVersion)
	assert.Equal(t, patches[3].ID(), info.LatestPatch)

	for v := delta.Version(2); v <= 4; v++ {
		got, err := h2.FetchVersion(ctx, v)
		require.NoError(t, err)
		assert.Equal(t, patches[v-1].Ops, got.Ops)
	}
	byID, err := h2.FetchID(ctx, patches[2].ID())
	require.NoError(t, err)
	assert.Equal(t, patches[2].Ops, byID.Ops)

	_, err = h2.Append(ctx, patches[3], 4)
	assert.ErrorIs(t, err, delta.ErrConflict)

	v, err := h2.Append(ctx, NewPatch(delta.NilID, 1), 4)
	require.NoError(t, err)
	assert.Equal(t, delta.Version(5), v)
}
