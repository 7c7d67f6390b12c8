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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	delta "github.com/AleutianAI/AleutianDelta/services/delta"
	"github.com/AleutianAI/AleutianDelta/services/delta/patch"
	"github.com/AleutianAI/AleutianDelta/services/delta/server"
	"github.com/AleutianAI/AleutianDelta/services/delta/store"
	"github.com/AleutianAI/AleutianDelta/services/delta/store/memstore"
	"github.com/AleutianAI/AleutianDelta/services/delta/store/storetest"
)

func newLocal(t *testing.T) *Local {
	t.Helper()
	reg, err := store.NewRegistry(memstore.New())
	require.NoError(t, err)
	srv, err := server.NewLocalServer(context.Background(), reg, server.Options{})
	require.NoError(t, err)
	t.Cleanup(func() {
		srv.Close()
		reg.Close()
	})
	return NewLocal(srv)
}

// TestAppendOneQuad creates a data source, appends a single-quad patch at
// version 0, and reads it back.
func TestAppendOneQuad(t *testing.T) {
	ctx := context.Background()
	l := newLocal(t)

	id, err := l.NewDataSource(ctx, "ABC", "http://example/ABC")
	require.NoError(t, err)

	q := patch.Triple(patch.IRI("http://example/s"), patch.IRI("http://example/p"), patch.Literal("o"))
	b := patch.NewBuilder()
	b.Begin()
	b.Add(q)
	b.Commit()

	v, err := l.Append(ctx, id, b.Patch(), 0)
	require.NoError(t, err)
	assert.Equal(t, delta.Version(1), v)

	cur, err := l.GetCurrentVersion(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, delta.Version(1), cur)

	got, err := l.FetchVersion(ctx, id, 1)
	require.NoError(t, err)
	var data []patch.Operation
	for _, op := range got.Ops {
		if op.Kind.IsData() {
			data = append(data, op)
		}
	}
	assert.Equal(t, []patch.Operation{patch.AddOp(q)}, data)

	got, err = l.FetchID(ctx, id, b.Patch().ID())
	require.NoError(t, err)
	assert.Equal(t, b.Patch().Ops, got.Ops)
}

func TestDescriptions(t *testing.T) {
	ctx := context.Background()
	l := newLocal(t)

	id, err := l.NewDataSource(ctx, "ABC", "http://example/ABC")
	require.NoError(t, err)

	dsd, err := l.GetDataSourceDescription(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, dsd)
	assert.Equal(t, "ABC", dsd.Name)

	dsd, err = l.GetDataSourceDescriptionByName(ctx, "ABC")
	require.NoError(t, err)
	require.NotNil(t, dsd)
	assert.Equal(t, id, dsd.ID)

	dsd, err = l.GetDataSourceDescription(ctx, delta.NewID())
	assert.NoError(t, err)
	assert.Nil(t, dsd)

	dsd, err = l.GetDataSourceDescriptionByName(ctx, "XYZ")
	assert.NoError(t, err)
	assert.Nil(t, dsd)

	ids, err := l.ListDatasets(ctx)
	require.NoError(t, err)
	assert.Equal(t, []delta.ID{id}, ids)

	_, err = l.NewDataSource(ctx, "ABC", "")
	assert.ErrorIs(t, err, delta.ErrExists)

	require.NoError(t, l.RemoveDataSource(ctx, id))
	_, err = l.GetPatchLogInfo(ctx, id)
	assert.ErrorIs(t, err, delta.ErrNotFound)
}

func TestAppendConflict(t *testing.T) {
	ctx := context.Background()
	l := newLocal(t)
	id, err := l.NewDataSource(ctx, "ABC", "")
	require.NoError(t, err)

	_, err = l.Append(ctx, id, storetest.NewPatch(delta.NilID, 1), 0)
	require.NoError(t, err)
	_, err = l.Append(ctx, id, storetest.NewPatch(delta.NilID, 1), 0)
	assert.ErrorIs(t, err, delta.ErrConflict)

	_, err = l.FetchVersion(ctx, id, 5)
	assert.ErrorIs(t, err, delta.ErrNotFound)
	_, err = l.Append(ctx, delta.NewID(), storetest.NewPatch(delta.NilID, 1), 0)
	assert.ErrorIs(t, err, delta.ErrNotFound)
}

func TestWatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l := newLocal(t)
	id, err := l.NewDataSource(ctx, "ABC", "")
	require.NoError(t, err)

	versions, err := l.Watch(ctx, id)
	require.NoError(t, err)

	_, err = l.Append(ctx, id, storetest.NewPatch(delta.NilID, 1), delta.VersionAny)
	require.NoError(t, err)

	select {
	case v := <-versions:
		assert.Equal(t, delta.Version(1), v)
	case <-time.After(5 * time.Second):
		t.Fatal("no version received")
	}

	cancel()
	for range versions {
	}

	_, err = l.Watch(context.Background(), delta.NewID())
	assert.ErrorIs(t, err, delta.ErrNotFound)
}

func TestOfferKeepsNewest(t *testing.T) {
	ch := make(chan delta.Version, 1)
	Offer(ch, 1)
	Offer(ch, 2)
	Offer(ch, 3)
	assert.Equal(t, delta.Version(3), <-ch)
}
