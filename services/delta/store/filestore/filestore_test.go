// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package filestore

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	delta "github.com/AleutianAI/AleutianDelta/services/delta"
	"github.com/AleutianAI/AleutianDelta/services/delta/patch"
	"github.com/AleutianAI/AleutianDelta/services/delta/store"
	"github.com/AleutianAI/AleutianDelta/services/delta/store/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func open(t *testing.T, area string) store.Store {
	s, err := New(area, nil)
	require.NoError(t, err)
	return s
}

func TestContract(t *testing.T) {
	storetest.Run(t, open, storetest.Options{Persistent: true})
}

// TestLayout pins the on-disk layout of a log.
func TestLayout(t *testing.T) {
	ctx := context.Background()
	area := t.TempDir()
	s, err := New(area, nil)
	require.NoError(t, err)
	defer s.Close()

	dsd, err := delta.NewDataSourceDescription("layout", "")
	require.NoError(t, err)
	h, err := s.Create(ctx, dsd)
	require.NoError(t, err)
	defer h.Release()

	p := storetest.NewPatch(delta.NilID, 2)
	_, err = h.Append(ctx, p, 0)
	require.NoError(t, err)

	dir := filepath.Join(area, "layout")
	names := dirNames(t, dir)
	assert.ElementsMatch(t, []string{"source.json", "state.json", "patch-0000000001"}, names)

	data, err := os.ReadFile(filepath.Join(dir, "patch-0000000001"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "H id <uuid:"))

	state, err := readState(dir)
	require.NoError(t, err)
	assert.Equal(t, store.LogState{Version: 1, Min: 1, Latest: p.ID()}, state)
}

// TestAttachRemovesDebris simulates a crash after the patch file was
// published but before the state file was updated.
func TestAttachRemovesDebris(t *testing.T) {
	ctx := context.Background()
	area := t.TempDir()

	s, err := New(area, nil)
	require.NoError(t, err)
	dsd, err := delta.NewDataSourceDescription("crash", "")
	require.NoError(t, err)
	h, err := s.Create(ctx, dsd)
	require.NoError(t, err)
	_, err = h.Append(ctx, storetest.NewPatch(delta.NilID, 1), 0)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	dir := filepath.Join(area, "crash")
	orphan := storetest.NewPatch(delta.NilID, 1)
	require.NoError(t, writeFileAtomic(dir, patchName(2), mustEncode(t, orphan)))
	require.NoError(t, os.WriteFile(filepath.Join(dir, tempPrefix+"state.json-123"), []byte("{"), 0600))

	s2, err := New(area, nil)
	require.NoError(t, err)
	defer s2.Close()
	h2, err := s2.Connect(ctx, dsd)
	require.NoError(t, err)
	defer h2.Release()

	v, err := h2.CurrentVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, delta.Version(1), v)
	assert.ElementsMatch(t, []string{"source.json", "state.json", "patch-0000000001"}, dirNames(t, dir))

	// the orphan's id was never published, so it can be appended
	v, err = h2.Append(ctx, orphan, 1)
	require.NoError(t, err)
	assert.Equal(t, delta.Version(2), v)
}

// TestRemoveKeepsTombstone verifies removal keeps the data under a new name.
func TestRemoveKeepsTombstone(t *testing.T) {
	ctx := context.Background()
	area := t.TempDir()
	s, err := New(area, nil)
	require.NoError(t, err)
	defer s.Close()

	dsd, err := delta.NewDataSourceDescription("gone", "")
	require.NoError(t, err)
	h, err := s.Create(ctx, dsd)
	require.NoError(t, err)
	require.NoError(t, h.Release())
	require.NoError(t, s.Remove(ctx, dsd.ID))

	names := dirNames(t, area)
	require.Len(t, names, 1)
	assert.True(t, strings.HasPrefix(names[0], "gone"+deletedMark))
}

// TestCreateRejectsBadName verifies names that cannot be directories fail.
func TestCreateRejectsBadName(t *testing.T) {
	s, err := New(t.TempDir(), nil)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Create(context.Background(), delta.DataSourceDescription{ID: delta.NewID(), Name: "../escape"})
	assert.ErrorIs(t, err, delta.ErrInvalidName)
}

func dirNames(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func mustEncode(t *testing.T, p *patch.Patch) []byte {
	t.Helper()
	data, err := patch.EncodeBytes(p)
	require.NoError(t, err)
	return data
}
