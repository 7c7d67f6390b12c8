// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"errors"
	"testing"

	delta "github.com/AleutianAI/AleutianDelta/services/delta"
	"github.com/AleutianAI/AleutianDelta/services/delta/patch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubStore struct {
	name     string
	closeErr error
	closed   bool
}

func (s *stubStore) Provider() string { return s.name }
func (s *stubStore) Create(context.Context, delta.DataSourceDescription) (Handle, error) {
	return nil, errors.New("not implemented")
}
func (s *stubStore) Connect(context.Context, delta.DataSourceDescription) (Handle, error) {
	return nil, errors.New("not implemented")
}
func (s *stubStore) List(context.Context) ([]delta.DataSourceDescription, error) { return nil, nil }
func (s *stubStore) Remove(context.Context, delta.ID) error { return nil }
func (s *stubStore) Close() error {
	s.closed = true
	return s.closeErr
}

// TestRegistry covers registration, defaults and close.
func TestRegistry(t *testing.T) {
	mem := &stubStore{name: ProviderMem}
	file := &stubStore{name: ProviderFile, closeErr: errors.New("disk gone")}

	r, err := NewRegistry(mem, file)
	require.NoError(t, err)

	def, err := r.Default()
	require.NoError(t, err)
	assert.Equal(t, ProviderMem, def.Provider())

	require.NoError(t, r.SetDefault(ProviderFile))
	def, err = r.Default()
	require.NoError(t, err)
	assert.Equal(t, ProviderFile, def.Provider())

	assert.ErrorIs(t, r.SetDefault("nope"), ErrUnknownProvider)
	_, err = r.Get("nope")
	assert.ErrorIs(t, err, ErrUnknownProvider)

	assert.Error(t, r.Register(&stubStore{name: ProviderMem}))
	assert.Len(t, r.Stores(), 2)

	err = r.Close()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk gone")
	assert.True(t, mem.closed)
	assert.True(t, file.closed)
}

// TestRegistryEmpty verifies an empty registry has no default.
func TestRegistryEmpty(t *testing.T) {
	r, err := NewRegistry()
	require.NoError(t, err)
	_, err = r.Default()
	assert.ErrorIs(t, err, ErrUnknownProvider)
	assert.NoError(t, r.Close())
}

// TestCheckPatch covers append admission.
func TestCheckPatch(t *testing.T) {
	b := patch.NewBuilder()
	b.Begin()
	b.Add(patch.Triple(patch.IRI("a:s"), patch.IRI("a:p"), patch.IRI("a:o")))
	b.Commit()
	p := b.Patch()

	id, err := CheckPatch(p)
	require.NoError(t, err)
	assert.Equal(t, p.ID(), id)

	_, err = CheckPatch(nil)
	assert.ErrorIs(t, err, patch.ErrMalformedPatch)

	_, err = CheckPatch(patch.New(p.Body()...))
	assert.ErrorIs(t, err, patch.ErrMalformedPatch)

	bad := patch.NewBuilder()
	bad.Begin()
	_, err = CheckPatch(bad.Patch())
	assert.ErrorIs(t, err, patch.ErrMalformedPatch)
}

// TestCheckExpected covers the optimistic concurrency rule.
func TestCheckExpected(t *testing.T) {
	assert.NoError(t, CheckExpected(3, 3))
	assert.NoError(t, CheckExpected(delta.VersionAny, 7))
	assert.ErrorIs(t, CheckExpected(2, 3), delta.ErrConflict)
	assert.ErrorIs(t, CheckExpected(4, 3), delta.ErrConflict)
}

// TestCheckFetch covers the not found and not retained ranges.
func TestCheckFetch(t *testing.T) {
	s := LogState{Version: 5, Min: 3}
	assert.ErrorIs(t, CheckFetch(0, s), delta.ErrNotRetained)
	assert.ErrorIs(t, CheckFetch(2, s), delta.ErrNotRetained)
	assert.NoError(t, CheckFetch(3, s))
	assert.NoError(t, CheckFetch(5, s))
	assert.ErrorIs(t, CheckFetch(6, s), delta.ErrNotFound)
	assert.ErrorIs(t, CheckFetch(-2, s), delta.ErrNotFound)
}

// TestLogState covers state transitions.
func TestLogState(t *testing.T) {
	var s LogState
	id := delta.NewID()
	s = s.Next(id)
	assert.Equal(t, LogState{Version: 1, Min: 1, Latest: id}, s)

	info := s.Info(delta.NilID)
	assert.Equal(t, delta.Version(1), info.MaxVersion)
	assert.Equal(t, id, info.LatestPatch)

	s = LogState{Version: 10, Min: 4}
	assert.Equal(t, delta.Version(0), ClampKeep(4, s))
	assert.Equal(t, delta.Version(0), ClampKeep(1, s))
	assert.Equal(t, delta.Version(7), ClampKeep(7, s))
	assert.Equal(t, delta.Version(10), ClampKeep(99, s))
	assert.Equal(t, delta.Version(0), ClampKeep(5, LogState{}))
}
