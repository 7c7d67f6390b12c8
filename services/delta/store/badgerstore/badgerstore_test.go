// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badgerstore

import (
	"context"
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	delta "github.com/AleutianAI/AleutianDelta/services/delta"
	storage "github.com/AleutianAI/AleutianDelta/services/delta/storage/badger"
	"github.com/AleutianAI/AleutianDelta/services/delta/store"
	"github.com/AleutianAI/AleutianDelta/services/delta/store/storetest"
)

func openArea(t *testing.T, area string) store.Store {
	cfg := storage.DefaultConfig()
	cfg.Path = area
	cfg.SyncWrites = false
	cfg.GCInterval = 0
	s, err := Open(cfg, nil)
	require.NoError(t, err)
	return s
}

func TestContract(t *testing.T) {
	storetest.Run(t, openArea, storetest.Options{Persistent: true})
}

func TestContractInMemory(t *testing.T) {
	storetest.Run(t, func(t *testing.T, _ string) store.Store {
		s, err := Open(storage.InMemoryConfig(), nil)
		require.NoError(t, err)
		return s
	}, storetest.Options{})
}

// TestCorruptPatchDetected verifies a damaged value is reported, not decoded.
func TestCorruptPatchDetected(t *testing.T) {
	ctx := context.Background()
	db, err := storage.OpenDB(storage.InMemoryConfig())
	require.NoError(t, err)
	defer db.Close()

	s := New(db, nil)
	dsd, err := delta.NewDataSourceDescription("corrupt", "")
	require.NoError(t, err)
	h, err := s.Create(ctx, dsd)
	require.NoError(t, err)
	_, err = h.Append(ctx, storetest.NewPatch(delta.NilID, 1), 0)
	require.NoError(t, err)

	require.NoError(t, db.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.Set(versionKey(dsd.ID, 1), []byte("xxxxgarbage"))
	}))

	_, err = h.FetchVersion(ctx, 1)
	assert.ErrorIs(t, err, storage.ErrCorrupt)

	// closing a store that does not own the database leaves it open
	require.NoError(t, s.Close())
	assert.False(t, db.IsClosed())
}

// TestTwoHandlesShareLock verifies handles to one log see each other's
// appends.
func TestTwoHandlesShareLock(t *testing.T) {
	ctx := context.Background()
	s, err := Open(storage.InMemoryConfig(), nil)
	require.NoError(t, err)
	defer s.Close()

	dsd, err := delta.NewDataSourceDescription("shared", "")
	require.NoError(t, err)
	a, err := s.Create(ctx, dsd)
	require.NoError(t, err)
	b, err := s.Connect(ctx, dsd)
	require.NoError(t, err)

	_, err = a.Append(ctx, storetest.NewPatch(delta.NilID, 1), 0)
	require.NoError(t, err)
	_, err = b.Append(ctx, storetest.NewPatch(delta.NilID, 1), 0)
	assert.ErrorIs(t, err, delta.ErrConflict)
	v, err := b.Append(ctx, storetest.NewPatch(delta.NilID, 1), 1)
	require.NoError(t, err)
	assert.Equal(t, delta.Version(2), v)
}
