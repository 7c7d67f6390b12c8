// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badger

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestOpenPersistent verifies data survives close and reopen.
func TestOpenPersistent(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Path = dir

	db, err := OpenDB(cfg)
	require.NoError(t, err)
	require.NoError(t, db.WithTxn(context.Background(), func(txn *badger.Txn) error {
		return txn.Set([]byte("k"), []byte("v"))
	}))
	assert.Equal(t, dir, db.Path())
	assert.False(t, db.InMemory())
	require.NoError(t, db.Close())
	require.NoError(t, db.Close())

	db2, err := OpenDB(cfg)
	require.NoError(t, err)
	defer db2.Close()

	err = db2.WithReadTxn(context.Background(), func(txn *badger.Txn) error {
		v, err := Get(txn, []byte("k"))
		require.NoError(t, err)
		assert.Equal(t, []byte("v"), v)
		return nil
	})
	require.NoError(t, err)
}

// TestOpenLocksDirectory verifies a second open of the same path fails.
func TestOpenLocksDirectory(t *testing.T) {
	cfg := InMemoryConfig()
	cfg.InMemory = false
	cfg.Path = t.TempDir()

	db, err := OpenDB(cfg)
	require.NoError(t, err)
	defer db.Close()

	_, err = OpenDB(cfg)
	assert.Error(t, err)
}

// TestOpenRequiresPath verifies that persistent mode requires a path.
func TestOpenRequiresPath(t *testing.T) {
	_, err := Open(Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "path is required")
}

// TestWithTxnRollback verifies a failing function leaves nothing behind.
func TestWithTxnRollback(t *testing.T) {
	db, err := OpenDB(InMemoryConfig())
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()

	err = db.WithTxn(ctx, func(txn *badger.Txn) error {
		if err := txn.Set([]byte("k"), []byte("v")); err != nil {
			return err
		}
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)

	err = db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		_, err := Get(txn, []byte("k"))
		assert.ErrorIs(t, err, badger.ErrKeyNotFound)
		return nil
	})
	require.NoError(t, err)
}

// TestWithTxnCancelled verifies a cancelled context is refused.
func TestWithTxnCancelled(t *testing.T) {
	db, err := OpenDB(InMemoryConfig())
	require.NoError(t, err)
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = db.WithTxn(ctx, func(txn *badger.Txn) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
	err = db.WithReadTxn(ctx, func(txn *badger.Txn) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

// TestScanPrefix verifies ordered prefix iteration.
func TestScanPrefix(t *testing.T) {
	db, err := OpenDB(InMemoryConfig())
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()

	require.NoError(t, db.WithTxn(ctx, func(txn *badger.Txn) error {
		for _, n := range []int{3, 1, 2} {
			if err := txn.Set([]byte(fmt.Sprintf("a:%016d", n)), []byte{byte(n)}); err != nil {
				return err
			}
		}
		return txn.Set([]byte("b:1"), []byte("x"))
	}))

	var vals []byte
	var keys []string
	require.NoError(t, db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		if err := ScanPrefix(txn, []byte("a:"), func(_, v []byte) error {
			vals = append(vals, v[0])
			return nil
		}); err != nil {
			return err
		}
		return ScanKeys(txn, []byte("a:"), func(k []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	}))
	assert.Equal(t, []byte{1, 2, 3}, vals)
	assert.Len(t, keys, 3)
	assert.Equal(t, fmt.Sprintf("a:%016d", 1), keys[0])
}

// TestFrame verifies checksum framing detects corruption.
func TestFrame(t *testing.T) {
	framed := Frame([]byte("payload"))
	got, err := Unframe(framed)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), got)

	framed[len(framed)-1] ^= 0xff
	_, err = Unframe(framed)
	assert.ErrorIs(t, err, ErrCorrupt)

	_, err = Unframe([]byte{1, 2})
	assert.ErrorIs(t, err, ErrCorrupt)

	empty, err := Unframe(Frame(nil))
	require.NoError(t, err)
	assert.Empty(t, empty)
}

// TestGCRunner verifies the runner validates inputs and stops cleanly.
func TestGCRunner(t *testing.T) {
	_, err := NewGCRunner(nil, time.Second, 0.5, nil)
	assert.Error(t, err)

	db, err := Open(InMemoryConfig())
	require.NoError(t, err)
	defer db.Close()

	_, err = NewGCRunner(db, 0, 0.5, nil)
	assert.Error(t, err)
	_, err = NewGCRunner(db, time.Second, 1.5, nil)
	assert.Error(t, err)

	runner, err := NewGCRunner(db, 10*time.Millisecond, 0.5, nil)
	require.NoError(t, err)
	runner.Start()
	time.Sleep(25 * time.Millisecond)
	runner.Stop()
	runner.Stop()
}
