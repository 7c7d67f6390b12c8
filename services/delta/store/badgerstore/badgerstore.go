// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package badgerstore keeps every log of an area in one BadgerDB.
//
// Key layout:
//
//	dsd:<id>                  data source description (JSON)
//	dsn:<name>                id of the data source with that name
//	log:<id>:state            LogState (JSON)
//	log:<id>:v:<%016d>        CRC32-framed patch text
//	log:<id>:pid:<uuid>       version of the patch with that id
//
// An append is one read-write transaction covering the state check and all
// three writes, so a log's head never points at a missing patch.
package badgerstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"

	delta "github.com/AleutianAI/AleutianDelta/services/delta"
	"github.com/AleutianAI/AleutianDelta/services/delta/patch"
	storage "github.com/AleutianAI/AleutianDelta/services/delta/storage/badger"
	"github.com/AleutianAI/AleutianDelta/services/delta/store"
)

// Store is a badger-backed patch store.
//
// Thread Safety: Safe for concurrent use.
type Store struct {
	db     *storage.DB
	owned  bool
	logger *slog.Logger
	closed atomic.Bool

	// locks holds one append mutex per log id.
	locks sync.Map
}

// Open opens the database described by cfg and returns a store that owns it.
func Open(cfg storage.Config, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.With(slog.String("component", "badger"))
	}
	db, err := storage.OpenDB(cfg)
	if err != nil {
		return nil, err
	}
	s := New(db, logger)
	s.owned = true
	return s, nil
}

// New returns a store on an open database. Close does not close db.
func New(db *storage.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		db:     db,
		logger: logger.With(slog.String("component", "badgerstore")),
	}
}

// Provider implements store.Store.
func (s *Store) Provider() string { return store.ProviderBadger }

// -----------------------------------------------------------------------------
// Keys
// -----------------------------------------------------------------------------

func dsdKey(id delta.ID) []byte { return []byte("dsd:" + id.UUID().String()) }

func nameKey(name string) []byte { return []byte("dsn:" + name) }

func logPrefix(id delta.ID) []byte { return []byte("log:" + id.UUID().String() + ":") }

func stateKey(id delta.ID) []byte { return append(logPrefix(id), "state"...) }

func versionPrefix(id delta.ID) []byte { return append(logPrefix(id), "v:"...) }

func versionKey(id delta.ID, v delta.Version) []byte {
	return append(versionPrefix(id), fmt.Sprintf("%016d", v)...)
}

func patchIDKey(log, pid delta.ID) []byte {
	return append(logPrefix(log), "pid:"+pid.UUID().String()...)
}

var dsdPrefix = []byte("dsd:")

// -----------------------------------------------------------------------------
// Store operations
// -----------------------------------------------------------------------------

// Create implements store.Store.
func (s *Store) Create(ctx context.Context, dsd delta.DataSourceDescription) (store.Handle, error) {
	if s.closed.Load() {
		return nil, delta.ErrClosed
	}
	if err := delta.ValidateName(dsd.Name); err != nil {
		return nil, err
	}
	desc, err := json.Marshal(dsd)
	if err != nil {
		return nil, err
	}
	state, err := json.Marshal(store.LogState{})
	if err != nil {
		return nil, err
	}

	err = s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		for _, key := range [][]byte{dsdKey(dsd.ID), nameKey(dsd.Name)} {
			if _, err := txn.Get(key); err == nil {
				return fmt.Errorf("data source %s: %w", dsd.Name, delta.ErrExists)
			} else if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
		}
		if err := txn.Set(dsdKey(dsd.ID), desc); err != nil {
			return err
		}
		if err := txn.Set(nameKey(dsd.Name), []byte(dsd.ID.String())); err != nil {
			return err
		}
		return txn.Set(stateKey(dsd.ID), state)
	})
	if errors.Is(err, badger.ErrConflict) {
		return nil, fmt.Errorf("data source %s: %w", dsd.Name, delta.ErrExists)
	}
	if err != nil {
		return nil, err
	}
	s.logger.Info("log created", slog.String("name", dsd.Name), slog.String("id", dsd.ID.String()))
	return s.handle(dsd), nil
}

// Connect implements store.Store.
func (s *Store) Connect(ctx context.Context, dsd delta.DataSourceDescription) (store.Handle, error) {
	if s.closed.Load() {
		return nil, delta.ErrClosed
	}
	var stored delta.DataSourceDescription
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		var err error
		stored, err = readDescription(txn, dsd.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.handle(stored), nil
}

func (s *Store) handle(dsd delta.DataSourceDescription) *handle {
	mu, _ := s.locks.LoadOrStore(dsd.ID, &sync.Mutex{})
	return &handle{store: s, dsd: dsd, appendMu: mu.(*sync.Mutex)}
}

// List implements store.Store.
func (s *Store) List(ctx context.Context) ([]delta.DataSourceDescription, error) {
	if s.closed.Load() {
		return nil, delta.ErrClosed
	}
	var out []delta.DataSourceDescription
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		return storage.ScanPrefix(txn, dsdPrefix, func(_, value []byte) error {
			var dsd delta.DataSourceDescription
			if err := json.Unmarshal(value, &dsd); err != nil {
				return fmt.Errorf("decode description: %w", err)
			}
			out = append(out, dsd)
			return nil
		})
	})
	return out, err
}

// Remove deletes the description first, which makes the log unreachable,
// and then its keys in batches.
func (s *Store) Remove(ctx context.Context, id delta.ID) error {
	if s.closed.Load() {
		return delta.ErrClosed
	}
	var dsd delta.DataSourceDescription
	err := s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		var err error
		if dsd, err = readDescription(txn, id); err != nil {
			return err
		}
		if err := txn.Delete(dsdKey(id)); err != nil {
			return err
		}
		return txn.Delete(nameKey(dsd.Name))
	})
	if err != nil {
		return err
	}
	if err := s.deletePrefix(ctx, logPrefix(id)); err != nil {
		return fmt.Errorf("remove log %s keys: %w", dsd.Name, err)
	}
	s.logger.Info("log removed", slog.String("name", dsd.Name), slog.String("id", id.String()))
	return nil
}

// deletePrefix deletes every key under prefix.
func (s *Store) deletePrefix(ctx context.Context, prefix []byte) error {
	var keys [][]byte
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		return storage.ScanKeys(txn, prefix, func(key []byte) error {
			keys = append(keys, key)
			return nil
		})
	})
	if err != nil {
		return err
	}
	return s.deleteKeys(keys)
}

func (s *Store) deleteKeys(keys [][]byte) error {
	if len(keys) == 0 {
		return nil
	}
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range keys {
		if err := wb.Delete(k); err != nil {
			return err
		}
	}
	return wb.Flush()
}

// Close implements store.Store. The database is closed only if the store
// opened it.
func (s *Store) Close() error {
	if s.closed.Swap(true) || !s.owned {
		return nil
	}
	return s.db.Close()
}

func readDescription(txn *badger.Txn, id delta.ID) (delta.DataSourceDescription, error) {
	var dsd delta.DataSourceDescription
	data, err := storage.Get(txn, dsdKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return dsd, fmt.Errorf("data source %s: %w", id, delta.ErrNotFound)
	}
	if err != nil {
		return dsd, err
	}
	if err := json.Unmarshal(data, &dsd); err != nil {
		return dsd, fmt.Errorf("decode description: %w", err)
	}
	return dsd, nil
}

func readState(txn *badger.Txn, id delta.ID) (store.LogState, error) {
	var state store.LogState
	data, err := storage.Get(txn, stateKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return state, fmt.Errorf("data source %s: %w", id, delta.ErrNotFound)
	}
	if err != nil {
		return state, err
	}
	if err := json.Unmarshal(data, &state); err != nil {
		return state, fmt.Errorf("decode state: %w", err)
	}
	return state, nil
}

// -----------------------------------------------------------------------------
// Handle
// -----------------------------------------------------------------------------

type handle struct {
	store    *Store
	dsd      delta.DataSourceDescription
	appendMu *sync.Mutex
	released atomic.Bool
}

func (h *handle) check() error {
	if h.released.Load() || h.store.closed.Load() {
		return store.Closed(h.dsd)
	}
	return nil
}

func (h *handle) Description() delta.DataSourceDescription {
	return h.dsd
}

func (h *handle) Append(ctx context.Context, p *patch.Patch, expected delta.Version) (delta.Version, error) {
	id, err := store.CheckPatch(p)
	if err != nil {
		return 0, err
	}
	if err := h.check(); err != nil {
		return 0, err
	}
	data, err := patch.EncodeBytes(p)
	if err != nil {
		return 0, err
	}

	h.appendMu.Lock()
	defer h.appendMu.Unlock()

	var next store.LogState
	err = h.store.db.WithTxn(ctx, func(txn *badger.Txn) error {
		cur, err := readState(txn, h.dsd.ID)
		if err != nil {
			return err
		}
		if err := store.CheckExpected(expected, cur.Version); err != nil {
			return err
		}
		if raw, err := storage.Get(txn, patchIDKey(h.dsd.ID, id)); err == nil {
			at, _ := strconv.ParseInt(string(raw), 10, 64)
			return store.DuplicateID(id, delta.Version(at))
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		next = cur.Next(id)
		state, err := json.Marshal(next)
		if err != nil {
			return err
		}
		if err := txn.Set(versionKey(h.dsd.ID, next.Version), storage.Frame(data)); err != nil {
			return err
		}
		if err := txn.Set(patchIDKey(h.dsd.ID, id), []byte(strconv.FormatInt(int64(next.Version), 10))); err != nil {
			return err
		}
		return txn.Set(stateKey(h.dsd.ID), state)
	})
	if errors.Is(err, badger.ErrConflict) {
		// another handle on the same database committed first
		return 0, fmt.Errorf("%w: concurrent append", delta.ErrConflict)
	}
	if err != nil {
		return 0, err
	}
	return next.Version, nil
}

func (h *handle) FetchVersion(ctx context.Context, v delta.Version) (*patch.Patch, error) {
	if err := h.check(); err != nil {
		return nil, err
	}
	var p *patch.Patch
	err := h.store.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		state, err := readState(txn, h.dsd.ID)
		if err != nil {
			return err
		}
		if err := store.CheckFetch(v, state); err != nil {
			return err
		}
		p, err = readPatch(txn, h.dsd.ID, v)
		return err
	})
	return p, err
}

func (h *handle) FetchID(ctx context.Context, id delta.ID) (*patch.Patch, error) {
	if err := h.check(); err != nil {
		return nil, err
	}
	var p *patch.Patch
	err := h.store.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		state, err := readState(txn, h.dsd.ID)
		if err != nil {
			return err
		}
		raw, err := storage.Get(txn, patchIDKey(h.dsd.ID, id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("patch %s: %w", id, delta.ErrNotFound)
		}
		if err != nil {
			return err
		}
		n, err := strconv.ParseInt(string(raw), 10, 64)
		if err != nil {
			return fmt.Errorf("%w: patch index for %s", storage.ErrCorrupt, id)
		}
		v := delta.Version(n)
		if err := store.CheckFetch(v, state); err != nil {
			return fmt.Errorf("patch %s: %w", id, err)
		}
		p, err = readPatch(txn, h.dsd.ID, v)
		return err
	})
	return p, err
}

func readPatch(txn *badger.Txn, log delta.ID, v delta.Version) (*patch.Patch, error) {
	framed, err := storage.Get(txn, versionKey(log, v))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: version %d missing below head", storage.ErrCorrupt, v)
	}
	if err != nil {
		return nil, err
	}
	data, err := storage.Unframe(framed)
	if err != nil {
		return nil, fmt.Errorf("version %d: %w", v, err)
	}
	return patch.Decode(bytes.NewReader(data))
}

func (h *handle) CurrentVersion(ctx context.Context) (delta.Version, error) {
	info, err := h.Info(ctx)
	return info.MaxVersion, err
}

func (h *handle) Info(ctx context.Context) (delta.PatchLogInfo, error) {
	if err := h.check(); err != nil {
		return delta.PatchLogInfo{}, err
	}
	var state store.LogState
	err := h.store.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		var err error
		state, err = readState(txn, h.dsd.ID)
		return err
	})
	if err != nil {
		return delta.PatchLogInfo{}, err
	}
	return state.Info(h.dsd.ID), nil
}

// Truncate moves the lower bound in one transaction and deletes the dropped
// versions afterwards. Patch id keys are kept so lookups by id report the
// patch as not retained.
func (h *handle) Truncate(ctx context.Context, keepFrom delta.Version) error {
	if err := h.check(); err != nil {
		return err
	}
	h.appendMu.Lock()
	defer h.appendMu.Unlock()

	var from, keep delta.Version
	err := h.store.db.WithTxn(ctx, func(txn *badger.Txn) error {
		cur, err := readState(txn, h.dsd.ID)
		if err != nil {
			return err
		}
		keep = store.ClampKeep(keepFrom, cur)
		if keep == 0 {
			return nil
		}
		from = cur.Min
		cur.Min = keep
		state, err := json.Marshal(cur)
		if err != nil {
			return err
		}
		return txn.Set(stateKey(h.dsd.ID), state)
	})
	if err != nil || keep == 0 {
		return err
	}

	keys := make([][]byte, 0, keep-from)
	for v := from; v < keep; v++ {
		keys = append(keys, versionKey(h.dsd.ID, v))
	}
	return h.store.deleteKeys(keys)
}

func (h *handle) Release() error {
	h.released.Store(true)
	return nil
}
