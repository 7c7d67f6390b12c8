// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package coordstore shares logs between server processes through a
// coordination service.
//
// Coordinator keys:
//
//	sources/<id>                     data source description (JSON)
//	names/<name>                     id of the data source with that name
//	logs/<id>/state                  LogState (JSON), the compare-and-set key
//	logs/<id>/versions/<%016d>       {"id", "body"} for each retained version
//	logs/<id>/ids/<uuid>             version of the patch with that id
//
// Patch bodies live in a BodyStore under a key that is unique per append
// attempt. An append uploads the body first and then publishes it with one
// conditional transaction on the state key. Losing that transaction means
// another process appended first: the uploaded body is deleted and the
// caller gets delta.ErrConflict.
package coordstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"

	"github.com/google/uuid"

	delta "github.com/AleutianAI/AleutianDelta/services/delta"
	"github.com/AleutianAI/AleutianDelta/services/delta/coord"
	"github.com/AleutianAI/AleutianDelta/services/delta/patch"
	"github.com/AleutianAI/AleutianDelta/services/delta/store"
)

// maxAttempts bounds internal retries of a transaction that lost only to a
// change of the retained range, or to any change when the caller did not
// ask for a specific version.
const maxAttempts = 16

// Store is a coordination-backed patch store.
//
// Thread Safety: Safe for concurrent use, including from several processes
// sharing one coordinator and body store.
type Store struct {
	coord  coord.Coordinator
	bodies BodyStore
	logger *slog.Logger
	closed atomic.Bool
}

// New returns a store over c and bodies. The store owns both and closes
// them in Close.
func New(c coord.Coordinator, bodies BodyStore, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		coord:  c,
		bodies: bodies,
		logger: logger.With(slog.String("component", "coordstore")),
	}
}

// Provider implements store.Store.
func (s *Store) Provider() string { return store.ProviderCoord }

func sourceKey(id delta.ID) string { return "sources/" + id.UUID().String() }

func nameKey(name string) string { return "names/" + name }

func logPrefix(id delta.ID) string { return "logs/" + id.UUID().String() + "/" }

func stateKey(id delta.ID) string { return logPrefix(id) + "state" }

func versionKey(id delta.ID, v delta.Version) string {
	return fmt.Sprintf("%sversions/%016d", logPrefix(id), v)
}

func patchIDKey(log, pid delta.ID) string {
	return logPrefix(log) + "ids/" + pid.UUID().String()
}

// versionEntry is the value stored at a version key.
type versionEntry struct {
	ID   delta.ID `json:"id"`
	Body string   `json:"body"`
}

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

	ok, err := s.coord.Txn(ctx,
		[]coord.Cond{coord.Absent(sourceKey(dsd.ID)), coord.Absent(nameKey(dsd.Name))},
		[]coord.KV{
			{Key: sourceKey(dsd.ID), Value: desc},
			{Key: nameKey(dsd.Name), Value: []byte(dsd.ID.String())},
			{Key: stateKey(dsd.ID), Value: state},
		}, nil)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("data source %s: %w", dsd.Name, delta.ErrExists)
	}
	s.logger.Info("log created", slog.String("name", dsd.Name), slog.String("id", dsd.ID.String()))
	return &handle{store: s, dsd: dsd}, nil
}

// Connect implements store.Store.
func (s *Store) Connect(ctx context.Context, dsd delta.DataSourceDescription) (store.Handle, error) {
	if s.closed.Load() {
		return nil, delta.ErrClosed
	}
	stored, _, err := s.description(ctx, dsd.ID)
	if err != nil {
		return nil, err
	}
	return &handle{store: s, dsd: stored}, nil
}

func (s *Store) description(ctx context.Context, id delta.ID) (delta.DataSourceDescription, []byte, error) {
	var dsd delta.DataSourceDescription
	raw, ok, err := s.coord.Get(ctx, sourceKey(id))
	if err != nil {
		return dsd, nil, err
	}
	if !ok {
		return dsd, nil, fmt.Errorf("data source %s: %w", id, delta.ErrNotFound)
	}
	if err := json.Unmarshal(raw, &dsd); err != nil {
		return dsd, nil, fmt.Errorf("decode description: %w", err)
	}
	return dsd, raw, nil
}

// List implements store.Store.
func (s *Store) List(ctx context.Context) ([]delta.DataSourceDescription, error) {
	if s.closed.Load() {
		return nil, delta.ErrClosed
	}
	kvs, err := s.coord.List(ctx, "sources/")
	if err != nil {
		return nil, err
	}
	out := make([]delta.DataSourceDescription, 0, len(kvs))
	for _, kv := range kvs {
		var dsd delta.DataSourceDescription
		if err := json.Unmarshal(kv.Value, &dsd); err != nil {
			return nil, fmt.Errorf("decode %s: %w", kv.Key, err)
		}
		out = append(out, dsd)
	}
	return out, nil
}

// Remove unregisters the data source and then deletes its bodies and keys.
func (s *Store) Remove(ctx context.Context, id delta.ID) error {
	if s.closed.Load() {
		return delta.ErrClosed
	}
	dsd, raw, err := s.description(ctx, id)
	if err != nil {
		return err
	}
	ok, err := s.coord.Txn(ctx,
		[]coord.Cond{coord.Equals(sourceKey(id), raw)},
		nil,
		[]string{sourceKey(id), nameKey(dsd.Name)})
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("data source %s: %w", id, delta.ErrNotFound)
	}

	entries, err := s.coord.List(ctx, logPrefix(id)+"versions/")
	if err != nil {
		return err
	}
	for _, kv := range entries {
		var e versionEntry
		if json.Unmarshal(kv.Value, &e) == nil {
			s.deleteBody(ctx, e.Body)
		}
	}
	if err := s.coord.DeletePrefix(ctx, logPrefix(id)); err != nil {
		return err
	}
	s.logger.Info("log removed", slog.String("name", dsd.Name), slog.String("id", id.String()))
	return nil
}

// Close closes the coordinator and the body store.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return errors.Join(s.coord.Close(), s.bodies.Close())
}

func (s *Store) deleteBody(ctx context.Context, key string) {
	if err := s.bodies.Delete(ctx, key); err != nil {
		s.logger.Warn("delete patch body failed", slog.String("body", key), slog.String("error", err.Error()))
	}
}

// -----------------------------------------------------------------------------
// Handle
// -----------------------------------------------------------------------------

type handle struct {
	store    *Store
	dsd      delta.DataSourceDescription
	released atomic.Bool
}

func (h *handle) check() error {
	if h.released.Load() || h.store.closed.Load() {
		return store.Closed(h.dsd)
	}
	return nil
}

// state returns the log state and its raw encoding for use in a condition.
func (h *handle) state(ctx context.Context) (store.LogState, []byte, error) {
	var st store.LogState
	if err := h.check(); err != nil {
		return st, nil, err
	}
	raw, ok, err := h.store.coord.Get(ctx, stateKey(h.dsd.ID))
	if err != nil {
		return st, nil, err
	}
	if !ok {
		return st, nil, fmt.Errorf("data source %s: %w", h.dsd.ID, delta.ErrNotFound)
	}
	if err := json.Unmarshal(raw, &st); err != nil {
		return st, nil, fmt.Errorf("decode state: %w", err)
	}
	return st, raw, nil
}

func (h *handle) Description() delta.DataSourceDescription {
	return h.dsd
}

func (h *handle) Append(ctx context.Context, p *patch.Patch, expected delta.Version) (delta.Version, error) {
	id, err := store.CheckPatch(p)
	if err != nil {
		return 0, err
	}
	data, err := patch.EncodeBytes(p)
	if err != nil {
		return 0, err
	}
	c := h.store.coord

	cur, raw, err := h.state(ctx)
	if err != nil {
		return 0, err
	}
	if err := store.CheckExpected(expected, cur.Version); err != nil {
		return 0, err
	}
	if err := h.checkNewID(ctx, id); err != nil {
		return 0, err
	}

	bodyKey := h.dsd.ID.UUID().String() + "/" + uuid.NewString()
	if err := h.store.bodies.Put(ctx, bodyKey, data); err != nil {
		return 0, fmt.Errorf("store patch body: %w", err)
	}

	for attempt := 1; ; attempt++ {
		next := cur.Next(id)
		nextRaw, err := json.Marshal(next)
		if err != nil {
			return 0, err
		}
		entry, err := json.Marshal(versionEntry{ID: id, Body: bodyKey})
		if err != nil {
			return 0, err
		}

		ok, err := c.Txn(ctx,
			[]coord.Cond{coord.Equals(stateKey(h.dsd.ID), raw), coord.Absent(patchIDKey(h.dsd.ID, id))},
			[]coord.KV{
				{Key: stateKey(h.dsd.ID), Value: nextRaw},
				{Key: versionKey(h.dsd.ID, next.Version), Value: entry},
				{Key: patchIDKey(h.dsd.ID, id), Value: []byte(strconv.FormatInt(int64(next.Version), 10))},
			}, nil)
		if err != nil {
			h.store.deleteBody(context.WithoutCancel(ctx), bodyKey)
			return 0, err
		}
		if ok {
			return next.Version, nil
		}

		// lost the race: find out to whom
		latest, latestRaw, err := h.state(ctx)
		if err == nil {
			err = h.checkNewID(ctx, id)
		}
		if err == nil && latest.Version != cur.Version {
			err = store.CheckExpected(expected, latest.Version)
		}
		if err == nil && attempt >= maxAttempts {
			err = fmt.Errorf("%w: gave up after %d attempts", delta.ErrConflict, attempt)
		}
		if err != nil {
			h.store.deleteBody(context.WithoutCancel(ctx), bodyKey)
			return 0, err
		}
		cur, raw = latest, latestRaw
	}
}

func (h *handle) checkNewID(ctx context.Context, id delta.ID) error {
	raw, ok, err := h.store.coord.Get(ctx, patchIDKey(h.dsd.ID, id))
	if err != nil {
		return err
	}
	if ok {
		at, _ := strconv.ParseInt(string(raw), 10, 64)
		return store.DuplicateID(id, delta.Version(at))
	}
	return nil
}

func (h *handle) FetchVersion(ctx context.Context, v delta.Version) (*patch.Patch, error) {
	st, _, err := h.state(ctx)
	if err != nil {
		return nil, err
	}
	if err := store.CheckFetch(v, st); err != nil {
		return nil, err
	}
	return h.read(ctx, v)
}

func (h *handle) FetchID(ctx context.Context, id delta.ID) (*patch.Patch, error) {
	st, _, err := h.state(ctx)
	if err != nil {
		return nil, err
	}
	raw, ok, err := h.store.coord.Get(ctx, patchIDKey(h.dsd.ID, id))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("patch %s: %w", id, delta.ErrNotFound)
	}
	n, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("decode index for patch %s: %w", id, err)
	}
	if err := store.CheckFetch(delta.Version(n), st); err != nil {
		return nil, fmt.Errorf("patch %s: %w", id, err)
	}
	return h.read(ctx, delta.Version(n))
}

// read loads a version whose number has been checked against the state.
// A missing entry or body means it was truncated in the meantime.
func (h *handle) read(ctx context.Context, v delta.Version) (*patch.Patch, error) {
	raw, ok, err := h.store.coord.Get(ctx, versionKey(h.dsd.ID, v))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("version %d: %w", v, delta.ErrNotRetained)
	}
	var e versionEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("decode version %d: %w", v, err)
	}
	data, err := h.store.bodies.Get(ctx, e.Body)
	if errors.Is(err, ErrBodyNotFound) {
		return nil, fmt.Errorf("version %d: %w", v, delta.ErrNotRetained)
	}
	if err != nil {
		return nil, err
	}
	return patch.Decode(bytes.NewReader(data))
}

func (h *handle) CurrentVersion(ctx context.Context) (delta.Version, error) {
	st, _, err := h.state(ctx)
	return st.Version, err
}

func (h *handle) Info(ctx context.Context) (delta.PatchLogInfo, error) {
	st, _, err := h.state(ctx)
	if err != nil {
		return delta.PatchLogInfo{}, err
	}
	return st.Info(h.dsd.ID), nil
}

// Truncate raises the retained lower bound with a conditional write and then
// deletes the dropped entries and bodies. Patch id keys are kept.
func (h *handle) Truncate(ctx context.Context, keepFrom delta.Version) error {
	for attempt := 1; ; attempt++ {
		cur, raw, err := h.state(ctx)
		if err != nil {
			return err
		}
		keep := store.ClampKeep(keepFrom, cur)
		if keep == 0 {
			return nil
		}
		next := cur
		next.Min = keep
		nextRaw, err := json.Marshal(next)
		if err != nil {
			return err
		}
		ok, err := h.store.coord.Txn(ctx,
			[]coord.Cond{coord.Equals(stateKey(h.dsd.ID), raw)},
			[]coord.KV{{Key: stateKey(h.dsd.ID), Value: nextRaw}}, nil)
		if err != nil {
			return err
		}
		if !ok {
			if attempt >= maxAttempts {
				return fmt.Errorf("truncate %s: %w", h.dsd.Name, delta.ErrConflict)
			}
			continue
		}

		for v := cur.Min; v < keep; v++ {
			key := versionKey(h.dsd.ID, v)
			raw, found, err := h.store.coord.Get(ctx, key)
			if err != nil {
				return err
			}
			if !found {
				continue
			}
			var e versionEntry
			if err := json.Unmarshal(raw, &e); err == nil {
				h.store.deleteBody(ctx, e.Body)
			}
			if err := coord.Delete(ctx, h.store.coord, key); err != nil {
				return err
			}
		}
		return nil
	}
}

func (h *handle) Release() error {
	h.released.Store(true)
	return nil
}
