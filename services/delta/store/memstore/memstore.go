// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package memstore is the process-local patch store. Logs are lost when the
// process exits.
package memstore

import (
	"context"
	"fmt"
	"sync"

	delta "github.com/AleutianAI/AleutianDelta/services/delta"
	"github.com/AleutianAI/AleutianDelta/services/delta/patch"
	"github.com/AleutianAI/AleutianDelta/services/delta/store"
)

// Store keeps logs in maps.
//
// Thread Safety: Safe for concurrent use.
type Store struct {
	mu     sync.RWMutex
	logs   map[delta.ID]*memLog
	closed bool
}

type memLog struct {
	dsd delta.DataSourceDescription

	mu      sync.RWMutex
	state   store.LogState
	patches map[delta.Version]*patch.Patch
	ids     map[delta.ID]delta.Version
	removed bool
}

// New returns an empty store.
func New() *Store {
	return &Store{logs: make(map[delta.ID]*memLog)}
}

// Provider implements store.Store.
func (s *Store) Provider() string { return store.ProviderMem }

// Create implements store.Store.
func (s *Store) Create(_ context.Context, dsd delta.DataSourceDescription) (store.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, delta.ErrClosed
	}
	for _, l := range s.logs {
		if l.dsd.ID == dsd.ID || l.dsd.Name == dsd.Name {
			return nil, fmt.Errorf("data source %s: %w", dsd.Name, delta.ErrExists)
		}
	}
	l := &memLog{
		dsd:     dsd,
		patches: make(map[delta.Version]*patch.Patch),
		ids:     make(map[delta.ID]delta.Version),
	}
	s.logs[dsd.ID] = l
	return &handle{store: s, log: l}, nil
}

// Connect implements store.Store.
func (s *Store) Connect(_ context.Context, dsd delta.DataSourceDescription) (store.Handle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, delta.ErrClosed
	}
	l, ok := s.logs[dsd.ID]
	if !ok {
		return nil, fmt.Errorf("data source %s: %w", dsd.ID, delta.ErrNotFound)
	}
	return &handle{store: s, log: l}, nil
}

// List implements store.Store.
func (s *Store) List(context.Context) ([]delta.DataSourceDescription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]delta.DataSourceDescription, 0, len(s.logs))
	for _, l := range s.logs {
		out = append(out, l.dsd)
	}
	return out, nil
}

// Remove implements store.Store.
func (s *Store) Remove(_ context.Context, id delta.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.logs[id]
	if !ok {
		return fmt.Errorf("data source %s: %w", id, delta.ErrNotFound)
	}
	delete(s.logs, id)

	l.mu.Lock()
	l.removed = true
	l.mu.Unlock()
	return nil
}

// Close implements store.Store.
func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *Store) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// -----------------------------------------------------------------------------
// Handle
// -----------------------------------------------------------------------------

type handle struct {
	store *Store
	log   *memLog

	mu       sync.RWMutex
	released bool
}

func (h *handle) check() error {
	h.mu.RLock()
	released := h.released
	h.mu.RUnlock()
	if released || h.store.isClosed() {
		return store.Closed(h.log.dsd)
	}
	return nil
}

// lockedLog returns the log with its lock held; unlock runs the matching
// unlock.
func (h *handle) lockedLog(write bool) (l *memLog, unlock func(), err error) {
	if err := h.check(); err != nil {
		return nil, nil, err
	}
	l = h.log
	if write {
		l.mu.Lock()
		unlock = l.mu.Unlock
	} else {
		l.mu.RLock()
		unlock = l.mu.RUnlock
	}
	if l.removed {
		unlock()
		return nil, nil, fmt.Errorf("data source %s: %w", l.dsd.ID, delta.ErrNotFound)
	}
	return l, unlock, nil
}

func (h *handle) Description() delta.DataSourceDescription {
	return h.log.dsd
}

func (h *handle) Append(_ context.Context, p *patch.Patch, expected delta.Version) (delta.Version, error) {
	id, err := store.CheckPatch(p)
	if err != nil {
		return 0, err
	}
	l, unlock, err := h.lockedLog(true)
	if err != nil {
		return 0, err
	}
	defer unlock()

	if err := store.CheckExpected(expected, l.state.Version); err != nil {
		return 0, err
	}
	if at, ok := l.ids[id]; ok {
		return 0, store.DuplicateID(id, at)
	}
	next := l.state.Next(id)
	l.patches[next.Version] = patch.New(append([]patch.Operation(nil), p.Ops...)...)
	l.ids[id] = next.Version
	l.state = next
	return next.Version, nil
}

func (h *handle) FetchVersion(_ context.Context, v delta.Version) (*patch.Patch, error) {
	l, unlock, err := h.lockedLog(false)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if err := store.CheckFetch(v, l.state); err != nil {
		return nil, err
	}
	return l.patches[v], nil
}

func (h *handle) FetchID(_ context.Context, id delta.ID) (*patch.Patch, error) {
	l, unlock, err := h.lockedLog(false)
	if err != nil {
		return nil, err
	}
	defer unlock()

	v, ok := l.ids[id]
	if !ok {
		return nil, fmt.Errorf("patch %s: %w", id, delta.ErrNotFound)
	}
	if err := store.CheckFetch(v, l.state); err != nil {
		return nil, fmt.Errorf("patch %s: %w", id, err)
	}
	return l.patches[v], nil
}

func (h *handle) CurrentVersion(_ context.Context) (delta.Version, error) {
	l, unlock, err := h.lockedLog(false)
	if err != nil {
		return 0, err
	}
	defer unlock()
	return l.state.Version, nil
}

func (h *handle) Info(_ context.Context) (delta.PatchLogInfo, error) {
	l, unlock, err := h.lockedLog(false)
	if err != nil {
		return delta.PatchLogInfo{}, err
	}
	defer unlock()
	return l.state.Info(l.dsd.ID), nil
}

func (h *handle) Truncate(_ context.Context, keepFrom delta.Version) error {
	l, unlock, err := h.lockedLog(true)
	if err != nil {
		return err
	}
	defer unlock()

	keep := store.ClampKeep(keepFrom, l.state)
	if keep == 0 {
		return nil
	}
	for v := l.state.Min; v < keep; v++ {
		delete(l.patches, v)
	}
	l.state.Min = keep
	return nil
}

func (h *handle) Release() error {
	h.mu.Lock()
	h.released = true
	h.mu.Unlock()
	return nil
}
