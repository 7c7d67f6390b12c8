// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package filestore keeps each log as a directory of patch files.
//
// Layout of one area:
//
//	<area>/<name>/source.json      data source description
//	<area>/<name>/state.json       {"version", "min", "latest"}
//	<area>/<name>/patch-0000000001 patch text, one file per version
//
// Every file is written to a temporary name, synced, and renamed into
// place. A patch file is published before the state file that counts it, so
// state.json is the only source of truth for the current version: patch
// files beyond it are debris from an interrupted append and are removed when
// the log is next attached.
package filestore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	delta "github.com/AleutianAI/AleutianDelta/services/delta"
	"github.com/AleutianAI/AleutianDelta/services/delta/patch"
	"github.com/AleutianAI/AleutianDelta/services/delta/store"
)

const (
	sourceFile  = "source.json"
	stateFile   = "state.json"
	patchPrefix = "patch-"
	tempPrefix  = ".tmp-"
	deletedMark = ".deleted-"
)

// Store is a file-backed patch store rooted at one area directory.
//
// Thread Safety: Safe for concurrent use. Two Store values must not share an
// area.
type Store struct {
	area   string
	logger *slog.Logger

	mu     sync.Mutex
	logs   map[delta.ID]*fileLog
	closed atomic.Bool
}

type fileLog struct {
	dsd delta.DataSourceDescription
	dir string

	// appendMu serializes writers; mu guards the published state.
	appendMu sync.Mutex
	mu       sync.RWMutex
	state    store.LogState
	ids      map[delta.ID]delta.Version
	removed  bool
}

// New opens or creates the area directory.
func New(area string, logger *slog.Logger) (*Store, error) {
	if area == "" {
		return nil, errors.New("filestore: area directory is required")
	}
	if err := os.MkdirAll(area, 0750); err != nil {
		return nil, fmt.Errorf("create area %s: %w", area, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		area:   area,
		logger: logger.With(slog.String("component", "filestore"), slog.String("area", area)),
		logs:   make(map[delta.ID]*fileLog),
	}, nil
}

// Provider implements store.Store.
func (s *Store) Provider() string { return store.ProviderFile }

// Area returns the area directory.
func (s *Store) Area() string { return s.area }

// Create implements store.Store.
func (s *Store) Create(ctx context.Context, dsd delta.DataSourceDescription) (store.Handle, error) {
	if err := delta.ValidateName(dsd.Name); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return nil, delta.ErrClosed
	}

	existing, err := s.list()
	if err != nil {
		return nil, err
	}
	for _, d := range existing {
		if d.ID == dsd.ID {
			return nil, fmt.Errorf("data source %s: %w", dsd.ID, delta.ErrExists)
		}
	}

	dir := filepath.Join(s.area, dsd.Name)
	if err := os.Mkdir(dir, 0750); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("data source %s: %w", dsd.Name, delta.ErrExists)
		}
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	data, err := json.MarshalIndent(dsd, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := writeFileAtomic(dir, sourceFile, data); err != nil {
		os.RemoveAll(dir)
		return nil, err
	}
	if err := syncDir(s.area); err != nil {
		return nil, err
	}

	l := &fileLog{dsd: dsd, dir: dir, ids: make(map[delta.ID]delta.Version)}
	s.logs[dsd.ID] = l
	s.logger.Info("log created", slog.String("name", dsd.Name), slog.String("id", dsd.ID.String()))
	return &handle{store: s, log: l}, nil
}

// Connect implements store.Store.
func (s *Store) Connect(ctx context.Context, dsd delta.DataSourceDescription) (store.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return nil, delta.ErrClosed
	}

	if l, ok := s.logs[dsd.ID]; ok {
		return &handle{store: s, log: l}, nil
	}

	dir, stored, err := s.find(dsd.ID, dsd.Name)
	if err != nil {
		return nil, err
	}
	l, err := s.attach(dir, stored)
	if err != nil {
		return nil, err
	}
	s.logs[dsd.ID] = l
	return &handle{store: s, log: l}, nil
}

// List implements store.Store.
func (s *Store) List(context.Context) ([]delta.DataSourceDescription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.list()
}

// Remove renames the log directory to a tombstone; the data is kept.
func (s *Store) Remove(ctx context.Context, id delta.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir, dsd, err := s.find(id, "")
	if err != nil {
		return err
	}
	if l, ok := s.logs[id]; ok {
		l.appendMu.Lock()
		l.mu.Lock()
		l.removed = true
		l.mu.Unlock()
		l.appendMu.Unlock()
		delete(s.logs, id)
	}

	tomb := fmt.Sprintf("%s%s%d", dir, deletedMark, time.Now().UnixNano())
	if err := os.Rename(dir, tomb); err != nil {
		return fmt.Errorf("remove log %s: %w", dsd.Name, err)
	}
	if err := syncDir(s.area); err != nil {
		return err
	}
	s.logger.Info("log removed", slog.String("name", dsd.Name), slog.String("tombstone", filepath.Base(tomb)))
	return nil
}

// Close implements store.Store.
func (s *Store) Close() error {
	s.closed.Store(true)
	s.mu.Lock()
	s.logs = make(map[delta.ID]*fileLog)
	s.mu.Unlock()
	return nil
}

func (s *Store) list() ([]delta.DataSourceDescription, error) {
	entries, err := os.ReadDir(s.area)
	if err != nil {
		return nil, fmt.Errorf("read area: %w", err)
	}
	var out []delta.DataSourceDescription
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() || strings.HasPrefix(name, ".") || strings.Contains(name, deletedMark) {
			continue
		}
		dsd, err := readSource(filepath.Join(s.area, name))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, dsd)
	}
	return out, nil
}

// find locates a live log directory by id, or by name when name is set.
func (s *Store) find(id delta.ID, name string) (string, delta.DataSourceDescription, error) {
	if name != "" {
		dir := filepath.Join(s.area, name)
		dsd, err := readSource(dir)
		if err == nil && dsd.ID == id {
			return dir, dsd, nil
		}
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return "", delta.DataSourceDescription{}, err
		}
	}
	all, err := s.list()
	if err != nil {
		return "", delta.DataSourceDescription{}, err
	}
	for _, dsd := range all {
		if dsd.ID == id {
			return filepath.Join(s.area, dsd.Name), dsd, nil
		}
	}
	return "", delta.DataSourceDescription{}, fmt.Errorf("data source %s: %w", id, delta.ErrNotFound)
}

// attach loads the state of an existing log directory and removes debris
// left by interrupted writes.
func (s *Store) attach(dir string, dsd delta.DataSourceDescription) (*fileLog, error) {
	state, err := readState(dir)
	if err != nil {
		return nil, err
	}
	l := &fileLog{dsd: dsd, dir: dir, state: state, ids: make(map[delta.ID]delta.Version)}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read log directory: %w", err)
	}
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, tempPrefix) {
			s.removeDebris(dir, name)
			continue
		}
		v, ok := parsePatchName(name)
		if !ok {
			continue
		}
		if v > state.Version || v < state.Min {
			s.removeDebris(dir, name)
			continue
		}
		id, err := readPatchID(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("index %s: %w", name, err)
		}
		l.ids[id] = v
	}
	for v := state.Min; v >= 1 && v <= state.Version; v++ {
		if _, err := os.Stat(filepath.Join(dir, patchName(v))); err != nil {
			return nil, fmt.Errorf("log %s: version %d missing: %w", dsd.Name, v, err)
		}
	}
	return l, nil
}

func (s *Store) removeDebris(dir, name string) {
	if err := os.Remove(filepath.Join(dir, name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.logger.Warn("remove leftover file failed", slog.String("file", name), slog.String("error", err.Error()))
		return
	}
	s.logger.Info("removed leftover file", slog.String("dir", filepath.Base(dir)), slog.String("file", name))
}

// -----------------------------------------------------------------------------
// Handle
// -----------------------------------------------------------------------------

type handle struct {
	store    *Store
	log      *fileLog
	released atomic.Bool
}

func (h *handle) check() error {
	if h.released.Load() || h.store.closed.Load() {
		return store.Closed(h.log.dsd)
	}
	return nil
}

// snapshot returns the published state.
func (h *handle) snapshot() (store.LogState, error) {
	if err := h.check(); err != nil {
		return store.LogState{}, err
	}
	l := h.log
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.removed {
		return store.LogState{}, fmt.Errorf("data source %s: %w", l.dsd.ID, delta.ErrNotFound)
	}
	return l.state, nil
}

func (h *handle) Description() delta.DataSourceDescription {
	return h.log.dsd
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

	l := h.log
	l.appendMu.Lock()
	defer l.appendMu.Unlock()

	cur, err := h.snapshot()
	if err != nil {
		return 0, err
	}
	if err := store.CheckExpected(expected, cur.Version); err != nil {
		return 0, err
	}
	l.mu.RLock()
	at, dup := l.ids[id]
	l.mu.RUnlock()
	if dup {
		return 0, store.DuplicateID(id, at)
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	next := cur.Next(id)
	if err := writeFileAtomic(l.dir, patchName(next.Version), data); err != nil {
		return 0, fmt.Errorf("write patch: %w", err)
	}
	if err := writeState(l.dir, next); err != nil {
		return 0, fmt.Errorf("write state: %w", err)
	}

	l.mu.Lock()
	l.state = next
	l.ids[id] = next.Version
	l.mu.Unlock()
	return next.Version, nil
}

func (h *handle) FetchVersion(_ context.Context, v delta.Version) (*patch.Patch, error) {
	state, err := h.snapshot()
	if err != nil {
		return nil, err
	}
	if err := store.CheckFetch(v, state); err != nil {
		return nil, err
	}
	return h.read(v)
}

func (h *handle) read(v delta.Version) (*patch.Patch, error) {
	f, err := os.Open(filepath.Join(h.log.dir, patchName(v)))
	if errors.Is(err, fs.ErrNotExist) {
		// truncated between the state check and the open
		return nil, fmt.Errorf("version %d: %w", v, delta.ErrNotRetained)
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return patch.Decode(f)
}

func (h *handle) FetchID(_ context.Context, id delta.ID) (*patch.Patch, error) {
	state, err := h.snapshot()
	if err != nil {
		return nil, err
	}
	h.log.mu.RLock()
	v, ok := h.log.ids[id]
	h.log.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("patch %s: %w", id, delta.ErrNotFound)
	}
	if err := store.CheckFetch(v, state); err != nil {
		return nil, fmt.Errorf("patch %s: %w", id, err)
	}
	return h.read(v)
}

func (h *handle) CurrentVersion(context.Context) (delta.Version, error) {
	state, err := h.snapshot()
	return state.Version, err
}

func (h *handle) Info(context.Context) (delta.PatchLogInfo, error) {
	state, err := h.snapshot()
	if err != nil {
		return delta.PatchLogInfo{}, err
	}
	return state.Info(h.log.dsd.ID), nil
}

// Truncate publishes the new lower bound first and deletes files after, so a
// crash in between leaves files that attach removes.
func (h *handle) Truncate(_ context.Context, keepFrom delta.Version) error {
	l := h.log
	l.appendMu.Lock()
	defer l.appendMu.Unlock()

	cur, err := h.snapshot()
	if err != nil {
		return err
	}
	keep := store.ClampKeep(keepFrom, cur)
	if keep == 0 {
		return nil
	}
	next := cur
	next.Min = keep
	if err := writeState(l.dir, next); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	l.mu.Lock()
	l.state = next
	l.mu.Unlock()

	for v := cur.Min; v < keep; v++ {
		if err := os.Remove(filepath.Join(l.dir, patchName(v))); err != nil && !errors.Is(err, fs.ErrNotExist) {
			h.store.logger.Warn("remove truncated patch failed",
				slog.String("name", l.dsd.Name), slog.Int64("version", int64(v)), slog.String("error", err.Error()))
		}
	}
	return nil
}

func (h *handle) Release() error {
	h.released.Store(true)
	return nil
}

// -----------------------------------------------------------------------------
// Files
// -----------------------------------------------------------------------------

func patchName(v delta.Version) string {
	return fmt.Sprintf("%s%010d", patchPrefix, v)
}

func parsePatchName(name string) (delta.Version, bool) {
	if !strings.HasPrefix(name, patchPrefix) {
		return 0, false
	}
	n, err := strconv.ParseInt(name[len(patchPrefix):], 10, 64)
	if err != nil || n <= 0 {
		return 0, false
	}
	return delta.Version(n), true
}

func readSource(dir string) (delta.DataSourceDescription, error) {
	var dsd delta.DataSourceDescription
	data, err := os.ReadFile(filepath.Join(dir, sourceFile))
	if err != nil {
		return dsd, err
	}
	if err := json.Unmarshal(data, &dsd); err != nil {
		return dsd, fmt.Errorf("parse %s in %s: %w", sourceFile, dir, err)
	}
	return dsd, nil
}

func readState(dir string) (store.LogState, error) {
	var state store.LogState
	data, err := os.ReadFile(filepath.Join(dir, stateFile))
	if errors.Is(err, fs.ErrNotExist) {
		return state, nil
	}
	if err != nil {
		return state, err
	}
	if err := json.Unmarshal(data, &state); err != nil {
		return state, fmt.Errorf("parse %s in %s: %w", stateFile, dir, err)
	}
	return state, nil
}

func writeState(dir string, state store.LogState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return writeFileAtomic(dir, stateFile, data)
}

// readPatchID reads the header block of a patch file and returns its id.
func readPatchID(path string) (delta.ID, error) {
	f, err := os.Open(path)
	if err != nil {
		return delta.NilID, err
	}
	defer f.Close()

	r := patch.NewReader(f)
	var headers []patch.Operation
	for {
		op, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return delta.NilID, err
		}
		if op.Kind != patch.OpHeader {
			break
		}
		headers = append(headers, op)
	}
	id := patch.New(headers...).ID()
	if id.IsZero() {
		return delta.NilID, fmt.Errorf("%w: no id header", patch.ErrMalformedPatch)
	}
	return id, nil
}

// writeFileAtomic writes data to dir/name through a synced temporary file
// and a rename, then syncs the directory.
func writeFileAtomic(dir, name string, data []byte) error {
	tmp, err := os.CreateTemp(dir, tempPrefix+name+"-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { os.Remove(tmpName) }

	if _, err := io.Copy(tmp, bytes.NewReader(data)); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, filepath.Join(dir, name)); err != nil {
		cleanup()
		return err
	}
	return syncDir(dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", dir, err)
	}
	return nil
}
