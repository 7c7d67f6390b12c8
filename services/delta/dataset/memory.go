// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package dataset provides Memory, an in-memory quad store that replicas
// replay patches onto.
package dataset

import (
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/AleutianAI/AleutianDelta/services/delta/patch"
)

type prefixKey struct {
	graph  patch.Term
	prefix string
}

type state struct {
	quads    map[patch.Quad]struct{}
	prefixes map[prefixKey]string
}

func newState() *state {
	return &state{
		quads:    make(map[patch.Quad]struct{}),
		prefixes: make(map[prefixKey]string),
	}
}

func (s *state) clone() *state {
	return &state{quads: maps.Clone(s.quads), prefixes: maps.Clone(s.prefixes)}
}

// Apply implements patch.Sink on a staging copy. Headers and transaction
// markers are ignored: the surrounding Update is the transaction. An abort
// marker fails the update.
func (s *state) Apply(op patch.Operation) error {
	switch op.Kind {
	case patch.OpAdd:
		s.quads[op.Quad] = struct{}{}
	case patch.OpDelete:
		delete(s.quads, op.Quad)
	case patch.OpAddPrefix:
		s.prefixes[prefixKey{op.Graph, op.Prefix}] = op.URI
	case patch.OpDeletePrefix:
		delete(s.prefixes, prefixKey{op.Graph, op.Prefix})
	case patch.OpTxnAbort:
		return patch.ErrTxnAbort
	}
	return nil
}

// Prefix is one prefix mapping.
type Prefix struct {
	Graph  patch.Term
	Prefix string
	URI    string
}

// Memory is a set of quads plus prefix mappings.
//
// Description:
//
//	Update applies a batch of operations atomically: changes go to a copy
//	and the copy replaces the live state only if the batch succeeds. Reads
//	never block on an update in progress.
//
// Thread Safety: Safe for concurrent use. Updates are serialized.
type Memory struct {
	writeMu sync.Mutex

	mu  sync.RWMutex
	cur *state
}

// NewMemory returns an empty dataset.
func NewMemory() *Memory {
	return &Memory{cur: newState()}
}

func (m *Memory) snapshot() *state {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cur
}

// Update runs fn with a sink onto a private copy of the dataset. If fn
// returns nil the copy becomes the dataset; otherwise the dataset is
// unchanged and fn's error is returned.
func (m *Memory) Update(fn func(patch.Sink) error) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	staged := m.snapshot().clone()
	if err := fn(staged); err != nil {
		return err
	}
	m.mu.Lock()
	m.cur = staged
	m.mu.Unlock()
	return nil
}

// Len returns the number of quads.
func (m *Memory) Len() int {
	return len(m.snapshot().quads)
}

// Contains reports whether q is in the dataset.
func (m *Memory) Contains(q patch.Quad) bool {
	_, ok := m.snapshot().quads[q]
	return ok
}

// Quads returns every quad in a stable order.
func (m *Memory) Quads() []patch.Quad {
	s := m.snapshot()
	out := make([]patch.Quad, 0, len(s.quads))
	for q := range s.quads {
		out = append(out, q)
	}
	slices.SortFunc(out, func(a, b patch.Quad) int {
		return strings.Compare(a.String(), b.String())
	})
	return out
}

// Prefixes returns every prefix mapping in a stable order.
func (m *Memory) Prefixes() []Prefix {
	s := m.snapshot()
	out := make([]Prefix, 0, len(s.prefixes))
	for k, uri := range s.prefixes {
		out = append(out, Prefix{Graph: k.graph, Prefix: k.prefix, URI: uri})
	}
	slices.SortFunc(out, func(a, b Prefix) int {
		if c := strings.Compare(a.Graph.String(), b.Graph.String()); c != 0 {
			return c
		}
		return strings.Compare(a.Prefix, b.Prefix)
	})
	return out
}

// Equal reports whether m and other hold the same quads and prefixes.
func (m *Memory) Equal(other *Memory) bool {
	a, b := m.snapshot(), other.snapshot()
	return maps.Equal(a.quads, b.quads) && maps.Equal(a.prefixes, b.prefixes)
}

// Snapshot returns the dataset as one transaction: prefixes first, then
// quads. The patch has no id header.
func (m *Memory) Snapshot() *patch.Patch {
	ops := []patch.Operation{patch.BeginOp()}
	for _, p := range m.Prefixes() {
		ops = append(ops, patch.AddPrefixOp(p.Graph, p.Prefix, p.URI))
	}
	for _, q := range m.Quads() {
		ops = append(ops, patch.AddOp(q))
	}
	ops = append(ops, patch.CommitOp())
	return patch.New(ops...)
}

// Restore replaces the dataset with the contents of p, typically a
// Snapshot.
func (m *Memory) Restore(p *patch.Patch) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	fresh := newState()
	if err := p.Play(fresh); err != nil {
		return err
	}
	m.mu.Lock()
	m.cur = fresh
	m.mu.Unlock()
	return nil
}
