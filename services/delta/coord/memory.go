// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package coord

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
)

// Memory is an in-process Coordinator.
//
// Thread Safety: Safe for concurrent use. Several stores may share one
// Memory to act as separate servers over one cluster.
type Memory struct {
	mu     sync.Mutex
	data   map[string][]byte
	closed bool
}

// NewMemory returns an empty Memory coordinator.
func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

var errMemoryClosed = errors.New("memory coordinator closed")

func (m *Memory) Get(ctx context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, false, errMemoryClosed
	}
	v, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}
	return bytes.Clone(v), true, nil
}

func (m *Memory) List(ctx context.Context, prefix string) ([]KV, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errMemoryClosed
	}
	var out []KV
	for k, v := range m.data {
		if strings.HasPrefix(k, prefix) {
			out = append(out, KV{Key: k, Value: bytes.Clone(v)})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *Memory) Txn(ctx context.Context, conds []Cond, puts []KV, deletes []string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, errMemoryClosed
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	for _, c := range conds {
		v, ok := m.data[c.Key]
		if c.Value == nil {
			if ok {
				return false, nil
			}
			continue
		}
		if !ok || !bytes.Equal(v, c.Value) {
			return false, nil
		}
	}
	for _, kv := range puts {
		m.data[kv.Key] = bytes.Clone(kv.Value)
	}
	for _, k := range deletes {
		delete(m.data, k)
	}
	return true, nil
}

func (m *Memory) DeletePrefix(ctx context.Context, prefix string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errMemoryClosed
	}
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			delete(m.data, k)
		}
	}
	return nil
}

// Close marks the coordinator closed. Data is dropped.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.data = nil
	return nil
}

// Shared wraps a Coordinator so Close is a no-op. Tests use it to reopen a
// store against the same cluster state.
func Shared(c Coordinator) Coordinator {
	return sharedCoordinator{c}
}

type sharedCoordinator struct {
	Coordinator
}

func (sharedCoordinator) Close() error { return nil }
