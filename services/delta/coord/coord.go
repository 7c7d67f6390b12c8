// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package coord is the small key-value contract the coordination provider
// needs from a distributed store: point reads, prefix listing, and
// all-or-nothing conditional transactions.
//
// Production deployments use etcd (Etcd). Memory implements the same
// contract in-process for tests and single-node setups.
package coord

import (
	"context"
	"errors"
)

// ErrUnavailable wraps failures talking to the coordination service.
var ErrUnavailable = errors.New("coordination service unavailable")

// KV is one key and its value.
type KV struct {
	Key   string
	Value []byte
}

// Cond is a transaction precondition. A nil Value requires the key to be
// absent; otherwise the key must hold exactly Value.
type Cond struct {
	Key   string
	Value []byte
}

// Absent returns a condition that key does not exist.
func Absent(key string) Cond {
	return Cond{Key: key}
}

// Equals returns a condition that key holds value.
func Equals(key string, value []byte) Cond {
	if value == nil {
		value = []byte{}
	}
	return Cond{Key: key, Value: value}
}

// Coordinator is a linearizable key-value store.
type Coordinator interface {
	// Get returns the value at key and whether it exists.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// List returns every key with the prefix, sorted by key.
	List(ctx context.Context, prefix string) ([]KV, error)

	// Txn applies puts and deletes atomically if every condition holds.
	// It returns false, and changes nothing, when a condition fails.
	Txn(ctx context.Context, conds []Cond, puts []KV, deletes []string) (bool, error)

	// DeletePrefix removes every key with the prefix.
	DeletePrefix(ctx context.Context, prefix string) error

	// Close releases the connection.
	Close() error
}

// Put stores one key unconditionally.
func Put(ctx context.Context, c Coordinator, key string, value []byte) error {
	_, err := c.Txn(ctx, nil, []KV{{Key: key, Value: value}}, nil)
	return err
}

// Delete removes one key unconditionally.
func Delete(ctx context.Context, c Coordinator, key string) error {
	_, err := c.Txn(ctx, nil, nil, []string{key})
	return err
}
