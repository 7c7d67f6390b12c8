// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dgraph-io/badger/v4"

	delta "github.com/AleutianAI/AleutianDelta/services/delta"
	"github.com/AleutianAI/AleutianDelta/services/delta/patch"
	storage "github.com/AleutianAI/AleutianDelta/services/delta/storage/badger"
)

// ZoneState is what a client remembers about one replica between runs.
type ZoneState struct {
	DataSource delta.ID      `json:"id"`
	Name       string        `json:"name"`
	Version    delta.Version `json:"version"`
	Patch      delta.ID      `json:"patch"`
}

// Zone is the client's local persistent area.
//
// Description:
//
//	A Zone holds, per data source, the last applied version and a snapshot
//	of the replica at that version, so a restarted client resumes where it
//	stopped instead of replaying the whole log. State and snapshot are
//	written in one badger transaction, so they never disagree. Badger's
//	directory lock keeps a second process from opening the same zone.
//
// Thread Safety: Safe for concurrent use.
type Zone struct {
	db     *storage.DB
	owned  bool
	logger *slog.Logger
}

// OpenZone opens the zone described by cfg.
func OpenZone(cfg storage.Config, logger *slog.Logger) (*Zone, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.With(slog.String("component", "badger"))
	}
	db, err := storage.OpenDB(cfg)
	if err != nil {
		return nil, fmt.Errorf("open zone: %w", err)
	}
	z := NewZone(db, logger)
	z.owned = true
	return z, nil
}

// NewZone returns a zone on an open database. Close does not close db.
func NewZone(db *storage.DB, logger *slog.Logger) *Zone {
	if logger == nil {
		logger = slog.Default()
	}
	return &Zone{db: db, logger: logger.With(slog.String("component", "zone"))}
}

const zonePrefix = "zone:"

func zoneStateKey(id delta.ID) []byte {
	return []byte(zonePrefix + id.UUID().String() + ":state")
}

func zoneDataKey(id delta.ID) []byte {
	return []byte(zonePrefix + id.UUID().String() + ":data")
}

// Get returns the saved state for id. ok is false when the zone has none.
func (z *Zone) Get(ctx context.Context, id delta.ID) (st ZoneState, ok bool, err error) {
	err = z.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		raw, err := storage.Get(txn, zoneStateKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		ok = true
		return json.Unmarshal(raw, &st)
	})
	return st, ok, err
}

// Snapshot returns the replica contents saved with the state for id, or
// nil when there are none.
func (z *Zone) Snapshot(ctx context.Context, id delta.ID) (*patch.Patch, error) {
	var p *patch.Patch
	err := z.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		framed, err := storage.Get(txn, zoneDataKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		data, err := storage.Unframe(framed)
		if err != nil {
			return fmt.Errorf("zone snapshot %s: %w", id, err)
		}
		p, err = patch.DecodeBytes(data)
		return err
	})
	return p, err
}

// Save records st, and snapshot when it is non-nil, in one transaction.
func (z *Zone) Save(ctx context.Context, st ZoneState, snapshot *patch.Patch) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return err
	}
	var framed []byte
	if snapshot != nil {
		data, err := patch.EncodeBytes(snapshot)
		if err != nil {
			return fmt.Errorf("encode snapshot: %w", err)
		}
		framed = storage.Frame(data)
	}
	return z.db.WithTxn(ctx, func(txn *badger.Txn) error {
		if err := txn.Set(zoneStateKey(st.DataSource), raw); err != nil {
			return err
		}
		if framed != nil {
			return txn.Set(zoneDataKey(st.DataSource), framed)
		}
		return nil
	})
}

// List returns the state of every data source in the zone.
func (z *Zone) List(ctx context.Context) ([]ZoneState, error) {
	var out []ZoneState
	err := z.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		return storage.ScanPrefix(txn, []byte(zonePrefix), func(key, value []byte) error {
			if !strings.HasSuffix(string(key), ":state") {
				return nil
			}
			var st ZoneState
			if err := json.Unmarshal(value, &st); err != nil {
				return fmt.Errorf("zone key %s: %w", key, err)
			}
			out = append(out, st)
			return nil
		})
	})
	return out, err
}

// Delete forgets a data source.
func (z *Zone) Delete(ctx context.Context, id delta.ID) error {
	return z.db.WithTxn(ctx, func(txn *badger.Txn) error {
		if err := txn.Delete(zoneStateKey(id)); err != nil {
			return err
		}
		return txn.Delete(zoneDataKey(id))
	})
}

// Close closes the database if the zone opened it.
func (z *Zone) Close() error {
	if !z.owned {
		return nil
	}
	return z.db.Close()
}
