// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package badger opens and manages the embedded BadgerDB instances used by
// the badger patch store and the client zone.
//
// Besides lifecycle management (open, value log GC, close) it provides the
// transaction helpers and the checksummed value framing shared by both
// users. Framed values are stored as [4-byte CRC32][payload] so a torn or
// corrupted value is detected on read instead of being replayed.
package badger

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// ErrCorrupt is returned when a framed value fails its checksum.
var ErrCorrupt = errors.New("stored value corrupted")

// Config holds configuration for a BadgerDB instance.
type Config struct {
	// Path is the directory for BadgerDB files.
	// Ignored when InMemory is true.
	Path string

	// InMemory keeps all data in RAM. Used by tests.
	InMemory bool

	// SyncWrites makes every commit durable before it returns.
	SyncWrites bool

	// Logger receives BadgerDB's internal log lines. If nil they are dropped.
	Logger *slog.Logger

	// NumVersionsToKeep is the number of versions to keep per key.
	NumVersionsToKeep int

	// GCInterval is how often to run value log garbage collection.
	// Zero disables GC.
	GCInterval time.Duration

	// GCDiscardRatio is the minimum ratio of discardable data before GC.
	GCDiscardRatio float64
}

// DefaultConfig returns durable defaults for a persistent database.
//
// Outputs:
//
//	Config - SyncWrites on, one version per key, GC every 5 minutes at 0.5.
func DefaultConfig() Config {
	return Config{
		SyncWrites:        true,
		NumVersionsToKeep: 1,
		GCInterval:        5 * time.Minute,
		GCDiscardRatio:    0.5,
	}
}

// InMemoryConfig returns a configuration for tests.
func InMemoryConfig() Config {
	return Config{
		InMemory:          true,
		NumVersionsToKeep: 1,
	}
}

type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Open opens a BadgerDB instance.
//
// Description:
//
//	Opens the database at cfg.Path, creating the directory if needed, or in
//	memory when cfg.InMemory is set. BadgerDB holds a directory lock, so a
//	second Open of the same path fails until the first is closed.
//
// Inputs:
//
//	cfg - Database configuration. Path is required unless InMemory is true.
//
// Outputs:
//
//	*badger.DB - The opened database. Caller must call Close() when done.
//	error - Non-nil if the path is missing or the database cannot be opened.
//
// Thread Safety: The returned *badger.DB is safe for concurrent use.
func Open(cfg Config) (*badger.DB, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}

	versions := cfg.NumVersionsToKeep
	if versions <= 0 {
		versions = 1
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(versions)

	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	return db, nil
}

// -----------------------------------------------------------------------------
// Garbage collection
// -----------------------------------------------------------------------------

// GCRunner runs periodic value log garbage collection.
type GCRunner struct {
	db       *badger.DB
	interval time.Duration
	ratio    float64
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
	logger   *slog.Logger
}

// NewGCRunner creates a garbage collection runner. Call Start to begin.
//
// Inputs:
//
//	db - The database. Must not be nil.
//	interval - How often to run GC. Must be positive.
//	ratio - Minimum garbage ratio to trigger GC (0.0-1.0).
//	logger - Optional logger for GC events.
func NewGCRunner(db *badger.DB, interval time.Duration, ratio float64, logger *slog.Logger) (*GCRunner, error) {
	if db == nil {
		return nil, errors.New("db must not be nil")
	}
	if interval <= 0 {
		return nil, errors.New("interval must be positive")
	}
	if ratio < 0 || ratio > 1 {
		return nil, errors.New("ratio must be between 0 and 1")
	}
	return &GCRunner{
		db:       db,
		interval: interval,
		ratio:    ratio,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		logger:   logger,
	}, nil
}

// Start begins periodic garbage collection in a goroutine.
func (r *GCRunner) Start() {
	go r.run()
}

// Stop halts garbage collection and waits for the goroutine to exit.
// Safe to call more than once.
func (r *GCRunner) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	<-r.doneCh
}

func (r *GCRunner) run() {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.runGC()
		}
	}
}

func (r *GCRunner) runGC() {
	err := r.db.RunValueLogGC(r.ratio)
	if r.logger == nil {
		return
	}
	switch {
	case err == nil:
		r.logger.Debug("badger value log GC completed")
	case !errors.Is(err, badger.ErrNoRewrite):
		r.logger.Warn("badger value log GC error", slog.String("error", err.Error()))
	}
}

// -----------------------------------------------------------------------------
// Managed DB
// -----------------------------------------------------------------------------

// DB wraps a BadgerDB instance with lifecycle management.
type DB struct {
	*badger.DB
	gcRunner *GCRunner
	path     string
	inMemory bool
	once     sync.Once
	closeErr error
}

// OpenDB opens a database and starts a GC runner when cfg.GCInterval is set.
//
// Outputs:
//
//	*DB - The managed database. Call Close() when done.
//	error - Non-nil if the database cannot be opened.
//
// Thread Safety: Safe for concurrent use.
func OpenDB(cfg Config) (*DB, error) {
	db, err := Open(cfg)
	if err != nil {
		return nil, err
	}

	wrapped := &DB{
		DB:       db,
		path:     cfg.Path,
		inMemory: cfg.InMemory,
	}

	if cfg.GCInterval > 0 && !cfg.InMemory {
		runner, err := NewGCRunner(db, cfg.GCInterval, cfg.GCDiscardRatio, cfg.Logger)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("create GC runner: %w", err)
		}
		wrapped.gcRunner = runner
		runner.Start()
	}
	return wrapped, nil
}

// Close stops garbage collection and closes the database. Later calls return
// the result of the first.
func (d *DB) Close() error {
	d.once.Do(func() {
		if d.gcRunner != nil {
			d.gcRunner.Stop()
		}
		d.closeErr = d.DB.Close()
	})
	return d.closeErr
}

// Path returns the database path, or "" for in-memory databases.
func (d *DB) Path() string {
	return d.path
}

// InMemory reports whether this is an in-memory database.
func (d *DB) InMemory() bool {
	return d.inMemory
}

// WithTxn runs fn in a read-write transaction and commits if it returns nil.
//
// Description:
//
//	The transaction is discarded on error. A commit that loses a conflict
//	with a concurrent transaction returns badger.ErrConflict; callers that
//	serialize their writers never see it.
//
// Thread Safety: Safe for concurrent use.
func (d *DB) WithTxn(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}

	txn := d.DB.NewTransaction(true)
	defer txn.Discard()

	if err := fn(txn); err != nil {
		return err
	}
	return txn.Commit()
}

// WithReadTxn runs fn in a read-only transaction.
//
// Thread Safety: Safe for concurrent use.
func (d *DB) WithReadTxn(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}

	txn := d.DB.NewTransaction(false)
	defer txn.Discard()

	return fn(txn)
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

// Get returns a copy of the value at key, or badger.ErrKeyNotFound.
func Get(txn *badger.Txn, key []byte) ([]byte, error) {
	item, err := txn.Get(key)
	if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}

// ScanPrefix calls fn for every key with the given prefix, in key order.
// Keys and values passed to fn are only valid during the call.
func ScanPrefix(txn *badger.Txn, prefix []byte, fn func(key, value []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		err := item.Value(func(val []byte) error {
			return fn(item.Key(), val)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// ScanKeys calls fn for every key with the given prefix without fetching
// values.
func ScanKeys(txn *badger.Txn, prefix []byte, fn func(key []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		if err := fn(it.Item().KeyCopy(nil)); err != nil {
			return err
		}
	}
	return nil
}

// Frame prepends a CRC32 checksum to payload: [4-byte CRC][payload].
func Frame(payload []byte) []byte {
	out := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(out[:4], crc32.ChecksumIEEE(payload))
	copy(out[4:], payload)
	return out
}

// Unframe verifies and strips the checksum added by Frame. The returned
// slice aliases data.
func Unframe(data []byte) ([]byte, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("%w: value too short", ErrCorrupt)
	}
	stored := binary.BigEndian.Uint32(data[:4])
	payload := data[4:]
	if computed := crc32.ChecksumIEEE(payload); stored != computed {
		return nil, fmt.Errorf("%w: stored=%08x computed=%08x", ErrCorrupt, stored, computed)
	}
	return payload, nil
}
