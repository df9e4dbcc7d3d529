// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package badger opens the embedded BadgerDB used to cache trace queries.
//
// Trace data is immutable once a trial is recorded, so query results can
// be kept across invocations. The cache is a plain key/value store:
//
//	<store identity>/<run id>/<query> -> JSON document
//
// License: BadgerDB is Apache 2.0 licensed (github.com/dgraph-io/badger).
package badger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/dgraph-io/badger/v4"
)

// ErrPathRequired is returned when a persistent database has no path.
var ErrPathRequired = errors.New("path is required for persistent database")

// Config holds configuration for a BadgerDB instance.
type Config struct {
	// Path is the directory for BadgerDB files. Ignored when InMemory is true.
	Path string

	// InMemory enables in-memory mode (no disk persistence).
	InMemory bool

	// SyncWrites enables synchronous writes.
	SyncWrites bool

	// Logger receives BadgerDB's internal messages. Nil disables them.
	Logger *slog.Logger

	// GCDiscardRatio is the garbage ratio that triggers a value log
	// rewrite when the database is closed. Zero disables the pass.
	GCDiscardRatio float64
}

// DefaultConfig returns the configuration used for an on-disk query cache.
//
// Cache entries can always be rebuilt from the trace database, so writes
// are not synced.
func DefaultConfig(path string) Config {
	return Config{
		Path:           path,
		SyncWrites:     false,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns configuration for tests.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// slogAdapter routes BadgerDB's printf-style messages to slog. Badger's
// Info output is chatty, so it is demoted to Debug.
type slogAdapter struct {
	logger *slog.Logger
}

func (a slogAdapter) log(level slog.Level, format string, args []interface{}) {
	a.logger.Log(context.Background(), level, strings.TrimSpace(fmt.Sprintf(format, args...)), slog.String("component", "badger"))
}

func (a slogAdapter) Errorf(format string, args ...interface{}) { a.log(slog.LevelError, format, args) }

func (a slogAdapter) Warningf(format string, args ...interface{}) { a.log(slog.LevelWarn, format, args) }

func (a slogAdapter) Infof(format string, args ...interface{}) { a.log(slog.LevelDebug, format, args) }

func (a slogAdapter) Debugf(format string, args ...interface{}) { a.log(slog.LevelDebug, format, args) }

// DB wraps a BadgerDB instance with lifecycle management.
type DB struct {
	*badger.DB
	cfg Config
}

// OpenDB opens the cache database described by cfg, creating its
// directory when persistent. Only one version of each key is kept.
//
// The returned *DB is safe for concurrent use; call Close when done.
func OpenDB(cfg Config) (*DB, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, ErrPathRequired
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

	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	var logger badger.Logger
	if cfg.Logger != nil {
		logger = slogAdapter{logger: cfg.Logger}
	}
	opts = opts.WithLogger(logger)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	return &DB{DB: db, cfg: cfg}, nil
}

// Close runs one value log GC pass (persistent databases only) and closes
// the database.
func (d *DB) Close() error {
	if !d.cfg.InMemory && d.cfg.GCDiscardRatio > 0 {
		if err := d.DB.RunValueLogGC(d.cfg.GCDiscardRatio); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
			if d.cfg.Logger != nil {
				d.cfg.Logger.Debug("value log gc skipped", slog.String("error", err.Error()))
			}
		}
	}
	return d.DB.Close()
}

// InMemory reports whether the database lives only in memory.
func (d *DB) InMemory() bool {
	return d.cfg.InMemory
}

// WithTxn runs fn in a read-write transaction, committing when fn
// returns nil.
func (d *DB) WithTxn(ctx context.Context, fn func(txn *badger.Txn) error) error {
	return d.run(ctx, true, fn)
}

// WithReadTxn runs fn in a read-only transaction.
func (d *DB) WithReadTxn(ctx context.Context, fn func(txn *badger.Txn) error) error {
	return d.run(ctx, false, fn)
}

func (d *DB) run(ctx context.Context, update bool, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	txn := d.DB.NewTransaction(update)
	defer txn.Discard()

	if err := fn(txn); err != nil {
		return err
	}
	if !update {
		return nil
	}
	return txn.Commit()
}

// Get reads the value stored under key. The bool is false when the key
// does not exist.
func (d *DB) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	var (
		value []byte
		found bool
	)
	err := d.WithReadTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		found = err == nil
		return err
	})
	if err != nil {
		return nil, false, fmt.Errorf("get %s: %w", key, err)
	}
	return value, found, nil
}

// Put stores value under key.
func (d *DB) Put(ctx context.Context, key, value []byte) error {
	err := d.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}
