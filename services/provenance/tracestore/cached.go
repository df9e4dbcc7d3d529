// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tracestore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/AleutianAI/provgraph/services/provenance/storage/badger"
)

// DefaultValueCacheSize bounds the number of memoised value lookups.
const DefaultValueCacheSize = 4096

// valueKey identifies a point lookup.
type valueKey struct {
	runID        int64
	activationID int64
	name         string
}

type valueHit struct {
	value string
	found bool
}

type holdersKey struct {
	runID int64
	value string
}

// CachedStore is a read-through cache in front of another Store.
//
// Description:
//
//	Per-run lists (trial, activations, file accesses, function defs,
//	script source) are persisted in BadgerDB under the store namespace so
//	repeated builds of the same trials skip the database. Value lookups
//	are frequent and small, so they are memoised in memory only.
//
//	Caching is sound because a recorded trial never changes.
//
// Thread Safety: safe for concurrent use.
type CachedStore struct {
	inner     Store
	db        *badger.DB
	namespace string
	logger    *slog.Logger

	values  *lru.Cache[valueKey, valueHit]
	holders *lru.Cache[holdersKey, []int64]
}

// NewCachedStore wraps inner.
//
// Inputs:
//
//	inner - The store that answers cache misses. Must not be nil.
//	db - Persistent cache. May be nil to memoise value lookups only.
//	namespace - Identifies inner (e.g. the absolute database path) so
//	            several trace databases can share one cache directory.
//	logger - Logger for cache diagnostics. Nil uses slog.Default().
func NewCachedStore(inner Store, db *badger.DB, namespace string, logger *slog.Logger) (*CachedStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	values, err := lru.New[valueKey, valueHit](DefaultValueCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create value cache: %w", err)
	}
	holders, err := lru.New[holdersKey, []int64](DefaultValueCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create holders cache: %w", err)
	}
	return &CachedStore{
		inner:     inner,
		db:        db,
		namespace: namespace,
		logger:    logger,
		values:    values,
		holders:   holders,
	}, nil
}

func (c *CachedStore) key(runID int64, query string) []byte {
	return []byte(fmt.Sprintf("%s/%d/%s", c.namespace, runID, query))
}

// readThrough loads a per-run document from the persistent cache, falling
// back to load and storing its result. Cache failures are logged and
// never fail the query.
func readThrough[T any](ctx context.Context, c *CachedStore, runID int64, query string, load func() (T, error)) (T, error) {
	if c.db == nil {
		return load()
	}

	key := c.key(runID, query)
	if raw, found, err := c.db.Get(ctx, key); err != nil {
		c.logger.Warn("trace cache read failed", slog.String("key", string(key)), slog.String("error", err.Error()))
	} else if found {
		var cached T
		if err := json.Unmarshal(raw, &cached); err == nil {
			return cached, nil
		}
		c.logger.Warn("discarding corrupt trace cache entry", slog.String("key", string(key)))
	}

	v, err := load()
	if err != nil {
		return v, err
	}

	raw, err := json.Marshal(v)
	if err != nil {
		c.logger.Warn("trace cache encode failed", slog.String("key", string(key)), slog.String("error", err.Error()))
		return v, nil
	}
	if err := c.db.Put(ctx, key, raw); err != nil {
		c.logger.Warn("trace cache write failed", slog.String("key", string(key)), slog.String("error", err.Error()))
	}
	return v, nil
}

// Trial implements Store.
func (c *CachedStore) Trial(ctx context.Context, runID int64) (Trial, error) {
	return readThrough(ctx, c, runID, "trial", func() (Trial, error) {
		return c.inner.Trial(ctx, runID)
	})
}

// Activations implements Store.
func (c *CachedStore) Activations(ctx context.Context, runID int64) ([]Activation, error) {
	return readThrough(ctx, c, runID, "activations", func() ([]Activation, error) {
		return c.inner.Activations(ctx, runID)
	})
}

// FileAccesses implements Store.
func (c *CachedStore) FileAccesses(ctx context.Context, runID int64) ([]FileAccess, error) {
	return readThrough(ctx, c, runID, "file_accesses", func() ([]FileAccess, error) {
		return c.inner.FileAccesses(ctx, runID)
	})
}

// FunctionDefs implements Store.
func (c *CachedStore) FunctionDefs(ctx context.Context, runID int64) ([]FunctionDef, error) {
	return readThrough(ctx, c, runID, "function_defs", func() ([]FunctionDef, error) {
		return c.inner.FunctionDefs(ctx, runID)
	})
}

// ScriptSource implements Store.
func (c *CachedStore) ScriptSource(ctx context.Context, runID int64) ([]byte, error) {
	return readThrough(ctx, c, runID, "source", func() ([]byte, error) {
		return c.inner.ScriptSource(ctx, runID)
	})
}

// ObjectValue implements Store.
func (c *CachedStore) ObjectValue(ctx context.Context, runID, activationID int64, name string) (string, bool, error) {
	k := valueKey{runID: runID, activationID: activationID, name: name}
	if hit, ok := c.values.Get(k); ok {
		return hit.value, hit.found, nil
	}
	v, found, err := c.inner.ObjectValue(ctx, runID, activationID, name)
	if err != nil {
		return "", false, err
	}
	c.values.Add(k, valueHit{value: v, found: found})
	return v, found, nil
}

// ActivationsHoldingValue implements Store.
func (c *CachedStore) ActivationsHoldingValue(ctx context.Context, runID int64, value string) ([]int64, error) {
	k := holdersKey{runID: runID, value: value}
	if ids, ok := c.holders.Get(k); ok {
		return append([]int64(nil), ids...), nil
	}
	ids, err := c.inner.ActivationsHoldingValue(ctx, runID, value)
	if err != nil {
		return nil, err
	}
	c.holders.Add(k, append([]int64(nil), ids...))
	return ids, nil
}
