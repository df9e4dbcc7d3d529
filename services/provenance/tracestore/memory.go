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
	"fmt"
	"sort"
	"sync"
)

// MemoryRun is the full record of one run held by a MemoryStore.
type MemoryRun struct {
	Trial        Trial
	Source       []byte
	Activations  []Activation
	FileAccesses []FileAccess
	FunctionDefs []FunctionDef

	// Values maps activation id to the named objects it held.
	Values map[int64]map[string]string
}

// MemoryStore is a Store backed by in-process data.
//
// It is used by tests and by callers that assemble traces from another
// source. Runs are added with Add and are never modified afterwards.
//
// Thread Safety: safe for concurrent use.
type MemoryStore struct {
	mu   sync.RWMutex
	runs map[int64]*MemoryRun
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[int64]*MemoryRun)}
}

// Add registers a run under run.Trial.ID, replacing any previous one.
func (m *MemoryStore) Add(run MemoryRun) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := run
	for i := range r.Activations {
		r.Activations[i].RunID = r.Trial.ID
	}
	sort.SliceStable(r.Activations, func(i, j int) bool {
		return r.Activations[i].ID < r.Activations[j].ID
	})
	m.runs[r.Trial.ID] = &r
}

func (m *MemoryStore) run(runID int64) (*MemoryRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[runID]
	if !ok {
		return nil, fmt.Errorf("trial %d: %w", runID, ErrTrialNotFound)
	}
	return r, nil
}

// Trial implements Store.
func (m *MemoryStore) Trial(_ context.Context, runID int64) (Trial, error) {
	r, err := m.run(runID)
	if err != nil {
		return Trial{}, err
	}
	return r.Trial, nil
}

// Activations implements Store.
func (m *MemoryStore) Activations(_ context.Context, runID int64) ([]Activation, error) {
	r, err := m.run(runID)
	if err != nil {
		return nil, err
	}
	return append([]Activation(nil), r.Activations...), nil
}

// FileAccesses implements Store.
func (m *MemoryStore) FileAccesses(_ context.Context, runID int64) ([]FileAccess, error) {
	r, err := m.run(runID)
	if err != nil {
		return nil, err
	}
	return append([]FileAccess(nil), r.FileAccesses...), nil
}

// FunctionDefs implements Store.
func (m *MemoryStore) FunctionDefs(_ context.Context, runID int64) ([]FunctionDef, error) {
	r, err := m.run(runID)
	if err != nil {
		return nil, err
	}
	return append([]FunctionDef(nil), r.FunctionDefs...), nil
}

// ObjectValue implements Store.
func (m *MemoryStore) ObjectValue(_ context.Context, runID, activationID int64, name string) (string, bool, error) {
	r, err := m.run(runID)
	if err != nil {
		return "", false, err
	}
	v, ok := r.Values[activationID][name]
	return v, ok, nil
}

// ActivationsHoldingValue implements Store.
func (m *MemoryStore) ActivationsHoldingValue(_ context.Context, runID int64, value string) ([]int64, error) {
	r, err := m.run(runID)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0)
	for id, objects := range r.Values {
		for _, v := range objects {
			if v == value {
				ids = append(ids, id)
				break
			}
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// ScriptSource implements Store.
func (m *MemoryStore) ScriptSource(_ context.Context, runID int64) ([]byte, error) {
	r, err := m.run(runID)
	if err != nil {
		return nil, err
	}
	if r.Source == nil {
		return nil, fmt.Errorf("trial %d: %w", runID, ErrSourceUnavailable)
	}
	return r.Source, nil
}
