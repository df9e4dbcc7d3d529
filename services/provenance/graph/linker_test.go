// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graph

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/provgraph/services/provenance/tracestore"
)

func writerRun(id int64, script, file, hash string) RunInput {
	return RunInput{
		Trial:        tracestore.Trial{ID: id, Script: script},
		Activations:  []tracestore.Activation{act(1, script, 0, ""), act(2, "to_csv", 3, "")},
		FileAccesses: []tracestore.FileAccess{{ActivationID: 2, Name: file, Mode: "w", ContentHash: hash}},
		Lines:        map[int]string{3: "df.to_csv('" + file + "')"},
	}
}

func readerRun(id int64, script, file, hash string) RunInput {
	return RunInput{
		Trial:        tracestore.Trial{ID: id, Script: script},
		Activations:  []tracestore.Activation{act(1, script, 0, ""), act(2, "open", 1, "")},
		FileAccesses: []tracestore.FileAccess{{ActivationID: 2, Name: file, Mode: "r", ContentHash: hash}},
		Lines:        map[int]string{1: "f = open('" + file + "')"},
	}
}

// TestLink_ChainsRunsAndSharesFiles verifies runs are bridged and a file
// written by one run is the entity a later run reads.
func TestLink_ChainsRunsAndSharesFiles(t *testing.T) {
	runs := []RunInput{
		writerRun(1, "scripts/a.py", "data/out.csv", "h1"),
		readerRun(2, "scripts/b.py", "../data/out.csv", "h1"),
	}
	g, results, err := NewLinker(NewBuilder(nil)).Link(context.Background(), runs)
	require.NoError(t, err)
	assertWellFormed(t, g)
	require.Len(t, results, 2)

	assert.Equal(t, "scripts/a.py", g.Script())
	assert.Equal(t, "p1", results[0].StartID)
	assert.Equal(t, "p3", results[0].FinishID)
	assert.Equal(t, "p4", results[1].StartID)

	assert.Contains(t, g.Edges(EdgeInforms), Edge{ID: "e4", Kind: EdgeInforms, From: "p3", To: "p4"})
	require.Len(t, g.Entities(), 1)
	assert.Equal(t, []Edge{{ID: "e5", Kind: EdgeUsed, From: "d1", To: "p5"}}, g.Edges(EdgeUsed))
}

// TestLink_FileDedup verifies entity reuse across runs by basename and hash.
func TestLink_FileDedup(t *testing.T) {
	tests := []struct {
		name     string
		runs     []RunInput
		entities int
	}{
		{
			name:     "written then read with equal hash",
			runs:     []RunInput{writerRun(1, "a.py", "out.csv", "h1"), readerRun(2, "b.py", "out.csv", "h1")},
			entities: 1,
		},
		{
			name:     "written then read with different hash",
			runs:     []RunInput{writerRun(1, "a.py", "out.csv", "h1"), readerRun(2, "b.py", "out.csv", "h2")},
			entities: 2,
		},
		{
			name:     "written with unknown hash",
			runs:     []RunInput{writerRun(1, "a.py", "out.csv", ""), readerRun(2, "b.py", "out.csv", "h2")},
			entities: 1,
		},
		{
			name:     "same input read by two runs",
			runs:     []RunInput{readerRun(1, "a.py", "data/in.csv", "h0"), readerRun(2, "b.py", "/abs/data/in.csv", "h0")},
			entities: 1,
		},
		{
			name:     "same input name with different content",
			runs:     []RunInput{readerRun(1, "a.py", "in.csv", "h0"), readerRun(2, "b.py", "in.csv", "h9")},
			entities: 2,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, _, err := NewLinker(NewBuilder(nil)).Link(context.Background(), tt.runs)
			require.NoError(t, err)
			assertWellFormed(t, g)
			assert.Len(t, g.Entities(), tt.entities)
		})
	}
}

// TestLink_Idempotent verifies linking the same runs twice yields identical documents.
func TestLink_Idempotent(t *testing.T) {
	runs := func() []RunInput {
		return []RunInput{
			writerRun(1, "a.py", "data/out.csv", "h1"),
			readerRun(2, "b.py", "data/out.csv", "h1"),
			scenarioB(),
		}
	}
	linker := NewLinker(NewBuilder(nil))

	first, _, err := linker.Link(context.Background(), runs())
	require.NoError(t, err)
	second, _, err := linker.Link(context.Background(), runs())
	require.NoError(t, err)

	a, err := json.Marshal(first)
	require.NoError(t, err)
	b, err := json.Marshal(second)
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
	assertWellFormed(t, first)
}

func TestLink_Errors(t *testing.T) {
	linker := NewLinker(NewBuilder(nil))

	_, _, err := linker.Link(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNoRuns)

	_, _, err = linker.Link(context.Background(), []RunInput{
		readerRun(1, "a.py", "in.csv", "h"),
		{Trial: tracestore.Trial{ID: 2}},
	})
	assert.ErrorIs(t, err, ErrEmptyRun)
	assert.Contains(t, err.Error(), "trial 2")
}
