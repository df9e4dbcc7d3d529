// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package provenance

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/provgraph/services/provenance/graph"
	"github.com/AleutianAI/provgraph/services/provenance/hashtable"
	"github.com/AleutianAI/provgraph/services/provenance/scope"
	"github.com/AleutianAI/provgraph/services/provenance/tracestore"
)

// workflowStore holds two trials: clean.py writes out.txt, report.py reads it.
func workflowStore() *tracestore.MemoryStore {
	m := tracestore.NewMemoryStore()
	m.Add(tracestore.MemoryRun{
		Trial:  tracestore.Trial{ID: 1, Script: "clean.py"},
		Source: []byte("rows = read(\"raw.txt\")\nwrite(\"out.txt\", rows)\n"),
		Activations: []tracestore.Activation{
			{ID: 1, Name: "clean.py"},
			{ID: 2, Name: "read", Line: 1},
			{ID: 3, Name: "write", Line: 2},
		},
		FileAccesses: []tracestore.FileAccess{
			{ActivationID: 2, Name: "raw.txt", Mode: "r", ContentHash: "h1"},
			{ActivationID: 3, Name: "out.txt", Mode: "w", ContentHash: "h2"},
		},
	})
	m.Add(tracestore.MemoryRun{
		Trial:  tracestore.Trial{ID: 2, Script: "report.py"},
		Source: []byte("data = read(\"out.txt\")\n"),
		Activations: []tracestore.Activation{
			{ID: 4, Name: "report.py"},
			{ID: 5, Name: "read", Line: 1},
		},
		FileAccesses: []tracestore.FileAccess{
			{ActivationID: 5, Name: "out.txt", Mode: "r", ContentHash: "h2"},
		},
	})
	m.Add(tracestore.MemoryRun{
		Trial:       tracestore.Trial{ID: 3, Script: "broken.py"},
		Source:      []byte("def broken(:\n"),
		Activations: []tracestore.Activation{{ID: 6, Name: "broken.py"}},
	})
	m.Add(tracestore.MemoryRun{
		Trial:       tracestore.Trial{ID: 4, Script: "lost.py"},
		Activations: []tracestore.Activation{{ID: 7, Name: "lost.py"}},
	})
	return m
}

func testService(t *testing.T) (*Service, ServiceConfig) {
	t.Helper()
	dir := t.TempDir()
	cfg := DefaultServiceConfig()
	cfg.ScriptsDir = filepath.Join(dir, "scripts")
	cfg.ProjectDir = dir
	cfg.Hashtable = filepath.Join(dir, ".ddg", "hashtable.json")
	return NewService(workflowStore(), cfg), cfg
}

// TestService_BuildWorkflow verifies two trials link through the shared file.
func TestService_BuildWorkflow(t *testing.T) {
	svc, cfg := testService(t)

	report, err := svc.Build(context.Background(), BuildRequest{Trials: []int64{1, 2}})
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(cfg.ProjectDir, "results", "workflow_clean_to_report.json"), report.Output)
	assert.NotEmpty(t, report.BuildID)
	require.Len(t, report.Runs, 2)
	assert.Equal(t, "p1", report.Runs[0].Start)
	assert.Equal(t, "p4", report.Runs[0].Finish)
	assert.Equal(t, "p5", report.Runs[1].Start)
	assert.Equal(t, 3, report.HashtableAdded)

	require.Len(t, report.Graph.Entities(), 2, "out.txt resolves to one entity")
	var shared bool
	for _, e := range report.Graph.Edges(graph.EdgeUsed) {
		if e.From == "d2" && e.To == "p6" {
			shared = true
		}
	}
	assert.True(t, shared, "report.py reads the entity clean.py generated")

	_, err = os.Stat(report.Output)
	require.NoError(t, err)
}

// TestService_BuildIsIdempotent verifies rebuilding yields the same document
// and no new hashtable entries.
func TestService_BuildIsIdempotent(t *testing.T) {
	svc, cfg := testService(t)
	ctx := context.Background()

	first, err := svc.Build(ctx, BuildRequest{Trials: []int64{1, 2}})
	require.NoError(t, err)
	before, err := os.ReadFile(first.Output)
	require.NoError(t, err)

	second, err := svc.Build(ctx, BuildRequest{Trials: []int64{1, 2}})
	require.NoError(t, err)
	after, err := os.ReadFile(second.Output)
	require.NoError(t, err)

	assert.Equal(t, string(before), string(after))
	assert.NotEqual(t, first.BuildID, second.BuildID)
	assert.Zero(t, second.HashtableAdded)

	entries, err := hashtable.Load(cfg.Hashtable)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

// TestService_OutputPaths verifies the default and requested document paths.
func TestService_OutputPaths(t *testing.T) {
	svc, cfg := testService(t)
	ctx := context.Background()

	report, err := svc.Build(ctx, BuildRequest{Trials: []int64{1}})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(cfg.ProjectDir, "python_prov", "clean.json"), report.Output)

	report, err = svc.Build(ctx, BuildRequest{Trials: []int64{1}, Output: "custom/doc.json"})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(cfg.ProjectDir, "custom", "doc.json"), report.Output)

	inside := filepath.Join(cfg.ProjectDir, "abs", "doc.json")
	report, err = svc.Build(ctx, BuildRequest{Trials: []int64{1}, Output: inside})
	require.NoError(t, err)
	assert.Equal(t, inside, report.Output)

	outside := filepath.Join(t.TempDir(), "abs.json")
	_, err = svc.Build(ctx, BuildRequest{Trials: []int64{1}, Output: outside})
	assert.ErrorIs(t, err, ErrPathTraversal)
	_, statErr := os.Stat(outside)
	assert.True(t, os.IsNotExist(statErr))

	report, err = svc.Build(ctx, BuildRequest{Trials: []int64{1}, Output: outside, AllowExternalOutput: true})
	require.NoError(t, err)
	assert.Equal(t, outside, report.Output)
	assert.FileExists(t, outside)
}

// TestProjectRelative verifies the containment rule for requested paths.
func TestProjectRelative(t *testing.T) {
	root := filepath.Join(string(filepath.Separator), "work", "proj")

	tests := []struct {
		name string
		path string
		want string
		ok   bool
	}{
		{"relative", "results/doc.json", filepath.Join("results", "doc.json"), true},
		{"absolute inside", filepath.Join(root, "doc.json"), "doc.json", true},
		{"dotdot prefix name", "..doc.json", "..doc.json", true},
		{"parent", "../doc.json", "", false},
		{"nested escape", "results/../../doc.json", "", false},
		{"absolute outside", filepath.Join(string(filepath.Separator), "etc", "doc.json"), "", false},
		{"sibling with shared prefix", filepath.Join(string(filepath.Separator), "work", "project", "doc.json"), "", false},
		{"root itself", root, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := projectRelative(root, tt.path)
			if !tt.ok {
				assert.ErrorIs(t, err, ErrPathTraversal)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// TestService_BuildErrors verifies failures surface their sentinel errors.
func TestService_BuildErrors(t *testing.T) {
	svc, _ := testService(t)
	ctx := context.Background()

	_, err := svc.Build(ctx, BuildRequest{})
	assert.ErrorIs(t, err, ErrNoTrials)

	_, err = svc.Build(ctx, BuildRequest{Trials: []int64{99}})
	assert.ErrorIs(t, err, tracestore.ErrTrialNotFound)

	_, err = svc.Build(ctx, BuildRequest{Trials: []int64{1, 3}})
	var parseErr *scope.SourceParseError
	require.True(t, errors.As(err, &parseErr))
	assert.Equal(t, 1, parseErr.Line)

	_, err = svc.Build(ctx, BuildRequest{Trials: []int64{4}})
	assert.ErrorIs(t, err, tracestore.ErrSourceUnavailable)

	_, err = svc.Build(ctx, BuildRequest{Trials: []int64{1}, Output: "../escape.json"})
	assert.ErrorIs(t, err, ErrPathTraversal)

	svc.Close()
	_, err = svc.Build(ctx, BuildRequest{Trials: []int64{1}})
	assert.ErrorIs(t, err, ErrServiceClosed)
}

// TestService_Loops verifies loop spans are resolved from a script file.
func TestService_Loops(t *testing.T) {
	svc, _ := testService(t)
	path := filepath.Join(t.TempDir(), "loop.py")
	require.NoError(t, os.WriteFile(path, []byte("for i in range(3):\n    print(i)\n"), 0644))

	loops, err := svc.Loops(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, scope.LoopSpans{1: 3}, loops)

	_, err = svc.Loops(context.Background(), filepath.Join(t.TempDir(), "missing.py"))
	assert.Error(t, err)
}
