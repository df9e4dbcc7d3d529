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
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fixtureSchema = `
CREATE TABLE trial (id INTEGER PRIMARY KEY, script TEXT, code_hash TEXT);
CREATE TABLE function_activation (id INTEGER PRIMARY KEY, trial_id INTEGER, name TEXT, return_value TEXT, line INTEGER);
CREATE TABLE file_access (id INTEGER PRIMARY KEY, trial_id INTEGER, name TEXT, function_activation_id INTEGER, mode TEXT, content_hash_after TEXT);
CREATE TABLE function_def (id INTEGER PRIMARY KEY, trial_id INTEGER, name TEXT, last_line INTEGER);
CREATE TABLE object_value (id INTEGER PRIMARY KEY, trial_id INTEGER, function_activation_id INTEGER, name TEXT, value TEXT);
`

const fixtureScript = "import pandas\ndf = pandas.read_csv('data/in.csv')\nprint(df)\n"

// newFixtureDB writes a small noWorkflow-shaped database and returns its path.
func newFixtureDB(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "db.sqlite")

	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(fixtureSchema)
	require.NoError(t, err)

	stmts := []string{
		`INSERT INTO trial VALUES (1, 'scripts/clean.py', 'ab12cd')`,
		`INSERT INTO trial VALUES (2, 'scripts/plot.py', '')`,
		`INSERT INTO function_activation VALUES (1, 1, 'clean.py', 'None', 0)`,
		`INSERT INTO function_activation VALUES (3, 1, 'read_csv', '   a\n0  1', 2)`,
		`INSERT INTO function_activation VALUES (2, 1, '__import__', 'None', 1)`,
		`INSERT INTO function_activation VALUES (4, 1, 'print', NULL, 3)`,
		`INSERT INTO file_access VALUES (1, 1, 'data/in.csv', 3, 'r', 'h1')`,
		`INSERT INTO file_access VALUES (2, 1, 'orphan.txt', NULL, 'r', NULL)`,
		`INSERT INTO function_def VALUES (1, 1, 'helper', 9)`,
		`INSERT INTO object_value VALUES (1, 1, 3, 'filepath_or_buffer', '''data/in.csv''')`,
		`INSERT INTO object_value VALUES (2, 1, 4, 'value', 'frame-1')`,
		`INSERT INTO object_value VALUES (3, 1, 4, 'sep', 'frame-1')`,
	}
	for _, s := range stmts {
		_, err := db.Exec(s)
		require.NoError(t, err, s)
	}

	contentDir := filepath.Join(dir, "content", "ab")
	require.NoError(t, os.MkdirAll(contentDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(contentDir, "12cd"), []byte(fixtureScript), 0o644))

	return path
}

func TestSQLiteStore_Queries(t *testing.T) {
	store, err := OpenSQLite(newFixtureDB(t))
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()

	t.Run("trial", func(t *testing.T) {
		trial, err := store.Trial(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, "scripts/clean.py", trial.Script)
		assert.Equal(t, "clean", trial.ScriptName())
	})

	t.Run("missing trial", func(t *testing.T) {
		_, err := store.Trial(ctx, 99)
		assert.ErrorIs(t, err, ErrTrialNotFound)
	})

	t.Run("activations ordered by id with None mapped to absent", func(t *testing.T) {
		acts, err := store.Activations(ctx, 1)
		require.NoError(t, err)
		require.Len(t, acts, 4)
		for i, a := range acts {
			assert.Equal(t, int64(i+1), a.ID)
		}
		assert.False(t, acts[0].HasReturnValue())
		assert.True(t, acts[2].HasReturnValue())
		assert.False(t, acts[3].HasReturnValue())
	})

	t.Run("file accesses skip orphans", func(t *testing.T) {
		files, err := store.FileAccesses(ctx, 1)
		require.NoError(t, err)
		require.Len(t, files, 1)
		assert.Equal(t, FileAccess{ActivationID: 3, Name: "data/in.csv", Mode: "r", ContentHash: "h1"}, files[0])
	})

	t.Run("function defs", func(t *testing.T) {
		defs, err := store.FunctionDefs(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, []FunctionDef{{Name: "helper", LastLine: 9}}, defs)
	})

	t.Run("object value", func(t *testing.T) {
		v, found, err := store.ObjectValue(ctx, 1, 3, "filepath_or_buffer")
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, "'data/in.csv'", v)

		_, found, err = store.ObjectValue(ctx, 1, 3, "missing")
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("activations holding value are distinct", func(t *testing.T) {
		ids, err := store.ActivationsHoldingValue(ctx, 1, "frame-1")
		require.NoError(t, err)
		assert.Equal(t, []int64{4}, ids)
	})

	t.Run("script source", func(t *testing.T) {
		src, err := store.ScriptSource(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, fixtureScript, string(src))

		_, err = store.ScriptSource(ctx, 2)
		assert.ErrorIs(t, err, ErrSourceUnavailable)
	})
}

func TestOpenSQLite_MissingFile(t *testing.T) {
	_, err := OpenSQLite(filepath.Join(t.TempDir(), "nope.sqlite"))
	assert.Error(t, err)
}

func TestFunctionSpans(t *testing.T) {
	defs := []FunctionDef{{Name: "f", LastLine: 7}, {Name: "g", LastLine: 12}}
	acts := []Activation{
		{ID: 2, Name: "f"},
		{ID: 5, Name: "g", ReturnValue: "3"},
		{ID: 9, Name: "g", ReturnValue: "4"},
	}

	spans := FunctionSpans(defs, acts)
	assert.Equal(t, FunctionSpan{Name: "f", EndLine: 7}, spans["f"])
	assert.Equal(t, FunctionSpan{Name: "g", EndLine: 11}, spans["g"], "shift applies once")
}

func TestFileAccess_Mode(t *testing.T) {
	tests := []struct {
		mode  string
		write bool
	}{
		{"r", false},
		{"rb", false},
		{"w", true},
		{"wb", true},
		{"a", true},
		{"r+", true},
		{"x", true},
	}
	for _, tt := range tests {
		f := FileAccess{Mode: tt.mode}
		assert.Equal(t, tt.write, f.IsWrite(), tt.mode)
		assert.Equal(t, !tt.write, f.IsRead(), tt.mode)
	}
}
