// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package snapshot

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestParseFrame_Shapes verifies each recognised pandas rendering.
func TestParseFrame_Shapes(t *testing.T) {
	tests := []struct {
		name string
		text string
		want *Table
	}{
		{
			name: "named series",
			text: "0    1\n1    2\nName: a, dtype: int64",
			want: &Table{Columns: []string{"a"}, Rows: [][]string{{"0", "1"}, {"1", "2"}}},
		},
		{
			name: "unnamed series",
			text: "0    x\n1    y\ndtype: object\n",
			want: &Table{Columns: []string{"0"}, Rows: [][]string{{"0", "x"}, {"1", "y"}}},
		},
		{
			name: "data frame",
			text: "   a  b\n0  1  2\n1  3  4",
			want: &Table{Columns: []string{"a", "b"}, Rows: [][]string{{"0", "1", "2"}, {"1", "3", "4"}}},
		},
		{
			name: "index name row",
			text: "     a  b\nidx      \n0    1  2",
			want: &Table{IndexName: "idx", Columns: []string{"a", "b"}, Rows: [][]string{{"0", "1", "2"}}},
		},
		{
			name: "unnamed index column dropped",
			text: "   Unnamed: 0  a  b\n0           0  1  2\n1           1  3  4",
			want: &Table{Columns: []string{"a", "b"}, Rows: [][]string{{"0", "1", "2"}, {"1", "3", "4"}}},
		},
		{
			name: "rows footer",
			text: "   a\n0  1\n\n[1 rows x 1 columns]",
			want: &Table{Columns: []string{"a"}, Rows: [][]string{{"0", "1"}}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseFrame(tt.text)
			require.True(t, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

// TestParseFrame_Rejects verifies unrecognised text is not reconstructed.
func TestParseFrame_Rejects(t *testing.T) {
	for name, text := range map[string]string{
		"scalar":            "42",
		"quoted string":     "'hello'",
		"truncated":         "   a\n0  1\n..  ...\n9  9",
		"field mismatch":    "   a  b\n0  1",
		"unpadded header":   "hello world\nfoo bar baz",
		"multi level":       "   a\\b\n0  1",
		"empty frame":       "Empty DataFrame\nColumns: [a]\nIndex: []",
		"series bad row":    "0  1  2\ndtype: int64",
		"header only frame": "   a  b\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, ok := ParseFrame(text)
			assert.False(t, ok)
		})
	}
}

func TestTable_Records(t *testing.T) {
	table := &Table{IndexName: "idx", Columns: []string{"a"}, Rows: [][]string{{"0", "1"}}}
	assert.Equal(t, [][]string{{"idx", "a"}, {"0", "1"}}, table.Records())
}

// TestPandasSnapshotter_Capture verifies the three capture outcomes.
func TestPandasSnapshotter_Capture(t *testing.T) {
	dataDir := t.TempDir()
	s := NewPandasSnapshotter(dataDir)
	ctx := context.Background()

	t.Run("none", func(t *testing.T) {
		c, err := s.Capture(ctx, Request{RunID: 3, Script: "clean", Line: 5, Text: "  "})
		require.NoError(t, err)
		assert.Equal(t, KindNone, c.Kind)
	})

	t.Run("scalar", func(t *testing.T) {
		c, err := s.Capture(ctx, Request{RunID: 3, Script: "clean", Line: 5, Text: "'data/in.csv' "})
		require.NoError(t, err)
		assert.Equal(t, KindScalar, c.Kind)
		assert.Equal(t, "data/in.csv", c.Scalar)
	})

	t.Run("table", func(t *testing.T) {
		c, err := s.Capture(ctx, Request{RunID: 3, Script: "clean", Line: 5, ActivationID: 8, Text: "   a  b\n0  1  2\n1  3  4"})
		require.NoError(t, err)
		assert.Equal(t, KindTable, c.Kind)
		assert.Equal(t, "../data/intermediate_values_of_clean_data/trial3_line5_a8data.csv", c.Path)

		raw, err := os.ReadFile(filepath.Join(dataDir, "intermediate_values_of_clean_data", "trial3_line5_a8data.csv"))
		require.NoError(t, err)
		assert.Equal(t, ",a,b\n0,1,2\n1,3,4\n", string(raw))
	})
}

// TestPandasSnapshotter_WriteFailure verifies persistence errors are returned.
func TestPandasSnapshotter_WriteFailure(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	s := NewPandasSnapshotter(blocker, WithRefDir("snapshots"))
	_, err := s.Capture(context.Background(), Request{RunID: 1, Script: "s", Line: 1, Text: "   a\n0  1"})
	assert.ErrorIs(t, err, ErrSnapshotWrite)
}

func TestScalarSnapshotter(t *testing.T) {
	var s Snapshotter = ScalarSnapshotter{}
	c, err := s.Capture(context.Background(), Request{Text: "   a\n0  1"})
	require.NoError(t, err)
	assert.Equal(t, KindScalar, c.Kind)
	assert.Equal(t, "a\n0  1", c.Scalar)
}
