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
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// DefaultRefDir is the workflow-relative directory snapshot references
// point into. Graph documents live one level below the project root.
const DefaultRefDir = "../data"

// PandasOption configures a PandasSnapshotter.
type PandasOption func(*PandasSnapshotter)

// WithRefDir overrides the directory used in snapshot references.
func WithRefDir(dir string) PandasOption {
	return func(p *PandasSnapshotter) {
		p.refDir = dir
	}
}

// WithSnapshotLogger sets the logger.
func WithSnapshotLogger(logger *slog.Logger) PandasOption {
	return func(p *PandasSnapshotter) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// PandasSnapshotter reconstructs pandas Series and DataFrame renderings and
// persists them as CSV side files.
//
// Description:
//
//	Side files are written to
//
//	  <dataDir>/intermediate_values_of_<script>_data/trial<R>_line<N>data.csv
//
//	and referenced as <refDir>/intermediate_values_of_<script>_data/<file>.
//	The trial number keeps snapshots of different runs of one script apart.
//
// Thread Safety: safe for concurrent use for distinct requests.
type PandasSnapshotter struct {
	dataDir string
	refDir  string
	logger  *slog.Logger
}

// NewPandasSnapshotter creates a snapshotter writing under dataDir.
func NewPandasSnapshotter(dataDir string, opts ...PandasOption) *PandasSnapshotter {
	p := &PandasSnapshotter{
		dataDir: dataDir,
		refDir:  DefaultRefDir,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Capture implements Snapshotter.
//
// Outputs:
//
//	Capture - KindNone for empty text, KindTable when the text was
//	          reconstructed and written, KindScalar otherwise.
//	error - Wraps ErrSnapshotWrite when the side file cannot be written.
func (p *PandasSnapshotter) Capture(ctx context.Context, req Request) (Capture, error) {
	if strings.TrimSpace(req.Text) == "" {
		return Capture{Kind: KindNone}, nil
	}

	table, ok := ParseFrame(req.Text)
	if !ok {
		recordCapture(ctx, KindScalar)
		return Capture{Kind: KindScalar, Scalar: ScalarText(req.Text)}, nil
	}

	dirName := "intermediate_values_of_" + req.Script + "_data"
	fileName := fmt.Sprintf("trial%d_line%d_a%ddata.csv", req.RunID, req.Line, req.ActivationID)
	target := filepath.Join(p.dataDir, dirName, fileName)

	if err := writeCSV(target, table.Records()); err != nil {
		return Capture{}, fmt.Errorf("%w: %s: %v", ErrSnapshotWrite, target, err)
	}

	p.logger.Debug("wrote snapshot",
		slog.String("path", target),
		slog.Int("rows", len(table.Rows)),
		slog.Int("columns", len(table.Columns)),
	)
	recordCapture(ctx, KindTable)
	return Capture{
		Kind:  KindTable,
		Table: table,
		Path:  path.Join(p.refDir, dirName, fileName),
	}, nil
}

func writeCSV(target string, records [][]string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	f, err := os.Create(target)
	if err != nil {
		return err
	}
	w := csv.NewWriter(f)
	if err := w.WriteAll(records); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
