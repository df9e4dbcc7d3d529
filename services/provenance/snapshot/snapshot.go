// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package snapshot turns the printed form of a returned value into either a
// tabular snapshot persisted as a side file or a plain scalar.
//
// Reconstruction is best-effort and tied to one rendering convention. Other
// renderings are supported by supplying another Snapshotter, not by growing
// the heuristics of an existing one.
package snapshot

import (
	"context"
	"errors"
	"strings"
)

// ErrSnapshotWrite indicates a reconstructed table could not be persisted.
// It is fatal to the run being built.
var ErrSnapshotWrite = errors.New("snapshot write failed")

// Kind is the outcome of a capture.
type Kind int

const (
	// KindNone means there was no value to capture.
	KindNone Kind = iota

	// KindScalar means the value is kept as literal text.
	KindScalar

	// KindTable means the value was reconstructed and persisted.
	KindTable
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindScalar:
		return "scalar"
	case KindTable:
		return "table"
	default:
		return "none"
	}
}

// Request identifies a value to capture.
type Request struct {
	// RunID is the trial that produced the value.
	RunID int64

	// Script is the script name without directory or extension.
	Script string

	// Line is the source line of the producing statement.
	Line int

	// ActivationID is the producing activation. Statements that run more
	// than once, such as loop bodies, return a value per activation.
	ActivationID int64

	// Text is the printed form of the value.
	Text string
}

// Capture is the result of capturing a value.
type Capture struct {
	Kind Kind

	// Scalar is the literal text with surrounding quotes removed.
	// Set for KindScalar.
	Scalar string

	// Table is the reconstructed table. Set for KindTable.
	Table *Table

	// Path is the workflow-relative reference to the side file.
	// Set for KindTable.
	Path string
}

// Snapshotter captures returned values.
//
// Implementations must treat reconstruction failures as a KindScalar
// outcome. Only persistence failures are returned as errors.
type Snapshotter interface {
	Capture(ctx context.Context, req Request) (Capture, error)
}

// ScalarText normalises a printed value for display: surrounding single
// quotes and whitespace are removed.
func ScalarText(text string) string {
	return strings.TrimSpace(strings.Trim(text, "'"))
}

// ScalarSnapshotter never reconstructs tables.
type ScalarSnapshotter struct{}

// Capture implements Snapshotter.
func (ScalarSnapshotter) Capture(_ context.Context, req Request) (Capture, error) {
	if strings.TrimSpace(req.Text) == "" {
		return Capture{Kind: KindNone}, nil
	}
	return Capture{Kind: KindScalar, Scalar: ScalarText(req.Text)}, nil
}
