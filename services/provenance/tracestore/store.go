// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tracestore provides read-only access to recorded script executions.
//
// A trace store holds one or more trials (runs). Each trial records the
// function activations executed by a script, the files it touched, the
// functions it defined and the values held by each activation. Recorded
// trials are immutable, so every query result may be cached per run.
//
// # Missing data
//
// Lookups that find nothing are not errors. Point lookups return
// (zero, false, nil) and list queries return empty slices. Errors are
// reserved for failures of the store itself (I/O, corrupt schema).
package tracestore

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
)

// Sentinel errors for trace store operations.
var (
	// ErrTrialNotFound is returned when a run id does not exist in the store.
	ErrTrialNotFound = errors.New("trial not found")

	// ErrSourceUnavailable is returned when the script text of a trial
	// cannot be located in the content store.
	ErrSourceUnavailable = errors.New("script source unavailable")
)

// noneValue is how the tracer records a call that returned nothing.
const noneValue = "None"

// Trial describes one recorded run of a script.
type Trial struct {
	// ID is the run id.
	ID int64 `json:"id"`

	// Script is the script path as recorded by the tracer.
	Script string `json:"script"`

	// CodeHash addresses the script text in the content store.
	CodeHash string `json:"code_hash"`
}

// ScriptName returns the script file name without directory or extension.
func (t Trial) ScriptName() string {
	base := filepath.Base(t.Script)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Activation is one executed function call of a run.
//
// Activations are ordered by ID within a run and never change once recorded.
type Activation struct {
	RunID int64  `json:"run_id"`
	ID    int64  `json:"id"`
	Name  string `json:"name"`

	// ReturnValue is the printed return value. Empty when the call
	// returned None.
	ReturnValue string `json:"return_value,omitempty"`

	// Line is the 1-based source line of the call.
	Line int `json:"line"`
}

// HasReturnValue reports whether the activation returned something.
func (a Activation) HasReturnValue() bool {
	return a.ReturnValue != ""
}

// FileAccess is a file opened by an activation.
type FileAccess struct {
	ActivationID int64  `json:"activation_id"`
	Name         string `json:"name"`
	Mode         string `json:"mode"`

	// ContentHash is the content hash after the access. Empty when unknown.
	ContentHash string `json:"content_hash,omitempty"`
}

// IsRead reports whether the access only read the file.
func (f FileAccess) IsRead() bool {
	return !f.IsWrite()
}

// IsWrite reports whether the access wrote, appended or created the file.
func (f FileAccess) IsWrite() bool {
	return strings.ContainsAny(f.Mode, "wax+")
}

// FunctionDef is a function defined by the traced script.
type FunctionDef struct {
	Name string `json:"name"`

	// LastLine is the last source line of the function body.
	LastLine int `json:"last_line"`
}

// Store is the read-only query contract over recorded trials.
//
// Thread Safety: implementations must be safe for concurrent reads.
type Store interface {
	// Trial returns the metadata of a run, or ErrTrialNotFound.
	Trial(ctx context.Context, runID int64) (Trial, error)

	// Activations returns the activations of a run ordered by id.
	Activations(ctx context.Context, runID int64) ([]Activation, error)

	// FileAccesses returns the file accesses of a run.
	FileAccesses(ctx context.Context, runID int64) ([]FileAccess, error)

	// FunctionDefs returns the functions defined by the script of a run.
	FunctionDefs(ctx context.Context, runID int64) ([]FunctionDef, error)

	// ObjectValue returns the value held by name inside an activation.
	// The bool is false when no such value was recorded.
	ObjectValue(ctx context.Context, runID, activationID int64, name string) (string, bool, error)

	// ActivationsHoldingValue returns the ids of every activation of the
	// run that recorded an object equal to value, in ascending order.
	ActivationsHoldingValue(ctx context.Context, runID int64, value string) ([]int64, error)

	// ScriptSource returns the script text that was executed by the run.
	ScriptSource(ctx context.Context, runID int64) ([]byte, error)
}

// normalizeReturn maps the tracer's "None" marker to the empty string.
func normalizeReturn(v string) string {
	if v == noneValue {
		return ""
	}
	return v
}
