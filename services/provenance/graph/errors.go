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

import "errors"

var (
	// ErrEmptyRun is returned when a run has no activations.
	ErrEmptyRun = errors.New("run has no activations")

	// ErrNoRuns is returned when a workflow is linked from zero runs.
	ErrNoRuns = errors.New("no runs to link")
)
