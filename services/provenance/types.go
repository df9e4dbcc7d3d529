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

import "github.com/AleutianAI/provgraph/services/provenance/graph"

// BuildRequest is the request for POST /v1/provenance/build and the input
// of Service.Build.
type BuildRequest struct {
	// Trials are the noWorkflow trial ids to link, in workflow order.
	Trials []int64 `json:"trials" binding:"required,min=1,dive,gt=0"`

	// Output overrides the document path. Relative paths are resolved
	// against the project directory, and the result must stay inside it.
	Output string `json:"output,omitempty"`

	// AllowExternalOutput lets Output point outside the project directory.
	// Only the CLI sets it; it is never decoded from a request body.
	AllowExternalOutput bool `json:"-"`
}

// RunSummary describes one run of a build.
type RunSummary struct {
	Trial           int64  `json:"trial"`
	Script          string `json:"script"`
	Start           string `json:"start"`
	Finish          string `json:"finish"`
	Activities      int    `json:"activities"`
	Entities        int    `json:"entities"`
	Edges           int    `json:"edges"`
	DrainedScopes   int    `json:"drained_scopes"`
	DependencyEdges int    `json:"dependency_edges"`
	Files           int    `json:"files"`
}

// BuildReport is the result of a build.
type BuildReport struct {
	BuildID string `json:"build_id"`

	// Output is the path the document was written to.
	Output string `json:"output"`

	Runs []RunSummary `json:"runs"`

	// HashtableAdded counts new DDG hashtable entries.
	HashtableAdded int `json:"hashtable_added"`

	Graph *graph.Graph `json:"graph,omitempty"`
}

// HealthResponse is the response for GET /v1/provenance/health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}
