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
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/codes"
)

// LinkerOption configures a Linker.
type LinkerOption func(*Linker)

// WithLanguage sets the environment language of linked graphs.
func WithLanguage(language string) LinkerOption {
	return func(l *Linker) {
		if language != "" {
			l.language = language
		}
	}
}

// WithLinkerLogger sets the logger.
func WithLinkerLogger(logger *slog.Logger) LinkerOption {
	return func(l *Linker) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// Linker folds an ordered list of runs into one workflow graph.
//
// Description:
//
//	Link creates the graph and a fresh WorkflowState, then builds every run
//	in order with the same state so ids stay unique and files written by
//	one run resolve to the same entities when a later run reads them. Each
//	run after the first is chained to its predecessor by an Informs edge
//	from the previous Finish to the new Start.
//
//	Linking the same runs twice yields identical documents.
//
// Thread Safety: safe for concurrent use; each Link call owns its graph.
type Linker struct {
	builder  *Builder
	language string
	logger   *slog.Logger
}

// NewLinker creates a Linker that builds runs with builder.
func NewLinker(builder *Builder, opts ...LinkerOption) *Linker {
	l := &Linker{
		builder:  builder,
		language: DefaultLanguage,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Link builds runs into a single graph.
//
// Outputs:
//
//	*Graph - The workflow graph. The environment header names the script
//	         of the first run.
//	[]*RunResult - One summary per run, in order.
//	error - ErrNoRuns, or the first run failure wrapped with its trial.
func (l *Linker) Link(ctx context.Context, runs []RunInput) (*Graph, []*RunResult, error) {
	if len(runs) == 0 {
		return nil, nil, ErrNoRuns
	}

	ctx, span := startLinkSpan(ctx, len(runs))
	defer span.End()

	state := NewWorkflowState()
	g := NewGraph(l.language, runs[0].Trial.Script)
	results := make([]*RunResult, 0, len(runs))

	prevFinish := ""
	for _, run := range runs {
		if prevFinish != "" {
			g.addEdge(Edge{
				ID:   state.allocEdge(),
				Kind: EdgeInforms,
				From: prevFinish,
				To:   state.NextActivityID(),
			})
		}

		res, err := l.builder.BuildRun(ctx, state, g, run)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "link failed")
			return nil, nil, fmt.Errorf("link trial %d: %w", run.Trial.ID, err)
		}
		results = append(results, res)
		prevFinish = res.FinishID
	}

	l.logger.Info("linked workflow",
		slog.Int("runs", len(runs)),
		slog.Int("activities", len(g.activities.keys)),
		slog.Int("entities", len(g.entities.keys)),
		slog.Int("edges", g.EdgeCount()),
	)
	return g, results, nil
}
