// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package provenance compiles recorded noWorkflow trials into Prov-JSON
// documents and serves that compilation over HTTP.
package provenance

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/provgraph/services/provenance/graph"
	"github.com/AleutianAI/provgraph/services/provenance/hashtable"
	"github.com/AleutianAI/provgraph/services/provenance/scope"
	"github.com/AleutianAI/provgraph/services/provenance/snapshot"
	"github.com/AleutianAI/provgraph/services/provenance/tracestore"
)

// ServiceVersion is reported by the health endpoint.
const ServiceVersion = "0.1.0"

// ServiceConfig configures a Service.
type ServiceConfig struct {
	// ScriptsDir is where the traced scripts were run from. Trial script
	// paths and implicit read paths are relative to it.
	ScriptsDir string

	// ProjectDir holds the data, python_prov and results directories.
	ProjectDir string

	// RefDir prefixes snapshot paths written into documents.
	RefDir string

	// Hashtable is the DDG hashtable path. Empty disables it.
	Hashtable string

	// Language is written as rdt:language.
	Language string

	// Snapshots writes table snapshots under <ProjectDir>/data.
	Snapshots bool

	Builder graph.Options
}

// DefaultServiceConfig returns a configuration for a project laid out as
// <project>/scripts/.noworkflow with the hashtable disabled.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		ScriptsDir: ".",
		ProjectDir: "..",
		RefDir:     snapshot.DefaultRefDir,
		Language:   graph.DefaultLanguage,
		Snapshots:  true,
		Builder:    graph.DefaultOptions(),
	}
}

// DataDir is where snapshots are written.
func (c ServiceConfig) DataDir() string {
	return filepath.Join(c.ProjectDir, "data")
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithServiceLogger sets the logger. Nil keeps slog.Default().
func WithServiceLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Service compiles trials from a trace store.
//
// Description:
//
//	Build loads each requested trial, resolves its loops, folds all runs
//	into one workflow graph and writes the document plus the DDG
//	hashtable. Builds write shared files (snapshots and the hashtable), so
//	they run one at a time.
//
// Thread Safety: Safe for concurrent use; builds are serialised.
type Service struct {
	store    tracestore.Store
	config   ServiceConfig
	resolver *scope.Resolver
	logger   *slog.Logger

	mu     sync.Mutex
	closed bool
}

// NewService creates a Service over store.
func NewService(store tracestore.Store, config ServiceConfig, opts ...ServiceOption) *Service {
	s := &Service{
		store:  store,
		config: config,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.resolver = scope.NewResolver(scope.WithLogger(s.logger))
	return s
}

// Build compiles req.Trials into one document.
//
// Outputs:
//
//	*BuildReport - Summary plus the graph. Non-nil on success.
//	error - ErrNoTrials, ErrPathTraversal, tracestore.ErrTrialNotFound,
//	        tracestore.ErrSourceUnavailable, *scope.SourceParseError,
//	        snapshot.ErrSnapshotWrite, or an I/O failure.
func (s *Service) Build(ctx context.Context, req BuildRequest) (*BuildReport, error) {
	if len(req.Trials) == 0 {
		return nil, ErrNoTrials
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrServiceClosed
	}

	buildID := uuid.NewString()
	logger := s.logger.With(slog.String("build_id", buildID))
	start := time.Now()

	runs := make([]graph.RunInput, 0, len(req.Trials))
	for _, id := range req.Trials {
		in, err := s.loadRun(ctx, id)
		if err != nil {
			return nil, err
		}
		runs = append(runs, in)
	}

	output, err := s.outputPath(req, runs)
	if err != nil {
		return nil, err
	}

	g, results, err := s.newLinker(logger).Link(ctx, runs)
	if err != nil {
		return nil, err
	}

	if err := writeDocument(output, g); err != nil {
		return nil, err
	}

	report := &BuildReport{BuildID: buildID, Output: output, Graph: g}
	var entries []hashtable.Entry
	for i, res := range results {
		trial := runs[i].Trial
		report.Runs = append(report.Runs, RunSummary{
			Trial:           trial.ID,
			Script:          trial.Script,
			Start:           res.StartID,
			Finish:          res.FinishID,
			Activities:      res.Activities,
			Entities:        res.Entities,
			Edges:           res.Edges,
			DrainedScopes:   res.DrainedScopes,
			DependencyEdges: res.DependencyEdges,
			Files:           len(res.Files),
		})
		entries = append(entries, hashtable.Entries(
			hashtable.FromResult(res, s.absolute(filepath.Join(s.config.ScriptsDir, trial.Script))),
			s.absolute(filepath.Dir(output)),
		)...)
	}

	if s.config.Hashtable != "" {
		path, err := hashtable.ResolvePath(s.config.Hashtable)
		if err != nil {
			return nil, err
		}
		added, err := hashtable.Merge(path, entries)
		if err != nil {
			return nil, fmt.Errorf("update hashtable: %w", err)
		}
		report.HashtableAdded = added
	}

	logger.Info("build complete",
		slog.Any("trials", req.Trials),
		slog.String("output", output),
		slog.Int("edges", g.EdgeCount()),
		slog.Duration("elapsed", time.Since(start)),
	)
	return report, nil
}

// Loops resolves the loop spans of a script file.
func (s *Service) Loops(ctx context.Context, path string) (scope.LoopSpans, error) {
	source, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read script: %w", err)
	}
	return s.resolver.Resolve(ctx, source, path)
}

// Close rejects further builds. It does not close the store.
func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *Service) loadRun(ctx context.Context, id int64) (graph.RunInput, error) {
	trial, err := s.store.Trial(ctx, id)
	if err != nil {
		return graph.RunInput{}, fmt.Errorf("load trial %d: %w", id, err)
	}
	acts, err := s.store.Activations(ctx, id)
	if err != nil {
		return graph.RunInput{}, fmt.Errorf("load trial %d activations: %w", id, err)
	}
	accesses, err := s.store.FileAccesses(ctx, id)
	if err != nil {
		return graph.RunInput{}, fmt.Errorf("load trial %d file accesses: %w", id, err)
	}
	defs, err := s.store.FunctionDefs(ctx, id)
	if err != nil {
		return graph.RunInput{}, fmt.Errorf("load trial %d function defs: %w", id, err)
	}
	source, err := s.store.ScriptSource(ctx, id)
	if err != nil {
		return graph.RunInput{}, fmt.Errorf("load trial %d source: %w", id, err)
	}

	loops, err := s.resolver.Resolve(ctx, source, trial.Script)
	if err != nil {
		return graph.RunInput{}, fmt.Errorf("trial %d: %w", id, err)
	}

	return graph.RunInput{
		Trial:         trial,
		Activations:   acts,
		FileAccesses:  accesses,
		FunctionSpans: tracestore.FunctionSpans(defs, acts),
		LoopSpans:     loops,
		Lines:         scope.SourceLines(source),
		Values:        s.store,
		ScriptDir:     filepath.Join(s.config.ScriptsDir, filepath.Dir(trial.Script)),
	}, nil
}

func (s *Service) newLinker(logger *slog.Logger) *graph.Linker {
	var snaps snapshot.Snapshotter = snapshot.ScalarSnapshotter{}
	if s.config.Snapshots {
		snaps = snapshot.NewPandasSnapshotter(s.config.DataDir(),
			snapshot.WithRefDir(s.config.RefDir),
			snapshot.WithSnapshotLogger(logger),
		)
	}
	builder := graph.NewBuilder(snaps,
		graph.WithOptions(s.config.Builder),
		graph.WithBuilderLogger(logger),
	)
	return graph.NewLinker(builder,
		graph.WithLanguage(s.config.Language),
		graph.WithLinkerLogger(logger),
	)
}

// outputPath picks the document path. A single trial goes to
// python_prov/<script>.json; a workflow goes to
// results/workflow_<first>_to_<last>.json. A requested path must stay
// inside the project directory unless req.AllowExternalOutput is set.
func (s *Service) outputPath(req BuildRequest, runs []graph.RunInput) (string, error) {
	if req.Output != "" {
		if req.AllowExternalOutput {
			if filepath.IsAbs(req.Output) {
				return filepath.Clean(req.Output), nil
			}
			return filepath.Join(s.config.ProjectDir, req.Output), nil
		}
		rel, err := projectRelative(s.absolute(s.config.ProjectDir), req.Output)
		if err != nil {
			return "", err
		}
		return filepath.Join(s.config.ProjectDir, rel), nil
	}

	first := runs[0].Trial.ScriptName()
	if len(runs) == 1 {
		return filepath.Join(s.config.ProjectDir, "python_prov", first+".json"), nil
	}
	last := runs[len(runs)-1].Trial.ScriptName()
	name := fmt.Sprintf("workflow_%s_to_%s.json", first, last)
	return filepath.Join(s.config.ProjectDir, "results", name), nil
}

// projectRelative returns path relative to root, failing with
// ErrPathTraversal when it resolves outside root. Absolute paths are
// accepted only when they lie under root.
func projectRelative(root, path string) (string, error) {
	target := filepath.Clean(path)
	if !filepath.IsAbs(target) {
		target = filepath.Join(root, target)
	}
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPathTraversal, err)
	}
	if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrPathTraversal, path)
	}
	return rel, nil
}

func (s *Service) absolute(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return path
}

func writeDocument(path string, g *graph.Graph) error {
	data, err := json.MarshalIndent(g, "", "  ")
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("write document: %w", err)
	}
	return nil
}
