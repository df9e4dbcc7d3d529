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
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/provgraph/services/provenance/scope"
	"github.com/AleutianAI/provgraph/services/provenance/snapshot"
	"github.com/AleutianAI/provgraph/services/provenance/tracestore"
)

// ValueLookup answers the value queries made while building a run.
// tracestore.Store satisfies it.
type ValueLookup interface {
	ObjectValue(ctx context.Context, runID, activationID int64, name string) (string, bool, error)
	ActivationsHoldingValue(ctx context.Context, runID int64, value string) ([]int64, error)
}

// RunInput is everything needed to fold one run into a graph.
type RunInput struct {
	Trial tracestore.Trial

	// Activations ordered by id. The first one is the script itself.
	Activations []tracestore.Activation

	FileAccesses  []tracestore.FileAccess
	FunctionSpans map[string]tracestore.FunctionSpan
	LoopSpans     scope.LoopSpans

	// Lines holds the trimmed source text by 1-based line number.
	Lines map[int]string

	// Values answers value lookups. Nil disables dependency resolution and
	// the read_csv/to_csv detections.
	Values ValueLookup

	// ScriptDir resolves relative paths of implicitly read files.
	ScriptDir string
}

// RunResult summarises one folded run.
type RunResult struct {
	RunID    int64
	StartID  string
	FinishID string

	// Activities, Entities and Edges count what this run added.
	Activities int
	Entities   int
	Edges      int

	// DrainedScopes counts scopes still open when the trace ended.
	DrainedScopes int

	// DependencyEdges counts Used edges added by dependency resolution.
	DependencyEdges int

	// Files lists every resolved file access in trace order.
	Files []FileEvent

	// Outfiles holds the final entry per written basename.
	Outfiles []OutfileEntry
}

// Options toggle optional builder behaviour.
type Options struct {
	// CollapseRepeatedOperations maps an Operation whose label equals the
	// immediately preceding Operation's label onto that node.
	CollapseRepeatedOperations bool

	// MergeRepeatedLoopHeaders maps an activation on the header line of
	// the innermost open loop onto that loop's Start. When false every
	// header activation opens a new loop scope.
	MergeRepeatedLoopHeaders bool

	// SkipPrintStatements leaves print calls out of the graph.
	SkipPrintStatements bool

	// DetectImplicitReads records read_csv calls with no recorded file
	// access as reads of their filepath_or_buffer argument.
	DetectImplicitReads bool

	// DetectWrittenFrames records the frame passed to to_csv as a data
	// entity when it is not already one.
	DetectWrittenFrames bool
}

// DefaultOptions returns the default builder options.
func DefaultOptions() Options {
	return Options{
		CollapseRepeatedOperations: true,
		MergeRepeatedLoopHeaders:   true,
		SkipPrintStatements:        false,
		DetectImplicitReads:        true,
		DetectWrittenFrames:        true,
	}
}

// BuilderOption configures a Builder.
type BuilderOption func(*Builder)

// WithOptions replaces the builder options.
func WithOptions(opts Options) BuilderOption {
	return func(b *Builder) {
		b.opts = opts
	}
}

// WithBuilderLogger sets the logger.
func WithBuilderLogger(logger *slog.Logger) BuilderOption {
	return func(b *Builder) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// Builder folds one run's activations into a graph.
//
// Description:
//
//	Builder is the scope-tracking state machine. It emits a Start node for
//	the run, for every function call with a known span and for every loop
//	entered; an Operation node per traced statement; and a Finish node when
//	a scope is left. Informs edges chain the nodes in execution order. File
//	accesses and return values become entities, and a final pass links
//	every return value to the later activations that held it.
//
// Thread Safety:
//
//	A Builder holds no per-run state and may be shared. The WorkflowState
//	and Graph passed to BuildRun must not be used concurrently.
type Builder struct {
	snapshots snapshot.Snapshotter
	files     FileResolver
	opts      Options
	logger    *slog.Logger
}

// NewBuilder creates a Builder. A nil snapshotter keeps every value as a
// scalar.
func NewBuilder(snapshots snapshot.Snapshotter, opts ...BuilderOption) *Builder {
	if snapshots == nil {
		snapshots = snapshot.ScalarSnapshotter{}
	}
	b := &Builder{
		snapshots: snapshots,
		opts:      DefaultOptions(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// BuildRun folds in into g.
//
// Inputs:
//
//	ctx - Context for tracing and store lookups. A run is not cancelled
//	      midway; it either completes or fails.
//	state - Workflow state, advanced in place.
//	g - Graph, extended in place.
//	in - The run. Must have at least one activation.
//
// Outputs:
//
//	*RunResult - Summary of what the run added.
//	error - ErrEmptyRun, or a wrapped snapshot.ErrSnapshotWrite. The graph
//	        is left partially extended on error and must be discarded.
func (b *Builder) BuildRun(ctx context.Context, state *WorkflowState, g *Graph, in RunInput) (*RunResult, error) {
	if len(in.Activations) == 0 {
		return nil, fmt.Errorf("trial %d: %w", in.Trial.ID, ErrEmptyRun)
	}

	ctx, span := startBuildSpan(ctx, in.Trial.ID, len(in.Activations))
	defer span.End()
	start := time.Now()

	activities, entities, edges := len(g.activities.keys), len(g.entities.keys), g.EdgeCount()

	r := newRunBuilder(b, state, g, in)
	if err := r.build(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "build failed")
		return nil, err
	}

	res := r.result
	res.Activities = len(g.activities.keys) - activities
	res.Entities = len(g.entities.keys) - entities
	res.Edges = g.EdgeCount() - edges
	res.Outfiles = state.Outfiles(in.Trial.ID)

	recordRun(ctx, time.Since(start), res)
	b.logger.Debug("built run",
		slog.Int64("trial", in.Trial.ID),
		slog.String("start", res.StartID),
		slog.String("finish", res.FinishID),
		slog.Int("activities", res.Activities),
		slog.Int("entities", res.Entities),
		slog.Int("edges", res.Edges),
	)
	return res, nil
}

type frameKind int

const (
	frameRun frameKind = iota
	frameFunction
	frameLoop
)

// scopeFrame is an open scope. The run frame sits at the bottom of the
// stack and is only closed after the trace ends.
type scopeFrame struct {
	kind      frameKind
	label     string
	startID   string
	startLine int
	endLine   int
}

// pendingValue is a value entity awaiting dependency resolution.
type pendingValue struct {
	value      string
	entityID   string
	origin     int64
	producerID string
}

// runBuilder holds the state of one BuildRun call.
type runBuilder struct {
	b     *Builder
	state *WorkflowState
	g     *Graph
	in    RunInput

	stack []scopeFrame
	prev  string

	lastID    string
	lastType  ActivityType
	lastLabel string

	nodeOf   map[int64]string
	accesses map[int64][]tracestore.FileAccess
	pending  []pendingValue
	held     map[string]bool

	result *RunResult
}

func newRunBuilder(b *Builder, state *WorkflowState, g *Graph, in RunInput) *runBuilder {
	accesses := make(map[int64][]tracestore.FileAccess)
	for _, a := range in.FileAccesses {
		accesses[a.ActivationID] = append(accesses[a.ActivationID], a)
	}
	return &runBuilder{
		b:        b,
		state:    state,
		g:        g,
		in:       in,
		nodeOf:   make(map[int64]string),
		accesses: accesses,
		held:     make(map[string]bool),
		result:   &RunResult{RunID: in.Trial.ID},
	}
}

func (r *runBuilder) build(ctx context.Context) error {
	first := r.in.Activations[0]
	runLabel := first.Name
	if runLabel == "" {
		runLabel = r.in.Trial.ScriptName()
	}

	startID := r.emit(ActivityStart, runLabel, 0)
	r.result.StartID = startID
	r.stack = []scopeFrame{{kind: frameRun, label: runLabel, startID: startID}}
	r.prev = startID
	r.nodeOf[first.ID] = startID

	for _, s := range r.in.Activations[1:] {
		if err := r.step(ctx, s); err != nil {
			return err
		}
	}

	r.drain()
	r.result.FinishID = r.finish(runLabel)
	r.resolveDependencies(ctx)
	return nil
}

// step processes one activation.
func (r *runBuilder) step(ctx context.Context, s tracestore.Activation) error {
	text := r.lineText(s)
	r.closeLoops(s.Line)

	if r.b.opts.SkipPrintStatements && strings.Contains(text, "print(") {
		r.closeFunctions(s.Line)
		return nil
	}

	node, chained := r.classify(s, text)
	r.nodeOf[s.ID] = node

	r.resolveFiles(ctx, s, text, node)
	if err := r.captureReturn(ctx, s, node); err != nil {
		return err
	}
	if err := r.captureWrittenFrame(ctx, s, text); err != nil {
		return err
	}

	if chained {
		r.informs(r.prev, node)
		r.prev = node
	}
	r.closeFunctions(s.Line)
	return nil
}

func (r *runBuilder) lineText(s tracestore.Activation) string {
	if text := r.in.Lines[s.Line]; text != "" {
		return text
	}
	return s.Name
}

// classify emits the node for s, if any. chained is false when s was
// mapped onto an existing node.
func (r *runBuilder) classify(s tracestore.Activation, text string) (node string, chained bool) {
	if span, ok := r.in.FunctionSpans[s.Name]; ok {
		id := r.emit(ActivityStart, s.Name, 0)
		r.push(scopeFrame{kind: frameFunction, label: s.Name, startID: id, startLine: s.Line, endLine: span.EndLine})
		return id, true
	}

	if end, ok := r.in.LoopSpans[s.Line]; ok {
		if top := r.top(); r.b.opts.MergeRepeatedLoopHeaders && top.kind == frameLoop && top.startLine == s.Line {
			return top.startID, false
		}
		id := r.emit(ActivityStart, text, 0)
		r.push(scopeFrame{kind: frameLoop, label: text, startID: id, startLine: s.Line, endLine: end})
		return id, true
	}

	if r.b.opts.CollapseRepeatedOperations && r.lastType == ActivityOperation && r.lastLabel == text {
		return r.lastID, false
	}
	return r.emit(ActivityOperation, text, s.Line), true
}

func (r *runBuilder) emit(typ ActivityType, label string, line int) string {
	id := r.state.allocActivity()
	r.g.addActivity(Activity{ID: id, Type: typ, Label: label, Line: line})
	r.lastID, r.lastType, r.lastLabel = id, typ, label
	return id
}

func (r *runBuilder) informs(from, to string) {
	r.g.addEdge(Edge{ID: r.state.allocEdge(), Kind: EdgeInforms, From: from, To: to})
}

// finish emits a Finish node chained after the previous activity.
func (r *runBuilder) finish(label string) string {
	id := r.emit(ActivityFinish, label, 0)
	r.informs(r.prev, id)
	r.prev = id
	return id
}

func (r *runBuilder) push(f scopeFrame) { r.stack = append(r.stack, f) }

func (r *runBuilder) top() scopeFrame { return r.stack[len(r.stack)-1] }

func (r *runBuilder) pop() scopeFrame {
	f := r.top()
	r.stack = r.stack[:len(r.stack)-1]
	return f
}

// closeLoops finishes innermost loops whose sentinel line was reached.
// A loop below a function frame stays open while the function runs.
func (r *runBuilder) closeLoops(line int) {
	for {
		top := r.top()
		if top.kind != frameLoop || line < top.endLine {
			return
		}
		r.pop()
		r.finish(top.label)
	}
}

// closeFunctions finishes the innermost function when line is its last
// line, closing loops opened inside it first.
func (r *runBuilder) closeFunctions(line int) {
	for r.closeInnermostFunction(line) {
	}
}

func (r *runBuilder) closeInnermostFunction(line int) bool {
	for i := len(r.stack) - 1; i > 0; i-- {
		f := r.stack[i]
		if f.kind != frameFunction {
			continue
		}
		if line != f.endLine {
			return false
		}
		for len(r.stack)-1 > i {
			r.finish(r.pop().label)
		}
		r.pop()
		r.finish(f.label)
		return true
	}
	return false
}

// drain finishes every scope still open when the trace ended, innermost
// first.
func (r *runBuilder) drain() {
	for len(r.stack) > 1 {
		f := r.pop()
		r.result.DrainedScopes++
		if f.kind == frameFunction {
			r.b.logger.Warn("function scope still open at end of run",
				slog.Int64("trial", r.in.Trial.ID),
				slog.String("function", f.label),
				slog.Int("end_line", f.endLine),
			)
		} else {
			r.b.logger.Debug("closing loop at end of run",
				slog.Int64("trial", r.in.Trial.ID),
				slog.String("loop", f.label),
			)
		}
		r.finish(f.label)
	}
}

func (r *runBuilder) resolveFiles(ctx context.Context, s tracestore.Activation, text, node string) {
	accesses := r.accesses[s.ID]
	if len(accesses) == 0 && r.b.opts.DetectImplicitReads && strings.Contains(text, "read_csv") {
		if a, ok := r.implicitRead(ctx, s); ok {
			accesses = []tracestore.FileAccess{a}
		}
	}
	for _, a := range accesses {
		ev := r.b.files.Resolve(r.state, r.g, r.in.Trial.ID, a, node)
		r.result.Files = append(r.result.Files, ev)
	}
}

// implicitRead reconstructs the read made by a read_csv call that the
// tracer did not record as a file access.
func (r *runBuilder) implicitRead(ctx context.Context, s tracestore.Activation) (tracestore.FileAccess, bool) {
	if r.in.Values == nil {
		return tracestore.FileAccess{}, false
	}
	v, found, err := r.in.Values.ObjectValue(ctx, r.in.Trial.ID, s.ID, "filepath_or_buffer")
	if err != nil {
		r.b.logger.Warn("argument lookup failed",
			slog.Int64("trial", r.in.Trial.ID),
			slog.Int64("activation", s.ID),
			slog.String("error", err.Error()),
		)
		return tracestore.FileAccess{}, false
	}
	name := strings.Trim(strings.TrimSpace(v), `'"`)
	if !found || name == "" || strings.HasPrefix(name, "<") {
		return tracestore.FileAccess{}, false
	}

	hash, err := hashFile(r.resolvePath(name))
	if err != nil {
		r.b.logger.Warn("implicit input unreadable, hash unknown",
			slog.Int64("trial", r.in.Trial.ID),
			slog.String("file", name),
			slog.String("error", err.Error()),
		)
		hash = ""
	}
	return tracestore.FileAccess{ActivationID: s.ID, Name: name, Mode: "r", ContentHash: hash}, true
}

func (r *runBuilder) resolvePath(name string) string {
	if filepath.IsAbs(name) || r.in.ScriptDir == "" {
		return name
	}
	return filepath.Join(r.in.ScriptDir, name)
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha1.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (r *runBuilder) capture(ctx context.Context, s tracestore.Activation, text string) (string, error) {
	c, err := r.b.snapshots.Capture(ctx, snapshot.Request{
		RunID:        r.in.Trial.ID,
		Script:       r.in.Trial.ScriptName(),
		Line:         s.Line,
		ActivationID: s.ID,
		Text:         text,
	})
	if err != nil {
		return "", fmt.Errorf("trial %d activation %d: %w", r.in.Trial.ID, s.ID, err)
	}

	var e Entity
	switch c.Kind {
	case snapshot.KindTable:
		e = Entity{Type: EntitySnapshot, Label: "data", Value: c.Path}
	case snapshot.KindScalar:
		e = Entity{Type: EntityData, Label: "data", Value: c.Scalar}
	default:
		return "", nil
	}
	e.ID = r.state.allocEntity()
	r.g.addEntity(e)
	return e.ID, nil
}

func (r *runBuilder) captureReturn(ctx context.Context, s tracestore.Activation, node string) error {
	if !s.HasReturnValue() {
		return nil
	}
	id, err := r.capture(ctx, s, s.ReturnValue)
	if err != nil || id == "" {
		return err
	}

	r.g.addEdge(Edge{ID: r.state.allocEdge(), Kind: EdgeGeneratedBy, From: node, To: id})
	r.state.producers[id] = node
	r.pending = append(r.pending, pendingValue{value: s.ReturnValue, entityID: id, origin: s.ID, producerID: node})
	r.held[s.ReturnValue] = true
	return nil
}

// captureWrittenFrame records the frame a to_csv call writes when no
// earlier activation returned it.
func (r *runBuilder) captureWrittenFrame(ctx context.Context, s tracestore.Activation, text string) error {
	if !r.b.opts.DetectWrittenFrames || r.in.Values == nil || !strings.Contains(text, "to_csv") {
		return nil
	}
	v, found, err := r.in.Values.ObjectValue(ctx, r.in.Trial.ID, s.ID, "self")
	if err != nil {
		r.b.logger.Warn("argument lookup failed",
			slog.Int64("trial", r.in.Trial.ID),
			slog.Int64("activation", s.ID),
			slog.String("error", err.Error()),
		)
		return nil
	}
	if !found || r.held[v] {
		return nil
	}

	id, err := r.capture(ctx, s, v)
	if err != nil || id == "" {
		return err
	}
	r.pending = append(r.pending, pendingValue{value: v, entityID: id, origin: s.ID})
	r.held[v] = true
	return nil
}

// resolveDependencies links every pending value to the activations that
// held it at or after the activation that produced it.
func (r *runBuilder) resolveDependencies(ctx context.Context) {
	if r.in.Values == nil {
		return
	}
	seen := make(map[[2]string]bool)
	for _, p := range r.pending {
		holders, err := r.in.Values.ActivationsHoldingValue(ctx, r.in.Trial.ID, p.value)
		if err != nil {
			r.b.logger.Warn("dependency lookup failed",
				slog.Int64("trial", r.in.Trial.ID),
				slog.String("entity", p.entityID),
				slog.String("error", err.Error()),
			)
			continue
		}
		for _, c := range holders {
			if c < p.origin {
				continue
			}
			node, ok := r.nodeOf[c]
			if !ok {
				continue
			}
			if p.producerID != "" && mustOrdinal(node) < mustOrdinal(p.producerID) {
				continue
			}
			key := [2]string{p.entityID, node}
			if seen[key] {
				continue
			}
			seen[key] = true
			r.g.addEdge(Edge{ID: r.state.allocEdge(), Kind: EdgeUsed, From: p.entityID, To: node})
			r.result.DependencyEdges++
		}
	}
}
