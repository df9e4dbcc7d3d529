// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package scope statically scans Python scripts for loop constructs.
//
// A loop is reported by its header line together with a sentinel end line:
// the line after the loop body's last statement. Execution is considered to
// have left the loop once a traced activation reaches or passes the
// sentinel.
package scope

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// LoopSpans maps a loop's 1-based header line to its sentinel end line.
type LoopSpans map[int]int

// IsLoopStart reports whether line is the header of a recorded loop.
func (s LoopSpans) IsLoopStart(line int) bool {
	_, ok := s[line]
	return ok
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithLogger sets the logger used for resolver diagnostics.
func WithLogger(logger *slog.Logger) ResolverOption {
	return func(r *Resolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// Resolver finds loop spans in Python source.
//
// Description:
//
//	Resolver parses the script with tree-sitter and records every for and
//	while statement (async for included). Nested loops produce independent
//	entries keyed by their own header line.
//
// Thread Safety:
//
//	Resolver is safe for concurrent use. Each Resolve call creates its own
//	tree-sitter parser.
type Resolver struct {
	logger *slog.Logger
}

// NewResolver creates a Resolver.
func NewResolver(opts ...ResolverOption) *Resolver {
	r := &Resolver{logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the loop spans of source.
//
// Description:
//
//	The sentinel end line of a loop is the start line of the last
//	statement in its body plus one. Comments are not statements. An else
//	clause attached to the loop is not part of its body.
//
// Inputs:
//
//	ctx - Context for cancellation. Checked before and after parsing.
//	source - Raw script text.
//	path - Script path, used for error reporting only.
//
// Outputs:
//
//	LoopSpans - Start line to sentinel end line. Empty, never nil, when the
//	            script has no loops.
//	error - *SourceParseError when the script contains syntax errors, or a
//	        context error.
func (r *Resolver) Resolve(ctx context.Context, source []byte, path string) (LoopSpans, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ctx, span := startResolveSpan(ctx, path, len(source))
	defer span.End()
	start := time.Now()

	spans, err := r.resolve(ctx, source, path)
	recordResolve(ctx, time.Since(start), len(spans), err == nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "resolve failed")
		return nil, err
	}

	span.SetAttributes(attribute.Int("scope.loops", len(spans)))
	r.logger.Debug("resolved loop spans",
		slog.String("file", path),
		slog.Int("loops", len(spans)),
	)
	return spans, nil
}

func (r *Resolver) resolve(ctx context.Context, source []byte, path string) (LoopSpans, error) {
	parser := sitter.NewParser()
	parser.SetLanguage(python.GetLanguage())

	tree, err := parser.ParseCtx(ctx, nil, source)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &SourceParseError{File: path, Line: 1, Err: fmt.Errorf("%w: %v", ErrSourceParse, err)}
	}
	defer tree.Close()

	root := tree.RootNode()
	if root == nil {
		return nil, &SourceParseError{File: path, Line: 1, Err: ErrSourceParse}
	}
	if root.HasError() {
		line, col := 1, 0
		if bad := firstErrorNode(root); bad != nil {
			line = int(bad.StartPoint().Row) + 1
			col = int(bad.StartPoint().Column)
		}
		return nil, &SourceParseError{File: path, Line: line, Column: col, Err: ErrSourceParse}
	}

	spans := make(LoopSpans)
	stack := []*sitter.Node{root}
	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		switch node.Type() {
		case "for_statement", "while_statement":
			if last := lastStatement(node.ChildByFieldName("body")); last != nil {
				header := int(node.StartPoint().Row) + 1
				spans[header] = int(last.StartPoint().Row) + 2
			}
		}

		for i := int(node.NamedChildCount()) - 1; i >= 0; i-- {
			if child := node.NamedChild(i); child != nil {
				stack = append(stack, child)
			}
		}
	}
	return spans, nil
}

// lastStatement returns the last non-comment statement of a block.
func lastStatement(body *sitter.Node) *sitter.Node {
	if body == nil {
		return nil
	}
	for i := int(body.NamedChildCount()) - 1; i >= 0; i-- {
		child := body.NamedChild(i)
		if child != nil && child.Type() != "comment" {
			return child
		}
	}
	return nil
}

// firstErrorNode returns the first ERROR or MISSING node in document order.
func firstErrorNode(node *sitter.Node) *sitter.Node {
	if node.IsError() || node.IsMissing() {
		return node
	}
	for i := 0; i < int(node.ChildCount()); i++ {
		child := node.Child(i)
		if child == nil || !(child.HasError() || child.IsMissing()) {
			continue
		}
		if bad := firstErrorNode(child); bad != nil {
			return bad
		}
	}
	return nil
}

// SourceLines returns the trimmed text of every line of source, keyed by
// 1-based line number. Node labels are taken from it.
func SourceLines(source []byte) map[int]string {
	lines := make(map[int]string)
	scanner := bufio.NewScanner(bytes.NewReader(source))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	n := 0
	for scanner.Scan() {
		n++
		lines[n] = strings.TrimSpace(scanner.Text())
	}
	return lines
}
