// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tracestore

// FunctionSpan is the sentinel line at which a function scope closes.
type FunctionSpan struct {
	Name    string
	EndLine int
}

// FunctionSpans derives the closing sentinel of every defined function.
//
// Description:
//
//	The tracer reports the last line of a function body. When a call of the
//	function returned a value, the trailing return expression shifts that
//	line, so the sentinel is moved up by one. The shift is applied once per
//	function no matter how many calls returned values.
//
// Inputs:
//
//	defs - Function definitions of the run.
//	activations - Activations of the run.
//
// Outputs:
//
//	map[string]FunctionSpan - Spans keyed by function name.
func FunctionSpans(defs []FunctionDef, activations []Activation) map[string]FunctionSpan {
	returns := make(map[string]bool, len(defs))
	for _, a := range activations {
		if a.HasReturnValue() {
			returns[a.Name] = true
		}
	}

	spans := make(map[string]FunctionSpan, len(defs))
	for _, d := range defs {
		end := d.LastLine
		if returns[d.Name] {
			end--
		}
		spans[d.Name] = FunctionSpan{Name: d.Name, EndLine: end}
	}
	return spans
}
