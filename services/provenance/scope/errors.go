// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package scope

import (
	"errors"
	"fmt"
)

// ErrSourceParse indicates the script source could not be parsed into a
// complete syntax tree. It is fatal to the run being built.
var ErrSourceParse = errors.New("source parse failed")

// SourceParseError locates the first syntax error in a script.
//
// Example:
//
//	spans, err := resolver.Resolve(ctx, src, "clean.py")
//	var parseErr *SourceParseError
//	if errors.As(err, &parseErr) {
//	    fmt.Printf("%s:%d:%d\n", parseErr.File, parseErr.Line, parseErr.Column)
//	}
type SourceParseError struct {
	// File is the script path as given to Resolve.
	File string

	// Line is 1-based.
	Line int

	// Column is 0-based, in bytes.
	Column int

	// Err is the underlying cause. Always matches ErrSourceParse.
	Err error
}

// Error implements the error interface.
func (e *SourceParseError) Error() string {
	return fmt.Sprintf("%s:%d:%d: %v", e.File, e.Line, e.Column, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *SourceParseError) Unwrap() error {
	return e.Err
}
