// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package snapshot

import (
	"regexp"
	"strings"
)

// Table is a reconstructed frame.
type Table struct {
	// IndexName is the name of the index column. Empty when unnamed.
	IndexName string

	// Columns are the value column names.
	Columns []string

	// Rows hold the index label followed by one value per column.
	Rows [][]string
}

// Records returns the table as CSV records, header first.
func (t *Table) Records() [][]string {
	records := make([][]string, 0, len(t.Rows)+1)
	records = append(records, append([]string{t.IndexName}, t.Columns...))
	for _, row := range t.Rows {
		records = append(records, append([]string(nil), row...))
	}
	return records
}

var rowsFooter = regexp.MustCompile(`^\[\d+ rows x \d+ columns\]$`)

// ParseFrame reconstructs a table from pandas' default text rendering.
//
// Description:
//
//	Recognised shapes:
//
//	  Series with a "Name: x, dtype: y" or "dtype: y" footer.
//	  DataFrame whose header line is padded for the index column, with an
//	  optional index-name row under the header and an optional
//	  "[N rows x M columns]" footer.
//	  DataFrame read back with its index as an "Unnamed: 0" column; the
//	  redundant column is dropped.
//
//	Truncated renderings ("...") and multi-level headers are rejected, as is
//	any row whose field count does not match the header.
//
// Outputs:
//
//	*Table - The reconstructed table when ok is true.
//	bool - False when the text does not have a recognised shape.
func ParseFrame(text string) (*Table, bool) {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	if len(lines) < 2 || strings.Contains(text, "...") {
		return nil, false
	}

	last := strings.TrimSpace(lines[len(lines)-1])
	if strings.HasPrefix(last, "dtype:") || (strings.HasPrefix(last, "Name:") && strings.Contains(last, "dtype:")) {
		return parseSeries(lines[:len(lines)-1], last)
	}

	if rowsFooter.MatchString(last) {
		lines = lines[:len(lines)-1]
		for len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "" {
			lines = lines[:len(lines)-1]
		}
	}
	return parseDataFrame(lines)
}

func seriesName(footer string) string {
	if !strings.HasPrefix(footer, "Name:") {
		return "0"
	}
	name := strings.TrimPrefix(footer, "Name:")
	if i := strings.LastIndex(name, ", dtype:"); i >= 0 {
		name = name[:i]
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "0"
	}
	return name
}

func parseSeries(lines []string, footer string) (*Table, bool) {
	t := &Table{Columns: []string{seriesName(footer)}}
	for i, line := range lines {
		fields := strings.Fields(line)
		switch {
		case len(fields) == 0:
			continue
		case i == 0 && len(fields) == 1:
			t.IndexName = fields[0]
		case len(fields) == 2:
			t.Rows = append(t.Rows, fields)
		default:
			return nil, false
		}
	}
	if len(t.Rows) == 0 {
		return nil, false
	}
	return t, true
}

func parseDataFrame(lines []string) (*Table, bool) {
	if len(lines) < 2 {
		return nil, false
	}
	header := lines[0]
	if !strings.HasPrefix(header, " ") || strings.Contains(header, "\\") {
		return nil, false
	}

	cols := strings.Fields(header)
	unnamed := len(cols) >= 2 && cols[0] == "Unnamed:" && cols[1] == "0"
	if unnamed {
		cols = cols[2:]
	}
	if len(cols) == 0 {
		return nil, false
	}

	width := len(cols) + 1
	if unnamed {
		width++
	}

	t := &Table{Columns: cols}
	for i, line := range lines[1:] {
		fields := strings.Fields(line)
		switch {
		case len(fields) == 0:
			continue
		case i == 0 && len(fields) == 1:
			t.IndexName = fields[0]
			continue
		case len(fields) != width:
			return nil, false
		}
		if unnamed {
			fields = append(fields[:1], fields[2:]...)
		}
		t.Rows = append(t.Rows, fields)
	}
	if len(t.Rows) == 0 {
		return nil, false
	}
	return t, true
}
