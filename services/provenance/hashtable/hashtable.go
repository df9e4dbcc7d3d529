// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package hashtable records file reads and writes in the DDG hashtable, a
// JSON list shared by every provenance document on the machine.
package hashtable

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/AleutianAI/provgraph/services/provenance/graph"
)

// DefaultPath is the hashtable location relative to the home directory.
var DefaultPath = filepath.Join(".ddg", "hashtable.json")

// Entry is one hashtable record. Field names are the on-disk keys.
type Entry struct {
	SHA1Hash   string `json:"SHA1Hash"`
	NodeNumber string `json:"NodeNumber"`
	ReadWrite  string `json:"ReadWrite"`
	ScriptPath string `json:"ScriptPath"`
	DDGPath    string `json:"DDGPath"`
	FilePath   string `json:"FilePath"`
	NodePath   string `json:"NodePath"`
	Timestamp  string `json:"Timestamp"`
	Value      string `json:"Value"`
}

// RunFiles describes one run's file activity.
type RunFiles struct {
	RunID      int64
	ScriptPath string
	Files      []graph.FileEvent
	Outfiles   []graph.OutfileEntry
}

// FromResult collects a built run's file activity.
func FromResult(res *graph.RunResult, scriptPath string) RunFiles {
	return RunFiles{
		RunID:      res.RunID,
		ScriptPath: scriptPath,
		Files:      res.Files,
		Outfiles:   res.Outfiles,
	}
}

// Entries returns the hashtable records for a run.
//
// Reads yield one entry each. Writes yield one entry per outfile the run
// registered, carrying the final content hash. FilePath is the
// access name anchored at the directory that scriptPath and ddgPath share.
func Entries(run RunFiles, ddgPath string) []Entry {
	var out []Entry
	base := commonDir(run.ScriptPath, ddgPath)

	for _, f := range run.Files {
		if f.Write {
			continue
		}
		out = append(out, newEntry(f.ContentHash, f.EntityID, "read", run.ScriptPath, ddgPath, joinAnchored(base, f.Name)))
	}

	for _, outfile := range run.Outfiles {
		name := ""
		for _, f := range run.Files {
			if f.Write && f.EntityID == outfile.EntityID {
				name = f.Name
			}
		}
		if name == "" {
			continue
		}
		out = append(out, newEntry(outfile.ContentHash, outfile.EntityID, "write", run.ScriptPath, ddgPath, joinAnchored(base, name)))
	}
	return out
}

func newEntry(hash, entityID, mode, script, ddgPath, filePath string) Entry {
	node := ""
	if n, err := graph.Ordinal(entityID); err == nil {
		node = strconv.Itoa(n)
	}
	return Entry{
		SHA1Hash:   hash,
		NodeNumber: node,
		ReadWrite:  mode,
		ScriptPath: script,
		DDGPath:    ddgPath,
		FilePath:   filePath,
	}
}

// commonDir returns the longest directory prefix shared by a and b.
func commonDir(a, b string) string {
	as := strings.Split(filepath.ToSlash(a), "/")
	bs := strings.Split(filepath.ToSlash(b), "/")
	n := 0
	for n < len(as)-1 && n < len(bs) && as[n] == bs[n] {
		n++
	}
	return strings.Join(as[:n], "/")
}

func joinAnchored(base, name string) string {
	name = filepath.ToSlash(name)
	for {
		trimmed := strings.TrimPrefix(strings.TrimPrefix(name, "../"), "./")
		if trimmed == name {
			break
		}
		name = trimmed
	}
	if base == "" || strings.HasPrefix(name, "/") {
		return name
	}
	return base + "/" + name
}

// Load reads the hashtable at path. A missing or empty file is an empty
// table.
func Load(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read hashtable: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, nil
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse hashtable %s: %w", path, err)
	}
	return entries, nil
}

// Merge appends the entries not already present to the hashtable at path
// and returns how many were added.
//
// The file is replaced by rename so a crash never leaves it truncated.
func Merge(path string, entries []Entry) (int, error) {
	existing, err := Load(path)
	if err != nil {
		return 0, err
	}

	seen := make(map[Entry]struct{}, len(existing))
	for _, e := range existing {
		seen[e] = struct{}{}
	}
	added := 0
	for _, e := range entries {
		if _, dup := seen[e]; dup {
			continue
		}
		seen[e] = struct{}{}
		existing = append(existing, e)
		added++
	}
	if existing == nil {
		existing = []Entry{}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return 0, fmt.Errorf("create hashtable dir: %w", err)
	}
	data, err := json.Marshal(existing)
	if err != nil {
		return 0, err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return 0, fmt.Errorf("write hashtable: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return 0, fmt.Errorf("replace hashtable: %w", err)
	}
	return added, nil
}

// ResolvePath expands a leading ~ in path.
func ResolvePath(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("locate home directory: %w", err)
		}
		return filepath.Join(home, path[1:]), nil
	}
	return path, nil
}
