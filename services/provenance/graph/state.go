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

// OutfileEntry records a file written by a run.
type OutfileEntry struct {
	// EntityID is the File entity the write resolved to.
	EntityID string

	// ContentHash is the hash after the write. Empty when unknown.
	ContentHash string

	// ProducerID is the activity that wrote the file.
	ProducerID string
}

type fileKey struct {
	base string
	hash string
}

// WorkflowState carries what must survive from one run to the next.
//
// Description:
//
//	The id counters, the outfile registry and the file dedup registry are
//	threaded through every run of a workflow and never reset. A fresh
//	WorkflowState starts every counter at 1.
//
// Thread Safety: not safe for concurrent use. A workflow build owns its
// state exclusively.
type WorkflowState struct {
	nextActivity int
	nextEntity   int
	nextEdge     int

	// outfiles is keyed by run, then by file basename. runOrder and
	// nameOrder keep registration order for deterministic lookups.
	outfiles  map[int64]map[string]OutfileEntry
	runOrder  []int64
	nameOrder map[int64][]string

	files map[fileKey]string

	// producers maps an entity to the activity that generated it.
	producers map[string]string
}

// NewWorkflowState creates state for a new workflow.
func NewWorkflowState() *WorkflowState {
	return &WorkflowState{
		nextActivity: 1,
		nextEntity:   1,
		nextEdge:     1,
		outfiles:     make(map[int64]map[string]OutfileEntry),
		nameOrder:    make(map[int64][]string),
		files:        make(map[fileKey]string),
		producers:    make(map[string]string),
	}
}

// NextActivityID returns the id the next activity will receive.
func (s *WorkflowState) NextActivityID() string { return ActivityID(s.nextActivity) }

func (s *WorkflowState) allocActivity() string {
	id := ActivityID(s.nextActivity)
	s.nextActivity++
	return id
}

func (s *WorkflowState) allocEntity() string {
	id := EntityID(s.nextEntity)
	s.nextEntity++
	return id
}

func (s *WorkflowState) allocEdge() string {
	id := EdgeID(s.nextEdge)
	s.nextEdge++
	return id
}

// Outfile returns the outfile entry a run registered for a basename.
func (s *WorkflowState) Outfile(runID int64, base string) (OutfileEntry, bool) {
	e, ok := s.outfiles[runID][base]
	return e, ok
}

// Outfiles returns the entries a run registered, in registration order.
func (s *WorkflowState) Outfiles(runID int64) []OutfileEntry {
	out := make([]OutfileEntry, 0, len(s.nameOrder[runID]))
	for _, name := range s.nameOrder[runID] {
		out = append(out, s.outfiles[runID][name])
	}
	return out
}

func (s *WorkflowState) registerOutfile(runID int64, base string, entry OutfileEntry) {
	byName, ok := s.outfiles[runID]
	if !ok {
		byName = make(map[string]OutfileEntry)
		s.outfiles[runID] = byName
		s.runOrder = append(s.runOrder, runID)
	}
	if _, seen := byName[base]; !seen {
		s.nameOrder[runID] = append(s.nameOrder[runID], base)
	}
	byName[base] = entry
}

// lookupOutfile scans every run's outfiles for base. An entry matches when
// the hashes are equal or either is unknown; the last match in
// registration order wins.
func (s *WorkflowState) lookupOutfile(base, hash string) string {
	found := ""
	for _, run := range s.runOrder {
		entry, ok := s.outfiles[run][base]
		if !ok {
			continue
		}
		if entry.ContentHash == "" || hash == "" || entry.ContentHash == hash {
			found = entry.EntityID
		}
	}
	return found
}
