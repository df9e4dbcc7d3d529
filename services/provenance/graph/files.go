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
	"path"
	"path/filepath"
	"strings"

	"github.com/AleutianAI/provgraph/services/provenance/tracestore"
)

// FileEvent is one resolved file access.
type FileEvent struct {
	EntityID    string
	ActivityID  string
	Name        string
	ContentHash string
	Write       bool
}

// FileResolver deduplicates file accesses into File entities.
//
// Description:
//
//	A file resolves, in order, to the entity of a matching outfile of any
//	run, to an entity already read with the same basename and content hash,
//	or to a new File entity. Writes only reuse outfile entities, so a file
//	is never generated after an activity that already consumed it.
//
//	Reads add a Used edge from the entity to the activity. Writes add a
//	GeneratedBy edge from the activity and overwrite the run's outfile
//	entry for the basename.
type FileResolver struct{}

// Resolve resolves access made by activityID during runID.
func (FileResolver) Resolve(state *WorkflowState, g *Graph, runID int64, access tracestore.FileAccess, activityID string) FileEvent {
	base := BaseName(access.Name)
	key := fileKey{base: base, hash: access.ContentHash}
	write := access.IsWrite()

	id := state.lookupOutfile(base, access.ContentHash)
	if id == "" && !write {
		id = state.files[key]
	}
	if id == "" {
		id = state.allocEntity()
		g.addEntity(Entity{
			ID:    id,
			Type:  EntityFile,
			Label: base,
			Value: DisplayPath(access.Name),
		})
	}
	if _, seen := state.files[key]; !seen {
		state.files[key] = id
	}

	if write {
		g.addEdge(Edge{ID: state.allocEdge(), Kind: EdgeGeneratedBy, From: activityID, To: id})
		state.registerOutfile(runID, base, OutfileEntry{
			EntityID:    id,
			ContentHash: access.ContentHash,
			ProducerID:  activityID,
		})
		if _, ok := state.producers[id]; !ok {
			state.producers[id] = activityID
		}
	} else {
		g.addEdge(Edge{ID: state.allocEdge(), Kind: EdgeUsed, From: id, To: activityID})
	}

	return FileEvent{
		EntityID:    id,
		ActivityID:  activityID,
		Name:        access.Name,
		ContentHash: access.ContentHash,
		Write:       write,
	}
}

// BaseName returns the last element of a recorded file path, which may use
// either separator.
func BaseName(name string) string {
	return path.Base(filepath.ToSlash(name))
}

// DisplayPath returns the workflow-relative path shown for a file.
//
// The path is kept from its first "data" or "results" segment and prefixed
// with "../". Any other path is shown as its bare file name.
func DisplayPath(name string) string {
	segments := strings.Split(filepath.ToSlash(name), "/")
	for i, seg := range segments {
		if seg == "data" || seg == "results" {
			return "../" + strings.Join(segments[i:], "/")
		}
	}
	return BaseName(name)
}
