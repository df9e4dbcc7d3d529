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
	"fmt"
	"strconv"
	"strings"
)

// ActivityType classifies activity nodes.
type ActivityType string

const (
	ActivityStart     ActivityType = "Start"
	ActivityOperation ActivityType = "Operation"
	ActivityFinish    ActivityType = "Finish"
)

// EntityType classifies entity nodes.
type EntityType string

const (
	EntityFile     EntityType = "File"
	EntityData     EntityType = "Data"
	EntitySnapshot EntityType = "Snapshot"
)

// EdgeKind classifies edges.
type EdgeKind string

const (
	// EdgeInforms sequences two activities. From is the earlier one.
	EdgeInforms EdgeKind = "wasInformedBy"

	// EdgeUsed links an entity (From) to the activity consuming it (To).
	EdgeUsed EdgeKind = "used"

	// EdgeGeneratedBy links an activity (From) to the entity it produced (To).
	EdgeGeneratedBy EdgeKind = "wasGeneratedBy"
)

// Activity is a Start, Operation or Finish node.
type Activity struct {
	ID    string
	Type  ActivityType
	Label string

	// Line is the source line of an Operation. Zero for Start and Finish.
	Line int
}

// Entity is a File, Data or Snapshot node.
type Entity struct {
	ID    string
	Type  EntityType
	Label string

	// Value is the display path of a File, the scalar text of Data, or
	// the side-file reference of a Snapshot.
	Value string
}

// Edge connects two nodes.
type Edge struct {
	ID   string
	Kind EdgeKind
	From string
	To   string
}

// ActivityID formats the id of the n-th activity.
func ActivityID(n int) string { return "p" + strconv.Itoa(n) }

// EntityID formats the id of the n-th entity.
func EntityID(n int) string { return "d" + strconv.Itoa(n) }

// EdgeID formats the id of the n-th edge.
func EdgeID(n int) string { return "e" + strconv.Itoa(n) }

// Ordinal returns the number of a namespaced id ("p12" -> 12).
func Ordinal(id string) (int, error) {
	if len(id) < 2 || !strings.ContainsRune("pde", rune(id[0])) {
		return 0, fmt.Errorf("malformed id %q", id)
	}
	return strconv.Atoi(id[1:])
}

// mustOrdinal is Ordinal for ids this package generated itself.
func mustOrdinal(id string) int {
	n, err := Ordinal(id)
	if err != nil {
		panic(err)
	}
	return n
}
