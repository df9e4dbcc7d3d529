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
	"bytes"
	"encoding/json"
	"strconv"
)

// DefaultLanguage is the environment language written to graph documents.
const DefaultLanguage = "R"

// ordered is a map that remembers insertion order.
type ordered[V any] struct {
	keys   []string
	values map[string]V
}

func newOrdered[V any]() ordered[V] {
	return ordered[V]{values: make(map[string]V)}
}

func (o *ordered[V]) set(key string, v V) {
	if _, ok := o.values[key]; !ok {
		o.keys = append(o.keys, key)
	}
	o.values[key] = v
}

func (o *ordered[V]) get(key string) (V, bool) {
	v, ok := o.values[key]
	return v, ok
}

func (o *ordered[V]) list() []V {
	out := make([]V, 0, len(o.keys))
	for _, k := range o.keys {
		out = append(out, o.values[k])
	}
	return out
}

// Graph is a provenance graph under construction.
//
// Description:
//
//	Graph holds activities, entities and the three edge kinds in
//	insertion order, which is the rendering order of the document. A Graph
//	is created once per workflow, mutated by each run in turn and is
//	read-only afterwards.
//
// Thread Safety: not safe for concurrent mutation. A workflow build owns
// its Graph exclusively.
type Graph struct {
	language string
	script   string

	activities ordered[Activity]
	entities   ordered[Entity]
	informs    ordered[Edge]
	generated  ordered[Edge]
	used       ordered[Edge]
}

// NewGraph creates an empty graph whose environment header names script.
func NewGraph(language, script string) *Graph {
	if language == "" {
		language = DefaultLanguage
	}
	return &Graph{
		language:   language,
		script:     script,
		activities: newOrdered[Activity](),
		entities:   newOrdered[Entity](),
		informs:    newOrdered[Edge](),
		generated:  newOrdered[Edge](),
		used:       newOrdered[Edge](),
	}
}

// Script returns the script named in the environment header.
func (g *Graph) Script() string { return g.script }

// Activities returns all activities in insertion order.
func (g *Graph) Activities() []Activity { return g.activities.list() }

// Entities returns all entities in insertion order.
func (g *Graph) Entities() []Entity { return g.entities.list() }

// Activity looks up an activity by id.
func (g *Graph) Activity(id string) (Activity, bool) { return g.activities.get(id) }

// Entity looks up an entity by id.
func (g *Graph) Entity(id string) (Entity, bool) { return g.entities.get(id) }

// Edges returns the edges of one kind in insertion order.
func (g *Graph) Edges(kind EdgeKind) []Edge {
	return g.edgeSet(kind).list()
}

// EdgeCount returns the total number of edges of all kinds.
func (g *Graph) EdgeCount() int {
	return len(g.informs.keys) + len(g.generated.keys) + len(g.used.keys)
}

func (g *Graph) edgeSet(kind EdgeKind) *ordered[Edge] {
	switch kind {
	case EdgeUsed:
		return &g.used
	case EdgeGeneratedBy:
		return &g.generated
	default:
		return &g.informs
	}
}

func (g *Graph) addActivity(a Activity) { g.activities.set(a.ID, a) }

func (g *Graph) addEntity(e Entity) { g.entities.set(e.ID, e) }

func (g *Graph) addEdge(e Edge) { g.edgeSet(e.Kind).set(e.ID, e) }

// MarshalJSON renders the graph as Prov-JSON with DDG extensions.
//
// The document has the top-level keys activity, entity, wasInformedBy,
// wasGeneratedBy and used, in that order, and every collection keeps the
// insertion order of the graph. The "environment" activity carries the
// header.
func (g *Graph) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	w := &objectWriter{buf: &buf}

	w.open()
	w.key("activity")
	w.open()
	w.key("environment")
	w.fields("rdt:language", g.language, "rdt:script", g.script)
	for _, a := range g.activities.list() {
		w.key(a.ID)
		w.fields(activityFields(a)...)
	}
	w.close()

	w.key("entity")
	w.open()
	for _, e := range g.entities.list() {
		w.key(e.ID)
		w.fields(entityFields(e)...)
	}
	w.close()

	w.key("wasInformedBy")
	w.open()
	for _, e := range g.informs.list() {
		w.key(e.ID)
		w.fields("prov:informant", e.From, "prov:informed", e.To)
	}
	w.close()

	w.key("wasGeneratedBy")
	w.open()
	for _, e := range g.generated.list() {
		w.key(e.ID)
		w.fields("prov:activity", e.From, "prov:entity", e.To)
	}
	w.close()

	w.key("used")
	w.open()
	for _, e := range g.used.list() {
		w.key(e.ID)
		w.fields("prov:activity", e.To, "prov:entity", e.From)
	}
	w.close()
	w.close()

	if w.err != nil {
		return nil, w.err
	}
	return buf.Bytes(), nil
}

func activityFields(a Activity) []string {
	fields := []string{"rdt:name", a.Label, "rdt:type", string(a.Type), "rdt:elapsedTime", "0.5"}
	if a.Type != ActivityOperation {
		return append(fields,
			"rdt:scriptNum", "NA",
			"rdt:startLine", "NA",
			"rdt:startCol", "NA",
			"rdt:endLine", "NA",
			"rdt:endCol", "NA",
		)
	}
	line := strconv.Itoa(a.Line)
	return append(fields,
		"rdt:scriptNum", "0",
		"rdt:startLine", line,
		"rdt:startCol", "0",
		"rdt:endLine", line,
		"rdt:endCol", strconv.Itoa(len(a.Label)),
	)
}

func entityFields(e Entity) []string {
	scope := "undefined"
	if e.Type != EntityFile {
		scope = "R_GlobalEnv"
	}
	return []string{
		"rdt:name", e.Label,
		"rdt:type", string(e.Type),
		"rdt:scope", scope,
		"rdt:fromEnv", "FALSE",
		"rdt:timestamp", "",
		"rdt:location", "",
		"rdt:value", e.Value,
	}
}

// objectWriter emits JSON objects with a caller-controlled key order.
type objectWriter struct {
	buf   *bytes.Buffer
	first []bool
	err   error
}

func (w *objectWriter) open() {
	w.buf.WriteByte('{')
	w.first = append(w.first, true)
}

func (w *objectWriter) close() {
	w.buf.WriteByte('}')
	w.first = w.first[:len(w.first)-1]
	if n := len(w.first); n > 0 {
		w.first[n-1] = false
	}
}

// key writes a key. The value written next completes the member.
func (w *objectWriter) key(k string) {
	n := len(w.first) - 1
	if !w.first[n] {
		w.buf.WriteByte(',')
	}
	w.first[n] = false
	w.str(k)
	w.buf.WriteByte(':')
}

// fields writes a flat object of alternating keys and string values.
func (w *objectWriter) fields(kv ...string) {
	w.open()
	for i := 0; i+1 < len(kv); i += 2 {
		w.key(kv[i])
		w.str(kv[i+1])
	}
	w.close()
}

func (w *objectWriter) str(s string) {
	raw, err := json.Marshal(s)
	if err != nil && w.err == nil {
		w.err = err
	}
	w.buf.Write(raw)
}
