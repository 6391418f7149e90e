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
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"
)

// GraphSchemaVersion is the version of the JSON export schema.
// Increment when the export format changes in a breaking way.
const GraphSchemaVersion = "1.0"

// SerializableGraph is the JSON representation of a projected call graph.
//
// Description:
//
//	Nodes are sorted by name and edges by (caller, callee) so two exports
//	of the same run are byte-identical apart from the timestamp.
//
// Thread Safety: SerializableGraph is a value type with no internal state.
type SerializableGraph struct {
	// SchemaVersion identifies the export format version.
	SchemaVersion string `json:"schema_version"`

	// RunID identifies the run that produced the graph. May be empty.
	RunID string `json:"run_id,omitempty"`

	// GeneratedAtMilli is the Unix timestamp in milliseconds of the export.
	GeneratedAtMilli int64 `json:"generated_at_milli"`

	// MinCalls is the threshold the projection used.
	MinCalls int `json:"min_calls"`

	// PathFilters are the substrings the projection used.
	PathFilters []string `json:"path_filters"`

	// CallsMax and ExecutedMax are the running maxima of the whole graph.
	CallsMax    int `json:"calls_max"`
	ExecutedMax int `json:"executed_max"`

	// Nodes contains the visible nodes, sorted by name.
	Nodes []SerializableNode `json:"nodes"`

	// Edges contains the visible edges, sorted by caller then callee.
	Edges []SerializableEdge `json:"edges"`

	// Clusters contains the approximate clusters of the whole graph.
	Clusters [][]string `json:"clusters"`
}

// SerializableNode is the JSON representation of a Node.
type SerializableNode struct {
	Name       string `json:"name"`
	SourceFile string `json:"source_file,omitempty"`
	Executed   int    `json:"executed"`
}

// SerializableEdge is the JSON representation of an edge.
type SerializableEdge struct {
	Caller    string `json:"caller"`
	Callee    string `json:"callee"`
	CallCount int    `json:"call_count"`
}

// ToSerializable converts a projection to its JSON representation.
//
// Inputs:
//
//	p - The projection to export. A nil projection yields an empty graph.
//	runID - Identifier of the run, recorded verbatim.
//
// Outputs:
//
//	*SerializableGraph - Never nil.
//
// Complexity:
//
//	O(E log E) where E is the number of edges; sorting dominates.
func ToSerializable(p *Projection, runID string) *SerializableGraph {
	sg := &SerializableGraph{
		SchemaVersion:    GraphSchemaVersion,
		RunID:            runID,
		GeneratedAtMilli: time.Now().UnixMilli(),
		PathFilters:      []string{},
		Nodes:            []SerializableNode{},
		Edges:            []SerializableEdge{},
		Clusters:         [][]string{},
	}
	if p == nil || p.graph == nil {
		return sg
	}

	g := p.graph
	sg.MinCalls = p.minCalls
	sg.PathFilters = append(sg.PathFilters, p.filters...)
	sg.CallsMax = g.CallsMax()
	sg.ExecutedMax = g.ExecutedMax()
	sg.Clusters = g.Clusters()

	for _, n := range p.Nodes() {
		sg.Nodes = append(sg.Nodes, SerializableNode{
			Name:       n.Name,
			SourceFile: n.SourceFile,
			Executed:   g.ExecutedCount(n.Name),
		})
	}
	for _, e := range p.Edges() {
		sg.Edges = append(sg.Edges, SerializableEdge{
			Caller:    e.Caller.Name,
			Callee:    e.Callee.Name,
			CallCount: e.Edge.CallCount,
		})
	}
	return sg
}

// WriteJSON encodes sg as indented JSON to w.
func WriteJSON(w io.Writer, sg *SerializableGraph) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(sg); err != nil {
		return fmt.Errorf("encoding graph: %w", err)
	}
	return nil
}

// WriteJSONFile writes sg to path, replacing any existing file.
func WriteJSONFile(path string, sg *SerializableGraph) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("closing %s: %w", path, cerr)
		}
	}()
	return WriteJSON(f, sg)
}
