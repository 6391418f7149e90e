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
	"strings"
)

// Projection is a read-only filtered view over a CallGraph.
//
// Description:
//
//	Applies a call-count threshold and optional source path filters. The
//	node and edge rules are deliberately different:
//
//	  - A node pair contributes to Nodes() only if NEITHER endpoint is
//	    path-filtered.
//	  - An edge is dropped from Edges() only if BOTH endpoints are
//	    path-filtered, so edges crossing into a kept region stay visible.
//
//	The threshold is strict: only edges with CallCount > MinCalls count.
//
// Thread Safety: Safe for concurrent reads once the graph is no longer
// being added to.
type Projection struct {
	graph    *CallGraph
	minCalls int
	filters  []string
}

// NewProjection creates a view over g.
//
// Inputs:
//
//	g - The aggregated graph. Must not be nil.
//	minCalls - Edges with CallCount <= minCalls are hidden.
//	pathFilters - Substrings matched against node source files. Blank
//	    entries are ignored; an empty list disables path filtering.
func NewProjection(g *CallGraph, minCalls int, pathFilters []string) *Projection {
	filters := make([]string, 0, len(pathFilters))
	for _, f := range pathFilters {
		f = strings.TrimSpace(f)
		if f != "" {
			filters = append(filters, f)
		}
	}
	return &Projection{graph: g, minCalls: minCalls, filters: filters}
}

// Graph returns the underlying call graph.
func (p *Projection) Graph() *CallGraph {
	return p.graph
}

// MinCalls returns the threshold.
func (p *Projection) MinCalls() int {
	return p.minCalls
}

// PathFilters returns the effective path filters.
func (p *Projection) PathFilters() []string {
	return p.filters
}

// PathFiltered reports whether n is hidden on path grounds.
//
// A node is hidden when filters are configured and it either has no
// source file or its file contains none of the filter substrings.
func (p *Projection) PathFiltered(n *Node) bool {
	if len(p.filters) == 0 {
		return false
	}
	if !n.HasSourceFile() {
		return true
	}
	for _, f := range p.filters {
		if strings.Contains(n.SourceFile, f) {
			return false
		}
	}
	return true
}

// Nodes returns the visible nodes, sorted by name.
func (p *Projection) Nodes() []*Node {
	return p.graph.collectNodes(func(v EdgeView) bool {
		return !p.PathFiltered(v.Caller) && !p.PathFiltered(v.Callee)
	}, p.minCalls)
}

// Edges returns the visible edges, sorted by caller then callee.
func (p *Projection) Edges() []EdgeView {
	return p.graph.collectEdges(func(v EdgeView) bool {
		return !(p.PathFiltered(v.Caller) && p.PathFiltered(v.Callee))
	}, p.minCalls)
}

// FilteredNodes is shorthand for NewProjection(g, minCalls, pathFilters).Nodes().
func FilteredNodes(g *CallGraph, minCalls int, pathFilters []string) []*Node {
	return NewProjection(g, minCalls, pathFilters).Nodes()
}

// FilteredEdges is shorthand for NewProjection(g, minCalls, pathFilters).Edges().
func FilteredEdges(g *CallGraph, minCalls int, pathFilters []string) []EdgeView {
	return NewProjection(g, minCalls, pathFilters).Edges()
}
