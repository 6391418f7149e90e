// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package graph aggregates observed caller→callee pairs into a weighted
// call graph and projects filtered views of it.
package graph

import (
	"sort"

	"github.com/AleutianAI/magnifier/services/magnifier/parser"
)

// SymbolResolver maps a function name to the source file that defines it.
//
// *symbols.Index satisfies this interface, including a nil *symbols.Index
// which resolves nothing.
type SymbolResolver interface {
	Lookup(symbol string) (string, bool)
}

// Node is a function in the call graph. Identity is the name.
type Node struct {
	// Name is the function name as reported by the tracer.
	Name string

	// SourceFile is the defining source file, or empty when unknown.
	// Resolved once when the node is first seen.
	SourceFile string
}

// HasSourceFile reports whether the node was enriched with a file path.
func (n *Node) HasSourceFile() bool {
	return n != nil && n.SourceFile != ""
}

// Edge is a directed caller→callee relationship.
type Edge struct {
	// CallCount is the number of observed invocations. Never decreases.
	CallCount int
}

// EdgeView is an edge together with its endpoints, as yielded by
// enumeration methods.
type EdgeView struct {
	Caller *Node
	Callee *Node
	Edge   *Edge
}

// Options configures a CallGraph.
type Options struct {
	// Symbols enriches nodes with source files. May be nil.
	Symbols SymbolResolver
}

// Option is a functional option for configuring CallGraph.
type Option func(*Options)

// WithSymbols sets the resolver used to attach source files to new nodes.
func WithSymbols(r SymbolResolver) Option {
	return func(o *Options) {
		o.Symbols = r
	}
}

// CallGraph is the aggregation state for one run.
//
// Description:
//
//	Holds the adjacency structure (caller → callee → edge), the per-node
//	invocation counts, running maxima used for visual normalization, and
//	approximate clusters of connected function names.
//
// Invariants:
//
//   - An edge exists iff its (caller, callee) pair was added at least once.
//   - ExecutedCount(n) equals the sum of n's incoming edge CallCounts.
//   - CallsMax and ExecutedMax never decrease.
//
// Thread Safety:
//
//	Not safe for concurrent mutation. The ingest pipeline is single
//	threaded; concurrent readers are fine once adding has finished.
type CallGraph struct {
	options Options

	nodes     map[string]*Node
	adjacency map[string]map[string]*Edge
	nodeCalls map[string]int
	edgeCount int

	callsMax    int
	executedMax int

	clusters []map[string]struct{}
}

// NewCallGraph creates an empty call graph.
//
// Example:
//
//	idx, _ := symbols.LoadIndex("symbol-filepath.map")
//	g := graph.NewCallGraph(graph.WithSymbols(idx))
func NewCallGraph(opts ...Option) *CallGraph {
	var options Options
	for _, opt := range opts {
		opt(&options)
	}

	return &CallGraph{
		options:   options,
		nodes:     make(map[string]*Node),
		adjacency: make(map[string]map[string]*Edge),
		nodeCalls: make(map[string]int),
	}
}

// Add records one invocation of callee by caller.
//
// Description:
//
//	Creates the nodes on first sight (resolving their source file), ensures
//	the edge exists, increments its CallCount and the callee's invocation
//	count, updates both running maxima, and updates the clusters.
//
// Inputs:
//
//	caller - Name of the calling (parent) function.
//	callee - Name of the called function.
//
// Complexity:
//
//	O(1) for the graph, O(C) for the cluster scan where C is the number
//	of clusters.
func (g *CallGraph) Add(caller, callee string) {
	g.node(caller)
	g.node(callee)

	callees, ok := g.adjacency[caller]
	if !ok {
		callees = make(map[string]*Edge)
		g.adjacency[caller] = callees
	}
	edge, ok := callees[callee]
	if !ok {
		edge = &Edge{}
		callees[callee] = edge
		g.edgeCount++
	}
	edge.CallCount++
	if edge.CallCount > g.callsMax {
		g.callsMax = edge.CallCount
	}

	g.updateClusters(caller, callee)

	g.nodeCalls[callee]++
	if g.nodeCalls[callee] > g.executedMax {
		g.executedMax = g.nodeCalls[callee]
	}
}

// AddRecord adds the caller/callee pair of a parsed trace record.
func (g *CallGraph) AddRecord(rec parser.CallRecord) {
	g.Add(rec.Caller, rec.Callee)
}

// node returns the node for name, creating and enriching it on first use.
func (g *CallGraph) node(name string) *Node {
	if n, ok := g.nodes[name]; ok {
		return n
	}
	n := &Node{Name: name}
	if g.options.Symbols != nil {
		if file, ok := g.options.Symbols.Lookup(name); ok {
			n.SourceFile = file
		}
	}
	g.nodes[name] = n
	return n
}

// updateClusters adds both names to every cluster that already contains
// either of them, or starts a new cluster when none does.
//
// Two clusters bridged by a new pair are not merged: each absorbs both
// names and they stay separate (and may diverge later).
func (g *CallGraph) updateClusters(caller, callee string) {
	found := false
	for _, cluster := range g.clusters {
		_, hasCaller := cluster[caller]
		_, hasCallee := cluster[callee]
		if hasCaller || hasCallee {
			cluster[caller] = struct{}{}
			cluster[callee] = struct{}{}
			found = true
		}
	}
	if !found {
		g.clusters = append(g.clusters, map[string]struct{}{
			caller: {},
			callee: {},
		})
	}
}

// ExecutedCount returns how often name was called, or 0 if never observed
// as a callee.
func (g *CallGraph) ExecutedCount(name string) int {
	return g.nodeCalls[name]
}

// CallsMax returns the largest CallCount seen on any edge.
func (g *CallGraph) CallsMax() int {
	return g.callsMax
}

// ExecutedMax returns the largest per-node invocation count seen.
func (g *CallGraph) ExecutedMax() int {
	return g.executedMax
}

// NodeCount returns the number of distinct functions seen.
func (g *CallGraph) NodeCount() int {
	return len(g.nodes)
}

// EdgeCount returns the number of distinct caller→callee pairs.
func (g *CallGraph) EdgeCount() int {
	return g.edgeCount
}

// Node returns the node with the given name.
func (g *CallGraph) Node(name string) (*Node, bool) {
	n, ok := g.nodes[name]
	return n, ok
}

// Edge returns the edge between caller and callee.
func (g *CallGraph) Edge(caller, callee string) (*Edge, bool) {
	e, ok := g.adjacency[caller][callee]
	return e, ok
}

// Nodes returns every node touching at least one edge whose CallCount is
// strictly greater than minCalls, sorted by name.
func (g *CallGraph) Nodes(minCalls int) []*Node {
	return g.collectNodes(func(EdgeView) bool { return true }, minCalls)
}

// Edges returns every edge whose CallCount is strictly greater than
// minCalls, sorted by caller then callee.
func (g *CallGraph) Edges(minCalls int) []EdgeView {
	return g.collectEdges(func(EdgeView) bool { return true }, minCalls)
}

// Clusters returns the approximate connected groups of function names in
// creation order. Names within a cluster are sorted.
func (g *CallGraph) Clusters() [][]string {
	out := make([][]string, 0, len(g.clusters))
	for _, cluster := range g.clusters {
		names := make([]string, 0, len(cluster))
		for name := range cluster {
			names = append(names, name)
		}
		sort.Strings(names)
		out = append(out, names)
	}
	return out
}

// collectEdges walks the adjacency and returns the edges above the
// threshold accepted by keep, in deterministic order.
func (g *CallGraph) collectEdges(keep func(EdgeView) bool, minCalls int) []EdgeView {
	callers := sortedKeys(g.adjacency)
	out := make([]EdgeView, 0, g.edgeCount)
	for _, caller := range callers {
		callees := g.adjacency[caller]
		for _, callee := range sortedKeys(callees) {
			edge := callees[callee]
			if edge.CallCount <= minCalls {
				continue
			}
			view := EdgeView{Caller: g.nodes[caller], Callee: g.nodes[callee], Edge: edge}
			if !keep(view) {
				continue
			}
			out = append(out, view)
		}
	}
	return out
}

// collectNodes returns the endpoints of every edge accepted by keep.
func (g *CallGraph) collectNodes(keep func(EdgeView) bool, minCalls int) []*Node {
	seen := make(map[string]*Node)
	for _, view := range g.collectEdges(keep, minCalls) {
		seen[view.Caller.Name] = view.Caller
		seen[view.Callee.Name] = view.Callee
	}
	out := make([]*Node, 0, len(seen))
	for _, name := range sortedKeys(seen) {
		out = append(out, seen[name])
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
