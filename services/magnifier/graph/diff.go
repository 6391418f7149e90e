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
	"sort"
)

// RunDiff contains the differences between two aggregated runs.
type RunDiff struct {
	// NodesAdded are functions seen in target but not in base.
	NodesAdded []string `json:"nodes_added"`

	// NodesRemoved are functions seen in base but not in target.
	NodesRemoved []string `json:"nodes_removed"`

	// EdgesAdded are pairs only present in target.
	EdgesAdded []EdgeDelta `json:"edges_added"`

	// EdgesRemoved are pairs only present in base.
	EdgesRemoved []EdgeDelta `json:"edges_removed"`

	// EdgesChanged are pairs present in both with a different CallCount.
	EdgesChanged []EdgeDelta `json:"edges_changed"`

	// Summary contains aggregate statistics about the diff.
	Summary DiffSummary `json:"summary"`
}

// EdgeDelta describes how one caller→callee pair changed.
type EdgeDelta struct {
	Caller      string `json:"caller"`
	Callee      string `json:"callee"`
	BaseCalls   int    `json:"base_calls"`
	TargetCalls int    `json:"target_calls"`
	Delta       int    `json:"delta"`
}

// DiffSummary contains aggregate statistics about a diff.
type DiffSummary struct {
	// TotalChanges is added + removed nodes plus added + removed + changed edges.
	TotalChanges int `json:"total_changes"`

	// BaseEdges and TargetEdges are the distinct pair counts of each run.
	BaseEdges   int `json:"base_edges"`
	TargetEdges int `json:"target_edges"`

	// ChangeRatio is the fraction of pairs in either run that differ (0.0 to 1.0).
	ChangeRatio float64 `json:"change_ratio"`
}

// Diff compares two aggregated runs.
//
// Description:
//
//	Compares by function name and by (caller, callee) pair. Source files
//	are ignored; two runs are expected to share a symbol map. Edge lists
//	are sorted by absolute delta (largest first), then caller, then callee.
//
// Inputs:
//
//	base - The reference run. Must not be nil.
//	target - The run being compared. Must not be nil.
//
// Outputs:
//
//	*RunDiff - The computed differences.
//	error - Non-nil if either graph is nil.
//
// Complexity:
//
//	O(V + E log E) over the union of both runs.
func Diff(base, target *CallGraph) (*RunDiff, error) {
	if base == nil {
		return nil, fmt.Errorf("base graph must not be nil")
	}
	if target == nil {
		return nil, fmt.Errorf("target graph must not be nil")
	}

	diff := &RunDiff{
		NodesAdded:   []string{},
		NodesRemoved: []string{},
		EdgesAdded:   []EdgeDelta{},
		EdgesRemoved: []EdgeDelta{},
		EdgesChanged: []EdgeDelta{},
	}

	for name := range target.nodes {
		if _, ok := base.nodes[name]; !ok {
			diff.NodesAdded = append(diff.NodesAdded, name)
		}
	}
	for name := range base.nodes {
		if _, ok := target.nodes[name]; !ok {
			diff.NodesRemoved = append(diff.NodesRemoved, name)
		}
	}
	sort.Strings(diff.NodesAdded)
	sort.Strings(diff.NodesRemoved)

	union := 0
	for caller, callees := range target.adjacency {
		for callee, tEdge := range callees {
			union++
			bEdge, ok := base.Edge(caller, callee)
			if !ok {
				diff.EdgesAdded = append(diff.EdgesAdded, newEdgeDelta(caller, callee, 0, tEdge.CallCount))
				continue
			}
			if bEdge.CallCount != tEdge.CallCount {
				diff.EdgesChanged = append(diff.EdgesChanged, newEdgeDelta(caller, callee, bEdge.CallCount, tEdge.CallCount))
			}
		}
	}
	for caller, callees := range base.adjacency {
		for callee, bEdge := range callees {
			if _, ok := target.Edge(caller, callee); ok {
				continue
			}
			union++
			diff.EdgesRemoved = append(diff.EdgesRemoved, newEdgeDelta(caller, callee, bEdge.CallCount, 0))
		}
	}

	sortDeltas(diff.EdgesAdded)
	sortDeltas(diff.EdgesRemoved)
	sortDeltas(diff.EdgesChanged)

	edgeChanges := len(diff.EdgesAdded) + len(diff.EdgesRemoved) + len(diff.EdgesChanged)
	diff.Summary = DiffSummary{
		TotalChanges: len(diff.NodesAdded) + len(diff.NodesRemoved) + edgeChanges,
		BaseEdges:    base.EdgeCount(),
		TargetEdges:  target.EdgeCount(),
	}
	if union > 0 {
		diff.Summary.ChangeRatio = float64(edgeChanges) / float64(union)
	}

	return diff, nil
}

func newEdgeDelta(caller, callee string, baseCalls, targetCalls int) EdgeDelta {
	return EdgeDelta{
		Caller:      caller,
		Callee:      callee,
		BaseCalls:   baseCalls,
		TargetCalls: targetCalls,
		Delta:       targetCalls - baseCalls,
	}
}

func sortDeltas(deltas []EdgeDelta) {
	sort.Slice(deltas, func(i, j int) bool {
		ai, aj := abs(deltas[i].Delta), abs(deltas[j].Delta)
		if ai != aj {
			return ai > aj
		}
		if deltas[i].Caller != deltas[j].Caller {
			return deltas[i].Caller < deltas[j].Caller
		}
		return deltas[i].Callee < deltas[j].Callee
	})
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
