// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package render turns a projected call graph into drawable form: a scene
// of styled nodes and edges, Graphviz DOT text and a terminal frequency
// chart.
package render

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/AleutianAI/magnifier/services/magnifier/graph"
)

const (
	// ColorCold is the fill for nodes that never executed.
	ColorCold = "#D3D3D3"

	// ColorHot is the fill for the most executed node.
	ColorHot = "#FF0000"

	// MinPenWidth and MaxPenWidth bound edge thickness.
	MinPenWidth = 1
	MaxPenWidth = 5
)

// RenderNode is a styled node ready for a graph backend.
type RenderNode struct {
	ID        string `json:"id"`
	Label     string `json:"label"`
	FillColor string `json:"fill_color"`
}

// RenderEdge is a styled edge ready for a graph backend.
type RenderEdge struct {
	From     string `json:"from"`
	To       string `json:"to"`
	Label    string `json:"label"`
	PenWidth int    `json:"pen_width"`
	Weight   int    `json:"weight"`
}

// Scene is the full drawable content of one projection.
type Scene struct {
	Nodes []RenderNode `json:"nodes"`
	Edges []RenderEdge `json:"edges"`
}

// NormalizeColor maps an executed count onto a grey to red ramp.
//
// Outputs:
//
//	string - ColorCold for value <= 0, ColorHot for value >= maxValue,
//	    otherwise "#RRGGBB" with red interpolated between 211 and 255.
func NormalizeColor(value, maxValue int) string {
	switch {
	case value <= 0:
		return ColorCold
	case value >= maxValue:
		return ColorHot
	}
	r := int(211 + 44*(float64(value)/float64(maxValue)))
	return fmt.Sprintf("#%02X%02X%02X", r, 211, 211)
}

// NormalizePenWidth maps a call count onto an edge width in
// [MinPenWidth, MaxPenWidth].
func NormalizePenWidth(value, maxValue int) int {
	switch {
	case value <= 0:
		return MinPenWidth
	case value >= maxValue:
		return MaxPenWidth
	}
	return int(1 + float64(value)/float64(maxValue)*4)
}

// NodeLabel builds the multi-line node caption. The file line is omitted
// when file is empty.
func NodeLabel(name, file string, executed int) string {
	var b strings.Builder
	b.WriteString(name)
	b.WriteString("()\n")
	if file != "" {
		b.WriteString(file)
		b.WriteString("\n")
	}
	b.WriteString("Executed: ")
	b.WriteString(strconv.Itoa(executed))
	return b.String()
}

// BuildScene styles every node and edge visible in p.
//
// Description:
//
//	Node fill is scaled against the graph-wide ExecutedMax and edge width
//	against CallsMax, so colors stay comparable across different filters
//	of the same run. Edges may reference nodes the projection hides;
//	backends draw such endpoints with default styling.
//
// Inputs:
//
//	p - The projection to draw. Must not be nil.
//
// Outputs:
//
//	*Scene - Nodes sorted by name, edges by caller then callee.
func BuildScene(p *graph.Projection) *Scene {
	g := p.Graph()
	executedMax := g.ExecutedMax()
	callsMax := g.CallsMax()

	nodes := p.Nodes()
	edges := p.Edges()
	scene := &Scene{
		Nodes: make([]RenderNode, 0, len(nodes)),
		Edges: make([]RenderEdge, 0, len(edges)),
	}
	for _, n := range nodes {
		executed := g.ExecutedCount(n.Name)
		scene.Nodes = append(scene.Nodes, RenderNode{
			ID:        n.Name,
			Label:     NodeLabel(n.Name, n.SourceFile, executed),
			FillColor: NormalizeColor(executed, executedMax),
		})
	}
	for _, e := range edges {
		calls := e.Edge.CallCount
		scene.Edges = append(scene.Edges, RenderEdge{
			From:     e.Caller.Name,
			To:       e.Callee.Name,
			Label:    strconv.Itoa(calls),
			PenWidth: NormalizePenWidth(calls, callsMax),
			Weight:   calls,
		})
	}
	return scene
}
