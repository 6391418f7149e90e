// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package render

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"
	"github.com/muesli/termenv"

	"github.com/AleutianAI/magnifier/services/magnifier/graph"
)

const (
	// DefaultChartLimit is how many functions the frequency chart shows.
	DefaultChartLimit = 30

	// DefaultChartWidth is the bar area width in cells.
	DefaultChartWidth = 50

	maxNameWidth = 48
	barGlyph     = "█"
)

// ChartRow is one bar of the frequency chart.
type ChartRow struct {
	Name       string `json:"name"`
	SourceFile string `json:"source_file,omitempty"`
	Executed   int    `json:"executed"`
}

// TopFunctions returns the visible nodes of p ordered by executed count,
// highest first, ties broken by name. A limit <= 0 returns all of them.
func TopFunctions(p *graph.Projection, limit int) []ChartRow {
	g := p.Graph()
	nodes := p.Nodes()
	rows := make([]ChartRow, 0, len(nodes))
	for _, n := range nodes {
		rows = append(rows, ChartRow{
			Name:       n.Name,
			SourceFile: n.SourceFile,
			Executed:   g.ExecutedCount(n.Name),
		})
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].Executed != rows[j].Executed {
			return rows[i].Executed > rows[j].Executed
		}
		return rows[i].Name < rows[j].Name
	})
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows
}

// ColorEnabled reports whether f is a terminal that can show colors.
func ColorEnabled(f *os.File) bool {
	if f == nil {
		return false
	}
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// RenderBarChart draws rows as a horizontal bar chart.
//
// Description:
//
//	Bars use a logarithmic scale so that a few very hot functions do not
//	flatten the rest of the chart. Every row with a positive count gets
//	at least one cell. With color enabled, bars are tinted on the same
//	grey to red ramp as graph nodes.
//
// Inputs:
//
//	w - Destination.
//	rows - Rows in display order, typically from TopFunctions.
//	width - Bar area width in cells. <= 0 means DefaultChartWidth.
//	color - Emit ANSI colors.
//
// Outputs:
//
//	error - The first write failure.
func RenderBarChart(w io.Writer, rows []ChartRow, width int, color bool) error {
	if width <= 0 {
		width = DefaultChartWidth
	}
	bw := bufio.NewWriter(w)
	if len(rows) == 0 {
		fmt.Fprintln(bw, "no functions above the current filters")
		return bw.Flush()
	}

	maxValue := 0
	nameWidth := 0
	for _, r := range rows {
		maxValue = max(maxValue, r.Executed)
		nameWidth = max(nameWidth, lipgloss.Width(truncateName(r.Name)))
	}

	var renderer *lipgloss.Renderer
	if color {
		renderer = lipgloss.NewRenderer(w)
		renderer.SetColorProfile(termenv.TrueColor)
	}

	for _, r := range rows {
		name := truncateName(r.Name)
		pad := strings.Repeat(" ", nameWidth-lipgloss.Width(name))
		bar := strings.Repeat(barGlyph, barCells(r.Executed, maxValue, width))
		if renderer != nil {
			bar = renderer.NewStyle().
				Foreground(lipgloss.Color(NormalizeColor(r.Executed, maxValue))).
				Render(bar)
			name = renderer.NewStyle().Bold(true).Render(name)
		}
		fmt.Fprintf(bw, "%s%s  %s %s\n", name, pad, bar, humanize.Comma(int64(r.Executed)))
	}
	return bw.Flush()
}

// barCells scales value onto [1, width] logarithmically. Zero and
// negative values get no bar.
func barCells(value, maxValue, width int) int {
	if value <= 0 || maxValue <= 0 {
		return 0
	}
	if value >= maxValue {
		return width
	}
	cells := int(math.Round(float64(width) * math.Log1p(float64(value)) / math.Log1p(float64(maxValue))))
	return min(max(cells, 1), width)
}

func truncateName(name string) string {
	if lipgloss.Width(name) <= maxNameWidth {
		return name
	}
	runes := []rune(name)
	if len(runes) > maxNameWidth-1 {
		runes = runes[:maxNameWidth-1]
	}
	return string(runes) + "…"
}
