// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/magnifier/services/magnifier/config"
	"github.com/AleutianAI/magnifier/services/magnifier/graph"
	"github.com/AleutianAI/magnifier/services/magnifier/ingest"
	"github.com/AleutianAI/magnifier/services/magnifier/render"
	"github.com/AleutianAI/magnifier/services/magnifier/symbols"
)

type visualizeFlags struct {
	dotFile  string
	jsonFile string
	noChart  bool
}

func newVisualizeCommand(a *app) *cobra.Command {
	defaults := config.Default()
	var vf visualizeFlags
	cmd := &cobra.Command{
		Use:   "visualize",
		Short: "Aggregate a record file into a call graph and render it",
		Long: `Parses the record file, prints capture statistics and a chart of the
most executed functions, then renders the filtered call graph with
Graphviz. Pass --image-name "" to skip rendering.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runVisualize(cmd.Context(), vf)
		},
	}
	addRecordFileFlag(cmd)
	addFilterFlags(cmd)
	cmd.Flags().String("image-name", defaults.ImageName, "rendered graph, format from extension: foo.pdf, foo.png, foo.svg")
	cmd.Flags().String("dot", defaults.DotPath, "Graphviz dot executable")
	cmd.Flags().Int("chart-limit", defaults.ChartLimit, "functions shown in the frequency chart")
	cmd.Flags().StringVar(&vf.dotFile, "dot-file", "", "also write the DOT source to this file")
	cmd.Flags().StringVar(&vf.jsonFile, "json", "", "also export the filtered graph as JSON to this file")
	cmd.Flags().BoolVar(&vf.noChart, "no-chart", false, "do not print the frequency chart")
	return cmd
}

// loadRun ingests recordFile, enriched with the configured symbol map.
func (a *app) loadRun(ctx context.Context, recordFile string) (*graph.CallGraph, ingest.Stats, error) {
	idx, err := symbols.LoadIndex(a.cfg.SymbolMapFile)
	if err != nil {
		return nil, ingest.Stats{}, err
	}
	g := graph.NewCallGraph(graph.WithSymbols(idx))
	in := ingest.New(g, ingest.WithLogger(a.logger))
	if err := in.IngestFile(ctx, recordFile); err != nil {
		return nil, in.Stats(), err
	}
	return g, in.Stats(), nil
}

func (a *app) runVisualize(ctx context.Context, vf visualizeFlags) error {
	cfg := a.cfg
	g, stats, err := a.loadRun(ctx, cfg.RecordFile)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "parsing completed, found %d events\n", stats.Parsed)
	fmt.Fprintf(a.stdout, "%d events missed during capturing process (%.2f%%)\n", stats.LostEvents, stats.PercentLost())

	p := graph.NewProjection(g, cfg.FilterCalls, cfg.FilterPaths)

	if !vf.noChart && cfg.ChartLimit > 0 {
		fmt.Fprintln(a.stdout)
		if err := render.RenderBarChart(a.stdout, render.TopFunctions(p, cfg.ChartLimit), 0, colorEnabled(a.stdout)); err != nil {
			return err
		}
		fmt.Fprintln(a.stdout)
	}

	scene := render.BuildScene(p)
	if vf.dotFile != "" {
		if err := writeDOTFile(vf.dotFile, scene); err != nil {
			return err
		}
		fmt.Fprintf(a.stdout, "%s generated\n", vf.dotFile)
	}
	if cfg.ImageName != "" {
		if err := render.RunDot(ctx, cfg.DotPath, scene, cfg.ImageName, a.logger); err != nil {
			return err
		}
		fmt.Fprintf(a.stdout, "%s generated\n", cfg.ImageName)
	}
	if vf.jsonFile != "" {
		if err := graph.WriteJSONFile(vf.jsonFile, graph.ToSerializable(p, uuid.NewString())); err != nil {
			return err
		}
		fmt.Fprintf(a.stdout, "%s generated\n", vf.jsonFile)
	}
	return nil
}

func writeDOTFile(path string, scene *render.Scene) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return render.WriteDOT(f, scene)
}

func colorEnabled(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && render.ColorEnabled(f)
}
