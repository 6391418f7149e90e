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
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/magnifier/services/magnifier/config"
	"github.com/AleutianAI/magnifier/services/magnifier/graph"
)

func newDiffCommand(a *app) *cobra.Command {
	defaults := config.Default()
	var jsonFile string
	cmd := &cobra.Command{
		Use:   "diff <base-record-file> <target-record-file>",
		Short: "Compare the call graphs of two recordings",
		Long: `Aggregates both record files and reports functions and call edges that
appeared, disappeared or changed their call count. The diff is printed
as JSON, or written to --json with a short summary on stdout.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runDiff(cmd.Context(), args[0], args[1], jsonFile)
		},
	}
	cmd.Flags().String("symbol-file-path", defaults.SymbolMapFile, "symbol to source file map")
	cmd.Flags().StringVar(&jsonFile, "json", "", "write the diff to this file instead of stdout")
	return cmd
}

func (a *app) runDiff(ctx context.Context, basePath, targetPath, jsonFile string) error {
	base, _, err := a.loadRun(ctx, basePath)
	if err != nil {
		return fmt.Errorf("base: %w", err)
	}
	target, _, err := a.loadRun(ctx, targetPath)
	if err != nil {
		return fmt.Errorf("target: %w", err)
	}

	d, err := graph.Diff(base, target)
	if err != nil {
		return err
	}

	if jsonFile == "" {
		enc := json.NewEncoder(a.stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(d)
	}

	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling diff: %w", err)
	}
	if err := os.WriteFile(jsonFile, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", jsonFile, err)
	}
	fmt.Fprintf(a.stdout, "%d changes (%d nodes added, %d removed; %d edges added, %d removed, %d changed), %.1f%% of edges\n",
		d.Summary.TotalChanges,
		len(d.NodesAdded), len(d.NodesRemoved),
		len(d.EdgesAdded), len(d.EdgesRemoved), len(d.EdgesChanged),
		d.Summary.ChangeRatio*100)
	return nil
}
