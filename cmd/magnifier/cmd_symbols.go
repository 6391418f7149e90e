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

	"github.com/spf13/cobra"

	"github.com/AleutianAI/magnifier/services/magnifier/config"
	"github.com/AleutianAI/magnifier/services/magnifier/symbols"
)

func newGenerateSymbolMapCommand(a *app) *cobra.Command {
	defaults := config.Default()
	var kernelImage string
	cmd := &cobra.Command{
		Use:   "generate-symbol-map",
		Short: "Build the symbol to source file map from a debug kernel",
		Long: `Runs dwarfdump on an uncompressed kernel image with debug info and
writes one "symbol|file" line per function. The path prefix shared by the
entries is stripped so that paths read like kernel/sched/core.c.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runGenerateSymbolMap(cmd.Context(), kernelImage)
		},
	}
	cmd.Flags().StringVarP(&kernelImage, "debug-kernel-path", "k", "",
		"uncompressed kernel with debug symbols (default: /usr/lib/debug/boot/vmlinux-$(uname -r))")
	cmd.Flags().String("symbol-file-path", defaults.SymbolMapFile, "map file to write")
	cmd.Flags().String("dwarfdump", defaults.DwarfdumpPath, "dwarfdump executable")
	cmd.Flags().Int("prefix-sample", defaults.PrefixSample, "entries used to find the common path prefix")
	return cmd
}

func (a *app) runGenerateSymbolMap(ctx context.Context, kernelImage string) error {
	if kernelImage == "" {
		image, err := symbols.DefaultKernelImage()
		if err != nil {
			return err
		}
		kernelImage = image
	}

	res, err := symbols.GenerateMapFile(ctx, symbols.GenerateOptions{
		DwarfdumpPath: a.cfg.DwarfdumpPath,
		KernelImage:   kernelImage,
		OutputPath:    a.cfg.SymbolMapFile,
		PrefixSample:  a.cfg.PrefixSample,
		Logger:        a.logger,
	})
	if res != nil {
		fmt.Fprintf(a.stdout, "wrote mapping table to %s (%d entries)\n", res.OutputPath, res.Entries)
	}
	return err
}
