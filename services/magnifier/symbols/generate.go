// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package symbols

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sys/unix"

	"github.com/AleutianAI/magnifier/services/magnifier/telemetry"
)

// GenerateOptions configures GenerateMapFile.
type GenerateOptions struct {
	// DwarfdumpPath is the dump tool to run. Defaults to "dwarfdump".
	DwarfdumpPath string

	// KernelImage is the uncompressed kernel with debug info.
	KernelImage string

	// OutputPath is where the map is written. Defaults to DefaultMapFile.
	OutputPath string

	// PrefixSample is how many leading entries decide the common prefix.
	// Defaults to DefaultPrefixSample.
	PrefixSample int

	// Logger receives progress logs. Defaults to slog.Default().
	Logger *slog.Logger
}

// GenerateResult summarizes a map generation run.
type GenerateResult struct {
	Entries        int
	StrippedPrefix string
	OutputPath     string
}

// GenerateMapFile runs the dump tool against a kernel image and writes the
// resulting symbol map.
//
// Description:
//
//	Streams the dump output into BuildMap, strips the common path prefix
//	and writes the map. If the tool fails after producing output, the
//	entries collected so far are still written and the tool's error is
//	returned.
//
// Outputs:
//
//	*GenerateResult - What was written. Nil only when nothing was written.
//	error - Start, dump, or write failure.
func GenerateMapFile(ctx context.Context, opts GenerateOptions) (result *GenerateResult, err error) {
	if opts.DwarfdumpPath == "" {
		opts.DwarfdumpPath = "dwarfdump"
	}
	if opts.OutputPath == "" {
		opts.OutputPath = DefaultMapFile
	}
	if opts.PrefixSample <= 0 {
		opts.PrefixSample = DefaultPrefixSample
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.KernelImage == "" {
		return nil, fmt.Errorf("kernel image path must not be empty")
	}

	ctx, span := telemetry.StartSpan(ctx, telemetry.TracerSymbols, "symbols.GenerateMapFile",
		trace.WithAttributes(
			attribute.String("kernel_image", opts.KernelImage),
			attribute.String("output", opts.OutputPath),
		),
	)
	defer func() { telemetry.EndSpan(span, err) }()

	stream, err := RunLines(ctx, opts.DwarfdumpPath, opts.KernelImage)
	if err != nil {
		return nil, err
	}
	logger.Info("reading debug info", slog.String("command", stream.Command()))

	entries, buildErr := BuildMap(ctx, stream.Lines())
	waitErr := stream.Wait()
	dumpErr := errors.Join(buildErr, waitErr)

	if len(entries) == 0 {
		if dumpErr != nil {
			return nil, dumpErr
		}
		logger.Warn("no symbols found in debug info", slog.String("kernel_image", opts.KernelImage))
	}

	stripped, prefix := StripCommonPrefix(entries, opts.PrefixSample)
	if err := WriteMapFile(opts.OutputPath, stripped); err != nil {
		return nil, errors.Join(dumpErr, err)
	}
	telemetry.RecordSymbolsMapped(len(stripped))
	span.SetAttributes(
		attribute.Int("entries", len(stripped)),
		attribute.String("stripped_prefix", prefix),
	)

	logger.Info("wrote symbol map",
		slog.String("path", opts.OutputPath),
		slog.Int("entries", len(stripped)),
		slog.String("stripped_prefix", prefix))

	return &GenerateResult{
		Entries:        len(stripped),
		StrippedPrefix: prefix,
		OutputPath:     opts.OutputPath,
	}, dumpErr
}

// DefaultKernelImage returns the conventional debug kernel path for the
// running kernel, /usr/lib/debug/boot/vmlinux-<release>.
func DefaultKernelImage() (string, error) {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return "", fmt.Errorf("uname: %w", err)
	}
	return "/usr/lib/debug/boot/vmlinux-" + unix.ByteSliceToString(uts.Release[:]), nil
}
