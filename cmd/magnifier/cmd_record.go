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
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/magnifier/services/magnifier/config"
	"github.com/AleutianAI/magnifier/services/magnifier/ftrace"
)

func newRecordCommand(a *app) *cobra.Command {
	defaults := config.Default()
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record kernel function traces from tracefs",
		Long: `Switches on the function tracer, copies trace_pipe into the record
file and switches tracing off again. Usually needs root.

Recording stops after --record-time seconds or on Ctrl-C; data read so far
is kept either way.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runRecord(cmd.Context())
		},
	}
	cmd.Flags().Float64("record-time", defaults.RecordTime.Seconds(), "seconds to record, 0 records until interrupted")
	cmd.Flags().String("cpumask", "", "hex mask of CPUs to record, e.g. 1 for CPU 0")
	cmd.Flags().String("tracefs", "", "tracefs mount (default: probe /sys/kernel/tracing, /sys/kernel/debug/tracing)")
	cmd.Flags().Int("buffer-size-kb", 0, "trace_pipe read size in KiB (default: tracefs buffer_size_kb)")
	addRecordFileFlag(cmd)
	return cmd
}

func (a *app) runRecord(ctx context.Context) (err error) {
	cfg := a.cfg
	runID := uuid.NewString()
	logger := a.logger.With(slog.String("run_id", runID))

	if os.Geteuid() != 0 {
		logger.Warn("not running as root, tracefs access will probably fail")
	}

	fp, dir, err := ftrace.Locate(cfg.TracefsDir)
	if err != nil {
		return err
	}
	if cfg.RecordTime > 0 {
		logger.Info("recording traces",
			slog.String("tracefs", dir),
			slog.Float64("seconds", cfg.RecordTime.Seconds()),
			slog.String("output", cfg.RecordFile))
	} else {
		logger.Info("recording traces until interrupted",
			slog.String("tracefs", dir),
			slog.String("output", cfg.RecordFile))
	}

	ctrl := ftrace.NewController(fp, logger)
	bufferBytes, err := ctrl.Enable(cfg.CPUMask)
	if err != nil {
		// Enable may have left the tracer half configured.
		return errors.Join(fmt.Errorf("enabling tracing: %w", err), ctrl.Disable())
	}
	defer func() {
		if derr := ctrl.Disable(); derr != nil {
			err = errors.Join(err, fmt.Errorf("disabling tracing: %w", derr))
		}
	}()

	readSize := bufferBytes
	if cfg.BufferSizeKB > 0 {
		readSize = cfg.BufferSizeKB * 1024
	}
	rec := ftrace.NewRecorder(fp,
		ftrace.WithReadSize(readSize),
		ftrace.WithDuration(cfg.RecordTime),
		ftrace.WithRecorderLogger(logger))

	res, err := rec.RecordFile(ctx, cfg.RecordFile)
	if err != nil {
		return err
	}

	status := "Recorded"
	if res.Interrupted {
		status = "Recording interrupted, kept"
	}
	fmt.Fprintf(a.stdout, "%s %s in %s to %s (run %s)\n",
		status, humanize.IBytes(uint64(res.Bytes)), res.Duration.Round(time.Millisecond), res.Path, runID)
	return nil
}
