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
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/magnifier/services/magnifier/config"
	"github.com/AleutianAI/magnifier/services/magnifier/telemetry"
)

// Version is set at build time with -ldflags "-X main.Version=...".
var Version = "dev"

// app carries the state shared by every subcommand for one invocation.
type app struct {
	stdout io.Writer
	stderr io.Writer

	configPath string
	cfg        *config.Config
	logger     *slog.Logger

	shutdownTracing telemetry.ShutdownFunc
	shutdownMetrics telemetry.ShutdownFunc
}

func newApp(stdout, stderr io.Writer) *app {
	return &app{
		stdout: stdout,
		stderr: stderr,
		cfg:    config.Default(),
		logger: slog.New(slog.NewTextHandler(stderr, nil)),
	}
}

// newRootCommand builds the command tree.
func newRootCommand(a *app) *cobra.Command {
	defaults := config.Default()

	root := &cobra.Command{
		Use:   "magnifier",
		Short: "Record kernel function traces and visualize them as call graphs",
		Long: `magnifier records the Linux function tracer, aggregates the
caller/callee pairs into a weighted call graph and renders it.

Typical session:
  sudo magnifier record --record-time 5
  magnifier generate-symbol-map
  magnifier visualize --filter-execution-no 100 --filter-filepath kernel/sched`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			return a.teardown(cmd.Context())
		},
	}
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)

	pf := root.PersistentFlags()
	pf.StringVar(&a.configPath, "config", config.DefaultConfigFile, "YAML configuration file (optional)")
	pf.String("log-level", defaults.LogLevel, "log level: debug, info, warn, error")
	pf.String("trace-exporter", defaults.Tracing.Exporter, "span exporter: none, stdout, otlp")
	pf.String("trace-endpoint", defaults.Tracing.Endpoint, "OTLP gRPC collector address")
	pf.String("metrics-exporter", defaults.Metrics.Exporter, "metric exporter: none, stdout, prometheus")

	root.AddCommand(
		newRecordCommand(a),
		newVisualizeCommand(a),
		newGenerateSymbolMapCommand(a),
		newDiffCommand(a),
		newServeCommand(a),
		newVersionCommand(a),
	)
	return root
}

// setup loads configuration, applies flag overrides and installs logging,
// tracing and metrics.
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg, err := config.Load(ctx, a.configPath)
	if err != nil {
		return err
	}
	if err := applyFlagOverrides(cmd, cfg); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg

	a.logger = slog.New(slog.NewTextHandler(a.stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(a.logger)

	shutdown, err := telemetry.SetupTracing(ctx, telemetry.TracingOptions{
		Exporter: cfg.Tracing.Exporter,
		Endpoint: cfg.Tracing.Endpoint,
		Writer:   a.stderr,
		Version:  Version,
	})
	if err != nil {
		return fmt.Errorf("setting up tracing: %w", err)
	}
	a.shutdownTracing = shutdown

	exporter := cfg.Metrics.Exporter
	if cmd.Name() == "serve" && exporter == telemetry.ExporterNone {
		exporter = telemetry.ExporterPrometheus
	}
	shutdown, err = telemetry.SetupMetrics(ctx, telemetry.MetricsOptions{
		Exporter: exporter,
		Writer:   a.stderr,
		Version:  Version,
	})
	if err != nil {
		return fmt.Errorf("setting up metrics: %w", err)
	}
	a.shutdownMetrics = shutdown
	return nil
}

// teardown flushes telemetry. It is safe to call more than once.
func (a *app) teardown(ctx context.Context) error {
	if a.shutdownTracing == nil && a.shutdownMetrics == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	var errs []error
	for _, shutdown := range []*telemetry.ShutdownFunc{&a.shutdownTracing, &a.shutdownMetrics} {
		if *shutdown != nil {
			errs = append(errs, (*shutdown)(ctx))
			*shutdown = nil
		}
	}
	return errors.Join(errs...)
}

// applyFlagOverrides copies every explicitly set flag into cfg. Flags a
// command does not define are skipped.
func applyFlagOverrides(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	changed := func(name string) bool {
		f := flags.Lookup(name)
		return f != nil && f.Changed
	}

	var err error
	str := func(name string, dst *string) {
		if err == nil && changed(name) {
			*dst, err = flags.GetString(name)
		}
	}
	num := func(name string, dst *int) {
		if err == nil && changed(name) {
			*dst, err = flags.GetInt(name)
		}
	}

	str("tracefs", &cfg.TracefsDir)
	num("buffer-size-kb", &cfg.BufferSizeKB)
	str("cpumask", &cfg.CPUMask)
	str("record-file", &cfg.RecordFile)
	str("symbol-file-path", &cfg.SymbolMapFile)
	str("image-name", &cfg.ImageName)
	num("filter-execution-no", &cfg.FilterCalls)
	num("chart-limit", &cfg.ChartLimit)
	num("prefix-sample", &cfg.PrefixSample)
	str("dwarfdump", &cfg.DwarfdumpPath)
	str("dot", &cfg.DotPath)
	str("listen", &cfg.ListenAddr)
	str("log-level", &cfg.LogLevel)
	str("trace-exporter", &cfg.Tracing.Exporter)
	str("trace-endpoint", &cfg.Tracing.Endpoint)
	str("metrics-exporter", &cfg.Metrics.Exporter)

	if err == nil && changed("filter-filepath") {
		var raw string
		raw, err = flags.GetString("filter-filepath")
		cfg.FilterPaths = config.SplitList(raw)
	}
	if err == nil && changed("record-time") {
		var seconds float64
		seconds, err = flags.GetFloat64("record-time")
		cfg.RecordTime = time.Duration(seconds * float64(time.Second))
	}
	return err
}

// addRecordFileFlag registers --record-file on cmd.
func addRecordFileFlag(cmd *cobra.Command) {
	cmd.Flags().String("record-file", config.DefaultRecordFile, "trace record file")
}

// addFilterFlags registers the projection flags shared by visualize and serve.
func addFilterFlags(cmd *cobra.Command) {
	defaults := config.Default()
	cmd.Flags().Int("filter-execution-no", defaults.FilterCalls, "show only calls made more than n times")
	cmd.Flags().String("filter-filepath", "", "comma separated source path substrings, e.g. kernel/sched,net")
	cmd.Flags().String("symbol-file-path", defaults.SymbolMapFile, "symbol to source file map")
}
