// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ingest feeds a recorded trace into a call graph and keeps the
// run statistics.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/magnifier/services/magnifier/graph"
	"github.com/AleutianAI/magnifier/services/magnifier/parser"
	"github.com/AleutianAI/magnifier/services/magnifier/telemetry"
)

// ErrRecordFileNotFound is returned when the record file does not exist.
var ErrRecordFileNotFound = errors.New("record file not found")

// Stats are the counters of one ingestion run.
type Stats struct {
	// Parsed is the number of call records added to the graph.
	Parsed int `json:"parsed"`

	// LostEvents is the sum of all LOST N EVENTS counts.
	LostEvents int `json:"lost_events"`

	// LostLines is the number of lines reporting lost events.
	LostLines int `json:"lost_lines"`

	// Unparseable is the number of non-blank lines matching neither shape.
	Unparseable int `json:"unparseable"`

	// Lines is the total number of lines read, blank ones included.
	Lines int `json:"lines"`
}

// PercentLost returns LostEvents / (LostEvents + Parsed) * 100, or 0 when
// no events were seen at all.
func (s Stats) PercentLost() float64 {
	total := s.LostEvents + s.Parsed
	if total == 0 {
		return 0
	}
	return float64(s.LostEvents) / float64(total) * 100
}

// Options configures an Ingester.
type Options struct {
	// Logger receives warnings and the run summary. Defaults to slog.Default().
	Logger *slog.Logger

	// WarnFirst is how many unparseable lines are always logged.
	WarnFirst int

	// WarnInterval is the minimum spacing of later unparseable warnings.
	WarnInterval time.Duration
}

// Option is a functional option for configuring an Ingester.
type Option func(*Options)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Options) {
		o.Logger = l
	}
}

// WithWarnSampling sets how unparseable-line warnings are sampled.
func WithWarnSampling(first int, interval time.Duration) Option {
	return func(o *Options) {
		o.WarnFirst = first
		o.WarnInterval = interval
	}
}

// Ingester drives parsed trace lines into a CallGraph.
//
// Description:
//
//	Record lines become graph.Add calls, lost-event lines and unparseable
//	lines are counted. Nothing aborts the stream except read failures
//	and cancellation. Unparseable lines are logged through a sampler so a
//	corrupt file cannot flood the log.
//
// Thread Safety: Not safe for concurrent use. One Ingester per run.
type Ingester struct {
	graph  *graph.CallGraph
	logger *slog.Logger
	warn   *rate.Sometimes
	stats  Stats
}

// New creates an Ingester that adds to g.
func New(g *graph.CallGraph, opts ...Option) *Ingester {
	options := Options{
		WarnFirst:    5,
		WarnInterval: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(&options)
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Ingester{
		graph:  g,
		logger: logger,
		warn:   &rate.Sometimes{First: options.WarnFirst, Interval: options.WarnInterval},
	}
}

// Graph returns the graph being built.
func (in *Ingester) Graph() *graph.CallGraph {
	return in.graph
}

// Stats returns a copy of the counters so far.
func (in *Ingester) Stats() Stats {
	return in.stats
}

// Apply accounts for one parsed line.
func (in *Ingester) Apply(res parser.Result) {
	in.stats.Lines++
	switch res.Kind {
	case parser.KindRecord:
		in.stats.Parsed++
		in.graph.AddRecord(res.Record)
	case parser.KindLost:
		in.stats.LostLines++
		in.stats.LostEvents += res.Lost
	default:
		if res.Line == "" {
			return
		}
		in.stats.Unparseable++
		in.warn.Do(func() {
			in.logger.Warn("ignoring unexpected trace line",
				slog.String("line", res.Line),
				slog.Int("unparseable_so_far", in.stats.Unparseable))
		})
	}
}

// IngestReader parses every line of r into the graph.
//
// Outputs:
//
//	error - Read failure or ctx cancellation. Counters reflect every line
//	    consumed before the error.
func (in *Ingester) IngestReader(ctx context.Context, r io.Reader) error {
	before := in.stats
	edgesBefore := in.graph.EdgeCount()

	err := parser.ParseReader(ctx, r, func(res parser.Result) error {
		in.Apply(res)
		return nil
	})

	telemetry.RecordLines(telemetry.KindRecord, in.stats.Parsed-before.Parsed)
	telemetry.RecordLines(telemetry.KindLost, in.stats.LostLines-before.LostLines)
	telemetry.RecordLines(telemetry.KindUnparseable, in.stats.Unparseable-before.Unparseable)
	telemetry.RecordLostEvents(in.stats.LostEvents - before.LostEvents)
	telemetry.RecordEdgesCreated(in.graph.EdgeCount() - edgesBefore)

	return err
}

// IngestFile opens path and ingests it.
//
// Description:
//
//	A missing file yields an error wrapping ErrRecordFileNotFound; a
//	permission problem yields an error matching fs.ErrPermission. On
//	success the run summary is logged.
//
// Inputs:
//
//	ctx - Context for cancellation and tracing. Must not be nil.
//	path - The record file written by the recorder.
//
// Outputs:
//
//	error - Non-nil if the file cannot be opened or read.
func (in *Ingester) IngestFile(ctx context.Context, path string) (err error) {
	if ctx == nil {
		return fmt.Errorf("IngestFile: ctx must not be nil")
	}

	ctx, span := telemetry.StartSpan(ctx, telemetry.TracerIngest, "ingest.Ingester.IngestFile",
		trace.WithAttributes(attribute.String("path", path)),
	)
	start := time.Now()
	defer func() {
		telemetry.RecordIngest(time.Since(start), err)
		span.SetAttributes(
			attribute.Int("parsed", in.stats.Parsed),
			attribute.Int("lost_events", in.stats.LostEvents),
			attribute.Int("unparseable", in.stats.Unparseable),
			attribute.Int("edges", in.graph.EdgeCount()),
		)
		telemetry.EndSpan(span, err)
	}()

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrRecordFileNotFound, path)
		}
		return fmt.Errorf("opening record file %s: %w", path, err)
	}
	defer f.Close()

	if err := in.IngestReader(ctx, f); err != nil {
		return fmt.Errorf("ingesting %s: %w", path, err)
	}
	telemetry.RecordGraphSize(ctx, in.graph.NodeCount(), in.graph.EdgeCount())

	in.logger.Info("parsing completed",
		slog.String("path", path),
		slog.Int("events", in.stats.Parsed),
		slog.Int("lost_events", in.stats.LostEvents),
		slog.String("percent_lost", fmt.Sprintf("%.2f%%", in.stats.PercentLost())),
		slog.Int("unparseable", in.stats.Unparseable),
		slog.Int("functions", in.graph.NodeCount()),
		slog.Int("edges", in.graph.EdgeCount()),
		slog.Duration("duration", time.Since(start)))
	return nil
}
