// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry holds the Prometheus metrics and OpenTelemetry tracer
// names shared by the magnifier packages.
package telemetry

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Tracer names, one per instrumented package.
const (
	TracerIngest  = "magnifier.ingest"
	TracerFtrace  = "magnifier.ftrace"
	TracerSymbols = "magnifier.symbols"
	TracerRender  = "magnifier.render"
	TracerConfig  = "magnifier.config"
	TracerServer  = "magnifier.server"
)

// Line kinds used as the "kind" label of LinesTotal.
const (
	KindRecord      = "record"
	KindLost        = "lost"
	KindUnparseable = "unparseable"
)

// Package-level Prometheus metrics.
// Auto-registered via promauto so no explicit registry wiring is needed.
var (
	// linesTotal counts trace lines by classification.
	//
	// Labels:
	//   - kind: "record", "lost", "unparseable"
	linesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "magnifier",
			Subsystem: "ingest",
			Name:      "lines_total",
			Help:      "Trace lines processed, by classification.",
		},
		[]string{"kind"},
	)

	// lostEventsTotal counts events the kernel reported as dropped.
	lostEventsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "magnifier",
			Subsystem: "ingest",
			Name:      "lost_events_total",
			Help:      "Events reported lost by LOST N EVENTS lines.",
		},
	)

	// edgesCreatedTotal counts distinct caller/callee pairs created.
	edgesCreatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "magnifier",
			Subsystem: "graph",
			Name:      "edges_created_total",
			Help:      "Distinct caller to callee edges created.",
		},
	)

	// ingestDuration measures how long a record file took to aggregate.
	//
	// Labels:
	//   - status: "success" or "error"
	ingestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "magnifier",
			Subsystem: "ingest",
			Name:      "duration_seconds",
			Help:      "Duration of record file ingestion in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"status"},
	)

	// recordedBytesTotal counts bytes copied out of trace_pipe.
	recordedBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "magnifier",
			Subsystem: "ftrace",
			Name:      "recorded_bytes_total",
			Help:      "Bytes read from the trace pipe and written to the record file.",
		},
	)

	// symbolsMappedTotal counts symbol map entries produced from debug info.
	symbolsMappedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "magnifier",
			Subsystem: "symbols",
			Name:      "mapped_total",
			Help:      "Symbol to file entries produced from debug info.",
		},
	)
)

// RecordLines adds n trace lines of the given kind.
func RecordLines(kind string, n int) {
	if n > 0 {
		linesTotal.WithLabelValues(kind).Add(float64(n))
	}
}

// RecordLostEvents adds n dropped events.
func RecordLostEvents(n int) {
	if n > 0 {
		lostEventsTotal.Add(float64(n))
	}
}

// RecordEdgesCreated adds n newly created edges.
func RecordEdgesCreated(n int) {
	if n > 0 {
		edgesCreatedTotal.Add(float64(n))
	}
}

// RecordIngest observes one ingestion run.
func RecordIngest(duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	ingestDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordBytes adds n bytes captured from the trace pipe.
func RecordBytes(n int) {
	if n > 0 {
		recordedBytesTotal.Add(float64(n))
	}
}

// RecordSymbolsMapped adds n symbol map entries.
func RecordSymbolsMapped(n int) {
	if n > 0 {
		symbolsMappedTotal.Add(float64(n))
	}
}

// StartSpan starts a span on the named tracer.
func StartSpan(ctx context.Context, tracer, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(tracer).Start(ctx, name, opts...)
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
