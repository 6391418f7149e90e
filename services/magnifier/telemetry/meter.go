// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

// ExporterPrometheus exposes OpenTelemetry instruments through a
// Prometheus registry.
const ExporterPrometheus = "prometheus"

// MeterGraph is the meter for call graph instruments.
const MeterGraph = "magnifier.graph"

// MetricsOptions selects where OpenTelemetry metrics go.
type MetricsOptions struct {
	// Exporter is one of ExporterNone, ExporterStdout, ExporterPrometheus.
	// Empty means ExporterNone.
	Exporter string

	// Writer receives stdout-exported metrics. Defaults to io.Discard.
	Writer io.Writer

	// Registerer receives the Prometheus collector. Defaults to
	// prometheus.DefaultRegisterer.
	Registerer prometheus.Registerer

	// Version is recorded as the service.version resource attribute.
	Version string
}

// SetupMetrics installs a global meter provider.
//
// Description:
//
//	The promauto counters in this package are always registered; this
//	adds the OpenTelemetry instruments (graph size) on top. With
//	ExporterPrometheus they appear next to the promauto metrics on the
//	same registry. With ExporterStdout they are printed when the returned
//	shutdown runs.
//
// Outputs:
//
//	ShutdownFunc - Flushes and stops the provider. Never nil.
//	error - Non-nil for an unknown exporter or exporter setup failure.
func SetupMetrics(ctx context.Context, opts MetricsOptions) (ShutdownFunc, error) {
	noop := func(context.Context) error { return nil }

	var reader sdkmetric.Reader
	switch opts.Exporter {
	case "", ExporterNone:
		return noop, nil
	case ExporterStdout:
		w := opts.Writer
		if w == nil {
			w = io.Discard
		}
		exp, err := stdoutmetric.New(stdoutmetric.WithWriter(w))
		if err != nil {
			return noop, fmt.Errorf("creating stdout metric exporter: %w", err)
		}
		reader = sdkmetric.NewPeriodicReader(exp)
	case ExporterPrometheus:
		reg := opts.Registerer
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		exp, err := otelprom.New(otelprom.WithRegisterer(reg))
		if err != nil {
			return noop, fmt.Errorf("creating prometheus metric exporter: %w", err)
		}
		reader = exp
	default:
		return noop, fmt.Errorf("unknown metric exporter %q", opts.Exporter)
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", "magnifier"),
		attribute.String("service.version", opts.Version),
	)
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(reader),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)
	return mp.Shutdown, nil
}

// RecordGraphSize records the node and edge count of an aggregated graph.
func RecordGraphSize(ctx context.Context, nodes, edges int) {
	meter := otel.Meter(MeterGraph)
	if g, err := meter.Int64Gauge("magnifier.graph.nodes",
		metric.WithDescription("Distinct functions in the last aggregated graph")); err == nil {
		g.Record(ctx, int64(nodes))
	}
	if g, err := meter.Int64Gauge("magnifier.graph.edges",
		metric.WithDescription("Distinct caller/callee pairs in the last aggregated graph")); err == nil {
		g.Record(ctx, int64(edges))
	}
}
