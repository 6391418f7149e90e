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

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Span exporters accepted by SetupTracing.
const (
	ExporterNone   = "none"
	ExporterStdout = "stdout"
	ExporterOTLP   = "otlp"
)

// ShutdownFunc flushes and stops a tracer provider.
type ShutdownFunc func(context.Context) error

// TracingOptions selects where spans go.
type TracingOptions struct {
	// Exporter is one of ExporterNone, ExporterStdout, ExporterOTLP.
	// Empty means ExporterNone.
	Exporter string

	// Endpoint is the OTLP gRPC collector address (host:port).
	Endpoint string

	// Writer receives stdout-exported spans. Defaults to io.Discard.
	Writer io.Writer

	// Version is recorded as the service.version resource attribute.
	Version string
}

// SetupTracing installs a global tracer provider.
//
// Description:
//
//	With ExporterNone the global no-op provider is left in place and the
//	returned shutdown does nothing. Otherwise a batching SDK provider is
//	registered via otel.SetTracerProvider.
//
// Outputs:
//
//	ShutdownFunc - Flushes pending spans. Never nil.
//	error - Non-nil for an unknown exporter or exporter setup failure.
func SetupTracing(ctx context.Context, opts TracingOptions) (ShutdownFunc, error) {
	noop := func(context.Context) error { return nil }

	var exporter sdktrace.SpanExporter
	switch opts.Exporter {
	case "", ExporterNone:
		return noop, nil
	case ExporterStdout:
		w := opts.Writer
		if w == nil {
			w = io.Discard
		}
		exp, err := stdouttrace.New(stdouttrace.WithWriter(w))
		if err != nil {
			return noop, fmt.Errorf("creating stdout span exporter: %w", err)
		}
		exporter = exp
	case ExporterOTLP:
		if opts.Endpoint == "" {
			return noop, fmt.Errorf("otlp exporter requires an endpoint")
		}
		exp, err := otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(opts.Endpoint),
			otlptracegrpc.WithInsecure(),
		)
		if err != nil {
			return noop, fmt.Errorf("creating otlp span exporter: %w", err)
		}
		exporter = exp
	default:
		return noop, fmt.Errorf("unknown span exporter %q", opts.Exporter)
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", "magnifier"),
		attribute.String("service.version", opts.Version),
	)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}
