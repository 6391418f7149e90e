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
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

func TestSetupMetrics_None(t *testing.T) {
	shutdown, err := SetupMetrics(context.Background(), MetricsOptions{})
	if err != nil {
		t.Fatalf("SetupMetrics: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown: %v", err)
	}
}

func TestSetupMetrics_UnknownExporter(t *testing.T) {
	shutdown, err := SetupMetrics(context.Background(), MetricsOptions{Exporter: "statsd"})
	if err == nil {
		t.Fatal("expected error")
	}
	if shutdown == nil {
		t.Fatal("shutdown must never be nil")
	}
}

func TestSetupMetrics_Prometheus(t *testing.T) {
	prev := otel.GetMeterProvider()
	t.Cleanup(func() { otel.SetMeterProvider(prev) })

	reg := prometheus.NewRegistry()
	shutdown, err := SetupMetrics(context.Background(), MetricsOptions{
		Exporter:   ExporterPrometheus,
		Registerer: reg,
		Version:    "test",
	})
	if err != nil {
		t.Fatalf("SetupMetrics: %v", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	RecordGraphSize(context.Background(), 7, 3)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	var found bool
	for _, mf := range families {
		if !strings.Contains(mf.GetName(), "graph_nodes") {
			continue
		}
		found = true
		metrics := mf.GetMetric()
		if len(metrics) != 1 || metrics[0].GetGauge().GetValue() != 7 {
			t.Errorf("graph nodes metric = %v, want 7", metrics)
		}
	}
	if !found {
		t.Errorf("graph nodes gauge not exported; families: %d", len(families))
	}
}

func TestSetupMetrics_Stdout(t *testing.T) {
	prev := otel.GetMeterProvider()
	t.Cleanup(func() { otel.SetMeterProvider(prev) })

	var buf bytes.Buffer
	shutdown, err := SetupMetrics(context.Background(), MetricsOptions{Exporter: ExporterStdout, Writer: &buf})
	if err != nil {
		t.Fatalf("SetupMetrics: %v", err)
	}
	RecordGraphSize(context.Background(), 1, 1)
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if !strings.Contains(buf.String(), "magnifier.graph.nodes") {
		t.Errorf("stdout output missing instrument: %q", buf.String())
	}
}
