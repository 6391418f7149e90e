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
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/AleutianAI/magnifier/services/magnifier/config"
	"github.com/AleutianAI/magnifier/services/magnifier/server"
)

func newServeCommand(a *app) *cobra.Command {
	defaults := config.Default()
	var debug bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve an aggregated recording over a read-only HTTP API",
		Long: `Aggregates the record file once and serves it under /v1/magnifier
(health, stats, nodes, edges, clusters, top, graph, graph.dot) together
with Prometheus metrics at /metrics. Runs until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runServe(cmd.Context(), debug)
		},
	}
	addRecordFileFlag(cmd)
	addFilterFlags(cmd)
	cmd.Flags().String("listen", defaults.ListenAddr, "listen address")
	cmd.Flags().BoolVar(&debug, "debug", false, "gin debug mode with request logging")
	return cmd
}

func (a *app) runServe(ctx context.Context, debug bool) error {
	cfg := a.cfg
	g, stats, err := a.loadRun(ctx, cfg.RecordFile)
	if err != nil {
		return err
	}

	if debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	run := &server.Run{
		ID:          uuid.NewString(),
		RecordFile:  cfg.RecordFile,
		Graph:       g,
		Stats:       stats,
		MinCalls:    cfg.FilterCalls,
		PathFilters: cfg.FilterPaths,
		LoadedAt:    time.Now().UTC(),
	}
	a.logger.Info("serving recording",
		slog.String("run_id", run.ID),
		slog.String("record_file", run.RecordFile),
		slog.Int("nodes", g.NodeCount()),
		slog.Int("edges", g.EdgeCount()))

	router := server.NewRouter(server.NewHandlers(run, a.logger), debug)
	return server.Serve(ctx, cfg.ListenAddr, router, a.logger)
}
