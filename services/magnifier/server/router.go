// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/sync/errgroup"
)

// ServiceName is reported by the otelgin middleware.
const ServiceName = "magnifier"

// ShutdownTimeout bounds graceful shutdown.
const ShutdownTimeout = 5 * time.Second

// RegisterRoutes mounts the inspection endpoints under rg.
func RegisterRoutes(rg *gin.RouterGroup, h *Handlers) {
	m := rg.Group("/magnifier")
	{
		m.GET("/health", h.HandleHealth)
		m.GET("/stats", h.HandleStats)
		m.GET("/nodes", h.HandleNodes)
		m.GET("/edges", h.HandleEdges)
		m.GET("/clusters", h.HandleClusters)
		m.GET("/top", h.HandleTop)
		m.GET("/graph", h.HandleGraph)
		m.GET("/graph.dot", h.HandleDOT)
	}
}

// NewRouter builds the engine with recovery, tracing and request IDs, the
// /v1 API and /metrics.
func NewRouter(h *Handlers, debug bool) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(ServiceName))
	router.Use(RequestIDMiddleware())
	if debug {
		router.Use(gin.Logger())
	}

	RegisterRoutes(router.Group("/v1"), h)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return router
}

// Serve runs handler on addr until ctx is cancelled, then shuts down
// gracefully.
//
// Inputs:
//
//	ctx - Cancellation stops the server. Must not be nil.
//	addr - Listen address, e.g. "127.0.0.1:9090".
//	handler - Usually NewRouter's engine.
//	logger - Receives lifecycle logs. Nil means slog.Default().
//
// Outputs:
//
//	error - Listen or shutdown failure. nil after a clean shutdown.
func Serve(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	if ctx == nil {
		return fmt.Errorf("server.Serve: ctx must not be nil")
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	return ServeListener(ctx, ln, handler, logger)
}

// ServeListener is Serve on an existing listener, which it closes.
func ServeListener(ctx context.Context, ln net.Listener, handler http.Handler, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("inspection server listening", slog.String("address", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serving: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down inspection server")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutting down: %w", err)
		}
		return nil
	})
	return g.Wait()
}
