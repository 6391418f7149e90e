// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package server exposes one aggregated run over a read-only HTTP API.
package server

import (
	"bytes"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/magnifier/services/magnifier/config"
	"github.com/AleutianAI/magnifier/services/magnifier/graph"
	"github.com/AleutianAI/magnifier/services/magnifier/ingest"
	"github.com/AleutianAI/magnifier/services/magnifier/render"
)

// Run is an aggregated trace ready to be served.
//
// The graph must not be modified once it is handed to NewHandlers.
type Run struct {
	ID          string
	RecordFile  string
	Graph       *graph.CallGraph
	Stats       ingest.Stats
	MinCalls    int
	PathFilters []string
	LoadedAt    time.Time
}

// Handlers serves a single Run.
//
// Thread Safety: Safe for concurrent use. All access is read-only.
type Handlers struct {
	run    *Run
	logger *slog.Logger
}

// NewHandlers creates handlers for run. A nil logger means slog.Default().
func NewHandlers(run *Run, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{run: run, logger: logger}
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id,omitempty"`
}

// HealthResponse is returned by HandleHealth.
type HealthResponse struct {
	Status string `json:"status"`
	RunID  string `json:"run_id"`
}

// StatsResponse is returned by HandleStats.
type StatsResponse struct {
	RunID       string       `json:"run_id"`
	RecordFile  string       `json:"record_file"`
	LoadedAt    time.Time    `json:"loaded_at"`
	Ingest      ingest.Stats `json:"ingest"`
	PercentLost float64      `json:"percent_lost"`
	Nodes       int          `json:"nodes"`
	Edges       int          `json:"edges"`
	CallsMax    int          `json:"calls_max"`
	ExecutedMax int          `json:"executed_max"`
}

// NodesResponse is returned by HandleNodes.
type NodesResponse struct {
	MinCalls    int                      `json:"min_calls"`
	PathFilters []string                 `json:"path_filters"`
	Nodes       []graph.SerializableNode `json:"nodes"`
}

// EdgesResponse is returned by HandleEdges.
type EdgesResponse struct {
	MinCalls    int                      `json:"min_calls"`
	PathFilters []string                 `json:"path_filters"`
	Edges       []graph.SerializableEdge `json:"edges"`
}

// ClustersResponse is returned by HandleClusters.
type ClustersResponse struct {
	Clusters [][]string `json:"clusters"`
}

// TopResponse is returned by HandleTop.
type TopResponse struct {
	Functions []render.ChartRow `json:"functions"`
}

const (
	requestIDHeader = "X-Request-ID"
	requestIDKey    = "request_id"
)

// RequestIDMiddleware tags every request with an ID, reusing the
// X-Request-ID header when the client sends one.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

func requestID(c *gin.Context) string {
	return c.GetString(requestIDKey)
}

// HandleHealth handles GET /v1/magnifier/health.
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{Status: "ok", RunID: h.run.ID})
}

// HandleStats handles GET /v1/magnifier/stats.
func (h *Handlers) HandleStats(c *gin.Context) {
	g := h.run.Graph
	c.JSON(http.StatusOK, StatsResponse{
		RunID:       h.run.ID,
		RecordFile:  h.run.RecordFile,
		LoadedAt:    h.run.LoadedAt,
		Ingest:      h.run.Stats,
		PercentLost: h.run.Stats.PercentLost(),
		Nodes:       g.NodeCount(),
		Edges:       g.EdgeCount(),
		CallsMax:    g.CallsMax(),
		ExecutedMax: g.ExecutedMax(),
	})
}

// HandleNodes handles GET /v1/magnifier/nodes.
//
// Query Parameters:
//
//	min_calls: Hide edges with this many calls or fewer (optional)
//	filter: Comma separated source path substrings (optional)
//
// Response:
//
//	200 OK: NodesResponse
//	400 Bad Request: Invalid min_calls
func (h *Handlers) HandleNodes(c *gin.Context) {
	p, ok := h.projection(c)
	if !ok {
		return
	}
	sg := graph.ToSerializable(p, h.run.ID)
	c.JSON(http.StatusOK, NodesResponse{
		MinCalls:    sg.MinCalls,
		PathFilters: sg.PathFilters,
		Nodes:       sg.Nodes,
	})
}

// HandleEdges handles GET /v1/magnifier/edges. It takes the same query
// parameters as HandleNodes.
func (h *Handlers) HandleEdges(c *gin.Context) {
	p, ok := h.projection(c)
	if !ok {
		return
	}
	sg := graph.ToSerializable(p, h.run.ID)
	c.JSON(http.StatusOK, EdgesResponse{
		MinCalls:    sg.MinCalls,
		PathFilters: sg.PathFilters,
		Edges:       sg.Edges,
	})
}

// HandleClusters handles GET /v1/magnifier/clusters.
func (h *Handlers) HandleClusters(c *gin.Context) {
	clusters := h.run.Graph.Clusters()
	if clusters == nil {
		clusters = [][]string{}
	}
	c.JSON(http.StatusOK, ClustersResponse{Clusters: clusters})
}

// HandleGraph handles GET /v1/magnifier/graph, the full JSON export of a
// projection.
func (h *Handlers) HandleGraph(c *gin.Context) {
	p, ok := h.projection(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, graph.ToSerializable(p, h.run.ID))
}

// HandleDOT handles GET /v1/magnifier/graph.dot.
func (h *Handlers) HandleDOT(c *gin.Context) {
	p, ok := h.projection(c)
	if !ok {
		return
	}
	var buf bytes.Buffer
	if err := render.WriteDOT(&buf, render.BuildScene(p)); err != nil {
		h.logger.Error("rendering dot failed",
			slog.String("request_id", requestID(c)),
			slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:     "rendering failed",
			Code:      "RENDER_FAILED",
			RequestID: requestID(c),
		})
		return
	}
	c.Data(http.StatusOK, "text/vnd.graphviz; charset=utf-8", buf.Bytes())
}

// HandleTop handles GET /v1/magnifier/top, the most executed functions.
//
// Query Parameters:
//
//	limit: Number of functions, default 30 (optional)
//	min_calls, filter: As for HandleNodes
func (h *Handlers) HandleTop(c *gin.Context) {
	p, ok := h.projection(c)
	if !ok {
		return
	}
	limit, ok := h.intParam(c, "limit", render.DefaultChartLimit)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, TopResponse{Functions: render.TopFunctions(p, limit)})
}

// projection builds the view selected by the min_calls and filter query
// parameters, falling back to the run's defaults. It writes a 400 reply
// and returns false on bad input.
func (h *Handlers) projection(c *gin.Context) (*graph.Projection, bool) {
	minCalls, ok := h.intParam(c, "min_calls", h.run.MinCalls)
	if !ok {
		return nil, false
	}
	filters := h.run.PathFilters
	if raw, present := c.GetQuery("filter"); present {
		filters = config.SplitList(raw)
	}
	return graph.NewProjection(h.run.Graph, minCalls, filters), true
}

func (h *Handlers) intParam(c *gin.Context, name string, def int) (int, bool) {
	raw := c.Query(name)
	if raw == "" {
		return def, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		h.logger.Debug("rejecting query parameter",
			slog.String("request_id", requestID(c)),
			slog.String("param", name),
			slog.String("value", raw))
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:     name + " must be a non-negative integer",
			Code:      "INVALID_PARAMETER",
			RequestID: requestID(c),
		})
		return 0, false
	}
	return v, true
}
