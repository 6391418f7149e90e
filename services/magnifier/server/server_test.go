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
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/magnifier/services/magnifier/graph"
	"github.com/AleutianAI/magnifier/services/magnifier/ingest"
	"github.com/AleutianAI/magnifier/services/magnifier/symbols"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// setupTestRouter serves bar->foo x3, bar->baz x1 with foo in kernel/.
func setupTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	idx := symbols.NewIndex([]symbols.Entry{{Symbol: "foo", FilePath: "kernel/sched/core.c"}})
	g := graph.NewCallGraph(graph.WithSymbols(idx))
	for i := 0; i < 3; i++ {
		g.Add("bar", "foo")
	}
	g.Add("bar", "baz")

	run := &Run{
		ID:         "run-1",
		RecordFile: "kernel-magnifier.data",
		Graph:      g,
		Stats:      ingest.Stats{Parsed: 4, LostEvents: 1, Lines: 6},
		LoadedAt:   time.UnixMilli(1700000000000).UTC(),
	}
	return NewRouter(NewHandlers(run, slog.New(slog.NewTextHandler(io.Discard, nil))), false)
}

func get(t *testing.T, router http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), "body: %s", w.Body.String())
	return v
}

func TestHandleHealth(t *testing.T) {
	w := get(t, setupTestRouter(t), "/v1/magnifier/health")
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[HealthResponse](t, w)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "run-1", resp.RunID)
	assert.NotEmpty(t, w.Header().Get(requestIDHeader))
}

func TestRequestID_Propagated(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/magnifier/health", nil)
	req.Header.Set(requestIDHeader, "abc-123")
	w := httptest.NewRecorder()
	setupTestRouter(t).ServeHTTP(w, req)
	assert.Equal(t, "abc-123", w.Header().Get(requestIDHeader))
}

func TestHandleStats(t *testing.T) {
	w := get(t, setupTestRouter(t), "/v1/magnifier/stats")
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[StatsResponse](t, w)
	assert.Equal(t, 4, resp.Ingest.Parsed)
	assert.InDelta(t, 20.0, resp.PercentLost, 0.001)
	assert.Equal(t, 3, resp.Nodes)
	assert.Equal(t, 2, resp.Edges)
	assert.Equal(t, 3, resp.CallsMax)
	assert.Equal(t, 3, resp.ExecutedMax)
}

func TestHandleNodes(t *testing.T) {
	router := setupTestRouter(t)

	resp := decode[NodesResponse](t, get(t, router, "/v1/magnifier/nodes"))
	assert.Len(t, resp.Nodes, 3)

	resp = decode[NodesResponse](t, get(t, router, "/v1/magnifier/nodes?min_calls=1"))
	names := make([]string, 0, len(resp.Nodes))
	for _, n := range resp.Nodes {
		names = append(names, n.Name)
	}
	assert.Equal(t, []string{"bar", "foo"}, names)
	assert.Equal(t, 1, resp.MinCalls)

	// bar has no source file, so every edge touches a hidden node.
	resp = decode[NodesResponse](t, get(t, router, "/v1/magnifier/nodes?filter=kernel"))
	assert.Empty(t, resp.Nodes)
	assert.Equal(t, []string{"kernel"}, resp.PathFilters)
}

func TestHandleEdges(t *testing.T) {
	router := setupTestRouter(t)

	resp := decode[EdgesResponse](t, get(t, router, "/v1/magnifier/edges?filter=kernel"))
	require.Len(t, resp.Edges, 1)
	assert.Equal(t, graph.SerializableEdge{Caller: "bar", Callee: "foo", CallCount: 3}, resp.Edges[0])

	resp = decode[EdgesResponse](t, get(t, router, "/v1/magnifier/edges?min_calls=3"))
	assert.Empty(t, resp.Edges)
}

func TestHandleNodes_BadParameter(t *testing.T) {
	for _, q := range []string{"min_calls=abc", "min_calls=-1"} {
		w := get(t, setupTestRouter(t), "/v1/magnifier/nodes?"+q)
		assert.Equal(t, http.StatusBadRequest, w.Code, q)
		resp := decode[ErrorResponse](t, w)
		assert.Equal(t, "INVALID_PARAMETER", resp.Code)
		assert.NotEmpty(t, resp.RequestID)
	}
}

func TestHandleClusters(t *testing.T) {
	resp := decode[ClustersResponse](t, get(t, setupTestRouter(t), "/v1/magnifier/clusters"))
	require.Len(t, resp.Clusters, 1)
	assert.ElementsMatch(t, []string{"bar", "baz", "foo"}, resp.Clusters[0])
}

func TestHandleGraph(t *testing.T) {
	resp := decode[graph.SerializableGraph](t, get(t, setupTestRouter(t), "/v1/magnifier/graph"))
	assert.Equal(t, "run-1", resp.RunID)
	assert.Len(t, resp.Edges, 2)
	assert.Equal(t, 3, resp.CallsMax)
}

func TestHandleDOT(t *testing.T) {
	w := get(t, setupTestRouter(t), "/v1/magnifier/graph.dot")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.HasPrefix(w.Header().Get("Content-Type"), "text/vnd.graphviz"))
	assert.Contains(t, w.Body.String(), "strict digraph")
	assert.Contains(t, w.Body.String(), `"bar" -> "foo"`)
}

func TestHandleTop(t *testing.T) {
	router := setupTestRouter(t)

	resp := decode[TopResponse](t, get(t, router, "/v1/magnifier/top?limit=1"))
	require.Len(t, resp.Functions, 1)
	assert.Equal(t, "foo", resp.Functions[0].Name)
	assert.Equal(t, 3, resp.Functions[0].Executed)

	w := get(t, router, "/v1/magnifier/top?limit=x")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	w := get(t, setupTestRouter(t), "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestServeListener_GracefulShutdown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- ServeListener(ctx, ln, setupTestRouter(t), slog.New(slog.NewTextHandler(io.Discard, nil)))
	}()

	url := fmt.Sprintf("http://%s/v1/magnifier/health", ln.Addr().String())
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * ShutdownTimeout):
		t.Fatal("server did not shut down")
	}
}

func TestServe_BadAddress(t *testing.T) {
	err := Serve(context.Background(), "256.0.0.1:bad", http.NotFoundHandler(), nil)
	assert.Error(t, err)
}
