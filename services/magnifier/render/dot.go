// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package render

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/magnifier/services/magnifier/telemetry"
)

const (
	// DefaultDotPath is the Graphviz layout program looked up on PATH.
	DefaultDotPath = "dot"

	// DefaultImageName is the default rendered output.
	DefaultImageName = "kernel-magnifier.pdf"

	fontName = "Helvetica,Arial,sans-serif"

	// maxDotStderrBytes bounds how much Graphviz stderr is kept in a DotError.
	maxDotStderrBytes = 16 * 1024
)

// DotError reports a Graphviz run that exited with a non-zero status.
type DotError struct {
	// Command is the command line that was run.
	Command string

	// Format is the -T output format that was requested.
	Format string

	// ExitCode is the process exit status.
	ExitCode int

	// Stderr is the captured (possibly truncated) error output.
	Stderr string
}

// Error implements the error interface.
func (e *DotError) Error() string {
	msg := fmt.Sprintf("graphviz %q (format %s) exited with code %d", e.Command, e.Format, e.ExitCode)
	if stderr := strings.TrimSpace(e.Stderr); stderr != "" {
		msg += ": " + stderr
	}
	return msg
}

// WriteDOT writes scene as a strict Graphviz digraph.
//
// Description:
//
//	The graph is laid out top to bottom on an 18x11 inch page, filled to
//	the page ratio. Nodes are filled boxes; edges carry their call count
//	as label and layout weight.
//
// Inputs:
//
//	w - Destination.
//	scene - Content to write. Must not be nil.
//
// Outputs:
//
//	error - The first write failure.
func WriteDOT(w io.Writer, scene *Scene) error {
	bw := bufio.NewWriter(w)

	fmt.Fprintln(bw, "strict digraph {")
	fmt.Fprintf(bw, "\tgraph [center=1, page=%s, ranksep=1.0, ratio=fill];\n", dotQuote("18,11"))
	fmt.Fprintf(bw, "\tnode [fillcolor=%s, fontname=%s, style=filled];\n", dotQuote("#f8f8f8"), dotQuote(fontName))
	fmt.Fprintf(bw, "\tedge [fontname=%s];\n", dotQuote(fontName))

	for _, n := range scene.Nodes {
		fmt.Fprintf(bw, "\t%s [fillcolor=%s, label=%s, shape=box];\n",
			dotQuote(n.ID), dotQuote(n.FillColor), dotQuote(n.Label))
	}
	for _, e := range scene.Edges {
		fmt.Fprintf(bw, "\t%s -> %s [label=%s, penwidth=%d, weight=%d];\n",
			dotQuote(e.From), dotQuote(e.To), dotQuote(e.Label), e.PenWidth, e.Weight)
	}
	fmt.Fprintln(bw, "}")

	if err := bw.Flush(); err != nil {
		return fmt.Errorf("writing dot: %w", err)
	}
	return nil
}

// dotQuote returns s as a DOT double-quoted string. Newlines become the
// DOT centered line break escape.
func dotQuote(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 2)
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte('"')
	return b.String()
}

// OutputFormat derives the Graphviz -T format from an output file name.
// Names without an extension render as PDF.
func OutputFormat(path string) string {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	if ext == "" {
		return "pdf"
	}
	return ext
}

// RunDot lays out scene with the Graphviz program at dotPath and writes
// the result to outPath in the format implied by its extension.
//
// Outputs:
//
//	error - *DotError when dot exits non-zero, or the start
//	    failure (e.g. exec.ErrNotFound) wrapped.
func RunDot(ctx context.Context, dotPath string, scene *Scene, outPath string, logger *slog.Logger) (err error) {
	if dotPath == "" {
		dotPath = DefaultDotPath
	}
	if logger == nil {
		logger = slog.Default()
	}
	format := OutputFormat(outPath)

	ctx, span := telemetry.StartSpan(ctx, telemetry.TracerRender, "render.RunDot",
		trace.WithAttributes(
			attribute.String("format", format),
			attribute.Int("nodes", len(scene.Nodes)),
			attribute.Int("edges", len(scene.Edges)),
		),
	)
	defer func() { telemetry.EndSpan(span, err) }()

	var src bytes.Buffer
	if err := WriteDOT(&src, scene); err != nil {
		return err
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, dotPath, "-T"+format, "-o", outPath)
	cmd.Stdin = &src
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			msg := stderr.String()
			if len(msg) > maxDotStderrBytes {
				msg = msg[:maxDotStderrBytes]
			}
			return &DotError{
				Command:  cmd.String(),
				Format:   format,
				ExitCode: exitErr.ExitCode(),
				Stderr:   msg,
			}
		}
		return fmt.Errorf("running %s: %w", dotPath, err)
	}

	logger.Info("graph rendered",
		slog.String("path", outPath),
		slog.String("format", format),
		slog.Int("nodes", len(scene.Nodes)),
		slog.Int("edges", len(scene.Edges)))
	return nil
}
