// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package parser classifies lines produced by the ftrace function tracer.
//
// A line is one of three things: a call record ("foo <- bar"), a lost-event
// diagnostic ("CPU:2 [LOST 1305 EVENTS]"), or something we cannot use. The
// parser never fails on input; it only classifies.
package parser

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
)

// Kind identifies which shape a trace line matched.
type Kind int

const (
	// KindUnparseable means the line matched neither known shape.
	KindUnparseable Kind = iota

	// KindRecord means the line is a function call record.
	KindRecord

	// KindLost means the line reports dropped events.
	KindLost
)

// String returns the string representation of the Kind.
func (k Kind) String() string {
	switch k {
	case KindRecord:
		return "record"
	case KindLost:
		return "lost"
	default:
		return "unparseable"
	}
}

const (
	// arrowMarker separates the traced function from its parent.
	arrowMarker = "<-"

	// maxLineBytes bounds a single trace line read by ParseReader.
	maxLineBytes = 1024 * 1024

	// readBufferBytes is the ParseReader read buffer size.
	readBufferBytes = 64 * 1024

	// oversizedPreviewBytes is how much of an oversized line is kept.
	oversizedPreviewBytes = 256

	// ctxCheckInterval is how often ParseReader checks for cancellation.
	ctxCheckInterval = 4096
)

var (
	// recordPattern matches "kworker/u64:1-145123  [000] d..3.   1207319054: preempt_count_sub <-foobar".
	// The arrow may or may not be followed by whitespace.
	recordPattern = regexp.MustCompile(`^(.*)-(\d+)\s+\[(\d+)\]\s+(\S+)\s+(\S+)\s+(\S+)\s+<-\s*(\S+)`)

	// lostPattern matches "CPU:2 [LOST 1305 EVENTS]" anywhere in a line.
	lostPattern = regexp.MustCompile(`LOST\W+(\d+)\W+EVENTS`)
)

// CallRecord is one observed function call.
//
// Only Caller and Callee are consumed by the aggregator. The header fields
// are best-effort and may be empty when the header was malformed.
type CallRecord struct {
	// Caller is the parent function (right of the arrow).
	Caller string

	// Callee is the traced function (left of the arrow).
	Callee string

	Task      string
	PID       int
	CPU       int
	Flags     string
	Timestamp string
}

// Result is the tagged outcome of parsing one line.
//
// Exactly one of Record (Kind == KindRecord) or Lost (Kind == KindLost) is
// meaningful. An unparseable line carries neither.
type Result struct {
	Kind   Kind
	Record CallRecord
	Lost   int

	// Line is the trimmed input, kept for diagnostics.
	Line string
}

// Parse classifies a single trace line.
//
// Description:
//
//	Tries the full ftrace record shape first, then the lost-event shape,
//	and only then the bare "callee <- caller" tail. A line carrying a
//	LOST N EVENTS token is therefore never mistaken for a call. Header
//	fields (task, pid, cpu, flags, timestamp) never cause rejection; only
//	a missing or empty caller/callee around the arrow does.
//
// Inputs:
//
//	line - One raw line. Surrounding whitespace is ignored.
//
// Outputs:
//
//	Result - Never both a record and a lost count.
//
// Thread Safety: Safe for concurrent use (stateless function).
func Parse(line string) Result {
	line = strings.TrimSpace(line)
	if line == "" {
		return Result{Kind: KindUnparseable}
	}

	if rec, ok := parseRecord(line); ok {
		return Result{Kind: KindRecord, Record: rec, Line: line}
	}

	if n, ok := parseLost(line); ok {
		return Result{Kind: KindLost, Lost: n, Line: line}
	}

	if rec, ok := parseArrowTail(line); ok {
		return Result{Kind: KindRecord, Record: rec, Line: line}
	}

	return Result{Kind: KindUnparseable, Line: line}
}

func parseRecord(line string) (CallRecord, bool) {
	m := recordPattern.FindStringSubmatch(line)
	if m == nil {
		return CallRecord{}, false
	}
	rec := CallRecord{
		Task:      strings.TrimSpace(m[1]),
		Flags:     m[4],
		Timestamp: strings.TrimSuffix(m[5], ":"),
		Callee:    m[6],
		Caller:    m[7],
	}
	rec.PID, _ = strconv.Atoi(m[2])
	rec.CPU, _ = strconv.Atoi(m[3])
	return rec, true
}

// parseArrowTail recovers a record from a line whose header is malformed.
func parseArrowTail(line string) (CallRecord, bool) {
	idx := strings.Index(line, arrowMarker)
	if idx < 0 {
		return CallRecord{}, false
	}

	head := strings.Fields(line[:idx])
	tail := strings.Fields(line[idx+len(arrowMarker):])
	if len(head) == 0 || len(tail) == 0 {
		return CallRecord{}, false
	}

	// A timestamp ("100:") or cpu field ("[000]") directly before the arrow
	// means the function name itself is missing.
	callee := head[len(head)-1]
	if strings.HasSuffix(callee, ":") || strings.HasPrefix(callee, "[") {
		return CallRecord{}, false
	}

	rec := CallRecord{
		Callee: callee,
		Caller: tail[0],
	}
	if len(head) >= 2 {
		rec.Timestamp = strings.TrimSuffix(head[len(head)-2], ":")
	}
	return rec, true
}

func parseLost(line string) (int, bool) {
	m := lostPattern.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

// ParseReader streams r line by line and hands each classified line to fn.
//
// Description:
//
//	A line longer than maxLineBytes is discarded up to its newline and
//	reported as unparseable, carrying a truncated copy in Result.Line, so
//	one corrupt line never ends the stream. The context is checked
//	periodically so a long file can be abandoned. An error returned by fn
//	stops the scan and is returned unchanged.
//
// Inputs:
//
//	ctx - Context for cancellation. Must not be nil.
//	r - Source of trace text.
//	fn - Callback invoked once per line, in order.
//
// Outputs:
//
//	error - Non-nil on read failure, cancellation, or callback error.
func ParseReader(ctx context.Context, r io.Reader, fn func(Result) error) error {
	if ctx == nil {
		return fmt.Errorf("ParseReader: ctx must not be nil")
	}

	br := bufio.NewReaderSize(r, readBufferBytes)
	buf := make([]byte, 0, readBufferBytes)

	lines := 0
	for {
		line, oversized, readErr := readLine(br, buf[:0])
		if readErr != nil && readErr != io.EOF {
			return fmt.Errorf("reading trace lines: %w", readErr)
		}
		if readErr == io.EOF && len(line) == 0 && !oversized {
			return nil
		}

		lines++
		if lines%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}

		res := Result{Kind: KindUnparseable, Line: string(line)}
		if !oversized {
			res = Parse(string(line))
		}
		if err := fn(res); err != nil {
			return err
		}

		if readErr == io.EOF {
			return nil
		}
		buf = line
	}
}

// readLine returns the next line without its terminator. A line longer
// than maxLineBytes is consumed to its end but only its first
// oversizedPreviewBytes are returned, with oversized set.
func readLine(br *bufio.Reader, buf []byte) (line []byte, oversized bool, err error) {
	for {
		chunk, readErr := br.ReadSlice('\n')
		if !oversized {
			if len(buf)+len(chunk) > maxLineBytes {
				oversized = true
				keep := min(oversizedPreviewBytes-len(buf), len(chunk))
				if keep > 0 {
					buf = append(buf, chunk[:keep]...)
				}
			} else {
				buf = append(buf, chunk...)
			}
		}
		if errors.Is(readErr, bufio.ErrBufferFull) {
			continue
		}
		if oversized && len(buf) > oversizedPreviewBytes {
			buf = buf[:oversizedPreviewBytes]
		}
		return bytes.TrimRight(buf, "\r\n"), oversized, readErr
	}
}
