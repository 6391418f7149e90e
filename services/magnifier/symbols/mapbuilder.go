// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package symbols

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"iter"
	"os"
	"strings"
)

// Debug-info attribute markers as printed by dwarfdump.
const (
	nameMarker     = "DW_AT_name"
	declFileMarker = "DW_AT_decl_file"
)

// DefaultPrefixSample is how many leading entries are inspected when
// computing the common path prefix.
const DefaultPrefixSample = 200

// ctxCheckInterval is how many lines are consumed between context checks.
const ctxCheckInterval = 4096

// BuildMap pairs symbol names with their declaring files from debug-info
// dump lines.
//
// Description:
//
//	Tracks one pending name and one pending file. A DW_AT_name line with
//	exactly two whitespace tokens sets the pending name. A DW_AT_decl_file
//	line with exactly three tokens sets the pending file from its third
//	token; if a name is pending the pair is emitted and both slots are
//	cleared. A name that is overwritten before any file arrives is dropped.
//	Lines with other token counts are ignored.
//
// Inputs:
//
//	ctx - Checked periodically; cancellation stops consumption.
//	lines - The dump, one line per element.
//
// Outputs:
//
//	[]Entry - Pairs in emission order. On cancellation, the pairs
//	    collected so far.
//	error - The context error if ctx was cancelled.
func BuildMap(ctx context.Context, lines iter.Seq[string]) ([]Entry, error) {
	var (
		entries     []Entry
		pendingName string
		pendingFile string
		n           int
	)

	for line := range lines {
		n++
		if n%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return entries, err
			}
		}

		if strings.Contains(line, nameMarker) {
			fields := strings.Fields(line)
			if len(fields) != 2 {
				continue
			}
			pendingName = fields[1]
		}
		if strings.Contains(line, declFileMarker) {
			fields := strings.Fields(line)
			if len(fields) != 3 {
				continue
			}
			pendingFile = fields[2]
			if pendingName != "" {
				entries = append(entries, Entry{Symbol: pendingName, FilePath: pendingFile})
				pendingName, pendingFile = "", ""
			}
		}
	}

	return entries, ctx.Err()
}

// CommonPathPrefix returns the longest common path of paths, compared
// component by component.
//
// Empty and "." components are ignored. Mixing absolute and relative paths
// yields "". For absolute paths with nothing in common the result is "/".
//
// Example:
//
//	CommonPathPrefix([]string{"/a/b/c.c", "/a/b/d.c", "/a/x/e.c"}) // "/a"
func CommonPathPrefix(paths []string) string {
	if len(paths) == 0 {
		return ""
	}

	abs := strings.HasPrefix(paths[0], "/")
	var common []string
	for i, p := range paths {
		if strings.HasPrefix(p, "/") != abs {
			return ""
		}
		parts := pathComponents(p)
		if i == 0 {
			common = parts
			continue
		}
		n := 0
		for n < len(common) && n < len(parts) && common[n] == parts[n] {
			n++
		}
		common = common[:n]
	}

	prefix := strings.Join(common, "/")
	if abs {
		return "/" + prefix
	}
	return prefix
}

func pathComponents(p string) []string {
	raw := strings.Split(p, "/")
	out := make([]string, 0, len(raw))
	for _, c := range raw {
		if c != "" && c != "." {
			out = append(out, c)
		}
	}
	return out
}

// StripCommonPrefix removes the common path prefix of the first sample
// entries from every entry.
//
// Description:
//
//	The prefix is computed over entries[:sample] only but is stripped from
//	all entries that start with it on a component boundary. Entries
//	without the prefix are returned unchanged. A sample <= 0 or larger
//	than len(entries) samples everything. The input slice is not modified.
//
// Outputs:
//
//	[]Entry - The rewritten entries.
//	string - The prefix that was stripped ("" if none).
func StripCommonPrefix(entries []Entry, sample int) ([]Entry, string) {
	out := make([]Entry, len(entries))
	copy(out, entries)

	if sample <= 0 || sample > len(entries) {
		sample = len(entries)
	}
	paths := make([]string, 0, sample)
	for _, e := range entries[:sample] {
		paths = append(paths, e.FilePath)
	}

	prefix := CommonPathPrefix(paths)
	if prefix == "" {
		return out, ""
	}

	for i := range out {
		out[i].FilePath = trimPathPrefix(out[i].FilePath, prefix)
	}
	return out, prefix
}

func trimPathPrefix(path, prefix string) string {
	if !strings.HasPrefix(path, prefix) {
		return path
	}
	rest := path[len(prefix):]
	if rest == "" || strings.HasSuffix(prefix, "/") || strings.HasPrefix(rest, "/") {
		return rest
	}
	// Prefix ended mid-component, e.g. "/a" against "/ab/c.c".
	return path
}

// WriteMap writes entries as "symbol|filePath" lines.
func WriteMap(w io.Writer, entries []Entry) error {
	bw := bufio.NewWriter(w)
	for _, e := range entries {
		if _, err := fmt.Fprintf(bw, "%s%s%s\n", e.Symbol, MapSeparator, e.FilePath); err != nil {
			return fmt.Errorf("writing symbol map entry %s: %w", e.Symbol, err)
		}
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("flushing symbol map: %w", err)
	}
	return nil
}

// WriteMapFile writes entries to path, replacing any existing file.
func WriteMapFile(path string, entries []Entry) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating symbol map %s: %w", path, err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("closing symbol map %s: %w", path, cerr)
		}
	}()
	return WriteMap(f, entries)
}
