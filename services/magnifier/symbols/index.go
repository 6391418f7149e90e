// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package symbols maps kernel function names to the source files that
// define them, and builds that mapping from debug-info dumps.
package symbols

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"
)

// MapSeparator separates symbol and file path in a symbol map line.
const MapSeparator = "|"

// DefaultMapFile is the file name used when none is configured.
const DefaultMapFile = "symbol-filepath.map"

// Entry is one symbol → source file pair.
type Entry struct {
	Symbol   string
	FilePath string
}

// Index is an in-memory symbol → source file lookup table.
//
// Description:
//
//	Loaded once from a symbol map file and read-only afterwards. A nil
//	*Index is valid and resolves nothing, which is how "no enrichment"
//	is represented.
//
// Thread Safety: Safe for concurrent reads after construction.
type Index struct {
	files   map[string]string
	skipped int
}

// NewIndex builds an index from entries. Later duplicates overwrite earlier ones.
func NewIndex(entries []Entry) *Index {
	idx := &Index{files: make(map[string]string, len(entries))}
	for _, e := range entries {
		idx.files[e.Symbol] = e.FilePath
	}
	return idx
}

// LoadIndex reads a symbol map file.
//
// Description:
//
//	Each line is "symbol|filePath". The line is split on the first
//	separator, so the path keeps any later "|" characters. Blank lines and
//	lines without a separator are skipped and counted. Duplicate symbols
//	overwrite.
//
// Inputs:
//
//	path - Path to the symbol map file.
//
// Outputs:
//
//	*Index - The loaded index, or nil when the file does not exist or is
//	    empty. A nil index means no enrichment and is not an error.
//	error - Non-nil if the file exists but cannot be read.
func LoadIndex(path string) (*Index, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			slog.Info("symbol map not found, continuing without source files",
				slog.String("path", path))
			return nil, nil
		}
		return nil, fmt.Errorf("stat symbol map %s: %w", path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("symbol map %s is a directory", path)
	}
	if info.Size() == 0 {
		slog.Info("symbol map is empty, continuing without source files",
			slog.String("path", path))
		return nil, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening symbol map %s: %w", path, err)
	}
	defer f.Close()

	idx, err := ReadIndex(f)
	if err != nil {
		return nil, fmt.Errorf("reading symbol map %s: %w", path, err)
	}

	slog.Info("loaded symbol map",
		slog.String("path", path),
		slog.Int("symbols", idx.Len()),
		slog.Int("skipped_lines", idx.Skipped()))
	return idx, nil
}

// ReadIndex parses symbol map lines from r.
func ReadIndex(r io.Reader) (*Index, error) {
	idx := &Index{files: make(map[string]string)}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		symbol, file, ok := strings.Cut(line, MapSeparator)
		if !ok || symbol == "" {
			idx.skipped++
			continue
		}
		idx.files[symbol] = file
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return idx, nil
}

// Lookup returns the source file for symbol.
//
// A nil index, an unknown symbol and a symbol mapped to an empty path
// all report false.
func (idx *Index) Lookup(symbol string) (string, bool) {
	if idx == nil {
		return "", false
	}
	file, ok := idx.files[symbol]
	if !ok || file == "" {
		return "", false
	}
	return file, true
}

// Len returns the number of distinct symbols.
func (idx *Index) Len() int {
	if idx == nil {
		return 0
	}
	return len(idx.files)
}

// Skipped returns the number of malformed lines seen while loading.
func (idx *Index) Skipped() int {
	if idx == nil {
		return 0
	}
	return idx.skipped
}
