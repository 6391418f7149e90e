// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ftrace drives the kernel function tracer through tracefs and
// captures its output.
package ftrace

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Tracefs control files used by this package.
const (
	FileTraceClock    = "trace_clock"
	FileCurrentTracer = "current_tracer"
	FileBufferSizeKB  = "buffer_size_kb"
	FileCPUMask       = "tracing_cpumask"
	FileTracingOn     = "tracing_on"
	FileTracePipe     = "trace_pipe"
)

// DefaultTracefsDirs are probed in order when no directory is configured.
var DefaultTracefsDirs = []string{
	"/sys/kernel/tracing",
	"/sys/kernel/debug/tracing",
}

var (
	// ErrTracefsNotFound means no usable tracefs mount was found.
	ErrTracefsNotFound = errors.New("tracefs not found (is CONFIG_FTRACE enabled and tracefs mounted?)")

	// ErrBadFileName is returned for names that would escape the tracefs root.
	ErrBadFileName = errors.New("bad tracefs file name")
)

// FileProvider gives access to tracefs control and data files by name
// relative to the tracefs root.
type FileProvider interface {
	ReadFile(name string) ([]byte, error)
	WriteFile(name string, data []byte) error
	Open(name string) (io.ReadCloser, error)
}

type dirFileProvider struct {
	root string
}

// NewDirFileProvider returns a provider rooted at dir. The directory is
// not checked; see Locate.
func NewDirFileProvider(dir string) FileProvider {
	return &dirFileProvider{root: dir}
}

// Locate returns a provider for dir, or for the first existing entry of
// DefaultTracefsDirs when dir is empty.
//
// Outputs:
//
//	FileProvider - Provider for the found directory.
//	string - The directory used.
//	error - Wraps ErrTracefsNotFound when nothing suitable exists.
func Locate(dir string) (FileProvider, string, error) {
	candidates := DefaultTracefsDirs
	if dir != "" {
		candidates = []string{dir}
	}
	for _, c := range candidates {
		info, err := os.Stat(c)
		if err == nil && info.IsDir() {
			return NewDirFileProvider(c), c, nil
		}
	}
	return nil, "", fmt.Errorf("%w: tried %s", ErrTracefsNotFound, strings.Join(candidates, ", "))
}

func (p *dirFileProvider) ReadFile(name string) ([]byte, error) {
	if !SafePath(name) {
		return nil, ErrBadFileName
	}
	return os.ReadFile(filepath.Join(p.root, name))
}

func (p *dirFileProvider) WriteFile(name string, data []byte) error {
	if !SafePath(name) {
		return ErrBadFileName
	}
	return os.WriteFile(filepath.Join(p.root, name), data, 0)
}

func (p *dirFileProvider) Open(name string) (io.ReadCloser, error) {
	if !SafePath(name) {
		return nil, ErrBadFileName
	}
	f, err := os.Open(filepath.Join(p.root, name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s missing", ErrTracefsNotFound, name)
		}
		return nil, err
	}
	return f, nil
}

// SafePath reports whether name stays inside the tracefs root.
func SafePath(name string) bool {
	if name == "" || filepath.IsAbs(name) {
		return false
	}
	for _, c := range strings.Split(filepath.ToSlash(name), "/") {
		if c == ".." {
			return false
		}
	}
	return true
}
