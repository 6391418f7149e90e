// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ftrace

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
)

// Controller switches the function tracer on and off.
//
// Description:
//
//	Enable selects the counter clock (cheaper than wall time) and the
//	function tracer, optionally narrows the CPU mask, and turns tracing
//	on. Disable undoes this and restores the CPU mask that was in place
//	before Enable.
//
// Thread Safety: Not safe for concurrent use.
type Controller struct {
	fp     FileProvider
	logger *slog.Logger

	savedMask string
	enabled   bool
}

// NewController creates a controller over fp. A nil logger means slog.Default().
func NewController(fp FileProvider, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{fp: fp, logger: logger}
}

// Enable starts function tracing.
//
// Inputs:
//
//	cpumask - Value for tracing_cpumask, e.g. "1" for CPU 0. Empty keeps
//	    the current mask.
//
// Outputs:
//
//	int - The per-CPU ring buffer size in bytes, read from buffer_size_kb.
//	    Suitable as the Recorder read size.
//	error - Non-nil if any control file could not be read or written.
func (c *Controller) Enable(cpumask string) (int, error) {
	if err := c.write(FileTraceClock, "counter"); err != nil {
		return 0, err
	}
	if err := c.write(FileCurrentTracer, "function"); err != nil {
		return 0, err
	}

	bufferSize, err := c.BufferSize()
	if err != nil {
		return 0, err
	}

	if cpumask != "" {
		current, err := c.fp.ReadFile(FileCPUMask)
		if err != nil {
			return 0, fmt.Errorf("reading %s: %w", FileCPUMask, err)
		}
		c.savedMask = strings.TrimSpace(string(current))
		c.logger.Info("limiting recording to CPU mask", slog.String("cpumask", cpumask))
		if err := c.write(FileCPUMask, cpumask); err != nil {
			return 0, err
		}
	}

	if err := c.write(FileTracingOn, "1"); err != nil {
		return 0, err
	}
	c.enabled = true
	return bufferSize, nil
}

// Disable stops tracing and restores defaults. Every step is attempted;
// the errors are joined.
func (c *Controller) Disable() error {
	var errs []error
	errs = append(errs, c.write(FileTracingOn, "0"))
	errs = append(errs, c.write(FileCurrentTracer, "nop"))
	errs = append(errs, c.write(FileTraceClock, "local"))
	if c.savedMask != "" {
		errs = append(errs, c.write(FileCPUMask, c.savedMask))
		c.savedMask = ""
	}
	c.enabled = false
	return errors.Join(errs...)
}

// Enabled reports whether Enable succeeded and Disable has not run since.
func (c *Controller) Enabled() bool {
	return c.enabled
}

// BufferSize reads buffer_size_kb and returns it in bytes.
func (c *Controller) BufferSize() (int, error) {
	raw, err := c.fp.ReadFile(FileBufferSizeKB)
	if err != nil {
		return 0, fmt.Errorf("reading %s: %w", FileBufferSizeKB, err)
	}
	// buffer_size_kb reads "7 (expanded: 1408)" before the buffer is allocated.
	field := strings.Fields(string(raw))
	if len(field) == 0 {
		return 0, fmt.Errorf("empty %s", FileBufferSizeKB)
	}
	kb, err := strconv.Atoi(field[0])
	if err != nil || kb <= 0 {
		return 0, fmt.Errorf("invalid %s value %q", FileBufferSizeKB, strings.TrimSpace(string(raw)))
	}
	return kb * 1024, nil
}

func (c *Controller) write(name, value string) error {
	if err := c.fp.WriteFile(name, []byte(value)); err != nil {
		return fmt.Errorf("writing %q to %s: %w", value, name, err)
	}
	return nil
}
