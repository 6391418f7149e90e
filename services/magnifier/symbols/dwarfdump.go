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
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"os/exec"
	"strings"
	"sync"
)

// maxLineBytes bounds a single line of subprocess output.
const maxLineBytes = 1024 * 1024

// maxStderrBytes bounds how much stderr is kept for error reporting.
const maxStderrBytes = 64 * 1024

// CommandError reports a subprocess that exited with a non-zero status.
type CommandError struct {
	// Command is the command line that was run.
	Command string

	// ExitCode is the process exit status.
	ExitCode int

	// Stderr is the captured (possibly truncated) error output.
	Stderr string
}

// Error implements the error interface.
func (e *CommandError) Error() string {
	msg := fmt.Sprintf("command %q exited with code %d", e.Command, e.ExitCode)
	if stderr := strings.TrimSpace(e.Stderr); stderr != "" {
		msg += ": " + stderr
	}
	return msg
}

// LineStream is a forward-only sequence of lines read from a subprocess.
//
// Description:
//
//	Lines are yielded as the process writes them, so the consumer can
//	begin work before the process exits. The sequence can be consumed
//	once; Wait must be called afterwards to reap the process and learn
//	its exit status.
//
// Thread Safety: Not safe for concurrent use.
type LineStream struct {
	command string
	ctx     context.Context
	cmd     *exec.Cmd
	stdout  io.ReadCloser
	stderr  *boundedBuffer

	consumed bool
	scanErr  error

	waitOnce sync.Once
	waitErr  error
}

// RunLines starts name with args and returns a stream over its stdout.
//
// Description:
//
//	The process is started immediately. Cancelling ctx kills it. Stderr is
//	captured for error reporting.
//
// Inputs:
//
//	ctx - Controls the process lifetime. Must not be nil.
//	name - Program to run, resolved through PATH.
//	args - Program arguments.
//
// Outputs:
//
//	*LineStream - The running stream. Call Wait when done.
//	error - Non-nil if the process could not be started.
//
// Example:
//
//	stream, err := symbols.RunLines(ctx, "dwarfdump", "/boot/vmlinux")
//	if err != nil {
//	    return err
//	}
//	for line := range stream.Lines() {
//	    ...
//	}
//	if err := stream.Wait(); err != nil {
//	    ...
//	}
func RunLines(ctx context.Context, name string, args ...string) (*LineStream, error) {
	if ctx == nil {
		return nil, fmt.Errorf("RunLines: ctx must not be nil")
	}

	command := strings.Join(append([]string{name}, args...), " ")
	cmd := exec.CommandContext(ctx, name, args...)

	stderr := &boundedBuffer{limit: maxStderrBytes}
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdout pipe for %q: %w", command, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %q: %w", command, err)
	}

	return &LineStream{
		command: command,
		ctx:     ctx,
		cmd:     cmd,
		stdout:  stdout,
		stderr:  stderr,
	}, nil
}

// Command returns the command line being run.
func (s *LineStream) Command() string {
	return s.command
}

// Lines returns the stdout lines with surrounding whitespace trimmed.
//
// The returned sequence may be ranged over once. Breaking out of the loop
// early is allowed; Wait discards whatever output remains.
func (s *LineStream) Lines() iter.Seq[string] {
	return func(yield func(string) bool) {
		if s.consumed {
			return
		}
		s.consumed = true

		scanner := bufio.NewScanner(s.stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
		for scanner.Scan() {
			if !yield(strings.TrimSpace(scanner.Text())) {
				return
			}
		}
		s.scanErr = scanner.Err()
	}
}

// Wait drains any unread output, waits for the process to exit and
// reports how it ended.
//
// Outputs:
//
//	error - nil on a clean exit; a *CommandError for a non-zero exit;
//	    the context error (wrapped) when ctx was cancelled; otherwise the
//	    underlying read or wait error.
//
// Safe to call more than once; later calls return the first result.
func (s *LineStream) Wait() error {
	s.waitOnce.Do(func() {
		s.consumed = true
		_, _ = io.Copy(io.Discard, s.stdout)

		err := s.cmd.Wait()
		switch {
		case s.ctx.Err() != nil:
			s.waitErr = fmt.Errorf("%q interrupted: %w", s.command, s.ctx.Err())
		case err != nil:
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				s.waitErr = &CommandError{
					Command:  s.command,
					ExitCode: exitErr.ExitCode(),
					Stderr:   s.stderr.String(),
				}
			} else {
				s.waitErr = fmt.Errorf("waiting for %q: %w", s.command, err)
			}
		case s.scanErr != nil:
			s.waitErr = fmt.Errorf("reading output of %q: %w", s.command, s.scanErr)
		}
	})
	return s.waitErr
}

// boundedBuffer keeps the first limit bytes written to it and discards
// the rest.
type boundedBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.limit - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *boundedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
