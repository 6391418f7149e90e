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
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/magnifier/services/magnifier/telemetry"
)

const (
	// DefaultReadSize is used when no buffer size is configured.
	DefaultReadSize = 64 * 1024

	// drainTimeout bounds how long Record waits for a read that was in
	// flight when recording stopped.
	drainTimeout = 2 * time.Second
)

// RecorderOptions configures a Recorder.
type RecorderOptions struct {
	// ReadSize is the chunk size of each trace_pipe read, in bytes.
	ReadSize int

	// Duration stops recording after this long. Zero records until the
	// context is cancelled or the pipe ends.
	Duration time.Duration

	// Logger receives progress logs. Defaults to slog.Default().
	Logger *slog.Logger
}

// RecorderOption is a functional option for configuring a Recorder.
type RecorderOption func(*RecorderOptions)

// WithReadSize sets the read chunk size.
func WithReadSize(n int) RecorderOption {
	return func(o *RecorderOptions) {
		o.ReadSize = n
	}
}

// WithDuration sets the recording deadline.
func WithDuration(d time.Duration) RecorderOption {
	return func(o *RecorderOptions) {
		o.Duration = d
	}
}

// WithRecorderLogger sets the logger.
func WithRecorderLogger(l *slog.Logger) RecorderOption {
	return func(o *RecorderOptions) {
		o.Logger = l
	}
}

// Recorder copies trace_pipe to an output.
type Recorder struct {
	fp      FileProvider
	options RecorderOptions
}

// NewRecorder creates a recorder reading from fp.
func NewRecorder(fp FileProvider, opts ...RecorderOption) *Recorder {
	options := RecorderOptions{ReadSize: DefaultReadSize}
	for _, opt := range opts {
		opt(&options)
	}
	if options.ReadSize <= 0 {
		options.ReadSize = DefaultReadSize
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	return &Recorder{fp: fp, options: options}
}

// RecordResult summarizes a capture.
type RecordResult struct {
	Path     string        `json:"path,omitempty"`
	Bytes    int64         `json:"bytes"`
	Duration time.Duration `json:"duration"`
	// Interrupted is true when the context ended the capture.
	Interrupted bool `json:"interrupted"`
}

type chunk struct {
	data []byte
	err  error
}

// Record copies trace_pipe to out until the deadline passes, ctx is
// cancelled, or the pipe reports EOF.
//
// Description:
//
//	The pipe is read in a helper goroutine so that cancellation does not
//	wait for the kernel to produce data. When recording stops the pipe is
//	closed and any chunk already read is still written to out, so every
//	byte taken from the kernel lands in the output.
//
// Inputs:
//
//	ctx - Cancellation (e.g. SIGINT). Cancellation is not an error.
//	out - Destination. Record does not flush or close it.
//
// Outputs:
//
//	*RecordResult - Bytes written and how the capture ended. Never nil.
//	error - Open, read or write failure. Wraps ErrTracefsNotFound when the
//	    pipe is missing.
func (r *Recorder) Record(ctx context.Context, out io.Writer) (result *RecordResult, err error) {
	result = &RecordResult{}
	start := time.Now()

	ctx, span := telemetry.StartSpan(ctx, telemetry.TracerFtrace, "ftrace.Recorder.Record",
		trace.WithAttributes(
			attribute.Int("read_size", r.options.ReadSize),
			attribute.String("duration", r.options.Duration.String()),
		),
	)
	defer func() {
		result.Duration = time.Since(start)
		telemetry.RecordBytes(int(result.Bytes))
		span.SetAttributes(
			attribute.Int64("bytes", result.Bytes),
			attribute.Bool("interrupted", result.Interrupted),
		)
		telemetry.EndSpan(span, err)
	}()

	pipe, err := r.fp.Open(FileTracePipe)
	if err != nil {
		return result, fmt.Errorf("opening %s: %w", FileTracePipe, err)
	}

	chunks := make(chan chunk, 4)
	done := make(chan struct{})
	defer close(done)
	go readChunks(pipe, r.options.ReadSize, chunks, done)

	var deadline <-chan time.Time
	if r.options.Duration > 0 {
		timer := time.NewTimer(r.options.Duration)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		select {
		case c, ok := <-chunks:
			if !ok {
				_ = pipe.Close()
				return result, nil
			}
			if werr := r.write(out, c.data, result); werr != nil {
				_ = pipe.Close()
				return result, werr
			}
			if c.err != nil {
				_ = pipe.Close()
				return result, fmt.Errorf("reading %s: %w", FileTracePipe, c.err)
			}
		case <-deadline:
			return result, r.stop(pipe, chunks, out, result)
		case <-ctx.Done():
			result.Interrupted = true
			r.options.Logger.Info("recording interrupted")
			return result, r.stop(pipe, chunks, out, result)
		}
	}
}

// stop closes the pipe and writes whatever the reader still delivers.
func (r *Recorder) stop(pipe io.Closer, chunks <-chan chunk, out io.Writer, result *RecordResult) error {
	_ = pipe.Close()
	timeout := time.NewTimer(drainTimeout)
	defer timeout.Stop()
	for {
		select {
		case c, ok := <-chunks:
			if !ok {
				return nil
			}
			if err := r.write(out, c.data, result); err != nil {
				return err
			}
			// Read errors after Close are expected.
		case <-timeout.C:
			r.options.Logger.Warn("trace pipe read still blocked after stop")
			return nil
		}
	}
}

func (r *Recorder) write(out io.Writer, data []byte, result *RecordResult) error {
	if len(data) == 0 {
		return nil
	}
	n, err := out.Write(data)
	result.Bytes += int64(n)
	if err != nil {
		return fmt.Errorf("writing trace data: %w", err)
	}
	return nil
}

// readChunks reads src until EOF or error and closes chunks. A final
// error other than io.EOF is delivered with the last chunk. Closing done
// abandons any pending send, so the goroutine exits once Record returns.
func readChunks(src io.Reader, size int, chunks chan<- chunk, done <-chan struct{}) {
	defer close(chunks)
	send := func(c chunk) bool {
		select {
		case chunks <- c:
			return true
		case <-done:
			return false
		}
	}
	for {
		buf := make([]byte, size)
		n, err := src.Read(buf)
		if errors.Is(err, io.EOF) {
			if n > 0 {
				send(chunk{data: buf[:n]})
			}
			return
		}
		if n > 0 || err != nil {
			if !send(chunk{data: buf[:n], err: err}) {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// RecordFile records into path, replacing it.
//
// Description:
//
//	Output is buffered and flushed on every exit path, including
//	interruption and read failure. Afterwards the file, partial or not, is
//	made world readable on a best effort basis and its size is logged.
func (r *Recorder) RecordFile(ctx context.Context, path string) (*RecordResult, error) {
	f, err := os.Create(path)
	if err != nil {
		return &RecordResult{Path: path}, fmt.Errorf("creating record file %s: %w", path, err)
	}

	w := bufio.NewWriterSize(f, r.options.ReadSize)
	result, recErr := r.Record(ctx, w)
	result.Path = path

	flushErr := w.Flush()
	closeErr := f.Close()

	MakeWorldReadable(path, r.options.Logger)
	if info, err := os.Stat(path); err == nil {
		r.options.Logger.Info("record file size",
			slog.String("path", path),
			slog.String("size", humanize.IBytes(uint64(info.Size()))))
	}

	if err := errors.Join(recErr, flushErr, closeErr); err != nil {
		return result, err
	}
	r.options.Logger.Info("wrote trace data", slog.String("path", path))
	return result, nil
}

// MakeWorldReadable adds read permission for everyone to path. Failures
// are logged and otherwise ignored.
func MakeWorldReadable(path string, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	info, err := os.Stat(path)
	if err != nil {
		logger.Warn("cannot stat file to widen permissions",
			slog.String("path", path), slog.String("error", err.Error()))
		return
	}
	if err := os.Chmod(path, info.Mode().Perm()|0o444); err != nil {
		logger.Warn("cannot make file world readable",
			slog.String("path", path), slog.String("error", err.Error()))
	}
}
