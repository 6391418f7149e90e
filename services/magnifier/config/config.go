// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config holds the settings shared by every magnifier command.
package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/magnifier/services/magnifier/render"
	"github.com/AleutianAI/magnifier/services/magnifier/symbols"
	"github.com/AleutianAI/magnifier/services/magnifier/telemetry"
)

// =============================================================================
// Configuration Types
// =============================================================================

// Config is the full magnifier configuration.
//
// Description:
//
//	Values come from Default, are overlaid by an optional YAML file and
//	finally by command line flags. Validate must pass before use.
//
// Thread Safety: Immutable after loading; safe for concurrent reads.
type Config struct {
	// TracefsDir is the tracefs mount. Empty probes the usual locations.
	TracefsDir string `yaml:"tracefs_dir"`

	// BufferSizeKB overrides the trace_pipe read size. Zero reads
	// buffer_size_kb from tracefs.
	BufferSizeKB int `yaml:"buffer_size_kb" validate:"gte=0"`

	// CPUMask limits recording to the CPUs in this hex mask.
	CPUMask string `yaml:"cpumask" validate:"omitempty,cpumask"`

	// RecordTime is how long record captures. Zero records until
	// interrupted.
	RecordTime time.Duration `yaml:"record_time" validate:"gte=0"`

	// RecordFile is where record writes and visualize reads.
	RecordFile string `yaml:"record_file" validate:"required"`

	// SymbolMapFile is the symbol to source file map.
	SymbolMapFile string `yaml:"symbol_map_file" validate:"required"`

	// ImageName is the rendered graph output.
	ImageName string `yaml:"image_name"`

	// FilterCalls hides edges called this many times or fewer.
	FilterCalls int `yaml:"filter_calls" validate:"gte=0"`

	// FilterPaths keeps only functions whose source file contains one of
	// these substrings.
	FilterPaths []string `yaml:"filter_paths"`

	// ChartLimit is the number of functions in the frequency chart.
	ChartLimit int `yaml:"chart_limit" validate:"gte=0"`

	// PrefixSample is how many map entries determine the common path prefix.
	PrefixSample int `yaml:"prefix_sample" validate:"gt=0"`

	// DwarfdumpPath is the dwarfdump executable.
	DwarfdumpPath string `yaml:"dwarfdump_path" validate:"required"`

	// DotPath is the Graphviz dot executable.
	DotPath string `yaml:"dot_path" validate:"required"`

	// ListenAddr is the serve command's address.
	ListenAddr string `yaml:"listen_addr" validate:"hostname_port"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" validate:"oneof=debug info warn error"`

	// Tracing configures span export.
	Tracing TracingConfig `yaml:"tracing"`

	// Metrics configures OpenTelemetry metric export.
	Metrics MetricsConfig `yaml:"metrics"`
}

// MetricsConfig selects an OpenTelemetry metric exporter. The serve
// command upgrades none to prometheus so /metrics carries graph gauges.
type MetricsConfig struct {
	// Exporter is none, stdout or prometheus.
	Exporter string `yaml:"exporter" validate:"oneof=none stdout prometheus"`
}

// TracingConfig selects an OpenTelemetry exporter.
type TracingConfig struct {
	// Exporter is none, stdout or otlp.
	Exporter string `yaml:"exporter" validate:"oneof=none stdout otlp"`

	// Endpoint is the OTLP gRPC collector address.
	Endpoint string `yaml:"endpoint" validate:"required_if=Exporter otlp"`
}

// =============================================================================
// Defaults
// =============================================================================

const (
	// DefaultConfigFile is read when --config is not given.
	DefaultConfigFile = "magnifier.yaml"

	// DefaultRecordFile is where traces are recorded.
	DefaultRecordFile = "kernel-magnifier.data"

	// DefaultRecordTime is the capture length.
	DefaultRecordTime = 10 * time.Second

	// DefaultDwarfdumpPath is looked up on PATH.
	DefaultDwarfdumpPath = "dwarfdump"

	// DefaultListenAddr is the inspection server address.
	DefaultListenAddr = "127.0.0.1:9090"

	// DefaultLogLevel is the initial log level.
	DefaultLogLevel = "info"

	// DefaultOTLPEndpoint is the usual local collector.
	DefaultOTLPEndpoint = "localhost:4317"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		RecordTime:    DefaultRecordTime,
		RecordFile:    DefaultRecordFile,
		SymbolMapFile: symbols.DefaultMapFile,
		ImageName:     render.DefaultImageName,
		ChartLimit:    render.DefaultChartLimit,
		PrefixSample:  symbols.DefaultPrefixSample,
		DwarfdumpPath: DefaultDwarfdumpPath,
		DotPath:       render.DefaultDotPath,
		ListenAddr:    DefaultListenAddr,
		LogLevel:      DefaultLogLevel,
		Tracing: TracingConfig{
			Exporter: "none",
			Endpoint: DefaultOTLPEndpoint,
		},
		Metrics: MetricsConfig{
			Exporter: "none",
		},
	}
}

// =============================================================================
// Loading
// =============================================================================

// Load reads the YAML file at path over the defaults and validates the
// result.
//
// Description:
//
//	Keys absent from the file keep their default. Unknown keys are an
//	error so that typos do not silently fall back to defaults. A missing
//	file is not an error: the defaults are returned.
//
// Inputs:
//
//	ctx - Context for tracing. Must not be nil.
//	path - YAML file. Empty means defaults only.
//
// Outputs:
//
//	*Config - The loaded configuration. Never nil on success.
//	error - Read, parse or validation failure. Validation failures wrap
//	    ErrInvalidConfig.
func Load(ctx context.Context, path string) (cfg *Config, err error) {
	if ctx == nil {
		return nil, fmt.Errorf("config.Load: ctx must not be nil")
	}
	_, span := telemetry.StartSpan(ctx, telemetry.TracerConfig, "config.Load",
		trace.WithAttributes(attribute.String("path", path)))
	defer func() { telemetry.EndSpan(span, err) }()

	cfg = Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		slog.Debug("config file not found, using defaults", slog.String("path", path))
		span.SetAttributes(attribute.Bool("defaults", true))
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := Decode(bytes.NewReader(data), cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}

	slog.Info("loaded config", slog.String("path", path))
	return cfg, nil
}

// Decode overlays the YAML document in r onto cfg. An empty document
// leaves cfg unchanged.
func Decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// =============================================================================
// Validation
// =============================================================================

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// tracing_cpumask is hex, in comma separated 32-bit groups on large machines.
	_ = v.RegisterValidation("cpumask", func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		if s == "" || strings.HasPrefix(s, ",") || strings.HasSuffix(s, ",") {
			return false
		}
		for _, r := range s {
			if !strings.ContainsRune("0123456789abcdefABCDEF,", r) {
				return false
			}
		}
		return true
	})
	return v
}

// Validate checks every field constraint.
//
// Outputs:
//
//	error - Wraps ErrInvalidConfig and lists each failing field by its
//	    YAML key.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %q (value %v)", yamlPath(fe.StructNamespace()), fe.Tag(), fe.Value()))
	}
	return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(msgs, "; "))
}

// yamlKeys maps Go field names to YAML keys for error messages.
var yamlKeys = map[string]string{
	"TracefsDir":    "tracefs_dir",
	"BufferSizeKB":  "buffer_size_kb",
	"CPUMask":       "cpumask",
	"RecordTime":    "record_time",
	"RecordFile":    "record_file",
	"SymbolMapFile": "symbol_map_file",
	"ImageName":     "image_name",
	"FilterCalls":   "filter_calls",
	"FilterPaths":   "filter_paths",
	"ChartLimit":    "chart_limit",
	"PrefixSample":  "prefix_sample",
	"DwarfdumpPath": "dwarfdump_path",
	"DotPath":       "dot_path",
	"ListenAddr":    "listen_addr",
	"LogLevel":      "log_level",
	"Tracing":       "tracing",
	"Metrics":       "metrics",
	"Exporter":      "exporter",
	"Endpoint":      "endpoint",
}

// yamlPath turns "Config.Tracing.Exporter" into "tracing.exporter".
func yamlPath(ns string) string {
	parts := strings.Split(ns, ".")
	if len(parts) > 1 {
		parts = parts[1:]
	}
	for i, p := range parts {
		if k, ok := yamlKeys[p]; ok {
			parts[i] = k
		}
	}
	return strings.Join(parts, ".")
}

// =============================================================================
// Helpers
// =============================================================================

// SplitList splits a comma separated flag value, dropping blanks.
func SplitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// SlogLevel returns the configured level. Unknown names fall back to info.
func (c *Config) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}
