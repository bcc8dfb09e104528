// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package log provides the structured logger shared by the flow
// runtime, task queue, and worker supervisor.
package log

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Format represents the log output format.
type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// LevelTrace is more verbose than Debug; used for step input/output dumps.
const LevelTrace = slog.Level(-8)

// Standard field keys for structured logging, kept consistent across
// the runtime, queue, and supervisor.
const (
	RunIDKey    = "run_id"
	FlowKey     = "flow"
	StepIDKey   = "step_id"
	TaskIDKey   = "task_id"
	DurationKey = "duration_ms"
	EventKey    = "event"
)

// Config holds the logging configuration.
type Config struct {
	Level     string
	Format    Format
	Output    io.Writer
	AddSource bool
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Level:     "info",
		Format:    FormatJSON,
		Output:    os.Stderr,
		AddSource: false,
	}
}

// FromEnv creates a Config from environment variables.
//
//   - TRACEMIND_DEBUG: true/1 enables debug level and source logging.
//   - TRACEMIND_LOG_LEVEL: trace, debug, info, warn, error.
//   - TRACEMIND_LOG_FORMAT: json, text.
//   - TRACEMIND_LOG_SOURCE: 1 enables source file/line.
func FromEnv() *Config {
	cfg := DefaultConfig()

	debug := os.Getenv("TRACEMIND_DEBUG")
	if debug == "true" || debug == "1" {
		cfg.Level = "debug"
		cfg.AddSource = true
	}

	if debug == "" {
		if level := os.Getenv("TRACEMIND_LOG_LEVEL"); level != "" {
			cfg.Level = strings.ToLower(level)
		}
	}

	if format := os.Getenv("TRACEMIND_LOG_FORMAT"); format != "" {
		cfg.Format = Format(strings.ToLower(format))
	}

	if os.Getenv("TRACEMIND_LOG_SOURCE") == "1" {
		cfg.AddSource = true
	}

	return cfg
}

// New creates a new structured logger from the given configuration.
func New(cfg *Config) *slog.Logger {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}

	opts := &slog.HandlerOptions{
		Level:     parseLevel(cfg.Level),
		AddSource: cfg.AddSource,
	}

	var handler slog.Handler
	switch cfg.Format {
	case FormatText:
		handler = slog.NewTextHandler(cfg.Output, opts)
	default:
		handler = slog.NewJSONHandler(cfg.Output, opts)
	}

	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "trace":
		return LevelTrace
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithRunContext returns a logger annotated with run_id and flow name.
func WithRunContext(logger *slog.Logger, runID, flow string) *slog.Logger {
	return logger.With(slog.String(RunIDKey, runID), slog.String(FlowKey, flow))
}

// WithStepContext returns a logger annotated with run_id and step_id.
func WithStepContext(logger *slog.Logger, runID, stepID string) *slog.Logger {
	return logger.With(slog.String(RunIDKey, runID), slog.String(StepIDKey, stepID))
}

// WithTaskContext returns a logger annotated with task_id and flow name.
func WithTaskContext(logger *slog.Logger, taskID, flow string) *slog.Logger {
	return logger.With(slog.String(TaskIDKey, taskID), slog.String(FlowKey, flow))
}

// Duration creates a duration attribute expressed in milliseconds.
func Duration(key string, ms int64) slog.Attr {
	return slog.Int64(key+"_ms", ms)
}

// Error creates an error attribute.
func Error(err error) slog.Attr {
	return slog.Any("error", err)
}
