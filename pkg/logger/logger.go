// Copyright 2025 Kadir Pekel
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

// Package logger configures the process-wide slog logger. Two formats are
// supported: "simple" (level + message + attributes) for interactive use,
// and "verbose" (timestamp + level + message + attributes) for logs that
// outlive a session. Records emitted by third-party libraries through the
// default slog logger are suppressed unless the level is debug, so provider
// and kernel library noise doesn't drown the coordinator's own output.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"sync"
)

var (
	mu            sync.Mutex
	defaultLogger *slog.Logger
)

const modulePrefix = "github.com/sandboxd/coordinator"

// ParseLevel converts a string log level to slog.Level.
// Valid levels: debug, info, warn, error.
func ParseLevel(levelStr string) (slog.Level, error) {
	switch strings.ToLower(levelStr) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("logger: unknown level %q", levelStr)
	}
}

// handler renders records as single "LEVEL message k=v" lines, with a
// timestamp prefix in verbose mode, and filters third-party records when
// the level is above debug.
type handler struct {
	writer   io.Writer
	minLevel slog.Level
	verbose  bool

	group string
	attrs []slog.Attr
}

func (h *handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.minLevel
}

func (h *handler) Handle(_ context.Context, record slog.Record) error {
	if h.minLevel > slog.LevelDebug && !fromThisModule(record.PC) {
		return nil
	}

	var buf strings.Builder
	if h.verbose && !record.Time.IsZero() {
		buf.WriteString(record.Time.Format("2006/01/02 15:04:05 "))
	}

	level := record.Level.String()
	if level == "WARNING" {
		level = "WARN"
	}
	buf.WriteString(level)
	buf.WriteString(" ")
	buf.WriteString(record.Message)

	for _, a := range h.attrs {
		h.writeAttr(&buf, a)
	}
	record.Attrs(func(a slog.Attr) bool {
		h.writeAttr(&buf, a)
		return true
	})
	buf.WriteString("\n")

	_, err := h.writer.Write([]byte(buf.String()))
	return err
}

func (h *handler) writeAttr(buf *strings.Builder, a slog.Attr) {
	buf.WriteString(" ")
	if h.group != "" {
		buf.WriteString(h.group)
		buf.WriteString(".")
	}
	buf.WriteString(a.Key)
	buf.WriteString("=")
	buf.WriteString(a.Value.String())
}

func (h *handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &clone
}

func (h *handler) WithGroup(name string) slog.Handler {
	clone := *h
	if clone.group != "" {
		clone.group += "." + name
	} else {
		clone.group = name
	}
	return &clone
}

// fromThisModule reports whether the record's program counter is inside
// this module, which is how the handler tells the coordinator's own logs
// apart from third-party library logs sharing the default slog logger.
func fromThisModule(pc uintptr) bool {
	if pc == 0 {
		return false
	}
	fn := runtime.FuncForPC(pc)
	if fn == nil {
		return false
	}
	file, _ := fn.FileLine(pc)
	return strings.Contains(fn.Name(), modulePrefix) ||
		strings.Contains(file, "coordinator/pkg/")
}

// Init initializes the process-wide logger with the given level and format.
// Format "simple" (the default) emits level + message + attributes,
// "verbose" prefixes a timestamp; anything else falls back to slog's
// standard text handler.
func Init(level slog.Level, output *os.File, format string) {
	var h slog.Handler
	switch format {
	case "simple", "":
		h = &handler{writer: output, minLevel: level}
	case "verbose":
		h = &handler{writer: output, minLevel: level, verbose: true}
	default:
		h = slog.NewTextHandler(output, &slog.HandlerOptions{Level: level})
	}

	mu.Lock()
	defaultLogger = slog.New(h)
	mu.Unlock()
	slog.SetDefault(defaultLogger)
}

// GetLogger returns the process-wide slog logger, initializing it with
// defaults (info level, simple format, stderr) on first use.
func GetLogger() *slog.Logger {
	mu.Lock()
	defer mu.Unlock()
	if defaultLogger == nil {
		defaultLogger = slog.New(&handler{writer: os.Stderr, minLevel: slog.LevelInfo})
		slog.SetDefault(defaultLogger)
	}
	return defaultLogger
}
