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

package config

import (
	"fmt"
	"os"

	"github.com/sandboxd/coordinator/pkg/logger"
)

// LoggerConfig configures the process-wide slog logger.
type LoggerConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level,omitempty"`

	// Format is "simple" (level + message + attributes) or "verbose" (time +
	// level + message + attributes). Anything else falls back to slog's default
	// text format.
	Format string `yaml:"format,omitempty"`
}

// SetDefaults applies default values.
func (l *LoggerConfig) SetDefaults() {
	if l.Level == "" {
		l.Level = "info"
	}
	if l.Format == "" {
		l.Format = "simple"
	}
}

// Validate checks the logger configuration.
func (l *LoggerConfig) Validate() error {
	switch l.Level {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid level %q (valid: debug, info, warn, error)", l.Level)
	}
	return nil
}

// Apply initializes the process-wide logger from this configuration.
func (l *LoggerConfig) Apply() {
	level, _ := logger.ParseLevel(l.Level)
	logger.Init(level, os.Stderr, l.Format)
}
