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

// Package observability wires a minimal OpenTelemetry tracer and a set of
// Prometheus counters/histograms around the provider client, tool service,
// and coordinator: provider connects and tool invocations, approval
// outcomes, and execution budget timeouts.
package observability

import "fmt"

// Config configures the observability system.
type Config struct {
	// Tracing configures OpenTelemetry tracing.
	Tracing TracingConfig `yaml:"tracing,omitempty"`

	// Metrics configures Prometheus metrics collection.
	Metrics MetricsConfig `yaml:"metrics,omitempty"`
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	// Enabled turns on span recording.
	Enabled bool `yaml:"enabled,omitempty"`

	// Exporter selects where spans go: "stdout" or "none".
	Exporter string `yaml:"exporter,omitempty"`

	// ServiceName identifies this service in traces.
	ServiceName string `yaml:"service_name,omitempty"`

	// SamplingRate controls what fraction of traces are sampled, 0.0-1.0.
	SamplingRate float64 `yaml:"sampling_rate,omitempty"`
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	// Enabled turns on metrics collection and the /metrics handler.
	Enabled bool `yaml:"enabled,omitempty"`

	// Namespace prefixes every metric name.
	Namespace string `yaml:"namespace,omitempty"`
}

// SetDefaults applies default values.
func (c *Config) SetDefaults() {
	c.Tracing.SetDefaults()
	c.Metrics.SetDefaults()
}

// Validate checks the observability configuration.
func (c *Config) Validate() error {
	if err := c.Tracing.Validate(); err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	return nil
}

// SetDefaults applies default values to the tracing configuration.
func (t *TracingConfig) SetDefaults() {
	if t.Exporter == "" {
		t.Exporter = "stdout"
	}
	if t.ServiceName == "" {
		t.ServiceName = "sandboxd"
	}
	if t.SamplingRate == 0 {
		t.SamplingRate = 1.0
	}
}

// Validate checks the tracing configuration.
func (t *TracingConfig) Validate() error {
	switch t.Exporter {
	case "", "stdout", "none":
	default:
		return fmt.Errorf("unknown exporter %q (valid: stdout, none)", t.Exporter)
	}
	if t.SamplingRate < 0 || t.SamplingRate > 1 {
		return fmt.Errorf("sampling_rate must be between 0 and 1, got %v", t.SamplingRate)
	}
	return nil
}

// SetDefaults applies default values to the metrics configuration.
func (m *MetricsConfig) SetDefaults() {
	if m.Namespace == "" {
		m.Namespace = "sandboxd"
	}
}
