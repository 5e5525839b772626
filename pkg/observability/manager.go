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

package observability

import (
	"context"
	"fmt"
	"net/http"
)

// Manager owns the Tracer and Metrics for the process's lifetime.
type Manager struct {
	tracer  *Tracer
	metrics *Metrics
}

// NewManager builds a Manager from cfg. A nil cfg yields a Manager whose
// Tracer is a no-op and whose Metrics is nil, so callers never need a
// separate "observability disabled" branch.
func NewManager(ctx context.Context, cfg *Config) (*Manager, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("observability: invalid config: %w", err)
	}

	tracer, err := NewTracer(ctx, &cfg.Tracing)
	if err != nil {
		return nil, err
	}

	return &Manager{
		tracer:  tracer,
		metrics: NewMetrics(&cfg.Metrics),
	}, nil
}

// Tracer returns the process tracer. Never nil.
func (m *Manager) Tracer() *Tracer { return m.tracer }

// Metrics returns the metrics collector set, or nil if metrics are disabled.
func (m *Manager) Metrics() *Metrics { return m.metrics }

// MetricsHandler returns the HTTP handler for the /metrics endpoint.
func (m *Manager) MetricsHandler() http.Handler { return m.metrics.Handler() }

// Shutdown flushes the tracer's exporter.
func (m *Manager) Shutdown(ctx context.Context) error {
	return m.tracer.Shutdown(ctx)
}
