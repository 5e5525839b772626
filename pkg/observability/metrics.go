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
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors the provider clients, tool
// service, and coordinator update.
type Metrics struct {
	registry *prometheus.Registry

	providerConnects *prometheus.CounterVec
	providerErrors   *prometheus.CounterVec

	toolCalls        *prometheus.CounterVec
	toolCallDuration *prometheus.HistogramVec

	approvalOutcomes *prometheus.CounterVec
	approvalWait     *prometheus.HistogramVec

	budgetTimeouts *prometheus.CounterVec
}

// NewMetrics creates the registered collector set, or nil if cfg disables
// metrics; a nil *Metrics is safe to call, every observation is a no-op.
func NewMetrics(cfg *MetricsConfig) *Metrics {
	if cfg == nil || !cfg.Enabled {
		return nil
	}

	m := &Metrics{registry: prometheus.NewRegistry()}

	m.providerConnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.Namespace, Subsystem: "provider", Name: "connects_total",
		Help: "Total number of provider Connect calls, by provider and outcome.",
	}, []string{"provider", "outcome"})

	m.providerErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.Namespace, Subsystem: "provider", Name: "errors_total",
		Help: "Total number of provider errors, by provider and error kind.",
	}, []string{"provider", "kind"})

	m.toolCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.Namespace, Subsystem: "tool", Name: "calls_total",
		Help: "Total number of tool invocations, by provider, tool, and outcome.",
	}, []string{"provider", "tool", "outcome"})

	m.toolCallDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: cfg.Namespace, Subsystem: "tool", Name: "call_duration_seconds",
		Help:    "Tool invocation duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider", "tool"})

	m.approvalOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.Namespace, Subsystem: "approval", Name: "outcomes_total",
		Help: "Total number of resolved approval requests, by decision.",
	}, []string{"decision"})

	m.approvalWait = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: cfg.Namespace, Subsystem: "approval", Name: "wait_seconds",
		Help:    "Time a tool call spent waiting for a host approval decision.",
		Buckets: prometheus.DefBuckets,
	}, []string{"decision"})

	m.budgetTimeouts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.Namespace, Subsystem: "budget", Name: "timeouts_total",
		Help: "Total number of executions ended by execution budget expiry.",
	}, []string{})

	m.registry.MustRegister(
		m.providerConnects, m.providerErrors,
		m.toolCalls, m.toolCallDuration,
		m.approvalOutcomes, m.approvalWait,
		m.budgetTimeouts,
	)

	return m
}

// ObserveProviderConnect records a provider Connect outcome.
func (m *Metrics) ObserveProviderConnect(provider string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.providerConnects.WithLabelValues(provider, outcome).Inc()
}

// ObserveProviderError records a classified provider-side failure.
func (m *Metrics) ObserveProviderError(provider, kind string) {
	if m == nil {
		return
	}
	m.providerErrors.WithLabelValues(provider, kind).Inc()
}

// ObserveToolCall records one tool invocation's outcome and duration.
func (m *Metrics) ObserveToolCall(provider, tool string, isError bool, duration time.Duration) {
	if m == nil {
		return
	}
	outcome := "ok"
	if isError {
		outcome = "error"
	}
	m.toolCalls.WithLabelValues(provider, tool, outcome).Inc()
	m.toolCallDuration.WithLabelValues(provider, tool).Observe(duration.Seconds())
}

// ObserveApprovalResolved records a resolved approval request's decision and
// how long the tool call waited for it.
func (m *Metrics) ObserveApprovalResolved(decision string, waited time.Duration) {
	if m == nil {
		return
	}
	m.approvalOutcomes.WithLabelValues(decision).Inc()
	m.approvalWait.WithLabelValues(decision).Observe(waited.Seconds())
}

// ObserveBudgetTimeout records one execution ended by budget expiry.
func (m *Metrics) ObserveBudgetTimeout() {
	if m == nil {
		return
	}
	m.budgetTimeouts.WithLabelValues().Inc()
}

// Handler returns the HTTP handler serving this registry's /metrics page.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "metrics not enabled", http.StatusServiceUnavailable)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
