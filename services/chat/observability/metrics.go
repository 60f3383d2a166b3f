// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the chat pipeline.
//
// # Description
//
// Metrics cover:
//   - Pipeline calls by mode and outcome, with latency
//   - Policy violations by stage
//   - Stream fragments and active streams
//   - Token usage by model
//   - Conversation store failures by backend and operation
//   - Forbidden-term refreshes
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
// Every Record method is a no-op on a nil *Metrics, so components can take
// an optional metrics handle without nil checks.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "aleutian"
	chatSubsystem    = "chat"
)

// Call modes.
const (
	ModeCall   = "call"
	ModeStream = "stream"
)

// Call outcomes.
const (
	StatusSuccess         = "success"
	StatusPolicyViolation = "policy_violation"
	StatusCancelled       = "cancelled"
	StatusError           = "error"
)

// Policy stages.
const (
	StageInput  = "input"
	StageSystem = "system"
	StageOutput = "output"
)

// Metrics holds the chat pipeline collectors.
type Metrics struct {
	// CallsTotal counts pipeline invocations.
	// Labels: mode (call, stream), status (success, policy_violation, cancelled, error)
	CallsTotal *prometheus.CounterVec

	// CallDurationSeconds measures end-to-end pipeline latency.
	// Labels: mode
	CallDurationSeconds *prometheus.HistogramVec

	// PolicyViolationsTotal counts forbidden-term hits.
	// Labels: stage (input, system, output)
	PolicyViolationsTotal *prometheus.CounterVec

	// StreamFragmentsTotal counts fragments forwarded to stream consumers.
	StreamFragmentsTotal prometheus.Counter

	// ActiveStreams tracks streams whose pump is still running.
	ActiveStreams prometheus.Gauge

	// TokensTotal counts tokens reported by the model.
	// Labels: direction (prompt, completion), model
	TokensTotal *prometheus.CounterVec

	// StoreFailuresTotal counts conversation store failures.
	// Labels: backend (file, redis, badger), op (read, append, clear)
	StoreFailuresTotal *prometheus.CounterVec

	// TermRefreshesTotal counts forbidden-term list reloads.
	// Labels: status (success, error)
	TermRefreshesTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all collectors on reg.
//
// # Inputs
//
//   - reg: Registry to register on. Use prometheus.DefaultRegisterer in
//     production and prometheus.NewRegistry() in tests.
//
// # Limitations
//
//   - Panics if the collectors are already registered on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		CallsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "calls_total",
				Help:      "Total chat pipeline calls by mode and status",
			},
			[]string{"mode", "status"},
		),
		CallDurationSeconds: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "call_duration_seconds",
				Help:      "Chat pipeline call duration in seconds",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"mode"},
		),
		PolicyViolationsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "policy_violations_total",
				Help:      "Forbidden-term hits by stage",
			},
			[]string{"stage"},
		),
		StreamFragmentsTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "stream_fragments_total",
				Help:      "Fragments forwarded to stream consumers",
			},
		),
		ActiveStreams: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "active_streams",
				Help:      "Streams currently being pumped",
			},
		),
		TokensTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "tokens_total",
				Help:      "Tokens reported by the model by direction and model",
			},
			[]string{"direction", "model"},
		),
		StoreFailuresTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "store_failures_total",
				Help:      "Conversation store failures by backend and operation",
			},
			[]string{"backend", "op"},
		),
		TermRefreshesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "term_refreshes_total",
				Help:      "Forbidden-term list reloads by status",
			},
			[]string{"status"},
		),
	}
}

// RecordCall records one finished pipeline call.
func (m *Metrics) RecordCall(mode, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.CallsTotal.WithLabelValues(mode, status).Inc()
	m.CallDurationSeconds.WithLabelValues(mode).Observe(d.Seconds())
}

// RecordPolicyViolation records a forbidden-term hit at stage.
func (m *Metrics) RecordPolicyViolation(stage string) {
	if m == nil {
		return
	}
	m.PolicyViolationsTotal.WithLabelValues(stage).Inc()
}

// RecordFragment records one forwarded stream fragment.
func (m *Metrics) RecordFragment() {
	if m == nil {
		return
	}
	m.StreamFragmentsTotal.Inc()
}

// StreamStarted increments the active stream gauge.
func (m *Metrics) StreamStarted() {
	if m == nil {
		return
	}
	m.ActiveStreams.Inc()
}

// StreamEnded decrements the active stream gauge.
func (m *Metrics) StreamEnded() {
	if m == nil {
		return
	}
	m.ActiveStreams.Dec()
}

// RecordTokens records token usage for model. Zero counts are skipped.
func (m *Metrics) RecordTokens(model string, prompt, completion int) {
	if m == nil {
		return
	}
	if model == "" {
		model = "unknown"
	}
	if prompt > 0 {
		m.TokensTotal.WithLabelValues("prompt", model).Add(float64(prompt))
	}
	if completion > 0 {
		m.TokensTotal.WithLabelValues("completion", model).Add(float64(completion))
	}
}

// RecordStoreFailure implements memory.FailureRecorder.
func (m *Metrics) RecordStoreFailure(backend, op string) {
	if m == nil {
		return
	}
	m.StoreFailuresTotal.WithLabelValues(backend, op).Inc()
}

// RecordTermRefresh implements moderation.RefreshRecorder.
func (m *Metrics) RecordTermRefresh(ok bool) {
	if m == nil {
		return
	}
	status := StatusSuccess
	if !ok {
		status = StatusError
	}
	m.TermRefreshesTotal.WithLabelValues(status).Inc()
}
