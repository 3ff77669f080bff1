// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides metrics and instrumentation for the tavern service.
//
// # Description
//
// This package implements Prometheus metrics for monitoring chat turns.
// Metrics include:
//   - Turn counters and latency histograms (by outcome)
//   - Retrieval decisions (by reason) and confidence distribution
//   - Intent marker outcomes (none, directive, denied, parse_error)
//   - Token usage for completions and embeddings (by model)
//   - Per-conversation lock wait time
//
// # Integration
//
// Metrics are exposed via the /metrics endpoint. Use with Prometheus + Grafana
// for dashboards and alerting.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
// Every Record* helper is a no-op on a nil receiver, so components can be
// built without metrics in tests.
package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

// Namespace for all metrics
const metricsNamespace = "aleutian"

// Subsystem for chat turn metrics
const tavernSubsystem = "tavern"

// TavernMetrics holds all Prometheus metrics for chat turns.
//
// # Fields
//
//   - TurnsTotal: Counter of turns by outcome
//   - TurnDurationSeconds: Histogram of end-to-end turn latency
//   - ActiveTurns: Gauge of turns currently in flight
//   - RetrievalDecisionsTotal: Counter of retrieval decisions by reason
//   - RetrievalConfidence: Histogram of retrieval confidence scores
//   - IntentOutcomesTotal: Counter of intent marker outcomes
//   - TokensTotal: Counter of tokens by kind and model
//   - LockWaitSeconds: Histogram of per-conversation lock wait time
//
// # Thread Safety
//
// All operations are thread-safe.
type TavernMetrics struct {
	// TurnsTotal counts finished turns.
	// Labels: outcome (success, invalid_argument, upstream_failure, timeout, ...)
	TurnsTotal *prometheus.CounterVec

	// TurnDurationSeconds measures turn latency.
	// Labels: outcome
	TurnDurationSeconds *prometheus.HistogramVec

	// ActiveTurns tracks turns currently being processed.
	ActiveTurns prometheus.Gauge

	// RetrievalDecisionsTotal counts retrieval decisions.
	// Labels: reason (no_domain_terms, low_confidence, used, ...)
	RetrievalDecisionsTotal *prometheus.CounterVec

	// RetrievalConfidence observes the confidence of every executed query.
	RetrievalConfidence prometheus.Histogram

	// IntentOutcomesTotal counts what the intent parser and gate produced.
	// Labels: outcome (none, directive, denied, parse_error)
	IntentOutcomesTotal *prometheus.CounterVec

	// TokensTotal counts tokens reported by the model provider.
	// Labels: kind (prompt, completion, embedding), model
	TokensTotal *prometheus.CounterVec

	// LockWaitSeconds measures how long turns wait for their conversation.
	LockWaitSeconds prometheus.Histogram
}

var (
	// DefaultMetrics is the process-wide instance registered by InitMetrics.
	DefaultMetrics *TavernMetrics
	initOnce       sync.Once
)

// InitMetrics initializes the default metrics instance.
//
// # Description
//
// Creates and registers all metrics with the default Prometheus registry.
// Repeated calls return the same instance.
//
// # Outputs
//
//   - *TavernMetrics: The initialized metrics instance.
//
// # Examples
//
//	func main() {
//	    metrics := observability.InitMetrics()
//	    // ... start server ...
//	}
func InitMetrics() *TavernMetrics {
	initOnce.Do(func() {
		DefaultMetrics = NewMetrics(prometheus.DefaultRegisterer)
	})
	return DefaultMetrics
}

// NewMetrics creates metrics registered with reg.
//
// # Inputs
//
//   - reg: Registry to register with. Tests pass prometheus.NewRegistry().
//
// # Outputs
//
//   - *TavernMetrics: The metrics instance.
//
// # Limitations
//
//   - Panics if reg already holds metrics with the same names.
func NewMetrics(reg prometheus.Registerer) *TavernMetrics {
	factory := promauto.With(reg)

	return &TavernMetrics{
		TurnsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: tavernSubsystem,
				Name:      "turns_total",
				Help:      "Total chat turns by outcome",
			},
			[]string{"outcome"},
		),

		TurnDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: tavernSubsystem,
				Name:      "turn_duration_seconds",
				Help:      "End-to-end chat turn duration in seconds",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"outcome"},
		),

		ActiveTurns: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: tavernSubsystem,
				Name:      "active_turns",
				Help:      "Number of chat turns currently in flight",
			},
		),

		RetrievalDecisionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: tavernSubsystem,
				Name:      "retrieval_decisions_total",
				Help:      "Retrieval decisions by reason",
			},
			[]string{"reason"},
		),

		RetrievalConfidence: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: tavernSubsystem,
				Name:      "retrieval_confidence",
				Help:      "Confidence score of executed retrieval queries",
				Buckets:   []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
			},
		),

		IntentOutcomesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: tavernSubsystem,
				Name:      "intent_outcomes_total",
				Help:      "Intent marker outcomes by type",
			},
			[]string{"outcome"},
		),

		TokensTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: tavernSubsystem,
				Name:      "tokens_total",
				Help:      "Tokens reported by the model provider by kind and model",
			},
			[]string{"kind", "model"},
		),

		LockWaitSeconds: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: tavernSubsystem,
				Name:      "lock_wait_seconds",
				Help:      "Time spent waiting for the per-conversation lock",
				Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 15, 30},
			},
		),
	}
}

// =============================================================================
// Label Values
// =============================================================================

// IntentOutcome labels what happened to a model reply's intent marker.
type IntentOutcome string

const (
	// IntentNone means the reply carried no directive.
	IntentNone IntentOutcome = "none"

	// IntentDirective means a directive was returned to the caller.
	IntentDirective IntentOutcome = "directive"

	// IntentDenied means a directive was dropped by the permission gate.
	IntentDenied IntentOutcome = "denied"

	// IntentParseError means the marker payload was malformed.
	IntentParseError IntentOutcome = "parse_error"
)

// Token kinds.
const (
	TokenKindPrompt     = "prompt"
	TokenKindCompletion = "completion"
	TokenKindEmbedding  = "embedding"
)

// =============================================================================
// Helper Methods
// =============================================================================

// RecordTurn records a finished turn and its duration.
// # Inputs
//   - outcome: "success" or an error kind.
//   - elapsed: Time from request receipt to response.
func (m *TavernMetrics) RecordTurn(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.TurnsTotal.WithLabelValues(outcome).Inc()
	m.TurnDurationSeconds.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

// TurnStarted increments the active turns gauge.
func (m *TavernMetrics) TurnStarted() {
	if m == nil {
		return
	}
	m.ActiveTurns.Inc()
}

// TurnEnded decrements the active turns gauge.
func (m *TavernMetrics) TurnEnded() {
	if m == nil {
		return
	}
	m.ActiveTurns.Dec()
}

// RecordRetrieval records a retrieval decision.
// # Inputs
//   - reason: Decision reason label.
//   - executed: Whether the index was queried, which makes confidence meaningful.
//   - confidence: Query confidence in [0,1].
func (m *TavernMetrics) RecordRetrieval(reason string, executed bool, confidence float64) {
	if m == nil {
		return
	}
	m.RetrievalDecisionsTotal.WithLabelValues(reason).Inc()
	if executed {
		m.RetrievalConfidence.Observe(confidence)
	}
}

// RecordIntent records an intent outcome.
func (m *TavernMetrics) RecordIntent(outcome IntentOutcome) {
	if m == nil {
		return
	}
	m.IntentOutcomesTotal.WithLabelValues(string(outcome)).Inc()
}

// RecordTokens records provider-reported token usage.
// # Inputs
//   - kind: TokenKindPrompt, TokenKindCompletion or TokenKindEmbedding.
//   - model: Model name as configured.
//   - n: Token count. Non-positive counts are ignored.
func (m *TavernMetrics) RecordTokens(kind, model string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.TokensTotal.WithLabelValues(kind, model).Add(float64(n))
}

// RecordLockWait records time spent acquiring a conversation lock.
func (m *TavernMetrics) RecordLockWait(elapsed time.Duration) {
	if m == nil {
		return
	}
	m.LockWaitSeconds.Observe(elapsed.Seconds())
}
