// EventGate - Distributed Event Ingestion and Deduplication Gateway
// Copyright 2026 M. Tarnawa (mtarnawa)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mtarnawa/eventgate

// Package metrics provides Prometheus instrumentation for EventGate:
// frame ingestion, claim/insert/release outcomes and latency, session
// lifecycle, and HTTP endpoint throughput.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ingestion metrics
	FramesReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "eventgate_frames_received_total",
			Help: "Total number of frames received across all sessions",
		},
	)

	FramesInvalid = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventgate_frames_invalid_total",
			Help: "Total number of frames dropped before processing",
		},
		[]string{"reason"}, // "decode", "validation"
	)

	// Claim coordination metrics
	ClaimsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventgate_claims_total",
			Help: "Total number of claim attempts by outcome",
		},
		[]string{"outcome"}, // "won", "lost", "unavailable"
	)

	ClaimDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "eventgate_claim_duration_seconds",
			Help:    "Duration of coordinator claim calls in seconds",
			Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
	)

	ReleasesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventgate_releases_total",
			Help: "Total number of claim releases by outcome",
		},
		[]string{"outcome"}, // "released", "not_owner", "unavailable"
	)

	// Store metrics
	InsertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventgate_inserts_total",
			Help: "Total number of store insert attempts by outcome",
		},
		[]string{"outcome"}, // "inserted", "duplicate", "transient", "fatal"
	)

	InsertDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "eventgate_insert_duration_seconds",
			Help:    "Duration of store insert calls in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Processor metrics
	EventsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventgate_events_processed_total",
			Help: "Total number of processed events by terminal outcome",
		},
		[]string{"outcome"}, // "persisted", "duplicate", "retryable", "fatal"
	)

	ProcessDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "eventgate_process_duration_seconds",
			Help:    "End-to-end duration of one event through the dedup protocol",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Session metrics
	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "eventgate_sessions_active",
			Help: "Current number of open ingest sessions",
		},
	)

	SessionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "eventgate_sessions_total",
			Help: "Total number of ingest sessions accepted",
		},
	)

	// HTTP endpoint metrics
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventgate_api_requests_total",
			Help: "Total number of HTTP API requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "eventgate_api_request_duration_seconds",
			Help:    "HTTP API request duration in seconds",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"method", "endpoint"},
	)

	APIActiveRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "eventgate_api_active_requests",
			Help: "Current number of active HTTP API requests",
		},
	)

	// Circuit breaker metrics
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "eventgate_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	BreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventgate_breaker_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"name", "from", "to"},
	)
)

// RecordFrameReceived counts one inbound frame.
func RecordFrameReceived() {
	FramesReceived.Inc()
}

// RecordInvalidFrame counts one dropped frame. Reason is "decode" or
// "validation".
func RecordInvalidFrame(reason string) {
	FramesInvalid.WithLabelValues(reason).Inc()
}

// RecordClaim records a claim attempt outcome and its latency.
func RecordClaim(outcome string, duration time.Duration) {
	ClaimsTotal.WithLabelValues(outcome).Inc()
	ClaimDuration.Observe(duration.Seconds())
}

// RecordRelease records a release outcome.
func RecordRelease(outcome string) {
	ReleasesTotal.WithLabelValues(outcome).Inc()
}

// RecordInsert records a store insert outcome and its latency.
func RecordInsert(outcome string, duration time.Duration) {
	InsertsTotal.WithLabelValues(outcome).Inc()
	InsertDuration.Observe(duration.Seconds())
}

// RecordProcess records one completed pass through the dedup protocol.
func RecordProcess(outcome string, duration time.Duration) {
	EventsProcessed.WithLabelValues(outcome).Inc()
	ProcessDuration.Observe(duration.Seconds())
}

// RecordSessionOpened tracks a newly accepted session.
func RecordSessionOpened() {
	SessionsTotal.Inc()
	SessionsActive.Inc()
}

// RecordSessionClosed tracks a finished session.
func RecordSessionClosed() {
	SessionsActive.Dec()
}

// RecordAPIRequest records an HTTP API request.
func RecordAPIRequest(method, endpoint, statusCode string, duration time.Duration) {
	APIRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	APIRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// TrackActiveRequest adjusts the active HTTP request gauge.
func TrackActiveRequest(inc bool) {
	if inc {
		APIActiveRequests.Inc()
	} else {
		APIActiveRequests.Dec()
	}
}

// RecordBreakerState sets the current breaker state gauge
// (0=closed, 1=half-open, 2=open).
func RecordBreakerState(name string, state float64) {
	BreakerState.WithLabelValues(name).Set(state)
}

// RecordBreakerTransition counts one breaker state transition.
func RecordBreakerTransition(name, from, to string) {
	BreakerTransitions.WithLabelValues(name, from, to).Inc()
}
