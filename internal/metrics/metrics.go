// Lifeline - Connection Liveness and Session Recovery for Hosted Backends
// Copyright 2026 Lifeline Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lifelinedev/lifeline

// Package metrics provides Prometheus instrumentation for the session and
// recovery subsystem. Collectors are registered via promauto on the default
// registry; the daemon exposes them on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Recovery orchestrator

	RecoveryRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lifeline_recovery_runs_total",
			Help: "Recovery sequences by trigger and outcome",
		},
		[]string{"trigger", "outcome"}, // outcome: success, skipped, joined, failed
	)

	RecoveryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lifeline_recovery_duration_seconds",
			Help:    "Duration of completed recovery sequences",
			Buckets: prometheus.DefBuckets,
		},
	)

	RecoveryInProgress = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lifeline_recovery_in_progress",
			Help: "1 while a recovery sequence is running",
		},
	)

	// Connection health prober

	ProbeResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lifeline_probe_results_total",
			Help: "Liveness probe attempts by result",
		},
		[]string{"result"}, // reachable, unreachable
	)

	// Session cache and refresher

	SessionRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lifeline_session_refreshes_total",
			Help: "Session refresh attempts by result",
		},
		[]string{"result"}, // success, transient_error, permanent_error, coalesced
	)

	SessionFreshness = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lifeline_session_expires_in_seconds",
			Help: "Seconds until the cached session expires (negative if expired, 0 if none)",
		},
	)

	// Request wrapper

	RequestRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lifeline_request_retries_total",
			Help: "Wrapped request retries by error classification",
		},
		[]string{"class"}, // auth, timeout, network
	)

	RequestOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lifeline_request_outcomes_total",
			Help: "Wrapped request final outcomes",
		},
		[]string{"outcome"}, // success, error
	)

	BreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lifeline_breaker_state",
			Help: "Data transport circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
	)

	// Trigger sources

	TriggerEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lifeline_trigger_events_total",
			Help: "Lifecycle trigger events by kind",
		},
		[]string{"kind"}, // hidden, visible, focus, online, restored, heartbeat_freeze
	)

	HeartbeatDrift = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lifeline_heartbeat_drift_seconds",
			Help:    "Observed wall-clock gap between heartbeat ticks",
			Buckets: []float64{5, 6, 8, 10, 15, 30, 60, 300, 900},
		},
	)

	// Realtime channel manager

	RealtimeReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lifeline_realtime_reconnects_total",
			Help: "Realtime websocket reconnection attempts",
		},
	)

	RealtimeConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lifeline_realtime_connected",
			Help: "1 while the realtime websocket is connected",
		},
	)

	// Client instance lifecycle

	ClientRebuilds = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lifeline_client_rebuilds_total",
			Help: "Backend client instance rebuilds (last-resort recovery)",
		},
	)
)
