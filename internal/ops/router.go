// Lifeline - Connection Liveness and Session Recovery for Hosted Backends
// Copyright 2026 Lifeline Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lifelinedev/lifeline

// Package ops is the daemon's local HTTP surface: health, status,
// Prometheus metrics, and trigger injection for the embedding
// application.
package ops

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lifelinedev/lifeline/internal/backend"
	"github.com/lifelinedev/lifeline/internal/config"
	"github.com/lifelinedev/lifeline/internal/logging"
	"github.com/lifelinedev/lifeline/internal/recovery"
	"github.com/lifelinedev/lifeline/internal/trigger"
)

// StatusSource is the orchestrator surface the status endpoint reads.
type StatusSource interface {
	CurrentStatus() recovery.Status
}

// BackendSource is the backend-service surface the status endpoint reads.
type BackendSource interface {
	Version() uint64
	Pending() *backend.PendingSet
}

// RealtimeSource reports transport connectivity.
type RealtimeSource interface {
	IsConnected() bool
}

// TriggerSink accepts injected lifecycle events.
type TriggerSink interface {
	Notify(ctx context.Context, kind trigger.Kind) (recovery.Result, bool)
}

// Recoverer runs a recovery directly, outside the trigger hub's
// debounce and rate limits.
type Recoverer interface {
	Recover(ctx context.Context, opts recovery.Options) recovery.Result
}

// Router builds the ops HTTP handler.
type Router struct {
	cfg      config.OpsConfig
	status   StatusSource
	backends BackendSource
	realtime RealtimeSource
	triggers TriggerSink
	rec      Recoverer
	started  time.Time
}

// NewRouter creates the ops router over its read surfaces.
func NewRouter(cfg config.OpsConfig, status StatusSource, backends BackendSource, realtime RealtimeSource, triggers TriggerSink, rec Recoverer) *Router {
	return &Router{
		cfg:      cfg,
		status:   status,
		backends: backends,
		realtime: realtime,
		triggers: triggers,
		rec:      rec,
		started:  time.Now(),
	}
}

// Handler assembles the chi routing tree.
func (ro *Router) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	if len(ro.cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: ro.cfg.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost},
			AllowedHeaders: []string{"Content-Type"},
		}))
	}

	r.Get("/healthz", ro.healthz)
	r.Get("/statusz", ro.statusz)
	r.Handle("/metrics", promhttp.Handler())

	// Trigger injection mutates recovery state; bound how hard an
	// embedding application can hammer it.
	r.Group(func(r chi.Router) {
		if ro.cfg.RateLimitRequests > 0 {
			r.Use(httprate.LimitByIP(ro.cfg.RateLimitRequests, ro.cfg.RateLimitWindow))
		}
		r.Post("/trigger/{kind}", ro.injectTrigger)
		r.Post("/recover", ro.manualRecover)
	})

	return r
}

func (ro *Router) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// statuszPayload is the wire shape of /statusz.
type statuszPayload struct {
	UptimeSeconds     float64                  `json:"uptime_seconds"`
	RecoveryInFlight  bool                     `json:"recovery_in_flight"`
	CooldownActive    bool                     `json:"cooldown_active"`
	LastRecovery      *time.Time               `json:"last_recovery,omitempty"`
	BackendVersion    uint64                   `json:"backend_version"`
	RealtimeConnected bool                     `json:"realtime_connected"`
	PendingRequests   []backend.PendingRequest `json:"pending_requests"`
}

func (ro *Router) statusz(w http.ResponseWriter, _ *http.Request) {
	st := ro.status.CurrentStatus()

	payload := statuszPayload{
		UptimeSeconds:     time.Since(ro.started).Seconds(),
		RecoveryInFlight:  st.InProgress,
		CooldownActive:    st.CooldownActive,
		BackendVersion:    ro.backends.Version(),
		RealtimeConnected: ro.realtime.IsConnected(),
		PendingRequests:   ro.backends.Pending().Snapshot(),
	}
	if !st.LastRecovery.IsZero() {
		t := st.LastRecovery
		payload.LastRecovery = &t
	}

	writeJSON(w, http.StatusOK, payload)
}

// triggerResponse is the wire shape of /trigger and /recover responses.
type triggerResponse struct {
	Requested bool `json:"requested"`
	Success   bool `json:"success,omitempty"`
	Skipped   bool `json:"skipped,omitempty"`
	Joined    bool `json:"joined,omitempty"`
}

func (ro *Router) injectTrigger(w http.ResponseWriter, r *http.Request) {
	kind := trigger.Kind(chi.URLParam(r, "kind"))
	switch kind {
	case trigger.Hidden, trigger.Visible, trigger.Focus, trigger.Online, trigger.Restored:
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown trigger kind"})
		return
	}

	res, requested := ro.triggers.Notify(r.Context(), kind)
	writeJSON(w, http.StatusOK, triggerResponse{
		Requested: requested,
		Success:   res.Success,
		Skipped:   res.Skipped,
		Joined:    res.Joined,
	})
}

func (ro *Router) manualRecover(w http.ResponseWriter, r *http.Request) {
	force := r.URL.Query().Get("force") == "true"
	res := ro.rec.Recover(r.Context(), recovery.Options{
		Force:   force,
		Trigger: recovery.TriggerManual,
	})
	writeJSON(w, http.StatusOK, triggerResponse{
		Requested: true,
		Success:   res.Success,
		Skipped:   res.Skipped,
		Joined:    res.Joined,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Error().Err(err).Msg("Failed to encode ops response")
	}
}
