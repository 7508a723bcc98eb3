// Lifeline - Connection Liveness and Session Recovery for Hosted Backends
// Copyright 2026 Lifeline Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lifelinedev/lifeline

package trigger

import (
	"context"
	"time"

	"github.com/lifelinedev/lifeline/internal/config"
	"github.com/lifelinedev/lifeline/internal/logging"
	"github.com/lifelinedev/lifeline/internal/recovery"
)

// ConnectivityWatcher polls backend reachability and synthesizes an Online
// event on the offline-to-online transition, for environments where no OS
// network notification reaches the embedding application.
//
// It reuses the liveness prober rather than a second probing mechanism;
// only the transition matters here, steady-state results are discarded.
//
// Implements suture.Service.
type ConnectivityWatcher struct {
	cfg    config.TriggerConfig
	probe  recovery.Prober
	hub    *Hub
	online bool
}

// NewConnectivityWatcher creates the watcher. The initial state is online
// so that process startup does not immediately fire a spurious recovery.
func NewConnectivityWatcher(cfg config.TriggerConfig, probe recovery.Prober, hub *Hub) *ConnectivityWatcher {
	return &ConnectivityWatcher{cfg: cfg, probe: probe, hub: hub, online: true}
}

// Serve runs the polling loop.
func (w *ConnectivityWatcher) Serve(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.ConnectivityInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.poll(ctx)
		}
	}
}

// poll performs one reachability check and fires Online on the transition.
func (w *ConnectivityWatcher) poll(ctx context.Context) {
	reachable := w.probe.Probe(ctx, w.cfg.ConnectivityInterval/2)

	switch {
	case !reachable && w.online:
		w.online = false
		logging.Warn().Msg("Backend went unreachable")
	case reachable && !w.online:
		w.online = true
		logging.Info().Msg("Backend reachable again")
		w.hub.Notify(ctx, Online)
	}
}
