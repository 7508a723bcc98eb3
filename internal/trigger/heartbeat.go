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
	"github.com/lifelinedev/lifeline/internal/metrics"
	"github.com/lifelinedev/lifeline/internal/recovery"
)

// HeartbeatMonitor infers process suspension from timer drift: it ticks on
// a fixed interval and measures the wall-clock gap between consecutive
// ticks. A gap far beyond the interval means the process was frozen for
// the excess duration, even if no lifecycle event ever fired (OS sleep
// with the surface still visible is exactly this case).
//
// Implements suture.Service; runs until its context is canceled.
type HeartbeatMonitor struct {
	cfg config.TriggerConfig
	rec Recoverer
	hub *Hub

	now func() time.Time
}

// NewHeartbeatMonitor creates the drift detector.
func NewHeartbeatMonitor(cfg config.TriggerConfig, rec Recoverer, hub *Hub) *HeartbeatMonitor {
	return &HeartbeatMonitor{cfg: cfg, rec: rec, hub: hub, now: time.Now}
}

// Serve runs the heartbeat loop.
func (m *HeartbeatMonitor) Serve(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	last := m.now()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			now := m.now()
			gap := now.Sub(last)
			last = now
			m.tickOnce(ctx, gap)
		}
	}
}

// tickOnce processes a single observed gap between heartbeat ticks and
// reports whether it triggered a recovery. Split out so tests can feed
// synthetic gaps without waiting on real timers.
func (m *HeartbeatMonitor) tickOnce(ctx context.Context, gap time.Duration) bool {
	metrics.HeartbeatDrift.Observe(gap.Seconds())
	if gap <= m.cfg.FreezeThreshold {
		return false
	}

	excess := gap - m.cfg.HeartbeatInterval
	metrics.TriggerEvents.WithLabelValues("heartbeat_freeze").Inc()
	logging.Warn().
		Dur("gap", gap).
		Dur("excess", excess).
		Msg("Heartbeat drift detected, process was suspended")

	// Back-date the hidden timestamp so a visibility event that arrives
	// late still sees the full suspension length.
	if m.hub != nil {
		m.hub.BackdateHidden(m.now().Add(-excess))
	}

	m.rec.Recover(ctx, recovery.Options{
		Force:     true,
		Trigger:   recovery.TriggerHeartbeat,
		HiddenFor: excess,
	})
	return true
}
