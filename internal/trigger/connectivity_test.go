// Lifeline - Connection Liveness and Session Recovery for Hosted Backends
// Copyright 2026 Lifeline Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lifelinedev/lifeline

package trigger

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lifelinedev/lifeline/internal/recovery"
)

type scriptedProber struct {
	reachable atomic.Bool
}

func (s *scriptedProber) Probe(_ context.Context, _ time.Duration) bool {
	return s.reachable.Load()
}

// TestConnectivity_FiresOnlineOnTransition verifies the watcher only fires
// on the offline-to-online edge, not on steady states.
func TestConnectivity_FiresOnlineOnTransition(t *testing.T) {
	t.Parallel()

	rec := &fakeRecoverer{}
	hub := NewHub(triggerConfig(), rec)
	probe := &scriptedProber{}
	probe.reachable.Store(true)

	w := NewConnectivityWatcher(triggerConfig(), probe, hub)

	// Steady online: no events.
	w.poll(context.Background())
	w.poll(context.Background())
	if n := rec.callCount(); n != 0 {
		t.Fatalf("Steady online must not trigger recovery, got %d calls", n)
	}

	// Go offline: still no recovery (nothing to repair while down).
	probe.reachable.Store(false)
	w.poll(context.Background())
	if n := rec.callCount(); n != 0 {
		t.Fatalf("Going offline must not trigger recovery, got %d calls", n)
	}

	// Back online: exactly one Online event.
	probe.reachable.Store(true)
	w.poll(context.Background())
	if n := rec.callCount(); n != 1 {
		t.Fatalf("Expected 1 recovery on the online transition, got %d", n)
	}
	if rec.lastCall().Trigger != recovery.TriggerOnline {
		t.Errorf("Expected online trigger, got %v", rec.lastCall().Trigger)
	}

	// Steady online again: no further events.
	w.poll(context.Background())
	if n := rec.callCount(); n != 1 {
		t.Errorf("Steady online after transition must not re-trigger, got %d", n)
	}
}
