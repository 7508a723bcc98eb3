// Lifeline - Connection Liveness and Session Recovery for Hosted Backends
// Copyright 2026 Lifeline Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lifelinedev/lifeline

package trigger

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lifelinedev/lifeline/internal/config"
	"github.com/lifelinedev/lifeline/internal/recovery"
)

// fakeRecoverer records the options of every Recover call.
type fakeRecoverer struct {
	mu    sync.Mutex
	calls []recovery.Options
}

func (f *fakeRecoverer) Recover(_ context.Context, opts recovery.Options) recovery.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, opts)
	return recovery.Result{Success: true, Timestamp: time.Now()}
}

func (f *fakeRecoverer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeRecoverer) lastCall() recovery.Options {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

func triggerConfig() config.TriggerConfig {
	cfg := config.Default().Trigger
	return cfg
}

// TestHub_HiddenThenVisibleMeasuresHiddenFor verifies the hidden timestamp
// feeds HiddenFor and selects full recovery past the quick-check threshold.
func TestHub_HiddenThenVisibleMeasuresHiddenFor(t *testing.T) {
	t.Parallel()

	rec := &fakeRecoverer{}
	h := NewHub(triggerConfig(), rec)

	base := time.Now()
	clock := base
	h.now = func() time.Time { return clock }

	h.Notify(context.Background(), Hidden)

	// 10s hidden: beyond the 3s quick-check threshold, so full recovery.
	clock = base.Add(10 * time.Second)
	_, requested := h.Notify(context.Background(), Visible)
	if !requested {
		t.Fatal("Expected visible event to request recovery")
	}

	opts := rec.lastCall()
	if opts.QuickCheck {
		t.Error("10s hidden must run a full recovery, not a quick check")
	}
	if opts.HiddenFor != 10*time.Second {
		t.Errorf("Expected HiddenFor=10s, got %v", opts.HiddenFor)
	}
	if opts.Trigger != recovery.TriggerVisible {
		t.Errorf("Expected visible trigger, got %v", opts.Trigger)
	}
}

// TestHub_ShortHiddenIsQuickCheck verifies a brief hide selects the
// abbreviated path.
func TestHub_ShortHiddenIsQuickCheck(t *testing.T) {
	t.Parallel()

	rec := &fakeRecoverer{}
	h := NewHub(triggerConfig(), rec)

	base := time.Now()
	clock := base
	h.now = func() time.Time { return clock }

	h.Notify(context.Background(), Hidden)
	clock = base.Add(time.Second)
	h.Notify(context.Background(), Visible)

	if !rec.lastCall().QuickCheck {
		t.Error("1s hidden should run a quick check")
	}
}

// TestHub_VisibleDebounce verifies duplicate visible events inside the
// debounce window are dropped.
func TestHub_VisibleDebounce(t *testing.T) {
	t.Parallel()

	rec := &fakeRecoverer{}
	h := NewHub(triggerConfig(), rec)

	base := time.Now()
	clock := base
	h.now = func() time.Time { return clock }

	clock = base.Add(time.Second)
	if _, requested := h.Notify(context.Background(), Visible); !requested {
		t.Fatal("First visible should request recovery")
	}

	// 50ms later: inside the 100ms debounce.
	clock = clock.Add(50 * time.Millisecond)
	if _, requested := h.Notify(context.Background(), Visible); requested {
		t.Error("Duplicate visible inside debounce must be dropped")
	}

	if n := rec.callCount(); n != 1 {
		t.Errorf("Expected 1 recovery call, got %d", n)
	}
}

// TestHub_FocusRateLimited verifies focus events are limited to one
// recovery per configured interval.
func TestHub_FocusRateLimited(t *testing.T) {
	t.Parallel()

	rec := &fakeRecoverer{}
	h := NewHub(triggerConfig(), rec)

	if _, requested := h.Notify(context.Background(), Focus); !requested {
		t.Fatal("First focus should request recovery")
	}
	if _, requested := h.Notify(context.Background(), Focus); requested {
		t.Error("Immediate second focus must be rate-limited")
	}
	if n := rec.callCount(); n != 1 {
		t.Errorf("Expected 1 recovery call, got %d", n)
	}
}

// TestHub_RestoredForcesRecovery verifies a restore-from-snapshot event
// always forces a full recovery.
func TestHub_RestoredForcesRecovery(t *testing.T) {
	t.Parallel()

	rec := &fakeRecoverer{}
	h := NewHub(triggerConfig(), rec)

	h.Notify(context.Background(), Restored)

	opts := rec.lastCall()
	if !opts.Force {
		t.Error("Restored must force recovery")
	}
	if opts.Trigger != recovery.TriggerRestored {
		t.Errorf("Expected restored trigger, got %v", opts.Trigger)
	}
}

// TestHub_BackdateHiddenKeepsEarliest verifies back-dating never moves the
// hidden timestamp forward.
func TestHub_BackdateHiddenKeepsEarliest(t *testing.T) {
	t.Parallel()

	rec := &fakeRecoverer{}
	h := NewHub(triggerConfig(), rec)

	base := time.Now()
	clock := base
	h.now = func() time.Time { return clock }

	h.BackdateHidden(base.Add(-20 * time.Second))
	h.BackdateHidden(base.Add(-5 * time.Second)) // later, must not win

	clock = base.Add(time.Second)
	h.Notify(context.Background(), Visible)

	if got := rec.lastCall().HiddenFor; got != 21*time.Second {
		t.Errorf("Expected HiddenFor from the earliest backdate (21s), got %v", got)
	}
}

// TestHub_OnVisibleSubscribers verifies the secondary refresh path fires
// for accepted visible events, isolates panics, and honors unsubscribe.
func TestHub_OnVisibleSubscribers(t *testing.T) {
	t.Parallel()

	rec := &fakeRecoverer{}
	h := NewHub(triggerConfig(), rec)

	base := time.Now()
	clock := base
	h.now = func() time.Time { return clock }

	var fired atomic.Int64
	h.OnVisible(func() { panic("bad subscriber") })
	h.OnVisible(func() { fired.Add(1) })
	unsub := h.OnVisible(func() { fired.Add(100) })
	unsub()

	clock = base.Add(time.Second)
	h.Notify(context.Background(), Visible)

	if n := fired.Load(); n != 1 {
		t.Errorf("Expected surviving subscriber to fire once, got %d", n)
	}

	// Debounced visible must not notify subscribers.
	clock = clock.Add(10 * time.Millisecond)
	h.Notify(context.Background(), Visible)
	if n := fired.Load(); n != 1 {
		t.Errorf("Debounced visible must not re-notify, got %d", n)
	}
}
