// Lifeline - Connection Liveness and Session Recovery for Hosted Backends
// Copyright 2026 Lifeline Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lifelinedev/lifeline

// Package trigger turns lifecycle signals into recovery requests.
//
// Two kinds of signal feed the hub: events injected by the embedding
// application (hidden, visible, focus, online, restored; the application
// knows when its UI surface is backgrounded or the OS reports the network
// back) and the built-in native sources, the heartbeat drift detector and
// the connectivity watcher, which run as supervised services.
package trigger

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/lifelinedev/lifeline/internal/config"
	"github.com/lifelinedev/lifeline/internal/logging"
	"github.com/lifelinedev/lifeline/internal/metrics"
	"github.com/lifelinedev/lifeline/internal/recovery"
)

// Kind is an externally injectable lifecycle event.
type Kind string

const (
	// Hidden: the application surface went to the background.
	Hidden Kind = "hidden"

	// Visible: the surface returned to the foreground.
	Visible Kind = "visible"

	// Focus: the surface regained input focus. Far noisier than Visible;
	// rate-limited before it may trigger recovery.
	Focus Kind = "focus"

	// Online: the OS reported network connectivity restored.
	Online Kind = "online"

	// Restored: the application was revived from a full-state snapshot.
	// All in-memory liveness assumptions are unsafe; recovery is forced.
	Restored Kind = "restored"
)

// Recoverer is the orchestrator surface the hub drives.
type Recoverer interface {
	Recover(ctx context.Context, opts recovery.Options) recovery.Result
}

// Hub receives lifecycle events and decides which recovery to request:
// none (debounced, rate-limited), a quick check, a full recovery, or a
// forced full recovery.
type Hub struct {
	cfg config.TriggerConfig
	rec Recoverer

	mu          sync.Mutex
	hiddenAt    time.Time
	lastVisible time.Time

	focusLimiter *rate.Limiter

	subMu   sync.Mutex
	subs    map[int]func()
	nextSub int

	now func() time.Time
}

// NewHub creates a trigger hub over the orchestrator.
func NewHub(cfg config.TriggerConfig, rec Recoverer) *Hub {
	return &Hub{
		cfg:          cfg,
		rec:          rec,
		focusLimiter: rate.NewLimiter(rate.Every(cfg.FocusMinInterval), 1),
		subs:         make(map[int]func()),
		now:          time.Now,
	}
}

// OnVisible registers a callback invoked after each debounce-accepted
// visible event, whether or not the resulting recovery succeeded. Query
// watchers use this as a secondary refresh path alongside the
// orchestrator's own notifications.
func (h *Hub) OnVisible(fn func()) (unsubscribe func()) {
	h.subMu.Lock()
	id := h.nextSub
	h.nextSub++
	h.subs[id] = fn
	h.subMu.Unlock()

	return func() {
		h.subMu.Lock()
		delete(h.subs, id)
		h.subMu.Unlock()
	}
}

func (h *Hub) notifyVisible() {
	h.subMu.Lock()
	fns := make([]func(), 0, len(h.subs))
	for _, fn := range h.subs {
		fns = append(fns, fn)
	}
	h.subMu.Unlock()

	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logging.Error().Interface("panic", r).Msg("Visible subscriber panicked")
				}
			}()
			fn()
		}()
	}
}

// BackdateHidden moves the hidden timestamp into the past. The heartbeat
// monitor uses this when it infers a freeze that no visibility event ever
// reported (OS sleep with the surface still "visible").
func (h *Hub) BackdateHidden(t time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.hiddenAt.IsZero() || t.Before(h.hiddenAt) {
		h.hiddenAt = t
	}
}

// Notify processes one lifecycle event, possibly running a recovery
// synchronously. The boolean reports whether a recovery was requested.
func (h *Hub) Notify(ctx context.Context, kind Kind) (recovery.Result, bool) {
	metrics.TriggerEvents.WithLabelValues(string(kind)).Inc()

	switch kind {
	case Hidden:
		h.mu.Lock()
		h.hiddenAt = h.now()
		h.mu.Unlock()
		return recovery.Result{}, false

	case Visible:
		return h.onVisible(ctx)

	case Focus:
		// Focus alone is a weak signal; only act when enough time has
		// passed since the last focus-driven attempt, and let the
		// orchestrator's cooldown drop it besides.
		if !h.focusLimiter.Allow() {
			return recovery.Result{}, false
		}
		return h.rec.Recover(ctx, recovery.Options{Trigger: recovery.TriggerFocus}), true

	case Online:
		return h.rec.Recover(ctx, recovery.Options{Trigger: recovery.TriggerOnline}), true

	case Restored:
		return h.rec.Recover(ctx, recovery.Options{
			Force:   true,
			Trigger: recovery.TriggerRestored,
		}), true

	default:
		logging.Debug().Str("kind", string(kind)).Msg("Unknown trigger event ignored")
		return recovery.Result{}, false
	}
}

// onVisible handles the return to foreground: debounce duplicate events,
// measure how long we were hidden, and choose quick check versus full
// recovery.
func (h *Hub) onVisible(ctx context.Context) (recovery.Result, bool) {
	h.mu.Lock()
	now := h.now()
	if now.Sub(h.lastVisible) < h.cfg.VisibleDebounce {
		h.mu.Unlock()
		return recovery.Result{}, false
	}
	h.lastVisible = now

	var hiddenFor time.Duration
	if !h.hiddenAt.IsZero() {
		hiddenFor = now.Sub(h.hiddenAt)
		h.hiddenAt = time.Time{}
	}
	h.mu.Unlock()

	quick := hiddenFor < h.cfg.QuickCheckThreshold
	logging.Debug().Dur("hidden_for", hiddenFor).Bool("quick_check", quick).Msg("Visible again")

	res := h.rec.Recover(ctx, recovery.Options{
		QuickCheck: quick,
		Trigger:    recovery.TriggerVisible,
		HiddenFor:  hiddenFor,
	})
	h.notifyVisible()
	return res, true
}
