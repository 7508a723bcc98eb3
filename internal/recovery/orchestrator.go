// Lifeline - Connection Liveness and Session Recovery for Hosted Backends
// Copyright 2026 Lifeline Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lifelinedev/lifeline

// Package recovery implements the orchestrated sequence that re-establishes
// confidence in auth and connectivity after a suspected freeze or
// disconnect: probe, refresh session, cycle realtime, notify subscribers.
//
// Reentrancy policy (documented choice): every concurrent Recover call made
// while a run is in flight joins that run and receives its result, forced
// or not. Waiting gives callers a real outcome instead of a guess, and the
// invariant "at most one run's authoritative side effects execute at a
// time" holds by construction. Non-forced calls inside the cooldown window
// after a completed non-forced run are skipped instead.
package recovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lifelinedev/lifeline/internal/config"
	"github.com/lifelinedev/lifeline/internal/logging"
	"github.com/lifelinedev/lifeline/internal/metrics"
	"github.com/lifelinedev/lifeline/internal/session"
)

// Trigger names the source that requested a recovery, for logs and metrics.
type Trigger string

const (
	TriggerVisible   Trigger = "visible"
	TriggerOnline    Trigger = "online"
	TriggerFocus     Trigger = "focus"
	TriggerRestored  Trigger = "restored"
	TriggerHeartbeat Trigger = "heartbeat"
	TriggerRequest   Trigger = "request"
	TriggerManual    Trigger = "manual"
)

// Prober answers reachability, see backend.Prober.
type Prober interface {
	Probe(ctx context.Context, timeout time.Duration) bool
}

// SessionRefresher is the session cache surface the orchestrator drives.
type SessionRefresher interface {
	EnsureFresh(ctx context.Context, opts session.EnsureOptions) (*session.Session, error)
	Snapshot() session.Snapshot
}

// RealtimeCycler is the resumable realtime transport the orchestrator
// cycles during full recovery.
type RealtimeCycler interface {
	Disconnect()
	Connect(ctx context.Context) error
	Channels() []string
}

// PendingClearer forgets bookkeeping for requests that may be stale.
type PendingClearer interface {
	Clear() int
}

// Options controls one Recover call.
type Options struct {
	// Force bypasses the cooldown window. Forced runs still join an
	// in-flight run rather than starting a second one.
	Force bool

	// QuickCheck runs the abbreviated path: probe only, no session
	// refresh, no realtime cycle.
	QuickCheck bool

	// Trigger identifies the source for logs and metrics.
	Trigger Trigger

	// HiddenFor is how long the process is believed to have been
	// suspended; it scales the settle delay before probing.
	HiddenFor time.Duration
}

// Result is the outcome of a Recover call.
type Result struct {
	// Success is true when the sequence ran to completion (individual
	// step failures are absorbed, not fatal).
	Success bool

	// Skipped is true when the call was dropped under cooldown.
	Skipped bool

	// Joined is true when this call received the result of a run that was
	// already in flight.
	Joined bool

	// HadSession reports whether a usable session existed when the run
	// completed.
	HadSession bool

	// QuickCheck mirrors Options.QuickCheck for subscribers.
	QuickCheck bool

	// Timestamp is when the run completed.
	Timestamp time.Time

	// Err is set only when the sequence itself failed unexpectedly.
	Err error
}

// Notification is delivered to subscribers after a completed recovery.
type Notification struct {
	HadSession bool
	Timestamp  time.Time
	QuickCheck bool
}

// Subscriber is a callback registered by a UI-level consumer to refetch
// after recovery.
type Subscriber func(Notification)

// run is one in-flight recovery shared by all joining callers.
type run struct {
	done   chan struct{}
	result Result
}

// Orchestrator is the recovery state machine: Idle -> Recovering -> Idle,
// with a cooldown window after non-forced runs.
type Orchestrator struct {
	cfg      config.RecoveryConfig
	sessCfg  config.SessionConfig
	probeCfg config.BackendConfig

	prober   Prober
	sessions SessionRefresher
	realtime RealtimeCycler
	pending  PendingClearer

	mu           sync.Mutex
	inflight     *run
	lastNonForce time.Time
	lastRecovery time.Time

	subMu   sync.Mutex
	subs    map[int]Subscriber
	nextSub int

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration)
}

// New creates an orchestrator over the given collaborators.
func New(cfg *config.Config, prober Prober, sessions SessionRefresher, realtime RealtimeCycler, pending PendingClearer) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg.Recovery,
		sessCfg:  cfg.Session,
		probeCfg: cfg.Backend,
		prober:   prober,
		sessions: sessions,
		realtime: realtime,
		pending:  pending,
		subs:     map[int]Subscriber{},
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

// sleepCtx sleeps for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// Subscribe registers a callback invoked after every completed recovery.
// The returned function unsubscribes it.
func (o *Orchestrator) Subscribe(fn Subscriber) (unsubscribe func()) {
	o.subMu.Lock()
	id := o.nextSub
	o.nextSub++
	o.subs[id] = fn
	o.subMu.Unlock()

	return func() {
		o.subMu.Lock()
		defer o.subMu.Unlock()
		delete(o.subs, id)
	}
}

// InFlight reports whether a recovery is currently running.
func (o *Orchestrator) InFlight() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.inflight != nil
}

// WaitIdle blocks until no recovery is in flight or ctx is done. Used by
// the request wrapper so a call is not raced against its own recovery; the
// wait covers recovery's completion, not merely its start.
func (o *Orchestrator) WaitIdle(ctx context.Context) error {
	for {
		o.mu.Lock()
		current := o.inflight
		o.mu.Unlock()
		if current == nil {
			return nil
		}
		select {
		case <-current.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Status describes the orchestrator for diagnostics.
type Status struct {
	InProgress     bool      `json:"in_progress"`
	LastRecovery   time.Time `json:"last_recovery"`
	CooldownActive bool      `json:"cooldown_active"`
}

// CurrentStatus returns a snapshot of the recovery state.
func (o *Orchestrator) CurrentStatus() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return Status{
		InProgress:     o.inflight != nil,
		LastRecovery:   o.lastRecovery,
		CooldownActive: o.now().Sub(o.lastNonForce) < o.cfg.Cooldown,
	}
}

// Recover runs (or joins, or skips) a recovery sequence and returns its
// outcome. It never propagates exceptions from recovery steps; every
// internal failure short of a broken step implementation is absorbed and
// the sequence continues.
func (o *Orchestrator) Recover(ctx context.Context, opts Options) Result {
	if opts.Trigger == "" {
		opts.Trigger = TriggerManual
	}

	o.mu.Lock()

	if current := o.inflight; current != nil {
		o.mu.Unlock()
		metrics.RecoveryRuns.WithLabelValues(string(opts.Trigger), "joined").Inc()
		select {
		case <-current.done:
			r := current.result
			r.Joined = true
			return r
		case <-ctx.Done():
			return Result{Joined: true, Err: ctx.Err(), Timestamp: o.now()}
		}
	}

	if !opts.Force && o.now().Sub(o.lastNonForce) < o.cfg.Cooldown {
		o.mu.Unlock()
		metrics.RecoveryRuns.WithLabelValues(string(opts.Trigger), "skipped").Inc()
		logging.Debug().Str("trigger", string(opts.Trigger)).Msg("Recovery skipped under cooldown")
		return Result{Skipped: true, Timestamp: o.now()}
	}

	r := &run{done: make(chan struct{})}
	o.inflight = r
	o.mu.Unlock()

	// The reentrancy lock is released on every path, including panics out
	// of an injected step. A stuck lock would deadlock all future
	// recovery, so release is structural, not conditional.
	defer func() {
		o.mu.Lock()
		o.inflight = nil
		o.lastRecovery = o.now()
		if !opts.Force {
			o.lastNonForce = o.lastRecovery
		}
		o.mu.Unlock()
		close(r.done)
	}()

	r.result = o.runSequence(ctx, opts)

	outcome := "success"
	if !r.result.Success {
		outcome = "failed"
	}
	metrics.RecoveryRuns.WithLabelValues(string(opts.Trigger), outcome).Inc()
	return r.result
}

// runSequence executes the documented step order: settle, probe, session,
// realtime, notify. Step failures are logged and absorbed; only a panic
// from a step surfaces as Result.Err.
func (o *Orchestrator) runSequence(ctx context.Context, opts Options) (result Result) {
	started := o.now()
	metrics.RecoveryInProgress.Set(1)
	defer func() {
		metrics.RecoveryInProgress.Set(0)
		metrics.RecoveryDuration.Observe(o.now().Sub(started).Seconds())
		if rec := recover(); rec != nil {
			result = Result{Success: false, Err: fmt.Errorf("recovery step panicked: %v", rec), Timestamp: o.now()}
			logging.Error().Interface("panic", rec).Msg("Recovery sequence panicked")
		}
	}()

	logging.Info().
		Str("trigger", string(opts.Trigger)).
		Bool("force", opts.Force).
		Bool("quick_check", opts.QuickCheck).
		Dur("hidden_for", opts.HiddenFor).
		Msg("Recovery starting")

	// Step 1: forget bookkeeping for requests that may be stale. The
	// requests themselves are not cancelled; the runtime may have already
	// completed them while we were suspended.
	if dropped := o.pending.Clear(); dropped > 0 {
		logging.Debug().Int("dropped", dropped).Msg("Forgot pending request bookkeeping")
	}

	// Step 2: let the runtime settle before probing. Scaled to how long
	// we were suspended; a longer suspension means more deferred work
	// (timer callbacks, connection teardowns) racing with us.
	o.sleep(ctx, o.settleDelay(opts.HiddenFor))

	// Step 3: probe, short timeout first, one longer retry. The outcome
	// is informational; an unreachable backend does not abort the rest of
	// the sequence, which still repairs local state.
	reachable := o.prober.Probe(ctx, o.probeCfg.ProbeTimeoutShort)
	if !reachable {
		reachable = o.prober.Probe(ctx, o.probeCfg.ProbeTimeoutLong)
	}
	if !reachable {
		logging.Warn().Msg("Backend unreachable during recovery, continuing")
	}

	hadSession := false
	if opts.QuickCheck {
		hadSession = o.sessions.Snapshot().Session != nil
	} else {
		hadSession = o.refreshSession(ctx)
		o.cycleRealtime(ctx)
	}

	note := Notification{HadSession: hadSession, Timestamp: o.now(), QuickCheck: opts.QuickCheck}
	o.notify(note)

	logging.Info().
		Bool("reachable", reachable).
		Bool("had_session", hadSession).
		Dur("took", o.now().Sub(started)).
		Msg("Recovery complete")

	return Result{
		Success:    true,
		HadSession: hadSession,
		QuickCheck: opts.QuickCheck,
		Timestamp:  note.Timestamp,
	}
}

// settleDelay maps suspension length to a stabilization sleep, capped at
// the configured maximum.
func (o *Orchestrator) settleDelay(hiddenFor time.Duration) time.Duration {
	var d time.Duration
	switch {
	case hiddenFor <= 0:
		return 0
	case hiddenFor < 30*time.Second:
		d = 200 * time.Millisecond
	case hiddenFor < 5*time.Minute:
		d = time.Second
	default:
		d = o.cfg.MaxSettleDelay
	}
	if d > o.cfg.MaxSettleDelay {
		d = o.cfg.MaxSettleDelay
	}
	return d
}

// refreshSession runs the two-attempt session refresh: a fast optimistic
// attempt, then a forced slow attempt if the first yields nothing. Never
// throws past this step; the final outcome is tracked and logged only.
func (o *Orchestrator) refreshSession(ctx context.Context) bool {
	sess, err := o.sessions.EnsureFresh(ctx, session.EnsureOptions{
		Timeout: o.sessCfg.RefreshTimeoutFast,
	})
	if err != nil && session.IsPermanent(err) {
		logging.Warn().Err(err).Msg("Session permanently invalid during recovery")
		return false
	}
	if sess == nil {
		sess, err = o.sessions.EnsureFresh(ctx, session.EnsureOptions{
			Timeout: o.sessCfg.RefreshTimeoutSlow,
			Force:   true,
		})
		if err != nil {
			logging.Warn().Err(err).Msg("Forced session refresh failed during recovery")
		}
	}
	if sess == nil {
		logging.Info().Msg("Recovery finished without a session")
		return false
	}
	return true
}

// cycleRealtime disconnects and reconnects the realtime transport.
// Failures are logged and swallowed; realtime repair is not fatal to
// recovery.
func (o *Orchestrator) cycleRealtime(ctx context.Context) {
	channels := o.realtime.Channels()
	o.realtime.Disconnect()
	if err := o.realtime.Connect(ctx); err != nil {
		logging.Warn().Err(err).Int("channels", len(channels)).Msg("Realtime reconnect failed during recovery")
		return
	}
	logging.Debug().Int("channels", len(channels)).Msg("Realtime cycled")
}

// notify fans the completion notification out to subscribers. Each
// invocation is isolated: a panicking subscriber must not prevent the
// others from running.
func (o *Orchestrator) notify(note Notification) {
	o.subMu.Lock()
	subs := make([]Subscriber, 0, len(o.subs))
	for _, fn := range o.subs {
		subs = append(subs, fn)
	}
	o.subMu.Unlock()

	for _, fn := range subs {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					logging.Error().Interface("panic", rec).Msg("Recovery subscriber panicked")
				}
			}()
			fn(note)
		}()
	}
}
