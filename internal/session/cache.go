// Lifeline - Connection Liveness and Session Recovery for Hosted Backends
// Copyright 2026 Lifeline Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lifelinedev/lifeline

package session

import (
	"context"
	"sync"
	"time"

	"github.com/lifelinedev/lifeline/internal/logging"
	"github.com/lifelinedev/lifeline/internal/metrics"
)

// Cache holds the last known session in memory and coordinates deduplicated
// refreshes against the auth provider.
//
// State machine: a cached session is Fresh while ExpiresAt lies more than
// the freshness buffer in the future, otherwise Stale. EnsureFresh returns
// the cached value for Fresh sessions without touching the network; for
// Stale sessions it triggers exactly one provider refresh no matter how
// many callers arrive concurrently (in-flight call coalescing).
type Cache struct {
	provider Provider
	buffer   time.Duration
	now      func() time.Time

	mu       sync.Mutex
	snap     Snapshot
	inflight *refreshCall
	unsub    func()
}

// refreshCall is a single in-flight provider refresh shared by all
// concurrent EnsureFresh callers.
type refreshCall struct {
	done chan struct{}
	sess *Session
	err  error
}

// CacheOption customizes a Cache.
type CacheOption func(*Cache)

// WithClock overrides the time source. Tests use this to exercise the
// fresh/stale boundary without sleeping.
func WithClock(now func() time.Time) CacheOption {
	return func(c *Cache) { c.now = now }
}

// NewCache creates a session cache over the given provider.
//
// The cache subscribes to the provider's auth state changes so that
// sign-in, restore-from-storage, and sign-out performed outside the cache
// still land in the snapshot. Call Close to unsubscribe.
func NewCache(provider Provider, freshnessBuffer time.Duration, opts ...CacheOption) *Cache {
	c := &Cache{
		provider: provider,
		buffer:   freshnessBuffer,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.unsub = provider.OnAuthStateChange(func(event AuthEvent, s *Session) {
		c.mu.Lock()
		defer c.mu.Unlock()
		switch event {
		case EventSignedIn, EventTokenRefreshed:
			c.setLocked(s)
		case EventSignedOut:
			c.setLocked(nil)
		}
	})

	return c
}

// Close unsubscribes the cache from the auth provider.
func (c *Cache) Close() {
	if c.unsub != nil {
		c.unsub()
	}
}

// Snapshot returns the last cached session synchronously. It never blocks
// and never performs I/O, so it is safe for instant UI-level decisions.
func (c *Cache) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snap
}

// Invalidate drops the cached session. Used on sign-out and on permanent
// refresh failure.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(nil)
}

// EnsureOptions controls a single EnsureFresh call.
type EnsureOptions struct {
	// Timeout bounds the provider round trips for this call.
	Timeout time.Duration

	// Force refreshes even when the cached session is still Fresh.
	Force bool
}

// EnsureFresh returns a usable session, refreshing it when Stale.
//
// Concurrent callers share one provider refresh and receive the same
// result. On transient failure the call falls back to reading the
// provider's current session (which covers the case where the token did not
// actually need rotation) and, failing that, returns (nil, nil): callers
// must treat a nil session as "proceed unauthenticated", not as fatal.
// Permanent refresh failures return a non-nil error satisfying
// IsPermanent and clear the cache.
func (c *Cache) EnsureFresh(ctx context.Context, opts EnsureOptions) (*Session, error) {
	c.mu.Lock()

	if !opts.Force {
		if s := c.snap.Session; s != nil && s.FreshAt(c.now(), c.buffer) {
			c.mu.Unlock()
			return s, nil
		}
	}

	if call := c.inflight; call != nil {
		c.mu.Unlock()
		metrics.SessionRefreshes.WithLabelValues("coalesced").Inc()
		return c.await(ctx, call)
	}

	call := &refreshCall{done: make(chan struct{})}
	c.inflight = call
	c.mu.Unlock()

	go c.refresh(call, opts.Timeout)

	return c.await(ctx, call)
}

// await joins an in-flight refresh, honoring caller cancellation. A caller
// that gives up does not cancel the shared refresh; later callers may still
// benefit from its result.
func (c *Cache) await(ctx context.Context, call *refreshCall) (*Session, error) {
	select {
	case <-call.done:
		return call.sess, call.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// refresh performs the single network refresh backing an in-flight call.
func (c *Cache) refresh(call *refreshCall, timeout time.Duration) {
	defer func() {
		c.mu.Lock()
		c.inflight = nil
		c.mu.Unlock()
		close(call.done)
	}()

	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	sess, err := c.provider.RefreshSession(ctx)
	if err == nil && sess != nil {
		metrics.SessionRefreshes.WithLabelValues("success").Inc()
		c.store(sess)
		call.sess = sess
		return
	}

	if IsPermanent(err) {
		metrics.SessionRefreshes.WithLabelValues("permanent_error").Inc()
		logging.Warn().Err(err).Msg("Session refresh failed permanently, clearing session")
		c.Invalidate()
		call.err = err
		return
	}

	metrics.SessionRefreshes.WithLabelValues("transient_error").Inc()
	logging.Debug().Err(err).Msg("Session refresh failed, falling back to current session read")

	// The token may not have needed rotation at all; the provider's
	// current session is still authoritative if it is usable.
	fbCtx, fbCancel := context.WithTimeout(context.Background(), timeout)
	defer fbCancel()

	if current, getErr := c.provider.GetSession(fbCtx); getErr == nil && current != nil {
		if current.FreshAt(c.now(), 0) {
			c.store(current)
			call.sess = current
			return
		}
	}

	// Total transient failure: no session, no error. Callers proceed
	// unauthenticated and may retry later.
	logging.Warn().Err(err).Msg("Session refresh yielded no session")
}

// store updates the snapshot with a refreshed session.
func (c *Cache) store(s *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(s)
}

// setLocked writes the snapshot and freshness gauge. Callers hold c.mu.
func (c *Cache) setLocked(s *Session) {
	c.snap = Snapshot{Session: s, UpdatedAt: c.now()}
	if s == nil {
		metrics.SessionFreshness.Set(0)
		return
	}
	metrics.SessionFreshness.Set(s.ExpiresIn(c.now()).Seconds())
}
