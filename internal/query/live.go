// Lifeline - Connection Liveness and Session Recovery for Hosted Backends
// Copyright 2026 Lifeline Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lifelinedev/lifeline

// Package query keeps one logical data query alive across recoveries.
//
// A Live watcher owns the last fetched value and refetches it whenever a
// recovery completes or the application surface becomes visible again. It
// deliberately mirrors a UI-level data hook: consumers read snapshots and
// never block on the watcher.
package query

import (
	"context"
	"sync"
	"time"

	"github.com/lifelinedev/lifeline/internal/logging"
	"github.com/lifelinedev/lifeline/internal/recovery"
	"github.com/lifelinedev/lifeline/internal/session"
)

// Fetcher produces the query's value. It is invoked serially; overlapping
// refresh requests collapse onto the in-flight fetch.
type Fetcher[T any] func(ctx context.Context) (T, error)

// RecoverySource is the orchestrator surface a watcher subscribes to.
type RecoverySource interface {
	Subscribe(fn recovery.Subscriber) (unsubscribe func())
}

// VisibleSource is the trigger-hub surface providing the secondary
// refresh path.
type VisibleSource interface {
	OnVisible(fn func()) (unsubscribe func())
}

// AuthSource reports auth state changes so a watcher knows when the
// session becomes usable.
type AuthSource interface {
	OnAuthStateChange(fn func(session.AuthEvent, *session.Session)) (unsubscribe func())
}

// Options tunes a Live watcher.
type Options struct {
	// Timeout bounds each fetch. Zero means no per-fetch bound beyond
	// the caller's context.
	Timeout time.Duration

	// WaitForAuth defers the first fetch until an auth event reports a
	// session. A fetch requested before then is remembered and issued
	// once auth is ready.
	WaitForAuth bool
}

// Live is a self-refreshing holder for one query's result.
type Live[T any] struct {
	name    string
	fetcher Fetcher[T]
	opts    Options

	mu           sync.Mutex
	data         T
	err          error
	loaded       bool
	loading      bool
	fetching     bool
	needsRefresh bool
	authReady    bool
	closed       bool

	unsubs []func()
}

// NewLive builds a watcher and wires it to the recovery and visibility
// sources. Pass a nil auth source when the query does not depend on a
// session; the watcher then treats auth as always ready.
func NewLive[T any](name string, fetcher Fetcher[T], rec RecoverySource, vis VisibleSource, auth AuthSource, opts Options) *Live[T] {
	l := &Live[T]{
		name:    name,
		fetcher: fetcher,
		opts:    opts,
	}
	l.authReady = !opts.WaitForAuth || auth == nil

	if rec != nil {
		l.unsubs = append(l.unsubs, rec.Subscribe(func(note recovery.Notification) {
			if note.QuickCheck {
				return
			}
			// The fan-out runs while the recovery still counts as in
			// flight, and a fetcher built on the request wrapper waits for
			// recovery to settle before issuing its call. Refetching
			// synchronously here would pin every recovery to that wait
			// bound; detach instead.
			go l.Refetch(context.Background(), false)
		}))
	}
	if vis != nil {
		l.unsubs = append(l.unsubs, vis.OnVisible(func() {
			l.Refetch(context.Background(), false)
		}))
	}
	if auth != nil && opts.WaitForAuth {
		l.unsubs = append(l.unsubs, auth.OnAuthStateChange(func(event session.AuthEvent, sess *session.Session) {
			l.onAuthChange(event, sess)
		}))
	}

	return l
}

func (l *Live[T]) onAuthChange(event session.AuthEvent, sess *session.Session) {
	l.mu.Lock()
	switch event {
	case session.EventSignedOut:
		l.authReady = false
		l.mu.Unlock()
		return
	case session.EventSignedIn, session.EventTokenRefreshed:
		if sess == nil {
			l.mu.Unlock()
			return
		}
		wasReady := l.authReady
		l.authReady = true
		pending := l.needsRefresh
		l.needsRefresh = false
		l.mu.Unlock()
		if pending || !wasReady {
			l.Refetch(context.Background(), false)
		}
		return
	default:
		l.mu.Unlock()
	}
}

// Snapshot returns the last fetched value, whether a fetch is in flight,
// and the last fetch error. It never blocks and never triggers a fetch.
func (l *Live[T]) Snapshot() (data T, loading bool, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.data, l.loading, l.err
}

// Loaded reports whether at least one fetch has succeeded.
func (l *Live[T]) Loaded() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loaded
}

// Refetch runs the fetcher and stores its result. A call while a fetch is
// already outstanding is a no-op unless forced; a call before auth is
// ready is remembered and replayed once auth arrives. The boolean reports
// whether a fetch actually ran.
func (l *Live[T]) Refetch(ctx context.Context, force bool) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	if !l.authReady {
		l.needsRefresh = true
		l.mu.Unlock()
		logging.Debug().Str("query", l.name).Msg("Fetch deferred until auth ready")
		return false
	}
	if l.fetching && !force {
		l.mu.Unlock()
		return false
	}
	l.fetching = true
	l.loading = true
	l.mu.Unlock()

	fetchCtx := ctx
	var cancel context.CancelFunc
	if l.opts.Timeout > 0 {
		fetchCtx, cancel = context.WithTimeout(ctx, l.opts.Timeout)
		defer cancel()
	}

	data, err := l.fetcher(fetchCtx)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.fetching = false
	l.loading = false
	if l.closed {
		// Torn down while the fetch was in flight; drop the result.
		return true
	}
	if err != nil {
		l.err = err
		logging.Debug().Err(err).Str("query", l.name).Msg("Query fetch failed")
		return true
	}
	l.data = data
	l.err = nil
	l.loaded = true
	return true
}

// Close detaches the watcher from its sources. Results of any fetch still
// in flight are discarded.
func (l *Live[T]) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	unsubs := l.unsubs
	l.unsubs = nil
	l.mu.Unlock()

	for _, u := range unsubs {
		u()
	}
}
