// Lifeline - Connection Liveness and Session Recovery for Hosted Backends
// Copyright 2026 Lifeline Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lifelinedev/lifeline

// Package request wraps outbound data operations with the full
// recovery-aware treatment: pre-flight session freshness, timeout, error
// classification, bounded retry, and circuit breaking.
//
// Nothing in this package panics on a failed call; all failures come back
// as the (zero value, error) envelope.
package request

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/lifelinedev/lifeline/internal/backend"
	"github.com/lifelinedev/lifeline/internal/config"
	"github.com/lifelinedev/lifeline/internal/logging"
	"github.com/lifelinedev/lifeline/internal/metrics"
	"github.com/lifelinedev/lifeline/internal/recovery"
	"github.com/lifelinedev/lifeline/internal/session"
)

// Operation is any asynchronous data operation. The wrapper is parametric
// over it and knows nothing about its shape beyond the (T, error)
// envelope; the context it receives severs the underlying transport on
// timeout or cancellation.
type Operation[T any] func(ctx context.Context) (T, error)

// SessionEnsurer is the session cache surface the wrapper needs.
type SessionEnsurer interface {
	EnsureFresh(ctx context.Context, opts session.EnsureOptions) (*session.Session, error)
}

// RecoveryRunner is the orchestrator surface the wrapper needs.
type RecoveryRunner interface {
	Recover(ctx context.Context, opts recovery.Options) recovery.Result
	WaitIdle(ctx context.Context) error
}

// Wrapper carries the collaborators and policy shared by all wrapped
// calls. Construct one per backend service and reuse it.
type Wrapper struct {
	cfg      config.RequestConfig
	sessCfg  config.SessionConfig
	sessions SessionEnsurer
	rec      RecoveryRunner
	pending  *backend.PendingSet
	breaker  *gobreaker.CircuitBreaker[any]
}

// NewWrapper creates a request wrapper. The circuit breaker protects the
// data transport as a whole: when the backend fails hard and repeatedly,
// wrapped calls fail fast instead of stacking timeouts.
func NewWrapper(cfg *config.Config, sessions SessionEnsurer, rec RecoveryRunner, pending *backend.PendingSet) *Wrapper {
	w := &Wrapper{
		cfg:      cfg.Request,
		sessCfg:  cfg.Session,
		sessions: sessions,
		rec:      rec,
		pending:  pending,
	}

	if cfg.Request.BreakerEnabled {
		w.breaker = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
			Name:        "backend-data",
			MaxRequests: 3,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				if counts.Requests < 10 {
					return false
				}
				return float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
			},
			OnStateChange: func(_ string, from, to gobreaker.State) {
				logging.Info().Str("from", from.String()).Str("to", to.String()).Msg("Data transport breaker state change")
				metrics.BreakerState.Set(breakerStateValue(to))
			},
		})
	}

	return w
}

// breakerStateValue maps breaker states to the gauge encoding.
func breakerStateValue(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}

// CallOptions tunes a single wrapped call. Zero values fall back to the
// wrapper's configuration.
type CallOptions struct {
	// Timeout bounds each attempt of the operation.
	Timeout time.Duration

	// MaxRetries caps retries for this call regardless of error
	// classification.
	MaxRetries int
}

// Do executes op with the full recovery-aware treatment:
//
//  1. Wait (bounded) for any in-flight recovery to settle, so the call is
//     not raced against its own repair.
//  2. Ensure session freshness, non-forced. A missing session is not
//     fatal; the call proceeds unauthenticated.
//  3. Execute through the timeout-wrapped transport (and the breaker).
//  4. On failure, classify and retry once per class, under a hard total
//     attempt cap: forced refresh for auth errors, forced recovery plus
//     capped timeout for timeouts, backoff plus recovery for network
//     errors. Aborts and unknown error shapes return immediately.
//
// The retry issued after a timeout-triggered recovery waits for that
// recovery's completion (Recover is synchronous), never just its start.
func Do[T any](ctx context.Context, w *Wrapper, label string, op Operation[T], opts CallOptions) (T, error) {
	var zero T

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = w.cfg.DefaultTimeout
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = w.cfg.MaxRetries
	}

	w.awaitRecovery(ctx)

	if _, err := w.sessions.EnsureFresh(ctx, session.EnsureOptions{Timeout: w.sessCfg.RefreshTimeoutFast}); err != nil && !session.IsPermanent(err) {
		logging.Debug().Err(err).Str("label", label).Msg("Pre-flight session check failed, proceeding")
	}

	netBackoff := backoff.NewExponentialBackOff()
	netBackoff.InitialInterval = 250 * time.Millisecond
	netBackoff.MaxInterval = 2 * time.Second

	var (
		retriedAuth    bool
		retriedTimeout bool
		retriedNetwork bool
		lastErr        error
	)

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if ctx.Err() != nil {
			return zero, &backend.AbortError{Label: label}
		}

		attemptTimeout := timeout
		if retriedTimeout && attemptTimeout > w.cfg.RetryTimeoutCap {
			attemptTimeout = w.cfg.RetryTimeoutCap
		}

		val, err := execute(ctx, w, label, attemptTimeout, op)
		if err == nil {
			metrics.RequestOutcomes.WithLabelValues("success").Inc()
			return val, nil
		}
		lastErr = err

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			logging.Warn().Err(err).Str("label", label).Msg("Request rejected by breaker")
			break
		}

		class := Classify(err)
		logging.Debug().Err(err).Str("label", label).Str("class", string(class)).Int("attempt", attempt+1).Msg("Wrapped request failed")

		switch class {
		case ClassAborted:
			metrics.RequestOutcomes.WithLabelValues("error").Inc()
			return zero, err

		case ClassAuth:
			if retriedAuth {
				metrics.RequestOutcomes.WithLabelValues("error").Inc()
				return zero, lastErr
			}
			retriedAuth = true
			metrics.RequestRetries.WithLabelValues("auth").Inc()
			if _, refreshErr := w.sessions.EnsureFresh(ctx, session.EnsureOptions{
				Timeout: w.sessCfg.RefreshTimeoutFast,
				Force:   true,
			}); refreshErr != nil && session.IsPermanent(refreshErr) {
				// The refresh token itself is dead; retrying the data
				// call cannot help.
				metrics.RequestOutcomes.WithLabelValues("error").Inc()
				return zero, lastErr
			}

		case ClassTimeout:
			if retriedTimeout {
				metrics.RequestOutcomes.WithLabelValues("error").Inc()
				return zero, lastErr
			}
			retriedTimeout = true
			metrics.RequestRetries.WithLabelValues("timeout").Inc()
			// A timeout may mean we were frozen mid-call.
			w.rec.Recover(ctx, recovery.Options{Force: true, Trigger: recovery.TriggerRequest})

		case ClassNetwork:
			if retriedNetwork {
				metrics.RequestOutcomes.WithLabelValues("error").Inc()
				return zero, lastErr
			}
			retriedNetwork = true
			metrics.RequestRetries.WithLabelValues("network").Inc()
			select {
			case <-time.After(netBackoff.NextBackOff()):
			case <-ctx.Done():
				return zero, &backend.AbortError{Label: label}
			}
			w.rec.Recover(ctx, recovery.Options{Trigger: recovery.TriggerRequest})

		default:
			// Unknown error shapes are returned unmodified and never
			// retried.
			metrics.RequestOutcomes.WithLabelValues("error").Inc()
			return zero, err
		}
	}

	metrics.RequestOutcomes.WithLabelValues("error").Inc()
	return zero, lastErr
}

// awaitRecovery waits, bounded, for any in-flight recovery to complete.
// Hitting the bound is not an error; the call simply proceeds.
func (w *Wrapper) awaitRecovery(ctx context.Context) {
	waitCtx, cancel := context.WithTimeout(ctx, w.cfg.RecoveryWaitTimeout)
	defer cancel()
	if err := w.rec.WaitIdle(waitCtx); err != nil && ctx.Err() == nil {
		logging.Debug().Err(err).Msg("Gave up waiting for in-flight recovery")
	}
}

// execute runs one attempt through the pending registry, the breaker, and
// the timeout-wrapped transport.
func execute[T any](ctx context.Context, w *Wrapper, label string, timeout time.Duration, op Operation[T]) (T, error) {
	var zero T

	id := w.pending.Register(label, time.Now().Add(timeout))
	defer w.pending.Done(id)

	if w.breaker == nil {
		return backend.Call(ctx, timeout, label, op)
	}

	res, err := w.breaker.Execute(func() (any, error) {
		return backend.Call(ctx, timeout, label, op)
	})
	if err != nil {
		return zero, err
	}
	typed, ok := res.(T)
	if !ok {
		return zero, errors.New(label + ": unexpected result type from breaker")
	}
	return typed, nil
}
