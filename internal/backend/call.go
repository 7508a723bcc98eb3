// Lifeline - Connection Liveness and Session Recovery for Hosted Backends
// Copyright 2026 Lifeline Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lifelinedev/lifeline

package backend

import (
	"context"
	"errors"
	"time"
)

// callResult carries an operation's outcome across the race with the timer.
type callResult[T any] struct {
	val T
	err error
}

// Call executes op with a hard deadline.
//
// The operation receives a context that is cancelled when the deadline
// expires, which severs the underlying transport (net/http aborts the
// request), not merely the awaiting goroutine. If the operation ignores its
// context, Call still returns at the deadline and the late result is
// discarded, so a timed-out request can never complete late and corrupt
// caller state.
//
// The parent context composes external cancellation: a cancelled parent
// yields an AbortError, the deadline yields a TimeoutError labelled with
// errorLabel. The internal timer is released on every path.
func Call[T any](ctx context.Context, timeout time.Duration, errorLabel string, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ch := make(chan callResult[T], 1)
	go func() {
		val, err := op(callCtx)
		ch <- callResult[T]{val: val, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return zero, translateCallErr(ctx, r.err, errorLabel, timeout)
		}
		return r.val, nil
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return zero, &AbortError{Label: errorLabel}
		}
		return zero, &TimeoutError{Label: errorLabel, After: timeout}
	}
}

// translateCallErr maps context errors surfaced by the operation itself to
// the transport sentinels, leaving other errors untouched.
func translateCallErr(parent context.Context, err error, label string, timeout time.Duration) error {
	switch {
	case parent.Err() != nil && errors.Is(err, context.Canceled):
		return &AbortError{Label: label}
	case errors.Is(err, context.DeadlineExceeded):
		return &TimeoutError{Label: label, After: timeout}
	default:
		return err
	}
}
