// Lifeline - Connection Liveness and Session Recovery for Hosted Backends
// Copyright 2026 Lifeline Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lifelinedev/lifeline

package backend

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for the transport layer. The request wrapper's
// classification is built on errors.Is against these.
var (
	// ErrTimeout marks an operation cancelled by its own deadline.
	ErrTimeout = errors.New("operation timed out")

	// ErrAborted marks an operation cancelled by its caller (not by the
	// deadline). Never retried.
	ErrAborted = errors.New("operation aborted by caller")
)

// TimeoutError carries the label and deadline of a timed-out operation.
type TimeoutError struct {
	Label string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: timed out after %s", e.Label, e.After)
}

// Is lets errors.Is(err, ErrTimeout) match.
func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// AbortError carries the label of a caller-cancelled operation.
type AbortError struct {
	Label string
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("%s: aborted by caller", e.Label)
}

// Is lets errors.Is(err, ErrAborted) match.
func (e *AbortError) Is(target error) bool { return target == ErrAborted }
