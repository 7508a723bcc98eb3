// Lifeline - Connection Liveness and Session Recovery for Hosted Backends
// Copyright 2026 Lifeline Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lifelinedev/lifeline

package request

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/lifelinedev/lifeline/internal/backend"
)

// Class is the retry-relevant classification of a failed backend call.
type Class string

const (
	// ClassAuth: the session or token was rejected. Recoverable via a
	// forced refresh, retried once.
	ClassAuth Class = "auth"

	// ClassTimeout: the call hit its deadline. Treated as a possible
	// freeze signal; forced recovery, then one capped retry.
	ClassTimeout Class = "timeout"

	// ClassNetwork: connectivity-level failure. Backoff, recovery, one
	// retry.
	ClassNetwork Class = "network"

	// ClassAborted: the caller cancelled. Never retried.
	ClassAborted Class = "aborted"

	// ClassUnknown: unrecognized error shape. Returned unmodified; never
	// retried, so unknown failures cannot turn into retry storms.
	ClassUnknown Class = "unknown"
)

// authMarkers identify token/session rejections in error text: local JWT
// errors, HTTP 401 surfaces, and PostgREST's JWT error code. Markers stay
// specific; bare words like "session" or "jwt" also appear in transport
// errors ("session closed", "tls: session") and would burn the auth retry
// on a connectivity failure.
var authMarkers = []string{
	"jwt expired",
	"invalid jwt",
	"invalid token",
	"token is expired",
	"refresh token",
	"not authenticated",
	"unauthorized",
	"session expired",
	"401",
	"pgrst301",
}

// networkMarkers identify connectivity-level failures in error text.
var networkMarkers = []string{
	"connection refused",
	"connection reset",
	"no such host",
	"network is unreachable",
	"broken pipe",
	"failed to fetch",
	"dial tcp",
	"i/o timeout",
	"unexpected eof",
}

// Classify maps a failed call's error to its retry class. Order matters:
// caller cancellation and deadline sentinels are structural and win over
// message matching; auth text is checked before network text because auth
// failures frequently mention the transport too.
func Classify(err error) Class {
	if err == nil {
		return ClassUnknown
	}

	if errors.Is(err, backend.ErrAborted) || errors.Is(err, context.Canceled) {
		return ClassAborted
	}
	if errors.Is(err, backend.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range authMarkers {
		if strings.Contains(msg, marker) {
			return ClassAuth
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ClassTimeout
		}
		return ClassNetwork
	}
	for _, marker := range networkMarkers {
		if strings.Contains(msg, marker) {
			return ClassNetwork
		}
	}

	return ClassUnknown
}
