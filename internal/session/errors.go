// Lifeline - Connection Liveness and Session Recovery for Hosted Backends
// Copyright 2026 Lifeline Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lifelinedev/lifeline

package session

import (
	"errors"
	"strings"
)

// ErrPermanentRefresh marks a refresh failure that retrying cannot fix: the
// refresh token itself has been consumed or revoked. Callers must stop
// retrying and treat the session as gone.
var ErrPermanentRefresh = errors.New("refresh token permanently invalid")

// permanentMarkers are auth API error fragments that identify an
// unrecoverable refresh failure, as opposed to a transient network or
// timeout problem.
var permanentMarkers = []string{
	"invalid refresh token",
	"refresh token not found",
	"already used",
	"refresh_token_not_found",
	"session_not_found",
}

// IsPermanent reports whether a refresh error is unrecoverable.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrPermanentRefresh) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range permanentMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// apiError is an error response from the auth API.
type apiError struct {
	Status    int
	Code      string
	Message   string
	Permanent bool
}

func (e *apiError) Error() string {
	if e.Code != "" {
		return "auth api: " + e.Code + ": " + e.Message
	}
	return "auth api: " + e.Message
}

// Is lets errors.Is(err, ErrPermanentRefresh) match permanent API errors.
func (e *apiError) Is(target error) bool {
	return target == ErrPermanentRefresh && e.Permanent
}
