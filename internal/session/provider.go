// Lifeline - Connection Liveness and Session Recovery for Hosted Backends
// Copyright 2026 Lifeline Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lifelinedev/lifeline

package session

import "context"

// AuthEvent describes a change announced by the auth provider.
type AuthEvent string

const (
	// EventSignedIn fires when a session is established, including the
	// initial restore from persisted credential storage.
	EventSignedIn AuthEvent = "SIGNED_IN"

	// EventTokenRefreshed fires after a successful token rotation.
	EventTokenRefreshed AuthEvent = "TOKEN_REFRESHED"

	// EventSignedOut fires on explicit sign-out or permanent refresh
	// failure.
	EventSignedOut AuthEvent = "SIGNED_OUT"
)

// Provider is the contract against the backend's auth subsystem. Lifeline
// treats it as an opaque capability: the only requirement is that
// RefreshSession either yields a session with a usable expiry or fails in a
// way that distinguishes transient trouble from a permanently invalid
// refresh token (see IsPermanent).
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// GetSession returns the provider's current session without forcing a
	// rotation. (nil, nil) means signed out.
	GetSession(ctx context.Context) (*Session, error)

	// RefreshSession rotates the refresh token and returns the new
	// session. Permanent failures (token revoked, already used) are
	// reported via errors satisfying IsPermanent.
	RefreshSession(ctx context.Context) (*Session, error)

	// SignOut invalidates the session at the provider.
	SignOut(ctx context.Context) error

	// OnAuthStateChange registers a listener invoked on every auth event.
	// The returned function unsubscribes the listener.
	OnAuthStateChange(fn func(event AuthEvent, s *Session)) (unsubscribe func())
}
