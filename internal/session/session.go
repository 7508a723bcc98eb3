// Lifeline - Connection Liveness and Session Recovery for Hosted Backends
// Copyright 2026 Lifeline Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lifelinedev/lifeline

// Package session owns the authentication session: the in-memory cache, the
// deduplicated refresh path, and the provider contract against the backend's
// auth API.
//
// The cache is the single owner of the Session value. It is mutated only by
// a successful refresh, an explicit sign-in propagated through the auth
// state listener, or sign-out. Everything else reads snapshots.
package session

import (
	"time"
)

// User is the identity attached to a session.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Session is the authentication credential bundle returned by the auth
// provider. ExpiresAt is absolute epoch seconds.
type Session struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAt    int64  `json:"expires_at"`
	User         User   `json:"user"`
}

// ExpiresIn returns the remaining lifetime of the session at the given
// instant. Negative when already expired.
func (s *Session) ExpiresIn(now time.Time) time.Duration {
	return time.Unix(s.ExpiresAt, 0).Sub(now)
}

// FreshAt reports whether the session is still usable at the given instant
// with the given safety buffer: a session expiring within the buffer window
// is already considered stale so callers refresh before it lapses.
func (s *Session) FreshAt(now time.Time, buffer time.Duration) bool {
	return s.ExpiresIn(now) > buffer
}

// Snapshot is the synchronously readable view of the cache. It never
// triggers I/O; Session is nil when signed out or never signed in.
type Snapshot struct {
	Session   *Session
	UpdatedAt time.Time
}

// User returns the identity of the cached session, or nil.
func (s Snapshot) User() *User {
	if s.Session == nil {
		return nil
	}
	u := s.Session.User
	return &u
}
