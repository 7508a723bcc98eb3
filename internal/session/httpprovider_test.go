// Lifeline - Connection Liveness and Session Recovery for Hosted Backends
// Copyright 2026 Lifeline Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lifelinedev/lifeline

package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
)

func seededProvider(t *testing.T, serverURL string) (*HTTPProvider, *MemoryStorage) {
	t.Helper()
	storage := &MemoryStorage{}
	p := NewHTTPProvider(HTTPProviderConfig{
		BaseURL:  serverURL,
		AuthPath: "/auth/v1",
		AnonKey:  "anon-key",
		Storage:  storage,
	})
	p.SetSession(&Session{
		AccessToken:  "old-access",
		RefreshToken: "old-refresh",
		ExpiresAt:    time.Now().Add(time.Minute).Unix(),
		User:         User{ID: "user-1", Email: "u@example.co"},
	})
	return p, storage
}

// TestHTTPProvider_RefreshRotatesAndPersists verifies a successful token
// grant updates the session, persists it, and fires TOKEN_REFRESHED.
func TestHTTPProvider_RefreshRotatesAndPersists(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/v1/token" || r.URL.Query().Get("grant_type") != "refresh_token" {
			t.Errorf("Unexpected request: %s %s", r.Method, r.URL)
		}
		if r.Header.Get("apikey") != "anon-key" {
			t.Errorf("Missing apikey header")
		}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["refresh_token"] != "old-refresh" {
			t.Errorf("Expected old refresh token in body, got %q", body["refresh_token"])
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "new-access",
			"refresh_token": "new-refresh",
			"expires_in":    3600,
			"user":          map[string]string{"id": "user-1"},
		})
	}))
	defer srv.Close()

	p, storage := seededProvider(t, srv.URL)

	var refreshed atomic.Int64
	unsub := p.OnAuthStateChange(func(event AuthEvent, s *Session) {
		if event == EventTokenRefreshed && s.AccessToken == "new-access" {
			refreshed.Add(1)
		}
	})
	defer unsub()

	sess, err := p.RefreshSession(context.Background())
	if err != nil {
		t.Fatalf("RefreshSession: %v", err)
	}
	if sess.RefreshToken != "new-refresh" {
		t.Errorf("Expected rotated refresh token, got %q", sess.RefreshToken)
	}
	if sess.ExpiresAt <= time.Now().Unix() {
		t.Errorf("Expected expiry derived from expires_in, got %d", sess.ExpiresAt)
	}
	if n := refreshed.Load(); n != 1 {
		t.Errorf("Expected 1 TOKEN_REFRESHED event, got %d", n)
	}

	data, _ := storage.Load()
	var persisted Session
	if err := json.Unmarshal(data, &persisted); err != nil {
		t.Fatalf("Persisted session unreadable: %v", err)
	}
	if persisted.RefreshToken != "new-refresh" {
		t.Errorf("Expected rotation persisted, got %q", persisted.RefreshToken)
	}
}

// TestHTTPProvider_ConsumedTokenIsPermanent verifies the "already used"
// rejection classifies as permanent.
func TestHTTPProvider_ConsumedTokenIsPermanent(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"error_code": "refresh_token_already_used",
			"msg":        "Invalid Refresh Token: Already Used",
		})
	}))
	defer srv.Close()

	p, _ := seededProvider(t, srv.URL)

	_, err := p.RefreshSession(context.Background())
	if err == nil {
		t.Fatal("Expected refresh error")
	}
	if !IsPermanent(err) {
		t.Errorf("Expected permanent classification, got %v", err)
	}
}

// TestHTTPProvider_ServerErrorIsTransient verifies a 5xx does not classify
// as permanent; the caller may retry.
func TestHTTPProvider_ServerErrorIsTransient(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p, _ := seededProvider(t, srv.URL)

	_, err := p.RefreshSession(context.Background())
	if err == nil {
		t.Fatal("Expected refresh error")
	}
	if IsPermanent(err) {
		t.Errorf("5xx must classify transient, got %v", err)
	}
}

// TestHTTPProvider_NoTokenIsPermanent verifies refreshing with no held
// session fails permanently instead of hitting the network.
func TestHTTPProvider_NoTokenIsPermanent(t *testing.T) {
	t.Parallel()

	p := NewHTTPProvider(HTTPProviderConfig{BaseURL: "http://127.0.0.1:1", AuthPath: "/auth/v1"})
	_, err := p.RefreshSession(context.Background())
	if !IsPermanent(err) {
		t.Errorf("Expected permanent failure without a refresh token, got %v", err)
	}
}

// TestHTTPProvider_SignOutClearsLocalStateFirst verifies local state and
// storage are cleared even when the server-side logout fails.
func TestHTTPProvider_SignOutClearsLocalStateFirst(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	p, storage := seededProvider(t, srv.URL)

	var signedOut atomic.Int64
	p.OnAuthStateChange(func(event AuthEvent, _ *Session) {
		if event == EventSignedOut {
			signedOut.Add(1)
		}
	})

	err := p.SignOut(context.Background())
	if err == nil {
		t.Error("Expected error from failed server-side logout")
	}

	if s, _ := p.GetSession(context.Background()); s != nil {
		t.Error("Expected local session cleared regardless of server outcome")
	}
	if data, _ := storage.Load(); len(data) != 0 {
		t.Error("Expected persisted session cleared")
	}
	if n := signedOut.Load(); n != 1 {
		t.Errorf("Expected 1 SIGNED_OUT event, got %d", n)
	}
}

// TestHTTPProvider_SubscribeReplaysCurrentSession verifies a late
// subscriber immediately learns the restored session.
func TestHTTPProvider_SubscribeReplaysCurrentSession(t *testing.T) {
	t.Parallel()

	storage := &MemoryStorage{}
	seed, _ := json.Marshal(&Session{
		AccessToken:  "restored-access",
		RefreshToken: "restored-refresh",
		ExpiresAt:    time.Now().Add(time.Hour).Unix(),
	})
	_ = storage.Save(seed)

	p := NewHTTPProvider(HTTPProviderConfig{
		BaseURL:  "http://127.0.0.1:1",
		AuthPath: "/auth/v1",
		Storage:  storage,
	})

	var replayed atomic.Int64
	p.OnAuthStateChange(func(event AuthEvent, s *Session) {
		if event == EventSignedIn && s.AccessToken == "restored-access" {
			replayed.Add(1)
		}
	})

	if n := replayed.Load(); n != 1 {
		t.Errorf("Expected restored session replayed to subscriber, got %d", n)
	}
}
