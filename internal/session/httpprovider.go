// Lifeline - Connection Liveness and Session Recovery for Hosted Backends
// Copyright 2026 Lifeline Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lifelinedev/lifeline

package session

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"

	"github.com/lifelinedev/lifeline/internal/logging"
)

// Storage is the persisted credential store the provider restores sessions
// from and writes rotations back to. MemoryStorage is the default;
// BadgerStorage persists across restarts.
type Storage interface {
	Load() ([]byte, error)
	Save(data []byte) error
	Clear() error
}

// MemoryStorage is a trivial in-process Storage, used by tests and by
// embedders that manage persistence themselves.
type MemoryStorage struct {
	mu   sync.Mutex
	data []byte
}

func (m *MemoryStorage) Load() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data, nil
}

func (m *MemoryStorage) Save(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = append([]byte(nil), data...)
	return nil
}

func (m *MemoryStorage) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = nil
	return nil
}

// HTTPProvider implements Provider against a GoTrue-style auth API:
//
//	POST {base}{authPath}/token?grant_type=refresh_token
//	POST {base}{authPath}/logout
//
// It keeps the current session in memory, persists rotations to Storage,
// and fans auth events out to registered listeners.
type HTTPProvider struct {
	baseURL  string
	authPath string
	anonKey  string
	client   *http.Client

	mu        sync.Mutex
	current   *Session
	listeners map[int]func(AuthEvent, *Session)
	nextID    int
	storage   Storage
}

// HTTPProviderConfig configures an HTTPProvider.
type HTTPProviderConfig struct {
	BaseURL  string
	AuthPath string
	AnonKey  string

	// Client is the HTTP client to use. Defaults to a client with no
	// overall timeout; per-call contexts bound each request.
	Client *http.Client

	// Storage is the persisted credential store. Defaults to MemoryStorage.
	Storage Storage
}

// NewHTTPProvider creates the provider and restores any persisted session.
// A restored session fires EventSignedIn to registered listeners on the
// first registration, mirroring bootstrap-from-storage semantics.
func NewHTTPProvider(cfg HTTPProviderConfig) *HTTPProvider {
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	if cfg.Storage == nil {
		cfg.Storage = &MemoryStorage{}
	}

	p := &HTTPProvider{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		authPath:  cfg.AuthPath,
		anonKey:   cfg.AnonKey,
		client:    cfg.Client,
		listeners: map[int]func(AuthEvent, *Session){},
		storage:   cfg.Storage,
	}
	p.restore()
	return p
}

// restore loads a persisted session, if any.
func (p *HTTPProvider) restore() {
	data, err := p.storage.Load()
	if err != nil || len(data) == 0 {
		return
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		logging.Warn().Err(err).Msg("Persisted session is unreadable, ignoring")
		return
	}
	if s.AccessToken == "" || s.RefreshToken == "" {
		return
	}
	p.current = &s
	logging.Info().Str("user", s.User.ID).Msg("Session restored from storage")
}

// SetSession installs a session obtained out of band (sign-in flows live
// outside this library) and announces it to listeners.
func (p *HTTPProvider) SetSession(s *Session) {
	p.mu.Lock()
	p.current = s
	p.persistLocked(s)
	fns := p.listenersLocked()
	p.mu.Unlock()

	for _, fn := range fns {
		fn(EventSignedIn, s)
	}
}

// GetSession returns the current session without forcing a rotation.
func (p *HTTPProvider) GetSession(_ context.Context) (*Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current, nil
}

// refreshResponse is the auth API's token grant response.
type refreshResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	ExpiresAt    int64  `json:"expires_at"`
	User         User   `json:"user"`
}

// refreshErrorBody is the auth API's error envelope. Field names vary
// between API versions, so all known spellings are accepted.
type refreshErrorBody struct {
	Error            string `json:"error"`
	ErrorCode        string `json:"error_code"`
	ErrorDescription string `json:"error_description"`
	Msg              string `json:"msg"`
	Message          string `json:"message"`
}

// RefreshSession rotates the refresh token against the auth API.
func (p *HTTPProvider) RefreshSession(ctx context.Context) (*Session, error) {
	p.mu.Lock()
	current := p.current
	p.mu.Unlock()

	if current == nil || current.RefreshToken == "" {
		return nil, &apiError{Status: 401, Code: "refresh_token_not_found", Message: "no refresh token held", Permanent: true}
	}

	body, err := json.Marshal(map[string]string{"refresh_token": current.RefreshToken})
	if err != nil {
		return nil, fmt.Errorf("encode refresh request: %w", err)
	}

	url := p.baseURL + p.authPath + "/token?grant_type=refresh_token"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", p.anonKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("refresh request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read refresh response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, p.decodeError(resp.StatusCode, data)
	}

	var rr refreshResponse
	if err := json.Unmarshal(data, &rr); err != nil {
		return nil, fmt.Errorf("decode refresh response: %w", err)
	}

	sess := &Session{
		AccessToken:  rr.AccessToken,
		RefreshToken: rr.RefreshToken,
		ExpiresAt:    rr.ExpiresAt,
		User:         rr.User,
	}
	if sess.ExpiresAt == 0 {
		sess.ExpiresAt = deriveExpiry(rr.AccessToken, rr.ExpiresIn)
	}

	p.mu.Lock()
	p.current = sess
	p.persistLocked(sess)
	fns := p.listenersLocked()
	p.mu.Unlock()

	logging.Debug().
		Str("user", sess.User.ID).
		Str("access_token", logging.RedactToken(sess.AccessToken)).
		Time("expires_at", time.Unix(sess.ExpiresAt, 0)).
		Msg("Session refreshed")

	for _, fn := range fns {
		fn(EventTokenRefreshed, sess)
	}
	return sess, nil
}

// decodeError maps an auth API error response to an apiError, classifying
// permanently invalid refresh tokens so callers stop retrying them.
func (p *HTTPProvider) decodeError(status int, data []byte) error {
	var eb refreshErrorBody
	_ = json.Unmarshal(data, &eb)

	msg := eb.ErrorDescription
	if msg == "" {
		msg = eb.Msg
	}
	if msg == "" {
		msg = eb.Message
	}
	if msg == "" {
		msg = eb.Error
	}
	if msg == "" {
		msg = http.StatusText(status)
	}

	code := eb.ErrorCode
	if code == "" {
		code = eb.Error
	}

	apiErr := &apiError{Status: status, Code: code, Message: msg}
	if status == http.StatusBadRequest || status == http.StatusUnauthorized || status == http.StatusForbidden {
		apiErr.Permanent = IsPermanent(apiErr) ||
			strings.Contains(strings.ToLower(code), "refresh_token") ||
			status == http.StatusUnauthorized
	}
	return apiErr
}

// SignOut invalidates the session at the provider and clears local state.
func (p *HTTPProvider) SignOut(ctx context.Context) error {
	p.mu.Lock()
	current := p.current
	p.current = nil
	if err := p.storage.Clear(); err != nil {
		logging.Warn().Err(err).Msg("Failed to clear persisted session")
	}
	fns := p.listenersLocked()
	p.mu.Unlock()

	for _, fn := range fns {
		fn(EventSignedOut, nil)
	}

	if current == nil {
		return nil
	}

	url := p.baseURL + p.authPath + "/logout"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return fmt.Errorf("build logout request: %w", err)
	}
	req.Header.Set("apikey", p.anonKey)
	req.Header.Set("Authorization", "Bearer "+current.AccessToken)

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("logout request: %w", err)
	}
	defer resp.Body.Close()

	// Local state is already gone; a failed server-side logout only means
	// the token dies by expiry instead.
	if resp.StatusCode >= 500 {
		return fmt.Errorf("logout request: HTTP %d", resp.StatusCode)
	}
	return nil
}

// OnAuthStateChange registers a listener for auth events.
func (p *HTTPProvider) OnAuthStateChange(fn func(AuthEvent, *Session)) func() {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.listeners[id] = fn
	current := p.current
	p.mu.Unlock()

	// Announce the restored session so late subscribers see bootstrap
	// state without polling.
	if current != nil {
		fn(EventSignedIn, current)
	}

	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.listeners, id)
	}
}

// listenersLocked snapshots the listener set. Callers hold p.mu and invoke
// the returned functions after unlocking.
func (p *HTTPProvider) listenersLocked() []func(AuthEvent, *Session) {
	fns := make([]func(AuthEvent, *Session), 0, len(p.listeners))
	for _, fn := range p.listeners {
		fns = append(fns, fn)
	}
	return fns
}

// persistLocked writes the session to storage. Callers hold p.mu.
func (p *HTTPProvider) persistLocked(s *Session) {
	if s == nil {
		if err := p.storage.Clear(); err != nil {
			logging.Warn().Err(err).Msg("Failed to clear persisted session")
		}
		return
	}
	data, err := json.Marshal(s)
	if err != nil {
		logging.Warn().Err(err).Msg("Failed to encode session for storage")
		return
	}
	if err := p.storage.Save(data); err != nil {
		logging.Warn().Err(err).Msg("Failed to persist session")
	}
}

// deriveExpiry computes an absolute expiry for responses that omit
// expires_at: preferably from the access token's JWT exp claim (parsed
// without signature verification; the value is advisory, the server still
// enforces real expiry), falling back to now+expires_in.
func deriveExpiry(accessToken string, expiresIn int64) int64 {
	if accessToken != "" {
		parser := jwt.NewParser()
		claims := jwt.MapClaims{}
		if _, _, err := parser.ParseUnverified(accessToken, claims); err == nil {
			if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
				return exp.Unix()
			}
		}
	}
	if expiresIn > 0 {
		return time.Now().Unix() + expiresIn
	}
	return 0
}
