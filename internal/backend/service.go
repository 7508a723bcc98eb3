// Lifeline - Connection Liveness and Session Recovery for Hosted Backends
// Copyright 2026 Lifeline Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lifelinedev/lifeline

// Package backend owns the client instance talking to the hosted backend:
// the HTTP transport, the auth provider handle, and the realtime channel
// manager, bundled behind a singleton Service.
//
// The Service is constructed once at process start and passed to consumers
// by dependency injection. "There is exactly one current instance" is a
// property of the Service's reference cell, not of package-level globals.
package backend

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lifelinedev/lifeline/internal/config"
	"github.com/lifelinedev/lifeline/internal/logging"
	"github.com/lifelinedev/lifeline/internal/metrics"
	"github.com/lifelinedev/lifeline/internal/realtime"
	"github.com/lifelinedev/lifeline/internal/session"
)

// Instance is one live handle to the backend: transport, auth, realtime.
// Instances are never reused once replaced; Version identifies them in
// diagnostics.
type Instance struct {
	ID        uuid.UUID
	Version   uint64
	HTTP      *http.Client
	Auth      session.Provider
	Realtime  *realtime.Manager
	CreatedAt time.Time
}

// Factory builds a new Instance with the given version number.
type Factory func(version uint64) (*Instance, error)

// Service is the process-wide singleton owning the current Instance, the
// session cache, the liveness prober, and the pending-request registry.
//
// Rebuilding the instance is a last-resort recovery action, never part of
// routine recovery: replacing the instance invalidates every handle issued
// from the old one, and any request still pointing at it will fail. Normal
// recovery waits for the existing instance to self-heal instead.
type Service struct {
	cfg     *config.Config
	factory Factory

	mu      sync.RWMutex
	current *Instance
	version uint64

	// rebuildMu serializes Rebuild so concurrent callers cannot claim the
	// same version and silently discard one of the built instances.
	rebuildMu sync.Mutex

	sessions *session.Cache
	prober   *Prober
	pending  *PendingSet

	// storageCloser is set when the service owns a persistent credential
	// store that must be released on shutdown.
	storageCloser io.Closer

	// Auth listeners registered against the Service survive instance
	// rebuilds; the Service re-subscribes to each new instance's provider.
	authMu        sync.Mutex
	authListeners map[int]func(session.AuthEvent, *session.Session)
	nextListener  int
	instanceUnsub func()
}

// ServiceOption customizes a Service.
type ServiceOption func(*Service)

// WithFactory overrides instance construction. Tests use this to inject
// fake providers and transports.
func WithFactory(f Factory) ServiceOption {
	return func(s *Service) { s.factory = f }
}

// NewService constructs the singleton service and its first instance.
func NewService(cfg *config.Config, opts ...ServiceOption) (*Service, error) {
	s := &Service{
		cfg:           cfg,
		pending:       NewPendingSet(),
		prober:        NewProber(cfg.Backend.URL, cfg.Backend.RestPath, cfg.Backend.AnonKey),
		authListeners: map[int]func(session.AuthEvent, *session.Session){},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.factory == nil {
		var storage session.Storage = &session.MemoryStorage{}
		if cfg.Session.StorePath != "" {
			bs, err := session.OpenBadgerStorage(cfg.Session.StorePath)
			if err != nil {
				return nil, err
			}
			storage = bs
			s.storageCloser = bs
		}
		s.factory = func(version uint64) (*Instance, error) {
			return defaultInstance(cfg, version, storage)
		}
	}

	inst, err := s.factory(1)
	if err != nil {
		return nil, err
	}
	s.version = 1
	s.install(inst)

	// The cache reads auth state through the Service so it survives
	// rebuilds without re-subscribing.
	s.sessions = session.NewCache(s, cfg.Session.FreshnessBuffer)
	return s, nil
}

// defaultInstance builds a production instance. The persisted credential
// storage is shared across rebuilds so a rebuilt client restores the same
// session.
func defaultInstance(cfg *config.Config, version uint64, storage session.Storage) (*Instance, error) {
	provider := session.NewHTTPProvider(session.HTTPProviderConfig{
		BaseURL:  cfg.Backend.URL,
		AuthPath: cfg.Backend.AuthPath,
		AnonKey:  cfg.Backend.AnonKey,
		Storage:  storage,
	})
	rt := realtime.NewManager(cfg.Backend.URL, cfg.Backend.RealtimePath, cfg.Backend.AnonKey, cfg.Realtime)
	return &Instance{
		ID:        uuid.New(),
		Version:   version,
		HTTP:      &http.Client{},
		Auth:      provider,
		Realtime:  rt,
		CreatedAt: time.Now(),
	}, nil
}

// install swaps the current instance and re-points the auth relay at it.
func (s *Service) install(inst *Instance) {
	s.mu.Lock()
	s.current = inst
	s.mu.Unlock()

	s.authMu.Lock()
	if s.instanceUnsub != nil {
		s.instanceUnsub()
	}
	s.instanceUnsub = inst.Auth.OnAuthStateChange(s.relayAuthEvent)
	s.authMu.Unlock()

	// A session refresh must update the token the realtime joins carry.
	if snap, err := inst.Auth.GetSession(context.Background()); err == nil && snap != nil {
		inst.Realtime.SetAuth(snap.AccessToken)
	}
}

// relayAuthEvent fans an instance-level auth event out to Service-level
// listeners and keeps the realtime auth token current.
func (s *Service) relayAuthEvent(event session.AuthEvent, sess *session.Session) {
	if sess != nil {
		s.Current().Realtime.SetAuth(sess.AccessToken)
	}

	s.authMu.Lock()
	fns := make([]func(session.AuthEvent, *session.Session), 0, len(s.authListeners))
	for _, fn := range s.authListeners {
		fns = append(fns, fn)
	}
	s.authMu.Unlock()

	for _, fn := range fns {
		fn(event, sess)
	}
}

// Current returns the current instance. Callers must not retain it across
// recovery boundaries; re-read it instead.
func (s *Service) Current() *Instance {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Version returns the current instance version.
func (s *Service) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Sessions returns the session cache.
func (s *Service) Sessions() *session.Cache { return s.sessions }

// LivenessProber returns the connection health prober.
func (s *Service) LivenessProber() *Prober { return s.prober }

// Pending returns the pending-request registry.
func (s *Service) Pending() *PendingSet { return s.pending }

// RealtimeRef always dereferences the current instance's realtime
// manager, so holders keep working across a rebuild.
type RealtimeRef struct {
	s *Service
}

// Realtime returns a rebuild-safe handle to the realtime transport.
func (s *Service) Realtime() *RealtimeRef { return &RealtimeRef{s: s} }

// Disconnect tears down the current transport connection.
func (r *RealtimeRef) Disconnect() { r.s.Current().Realtime.Disconnect() }

// Connect dials the current transport and re-joins its channels.
func (r *RealtimeRef) Connect(ctx context.Context) error {
	return r.s.Current().Realtime.Connect(ctx)
}

// Channels lists the topics currently subscribed.
func (r *RealtimeRef) Channels() []string { return r.s.Current().Realtime.Channels() }

// IsConnected reports transport connectivity.
func (r *RealtimeRef) IsConnected() bool { return r.s.Current().Realtime.IsConnected() }

// Serve runs the current transport's reconnect loop, implementing
// suture.Service.
func (r *RealtimeRef) Serve(ctx context.Context) error {
	return r.s.Current().Realtime.Serve(ctx)
}

// String implements fmt.Stringer for supervisor logs.
func (r *RealtimeRef) String() string { return "realtime-transport" }

// Rebuild discards the current instance and installs a freshly built one.
//
// Last resort only. The orchestrator never calls this; it exists for the
// embedder to invoke when an instance is demonstrably wedged beyond what
// recovery can fix. Outstanding handles into the old instance fail after
// this call.
func (s *Service) Rebuild(_ context.Context) error {
	s.rebuildMu.Lock()
	defer s.rebuildMu.Unlock()

	s.mu.RLock()
	next := s.version + 1
	s.mu.RUnlock()

	inst, err := s.factory(next)
	if err != nil {
		return err
	}

	s.mu.Lock()
	old := s.current
	s.version = next
	s.mu.Unlock()

	s.install(inst)
	metrics.ClientRebuilds.Inc()
	logging.Warn().
		Uint64("old_version", old.Version).
		Uint64("new_version", next).
		Msg("Backend client instance rebuilt")

	old.Realtime.Disconnect()
	return nil
}

// Close tears the service down: unsubscribes the auth relay, closes the
// session cache, and disconnects realtime.
func (s *Service) Close() {
	s.authMu.Lock()
	if s.instanceUnsub != nil {
		s.instanceUnsub()
		s.instanceUnsub = nil
	}
	s.authMu.Unlock()

	if s.sessions != nil {
		s.sessions.Close()
	}
	s.Current().Realtime.Disconnect()

	if s.storageCloser != nil {
		if err := s.storageCloser.Close(); err != nil {
			logging.Warn().Err(err).Msg("Failed to close session store")
		}
	}
}

// The Service itself implements session.Provider by delegating to the
// current instance, so consumers (the session cache above all) always talk
// to the latest instance without holding a stale handle.

// GetSession implements session.Provider.
func (s *Service) GetSession(ctx context.Context) (*session.Session, error) {
	return s.Current().Auth.GetSession(ctx)
}

// RefreshSession implements session.Provider.
func (s *Service) RefreshSession(ctx context.Context) (*session.Session, error) {
	return s.Current().Auth.RefreshSession(ctx)
}

// SignOut implements session.Provider.
func (s *Service) SignOut(ctx context.Context) error {
	return s.Current().Auth.SignOut(ctx)
}

// OnAuthStateChange implements session.Provider with Service-level
// registration that survives instance rebuilds.
func (s *Service) OnAuthStateChange(fn func(session.AuthEvent, *session.Session)) func() {
	s.authMu.Lock()
	id := s.nextListener
	s.nextListener++
	s.authListeners[id] = fn
	s.authMu.Unlock()

	// Replay current state so late subscribers start consistent.
	if sess, err := s.GetSession(context.Background()); err == nil && sess != nil {
		fn(session.EventSignedIn, sess)
	}

	return func() {
		s.authMu.Lock()
		defer s.authMu.Unlock()
		delete(s.authListeners, id)
	}
}
