// Lifeline - Connection Liveness and Session Recovery for Hosted Backends
// Copyright 2026 Lifeline Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lifelinedev/lifeline

package supervisor

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"
)

type fakeHTTPServer struct {
	listenErr    error
	listenDone   chan struct{}
	shutdownSeen chan struct{}
}

func newFakeHTTPServer(listenErr error) *fakeHTTPServer {
	return &fakeHTTPServer{
		listenErr:    listenErr,
		listenDone:   make(chan struct{}),
		shutdownSeen: make(chan struct{}),
	}
}

func (f *fakeHTTPServer) ListenAndServe() error {
	if f.listenErr != nil {
		return f.listenErr
	}
	<-f.listenDone
	return http.ErrServerClosed
}

func (f *fakeHTTPServer) Shutdown(_ context.Context) error {
	close(f.shutdownSeen)
	close(f.listenDone)
	return nil
}

func TestHTTPService_ListenFailureSurfaces(t *testing.T) {
	t.Parallel()

	bindErr := errors.New("listen tcp: address already in use")
	svc := NewHTTPService(newFakeHTTPServer(bindErr), time.Second)

	err := svc.Serve(context.Background())
	if err == nil || !errors.Is(err, bindErr) {
		t.Errorf("Expected bind error surfaced, got %v", err)
	}
}

func TestHTTPService_ContextCancelShutsDown(t *testing.T) {
	t.Parallel()

	server := newFakeHTTPServer(nil)
	svc := NewHTTPService(server, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- svc.Serve(ctx) }()

	cancel()

	select {
	case <-server.shutdownSeen:
	case <-time.After(2 * time.Second):
		t.Fatal("Shutdown was not invoked")
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after shutdown")
	}
}

func TestHTTPService_String(t *testing.T) {
	t.Parallel()

	svc := NewHTTPService(newFakeHTTPServer(nil), 0)
	if svc.String() != "ops-http" {
		t.Errorf("String = %q, want ops-http", svc.String())
	}
}
