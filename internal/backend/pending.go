// Lifeline - Connection Liveness and Session Recovery for Hosted Backends
// Copyright 2026 Lifeline Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lifelinedev/lifeline

package backend

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// PendingRequest is the bookkeeping record for one outstanding backend
// call: who it is (label + id) and when it must be done by.
type PendingRequest struct {
	ID        uuid.UUID
	Label     string
	StartedAt time.Time
	Deadline  time.Time
}

// PendingSet tracks outstanding backend calls so the recovery orchestrator
// can reason about work that may be stale after a freeze.
//
// Policy: recovery clears this set but never cancels the requests behind
// it. The runtime may have already completed them while we were suspended,
// and an in-flight request is harmless; clearing only forgets bookkeeping.
type PendingSet struct {
	mu   sync.Mutex
	reqs map[uuid.UUID]PendingRequest
}

// NewPendingSet creates an empty registry.
func NewPendingSet() *PendingSet {
	return &PendingSet{reqs: map[uuid.UUID]PendingRequest{}}
}

// Register records an outstanding call and returns its id for Done.
func (p *PendingSet) Register(label string, deadline time.Time) uuid.UUID {
	id := uuid.New()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reqs[id] = PendingRequest{
		ID:        id,
		Label:     label,
		StartedAt: time.Now(),
		Deadline:  deadline,
	}
	return id
}

// Done removes a completed or abandoned call. Unknown ids are ignored,
// which makes Done safe after a Clear.
func (p *PendingSet) Done(id uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.reqs, id)
}

// Clear forgets all tracked requests and returns how many were dropped.
func (p *PendingSet) Clear() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.reqs)
	p.reqs = map[uuid.UUID]PendingRequest{}
	return n
}

// Len returns the number of tracked requests.
func (p *PendingSet) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.reqs)
}

// Snapshot returns a copy of the tracked requests for diagnostics.
func (p *PendingSet) Snapshot() []PendingRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PendingRequest, 0, len(p.reqs))
	for _, r := range p.reqs {
		out = append(out, r)
	}
	return out
}
