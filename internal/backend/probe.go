// Lifeline - Connection Liveness and Session Recovery for Hosted Backends
// Copyright 2026 Lifeline Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lifelinedev/lifeline

package backend

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/lifelinedev/lifeline/internal/logging"
	"github.com/lifelinedev/lifeline/internal/metrics"
)

// Prober answers the single question "is the backend reachable right now".
//
// It issues a minimal HEAD request directly against the REST root with only
// the public API key, deliberately bypassing the higher-level client: after
// a freeze the client's own transport state is exactly what is in doubt.
type Prober struct {
	restURL string
	anonKey string
	client  *http.Client
}

// NewProber creates a prober against the backend's REST root.
//
// The HTTP client carries no overall timeout; each probe is bounded by its
// own context deadline. Keep-alives are disabled so a probe never reports
// health based on a pooled connection that predates the freeze.
func NewProber(baseURL, restPath, anonKey string) *Prober {
	return &Prober{
		restURL: strings.TrimRight(baseURL, "/") + restPath + "/",
		anonKey: anonKey,
		client: &http.Client{
			Transport: &http.Transport{DisableKeepAlives: true},
		},
	}
}

// Probe reports backend reachability within the given timeout. Never
// panics, never returns an error: any network-level failure or timeout is
// simply "unreachable".
//
// Any HTTP response below 500 counts as reachable: a 400 or 401 means the
// server answered and merely rejected the bare probe, which is all the
// liveness question asks.
func (p *Prober) Probe(ctx context.Context, timeout time.Duration) bool {
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodHead, p.restURL, nil)
	if err != nil {
		metrics.ProbeResults.WithLabelValues("unreachable").Inc()
		return false
	}
	req.Header.Set("apikey", p.anonKey)

	resp, err := p.client.Do(req)
	if err != nil {
		logging.Debug().Err(err).Dur("timeout", timeout).Msg("Liveness probe failed")
		metrics.ProbeResults.WithLabelValues("unreachable").Inc()
		return false
	}
	defer resp.Body.Close()

	reachable := resp.StatusCode < http.StatusInternalServerError
	if reachable {
		metrics.ProbeResults.WithLabelValues("reachable").Inc()
	} else {
		metrics.ProbeResults.WithLabelValues("unreachable").Inc()
	}
	return reachable
}
