// Lifeline - Connection Liveness and Session Recovery for Hosted Backends
// Copyright 2026 Lifeline Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lifelinedev/lifeline

// Package main is the entry point for the lifelined daemon.
//
// Lifeline keeps a long-lived client's connection to a hosted backend
// trustworthy across process suspensions, network loss, and token expiry.
// The daemon owns the singleton backend service (HTTP transport, auth
// provider, realtime channel manager), runs the recovery orchestrator,
// and supervises the trigger sources that feed it.
//
// # Application Architecture
//
// The daemon initializes components in the following order:
//
//  1. Configuration: layered settings from defaults, YAML file, and
//     environment variables (Koanf v2)
//  2. Backend service: the process-wide client instance, session cache,
//     liveness prober, and pending-request registry
//  3. Recovery orchestrator: the single state machine allowed to run the
//     probe/refresh/reconnect sequence
//  4. Trigger hub and native sources: heartbeat drift detector and
//     connectivity watcher, plus injected lifecycle events
//  5. Supervisor tree: heartbeat, connectivity, and realtime transport
//     run as restartable services
//  6. Ops HTTP surface: /healthz, /statusz, /metrics, and trigger
//     injection, local-only by default
//
// # Configuration
//
// Configuration is loaded via Koanf v2 with layered sources (highest
// priority wins):
//   - Environment variables (prefix LIFELINE_)
//   - Config file (lifeline.yaml, or LIFELINE_CONFIG)
//   - Built-in defaults
//
// Minimum viable configuration is the backend URL and its public API key:
//
//	export LIFELINE_BACKEND_URL=https://abc.example.co
//	export LIFELINE_BACKEND_ANON_KEY=your-anon-key
//	./lifelined
//
// # Signal Handling
//
// The daemon shuts down gracefully on SIGINT and SIGTERM: the supervisor
// tree stops its services, the ops server drains in-flight requests, and
// the backend service disconnects realtime and closes the session cache.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lifelinedev/lifeline/internal/backend"
	"github.com/lifelinedev/lifeline/internal/config"
	"github.com/lifelinedev/lifeline/internal/logging"
	"github.com/lifelinedev/lifeline/internal/ops"
	"github.com/lifelinedev/lifeline/internal/recovery"
	"github.com/lifelinedev/lifeline/internal/supervisor"
	"github.com/lifelinedev/lifeline/internal/trigger"
)

func main() {
	// Load configuration first to get logging settings.
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Str("backend_url", cfg.Backend.URL).
		Str("anon_key", logging.RedactToken(cfg.Backend.AnonKey)).
		Dur("heartbeat_interval", cfg.Trigger.HeartbeatInterval).
		Dur("freeze_threshold", cfg.Trigger.FreezeThreshold).
		Msg("Configuration loaded")

	svc, err := backend.NewService(cfg)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize backend service")
	}
	defer svc.Close()
	logging.Info().Msg("Backend service initialized")

	orch := recovery.New(cfg, svc.LivenessProber(), svc.Sessions(), svc.Realtime(), svc.Pending())
	hub := trigger.NewHub(cfg.Trigger, orch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Bridge zerolog into slog for sutureslog.
	tree, err := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to create supervisor tree")
	}

	tree.AddTriggerService(trigger.NewHeartbeatMonitor(cfg.Trigger, orch, hub))
	tree.AddTriggerService(trigger.NewConnectivityWatcher(cfg.Trigger, svc.LivenessProber(), hub))
	tree.AddTransportService(svc.Realtime())

	if cfg.Ops.Enabled {
		router := ops.NewRouter(cfg.Ops, orch, svc, svc.Realtime(), hub, orch)
		server := &http.Server{
			Addr:              fmt.Sprintf("%s:%d", cfg.Ops.Host, cfg.Ops.Port),
			Handler:           router.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		tree.AddOpsService(supervisor.NewHTTPService(server, 10*time.Second))
		logging.Info().Str("addr", server.Addr).Msg("Ops endpoint enabled")
	}

	supDone := tree.ServeBackground(ctx)
	logging.Info().Msg("Lifeline daemon started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logging.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
		cancel()
		select {
		case err := <-supDone:
			if err != nil && !errors.Is(err, context.Canceled) {
				logging.Error().Err(err).Msg("Supervisor tree stopped with error")
			}
		case <-time.After(15 * time.Second):
			if report, rerr := tree.UnstoppedServiceReport(); rerr == nil && len(report) > 0 {
				for _, stuck := range report {
					logging.Warn().Str("service", stuck.Name).Msg("Service failed to stop")
				}
			}
		}

	case err := <-supDone:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Fatal().Err(err).Msg("Supervisor tree failed")
		}
	}

	logging.Info().Msg("Lifeline daemon stopped")
}
