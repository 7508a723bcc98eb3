// Lifeline - Connection Liveness and Session Recovery for Hosted Backends
// Copyright 2026 Lifeline Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lifelinedev/lifeline

// Package config loads and validates Lifeline configuration.
//
// Configuration is layered via Koanf v2 (highest priority wins):
//  1. Built-in defaults
//  2. Optional YAML config file
//  3. Environment variables (LIFELINE_ prefix)
package config

import (
	"time"
)

// Config is the root configuration for the Lifeline client and daemon.
type Config struct {
	Backend  BackendConfig  `koanf:"backend"`
	Session  SessionConfig  `koanf:"session"`
	Recovery RecoveryConfig `koanf:"recovery"`
	Trigger  TriggerConfig  `koanf:"trigger"`
	Request  RequestConfig  `koanf:"request"`
	Realtime RealtimeConfig `koanf:"realtime"`
	Ops      OpsConfig      `koanf:"ops"`
	Logging  LoggingConfig  `koanf:"logging"`
}

// BackendConfig describes the hosted backend the client talks to.
type BackendConfig struct {
	// URL is the backend base URL, e.g. https://abc.example.co
	URL string `koanf:"url" validate:"required,http_url"`

	// AnonKey is the public API key sent on every request, including the
	// liveness probe. It is not a secret in the usual sense but is still
	// redacted from logs.
	AnonKey string `koanf:"anon_key" validate:"required"`

	// AuthPath is the path prefix of the auth API.
	AuthPath string `koanf:"auth_path"`

	// RestPath is the path prefix of the REST API; its root must answer
	// HEAD requests (2xx or 4xx) for the liveness probe.
	RestPath string `koanf:"rest_path"`

	// RealtimePath is the path prefix of the realtime websocket endpoint.
	RealtimePath string `koanf:"realtime_path"`

	// ProbeTimeoutShort bounds the first liveness probe attempt.
	ProbeTimeoutShort time.Duration `koanf:"probe_timeout_short" validate:"gt=0"`

	// ProbeTimeoutLong bounds the second probe attempt after the short
	// one fails.
	ProbeTimeoutLong time.Duration `koanf:"probe_timeout_long" validate:"gt=0"`
}

// SessionConfig tunes the session cache and refresher.
type SessionConfig struct {
	// FreshnessBuffer is how long before expiry a session is already
	// treated as stale. A session expiring within this window triggers a
	// refresh on the next EnsureFresh call.
	FreshnessBuffer time.Duration `koanf:"freshness_buffer" validate:"gt=0"`

	// RefreshTimeoutFast bounds the first, optimistic refresh attempt.
	RefreshTimeoutFast time.Duration `koanf:"refresh_timeout_fast" validate:"gt=0"`

	// RefreshTimeoutSlow bounds the forced second attempt during recovery.
	RefreshTimeoutSlow time.Duration `koanf:"refresh_timeout_slow" validate:"gt=0"`

	// StorePath, when set, persists the session to an embedded BadgerDB at
	// this directory so rotated refresh tokens survive restarts. Empty
	// keeps credentials in memory only.
	StorePath string `koanf:"store_path"`
}

// RecoveryConfig tunes the recovery orchestrator.
type RecoveryConfig struct {
	// Cooldown is the window after a completed non-forced recovery during
	// which further non-forced recovery requests are skipped.
	Cooldown time.Duration `koanf:"cooldown" validate:"gt=0"`

	// MaxSettleDelay caps the stabilization sleep before probing. The
	// actual delay scales with how long the process was suspended.
	MaxSettleDelay time.Duration `koanf:"max_settle_delay" validate:"gte=0"`
}

// TriggerConfig tunes the trigger sources feeding the orchestrator.
type TriggerConfig struct {
	// HeartbeatInterval is the nominal tick period of the freeze detector.
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval" validate:"gt=0"`

	// FreezeThreshold is the wall-clock gap between two heartbeat ticks
	// beyond which the process is considered to have been suspended.
	// Must be comfortably larger than HeartbeatInterval.
	FreezeThreshold time.Duration `koanf:"freeze_threshold" validate:"gt=0"`

	// VisibleDebounce suppresses duplicate visible events fired in quick
	// succession.
	VisibleDebounce time.Duration `koanf:"visible_debounce" validate:"gt=0"`

	// QuickCheckThreshold is the hidden duration below which a visible
	// event runs only the abbreviated quick-check recovery.
	QuickCheckThreshold time.Duration `koanf:"quick_check_threshold" validate:"gt=0"`

	// FocusMinInterval rate-limits focus-driven recovery; focus events
	// fire far more often than is useful as a sole signal.
	FocusMinInterval time.Duration `koanf:"focus_min_interval" validate:"gt=0"`

	// ConnectivityInterval is the poll period of the connectivity watcher
	// that synthesizes online events.
	ConnectivityInterval time.Duration `koanf:"connectivity_interval" validate:"gt=0"`
}

// RequestConfig tunes the recovery-aware request wrapper.
type RequestConfig struct {
	// DefaultTimeout applies to wrapped operations without an explicit
	// per-call timeout.
	DefaultTimeout time.Duration `koanf:"default_timeout" validate:"gt=0"`

	// RetryTimeoutCap bounds the timeout of a retry issued after a
	// timeout-triggered recovery.
	RetryTimeoutCap time.Duration `koanf:"retry_timeout_cap" validate:"gt=0"`

	// MaxRetries caps retries per wrapped call regardless of error
	// classification.
	MaxRetries int `koanf:"max_retries" validate:"gte=0,lte=5"`

	// RecoveryWaitTimeout bounds how long a wrapped call waits for an
	// in-flight recovery to settle before issuing the operation anyway.
	RecoveryWaitTimeout time.Duration `koanf:"recovery_wait_timeout" validate:"gt=0"`

	// BreakerEnabled wraps the data transport in a circuit breaker.
	BreakerEnabled bool `koanf:"breaker_enabled"`
}

// RealtimeConfig tunes the realtime channel manager.
type RealtimeConfig struct {
	// HeartbeatInterval is the websocket ping period.
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval" validate:"gt=0"`

	// HandshakeTimeout bounds the websocket dial.
	HandshakeTimeout time.Duration `koanf:"handshake_timeout" validate:"gt=0"`

	// ReconnectMin and ReconnectMax bound the exponential backoff between
	// reconnection attempts.
	ReconnectMin time.Duration `koanf:"reconnect_min" validate:"gt=0"`
	ReconnectMax time.Duration `koanf:"reconnect_max" validate:"gt=0"`
}

// OpsConfig configures the daemon's local operations HTTP endpoint
// (/healthz, /statusz, /metrics).
type OpsConfig struct {
	Enabled bool   `koanf:"enabled"`
	Host    string `koanf:"host"`
	Port    int    `koanf:"port" validate:"gte=0,lte=65535"`

	// AllowedOrigins enables CORS on the ops endpoints for the listed
	// origins. Empty disables CORS entirely.
	AllowedOrigins []string `koanf:"allowed_origins"`

	// RateLimitRequests caps trigger and recover calls per client IP per
	// RateLimitWindow. Zero disables rate limiting.
	RateLimitRequests int           `koanf:"rate_limit_requests" validate:"gte=0"`
	RateLimitWindow   time.Duration `koanf:"rate_limit_window" validate:"gte=0"`
}

// LoggingConfig configures the global logger.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"omitempty,oneof=trace debug info warn warning error fatal disabled"`
	Format string `koanf:"format" validate:"omitempty,oneof=json console"`
	Caller bool   `koanf:"caller"`
}
