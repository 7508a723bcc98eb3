// Lifeline - Connection Liveness and Session Recovery for Hosted Backends
// Copyright 2026 Lifeline Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lifelinedev/lifeline

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists where config files are searched, in order.
// The first file found wins.
var DefaultConfigPaths = []string{
	"lifeline.yaml",
	"lifeline.yml",
	"/etc/lifeline/config.yaml",
	"/etc/lifeline/config.yml",
}

// ConfigPathEnvVar overrides the config file path when set.
const ConfigPathEnvVar = "LIFELINE_CONFIG"

// envPrefix namespaces all Lifeline environment variables.
const envPrefix = "LIFELINE_"

// Default returns a Config with all default values. Defaults are applied
// first, then overridden by the config file and environment variables.
func Default() *Config {
	return &Config{
		Backend: BackendConfig{
			URL:               "",
			AnonKey:           "",
			AuthPath:          "/auth/v1",
			RestPath:          "/rest/v1",
			RealtimePath:      "/realtime/v1",
			ProbeTimeoutShort: 3 * time.Second,
			ProbeTimeoutLong:  8 * time.Second,
		},
		Session: SessionConfig{
			FreshnessBuffer:    60 * time.Second,
			RefreshTimeoutFast: 5 * time.Second,
			RefreshTimeoutSlow: 15 * time.Second,
		},
		Recovery: RecoveryConfig{
			Cooldown:       3 * time.Second,
			MaxSettleDelay: 3 * time.Second,
		},
		Trigger: TriggerConfig{
			HeartbeatInterval:    5 * time.Second,
			FreezeThreshold:      15 * time.Second,
			VisibleDebounce:      100 * time.Millisecond,
			QuickCheckThreshold:  3 * time.Second,
			FocusMinInterval:     30 * time.Second,
			ConnectivityInterval: 10 * time.Second,
		},
		Request: RequestConfig{
			DefaultTimeout:      15 * time.Second,
			RetryTimeoutCap:     10 * time.Second,
			MaxRetries:          2,
			RecoveryWaitTimeout: 10 * time.Second,
			BreakerEnabled:      true,
		},
		Realtime: RealtimeConfig{
			HeartbeatInterval: 30 * time.Second,
			HandshakeTimeout:  10 * time.Second,
			ReconnectMin:      1 * time.Second,
			ReconnectMax:      32 * time.Second,
		},
		Ops: OpsConfig{
			Enabled:           true,
			Host:              "127.0.0.1",
			Port:              9187,
			RateLimitRequests: 60,
			RateLimitWindow:   time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
	}
}

// Load builds the configuration from layered sources:
//  1. Defaults (Default())
//  2. Optional YAML config file
//  3. Environment variables, e.g. LIFELINE_BACKEND_URL -> backend.url
//
// The returned config is validated; an invalid configuration never leaves
// this function.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// envTransform maps environment variable names to koanf paths:
//
//	LIFELINE_BACKEND_URL            -> backend.url
//	LIFELINE_SESSION_FRESHNESS_BUFFER -> session.freshness_buffer
//
// Only the first underscore after the section name becomes a dot; the rest
// stay underscores to match the koanf struct tags.
func envTransform(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, envPrefix))
	parts := strings.SplitN(s, "_", 2)
	if len(parts) == 1 {
		return parts[0]
	}
	return parts[0] + "." + parts[1]
}

// findConfigFile returns the path of the first config file found, or empty.
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
		return ""
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}
