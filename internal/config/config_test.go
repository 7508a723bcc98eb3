// Lifeline - Connection Liveness and Session Recovery for Hosted Backends
// Copyright 2026 Lifeline Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lifelinedev/lifeline

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func validConfig() *Config {
	cfg := Default()
	cfg.Backend.URL = "https://abc.example.co"
	cfg.Backend.AnonKey = "anon-key"
	return cfg
}

// TestValidate_DefaultsWithBackendAreValid verifies the built-in defaults
// only need the backend URL and key to pass validation.
func TestValidate_DefaultsWithBackendAreValid(t *testing.T) {
	t.Parallel()

	if err := validConfig().Validate(); err != nil {
		t.Fatalf("Expected valid config, got: %v", err)
	}
}

// TestValidate_RequiresBackendURL verifies a missing backend URL is
// rejected.
func TestValidate_RequiresBackendURL(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.Backend.AnonKey = "anon-key"
	if err := cfg.Validate(); err == nil {
		t.Fatal("Expected validation failure without backend.url")
	}
}

// TestValidate_CrossFieldRules exercises the constraints validator tags
// cannot express.
func TestValidate_CrossFieldRules(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{
			name: "freeze threshold below heartbeat interval",
			mutate: func(c *Config) {
				c.Trigger.HeartbeatInterval = 10 * time.Second
				c.Trigger.FreezeThreshold = 5 * time.Second
			},
			want: "freeze_threshold",
		},
		{
			name: "long probe shorter than short probe",
			mutate: func(c *Config) {
				c.Backend.ProbeTimeoutShort = 8 * time.Second
				c.Backend.ProbeTimeoutLong = 3 * time.Second
			},
			want: "probe_timeout_long",
		},
		{
			name: "slow refresh shorter than fast refresh",
			mutate: func(c *Config) {
				c.Session.RefreshTimeoutFast = 15 * time.Second
				c.Session.RefreshTimeoutSlow = 5 * time.Second
			},
			want: "refresh_timeout_slow",
		},
		{
			name: "reconnect max below min",
			mutate: func(c *Config) {
				c.Realtime.ReconnectMin = 30 * time.Second
				c.Realtime.ReconnectMax = time.Second
			},
			want: "reconnect_max",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Expected validation failure")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Expected error naming %q, got: %v", tt.want, err)
			}
		})
	}
}

// TestLoad_EnvironmentOverridesDefaults verifies the env layer wins over
// defaults with the LIFELINE_ prefix mapping.
func TestLoad_EnvironmentOverridesDefaults(t *testing.T) {
	t.Setenv("LIFELINE_BACKEND_URL", "https://env.example.co")
	t.Setenv("LIFELINE_BACKEND_ANON_KEY", "env-key")
	t.Setenv("LIFELINE_LOGGING_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Backend.URL != "https://env.example.co" {
		t.Errorf("Expected env backend URL, got %q", cfg.Backend.URL)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Expected env log level, got %q", cfg.Logging.Level)
	}
	// Untouched settings keep their defaults.
	if cfg.Session.FreshnessBuffer != 60*time.Second {
		t.Errorf("Expected default freshness buffer, got %v", cfg.Session.FreshnessBuffer)
	}
}

// TestLoad_ConfigFileLayeredUnderEnv verifies file values load and env
// still wins on conflict.
func TestLoad_ConfigFileLayeredUnderEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lifeline.yaml")
	content := []byte(`
backend:
  url: https://file.example.co
  anon_key: file-key
recovery:
  cooldown: 5s
`)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	t.Setenv(ConfigPathEnvVar, path)
	t.Setenv("LIFELINE_BACKEND_URL", "https://env.example.co")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Backend.URL != "https://env.example.co" {
		t.Errorf("Env must override file, got %q", cfg.Backend.URL)
	}
	if cfg.Backend.AnonKey != "file-key" {
		t.Errorf("Expected file anon key, got %q", cfg.Backend.AnonKey)
	}
	if cfg.Recovery.Cooldown != 5*time.Second {
		t.Errorf("Expected file cooldown 5s, got %v", cfg.Recovery.Cooldown)
	}
}

// TestLoad_InvalidConfigurationRejected verifies Load never returns an
// invalid configuration.
func TestLoad_InvalidConfigurationRejected(t *testing.T) {
	t.Setenv("LIFELINE_BACKEND_URL", "not a url")
	t.Setenv("LIFELINE_BACKEND_ANON_KEY", "key")

	if _, err := Load(); err == nil {
		t.Fatal("Expected Load to reject an invalid backend URL")
	}
}
