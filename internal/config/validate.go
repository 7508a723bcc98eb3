// Lifeline - Connection Liveness and Session Recovery for Hosted Backends
// Copyright 2026 Lifeline Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lifelinedev/lifeline

package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks that required configuration is present and internally
// consistent. Struct-level constraints are enforced via validator tags;
// cross-field rules that tags cannot express are checked by hand.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		if errs, ok := err.(validator.ValidationErrors); ok && len(errs) > 0 {
			e := errs[0]
			return fmt.Errorf("%s: failed %q constraint", e.Namespace(), e.Tag())
		}
		return err
	}

	if c.Trigger.FreezeThreshold <= c.Trigger.HeartbeatInterval {
		return fmt.Errorf("trigger.freeze_threshold (%s) must exceed trigger.heartbeat_interval (%s)",
			c.Trigger.FreezeThreshold, c.Trigger.HeartbeatInterval)
	}

	if c.Backend.ProbeTimeoutLong < c.Backend.ProbeTimeoutShort {
		return fmt.Errorf("backend.probe_timeout_long (%s) must not be shorter than backend.probe_timeout_short (%s)",
			c.Backend.ProbeTimeoutLong, c.Backend.ProbeTimeoutShort)
	}

	if c.Session.RefreshTimeoutSlow < c.Session.RefreshTimeoutFast {
		return fmt.Errorf("session.refresh_timeout_slow (%s) must not be shorter than session.refresh_timeout_fast (%s)",
			c.Session.RefreshTimeoutSlow, c.Session.RefreshTimeoutFast)
	}

	if c.Realtime.ReconnectMax < c.Realtime.ReconnectMin {
		return fmt.Errorf("realtime.reconnect_max (%s) must not be shorter than realtime.reconnect_min (%s)",
			c.Realtime.ReconnectMax, c.Realtime.ReconnectMin)
	}

	if c.Ops.RateLimitRequests > 0 && c.Ops.RateLimitWindow <= 0 {
		return fmt.Errorf("ops.rate_limit_window must be positive when ops.rate_limit_requests is set")
	}

	return nil
}
