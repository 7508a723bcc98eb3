// Lifeline - Connection Liveness and Session Recovery for Hosted Backends
// Copyright 2026 Lifeline Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lifelinedev/lifeline

package logging

// Token redaction for log output. Access and refresh tokens pass through
// every layer of the session subsystem; none of them may ever appear in a
// log line in full.

const redactVisible = 6

// RedactToken masks a bearer or refresh token, keeping only a short prefix
// so operators can correlate log lines against the auth provider's logs.
// Empty input stays empty; short tokens are fully masked.
func RedactToken(token string) string {
	if token == "" {
		return ""
	}
	if len(token) <= redactVisible*2 {
		return "[redacted]"
	}
	return token[:redactVisible] + "..." + "[redacted]"
}
