// Package testutil provides shared fixtures for engine tests.
package testutil

import (
	"testing"

	"github.com/d-araiza/crisol/internal/config"
)

// TestConfig returns a Config with sensible test defaults: an isolated
// temporary work dir and /bin/sh as the shell runtime so tests run on any
// POSIX host.
func TestConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		WorkDir:            t.TempDir(),
		HistoryDBPath:      ":memory:",
		MaxSessions:        10,
		SessionIdleSeconds: 300,
		ReapIntervalSecs:   60,
		ReadyTimeoutSecs:   10,
		DefaultTimeoutSecs: 30,
		MaxTimeoutSecs:     120,
		MinTimeoutSecs:     1,
		Limits: config.Limits{
			MemLimit:       "512MB",
			CPUTimeSeconds: 60,
			OpenFiles:      64,
		},
		Runtimes: map[string]string{
			"shell": "sh",
		},
	}
}
