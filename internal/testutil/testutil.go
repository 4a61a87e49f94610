// Package testutil provides shared helpers for tests across packages.
package testutil

import (
	"log/slog"
	"os"
)

// TestLogger returns a logger that only surfaces errors, keeping test output
// readable while still catching unexpected failures.
func TestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}
