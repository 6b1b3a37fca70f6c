package testutil

import (
	"io"
	"log/slog"
)

// DiscardLogger returns a slog.Logger that discards all output.
//
// Use this in tests to reduce noise. For components that take a
// log.Logger (a type alias for *slog.Logger), log.NewNop() returns the
// same thing; prefer whichever package the test already imports.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
