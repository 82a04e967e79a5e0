package logger

import (
	"log/slog"
	"os"
)

// New returns the service-wide structured logger. JSON to stdout so the log
// shipper picks it up without extra configuration.
func New() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

// NewNop returns a logger that discards everything; tests use it so assertions
// stay quiet.
func NewNop() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
