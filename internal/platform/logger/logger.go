package logger

import (
	"log/slog"
	"os"
)

// New returns the process-level structured logger. Components receive it via
// their WithLogger options.
func New() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, nil))
}
