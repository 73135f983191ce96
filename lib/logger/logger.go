// Package logger provides structured logging for the boot process. Records
// go to the kernel log because nothing else is guaranteed to exist this early.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
)

type contextKey string

const loggerKey contextKey = "logger"

// AddToContext adds a logger to the context
func AddToContext(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// FromContext retrieves the logger from context, or returns default
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// New creates a logger writing kmsg-formatted records to w.
func New(w io.Writer, level slog.Leveler) *slog.Logger {
	return slog.New(NewKmsgHandler(w, level))
}

// OpenKmsg opens the kernel log device for writing. If the node is missing
// (kmsg setup is left to the platform) stderr is returned instead.
func OpenKmsg(path string) io.Writer {
	if f, err := os.OpenFile(path, os.O_WRONLY, 0); err == nil {
		return f
	}
	return os.Stderr
}
