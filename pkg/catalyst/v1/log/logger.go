// Package log defines the logging facade shared by runner packages.
package log

import (
	"context"
	"log/slog"
)

// Logger is the logging surface the engine, lock manager, persistence layer
// and actions write through. Implementations are expected to mask registered
// secret values before anything reaches the sink.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	// Errorf logs at ERROR. When the last argument is an error, implementations
	// should attach its code and guidance as structured attributes.
	Errorf(format string, args ...interface{})

	// Log writes a structured record with key-value attributes.
	Log(level slog.Level, msg string, args ...interface{})
	// LogCtx is Log with a context, so trace and span ids can be attached.
	LogCtx(ctx context.Context, level slog.Level, msg string, args ...interface{})

	// With returns a child logger carrying the given attributes.
	With(args ...interface{}) Logger
	IsEnabled(level slog.Level) bool
}
