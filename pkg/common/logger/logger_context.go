package logger

import (
	"context"
	"sync"
)

// LoggerContext accumulates attributes across the lifetime of an operation so
// call sites deeper in the stack can enrich log records without re-threading
// key/value pairs through every function signature.
type LoggerContext struct {
	mu     sync.Mutex
	logger *Logger
}

// NewLoggerContext constructs a LoggerContext around the provided logger.
func NewLoggerContext(logger *Logger) *LoggerContext {
	return &LoggerContext{logger: logger}
}

// Add appends attributes to the underlying logger. Safe for concurrent use.
func (lc *LoggerContext) Add(args ...any) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	lc.logger = lc.logger.With(args...)
}

// Debug logs at LevelDebug with the accumulated attributes.
func (lc *LoggerContext) Debug(ctx context.Context, msg string, args ...any) {
	lc.current().Debugc(ctx, 4, msg, args...)
}

// Info logs at LevelInfo with the accumulated attributes.
func (lc *LoggerContext) Info(ctx context.Context, msg string, args ...any) {
	lc.current().Infoc(ctx, 4, msg, args...)
}

// Warn logs at LevelWarn with the accumulated attributes.
func (lc *LoggerContext) Warn(ctx context.Context, msg string, args ...any) {
	lc.current().Warnc(ctx, 4, msg, args...)
}

// Error logs at LevelError with the accumulated attributes.
func (lc *LoggerContext) Error(ctx context.Context, msg string, args ...any) {
	lc.current().Errorc(ctx, 4, msg, args...)
}

func (lc *LoggerContext) current() *Logger {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.logger
}
