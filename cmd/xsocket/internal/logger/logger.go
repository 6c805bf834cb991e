package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"
)

var (
	mu            sync.RWMutex
	defaultLogger *slog.Logger
	once          sync.Once
)

// Init initializes the global logger based on environment variables.
// DEBUG=true enables debug level logging.
func Init() {
	once.Do(func() {
		level := slog.LevelInfo
		if os.Getenv("DEBUG") == "true" {
			level = slog.LevelDebug
		}

		opts := &slog.HandlerOptions{
			Level: level,
			// Add source file information if in debug mode
			AddSource: level == slog.LevelDebug,
		}

		mu.Lock()
		if defaultLogger == nil {
			defaultLogger = slog.New(slog.NewTextHandler(os.Stdout, opts))
			slog.SetDefault(defaultLogger)
		}
		mu.Unlock()
	})
}

// SetOutput replaces the global logger with a text logger writing to w.
// Tests use it to capture or silence server output.
func SetOutput(w io.Writer, level slog.Level) {
	l := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
	mu.Lock()
	defaultLogger = l
	mu.Unlock()
}

// Discard silences all logging.
func Discard() {
	SetOutput(io.Discard, slog.LevelError+4)
}

func get() *slog.Logger {
	mu.RLock()
	l := defaultLogger
	mu.RUnlock()
	if l == nil {
		Init()
		mu.RLock()
		l = defaultLogger
		mu.RUnlock()
	}
	return l
}

// Debug logs at Debug level.
func Debug(msg string, args ...any) {
	get().Debug(msg, args...)
}

// Info logs at Info level.
func Info(msg string, args ...any) {
	get().Info(msg, args...)
}

// Warn logs at Warn level.
func Warn(msg string, args ...any) {
	get().Warn(msg, args...)
}

// Error logs at Error level.
func Error(msg string, args ...any) {
	get().Error(msg, args...)
}

// Fatal logs at Error level and then exits.
func Fatal(msg string, args ...any) {
	get().Error(msg, args...)
	os.Exit(1)
}

// With returns a new logger with the given attributes.
func With(args ...any) *slog.Logger {
	return get().With(args...)
}

// DebugContext logs at Debug level with context.
func DebugContext(ctx context.Context, msg string, args ...any) {
	get().DebugContext(ctx, msg, args...)
}

// InfoContext logs at Info level with context.
func InfoContext(ctx context.Context, msg string, args ...any) {
	get().InfoContext(ctx, msg, args...)
}

// WarnContext logs at Warn level with context.
func WarnContext(ctx context.Context, msg string, args ...any) {
	get().WarnContext(ctx, msg, args...)
}

// ErrorContext logs at Error level with context.
func ErrorContext(ctx context.Context, msg string, args ...any) {
	get().ErrorContext(ctx, msg, args...)
}
