package log

import (
	"context"
	"os"
)

type Sink interface {
	Log(entry Entry) error
}

type Interface interface {
	Log(entry Entry)
	Logf(level Level, format string, args ...any)
	Tracef(format string, args ...any)
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	// Errorf conditionally logs an error. If err is nil, nothing is logged.
	Errorf(err error, format string, args ...any)
}

type contextKey struct{}

// FromContext retrieves the current logger from the context or panics
func FromContext(ctx context.Context) *Logger {
	logger, ok := ctx.Value(contextKey{}).(*Logger)
	if ok {
		return logger
	}
	panic("no logger in context")
}

// ContextWithLogger returns a new context with the given logger attached. Use
// FromContext to retrieve it.
func ContextWithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, contextKey{}, logger)
}

// ContextWithFallbackLogger returns ctx unchanged if it carries a logger.
// Otherwise it attaches an info level plain logger writing to stderr.
func ContextWithFallbackLogger(ctx context.Context) context.Context {
	if _, ok := ctx.Value(contextKey{}).(*Logger); ok {
		return ctx
	}
	return ContextWithLogger(ctx, Configure(os.Stderr, Config{Level: Info}))
}

// ContextWithNewDefaultLogger attaches a debug level plain logger writing to stderr.
func ContextWithNewDefaultLogger(ctx context.Context) context.Context {
	return ContextWithLogger(ctx, Configure(os.Stderr, Config{Level: Debug}))
}
