package dispatch

import "go.uber.org/zap"

// Logger provides structured logging hooks.
type Logger interface {
	// Debug logs a debug message.
	Debug(msg string, args ...any)
	// Info logs an informational message.
	Info(msg string, args ...any)
	// Warn logs a warning message.
	Warn(msg string, args ...any)
	// Error logs an error message.
	Error(msg string, args ...any)
}

// NopLogger is a no-op logger.
type NopLogger struct{}

// Debug implements Logger.
func (NopLogger) Debug(string, ...any) {}

// Info implements Logger.
func (NopLogger) Info(string, ...any) {}

// Warn implements Logger.
func (NopLogger) Warn(string, ...any) {}

// Error implements Logger.
func (NopLogger) Error(string, ...any) {}

// ZapLogger adapts a zap logger to Logger. Arguments are alternating key/value pairs.
type ZapLogger struct {
	sugar *zap.SugaredLogger
}

var _ Logger = ZapLogger{}

// NewZapLogger wraps logger. A nil logger yields a no-op zap logger.
func NewZapLogger(logger *zap.Logger) ZapLogger {
	if logger == nil {
		logger = zap.NewNop()
	}

	return ZapLogger{sugar: logger.Sugar()}
}

// Debug implements Logger.
func (l ZapLogger) Debug(msg string, args ...any) {
	l.sugar.Debugw(msg, args...)
}

// Info implements Logger.
func (l ZapLogger) Info(msg string, args ...any) {
	l.sugar.Infow(msg, args...)
}

// Warn implements Logger.
func (l ZapLogger) Warn(msg string, args ...any) {
	l.sugar.Warnw(msg, args...)
}

// Error implements Logger.
func (l ZapLogger) Error(msg string, args ...any) {
	l.sugar.Errorw(msg, args...)
}
