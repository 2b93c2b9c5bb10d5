// Package observability implements Hydrogen's logging, metrics, and
// message-tracing surfaces (spec.md §4.11). Logger mirrors the
// Named/With chaining a zap-compat shim would expose, but is backed
// directly by go.uber.org/zap rather than any log/slog compatibility
// layer, since zap is already a direct dependency of this module.
package observability

import (
	"go.uber.org/zap"
)

// Logger wraps *zap.Logger with the per-component Named/With chaining used
// throughout the rest of this module.
type Logger struct {
	z *zap.Logger
}

// NewDevelopment builds a human-readable console logger.
func NewDevelopment() (*Logger, error) {
	z, err := zap.NewDevelopment()
	if err != nil {
		return nil, err
	}
	return &Logger{z: z}, nil
}

// NewProduction builds a JSON structured logger.
func NewProduction() (*Logger, error) {
	z, err := zap.NewProduction()
	if err != nil {
		return nil, err
	}
	return &Logger{z: z}, nil
}

// WrapZap adapts an already-constructed *zap.Logger, used when the caller
// needs custom zapcore wiring (file rotation, a syslog sink, and so on).
func WrapZap(z *zap.Logger) *Logger { return &Logger{z: z} }

// Named returns a child logger scoped to component name.
func (l *Logger) Named(name string) *Logger { return &Logger{z: l.z.Named(name)} }

// With returns a child logger carrying the given structured fields on every
// subsequent call.
func (l *Logger) With(fields ...zap.Field) *Logger { return &Logger{z: l.z.With(fields...)} }

func (l *Logger) Debug(msg string, fields ...zap.Field) { l.z.Debug(msg, fields...) }
func (l *Logger) Info(msg string, fields ...zap.Field)  { l.z.Info(msg, fields...) }
func (l *Logger) Warn(msg string, fields ...zap.Field)  { l.z.Warn(msg, fields...) }
func (l *Logger) Error(msg string, fields ...zap.Field) { l.z.Error(msg, fields...) }

// Sync flushes any buffered log entries.
func (l *Logger) Sync() error { return l.z.Sync() }

// Raw exposes the underlying *zap.Logger for call sites that want to pass
// it directly to a third-party library expecting one.
func (l *Logger) Raw() *zap.Logger { return l.z }
