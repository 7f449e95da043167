// Package sblog provides the structured, levelled logger used across the
// sandbox engine. It keeps the familiar Level/New/Info/Infof shape so call
// sites read the same regardless of which backend logs end up on, but every
// record carries structured fields instead of a flat string.
package sblog

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level represents a logging verbosity level.
type Level int

const (
	// LevelDebug emits all messages.
	LevelDebug Level = iota
	// LevelInfo emits INFO and ERROR messages.
	LevelInfo
	// LevelError emits only ERROR messages.
	LevelError
)

func (l Level) zapLevel() zapcore.Level {
	switch l {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Logger is a structured, levelled logger. The minimum level can be raised
// or lowered at runtime via SetLevel; zap.AtomicLevel already serialises
// that against concurrent logging calls. The *zap.SugaredLogger is set once
// at construction and never replaced.
type Logger struct {
	mu     sync.RWMutex
	atom   zap.AtomicLevel
	sugar  *zap.SugaredLogger
	fields []any
}

// New creates a Logger that writes JSON-encoded records to stderr at the
// given minimum level.
func New(level Level) *Logger {
	atom := zap.NewAtomicLevelAt(level.zapLevel())
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "ts"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(cfg), zapcore.Lock(zapcore.AddSync(os.Stderr)), atom)
	zl := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))
	return &Logger{atom: atom, sugar: zl.Sugar()}
}

// With returns a derived Logger that attaches the given key/value pairs to
// every subsequent record, e.g. l.With("sandbox_id", id, "namespace", ns).
func (l *Logger) With(kv ...any) *Logger {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return &Logger{
		atom:   l.atom,
		sugar:  l.sugar.With(kv...),
		fields: append(append([]any{}, l.fields...), kv...),
	}
}

// SetLevel changes the minimum log level at runtime. Safe for concurrent use.
func (l *Logger) SetLevel(level Level) {
	l.atom.SetLevel(level.zapLevel())
}

// Info logs a message at INFO level with optional structured fields.
func (l *Logger) Info(msg string, kv ...any) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	l.sugar.Infow(msg, kv...)
}

// Infof logs a formatted message at INFO level.
func (l *Logger) Infof(format string, args ...any) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	l.sugar.Infof(format, args...)
}

// Error logs a message at ERROR level with optional structured fields.
func (l *Logger) Error(msg string, kv ...any) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	l.sugar.Errorw(msg, kv...)
}

// Errorf logs a formatted message at ERROR level.
func (l *Logger) Errorf(format string, args ...any) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	l.sugar.Errorf(format, args...)
}

// Debug logs a message at DEBUG level with optional structured fields.
func (l *Logger) Debug(msg string, kv ...any) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	l.sugar.Debugw(msg, kv...)
}

// Debugf logs a formatted message at DEBUG level.
func (l *Logger) Debugf(format string, args ...any) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	l.sugar.Debugf(format, args...)
}

// Sync flushes any buffered log entries. Callers should invoke this during
// shutdown; the underlying zap core ignores sync errors on stderr as most
// platforms report ENOTTY for it.
func (l *Logger) Sync() {
	_ = l.sugar.Sync()
}
