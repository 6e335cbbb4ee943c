package logging

import (
	"context"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	sugar *zap.SugaredLogger
	once  sync.Once
)

// Logger is the structured logging surface used across the session
// components. Only key/value style calls are allowed.
type Logger interface {
	Infow(msg string, keysAndValues ...interface{})
	Debugw(msg string, keysAndValues ...interface{})
	Warnw(msg string, keysAndValues ...interface{})
	Errorw(msg string, keysAndValues ...interface{})
	Sync() error
}

type noopLogger struct{}

func (noopLogger) Infow(string, ...interface{})  {}
func (noopLogger) Debugw(string, ...interface{}) {}
func (noopLogger) Warnw(string, ...interface{})  {}
func (noopLogger) Errorw(string, ...interface{}) {}
func (noopLogger) Sync() error                   { return nil }

// current starts as a no-op so packages can log before main calls Init
// (tests rely on this).
var (
	currentMu sync.RWMutex
	current   Logger = noopLogger{}
)

// Init builds the process logger. level is one of debug, info, warn, error;
// an empty level falls back to LOG_LEVEL. Only the first call has effect.
func Init(level string) *zap.SugaredLogger {
	once.Do(func() {
		if level == "" {
			level = os.Getenv("LOG_LEVEL")
		}
		cfg := zap.Config{
			Encoding:         "json",
			EncoderConfig:    zap.NewProductionEncoderConfig(),
			OutputPaths:      []string{"stdout"},
			ErrorOutputPaths: []string{"stderr"},
		}
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		cfg.EncoderConfig.CallerKey = "caller"
		cfg.Level = zap.NewAtomicLevelAt(parseLevel(level))

		logger, err := cfg.Build(zap.AddCaller(), zap.AddCallerSkip(1), zap.AddStacktrace(zap.ErrorLevel))
		if err != nil {
			logger, _ = zap.NewProduction()
		}
		_ = zap.RedirectStdLog(logger)
		sugar = logger.Sugar()
		SetLogger(sugar)
	})
	return sugar
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zap.DebugLevel
	case "warn", "warning":
		return zap.WarnLevel
	case "error":
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}

// SetLogger replaces the package-level logger. Passing nil restores the
// logger built by Init, or the no-op logger when Init was never called.
func SetLogger(l Logger) {
	currentMu.Lock()
	defer currentMu.Unlock()
	switch {
	case l != nil:
		current = l
	case sugar != nil:
		current = sugar
	default:
		current = noopLogger{}
	}
}

func get() Logger {
	currentMu.RLock()
	defer currentMu.RUnlock()
	return current
}

func Infow(msg string, keysAndValues ...interface{})  { get().Infow(msg, keysAndValues...) }
func Debugw(msg string, keysAndValues ...interface{}) { get().Debugw(msg, keysAndValues...) }
func Warnw(msg string, keysAndValues ...interface{})  { get().Warnw(msg, keysAndValues...) }
func Errorw(msg string, keysAndValues ...interface{}) { get().Errorw(msg, keysAndValues...) }

// Sync flushes any buffered logs.
func Sync() error { return get().Sync() }

type ctxKeyType struct{}

// WithFields returns a context carrying kv. Fields already on ctx are kept
// in front so nested scopes read naturally.
func WithFields(ctx context.Context, kv ...interface{}) context.Context {
	if len(kv) == 0 {
		return ctx
	}
	prev, _ := ctx.Value(ctxKeyType{}).([]interface{})
	merged := make([]interface{}, 0, len(prev)+len(kv))
	merged = append(merged, prev...)
	merged = append(merged, kv...)
	return context.WithValue(ctx, ctxKeyType{}, merged)
}

// FromContext returns the fields attached with WithFields.
func FromContext(ctx context.Context) []interface{} {
	if ctx == nil {
		return nil
	}
	v, _ := ctx.Value(ctxKeyType{}).([]interface{})
	return v
}

func merge(ctx context.Context, kv []interface{}) []interface{} {
	ctxFields := FromContext(ctx)
	if len(ctxFields) == 0 {
		return kv
	}
	merged := make([]interface{}, 0, len(ctxFields)+len(kv))
	merged = append(merged, ctxFields...)
	return append(merged, kv...)
}

func InfowCtx(ctx context.Context, msg string, kv ...interface{})  { Infow(msg, merge(ctx, kv)...) }
func DebugwCtx(ctx context.Context, msg string, kv ...interface{}) { Debugw(msg, merge(ctx, kv)...) }
func WarnwCtx(ctx context.Context, msg string, kv ...interface{})  { Warnw(msg, merge(ctx, kv)...) }
func ErrorwCtx(ctx context.Context, msg string, kv ...interface{}) { Errorw(msg, merge(ctx, kv)...) }

// SessionFields returns the canonical keys for a call session.
func SessionFields(sessionID, role string) []interface{} {
	return []interface{}{"session.id", sessionID, "session.role", role}
}

// ParticipantFields returns the canonical keys for a participant. The name
// is omitted when unknown.
func ParticipantFields(id, name string) []interface{} {
	if name == "" {
		return []interface{}{"participant.id", id}
	}
	return []interface{}{"participant.id", id, "participant.name", name}
}

// FrameFields describes one audio frame: sequence number, sample count and
// the duration those samples represent.
func FrameFields(seq uint64, samples int, sampleRate int) []interface{} {
	durMs := 0
	if sampleRate > 0 {
		durMs = samples * 1000 / sampleRate
	}
	return []interface{}{"frame.seq", seq, "frame.samples", samples, "frame.duration_ms", durMs}
}
