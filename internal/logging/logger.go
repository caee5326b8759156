// Package logging builds the zap loggers used by the gateway and carries
// request-scoped fields through context.
package logging

import (
	"context"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options controls logger construction.
type Options struct {
	Level    string // debug, info, warn, error
	Format   string // json or console
	FilePath string // empty writes to stdout
	// MaxSize and MaxBackups bound file output; zero uses the rolling defaults.
	MaxSize    int64
	MaxBackups int
}

// NewLogger creates a zap.Logger with the specified level, format, and optional file output.
// level can be debug, info, warn, or error. format can be json or console.
// If filePath is empty, logs are written to stdout.
func NewLogger(level, format, filePath string) (*zap.Logger, error) {
	return New(Options{Level: level, Format: format, FilePath: filePath})
}

// New creates a zap.Logger from Options. File output rolls over once it
// reaches MaxSize bytes.
func New(opts Options) (*zap.Logger, error) {
	encCfg := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		MessageKey:     "msg",
		CallerKey:      "caller",
		StacktraceKey:  "stacktrace",
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var encoder zapcore.Encoder
	if strings.ToLower(opts.Format) == "console" {
		encoder = zapcore.NewConsoleEncoder(encCfg)
	} else {
		encoder = zapcore.NewJSONEncoder(encCfg)
	}

	ws := zapcore.AddSync(os.Stdout)
	if opts.FilePath != "" {
		rf, err := newRollingFile(opts.FilePath, opts.MaxSize, opts.MaxBackups)
		if err != nil {
			return nil, err
		}
		ws = rf
	}

	core := zapcore.NewCore(encoder, ws, ParseLevel(opts.Level))
	return zap.New(core, zap.AddCaller()), nil
}

// ParseLevel maps a level name to a zapcore.Level, defaulting to info.
func ParseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// WithProxyID tags every entry of the returned logger with the proxy ID.
func WithProxyID(logger *zap.Logger, proxyID string) *zap.Logger {
	if proxyID == "" {
		return logger
	}
	return logger.With(zap.String("proxy_id", proxyID))
}

type ctxKey int

const requestIDKey ctxKey = iota

// WithRequestID stores the request ID in the context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestIDFrom returns the request ID stored in the context.
func RequestIDFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(requestIDKey).(string)
	return id, ok && id != ""
}

// FromContext returns base annotated with the context's request ID, if any.
func FromContext(ctx context.Context, base *zap.Logger) *zap.Logger {
	if base == nil {
		base = zap.NewNop()
	}
	if id, ok := RequestIDFrom(ctx); ok {
		return base.With(zap.String("request_id", id))
	}
	return base
}
