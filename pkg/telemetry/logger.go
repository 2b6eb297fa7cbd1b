package telemetry

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is a zerolog logger carrying node and run fields.
type Logger struct {
	zlog zerolog.Logger
}

type loggerContextKey struct{}

// NewLogger creates a logger writing to cfg.Output: stdout, stderr or a
// file path opened for append.
func NewLogger(cfg LoggingConfig) (*Logger, error) {
	var w io.Writer
	switch cfg.Output {
	case "stdout":
		w = os.Stdout
	case "", "stderr":
		w = os.Stderr
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, err
		}
		w = f
	}
	return NewLoggerTo(w, cfg), nil
}

// NewLoggerTo creates a logger writing to w.
func NewLoggerTo(w io.Writer, cfg LoggingConfig) *Logger {
	timeFormat := time.RFC3339
	switch cfg.TimeFormat {
	case "unix":
		timeFormat = zerolog.TimeFormatUnix
	case "unixms":
		timeFormat = zerolog.TimeFormatUnixMs
	}
	zerolog.TimeFieldFormat = timeFormat

	if cfg.Format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	zctx := zerolog.New(w).Level(ParseLevel(cfg.Level)).With().Timestamp()
	if cfg.EnableCaller {
		zctx = zctx.Caller()
	}
	return &Logger{zlog: zctx.Logger()}
}

// Zerolog returns the underlying logger for packages that take a
// zerolog.Logger directly.
func (l *Logger) Zerolog() zerolog.Logger {
	return l.zlog
}

// WithContext stores the logger in ctx.
func (l *Logger) WithContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, loggerContextKey{}, l)
}

// FromContext returns the logger stored in ctx, or one writing JSON to
// stderr.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerContextKey{}).(*Logger); ok {
		return l
	}
	return &Logger{zlog: zerolog.New(os.Stderr).With().Timestamp().Logger()}
}

// WithField returns a logger with one more field.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{zlog: l.zlog.With().Interface(key, value).Logger()}
}

// WithEntity tags the logger with the provisioned entity and its host.
func (l *Logger) WithEntity(entityID, host string) *Logger {
	return &Logger{zlog: l.zlog.With().Str("entity_id", entityID).Str("host", host).Logger()}
}

// WithRunID tags the logger with a run id from the state store.
func (l *Logger) WithRunID(runID string) *Logger {
	return l.WithField("run_id", runID)
}

// WithTransition tags the logger with the operation being run and the
// state it started from.
func (l *Logger) WithTransition(operation, fromState string) *Logger {
	return &Logger{zlog: l.zlog.With().Str("operation", operation).Str("from_state", fromState).Logger()}
}

func (l *Logger) Debug(msg string) { l.zlog.Debug().Msg(msg) }
func (l *Logger) Info(msg string)  { l.zlog.Info().Msg(msg) }
func (l *Logger) Warn(msg string)  { l.zlog.Warn().Msg(msg) }

// Error logs msg with err attached.
func (l *Logger) Error(err error, msg string) {
	l.zlog.Error().Err(err).Msg(msg)
}

// ParseLevel converts a level name to a zerolog level, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	switch level {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}
