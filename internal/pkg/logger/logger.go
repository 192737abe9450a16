// Package logger provides the structured logger shared by the API, the render
// core and the command-line tools.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

type ctxKey int

const (
	requestIDKey ctxKey = iota
	jobIDKey
)

// Logger wraps slog.Logger with render-service helpers.
type Logger struct {
	*slog.Logger
}

type Config struct {
	// Level is debug, info, warn or error. Anything else is info.
	Level string
	// Format is json or text.
	Format string
	// Output defaults to os.Stdout.
	Output    io.Writer
	AddSource bool
	// ServiceName is attached to every record as "service".
	ServiceName string
}

func New(cfg Config) *Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stdout
	}
	opts := &slog.HandlerOptions{
		Level:       parseLevel(cfg.Level),
		AddSource:   cfg.AddSource,
		ReplaceAttr: utcTime,
	}

	var h slog.Handler = slog.NewJSONHandler(cfg.Output, opts)
	if strings.EqualFold(cfg.Format, "text") {
		h = slog.NewTextHandler(cfg.Output, opts)
	}
	if cfg.ServiceName != "" {
		h = h.WithAttrs([]slog.Attr{slog.String("service", cfg.ServiceName)})
	}
	return &Logger{Logger: slog.New(h)}
}

// NewDefault configures a logger from LOG_LEVEL, LOG_FORMAT and LOG_SOURCE.
// Components fall back to it when they are given no logger.
func NewDefault() *Logger {
	return New(Config{
		Level:       os.Getenv("LOG_LEVEL"),
		Format:      os.Getenv("LOG_FORMAT"),
		AddSource:   os.Getenv("LOG_SOURCE") == "true",
		ServiceName: "audio2mp4",
	})
}

// Discard drops every record.
func Discard() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))}
}

func (l *Logger) with(key, value string) *Logger {
	return &Logger{Logger: l.Logger.With(slog.String(key, value))}
}

func (l *Logger) WithJobID(jobID string) *Logger { return l.with("job_id", jobID) }

func (l *Logger) WithComponent(component string) *Logger { return l.with("component", component) }

// FromContext attaches the request and job IDs carried by ctx.
func (l *Logger) FromContext(ctx context.Context) *Logger {
	out := l
	if id := RequestIDFromContext(ctx); id != "" {
		out = out.with("request_id", id)
	}
	if id, _ := ctx.Value(jobIDKey).(string); id != "" {
		out = out.WithJobID(id)
	}
	return out
}

// LogFatal logs msg with err and exits the process.
func (l *Logger) LogFatal(msg string, err error, args ...any) {
	if err != nil {
		args = append(args, "error", err.Error())
	}
	l.Error(msg, args...)
	os.Exit(1)
}

func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

func ContextWithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, jobIDKey, jobID)
}

func utcTime(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		if t, ok := a.Value.Any().(time.Time); ok {
			a.Value = slog.StringValue(t.UTC().Format(time.RFC3339Nano))
		}
	}
	return a
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
