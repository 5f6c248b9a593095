// Package observability provides structured logging with redaction support,
// request ID propagation and OpenTelemetry tracing.
package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// LoggerConfig contains configuration for the logger.
type LoggerConfig struct {
	Level      slog.Level
	Output     io.Writer
	AddSource  bool
	JSONFormat bool
}

// ParseLoggerConfig builds a LoggerConfig from the textual level and format used in
// configuration files. Unknown levels fall back to info; any format other than
// "text" produces JSON.
func ParseLoggerConfig(level, format string) LoggerConfig {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		lvl = slog.LevelInfo
	}
	return LoggerConfig{
		Level:      lvl,
		Output:     os.Stdout,
		JSONFormat: !strings.EqualFold(strings.TrimSpace(format), "text"),
	}
}

// NewLogger creates a logger whose string and error attributes pass through the
// redactor before they are written. A nil redactor disables redaction.
func NewLogger(cfg LoggerConfig, redactor *Redactor) *slog.Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stdout
	}
	opts := &slog.HandlerOptions{
		Level:     cfg.Level,
		AddSource: cfg.AddSource,
	}
	if redactor != nil {
		opts.ReplaceAttr = redactor.replaceAttr
	}

	var handler slog.Handler
	if cfg.JSONFormat {
		handler = slog.NewJSONHandler(cfg.Output, opts)
	} else {
		handler = slog.NewTextHandler(cfg.Output, opts)
	}

	return slog.New(handler)
}

// WithRequestID returns a logger with the request ID from context.
func WithRequestID(ctx context.Context, logger *slog.Logger) *slog.Logger {
	requestID := RequestIDFromContext(ctx)
	if requestID == "" {
		return logger
	}
	return logger.With("request_id", requestID)
}

func (r *Redactor) replaceAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.MessageKey {
		return slog.String(a.Key, r.Redact(a.Value.String()))
	}
	if isSensitiveKey(a.Key) {
		return slog.String(a.Key, redacted)
	}
	switch a.Value.Kind() {
	case slog.KindString:
		return slog.String(a.Key, r.Redact(a.Value.String()))
	case slog.KindAny:
		if err, ok := a.Value.Any().(error); ok {
			return slog.String(a.Key, r.Redact(err.Error()))
		}
	}
	return a
}
