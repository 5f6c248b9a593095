package observability

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/tidwall/gjson"
)

func newBufferLogger(buf *bytes.Buffer, redactor *Redactor) *slog.Logger {
	return NewLogger(LoggerConfig{Level: slog.LevelDebug, Output: buf, JSONFormat: true}, redactor)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newBufferLogger(&buf, NewRedactor())

	logger.Info("hello", "provider", "primary")

	line := buf.String()
	if gjson.Get(line, "msg").String() != "hello" {
		t.Errorf("expected JSON output with msg, got %s", line)
	}
	if gjson.Get(line, "provider").String() != "primary" {
		t.Errorf("expected provider attr, got %s", line)
	}
}

func TestParseLoggerConfig(t *testing.T) {
	tests := []struct {
		level, format string
		wantLevel     slog.Level
		wantJSON      bool
	}{
		{"debug", "json", slog.LevelDebug, true},
		{"WARN", "text", slog.LevelWarn, false},
		{"error", "", slog.LevelError, true},
		{"verbose", "json", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		cfg := ParseLoggerConfig(tt.level, tt.format)
		if cfg.Level != tt.wantLevel {
			t.Errorf("ParseLoggerConfig(%q).Level = %v, want %v", tt.level, cfg.Level, tt.wantLevel)
		}
		if cfg.JSONFormat != tt.wantJSON {
			t.Errorf("ParseLoggerConfig(%q).JSONFormat = %v, want %v", tt.format, cfg.JSONFormat, tt.wantJSON)
		}
		if cfg.Output == nil {
			t.Error("expected default output")
		}
	}
}

func TestWithRequestID(t *testing.T) {
	var buf bytes.Buffer
	logger := newBufferLogger(&buf, nil)
	ctx := ContextWithRequestID(context.Background(), "test-req-123")

	WithRequestID(ctx, logger).Info("test message")

	if got := gjson.Get(buf.String(), "request_id").String(); got != "test-req-123" {
		t.Errorf("expected request ID in output, got %s", buf.String())
	}
}

func TestWithRequestID_Empty(t *testing.T) {
	var buf bytes.Buffer
	logger := newBufferLogger(&buf, nil)

	if WithRequestID(context.Background(), logger) != logger {
		t.Error("expected the same logger when no request ID is present")
	}
}

func TestLogger_RedactsMessageAndAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := newBufferLogger(&buf, NewRedactor())

	logger.Info("upstream rejected sk-ant-REDACTED",
		"detail", "Bearer abc.def.ghi",
		"error", errors.New("contact admin@example.com"),
		"api_key", "plain-value",
		"key_id", 42,
	)

	line := buf.String()
	for _, secret := range []string{"abcdefghijklmnopqrstuvwxyz", "abc.def.ghi", "admin@example.com", "plain-value"} {
		if strings.Contains(line, secret) {
			t.Errorf("secret %q leaked into log: %s", secret, line)
		}
	}
	if gjson.Get(line, "api_key").String() != "[REDACTED]" {
		t.Errorf("expected api_key attr to be redacted, got %s", line)
	}
	if gjson.Get(line, "key_id").Int() != 42 {
		t.Errorf("expected key_id to be kept, got %s", line)
	}
}

func TestLogger_RedactsGroupedAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := newBufferLogger(&buf, NewRedactor())

	logger.WithGroup("upstream").Warn("failed", "body", "token sk-1234567890abcdefghijklmnop")

	if strings.Contains(buf.String(), "1234567890abcdefghijklmnop") {
		t.Errorf("expected grouped attr to be redacted, got %s", buf.String())
	}
}

func TestLogger_NoRedactor(t *testing.T) {
	var buf bytes.Buffer
	logger := newBufferLogger(&buf, nil)

	logger.Info("message", "api_key", "visible")

	if gjson.Get(buf.String(), "api_key").String() != "visible" {
		t.Errorf("expected no redaction without redactor, got %s", buf.String())
	}
}

func TestLogger_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LoggerConfig{Level: slog.LevelInfo, Output: &buf}, nil)

	logger.Info("text message", "key", "value")

	output := buf.String()
	if !strings.Contains(output, "text message") || !strings.Contains(output, "key=value") {
		t.Errorf("expected text format output, got %s", output)
	}
}
