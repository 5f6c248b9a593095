package observability

import (
	"strings"
	"testing"
)

func TestRedactor_OpenAIKey(t *testing.T) {
	r := NewRedactor()

	tests := []struct {
		input    string
		contains string
	}{
		{"sk-1234567890abcdefghijklmnop", "[REDACTED_OPENAI_KEY]"},
		{"key: sk-proj-abcdefghijklmnopqrstuvwxyz123456", "[REDACTED_OPENAI_PROJECT_KEY]"},
	}

	for _, tt := range tests {
		result := r.Redact(tt.input)
		if !strings.Contains(result, tt.contains) {
			t.Errorf("expected result to contain %q, got %q", tt.contains, result)
		}
	}
}

func TestRedactor_AnthropicKey(t *testing.T) {
	r := NewRedactor()

	input := "key: sk-ant-REDACTED"
	result := r.Redact(input)

	if !strings.Contains(result, "[REDACTED_ANTHROPIC_KEY]") {
		t.Errorf("expected anthropic key to be redacted, got %q", result)
	}
}

func TestRedactor_BearerToken(t *testing.T) {
	r := NewRedactor()

	input := "Bearer eyJhbGciOiJIUzI1NiIsInR5cCI6IkpXVCJ9.eyJzdWIiOiIxMjM0NTY3ODkwIn0"
	result := r.Redact(input)

	if !strings.Contains(result, "Bearer [REDACTED]") {
		t.Errorf("expected bearer token to be redacted, got %q", result)
	}
}

func TestRedactor_Email(t *testing.T) {
	r := NewRedactor()

	input := "user email is test@example.com"
	result := r.Redact(input)

	if !strings.Contains(result, "[REDACTED_EMAIL]") {
		t.Errorf("expected email to be redacted, got %q", result)
	}
}

func TestRedactor_AddPattern(t *testing.T) {
	r := NewRedactor()

	// Add custom pattern
	r.AddPattern(`SECRET_[A-Z0-9]+`, "[CUSTOM_REDACTED]", "custom")

	input := "my secret is SECRET_ABC123"
	result := r.Redact(input)

	if !strings.Contains(result, "[CUSTOM_REDACTED]") {
		t.Errorf("expected custom pattern to be redacted, got %q", result)
	}
}

func TestRedactor_InvalidPattern(t *testing.T) {
	r := NewRedactor()

	// Invalid regex should not panic
	r.AddPattern(`[invalid`, "replacement", "invalid")

	// Should still work
	result := r.Redact("test")
	if result != "test" {
		t.Errorf("expected unchanged result, got %q", result)
	}
}

func TestRedactor_GatewayKey(t *testing.T) {
	r := NewRedactor()

	result := r.Redact("auth failed for rk-live-0123456789abcdef")
	if strings.Contains(result, "0123456789abcdef") {
		t.Errorf("expected gateway key to be redacted, got %q", result)
	}
}

func TestRedactor_Headers(t *testing.T) {
	r := NewRedactor()

	result := r.Redact("x-api-key: abc123 authorization: Basic Zm9v")
	if strings.Contains(result, "abc123") || strings.Contains(result, "Zm9v") {
		t.Errorf("expected header values to be redacted, got %q", result)
	}
	if !strings.Contains(result, "x-api-key: [REDACTED]") {
		t.Errorf("expected header name to be kept, got %q", result)
	}
}

func TestRedactor_DSNPassword(t *testing.T) {
	r := NewRedactor()

	result := r.Redact("dial postgres://relaymux:hunter2@db:5432/relaymux failed")
	if strings.Contains(result, "hunter2") {
		t.Errorf("expected dsn password to be redacted, got %q", result)
	}
	if !strings.Contains(result, "postgres://relaymux:[REDACTED]@db:5432") {
		t.Errorf("expected user and host to be kept, got %q", result)
	}
}
