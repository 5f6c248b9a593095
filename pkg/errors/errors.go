// Package errors defines the gateway error taxonomy.
// Every failure that reaches a client is mapped to a GatewayError so the HTTP layer
// can render a consistent JSON envelope and status code.
package errors

import (
	"fmt"
	"net/http"
	"time"
)

// Kind classifies a gateway failure.
type Kind string

const (
	KindClientRequest    Kind = "client_request"
	KindAuth             Kind = "auth"
	KindRateLimit        Kind = "rate_limit"
	KindBlocked          Kind = "blocked"
	KindUpstream         Kind = "upstream"
	KindExhaustedRetries Kind = "exhausted_retries"
	KindAccounting       Kind = "accounting"
	KindInternal         Kind = "internal"
)

// Error types rendered in the client-facing envelope.
const (
	TypeInvalidRequest     = "invalid_request_error"
	TypeAuthentication     = "authentication_error"
	TypeRateLimit          = "rate_limit_error"
	TypeContentPolicy      = "content_policy_violation"
	TypeUpstream           = "upstream_error"
	TypeServiceUnavailable = "service_unavailable_error"
	TypeInternalError      = "internal_error"
)

// LimitType names the entity whose ceiling was breached.
type LimitType string

const (
	LimitTypeKey      LimitType = "key"
	LimitTypeProvider LimitType = "provider"
)

// GatewayError is a failure with everything needed to answer the client.
type GatewayError struct {
	Kind       Kind          `json:"kind"`
	StatusCode int           `json:"status_code"`
	Type       string        `json:"type"`
	Message    string        `json:"message"`
	Provider   string        `json:"provider,omitempty"`
	RetryAfter time.Duration `json:"-"`
	LimitType  LimitType     `json:"-"`
	Cause      error         `json:"-"`
}

// Error implements the error interface.
func (e *GatewayError) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("[%s] %s (provider=%s, code=%d)", e.Type, e.Message, e.Provider, e.StatusCode)
	}
	return fmt.Sprintf("[%s] %s (code=%d)", e.Type, e.Message, e.StatusCode)
}

// Unwrap exposes the underlying cause.
func (e *GatewayError) Unwrap() error {
	return e.Cause
}

// HTTPStatusCode returns the status code to send to the client.
func (e *GatewayError) HTTPStatusCode() int {
	if e.StatusCode > 0 {
		return e.StatusCode
	}
	return http.StatusInternalServerError
}

// NewClientRequestError reports a request that cannot be processed as sent (400).
func NewClientRequestError(message string) *GatewayError {
	return &GatewayError{
		Kind:       KindClientRequest,
		StatusCode: http.StatusBadRequest,
		Type:       TypeInvalidRequest,
		Message:    message,
	}
}

// NewAuthError reports a missing or invalid credential (401).
func NewAuthError(message string) *GatewayError {
	return &GatewayError{
		Kind:       KindAuth,
		StatusCode: http.StatusUnauthorized,
		Type:       TypeAuthentication,
		Message:    message,
	}
}

// NewRateLimitError reports a breached cost, concurrency or request-rate ceiling (429).
func NewRateLimitError(limitType LimitType, retryAfter time.Duration, message string) *GatewayError {
	return &GatewayError{
		Kind:       KindRateLimit,
		StatusCode: http.StatusTooManyRequests,
		Type:       TypeRateLimit,
		Message:    message,
		RetryAfter: retryAfter,
		LimitType:  limitType,
	}
}

// NewBlockedError reports a request refused by the content pre-check (400).
func NewBlockedError(message string) *GatewayError {
	return &GatewayError{
		Kind:       KindBlocked,
		StatusCode: http.StatusBadRequest,
		Type:       TypeContentPolicy,
		Message:    message,
	}
}

// NewNoProviderError reports that no upstream could be selected (503).
func NewNoProviderError(message string) *GatewayError {
	return &GatewayError{
		Kind:       KindExhaustedRetries,
		StatusCode: http.StatusServiceUnavailable,
		Type:       TypeServiceUnavailable,
		Message:    message,
	}
}

// NewInternalError reports a gateway-side fault (500).
func NewInternalError(message string) *GatewayError {
	return &GatewayError{
		Kind:       KindInternal,
		StatusCode: http.StatusInternalServerError,
		Type:       TypeInternalError,
		Message:    message,
	}
}

// UpstreamError describes one failed forwarding attempt against a specific provider.
type UpstreamError struct {
	ProviderID   int64
	ProviderName string
	StatusCode   int // 0 for transport failures
	Body         string
	Message      string
	Transport    error
}

// Error implements the error interface.
func (e *UpstreamError) Error() string {
	if e.Transport != nil {
		return fmt.Sprintf("provider %s: transport error: %v", e.ProviderName, e.Transport)
	}
	return fmt.Sprintf("provider %s: %s", e.ProviderName, e.Message)
}

// Unwrap exposes the transport error, if any.
func (e *UpstreamError) Unwrap() error {
	return e.Transport
}

// ExhaustedRetriesError aggregates a failed retry loop into a single error.
type ExhaustedRetriesError struct {
	Attempts int
	Last     *UpstreamError
}

// Error implements the error interface.
func (e *ExhaustedRetriesError) Error() string {
	if e.Last == nil {
		return fmt.Sprintf("all providers unavailable after %d attempt(s)", e.Attempts)
	}
	return fmt.Sprintf("all providers unavailable after %d attempt(s): %s", e.Attempts, e.Last.Error())
}

// Unwrap exposes the last upstream error.
func (e *ExhaustedRetriesError) Unwrap() error {
	if e.Last == nil {
		return nil
	}
	return e.Last
}

// GatewayError converts the aggregate failure into a client-facing error.
func (e *ExhaustedRetriesError) GatewayError() *GatewayError {
	msg := "all upstream providers failed"
	provider := ""
	if e.Last != nil {
		msg = fmt.Sprintf("all upstream providers failed after %d attempt(s); last error: %s", e.Attempts, e.Last.Message)
		provider = e.Last.ProviderName
	}
	return &GatewayError{
		Kind:       KindExhaustedRetries,
		StatusCode: http.StatusServiceUnavailable,
		Type:       TypeServiceUnavailable,
		Message:    msg,
		Provider:   provider,
		Cause:      e,
	}
}
