// Package session holds the per-request state of one proxied call: the parsed body,
// the authenticated caller, the chosen provider and the decision chain explaining
// every provider that was considered or used.
package session

import (
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/relaymux/internal/auth"
	"github.com/blueberrycongee/relaymux/internal/provider"
)

// Format is the wire format the client spoke.
type Format string

const (
	// FormatNative is a Claude-style request served by native providers.
	FormatNative Format = "native"
	// FormatOpenAI is a Chat Completions request served by Response API providers.
	FormatOpenAI Format = "openai"
)

// ProviderType returns the provider type able to serve the format.
func (f Format) ProviderType() provider.Type {
	if f == FormatOpenAI {
		return provider.TypeOpenAIResponse
	}
	return provider.TypeNative
}

// Session is mutable request-scoped state. Methods are safe for concurrent use
// because the streaming accounting branch reads it from its own goroutine.
type Session struct {
	StartTime time.Time
	Method    string
	URL       *url.URL
	Headers   http.Header
	RequestID string
	Format    Format

	rawBody []byte
	body    map[string]any

	mu              sync.RWMutex
	auth            *auth.Result
	provider        *provider.Provider
	conversationID  string
	originalModel   string
	redirectedModel string
	chain           []ChainEntry
}

// New builds a session from an inbound request and its already-read body.
// A body that is not a JSON object is retained as raw text; it is never an error.
func New(r *http.Request, body []byte, format Format) *Session {
	s := &Session{
		StartTime: time.Now(),
		Method:    r.Method,
		URL:       r.URL,
		Headers:   r.Header.Clone(),
		Format:    format,
		rawBody:   body,
	}

	var parsed map[string]any
	if len(body) > 0 && json.Unmarshal(body, &parsed) == nil {
		s.body = parsed
	}
	if m, ok := s.body["model"].(string); ok {
		s.originalModel = m
	}
	return s
}

// RawBody returns the body exactly as received.
func (s *Session) RawBody() []byte {
	return s.rawBody
}

// Body returns the parsed JSON object, or nil when the body was not valid JSON.
func (s *Session) Body() map[string]any {
	return s.body
}

// IsJSON reports whether the body parsed as a JSON object.
func (s *Session) IsJSON() bool {
	return s.body != nil
}

// RawText returns the body as text, used for logging opaque payloads.
func (s *Session) RawText() string {
	return string(s.rawBody)
}

// Stream reports whether the client asked for a streamed response.
func (s *Session) Stream() bool {
	v, _ := s.body["stream"].(bool)
	return v
}

// Messages returns the conversation turns, or nil when absent.
func (s *Session) Messages() []any {
	msgs, _ := s.body["messages"].([]any)
	return msgs
}

// MessageCount returns the number of conversation turns.
func (s *Session) MessageCount() int {
	return len(s.Messages())
}

// Path returns the inbound URL path.
func (s *Session) Path() string {
	if s.URL == nil {
		return "/"
	}
	return s.URL.Path
}

// UserAgent returns the client's User-Agent.
func (s *Session) UserAgent() string {
	return s.Headers.Get("User-Agent")
}

// SetAuth records the authenticated caller.
func (s *Session) SetAuth(res *auth.Result) {
	s.mu.Lock()
	s.auth = res
	s.mu.Unlock()
}

// Auth returns the authenticated caller or nil.
func (s *Session) Auth() *auth.Result {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.auth
}

// SetProvider records the provider currently targeted.
func (s *Session) SetProvider(p *provider.Provider) {
	s.mu.Lock()
	s.provider = p
	s.mu.Unlock()
}

// Provider returns the provider currently targeted.
func (s *Session) Provider() *provider.Provider {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.provider
}

// SetConversationID records the affinity id of the conversation.
func (s *Session) SetConversationID(id string) {
	s.mu.Lock()
	s.conversationID = id
	s.mu.Unlock()
}

// ConversationID returns the affinity id of the conversation.
func (s *Session) ConversationID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conversationID
}

// SetOriginalModel overrides the model requested by the client.
func (s *Session) SetOriginalModel(model string) {
	s.mu.Lock()
	s.originalModel = model
	s.mu.Unlock()
}

// OriginalModel returns the model requested by the client.
func (s *Session) OriginalModel() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.originalModel
}

// SetRedirectedModel records the model actually sent upstream. An empty value clears it.
func (s *Session) SetRedirectedModel(model string) {
	s.mu.Lock()
	s.redirectedModel = model
	s.mu.Unlock()
}

// RedirectedModel returns the model sent upstream when a redirect applied, else "".
func (s *Session) RedirectedModel() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.redirectedModel
}

// CurrentModel returns the redirected model if set, else the original one.
func (s *Session) CurrentModel() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.redirectedModel != "" {
		return s.redirectedModel
	}
	return s.originalModel
}

// KeyID returns the authenticated key id or 0.
func (s *Session) KeyID() int64 {
	if a := s.Auth(); a != nil && a.Key != nil {
		return a.Key.ID
	}
	return 0
}

// UserGroup returns the caller's provider-group preference.
func (s *Session) UserGroup() string {
	if a := s.Auth(); a != nil && a.User != nil {
		return strings.TrimSpace(a.User.ProviderGroup)
	}
	return ""
}

// Elapsed returns time since the request started.
func (s *Session) Elapsed() time.Duration {
	return time.Since(s.StartTime)
}
