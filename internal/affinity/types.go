// Package affinity binds multi-turn conversations to the provider that served them so
// later turns can reuse it. Records expire after a sliding inactivity window; nothing is
// ever deleted explicitly.
package affinity

import (
	"context"
	"errors"
	"time"
)

// DefaultTTL is the inactivity window after which a conversation record expires.
const DefaultTTL = 300 * time.Second

// DefaultActiveWindow is how recently a record must be touched to be listed as active.
const DefaultActiveWindow = 60 * time.Second

// ErrNotFound is returned when a record does not exist or has expired.
var ErrNotFound = errors.New("affinity record not found")

// Status is the state of the conversation's latest turn.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
)

// Usage accumulates across turns.
type Usage struct {
	InputTokens         int64   `json:"input_tokens"`
	OutputTokens        int64   `json:"output_tokens"`
	CacheCreationTokens int64   `json:"cache_creation_tokens"`
	CacheReadTokens     int64   `json:"cache_read_tokens"`
	CostUSD             float64 `json:"cost_usd"`
	Requests            int64   `json:"requests"`
}

// Meta describes who is talking and how.
type Meta struct {
	UserID  int64  `json:"user_id"`
	KeyID   int64  `json:"key_id"`
	Model   string `json:"model"`
	APIType string `json:"api_type"`
}

// Record is the affinity state of one conversation.
type Record struct {
	ConversationID string    `json:"conversation_id"`
	ProviderID     int64     `json:"provider_id,omitempty"`
	Meta           Meta      `json:"meta"`
	Usage          Usage     `json:"usage"`
	Status         Status    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivity   time.Time `json:"last_activity"`
}

// Summary is a listed record flagged by recency.
type Summary struct {
	Record
	Active bool          `json:"active"`
	Idle   time.Duration `json:"idle_ns"`
}

// Store persists affinity records with a sliding TTL. Every write and every Touch
// extends the record's lifetime to now+ttl.
type Store interface {
	// Ensure creates the record if absent, updates its meta and marks it in progress.
	Ensure(ctx context.Context, id string, meta Meta, now time.Time, ttl time.Duration) error
	// Get returns the record or ErrNotFound.
	Get(ctx context.Context, id string) (*Record, error)
	// Touch slides the TTL. Missing records are ignored.
	Touch(ctx context.Context, id string, now time.Time, ttl time.Duration) error
	// SetProvider binds the conversation to a provider; last writer wins.
	SetProvider(ctx context.Context, id string, providerID int64, now time.Time, ttl time.Duration) error
	// AddUsage adds usage counters and sets the status.
	AddUsage(ctx context.Context, id string, usage Usage, status Status, now time.Time, ttl time.Duration) error

	// LookupFingerprint returns the conversation id mapped to (keyID, hash) or "".
	LookupFingerprint(ctx context.Context, keyID int64, hash string) (string, error)
	// SaveFingerprint maps (keyID, hash) to id.
	SaveFingerprint(ctx context.Context, keyID int64, hash, id string, ttl time.Duration) error

	// List returns live records, most recently active first, up to limit (0 = all).
	List(ctx context.Context, limit int) ([]*Record, error)
	// Prune drops index entries inactive since before cutoff and returns how many.
	Prune(ctx context.Context, cutoff time.Time) (int, error)
}
