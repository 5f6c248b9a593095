// Package audit persists one record per proxied request: who called, which provider
// served it, how long it took, what it cost, and the decision chain behind the choice.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/blueberrycongee/relaymux/internal/pricing"
	"github.com/blueberrycongee/relaymux/internal/session"
)

// Status is the outcome of a request.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Record is one request log entry.
type Record struct {
	ID             string               `json:"id"`
	RequestID      string               `json:"request_id"`
	Timestamp      time.Time            `json:"timestamp"`
	UserID         int64                `json:"user_id"`
	KeyID          int64                `json:"key_id"`
	ConversationID string               `json:"conversation_id,omitempty"`
	ProviderID     int64                `json:"provider_id"`
	ProviderName   string               `json:"provider_name"`
	Format         string               `json:"format"`
	Path           string               `json:"path"`
	Model          string               `json:"model"`
	UpstreamModel  string               `json:"upstream_model,omitempty"`
	Stream         bool                 `json:"stream"`
	StatusCode     int                  `json:"status_code"`
	Status         Status               `json:"status"`
	Duration       time.Duration        `json:"duration"`
	Usage          pricing.Usage        `json:"usage"`
	CostUSD        float64              `json:"cost_usd"`
	Error          string               `json:"error,omitempty"`
	Chain          []session.ChainEntry `json:"chain"`
}

// FromSession fills the request-scoped fields of a record.
func FromSession(sess *session.Session) *Record {
	rec := &Record{
		RequestID:      sess.RequestID,
		Timestamp:      sess.StartTime.UTC(),
		KeyID:          sess.KeyID(),
		ConversationID: sess.ConversationID(),
		Format:         string(sess.Format),
		Path:           sess.Path(),
		Model:          sess.OriginalModel(),
		UpstreamModel:  sess.RedirectedModel(),
		Stream:         sess.Stream(),
		Duration:       sess.Elapsed(),
		Chain:          sess.Chain(),
	}
	if a := sess.Auth(); a != nil && a.User != nil {
		rec.UserID = a.User.ID
	}
	if p := sess.Provider(); p != nil {
		rec.ProviderID = p.ID
		rec.ProviderName = p.Name
	}
	return rec
}

// Writer persists records.
type Writer interface {
	Write(ctx context.Context, rec *Record) error
}

func prepare(rec *Record) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	if rec.Status == "" {
		rec.Status = StatusSuccess
		if rec.StatusCode >= 400 || rec.Error != "" {
			rec.Status = StatusError
		}
	}
}
