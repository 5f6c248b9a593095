package audit

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/goccy/go-json"

	// Postgres driver for sql.Open("postgres", dsn).
	_ "github.com/lib/pq"
)

// PostgresWriter inserts records into the request_logs table.
type PostgresWriter struct {
	db *sql.DB
}

// NewPostgresWriter creates a writer over db.
func NewPostgresWriter(db *sql.DB) *PostgresWriter {
	return &PostgresWriter{db: db}
}

const insertRecordQuery = `
	INSERT INTO request_logs (
		id, request_id, created_at, user_id, key_id, conversation_id,
		provider_id, provider_name, format, path, model, upstream_model,
		stream, status_code, status, duration_ms,
		input_tokens, output_tokens, cache_creation_tokens, cache_read_tokens,
		cost_usd, error, decision_chain
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23)`

// Write implements Writer.
func (w *PostgresWriter) Write(ctx context.Context, rec *Record) error {
	prepare(rec)

	chainJSON, err := json.Marshal(rec.Chain)
	if err != nil {
		return fmt.Errorf("encode decision chain: %w", err)
	}

	_, err = w.db.ExecContext(ctx, insertRecordQuery,
		rec.ID, rec.RequestID, rec.Timestamp, rec.UserID, rec.KeyID, nullString(rec.ConversationID),
		rec.ProviderID, rec.ProviderName, rec.Format, rec.Path, rec.Model, nullString(rec.UpstreamModel),
		rec.Stream, rec.StatusCode, string(rec.Status), rec.Duration.Milliseconds(),
		rec.Usage.InputTokens, rec.Usage.OutputTokens, rec.Usage.CacheCreationTokens, rec.Usage.CacheReadTokens,
		rec.CostUSD, nullString(rec.Error), string(chainJSON),
	)
	if err != nil {
		return fmt.Errorf("insert request log: %w", err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
