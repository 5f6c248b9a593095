package affinity

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Config configures a Manager.
type Config struct {
	TTL          time.Duration
	ActiveWindow time.Duration
	Logger       *slog.Logger
	Now          func() time.Time
}

// Manager resolves conversation ids and their provider bindings. Store failures never
// fail a request: lookups degrade to "no binding" and writes are logged.
type Manager struct {
	store        Store
	ttl          time.Duration
	activeWindow time.Duration
	logger       *slog.Logger
	now          func() time.Time
}

// NewManager creates a Manager.
func NewManager(store Store, cfg Config) *Manager {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.ActiveWindow <= 0 {
		cfg.ActiveWindow = DefaultActiveWindow
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Manager{
		store:        store,
		ttl:          cfg.TTL,
		activeWindow: cfg.ActiveWindow,
		logger:       cfg.Logger,
		now:          cfg.Now,
	}
}

// TTL returns the sliding inactivity window.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

// GetOrCreate returns the conversation id for a request: the client-declared id when
// present, else the id already mapped to the messages' fingerprint, else a new id.
func (m *Manager) GetOrCreate(ctx context.Context, keyID int64, messages []any, clientID string) string {
	if clientID != "" {
		return clientID
	}

	hash := Fingerprint(messages)
	if hash != "" {
		id, err := m.store.LookupFingerprint(ctx, keyID, hash)
		if err != nil {
			m.logger.Warn("affinity fingerprint lookup failed", "key_id", keyID, "error", err)
		} else if id != "" {
			if err := m.store.SaveFingerprint(ctx, keyID, hash, id, m.ttl); err != nil {
				m.logger.Warn("affinity fingerprint refresh failed", "key_id", keyID, "error", err)
			}
			return id
		}
	}

	id := NewConversationID()
	if hash != "" {
		if err := m.store.SaveFingerprint(ctx, keyID, hash, id, m.ttl); err != nil {
			m.logger.Warn("affinity fingerprint save failed", "key_id", keyID, "error", err)
		}
	}
	return id
}

// Start marks a turn as in progress and refreshes the record.
func (m *Manager) Start(ctx context.Context, id string, meta Meta) {
	if err := m.store.Ensure(ctx, id, meta, m.now(), m.ttl); err != nil {
		m.logger.Warn("affinity record update failed", "conversation_id", id, "error", err)
	}
}

// BindProvider records the provider serving the conversation.
func (m *Manager) BindProvider(ctx context.Context, id string, providerID int64) {
	if err := m.store.SetProvider(ctx, id, providerID, m.now(), m.ttl); err != nil {
		m.logger.Warn("affinity bind failed", "conversation_id", id, "provider_id", providerID, "error", err)
	}
}

// GetBoundProvider returns the provider bound to the conversation, or 0. A successful
// read slides the TTL.
func (m *Manager) GetBoundProvider(ctx context.Context, id string) int64 {
	rec, err := m.store.Get(ctx, id)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			m.logger.Warn("affinity lookup failed", "conversation_id", id, "error", err)
		}
		return 0
	}
	m.Touch(ctx, id)
	return rec.ProviderID
}

// Touch slides the record's TTL.
func (m *Manager) Touch(ctx context.Context, id string) {
	if err := m.store.Touch(ctx, id, m.now(), m.ttl); err != nil {
		m.logger.Warn("affinity touch failed", "conversation_id", id, "error", err)
	}
}

// RecordUsage adds a finished turn's usage and status.
func (m *Manager) RecordUsage(ctx context.Context, id string, usage Usage, status Status) {
	usage.Requests = 1
	if err := m.store.AddUsage(ctx, id, usage, status, m.now(), m.ttl); err != nil {
		m.logger.Warn("affinity usage update failed", "conversation_id", id, "error", err)
	}
}

// Get returns one record.
func (m *Manager) Get(ctx context.Context, id string) (*Record, error) {
	return m.store.Get(ctx, id)
}

// List returns live records flagged active when touched within the active window.
func (m *Manager) List(ctx context.Context, limit int) ([]Summary, error) {
	recs, err := m.store.List(ctx, limit)
	if err != nil {
		return nil, err
	}
	now := m.now()
	out := make([]Summary, 0, len(recs))
	for _, r := range recs {
		idle := now.Sub(r.LastActivity)
		out = append(out, Summary{Record: *r, Active: idle <= m.activeWindow, Idle: idle})
	}
	return out, nil
}

// Prune removes index entries older than the TTL. Records themselves expire on their
// own; this only keeps the activity index small.
func (m *Manager) Prune(ctx context.Context) (int, error) {
	return m.store.Prune(ctx, m.now().Add(-m.ttl))
}
