package affinity

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

// MemoryStore keeps records in a go-cache with per-item expiry. It suits
// single-instance deployments and is the fallback when Redis is not configured.
type MemoryStore struct {
	mu           sync.Mutex
	records      *cache.Cache
	fingerprints *cache.Cache
}

// NewMemoryStore creates a MemoryStore. cleanup is the janitor interval.
func NewMemoryStore(cleanup time.Duration) *MemoryStore {
	if cleanup <= 0 {
		cleanup = time.Minute
	}
	return &MemoryStore{
		records:      cache.New(DefaultTTL, cleanup),
		fingerprints: cache.New(DefaultTTL, cleanup),
	}
}

// get returns the stored pointer; callers hold s.mu.
func (s *MemoryStore) get(id string) (*Record, bool) {
	v, ok := s.records.Get(id)
	if !ok {
		return nil, false
	}
	rec, ok := v.(*Record)
	return rec, ok
}

// Ensure implements Store.
func (s *MemoryStore) Ensure(_ context.Context, id string, meta Meta, now time.Time, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.get(id)
	if !ok {
		rec = &Record{ConversationID: id, CreatedAt: now}
	}
	rec.Meta = meta
	rec.Status = StatusInProgress
	rec.LastActivity = now
	s.records.Set(id, rec, ttl)
	return nil
}

// Get implements Store. The returned record is a copy.
func (s *MemoryStore) Get(_ context.Context, id string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.get(id)
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

// Touch implements Store.
func (s *MemoryStore) Touch(_ context.Context, id string, now time.Time, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.get(id); ok {
		rec.LastActivity = now
		s.records.Set(id, rec, ttl)
	}
	return nil
}

// SetProvider implements Store.
func (s *MemoryStore) SetProvider(_ context.Context, id string, providerID int64, now time.Time, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.get(id)
	if !ok {
		rec = &Record{ConversationID: id, CreatedAt: now, Status: StatusInProgress}
	}
	rec.ProviderID = providerID
	rec.LastActivity = now
	s.records.Set(id, rec, ttl)
	return nil
}

// AddUsage implements Store.
func (s *MemoryStore) AddUsage(_ context.Context, id string, u Usage, status Status, now time.Time, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.get(id)
	if !ok {
		rec = &Record{ConversationID: id, CreatedAt: now}
	}
	rec.Usage.InputTokens += u.InputTokens
	rec.Usage.OutputTokens += u.OutputTokens
	rec.Usage.CacheCreationTokens += u.CacheCreationTokens
	rec.Usage.CacheReadTokens += u.CacheReadTokens
	rec.Usage.CostUSD += u.CostUSD
	rec.Usage.Requests += u.Requests
	rec.Status = status
	rec.LastActivity = now
	s.records.Set(id, rec, ttl)
	return nil
}

func fingerprintKey(keyID int64, hash string) string {
	return strconv.FormatInt(keyID, 10) + ":" + hash
}

// LookupFingerprint implements Store.
func (s *MemoryStore) LookupFingerprint(_ context.Context, keyID int64, hash string) (string, error) {
	if v, ok := s.fingerprints.Get(fingerprintKey(keyID, hash)); ok {
		if id, ok := v.(string); ok {
			return id, nil
		}
	}
	return "", nil
}

// SaveFingerprint implements Store.
func (s *MemoryStore) SaveFingerprint(_ context.Context, keyID int64, hash, id string, ttl time.Duration) error {
	s.fingerprints.Set(fingerprintKey(keyID, hash), id, ttl)
	return nil
}

// List implements Store.
func (s *MemoryStore) List(_ context.Context, limit int) ([]*Record, error) {
	s.mu.Lock()
	items := s.records.Items()
	out := make([]*Record, 0, len(items))
	for _, item := range items {
		if rec, ok := item.Object.(*Record); ok {
			cp := *rec
			out = append(out, &cp)
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActivity.After(out[j].LastActivity)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Prune implements Store. go-cache's janitor already evicts expired items.
func (s *MemoryStore) Prune(_ context.Context, _ time.Time) (int, error) {
	before := s.records.ItemCount()
	s.records.DeleteExpired()
	s.fingerprints.DeleteExpired()
	return before - s.records.ItemCount(), nil
}
