package ratelimit

import (
	"context"
	"sync"
	"time"
)

type costEvent struct {
	at   time.Time
	cost float64
}

type periodTotal struct {
	label  string
	amount float64
}

// MemoryStore is a single-instance Store. One mutex guards every counter, which makes
// TrackSession atomic within the process.
type MemoryStore struct {
	mu       sync.Mutex
	rolling  map[string][]costEvent
	weekly   map[string]periodTotal
	monthly  map[string]periodTotal
	sessions map[string]map[string]time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rolling:  make(map[string][]costEvent),
		weekly:   make(map[string]periodTotal),
		monthly:  make(map[string]periodTotal),
		sessions: make(map[string]map[string]time.Time),
	}
}

func (s *MemoryStore) pruneRolling(key string, now time.Time) []costEvent {
	events := s.rolling[key]
	cutoff := now.Add(-RollingWindow)
	i := 0
	for i < len(events) && !events[i].at.After(cutoff) {
		i++
	}
	events = events[i:]
	if len(events) == 0 {
		delete(s.rolling, key)
	} else {
		s.rolling[key] = events
	}
	return events
}

func periodAmount(m map[string]periodTotal, key, label string) float64 {
	if t, ok := m[key]; ok && t.label == label {
		return t.amount
	}
	return 0
}

// Spend implements Store.
func (s *MemoryStore) Spend(_ context.Context, entity EntityType, id int64, now time.Time) (Spend, error) {
	key := entityKey(entity, id)

	s.mu.Lock()
	defer s.mu.Unlock()

	var out Spend
	for i, e := range s.pruneRolling(key, now) {
		if i == 0 {
			out.Oldest5h = e.at
		}
		out.FiveHour += e.cost
	}
	out.Weekly = periodAmount(s.weekly, key, weekLabel(now))
	out.Monthly = periodAmount(s.monthly, key, monthLabel(now))
	return out, nil
}

// AddSpend implements Store.
func (s *MemoryStore) AddSpend(_ context.Context, entity EntityType, id int64, cost float64, now time.Time) error {
	key := entityKey(entity, id)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.pruneRolling(key, now)
	s.rolling[key] = append(s.rolling[key], costEvent{at: now, cost: cost})

	wl := weekLabel(now)
	s.weekly[key] = periodTotal{label: wl, amount: periodAmount(s.weekly, key, wl) + cost}
	ml := monthLabel(now)
	s.monthly[key] = periodTotal{label: ml, amount: periodAmount(s.monthly, key, ml) + cost}
	return nil
}

func (s *MemoryStore) liveSessions(key string, ttl time.Duration, now time.Time) map[string]time.Time {
	set := s.sessions[key]
	cutoff := now.Add(-ttl)
	for member, at := range set {
		if !at.After(cutoff) {
			delete(set, member)
		}
	}
	return set
}

// TrackSession implements Store.
func (s *MemoryStore) TrackSession(_ context.Context, entity EntityType, id int64, member string, limit int, ttl time.Duration, now time.Time) (bool, int64, error) {
	key := entityKey(entity, id)

	s.mu.Lock()
	defer s.mu.Unlock()

	set := s.liveSessions(key, ttl, now)
	if set == nil {
		set = make(map[string]time.Time)
		s.sessions[key] = set
	}
	if _, ok := set[member]; ok {
		set[member] = now
		return true, int64(len(set)), nil
	}
	if limit > 0 && len(set) >= limit {
		return false, int64(len(set)), nil
	}
	set[member] = now
	return true, int64(len(set)), nil
}

// ReleaseSession implements Store.
func (s *MemoryStore) ReleaseSession(_ context.Context, entity EntityType, id int64, member string) error {
	key := entityKey(entity, id)

	s.mu.Lock()
	defer s.mu.Unlock()

	if set, ok := s.sessions[key]; ok {
		delete(set, member)
		if len(set) == 0 {
			delete(s.sessions, key)
		}
	}
	return nil
}

// SessionStatus implements Store.
func (s *MemoryStore) SessionStatus(_ context.Context, entity EntityType, id int64, member string, ttl time.Duration, now time.Time) (int64, bool, error) {
	key := entityKey(entity, id)

	s.mu.Lock()
	defer s.mu.Unlock()

	set := s.liveSessions(key, ttl, now)
	_, ok := set[member]
	return int64(len(set)), ok && member != "", nil
}
