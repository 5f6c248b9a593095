package auth

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore is an in-memory Store populated from configuration.
type MemoryStore struct {
	mu       sync.RWMutex
	users    map[int64]*User
	keys     map[int64]*Key
	keyIndex map[string]*Key // hash -> key
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:    make(map[int64]*User),
		keys:     make(map[int64]*Key),
		keyIndex: make(map[string]*Key),
	}
}

// Replace swaps the whole user and key set.
func (s *MemoryStore) Replace(users []*User, keys []*Key) error {
	userMap := make(map[int64]*User, len(users))
	for _, u := range users {
		if _, dup := userMap[u.ID]; dup {
			return fmt.Errorf("duplicate user id %d", u.ID)
		}
		cp := *u
		userMap[u.ID] = &cp
	}

	keyMap := make(map[int64]*Key, len(keys))
	index := make(map[string]*Key, len(keys))
	for _, k := range keys {
		if _, dup := keyMap[k.ID]; dup {
			return fmt.Errorf("duplicate key id %d", k.ID)
		}
		if _, ok := userMap[k.UserID]; !ok {
			return fmt.Errorf("key %d references unknown user %d", k.ID, k.UserID)
		}
		cp := *k
		keyMap[k.ID] = &cp
		index[k.KeyHash] = &cp
	}

	s.mu.Lock()
	s.users = userMap
	s.keys = keyMap
	s.keyIndex = index
	s.mu.Unlock()
	return nil
}

// GetKeyByHash implements Store.
func (s *MemoryStore) GetKeyByHash(_ context.Context, hash string) (*Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keyIndex[hash]
	if !ok {
		return nil, ErrNotFound
	}
	return k, nil
}

// GetKey implements Store.
func (s *MemoryStore) GetKey(_ context.Context, id int64) (*Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[id]
	if !ok {
		return nil, ErrNotFound
	}
	return k, nil
}

// GetUser implements Store.
func (s *MemoryStore) GetUser(_ context.Context, id int64) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return u, nil
}
