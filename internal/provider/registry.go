package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Registry is an in-memory Store. The whole set is swapped atomically on Replace,
// which is how config reloads reach the selector.
type Registry struct {
	mu        sync.RWMutex
	providers map[int64]*Provider
	ordered   []*Provider
}

// NewRegistry creates a registry holding the given providers.
func NewRegistry(providers ...*Provider) (*Registry, error) {
	r := &Registry{}
	if err := r.Replace(providers); err != nil {
		return nil, err
	}
	return r, nil
}

// Replace swaps the provider set. Duplicate ids are rejected and the old set is kept.
func (r *Registry) Replace(providers []*Provider) error {
	byID := make(map[int64]*Provider, len(providers))
	ordered := make([]*Provider, 0, len(providers))
	for _, p := range providers {
		if p == nil {
			continue
		}
		if _, dup := byID[p.ID]; dup {
			return fmt.Errorf("duplicate provider id %d", p.ID)
		}
		cp := *p
		byID[p.ID] = &cp
		ordered = append(ordered, &cp)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ID < ordered[j].ID })

	r.mu.Lock()
	r.providers = byID
	r.ordered = ordered
	r.mu.Unlock()
	return nil
}

// List implements Store.
func (r *Registry) List(_ context.Context) ([]*Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Provider, len(r.ordered))
	copy(out, r.ordered)
	return out, nil
}

// Get implements Store.
func (r *Registry) Get(_ context.Context, id int64) (*Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	if !ok {
		return nil, ErrNotFound
	}
	return p, nil
}
