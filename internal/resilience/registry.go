package resilience

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/blueberrycongee/relaymux/internal/metrics"
)

// Registry owns one circuit breaker per provider id. It is constructed by the
// process wiring and injected where needed, so tests get isolated instances.
type Registry struct {
	mu       sync.RWMutex
	breakers map[int64]*CircuitBreaker
	config   CircuitBreakerConfig
	now      Clock
	logger   *slog.Logger
}

// NewRegistry creates a registry. now may be nil to use the wall clock.
func NewRegistry(cfg CircuitBreakerConfig, now Clock, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &Registry{
		breakers: make(map[int64]*CircuitBreaker),
		config:   cfg.withDefaults(),
		now:      now,
		logger:   logger,
	}
}

// Breaker returns or creates the breaker for a provider.
func (r *Registry) Breaker(providerID int64) *CircuitBreaker {
	r.mu.RLock()
	cb, ok := r.breakers[providerID]
	r.mu.RUnlock()

	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check after acquiring write lock
	if cb, ok = r.breakers[providerID]; ok {
		return cb
	}

	cb = NewCircuitBreaker(strconv.FormatInt(providerID, 10), r.config, r.now)
	cb.OnStateChange(r.stateChanged)
	r.breakers[providerID] = cb
	return cb
}

func (r *Registry) stateChanged(name string, from, to CircuitState) {
	metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
	level := slog.LevelInfo
	if to == StateOpen {
		level = slog.LevelWarn
	}
	r.logger.Log(context.Background(), level, "circuit breaker state changed",
		"provider_id", name,
		"from", from.String(),
		"to", to.String(),
	)
}

// RecordSuccess records a successful forwarding attempt.
func (r *Registry) RecordSuccess(providerID int64) {
	r.Breaker(providerID).RecordSuccess()
}

// RecordFailure records a failed forwarding attempt.
func (r *Registry) RecordFailure(providerID int64, err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	r.Breaker(providerID).RecordFailure(msg)
}

// Release returns an admitted attempt that produced no outcome.
func (r *Registry) Release(providerID int64) {
	r.mu.RLock()
	cb, ok := r.breakers[providerID]
	r.mu.RUnlock()
	if ok {
		cb.Release()
	}
}

// IsOpen reports whether the provider is currently excluded.
func (r *Registry) IsOpen(providerID int64) bool {
	return r.GetState(providerID) == StateOpen
}

// Available reports whether selection may route to the provider.
func (r *Registry) Available(providerID int64) bool {
	r.mu.RLock()
	cb, ok := r.breakers[providerID]
	r.mu.RUnlock()
	return !ok || cb.Available()
}

// Allow claims permission to send to the provider, taking the half-open trial slot.
func (r *Registry) Allow(providerID int64) bool {
	return r.Breaker(providerID).Allow()
}

// GetState returns the provider's breaker state. Unknown providers are closed.
func (r *Registry) GetState(providerID int64) CircuitState {
	r.mu.RLock()
	cb, ok := r.breakers[providerID]
	r.mu.RUnlock()
	if !ok {
		return StateClosed
	}
	return cb.State()
}

// Reset closes a provider's breaker.
func (r *Registry) Reset(providerID int64) {
	r.Breaker(providerID).Reset()
}

// Snapshot returns every known breaker, ordered by provider id.
func (r *Registry) Snapshot() []Snapshot {
	r.mu.RLock()
	ids := make([]int64, 0, len(r.breakers))
	for id := range r.breakers {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]Snapshot, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.Breaker(id).Snapshot())
	}
	return out
}
