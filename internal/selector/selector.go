// Package selector picks an upstream provider for a request.
//
// Selection narrows the provider pool in stages: exclusion, group preference,
// health, priority tier, and finally a weighted random draw. Every stage is
// recorded in a session.DecisionContext so the decision chain can explain the pick.
package selector

import (
	"context"
	"log/slog"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/blueberrycongee/relaymux/internal/metrics"
	"github.com/blueberrycongee/relaymux/internal/provider"
	"github.com/blueberrycongee/relaymux/internal/resilience"
	"github.com/blueberrycongee/relaymux/internal/session"
)

// Exclusion reasons recorded in DecisionContext.Filtered.
const (
	FilterDisabled     = "disabled"
	FilterTypeMismatch = "type_mismatch"
	FilterExcluded     = "excluded"
	FilterGroup        = "group_mismatch"
	FilterCircuitOpen  = "circuit_open"
	FilterLimit        = "limit_exceeded"
)

// Breakers is the circuit breaker view the selector needs.
type Breakers interface {
	Available(providerID int64) bool
	GetState(providerID int64) resilience.CircuitState
}

// LimitChecker is the read-only cost and concurrency check.
type LimitChecker interface {
	ProviderWithinLimits(ctx context.Context, p *provider.Provider, conversationID string) (bool, string)
}

// Request describes what the caller needs.
type Request struct {
	// Type is the provider wire format the client format maps to.
	Type provider.Type
	// Group is the user's provider-group preference. Comma-separated tags are accepted.
	Group string
	// Excluded holds providers already tried in this request.
	Excluded []int64
	// ConversationID lets a provider already serving the conversation pass its
	// concurrency check.
	ConversationID string
}

func (r Request) excluded(id int64) bool {
	for _, x := range r.Excluded {
		if x == id {
			return true
		}
	}
	return false
}

// Option configures a Selector.
type Option func(*Selector)

// WithRand replaces the random source. Tests use a seeded source.
func WithRand(rng *rand.Rand) Option {
	return func(s *Selector) { s.rng = rng }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Selector) { s.logger = logger }
}

// Selector chooses providers. It is safe for concurrent use.
type Selector struct {
	breakers Breakers
	limits   LimitChecker
	logger   *slog.Logger

	rngMu sync.Mutex // math/rand.Rand is not thread-safe
	rng   *rand.Rand
}

// New creates a Selector. limits may be nil, in which case only circuit state is
// consulted for health.
func New(breakers Breakers, limits LimitChecker, opts ...Option) *Selector {
	s := &Selector{
		breakers: breakers,
		limits:   limits,
		logger:   slog.Default(),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Selector) randIntn(n int) int {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return s.rng.Intn(n)
}

// CircuitState returns the breaker state name for p, for chain entries.
func (s *Selector) CircuitState(p *provider.Provider) string {
	if s.breakers == nil || p == nil {
		return ""
	}
	return s.breakers.GetState(p.ID).String()
}

// Select picks a provider from pool. It returns nil when no provider survives the
// exclusion and group stages. The DecisionContext is always returned.
func (s *Selector) Select(ctx context.Context, pool []*provider.Provider, req Request) (*provider.Provider, *session.DecisionContext) {
	dc := &session.DecisionContext{
		TotalProviders: len(pool),
		UserGroup:      strings.TrimSpace(req.Group),
		ExcludedIDs:    append([]int64(nil), req.Excluded...),
	}

	candidates := s.exclude(pool, req, dc)
	dc.AfterExclusion = len(candidates)
	if len(candidates) == 0 {
		s.logger.Debug("no provider after exclusion", "type", req.Type, "total", len(pool), "excluded", req.Excluded)
		return nil, dc
	}

	candidates = s.filterGroup(candidates, dc)
	dc.AfterGroupFilter = len(candidates)

	healthy := s.filterHealth(ctx, candidates, req.ConversationID, dc)
	dc.AfterHealthFilter = len(healthy)
	if len(healthy) == 0 {
		// Providers reject requests themselves when truly unusable.
		dc.FailOpen = true
		healthy = candidates
		s.logger.Warn("all providers failed health checks, selecting from unfiltered set",
			"type", req.Type, "candidates", len(candidates))
	}

	tier := lowestPriority(healthy)
	dc.SelectedPriority = tier[0].Priority

	picked := s.weightedPick(tier, dc)

	switch {
	case dc.FailOpen:
		dc.Method = session.MethodFailOpen
	case dc.UserGroup != "" && !dc.GroupFallback:
		dc.Method = session.MethodGroupFiltered
	default:
		dc.Method = session.MethodWeightedRandom
	}
	metrics.Selections.WithLabelValues(picked.Name, dc.Method).Inc()
	return picked, dc
}

// Reuse validates the provider bound to a conversation. It returns the provider when it
// is still enabled, matches the request type, is not excluded, has a usable circuit
// and is within its ceilings. Otherwise it returns nil and the reason.
func (s *Selector) Reuse(ctx context.Context, pool []*provider.Provider, boundID int64, req Request) (*provider.Provider, string) {
	if boundID <= 0 {
		return nil, "no binding"
	}

	var bound *provider.Provider
	for _, p := range pool {
		if p != nil && p.ID == boundID {
			bound = p
			break
		}
	}

	reason := ""
	switch {
	case bound == nil:
		reason = "bound provider no longer exists"
	case !bound.Enabled:
		reason = FilterDisabled
	case bound.Type != req.Type:
		reason = FilterTypeMismatch
	case req.excluded(bound.ID):
		reason = FilterExcluded
	case s.breakers != nil && !s.breakers.Available(bound.ID):
		reason = FilterCircuitOpen
	case s.limits != nil:
		if ok, why := s.limits.ProviderWithinLimits(ctx, bound, req.ConversationID); !ok {
			reason = FilterLimit + ": " + why
		}
	}
	if reason != "" {
		s.logger.Debug("session reuse rejected", "provider_id", boundID, "reason", reason)
		return nil, reason
	}

	metrics.Selections.WithLabelValues(bound.Name, session.MethodSessionReuse).Inc()
	return bound, ""
}

func (s *Selector) exclude(pool []*provider.Provider, req Request, dc *session.DecisionContext) []*provider.Provider {
	out := make([]*provider.Provider, 0, len(pool))
	for _, p := range pool {
		if p == nil {
			continue
		}
		var reason string
		switch {
		case !p.Enabled:
			reason = FilterDisabled
		case p.Type != req.Type:
			reason = FilterTypeMismatch
		case req.excluded(p.ID):
			reason = FilterExcluded
		}
		if reason != "" {
			dc.Filtered = append(dc.Filtered, session.ExclusionRecord{ProviderID: p.ID, Name: p.Name, Reason: reason})
			continue
		}
		out = append(out, p)
	}
	return out
}

func (s *Selector) filterGroup(candidates []*provider.Provider, dc *session.DecisionContext) []*provider.Provider {
	if dc.UserGroup == "" {
		return candidates
	}

	wanted := make(map[string]struct{})
	for _, g := range strings.Split(dc.UserGroup, ",") {
		if g = strings.TrimSpace(g); g != "" {
			wanted[g] = struct{}{}
		}
	}

	matched := make([]*provider.Provider, 0, len(candidates))
	var dropped []session.ExclusionRecord
	for _, p := range candidates {
		if _, ok := wanted[strings.TrimSpace(p.GroupTag)]; ok {
			matched = append(matched, p)
			continue
		}
		dropped = append(dropped, session.ExclusionRecord{ProviderID: p.ID, Name: p.Name, Reason: FilterGroup})
	}

	if len(matched) == 0 {
		dc.GroupFallback = true
		return candidates
	}
	dc.Filtered = append(dc.Filtered, dropped...)
	return matched
}

func (s *Selector) filterHealth(ctx context.Context, candidates []*provider.Provider, conversationID string, dc *session.DecisionContext) []*provider.Provider {
	out := make([]*provider.Provider, 0, len(candidates))
	for _, p := range candidates {
		if s.breakers != nil && !s.breakers.Available(p.ID) {
			dc.Filtered = append(dc.Filtered, session.ExclusionRecord{ProviderID: p.ID, Name: p.Name, Reason: FilterCircuitOpen})
			continue
		}
		if s.limits != nil {
			if ok, why := s.limits.ProviderWithinLimits(ctx, p, conversationID); !ok {
				dc.Filtered = append(dc.Filtered, session.ExclusionRecord{ProviderID: p.ID, Name: p.Name, Reason: FilterLimit + ": " + why})
				continue
			}
		}
		out = append(out, p)
	}
	return out
}

func lowestPriority(candidates []*provider.Provider) []*provider.Provider {
	best := candidates[0].Priority
	for _, p := range candidates[1:] {
		if p.Priority < best {
			best = p.Priority
		}
	}
	tier := make([]*provider.Provider, 0, len(candidates))
	for _, p := range candidates {
		if p.Priority == best {
			tier = append(tier, p)
		}
	}
	return tier
}

// weightedPick sorts the tier by cost and draws proportionally to weight. A tier whose
// weights sum to zero is drawn uniformly.
func (s *Selector) weightedPick(tier []*provider.Provider, dc *session.DecisionContext) *provider.Provider {
	sort.SliceStable(tier, func(i, j int) bool {
		a, b := tier[i].EffectiveMultiplier(), tier[j].EffectiveMultiplier()
		if a != b {
			return a < b
		}
		return tier[i].ID < tier[j].ID
	})

	total := 0
	for _, p := range tier {
		total += max(p.Weight, 0)
	}

	dc.Candidates = make([]session.CandidateRecord, len(tier))
	for i, p := range tier {
		prob := 1 / float64(len(tier))
		if total > 0 {
			prob = float64(max(p.Weight, 0)) / float64(total)
		}
		dc.Candidates[i] = session.CandidateRecord{
			ProviderID:     p.ID,
			Name:           p.Name,
			Weight:         p.Weight,
			CostMultiplier: p.EffectiveMultiplier(),
			Probability:    prob,
		}
	}

	if total == 0 {
		return tier[s.randIntn(len(tier))]
	}

	draw := s.randIntn(total)
	cumulative := 0
	for _, p := range tier {
		cumulative += max(p.Weight, 0)
		if draw < cumulative {
			return p
		}
	}
	return tier[len(tier)-1]
}
