package session

import (
	"time"

	"github.com/blueberrycongee/relaymux/internal/provider"
)

// Reason explains why a provider entered the decision chain.
type Reason string

const (
	ReasonInitialSelection      Reason = "initial_selection"
	ReasonSessionReuse          Reason = "session_reuse"
	ReasonRetryAttempt          Reason = "retry_attempt"
	ReasonRetryFailed           Reason = "retry_failed"
	ReasonConcurrentLimitFailed Reason = "concurrent_limit_failed"
	// ReasonCircuitTrialBusy marks a half-open provider whose single trial slot was
	// already taken by another request.
	ReasonCircuitTrialBusy Reason = "circuit_trial_busy"
	// ReasonReselected marks a provider chosen after the previous one was set aside
	// without failing.
	ReasonReselected Reason = "reselected"
)

// Selection methods recorded on chain entries.
const (
	MethodSessionReuse   = "session_reuse"
	MethodWeightedRandom = "weighted_random"
	MethodGroupFiltered  = "group_filtered"
	MethodFailOpen       = "fail_open"
)

// ChainError is the upstream failure attached to an entry.
type ChainError struct {
	ProviderID   int64  `json:"provider_id,omitempty"`
	ProviderName string `json:"provider_name,omitempty"`
	StatusCode   int    `json:"status_code,omitempty"`
	Message      string `json:"message"`
}

// ExclusionRecord is one provider dropped by a selection stage.
type ExclusionRecord struct {
	ProviderID int64  `json:"provider_id"`
	Name       string `json:"name"`
	Reason     string `json:"reason"`
}

// CandidateRecord is one provider in the final priority tier.
type CandidateRecord struct {
	ProviderID     int64   `json:"provider_id"`
	Name           string  `json:"name"`
	Weight         int     `json:"weight"`
	CostMultiplier float64 `json:"cost_multiplier"`
	Probability    float64 `json:"probability"`
}

// DecisionContext explains how the selector arrived at a provider.
type DecisionContext struct {
	TotalProviders    int               `json:"total_providers"`
	AfterExclusion    int               `json:"after_exclusion"`
	AfterGroupFilter  int               `json:"after_group_filter"`
	AfterHealthFilter int               `json:"after_health_filter"`
	UserGroup         string            `json:"user_group,omitempty"`
	GroupFallback     bool              `json:"group_fallback,omitempty"`
	FailOpen          bool              `json:"fail_open,omitempty"`
	SelectedPriority  int               `json:"selected_priority"`
	Method            string            `json:"method,omitempty"`
	ExcludedIDs       []int64           `json:"excluded_ids,omitempty"`
	Filtered          []ExclusionRecord `json:"filtered,omitempty"`
	Candidates        []CandidateRecord `json:"candidates,omitempty"`
}

// ChainEntry is one immutable step of the decision chain.
type ChainEntry struct {
	ProviderID      int64            `json:"provider_id"`
	ProviderName    string           `json:"provider_name"`
	Reason          Reason           `json:"reason"`
	SelectionMethod string           `json:"selection_method,omitempty"`
	Priority        int              `json:"priority"`
	Weight          int              `json:"weight"`
	CostMultiplier  float64          `json:"cost_multiplier"`
	CircuitState    string           `json:"circuit_state,omitempty"`
	AttemptNumber   int              `json:"attempt_number,omitempty"`
	Error           *ChainError      `json:"error,omitempty"`
	Timestamp       time.Time        `json:"timestamp"`
	Decision        *DecisionContext `json:"decision,omitempty"`
}

// ChainMeta carries the per-call details of AddProviderToChain.
type ChainMeta struct {
	Reason          Reason
	SelectionMethod string
	CircuitState    string
	AttemptNumber   int
	Error           *ChainError
	Decision        *DecisionContext
}

// AddProviderToChain appends an entry for p. When the last entry already names p with
// the same reason and meta carries no attempt number, the call is a re-log and is
// dropped.
// It reports whether an entry was appended.
func (s *Session) AddProviderToChain(p *provider.Provider, meta ChainMeta) bool {
	if p == nil {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if n := len(s.chain); n > 0 && meta.AttemptNumber == 0 &&
		s.chain[n-1].ProviderID == p.ID && s.chain[n-1].Reason == meta.Reason {
		return false
	}

	s.chain = append(s.chain, ChainEntry{
		ProviderID:      p.ID,
		ProviderName:    p.Name,
		Reason:          meta.Reason,
		SelectionMethod: meta.SelectionMethod,
		Priority:        p.Priority,
		Weight:          p.Weight,
		CostMultiplier:  p.EffectiveMultiplier(),
		CircuitState:    meta.CircuitState,
		AttemptNumber:   meta.AttemptNumber,
		Error:           meta.Error,
		Timestamp:       time.Now(),
		Decision:        meta.Decision,
	})
	return true
}

// Chain returns a copy of the decision chain.
func (s *Session) Chain() []ChainEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ChainEntry, len(s.chain))
	copy(out, s.chain)
	return out
}
