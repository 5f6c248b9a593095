// Package provider defines upstream LLM providers and the read-only store the gateway
// consults on every selection.
package provider

import (
	"context"
	"errors"
	"strconv"
)

// Type is the wire protocol spoken by a provider.
type Type string

const (
	// TypeNative accepts native (Claude-style) requests unchanged.
	TypeNative Type = "native"
	// TypeOpenAIResponse speaks the OpenAI Response API (/v1/responses).
	TypeOpenAIResponse Type = "openai-response"
)

// Valid reports whether t is a known provider type.
func (t Type) Valid() bool {
	return t == TypeNative || t == TypeOpenAIResponse
}

// ErrNotFound is returned when a provider id is unknown.
var ErrNotFound = errors.New("provider not found")

// Provider is an upstream target.
type Provider struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Enabled  bool   `json:"enabled"`
	Type     Type   `json:"type"`
	BaseURL  string `json:"base_url"`
	APIKey   string `json:"-"`
	GroupTag string `json:"group_tag,omitempty"`

	// Priority orders tiers; lower values are preferred.
	Priority int `json:"priority"`
	// Weight is the relative share within a priority tier.
	Weight int `json:"weight"`
	// CostMultiplier scales the computed request cost for billing.
	CostMultiplier float64 `json:"cost_multiplier"`

	// Spend ceilings in USD; nil means unlimited.
	Limit5hUSD      *float64 `json:"limit_5h_usd,omitempty"`
	LimitWeeklyUSD  *float64 `json:"limit_weekly_usd,omitempty"`
	LimitMonthlyUSD *float64 `json:"limit_monthly_usd,omitempty"`

	// MaxConcurrentSessions caps live conversations; 0 means unlimited.
	MaxConcurrentSessions int `json:"max_concurrent_sessions"`

	// ModelRedirects rewrites the outbound model name.
	ModelRedirects map[string]string `json:"model_redirects,omitempty"`
}

// Key returns the id formatted for use in storage keys.
func (p *Provider) Key() string {
	return strconv.FormatInt(p.ID, 10)
}

// EffectiveMultiplier returns CostMultiplier, treating unset values as 1.
func (p *Provider) EffectiveMultiplier() float64 {
	if p.CostMultiplier <= 0 {
		return 1
	}
	return p.CostMultiplier
}

// RedirectModel returns the model to send upstream and whether a redirect applied.
func (p *Provider) RedirectModel(model string) (string, bool) {
	if model == "" || len(p.ModelRedirects) == 0 {
		return model, false
	}
	target, ok := p.ModelRedirects[model]
	if !ok || target == "" || target == model {
		return model, false
	}
	return target, true
}

// Store is the read side of the provider collaborator.
type Store interface {
	// List returns the current provider set. Callers must not mutate the result.
	List(ctx context.Context) ([]*Provider, error)
	// Get returns a provider by id or ErrNotFound.
	Get(ctx context.Context, id int64) (*Provider, error)
}
