// Package pricing turns token usage into a USD cost.
//
// Prices come from a Lookup. The static Calculator ships wildcard defaults; a Postgres
// price table can override them through PostgresLookup wrapped in CachedLookup.
package pricing

import (
	"context"
	"sort"
	"strings"
)

// Usage is the token usage of one request.
type Usage struct {
	InputTokens         int `json:"input_tokens"`
	OutputTokens        int `json:"output_tokens"`
	CacheCreationTokens int `json:"cache_creation_input_tokens,omitempty"`
	CacheReadTokens     int `json:"cache_read_input_tokens,omitempty"`
}

// Empty reports whether no tokens were counted.
func (u Usage) Empty() bool {
	return u.InputTokens == 0 && u.OutputTokens == 0 && u.CacheCreationTokens == 0 && u.CacheReadTokens == 0
}

// ModelPricing defines the pricing for a model.
type ModelPricing struct {
	Model           string  // exact name or prefix wildcard such as "gpt-4*"
	InputCostPer1K  float64 // USD per 1000 input tokens
	OutputCostPer1K float64 // USD per 1000 output tokens
	// Cache prices default to 1.25x and 0.1x the input price when zero.
	CacheWriteCostPer1K float64
	CacheReadCostPer1K  float64
}

// Cost returns the USD cost of u at these prices.
func (p ModelPricing) Cost(u Usage) float64 {
	cacheWrite := p.CacheWriteCostPer1K
	if cacheWrite == 0 {
		cacheWrite = p.InputCostPer1K * 1.25
	}
	cacheRead := p.CacheReadCostPer1K
	if cacheRead == 0 {
		cacheRead = p.InputCostPer1K * 0.1
	}

	return float64(u.InputTokens)/1000.0*p.InputCostPer1K +
		float64(u.OutputTokens)/1000.0*p.OutputCostPer1K +
		float64(u.CacheCreationTokens)/1000.0*cacheWrite +
		float64(u.CacheReadTokens)/1000.0*cacheRead
}

// Lookup resolves the price of a model. found is false for unknown models; err is
// reserved for backend failures.
type Lookup interface {
	Lookup(ctx context.Context, model string) (p ModelPricing, found bool, err error)
}

// DefaultPricing contains default pricing for common models.
// Prices are in USD per 1000 tokens.
var DefaultPricing = []ModelPricing{
	// OpenAI
	{Model: "gpt-4o", InputCostPer1K: 0.0025, OutputCostPer1K: 0.01},
	{Model: "gpt-4o-mini", InputCostPer1K: 0.00015, OutputCostPer1K: 0.0006},
	{Model: "gpt-4.1*", InputCostPer1K: 0.002, OutputCostPer1K: 0.008},
	{Model: "gpt-4-turbo*", InputCostPer1K: 0.01, OutputCostPer1K: 0.03},
	{Model: "gpt-4*", InputCostPer1K: 0.03, OutputCostPer1K: 0.06},
	{Model: "gpt-5*", InputCostPer1K: 0.00125, OutputCostPer1K: 0.01},
	{Model: "o3*", InputCostPer1K: 0.002, OutputCostPer1K: 0.008},
	{Model: "o4-mini*", InputCostPer1K: 0.0011, OutputCostPer1K: 0.0044},

	// Anthropic
	{Model: "claude-opus-4*", InputCostPer1K: 0.015, OutputCostPer1K: 0.075, CacheWriteCostPer1K: 0.01875, CacheReadCostPer1K: 0.0015},
	{Model: "claude-sonnet-4*", InputCostPer1K: 0.003, OutputCostPer1K: 0.015, CacheWriteCostPer1K: 0.00375, CacheReadCostPer1K: 0.0003},
	{Model: "claude-3-7-sonnet*", InputCostPer1K: 0.003, OutputCostPer1K: 0.015},
	{Model: "claude-3-5-sonnet*", InputCostPer1K: 0.003, OutputCostPer1K: 0.015},
	{Model: "claude-3-5-haiku*", InputCostPer1K: 0.0008, OutputCostPer1K: 0.004},
	{Model: "claude-3-opus*", InputCostPer1K: 0.015, OutputCostPer1K: 0.075},
	{Model: "claude-3-haiku*", InputCostPer1K: 0.00025, OutputCostPer1K: 0.00125},
}

// Calculator is a static price table with exact and prefix-wildcard entries.
type Calculator struct {
	exact    map[string]ModelPricing
	wildcard []ModelPricing // longest prefix first
}

// NewCalculator creates a calculator. If no pricing is provided, uses DefaultPricing.
func NewCalculator(pricing []ModelPricing) *Calculator {
	if pricing == nil {
		pricing = DefaultPricing
	}
	c := &Calculator{exact: make(map[string]ModelPricing)}
	for _, p := range pricing {
		c.AddPricing(p)
	}
	return c
}

// AddPricing adds or updates pricing for a model or pattern.
func (c *Calculator) AddPricing(p ModelPricing) {
	key := strings.ToLower(p.Model)
	if !strings.HasSuffix(key, "*") {
		c.exact[key] = p
		return
	}
	for i, existing := range c.wildcard {
		if strings.EqualFold(existing.Model, p.Model) {
			c.wildcard[i] = p
			return
		}
	}
	c.wildcard = append(c.wildcard, p)
	sort.SliceStable(c.wildcard, func(i, j int) bool {
		return len(c.wildcard[i].Model) > len(c.wildcard[j].Model)
	})
}

// GetPricing returns the pricing for a model. Exact entries win over wildcards, and
// the longest matching prefix wins among wildcards.
func (c *Calculator) GetPricing(model string) (ModelPricing, bool) {
	lower := strings.ToLower(model)
	if p, ok := c.exact[lower]; ok {
		return p, true
	}
	for _, p := range c.wildcard {
		prefix := strings.ToLower(strings.TrimSuffix(p.Model, "*"))
		if strings.HasPrefix(lower, prefix) {
			return p, true
		}
	}
	return ModelPricing{}, false
}

// Lookup implements Lookup.
func (c *Calculator) Lookup(_ context.Context, model string) (ModelPricing, bool, error) {
	p, ok := c.GetPricing(model)
	return p, ok, nil
}

// Calculate returns the cost of u for model, or 0 when the model is unknown.
func (c *Calculator) Calculate(model string, u Usage) float64 {
	p, ok := c.GetPricing(model)
	if !ok {
		return 0
	}
	return p.Cost(u)
}

// Chain tries each lookup in order and returns the first hit. Backend errors are
// returned only if no later lookup finds the model.
type Chain []Lookup

// Lookup implements Lookup.
func (c Chain) Lookup(ctx context.Context, model string) (ModelPricing, bool, error) {
	var firstErr error
	for _, l := range c {
		p, ok, err := l.Lookup(ctx, model)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if ok {
			return p, true, nil
		}
	}
	return ModelPricing{}, false, firstErr
}
