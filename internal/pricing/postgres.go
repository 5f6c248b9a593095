package pricing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/patrickmn/go-cache"

	// Postgres driver for sql.Open("postgres", dsn).
	_ "github.com/lib/pq"
)

// PostgresLookup reads prices from the model_prices table:
//
//	CREATE TABLE model_prices (
//	    model                   TEXT PRIMARY KEY,
//	    input_cost_per_1k       DOUBLE PRECISION NOT NULL,
//	    output_cost_per_1k      DOUBLE PRECISION NOT NULL,
//	    cache_write_cost_per_1k DOUBLE PRECISION NOT NULL DEFAULT 0,
//	    cache_read_cost_per_1k  DOUBLE PRECISION NOT NULL DEFAULT 0,
//	    updated_at              TIMESTAMPTZ NOT NULL DEFAULT now()
//	);
type PostgresLookup struct {
	db *sql.DB
}

// NewPostgresLookup creates a lookup over db.
func NewPostgresLookup(db *sql.DB) *PostgresLookup {
	return &PostgresLookup{db: db}
}

const selectPriceQuery = `
	SELECT model, input_cost_per_1k, output_cost_per_1k,
	       cache_write_cost_per_1k, cache_read_cost_per_1k
	FROM model_prices
	WHERE lower(model) = lower($1)`

// Lookup implements Lookup.
func (l *PostgresLookup) Lookup(ctx context.Context, model string) (ModelPricing, bool, error) {
	var p ModelPricing
	err := l.db.QueryRowContext(ctx, selectPriceQuery, model).Scan(
		&p.Model, &p.InputCostPer1K, &p.OutputCostPer1K,
		&p.CacheWriteCostPer1K, &p.CacheReadCostPer1K,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return ModelPricing{}, false, nil
	}
	if err != nil {
		return ModelPricing{}, false, fmt.Errorf("query model price %q: %w", model, err)
	}
	return p, true, nil
}

// CachedLookup memoizes another Lookup in a go-cache. Misses are cached too so an
// unpriced model does not hit the backend on every request; backend errors are not.
type CachedLookup struct {
	next   Lookup
	cache  *cache.Cache
	logger *slog.Logger
}

type cachedPrice struct {
	pricing ModelPricing
	found   bool
}

// DefaultPriceTTL is how long a looked-up price is reused.
const DefaultPriceTTL = 5 * time.Minute

// NewCachedLookup wraps next. ttl <= 0 uses DefaultPriceTTL.
func NewCachedLookup(next Lookup, ttl time.Duration, logger *slog.Logger) *CachedLookup {
	if ttl <= 0 {
		ttl = DefaultPriceTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedLookup{
		next:   next,
		cache:  cache.New(ttl, 2*ttl),
		logger: logger,
	}
}

// Lookup implements Lookup.
func (c *CachedLookup) Lookup(ctx context.Context, model string) (ModelPricing, bool, error) {
	if v, ok := c.cache.Get(model); ok {
		cp := v.(cachedPrice)
		return cp.pricing, cp.found, nil
	}

	p, found, err := c.next.Lookup(ctx, model)
	if err != nil {
		c.logger.Warn("price lookup failed", "model", model, "error", err)
		return ModelPricing{}, false, err
	}
	c.cache.SetDefault(model, cachedPrice{pricing: p, found: found})
	return p, found, nil
}

// Invalidate drops every cached price, used after the price table changes.
func (c *CachedLookup) Invalidate() {
	c.cache.Flush()
}
