// Package ratelimit enforces spend ceilings and concurrent-session caps for keys and
// providers. Every check fails open: when the backing store is unreachable the request
// is allowed and the failure is logged and counted.
package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// EntityType names what a counter belongs to.
type EntityType string

const (
	EntityKey      EntityType = "key"
	EntityProvider EntityType = "provider"
)

// Window names a spend window.
type Window string

const (
	Window5h      Window = "5h"
	WindowWeekly  Window = "weekly"
	WindowMonthly Window = "monthly"
)

// RollingWindow is the length of the rolling spend window.
const RollingWindow = 5 * time.Hour

// Ceilings are spend limits in USD; nil means unlimited.
type Ceilings struct {
	Limit5h      *float64
	LimitWeekly  *float64
	LimitMonthly *float64
}

// Empty reports whether no ceiling is set.
func (c Ceilings) Empty() bool {
	return c.Limit5h == nil && c.LimitWeekly == nil && c.LimitMonthly == nil
}

// Spend is tracked spend per window.
type Spend struct {
	FiveHour float64
	Weekly   float64
	Monthly  float64
	// Oldest5h is the time of the oldest entry still inside the rolling window.
	Oldest5h time.Time
}

// Decision is the outcome of a cost ceiling check.
type Decision struct {
	Allowed    bool
	Window     Window
	Reason     string
	RetryAfter time.Duration
}

// SessionDecision is the outcome of a concurrent-session check.
type SessionDecision struct {
	Allowed bool
	Count   int64
	Reason  string
}

// Store is the shared counter backend. TrackSession must be atomic: concurrent callers
// can never push the tracked set past limit.
type Store interface {
	// Spend returns spend in the rolling 5h window, the week and the month containing now.
	Spend(ctx context.Context, entity EntityType, id int64, now time.Time) (Spend, error)
	// AddSpend records cost in all windows.
	AddSpend(ctx context.Context, entity EntityType, id int64, cost float64, now time.Time) error
	// TrackSession adds member to the entity's live set unless that would exceed limit.
	// A member already tracked is refreshed and allowed. Entries older than ttl are dropped.
	TrackSession(ctx context.Context, entity EntityType, id int64, member string, limit int, ttl time.Duration, now time.Time) (bool, int64, error)
	// ReleaseSession removes member from the live set.
	ReleaseSession(ctx context.Context, entity EntityType, id int64, member string) error
	// SessionStatus returns the live count and whether member is tracked.
	SessionStatus(ctx context.Context, entity EntityType, id int64, member string, ttl time.Duration, now time.Time) (int64, bool, error)
}

func entityKey(entity EntityType, id int64) string {
	return fmt.Sprintf("%s:%d", entity, id)
}
