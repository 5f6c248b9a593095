package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/blueberrycongee/relaymux/internal/metrics"
	"github.com/blueberrycongee/relaymux/internal/provider"
)

const (
	// DefaultSessionTTL bounds how long an unreleased session counts as live.
	DefaultSessionTTL = 5 * time.Minute
	// ConcurrencyRetryAfter is the hint sent when a concurrency cap is hit.
	ConcurrencyRetryAfter = 30 * time.Second

	releaseTimeout = 2 * time.Second
	rpmCleanupTTL  = 10 * time.Minute
)

// Config configures a Limiter.
type Config struct {
	// SessionTTL is how long a tracked session survives without refresh.
	SessionTTL time.Duration
	// Location defines natural week and month boundaries. Defaults to UTC.
	Location *time.Location
	Logger   *slog.Logger
	// Now overrides the clock in tests.
	Now func() time.Time
}

// Limiter applies spend and concurrency ceilings over a Store.
type Limiter struct {
	store      Store
	sessionTTL time.Duration
	loc        *time.Location
	logger     *slog.Logger
	now        func() time.Time

	rpmMu      sync.Mutex
	rpm        map[int64]*rpmEntry
	lastPruned time.Time
}

type rpmEntry struct {
	limiter  *rate.Limiter
	rpm      int
	lastSeen time.Time
}

// New creates a Limiter over store.
func New(store Store, cfg Config) *Limiter {
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = DefaultSessionTTL
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Limiter{
		store:      store,
		sessionTTL: cfg.SessionTTL,
		loc:        cfg.Location,
		logger:     cfg.Logger,
		now:        cfg.Now,
		rpm:        make(map[int64]*rpmEntry),
	}
}

func (l *Limiter) clock() time.Time {
	return l.now().In(l.loc)
}

func (l *Limiter) failOpen(op string, err error, attrs ...any) {
	metrics.RateLimiterBackendErrors.WithLabelValues(op).Inc()
	l.logger.Warn("rate limiter backend error, allowing request",
		append([]any{"operation", op, "error", err}, attrs...)...)
}

// CheckCostLimits compares tracked spend with each non-nil ceiling. Any breach blocks.
func (l *Limiter) CheckCostLimits(ctx context.Context, entity EntityType, id int64, c Ceilings) Decision {
	if c.Empty() {
		return Decision{Allowed: true}
	}

	now := l.clock()
	spend, err := l.store.Spend(ctx, entity, id, now)
	if err != nil {
		l.failOpen("cost_check", err, "entity", entity, "id", id)
		return Decision{Allowed: true}
	}

	checks := []struct {
		window  Window
		limit   *float64
		current float64
		retry   func() time.Duration
	}{
		{Window5h, c.Limit5h, spend.FiveHour, func() time.Duration {
			if spend.Oldest5h.IsZero() {
				return RollingWindow
			}
			return spend.Oldest5h.Add(RollingWindow).Sub(now)
		}},
		{WindowWeekly, c.LimitWeekly, spend.Weekly, func() time.Duration { return untilNextWeek(now) }},
		{WindowMonthly, c.LimitMonthly, spend.Monthly, func() time.Duration { return untilNextMonth(now) }},
	}

	for _, chk := range checks {
		if chk.limit == nil || chk.current < *chk.limit {
			continue
		}
		retry := chk.retry()
		if retry < time.Second {
			retry = time.Second
		}
		metrics.RateLimitBlocks.WithLabelValues(string(entity), "cost_"+string(chk.window)).Inc()
		return Decision{
			Allowed:    false,
			Window:     chk.window,
			RetryAfter: retry,
			Reason: fmt.Sprintf("%s %d reached its %s spend limit ($%.4f of $%.4f)",
				entity, id, chk.window, chk.current, *chk.limit),
		}
	}
	return Decision{Allowed: true}
}

// CheckAndTrackProviderSession atomically admits conversationID to the provider's live
// set when it is under limit. limit <= 0 means unlimited and nothing is tracked.
func (l *Limiter) CheckAndTrackProviderSession(ctx context.Context, providerID int64, conversationID string, limit int) SessionDecision {
	return l.checkAndTrack(ctx, EntityProvider, providerID, conversationID, limit)
}

// CheckAndTrackKeySession is CheckAndTrackProviderSession for API keys.
func (l *Limiter) CheckAndTrackKeySession(ctx context.Context, keyID int64, conversationID string, limit int) SessionDecision {
	return l.checkAndTrack(ctx, EntityKey, keyID, conversationID, limit)
}

func (l *Limiter) checkAndTrack(ctx context.Context, entity EntityType, id int64, conversationID string, limit int) SessionDecision {
	if limit <= 0 || conversationID == "" {
		return SessionDecision{Allowed: true}
	}

	allowed, count, err := l.store.TrackSession(ctx, entity, id, conversationID, limit, l.sessionTTL, l.clock())
	if err != nil {
		l.failOpen("session_track", err, "entity", entity, "id", id)
		return SessionDecision{Allowed: true}
	}
	if !allowed {
		metrics.RateLimitBlocks.WithLabelValues(string(entity), "concurrency").Inc()
		return SessionDecision{
			Allowed: false,
			Count:   count,
			Reason:  fmt.Sprintf("%s %d reached its concurrent session limit (%d/%d)", entity, id, count, limit),
		}
	}
	return SessionDecision{Allowed: true, Count: count}
}

// ReleaseProviderSession removes conversationID from the provider's live set.
func (l *Limiter) ReleaseProviderSession(ctx context.Context, providerID int64, conversationID string) {
	l.release(ctx, EntityProvider, providerID, conversationID)
}

// ReleaseKeySession removes conversationID from the key's live set.
func (l *Limiter) ReleaseKeySession(ctx context.Context, keyID int64, conversationID string) {
	l.release(ctx, EntityKey, keyID, conversationID)
}

func (l *Limiter) release(ctx context.Context, entity EntityType, id int64, conversationID string) {
	if err := l.store.ReleaseSession(ctx, entity, id, conversationID); err != nil {
		metrics.RateLimiterBackendErrors.WithLabelValues("session_release").Inc()
		l.logger.Warn("failed to release session", "entity", entity, "id", id, "error", err)
	}
}

// Reservation is a tracked session that must be released when the request ends.
// Release is idempotent and safe on a nil receiver.
type Reservation struct {
	limiter        *Limiter
	entity         EntityType
	id             int64
	conversationID string
	once           sync.Once
}

// Release frees the slot. It runs on a detached context so a cancelled request still
// releases.
func (r *Reservation) Release() {
	if r == nil || r.limiter == nil {
		return
	}
	r.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()
		r.limiter.release(ctx, r.entity, r.id, r.conversationID)
	})
}

// ReserveProvider runs the atomic provider check and, when something was tracked,
// returns the reservation to release.
func (l *Limiter) ReserveProvider(ctx context.Context, p *provider.Provider, conversationID string) (*Reservation, SessionDecision) {
	d := l.CheckAndTrackProviderSession(ctx, p.ID, conversationID, p.MaxConcurrentSessions)
	return l.reservation(d, EntityProvider, p.ID, conversationID, p.MaxConcurrentSessions), d
}

// ReserveKey runs the atomic key check.
func (l *Limiter) ReserveKey(ctx context.Context, keyID int64, conversationID string, limit int) (*Reservation, SessionDecision) {
	d := l.CheckAndTrackKeySession(ctx, keyID, conversationID, limit)
	return l.reservation(d, EntityKey, keyID, conversationID, limit), d
}

func (l *Limiter) reservation(d SessionDecision, entity EntityType, id int64, conversationID string, limit int) *Reservation {
	if !d.Allowed || limit <= 0 || conversationID == "" {
		return nil
	}
	return &Reservation{limiter: l, entity: entity, id: id, conversationID: conversationID}
}

// RecordCost adds a billed cost to every window of the key and the provider.
func (l *Limiter) RecordCost(ctx context.Context, keyID, providerID int64, cost float64) {
	if cost <= 0 {
		return
	}
	now := l.clock()
	if keyID > 0 {
		if err := l.store.AddSpend(ctx, EntityKey, keyID, cost, now); err != nil {
			l.failOpen("cost_record", err, "entity", EntityKey, "id", keyID)
		}
	}
	if providerID > 0 {
		if err := l.store.AddSpend(ctx, EntityProvider, providerID, cost, now); err != nil {
			l.failOpen("cost_record", err, "entity", EntityProvider, "id", providerID)
		}
	}
}

// ProviderWithinLimits is the read-only health check used by selection. A conversation
// already tracked on the provider does not count against its concurrency cap.
func (l *Limiter) ProviderWithinLimits(ctx context.Context, p *provider.Provider, conversationID string) (bool, string) {
	d := l.CheckCostLimits(ctx, EntityProvider, p.ID, ProviderCeilings(p))
	if !d.Allowed {
		return false, d.Reason
	}
	if p.MaxConcurrentSessions <= 0 {
		return true, ""
	}

	count, member, err := l.store.SessionStatus(ctx, EntityProvider, p.ID, conversationID, l.sessionTTL, l.clock())
	if err != nil {
		l.failOpen("session_status", err, "entity", EntityProvider, "id", p.ID)
		return true, ""
	}
	if !member && count >= int64(p.MaxConcurrentSessions) {
		return false, fmt.Sprintf("provider %d reached its concurrent session limit (%d/%d)", p.ID, count, p.MaxConcurrentSessions)
	}
	return true, ""
}

// ProviderCeilings returns the spend ceilings configured on p.
func ProviderCeilings(p *provider.Provider) Ceilings {
	return Ceilings{Limit5h: p.Limit5hUSD, LimitWeekly: p.LimitWeeklyUSD, LimitMonthly: p.LimitMonthlyUSD}
}

// AllowRPM applies a per-user token bucket of rpm requests per minute. rpm <= 0 is
// unlimited. Buckets are process-local.
func (l *Limiter) AllowRPM(userID int64, rpm int) bool {
	if rpm <= 0 {
		return true
	}

	now := l.now()
	l.rpmMu.Lock()
	entry, ok := l.rpm[userID]
	if !ok || entry.rpm != rpm {
		burst := rpm / 6
		if burst < 1 {
			burst = 1
		}
		entry = &rpmEntry{limiter: rate.NewLimiter(rate.Limit(float64(rpm)/60.0), burst), rpm: rpm}
		l.rpm[userID] = entry
	}
	entry.lastSeen = now
	if now.Sub(l.lastPruned) > rpmCleanupTTL {
		for id, e := range l.rpm {
			if now.Sub(e.lastSeen) > rpmCleanupTTL {
				delete(l.rpm, id)
			}
		}
		l.lastPruned = now
	}
	l.rpmMu.Unlock()

	if entry.limiter.AllowN(now, 1) {
		return true
	}
	metrics.RateLimitBlocks.WithLabelValues(string(EntityKey), "rpm").Inc()
	return false
}

// RPMRetryAfter is the Retry-After hint for an rpm block.
func RPMRetryAfter(rpm int) time.Duration {
	if rpm <= 0 {
		return time.Second
	}
	d := time.Minute / time.Duration(rpm)
	if d < time.Second {
		d = time.Second
	}
	return d
}
