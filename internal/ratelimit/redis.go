package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "relaymux"

// readSpendScript prunes the rolling window and returns
// {sum_5h, oldest_score, weekly, monthly}. Members of the rolling set are "<cost>:<uuid>".
var readSpendScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now - window)

local entries = redis.call('ZRANGE', KEYS[1], 0, -1, 'WITHSCORES')
local sum = 0
local oldest = ''
for i = 1, #entries, 2 do
    local cost = tonumber(string.match(entries[i], '^([^:]+):'))
    if cost then
        sum = sum + cost
    end
    if i == 1 then
        oldest = entries[i + 1]
    end
end

local weekly = redis.call('GET', KEYS[2]) or '0'
local monthly = redis.call('GET', KEYS[3]) or '0'
return {tostring(sum), oldest, weekly, monthly}
`)

// addSpendScript records one cost in every window and refreshes TTLs.
var addSpendScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now - window)
redis.call('ZADD', KEYS[1], now, ARGV[3])
redis.call('EXPIRE', KEYS[1], ARGV[5])

redis.call('INCRBYFLOAT', KEYS[2], ARGV[4])
redis.call('EXPIRE', KEYS[2], ARGV[6])
redis.call('INCRBYFLOAT', KEYS[3], ARGV[4])
redis.call('EXPIRE', KEYS[3], ARGV[7])
return 1
`)

// trackSessionScript is the atomic increment-with-limit-check for live sessions.
// Returns {allowed, count}.
var trackSessionScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])
local member = ARGV[3]
local limit = tonumber(ARGV[4])
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now - ttl)

if redis.call('ZSCORE', KEYS[1], member) then
    redis.call('ZADD', KEYS[1], now, member)
    redis.call('EXPIRE', KEYS[1], ARGV[5])
    return {1, redis.call('ZCARD', KEYS[1])}
end

local count = redis.call('ZCARD', KEYS[1])
if limit > 0 and count >= limit then
    return {0, count}
end

redis.call('ZADD', KEYS[1], now, member)
redis.call('EXPIRE', KEYS[1], ARGV[5])
return {1, count + 1}
`)

// sessionStatusScript returns {count, is_member}.
var sessionStatusScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now - ttl)
local member = 0
if ARGV[3] ~= '' and redis.call('ZSCORE', KEYS[1], ARGV[3]) then
    member = 1
end
return {redis.call('ZCARD', KEYS[1]), member}
`)

// RedisStore implements Store with Lua scripts so every check-then-act runs atomically
// on the server. All keys of one entity share a hash tag and live on one cluster slot.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore creates a RedisStore. An empty prefix uses "relaymux".
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) base(entity EntityType, id int64) string {
	return fmt.Sprintf("%s:{%s}", s.prefix, entityKey(entity, id))
}

func (s *RedisStore) spendKeys(entity EntityType, id int64, now time.Time) []string {
	base := s.base(entity, id)
	return []string{
		base + ":cost_5h",
		base + ":cost_weekly:" + weekLabel(now),
		base + ":cost_monthly:" + monthLabel(now),
	}
}

// Spend implements Store.
func (s *RedisStore) Spend(ctx context.Context, entity EntityType, id int64, now time.Time) (Spend, error) {
	res, err := readSpendScript.Run(ctx, s.client, s.spendKeys(entity, id, now),
		now.UnixMilli(), RollingWindow.Milliseconds(),
	).Result()
	if err != nil {
		return Spend{}, fmt.Errorf("read spend: %w", err)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 4 {
		return Spend{}, fmt.Errorf("read spend: unexpected script result %T", res)
	}

	var out Spend
	if out.FiveHour, err = parseFloat(vals[0]); err != nil {
		return Spend{}, err
	}
	if oldest, _ := vals[1].(string); oldest != "" {
		ms, err := strconv.ParseFloat(oldest, 64)
		if err == nil {
			out.Oldest5h = time.UnixMilli(int64(ms)).In(now.Location())
		}
	}
	if out.Weekly, err = parseFloat(vals[2]); err != nil {
		return Spend{}, err
	}
	if out.Monthly, err = parseFloat(vals[3]); err != nil {
		return Spend{}, err
	}
	return out, nil
}

// AddSpend implements Store.
func (s *RedisStore) AddSpend(ctx context.Context, entity EntityType, id int64, cost float64, now time.Time) error {
	costStr := strconv.FormatFloat(cost, 'f', -1, 64)
	member := costStr + ":" + uuid.NewString()
	args := []interface{}{
		now.UnixMilli(),
		RollingWindow.Milliseconds(),
		member,
		costStr,
		int64((RollingWindow + time.Hour).Seconds()),
		int64((untilNextWeek(now) + 24*time.Hour).Seconds()),
		int64((untilNextMonth(now) + 24*time.Hour).Seconds()),
	}
	if err := addSpendScript.Run(ctx, s.client, s.spendKeys(entity, id, now), args...).Err(); err != nil {
		return fmt.Errorf("add spend: %w", err)
	}
	return nil
}

func (s *RedisStore) sessionsKey(entity EntityType, id int64) string {
	return s.base(entity, id) + ":sessions"
}

// TrackSession implements Store.
func (s *RedisStore) TrackSession(ctx context.Context, entity EntityType, id int64, member string, limit int, ttl time.Duration, now time.Time) (bool, int64, error) {
	res, err := trackSessionScript.Run(ctx, s.client, []string{s.sessionsKey(entity, id)},
		now.UnixMilli(), ttl.Milliseconds(), member, limit, int64(ttl.Seconds())+60,
	).Result()
	if err != nil {
		return false, 0, fmt.Errorf("track session: %w", err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return false, 0, fmt.Errorf("track session: unexpected script result %T", res)
	}
	allowed, _ := vals[0].(int64)
	count, _ := vals[1].(int64)
	return allowed == 1, count, nil
}

// ReleaseSession implements Store.
func (s *RedisStore) ReleaseSession(ctx context.Context, entity EntityType, id int64, member string) error {
	if err := s.client.ZRem(ctx, s.sessionsKey(entity, id), member).Err(); err != nil {
		return fmt.Errorf("release session: %w", err)
	}
	return nil
}

// SessionStatus implements Store.
func (s *RedisStore) SessionStatus(ctx context.Context, entity EntityType, id int64, member string, ttl time.Duration, now time.Time) (int64, bool, error) {
	res, err := sessionStatusScript.Run(ctx, s.client, []string{s.sessionsKey(entity, id)},
		now.UnixMilli(), ttl.Milliseconds(), member,
	).Result()
	if err != nil {
		return 0, false, fmt.Errorf("session status: %w", err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return 0, false, fmt.Errorf("session status: unexpected script result %T", res)
	}
	count, _ := vals[0].(int64)
	isMember, _ := vals[1].(int64)
	return count, isMember == 1, nil
}

func parseFloat(v interface{}) (float64, error) {
	switch val := v.(type) {
	case string:
		if val == "" {
			return 0, nil
		}
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return 0, fmt.Errorf("parse spend %q: %w", val, err)
		}
		return f, nil
	case int64:
		return float64(val), nil
	case float64:
		return val, nil
	default:
		return 0, fmt.Errorf("unexpected spend value type %T", v)
	}
}
