package affinity

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// touchScript slides an existing record without resurrecting an expired one.
var touchScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
    redis.call('HSET', KEYS[1], 'last_activity', ARGV[1])
    redis.call('PEXPIRE', KEYS[1], ARGV[2])
    redis.call('ZADD', KEYS[2], ARGV[1], ARGV[3])
    return 1
end
return 0
`)

// RedisStore keeps each record in a TTL'd hash plus a sorted activity index scored by
// last touch. Keys share the {affinity} hash tag so multi-key transactions stay on one
// cluster slot.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore creates a RedisStore. An empty prefix uses "relaymux".
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "relaymux"
	}
	return &RedisStore{client: client, prefix: prefix + ":{affinity}"}
}

func (s *RedisStore) recordKey(id string) string {
	return s.prefix + ":conv:" + id
}

func (s *RedisStore) indexKey() string {
	return s.prefix + ":activity"
}

func (s *RedisStore) fingerprintKey(keyID int64, hash string) string {
	return s.prefix + ":fp:" + strconv.FormatInt(keyID, 10) + ":" + hash
}

// base writes the identity and activity fields common to every mutation.
func (s *RedisStore) base(ctx context.Context, pipe redis.Pipeliner, id string, now time.Time) {
	key := s.recordKey(id)
	ms := now.UnixMilli()
	pipe.HSetNX(ctx, key, "conversation_id", id)
	pipe.HSetNX(ctx, key, "created_at", ms)
	pipe.HSet(ctx, key, "last_activity", ms)
}

func (s *RedisStore) finish(ctx context.Context, pipe redis.Pipeliner, id string, now time.Time, ttl time.Duration) {
	pipe.PExpire(ctx, s.recordKey(id), ttl)
	pipe.ZAdd(ctx, s.indexKey(), redis.Z{Score: float64(now.UnixMilli()), Member: id})
}

// Ensure implements Store.
func (s *RedisStore) Ensure(ctx context.Context, id string, meta Meta, now time.Time, ttl time.Duration) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		s.base(ctx, pipe, id, now)
		pipe.HSet(ctx, s.recordKey(id), map[string]interface{}{
			"user_id":  meta.UserID,
			"key_id":   meta.KeyID,
			"model":    meta.Model,
			"api_type": meta.APIType,
			"status":   string(StatusInProgress),
		})
		s.finish(ctx, pipe, id, now, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("ensure affinity record: %w", err)
	}
	return nil
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, id string) (*Record, error) {
	fields, err := s.client.HGetAll(ctx, s.recordKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("get affinity record: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return decodeRecord(id, fields), nil
}

// Touch implements Store.
func (s *RedisStore) Touch(ctx context.Context, id string, now time.Time, ttl time.Duration) error {
	err := touchScript.Run(ctx, s.client, []string{s.recordKey(id), s.indexKey()},
		now.UnixMilli(), ttl.Milliseconds(), id,
	).Err()
	if err != nil {
		return fmt.Errorf("touch affinity record: %w", err)
	}
	return nil
}

// SetProvider implements Store.
func (s *RedisStore) SetProvider(ctx context.Context, id string, providerID int64, now time.Time, ttl time.Duration) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		s.base(ctx, pipe, id, now)
		pipe.HSetNX(ctx, s.recordKey(id), "status", string(StatusInProgress))
		pipe.HSet(ctx, s.recordKey(id), "provider_id", providerID)
		s.finish(ctx, pipe, id, now, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("bind affinity provider: %w", err)
	}
	return nil
}

// AddUsage implements Store.
func (s *RedisStore) AddUsage(ctx context.Context, id string, u Usage, status Status, now time.Time, ttl time.Duration) error {
	key := s.recordKey(id)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		s.base(ctx, pipe, id, now)
		pipe.HIncrBy(ctx, key, "input_tokens", u.InputTokens)
		pipe.HIncrBy(ctx, key, "output_tokens", u.OutputTokens)
		pipe.HIncrBy(ctx, key, "cache_creation_tokens", u.CacheCreationTokens)
		pipe.HIncrBy(ctx, key, "cache_read_tokens", u.CacheReadTokens)
		pipe.HIncrByFloat(ctx, key, "cost_usd", u.CostUSD)
		pipe.HIncrBy(ctx, key, "requests", u.Requests)
		pipe.HSet(ctx, key, "status", string(status))
		s.finish(ctx, pipe, id, now, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("add affinity usage: %w", err)
	}
	return nil
}

// LookupFingerprint implements Store.
func (s *RedisStore) LookupFingerprint(ctx context.Context, keyID int64, hash string) (string, error) {
	id, err := s.client.Get(ctx, s.fingerprintKey(keyID, hash)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup fingerprint: %w", err)
	}
	return id, nil
}

// SaveFingerprint implements Store.
func (s *RedisStore) SaveFingerprint(ctx context.Context, keyID int64, hash, id string, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.fingerprintKey(keyID, hash), id, ttl).Err(); err != nil {
		return fmt.Errorf("save fingerprint: %w", err)
	}
	return nil
}

// List implements Store. Index entries whose hash already expired are dropped.
func (s *RedisStore) List(ctx context.Context, limit int) ([]*Record, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	ids, err := s.client.ZRevRange(ctx, s.indexKey(), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("list affinity index: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, s.recordKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list affinity records: %w", err)
	}

	out := make([]*Record, 0, len(ids))
	var stale []interface{}
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			stale = append(stale, ids[i])
			continue
		}
		out = append(out, decodeRecord(ids[i], fields))
	}
	if len(stale) > 0 {
		_ = s.client.ZRem(ctx, s.indexKey(), stale...).Err()
	}
	return out, nil
}

// Prune implements Store.
func (s *RedisStore) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	n, err := s.client.ZRemRangeByScore(ctx, s.indexKey(), "-inf", strconv.FormatInt(cutoff.UnixMilli(), 10)).Result()
	if err != nil {
		return 0, fmt.Errorf("prune affinity index: %w", err)
	}
	return int(n), nil
}

func decodeRecord(id string, f map[string]string) *Record {
	i64 := func(k string) int64 {
		v, _ := strconv.ParseInt(f[k], 10, 64)
		return v
	}
	ms := func(k string) time.Time {
		v := i64(k)
		if v == 0 {
			return time.Time{}
		}
		return time.UnixMilli(v)
	}
	cost, _ := strconv.ParseFloat(f["cost_usd"], 64)

	return &Record{
		ConversationID: id,
		ProviderID:     i64("provider_id"),
		Meta: Meta{
			UserID:  i64("user_id"),
			KeyID:   i64("key_id"),
			Model:   f["model"],
			APIType: f["api_type"],
		},
		Usage: Usage{
			InputTokens:         i64("input_tokens"),
			OutputTokens:        i64("output_tokens"),
			CacheCreationTokens: i64("cache_creation_tokens"),
			CacheReadTokens:     i64("cache_read_tokens"),
			CostUSD:             cost,
			Requests:            i64("requests"),
		},
		Status:       Status(f["status"]),
		CreatedAt:    ms("created_at"),
		LastActivity: ms("last_activity"),
	}
}
