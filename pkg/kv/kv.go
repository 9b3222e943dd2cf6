// Package kv provides the KV Substrate abstraction: the only durable
// coordination medium for the task queue and search index. It wraps
// go-redis, the same driver the teacher's pkg/queue used, generalized from
// a queue-specific client into the primitive operations every component
// (scheduler, lock manager, indexer, query engine, optimizer) builds on:
// strings, hashes, sorted sets, atomic SET-if-absent-with-expiry, scans,
// and pipelined batches.
package kv

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Sorted-set and hash key names, the persisted key layout.
const (
	KeyReady      = "ready"
	KeyScheduled  = "scheduled"
	KeyProcessing = "processing"
	KeyFailed     = "failed"
	KeyStatus     = "status"
	KeyAlerts     = "alerts"
)

func JobKey(id string) string    { return fmt.Sprintf("job:%s", id) }
func DocKey(typ string) string    { return fmt.Sprintf("doc:%s", typ) }
func MetaKey(typ string) string   { return fmt.Sprintf("meta:%s", typ) }
func PostingKey(term string) string { return fmt.Sprintf("posting:%s", term) }
func LockKey(name string) string { return fmt.Sprintf("lock:%s", name) }
func AlertKey(id string) string  { return fmt.Sprintf("alert:%s", id) }

// Store wraps a *redis.Client with the primitives spec.md §6 requires of
// the KV Substrate.
type Store struct {
	rdb *redis.Client

	promoteScheduledScript *redis.Script
	casDeleteScript        *redis.Script
	casExpireScript        *redis.Script
	tokenBucketScript      *redis.Script
}

// New wraps an existing *redis.Client. Use NewFromAddr for the common case.
func New(rdb *redis.Client) *Store {
	return &Store{
		rdb:                    rdb,
		promoteScheduledScript: redis.NewScript(promoteScheduledLua),
		casDeleteScript:        redis.NewScript(casDeleteLua),
		casExpireScript:        redis.NewScript(casExpireLua),
		tokenBucketScript:      redis.NewScript(tokenBucketLua),
	}
}

// NewFromAddr connects to addr ("host:port"), the teacher's NewClient shape.
func NewFromAddr(addr string) *Store {
	return New(redis.NewClient(&redis.Options{Addr: addr}))
}

// Raw exposes the underlying client for operations not wrapped here
// (ZRangeByScore with Lex options, health pings, etc).
func (s *Store) Raw() *redis.Client { return s.rdb }

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// --- strings ---

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	v, err := s.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	return v, err
}

func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.rdb.Set(ctx, key, value, ttl).Err()
}

func (s *Store) Del(ctx context.Context, keys ...string) error {
	return s.rdb.Del(ctx, keys...).Err()
}

// SetNX implements SET key val IF-ABSENT EXPIRE ttl — the lock primitive.
func (s *Store) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return s.rdb.SetNX(ctx, key, value, ttl).Result()
}

// --- hashes ---

func (s *Store) HGet(ctx context.Context, key, field string) (string, error) {
	v, err := s.rdb.HGet(ctx, key, field).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	return v, err
}

func (s *Store) HSet(ctx context.Context, key, field, value string) error {
	return s.rdb.HSet(ctx, key, field, value).Err()
}

func (s *Store) HDel(ctx context.Context, key string, fields ...string) error {
	return s.rdb.HDel(ctx, key, fields...).Err()
}

func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return s.rdb.HGetAll(ctx, key).Result()
}

func (s *Store) HLen(ctx context.Context, key string) (int64, error) {
	return s.rdb.HLen(ctx, key).Result()
}

// --- sorted sets ---

func (s *Store) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return s.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

func (s *Store) ZRem(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return s.rdb.ZRem(ctx, key, args...).Err()
}

func (s *Store) ZCard(ctx context.Context, key string) (int64, error) {
	return s.rdb.ZCard(ctx, key).Result()
}

func (s *Store) ZScore(ctx context.Context, key, member string) (float64, error) {
	v, err := s.rdb.ZScore(ctx, key, member).Result()
	if err == redis.Nil {
		return 0, ErrNotFound
	}
	return v, err
}

// ZRangeByScore returns members with score in [min, max], ascending.
func (s *Store) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error) {
	return s.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: fmt.Sprintf("%f", min),
		Max: fmt.Sprintf("%f", max),
	}).Result()
}

// ZRangeWithScores returns the [offset, offset+limit) window with scores,
// ascending by score, or descending when descending is set; used by the
// failed/DLQ listing and the alerts listing.
func (s *Store) ZRangeWithScores(ctx context.Context, key string, offset, limit int64, descending bool) ([]redis.Z, error) {
	start := offset
	stop := offset + limit - 1
	if descending {
		return s.rdb.ZRevRangeWithScores(ctx, key, start, stop).Result()
	}
	return s.rdb.ZRangeWithScores(ctx, key, start, stop).Result()
}

// ZPopMin atomically pops and returns the single lowest-scored member, or
// ErrNotFound if the set is empty.
func (s *Store) ZPopMin(ctx context.Context, key string) (string, float64, error) {
	res, err := s.rdb.ZPopMin(ctx, key, 1).Result()
	if err != nil {
		return "", 0, err
	}
	if len(res) == 0 {
		return "", 0, ErrNotFound
	}
	member, _ := res[0].Member.(string)
	return member, res[0].Score, nil
}

// ScanKeys iterates every key matching pattern in batches of count,
// invoking fn for each batch. Used by the optimizer's posting/meta sweeps.
func (s *Store) ScanKeys(ctx context.Context, pattern string, count int64, fn func(batch []string) error) error {
	var cursor uint64
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, pattern, count).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := fn(keys); err != nil {
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// Pipeline returns a fresh pipeline builder for multi-step atomic writes,
// generalizing the teacher's bespoke TxPipeline call sites in Retry/
// Complete/Fail into a single reusable builder.
func (s *Store) Pipeline() *Pipeline {
	return &Pipeline{pipe: s.rdb.TxPipeline()}
}

// Pipeline batches writes executed atomically via Redis MULTI/EXEC, the
// same mechanism the teacher's Client.Retry/Complete/Fail used directly.
type Pipeline struct {
	pipe redis.Pipeliner
}

func (p *Pipeline) ZAdd(ctx context.Context, key string, score float64, member string) *Pipeline {
	p.pipe.ZAdd(ctx, key, redis.Z{Score: score, Member: member})
	return p
}

func (p *Pipeline) ZRem(ctx context.Context, key string, members ...string) *Pipeline {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	p.pipe.ZRem(ctx, key, args...)
	return p
}

func (p *Pipeline) HSet(ctx context.Context, key, field, value string) *Pipeline {
	p.pipe.HSet(ctx, key, field, value)
	return p
}

func (p *Pipeline) HDel(ctx context.Context, key string, fields ...string) *Pipeline {
	p.pipe.HDel(ctx, key, fields...)
	return p
}

func (p *Pipeline) Set(ctx context.Context, key, value string, ttl time.Duration) *Pipeline {
	p.pipe.Set(ctx, key, value, ttl)
	return p
}

func (p *Pipeline) Del(ctx context.Context, keys ...string) *Pipeline {
	p.pipe.Del(ctx, keys...)
	return p
}

func (p *Pipeline) Exec(ctx context.Context) error {
	_, err := p.pipe.Exec(ctx)
	return err
}

// ErrNotFound is returned in place of redis.Nil so callers outside this
// package never need to import go-redis.
var ErrNotFound = fmt.Errorf("kv: not found")
