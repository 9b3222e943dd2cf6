package kv

import (
	"context"
	"fmt"
)

// promoteScheduledLua atomically moves every member of the scheduled sorted
// set whose score (scheduled_for_ms) is due into the ready sorted set,
// rescoring it by priority. This is the same "fetch due, remove, push"
// technique as the teacher's StartScheduler Lua script, generalized from a
// single fixed destination queue to a caller-supplied ready score per
// member. Each member is the task's own JSON encoding, so the script
// decodes it with cjson to read priority/scheduled_for and recomputes the
// same score tasks.PriorityScore produces in Go (weights kept in sync with
// tasks.weight) — a promoted task must land in ready exactly where it would
// have if scored at insert time, or retries starve behind fresh enqueues.
const promoteScheduledLua = `
local scheduled_key = KEYS[1]
local ready_key = KEYS[2]
local now = tonumber(ARGV[1])

local due = redis.call('ZRANGEBYSCORE', scheduled_key, '-inf', now)
if #due == 0 then
	return 0
end

local weight_high = 1000000
local weight_normal = 100000
local weight_low = 10000

for _, member in ipairs(due) do
	redis.call('ZREM', scheduled_key, member)

	local w = weight_normal
	local scheduled_for = now
	local ok, task = pcall(cjson.decode, member)
	if ok and type(task) == 'table' then
		if task.priority == 'high' then
			w = weight_high
		elseif task.priority == 'low' then
			w = weight_low
		end
		if task.scheduled_for then
			scheduled_for = tonumber(task.scheduled_for)
		end
	end

	local score = (scheduled_for - now) - w
	redis.call('ZADD', ready_key, score, member)
end

return #due
`

// PromoteScheduled moves every due member from KeyScheduled to KeyReady,
// rescoring each by its own priority and scheduled_for so it sorts in ready
// exactly as tasks.PriorityScore would have scored it at enqueue time.
func (s *Store) PromoteScheduled(ctx context.Context, scheduledKey, readyKey string, nowMs int64) (int64, error) {
	res, err := s.promoteScheduledScript.Run(ctx, s.rdb, []string{scheduledKey, readyKey}, nowMs).Result()
	if err != nil {
		return 0, err
	}
	n, _ := res.(int64)
	return n, nil
}

// casDeleteLua deletes key only if its current value equals the expected
// fencing token — the lock Release primitive.
const casDeleteLua = `
local key = KEYS[1]
local expected = ARGV[1]
local current = redis.call('GET', key)
if current == expected then
	redis.call('DEL', key)
	return 1
end
return 0
`

// CompareAndDelete deletes key iff its value equals expected, returning
// whether the delete happened.
func (s *Store) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	res, err := s.casDeleteScript.Run(ctx, s.rdb, []string{key}, expected).Result()
	if err != nil {
		return false, err
	}
	n, _ := res.(int64)
	return n == 1, nil
}

// casExpireLua renews key's TTL only if its value equals the expected
// fencing token — the lock Renew primitive.
const casExpireLua = `
local key = KEYS[1]
local expected = ARGV[1]
local ttl_ms = ARGV[2]
local current = redis.call('GET', key)
if current == expected then
	redis.call('PEXPIRE', key, ttl_ms)
	return 1
end
return 0
`

// CompareAndExpire resets key's TTL to ttlMs iff its value equals expected.
func (s *Store) CompareAndExpire(ctx context.Context, key, expected string, ttlMs int64) (bool, error) {
	res, err := s.casExpireScript.Run(ctx, s.rdb, []string{key}, expected, ttlMs).Result()
	if err != nil {
		return false, err
	}
	n, _ := res.(int64)
	return n == 1, nil
}

// tokenBucketLua is the teacher's Client.Allow rate limiter, unchanged in
// shape: refill by elapsed time * rate, capped at burst, consume one token.
const tokenBucketLua = `
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local requested = tonumber(ARGV[4])

local tokens = tonumber(redis.call('HGET', key, 'tokens'))
local last_refill = tonumber(redis.call('HGET', key, 'last_refill'))

if not tokens then
	tokens = burst
	last_refill = now
end

local delta = math.max(0, now - last_refill)
local new_tokens = math.min(burst, tokens + (delta * rate))

if new_tokens >= requested then
	new_tokens = new_tokens - requested
	redis.call('HSET', key, 'tokens', new_tokens, 'last_refill', now)
	redis.call('EXPIRE', key, 3600)
	return 1
else
	redis.call('HSET', key, 'tokens', new_tokens, 'last_refill', now)
	redis.call('EXPIRE', key, 3600)
	return 0
end
`

// Allow checks and consumes one token from key's bucket, refilling at rate
// tokens/sec up to burst capacity.
func (s *Store) Allow(ctx context.Context, key string, rate, burst int, nowUnix int64) (bool, error) {
	res, err := s.tokenBucketScript.Run(ctx, s.rdb, []string{key}, rate, burst, nowUnix, 1).Result()
	if err != nil {
		return false, fmt.Errorf("allow: %w", err)
	}
	n, _ := res.(int64)
	return n == 1, nil
}
