package kernel

import (
	"context"
	"fmt"
	"math"
	"strconv"

	"github.com/redis/go-redis/v9"
)

const redisLimiterPrefix = "ccos:limiter:"

// refillScript debits cost tokens from a bucket hash if it holds enough,
// refilling first from the elapsed time. It returns {granted, remaining}.
// The hash expires once a full refill would have happened anyway.
//
//	KEYS[1]  bucket hash
//	ARGV     rate/s, capacity, cost, now (fractional seconds), ttl seconds
var refillScript = redis.NewScript(`
local rate, cap, cost, ts, ttl =
    tonumber(ARGV[1]), tonumber(ARGV[2]), tonumber(ARGV[3]), tonumber(ARGV[4]), tonumber(ARGV[5])

local level = tonumber(redis.call("HGET", KEYS[1], "level") or cap)
local seen = tonumber(redis.call("HGET", KEYS[1], "seen") or ts)
if ts > seen then
    level = math.min(cap, level + (ts - seen) * rate)
    seen = ts
end

local granted = 0
if level >= cost then
    level = level - cost
    granted = 1
end

redis.call("HSET", KEYS[1], "level", tostring(level), "seen", tostring(seen))
redis.call("EXPIRE", KEYS[1], ttl)
return {granted, tostring(level)}
`)

// RedisLimiterStore shares capability budgets between processes through Redis.
type RedisLimiterStore struct {
	client redis.UniversalClient
}

// NewRedisLimiterStore wraps an existing client. The caller owns the client.
func NewRedisLimiterStore(client redis.UniversalClient) *RedisLimiterStore {
	return &RedisLimiterStore{client: client}
}

func (s *RedisLimiterStore) Allow(ctx context.Context, actorID string, policy BackpressurePolicy, cost int) (bool, error) {
	perSec, burst := bucketParams(policy)
	ttl := int64(math.Ceil(float64(burst)/perSec)) + 1
	ts := float64(now().UnixMicro()) / 1e6

	out, err := refillScript.Run(ctx, s.client, []string{redisLimiterPrefix + actorID},
		perSec, burst, cost, strconv.FormatFloat(ts, 'f', 6, 64), ttl).Slice()
	if err != nil {
		return false, fmt.Errorf("redis limiter %s: %w", actorID, err)
	}
	if len(out) != 2 {
		return false, fmt.Errorf("redis limiter %s: unexpected reply %v", actorID, out)
	}
	granted, ok := out[0].(int64)
	if !ok {
		return false, fmt.Errorf("redis limiter %s: unexpected reply %v", actorID, out)
	}
	return granted == 1, nil
}
