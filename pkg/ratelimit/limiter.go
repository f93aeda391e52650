package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed   bool
	Remaining int64
	RetryIn   time.Duration
}

// Limiter admits or rejects work for a key.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// tokenBucket refills continuously at rate tokens per millisecond and stores
// {tokens, ts} in a hash so every collector instance sees the same bucket.
var tokenBucket = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

local state = redis.call('HMGET', key, 'tokens', 'ts')
local tokens = tonumber(state[1]) or capacity
local ts = tonumber(state[2]) or now

if now > ts then
  tokens = math.min(capacity, tokens + (now - ts) * rate)
end

local allowed = 0
if tokens >= cost then
  tokens = tokens - cost
  allowed = 1
end

redis.call('HSET', key, 'tokens', tostring(tokens), 'ts', now)
redis.call('PEXPIRE', key, ttl)

local wait = 0
if allowed == 0 then
  wait = math.ceil((cost - tokens) / rate)
end
return {allowed, math.floor(tokens), wait}
`)

// DistributedLimiter is a token bucket held in redis.
type DistributedLimiter struct {
	rdb      redis.Scripter
	capacity int64
	perSec   float64
	prefix   string
	now      func() time.Time
}

// NewDistributedLimiter allows bursts of capacity and a sustained ratePerSec
// per key.
func NewDistributedLimiter(rdb redis.Scripter, capacity int64, ratePerSec float64, keyPrefix string) *DistributedLimiter {
	if capacity <= 0 {
		capacity = 1
	}
	if ratePerSec <= 0 {
		ratePerSec = 1
	}
	return &DistributedLimiter{
		rdb:      rdb,
		capacity: capacity,
		perSec:   ratePerSec,
		prefix:   keyPrefix,
		now:      time.Now,
	}
}

// Allow consumes one token. On redis failure the request is allowed and the
// error is returned so the caller can log it.
func (d *DistributedLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	refillMs := float64(d.capacity) / d.perSec * 1000
	ttl := int64(refillMs) * 2
	if ttl < 1000 {
		ttl = 1000
	}

	res, err := tokenBucket.Run(ctx, d.rdb, []string{d.keyForBucket(key)},
		d.capacity, d.perSec/1000, d.now().UnixMilli(), 1, ttl,
	).Int64Slice()
	if err != nil {
		return Decision{Allowed: true, Remaining: d.capacity}, fmt.Errorf("redis token bucket: %w", err)
	}
	if len(res) < 3 {
		return Decision{Allowed: true, Remaining: d.capacity}, fmt.Errorf("redis token bucket: unexpected result %v", res)
	}
	return Decision{
		Allowed:   res[0] == 1,
		Remaining: res[1],
		RetryIn:   time.Duration(res[2]) * time.Millisecond,
	}, nil
}

// keyForBucket hashes the caller key so user ids never appear in redis.
func (d *DistributedLimiter) keyForBucket(key string) string {
	h := sha256.Sum256([]byte(key))
	return fmt.Sprintf("%s:bucket:%s", d.prefix, hex.EncodeToString(h[:16]))
}
