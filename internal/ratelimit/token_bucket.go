package ratelimit

import (
	"context"
	"errors"
	"math"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const tokenBucketScript = `
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])

local nowData = redis.call("TIME")
local now = (nowData[1] * 1000) + math.floor(nowData[2] / 1000)

local data = redis.call("HMGET", KEYS[1], "tokens", "ts")
local tokens = tonumber(data[1])
local ts = tonumber(data[2])

if tokens == nil then
  tokens = burst
  ts = now
else
  local delta = now - ts
  if delta < 0 then
    delta = 0
  end
  local refill = (delta / 1000) * rate
  tokens = math.min(burst, tokens + refill)
  ts = now
end

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call("HMSET", KEYS[1], "tokens", tokens, "ts", ts)
redis.call("PEXPIRE", KEYS[1], ttl)

return {allowed, tokens, ts}
`

type TokenBucket struct {
	client *redis.Client
	script *redis.Script
}

type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

var (
	ErrBucketNotConfigured = errors.New("rate_limiter_not_configured")
	ErrBucketKeyEmpty      = errors.New("rate_limiter_key_empty")
	ErrBucketInvalidRate   = errors.New("rate_limiter_invalid_rate")
	ErrBucketBadResponse   = errors.New("rate_limiter_bad_response")
)

func NewTokenBucket(client *redis.Client) *TokenBucket {
	if client == nil {
		return nil
	}
	return &TokenBucket{
		client: client,
		script: redis.NewScript(tokenBucketScript),
	}
}

// Allow takes one token from the bucket at key, refilling at rate tokens per
// second up to burst.
func (t *TokenBucket) Allow(ctx context.Context, key string, rate float64, burst int) (Result, error) {
	if t == nil || t.client == nil {
		return Result{}, ErrBucketNotConfigured
	}
	if key == "" {
		return Result{}, ErrBucketKeyEmpty
	}
	if rate <= 0 || burst <= 0 {
		return Result{}, ErrBucketInvalidRate
	}

	ttl := bucketTTL(rate, burst)
	res, err := t.script.Run(
		ctx,
		t.client,
		[]string{key},
		rate,
		burst,
		int64(ttl/time.Millisecond),
	).Slice()
	if err != nil {
		return Result{}, err
	}
	return parseBucketReply(res, rate, burst)
}

// parseBucketReply reads the script reply {allowed, tokens, ts}. Redis
// truncates Lua numbers to integers, so tokens arrives floored.
func parseBucketReply(res []interface{}, rate float64, burst int) (Result, error) {
	if len(res) < 3 {
		return Result{}, ErrBucketBadResponse
	}
	allowed := toInt(res[0]) == 1
	remaining := toFloat(res[1])

	result := Result{
		Allowed:   allowed,
		Limit:     burst,
		Remaining: int(remaining),
	}
	if !allowed {
		result.RetryAfter = retryAfter(remaining, rate)
	}
	return result, nil
}

func retryAfter(remaining, rate float64) time.Duration {
	needed := 1.0 - remaining
	if needed <= 0 || rate <= 0 {
		return time.Second
	}
	wait := time.Duration(needed / rate * float64(time.Second))
	if wait < time.Second {
		return time.Second
	}
	return wait
}

func bucketTTL(rate float64, burst int) time.Duration {
	if rate <= 0 || burst <= 0 {
		return time.Second
	}
	seconds := math.Ceil((float64(burst) / rate) * 2)
	if seconds < 1 {
		seconds = 1
	}
	return time.Duration(seconds) * time.Second
}

func toInt(v interface{}) int64 {
	switch val := v.(type) {
	case int64:
		return val
	case int:
		return int64(val)
	case float64:
		return int64(val)
	case string:
		parsed, _ := strconv.ParseInt(val, 10, 64)
		return parsed
	default:
		return 0
	}
}

func toFloat(v interface{}) float64 {
	switch val := v.(type) {
	case float64:
		return val
	case int64:
		return float64(val)
	case int:
		return float64(val)
	case string:
		parsed, _ := strconv.ParseFloat(val, 64)
		return parsed
	default:
		return 0
	}
}
