package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/smallbiznis/paysync/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPaymentLimiterDisabled(t *testing.T) {
	limiter, err := NewPaymentLimiter(config.Config{}, nil)
	require.NoError(t, err)
	assert.Nil(t, limiter)
	assert.False(t, limiter.Enabled())

	res, err := limiter.AllowUser(context.Background(), "user-1")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestNewPaymentLimiterRequiresRedis(t *testing.T) {
	cfg := config.Config{RateLimit: config.RateLimitConfig{Enabled: true, PaymentUserRate: 1, PaymentUserBurst: 5}}
	_, err := NewPaymentLimiter(cfg, nil)
	assert.ErrorIs(t, err, ErrRedisRequired)
}

func TestNilPrimitivesRefuse(t *testing.T) {
	var bucket *TokenBucket
	_, err := bucket.Allow(context.Background(), "k", 1, 1)
	assert.ErrorIs(t, err, ErrBucketNotConfigured)

	var locker *Locker
	_, ok, err := locker.TryLock(context.Background(), "k", time.Second)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrLockNotConfigured)
	assert.NoError(t, locker.Release(context.Background(), "k", "token"))
}

func TestParseBucketReply(t *testing.T) {
	tests := []struct {
		name      string
		reply     []interface{}
		allowed   bool
		remaining int
		retry     time.Duration
	}{
		{"allowed", []interface{}{int64(1), int64(4), int64(1700000000000)}, true, 4, 0},
		{"denied", []interface{}{int64(0), int64(0), int64(1700000000000)}, false, 0, 2 * time.Second},
		{"string tokens", []interface{}{"1", "2", "1700000000000"}, true, 2, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res, err := parseBucketReply(tc.reply, 0.5, 5)
			require.NoError(t, err)
			assert.Equal(t, tc.allowed, res.Allowed)
			assert.Equal(t, tc.remaining, res.Remaining)
			assert.Equal(t, 5, res.Limit)
			assert.Equal(t, tc.retry, res.RetryAfter)
		})
	}

	_, err := parseBucketReply([]interface{}{int64(1)}, 1, 1)
	assert.ErrorIs(t, err, ErrBucketBadResponse)
}

func TestBucketTTL(t *testing.T) {
	assert.Equal(t, 20*time.Second, bucketTTL(1, 10))
	assert.Equal(t, time.Second, bucketTTL(100, 1))
	assert.Equal(t, time.Second, bucketTTL(0, 1))
}

func TestUserKey(t *testing.T) {
	assert.Equal(t, "payments:user:user-1", UserKey(" user-1 "))
}
