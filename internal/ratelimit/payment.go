package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/paysync/internal/config"
)

const keyPaymentUser = "payments:user:%s"

var ErrRedisRequired = errors.New("rate limit redis addr is required")

// Allower is what the HTTP layer needs from a limiter.
type Allower interface {
	Enabled() bool
	AllowUser(ctx context.Context, userID string) (Result, error)
}

// PaymentLimiter applies one token bucket per user across the payment
// endpoints.
type PaymentLimiter struct {
	bucket *TokenBucket
	rate   float64
	burst  int
}

// NewPaymentLimiter returns nil when rate limiting is disabled.
func NewPaymentLimiter(cfg config.Config, client *redis.Client) (*PaymentLimiter, error) {
	limitCfg := cfg.RateLimit
	if !limitCfg.Enabled {
		return nil, nil
	}
	if client == nil {
		return nil, ErrRedisRequired
	}
	if limitCfg.PaymentUserRate <= 0 || limitCfg.PaymentUserBurst <= 0 {
		return nil, errors.New("payment user rate limit must be positive")
	}
	return &PaymentLimiter{
		bucket: NewTokenBucket(client),
		rate:   limitCfg.PaymentUserRate,
		burst:  limitCfg.PaymentUserBurst,
	}, nil
}

func (l *PaymentLimiter) Enabled() bool {
	return l != nil && l.bucket != nil
}

func (l *PaymentLimiter) AllowUser(ctx context.Context, userID string) (Result, error) {
	if !l.Enabled() {
		return Result{Allowed: true}, nil
	}
	return l.bucket.Allow(ctx, UserKey(userID), l.rate, l.burst)
}

func UserKey(userID string) string {
	return fmt.Sprintf(keyPaymentUser, strings.TrimSpace(userID))
}
