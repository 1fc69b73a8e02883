package ratelimit

import (
	"context"
	"fmt"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/marketplace/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const keyOrderSubmission = "marketplace:orders:submit:user:%s"

// OrderSubmissionLimiter caps how fast one user can create orders. A nil
// limiter allows everything.
type OrderSubmissionLimiter struct {
	bucket *TokenBucket
	rate   float64
	burst  int
	log    *zap.Logger
}

type Params struct {
	fx.In

	Config config.Config
	Log    *zap.Logger
	Redis  *redis.Client `optional:"true"`
}

func NewOrderSubmissionLimiter(p Params) *OrderSubmissionLimiter {
	log := p.Log.Named("ratelimit")
	limits := p.Config.RateLimit
	if !limits.Enabled {
		return nil
	}
	if p.Redis == nil {
		log.Warn("ratelimit.disabled", zap.String("reason", "redis_not_configured"))
		return nil
	}
	if limits.OrderSubmissionRate <= 0 || limits.OrderSubmissionBurst <= 0 {
		log.Warn("ratelimit.disabled", zap.String("reason", "non_positive_limit"))
		return nil
	}
	return &OrderSubmissionLimiter{
		bucket: NewTokenBucket(p.Redis),
		rate:   limits.OrderSubmissionRate,
		burst:  limits.OrderSubmissionBurst,
		log:    log,
	}
}

// Allow takes one token from the user's bucket. Redis failures fail open.
func (l *OrderSubmissionLimiter) Allow(ctx context.Context, user string) Result {
	if l == nil {
		return Result{Allowed: true}
	}
	user = strings.TrimSpace(user)
	res, err := l.bucket.Allow(ctx, fmt.Sprintf(keyOrderSubmission, user), l.rate, l.burst)
	if err != nil {
		l.log.Warn("ratelimit.check.failed", zap.String("user", user), zap.Error(err))
		return Result{Allowed: true, Limit: l.burst}
	}
	return res
}
