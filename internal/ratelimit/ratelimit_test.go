package ratelimit

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/marketplace/internal/config"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func limitsConfig(rate float64, burst int) config.Config {
	return config.Config{RateLimit: config.RateLimitConfig{
		Enabled:              true,
		OrderSubmissionRate:  rate,
		OrderSubmissionBurst: burst,
	}}
}

func TestTokenBucketExhaustsBurst(t *testing.T) {
	bucket := NewTokenBucket(newRedis(t))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := bucket.Allow(ctx, "bucket", 0.01, 3)
		require.NoError(t, err)
		require.True(t, res.Allowed, "request %d", i)
		require.Equal(t, 3, res.Limit)
	}

	res, err := bucket.Allow(ctx, "bucket", 0.01, 3)
	require.NoError(t, err)
	require.False(t, res.Allowed)
	require.Positive(t, res.RetryAfter)
}

func TestTokenBucketRejectsInvalidLimits(t *testing.T) {
	bucket := NewTokenBucket(newRedis(t))

	_, err := bucket.Allow(context.Background(), "", 1, 1)
	require.ErrorIs(t, err, ErrInvalidLimit)
	_, err = bucket.Allow(context.Background(), "key", 0, 1)
	require.ErrorIs(t, err, ErrInvalidLimit)

	var missing *TokenBucket
	_, err = missing.Allow(context.Background(), "key", 1, 1)
	require.ErrorIs(t, err, ErrNotConfigured)
}

func TestOrderSubmissionLimiterIsPerUser(t *testing.T) {
	limiter := NewOrderSubmissionLimiter(Params{
		Config: limitsConfig(0.01, 1),
		Log:    zap.NewNop(),
		Redis:  newRedis(t),
	})
	require.NotNil(t, limiter)
	ctx := context.Background()

	require.True(t, limiter.Allow(ctx, "alice").Allowed)
	require.False(t, limiter.Allow(ctx, "alice").Allowed)
	require.True(t, limiter.Allow(ctx, "bob").Allowed)
}

func TestOrderSubmissionLimiterDisabled(t *testing.T) {
	disabled := limitsConfig(1, 1)
	disabled.RateLimit.Enabled = false
	require.Nil(t, NewOrderSubmissionLimiter(Params{Config: disabled, Log: zap.NewNop(), Redis: newRedis(t)}))
	require.Nil(t, NewOrderSubmissionLimiter(Params{Config: limitsConfig(1, 1), Log: zap.NewNop()}))
	require.Nil(t, NewOrderSubmissionLimiter(Params{Config: limitsConfig(0, 1), Log: zap.NewNop(), Redis: newRedis(t)}))

	var limiter *OrderSubmissionLimiter
	require.True(t, limiter.Allow(context.Background(), "alice").Allowed)
}

func TestOrderSubmissionLimiterFailsOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	limiter := NewOrderSubmissionLimiter(Params{Config: limitsConfig(1, 1), Log: zap.NewNop(), Redis: client})
	mr.Close()

	require.True(t, limiter.Allow(context.Background(), "alice").Allowed)
}
