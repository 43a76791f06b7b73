package ratelimiter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalLimiter_PerKeyBuckets(t *testing.T) {
	ctx := context.Background()
	l := NewLocalLimiter(NewBucketConfigFromWindow(2, time.Minute))
	require.NotNil(t, l)

	for i := 0; i < 2; i++ {
		ok, wait, err := l.Allow(ctx, "a", 1)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Zero(t, wait)
	}

	ok, wait, err := l.Allow(ctx, "a", 1)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Greater(t, wait, 25*time.Second)
	assert.LessOrEqual(t, wait, 30*time.Second)

	// a denied call does not consume tokens
	ok, wait2, _ := l.Allow(ctx, "a", 1)
	assert.False(t, ok)
	assert.InDelta(t, wait.Seconds(), wait2.Seconds(), 0.5)

	ok, _, _ = l.Allow(ctx, "b", 1)
	assert.True(t, ok)
}

func TestLocalLimiter_NilAndOversizedCost(t *testing.T) {
	assert.Nil(t, NewLocalLimiter(BucketConfig{}))

	var nilLimiter *LocalLimiter
	ok, _, err := nilLimiter.Allow(context.Background(), "x", 1)
	require.NoError(t, err)
	assert.True(t, ok)

	l := NewLocalLimiter(BucketConfig{Capacity: 1, RefillRate: 1})
	ok, wait, err := l.Allow(context.Background(), "x", 5)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, time.Second, wait)
}

func TestLimiterImplementations(t *testing.T) {
	var _ Limiter = (*RedisLuaLimiter)(nil)
	var _ Limiter = (*LocalLimiter)(nil)
}
