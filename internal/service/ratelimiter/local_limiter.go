package ratelimiter

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// LocalLimiter is the in-process counterpart of RedisLuaLimiter: one token
// bucket per key, sized from the same BucketConfig.
type LocalLimiter struct {
	cfg BucketConfig

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewLocalLimiter returns nil for a zero config; a nil limiter admits everything.
func NewLocalLimiter(cfg BucketConfig) *LocalLimiter {
	if cfg.Capacity <= 0 || cfg.RefillRate <= 0 {
		return nil
	}
	return &LocalLimiter{cfg: cfg, limiters: map[string]*rate.Limiter{}}
}

// Allow reserves cost tokens for key, or reports how long until they would be available.
func (l *LocalLimiter) Allow(_ context.Context, key string, cost int64) (bool, time.Duration, error) {
	if l == nil {
		return true, 0, nil
	}
	if cost <= 0 {
		cost = 1
	}
	lim := l.limiter(key)
	now := time.Now()
	r := lim.ReserveN(now, int(cost))
	if !r.OK() {
		// cost exceeds the bucket; never admissible
		return false, time.Duration(float64(time.Second) / l.cfg.RefillRate), nil
	}
	if d := r.DelayFrom(now); d > 0 {
		r.CancelAt(now)
		return false, d, nil
	}
	return true, 0, nil
}

func (l *LocalLimiter) limiter(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(l.cfg.RefillRate), int(l.cfg.Capacity))
		l.limiters[key] = lim
	}
	return lim
}
