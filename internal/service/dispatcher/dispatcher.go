// Package dispatcher turns a task category into a key slot and a go-ahead.
//
// Acquire first takes a permit from the pool-wide semaphore that bounds
// in-flight calls. Holding it, it waits for an eligible key, slows down near
// the soft quota and keeps a minimum spacing between calls on the same key.
package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/fairyhunter13/llm-keyrouter/internal/adapter/observability"
	"github.com/fairyhunter13/llm-keyrouter/internal/domain"
	"github.com/fairyhunter13/llm-keyrouter/internal/service/keypool"
	"github.com/fairyhunter13/llm-keyrouter/internal/service/ratelimiter"
)

// Options configures a Dispatcher.
type Options struct {
	// PollInterval between eligibility checks while every key is cooling down.
	PollInterval time.Duration
	// WaitTimeout after which the key with the earliest cooldown is forced.
	WaitTimeout time.Duration
	// NearQuotaDelay is slept before using a key at its soft quota.
	NearQuotaDelay time.Duration
	// MinInterCall is the minimum spacing between two calls on one key.
	MinInterCall time.Duration
	// MaxParallel bounds simultaneous outbound calls across the pool.
	MaxParallel int64
	// Limiter is an optional extra per-key admission check.
	Limiter ratelimiter.Limiter
}

// Dispatcher hands out key slots from one pool.
type Dispatcher struct {
	pool *keypool.Pool
	sem  *semaphore.Weighted
	opts Options
}

// Lease is a selected key plus a held concurrency permit.
type Lease struct {
	KeyID string
	// Forced is set when no key became eligible within WaitTimeout.
	Forced bool
	// NearQuota is set when a proactive delay was inserted.
	NearQuota bool
	// Waited is the total time spent in Acquire.
	Waited time.Duration

	release func()
	once    sync.Once
}

// Release returns the permit. Safe to call more than once.
func (l *Lease) Release() {
	if l == nil || l.release == nil {
		return
	}
	l.once.Do(l.release)
}

// New creates a dispatcher over pool.
func New(pool *keypool.Pool, opts Options) *Dispatcher {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = 90 * time.Second
	}
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = 1
	}
	return &Dispatcher{pool: pool, sem: semaphore.NewWeighted(opts.MaxParallel), opts: opts}
}

// Pool returns the underlying key pool.
func (d *Dispatcher) Pool() *keypool.Pool { return d.pool }

// Acquire takes a permit from the pool-wide semaphore, then selects a key for
// category and blocks until it may be used. Selection and pacing run under the
// permit so the key's state cannot go stale while waiting for it. The caller
// must Release the lease once the call is done.
func (d *Dispatcher) Acquire(ctx context.Context, category domain.TaskCategory) (*Lease, error) {
	start := time.Now()
	lg := observability.LoggerFromContext(ctx)

	if err := d.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("op=dispatcher.Acquire: %w", err)
	}
	release := func() { d.sem.Release(1) }

	deadline := time.Now().Add(d.opts.WaitTimeout)
	var (
		id           string
		forced, near bool
		err          error
	)
	for {
		id, forced, err = d.selectKey(ctx, category, deadline)
		if err != nil {
			release()
			return nil, fmt.Errorf("op=dispatcher.Acquire: %w", err)
		}
		near, err = d.pace(ctx, id, false)
		if err != nil {
			release()
			return nil, fmt.Errorf("op=dispatcher.Acquire: %w", err)
		}
		// A call settling elsewhere may have benched the key while pacing slept.
		if forced || d.pool.CooldownRemaining(id) <= 0 {
			break
		}
		lg.Info("key slot entered cooldown while pacing; reselecting",
			slog.String("category", category.String()),
			slog.String("key_slot", id))
	}
	if forced {
		lg.Warn("no eligible key within wait timeout; forcing earliest cooldown",
			slog.String("category", category.String()),
			slog.String("key_slot", id),
			slog.Duration("wait_timeout", d.opts.WaitTimeout))
	}

	lease := &Lease{
		KeyID:     id,
		Forced:    forced,
		NearQuota: near,
		Waited:    time.Since(start),
		release:   release,
	}
	observability.ObserveDispatchWait(category.String(), lease.Waited)
	lg.Debug("key slot acquired",
		slog.String("category", category.String()),
		slog.String("key_slot", id),
		slog.Duration("waited", lease.Waited))
	return lease, nil
}

// selectKey polls the pool until a key is eligible or deadline passes.
func (d *Dispatcher) selectKey(ctx context.Context, category domain.TaskCategory, deadline time.Time) (string, bool, error) {
	for {
		if id, ok := d.pool.SelectEligible(category); ok {
			return id, false, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			id, _ := d.pool.EarliestCooldown()
			return id, true, nil
		}
		if err := Sleep(ctx, min(d.opts.PollInterval, remaining)); err != nil {
			return "", false, err
		}
	}
}

// Pace applies the per-key steps of Acquire to an already chosen key: a
// cooldown wait bounded by WaitTimeout, the near-quota delay, the minimum
// spacing and the optional limiter. It reports whether a near-quota delay was
// inserted. The executor uses it for fallback keys while holding its permit,
// so a cooldown wait here blocks other jobs from dispatching for up to
// WaitTimeout when MaxParallel is 1.
func (d *Dispatcher) Pace(ctx context.Context, id string) (bool, error) {
	return d.pace(ctx, id, true)
}

func (d *Dispatcher) pace(ctx context.Context, id string, waitCooldown bool) (bool, error) {
	lg := observability.LoggerFromContext(ctx)

	if wait := d.pool.CooldownRemaining(id); waitCooldown && wait > 0 {
		if wait > d.opts.WaitTimeout {
			wait = d.opts.WaitTimeout
		}
		lg.Info("waiting for key cooldown", slog.String("key_slot", id), slog.Duration("wait", wait))
		if err := Sleep(ctx, wait); err != nil {
			return false, err
		}
	}

	near := d.pool.IsNearQuota(id)
	if near {
		observability.ObserveProactiveDelay(id)
		lg.Info("key slot near soft quota; delaying",
			slog.String("key_slot", id),
			slog.Duration("delay", d.opts.NearQuotaDelay))
		if err := Sleep(ctx, d.opts.NearQuotaDelay); err != nil {
			return near, err
		}
	}

	for {
		wait := d.pool.Claim(id, d.opts.MinInterCall)
		if wait <= 0 {
			break
		}
		if err := Sleep(ctx, wait); err != nil {
			return near, err
		}
	}

	if d.opts.Limiter != nil {
		for {
			allowed, retryAfter, err := d.opts.Limiter.Allow(ctx, id, 1)
			if err != nil {
				lg.Warn("rate limiter unavailable; continuing", slog.String("key_slot", id), slog.Any("error", err))
				break
			}
			if allowed {
				break
			}
			if retryAfter <= 0 {
				retryAfter = d.opts.PollInterval
			}
			if err := Sleep(ctx, retryAfter); err != nil {
				return near, err
			}
		}
	}
	return near, nil
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
