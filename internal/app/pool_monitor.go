package app

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/llm-keyrouter/internal/adapter/observability"
	"github.com/fairyhunter13/llm-keyrouter/internal/domain"
)

// SnapshotSource yields the current key pool view.
type SnapshotSource interface {
	Keys() []domain.KeySlotStatus
}

// PoolMonitor periodically publishes key pool gauges and warns when every
// key is cooling down at once.
type PoolMonitor struct {
	src      SnapshotSource
	interval time.Duration
	now      func() time.Time
}

// NewPoolMonitor returns nil when src is nil.
func NewPoolMonitor(src SnapshotSource, interval time.Duration) *PoolMonitor {
	if src == nil {
		return nil
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &PoolMonitor{src: src, interval: interval, now: time.Now}
}

// Run blocks until ctx is done.
func (m *PoolMonitor) Run(ctx context.Context) {
	if m == nil {
		return
	}
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.sweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("pool monitor stopping")
			return
		case <-ticker.C:
			m.sweepOnce(ctx)
		}
	}
}

// sweepOnce returns the number of cooling keys.
func (m *PoolMonitor) sweepOnce(ctx context.Context) int {
	_, span := observability.Tracer().Start(ctx, "PoolMonitor.sweepOnce")
	defer span.End()

	keys := m.src.Keys()
	now := m.now()
	usage := make(map[string]int, len(keys))
	cooling, near := 0, 0
	for _, k := range keys {
		usage[k.ID] = k.WindowUsage
		if k.CooldownUntil != nil && k.CooldownUntil.After(now) {
			cooling++
		}
		if k.NearQuota {
			near++
		}
	}
	observability.ObservePoolSnapshot(usage, cooling)
	span.SetAttributes(
		attribute.Int("keys.total", len(keys)),
		attribute.Int("keys.cooling", cooling),
		attribute.Int("keys.near_quota", near),
	)

	if len(keys) > 0 && cooling == len(keys) {
		slog.Warn("every key slot is cooling down; dispatch will force the earliest", slog.Int("keys", len(keys)))
	}
	return cooling
}
