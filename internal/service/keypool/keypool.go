// Package keypool tracks which credentials may be used right now.
//
// The pool is pure bookkeeping: cooldowns, a rolling usage window per key and
// the last dispatch instant. Every read and write goes through one mutex so the
// eligibility check and a concurrent cooldown write are observed atomically.
package keypool

import (
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/fairyhunter13/llm-keyrouter/internal/domain"
)

// Options configures quota bookkeeping.
type Options struct {
	// Window is the rolling usage window (default 60s).
	Window time.Duration
	// QuotaPerWindow is the assumed hard limit per key per window.
	QuotaPerWindow int
	// SoftQuotaFraction of QuotaPerWindow at which a key counts as near quota.
	SoftQuotaFraction float64
	// Now is the clock; defaults to time.Now.
	Now func() time.Time
}

// Pool holds every key slot of one process. It is safe for concurrent use.
type Pool struct {
	mu     sync.Mutex
	slots  []*domain.KeySlot
	index  map[string]int
	totals map[string]int

	window        time.Duration
	softThreshold int
	now           func() time.Time
}

// New builds a pool from the given specs. IDs must be unique and credentials
// non-empty; order is kept and used as the tie-break order.
func New(specs []domain.KeySpec, opts Options) (*Pool, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("op=keypool.New: %w", domain.ErrNoKeys)
	}
	if opts.Window <= 0 {
		opts.Window = time.Minute
	}
	if opts.QuotaPerWindow <= 0 {
		opts.QuotaPerWindow = 15
	}
	if opts.SoftQuotaFraction <= 0 || opts.SoftQuotaFraction > 1 {
		opts.SoftQuotaFraction = 0.67
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	p := &Pool{
		slots:         make([]*domain.KeySlot, 0, len(specs)),
		index:         make(map[string]int, len(specs)),
		totals:        make(map[string]int, len(specs)),
		window:        opts.Window,
		softThreshold: SoftThreshold(opts.QuotaPerWindow, opts.SoftQuotaFraction),
		now:           opts.Now,
	}
	for _, s := range specs {
		id := strings.TrimSpace(s.ID)
		if id == "" || strings.TrimSpace(s.Credential) == "" {
			return nil, fmt.Errorf("op=keypool.New: %w: key %q needs an id and a credential", domain.ErrInvalidArgument, s.ID)
		}
		if _, dup := p.index[id]; dup {
			return nil, fmt.Errorf("op=keypool.New: %w: duplicate key id %q", domain.ErrInvalidArgument, id)
		}
		aff := s.Affinity
		if aff == "" {
			aff = domain.CategoryGeneral
		}
		if !aff.Valid() {
			return nil, fmt.Errorf("op=keypool.New: %w: key %q has unknown affinity %q", domain.ErrInvalidArgument, id, aff)
		}
		p.index[id] = len(p.slots)
		p.slots = append(p.slots, &domain.KeySlot{ID: id, Credential: s.Credential, Affinity: aff})
	}
	return p, nil
}

// SoftThreshold is floor(quota*fraction), never below one.
func SoftThreshold(quota int, fraction float64) int {
	t := int(math.Floor(float64(quota) * fraction))
	if t < 1 {
		return 1
	}
	return t
}

// Len returns the number of keys in the pool.
func (p *Pool) Len() int { return len(p.slots) }

// IDs returns key IDs in pool order.
func (p *Pool) IDs() []string {
	ids := make([]string, len(p.slots))
	for i, s := range p.slots {
		ids[i] = s.ID
	}
	return ids
}

// SelectEligible returns the least recently used key that is not cooling down,
// preferring keys whose affinity matches category. ok is false when every key
// is in cooldown.
func (p *Pool) SelectEligible(category domain.TaskCategory) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	var match, lru *domain.KeySlot
	for _, s := range p.slots {
		if p.coolingLocked(s, now) {
			continue
		}
		if s.Affinity == category && (match == nil || s.LastUsedAt.Before(match.LastUsedAt)) {
			match = s
		}
		if lru == nil || s.LastUsedAt.Before(lru.LastUsedAt) {
			lru = s
		}
	}
	if match != nil {
		return match.ID, true
	}
	if lru != nil {
		return lru.ID, true
	}
	return "", false
}

// SelectFallback returns the least used key not in exclude, preferring keys
// that are not cooling down. Ties go to the first key in pool order.
func (p *Pool) SelectFallback(exclude map[string]struct{}) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	var best *domain.KeySlot
	bestCooling, bestUsage := false, 0
	for _, s := range p.slots {
		if _, skip := exclude[s.ID]; skip {
			continue
		}
		cooling := p.coolingLocked(s, now)
		usage := p.windowUsageLocked(s, now)
		switch {
		case best == nil:
		case bestCooling && !cooling:
		case cooling == bestCooling && usage < bestUsage:
		default:
			continue
		}
		best, bestCooling, bestUsage = s, cooling, usage
	}
	if best == nil {
		return "", false
	}
	return best.ID, true
}

// EarliestCooldown returns the key whose cooldown ends first. A key without a
// cooldown wins outright.
func (p *Pool) EarliestCooldown() (string, time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	var best *domain.KeySlot
	for _, s := range p.slots {
		p.coolingLocked(s, now)
		if best == nil || s.CooldownUntil.Before(best.CooldownUntil) {
			best = s
		}
	}
	return best.ID, best.CooldownUntil
}

// IsNearQuota reports whether the key's usage in the rolling window has
// reached the soft threshold.
func (p *Pool) IsNearQuota(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.slotLocked(id)
	if !ok {
		return false
	}
	return p.windowUsageLocked(s, p.now()) >= p.softThreshold
}

// RecordUsage appends the current instant to the key's usage window.
func (p *Pool) RecordUsage(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.slotLocked(id)
	if !ok {
		return
	}
	now := p.now()
	p.pruneLocked(s, now)
	s.Usage = append(s.Usage, now)
	if now.After(s.LastUsedAt) {
		s.LastUsedAt = now
	}
	p.totals[id]++
}

// MarkCooldown benches the key until now+d. A cooldown is only ever extended,
// never shortened. It returns the resulting cooldown end.
func (p *Pool) MarkCooldown(id string, d time.Duration) time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.slotLocked(id)
	if !ok {
		return time.Time{}
	}
	until := p.now().Add(d)
	if until.After(s.CooldownUntil) {
		s.CooldownUntil = until
		slog.Warn("key slot cooling down",
			slog.String("key_slot", id),
			slog.Duration("duration", d),
			slog.Time("cooldown_until", until))
	}
	return s.CooldownUntil
}

// CooldownRemaining returns how long the key stays benched; zero if eligible.
func (p *Pool) CooldownRemaining(id string) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.slotLocked(id)
	if !ok {
		return 0
	}
	now := p.now()
	if !p.coolingLocked(s, now) {
		return 0
	}
	return s.CooldownUntil.Sub(now)
}

// Claim stamps the key as dispatched now unless the previous dispatch was less
// than minSpacing ago, in which case it returns the remaining wait and leaves
// the key untouched.
func (p *Pool) Claim(id string, minSpacing time.Duration) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.slotLocked(id)
	if !ok {
		return 0
	}
	now := p.now()
	if !s.LastUsedAt.IsZero() {
		if wait := s.LastUsedAt.Add(minSpacing).Sub(now); wait > 0 {
			return wait
		}
	}
	s.LastUsedAt = now
	return 0
}

// Credential returns the secret for a key.
func (p *Pool) Credential(id string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.slotLocked(id)
	if !ok {
		return "", false
	}
	return s.Credential, true
}

// Snapshot returns a secret-free status view of every key in pool order.
func (p *Pool) Snapshot() []domain.KeySlotStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	out := make([]domain.KeySlotStatus, 0, len(p.slots))
	for _, s := range p.slots {
		st := domain.KeySlotStatus{
			ID:          s.ID,
			Affinity:    s.Affinity,
			WindowUsage: p.windowUsageLocked(s, now),
			TotalUsage:  p.totals[s.ID],
		}
		st.NearQuota = st.WindowUsage >= p.softThreshold
		if p.coolingLocked(s, now) {
			until := s.CooldownUntil
			st.CooldownUntil = &until
		}
		if !s.LastUsedAt.IsZero() {
			last := s.LastUsedAt
			st.LastUsedAt = &last
		}
		out = append(out, st)
	}
	return out
}

func (p *Pool) slotLocked(id string) (*domain.KeySlot, bool) {
	i, ok := p.index[id]
	if !ok {
		return nil, false
	}
	return p.slots[i], true
}

// coolingLocked reports whether s is benched at now and clears an expired cooldown.
func (p *Pool) coolingLocked(s *domain.KeySlot, now time.Time) bool {
	if s.CooldownUntil.IsZero() {
		return false
	}
	if now.Before(s.CooldownUntil) {
		return true
	}
	s.CooldownUntil = time.Time{}
	return false
}

func (p *Pool) pruneLocked(s *domain.KeySlot, now time.Time) {
	cutoff := now.Add(-p.window)
	i := 0
	for i < len(s.Usage) && !s.Usage[i].After(cutoff) {
		i++
	}
	if i > 0 {
		s.Usage = append(s.Usage[:0], s.Usage[i:]...)
	}
}

func (p *Pool) windowUsageLocked(s *domain.KeySlot, now time.Time) int {
	p.pruneLocked(s, now)
	return len(s.Usage)
}
