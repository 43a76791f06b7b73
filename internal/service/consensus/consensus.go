// Package consensus runs a job several times and keeps what enough runs agree on.
package consensus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/llm-keyrouter/internal/adapter/observability"
	"github.com/fairyhunter13/llm-keyrouter/internal/domain"
)

// SignalFunc extracts the comparable items of one successful run.
type SignalFunc func(domain.ParsedResult) ([]string, error)

// Runner executes one run of the base job.
type Runner interface {
	Run(ctx context.Context, job domain.RequestJob) (domain.ParsedResult, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, job domain.RequestJob) (domain.ParsedResult, error)

// Run calls f.
func (f RunnerFunc) Run(ctx context.Context, job domain.RequestJob) (domain.ParsedResult, error) {
	return f(ctx, job)
}

// Options bounds the consensus loop. Every field has a finite default so a
// run can never hang its caller.
type Options struct {
	// InterRunDelay is used when the job does not set its own.
	InterRunDelay time.Duration
	// RetryInterval is slept before retrying a failed run slot.
	RetryInterval time.Duration
	// MaxAttemptsPerRun gives up on a run slot and moves to the next.
	MaxAttemptsPerRun int
	// MaxTotalAttempts ends the job regardless of progress.
	MaxTotalAttempts int
	// MaxDuration ends the job regardless of progress.
	MaxDuration time.Duration
}

// Aggregator runs consensus jobs.
type Aggregator struct {
	runner Runner
	opts   Options
}

// ErrNoItems is returned by the field helpers when a run carries no usable signal.
var ErrNoItems = errors.New("no items in payload")

// New creates an aggregator.
func New(r Runner, opts Options) *Aggregator {
	if opts.MaxAttemptsPerRun <= 0 {
		opts.MaxAttemptsPerRun = 5
	}
	if opts.MaxTotalAttempts <= 0 {
		opts.MaxTotalAttempts = 30
	}
	if opts.MaxDuration <= 0 {
		opts.MaxDuration = 30 * time.Minute
	}
	return &Aggregator{runner: r, opts: opts}
}

type tally struct {
	counts map[string]int
	order  []string
}

func (t *tally) add(items []string) {
	seen := make(map[string]struct{}, len(items))
	for _, it := range items {
		if _, dup := seen[it]; dup {
			continue
		}
		seen[it] = struct{}{}
		if _, known := t.counts[it]; !known {
			t.order = append(t.order, it)
		}
		t.counts[it]++
	}
}

// accepted returns items with count >= threshold, by count desc then first-seen order.
func (t *tally) accepted(threshold int) []string {
	out := make([]string, 0, len(t.order))
	for _, it := range t.order {
		if t.counts[it] >= threshold {
			out = append(out, it)
		}
	}
	slices.SortStableFunc(out, func(a, b string) int { return t.counts[b] - t.counts[a] })
	return out
}

// Run executes job.Base until RunCount runs succeed or a budget runs out. It
// never returns an error: fewer successes than RunCount yield a degraded result.
func (a *Aggregator) Run(ctx context.Context, job domain.ConsensusJob, extract SignalFunc) domain.ConsensusResult {
	ctx, span := observability.Tracer().Start(ctx, "consensus.Run")
	defer span.End()

	if job.ID == "" {
		job.ID = domain.NewJobID()
	}
	ctx = observability.ContextWithJobID(ctx, job.ID)
	lg := observability.LoggerFromContext(ctx).With(
		slog.String("category", job.Base.Category.String()))
	runCount, minAgree := clamp(lg, job.RunCount, job.MinAgreements)
	interRun := job.InterRunDelay
	if interRun <= 0 {
		interRun = a.opts.InterRunDelay
	}

	res := domain.ConsensusResult{
		JobID:         job.ID,
		RunCount:      runCount,
		MinAgreements: minAgree,
		State:         domain.ConsensusRunning,
	}
	t := &tally{counts: map[string]int{}}
	deadline := time.Now().Add(a.opts.MaxDuration)
	category := job.Base.Category.String()

	budgetLeft := func() bool {
		return ctx.Err() == nil && res.AttemptedRuns < a.opts.MaxTotalAttempts && time.Now().Before(deadline)
	}

slots:
	for slot := 1; slot <= runCount; slot++ {
		for slotAttempts := 1; ; slotAttempts++ {
			if !budgetLeft() {
				lg.Warn("consensus budget exhausted",
					slog.Int("successful_runs", res.SuccessfulRuns),
					slog.Int("attempted_runs", res.AttemptedRuns))
				break slots
			}
			res.AttemptedRuns++

			run := job.Base
			run.ID = fmt.Sprintf("%s-run%d", job.ID, slot)
			items, err := a.attempt(ctx, run, extract)
			if err == nil {
				t.add(items)
				res.SuccessfulRuns++
				observability.ObserveConsensusRun(category, "success")
				lg.Info("consensus run succeeded", slog.Int("slot", slot), slog.Int("items", len(items)))
				if slot < runCount {
					if sleep(ctx, interRun) != nil {
						break slots
					}
				}
				break
			}

			observability.ObserveConsensusRun(category, "failure")
			lg.Warn("consensus run failed", slog.Int("slot", slot), slog.Int("slot_attempt", slotAttempts), slog.Any("error", err))
			if errors.Is(err, domain.ErrFatalRequest) {
				// the same payload will be rejected again
				break slots
			}
			if slotAttempts >= a.opts.MaxAttemptsPerRun {
				lg.Warn("giving up on consensus run slot", slog.Int("slot", slot))
				break
			}
			if sleep(ctx, a.opts.RetryInterval) != nil {
				break slots
			}
		}
	}

	res.AppearanceCounts = t.counts
	res.AcceptedItems = t.accepted(minAgree)
	res.Degraded = res.SuccessfulRuns < runCount
	res.State = domain.ConsensusSufficient
	if res.Degraded {
		res.State = domain.ConsensusInsufficient
	}
	observability.ObserveConsensusResult(string(res.State))
	span.SetAttributes(
		attribute.String("consensus.state", string(res.State)),
		attribute.Int("consensus.successful_runs", res.SuccessfulRuns),
		attribute.Int("consensus.attempted_runs", res.AttemptedRuns),
		attribute.Int("consensus.accepted", len(res.AcceptedItems)),
	)
	lg.Info("consensus finished",
		slog.String("state", string(res.State)),
		slog.Int("successful_runs", res.SuccessfulRuns),
		slog.Int("attempted_runs", res.AttemptedRuns),
		slog.Int("accepted_items", len(res.AcceptedItems)))
	return res
}

func (a *Aggregator) attempt(ctx context.Context, run domain.RequestJob, extract SignalFunc) ([]string, error) {
	pr, err := a.runner.Run(ctx, run)
	if err != nil {
		return nil, err
	}
	if !pr.Success {
		return nil, fmt.Errorf("unparsed response: %s", pr.ParseError)
	}
	items, err := extract(pr)
	if err != nil {
		return nil, fmt.Errorf("extract signal: %w", err)
	}
	return items, nil
}

func clamp(lg *slog.Logger, runCount, minAgree int) (int, int) {
	r, m := runCount, minAgree
	if r < 1 {
		r = 1
	}
	if m < 1 {
		m = 1
	}
	if m > r {
		m = r
	}
	if r != runCount || m != minAgree {
		lg.Warn("consensus parameters clamped",
			slog.Int("run_count", runCount), slog.Int("min_agreements", minAgree),
			slog.Int("effective_run_count", r), slog.Int("effective_min_agreements", m))
	}
	return r, m
}

func sleep(ctx context.Context, d time.Duration) error {
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

// ItemsFromField reads a list of identifiers from field of an object payload,
// or from the payload itself when it is an array. Items are trimmed; empty
// ones are dropped.
func ItemsFromField(field string) SignalFunc {
	return func(pr domain.ParsedResult) ([]string, error) {
		var raw any = pr.Payload
		if obj, ok := pr.Payload.(map[string]any); ok {
			v, found := obj[field]
			if !found {
				return nil, fmt.Errorf("%w: field %q missing", ErrNoItems, field)
			}
			raw = v
		}
		list, ok := raw.([]any)
		if !ok {
			return nil, fmt.Errorf("%w: field %q is not a list", ErrNoItems, field)
		}
		items := make([]string, 0, len(list))
		for _, v := range list {
			var s string
			switch x := v.(type) {
			case string:
				s = x
			case float64, bool:
				s = fmt.Sprint(x)
			default:
				continue
			}
			if s = strings.TrimSpace(s); s != "" {
				items = append(items, s)
			}
		}
		return items, nil
	}
}

// LabelFromField reads a single category label from field of an object payload.
func LabelFromField(field string) SignalFunc {
	return func(pr domain.ParsedResult) ([]string, error) {
		obj, ok := pr.Payload.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: payload is not an object", ErrNoItems)
		}
		s, ok := obj[field].(string)
		if !ok || strings.TrimSpace(s) == "" {
			return nil, fmt.Errorf("%w: field %q is not a label", ErrNoItems, field)
		}
		return []string{strings.TrimSpace(s)}, nil
	}
}

// Top returns at most n accepted items, best first.
func Top(res domain.ConsensusResult, n int) []string {
	if n <= 0 || len(res.AcceptedItems) == 0 {
		return nil
	}
	if n > len(res.AcceptedItems) {
		n = len(res.AcceptedItems)
	}
	return slices.Clone(res.AcceptedItems[:n])
}
