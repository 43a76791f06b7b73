// Package executor performs upstream calls for a job with same-key retries and
// fallback to other keys.
//
// A rate-limited key is put into cooldown and skipped at once. Transient
// failures are retried on the same key with exponential backoff. A fatal
// result is returned immediately. When the first key gives up, the job moves
// to the least used remaining key carrying only a condensed summary of the
// first key's history.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/fairyhunter13/llm-keyrouter/internal/adapter/observability"
	"github.com/fairyhunter13/llm-keyrouter/internal/domain"
	"github.com/fairyhunter13/llm-keyrouter/internal/service/keypool"
	"github.com/fairyhunter13/llm-keyrouter/internal/service/ledger"
	"github.com/fairyhunter13/llm-keyrouter/internal/service/parser"
)

// Pacer spaces calls on a key chosen outside the dispatcher's Acquire.
type Pacer interface {
	Pace(ctx context.Context, keyID string) (bool, error)
}

// Options configures an Executor.
type Options struct {
	// CooldownDuration benches a rate-limited key. A longer provider
	// Retry-After wins.
	CooldownDuration time.Duration
	// BackoffBase is used when a job does not set RetryBackoffBase.
	BackoffBase time.Duration
	// MaxBackoff caps a single retry wait; zero means no cap.
	MaxBackoff time.Duration
}

// Executor runs jobs against a key pool. It is safe for concurrent use.
type Executor struct {
	pool     *keypool.Pool
	pacer    Pacer
	ledger   *ledger.Ledger
	upstream domain.Upstream
	parser   *parser.Parser
	opts     Options

	// inflight tracks upstream calls, including ones whose caller went away.
	inflight sync.WaitGroup
}

// New wires an executor. A nil parser uses the default strategies.
func New(pool *keypool.Pool, pacer Pacer, l *ledger.Ledger, up domain.Upstream, p *parser.Parser, opts Options) *Executor {
	if opts.CooldownDuration <= 0 {
		opts.CooldownDuration = 120 * time.Second
	}
	if p == nil {
		p = parser.New()
	}
	return &Executor{pool: pool, pacer: pacer, ledger: l, upstream: up, parser: p, opts: opts}
}

// execution is the per-job state; attempts live only as long as the job.
type execution struct {
	job      domain.RequestJob
	attempts []domain.CallAttempt
}

// Execute runs job on keyID, falling back to other keys when keyID gives up.
// Parse failures come back as a ParsedResult with Success=false and a nil
// error. The only errors are ErrFatalRequest, ErrExhaustedAllKeys and caller
// cancellation.
//
// Execute runs under the caller's dispatch permit. Pacing a fallback key may
// wait out its cooldown for up to the dispatcher's WaitTimeout, and with a
// single permit no other job dispatches meanwhile.
func (e *Executor) Execute(ctx context.Context, job domain.RequestJob, keyID string) (domain.ParsedResult, error) {
	ctx, span := observability.Tracer().Start(ctx, "executor.Execute")
	defer span.End()
	span.SetAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.category", job.Category.String()),
		attribute.String("key_slot.initial", keyID),
	)
	lg := observability.LoggerFromContext(ctx).With(slog.String("category", job.Category.String()))

	ex := &execution{job: job}
	tried := map[string]struct{}{keyID: {}}

	res, err := e.runOnKey(ctx, ex, keyID, "")
	if err == nil {
		return e.finish(span, ex, res), nil
	}
	if stop := terminal(err); stop != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return domain.ParsedResult{}, fmt.Errorf("op=executor.Execute: %w", stop)
	}
	lastErr := err

	summary := e.ledger.CondensedSummary(keyID)
	for {
		next, ok := e.pool.SelectFallback(tried)
		if !ok {
			break
		}
		tried[next] = struct{}{}
		observability.ObserveFallback(job.Category.String())
		lg.Warn("falling back to another key slot",
			slog.String("from_key_slot", keyID),
			slog.String("key_slot", next),
			slog.Bool("with_summary", summary != ""),
			slog.Any("last_error", lastErr))
		span.AddEvent("fallback", trace.WithAttributes(attribute.String("key_slot", next)))

		if _, err := e.pacer.Pace(ctx, next); err != nil {
			return domain.ParsedResult{}, fmt.Errorf("op=executor.Execute: %w", err)
		}
		res, err = e.runOnKey(ctx, ex, next, summary)
		if err == nil {
			return e.finish(span, ex, res), nil
		}
		if stop := terminal(err); stop != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return domain.ParsedResult{}, fmt.Errorf("op=executor.Execute: %w", stop)
		}
		lastErr = err
	}

	err = fmt.Errorf("op=executor.Execute: %w: tried %d key slots, last error: %v", domain.ErrExhaustedAllKeys, len(tried), lastErr)
	span.RecordError(err)
	span.SetStatus(codes.Error, "exhausted all keys")
	lg.Error("all key slots failed", slog.Int("keys_tried", len(tried)), slog.Int("attempts", len(ex.attempts)))
	return domain.ParsedResult{}, err
}

// terminal returns the error that must cross the boundary, or nil when the
// failure should move the job to another key.
func terminal(err error) error {
	switch {
	case errors.Is(err, domain.ErrFatalRequest):
		return err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	}
	return nil
}

func (e *Executor) finish(span trace.Span, ex *execution, res domain.ParsedResult) domain.ParsedResult {
	res.Attempts = len(ex.attempts)
	span.SetAttributes(
		attribute.String("key_slot.final", res.KeySlotID),
		attribute.Int("attempts", res.Attempts),
		attribute.Bool("parse.success", res.Success),
	)
	return res
}

// runOnKey calls one key with the transient-retry policy. A rate-limited
// result cools the key down and returns without consuming a retry.
func (e *Executor) runOnKey(ctx context.Context, ex *execution, keyID, summary string) (domain.ParsedResult, error) {
	cred, ok := e.pool.Credential(keyID)
	if !ok {
		return domain.ParsedResult{}, fmt.Errorf("%w: unknown key slot %q", domain.ErrInvalidArgument, keyID)
	}
	lg := observability.LoggerFromContext(ctx).With(slog.String("key_slot", keyID))
	req := domain.UpstreamRequest{
		JobID:     ex.job.ID,
		Category:  ex.job.Category,
		Messages:  e.buildMessages(ex.job, keyID, summary),
		MaxTokens: ex.job.Payload.MaxTokens,
	}

	var result domain.ParsedResult
	op := func() error {
		attempt := domain.CallAttempt{KeySlotID: keyID, Attempt: len(ex.attempts) + 1, StartedAt: time.Now()}
		cr, err := e.call(ctx, keyID, cred, ex.job, req)
		if err != nil {
			return backoff.Permanent(err)
		}
		attempt.Outcome = cr.Outcome
		attempt.RawText = cr.Text
		ex.attempts = append(ex.attempts, attempt)

		switch cr.Outcome {
		case domain.OutcomeSuccess:
			result = e.parser.Parse(cr.Text)
			result.KeySlotID = keyID
			if !result.Success {
				lg.Warn("response had no structured payload", slog.String("parse_error", result.ParseError))
			}
			return nil
		case domain.OutcomeRateLimited:
			lg.Warn("key slot rate limited", slog.Int("status", cr.StatusCode), slog.Duration("retry_after", cr.RetryAfter))
			return backoff.Permanent(cr.Error())
		case domain.OutcomeFatal:
			lg.Error("upstream rejected request", slog.Int("status", cr.StatusCode), slog.Any("error", cr.Err))
			return backoff.Permanent(cr.Error())
		default:
			lg.Warn("transient upstream failure", slog.Int("attempt", attempt.Attempt), slog.Int("status", cr.StatusCode), slog.Any("error", cr.Err))
			return cr.Error()
		}
	}

	if err := backoff.Retry(op, e.retryPolicy(ctx, ex.job)); err != nil {
		return domain.ParsedResult{}, err
	}
	return result, nil
}

// retryPolicy waits base, 2*base, 4*base... between same-key attempts.
func (e *Executor) retryPolicy(ctx context.Context, job domain.RequestJob) backoff.BackOff {
	base := job.RetryBackoffBase
	if base <= 0 {
		base = e.opts.BackoffBase
	}
	retries := job.MaxRetries
	if retries < 0 {
		retries = 0
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = base
	expo.Multiplier = 2
	expo.RandomizationFactor = 0
	expo.MaxElapsedTime = 0
	expo.MaxInterval = e.opts.MaxBackoff
	if expo.MaxInterval <= 0 {
		expo.MaxInterval = base << uint(min(retries, 20))
	}
	expo.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(expo, uint64(retries)), ctx)
}

// buildMessages renders the conversation for one key. A fallback key gets
// the condensed summary ahead of the prompt and never any stored history.
func (e *Executor) buildMessages(job domain.RequestJob, keyID, summary string) []domain.Message {
	var msgs []domain.Message
	if job.Payload.System != "" {
		msgs = append(msgs, domain.Message{Role: domain.RoleSystem, Content: job.Payload.System})
	}
	switch {
	case summary != "":
		msgs = append(msgs, domain.Message{Role: domain.RoleUser, Content: summary + "\n\n" + job.Payload.Prompt})
		return msgs
	case job.UseContext:
		msgs = append(msgs, e.ledger.History(keyID)...)
	}
	return append(msgs, domain.Message{Role: domain.RoleUser, Content: job.Payload.Prompt})
}

// call runs the upstream request on a context detached from the caller. If
// the caller goes away the call still completes in the background and its
// bookkeeping is applied, so usage is never under-reported.
func (e *Executor) call(ctx context.Context, keyID, cred string, job domain.RequestJob, req domain.UpstreamRequest) (domain.CallResult, error) {
	if err := ctx.Err(); err != nil {
		return domain.CallResult{}, err
	}
	done := make(chan domain.CallResult, 1)
	e.inflight.Add(1)
	go func() {
		defer e.inflight.Done()
		cr := e.upstream.Complete(context.WithoutCancel(ctx), cred, req)
		e.settle(keyID, job, cr)
		done <- cr
	}()

	select {
	case cr := <-done:
		return cr, nil
	case <-ctx.Done():
		observability.LoggerFromContext(ctx).Info("caller abandoned job; in-flight call will complete in background",
			slog.String("key_slot", keyID))
		return domain.CallResult{}, ctx.Err()
	}
}

// settle applies the pool and ledger side effects of one finished call.
func (e *Executor) settle(keyID string, job domain.RequestJob, cr domain.CallResult) {
	observability.ObserveUpstreamCall(keyID, string(cr.Outcome))
	switch cr.Outcome {
	case domain.OutcomeSuccess:
		e.pool.RecordUsage(keyID)
		e.ledger.AppendExchange(keyID, job.Payload.Prompt, cr.Text)
	case domain.OutcomeRateLimited:
		d := e.opts.CooldownDuration
		if cr.RetryAfter > d {
			d = cr.RetryAfter
		}
		e.pool.MarkCooldown(keyID, d)
		observability.ObserveCooldown(keyID)
	}
}

// Wait blocks until every in-flight upstream call has finished.
func (e *Executor) Wait() { e.inflight.Wait() }
