// Package usecase exposes the call contract used by external collaborators:
// Submit for a single job and SubmitConsensus for a multi-run job.
package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/llm-keyrouter/internal/adapter/observability"
	"github.com/fairyhunter13/llm-keyrouter/internal/domain"
	"github.com/fairyhunter13/llm-keyrouter/internal/service/consensus"
	"github.com/fairyhunter13/llm-keyrouter/internal/service/dispatcher"
	"github.com/fairyhunter13/llm-keyrouter/internal/service/executor"
)

// SubmitOptions tunes one job.
type SubmitOptions struct {
	// UseContext replays the chosen key's bounded history before the prompt.
	UseContext bool
	// MaxRetries on the same key after a transient failure. Zero uses the
	// service default; a negative value disables retries.
	MaxRetries int
}

// ConsensusOptions tunes a consensus job. Out of range values are clamped.
type ConsensusOptions struct {
	RunCount      int
	MinAgreements int
	// InterRunDelay overrides the configured delay between successful runs.
	InterRunDelay time.Duration
	UseContext    bool
}

// Options holds service-wide defaults.
type Options struct {
	MaxRetries       int
	RetryBackoffBase time.Duration
	Consensus        consensus.Options
}

// Service is the entry point into the router core.
type Service struct {
	dispatch *dispatcher.Dispatcher
	exec     *executor.Executor
	agg      *consensus.Aggregator
	opts     Options
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

// NewService wires a service over an existing dispatcher and executor.
func NewService(d *dispatcher.Dispatcher, ex *executor.Executor, opts Options) *Service {
	s := &Service{dispatch: d, exec: ex, opts: opts}
	s.agg = consensus.New(consensus.RunnerFunc(s.run), opts.Consensus)
	return s
}

// Submit runs one job to completion. A response without a structured payload
// is returned as ParsedResult{Success:false} and a nil error. Errors are
// ErrInvalidArgument, ErrFatalRequest, ErrExhaustedAllKeys or the caller's
// context error.
func (s *Service) Submit(ctx context.Context, category domain.TaskCategory, payload domain.Payload, opts SubmitOptions) (domain.ParsedResult, error) {
	job, err := s.newJob(category, payload, opts.UseContext, opts.MaxRetries)
	if err != nil {
		return domain.ParsedResult{}, fmt.Errorf("op=usecase.Submit: %w", err)
	}
	res, err := s.run(ctx, job)
	if err != nil {
		return domain.ParsedResult{}, fmt.Errorf("op=usecase.Submit: %w", err)
	}
	return res, nil
}

// SubmitConsensus runs the payload until RunCount runs succeed or the
// consensus budget runs out, and aggregates the items extract pulls from each
// run. It never fails: an invalid request or too few successes yield a
// degraded result. A nil extract reads the "items" field.
func (s *Service) SubmitConsensus(ctx context.Context, category domain.TaskCategory, payload domain.Payload, opts ConsensusOptions, extract consensus.SignalFunc) domain.ConsensusResult {
	if extract == nil {
		extract = consensus.ItemsFromField("items")
	}
	base, err := s.newJob(category, payload, opts.UseContext, 0)
	if err != nil {
		observability.LoggerFromContext(ctx).Error("rejected consensus job", slog.Any("error", err))
		return domain.ConsensusResult{
			JobID:            domain.NewJobID(),
			AcceptedItems:    []string{},
			AppearanceCounts: map[string]int{},
			RunCount:         opts.RunCount,
			MinAgreements:    opts.MinAgreements,
			State:            domain.ConsensusInsufficient,
			Degraded:         true,
		}
	}
	return s.agg.Run(ctx, domain.ConsensusJob{
		ID:            domain.NewJobID(),
		Base:          base,
		RunCount:      opts.RunCount,
		MinAgreements: opts.MinAgreements,
		InterRunDelay: opts.InterRunDelay,
	}, extract)
}

// Keys returns a secret-free view of the key pool.
func (s *Service) Keys() []domain.KeySlotStatus {
	return s.dispatch.Pool().Snapshot()
}

// Drain waits for upstream calls abandoned by cancelled callers.
func (s *Service) Drain() { s.exec.Wait() }

func (s *Service) newJob(category domain.TaskCategory, payload domain.Payload, useContext bool, maxRetries int) (domain.RequestJob, error) {
	if !category.Valid() {
		return domain.RequestJob{}, fmt.Errorf("%w: unknown task category %q", domain.ErrInvalidArgument, category)
	}
	if err := getValidator().Struct(payload); err != nil {
		return domain.RequestJob{}, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
	}
	switch {
	case maxRetries == 0:
		maxRetries = s.opts.MaxRetries
	case maxRetries < 0:
		maxRetries = 0
	}
	return domain.RequestJob{
		ID:               domain.NewJobID(),
		Category:         category,
		Payload:          payload,
		UseContext:       useContext,
		MaxRetries:       maxRetries,
		RetryBackoffBase: s.opts.RetryBackoffBase,
	}, nil
}

// run pushes one job through dispatcher and executor. Consensus runs come
// through here too, each with its own run ID.
func (s *Service) run(ctx context.Context, job domain.RequestJob) (domain.ParsedResult, error) {
	ctx = observability.ContextWithJobID(ctx, job.ID)
	lg := observability.LoggerFromContext(ctx)
	category := job.Category.String()
	observability.StartProcessingJob(category)

	lease, err := s.dispatch.Acquire(ctx, job.Category)
	if err != nil {
		observability.FailJob(category)
		return domain.ParsedResult{}, err
	}
	defer lease.Release()

	res, err := s.exec.Execute(ctx, job, lease.KeyID)
	if err != nil {
		observability.FailJob(category)
		lg.Error("job failed", slog.String("category", category), slog.Any("error", err))
		return domain.ParsedResult{}, err
	}
	observability.CompleteJob(category)
	lg.Info("job completed",
		slog.String("category", category),
		slog.String("key_slot", res.KeySlotID),
		slog.Int("attempts", res.Attempts),
		slog.Bool("parsed", res.Success),
		slog.String("strategy", res.Strategy))
	return res, nil
}
