package consensus

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/llm-keyrouter/internal/domain"
)

func itemsResult(items ...string) domain.ParsedResult {
	list := make([]any, len(items))
	for i, it := range items {
		list[i] = it
	}
	return domain.ParsedResult{Success: true, Payload: map[string]any{"items": list}}
}

// sequenceRunner returns the i-th scripted response on the i-th call.
type sequenceRunner struct {
	mu    sync.Mutex
	calls []string
	resp  []func() (domain.ParsedResult, error)
}

func (r *sequenceRunner) Run(_ context.Context, job domain.RequestJob) (domain.ParsedResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := len(r.calls)
	r.calls = append(r.calls, job.ID)
	if i >= len(r.resp) {
		return domain.ParsedResult{}, errors.New("script exhausted")
	}
	return r.resp[i]()
}

func ok(items ...string) func() (domain.ParsedResult, error) {
	return func() (domain.ParsedResult, error) { return itemsResult(items...), nil }
}

func fail(err error) func() (domain.ParsedResult, error) {
	return func() (domain.ParsedResult, error) { return domain.ParsedResult{}, err }
}

func fastOptions() Options {
	return Options{RetryInterval: time.Millisecond, MaxAttemptsPerRun: 3, MaxTotalAttempts: 50, MaxDuration: 5 * time.Second}
}

func consensusJob(runs, agree int) domain.ConsensusJob {
	return domain.ConsensusJob{
		ID:            "cj-1",
		Base:          domain.RequestJob{Category: domain.CategoryScreening, Payload: domain.Payload{Prompt: "pick"}},
		RunCount:      runs,
		MinAgreements: agree,
	}
}

func TestRun_ThresholdThreeOfFive(t *testing.T) {
	t.Parallel()
	r := &sequenceRunner{resp: []func() (domain.ParsedResult, error){
		ok("AAPL", "MSFT", "TSLA"),
		ok("AAPL", "MSFT"),
		ok("AAPL", "TSLA", "NVDA"),
		ok("AAPL"),
		ok("AAPL", "MSFT"),
	}}
	res := New(r, fastOptions()).Run(context.Background(), consensusJob(5, 3), ItemsFromField("items"))

	assert.Equal(t, 5, res.SuccessfulRuns)
	assert.Equal(t, 5, res.AttemptedRuns)
	assert.Equal(t, domain.ConsensusSufficient, res.State)
	assert.False(t, res.Degraded)
	assert.Equal(t, []string{"AAPL", "MSFT"}, res.AcceptedItems)
	assert.Equal(t, 3, res.AppearanceCounts["MSFT"])
	assert.Equal(t, 2, res.AppearanceCounts["TSLA"])
	assert.NotContains(t, res.AcceptedItems, "TSLA", "2 of 5 is below the threshold")
	assert.Equal(t, []string{"cj-1-run1", "cj-1-run2", "cj-1-run3", "cj-1-run4", "cj-1-run5"}, r.calls)
}

func TestRun_TieBreakByFirstSeenAndPerRunDedup(t *testing.T) {
	t.Parallel()
	r := &sequenceRunner{resp: []func() (domain.ParsedResult, error){
		ok("B", "A", "A", "C"),
		ok("C", "A", "B"),
	}}
	res := New(r, fastOptions()).Run(context.Background(), consensusJob(2, 1), ItemsFromField("items"))

	assert.Equal(t, 2, res.AppearanceCounts["A"], "duplicates inside one run count once")
	assert.Equal(t, []string{"B", "A", "C"}, res.AcceptedItems)
}

func TestRun_RetriesSameSlotAfterFailure(t *testing.T) {
	t.Parallel()
	r := &sequenceRunner{resp: []func() (domain.ParsedResult, error){
		ok("X"),
		fail(domain.ErrTransient),
		func() (domain.ParsedResult, error) { return domain.ParsedResult{Success: false, ParseError: "no json"}, nil },
		ok("X"),
	}}
	res := New(r, fastOptions()).Run(context.Background(), consensusJob(2, 2), ItemsFromField("items"))

	assert.Equal(t, 2, res.SuccessfulRuns)
	assert.Equal(t, 4, res.AttemptedRuns)
	assert.Equal(t, []string{"X"}, res.AcceptedItems)
	assert.Equal(t, []string{"cj-1-run1", "cj-1-run2", "cj-1-run2", "cj-1-run2"}, r.calls)
}

func TestRun_SlotThatNeverRecovers(t *testing.T) {
	t.Parallel()
	runner := RunnerFunc(func(_ context.Context, job domain.RequestJob) (domain.ParsedResult, error) {
		if strings.HasSuffix(job.ID, "-run2") {
			return domain.ParsedResult{}, domain.ErrTransient
		}
		return itemsResult("AAPL", "MSFT"), nil
	})
	res := New(runner, fastOptions()).Run(context.Background(), consensusJob(3, 2), ItemsFromField("items"))

	assert.Equal(t, 2, res.SuccessfulRuns)
	assert.Equal(t, 1+3+1, res.AttemptedRuns)
	assert.True(t, res.Degraded)
	assert.Equal(t, domain.ConsensusInsufficient, res.State)
	assert.Equal(t, []string{"AAPL", "MSFT"}, res.AcceptedItems)
}

func TestRun_ZeroSuccessesIsDegradedNotError(t *testing.T) {
	t.Parallel()
	runner := RunnerFunc(func(context.Context, domain.RequestJob) (domain.ParsedResult, error) {
		return domain.ParsedResult{}, domain.ErrExhaustedAllKeys
	})
	opts := fastOptions()
	opts.MaxTotalAttempts = 4
	res := New(runner, opts).Run(context.Background(), consensusJob(3, 2), ItemsFromField("items"))

	assert.Equal(t, 0, res.SuccessfulRuns)
	assert.Equal(t, 4, res.AttemptedRuns, "total attempt ceiling")
	assert.Empty(t, res.AcceptedItems)
	assert.True(t, res.Degraded)
	assert.Equal(t, domain.ConsensusInsufficient, res.State)
}

func TestRun_FatalRequestStopsEarly(t *testing.T) {
	t.Parallel()
	r := &sequenceRunner{resp: []func() (domain.ParsedResult, error){
		ok("A"),
		fail(domain.ErrFatalRequest),
	}}
	res := New(r, fastOptions()).Run(context.Background(), consensusJob(3, 1), ItemsFromField("items"))

	assert.Equal(t, 1, res.SuccessfulRuns)
	assert.Equal(t, 2, res.AttemptedRuns)
	assert.Equal(t, []string{"A"}, res.AcceptedItems)
}

func TestRun_ExtractErrorCountsAsFailure(t *testing.T) {
	t.Parallel()
	r := &sequenceRunner{resp: []func() (domain.ParsedResult, error){
		func() (domain.ParsedResult, error) {
			return domain.ParsedResult{Success: true, Payload: map[string]any{"other": 1}}, nil
		},
		ok("A"),
	}}
	res := New(r, fastOptions()).Run(context.Background(), consensusJob(1, 1), ItemsFromField("items"))
	assert.Equal(t, 1, res.SuccessfulRuns)
	assert.Equal(t, 2, res.AttemptedRuns)
}

func TestRun_MaxDurationBoundsTheLoop(t *testing.T) {
	t.Parallel()
	runner := RunnerFunc(func(context.Context, domain.RequestJob) (domain.ParsedResult, error) {
		return domain.ParsedResult{}, domain.ErrTransient
	})
	opts := Options{RetryInterval: 5 * time.Millisecond, MaxAttemptsPerRun: 1000, MaxTotalAttempts: 1000, MaxDuration: 40 * time.Millisecond}

	start := time.Now()
	res := New(runner, opts).Run(context.Background(), consensusJob(2, 1), ItemsFromField("items"))
	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, res.Degraded)
	assert.Greater(t, res.AttemptedRuns, 1)
}

func TestRun_ContextCancelled(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	runner := RunnerFunc(func(context.Context, domain.RequestJob) (domain.ParsedResult, error) {
		cancel()
		return itemsResult("A"), nil
	})
	res := New(runner, Options{InterRunDelay: time.Hour}).Run(ctx, consensusJob(3, 1), ItemsFromField("items"))

	assert.Equal(t, 1, res.SuccessfulRuns)
	assert.Equal(t, 1, res.AttemptedRuns)
	assert.True(t, res.Degraded)
}

func TestRun_InterRunDelayBetweenSuccesses(t *testing.T) {
	t.Parallel()
	r := &sequenceRunner{resp: []func() (domain.ParsedResult, error){ok("A"), ok("A")}}
	job := consensusJob(2, 2)
	job.InterRunDelay = 30 * time.Millisecond

	start := time.Now()
	res := New(r, fastOptions()).Run(context.Background(), job, ItemsFromField("items"))
	elapsed := time.Since(start)

	assert.Equal(t, 2, res.SuccessfulRuns)
	assert.GreaterOrEqual(t, elapsed, 30*time.Millisecond)
}

func TestRun_ClampsParameters(t *testing.T) {
	t.Parallel()
	r := &sequenceRunner{resp: []func() (domain.ParsedResult, error){ok("A")}}
	res := New(r, fastOptions()).Run(context.Background(), consensusJob(0, 7), ItemsFromField("items"))

	assert.Equal(t, 1, res.RunCount)
	assert.Equal(t, 1, res.MinAgreements)
	assert.Equal(t, []string{"A"}, res.AcceptedItems)

	r = &sequenceRunner{resp: []func() (domain.ParsedResult, error){ok("A"), ok("B")}}
	res = New(r, fastOptions()).Run(context.Background(), consensusJob(2, 5), ItemsFromField("items"))
	assert.Equal(t, 2, res.MinAgreements)
	assert.Empty(t, res.AcceptedItems)
}

func TestRun_AssignsJobID(t *testing.T) {
	t.Parallel()
	r := &sequenceRunner{resp: []func() (domain.ParsedResult, error){ok("A")}}
	job := consensusJob(1, 1)
	job.ID = ""
	res := New(r, fastOptions()).Run(context.Background(), job, ItemsFromField("items"))
	assert.Len(t, res.JobID, 26)
}

func TestItemsFromField(t *testing.T) {
	t.Parallel()
	extract := ItemsFromField("tickers")

	items, err := extract(domain.ParsedResult{Success: true, Payload: map[string]any{"tickers": []any{" AAPL ", "", 7.0, nil, true}}})
	require.NoError(t, err)
	assert.Equal(t, []string{"AAPL", "7", "true"}, items)

	items, err = extract(domain.ParsedResult{Success: true, Payload: []any{"MSFT"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"MSFT"}, items)

	_, err = extract(domain.ParsedResult{Success: true, Payload: map[string]any{"tickers": "AAPL"}})
	assert.ErrorIs(t, err, ErrNoItems)
	_, err = extract(domain.ParsedResult{Success: true, Payload: map[string]any{}})
	assert.ErrorIs(t, err, ErrNoItems)
}

func TestLabelFromField(t *testing.T) {
	t.Parallel()
	extract := LabelFromField("label")

	items, err := extract(domain.ParsedResult{Payload: map[string]any{"label": " buy "}})
	require.NoError(t, err)
	assert.Equal(t, []string{"buy"}, items)

	_, err = extract(domain.ParsedResult{Payload: map[string]any{"label": 3.0}})
	assert.ErrorIs(t, err, ErrNoItems)
	_, err = extract(domain.ParsedResult{Payload: []any{"x"}})
	assert.ErrorIs(t, err, ErrNoItems)
}

func TestTop(t *testing.T) {
	t.Parallel()
	res := domain.ConsensusResult{AcceptedItems: []string{"A", "B", "C"}}
	assert.Equal(t, []string{"A", "B"}, Top(res, 2))
	assert.Equal(t, []string{"A", "B", "C"}, Top(res, 10))
	assert.Nil(t, Top(res, 0))
	assert.Nil(t, Top(domain.ConsensusResult{}, 3))
}
