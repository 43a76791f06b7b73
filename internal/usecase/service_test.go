package usecase_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/llm-keyrouter/internal/adapter/upstream/simulated"
	"github.com/fairyhunter13/llm-keyrouter/internal/domain"
	"github.com/fairyhunter13/llm-keyrouter/internal/domain/mocks"
	"github.com/fairyhunter13/llm-keyrouter/internal/service/consensus"
	"github.com/fairyhunter13/llm-keyrouter/internal/service/dispatcher"
	"github.com/fairyhunter13/llm-keyrouter/internal/service/executor"
	"github.com/fairyhunter13/llm-keyrouter/internal/service/keypool"
	"github.com/fairyhunter13/llm-keyrouter/internal/service/ledger"
	"github.com/fairyhunter13/llm-keyrouter/internal/usecase"
)

type harness struct {
	svc  *usecase.Service
	pool *keypool.Pool
}

func newHarness(t *testing.T, specs []domain.KeySpec, up domain.Upstream, quota int) harness {
	t.Helper()
	pool, err := keypool.New(specs, keypool.Options{Window: time.Minute, QuotaPerWindow: quota, SoftQuotaFraction: 0.67})
	require.NoError(t, err)
	d := dispatcher.New(pool, dispatcher.Options{
		PollInterval:   5 * time.Millisecond,
		WaitTimeout:    50 * time.Millisecond,
		NearQuotaDelay: time.Millisecond,
		MaxParallel:    1,
	})
	l := ledger.New(ledger.Options{})
	ex := executor.New(pool, d, l, up, nil, executor.Options{CooldownDuration: time.Minute, BackoffBase: time.Millisecond})
	svc := usecase.NewService(d, ex, usecase.Options{
		MaxRetries:       1,
		RetryBackoffBase: time.Millisecond,
		Consensus: consensus.Options{
			RetryInterval:     time.Millisecond,
			MaxAttemptsPerRun: 2,
			MaxTotalAttempts:  20,
			MaxDuration:       10 * time.Second,
		},
	})
	t.Cleanup(svc.Drain)
	return harness{svc: svc, pool: pool}
}

func threeKeys() []domain.KeySpec {
	return []domain.KeySpec{
		{ID: "key-1", Credential: "cred-1", Affinity: domain.CategoryScreening},
		{ID: "key-2", Credential: "cred-2"},
		{ID: "key-3", Credential: "cred-3"},
	}
}

func payload(prompt string) domain.Payload {
	return domain.Payload{System: "answer in JSON", Prompt: prompt, MaxTokens: 128}
}

func TestSubmit_ThreeKeysQuotaTwoSixJobs(t *testing.T) {
	up := simulated.New(simulated.Options{QuotaPerWindow: 2, Window: time.Minute})
	h := newHarness(t, threeKeys(), up, 2)

	for i := 0; i < 6; i++ {
		res, err := h.svc.Submit(context.Background(), domain.CategoryScreening, payload("job"), usecase.SubmitOptions{})
		require.NoError(t, err, "job %d", i+1)
		assert.True(t, res.Success)
		assert.NotEmpty(t, res.KeySlotID)
	}

	rejected := 0
	for _, cred := range []string{"cred-1", "cred-2", "cred-3"} {
		st := up.Stats(cred)
		assert.LessOrEqual(t, st.Total-st.Rejected, 2, cred)
		rejected += st.Rejected
	}
	assert.GreaterOrEqual(t, rejected, 1, "the affinity key runs into its quota")

	cooling := 0
	for _, k := range h.svc.Keys() {
		if k.CooldownUntil != nil {
			cooling++
		}
	}
	assert.GreaterOrEqual(t, cooling, 1)
}

func TestSubmit_ConcurrentJobsDoNotExhaust(t *testing.T) {
	up := simulated.New(simulated.Options{QuotaPerWindow: 2, Window: time.Minute})
	h := newHarness(t, threeKeys(), up, 2)

	var wg sync.WaitGroup
	errs := make([]error, 6)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.svc.Submit(context.Background(), domain.CategoryScreening, payload("job"), usecase.SubmitOptions{})
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		assert.NoError(t, err, "job %d", i+1)
	}
}

// coolingRecorder rejects key-1's first call and records every call that
// reaches a key while it is cooling down.
type coolingRecorder struct {
	mu      sync.Mutex
	pool    *keypool.Pool
	calls   []string
	cooling []string
}

func (r *coolingRecorder) Complete(_ context.Context, credential string, _ domain.UpstreamRequest) domain.CallResult {
	id := strings.Replace(credential, "cred-", "key-", 1)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, id)
	if r.pool.CooldownRemaining(id) > 0 {
		r.cooling = append(r.cooling, id)
	}
	if id == "key-1" && len(r.calls) == 1 {
		return domain.CallResult{Outcome: domain.OutcomeRateLimited, StatusCode: 429}
	}
	return domain.CallResult{Text: `{"ok": true}`}
}

func TestSubmit_ConcurrentJobsSkipKeyCoolingWhileQueued(t *testing.T) {
	rec := &coolingRecorder{}
	specs := []domain.KeySpec{
		{ID: "key-1", Credential: "cred-1", Affinity: domain.CategoryScreening},
		{ID: "key-2", Credential: "cred-2"},
	}
	h := newHarness(t, specs, rec, 100)
	rec.pool = h.pool

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.svc.Submit(context.Background(), domain.CategoryScreening, payload("job"), usecase.SubmitOptions{})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		assert.NoError(t, err, "job %d", i+1)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Empty(t, rec.cooling, "calls=%v", rec.calls)
	assert.Equal(t, "key-1", rec.calls[0])
	assert.Len(t, rec.calls, 4)
}

func TestSubmitConsensus_RunTwoNeverRecovers(t *testing.T) {
	answers := map[string]string{
		"-run1": `{"items": ["AAPL", "MSFT", "TSLA"]}`,
		"-run3": `Sure! {"items": ["AAPL", "TSLA", "NVDA"]}`,
	}
	up := simulated.New(simulated.Options{Responder: func(_ context.Context, _ string, req domain.UpstreamRequest) domain.CallResult {
		for suffix, text := range answers {
			if strings.HasSuffix(req.JobID, suffix) {
				return domain.CallResult{Text: text}
			}
		}
		return domain.CallResult{Outcome: domain.OutcomeTransient, StatusCode: 503}
	}})
	h := newHarness(t, threeKeys(), up, 100)

	res := h.svc.SubmitConsensus(context.Background(), domain.CategoryAnalysis, payload("pick tickers"),
		usecase.ConsensusOptions{RunCount: 3, MinAgreements: 2}, consensus.ItemsFromField("items"))

	assert.Equal(t, 2, res.SuccessfulRuns)
	assert.Equal(t, 4, res.AttemptedRuns)
	assert.True(t, res.Degraded)
	assert.Equal(t, domain.ConsensusInsufficient, res.State)
	assert.Equal(t, []string{"AAPL", "TSLA"}, res.AcceptedItems)
	assert.Equal(t, 1, res.AppearanceCounts["NVDA"])
}

func TestSubmitConsensus_DefaultsExtractorAndClamps(t *testing.T) {
	up := simulated.New(simulated.Options{Responder: simulated.StaticResponder(`["x", "y"]`)})
	h := newHarness(t, threeKeys(), up, 100)

	res := h.svc.SubmitConsensus(context.Background(), domain.CategoryGeneral, payload("p"),
		usecase.ConsensusOptions{RunCount: 2, MinAgreements: 9}, nil)

	assert.Equal(t, 2, res.MinAgreements)
	assert.Equal(t, domain.ConsensusSufficient, res.State)
	assert.Equal(t, []string{"x", "y"}, res.AcceptedItems)
}

func TestSubmitConsensus_InvalidPayloadIsDegraded(t *testing.T) {
	up := &mocks.MockUpstream{}
	h := newHarness(t, threeKeys(), up, 100)

	res := h.svc.SubmitConsensus(context.Background(), domain.CategoryGeneral, domain.Payload{}, usecase.ConsensusOptions{RunCount: 3, MinAgreements: 2}, nil)
	assert.True(t, res.Degraded)
	assert.Equal(t, 0, res.AttemptedRuns)
	assert.NotEmpty(t, res.JobID)
	up.AssertNotCalled(t, "Complete", mock.Anything, mock.Anything, mock.Anything)
}

func TestSubmit_InvalidArguments(t *testing.T) {
	up := &mocks.MockUpstream{}
	h := newHarness(t, threeKeys(), up, 10)

	_, err := h.svc.Submit(context.Background(), domain.TaskCategory("crypto"), payload("p"), usecase.SubmitOptions{})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = h.svc.Submit(context.Background(), domain.CategoryGeneral, domain.Payload{Prompt: ""}, usecase.SubmitOptions{})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = h.svc.Submit(context.Background(), domain.CategoryGeneral, domain.Payload{Prompt: "p", MaxTokens: -1}, usecase.SubmitOptions{})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	up.AssertNotCalled(t, "Complete", mock.Anything, mock.Anything, mock.Anything)
}

func TestSubmit_FatalIsReturnedWithoutFallback(t *testing.T) {
	up := &mocks.MockUpstream{}
	up.On("Complete", mock.Anything, "cred-2", mock.Anything).
		Return(domain.CallResult{Outcome: domain.OutcomeFatal, StatusCode: 400, Err: errors.New("bad prompt")}).Once()
	h := newHarness(t, []domain.KeySpec{{ID: "key-2", Credential: "cred-2"}, {ID: "key-3", Credential: "cred-3"}}, up, 10)

	_, err := h.svc.Submit(context.Background(), domain.CategoryGeneral, payload("p"), usecase.SubmitOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrFatalRequest)
	up.AssertExpectations(t)
	up.AssertNumberOfCalls(t, "Complete", 1)
}

func TestSubmit_UseContextReplaysHistory(t *testing.T) {
	var mu sync.Mutex
	var seen [][]domain.Message
	up := &mocks.MockUpstream{}
	up.On("Complete", mock.Anything, "cred-1", mock.Anything).Return(
		func(_ domain.Context, _ string, req domain.UpstreamRequest) domain.CallResult {
			mu.Lock()
			seen = append(seen, req.Messages)
			mu.Unlock()
			b, _ := json.Marshal(map[string]int{"turn": len(seen)})
			return domain.CallResult{Outcome: domain.OutcomeSuccess, Text: string(b)}
		})
	h := newHarness(t, []domain.KeySpec{{ID: "key-1", Credential: "cred-1"}}, up, 100)

	_, err := h.svc.Submit(context.Background(), domain.CategoryGeneral, payload("first"), usecase.SubmitOptions{})
	require.NoError(t, err)
	res, err := h.svc.Submit(context.Background(), domain.CategoryGeneral, payload("second"), usecase.SubmitOptions{UseContext: true})
	require.NoError(t, err)

	var out struct{ Turn int }
	require.NoError(t, res.Decode(&out))
	assert.Equal(t, 2, out.Turn)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 2)
	last := seen[1]
	require.Len(t, last, 4)
	assert.Equal(t, domain.RoleSystem, last[0].Role)
	assert.Equal(t, "first", last[1].Content)
	assert.Equal(t, domain.RoleAssistant, last[2].Role)
	assert.Equal(t, "second", last[3].Content)
}

func TestSubmit_CancelledCaller(t *testing.T) {
	up := simulated.New(simulated.Options{Latency: 50 * time.Millisecond})
	h := newHarness(t, threeKeys(), up, 100)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := h.svc.Submit(ctx, domain.CategoryGeneral, payload("p"), usecase.SubmitOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	h.svc.Drain()
	total := 0
	for _, k := range h.svc.Keys() {
		total += k.TotalUsage
	}
	assert.Equal(t, 1, total, "the abandoned call still records usage")
}
