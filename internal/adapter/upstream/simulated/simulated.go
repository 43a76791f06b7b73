// Package simulated provides an in-process upstream that enforces a per
// credential quota and answers with deterministic text. It backs dry runs and
// end-to-end tests.
package simulated

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/fairyhunter13/llm-keyrouter/internal/domain"
)

// Responder produces the result for an admitted call. A zero Outcome is
// treated as success.
type Responder func(ctx context.Context, credential string, req domain.UpstreamRequest) domain.CallResult

// Options configures the simulated upstream.
type Options struct {
	// QuotaPerWindow admitted calls per credential per Window; zero means unlimited.
	QuotaPerWindow int
	Window         time.Duration
	// Latency is slept before answering.
	Latency   time.Duration
	Responder Responder
	Now       func() time.Time
}

// Upstream implements domain.Upstream.
type Upstream struct {
	opts Options

	mu       sync.Mutex
	admitted map[string][]time.Time
	rejected map[string]int
	total    map[string]int
}

// New creates a simulated upstream.
func New(opts Options) *Upstream {
	if opts.Window <= 0 {
		opts.Window = time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Responder == nil {
		opts.Responder = EchoResponder
	}
	return &Upstream{
		opts:     opts,
		admitted: map[string][]time.Time{},
		rejected: map[string]int{},
		total:    map[string]int{},
	}
}

// Complete admits or rejects the call against the credential's window.
func (u *Upstream) Complete(ctx domain.Context, credential string, req domain.UpstreamRequest) domain.CallResult {
	if u.opts.Latency > 0 {
		t := time.NewTimer(u.opts.Latency)
		select {
		case <-ctx.Done():
			t.Stop()
			return domain.CallResult{Outcome: domain.OutcomeTransient, Err: ctx.Err()}
		case <-t.C:
		}
	}

	if retryAfter, ok := u.admit(credential); !ok {
		return domain.CallResult{
			Outcome:    domain.OutcomeRateLimited,
			StatusCode: 429,
			RetryAfter: retryAfter,
			Err:        fmt.Errorf("quota of %d per %s exceeded", u.opts.QuotaPerWindow, u.opts.Window),
		}
	}

	res := u.opts.Responder(ctx, credential, req)
	if res.Outcome == "" {
		res.Outcome = domain.OutcomeSuccess
	}
	if res.StatusCode == 0 && res.Outcome == domain.OutcomeSuccess {
		res.StatusCode = 200
	}
	return res
}

func (u *Upstream) admit(credential string) (time.Duration, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()

	now := u.opts.Now()
	u.total[credential]++
	if u.opts.QuotaPerWindow <= 0 {
		return 0, true
	}
	cutoff := now.Add(-u.opts.Window)
	kept := u.admitted[credential][:0]
	for _, ts := range u.admitted[credential] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	u.admitted[credential] = kept
	if len(kept) >= u.opts.QuotaPerWindow {
		u.rejected[credential]++
		return kept[0].Add(u.opts.Window).Sub(now), false
	}
	u.admitted[credential] = append(kept, now)
	return 0, true
}

// Stats reports call counts for one credential.
type Stats struct {
	Total    int
	Rejected int
}

// Stats returns the counters for credential.
func (u *Upstream) Stats(credential string) Stats {
	u.mu.Lock()
	defer u.mu.Unlock()
	return Stats{Total: u.total[credential], Rejected: u.rejected[credential]}
}

// EchoResponder answers with a small JSON object derived from the request.
func EchoResponder(_ context.Context, _ string, req domain.UpstreamRequest) domain.CallResult {
	var prompt string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == domain.RoleUser {
			prompt = req.Messages[i].Content
			break
		}
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(prompt))
	b, _ := json.Marshal(map[string]any{
		"job_id":   req.JobID,
		"category": req.Category,
		"digest":   fmt.Sprintf("%08x", h.Sum32()),
		"messages": len(req.Messages),
	})
	return domain.CallResult{Outcome: domain.OutcomeSuccess, Text: "```json\n" + string(b) + "\n```"}
}

// StaticResponder always answers with text.
func StaticResponder(text string) Responder {
	return func(context.Context, string, domain.UpstreamRequest) domain.CallResult {
		return domain.CallResult{Outcome: domain.OutcomeSuccess, Text: text}
	}
}
