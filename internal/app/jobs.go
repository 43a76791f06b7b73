package app

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fairyhunter13/llm-keyrouter/internal/domain"
	"github.com/fairyhunter13/llm-keyrouter/internal/service/consensus"
	"github.com/fairyhunter13/llm-keyrouter/internal/usecase"
)

// maxLineBytes bounds one JSON-lines job.
const maxLineBytes = 4 << 20

// Submitter is the part of usecase.Service the job stream needs.
type Submitter interface {
	Submit(ctx context.Context, category domain.TaskCategory, payload domain.Payload, opts usecase.SubmitOptions) (domain.ParsedResult, error)
	SubmitConsensus(ctx context.Context, category domain.TaskCategory, payload domain.Payload, opts usecase.ConsensusOptions, extract consensus.SignalFunc) domain.ConsensusResult
}

// JobLine is one input line.
//
//	{"ref":"a1","category":"screening","prompt":"...","consensus":{"run_count":3,"min_agreements":2,"field":"tickers"}}
type JobLine struct {
	Ref        string          `json:"ref"`
	Category   string          `json:"category"`
	System     string          `json:"system"`
	Prompt     string          `json:"prompt"`
	MaxTokens  int             `json:"max_tokens"`
	UseContext bool            `json:"use_context"`
	MaxRetries int             `json:"max_retries"`
	Consensus  *ConsensusInput `json:"consensus,omitempty"`
}

// ConsensusInput turns a line into a consensus job.
type ConsensusInput struct {
	RunCount      int    `json:"run_count"`
	MinAgreements int    `json:"min_agreements"`
	InterRunDelay string `json:"inter_run_delay"`
	// Field holds the items (or the label when Mode is "label").
	Field string `json:"field"`
	Mode  string `json:"mode"`
	Top   int    `json:"top"`
}

// ResultLine is one output line.
type ResultLine struct {
	Ref       string                  `json:"ref,omitempty"`
	Line      int                     `json:"line"`
	Result    *domain.ParsedResult    `json:"result,omitempty"`
	Consensus *domain.ConsensusResult `json:"consensus,omitempty"`
	Top       []string                `json:"top,omitempty"`
	Error     string                  `json:"error,omitempty"`
}

// ProcessJobs reads JSON-lines jobs from r and writes one result line per job
// to w, in completion order. At most workers jobs run at once. It returns when
// r is exhausted and every job has finished, or when ctx ends.
func ProcessJobs(ctx context.Context, svc Submitter, r io.Reader, w io.Writer, workers int) error {
	if workers < 1 {
		workers = 1
	}
	var mu sync.Mutex
	enc := json.NewEncoder(w)
	emit := func(out ResultLine) error {
		mu.Lock()
		defer mu.Unlock()
		return enc.Encode(out)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	lines, scanErr := scanLines(gctx, r)
read:
	for {
		var ln numberedLine
		select {
		case <-gctx.Done():
			break read
		case l, ok := <-lines:
			if !ok {
				break read
			}
			ln = l
		}
		if gctx.Err() != nil {
			break
		}
		var job JobLine
		if err := json.Unmarshal([]byte(ln.raw), &job); err != nil {
			if err := emit(ResultLine{Line: ln.n, Error: fmt.Sprintf("decode: %v", err)}); err != nil {
				return fmt.Errorf("op=app.ProcessJobs: %w", err)
			}
			continue
		}
		g.Go(func() error {
			return emit(runJob(gctx, svc, ln.n, job))
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("op=app.ProcessJobs: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := <-scanErr; err != nil {
		return fmt.Errorf("op=app.ProcessJobs: %w", err)
	}
	return nil
}

type numberedLine struct {
	n   int
	raw string
}

// scanLines reads r on its own goroutine so a blocked read never holds up
// shutdown. Blank and comment lines are dropped. The error channel yields
// once lines is closed; the reader goroutine itself exits only when r does.
func scanLines(ctx context.Context, r io.Reader) (<-chan numberedLine, <-chan error) {
	lines := make(chan numberedLine)
	errc := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
		n := 0
		for sc.Scan() {
			n++
			raw := strings.TrimSpace(sc.Text())
			if raw == "" || strings.HasPrefix(raw, "#") {
				continue
			}
			select {
			case lines <- numberedLine{n: n, raw: raw}:
			case <-ctx.Done():
				errc <- nil
				return
			}
		}
		errc <- sc.Err()
	}()
	return lines, errc
}

func runJob(ctx context.Context, svc Submitter, n int, job JobLine) ResultLine {
	out := ResultLine{Ref: job.Ref, Line: n}
	category, err := domain.ParseTaskCategory(defaultString(job.Category, string(domain.CategoryGeneral)))
	if err != nil {
		out.Error = err.Error()
		return out
	}
	payload := domain.Payload{System: job.System, Prompt: job.Prompt, MaxTokens: job.MaxTokens}

	if job.Consensus != nil {
		opts, extract, err := consensusOptions(*job.Consensus, job.UseContext)
		if err != nil {
			out.Error = err.Error()
			return out
		}
		res := svc.SubmitConsensus(ctx, category, payload, opts, extract)
		out.Consensus = &res
		if job.Consensus.Top > 0 {
			out.Top = consensus.Top(res, job.Consensus.Top)
		}
		return out
	}

	res, err := svc.Submit(ctx, category, payload, usecase.SubmitOptions{UseContext: job.UseContext, MaxRetries: job.MaxRetries})
	if err != nil {
		out.Error = err.Error()
		if !errors.Is(err, context.Canceled) {
			slog.Warn("job line failed", slog.Int("line", n), slog.String("ref", job.Ref), slog.Any("error", err))
		}
		return out
	}
	out.Result = &res
	return out
}

func consensusOptions(in ConsensusInput, useContext bool) (usecase.ConsensusOptions, consensus.SignalFunc, error) {
	opts := usecase.ConsensusOptions{RunCount: in.RunCount, MinAgreements: in.MinAgreements, UseContext: useContext}
	if in.InterRunDelay != "" {
		d, err := time.ParseDuration(in.InterRunDelay)
		if err != nil {
			return opts, nil, fmt.Errorf("%w: inter_run_delay: %v", domain.ErrInvalidArgument, err)
		}
		opts.InterRunDelay = d
	}
	field := defaultString(in.Field, "items")
	switch strings.ToLower(in.Mode) {
	case "", "items":
		return opts, consensus.ItemsFromField(field), nil
	case "label":
		return opts, consensus.LabelFromField(field), nil
	default:
		return opts, nil, fmt.Errorf("%w: unknown consensus mode %q", domain.ErrInvalidArgument, in.Mode)
	}
}

func defaultString(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
