// Package openai implements domain.Upstream against an OpenAI-compatible
// chat completions endpoint (OpenRouter, Groq, Gemini's OpenAI surface).
package openai

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fairyhunter13/llm-keyrouter/internal/adapter/observability"
	"github.com/fairyhunter13/llm-keyrouter/internal/domain"
)

const provider = "openai_compatible"

// Options configures the client.
type Options struct {
	BaseURL     string
	Model       string
	Temperature float64
	Timeout     time.Duration
	// Referer and Title are sent as OpenRouter attribution headers when set.
	Referer string
	Title   string
	// HTTPClient overrides the default instrumented client.
	HTTPClient *http.Client
}

// Client performs exactly one chat completion per Complete call.
type Client struct {
	opts Options
	hc   *http.Client
}

// New constructs a client with an otelhttp-wrapped transport.
func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 120 * time.Second
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{
			Timeout:   opts.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	return &Client{opts: opts, hc: hc}
}

// readSnippet reads up to n bytes from r.
func readSnippet(r io.Reader, n int) string {
	if r == nil || n <= 0 {
		return ""
	}
	b, _ := io.ReadAll(io.LimitReader(r, int64(n)))
	return string(b)
}

type chatRequest struct {
	Model       string           `json:"model"`
	Temperature float64          `json:"temperature"`
	MaxTokens   int              `json:"max_tokens,omitempty"`
	Messages    []domain.Message `json:"messages"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Complete sends one request with the given credential and classifies the
// outcome. It never retries.
func (c *Client) Complete(ctx domain.Context, credential string, req domain.UpstreamRequest) domain.CallResult {
	if credential == "" {
		return domain.CallResult{Outcome: domain.OutcomeFatal, Err: fmt.Errorf("%w: empty credential", domain.ErrInvalidArgument)}
	}
	body, err := json.Marshal(chatRequest{
		Model:       c.opts.Model,
		Temperature: c.opts.Temperature,
		MaxTokens:   req.MaxTokens,
		Messages:    req.Messages,
	})
	if err != nil {
		return domain.CallResult{Outcome: domain.OutcomeFatal, Err: fmt.Errorf("op=openai.Complete: marshal: %w", err)}
	}

	endpoint := c.opts.BaseURL + "/chat/completions"
	r, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return domain.CallResult{Outcome: domain.OutcomeFatal, Err: fmt.Errorf("op=openai.Complete: %w", err)}
	}
	r.Header.Set("Authorization", "Bearer "+credential)
	r.Header.Set("Content-Type", "application/json")
	if c.opts.Referer != "" {
		r.Header.Set("HTTP-Referer", c.opts.Referer)
	}
	if c.opts.Title != "" {
		r.Header.Set("X-Title", c.opts.Title)
	}

	start := time.Now()
	resp, err := c.hc.Do(r)
	observability.AIRequestsTotal.WithLabelValues(provider, "chat").Inc()
	observability.AIRequestDuration.WithLabelValues(provider, "chat").Observe(time.Since(start).Seconds())
	if err != nil {
		slog.Warn("upstream request failed", slog.String("provider", provider), slog.String("job_id", req.JobID), slog.Any("error", err))
		return domain.CallResult{Outcome: domain.OutcomeTransient, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if outcome := classify(resp.StatusCode); outcome != domain.OutcomeSuccess {
		snippet := readSnippet(resp.Body, 512)
		res := domain.CallResult{
			Outcome:    outcome,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("chat status %d: %s", resp.StatusCode, snippet),
		}
		if outcome == domain.OutcomeRateLimited {
			res.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
		}
		slog.Warn("upstream non-2xx",
			slog.String("provider", provider),
			slog.String("job_id", req.JobID),
			slog.Int("status", resp.StatusCode),
			slog.String("outcome", string(outcome)),
			slog.String("x_request_id", resp.Header.Get("X-Request-Id")),
			slog.String("body", snippet))
		return res
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return domain.CallResult{Outcome: domain.OutcomeTransient, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	if len(out.Choices) == 0 || strings.TrimSpace(out.Choices[0].Message.Content) == "" {
		return domain.CallResult{Outcome: domain.OutcomeTransient, StatusCode: resp.StatusCode, Err: errors.New("empty choices")}
	}
	if out.Model != "" && c.opts.Model != "" && out.Model != c.opts.Model {
		slog.Debug("model substitution detected", slog.String("requested_model", c.opts.Model), slog.String("actual_model", out.Model))
	}
	return domain.CallResult{Outcome: domain.OutcomeSuccess, StatusCode: resp.StatusCode, Text: out.Choices[0].Message.Content}
}

// classify maps an HTTP status onto a call outcome. 408 and 425 are
// timing problems and worth retrying; every other 4xx is a request the
// provider will keep rejecting.
func classify(status int) domain.Outcome {
	switch {
	case status >= 200 && status < 300:
		return domain.OutcomeSuccess
	case status == http.StatusTooManyRequests:
		return domain.OutcomeRateLimited
	case status == http.StatusRequestTimeout, status == http.StatusTooEarly:
		return domain.OutcomeTransient
	case status >= 400 && status < 500:
		return domain.OutcomeFatal
	default:
		return domain.OutcomeTransient
	}
}

// parseRetryAfter accepts delta-seconds or an HTTP date; zero when absent or unparsable.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs * float64(time.Second))
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
