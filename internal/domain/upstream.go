package domain

import (
	"fmt"
	"time"
)

// Outcome classifies one upstream call.
type Outcome string

const (
	OutcomeSuccess     Outcome = "success"
	OutcomeRateLimited Outcome = "rate_limited"
	OutcomeTransient   Outcome = "transient"
	OutcomeFatal       Outcome = "fatal"
)

// Role of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one chat turn sent upstream.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// UpstreamRequest is what the executor hands to an Upstream for one call.
type UpstreamRequest struct {
	JobID     string
	Category  TaskCategory
	Messages  []Message
	MaxTokens int
}

// CallResult is the tagged outcome of a single upstream call. Providers signal
// ordinary failures through Outcome rather than by returning an error.
type CallResult struct {
	Outcome    Outcome
	Text       string
	StatusCode int
	// RetryAfter is the provider's hint for rate-limited results; zero if absent.
	RetryAfter time.Duration
	Err        error
}

// Error converts a non-success result into an error wrapping the matching sentinel.
func (r CallResult) Error() error {
	var sentinel error
	switch r.Outcome {
	case OutcomeSuccess:
		return nil
	case OutcomeRateLimited:
		sentinel = ErrRateLimited
	case OutcomeFatal:
		sentinel = ErrFatalRequest
	default:
		sentinel = ErrTransient
	}
	if r.Err != nil {
		return fmt.Errorf("%w: status=%d: %v", sentinel, r.StatusCode, r.Err)
	}
	return fmt.Errorf("%w: status=%d", sentinel, r.StatusCode)
}

// Upstream performs one call against an inference endpoint using the given
// credential. Implementations must not retry; that is the executor's job.
type Upstream interface {
	Complete(ctx Context, credential string, req UpstreamRequest) CallResult
}
