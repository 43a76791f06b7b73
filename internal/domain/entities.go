// Package domain holds the core types shared by the key pool, dispatcher,
// executor, parser and consensus components.
package domain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrNoKeys           = errors.New("no keys configured")
	ErrRateLimited      = errors.New("rate limited")
	ErrTransient        = errors.New("transient upstream failure")
	ErrFatalRequest     = errors.New("fatal request")
	ErrExhaustedAllKeys = errors.New("exhausted all keys")
)

// TaskCategory labels a kind of work; keys can be given an affinity for one.
type TaskCategory string

const (
	CategoryScreening TaskCategory = "screening"
	CategoryAnalysis  TaskCategory = "analysis"
	CategoryReport    TaskCategory = "report"
	CategoryGeneral   TaskCategory = "general"
)

// TaskCategories lists every recognized category in declaration order.
func TaskCategories() []TaskCategory {
	return []TaskCategory{CategoryScreening, CategoryAnalysis, CategoryReport, CategoryGeneral}
}

// ParseTaskCategory converts a label into a TaskCategory. Unknown labels are
// rejected rather than silently mapped to a default.
func ParseTaskCategory(s string) (TaskCategory, error) {
	c := TaskCategory(strings.ToLower(strings.TrimSpace(s)))
	if c.Valid() {
		return c, nil
	}
	return "", fmt.Errorf("%w: unknown task category %q", ErrInvalidArgument, s)
}

// Valid reports whether c is one of the declared categories.
func (c TaskCategory) Valid() bool {
	switch c {
	case CategoryScreening, CategoryAnalysis, CategoryReport, CategoryGeneral:
		return true
	}
	return false
}

func (c TaskCategory) String() string { return string(c) }

// KeySpec describes one credential at pool construction time.
type KeySpec struct {
	ID         string
	Credential string
	Affinity   TaskCategory
}

// KeySlot is one credential/quota unit in the pool.
// Invariant: CooldownUntil never moves backwards while it is in the future.
type KeySlot struct {
	ID            string
	Credential    string
	Affinity      TaskCategory
	CooldownUntil time.Time
	Usage         []time.Time
	LastUsedAt    time.Time
}

// KeySlotStatus is a secret-free view of a KeySlot.
type KeySlotStatus struct {
	ID            string       `json:"id"`
	Affinity      TaskCategory `json:"affinity"`
	CooldownUntil *time.Time   `json:"cooldown_until,omitempty"`
	WindowUsage   int          `json:"window_usage"`
	TotalUsage    int          `json:"total_usage"`
	NearQuota     bool         `json:"near_quota"`
	LastUsedAt    *time.Time   `json:"last_used_at,omitempty"`
}

// Payload is a fully rendered request body. Template substitution happens
// before it reaches the core.
type Payload struct {
	System    string `json:"system,omitempty"`
	Prompt    string `json:"prompt" validate:"required"`
	MaxTokens int    `json:"max_tokens,omitempty" validate:"gte=0"`
}

// RequestJob is a single unit of work. Immutable once submitted.
type RequestJob struct {
	ID               string
	Category         TaskCategory
	Payload          Payload
	UseContext       bool
	MaxRetries       int
	RetryBackoffBase time.Duration
}

// CallAttempt records one outbound call made for a job.
type CallAttempt struct {
	KeySlotID string
	Attempt   int
	StartedAt time.Time
	Outcome   Outcome
	RawText   string
}

// ParsedResult is the structured view of a model response.
// Payload and Raw are set iff Success; ParseError is set iff !Success.
type ParsedResult struct {
	Success    bool            `json:"success"`
	Payload    any             `json:"payload,omitempty"`
	Raw        json.RawMessage `json:"-"`
	RawText    string          `json:"raw_text"`
	ParseError string          `json:"parse_error,omitempty"`
	Strategy   string          `json:"strategy,omitempty"`
	KeySlotID  string          `json:"key_slot,omitempty"`
	Attempts   int             `json:"attempts,omitempty"`
}

// Decode unmarshals the extracted structured payload into v.
func (r ParsedResult) Decode(v any) error {
	if !r.Success || len(r.Raw) == 0 {
		return fmt.Errorf("%w: no structured payload", ErrInvalidArgument)
	}
	return json.Unmarshal(r.Raw, v)
}

// ConsensusJob asks for RunCount successful runs of Base and accepts items seen
// in at least MinAgreements of them.
type ConsensusJob struct {
	ID            string
	Base          RequestJob
	RunCount      int
	MinAgreements int
	InterRunDelay time.Duration
}

// ConsensusState tracks a consensus job through its lifecycle.
type ConsensusState string

const (
	ConsensusPending      ConsensusState = "pending"
	ConsensusRunning      ConsensusState = "running"
	ConsensusSufficient   ConsensusState = "sufficient"
	ConsensusInsufficient ConsensusState = "insufficient"
)

// ConsensusResult is the aggregate of a ConsensusJob's successful runs.
type ConsensusResult struct {
	JobID            string         `json:"job_id"`
	AcceptedItems    []string       `json:"accepted_items"`
	AppearanceCounts map[string]int `json:"appearance_counts"`
	SuccessfulRuns   int            `json:"successful_runs"`
	AttemptedRuns    int            `json:"attempted_runs"`
	RunCount         int            `json:"run_count"`
	MinAgreements    int            `json:"min_agreements"`
	State            ConsensusState `json:"state"`
	Degraded         bool           `json:"degraded"`
}

// Context is an alias so domain ports read without importing context everywhere.
type Context = context.Context

// NewJobID returns a lexically sortable job identifier.
func NewJobID() string { return ulid.Make().String() }
