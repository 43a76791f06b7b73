// Package ledger keeps a short per-key conversation history.
//
// Same-key continuation replays the full bounded history. When work moves to a
// different key only CondensedSummary crosses over, so history never grows
// across fallbacks.
package ledger

import (
	"strings"
	"sync"
	"time"

	"github.com/fairyhunter13/llm-keyrouter/internal/domain"
)

// SummaryHeader opens every condensed summary.
const SummaryHeader = "Context from previous conversation:"

// Truncator shortens text to a token budget.
type Truncator interface {
	Truncate(text string, maxTokens int) (string, bool)
}

// Options configures a Ledger.
type Options struct {
	HistoryDepth   int
	SummaryEntries int
	SummaryTokens  int
	Truncator      Truncator
}

// Entry is one recorded message.
type Entry struct {
	Role    domain.Role
	Content string
	At      time.Time
}

// Ledger stores the most recent entries per key slot.
type Ledger struct {
	mu      sync.Mutex
	entries map[string][]Entry
	opts    Options
}

// New creates a ledger. Zero options fall back to depth 10, four summary
// entries and 96 tokens per summarized entry.
func New(opts Options) *Ledger {
	if opts.HistoryDepth <= 0 {
		opts.HistoryDepth = 10
	}
	if opts.SummaryEntries <= 0 {
		opts.SummaryEntries = 4
	}
	if opts.SummaryEntries > opts.HistoryDepth {
		opts.SummaryEntries = opts.HistoryDepth
	}
	if opts.SummaryTokens <= 0 {
		opts.SummaryTokens = 96
	}
	return &Ledger{entries: make(map[string][]Entry), opts: opts}
}

// Append records a message for the key, evicting the oldest entries beyond the
// history depth.
func (l *Ledger) Append(keyID string, role domain.Role, content string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.appendLocked(keyID, Entry{Role: role, Content: content, At: time.Now()})
}

// AppendExchange records a prompt and its reply as adjacent entries, so
// exchanges settling concurrently on one key never interleave.
func (l *Ledger) AppendExchange(keyID, prompt, reply string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	l.appendLocked(keyID,
		Entry{Role: domain.RoleUser, Content: prompt, At: now},
		Entry{Role: domain.RoleAssistant, Content: reply, At: now})
}

func (l *Ledger) appendLocked(keyID string, entries ...Entry) {
	h := append(l.entries[keyID], entries...)
	if over := len(h) - l.opts.HistoryDepth; over > 0 {
		h = append(h[:0:0], h[over:]...)
	}
	l.entries[keyID] = h
}

// History returns the stored messages for a key, oldest first.
func (l *Ledger) History(keyID string) []domain.Message {
	l.mu.Lock()
	defer l.mu.Unlock()

	h := l.entries[keyID]
	out := make([]domain.Message, len(h))
	for i, e := range h {
		out[i] = domain.Message{Role: e.Role, Content: e.Content}
	}
	return out
}

// Len returns the number of entries stored for a key.
func (l *Ledger) Len(keyID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries[keyID])
}

// CondensedSummary renders the last few entries of a key into a short prefix
// for another key. Each entry is cut to the token budget. Empty when the key
// has no history.
func (l *Ledger) CondensedSummary(keyID string) string {
	l.mu.Lock()
	h := l.entries[keyID]
	if n := len(h) - l.opts.SummaryEntries; n > 0 {
		h = h[n:]
	}
	recent := make([]Entry, len(h))
	copy(recent, h)
	l.mu.Unlock()

	if len(recent) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString(SummaryHeader)
	for _, e := range recent {
		text := strings.Join(strings.Fields(e.Content), " ")
		text = l.truncate(text)
		b.WriteString("\n- ")
		b.WriteString(string(e.Role))
		b.WriteString(": ")
		b.WriteString(text)
	}
	return b.String()
}

func (l *Ledger) truncate(text string) string {
	if l.opts.Truncator != nil {
		if cut, truncated := l.opts.Truncator.Truncate(text, l.opts.SummaryTokens); truncated {
			return strings.TrimSpace(cut) + " ..."
		}
		return text
	}
	// ~4 chars per token without a tokenizer
	limit := l.opts.SummaryTokens * 4
	r := []rune(text)
	if len(r) <= limit {
		return text
	}
	return strings.TrimSpace(string(r[:limit])) + " ..."
}

// Reset drops the history of a key.
func (l *Ledger) Reset(keyID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, keyID)
}
