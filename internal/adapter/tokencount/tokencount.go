// Package tokencount counts and truncates text in model tokens.
//
// It uses tiktoken-go with the bundled offline BPE tables, so no network
// access is needed at runtime. Models without a native tiktoken encoding are
// approximated with cl100k_base.
package tokencount

import (
	"log/slog"
	"strings"
	"sync"

	tiktoken "github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
)

var loaderOnce sync.Once

func useOfflineLoader() {
	loaderOnce.Do(func() { tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader()) })
}

// Counter provides thread-safe token counting for one model family.
type Counter struct {
	model string

	mu  sync.Mutex
	enc *tiktoken.Tiktoken
	// failed is set once the encoding could not be loaded; the counter then
	// falls back to a character estimate.
	failed bool
}

// NewCounter creates a counter for the given model ID.
func NewCounter(model string) *Counter {
	return &Counter{model: normalizeModelName(model)}
}

func (c *Counter) encoding() *tiktoken.Tiktoken {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.enc != nil || c.failed {
		return c.enc
	}
	useOfflineLoader()
	enc, err := tiktoken.EncodingForModel(c.model)
	if err != nil {
		slog.Debug("falling back to cl100k_base encoding", slog.String("model", c.model), slog.Any("error", err))
		enc, err = tiktoken.GetEncoding("cl100k_base")
	}
	if err != nil {
		slog.Warn("token encoding unavailable, estimating by length", slog.Any("error", err))
		c.failed = true
		return nil
	}
	c.enc = enc
	return enc
}

// normalizeModelName converts OpenRouter-style model IDs to tiktoken names.
func normalizeModelName(model string) string {
	model = strings.ToLower(model)
	if i := strings.LastIndex(model, "/"); i >= 0 {
		model = model[i+1:]
	}
	model = strings.TrimSuffix(model, ":free")

	switch {
	case strings.Contains(model, "gpt-3.5"):
		return "gpt-3.5-turbo"
	case strings.Contains(model, "gpt-4o"):
		return "gpt-4o"
	default:
		// llama, mistral, gemma, qwen and friends tokenize close enough to gpt-4
		return "gpt-4"
	}
}

// Count returns the number of tokens in text.
func (c *Counter) Count(text string) int {
	if text == "" {
		return 0
	}
	enc := c.encoding()
	if enc == nil {
		return estimate(text)
	}
	return len(enc.Encode(text, nil, nil))
}

// Truncate returns the longest token prefix of text that fits in maxTokens and
// whether anything was cut.
func (c *Counter) Truncate(text string, maxTokens int) (string, bool) {
	if maxTokens <= 0 {
		return "", text != ""
	}
	enc := c.encoding()
	if enc == nil {
		// ~4 chars per token
		limit := maxTokens * 4
		r := []rune(text)
		if len(r) <= limit {
			return text, false
		}
		return string(r[:limit]), true
	}
	tokens := enc.Encode(text, nil, nil)
	if len(tokens) <= maxTokens {
		return text, false
	}
	return strings.ToValidUTF8(enc.Decode(tokens[:maxTokens]), ""), true
}

func estimate(text string) int {
	n := len([]rune(text)) / 4
	if n == 0 {
		return 1
	}
	return n
}
