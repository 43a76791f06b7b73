// Package parser extracts a structured JSON payload from free-form model text.
//
// Extraction is an ordered list of pure strategies. Each strategy yields
// candidate regions in text order and the first candidate that decodes into a
// JSON object or array wins. Nothing here returns an error: a response with no
// usable payload becomes a ParsedResult with Success=false.
package parser

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/fairyhunter13/llm-keyrouter/internal/domain"
)

// maxCandidates bounds the work done per strategy on pathological input.
const maxCandidates = 64

// Strategy produces candidate JSON regions from raw text.
type Strategy struct {
	Name    string
	Extract func(raw string) []string
}

// Parser applies strategies in order.
type Parser struct {
	strategies []Strategy
}

// New returns a parser using the given strategies, or DefaultStrategies when none.
func New(strategies ...Strategy) *Parser {
	if len(strategies) == 0 {
		strategies = DefaultStrategies()
	}
	return &Parser{strategies: strategies}
}

// DefaultStrategies is the preference order used by New.
func DefaultStrategies() []Strategy {
	return []Strategy{
		{Name: "reasoning_stripped", Extract: StripReasoning},
		{Name: "fenced_json", Extract: FencedJSON},
		{Name: "fenced_any", Extract: FencedAny},
		{Name: "brace_scan", Extract: BraceScan},
		{Name: "bracket_scan", Extract: BracketScan},
		{Name: "lenient_repair", Extract: LenientRepair},
	}
}

var errNotStructured = errors.New("not a JSON object or array")

// Parse converts raw model output into a ParsedResult.
func (p *Parser) Parse(raw string) domain.ParsedResult {
	res := domain.ParsedResult{RawText: raw}
	if strings.TrimSpace(raw) == "" {
		res.ParseError = "empty response"
		return res
	}

	var lastErr error
	for _, s := range p.strategies {
		for _, cand := range s.Extract(raw) {
			v, compact, err := decode(cand)
			if err != nil {
				lastErr = err
				continue
			}
			res.Success = true
			res.Payload = v
			res.Raw = compact
			res.Strategy = s.Name
			return res
		}
	}

	if lastErr != nil {
		res.ParseError = fmt.Sprintf("no strategy produced valid JSON: %v", lastErr)
	} else {
		res.ParseError = "no JSON payload found in response"
	}
	return res
}

func decode(cand string) (any, json.RawMessage, error) {
	cand = strings.TrimSpace(cand)
	if cand == "" || (cand[0] != '{' && cand[0] != '[') {
		return nil, nil, errNotStructured
	}
	var v any
	if err := json.Unmarshal([]byte(cand), &v); err != nil {
		return nil, nil, err
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(cand)); err != nil {
		return nil, nil, err
	}
	return v, json.RawMessage(buf.Bytes()), nil
}

var fenceRe = regexp.MustCompile("(?s)```[ \\t]*([A-Za-z0-9_+-]*)[^\\n`]*\\n(.*?)```")

// FencedJSON returns the interiors of fenced blocks tagged json.
func FencedJSON(raw string) []string {
	var out []string
	for _, m := range fenceRe.FindAllStringSubmatch(raw, maxCandidates) {
		switch strings.ToLower(m[1]) {
		case "json", "jsonc", "json5":
			out = append(out, m[2])
		}
	}
	return out
}

// FencedAny returns the interiors of every fenced block, whatever its tag.
func FencedAny(raw string) []string {
	var out []string
	for _, m := range fenceRe.FindAllStringSubmatch(raw, maxCandidates) {
		out = append(out, m[2])
	}
	return out
}

var reasoningRe = regexp.MustCompile(`(?is)<(think|thinking|reasoning)>.*?</(think|thinking|reasoning)>`)

// StripReasoning drops <think>-style blocks emitted by reasoning models and
// rescans what is left. It yields nothing when no such block is present, so
// braces inside the reasoning never shadow the answer.
func StripReasoning(raw string) []string {
	stripped := reasoningRe.ReplaceAllString(raw, "")
	if stripped == raw {
		return nil
	}
	var out []string
	out = append(out, FencedJSON(stripped)...)
	out = append(out, FencedAny(stripped)...)
	out = append(out, BraceScan(stripped)...)
	return append(out, BracketScan(stripped)...)
}

// BraceScan returns balanced {...} regions in order of their opening brace.
func BraceScan(raw string) []string { return scanBalanced(raw, '{', '}') }

// BracketScan returns balanced [...] regions in order of their opening bracket.
func BracketScan(raw string) []string { return scanBalanced(raw, '[', ']') }

// scanBalanced walks the text once per opening delimiter, skipping delimiters
// inside JSON strings.
func scanBalanced(raw string, open, closing byte) []string {
	var out []string
	for start := strings.IndexByte(raw, open); start >= 0 && len(out) < maxCandidates; {
		if end := matchClose(raw, start, open, closing); end > start {
			out = append(out, raw[start:end+1])
		}
		next := strings.IndexByte(raw[start+1:], open)
		if next < 0 {
			break
		}
		start += next + 1
	}
	return out
}

func matchClose(s string, start int, open, closing byte) int {
	depth := 0
	inString, escaped := false, false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case open:
			depth++
		case closing:
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

var (
	trailingCommaRe = regexp.MustCompile(`,\s*([}\]])`)
	smartQuotes     = strings.NewReplacer("“", `"`, "”", `"`, "‘", "'", "’", "'")
)

// LenientRepair fixes the usual model slips (smart quotes, trailing commas)
// in brace and bracket regions. Only regions the repair actually changed are
// returned; unchanged ones were already tried by the scans.
func LenientRepair(raw string) []string {
	fixed := smartQuotes.Replace(raw)
	var out []string
	for _, region := range append(BraceScan(fixed), BracketScan(fixed)...) {
		repaired := trailingCommaRe.ReplaceAllString(region, "$1")
		if repaired != region || fixed != raw {
			out = append(out, repaired)
		}
	}
	return out
}
