// Package judge asks a local LLM for structured judgements: whether chunk
// pairs contradict each other, and one-sentence summaries of source changes.
//
// Every call is bounded by a timeout and a request-rate limiter. Callers treat
// any error as "no result" and degrade; nothing here retries.
package judge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/kalambet/driftwatch/internal/engine"
)

// DefaultBatchSize is the maximum number of pairs sent in one conflict prompt.
const DefaultBatchSize = 10

// ErrNoResult is returned when the model answered but nothing usable could be
// parsed from the reply.
var ErrNoResult = errors.New("judge: no usable result")

// Chatter is the part of engine.Engine the judge uses.
type Chatter interface {
	Chat(ctx context.Context, model string, messages []engine.Message, schema *engine.Schema) (string, error)
}

type Config struct {
	Model             string
	Timeout           time.Duration
	BatchSize         int
	RequestsPerSecond float64
	Burst             int
}

type Judge struct {
	chat      Chatter
	model     string
	timeout   time.Duration
	batchSize int
	limiter   *rate.Limiter
}

func New(chat Chatter, cfg Config) *Judge {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return &Judge{
		chat:      chat,
		model:     cfg.Model,
		timeout:   cfg.Timeout,
		batchSize: cfg.BatchSize,
		limiter:   rate.NewLimiter(limit, cfg.Burst),
	}
}

// BatchSize is the largest slice JudgeConflicts accepts.
func (j *Judge) BatchSize() int { return j.batchSize }

func (j *Judge) ask(ctx context.Context, messages []engine.Message, schema *engine.Schema) (string, error) {
	if err := j.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("judge: waiting for rate limiter: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()
	raw, err := j.chat.Chat(ctx, j.model, messages, schema)
	if err != nil {
		return "", fmt.Errorf("judge: chat: %w", err)
	}
	return raw, nil
}

// Pair is one candidate contradiction. Index identifies it in the reply.
type Pair struct {
	Index   int
	SourceA string
	TextA   string
	SourceB string
	TextB   string
}

// Verdict is the model's answer for one pair.
type Verdict struct {
	Index       int     `json:"index"`
	Contradicts bool    `json:"contradicts"`
	Confidence  float64 `json:"confidence"`
	Summary     string  `json:"summary"`
}

// JudgeConflicts asks whether each pair contradicts. At most BatchSize pairs
// are accepted per call. Verdicts referring to unknown indexes are dropped and
// confidence is clamped to [0, 1].
func (j *Judge) JudgeConflicts(ctx context.Context, pairs []Pair) ([]Verdict, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	if len(pairs) > j.batchSize {
		return nil, fmt.Errorf("judge: %d pairs exceeds batch size %d", len(pairs), j.batchSize)
	}

	raw, err := j.ask(ctx, conflictPrompt(pairs), verdictSchema())
	if err != nil {
		return nil, err
	}
	verdicts, err := parseVerdicts(raw)
	if err != nil {
		return nil, err
	}

	known := make(map[int]bool, len(pairs))
	for _, p := range pairs {
		known[p.Index] = true
	}
	seen := make(map[int]bool, len(verdicts))
	out := verdicts[:0]
	for _, v := range verdicts {
		if !known[v.Index] || seen[v.Index] {
			continue
		}
		seen[v.Index] = true
		v.Confidence = min(max(v.Confidence, 0), 1)
		v.Summary = strings.TrimSpace(v.Summary)
		out = append(out, v)
	}
	return out, nil
}

func parseVerdicts(raw string) ([]Verdict, error) {
	body, ok := ExtractJSON(raw)
	if !ok {
		return nil, ErrNoResult
	}
	var verdicts []Verdict
	if strings.HasPrefix(body, "[") {
		if err := json.Unmarshal([]byte(body), &verdicts); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNoResult, err)
		}
		return verdicts, nil
	}
	var wrapped struct {
		Verdicts []Verdict `json:"verdicts"`
	}
	if err := json.Unmarshal([]byte(body), &wrapped); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoResult, err)
	}
	return wrapped.Verdicts, nil
}

// DiffExcerpt is one changed chunk shown to the summariser.
type DiffExcerpt struct {
	Kind   string
	Before string
	After  string
}

// SummaryRequest describes one change impact.
type SummaryRequest struct {
	SourceTitle      string
	PackName         string
	Severity         string
	AffectedCriteria int
	AffectedStories  int
	Diffs            []DiffExcerpt
}

// Summarize returns a one-sentence description of the change.
func (j *Judge) Summarize(ctx context.Context, req SummaryRequest) (string, error) {
	raw, err := j.ask(ctx, summaryPrompt(req), summarySchema())
	if err != nil {
		return "", err
	}
	body, ok := ExtractJSON(raw)
	if !ok {
		return "", ErrNoResult
	}
	var out struct {
		Summary string `json:"summary"`
	}
	if err := json.Unmarshal([]byte(body), &out); err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoResult, err)
	}
	s := firstSentence(out.Summary)
	if s == "" {
		return "", ErrNoResult
	}
	return s, nil
}

func firstSentence(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	for i := 0; i < len(s); i++ {
		if (s[i] == '.' || s[i] == '!' || s[i] == '?') && (i+1 == len(s) || s[i+1] == ' ') {
			return s[:i+1]
		}
	}
	return s
}

// ExtractJSON returns the outermost JSON object or array embedded in raw,
// skipping any prose or code fences around it. Brackets inside string
// literals are ignored. ok is false when no balanced value is found.
func ExtractJSON(raw string) (string, bool) {
	start := strings.IndexAny(raw, "[{")
	for start >= 0 {
		if end := matchClose(raw, start); end > start {
			candidate := raw[start : end+1]
			if json.Valid([]byte(candidate)) {
				return candidate, true
			}
		}
		next := strings.IndexAny(raw[start+1:], "[{")
		if next < 0 {
			break
		}
		start += next + 1
	}
	return "", false
}

// matchClose returns the index of the bracket closing the one at start, or -1.
func matchClose(s string, start int) int {
	var stack []byte
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
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) == 0 || stack[len(stack)-1] != c {
				return -1
			}
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				return i
			}
		}
	}
	return -1
}
