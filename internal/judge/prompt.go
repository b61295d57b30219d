package judge

import (
	"fmt"
	"strings"

	"github.com/kalambet/driftwatch/internal/engine"
)

// maxExcerptRunes caps each text excerpt placed in a prompt.
const maxExcerptRunes = 1200

const conflictSystemPrompt = `You compare pairs of evidence excerpts taken from different documents about the same product.
For each pair decide whether the two excerpts make claims that cannot both be true.
Differences in detail, scope or wording are not contradictions. Only flag statements that directly conflict.

Return ONLY a JSON array with one object per pair:
{"index": <pair index>, "contradicts": <true|false>, "confidence": <0.0-1.0>, "summary": "<one sentence naming the conflicting claims, empty when none>"}`

const summarySystemPrompt = `You describe how a change to an evidence document affects a set of product requirements.
Write exactly one plain sentence of at most 40 words for a product manager. Mention what changed and why it matters.
Return ONLY a JSON object: {"summary": "<sentence>"}`

func conflictPrompt(pairs []Pair) []engine.Message {
	var sb strings.Builder
	for _, p := range pairs {
		fmt.Fprintf(&sb, "Pair %d\nA (%s): %s\nB (%s): %s\n\n",
			p.Index, p.SourceA, truncate(p.TextA), p.SourceB, truncate(p.TextB))
	}
	return []engine.Message{
		{Role: "system", Content: conflictSystemPrompt},
		{Role: "user", Content: strings.TrimSpace(sb.String())},
	}
}

func summaryPrompt(req SummaryRequest) []engine.Message {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Source: %s\nRequirement pack: %s\nSeverity: %s\n", req.SourceTitle, req.PackName, req.Severity)
	fmt.Fprintf(&sb, "Affected acceptance criteria: %d across %d stories\n\nChanges:\n", req.AffectedCriteria, req.AffectedStories)
	for _, d := range req.Diffs {
		switch {
		case d.Before != "" && d.After != "":
			fmt.Fprintf(&sb, "- %s\n  before: %s\n  after: %s\n", d.Kind, truncate(d.Before), truncate(d.After))
		case d.Before != "":
			fmt.Fprintf(&sb, "- %s: %s\n", d.Kind, truncate(d.Before))
		default:
			fmt.Fprintf(&sb, "- %s: %s\n", d.Kind, truncate(d.After))
		}
	}
	return []engine.Message{
		{Role: "system", Content: summarySystemPrompt},
		{Role: "user", Content: strings.TrimSpace(sb.String())},
	}
}

func truncate(s string) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) <= maxExcerptRunes {
		return s
	}
	return string(r[:maxExcerptRunes]) + "…"
}

func verdictSchema() *engine.Schema {
	return &engine.Schema{
		Type: "array",
		Items: &engine.SchemaProperty{
			Type: "object",
			Properties: map[string]engine.SchemaProperty{
				"index":       {Type: "integer"},
				"contradicts": {Type: "boolean"},
				"confidence":  {Type: "number", Description: "0.0 to 1.0"},
				"summary":     {Type: "string"},
			},
			Required: []string{"index", "contradicts", "confidence", "summary"},
		},
	}
}

func summarySchema() *engine.Schema {
	return &engine.Schema{
		Type:       "object",
		Properties: map[string]engine.SchemaProperty{"summary": {Type: "string"}},
		Required:   []string{"summary"},
	}
}
