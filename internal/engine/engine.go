// Package engine abstracts the local inference backend used for chunk
// embeddings and for LLM judgement (conflict checks and change summaries).
package engine

import (
	"context"

	"github.com/kalambet/driftwatch/internal/ollama"
)

// Wire types are shared with the Ollama client; other backends translate to them.
type (
	Message        = ollama.Message
	Schema         = ollama.Schema
	SchemaProperty = ollama.SchemaProperty
	PullProgress   = ollama.PullProgress
)

// Engine is what the judge and the embedder need from a backend.
type Engine interface {
	// Chat returns the assistant reply. A non-nil schema requests JSON output.
	Chat(ctx context.Context, model string, messages []Message, schema *Schema) (string, error)

	Embed(ctx context.Context, model, text string) ([]float32, error)

	// EmbedBatch returns one vector per text, index-aligned.
	EmbedBatch(ctx context.Context, model string, texts []string) ([][]float32, error)

	IsRunning(ctx context.Context) bool
	ListModels(ctx context.Context) ([]string, error)
	HasModel(ctx context.Context, name string) bool
	PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error
}

// New returns the Ollama-backed engine for baseURL.
func New(baseURL string) Engine {
	return ollama.New(baseURL)
}
