// Package retrieval embeds chunk text and scores chunks against each other or
// against a query by cosine similarity.
package retrieval

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/driftwatch/internal/engine"
)

// DefaultBatchSize is the number of texts sent per embedding request.
const DefaultBatchSize = 16

// maxInFlight bounds concurrent embedding requests against the backend.
const maxInFlight = 4

// Embedder turns text into vectors with one model.
type Embedder struct {
	engine    engine.Engine
	model     string
	batchSize int
}

// NewEmbedder returns an Embedder using model on e. batchSize <= 0 selects
// DefaultBatchSize.
func NewEmbedder(e engine.Engine, model string, batchSize int) *Embedder {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Embedder{engine: e, model: model, batchSize: batchSize}
}

func (e *Embedder) Model() string { return e.model }

// Embed returns the vector for a single text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := e.engine.Embed(ctx, e.model, text)
	if err != nil {
		return nil, fmt.Errorf("embedding text: %w", err)
	}
	return vec, nil
}

// EmbedBatch returns one vector per text, index-aligned. Texts are split into
// batches that run with bounded concurrency; any failed batch fails the call.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, len(texts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxInFlight)

	for start := 0; start < len(texts); start += e.batchSize {
		end := min(start+e.batchSize, len(texts))
		g.Go(func() error {
			vecs, err := e.engine.EmbedBatch(gctx, e.model, texts[start:end])
			if err != nil {
				return fmt.Errorf("embedding texts %d-%d: %w", start, end-1, err)
			}
			if len(vecs) != end-start {
				return fmt.Errorf("embedding texts %d-%d: got %d vectors", start, end-1, len(vecs))
			}
			copy(out[start:end], vecs)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
