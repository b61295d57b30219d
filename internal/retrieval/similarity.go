package retrieval

import (
	"container/heap"
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/kalambet/driftwatch/internal/storage"
)

// Cosine returns the cosine similarity of a and b, or 0 when the lengths
// differ or either vector is zero.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// Pair is two chunks from different sources with their similarity.
type Pair struct {
	A, B  storage.Chunk
	Score float64
}

// CrossSourcePairs returns every pair of chunks from different sources whose
// cosine similarity is at least threshold, best first. Chunks without an
// embedding are not comparable and are skipped.
func CrossSourcePairs(chunks []storage.Chunk, threshold float64) []Pair {
	var pairs []Pair
	for i := 0; i < len(chunks); i++ {
		if chunks[i].Embedding == nil {
			continue
		}
		for j := i + 1; j < len(chunks); j++ {
			if chunks[j].Embedding == nil || chunks[i].SourceID == chunks[j].SourceID {
				continue
			}
			if s := Cosine(chunks[i].Embedding, chunks[j].Embedding); s >= threshold {
				pairs = append(pairs, Pair{A: chunks[i], B: chunks[j], Score: s})
			}
		}
	}
	sort.SliceStable(pairs, func(a, b int) bool {
		if pairs[a].Score != pairs[b].Score {
			return pairs[a].Score > pairs[b].Score
		}
		if pairs[a].A.ID != pairs[b].A.ID {
			return pairs[a].A.ID < pairs[b].A.ID
		}
		return pairs[a].B.ID < pairs[b].B.ID
	})
	return pairs
}

// Hit is one search result.
type Hit struct {
	Chunk storage.Chunk
	Score float64
}

// ChunkLister is the storage the searcher reads.
type ChunkLister interface {
	ListProjectEmbeddedChunks(ctx context.Context, projectID string) ([]storage.Chunk, error)
}

// Searcher answers similarity queries over a project's current chunks with a
// brute-force scan.
type Searcher struct {
	embedder *Embedder
	chunks   ChunkLister
}

func NewSearcher(e *Embedder, chunks ChunkLister) *Searcher {
	return &Searcher{embedder: e, chunks: chunks}
}

// Search embeds query and returns the topK most similar chunks of the project.
func (s *Searcher) Search(ctx context.Context, projectID, query string, topK int) ([]Hit, error) {
	if topK <= 0 {
		return nil, nil
	}
	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	chunks, err := s.chunks.ListProjectEmbeddedChunks(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("listing chunks: %w", err)
	}
	return TopK(vec, chunks, topK), nil
}

// TopK scores chunks against vec and keeps the k best, highest first.
func TopK(vec []float32, chunks []storage.Chunk, k int) []Hit {
	h := &hitHeap{}
	for _, c := range chunks {
		if c.Embedding == nil {
			continue
		}
		score := Cosine(vec, c.Embedding)
		if h.Len() < k {
			heap.Push(h, Hit{Chunk: c, Score: score})
		} else if score > (*h)[0].Score {
			(*h)[0] = Hit{Chunk: c, Score: score}
			heap.Fix(h, 0)
		}
	}
	out := make([]Hit, h.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(h).(Hit)
	}
	return out
}

// hitHeap is a min-heap on Score so the weakest kept hit is at the root.
type hitHeap []Hit

func (h hitHeap) Len() int           { return len(h) }
func (h hitHeap) Less(i, j int) bool { return h[i].Score < h[j].Score }
func (h hitHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *hitHeap) Push(x any)        { *h = append(*h, x.(Hit)) }
func (h *hitHeap) Pop() any {
	old := *h
	item := old[len(old)-1]
	*h = old[:len(old)-1]
	return item
}
