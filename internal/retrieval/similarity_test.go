package retrieval

import (
	"context"
	"math"
	"testing"

	"github.com/kalambet/driftwatch/internal/storage"
)

func TestCosine(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"length mismatch", []float32{1}, []float32{1, 0}, 0},
		{"zero vector", []float32{0, 0}, []float32{1, 0}, 0},
		{"empty", nil, nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Cosine(tt.a, tt.b); math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("Cosine = %v, want %v", got, tt.want)
			}
		})
	}
}

func chunk(id, source string, vec ...float32) storage.Chunk {
	return storage.Chunk{ID: id, SourceID: source, Embedding: vec}
}

func TestCrossSourcePairs(t *testing.T) {
	chunks := []storage.Chunk{
		chunk("a1", "A", 1, 0),
		chunk("a2", "A", 1, 0.01), // same source as a1, never paired with it
		chunk("b1", "B", 1, 0.05),
		chunk("b2", "B", 0, 1),
		{ID: "c1", SourceID: "C"}, // not yet embedded
	}
	pairs := CrossSourcePairs(chunks, 0.85)

	if len(pairs) != 2 {
		t.Fatalf("got %d pairs, want 2: %+v", len(pairs), pairs)
	}
	for _, p := range pairs {
		if p.A.SourceID == p.B.SourceID {
			t.Errorf("same-source pair %s/%s", p.A.ID, p.B.ID)
		}
		if p.B.ID != "b1" {
			t.Errorf("unexpected partner %s", p.B.ID)
		}
	}
	if pairs[0].Score < pairs[1].Score {
		t.Error("pairs not sorted by score")
	}
}

type fakeLister struct{ chunks []storage.Chunk }

func (f fakeLister) ListProjectEmbeddedChunks(context.Context, string) ([]storage.Chunk, error) {
	return f.chunks, nil
}

func TestSearch_TopK(t *testing.T) {
	m := &mockEngine{embedFn: func(context.Context, string, string) ([]float32, error) {
		return []float32{1, 0}, nil
	}}
	lister := fakeLister{chunks: []storage.Chunk{
		chunk("far", "A", 0, 1),
		chunk("near", "A", 1, 0.1),
		chunk("exact", "B", 2, 0),
		chunk("mid", "B", 1, 1),
		{ID: "pending", SourceID: "B"},
	}}
	hits, err := NewSearcher(NewEmbedder(m, "x", 0), lister).Search(context.Background(), "proj", "q", 3)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	want := []string{"exact", "near", "mid"}
	if len(hits) != len(want) {
		t.Fatalf("got %d hits, want %d", len(hits), len(want))
	}
	for i, id := range want {
		if hits[i].Chunk.ID != id {
			t.Errorf("hits[%d] = %s, want %s", i, hits[i].Chunk.ID, id)
		}
	}
}

func TestTopK_FewerThanK(t *testing.T) {
	hits := TopK([]float32{1}, []storage.Chunk{chunk("only", "A", 1)}, 5)
	if len(hits) != 1 || hits[0].Chunk.ID != "only" {
		t.Errorf("hits = %+v", hits)
	}
}
