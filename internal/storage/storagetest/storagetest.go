// Package storagetest seeds an in-memory store for tests of the packages
// built on top of storage.
package storagetest

import (
	"context"
	"fmt"
	"testing"

	"github.com/kalambet/driftwatch/internal/storage"
)

// Open returns an empty in-memory store closed at the end of the test.
func Open(t testing.TB) *storage.Store {
	t.Helper()
	st, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

// Seeder creates records with short readable ids and fails the test on error.
type Seeder struct {
	t     testing.TB
	ctx   context.Context
	Store *storage.Store
}

func NewSeeder(t testing.TB, st *storage.Store) *Seeder {
	return &Seeder{t: t, ctx: context.Background(), Store: st}
}

func (s *Seeder) must(err error, what string) {
	s.t.Helper()
	if err != nil {
		s.t.Fatalf("seeding %s: %v", what, err)
	}
}

// Project creates a project in workspace ws.
func (s *Seeder) Project(id, ws string) {
	s.t.Helper()
	s.must(s.Store.CreateProject(s.ctx, storage.Project{ID: id, WorkspaceID: ws, Name: id}), "project")
}

func (s *Seeder) Member(ws, userID string) {
	s.t.Helper()
	s.must(s.Store.AddMember(s.ctx, storage.Member{WorkspaceID: ws, UserID: userID, Email: userID + "@example.com"}), "member")
}

// Source creates a completed source whose version 1 holds paragraphs joined
// by blank lines, with one chunk per paragraph. Chunk ids are
// "<id>-c<index>" and version id is "<id>-v1".
func (s *Seeder) Source(id, project string, paragraphs ...string) []storage.Chunk {
	s.t.Helper()
	content := ""
	for i, p := range paragraphs {
		if i > 0 {
			content += "\n\n"
		}
		content += p
	}
	v := id + "-v1"
	s.must(s.Store.CreateSource(s.ctx, storage.EvidenceSource{
		ID: id, ProjectID: project, Kind: "document", Title: id, Content: content,
		ContentHash: "hash-" + id, Status: storage.SourceCompleted, CurrentVersionID: v,
	}), "source")
	s.must(s.Store.CreateVersion(s.ctx, storage.SourceVersion{
		ID: v, SourceID: id, Seq: 1, Content: content, ContentHash: "hash-" + id,
	}), "version")
	chunks := make([]storage.Chunk, len(paragraphs))
	for i, p := range paragraphs {
		chunks[i] = storage.Chunk{
			ID: fmt.Sprintf("%s-c%d", id, i), SourceID: id, VersionID: v, Index: i, Content: p,
		}
	}
	s.must(s.Store.InsertChunks(s.ctx, chunks), "chunks")
	return chunks
}

// Pack creates a pack citing sources, with no version.
func (s *Seeder) Pack(id, project string, sources ...string) {
	s.t.Helper()
	s.must(s.Store.CreatePack(s.ctx, storage.Pack{ID: id, ProjectID: project, Name: id}), "pack")
	for _, src := range sources {
		s.must(s.Store.AttachSource(s.ctx, id, src), "pack source")
	}
}

// Version adds pack version seq to pack.
func (s *Seeder) Version(id, pack string, seq int) {
	s.t.Helper()
	s.must(s.Store.CreatePackVersion(s.ctx, storage.PackVersion{ID: id, PackID: pack, Seq: seq}), "pack version")
}

// Story creates a story in a pack version with the given criteria ids.
func (s *Seeder) Story(id, packVersion string, criteria ...string) {
	s.t.Helper()
	s.must(s.Store.CreateStory(s.ctx, storage.Story{ID: id, PackVersionID: packVersion, Title: id}), "story")
	for _, ac := range criteria {
		s.must(s.Store.CreateCriterion(s.ctx, storage.AcceptanceCriterion{ID: ac, StoryID: id, Text: ac}), "criterion")
	}
}

// Link links an artifact to a chunk without the project check.
func (s *Seeder) Link(id string, ref storage.EntityRef, chunkID string, c storage.Confidence) {
	s.t.Helper()
	s.must(s.Store.CreateLink(s.ctx, storage.EvidenceLink{
		ID: id, Entity: ref, ChunkID: chunkID, Confidence: c, Evolution: storage.EvolutionCurrent,
	}), "link")
}

// Embed stores vec on a chunk.
func (s *Seeder) Embed(chunkID string, vec ...float32) {
	s.t.Helper()
	s.must(s.Store.SetChunkEmbedding(s.ctx, chunkID, vec), "embedding")
}
