// Package sources owns the evidence source lifecycle: ingestion, content
// replacement with versioned re-chunking, and chunk embedding.
package sources

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/kalambet/driftwatch/internal/chunker"
	"github.com/kalambet/driftwatch/internal/extract"
	"github.com/kalambet/driftwatch/internal/jobs"
	"github.com/kalambet/driftwatch/internal/logging"
	"github.com/kalambet/driftwatch/internal/storage"
)

// DefaultMinChars is the shortest content accepted for ingestion or replacement.
const DefaultMinChars = 20

// ErrInsufficientContent rejects content too short to be meaningful.
var ErrInsufficientContent = errors.New("insufficient content")

// BatchEmbedder turns texts into vectors, index aligned.
type BatchEmbedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

type Config struct {
	MinChars int
}

type Service struct {
	store    *storage.Store
	bus      *jobs.Bus
	chunker  *chunker.Chunker
	embedder BatchEmbedder
	extract  *extract.Registry
	minChars int
	logger   *slog.Logger
}

func NewService(store *storage.Store, bus *jobs.Bus, ch *chunker.Chunker, emb BatchEmbedder, reg *extract.Registry, cfg Config) *Service {
	if cfg.MinChars <= 0 {
		cfg.MinChars = DefaultMinChars
	}
	if ch == nil {
		ch = chunker.New()
	}
	if reg == nil {
		reg = extract.NewRegistry()
	}
	return &Service{
		store:    store,
		bus:      bus,
		chunker:  ch,
		embedder: emb,
		extract:  reg,
		minChars: cfg.MinChars,
		logger:   logging.New("sources"),
	}
}

// Hash is the content hash stored on sources and versions.
func Hash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// IngestRequest describes a new source. Content is plain text.
type IngestRequest struct {
	ProjectID string
	Kind      string
	Title     string
	Content   string
}

// Ingested is the outcome of Ingest.
type Ingested struct {
	Source  storage.EvidenceSource
	Version storage.SourceVersion
	Chunks  int
	Quality extract.Quality
}

// Ingest creates a source with version 1 and its first chunk generation, and
// queues the chunks for embedding.
func (s *Service) Ingest(ctx context.Context, req IngestRequest) (Ingested, error) {
	content := chunker.Normalize(req.Content)
	if err := s.checkLength(content); err != nil {
		return Ingested{}, err
	}
	if req.Kind == "" {
		req.Kind = "document"
	}

	src := storage.EvidenceSource{
		ID:          uuid.NewString(),
		ProjectID:   req.ProjectID,
		Kind:        req.Kind,
		Title:       req.Title,
		Content:     content,
		ContentHash: Hash(content),
		Status:      storage.SourceProcessing,
	}
	ver := storage.SourceVersion{
		ID:          uuid.NewString(),
		SourceID:    src.ID,
		Seq:         1,
		Content:     content,
		ContentHash: src.ContentHash,
	}
	src.CurrentVersionID = ver.ID
	chunks := s.cut(src.ID, ver.ID, content)

	err := s.store.WithTx(ctx, func(tx *storage.Tx) error {
		if _, err := tx.GetProject(ctx, req.ProjectID); err != nil {
			return fmt.Errorf("loading project %s: %w", req.ProjectID, err)
		}
		if err := tx.CreateSource(ctx, src); err != nil {
			return fmt.Errorf("creating source: %w", err)
		}
		if err := tx.CreateVersion(ctx, ver); err != nil {
			return fmt.Errorf("creating version: %w", err)
		}
		if err := tx.InsertChunks(ctx, chunks); err != nil {
			return fmt.Errorf("inserting chunks: %w", err)
		}
		return s.bus.In(tx).Publish(ctx, chunksCreated(src, ver.ID))
	})
	if err != nil {
		return Ingested{}, err
	}

	s.logger.Info("source ingested", "source_id", src.ID, "project_id", src.ProjectID, "chunks", len(chunks))
	return Ingested{Source: src, Version: ver, Chunks: len(chunks), Quality: extract.QualityHigh}, nil
}

// IngestDocument extracts text from raw bytes and ingests it.
func (s *Service) IngestDocument(ctx context.Context, projectID, kind, title string, data []byte, contentType string) (Ingested, error) {
	res, err := s.extract.Extract(ctx, data, contentType)
	if err != nil {
		return Ingested{}, err
	}
	out, err := s.Ingest(ctx, IngestRequest{ProjectID: projectID, Kind: kind, Title: title, Content: res.Text})
	if err != nil {
		return Ingested{}, err
	}
	if res.Quality == extract.QualityLow {
		s.logger.Warn("low quality extraction", "source_id", out.Source.ID, "content_type", contentType)
	}
	out.Quality = res.Quality
	return out, nil
}

// Replacement is the outcome of Replace. Changed is false when the content
// hash matched and nothing was written.
type Replacement struct {
	Changed           bool
	SourceID          string
	PreviousVersionID string
	NewVersionID      string
	Chunks            int
}

// Replace swaps a source's content. The old content is snapshotted as version
// n+1 and the new content stored as version n+2; new chunks belong to n+2.
// Old chunks stay until propagation has diffed them. The stored hash is
// always Hash of the normalized content; a caller-supplied hash that equals
// the stored one short-circuits the replace.
func (s *Service) Replace(ctx context.Context, sourceID, content, callerHash string) (Replacement, error) {
	content = chunker.Normalize(content)
	hash := Hash(content)

	var out Replacement
	err := s.store.WithTx(ctx, func(tx *storage.Tx) error {
		src, err := tx.GetSource(ctx, sourceID)
		if err != nil {
			return fmt.Errorf("loading source %s: %w", sourceID, err)
		}
		out = Replacement{SourceID: sourceID, NewVersionID: src.CurrentVersionID}
		if src.ContentHash == hash || src.ContentHash == callerHash {
			return nil
		}
		if err := s.checkLength(content); err != nil {
			return err
		}
		latest, err := tx.LatestVersion(ctx, sourceID)
		if err != nil {
			return fmt.Errorf("loading latest version: %w", err)
		}

		snapshot := storage.SourceVersion{
			ID: uuid.NewString(), SourceID: sourceID, Seq: latest.Seq + 1,
			Content: src.Content, ContentHash: src.ContentHash,
		}
		next := storage.SourceVersion{
			ID: uuid.NewString(), SourceID: sourceID, Seq: latest.Seq + 2,
			Content: content, ContentHash: hash,
		}
		for _, v := range []storage.SourceVersion{snapshot, next} {
			if err := tx.CreateVersion(ctx, v); err != nil {
				return fmt.Errorf("creating version %d: %w", v.Seq, err)
			}
		}
		chunks := s.cut(sourceID, next.ID, content)
		if err := tx.InsertChunks(ctx, chunks); err != nil {
			return fmt.Errorf("inserting chunks: %w", err)
		}
		if err := tx.UpdateSourceContent(ctx, sourceID, content, hash, next.ID); err != nil {
			return fmt.Errorf("updating source: %w", err)
		}
		if err := tx.SetSourceStatus(ctx, sourceID, storage.SourceProcessing); err != nil {
			return fmt.Errorf("updating source status: %w", err)
		}

		bus := s.bus.In(tx)
		if err := bus.Publish(ctx, jobs.Event{
			Name: jobs.SourceVersionCreated,
			Key:  jobs.SourceVersionCreated + ":" + next.ID,
			Payload: jobs.VersionPayload{
				SourceID:          sourceID,
				PreviousVersionID: snapshot.ID,
				OldGenerationID:   src.CurrentVersionID,
				NewVersionID:      next.ID,
			},
		}); err != nil {
			return err
		}
		if err := bus.Publish(ctx, chunksCreated(src, next.ID)); err != nil {
			return err
		}

		out = Replacement{
			Changed:           true,
			SourceID:          sourceID,
			PreviousVersionID: snapshot.ID,
			NewVersionID:      next.ID,
			Chunks:            len(chunks),
		}
		return nil
	})
	if err != nil {
		return Replacement{}, err
	}

	if out.Changed {
		s.logger.Info("source replaced", "source_id", sourceID, "version_id", out.NewVersionID, "chunks", out.Chunks)
	} else {
		s.logger.Debug("source unchanged", "source_id", sourceID)
	}
	return out, nil
}

// ReplaceDocument extracts text from raw bytes and replaces the source content.
func (s *Service) ReplaceDocument(ctx context.Context, sourceID string, data []byte, contentType string) (Replacement, error) {
	res, err := s.extract.Extract(ctx, data, contentType)
	if err != nil {
		return Replacement{}, err
	}
	return s.Replace(ctx, sourceID, res.Text, "")
}

// HandleChunksCreated embeds the chunks of a generation that have no vector
// yet, then marks the source completed and publishes SourceChunksEmbedded.
// A generation that is no longer current is skipped: its chunks are about to
// be deleted by propagation.
func (s *Service) HandleChunksCreated(ctx context.Context, job storage.Job) error {
	p, err := jobs.Decode[jobs.ChunksPayload](job)
	if err != nil {
		return err
	}
	src, err := s.store.GetSource(ctx, p.SourceID)
	if err != nil {
		return fmt.Errorf("loading source %s: %w", p.SourceID, err)
	}
	if src.CurrentVersionID != p.VersionID {
		return jobs.Skipf("generation %s superseded by %s", p.VersionID, src.CurrentVersionID)
	}

	if err := s.store.SetSourceStatus(ctx, src.ID, storage.SourceProcessing); err != nil {
		return fmt.Errorf("updating source status: %w", err)
	}
	n, err := s.EmbedChunks(ctx, src.ID, p.VersionID)
	if err != nil {
		if jobs.LastAttempt(job) {
			if serr := s.store.SetSourceStatus(ctx, src.ID, storage.SourceFailed); serr != nil {
				s.logger.Error("marking source failed", "source_id", src.ID, "error", serr)
			}
		}
		return err
	}

	return s.store.WithTx(ctx, func(tx *storage.Tx) error {
		if err := tx.SetSourceStatus(ctx, src.ID, storage.SourceCompleted); err != nil {
			return fmt.Errorf("updating source status: %w", err)
		}
		s.logger.Info("chunks embedded", "source_id", src.ID, "version_id", p.VersionID, "embedded", n)
		return s.bus.In(tx).Publish(ctx, jobs.Event{
			Name:    jobs.SourceChunksEmbedded,
			Key:     jobs.SourceChunksEmbedded + ":" + p.VersionID,
			Payload: jobs.ChunksPayload{SourceID: src.ID, ProjectID: src.ProjectID, VersionID: p.VersionID},
		})
	})
}

// EmbedChunks stores vectors for every chunk of the generation that lacks
// one and returns how many were embedded.
func (s *Service) EmbedChunks(ctx context.Context, sourceID, versionID string) (int, error) {
	pending, err := s.store.ListUnembeddedChunks(ctx, sourceID, versionID)
	if err != nil {
		return 0, fmt.Errorf("listing unembedded chunks: %w", err)
	}
	if len(pending) == 0 {
		return 0, nil
	}
	texts := make([]string, len(pending))
	for i, c := range pending {
		texts[i] = c.Content
	}
	vecs, err := s.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("embedding %d chunks: %w", len(texts), err)
	}
	for i, c := range pending {
		if err := s.store.SetChunkEmbedding(ctx, c.ID, vecs[i]); err != nil {
			return i, fmt.Errorf("storing embedding for %s: %w", c.ID, err)
		}
	}
	return len(pending), nil
}

func (s *Service) checkLength(content string) error {
	if n := utf8.RuneCountInString(content); n < s.minChars {
		return fmt.Errorf("%w: %d characters, need %d", ErrInsufficientContent, n, s.minChars)
	}
	return nil
}

func (s *Service) cut(sourceID, versionID, content string) []storage.Chunk {
	pieces := s.chunker.Split(content)
	out := make([]storage.Chunk, len(pieces))
	for i, p := range pieces {
		out[i] = storage.Chunk{
			ID:         uuid.NewString(),
			SourceID:   sourceID,
			VersionID:  versionID,
			Index:      p.Index,
			Content:    p.Content,
			TokenCount: p.TokenCount,
		}
	}
	return out
}

func chunksCreated(src storage.EvidenceSource, versionID string) jobs.Event {
	return jobs.Event{
		Name:    jobs.SourceChunksCreated,
		Key:     jobs.SourceChunksCreated + ":" + versionID,
		Payload: jobs.ChunksPayload{SourceID: src.ID, ProjectID: src.ProjectID, VersionID: versionID},
	}
}
