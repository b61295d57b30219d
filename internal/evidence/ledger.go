// Package evidence maintains links between chunks and the stories and
// acceptance criteria they support.
package evidence

import (
	"context"
	"errors"
	"fmt"
	"sort"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"

	"github.com/kalambet/driftwatch/internal/storage"
)

var (
	// ErrCrossProject rejects a link between a chunk and an artifact of different projects.
	ErrCrossProject = errors.New("chunk and artifact belong to different projects")
	// ErrUpgrade rejects raising a link's confidence.
	ErrUpgrade = errors.New("confidence can only be lowered")
)

// Store is the storage the ledger reads and writes. *storage.Store and
// *storage.Tx satisfy it.
type Store interface {
	GetChunk(ctx context.Context, id string) (storage.Chunk, error)
	GetSource(ctx context.Context, id string) (storage.EvidenceSource, error)
	EntityProject(ctx context.Context, ref storage.EntityRef) (string, error)
	CreateLink(ctx context.Context, l storage.EvidenceLink) error
	GetLink(ctx context.Context, id string) (storage.EvidenceLink, error)
	SetLinkConfidence(ctx context.Context, id string, c storage.Confidence) error
	ListLinksForEntity(ctx context.Context, ref storage.EntityRef) ([]storage.EvidenceLink, error)
	AffectedArtifacts(ctx context.Context, chunkIDs []string) ([]storage.AffectedArtifact, error)
	CreateQualityFlag(ctx context.Context, f storage.QualityFlag) error
}

type Ledger struct {
	store Store
}

func NewLedger(s Store) *Ledger {
	return &Ledger{store: s}
}

// Link records that chunkID supports ref.
func (l *Ledger) Link(ctx context.Context, ref storage.EntityRef, chunkID string, c storage.Confidence) (storage.EvidenceLink, error) {
	if c.Rank() == 0 {
		return storage.EvidenceLink{}, fmt.Errorf("invalid confidence %q", c)
	}
	chunk, err := l.store.GetChunk(ctx, chunkID)
	if err != nil {
		return storage.EvidenceLink{}, fmt.Errorf("loading chunk %s: %w", chunkID, err)
	}
	src, err := l.store.GetSource(ctx, chunk.SourceID)
	if err != nil {
		return storage.EvidenceLink{}, fmt.Errorf("loading source %s: %w", chunk.SourceID, err)
	}
	project, err := l.store.EntityProject(ctx, ref)
	if err != nil {
		return storage.EvidenceLink{}, fmt.Errorf("resolving %s %s: %w", ref.Type(), ref.ID(), err)
	}
	if project != src.ProjectID {
		return storage.EvidenceLink{}, ErrCrossProject
	}

	link := storage.EvidenceLink{
		ID:         uuid.NewString(),
		Entity:     ref,
		ChunkID:    chunkID,
		Confidence: c,
		Evolution:  storage.EvolutionCurrent,
	}
	if err := l.store.CreateLink(ctx, link); err != nil {
		return storage.EvidenceLink{}, fmt.Errorf("creating link: %w", err)
	}
	return l.store.GetLink(ctx, link.ID)
}

// Downgrade lowers a link's confidence. Setting the current tier again is a
// no-op; raising it is ErrUpgrade.
func (l *Ledger) Downgrade(ctx context.Context, linkID string, c storage.Confidence) error {
	if c.Rank() == 0 {
		return fmt.Errorf("invalid confidence %q", c)
	}
	link, err := l.store.GetLink(ctx, linkID)
	if err != nil {
		return fmt.Errorf("loading link %s: %w", linkID, err)
	}
	switch {
	case c.Rank() > link.Confidence.Rank():
		return ErrUpgrade
	case c == link.Confidence:
		return nil
	}
	return l.store.SetLinkConfidence(ctx, linkID, c)
}

// Flag raises an unresolved quality flag on an artifact.
func (l *Ledger) Flag(ctx context.Context, ref storage.EntityRef, message string) (storage.QualityFlag, error) {
	f := storage.QualityFlag{ID: uuid.NewString(), Entity: ref, Message: message}
	if err := l.store.CreateQualityFlag(ctx, f); err != nil {
		return storage.QualityFlag{}, fmt.Errorf("creating quality flag: %w", err)
	}
	return f, nil
}

func (l *Ledger) Links(ctx context.Context, ref storage.EntityRef) ([]storage.EvidenceLink, error) {
	return l.store.ListLinksForEntity(ctx, ref)
}

// Artifacts is the set of affected artifacts within one pack.
type Artifacts struct {
	StoryIDs     []string
	CriterionIDs []string
}

// Affected resolves chunk ids to the criteria citing them and, transitively,
// their stories, plus stories cited directly. Results are grouped by pack and
// sorted.
func (l *Ledger) Affected(ctx context.Context, chunkIDs []string) (map[string]Artifacts, error) {
	return Affected(ctx, l.store, chunkIDs)
}

// AffectedResolver is the single query Affected needs.
type AffectedResolver interface {
	AffectedArtifacts(ctx context.Context, chunkIDs []string) ([]storage.AffectedArtifact, error)
}

// Affected is Ledger.Affected against any resolver, such as an open transaction.
func Affected(ctx context.Context, r AffectedResolver, chunkIDs []string) (map[string]Artifacts, error) {
	rows, err := r.AffectedArtifacts(ctx, chunkIDs)
	if err != nil {
		return nil, err
	}
	stories := map[string]mapset.Set[string]{}
	criteria := map[string]mapset.Set[string]{}
	for _, a := range rows {
		if stories[a.PackID] == nil {
			stories[a.PackID] = mapset.NewThreadUnsafeSet[string]()
			criteria[a.PackID] = mapset.NewThreadUnsafeSet[string]()
		}
		stories[a.PackID].Add(a.StoryID)
		if a.CriterionID != "" {
			criteria[a.PackID].Add(a.CriterionID)
		}
	}
	out := make(map[string]Artifacts, len(stories))
	for pack := range stories {
		out[pack] = Artifacts{
			StoryIDs:     sorted(stories[pack]),
			CriterionIDs: sorted(criteria[pack]),
		}
	}
	return out, nil
}

func sorted(s mapset.Set[string]) []string {
	out := s.ToSlice()
	sort.Strings(out)
	return out
}

// Relinker is the storage a re-chunk needs to carry links forward.
type Relinker interface {
	RepointLinks(ctx context.Context, oldChunkID, newChunkID string, evo storage.Evolution) (int64, error)
	DeleteLinksForChunks(ctx context.Context, chunkIDs []string) (int64, error)
}

// Move is one old-to-new chunk bridge.
type Move struct {
	OldChunkID string
	NewChunkID string
}

// EvolveStats counts what Evolve did.
type EvolveStats struct {
	Retained int64
	Modified int64
	Dropped  int64
}

// Evolve carries links across a re-chunk: links on retained chunks follow
// them unchanged, links on modified chunks follow them marked modified, and
// links on removed chunks are deleted.
func Evolve(ctx context.Context, r Relinker, retained, modified []Move, removed []string) (EvolveStats, error) {
	var st EvolveStats
	for _, m := range retained {
		n, err := r.RepointLinks(ctx, m.OldChunkID, m.NewChunkID, storage.EvolutionCurrent)
		if err != nil {
			return st, fmt.Errorf("repointing links of %s: %w", m.OldChunkID, err)
		}
		st.Retained += n
	}
	for _, m := range modified {
		n, err := r.RepointLinks(ctx, m.OldChunkID, m.NewChunkID, storage.EvolutionModified)
		if err != nil {
			return st, fmt.Errorf("repointing links of %s: %w", m.OldChunkID, err)
		}
		st.Modified += n
	}
	n, err := r.DeleteLinksForChunks(ctx, removed)
	if err != nil {
		return st, fmt.Errorf("deleting links of removed chunks: %w", err)
	}
	st.Dropped = n
	return st, nil
}
