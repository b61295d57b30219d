// Package impact turns the chunk-level diff of a source replacement into
// change impacts on the packs that cite the changed evidence.
package impact

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"

	"github.com/kalambet/driftwatch/internal/evidence"
	"github.com/kalambet/driftwatch/internal/jobs"
	"github.com/kalambet/driftwatch/internal/judge"
	"github.com/kalambet/driftwatch/internal/logging"
	"github.com/kalambet/driftwatch/internal/storage"
	"github.com/kalambet/driftwatch/internal/textdiff"
)

// Summarizer produces the one-sentence description of an impact.
// *judge.Judge satisfies it.
type Summarizer interface {
	Summarize(ctx context.Context, req judge.SummaryRequest) (string, error)
}

type Config struct {
	MaxSummaryRetries int
	SummaryRetryDelay time.Duration
	// OrderDelay is how long a replacement waits while an older one of the
	// same source is still propagating.
	OrderDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxSummaryRetries <= 0 {
		c.MaxSummaryRetries = 3
	}
	if c.SummaryRetryDelay <= 0 {
		c.SummaryRetryDelay = 30 * time.Second
	}
	if c.OrderDelay <= 0 {
		c.OrderDelay = 5 * time.Second
	}
	return c
}

type Propagator struct {
	store      *storage.Store
	bus        *jobs.Bus
	summarizer Summarizer
	cfg        Config
	logger     *slog.Logger
}

func NewPropagator(store *storage.Store, bus *jobs.Bus, summarizer Summarizer, cfg Config) *Propagator {
	return &Propagator{
		store:      store,
		bus:        bus,
		summarizer: summarizer,
		cfg:        cfg.withDefaults(),
		logger:     logging.New("impact"),
	}
}

// Outcome describes one propagation.
type Outcome struct {
	Diffs         int
	Impacts       []storage.ChangeImpact
	Links         evidence.EvolveStats
	DeletedChunks int
}

// HandleVersionCreated is the SourceVersionCreated handler.
func (p *Propagator) HandleVersionCreated(ctx context.Context, job storage.Job) error {
	in, err := jobs.Decode[jobs.VersionPayload](job)
	if err != nil {
		return err
	}
	_, err = p.Propagate(ctx, in)
	return err
}

// Propagate diffs the old chunk generation against the new one, records the
// diff and one impact per affected pack, carries evidence links forward and
// deletes the old generation, all in one transaction. A version pair that was
// already propagated is skipped.
func (p *Propagator) Propagate(ctx context.Context, in jobs.VersionPayload) (Outcome, error) {
	log := p.logger.With("source_id", in.SourceID, "version_id", in.NewVersionID)

	done, err := p.store.HasChunkDiffs(ctx, in.SourceID, in.NewVersionID)
	if err != nil {
		return Outcome{}, fmt.Errorf("checking existing diffs: %w", err)
	}
	if done {
		return Outcome{}, jobs.Skip("already propagated")
	}
	gens, err := p.store.ChunkGenerations(ctx, in.SourceID)
	if err != nil {
		return Outcome{}, fmt.Errorf("listing chunk generations: %w", err)
	}
	if !slices.Contains(gens, in.OldGenerationID) {
		// An edit that moved no chunk writes no diff rows; the deleted old
		// generation is then the only trace of a completed run.
		return Outcome{}, jobs.Skip("old generation already removed")
	}
	if gens[0] != in.OldGenerationID {
		if err := p.republishOldest(ctx, in.SourceID, gens[0]); err != nil {
			return Outcome{}, err
		}
		return Outcome{}, jobs.Defer(p.cfg.OrderDelay,
			fmt.Sprintf("generation %s waits for %s to propagate first", in.OldGenerationID, gens[0]))
	}

	src, err := p.store.GetSource(ctx, in.SourceID)
	if err != nil {
		return Outcome{}, fmt.Errorf("loading source %s: %w", in.SourceID, err)
	}
	prev, err := p.store.GetVersion(ctx, in.PreviousVersionID)
	if err != nil {
		return Outcome{}, fmt.Errorf("loading previous version: %w", err)
	}
	next, err := p.store.GetVersion(ctx, in.NewVersionID)
	if err != nil {
		return Outcome{}, fmt.Errorf("loading new version: %w", err)
	}
	oldChunks, err := p.store.ListChunks(ctx, in.SourceID, in.OldGenerationID)
	if err != nil {
		return Outcome{}, fmt.Errorf("listing old chunks: %w", err)
	}
	newChunks, err := p.store.ListChunks(ctx, in.SourceID, in.NewVersionID)
	if err != nil {
		return Outcome{}, fmt.Errorf("listing new chunks: %w", err)
	}

	res := textdiff.Map(prev.Content, next.Content, mapperChunks(oldChunks), mapperChunks(newChunks))
	added, removed, modified := res.Counts()

	var out Outcome
	err = p.store.WithTx(ctx, func(tx *storage.Tx) error {
		out = Outcome{Diffs: len(res.Diffs)}
		if err := tx.InsertChunkDiffs(ctx, diffRows(src.ID, in, res)); err != nil {
			return fmt.Errorf("recording diffs: %w", err)
		}

		changed := changedOldChunks(res)
		affected, err := evidence.Affected(ctx, tx, changed.ToSlice())
		if err != nil {
			return fmt.Errorf("resolving affected artifacts: %w", err)
		}

		packs, err := tx.PacksCitingSource(ctx, src.ID)
		if err != nil {
			return fmt.Errorf("listing citing packs: %w", err)
		}
		var sims []float64
		for _, d := range res.Diffs {
			if d.Kind == textdiff.Modified && d.Similarity != nil {
				sims = append(sims, *d.Similarity)
			}
		}

		bus := p.bus.In(tx)
		for _, pack := range packs {
			arts, ok := affected[pack.ID]
			if !ok {
				continue
			}
			total, err := criteriaCount(ctx, tx, pack.ID)
			if err != nil {
				return err
			}
			ci := storage.ChangeImpact{
				ID:                   uuid.NewString(),
				SourceID:             src.ID,
				PackID:               pack.ID,
				SourceVersionID:      in.NewVersionID,
				PreviousVersionID:    in.PreviousVersionID,
				AffectedStoryIDs:     arts.StoryIDs,
				AffectedCriterionIDs: arts.CriterionIDs,
				AddedCount:           added,
				RemovedCount:         removed,
				ModifiedCount:        modified,
				Severity: Classify(SeverityInput{
					AffectedCriteria: len(arts.CriterionIDs),
					TotalCriteria:    total,
					Added:            added,
					Removed:          removed,
					Modified:         modified,
					PriorChunks:      len(oldChunks),
					Similarities:     sims,
				}),
				State: storage.ImpactStructuralCreated,
			}
			if err := tx.InsertImpact(ctx, ci); err != nil {
				return fmt.Errorf("recording impact for pack %s: %w", pack.ID, err)
			}
			out.Impacts = append(out.Impacts, ci)

			if err := bus.Publish(ctx, jobs.Event{
				Name:    jobs.ImpactSummarize,
				Key:     summaryKey(ci.ID, 0),
				Payload: jobs.ImpactPayload{ImpactID: ci.ID},
			}); err != nil {
				return err
			}
			if err := bus.Publish(ctx, jobs.Event{
				Name:    jobs.HealthRecompute,
				Key:     jobs.HealthRecompute + ":" + pack.ID,
				Payload: jobs.PackPayload{PackID: pack.ID},
			}); err != nil {
				return err
			}
			if Notifies(ci.Severity) {
				if err := bus.Publish(ctx, jobs.Event{
					Name:    jobs.NotifyImpact,
					Key:     jobs.NotifyImpact + ":" + ci.ID,
					Payload: jobs.ImpactPayload{ImpactID: ci.ID},
				}); err != nil {
					return err
				}
			}
		}

		retained, moved, dropped := linkMoves(res)
		if out.Links, err = evidence.Evolve(ctx, tx, retained, moved, dropped); err != nil {
			return err
		}
		deleted, err := tx.DeleteChunkGeneration(ctx, src.ID, in.OldGenerationID)
		if err != nil {
			return fmt.Errorf("deleting old chunks: %w", err)
		}
		out.DeletedChunks = len(deleted)
		if _, err := tx.DeleteConflictsForChunks(ctx, deleted); err != nil {
			return fmt.Errorf("deleting conflicts of old chunks: %w", err)
		}
		return nil
	})
	if err != nil {
		return Outcome{}, err
	}

	log.Info("propagated source change",
		"added", added, "removed", removed, "modified", modified,
		"impacts", len(out.Impacts), "links_dropped", out.Links.Dropped, "chunks_deleted", out.DeletedChunks)
	return out, nil
}

// republishOldest publishes SourceVersionCreated again for the replacement
// that supersedes generation oldest. While that job is pending or running the
// idempotency key makes this a no-op; once it has failed it gets a fresh run.
func (p *Propagator) republishOldest(ctx context.Context, sourceID, oldest string) error {
	versions, err := p.store.ListVersions(ctx, sourceID)
	if err != nil {
		return fmt.Errorf("listing versions: %w", err)
	}
	bySeq := make(map[int]storage.SourceVersion, len(versions))
	seq := -1
	for _, v := range versions {
		bySeq[v.Seq] = v
		if v.ID == oldest {
			seq = v.Seq
		}
	}
	snapshot, okSnap := bySeq[seq+1]
	next, okNext := bySeq[seq+2]
	if seq < 0 || !okSnap || !okNext {
		return fmt.Errorf("no replacement recorded for generation %s", oldest)
	}
	return p.bus.Publish(ctx, jobs.Event{
		Name: jobs.SourceVersionCreated,
		Key:  jobs.SourceVersionCreated + ":" + next.ID,
		Payload: jobs.VersionPayload{
			SourceID:          sourceID,
			PreviousVersionID: snapshot.ID,
			OldGenerationID:   oldest,
			NewVersionID:      next.ID,
		},
	})
}

func mapperChunks(in []storage.Chunk) []textdiff.Chunk {
	out := make([]textdiff.Chunk, len(in))
	for i, c := range in {
		out[i] = textdiff.Chunk{ID: c.ID, Index: c.Index, Content: c.Content}
	}
	return out
}

func diffRows(sourceID string, in jobs.VersionPayload, res textdiff.Result) []storage.ChunkDiff {
	rows := make([]storage.ChunkDiff, len(res.Diffs))
	for i, d := range res.Diffs {
		rows[i] = storage.ChunkDiff{
			ID:           uuid.NewString(),
			SourceID:     sourceID,
			OldVersionID: in.PreviousVersionID,
			NewVersionID: in.NewVersionID,
			Type:         storage.DiffType(d.Kind),
			OldChunkID:   d.OldChunkID,
			NewChunkID:   d.NewChunkID,
			Similarity:   d.Similarity,
			OldContent:   d.OldContent,
			NewContent:   d.NewContent,
		}
	}
	return rows
}

// changedOldChunks is removed ∪ modified, by old chunk id.
func changedOldChunks(res textdiff.Result) mapset.Set[string] {
	ids := mapset.NewThreadUnsafeSet[string]()
	for _, d := range res.Diffs {
		if d.Kind == textdiff.Removed || d.Kind == textdiff.Modified {
			ids.Add(d.OldChunkID)
		}
	}
	return ids
}

func linkMoves(res textdiff.Result) (retained, modified []evidence.Move, removed []string) {
	for _, p := range res.Retained {
		retained = append(retained, evidence.Move{OldChunkID: p.OldID, NewChunkID: p.NewID})
	}
	for _, d := range res.Diffs {
		switch d.Kind {
		case textdiff.Modified:
			modified = append(modified, evidence.Move{OldChunkID: d.OldChunkID, NewChunkID: d.NewChunkID})
		case textdiff.Removed:
			removed = append(removed, d.OldChunkID)
		}
	}
	return retained, modified, removed
}

func criteriaCount(ctx context.Context, tx *storage.Tx, packID string) (int, error) {
	pv, err := tx.LatestPackVersion(ctx, packID)
	if err != nil {
		return 0, fmt.Errorf("loading latest version of pack %s: %w", packID, err)
	}
	counts, err := tx.CountArtifacts(ctx, pv.ID)
	if err != nil {
		return 0, fmt.Errorf("counting artifacts of pack %s: %w", packID, err)
	}
	return counts.Criteria, nil
}
