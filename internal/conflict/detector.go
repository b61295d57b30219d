// Package conflict finds chunks from different sources of a project that
// say contradictory things.
package conflict

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/driftwatch/internal/jobs"
	"github.com/kalambet/driftwatch/internal/judge"
	"github.com/kalambet/driftwatch/internal/logging"
	"github.com/kalambet/driftwatch/internal/retrieval"
	"github.com/kalambet/driftwatch/internal/storage"
)

const (
	DefaultThreshold     = 0.85
	DefaultMinConfidence = 0.5
)

// Judge decides whether chunk pairs contradict. *judge.Judge satisfies it.
type Judge interface {
	JudgeConflicts(ctx context.Context, pairs []judge.Pair) ([]judge.Verdict, error)
	BatchSize() int
}

type Config struct {
	Threshold     float64
	MinConfidence float64
	// Parallel bounds the number of batches in flight.
	Parallel int
}

type Detector struct {
	store  *storage.Store
	bus    *jobs.Bus
	judge  Judge
	cfg    Config
	logger *slog.Logger
}

func NewDetector(store *storage.Store, bus *jobs.Bus, j Judge, cfg Config) *Detector {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = DefaultMinConfidence
	}
	if cfg.Parallel <= 0 {
		cfg.Parallel = 2
	}
	return &Detector{store: store, bus: bus, judge: j, cfg: cfg, logger: logging.New("conflict")}
}

// Result counts what one detection run did.
type Result struct {
	Candidates    int
	Batches       int
	FailedBatches int
	Created       []storage.EvidenceConflict
}

// HandleChunksEmbedded is the SourceChunksEmbedded handler. It compares the
// freshly embedded source against the rest of its project.
func (d *Detector) HandleChunksEmbedded(ctx context.Context, job storage.Job) error {
	p, err := jobs.Decode[jobs.ChunksPayload](job)
	if err != nil {
		return err
	}
	_, err = d.Detect(ctx, p.ProjectID, p.SourceID)
	return err
}

// Detect judges cross-source pairs above the similarity threshold that are
// not yet recorded. When sourceID is set only pairs involving that source are
// considered. A batch the judge fails on contributes nothing; the run still
// succeeds.
func (d *Detector) Detect(ctx context.Context, projectID, sourceID string) (Result, error) {
	log := d.logger.With("project_id", projectID, "source_id", sourceID)

	chunks, err := d.store.ListProjectEmbeddedChunks(ctx, projectID)
	if err != nil {
		return Result{}, fmt.Errorf("listing embedded chunks: %w", err)
	}
	existing, err := d.recorded(ctx, projectID)
	if err != nil {
		return Result{}, err
	}

	var candidates []retrieval.Pair
	for _, p := range retrieval.CrossSourcePairs(chunks, d.cfg.Threshold) {
		if sourceID != "" && p.A.SourceID != sourceID && p.B.SourceID != sourceID {
			continue
		}
		if existing.Contains(pairKey(p.A.ID, p.B.ID)) {
			continue
		}
		candidates = append(candidates, p)
	}
	res := Result{Candidates: len(candidates)}
	if len(candidates) == 0 {
		return res, nil
	}

	titles, err := d.sourceTitles(ctx, projectID)
	if err != nil {
		return res, err
	}

	var (
		mu        sync.Mutex
		confirmed []confirmation
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.Parallel)
	size := d.judge.BatchSize()
	for start := 0; start < len(candidates); start += size {
		batch := candidates[start:min(start+size, len(candidates))]
		res.Batches++
		g.Go(func() error {
			got, err := d.judgeBatch(gctx, batch, titles)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.FailedBatches++
				log.Warn("conflict batch failed", "pairs", len(batch), "error", err)
				return nil
			}
			confirmed = append(confirmed, got...)
			return nil
		})
	}
	g.Wait()
	if err := ctx.Err(); err != nil {
		return res, err
	}

	for _, c := range confirmed {
		created, err := d.record(ctx, projectID, c)
		if err != nil {
			return res, err
		}
		if created != nil {
			res.Created = append(res.Created, *created)
		}
	}

	log.Info("conflict detection finished",
		"candidates", res.Candidates, "batches", res.Batches,
		"failed_batches", res.FailedBatches, "created", len(res.Created))
	return res, nil
}

type confirmation struct {
	pair    retrieval.Pair
	verdict judge.Verdict
}

func (d *Detector) judgeBatch(ctx context.Context, batch []retrieval.Pair, titles map[string]string) ([]confirmation, error) {
	req := make([]judge.Pair, len(batch))
	for i, p := range batch {
		req[i] = judge.Pair{
			Index:   i,
			SourceA: titles[p.A.SourceID],
			TextA:   p.A.Content,
			SourceB: titles[p.B.SourceID],
			TextB:   p.B.Content,
		}
	}
	verdicts, err := d.judge.JudgeConflicts(ctx, req)
	if err != nil {
		return nil, err
	}
	var out []confirmation
	for _, v := range verdicts {
		if !v.Contradicts || v.Confidence < d.cfg.MinConfidence {
			continue
		}
		out = append(out, confirmation{pair: batch[v.Index], verdict: v})
	}
	return out, nil
}

// record stores a confirmed conflict unless the pair already exists, and
// publishes its notification in the same transaction.
func (d *Detector) record(ctx context.Context, projectID string, c confirmation) (*storage.EvidenceConflict, error) {
	var created *storage.EvidenceConflict
	err := d.store.WithTx(ctx, func(tx *storage.Tx) error {
		exists, err := tx.ConflictExists(ctx, c.pair.A.ID, c.pair.B.ID)
		if err != nil {
			return fmt.Errorf("checking conflict pair: %w", err)
		}
		if exists {
			return nil
		}
		a, b := storage.OrderPair(c.pair.A.ID, c.pair.B.ID)
		ec := storage.EvidenceConflict{
			ID:         uuid.NewString(),
			ProjectID:  projectID,
			ChunkAID:   a,
			ChunkBID:   b,
			Summary:    c.verdict.Summary,
			Confidence: c.verdict.Confidence,
		}
		if err := tx.InsertConflict(ctx, ec); err != nil {
			if errors.Is(err, storage.ErrAlreadyExists) {
				return nil
			}
			return fmt.Errorf("recording conflict: %w", err)
		}
		if err := d.bus.In(tx).Publish(ctx, jobs.Event{
			Name:    jobs.NotifyConflict,
			Key:     jobs.NotifyConflict + ":" + ec.ID,
			Payload: jobs.ConflictPayload{ConflictID: ec.ID, ProjectID: projectID},
		}); err != nil {
			return err
		}
		created = &ec
		return nil
	})
	return created, err
}

func (d *Detector) recorded(ctx context.Context, projectID string) (mapset.Set[string], error) {
	cs, err := d.store.ListConflicts(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("listing conflicts: %w", err)
	}
	set := mapset.NewThreadUnsafeSetWithSize[string](len(cs))
	for _, c := range cs {
		set.Add(pairKey(c.ChunkAID, c.ChunkBID))
	}
	return set, nil
}

func (d *Detector) sourceTitles(ctx context.Context, projectID string) (map[string]string, error) {
	srcs, err := d.store.ListSources(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("listing sources: %w", err)
	}
	out := make(map[string]string, len(srcs))
	for _, s := range srcs {
		out[s.ID] = s.Title
	}
	return out, nil
}

func pairKey(a, b string) string {
	a, b = storage.OrderPair(a, b)
	return a + "|" + b
}
