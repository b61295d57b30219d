package impact

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/kalambet/driftwatch/internal/jobs"
	"github.com/kalambet/driftwatch/internal/judge"
	"github.com/kalambet/driftwatch/internal/storage"
)

// maxExcerpts caps the diffs shown to the summariser.
const maxExcerpts = 6

func summaryKey(impactID string, attempt int) string {
	return "summary:" + impactID + ":" + strconv.Itoa(attempt)
}

// FallbackSummary is stored once the summary retry budget is spent.
func FallbackSummary(ci storage.ChangeImpact) string {
	return fmt.Sprintf("Source content changed (%d added, %d removed, %d modified sections), affecting %d stories and %d acceptance criteria.",
		ci.AddedCount, ci.RemovedCount, ci.ModifiedCount, len(ci.AffectedStoryIDs), len(ci.AffectedCriterionIDs))
}

// HandleSummarize is the ImpactSummarize handler. A failed summary bumps the
// impact's retry counter and schedules another attempt; once the counter
// reaches MaxSummaryRetries the fallback sentence is stored instead. The job
// itself never fails on a summariser error, and if scheduling the retry fails
// on its last attempt the fallback is stored as well.
func (p *Propagator) HandleSummarize(ctx context.Context, job storage.Job) error {
	in, err := jobs.Decode[jobs.ImpactPayload](job)
	if err != nil {
		return err
	}
	ci, err := p.store.GetImpact(ctx, in.ImpactID)
	if err != nil {
		return fmt.Errorf("loading impact %s: %w", in.ImpactID, err)
	}
	if ci.State == storage.ImpactSummaryResolved {
		return jobs.Skip("summary already resolved")
	}
	log := p.logger.With("impact_id", ci.ID)

	summary, serr := p.summarize(ctx, ci)
	if serr == nil {
		return p.resolve(ctx, ci.ID, summary)
	}

	err = p.store.WithTx(ctx, func(tx *storage.Tx) error {
		n, err := tx.BumpSummaryRetry(ctx, ci.ID)
		if err != nil {
			return fmt.Errorf("recording summary failure: %w", err)
		}
		if n >= p.cfg.MaxSummaryRetries {
			log.Warn("summary retries exhausted, using fallback", "attempts", n, "error", serr)
			return ignoreResolved(tx.ResolveImpactSummary(ctx, ci.ID, FallbackSummary(ci)))
		}
		log.Warn("summary failed, will retry", "attempts", n, "error", serr)
		return p.bus.In(tx).Publish(ctx, jobs.Event{
			Name:    jobs.ImpactSummarize,
			Key:     summaryKey(ci.ID, n),
			Payload: jobs.ImpactPayload{ImpactID: ci.ID},
			Delay:   p.cfg.SummaryRetryDelay * time.Duration(n),
		})
	})
	if err != nil && jobs.LastAttempt(job) {
		// No follow-up job will run, so settle on the fallback now.
		log.Error("scheduling summary retry failed, using fallback", "error", err)
		if ferr := p.resolve(context.WithoutCancel(ctx), ci.ID, FallbackSummary(ci)); ferr != nil {
			return errors.Join(err, ferr)
		}
		return nil
	}
	return err
}

func (p *Propagator) resolve(ctx context.Context, id, summary string) error {
	if err := ignoreResolved(p.store.ResolveImpactSummary(ctx, id, summary)); err != nil {
		return fmt.Errorf("storing summary: %w", err)
	}
	p.logger.Debug("summary resolved", "impact_id", id)
	return nil
}

func ignoreResolved(err error) error {
	if errors.Is(err, storage.ErrAlreadyExists) {
		return nil
	}
	return err
}

func (p *Propagator) summarize(ctx context.Context, ci storage.ChangeImpact) (string, error) {
	if p.summarizer == nil {
		return "", errors.New("no summarizer configured")
	}
	src, err := p.store.GetSource(ctx, ci.SourceID)
	if err != nil {
		return "", fmt.Errorf("loading source: %w", err)
	}
	pack, err := p.store.GetPack(ctx, ci.PackID)
	if err != nil {
		return "", fmt.Errorf("loading pack: %w", err)
	}
	diffs, err := p.store.ListChunkDiffs(ctx, ci.SourceID, ci.SourceVersionID)
	if err != nil {
		return "", fmt.Errorf("loading diffs: %w", err)
	}
	req := judge.SummaryRequest{
		SourceTitle:      src.Title,
		PackName:         pack.Name,
		Severity:         string(ci.Severity),
		AffectedCriteria: len(ci.AffectedCriterionIDs),
		AffectedStories:  len(ci.AffectedStoryIDs),
	}
	for _, d := range diffs {
		if len(req.Diffs) == maxExcerpts {
			break
		}
		req.Diffs = append(req.Diffs, judge.DiffExcerpt{Kind: string(d.Type), Before: d.OldContent, After: d.NewContent})
	}
	return p.summarizer.Summarize(ctx, req)
}

// Acknowledge records that userID has seen an impact. Acknowledging twice
// keeps the first acknowledgement.
func (p *Propagator) Acknowledge(ctx context.Context, impactID, userID string) (storage.ChangeImpact, error) {
	ci, err := p.store.GetImpact(ctx, impactID)
	if err != nil {
		return storage.ChangeImpact{}, err
	}
	if ci.AcknowledgedAt != nil {
		return ci, nil
	}
	if err := p.store.AcknowledgeImpact(ctx, impactID, userID, time.Now().UTC()); err != nil {
		return storage.ChangeImpact{}, fmt.Errorf("acknowledging impact: %w", err)
	}
	return p.store.GetImpact(ctx, impactID)
}
