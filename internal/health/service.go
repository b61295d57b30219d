package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/driftwatch/internal/cache"
	"github.com/kalambet/driftwatch/internal/jobs"
	"github.com/kalambet/driftwatch/internal/logging"
	"github.com/kalambet/driftwatch/internal/storage"
)

// DefaultCooldown is how long a recompute holds its pack's lock.
const DefaultCooldown = 60 * time.Second

type Config struct {
	Cooldown time.Duration
	// Weights applies to workspaces without stored weights.
	Weights Weights
}

type Service struct {
	store    *storage.Store
	bus      *jobs.Bus
	locks    cache.Counter
	cooldown time.Duration
	weights  Weights
	now      func() time.Time
	logger   *slog.Logger
}

func NewService(store *storage.Store, bus *jobs.Bus, locks cache.Counter, cfg Config) *Service {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if cfg.Weights.Validate() != nil {
		cfg.Weights = DefaultWeights
	}
	return &Service{
		store:    store,
		bus:      bus,
		locks:    locks,
		cooldown: cfg.Cooldown,
		weights:  cfg.Weights,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logging.New("health"),
	}
}

func lockKey(packID string) string     { return "health:" + packID }
func recomputeKey(packID string) string { return jobs.HealthRecompute + ":" + packID }
func deferredKey(packID string) string  { return recomputeKey(packID) + ":deferred" }

// RequestRecompute schedules a recompute for packID. Requests made while one
// is already pending collapse into it.
func (s *Service) RequestRecompute(ctx context.Context, packID string) error {
	if _, err := s.store.GetPack(ctx, packID); err != nil {
		return err
	}
	return s.bus.Publish(ctx, jobs.Event{
		Name:    jobs.HealthRecompute,
		Key:     recomputeKey(packID),
		Payload: jobs.PackPayload{PackID: packID},
	})
}

// HandleRecompute is the HealthRecompute handler. While another recompute of
// the same pack holds the cooldown lock the request is deferred until the
// lock expires; concurrent deferrals share one delayed job.
func (s *Service) HandleRecompute(ctx context.Context, job storage.Job) error {
	p, err := jobs.Decode[jobs.PackPayload](job)
	if err != nil {
		return err
	}
	ok, err := s.locks.TryLock(ctx, lockKey(p.PackID), s.cooldown)
	if err != nil {
		return fmt.Errorf("acquiring health cooldown: %w", err)
	}
	if !ok {
		return s.deferRecompute(ctx, job, p.PackID)
	}
	_, err = s.Recompute(ctx, p.PackID)
	return err
}

func (s *Service) deferRecompute(ctx context.Context, job storage.Job, packID string) error {
	if job.IdempotencyKey == deferredKey(packID) {
		// Publishing under our own key would collapse into this running job.
		return jobs.Transient(fmt.Errorf("health cooldown for pack %s still held", packID))
	}
	wait, err := s.locks.TTL(ctx, lockKey(packID))
	if err != nil {
		return fmt.Errorf("reading health cooldown: %w", err)
	}
	if wait < time.Second {
		wait = time.Second
	}
	if err := s.bus.Publish(ctx, jobs.Event{
		Name:    jobs.HealthRecompute,
		Key:     deferredKey(packID),
		Payload: jobs.PackPayload{PackID: packID},
		Delay:   wait,
	}); err != nil {
		return err
	}
	return jobs.Skipf("cooldown active, deferred %s", wait.Round(time.Second))
}

// Recompute scores a pack now and stores the snapshot. Reads happen before
// the single write transaction, which inserts the snapshot, moves the pack's
// pointer and, on a status downgrade, publishes NotifyHealth.
func (s *Service) Recompute(ctx context.Context, packID string) (storage.HealthSnapshot, error) {
	pack, err := s.store.GetPack(ctx, packID)
	if err != nil {
		return storage.HealthSnapshot{}, fmt.Errorf("loading pack %s: %w", packID, err)
	}
	in, pvID, err := s.inputs(ctx, packID)
	if err != nil {
		return storage.HealthSnapshot{}, err
	}
	w := s.workspaceWeights(ctx, pack.ProjectID)
	now := s.now()
	res := Compute(in, w, now)

	snap := storage.HealthSnapshot{
		ID:               uuid.NewString(),
		PackID:           packID,
		PackVersionID:    pvID,
		Score:            res.Score,
		Status:           res.Status,
		SourceDrift:      res.Factors.SourceDrift,
		EvidenceCoverage: res.Factors.EvidenceCoverage,
		QAPassRate:       res.Factors.QAPassRate,
		DeliveryFeedback: res.Factors.DeliveryFeedback,
		SourceAge:        res.Factors.SourceAge,
		ComputedAt:       now,
	}
	prev := storage.HealthStatus(pack.HealthStatus)
	err = s.store.WithTx(ctx, func(tx *storage.Tx) error {
		if err := tx.InsertHealthSnapshot(ctx, snap); err != nil {
			return err
		}
		if !Degraded(prev, snap.Status) {
			return nil
		}
		return s.bus.In(tx).Publish(ctx, jobs.Event{
			Name: jobs.NotifyHealth,
			Key:  jobs.NotifyHealth + ":" + snap.ID,
			Payload: jobs.HealthChangePayload{
				PackID: packID, SnapshotID: snap.ID, From: string(prev), To: string(snap.Status), Score: snap.Score,
			},
		})
	})
	if err != nil {
		return storage.HealthSnapshot{}, fmt.Errorf("storing health snapshot: %w", err)
	}
	s.logger.Info("health recomputed", "pack_id", packID, "score", snap.Score, "status", snap.Status, "previous", prev)
	return snap, nil
}

func (s *Service) inputs(ctx context.Context, packID string) (Inputs, string, error) {
	pv, err := s.store.LatestPackVersion(ctx, packID)
	if errors.Is(err, storage.ErrNotFound) {
		return Inputs{}, "", nil
	}
	if err != nil {
		return Inputs{}, "", fmt.Errorf("loading pack version: %w", err)
	}
	in := Inputs{HasVersion: true, LastUpdate: pv.CreatedAt}

	srcIDs, err := s.store.PackSourceIDs(ctx, packID)
	if err != nil {
		return Inputs{}, "", fmt.Errorf("listing pack sources: %w", err)
	}
	if in.DiffsSinceVersion, err = s.store.CountDiffsSince(ctx, srcIDs, pv.CreatedAt); err != nil {
		return Inputs{}, "", fmt.Errorf("counting diffs: %w", err)
	}
	counts, err := s.store.CountArtifacts(ctx, pv.ID)
	if err != nil {
		return Inputs{}, "", fmt.Errorf("counting artifacts: %w", err)
	}
	in.Criteria = counts.Criteria
	in.CriteriaWithHigh = counts.CriteriaWithHighLink
	in.Stories = counts.Stories
	in.StoriesWithoutFlags = counts.StoriesWithoutFlags
	if in.UnresolvedFeedback, err = s.store.CountUnresolvedFeedback(ctx, packID); err != nil {
		return Inputs{}, "", fmt.Errorf("counting feedback: %w", err)
	}
	last, err := s.store.LatestSourceUpdate(ctx, packID)
	if err != nil {
		return Inputs{}, "", fmt.Errorf("loading source age: %w", err)
	}
	if last != nil {
		in.LastUpdate = *last
	}
	return in, pv.ID, nil
}

// workspaceWeights falls back to the configured weights when the workspace
// has none stored or the stored vector is unusable.
func (s *Service) workspaceWeights(ctx context.Context, projectID string) Weights {
	proj, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		s.logger.Warn("loading project for weights", "project_id", projectID, "error", err)
		return s.weights
	}
	raw, err := s.store.HealthWeights(ctx, proj.WorkspaceID)
	if err != nil {
		s.logger.Warn("loading health weights", "workspace_id", proj.WorkspaceID, "error", err)
		return s.weights
	}
	if raw == "" {
		return s.weights
	}
	w, err := ParseWeights(raw)
	if err != nil {
		s.logger.Warn("stored health weights ignored", "workspace_id", proj.WorkspaceID, "error", err)
		return s.weights
	}
	return w
}

// SetWeights stores a workspace's weight vector.
func (s *Service) SetWeights(ctx context.Context, workspaceID string, w Weights) error {
	if err := w.Validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(w)
	if err != nil {
		return err
	}
	return s.store.SetHealthWeights(ctx, workspaceID, string(raw))
}

// Current returns the latest snapshot, or a perfect score for a pack that was
// never scored.
func (s *Service) Current(ctx context.Context, packID string) (storage.HealthSnapshot, error) {
	if _, err := s.store.GetPack(ctx, packID); err != nil {
		return storage.HealthSnapshot{}, err
	}
	snaps, err := s.store.ListHealthSnapshots(ctx, packID, 1)
	if err != nil {
		return storage.HealthSnapshot{}, err
	}
	if len(snaps) == 0 {
		return storage.HealthSnapshot{
			PackID: packID, Score: 100, Status: storage.HealthHealthy,
			SourceDrift: 100, EvidenceCoverage: 100, QAPassRate: 100, DeliveryFeedback: 100, SourceAge: 100,
		}, nil
	}
	return snaps[0], nil
}

func (s *Service) History(ctx context.Context, packID string, limit int) ([]storage.HealthSnapshot, error) {
	if _, err := s.store.GetPack(ctx, packID); err != nil {
		return nil, err
	}
	return s.store.ListHealthSnapshots(ctx, packID, limit)
}
