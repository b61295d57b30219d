package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/kalambet/driftwatch/internal/jobs"
	"github.com/kalambet/driftwatch/internal/storage"
)

// HandleImpact is the NotifyImpact handler.
func (s *Service) HandleImpact(ctx context.Context, job storage.Job) error {
	p, err := jobs.Decode[jobs.ImpactPayload](job)
	if err != nil {
		return err
	}
	ci, err := s.store.GetImpact(ctx, p.ImpactID)
	if err != nil {
		return fmt.Errorf("loading impact %s: %w", p.ImpactID, err)
	}
	pack, err := s.store.GetPack(ctx, ci.PackID)
	if err != nil {
		return fmt.Errorf("loading pack %s: %w", ci.PackID, err)
	}
	src, err := s.store.GetSource(ctx, ci.SourceID)
	if err != nil {
		return fmt.Errorf("loading source %s: %w", ci.SourceID, err)
	}
	ws, err := s.workspaceOf(ctx, pack.ProjectID)
	if err != nil {
		return err
	}

	body := fmt.Sprintf("%s affects %d stories and %d acceptance criteria.",
		src.Title, len(ci.AffectedStoryIDs), len(ci.AffectedCriterionIDs))
	if ci.Summary != nil && *ci.Summary != "" {
		body = *ci.Summary
	}
	_, err = s.Fanout(ctx, Event{
		WorkspaceID:   ws,
		Type:          TypeImpact,
		Title:         fmt.Sprintf("%s change in %s", title(string(ci.Severity)), pack.Name),
		Body:          body,
		Link:          "/packs/" + pack.ID + "/impacts",
		RelatedIDs:    []string{ci.ID, pack.ID, src.ID},
		PreferenceKey: PrefImpact,
	})
	return err
}

// HandleConflict is the NotifyConflict handler.
func (s *Service) HandleConflict(ctx context.Context, job storage.Job) error {
	p, err := jobs.Decode[jobs.ConflictPayload](job)
	if err != nil {
		return err
	}
	c, err := s.store.GetConflict(ctx, p.ConflictID)
	if err != nil {
		return fmt.Errorf("loading conflict %s: %w", p.ConflictID, err)
	}
	ws, err := s.workspaceOf(ctx, c.ProjectID)
	if err != nil {
		return err
	}
	body := c.Summary
	if body == "" {
		body = "Two evidence sources disagree."
	}
	_, err = s.Fanout(ctx, Event{
		WorkspaceID:   ws,
		Type:          TypeConflict,
		Title:         "Conflicting evidence detected",
		Body:          body,
		Link:          "/projects/" + c.ProjectID + "/conflicts",
		RelatedIDs:    []string{c.ID, c.ChunkAID, c.ChunkBID},
		PreferenceKey: PrefConflict,
	})
	return err
}

// HandleHealth is the NotifyHealth handler.
func (s *Service) HandleHealth(ctx context.Context, job storage.Job) error {
	p, err := jobs.Decode[jobs.HealthChangePayload](job)
	if err != nil {
		return err
	}
	pack, err := s.store.GetPack(ctx, p.PackID)
	if err != nil {
		return fmt.Errorf("loading pack %s: %w", p.PackID, err)
	}
	ws, err := s.workspaceOf(ctx, pack.ProjectID)
	if err != nil {
		return err
	}
	from := p.From
	if from == "" {
		from = "unscored"
	}
	_, err = s.Fanout(ctx, Event{
		WorkspaceID:   ws,
		Type:          TypeHealth,
		Title:         fmt.Sprintf("%s is now %s", pack.Name, strings.ReplaceAll(p.To, "_", " ")),
		Body:          fmt.Sprintf("Health score %d, previously %s.", p.Score, strings.ReplaceAll(from, "_", " ")),
		Link:          "/packs/" + pack.ID + "/health",
		RelatedIDs:    []string{pack.ID, p.SnapshotID},
		PreferenceKey: PrefHealth,
	})
	return err
}

func (s *Service) workspaceOf(ctx context.Context, projectID string) (string, error) {
	proj, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return "", fmt.Errorf("loading project %s: %w", projectID, err)
	}
	return proj.WorkspaceID, nil
}

func title(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
