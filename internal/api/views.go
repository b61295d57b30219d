package api

import (
	"time"

	"github.com/kalambet/driftwatch/internal/retrieval"
	"github.com/kalambet/driftwatch/internal/sources"
	"github.com/kalambet/driftwatch/internal/storage"
)

// Wire shapes. Storage models carry no JSON tags; everything that leaves the
// API goes through one of these.

type sourceView struct {
	ID               string    `json:"id"`
	ProjectID        string    `json:"project_id"`
	Kind             string    `json:"kind"`
	Title            string    `json:"title"`
	Status           string    `json:"status"`
	ContentHash      string    `json:"content_hash"`
	CurrentVersionID string    `json:"current_version_id"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

func toSourceView(s storage.EvidenceSource) sourceView {
	return sourceView{
		ID:               s.ID,
		ProjectID:        s.ProjectID,
		Kind:             s.Kind,
		Title:            s.Title,
		Status:           string(s.Status),
		ContentHash:      s.ContentHash,
		CurrentVersionID: s.CurrentVersionID,
		CreatedAt:        s.CreatedAt,
		UpdatedAt:        s.UpdatedAt,
	}
}

type ingestResponse struct {
	Source    sourceView `json:"source"`
	VersionID string     `json:"version_id"`
	Chunks    int        `json:"chunks"`
	Quality   string     `json:"quality"`
}

func toIngestResponse(in sources.Ingested) ingestResponse {
	return ingestResponse{
		Source:    toSourceView(in.Source),
		VersionID: in.Version.ID,
		Chunks:    in.Chunks,
		Quality:   string(in.Quality),
	}
}

type replaceResponse struct {
	SourceID          string `json:"source_id"`
	Changed           bool   `json:"changed"`
	PreviousVersionID string `json:"previous_version_id,omitempty"`
	NewVersionID      string `json:"new_version_id"`
	Chunks            int    `json:"chunks"`
}

func toReplaceResponse(r sources.Replacement) replaceResponse {
	return replaceResponse{
		SourceID:          r.SourceID,
		Changed:           r.Changed,
		PreviousVersionID: r.PreviousVersionID,
		NewVersionID:      r.NewVersionID,
		Chunks:            r.Chunks,
	}
}

type healthView struct {
	PackID        string     `json:"pack_id"`
	PackVersionID string     `json:"pack_version_id,omitempty"`
	Score         int        `json:"score"`
	Status        string     `json:"status"`
	Factors       factorView `json:"factors"`
	ComputedAt    *time.Time `json:"computed_at,omitempty"`
}

type factorView struct {
	SourceDrift      float64 `json:"source_drift"`
	EvidenceCoverage float64 `json:"evidence_coverage"`
	QAPassRate       float64 `json:"qa_pass_rate"`
	DeliveryFeedback float64 `json:"delivery_feedback"`
	SourceAge        float64 `json:"source_age"`
}

func toHealthView(s storage.HealthSnapshot) healthView {
	v := healthView{
		PackID:        s.PackID,
		PackVersionID: s.PackVersionID,
		Score:         s.Score,
		Status:        string(s.Status),
		Factors: factorView{
			SourceDrift:      s.SourceDrift,
			EvidenceCoverage: s.EvidenceCoverage,
			QAPassRate:       s.QAPassRate,
			DeliveryFeedback: s.DeliveryFeedback,
			SourceAge:        s.SourceAge,
		},
	}
	if !s.ComputedAt.IsZero() {
		at := s.ComputedAt
		v.ComputedAt = &at
	}
	return v
}

type impactView struct {
	ID                   string     `json:"id"`
	SourceID             string     `json:"source_id"`
	PackID               string     `json:"pack_id"`
	SourceVersionID      string     `json:"source_version_id"`
	PreviousVersionID    string     `json:"previous_version_id"`
	AffectedStoryIDs     []string   `json:"affected_story_ids"`
	AffectedCriterionIDs []string   `json:"affected_criterion_ids"`
	Added                int        `json:"added"`
	Removed              int        `json:"removed"`
	Modified             int        `json:"modified"`
	Severity             string     `json:"severity"`
	Summary              *string    `json:"summary"`
	State                string     `json:"state"`
	AcknowledgedBy       string     `json:"acknowledged_by,omitempty"`
	AcknowledgedAt       *time.Time `json:"acknowledged_at,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
}

func toImpactView(ci storage.ChangeImpact) impactView {
	return impactView{
		ID:                   ci.ID,
		SourceID:             ci.SourceID,
		PackID:               ci.PackID,
		SourceVersionID:      ci.SourceVersionID,
		PreviousVersionID:    ci.PreviousVersionID,
		AffectedStoryIDs:     nonNil(ci.AffectedStoryIDs),
		AffectedCriterionIDs: nonNil(ci.AffectedCriterionIDs),
		Added:                ci.AddedCount,
		Removed:              ci.RemovedCount,
		Modified:             ci.ModifiedCount,
		Severity:             string(ci.Severity),
		Summary:              ci.Summary,
		State:                string(ci.State),
		AcknowledgedBy:       ci.AcknowledgedBy,
		AcknowledgedAt:       ci.AcknowledgedAt,
		CreatedAt:            ci.CreatedAt,
	}
}

type conflictView struct {
	ID         string    `json:"id"`
	ProjectID  string    `json:"project_id"`
	ChunkAID   string    `json:"chunk_a_id"`
	ChunkBID   string    `json:"chunk_b_id"`
	Summary    string    `json:"summary"`
	Confidence float64   `json:"confidence"`
	CreatedAt  time.Time `json:"created_at"`
}

func toConflictView(c storage.EvidenceConflict) conflictView {
	return conflictView{
		ID:         c.ID,
		ProjectID:  c.ProjectID,
		ChunkAID:   c.ChunkAID,
		ChunkBID:   c.ChunkBID,
		Summary:    c.Summary,
		Confidence: c.Confidence,
		CreatedAt:  c.CreatedAt,
	}
}

type notificationView struct {
	ID         string     `json:"id"`
	Type       string     `json:"type"`
	Title      string     `json:"title"`
	Body       string     `json:"body"`
	Link       string     `json:"link"`
	RelatedIDs []string   `json:"related_ids"`
	ReadAt     *time.Time `json:"read_at"`
	CreatedAt  time.Time  `json:"created_at"`
}

func toNotificationView(n storage.Notification) notificationView {
	return notificationView{
		ID:         n.ID,
		Type:       n.Type,
		Title:      n.Title,
		Body:       n.Body,
		Link:       n.Link,
		RelatedIDs: nonNil(n.RelatedIDs),
		ReadAt:     n.ReadAt,
		CreatedAt:  n.CreatedAt,
	}
}

type linkView struct {
	ID         string `json:"id"`
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
	ChunkID    string `json:"chunk_id"`
	Confidence string `json:"confidence"`
	Evolution  string `json:"evolution"`
}

func toLinkView(l storage.EvidenceLink) linkView {
	return linkView{
		ID:         l.ID,
		EntityType: string(l.Entity.Type()),
		EntityID:   l.Entity.ID(),
		ChunkID:    l.ChunkID,
		Confidence: string(l.Confidence),
		Evolution:  string(l.Evolution),
	}
}

type hitView struct {
	ChunkID  string  `json:"chunk_id"`
	SourceID string  `json:"source_id"`
	Content  string  `json:"content"`
	Score    float64 `json:"score"`
}

func toHitView(h retrieval.Hit) hitView {
	return hitView{ChunkID: h.Chunk.ID, SourceID: h.Chunk.SourceID, Content: h.Chunk.Content, Score: h.Score}
}

func mapSlice[T, V any](in []T, fn func(T) V) []V {
	out := make([]V, len(in))
	for i, v := range in {
		out[i] = fn(v)
	}
	return out
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
