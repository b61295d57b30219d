package storage

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrAlreadyExists is returned when a uniqueness guard rejects an insert.
var ErrAlreadyExists = errors.New("already exists")

// SourceStatus is the lifecycle status of an evidence source.
type SourceStatus string

const (
	SourcePending    SourceStatus = "pending"
	SourceProcessing SourceStatus = "processing"
	SourceCompleted  SourceStatus = "completed"
	SourceFailed     SourceStatus = "failed"
)

type Project struct {
	ID          string
	WorkspaceID string
	Name        string
	CreatedAt   time.Time
}

type Member struct {
	WorkspaceID string
	UserID      string
	Email       string
	Role        string
}

// PreferenceMode is a member's delivery choice for one notification preference key.
type PreferenceMode string

const (
	PreferenceEnabled   PreferenceMode = "enabled"
	PreferenceDisabled  PreferenceMode = "disabled"
	PreferenceImmediate PreferenceMode = "immediate"
)

type EvidenceSource struct {
	ID               string
	ProjectID        string
	Kind             string // document, email, transcript
	Title            string
	Content          string
	ContentHash      string
	Status           SourceStatus
	CurrentVersionID string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// SourceVersion is an immutable content snapshot. Seq is strictly increasing per source.
type SourceVersion struct {
	ID          string
	SourceID    string
	Seq         int
	Content     string
	ContentHash string
	CreatedAt   time.Time
}

// Chunk is a fragment of a source's content. VersionID is the generation the
// chunk was cut from; chunk ids never outlive their generation.
type Chunk struct {
	ID         string
	SourceID   string
	VersionID  string
	Index      int
	Content    string
	TokenCount int
	Metadata   string    // JSON object stored as text
	Embedding  []float32 // nil until embedded
	CreatedAt  time.Time
}

// DiffType classifies a chunk-level change.
type DiffType string

const (
	DiffAdded    DiffType = "added"
	DiffRemoved  DiffType = "removed"
	DiffModified DiffType = "modified"
)

// ChunkDiff bridges two chunk generations. OldChunkID is set for removed and
// modified rows, NewChunkID for added and modified rows. Content is kept inline
// because the old chunk rows are deleted once propagation completes.
type ChunkDiff struct {
	ID           string
	SourceID     string
	OldVersionID string
	NewVersionID string
	Type         DiffType
	OldChunkID   string
	NewChunkID   string
	Similarity   *float64
	OldContent   string
	NewContent   string
	CreatedAt    time.Time
}

// Pack is an artifact collection. The Health* fields are the denormalised
// pointer to the latest snapshot.
type Pack struct {
	ID           string
	ProjectID    string
	Name         string
	HealthScore  *int
	HealthStatus string
	HealthAt     *time.Time
	CreatedAt    time.Time
}

type PackVersion struct {
	ID        string
	PackID    string
	Seq       int
	CreatedAt time.Time
}

type Story struct {
	ID            string
	PackVersionID string
	Title         string
	CreatedAt     time.Time
}

type AcceptanceCriterion struct {
	ID        string
	StoryID   string
	Text      string
	CreatedAt time.Time
}

// Confidence is how directly a chunk supports an artifact.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// Rank orders confidence tiers; higher is stronger. Unknown tiers rank 0.
func (c Confidence) Rank() int {
	switch c {
	case ConfidenceHigh:
		return 3
	case ConfidenceMedium:
		return 2
	case ConfidenceLow:
		return 1
	default:
		return 0
	}
}

// ParseConfidence validates a confidence tier string.
func ParseConfidence(s string) (Confidence, error) {
	c := Confidence(s)
	if c.Rank() == 0 {
		return "", fmt.Errorf("invalid confidence %q", s)
	}
	return c, nil
}

// Evolution tracks how a link survived re-chunking.
type Evolution string

const (
	EvolutionCurrent  Evolution = "current"
	EvolutionModified Evolution = "modified"
)

type EvidenceLink struct {
	ID         string
	Entity     EntityRef
	ChunkID    string
	Confidence Confidence
	Evolution  Evolution
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type QualityFlag struct {
	ID        string
	Entity    EntityRef
	Message   string
	Resolved  bool
	CreatedAt time.Time
}

type DeliveryFeedback struct {
	ID        string
	PackID    string
	Message   string
	Resolved  bool
	CreatedAt time.Time
}

// EvidenceConflict is an unordered chunk pair; ChunkAID < ChunkBID always holds.
type EvidenceConflict struct {
	ID         string
	ProjectID  string
	ChunkAID   string
	ChunkBID   string
	Summary    string
	Confidence float64
	CreatedAt  time.Time
}

// Severity of a change impact.
type Severity string

const (
	SeverityMinor    Severity = "minor"
	SeverityModerate Severity = "moderate"
	SeverityMajor    Severity = "major"
)

// Rank orders severities; higher is worse.
func (s Severity) Rank() int {
	switch s {
	case SeverityMinor:
		return 1
	case SeverityModerate:
		return 2
	case SeverityMajor:
		return 3
	default:
		return 0
	}
}

// ImpactState is the per-impact workflow state.
type ImpactState string

const (
	ImpactStructuralCreated ImpactState = "structural_created"
	ImpactSummaryPending    ImpactState = "summary_pending"
	ImpactSummaryResolved   ImpactState = "summary_resolved"
)

type ChangeImpact struct {
	ID                   string
	SourceID             string
	PackID               string
	SourceVersionID      string
	PreviousVersionID    string
	AffectedStoryIDs     []string
	AffectedCriterionIDs []string
	AddedCount           int
	RemovedCount         int
	ModifiedCount        int
	Severity             Severity
	Summary              *string
	State                ImpactState
	SummaryRetryCount    int
	AcknowledgedBy       string
	AcknowledgedAt       *time.Time
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// HealthStatus buckets a health score.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthStale    HealthStatus = "stale"
	HealthAtRisk   HealthStatus = "at_risk"
	HealthOutdated HealthStatus = "outdated"
)

type HealthSnapshot struct {
	ID               string
	PackID           string
	PackVersionID    string
	Score            int
	Status           HealthStatus
	SourceDrift      float64
	EvidenceCoverage float64
	QAPassRate       float64
	DeliveryFeedback float64
	SourceAge        float64
	ComputedAt       time.Time
}

type Notification struct {
	ID          string
	UserID      string
	WorkspaceID string
	Type        string
	Title       string
	Body        string
	Link        string
	RelatedIDs  []string
	ReadAt      *time.Time
	CreatedAt   time.Time
}

type Job struct {
	ID             string
	Type           string
	PayloadJSON    string
	Status         string // "pending", "running", "completed", "skipped", "failed"
	Attempts       int
	MaxAttempts    int
	IdempotencyKey string
	RunAfter       time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
	LastError      string
}
