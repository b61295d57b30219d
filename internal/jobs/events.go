// Package jobs turns named events into durable jobs and runs them with retry.
//
// Publishing an event inserts a row in the jobs table. A Pool of workers
// claims due rows and dispatches them to the handler registered for the
// event name. Handlers return nil, Skip, Permanent, Transient or a plain
// error; the pool maps each outcome to a job state.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/driftwatch/internal/storage"
)

// Event names.
const (
	SourceChunksCreated  = "source.chunks_created"
	SourceChunksEmbedded = "source.chunks_embedded"
	SourceVersionCreated = "source.version_created"
	ImpactSummarize      = "impact.summarize"
	HealthRecompute      = "health.recompute"
	NotifyImpact         = "notify.impact"
	NotifyConflict       = "notify.conflict"
	NotifyHealth         = "notify.health"
	EmailSend            = "email.send"
)

// ChunksPayload identifies one chunk generation of a source. It is the
// payload of SourceChunksCreated and SourceChunksEmbedded.
type ChunksPayload struct {
	SourceID  string `json:"source_id"`
	ProjectID string `json:"project_id"`
	VersionID string `json:"version_id"`
}

// VersionPayload is the payload of SourceVersionCreated. PreviousVersionID is
// the snapshot of the replaced content, OldGenerationID the version the
// replaced chunks were cut from.
type VersionPayload struct {
	SourceID          string `json:"source_id"`
	PreviousVersionID string `json:"previous_version_id"`
	OldGenerationID   string `json:"old_generation_id"`
	NewVersionID      string `json:"new_version_id"`
}

// ImpactPayload is the payload of ImpactSummarize and NotifyImpact.
type ImpactPayload struct {
	ImpactID string `json:"impact_id"`
}

// ConflictPayload is the payload of NotifyConflict.
type ConflictPayload struct {
	ConflictID string `json:"conflict_id"`
	ProjectID  string `json:"project_id"`
}

// HealthChangePayload is the payload of NotifyHealth.
type HealthChangePayload struct {
	PackID     string `json:"pack_id"`
	SnapshotID string `json:"snapshot_id"`
	From       string `json:"from"`
	To         string `json:"to"`
	Score      int    `json:"score"`
}

// EmailPayload is the payload of EmailSend.
type EmailPayload struct {
	NotificationID string `json:"notification_id"`
	To             string `json:"to"`
	Subject        string `json:"subject"`
	Body           string `json:"body"`
	Link           string `json:"link,omitempty"`
}

// PackPayload is the payload of HealthRecompute.
type PackPayload struct {
	PackID string `json:"pack_id"`
}

// Policy is the retry policy for one event name.
type Policy struct {
	MaxAttempts int
}

// DefaultPolicies gives structural steps three attempts and enrichment or
// delivery steps two. Summaries track their own retry budget on the impact
// row; the job's second attempt only covers failed bookkeeping.
var DefaultPolicies = map[string]Policy{
	SourceChunksCreated:  {MaxAttempts: 3},
	SourceChunksEmbedded: {MaxAttempts: 2},
	SourceVersionCreated: {MaxAttempts: 3},
	ImpactSummarize:      {MaxAttempts: 2},
	HealthRecompute:      {MaxAttempts: 3},
	NotifyImpact:         {MaxAttempts: 2},
	NotifyConflict:       {MaxAttempts: 2},
	NotifyHealth:         {MaxAttempts: 2},
	EmailSend:            {MaxAttempts: 2},
}

// Event is a request to run the handler for Name with Payload.
type Event struct {
	Name    string
	Payload any
	// Key deduplicates: while a pending or running job with the same key
	// exists, publishing again is a no-op.
	Key   string
	Delay time.Duration
}

// Publisher is what domain services use to emit follow-up events.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Enqueuer is satisfied by *storage.Store and *storage.Tx.
type Enqueuer interface {
	EnqueueJob(ctx context.Context, job storage.Job) (storage.Job, bool, error)
}

// Bus publishes events as jobs.
type Bus struct {
	enq      Enqueuer
	policies map[string]Policy
	now      func() time.Time
}

// NewBus returns a Bus writing to enq. A nil policies map selects DefaultPolicies.
func NewBus(enq Enqueuer, policies map[string]Policy) *Bus {
	if policies == nil {
		policies = DefaultPolicies
	}
	return &Bus{enq: enq, policies: policies, now: func() time.Time { return time.Now().UTC() }}
}

// In returns a Bus that writes jobs inside tx, so they commit or roll back
// with the caller's other writes.
func (b *Bus) In(tx Enqueuer) *Bus {
	return &Bus{enq: tx, policies: b.policies, now: b.now}
}

func (b *Bus) Publish(ctx context.Context, ev Event) error {
	_, _, err := b.Enqueue(ctx, ev)
	return err
}

// Enqueue publishes ev and reports whether a new job was created.
func (b *Bus) Enqueue(ctx context.Context, ev Event) (storage.Job, bool, error) {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return storage.Job{}, false, fmt.Errorf("encoding %s payload: %w", ev.Name, err)
	}
	job := storage.Job{
		ID:             uuid.NewString(),
		Type:           ev.Name,
		PayloadJSON:    string(payload),
		MaxAttempts:    b.policies[ev.Name].MaxAttempts,
		IdempotencyKey: ev.Key,
	}
	if ev.Delay > 0 {
		job.RunAfter = b.now().Add(ev.Delay)
	}
	j, created, err := b.enq.EnqueueJob(ctx, job)
	if err != nil {
		return storage.Job{}, false, fmt.Errorf("publishing %s: %w", ev.Name, err)
	}
	return j, created, nil
}

// LastAttempt reports whether a failure of job will exhaust its attempts.
func LastAttempt(job storage.Job) bool {
	return job.Attempts+1 >= job.MaxAttempts
}

// Decode unmarshals a job payload. A malformed payload is permanent.
func Decode[T any](job storage.Job) (T, error) {
	var v T
	if err := json.Unmarshal([]byte(job.PayloadJSON), &v); err != nil {
		return v, Permanent(fmt.Errorf("decoding %s payload: %w", job.Type, err))
	}
	return v, nil
}
